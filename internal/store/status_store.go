package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/parlor-chat/parlor/internal/domain"
)

type StatusStore struct{ db *gorm.DB }

func (s *Store) Statuses() *StatusStore { return &StatusStore{db: s.DB} }

func (r *StatusStore) AddBatch(ctx context.Context, statuses []domain.RecipientStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&statuses).Error
}

func (r *StatusStore) ListByMessage(ctx context.Context, messageID uuid.UUID) ([]domain.RecipientStatus, error) {
	var statuses []domain.RecipientStatus
	err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("recipient_id ASC").
		Find(&statuses).Error
	return statuses, err
}

func (r *StatusStore) ListByMessages(ctx context.Context, messageIDs []uuid.UUID, recipientID uuid.UUID) ([]domain.RecipientStatus, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var statuses []domain.RecipientStatus
	err := r.db.WithContext(ctx).
		Where("message_id IN ? AND recipient_id = ?", messageIDs, recipientID).
		Find(&statuses).Error
	return statuses, err
}

// MarkDelivered moves sent -> delivered. The status column itself is
// the guard: a row already at delivered or read matches nothing, so a
// duplicate or late receipt affects zero rows and the first delivery
// timestamp survives.
func (r *StatusStore) MarkDelivered(ctx context.Context, messageID, recipientID uuid.UUID, at time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).
		Model(&domain.RecipientStatus{}).
		Where("message_id = ? AND recipient_id = ? AND status = ?", messageID, recipientID, domain.StatusSent).
		Updates(map[string]interface{}{"status": domain.StatusDelivered, "delivered_at": at})
	return tx.RowsAffected > 0, tx.Error
}

// MarkRead moves sent or delivered -> read. A read that arrives before
// any delivered receipt fills delivered_at too, so the record never
// shows a read message that was seemingly not delivered.
func (r *StatusStore) MarkRead(ctx context.Context, messageID, recipientID uuid.UUID, at time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).
		Model(&domain.RecipientStatus{}).
		Where("message_id = ? AND recipient_id = ? AND status IN ?", messageID, recipientID,
			[]domain.DeliveryStatus{domain.StatusSent, domain.StatusDelivered}).
		Updates(map[string]interface{}{
			"status":       domain.StatusRead,
			"read_at":      at,
			"delivered_at": gorm.Expr("COALESCE(delivered_at, ?)", at),
		})
	return tx.RowsAffected > 0, tx.Error
}

// EligibleFor returns the subset of messageIDs whose status row for the
// recipient still sits at one of the given states. Callers run it
// inside a transaction right before the bulk update so the two see the
// same rows.
func (r *StatusStore) EligibleFor(ctx context.Context, messageIDs []uuid.UUID, recipientID uuid.UUID, from []domain.DeliveryStatus) ([]uuid.UUID, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&domain.RecipientStatus{}).
		Where("message_id IN ? AND recipient_id = ? AND status IN ?", messageIDs, recipientID, from).
		Pluck("message_id", &ids).Error
	return ids, err
}

func (r *StatusStore) MarkDeliveredBatch(ctx context.Context, messageIDs []uuid.UUID, recipientID uuid.UUID, at time.Time) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	tx := r.db.WithContext(ctx).
		Model(&domain.RecipientStatus{}).
		Where("message_id IN ? AND recipient_id = ? AND status = ?", messageIDs, recipientID, domain.StatusSent).
		Updates(map[string]interface{}{"status": domain.StatusDelivered, "delivered_at": at})
	return tx.RowsAffected, tx.Error
}

func (r *StatusStore) MarkReadBatch(ctx context.Context, messageIDs []uuid.UUID, recipientID uuid.UUID, at time.Time) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	tx := r.db.WithContext(ctx).
		Model(&domain.RecipientStatus{}).
		Where("message_id IN ? AND recipient_id = ? AND status IN ?", messageIDs, recipientID,
			[]domain.DeliveryStatus{domain.StatusSent, domain.StatusDelivered}).
		Updates(map[string]interface{}{
			"status":       domain.StatusRead,
			"read_at":      at,
			"delivered_at": gorm.Expr("COALESCE(delivered_at, ?)", at),
		})
	return tx.RowsAffected, tx.Error
}

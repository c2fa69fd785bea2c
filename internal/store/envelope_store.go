package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/parlor-chat/parlor/internal/domain"
)

type EnvelopeStore struct{ db *gorm.DB }

func (s *Store) Envelopes() *EnvelopeStore { return &EnvelopeStore{db: s.DB} }

// Create persists an envelope keyed by its client-supplied message ID.
// A replayed ID is silently skipped and Create reports false, letting
// the caller return the original record instead of writing a twin.
func (e *EnvelopeStore) Create(ctx context.Context, env *domain.MessageEnvelope) (bool, error) {
	tx := e.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(env)
	return tx.RowsAffected > 0, tx.Error
}

func (e *EnvelopeStore) Get(ctx context.Context, messageID uuid.UUID) (*domain.MessageEnvelope, error) {
	var env domain.MessageEnvelope
	if err := e.db.WithContext(ctx).First(&env, "message_id = ?", messageID).Error; err != nil {
		return nil, err
	}
	return &env, nil
}

// ListForRecipient pages through envelopes addressed to a user, oldest
// first, for offline catch-up. Deleted and expired envelopes are
// excluded; the watermark is the envelope creation time.
func (e *EnvelopeStore) ListForRecipient(ctx context.Context, userID uuid.UUID, since time.Time, now time.Time, limit int) ([]domain.MessageEnvelope, error) {
	var envs []domain.MessageEnvelope
	err := e.db.WithContext(ctx).
		Model(&domain.MessageEnvelope{}).
		Joins("JOIN recipient_statuses rs ON rs.message_id = message_envelopes.message_id AND rs.recipient_id = ?", userID).
		Where("message_envelopes.created_at > ?", since).
		Where("message_envelopes.is_deleted = ?", false).
		Where("message_envelopes.expires_at IS NULL OR message_envelopes.expires_at > ?", now).
		Order("message_envelopes.created_at ASC, message_envelopes.message_id ASC").
		Limit(limit).
		Find(&envs).Error
	return envs, err
}

// SoftDelete tombstones an envelope. With scrub the ciphertext and key
// wraps are cleared as well; either way the row stays so receipts keep
// a target. Reports false when the envelope was already deleted.
func (e *EnvelopeStore) SoftDelete(ctx context.Context, messageID uuid.UUID, scrub bool, at time.Time) (bool, error) {
	assign := map[string]interface{}{"is_deleted": true, "updated_at": at}
	if scrub {
		assign["encrypted_content"] = nil
		assign["encrypted_keys"] = nil
	}
	tx := e.db.WithContext(ctx).
		Model(&domain.MessageEnvelope{}).
		Where("message_id = ? AND is_deleted = ?", messageID, false).
		Updates(assign)
	return tx.RowsAffected > 0, tx.Error
}

// SendersOf maps a batch of message IDs to their senders, for routing
// receipt events without loading full envelopes.
func (e *EnvelopeStore) SendersOf(ctx context.Context, messageIDs []uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var rows []struct {
		MessageID uuid.UUID
		SenderID  uuid.UUID
	}
	err := e.db.WithContext(ctx).
		Model(&domain.MessageEnvelope{}).
		Select("message_id, sender_id").
		Where("message_id IN ?", messageIDs).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	senders := make(map[uuid.UUID]uuid.UUID, len(rows))
	for _, row := range rows {
		senders[row.MessageID] = row.SenderID
	}
	return senders, nil
}

// ExpiredIDs returns envelopes whose TTL has lapsed but which have not
// been reaped yet.
func (e *EnvelopeStore) ExpiredIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := e.db.WithContext(ctx).
		Model(&domain.MessageEnvelope{}).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Where("is_deleted = ?", false).
		Order("expires_at ASC").
		Limit(limit).
		Pluck("message_id", &ids).Error
	return ids, err
}

// Reap scrubs a batch of expired envelopes and fails their still
// undelivered recipients. Receipts that already landed stay untouched.
func (e *EnvelopeStore) Reap(ctx context.Context, ids []uuid.UUID, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.RecipientStatus{}).
			Where("message_id IN ? AND status = ?", ids, domain.StatusSent).
			Update("status", domain.StatusFailed).Error; err != nil {
			return err
		}
		return tx.Model(&domain.MessageEnvelope{}).
			Where("message_id IN ?", ids).
			Updates(map[string]interface{}{
				"is_deleted":        true,
				"encrypted_content": nil,
				"encrypted_keys":    nil,
				"updated_at":        at,
			}).Error
	})
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

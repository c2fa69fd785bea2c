package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/parlor-chat/parlor/internal/domain"
)

type PreKeyStore struct{ db *gorm.DB }

func (s *Store) PreKeys() *PreKeyStore { return &PreKeyStore{db: s.DB} }

// AddBatch inserts new one-time prekeys. Rows colliding with an
// already-registered (user, device, key_id) are skipped, so retried
// uploads settle on the first registration. Returns how many rows were
// actually accepted.
func (p *PreKeyStore) AddBatch(ctx context.Context, keys []domain.OneTimePreKey) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	for i := range keys {
		if keys[i].ID == uuid.Nil {
			keys[i].ID = uuid.New()
		}
	}
	tx := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&keys)
	return tx.RowsAffected, tx.Error
}

// ClaimNext hands out the oldest unused prekey for a device, marking it
// used in the same step. The update is guarded on is_used so two
// concurrent claimers can never walk away with the same row: the loser
// of the race sees zero rows affected and moves on to the next
// candidate. Returns (nil, nil) when the pool is drained, which is a
// normal condition, not an error.
func (p *PreKeyStore) ClaimNext(ctx context.Context, userID, deviceID, usedBy uuid.UUID, now time.Time) (*domain.OneTimePreKey, error) {
	for {
		var key domain.OneTimePreKey
		err := p.db.WithContext(ctx).
			Where("user_id = ? AND device_id = ? AND is_used = ?", userID, deviceID, false).
			Where("expires_at IS NULL OR expires_at > ?", now).
			Order("created_at ASC, id ASC").
			First(&key).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		tx := p.db.WithContext(ctx).
			Model(&domain.OneTimePreKey{}).
			Where("id = ? AND is_used = ?", key.ID, false).
			Updates(map[string]interface{}{"is_used": true, "used_by": usedBy, "used_at": now})
		if tx.Error != nil {
			return nil, tx.Error
		}
		if tx.RowsAffected > 0 {
			key.IsUsed = true
			key.UsedBy = &usedBy
			key.UsedAt = &now
			return &key, nil
		}
		// Another claimer took this row between the read and the
		// update. The pool only shrinks, so retrying terminates.
	}
}

// DeleteUnused clears the remaining pool for a device. Rotation is a
// full pool replacement, so the old unused keys go away rather than
// lingering next to the new batch.
func (p *PreKeyStore) DeleteUnused(ctx context.Context, userID, deviceID uuid.UUID) (int64, error) {
	tx := p.db.WithContext(ctx).
		Where("user_id = ? AND device_id = ? AND is_used = ?", userID, deviceID, false).
		Delete(&domain.OneTimePreKey{})
	return tx.RowsAffected, tx.Error
}

func (p *PreKeyStore) CountAvailable(ctx context.Context, userID, deviceID uuid.UUID, now time.Time) (int64, error) {
	var n int64
	err := p.db.WithContext(ctx).
		Model(&domain.OneTimePreKey{}).
		Where("user_id = ? AND device_id = ? AND is_used = ?", userID, deviceID, false).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Count(&n).Error
	return n, err
}

type PreKeyCount struct {
	DeviceID  uuid.UUID
	Available int64
}

// CountAvailableByDevice reports remaining pool sizes per device so
// clients know when to replenish.
func (p *PreKeyStore) CountAvailableByDevice(ctx context.Context, userID uuid.UUID, now time.Time) ([]PreKeyCount, error) {
	var counts []PreKeyCount
	err := p.db.WithContext(ctx).
		Model(&domain.OneTimePreKey{}).
		Select("device_id, COUNT(*) AS available").
		Where("user_id = ? AND is_used = ?", userID, false).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Group("device_id").
		Scan(&counts).Error
	return counts, err
}

// PurgeDead removes prekeys that can never be handed out again: used
// ones past the audit window and unused ones past their expiry.
func (p *PreKeyStore) PurgeDead(ctx context.Context, now time.Time, usedRetention time.Duration) (int64, error) {
	cutoff := now.Add(-usedRetention)
	tx := p.db.WithContext(ctx).
		Where("(is_used = ? AND used_at < ?) OR (is_used = ? AND expires_at IS NOT NULL AND expires_at < ?)",
			true, cutoff, false, now).
		Delete(&domain.OneTimePreKey{})
	return tx.RowsAffected, tx.Error
}

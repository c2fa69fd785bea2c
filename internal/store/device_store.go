package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/parlor-chat/parlor/internal/domain"
)

type DeviceStore struct{ db *gorm.DB }

func (s *Store) Devices() *DeviceStore { return &DeviceStore{db: s.DB} }

// Upsert registers or refreshes a device. Conflicts on the composite
// key update the key material only; is_revoked is deliberately not in
// the assignment list so a revoked row can never be resurrected here.
func (d *DeviceStore) Upsert(ctx context.Context, device *domain.Device) error {
	return d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "device_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"public_key",
				"signed_pre_key_id",
				"signed_pre_key",
				"signed_pre_key_signature",
				"signed_pre_key_updated_at",
				"is_active",
				"updated_at",
			}),
		}).
		Create(device).Error
}

func (d *DeviceStore) Get(ctx context.Context, userID, deviceID uuid.UUID) (*domain.Device, error) {
	var device domain.Device
	if err := d.db.WithContext(ctx).
		First(&device, "user_id = ? AND device_id = ?", userID, deviceID).Error; err != nil {
		return nil, err
	}
	return &device, nil
}

// ActiveByUser lists the devices that may appear in prekey bundles and
// hold gateway connections: active and not revoked.
func (d *DeviceStore) ActiveByUser(ctx context.Context, userID uuid.UUID) ([]domain.Device, error) {
	var devices []domain.Device
	if err := d.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ? AND is_revoked = ?", userID, true, false).
		Order("created_at ASC").
		Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

// Revoke is one-way. Returns false when the device was already revoked,
// which callers treat as an idempotent repeat.
func (d *DeviceStore) Revoke(ctx context.Context, userID, deviceID uuid.UUID, at time.Time) (bool, error) {
	tx := d.db.WithContext(ctx).
		Model(&domain.Device{}).
		Where("user_id = ? AND device_id = ? AND is_revoked = ?", userID, deviceID, false).
		Updates(map[string]interface{}{"is_revoked": true, "is_active": false, "updated_at": at})
	return tx.RowsAffected > 0, tx.Error
}

func (d *DeviceStore) UpdatePublicKey(ctx context.Context, userID, deviceID uuid.UUID, publicKey string, at time.Time) (bool, error) {
	tx := d.db.WithContext(ctx).
		Model(&domain.Device{}).
		Where("user_id = ? AND device_id = ? AND is_revoked = ?", userID, deviceID, false).
		Updates(map[string]interface{}{"public_key": publicKey, "updated_at": at})
	return tx.RowsAffected > 0, tx.Error
}

func (d *DeviceStore) UpdateSignedPreKey(ctx context.Context, userID, deviceID uuid.UUID, keyID uint32, publicKey, signature string, at time.Time) (bool, error) {
	tx := d.db.WithContext(ctx).
		Model(&domain.Device{}).
		Where("user_id = ? AND device_id = ? AND is_revoked = ?", userID, deviceID, false).
		Updates(map[string]interface{}{
			"signed_pre_key_id":         keyID,
			"signed_pre_key":            publicKey,
			"signed_pre_key_signature":  signature,
			"signed_pre_key_updated_at": at,
		})
	return tx.RowsAffected > 0, tx.Error
}

// TouchLastSeen is best-effort bookkeeping driven by heartbeats.
func (d *DeviceStore) TouchLastSeen(ctx context.Context, userID, deviceID uuid.UUID, at time.Time) error {
	return d.db.WithContext(ctx).
		Model(&domain.Device{}).
		Where("user_id = ? AND device_id = ?", userID, deviceID).
		Update("last_seen_at", at).Error
}

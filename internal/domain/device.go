package domain

import (
	"time"

	"github.com/google/uuid"
)

// Device is one registered endpoint of a user. A user may hold many
// devices; each carries its own key material and is addressed by the
// composite (UserID, DeviceID).
type Device struct {
	UserID                UserID     `gorm:"type:uuid;primaryKey" json:"userId"`
	DeviceID              DeviceID   `gorm:"type:uuid;primaryKey" json:"deviceId"`
	PublicKey             string     `gorm:"type:text;not null" json:"publicKey"`
	SignedPreKeyID        uint32     `gorm:"not null" json:"signedPreKeyId"`
	SignedPreKey          string     `gorm:"type:text;not null" json:"signedPreKey"`
	SignedPreKeySignature string     `gorm:"type:text;not null" json:"signedPreKeySignature"`
	SignedPreKeyUpdatedAt time.Time  `gorm:"not null" json:"signedPreKeyUpdatedAt"`
	IsActive              bool       `gorm:"not null;default:true" json:"isActive"`
	IsRevoked             bool       `gorm:"not null;default:false" json:"isRevoked"`
	LastSeenAt            *time.Time `gorm:"type:timestamptz" json:"lastSeenAt,omitempty"`
	CreatedAt             time.Time  `gorm:"not null;autoCreateTime" json:"createdAt"`
	UpdatedAt             time.Time  `gorm:"not null;autoUpdateTime" json:"-"`
}

func (Device) TableName() string { return "devices" }

// UserIdentity pins the long-term identity key a user first registered
// with. Writes after the first are ignored; replacing an identity key
// is an explicit re-enrollment flow, never a silent overwrite.
type UserIdentity struct {
	UserID            UserID    `gorm:"type:uuid;primaryKey" json:"userId"`
	IdentityPublicKey string    `gorm:"type:text;not null" json:"identityPublicKey"`
	CreatedAt         time.Time `gorm:"not null;autoCreateTime" json:"createdAt"`
}

func (UserIdentity) TableName() string { return "user_identities" }

// OneTimePreKey is single-use session-setup material. IsUsed flips to
// true exactly once; the row is kept for audit until the sweeper
// purges it.
type OneTimePreKey struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	UserID    UserID     `gorm:"type:uuid;not null;uniqueIndex:uniq_prekey_owner,priority:1"`
	DeviceID  DeviceID   `gorm:"type:uuid;not null;uniqueIndex:uniq_prekey_owner,priority:2"`
	KeyID     uint32     `gorm:"not null;uniqueIndex:uniq_prekey_owner,priority:3"`
	PublicKey string     `gorm:"type:text;not null"`
	IsUsed    bool       `gorm:"not null;default:false;index"`
	UsedBy    *UserID    `gorm:"type:uuid"`
	UsedAt    *time.Time `gorm:"type:timestamptz"`
	ExpiresAt *time.Time `gorm:"type:timestamptz;index"`
	CreatedAt time.Time  `gorm:"not null;autoCreateTime"`
}

func (OneTimePreKey) TableName() string { return "one_time_prekeys" }

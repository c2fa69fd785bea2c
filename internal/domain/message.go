package domain

import (
	"time"

	"gorm.io/datatypes"
)

// AddressMode tags how an envelope is addressed.
type AddressMode string

const (
	ModeDirect AddressMode = "direct"
	ModeGroup  AddressMode = "group"
)

// DeliveryStatus walks sent -> delivered -> read and never backwards.
// failed is terminal and only ever set by the expiry sweeper.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// KeyWrap is one per-device wrap of the content key. The server never
// sees plaintext; it only routes these opaque blobs.
type KeyWrap struct {
	RecipientID        UserID   `json:"recipientId"`
	RecipientDeviceID  DeviceID `json:"recipientDeviceId"`
	EncryptedKey       string   `json:"encryptedKey"`
	EphemeralPublicKey string   `json:"ephemeralPublicKey,omitempty"`
}

// MessageEnvelope is the persisted ciphertext record. MessageID is the
// client-supplied idempotency key, so resends collapse onto one row.
// Per-recipient delivery state lives in RecipientStatus; direct mode
// simply has exactly one such row.
type MessageEnvelope struct {
	MessageID        MessageID      `gorm:"type:uuid;primaryKey"`
	SenderID         UserID         `gorm:"type:uuid;not null;index"`
	SenderDeviceID   DeviceID       `gorm:"type:uuid;not null"`
	Mode             AddressMode    `gorm:"type:text;not null"`
	RecipientID      *UserID        `gorm:"type:uuid;index"`
	RoomID           *RoomID        `gorm:"type:uuid;index"`
	EncryptedContent []byte         `gorm:"type:bytea"`
	Algorithm        string         `gorm:"type:text;not null"`
	Nonce            string         `gorm:"type:text;not null"`
	KeyVersion       int            `gorm:"not null;default:1"`
	EncryptedKeys    datatypes.JSON `gorm:"type:jsonb"`
	IsDeleted        bool           `gorm:"not null;default:false"`
	ExpiresAt        *time.Time     `gorm:"type:timestamptz;index"`
	CreatedAt        time.Time      `gorm:"not null;autoCreateTime;index"`
	UpdatedAt        time.Time      `gorm:"not null;autoUpdateTime"`
}

func (MessageEnvelope) TableName() string { return "message_envelopes" }

// RecipientStatus tracks one recipient's progress through the status
// machine for one envelope. Timestamps record the first transition
// into each state; retries never move them.
type RecipientStatus struct {
	MessageID   MessageID      `gorm:"type:uuid;primaryKey"`
	RecipientID UserID         `gorm:"type:uuid;primaryKey;index"`
	Status      DeliveryStatus `gorm:"type:text;not null;default:sent"`
	DeliveredAt *time.Time     `gorm:"type:timestamptz"`
	ReadAt      *time.Time     `gorm:"type:timestamptz"`
	UpdatedAt   time.Time      `gorm:"not null;autoUpdateTime"`
}

func (RecipientStatus) TableName() string { return "recipient_statuses" }

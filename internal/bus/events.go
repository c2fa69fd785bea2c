package bus

import (
	"time"

	"github.com/google/uuid"

	"github.com/parlor-chat/parlor/internal/domain"
)

const (
	ReceiptDelivered = "delivered"
	ReceiptRead      = "read"
)

// Envelope is the wire view of a stored message envelope, carried in
// full so receiving gateways can deliver without a database read.
type Envelope struct {
	MessageID        uuid.UUID          `json:"messageId"`
	SenderID         uuid.UUID          `json:"senderId"`
	SenderDeviceID   uuid.UUID          `json:"senderDeviceId"`
	Mode             domain.AddressMode `json:"mode"`
	RecipientID      *uuid.UUID         `json:"recipientId,omitempty"`
	RoomID           *uuid.UUID         `json:"roomId,omitempty"`
	EncryptedContent []byte             `json:"encryptedContent"`
	Algorithm        string             `json:"algorithm"`
	Nonce            string             `json:"nonce"`
	KeyVersion       int                `json:"keyVersion"`
	EncryptedKeys    []domain.KeyWrap   `json:"encryptedKeys,omitempty"`
	CreatedAt        time.Time          `json:"createdAt"`
	ExpiresAt        *time.Time         `json:"expiresAt,omitempty"`
}

// MessageAccepted is published on the messages channel once an envelope
// is durably stored. Recipients is the resolved audience snapshot so
// subscribers do not re-evaluate room membership.
type MessageAccepted struct {
	Envelope   Envelope    `json:"envelope"`
	Recipients []uuid.UUID `json:"recipients"`
}

// Receipt is published on the receipts channel when a status transition
// actually applied; duplicates never produce events.
type Receipt struct {
	MessageID   uuid.UUID `json:"messageId"`
	SenderID    uuid.UUID `json:"senderId"`
	RecipientID uuid.UUID `json:"recipientId"`
	DeviceID    uuid.UUID `json:"deviceId"`
	Kind        string    `json:"kind"`
	At          time.Time `json:"at"`
}

// PresenceEvent marks a user-level online/offline edge. Device-level
// churn below the edge (second device connects, first disconnects) is
// deliberately silent.
type PresenceEvent struct {
	UserID uuid.UUID `json:"userId"`
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

type TypingEvent struct {
	ConversationType string    `json:"conversationType"`
	ConversationID   uuid.UUID `json:"conversationId"`
	UserID           uuid.UUID `json:"userId"`
	Typing           bool      `json:"typing"`
	At               time.Time `json:"at"`
}

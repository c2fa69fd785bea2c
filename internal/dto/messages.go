package dto

import "time"

type KeyWrap struct {
	RecipientID        string `json:"recipientId"`
	RecipientDeviceID  string `json:"recipientDeviceId"`
	EncryptedKey       string `json:"encryptedKey"`
	EphemeralPublicKey string `json:"ephemeralPublicKey,omitempty"`
}

type EncryptionMetadata struct {
	Algorithm     string    `json:"algorithm"`
	Nonce         string    `json:"nonce"`
	KeyVersion    int       `json:"keyVersion"`
	EncryptedKeys []KeyWrap `json:"encryptedKeys,omitempty"`
}

type SendMessageRequest struct {
	MessageID        string             `json:"messageId,omitempty"`
	Mode             string             `json:"mode"`
	RecipientID      string             `json:"recipientId,omitempty"`
	RoomID           string             `json:"roomId,omitempty"`
	EncryptedContent []byte             `json:"encryptedContent"`
	Metadata         EncryptionMetadata `json:"encryptionMetadata"`
	ExpiresInSeconds int                `json:"expiresInSeconds,omitempty"`
}

type RecipientStatusView struct {
	Status      string     `json:"status"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
}

type MessageResponse struct {
	MessageID      string                         `json:"messageId"`
	SenderID       string                         `json:"senderId"`
	SenderDeviceID string                         `json:"senderDeviceId"`
	Mode           string                         `json:"mode"`
	RecipientID    string                         `json:"recipientId,omitempty"`
	RoomID         string                         `json:"roomId,omitempty"`
	DeliveryStatus string                         `json:"deliveryStatus,omitempty"`
	PerRecipient   map[string]RecipientStatusView `json:"perRecipient,omitempty"`
	Duplicate      bool                           `json:"duplicate,omitempty"`
	CreatedAt      time.Time                      `json:"createdAt"`
	ExpiresAt      *time.Time                     `json:"expiresAt,omitempty"`
}

type ReceiptRequest struct {
	MessageIDs []string `json:"messageIds"`
}

type ReceiptResponse struct {
	Applied []string `json:"applied"`
}

type OfflineMessage struct {
	MessageID        string             `json:"messageId"`
	SenderID         string             `json:"senderId"`
	SenderDeviceID   string             `json:"senderDeviceId"`
	Mode             string             `json:"mode"`
	RecipientID      string             `json:"recipientId,omitempty"`
	RoomID           string             `json:"roomId,omitempty"`
	EncryptedContent []byte             `json:"encryptedContent"`
	Metadata         EncryptionMetadata `json:"encryptionMetadata"`
	Status           string             `json:"status"`
	CreatedAt        time.Time          `json:"createdAt"`
}

type OfflineMessagesResponse struct {
	Messages  []OfflineMessage `json:"messages"`
	Watermark time.Time        `json:"watermark"`
	HasMore   bool             `json:"hasMore"`
}

type DeleteMessageResponse struct {
	MessageID string `json:"messageId"`
	Deleted   bool   `json:"deleted"`
}

type RoomMemberInput struct {
	UserID string `json:"userId"`
	Role   string `json:"role,omitempty"`
}

type UpsertRoomRequest struct {
	RoomID  string            `json:"roomId"`
	Name    string            `json:"name"`
	Members []RoomMemberInput `json:"members"`
}

type UpsertRoomResponse struct {
	RoomID  string `json:"roomId"`
	Members int    `json:"members"`
}

package gateway

import (
	"encoding/json"
	"time"
)

// Frame is the one wire shape both directions share: a kind tag plus a
// kind-specific payload.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client to server kinds. typing and read_receipt keep the same name in
// both directions.
const (
	frameMessage         = "message"
	frameTyping          = "typing"
	frameStopTyping      = "stop_typing"
	frameDeliveryReceipt = "delivery_receipt"
	frameReadReceipt     = "read_receipt"
	frameHeartbeat       = "heartbeat"
)

// Server to client kinds.
const (
	frameConnected        = "connected"
	frameNewMessage       = "new_message"
	framePresence         = "presence"
	frameDeliveredReceipt = "delivered_receipt"
	frameGoingAway        = "going_away"
	frameError            = "error"
)

type connectedPayload struct {
	UserID     string    `json:"userId"`
	DeviceID   string    `json:"deviceId"`
	ServerTime time.Time `json:"serverTime"`
}

type typingPayload struct {
	ConversationType string `json:"conversationType"`
	ConversationID   string `json:"conversationId"`
}

type receiptPayload struct {
	MessageIDs []string `json:"messageIds"`
}

type goingAwayPayload struct {
	Reason string `json:"reason"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func marshalFrame(kind string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: kind, Data: raw})
}

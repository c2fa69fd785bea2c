// Package bus is the cross-instance fan-out plane. Every gateway
// process publishes the events it originates and subscribes to every
// channel, then filters against its local connection registry. Channels
// are flat names; the typing family is parameterized per conversation.
package bus

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

const (
	ChannelMessages = "messages"
	ChannelPresence = "presence"
	ChannelReceipts = "receipts"

	typingPrefix = "typing:"
)

// TypingChannel names the channel for one conversation's typing
// indicators, e.g. typing:group:<roomId> or typing:direct:<userId>.
func TypingChannel(conversationType string, conversationID uuid.UUID) string {
	return typingPrefix + conversationType + ":" + conversationID.String()
}

func IsTypingChannel(channel string) bool {
	return strings.HasPrefix(channel, typingPrefix)
}

// Handler receives one published payload. Handlers for the same
// subscription are invoked in publish order for a single publisher;
// across publishers no order is promised.
type Handler func(channel string, payload []byte)

// Bus is fire-and-forget publish with at-least-once delivery to every
// live subscriber. Durability is intentionally absent: offline catch-up
// is served from the message store, not from the bus.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(channel string, h Handler) (unsubscribe func(), err error)
	SubscribeTypingAll(h Handler) (unsubscribe func(), err error)
	Close()
}

package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus adapts a core NATS connection to the Bus interface. Channel
// names map to subjects by swapping the colon separators for dots, so
// typing:group:<id> becomes typing.group.<id> and the typing family is
// one wildcard subscription.
type NATSBus struct {
	nc *nats.Conn
}

// Connect dials NATS with the reconnect posture a long-lived gateway
// wants: never give up, retry on a short fixed interval.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

func NewNATS(nc *nats.Conn) *NATSBus {
	return &NATSBus{nc: nc}
}

func (b *NATSBus) Publish(_ context.Context, channel string, payload []byte) error {
	return b.nc.Publish(subjectFor(channel), payload)
}

func (b *NATSBus) Subscribe(channel string, h Handler) (func(), error) {
	sub, err := b.nc.Subscribe(subjectFor(channel), func(m *nats.Msg) {
		h(channelFor(m.Subject), m.Data)
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (b *NATSBus) SubscribeTypingAll(h Handler) (func(), error) {
	sub, err := b.nc.Subscribe("typing.>", func(m *nats.Msg) {
		h(channelFor(m.Subject), m.Data)
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close drains the connection so in-flight handlers finish before the
// process exits.
func (b *NATSBus) Close() {
	_ = b.nc.Drain()
}

func subjectFor(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}

func channelFor(subject string) string {
	return strings.ReplaceAll(subject, ".", ":")
}

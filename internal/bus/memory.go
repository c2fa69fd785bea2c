package bus

import (
	"context"
	"fmt"
	"sync"
)

type memoryDelivery struct {
	channel string
	payload []byte
}

type memorySub struct {
	ch   chan memoryDelivery
	quit chan struct{}
}

// MemoryBus is an in-process Bus for single-instance deployments and
// tests. Each subscriber drains its own queue on a dedicated goroutine,
// which preserves per-publisher order the same way a NATS subscription
// does.
type MemoryBus struct {
	mu         sync.RWMutex
	subs       map[string][]*memorySub
	typingSubs []*memorySub
	buffer     int
	closed     bool
}

func NewMemory(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 256
	}
	return &MemoryBus{
		subs:   make(map[string][]*memorySub),
		buffer: buffer,
	}
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("memory bus closed")
	}
	targets := make([]*memorySub, 0, len(b.subs[channel])+len(b.typingSubs))
	targets = append(targets, b.subs[channel]...)
	if IsTypingChannel(channel) {
		targets = append(targets, b.typingSubs...)
	}
	b.mu.RUnlock()

	d := memoryDelivery{channel: channel, payload: payload}
	for _, sub := range targets {
		select {
		case sub.ch <- d:
		case <-sub.quit:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(channel string, h Handler) (func(), error) {
	sub := b.start(h)

	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		b.subs[channel] = remove(b.subs[channel], sub)
		b.mu.Unlock()
		close(sub.quit)
	}, nil
}

func (b *MemoryBus) SubscribeTypingAll(h Handler) (func(), error) {
	sub := b.start(h)

	b.mu.Lock()
	b.typingSubs = append(b.typingSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		b.typingSubs = remove(b.typingSubs, sub)
		b.mu.Unlock()
		close(sub.quit)
	}, nil
}

func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.quit)
		}
	}
	for _, sub := range b.typingSubs {
		close(sub.quit)
	}
	b.subs = make(map[string][]*memorySub)
	b.typingSubs = nil
}

func (b *MemoryBus) start(h Handler) *memorySub {
	sub := &memorySub{
		ch:   make(chan memoryDelivery, b.buffer),
		quit: make(chan struct{}),
	}
	go func() {
		for {
			select {
			case d := <-sub.ch:
				h(d.channel, d.payload)
			case <-sub.quit:
				return
			}
		}
	}()
	return sub
}

func remove(subs []*memorySub, target *memorySub) []*memorySub {
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

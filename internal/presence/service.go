// Package presence keeps per-device liveness and typing markers in a
// shared TTL store and publishes user-level transitions on the bus. The
// state is advisory: every write fails soft, and marker expiry is the
// implicit path for devices whose gateway vanished without a goodbye.
package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parlor-chat/parlor/internal/bus"
	"github.com/parlor-chat/parlor/internal/ephemeral"
)

const (
	presPrefix = "pres."
	typPrefix  = "typ."

	defaultPresenceTTL = 90 * time.Second
	defaultTypingTTL   = 6 * time.Second
)

type Service struct {
	eph         ephemeral.Store
	bus         bus.Bus
	log         *slog.Logger
	presenceTTL time.Duration
	typingTTL   time.Duration
	now         func() time.Time
}

func New(eph ephemeral.Store, b bus.Bus, logger *slog.Logger, presenceTTL, typingTTL time.Duration) *Service {
	if presenceTTL <= 0 {
		presenceTTL = defaultPresenceTTL
	}
	if typingTTL <= 0 {
		typingTTL = defaultTypingTTL
	}
	return &Service{
		eph:         eph,
		bus:         b,
		log:         logger,
		presenceTTL: presenceTTL,
		typingTTL:   typingTTL,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Connected places the device's presence marker and publishes an online
// event iff this device took the user from zero markers to one. A
// second device connecting stays silent at the user level.
func (s *Service) Connected(ctx context.Context, userID, deviceID uuid.UUID) {
	live, err := s.eph.Keys(ctx, userPrefix(userID))
	if err != nil {
		s.log.Warn("presence marker listing failed", "error", err)
		live = nil
	}
	if err := s.eph.Set(ctx, markerKey(userID, deviceID), []byte(s.now().Format(time.RFC3339)), s.presenceTTL); err != nil {
		s.log.Warn("presence marker write failed", "error", err)
		return
	}
	if len(live) == 0 {
		s.publishPresence(ctx, userID, true)
	}
}

// Heartbeat refreshes the device's marker TTL. No events: staying
// online is not a transition.
func (s *Service) Heartbeat(ctx context.Context, userID, deviceID uuid.UUID) {
	if err := s.eph.Set(ctx, markerKey(userID, deviceID), []byte(s.now().Format(time.RFC3339)), s.presenceTTL); err != nil {
		s.log.Warn("presence marker refresh failed", "error", err)
	}
}

// Disconnected removes the device's marker and publishes an offline
// event iff it was the user's last one. Devices that die silently skip
// this path; their markers expire and the user simply stops reading as
// online without an explicit event.
func (s *Service) Disconnected(ctx context.Context, userID, deviceID uuid.UUID) {
	if err := s.eph.Delete(ctx, markerKey(userID, deviceID)); err != nil {
		s.log.Warn("presence marker delete failed", "error", err)
		return
	}
	remaining, err := s.eph.Keys(ctx, userPrefix(userID))
	if err != nil {
		s.log.Warn("presence marker listing failed", "error", err)
		return
	}
	if len(remaining) == 0 {
		s.publishPresence(ctx, userID, false)
	}
}

// Online reports whether at least one device marker is live.
func (s *Service) Online(ctx context.Context, userID uuid.UUID) (bool, error) {
	live, err := s.eph.Keys(ctx, userPrefix(userID))
	if err != nil {
		return false, err
	}
	return len(live) > 0, nil
}

// Typing drops a short-lived marker and announces the indicator on the
// conversation's channel. Clients repeat it while keys are pressed; the
// marker expiring is the implicit stop.
func (s *Service) Typing(ctx context.Context, conversationType string, conversationID, userID uuid.UUID) {
	if err := s.eph.Set(ctx, typingKey(conversationType, conversationID, userID), []byte{1}, s.typingTTL); err != nil {
		s.log.Warn("typing marker write failed", "error", err)
	}
	s.publishTyping(ctx, conversationType, conversationID, userID, true)
}

// StopTyping clears the marker eagerly and announces the stop.
func (s *Service) StopTyping(ctx context.Context, conversationType string, conversationID, userID uuid.UUID) {
	if err := s.eph.Delete(ctx, typingKey(conversationType, conversationID, userID)); err != nil {
		s.log.Warn("typing marker delete failed", "error", err)
	}
	s.publishTyping(ctx, conversationType, conversationID, userID, false)
}

func (s *Service) publishPresence(ctx context.Context, userID uuid.UUID, online bool) {
	payload, err := json.Marshal(bus.PresenceEvent{UserID: userID, Online: online, At: s.now()})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, bus.ChannelPresence, payload); err != nil {
		s.log.Warn("presence publish failed", "error", err)
	}
}

func (s *Service) publishTyping(ctx context.Context, conversationType string, conversationID, userID uuid.UUID, typing bool) {
	payload, err := json.Marshal(bus.TypingEvent{
		ConversationType: conversationType,
		ConversationID:   conversationID,
		UserID:           userID,
		Typing:           typing,
		At:               s.now(),
	})
	if err != nil {
		return
	}
	channel := bus.TypingChannel(conversationType, conversationID)
	if err := s.bus.Publish(ctx, channel, payload); err != nil {
		s.log.Warn("typing publish failed", "channel", channel, "error", err)
	}
}

func markerKey(userID, deviceID uuid.UUID) string {
	return userPrefix(userID) + deviceID.String()
}

func userPrefix(userID uuid.UUID) string {
	return presPrefix + userID.String() + "."
}

func typingKey(conversationType string, conversationID, userID uuid.UUID) string {
	return typPrefix + conversationType + "." + conversationID.String() + "." + userID.String()
}

// Package gateway terminates client sockets and stitches the realtime
// plane together: it authenticates handshakes, dispatches inbound
// frames to the delivery and presence services, and relays bus events
// to whichever of its local sockets they concern. Every gateway process
// sees every event and filters against its own registry; no process
// knows where other sockets live.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parlor-chat/parlor/internal/authz"
	"github.com/parlor-chat/parlor/internal/bus"
	"github.com/parlor-chat/parlor/internal/delivery"
	"github.com/parlor-chat/parlor/internal/domain"
	"github.com/parlor-chat/parlor/internal/dto"
	"github.com/parlor-chat/parlor/internal/observability/metrics"
	"github.com/parlor-chat/parlor/internal/presence"
	"github.com/parlor-chat/parlor/internal/store"
)

type Config struct {
	// SendBuffer caps each connection's outbound queue.
	SendBuffer int
	// WriteWait bounds a single socket write.
	WriteWait time.Duration
	// PongWait is how long a silent peer survives; pings go out at 9/10
	// of it.
	PongWait time.Duration
	// ReadLimit caps one inbound frame.
	ReadLimit int64
}

func (c Config) pingPeriod() time.Duration { return c.PongWait * 9 / 10 }

func (c *Config) applyDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 512 * 1024
	}
}

type Gateway struct {
	registry *Registry
	delivery *delivery.Service
	presence *presence.Service
	store    *store.Store
	verifier authz.Verifier
	gate     *authz.DeviceGate
	bus      bus.Bus
	log      *slog.Logger
	cfg      Config

	upgrader websocket.Upgrader
	draining atomic.Bool
	unsubs   []func()
}

func New(reg *Registry, del *delivery.Service, pres *presence.Service, st *store.Store, verifier authz.Verifier, b bus.Bus, logger *slog.Logger, cfg Config) *Gateway {
	cfg.applyDefaults()
	return &Gateway{
		registry: reg,
		delivery: del,
		presence: pres,
		store:    st,
		verifier: verifier,
		gate:     &authz.DeviceGate{Store: st},
		bus:      b,
		log:      logger,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser origins are not a trust boundary here; the bearer
			// token is.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start subscribes to every fan-out channel. Call once before serving.
func (g *Gateway) Start() error {
	subs := []struct {
		channel string
		handler bus.Handler
	}{
		{bus.ChannelMessages, g.onMessage},
		{bus.ChannelReceipts, g.onReceipt},
		{bus.ChannelPresence, g.onPresence},
	}
	for _, sub := range subs {
		unsub, err := g.bus.Subscribe(sub.channel, sub.handler)
		if err != nil {
			g.Close()
			return err
		}
		g.unsubs = append(g.unsubs, unsub)
	}
	unsub, err := g.bus.SubscribeTypingAll(g.onTyping)
	if err != nil {
		g.Close()
		return err
	}
	g.unsubs = append(g.unsubs, unsub)
	return nil
}

// Close drops the bus subscriptions. Live sockets are left to Drain.
func (g *Gateway) Close() {
	for _, unsub := range g.unsubs {
		unsub()
	}
	g.unsubs = nil
}

// HandleWS authenticates and upgrades one client socket, then serves it
// until it dies. Auth failures are rejected before the upgrade so a bad
// credential never reaches the registry.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	principal, err := g.verifier.Verify(r.Context(), authz.BearerToken(r))
	if err != nil {
		metrics.WebsocketConnectionsTotal.WithLabelValues("unauthorized").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := g.gate.Authorize(r.Context(), principal); err != nil {
		metrics.WebsocketConnectionsTotal.WithLabelValues("forbidden").Inc()
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(ws, principal.UserID, principal.DeviceID, g.cfg.SendBuffer)
	if displaced := g.registry.Add(c); displaced != nil {
		displaced.close(closeCodeDisplaced, "connection replaced by a newer one")
		metrics.WebsocketConnectionsTotal.WithLabelValues("displaced").Inc()
	}
	metrics.WebsocketConnectionsTotal.WithLabelValues("accepted").Inc()
	metrics.WebsocketConnectionsActive.Inc()
	g.log.Info("socket connected", "user_id", c.UserID, "device_id", c.DeviceID)

	go c.writePump(g.cfg.WriteWait, g.cfg.pingPeriod())

	g.sendFrame(c, frameConnected, connectedPayload{
		UserID:     c.UserID.String(),
		DeviceID:   c.DeviceID.String(),
		ServerTime: time.Now().UTC(),
	})
	g.presence.Connected(r.Context(), c.UserID, c.DeviceID)
	g.touchLastSeen(r.Context(), c)

	g.readLoop(r.Context(), c)

	metrics.WebsocketConnectionsActive.Dec()
	if g.registry.Remove(c) {
		// A displaced socket skips this: its successor owns the
		// device's presence now.
		g.presence.Disconnected(context.Background(), c.UserID, c.DeviceID)
	}
	c.close(websocket.CloseNormalClosure, "")
	g.log.Info("socket closed", "user_id", c.UserID, "device_id", c.DeviceID)
}

// Drain notifies every socket that the process is going away, waits for
// them to leave, and force-closes the stragglers when ctx expires.
func (g *Gateway) Drain(ctx context.Context) {
	g.draining.Store(true)

	frame, err := marshalFrame(frameGoingAway, goingAwayPayload{Reason: "server shutting down"})
	if err == nil {
		for _, c := range g.registry.All() {
			c.enqueue(frame)
		}
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if g.registry.Len() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			for _, c := range g.registry.All() {
				c.close(websocket.CloseGoingAway, "server shutting down")
			}
			return
		case <-ticker.C:
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, c *Conn) {
	c.ws.SetReadLimit(g.cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.log.Debug("socket read ended", "user_id", c.UserID, "error", err)
			}
			return
		}
		g.dispatch(ctx, c, data)
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *Conn, data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		g.sendError(c, "validation", "malformed frame")
		return
	}

	switch frame.Type {
	case frameHeartbeat:
		g.presence.Heartbeat(ctx, c.UserID, c.DeviceID)
		g.touchLastSeen(ctx, c)

	case frameMessage:
		var req dto.SendMessageRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			g.sendError(c, "validation", "malformed message payload")
			return
		}
		resp, err := g.delivery.SendMessage(ctx, c.UserID, c.DeviceID, req)
		if err != nil {
			metrics.MessagesAcceptedTotal.WithLabelValues(modeLabel(req.Mode), "error").Inc()
			g.sendError(c, errCode(err), err.Error())
			return
		}
		metrics.MessagesAcceptedTotal.WithLabelValues(resp.Mode, "ok").Inc()
		metrics.MessagesCiphertextBytes.WithLabelValues(resp.Mode).Observe(float64(len(req.EncryptedContent)))

	case frameTyping, frameStopTyping:
		g.handleTyping(ctx, c, frame)

	case frameDeliveryReceipt, frameReadReceipt:
		g.handleReceipts(ctx, c, frame)

	default:
		g.sendError(c, "validation", "unknown frame type "+frame.Type)
	}
}

func (g *Gateway) handleTyping(ctx context.Context, c *Conn, frame Frame) {
	var p typingPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		g.sendError(c, "validation", "malformed typing payload")
		return
	}
	if p.ConversationType != "direct" && p.ConversationType != "group" {
		g.sendError(c, "validation", "conversationType must be direct or group")
		return
	}
	conversationID, err := uuid.Parse(p.ConversationID)
	if err != nil {
		g.sendError(c, "validation", "invalid conversationId")
		return
	}
	if p.ConversationType == "group" {
		member, err := g.store.Rooms().IsMember(ctx, conversationID, c.UserID)
		if err != nil {
			g.sendError(c, "internal", "membership check failed")
			return
		}
		if !member {
			g.sendError(c, "forbidden", "not a room member")
			return
		}
	}
	if frame.Type == frameTyping {
		g.presence.Typing(ctx, p.ConversationType, conversationID, c.UserID)
	} else {
		g.presence.StopTyping(ctx, p.ConversationType, conversationID, c.UserID)
	}
}

func (g *Gateway) handleReceipts(ctx context.Context, c *Conn, frame Frame) {
	var p receiptPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		g.sendError(c, "validation", "malformed receipt payload")
		return
	}
	ids := make([]uuid.UUID, 0, len(p.MessageIDs))
	for _, raw := range p.MessageIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			g.sendError(c, "validation", "invalid messageId "+raw)
			return
		}
		ids = append(ids, id)
	}

	var (
		applied []uuid.UUID
		err     error
		kind    = bus.ReceiptDelivered
	)
	if frame.Type == frameReadReceipt {
		kind = bus.ReceiptRead
		applied, err = g.delivery.MarkReadBulk(ctx, ids, c.UserID, c.DeviceID)
	} else {
		applied, err = g.delivery.MarkDeliveredBulk(ctx, ids, c.UserID, c.DeviceID)
	}
	if err != nil {
		g.sendError(c, errCode(err), err.Error())
		return
	}
	metrics.ReceiptsAppliedTotal.WithLabelValues(kind).Add(float64(len(applied)))
}

func (g *Gateway) onMessage(_ string, payload []byte) {
	var ev bus.MessageAccepted
	if err := json.Unmarshal(payload, &ev); err != nil {
		g.log.Warn("undecodable message event", "error", err)
		return
	}
	frame, err := marshalFrame(frameNewMessage, ev.Envelope)
	if err != nil {
		return
	}
	for _, c := range g.registry.ForUsers(ev.Recipients) {
		if c.enqueue(frame) {
			metrics.BusEventsDeliveredTotal.WithLabelValues(bus.ChannelMessages).Inc()
		}
	}
}

func (g *Gateway) onReceipt(_ string, payload []byte) {
	var ev bus.Receipt
	if err := json.Unmarshal(payload, &ev); err != nil {
		g.log.Warn("undecodable receipt event", "error", err)
		return
	}
	kind := frameDeliveredReceipt
	if ev.Kind == bus.ReceiptRead {
		kind = frameReadReceipt
	}
	frame, err := marshalFrame(kind, ev)
	if err != nil {
		return
	}
	for _, c := range g.registry.ForUser(ev.SenderID) {
		if c.enqueue(frame) {
			metrics.BusEventsDeliveredTotal.WithLabelValues(bus.ChannelReceipts).Inc()
		}
	}
}

// onPresence relays a user's online/offline edge to the local sockets
// of everyone sharing a room with them.
func (g *Gateway) onPresence(_ string, payload []byte) {
	var ev bus.PresenceEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		g.log.Warn("undecodable presence event", "error", err)
		return
	}
	cohort, err := g.store.Rooms().CohortOf(context.Background(), ev.UserID)
	if err != nil {
		g.log.Warn("presence cohort lookup failed", "error", err)
		return
	}
	frame, err := marshalFrame(framePresence, ev)
	if err != nil {
		return
	}
	for _, c := range g.registry.ForUsers(cohort) {
		if c.enqueue(frame) {
			metrics.BusEventsDeliveredTotal.WithLabelValues(bus.ChannelPresence).Inc()
		}
	}
}

func (g *Gateway) onTyping(_ string, payload []byte) {
	var ev bus.TypingEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		g.log.Warn("undecodable typing event", "error", err)
		return
	}

	var audience []uuid.UUID
	switch ev.ConversationType {
	case "direct":
		// The conversation id of a direct chat is the peer.
		audience = []uuid.UUID{ev.ConversationID}
	case "group":
		members, err := g.store.Rooms().MemberIDs(context.Background(), ev.ConversationID)
		if err != nil {
			g.log.Warn("typing roster lookup failed", "error", err)
			return
		}
		for _, id := range members {
			if id != ev.UserID {
				audience = append(audience, id)
			}
		}
	default:
		return
	}

	frame, err := marshalFrame(frameTyping, ev)
	if err != nil {
		return
	}
	for _, c := range g.registry.ForUsers(audience) {
		if c.enqueue(frame) {
			metrics.BusEventsDeliveredTotal.WithLabelValues("typing").Inc()
		}
	}
}

func (g *Gateway) sendFrame(c *Conn, kind string, data interface{}) {
	frame, err := marshalFrame(kind, data)
	if err != nil {
		g.log.Warn("frame marshal failed", "kind", kind, "error", err)
		return
	}
	c.enqueue(frame)
}

func (g *Gateway) sendError(c *Conn, code, message string) {
	g.sendFrame(c, frameError, errorPayload{Code: code, Message: message})
}

func (g *Gateway) touchLastSeen(ctx context.Context, c *Conn) {
	if err := g.store.Devices().TouchLastSeen(ctx, c.UserID, c.DeviceID, time.Now().UTC()); err != nil {
		g.log.Warn("last seen update failed", "error", err)
	}
}

func modeLabel(mode string) string {
	if mode == string(domain.ModeDirect) || mode == string(domain.ModeGroup) {
		return mode
	}
	return "invalid"
}

func errCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}

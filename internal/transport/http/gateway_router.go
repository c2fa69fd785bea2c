package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parlor-chat/parlor/internal/authz"
	"github.com/parlor-chat/parlor/internal/bus"
	"github.com/parlor-chat/parlor/internal/delivery"
	"github.com/parlor-chat/parlor/internal/dto"
	"github.com/parlor-chat/parlor/internal/gateway"
	"github.com/parlor-chat/parlor/internal/observability/metrics"
	obsmw "github.com/parlor-chat/parlor/internal/observability/middleware"
	"github.com/parlor-chat/parlor/internal/store"
)

// GatewayRouterConfig carries the dependencies of the realtime delivery
// HTTP surface.
type GatewayRouterConfig struct {
	Gateway     *gateway.Gateway
	Delivery    *delivery.Service
	Store       *store.Store
	Verifier    authz.Verifier
	CORSOrigins []string
	RateLimit   int // requests per minute per IP, 0 means default
}

func NewGatewayRouter(cfg GatewayRouterConfig) *chi.Mux {
	r := newBaseRouter(cfg.CORSOrigins)

	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 100
	}

	// The upgrade endpoint stays outside Timeout and the metrics
	// recorder: the first would cancel long-lived sockets, the second
	// wraps the ResponseWriter and loses http.Hijacker.
	r.Get("/ws", cfg.Gateway.HandleWS)

	h := &messagesHandler{svc: cfg.Delivery}
	gate := &authz.DeviceGate{Store: cfg.Store}

	r.Group(func(hr chi.Router) {
		hr.Use(chimw.Timeout(requestTimeout))
		hr.Use(httprate.LimitByIP(limit, httprateWindow))
		hr.Use(obsmw.WithMetrics)

		hr.Get("/healthz", healthHandler)
		hr.Handle("/metrics", promhttp.Handler())

		hr.Group(func(pr chi.Router) {
			pr.Use(authz.RequireAuth(cfg.Verifier))

			// Roster mirroring comes from the room service with a
			// service token that has no device entry, so it skips
			// the device gate.
			pr.Post("/admin/rooms", h.upsertRoom)

			pr.Group(func(gr chi.Router) {
				gr.Use(authz.RequireActiveDevice(gate))

				gr.Post("/messages/send", h.send)
				gr.Post("/messages/delivered", h.delivered)
				gr.Post("/messages/read", h.read)
				gr.Get("/messages/offline", h.offline)
				gr.Delete("/messages/{messageID}", h.deleteMessage)
			})
		})
	})

	return r
}

type messagesHandler struct {
	svc *delivery.Service
}

func (h *messagesHandler) send(w http.ResponseWriter, r *http.Request) {
	reqID := obsmw.RequestIDFromContext(r.Context())
	traceID := obsmw.TraceIDFromContext(r.Context())
	principal, _ := authz.PrincipalFrom(r.Context())

	var req dto.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		metrics.MessagesAcceptedTotal.WithLabelValues("invalid", "error").Inc()
		slog.Warn("message send decode failed", "error", err, "request_id", reqID, "trace_id", traceID)
		return
	}

	resp, err := h.svc.SendMessage(r.Context(), principal.UserID, principal.DeviceID, req)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		metrics.MessagesAcceptedTotal.WithLabelValues(modeLabel(req.Mode), "error").Inc()
		slog.Warn("message send failed", "error", err, "sender_id", principal.UserID, "request_id", reqID, "trace_id", traceID)
		return
	}
	metrics.MessagesAcceptedTotal.WithLabelValues(resp.Mode, "ok").Inc()
	metrics.MessagesCiphertextBytes.WithLabelValues(resp.Mode).Observe(float64(len(req.EncryptedContent)))
	slog.Info("message accepted",
		"message_id", resp.MessageID, "mode", resp.Mode, "duplicate", resp.Duplicate,
		"sender_id", principal.UserID, "request_id", reqID, "trace_id", traceID)

	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (h *messagesHandler) delivered(w http.ResponseWriter, r *http.Request) {
	h.receipts(w, r, bus.ReceiptDelivered)
}

func (h *messagesHandler) read(w http.ResponseWriter, r *http.Request) {
	h.receipts(w, r, bus.ReceiptRead)
}

func (h *messagesHandler) receipts(w http.ResponseWriter, r *http.Request, kind string) {
	reqID := obsmw.RequestIDFromContext(r.Context())
	traceID := obsmw.TraceIDFromContext(r.Context())
	principal, _ := authz.PrincipalFrom(r.Context())

	var req dto.ReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		slog.Warn("receipt decode failed", "kind", kind, "error", err, "request_id", reqID, "trace_id", traceID)
		return
	}
	ids := make([]uuid.UUID, 0, len(req.MessageIDs))
	for _, raw := range req.MessageIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid messageId "+raw, http.StatusBadRequest)
			slog.Warn("receipt invalid message id", "kind", kind, "error", err, "request_id", reqID, "trace_id", traceID)
			return
		}
		ids = append(ids, id)
	}

	var (
		applied []uuid.UUID
		err     error
	)
	if kind == bus.ReceiptRead {
		applied, err = h.svc.MarkReadBulk(r.Context(), ids, principal.UserID, principal.DeviceID)
	} else {
		applied, err = h.svc.MarkDeliveredBulk(r.Context(), ids, principal.UserID, principal.DeviceID)
	}
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		slog.Warn("receipt application failed", "kind", kind, "error", err, "request_id", reqID, "trace_id", traceID)
		return
	}
	metrics.ReceiptsAppliedTotal.WithLabelValues(kind).Add(float64(len(applied)))
	writeJSON(w, http.StatusOK, dto.ReceiptResponse{Applied: idStrings(applied)})
}

func (h *messagesHandler) offline(w http.ResponseWriter, r *http.Request) {
	reqID := obsmw.RequestIDFromContext(r.Context())
	traceID := obsmw.TraceIDFromContext(r.Context())
	principal, _ := authz.PrincipalFrom(r.Context())

	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			http.Error(w, "invalid since, want RFC3339", http.StatusBadRequest)
			metrics.OfflineSyncTotal.WithLabelValues("failure").Inc()
			slog.Warn("offline sync invalid since", "error", err, "request_id", reqID, "trace_id", traceID)
			return
		}
		since = t
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			metrics.OfflineSyncTotal.WithLabelValues("failure").Inc()
			slog.Warn("offline sync invalid limit", "value", l, "request_id", reqID, "trace_id", traceID)
			return
		}
		limit = n
	}

	res, err := h.svc.GetOfflineMessages(r.Context(), principal.UserID, since, limit)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		metrics.OfflineSyncTotal.WithLabelValues("failure").Inc()
		slog.Warn("offline sync failed", "error", err, "user_id", principal.UserID, "request_id", reqID, "trace_id", traceID)
		return
	}
	metrics.OfflineSyncTotal.WithLabelValues("success").Inc()
	slog.Info("offline sync served",
		"user_id", principal.UserID, "messages", len(res.Messages), "has_more", res.HasMore,
		"request_id", reqID, "trace_id", traceID)
	writeJSON(w, http.StatusOK, res)
}

func (h *messagesHandler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	reqID := obsmw.RequestIDFromContext(r.Context())
	traceID := obsmw.TraceIDFromContext(r.Context())
	principal, _ := authz.PrincipalFrom(r.Context())

	id, err := uuid.Parse(chi.URLParam(r, "messageID"))
	if err != nil {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		slog.Warn("message delete invalid id", "error", err, "request_id", reqID, "trace_id", traceID)
		return
	}

	deleted, err := h.svc.DeleteMessage(r.Context(), id, principal.UserID)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		slog.Warn("message delete failed", "error", err, "message_id", id, "request_id", reqID, "trace_id", traceID)
		return
	}
	slog.Info("message deleted", "message_id", id, "applied", deleted, "request_id", reqID, "trace_id", traceID)
	writeJSON(w, http.StatusOK, dto.DeleteMessageResponse{MessageID: id.String(), Deleted: deleted})
}

func (h *messagesHandler) upsertRoom(w http.ResponseWriter, r *http.Request) {
	reqID := obsmw.RequestIDFromContext(r.Context())
	traceID := obsmw.TraceIDFromContext(r.Context())

	var req dto.UpsertRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		slog.Warn("room upsert decode failed", "error", err, "request_id", reqID, "trace_id", traceID)
		return
	}

	res, err := h.svc.UpsertRoom(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		slog.Warn("room upsert failed", "error", err, "room_id", req.RoomID, "request_id", reqID, "trace_id", traceID)
		return
	}
	slog.Info("room roster mirrored", "room_id", res.RoomID, "members", res.Members, "request_id", reqID, "trace_id", traceID)
	writeJSON(w, http.StatusOK, res)
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func modeLabel(mode string) string {
	switch mode {
	case "direct", "group":
		return mode
	}
	return "invalid"
}

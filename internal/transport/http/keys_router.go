package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parlor-chat/parlor/internal/authz"
	"github.com/parlor-chat/parlor/internal/domain"
	"github.com/parlor-chat/parlor/internal/dto"
	"github.com/parlor-chat/parlor/internal/keyring"
	"github.com/parlor-chat/parlor/internal/observability/metrics"
	obsmw "github.com/parlor-chat/parlor/internal/observability/middleware"
	"github.com/parlor-chat/parlor/internal/store"
)

// KeysRouterConfig carries the dependencies of the key-distribution
// HTTP surface.
type KeysRouterConfig struct {
	Keyring     *keyring.Service
	Store       *store.Store
	Verifier    authz.Verifier
	CORSOrigins []string
	RateLimit   int // requests per minute per IP, 0 means default
}

func NewKeysRouter(cfg KeysRouterConfig) *chi.Mux {
	r := newBaseRouter(cfg.CORSOrigins)

	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 100
	}

	r.Use(chimw.Timeout(requestTimeout))
	r.Use(httprate.LimitByIP(limit, httprateWindow))
	r.Use(obsmw.WithMetrics)

	r.Get("/healthz", healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	h := &keysHandler{svc: cfg.Keyring}
	gate := &authz.DeviceGate{Store: cfg.Store}

	r.Group(func(pr chi.Router) {
		pr.Use(authz.RequireAuth(cfg.Verifier))

		// First contact: the register upload is what creates the
		// device, so it cannot sit behind the active-device gate.
		pr.Post("/keys/device/register", h.register)

		pr.Group(func(gr chi.Router) {
			gr.Use(authz.RequireActiveDevice(gate))

			gr.Get("/keys/bundle", h.bundle)
			gr.Post("/keys/rotate", h.rotate)
			gr.Post("/keys/device/revoke", h.revoke)
			gr.Get("/keys/prekeys/stats", h.stats)
			gr.Post("/keys/prekeys/cleanup", h.cleanup)
		})
	})

	return r
}

type keysHandler struct {
	svc *keyring.Service
}

func (h *keysHandler) register(w http.ResponseWriter, r *http.Request) {
	reqID := obsmw.RequestIDFromContext(r.Context())
	traceID := obsmw.TraceIDFromContext(r.Context())
	principal, _ := authz.PrincipalFrom(r.Context())

	var req dto.RegisterDeviceKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		metrics.DeviceRegistrationsTotal.WithLabelValues("failure").Inc()
		slog.Warn("device key registration decode failed", "error", err, "request_id", reqID, "trace_id", traceID)
		return
	}
	if err := claimDevice(principal, &req.UserID, &req.DeviceID); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		metrics.DeviceRegistrationsTotal.WithLabelValues("failure").Inc()
		slog.Warn("device key registration principal mismatch", "user_id", principal.UserID, "request_id", reqID, "trace_id", traceID)
		return
	}

	res, err := h.svc.RegisterDeviceKeys(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		metrics.DeviceRegistrationsTotal.WithLabelValues("failure").Inc()
		slog.Warn("device key registration failed", "error", err, "request_id", reqID, "trace_id", traceID)
		return
	}
	metrics.DeviceRegistrationsTotal.WithLabelValues("success").Inc()
	slog.Info("device keys registered",
		"user_id", res.UserID, "device_id", res.DeviceID,
		"accepted_prekeys", res.AcceptedPreKeys, "identity_pinned", res.IdentityKeyPinned,
		"request_id", reqID, "trace_id", traceID)
	writeJSON(w, http.StatusCreated, res)
}

func (h *keysHandler) bundle(w http.ResponseWriter, r *http.Request) {
	reqID := obsmw.RequestIDFromContext(r.Context())
	traceID := obsmw.TraceIDFromContext(r.Context())
	principal, _ := authz.PrincipalFrom(r.Context())

	target := r.URL.Query().Get("user_id")
	if target == "" {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		metrics.PreKeyBundlesFetchedTotal.WithLabelValues("failure").Inc()
		slog.Warn("prekey bundle missing user id", "request_id", reqID, "trace_id", traceID)
		return
	}
	targetID, err := uuid.Parse(target)
	if err != nil {
		http.Error(w, "invalid user_id", http.StatusBadRequest)
		metrics.PreKeyBundlesFetchedTotal.WithLabelValues("failure").Inc()
		slog.Warn("prekey bundle invalid user id", "error", err, "request_id", reqID, "trace_id", traceID)
		return
	}

	res, err := h.svc.FetchBundle(r.Context(), targetID, principal.UserID)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		metrics.PreKeyBundlesFetchedTotal.WithLabelValues("failure").Inc()
		slog.Warn("prekey bundle fetch failed", "error", err, "target_user_id", targetID, "request_id", reqID, "trace_id", traceID)
		return
	}
	metrics.PreKeyBundlesFetchedTotal.WithLabelValues("success").Inc()
	slog.Info("prekey bundle fetched",
		"target_user_id", res.UserID, "devices", len(res.Devices),
		"requester_id", principal.UserID, "request_id", reqID, "trace_id", traceID)
	writeJSON(w, http.StatusOK, res)
}

func (h *keysHandler) rotate(w http.ResponseWriter, r *http.Request) {
	reqID := obsmw.RequestIDFromContext(r.Context())
	traceID := obsmw.TraceIDFromContext(r.Context())
	principal, _ := authz.PrincipalFrom(r.Context())

	var req dto.RotateKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		metrics.SignedPreKeysRotatedTotal.WithLabelValues("failure").Inc()
		slog.Warn("key rotation decode failed", "error", err, "request_id", reqID, "trace_id", traceID)
		return
	}
	if err := claimDevice(principal, &req.UserID, &req.DeviceID); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		metrics.SignedPreKeysRotatedTotal.WithLabelValues("failure").Inc()
		slog.Warn("key rotation principal mismatch", "user_id", principal.UserID, "request_id", reqID, "trace_id", traceID)
		return
	}

	res, err := h.svc.RotateKeys(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		metrics.SignedPreKeysRotatedTotal.WithLabelValues("failure").Inc()
		slog.Warn("key rotation failed", "error", err, "request_id", reqID, "trace_id", traceID)
		return
	}
	metrics.SignedPreKeysRotatedTotal.WithLabelValues("success").Inc()
	slog.Info("keys rotated",
		"device_id", res.DeviceID, "removed_prekeys", res.RemovedPreKeys,
		"added_prekeys", res.AcceptedPreKeys, "request_id", reqID, "trace_id", traceID)
	writeJSON(w, http.StatusOK, res)
}

func (h *keysHandler) revoke(w http.ResponseWriter, r *http.Request) {
	reqID := obsmw.RequestIDFromContext(r.Context())
	traceID := obsmw.TraceIDFromContext(r.Context())
	principal, _ := authz.PrincipalFrom(r.Context())

	var req dto.RevokeDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		metrics.DevicesRevokedTotal.WithLabelValues("failure").Inc()
		slog.Warn("device revocation decode failed", "error", err, "request_id", reqID, "trace_id", traceID)
		return
	}
	// Revocation is account-scoped: any of a user's devices may revoke
	// any other, which is how a lost phone gets cut off.
	if req.UserID != "" && req.UserID != principal.UserID.String() {
		http.Error(w, "userId does not match token", http.StatusForbidden)
		metrics.DevicesRevokedTotal.WithLabelValues("failure").Inc()
		slog.Warn("device revocation principal mismatch", "user_id", principal.UserID, "request_id", reqID, "trace_id", traceID)
		return
	}
	deviceID, err := uuid.Parse(req.DeviceID)
	if err != nil {
		http.Error(w, "invalid deviceId", http.StatusBadRequest)
		metrics.DevicesRevokedTotal.WithLabelValues("failure").Inc()
		slog.Warn("device revocation invalid device id", "error", err, "request_id", reqID, "trace_id", traceID)
		return
	}

	revoked, err := h.svc.RevokeDevice(r.Context(), principal.UserID, deviceID)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		metrics.DevicesRevokedTotal.WithLabelValues("failure").Inc()
		slog.Warn("device revocation failed", "error", err, "device_id", deviceID, "request_id", reqID, "trace_id", traceID)
		return
	}
	metrics.DevicesRevokedTotal.WithLabelValues("success").Inc()
	slog.Info("device revoked",
		"user_id", principal.UserID, "device_id", deviceID, "applied", revoked,
		"request_id", reqID, "trace_id", traceID)
	writeJSON(w, http.StatusOK, dto.RevokeDeviceResponse{DeviceID: deviceID.String(), Revoked: revoked})
}

func (h *keysHandler) stats(w http.ResponseWriter, r *http.Request) {
	principal, _ := authz.PrincipalFrom(r.Context())

	res, err := h.svc.PreKeyStats(r.Context(), principal.UserID)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	if did := r.URL.Query().Get("device_id"); did != "" {
		filtered := make([]dto.DevicePreKeyStat, 0, 1)
		for _, d := range res.Devices {
			if d.DeviceID == did {
				filtered = append(filtered, d)
			}
		}
		res.Devices = filtered
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *keysHandler) cleanup(w http.ResponseWriter, r *http.Request) {
	reqID := obsmw.RequestIDFromContext(r.Context())
	traceID := obsmw.TraceIDFromContext(r.Context())

	removed, err := h.svc.CleanupExpired(r.Context())
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		slog.Warn("prekey cleanup failed", "error", err, "request_id", reqID, "trace_id", traceID)
		return
	}
	slog.Info("prekey cleanup ran", "removed", removed, "request_id", reqID, "trace_id", traceID)
	writeJSON(w, http.StatusOK, dto.PreKeyCleanupResponse{RemovedPreKeys: removed})
}

// claimDevice fills omitted identity fields from the verified token and
// rejects values that point at someone else's device. A request can only
// ever act as the device that authenticated it.
func claimDevice(p authz.Principal, userID, deviceID *string) error {
	if *userID != "" && *userID != p.UserID.String() {
		return fmt.Errorf("%w: userId does not match token", domain.ErrForbidden)
	}
	if *deviceID != "" && *deviceID != p.DeviceID.String() {
		return fmt.Errorf("%w: deviceId does not match token", domain.ErrForbidden)
	}
	*userID = p.UserID.String()
	*deviceID = p.DeviceID.String()
	return nil
}

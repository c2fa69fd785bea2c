package authz

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/parlor-chat/parlor/internal/domain"
	obsmw "github.com/parlor-chat/parlor/internal/observability/middleware"
)

// BearerToken pulls the raw token from the Authorization header, or
// from the token query parameter as a fallback for WebSocket clients
// that cannot set headers.
func BearerToken(r *http.Request) string {
	raw := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(raw), "bearer ") {
		return strings.TrimSpace(raw[len("Bearer "):])
	}
	return r.URL.Query().Get("token")
}

// RequireAuth rejects unauthenticated requests and stores the verified
// Principal in the request context for handlers downstream.
func RequireAuth(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := obsmw.RequestIDFromContext(r.Context())
			token := BearerToken(r)
			if token == "" {
				slog.Warn("auth missing bearer", "request_id", reqID, "path", r.URL.Path)
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			principal, err := v.Verify(r.Context(), token)
			if err != nil {
				slog.Warn("auth rejected", "error", err, "request_id", reqID, "path", r.URL.Path)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// RequireActiveDevice refuses principals whose device is unknown,
// inactive, or revoked. Registration stays off this gate: the first key
// upload is what creates the device row.
func RequireActiveDevice(gate *DeviceGate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFrom(r.Context())
			if !ok {
				http.Error(w, "missing principal", http.StatusUnauthorized)
				return
			}
			if err := gate.Authorize(r.Context(), principal); err != nil {
				reqID := obsmw.RequestIDFromContext(r.Context())
				if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrForbidden) {
					slog.Warn("device gate refused request",
						"error", err, "user_id", principal.UserID, "device_id", principal.DeviceID,
						"request_id", reqID, "path", r.URL.Path)
					http.Error(w, "device not allowed", http.StatusForbidden)
					return
				}
				slog.Error("device gate lookup failed", "error", err, "request_id", reqID)
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package authz_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/parlor-chat/parlor/internal/authz"
	"github.com/parlor-chat/parlor/internal/domain"
)

const (
	testSecret = "test-secret"
	testIssuer = "parlor-auth"
)

func TestMintAndVerify(t *testing.T) {
	userID := uuid.New()
	deviceID := uuid.New()

	token, err := authz.MintHS256(testSecret, testIssuer, userID, deviceID, time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	v := authz.NewHMACVerifier(testSecret, testIssuer)
	p, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.UserID != userID || p.DeviceID != deviceID {
		t.Fatalf("principal mismatch: %+v", p)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := authz.MintHS256("other-secret", testIssuer, uuid.New(), uuid.New(), time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	v := authz.NewHMACVerifier(testSecret, testIssuer)
	if _, err := v.Verify(context.Background(), token); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	token, err := authz.MintHS256(testSecret, testIssuer, uuid.New(), uuid.New(), -time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	v := authz.NewHMACVerifier(testSecret, testIssuer)
	if _, err := v.Verify(context.Background(), token); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for expired token, got %v", err)
	}
}

func TestVerifyRejectsIssuerMismatch(t *testing.T) {
	token, err := authz.MintHS256(testSecret, "someone-else", uuid.New(), uuid.New(), time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	v := authz.NewHMACVerifier(testSecret, testIssuer)
	if _, err := v.Verify(context.Background(), token); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for issuer mismatch, got %v", err)
	}
}

func TestVerifyRejectsUnsignedToken(t *testing.T) {
	claims := jwt.MapClaims{
		"sub": uuid.New().String(),
		"did": uuid.New().String(),
		"iss": testIssuer,
		"exp": time.Now().Add(time.Minute).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	v := authz.NewHMACVerifier(testSecret, testIssuer)
	if _, err := v.Verify(context.Background(), token); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for alg=none, got %v", err)
	}
}

func TestRequireAuth(t *testing.T) {
	userID := uuid.New()
	deviceID := uuid.New()
	token, err := authz.MintHS256(testSecret, testIssuer, userID, deviceID, time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	v := authz.NewHMACVerifier(testSecret, testIssuer)
	var got authz.Principal
	handler := authz.RequireAuth(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = authz.PrincipalFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	// Header form.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 with header token, got %d", rec.Code)
	}
	if got.UserID != userID || got.DeviceID != deviceID {
		t.Fatalf("principal not propagated: %+v", got)
	}

	// Query-param fallback used by WebSocket clients.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/protected?token="+token, nil)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 with query token, got %d", rec.Code)
	}

	// No token at all.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

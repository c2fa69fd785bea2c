package http_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/parlor-chat/parlor/internal/authz"
	"github.com/parlor-chat/parlor/internal/dto"
	"github.com/parlor-chat/parlor/internal/keyring"
	"github.com/parlor-chat/parlor/internal/observability/metrics"
	"github.com/parlor-chat/parlor/internal/store"
	transporthttp "github.com/parlor-chat/parlor/internal/transport/http"
)

const (
	testSecret = "transport-test-secret"
	testIssuer = "parlor-test"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return store.New(db)
}

func setupKeysServer(t *testing.T) *httptest.Server {
	t.Helper()
	metrics.MustRegister("transport-test")

	st := openTestStore(t)
	svc := keyring.New(st, keyring.Options{})

	router := transporthttp.NewKeysRouter(transporthttp.KeysRouterConfig{
		Keyring:  svc,
		Store:    st,
		Verifier: authz.NewHMACVerifier(testSecret, testIssuer),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func mintToken(t *testing.T, userID, deviceID uuid.UUID) string {
	t.Helper()
	token, err := authz.MintHS256(testSecret, testIssuer, userID, deviceID, time.Minute)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func decodeInto(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode response %q: %v", data, err)
	}
}

func b64Key(fill byte) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{fill}, 32))
}

func b64Sig() string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x44}, 64))
}

// registerPayload leaves userId and deviceId empty so the handler claims
// them from the bearer token.
func registerPayload(keyIDs ...uint32) dto.RegisterDeviceKeysRequest {
	req := dto.RegisterDeviceKeysRequest{
		PublicKey:   b64Key(0x11),
		IdentityKey: b64Key(0x22),
		SignedPreKey: dto.SignedPreKey{
			KeyID:     1,
			PublicKey: b64Key(0x33),
			Signature: b64Sig(),
		},
	}
	for _, id := range keyIDs {
		req.OneTimePreKeys = append(req.OneTimePreKeys, dto.OneTimePreKey{KeyID: id, PublicKey: b64Key(byte(id))})
	}
	return req
}

func TestKeysRoutesRequireAuth(t *testing.T) {
	srv := setupKeysServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/keys/device/register", "", registerPayload(1))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: got %d, want 401", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/keys/bundle?user_id="+uuid.NewString(), "garbage", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: got %d, want 401", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz: got %d %q", resp.StatusCode, body)
	}
}

func TestRegisterAndBundleOverHTTP(t *testing.T) {
	srv := setupKeysServer(t)
	alice, aliceDev := uuid.New(), uuid.New()
	bob, bobDev := uuid.New(), uuid.New()

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/keys/device/register", mintToken(t, bob, bobDev), registerPayload(1, 2))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: got %d: %s", resp.StatusCode, body)
	}
	var reg dto.RegisterDeviceKeysResponse
	decodeInto(t, body, &reg)
	if reg.UserID != bob.String() || reg.DeviceID != bobDev.String() {
		t.Fatalf("identity not claimed from token: %+v", reg)
	}
	if reg.AcceptedPreKeys != 2 || !reg.IdentityKeyPinned {
		t.Fatalf("unexpected registration result: %+v", reg)
	}

	// The device gate wants the requester registered before it may
	// fetch anyone's bundle.
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/keys/bundle?user_id="+bob.String(), mintToken(t, alice, aliceDev), nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unregistered requester: got %d, want 403", resp.StatusCode)
	}
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/keys/device/register", mintToken(t, alice, aliceDev), registerPayload(7))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register requester: got %d: %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/keys/bundle?user_id="+bob.String(), mintToken(t, alice, aliceDev), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bundle: got %d: %s", resp.StatusCode, body)
	}
	var bundle dto.PreKeyBundleResponse
	decodeInto(t, body, &bundle)
	if len(bundle.Devices) != 1 || bundle.Devices[0].OneTimePreKey == nil {
		t.Fatalf("unexpected bundle: %+v", bundle)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/keys/bundle", mintToken(t, alice, aliceDev), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing user_id: got %d, want 400", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/keys/bundle?user_id="+uuid.NewString(), mintToken(t, alice, aliceDev), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown user: got %d, want 404", resp.StatusCode)
	}
}

func TestRegisterRejectsForeignPrincipal(t *testing.T) {
	srv := setupKeysServer(t)
	user, dev := uuid.New(), uuid.New()

	payload := registerPayload(1)
	payload.UserID = uuid.NewString()

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/keys/device/register", mintToken(t, user, dev), payload)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign userId: got %d, want 403", resp.StatusCode)
	}

	payload = registerPayload(1)
	payload.DeviceID = uuid.NewString()

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/keys/device/register", mintToken(t, user, dev), payload)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign deviceId: got %d, want 403", resp.StatusCode)
	}
}

func TestRotateAndRevokeOverHTTP(t *testing.T) {
	srv := setupKeysServer(t)
	user := uuid.New()
	devA, devB := uuid.New(), uuid.New()

	for _, dev := range []uuid.UUID{devA, devB} {
		resp, body := doJSON(t, http.MethodPost, srv.URL+"/keys/device/register", mintToken(t, user, dev), registerPayload(1))
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("register %s: got %d: %s", dev, resp.StatusCode, body)
		}
	}

	rot := dto.RotateKeysRequest{
		OneTimePreKeys: []dto.OneTimePreKey{
			{KeyID: 9, PublicKey: b64Key(0x09)},
			{KeyID: 10, PublicKey: b64Key(0x0a)},
		},
	}
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/keys/rotate", mintToken(t, user, devA), rot)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rotate: got %d: %s", resp.StatusCode, body)
	}
	var rotated dto.RotateKeysResponse
	decodeInto(t, body, &rotated)
	if rotated.RemovedPreKeys != 1 || rotated.AcceptedPreKeys != 2 {
		t.Fatalf("unexpected rotation result: %+v", rotated)
	}

	revoke := dto.RevokeDeviceRequest{DeviceID: devB.String()}
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/keys/device/revoke", mintToken(t, user, devA), revoke)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke: got %d: %s", resp.StatusCode, body)
	}
	var revoked dto.RevokeDeviceResponse
	decodeInto(t, body, &revoked)
	if !revoked.Revoked {
		t.Fatalf("first revoke should apply: %+v", revoked)
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/keys/device/revoke", mintToken(t, user, devA), revoke)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repeat revoke: got %d: %s", resp.StatusCode, body)
	}
	decodeInto(t, body, &revoked)
	if revoked.Revoked {
		t.Fatalf("repeat revoke should be a no-op: %+v", revoked)
	}

	// The revoked device can no longer rotate.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/keys/rotate", mintToken(t, user, devB), rot)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("rotate on revoked device: got %d, want 403", resp.StatusCode)
	}

	// Revoking on behalf of someone else is rejected.
	foreign := dto.RevokeDeviceRequest{UserID: uuid.NewString(), DeviceID: devA.String()}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/keys/device/revoke", mintToken(t, user, devA), foreign)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign revoke: got %d, want 403", resp.StatusCode)
	}
}

func TestPreKeyStatsAndCleanupOverHTTP(t *testing.T) {
	srv := setupKeysServer(t)
	user, dev := uuid.New(), uuid.New()
	token := mintToken(t, user, dev)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/keys/device/register", token, registerPayload(1, 2, 3))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: got %d: %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/keys/prekeys/stats", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats: got %d: %s", resp.StatusCode, body)
	}
	var stats dto.PreKeyStatsResponse
	decodeInto(t, body, &stats)
	if len(stats.Devices) != 1 || stats.Devices[0].Available != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/keys/prekeys/stats?device_id="+uuid.NewString(), token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("filtered stats: got %d: %s", resp.StatusCode, body)
	}
	decodeInto(t, body, &stats)
	if len(stats.Devices) != 0 {
		t.Fatalf("filter on unknown device should be empty: %+v", stats)
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/keys/prekeys/cleanup", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cleanup: got %d: %s", resp.StatusCode, body)
	}
	var cleaned dto.PreKeyCleanupResponse
	decodeInto(t, body, &cleaned)
	if cleaned.RemovedPreKeys < 0 {
		t.Fatalf("negative cleanup count: %+v", cleaned)
	}
}

package keyring_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/parlor-chat/parlor/internal/domain"
	"github.com/parlor-chat/parlor/internal/dto"
	"github.com/parlor-chat/parlor/internal/keyring"
	"github.com/parlor-chat/parlor/internal/store"
)

func setupService(t *testing.T, opts keyring.Options) (*keyring.Service, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return keyring.New(store.New(db), opts), db
}

func b64Key(fill byte) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{fill}, 32))
}

func b64Sig(fill byte) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{fill}, 64))
}

func registerReq(userID, deviceID string, identityFill byte, keyIDs ...uint32) dto.RegisterDeviceKeysRequest {
	otks := make([]dto.OneTimePreKey, 0, len(keyIDs))
	for _, id := range keyIDs {
		otks = append(otks, dto.OneTimePreKey{KeyID: id, PublicKey: b64Key(byte(id))})
	}
	return dto.RegisterDeviceKeysRequest{
		UserID:      userID,
		DeviceID:    deviceID,
		PublicKey:   b64Key(identityFill + 1),
		IdentityKey: b64Key(identityFill),
		SignedPreKey: dto.SignedPreKey{
			KeyID:     1,
			PublicKey: b64Key(identityFill + 2),
			Signature: b64Sig(identityFill + 3),
		},
		OneTimePreKeys: otks,
	}
}

func TestRegisterAndFetchBundles(t *testing.T) {
	svc, _ := setupService(t, keyring.Options{})
	ctx := context.Background()

	userID := uuid.New()
	devA := uuid.New()
	devB := uuid.New()
	requester := uuid.New()

	for i, dev := range []uuid.UUID{devA, devB} {
		resp, err := svc.RegisterDeviceKeys(ctx, registerReq(userID.String(), dev.String(), 10, uint32(100+i*10), uint32(101+i*10)))
		if err != nil {
			t.Fatalf("register device %d: %v", i, err)
		}
		if resp.AcceptedPreKeys != 2 {
			t.Fatalf("expected 2 accepted prekeys, got %d", resp.AcceptedPreKeys)
		}
	}

	bundle, err := svc.FetchBundle(ctx, userID, requester)
	if err != nil {
		t.Fatalf("fetch bundle: %v", err)
	}
	if bundle.IdentityKey != b64Key(10) {
		t.Fatalf("bundle missing identity key")
	}
	if len(bundle.Devices) != 2 {
		t.Fatalf("expected 2 devices in bundle, got %d", len(bundle.Devices))
	}

	seen := map[uint32]bool{}
	for _, dev := range bundle.Devices {
		if dev.OneTimePreKey == nil {
			t.Fatalf("device %s got no one-time prekey on first fetch", dev.DeviceID)
		}
		if seen[dev.OneTimePreKey.KeyID] {
			t.Fatalf("one-time prekey %d handed out twice in one bundle", dev.OneTimePreKey.KeyID)
		}
		seen[dev.OneTimePreKey.KeyID] = true
	}

	// Second fetch consumes the second key of each pool; third finds
	// the pools drained but the devices still present.
	if _, err := svc.FetchBundle(ctx, userID, requester); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	third, err := svc.FetchBundle(ctx, userID, requester)
	if err != nil {
		t.Fatalf("third fetch: %v", err)
	}
	if len(third.Devices) != 2 {
		t.Fatalf("drained pool must not hide devices, got %d", len(third.Devices))
	}
	for _, dev := range third.Devices {
		if dev.OneTimePreKey != nil {
			t.Fatalf("expected drained pool, device %s still has a key", dev.DeviceID)
		}
		if dev.SignedPreKey.PublicKey == "" {
			t.Fatalf("signed prekey must always be present")
		}
	}
}

func TestIdentityKeyFirstWriterWins(t *testing.T) {
	svc, _ := setupService(t, keyring.Options{})
	ctx := context.Background()

	userID := uuid.New()

	first, err := svc.RegisterDeviceKeys(ctx, registerReq(userID.String(), uuid.New().String(), 20, 1))
	if err != nil {
		t.Fatalf("first register: %v", err)
	}
	if !first.IdentityKeyPinned || !first.IdentityKeyMatched {
		t.Fatalf("first registration should pin its identity: %+v", first)
	}

	second, err := svc.RegisterDeviceKeys(ctx, registerReq(userID.String(), uuid.New().String(), 40, 2))
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if second.IdentityKeyPinned {
		t.Fatalf("second registration must not replace the pinned identity")
	}
	if second.IdentityKeyMatched {
		t.Fatalf("conflicting identity should be reported as mismatched")
	}

	bundle, err := svc.FetchBundle(ctx, userID, uuid.New())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if bundle.IdentityKey != b64Key(20) {
		t.Fatalf("pinned identity was replaced")
	}
}

func TestFetchBundleUnknownUser(t *testing.T) {
	svc, _ := setupService(t, keyring.Options{})

	_, err := svc.FetchBundle(context.Background(), uuid.New(), uuid.New())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRotateReplacesPreKeyPool(t *testing.T) {
	svc, _ := setupService(t, keyring.Options{})
	ctx := context.Background()

	userID := uuid.New()
	deviceID := uuid.New()

	if _, err := svc.RegisterDeviceKeys(ctx, registerReq(userID.String(), deviceID.String(), 30, 1, 2, 3)); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp, err := svc.RotateKeys(ctx, dto.RotateKeysRequest{
		UserID:    userID.String(),
		DeviceID:  deviceID.String(),
		PublicKey: b64Key(49),
		SignedPreKey: &dto.SignedPreKey{
			KeyID:     2,
			PublicKey: b64Key(50),
			Signature: b64Sig(51),
		},
		OneTimePreKeys: []dto.OneTimePreKey{{KeyID: 9, PublicKey: b64Key(52)}},
	})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if resp.RemovedPreKeys != 3 {
		t.Fatalf("rotation must replace the whole pool, removed %d", resp.RemovedPreKeys)
	}
	if resp.AcceptedPreKeys != 1 {
		t.Fatalf("expected 1 accepted prekey, got %d", resp.AcceptedPreKeys)
	}

	bundle, err := svc.FetchBundle(ctx, userID, uuid.New())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	dev := bundle.Devices[0]
	if dev.PublicKey != b64Key(49) {
		t.Fatalf("rotated device key not served: %s", dev.PublicKey)
	}
	if dev.SignedPreKey.PublicKey != b64Key(50) || dev.SignedPreKey.KeyID != 2 {
		t.Fatalf("rotated signed prekey not served: %+v", dev.SignedPreKey)
	}
	if dev.OneTimePreKey == nil || dev.OneTimePreKey.KeyID != 9 {
		t.Fatalf("expected rotated pool key 9, got %+v", dev.OneTimePreKey)
	}

	// Signed-prekey-only rotation leaves the pool alone.
	if _, err := svc.RotateKeys(ctx, dto.RotateKeysRequest{
		UserID:   userID.String(),
		DeviceID: deviceID.String(),
		SignedPreKey: &dto.SignedPreKey{
			KeyID:     3,
			PublicKey: b64Key(60),
			Signature: b64Sig(61),
		},
	}); err != nil {
		t.Fatalf("signed-only rotate: %v", err)
	}

	stats, err := svc.PreKeyStats(ctx, userID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(stats.Devices) != 0 {
		t.Fatalf("pool should be drained after bundle fetch, got %+v", stats.Devices)
	}
}

func TestRevokeDevice(t *testing.T) {
	svc, _ := setupService(t, keyring.Options{})
	ctx := context.Background()

	userID := uuid.New()
	keep := uuid.New()
	revoke := uuid.New()

	if _, err := svc.RegisterDeviceKeys(ctx, registerReq(userID.String(), keep.String(), 70, 1)); err != nil {
		t.Fatalf("register keep: %v", err)
	}
	if _, err := svc.RegisterDeviceKeys(ctx, registerReq(userID.String(), revoke.String(), 70, 2)); err != nil {
		t.Fatalf("register revoke: %v", err)
	}

	applied, err := svc.RevokeDevice(ctx, userID, revoke)
	if err != nil || !applied {
		t.Fatalf("revoke: applied=%v err=%v", applied, err)
	}

	applied, err = svc.RevokeDevice(ctx, userID, revoke)
	if err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	if applied {
		t.Fatalf("second revoke should be an idempotent no-op")
	}

	bundle, err := svc.FetchBundle(ctx, userID, uuid.New())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(bundle.Devices) != 1 || bundle.Devices[0].DeviceID != keep.String() {
		t.Fatalf("revoked device leaked into bundle: %+v", bundle.Devices)
	}

	// A revoked device can neither re-register nor rotate.
	if _, err := svc.RegisterDeviceKeys(ctx, registerReq(userID.String(), revoke.String(), 70, 3)); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden on re-register, got %v", err)
	}
	if _, err := svc.RotateKeys(ctx, dto.RotateKeysRequest{
		UserID:         userID.String(),
		DeviceID:       revoke.String(),
		OneTimePreKeys: []dto.OneTimePreKey{{KeyID: 4, PublicKey: b64Key(71)}},
	}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden on rotate, got %v", err)
	}

	// Unknown device is not found, not forbidden.
	if _, err := svc.RevokeDevice(ctx, userID, uuid.New()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRegisterRejectsMalformedKeys(t *testing.T) {
	svc, _ := setupService(t, keyring.Options{})
	ctx := context.Background()

	req := registerReq(uuid.New().String(), uuid.New().String(), 80, 1)
	req.IdentityKey = "not-base64!!"
	if _, err := svc.RegisterDeviceKeys(ctx, req); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for bad base64, got %v", err)
	}

	req = registerReq(uuid.New().String(), uuid.New().String(), 81, 1)
	req.SignedPreKey.Signature = base64.StdEncoding.EncodeToString([]byte("short"))
	if _, err := svc.RegisterDeviceKeys(ctx, req); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for short signature, got %v", err)
	}

	req = registerReq(uuid.New().String(), uuid.New().String(), 82)
	req.OneTimePreKeys = []dto.OneTimePreKey{{KeyID: 1, PublicKey: ""}}
	if _, err := svc.RegisterDeviceKeys(ctx, req); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for empty prekey, got %v", err)
	}

	req = registerReq(uuid.New().String(), uuid.New().String(), 83, 1)
	req.UserID = "not-a-uuid"
	if _, err := svc.RegisterDeviceKeys(ctx, req); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for bad userId, got %v", err)
	}
}

func TestExpiredPreKeysAreNotClaimableAndGetSwept(t *testing.T) {
	svc, db := setupService(t, keyring.Options{PreKeyTTL: time.Millisecond, UsedKeyRetention: time.Hour})
	ctx := context.Background()

	userID := uuid.New()
	deviceID := uuid.New()
	if _, err := svc.RegisterDeviceKeys(ctx, registerReq(userID.String(), deviceID.String(), 90, 1, 2)); err != nil {
		t.Fatalf("register: %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	bundle, err := svc.FetchBundle(ctx, userID, uuid.New())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if bundle.Devices[0].OneTimePreKey != nil {
		t.Fatalf("expired prekey was claimed")
	}

	removed, err := svc.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 swept prekeys, got %d", removed)
	}

	var left int64
	if err := db.Model(&domain.OneTimePreKey{}).Where("user_id = ?", userID).Count(&left).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if left != 0 {
		t.Fatalf("expected empty table for user, got %d rows", left)
	}
}

// Package keyring is the key-distribution core: device registration,
// prekey bundle assembly, rotation, and revocation. It owns the
// single-use guarantee on one-time prekeys.
package keyring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/parlor-chat/parlor/internal/domain"
	"github.com/parlor-chat/parlor/internal/dto"
	"github.com/parlor-chat/parlor/internal/store"
)

type Options struct {
	// PreKeyTTL bounds how long an uploaded one-time prekey stays
	// claimable. Zero means no expiry.
	PreKeyTTL time.Duration
	// UsedKeyRetention is the audit window before used prekeys are
	// purged by the sweeper.
	UsedKeyRetention time.Duration
	// MaxPreKeysPerBatch caps a single upload.
	MaxPreKeysPerBatch int
}

type Service struct {
	store *store.Store
	opts  Options
	now   func() time.Time
}

func New(st *store.Store, opts Options) *Service {
	if opts.MaxPreKeysPerBatch <= 0 {
		opts.MaxPreKeysPerBatch = 100
	}
	return &Service{
		store: st,
		opts:  opts,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// RegisterDeviceKeys installs or refreshes a device's key material. The
// identity key is pinned first-writer-wins: a different key on a later
// registration is ignored, and the response says whether the stored
// identity matches the submitted one.
func (s *Service) RegisterDeviceKeys(ctx context.Context, req dto.RegisterDeviceKeysRequest) (dto.RegisterDeviceKeysResponse, error) {
	userID, err := parseOrGenerate(req.UserID)
	if err != nil {
		return dto.RegisterDeviceKeysResponse{}, fmt.Errorf("%w: invalid userId", domain.ErrValidation)
	}
	deviceID, err := parseOrGenerate(req.DeviceID)
	if err != nil {
		return dto.RegisterDeviceKeysResponse{}, fmt.Errorf("%w: invalid deviceId", domain.ErrValidation)
	}
	if err := validatePublicKey("publicKey", req.PublicKey); err != nil {
		return dto.RegisterDeviceKeysResponse{}, err
	}
	if err := validatePublicKey("identityKey", req.IdentityKey); err != nil {
		return dto.RegisterDeviceKeysResponse{}, err
	}
	if err := validateSignedPreKey(req.SignedPreKey); err != nil {
		return dto.RegisterDeviceKeysResponse{}, err
	}
	if len(req.OneTimePreKeys) > s.opts.MaxPreKeysPerBatch {
		return dto.RegisterDeviceKeysResponse{}, fmt.Errorf("%w: at most %d one-time prekeys per upload", domain.ErrValidation, s.opts.MaxPreKeysPerBatch)
	}

	now := s.now()
	prekeys, err := s.buildPreKeys(userID, deviceID, req.OneTimePreKeys, now)
	if err != nil {
		return dto.RegisterDeviceKeysResponse{}, err
	}

	signedAt := req.SignedPreKey.CreatedAt
	if signedAt.IsZero() {
		signedAt = now
	}

	var (
		pinned   bool
		accepted int64
		identity *domain.UserIdentity
	)
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		existing, err := tx.Devices().Get(ctx, userID, deviceID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if existing != nil && existing.IsRevoked {
			return fmt.Errorf("%w: device revoked", domain.ErrForbidden)
		}

		pinned, err = tx.Identities().Ensure(ctx, &domain.UserIdentity{
			UserID:            userID,
			IdentityPublicKey: req.IdentityKey,
		})
		if err != nil {
			return err
		}
		identity, err = tx.Identities().Get(ctx, userID)
		if err != nil {
			return err
		}

		if err := tx.Devices().Upsert(ctx, &domain.Device{
			UserID:                userID,
			DeviceID:              deviceID,
			PublicKey:             req.PublicKey,
			SignedPreKeyID:        req.SignedPreKey.KeyID,
			SignedPreKey:          req.SignedPreKey.PublicKey,
			SignedPreKeySignature: req.SignedPreKey.Signature,
			SignedPreKeyUpdatedAt: signedAt,
			IsActive:              true,
		}); err != nil {
			return err
		}

		accepted, err = tx.PreKeys().AddBatch(ctx, prekeys)
		return err
	})
	if err != nil {
		return dto.RegisterDeviceKeysResponse{}, err
	}

	return dto.RegisterDeviceKeysResponse{
		UserID:             userID.String(),
		DeviceID:           deviceID.String(),
		AcceptedPreKeys:    accepted,
		IdentityKeyPinned:  pinned,
		IdentityKeyMatched: identity.IdentityPublicKey == req.IdentityKey,
	}, nil
}

// FetchBundle assembles a prekey bundle covering every active device of
// the target user. Each device's oldest one-time prekey is claimed in
// the same transaction, so a bundle never hands out a key twice. A
// device with a drained pool still appears, just without a one-time
// prekey.
func (s *Service) FetchBundle(ctx context.Context, targetUserID, requesterID uuid.UUID) (dto.PreKeyBundleResponse, error) {
	now := s.now()

	var (
		identityKey string
		bundles     []dto.DeviceBundle
	)
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		devices, err := tx.Devices().ActiveByUser(ctx, targetUserID)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			return fmt.Errorf("%w: no active devices for user", domain.ErrNotFound)
		}

		identity, err := tx.Identities().Get(ctx, targetUserID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if identity != nil {
			identityKey = identity.IdentityPublicKey
		}

		bundles = make([]dto.DeviceBundle, 0, len(devices))
		for _, device := range devices {
			entry := dto.DeviceBundle{
				DeviceID:  device.DeviceID.String(),
				PublicKey: device.PublicKey,
				SignedPreKey: dto.SignedPreKey{
					KeyID:     device.SignedPreKeyID,
					PublicKey: device.SignedPreKey,
					Signature: device.SignedPreKeySignature,
					CreatedAt: device.SignedPreKeyUpdatedAt,
				},
			}
			otk, err := tx.PreKeys().ClaimNext(ctx, targetUserID, device.DeviceID, requesterID, now)
			if err != nil {
				return err
			}
			if otk != nil {
				entry.OneTimePreKey = &dto.OneTimePreKey{
					KeyID:     otk.KeyID,
					PublicKey: otk.PublicKey,
				}
			}
			bundles = append(bundles, entry)
		}
		return nil
	})
	if err != nil {
		return dto.PreKeyBundleResponse{}, err
	}

	return dto.PreKeyBundleResponse{
		UserID:      targetUserID.String(),
		IdentityKey: identityKey,
		Devices:     bundles,
	}, nil
}

// RotateKeys replaces any of a device's public key, signed prekey, and
// one-time pool, in place. A new pool fully replaces the old one:
// remaining unused keys are deleted before the new batch lands.
func (s *Service) RotateKeys(ctx context.Context, req dto.RotateKeysRequest) (dto.RotateKeysResponse, error) {
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return dto.RotateKeysResponse{}, fmt.Errorf("%w: invalid userId", domain.ErrValidation)
	}
	deviceID, err := uuid.Parse(req.DeviceID)
	if err != nil {
		return dto.RotateKeysResponse{}, fmt.Errorf("%w: invalid deviceId", domain.ErrValidation)
	}
	if req.PublicKey == "" && req.SignedPreKey == nil && len(req.OneTimePreKeys) == 0 {
		return dto.RotateKeysResponse{}, fmt.Errorf("%w: nothing to rotate", domain.ErrValidation)
	}
	if req.PublicKey != "" {
		if err := validatePublicKey("publicKey", req.PublicKey); err != nil {
			return dto.RotateKeysResponse{}, err
		}
	}
	if req.SignedPreKey != nil {
		if err := validateSignedPreKey(*req.SignedPreKey); err != nil {
			return dto.RotateKeysResponse{}, err
		}
	}
	if len(req.OneTimePreKeys) > s.opts.MaxPreKeysPerBatch {
		return dto.RotateKeysResponse{}, fmt.Errorf("%w: at most %d one-time prekeys per upload", domain.ErrValidation, s.opts.MaxPreKeysPerBatch)
	}

	now := s.now()
	prekeys, err := s.buildPreKeys(userID, deviceID, req.OneTimePreKeys, now)
	if err != nil {
		return dto.RotateKeysResponse{}, err
	}

	var removed, accepted int64
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		device, err := tx.Devices().Get(ctx, userID, deviceID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: unknown device", domain.ErrNotFound)
			}
			return err
		}
		if device.IsRevoked {
			return fmt.Errorf("%w: device revoked", domain.ErrForbidden)
		}

		if req.PublicKey != "" {
			if _, err := tx.Devices().UpdatePublicKey(ctx, userID, deviceID, req.PublicKey, now); err != nil {
				return err
			}
		}
		if req.SignedPreKey != nil {
			signedAt := req.SignedPreKey.CreatedAt
			if signedAt.IsZero() {
				signedAt = now
			}
			if _, err := tx.Devices().UpdateSignedPreKey(ctx, userID, deviceID,
				req.SignedPreKey.KeyID, req.SignedPreKey.PublicKey, req.SignedPreKey.Signature, signedAt); err != nil {
				return err
			}
		}

		if len(prekeys) > 0 {
			removed, err = tx.PreKeys().DeleteUnused(ctx, userID, deviceID)
			if err != nil {
				return err
			}
			accepted, err = tx.PreKeys().AddBatch(ctx, prekeys)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return dto.RotateKeysResponse{}, err
	}

	resp := dto.RotateKeysResponse{
		DeviceID:        deviceID.String(),
		PublicKey:       req.PublicKey,
		RemovedPreKeys:  removed,
		AcceptedPreKeys: accepted,
	}
	if req.SignedPreKey != nil {
		signed := *req.SignedPreKey
		if signed.CreatedAt.IsZero() {
			signed.CreatedAt = now
		}
		resp.SignedPreKey = &signed
	}
	return resp, nil
}

// RevokeDevice permanently bars a device from bundles and connections.
// Repeat revocations are idempotent. The device's unused prekeys are
// dropped in the same transaction so they can never be claimed after
// the revocation lands.
func (s *Service) RevokeDevice(ctx context.Context, userID, deviceID uuid.UUID) (bool, error) {
	var applied bool
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		if _, err := tx.Devices().Get(ctx, userID, deviceID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: unknown device", domain.ErrNotFound)
			}
			return err
		}
		var err error
		applied, err = tx.Devices().Revoke(ctx, userID, deviceID, s.now())
		if err != nil {
			return err
		}
		_, err = tx.PreKeys().DeleteUnused(ctx, userID, deviceID)
		return err
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// PreKeyStats reports remaining pool sizes so clients know when to
// replenish.
func (s *Service) PreKeyStats(ctx context.Context, userID uuid.UUID) (dto.PreKeyStatsResponse, error) {
	counts, err := s.store.PreKeys().CountAvailableByDevice(ctx, userID, s.now())
	if err != nil {
		return dto.PreKeyStatsResponse{}, err
	}
	resp := dto.PreKeyStatsResponse{
		UserID:  userID.String(),
		Devices: make([]dto.DevicePreKeyStat, 0, len(counts)),
	}
	for _, c := range counts {
		resp.Devices = append(resp.Devices, dto.DevicePreKeyStat{
			DeviceID:  c.DeviceID.String(),
			Available: c.Available,
		})
	}
	return resp, nil
}

// CleanupExpired purges dead prekeys: used ones past the audit window
// and unused ones past their TTL.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	return s.store.PreKeys().PurgeDead(ctx, s.now(), s.opts.UsedKeyRetention)
}

func (s *Service) buildPreKeys(userID, deviceID uuid.UUID, keys []dto.OneTimePreKey, now time.Time) ([]domain.OneTimePreKey, error) {
	var expiresAt *time.Time
	if s.opts.PreKeyTTL > 0 {
		t := now.Add(s.opts.PreKeyTTL)
		expiresAt = &t
	}
	out := make([]domain.OneTimePreKey, 0, len(keys))
	for _, k := range keys {
		if err := validatePublicKey("oneTimePreKey.publicKey", k.PublicKey); err != nil {
			return nil, err
		}
		out = append(out, domain.OneTimePreKey{
			UserID:    userID,
			DeviceID:  deviceID,
			KeyID:     k.KeyID,
			PublicKey: k.PublicKey,
			ExpiresAt: expiresAt,
			CreatedAt: now,
		})
	}
	return out, nil
}

func parseOrGenerate(id string) (uuid.UUID, error) {
	if id == "" {
		return uuid.New(), nil
	}
	return uuid.Parse(id)
}

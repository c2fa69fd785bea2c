package authz

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/parlor-chat/parlor/internal/domain"
	"github.com/parlor-chat/parlor/internal/store"
)

// DeviceGate checks a verified principal against the device registry.
// A valid token is not enough to connect: the device must exist, be
// active, and not be revoked.
type DeviceGate struct {
	Store *store.Store
}

func (g *DeviceGate) Authorize(ctx context.Context, p Principal) error {
	device, err := g.Store.Devices().Get(ctx, p.UserID, p.DeviceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: unknown device", domain.ErrNotFound)
		}
		return fmt.Errorf("load device: %w", err)
	}
	if device.IsRevoked {
		return fmt.Errorf("%w: device revoked", domain.ErrForbidden)
	}
	if !device.IsActive {
		return fmt.Errorf("%w: device inactive", domain.ErrForbidden)
	}
	return nil
}

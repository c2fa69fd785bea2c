package authz

import (
	"context"

	"github.com/google/uuid"
)

// Principal identifies the authenticated device connection. Tokens are
// device-scoped: sub carries the user ID and did the device ID.
type Principal struct {
	UserID   uuid.UUID
	DeviceID uuid.UUID
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

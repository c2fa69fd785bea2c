// Package ephemeral is a small TTL'd key-value capability for state
// that is allowed to vanish: presence markers and typing indicators.
// Nothing here survives a restart, and that is the point. Expiry is
// the self-healing path when a gateway dies without cleaning up.
package ephemeral

import (
	"context"
	"time"
)

type Store interface {
	// Set writes a value that disappears after ttl. Writing an existing
	// key refreshes both value and deadline.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get reports (value, true) for a live key and (nil, false) for a
	// missing or expired one.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Delete removes a key; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys lists the live keys under a prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Package ports defines the contracts connecting the core to external adapters.
package ports

import (
	"context"
	"time"

	"github.com/mohamedwys/rate-limiter/internal/core/domain"
)

// WindowStore keeps one fixed-window counter per BucketKey. Implementations
// must make CheckAndIncrement atomic per key with respect to concurrent
// callers; without that, two requests arriving one below the ceiling could
// both be admitted.
type WindowStore interface {
	// Get returns the stored state for key and whether it exists. Expiry is
	// not interpreted here; an expired window is still returned as found.
	Get(ctx context.Context, key domain.BucketKey) (domain.WindowState, bool, error)

	// CheckAndIncrement runs one fixed-window evaluation for key: start a
	// fresh window when the entry is absent or expired, increment while the
	// count is below limit.MaxRequests, deny otherwise. It returns the
	// post-evaluation state together with the verdict.
	CheckAndIncrement(ctx context.Context, key domain.BucketKey, limit domain.Limit, now time.Time) (domain.WindowState, bool, error)

	// Delete removes the counter for key, if present.
	Delete(ctx context.Context, key domain.BucketKey) error

	// SweepExpired removes entries whose window has been over for longer than
	// the store's grace period and returns how many were removed.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

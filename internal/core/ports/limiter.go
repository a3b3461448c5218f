package ports

import (
	"context"

	"github.com/mohamedwys/rate-limiter/internal/core/domain"
)

// RateLimiter decides whether one request from identifier may proceed under
// the given limits, evaluated in order.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, limits ...domain.Limit) (domain.Decision, error)
}

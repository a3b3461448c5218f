// Package services implements the core rate-limiting logic on top of the ports.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mohamedwys/rate-limiter/internal/core/domain"
	"github.com/mohamedwys/rate-limiter/internal/core/ports"
)

// RateLimiterService evaluates one identifier against an ordered list of
// limits, each counted in its own namespace bucket.
type RateLimiterService struct {
	store  ports.WindowStore
	sink   ports.DenialSink
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	invalidSeen map[string]struct{}
}

var _ ports.RateLimiter = (*RateLimiterService)(nil)

type Option func(*RateLimiterService)

// WithDenialSink registers a best-effort observer for denied requests.
func WithDenialSink(sink ports.DenialSink) Option {
	return func(s *RateLimiterService) { s.sink = sink }
}

// WithLogger replaces the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *RateLimiterService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock injects the time source; tests use it to walk windows forward.
func WithClock(now func() time.Time) Option {
	return func(s *RateLimiterService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewRateLimiterService creates a new service instance.
func NewRateLimiterService(store ports.WindowStore, opts ...Option) (*RateLimiterService, error) {
	if store == nil {
		return nil, fmt.Errorf("window store is required")
	}

	s := &RateLimiterService{
		store:       store,
		logger:      slog.Default(),
		now:         time.Now,
		invalidSeen: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Allow evaluates identifier against limits in order. The request is allowed
// only when every limit admits it; the returned decision then carries the
// tightest remaining budget among them. The first denial stops evaluation and
// earlier increments stand, so a request denied by its hourly limit has still
// consumed one unit of its per-minute budget.
//
// An invalid limit denies everything under it: misconfiguration must not turn
// into unmetered traffic.
func (s *RateLimiterService) Allow(ctx context.Context, identifier string, limits ...domain.Limit) (domain.Decision, error) {
	if strings.TrimSpace(identifier) == "" {
		return domain.Decision{}, fmt.Errorf("identifier is required")
	}

	now := s.now()
	if len(limits) == 0 {
		return domain.Decision{Allowed: true, ResetAt: now}, nil
	}

	var best domain.Decision
	haveBest := false

	for _, limit := range limits {
		if err := limit.Validate(); err != nil {
			s.logInvalidLimitOnce(limit, err)
			s.recordDenial(ctx, identifier, limit.Namespace, now)
			return domain.Decision{
				Allowed:   false,
				Limit:     limit.MaxRequests,
				ResetAt:   now,
				Namespace: limit.Namespace,
				Message:   limit.Message,
			}, nil
		}

		key := domain.NewBucketKey(limit.Namespace, identifier)
		state, allowed, err := s.store.CheckAndIncrement(ctx, key, limit, now)
		if err != nil {
			return domain.Decision{}, fmt.Errorf("check %q under %s: %w", identifier, limit.Namespace, err)
		}

		resetAt := state.WindowStart.Add(limit.Window)
		remaining := limit.MaxRequests - state.Count
		if remaining < 0 {
			remaining = 0
		}

		if !allowed {
			s.recordDenial(ctx, identifier, limit.Namespace, now)
			return domain.Decision{
				Allowed:    false,
				Limit:      limit.MaxRequests,
				Remaining:  remaining,
				ResetAt:    resetAt,
				RetryAfter: retryAfter(resetAt, now),
				Namespace:  limit.Namespace,
				Message:    limit.Message,
			}, nil
		}

		decision := domain.Decision{
			Allowed:   true,
			Limit:     limit.MaxRequests,
			Remaining: remaining,
			ResetAt:   resetAt,
			Namespace: limit.Namespace,
		}
		if !haveBest || decision.Remaining < best.Remaining {
			best = decision
			haveBest = true
		}
	}

	return best, nil
}

func retryAfter(resetAt, now time.Time) time.Duration {
	if d := resetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (s *RateLimiterService) recordDenial(ctx context.Context, identifier, namespace string, at time.Time) {
	if s.sink == nil {
		return
	}
	denial := domain.Denial{Identifier: identifier, Namespace: namespace, At: at}
	if err := s.sink.RecordDenial(ctx, denial); err != nil {
		s.logger.Debug("denial sink failed", "namespace", namespace, "error", err)
	}
}

// logInvalidLimitOnce reports a broken limit a single time per namespace, not
// on every request it denies.
func (s *RateLimiterService) logInvalidLimitOnce(limit domain.Limit, err error) {
	s.mu.Lock()
	_, seen := s.invalidSeen[limit.Namespace]
	if !seen {
		s.invalidSeen[limit.Namespace] = struct{}{}
	}
	s.mu.Unlock()

	if seen {
		return
	}
	s.logger.Error("invalid rate limit, denying all requests under it",
		"namespace", limit.Namespace, "error", err)
}

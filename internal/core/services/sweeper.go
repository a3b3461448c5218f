package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mohamedwys/rate-limiter/internal/core/ports"
)

const defaultSweepInterval = time.Minute

// Sweeper periodically removes expired counters from the window store so a
// long-lived process does not accumulate buckets for callers that went away.
// Evaluation never depends on it: an expired entry that has not been swept
// yet is still treated as expired by the store.
type Sweeper struct {
	store    ports.WindowStore
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

type SweeperOption func(*Sweeper)

// WithSweepInterval sets how often the sweeper runs.
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithSweeperLogger replaces the default slog logger.
func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSweeperClock injects the time source; tests use it.
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSweeper creates a sweeper for store.
func NewSweeper(store ports.WindowStore, opts ...SweeperOption) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("window store is required")
	}

	s := &Sweeper{
		store:    store,
		interval: defaultSweepInterval,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the sweep loop in its own goroutine. It stops when ctx is
// cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go s.Run(ctx)
}

// Run blocks, sweeping on every interval tick until ctx is cancelled. A
// failing or panicking sweep is logged and never stops the loop or reaches
// the caller.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweep panicked", "panic", r)
		}
	}()

	removed, err := s.store.SweepExpired(ctx, s.now())
	if err != nil {
		s.logger.Error("sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Debug("swept expired windows", "removed", removed)
	}
}

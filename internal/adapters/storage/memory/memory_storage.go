// Package memory provides the in-process WindowStore implementation.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mohamedwys/rate-limiter/internal/core/domain"
	"github.com/mohamedwys/rate-limiter/internal/core/ports"
)

const defaultGrace = 5 * time.Minute

type entry struct {
	count       int
	windowStart time.Time
	window      time.Duration
}

// Storage keeps every window counter in one map guarded by a mutex. Counters
// live only as long as the process; a restart resets them all.
type Storage struct {
	mu      sync.Mutex
	entries map[domain.BucketKey]*entry
	grace   time.Duration
}

var _ ports.WindowStore = (*Storage)(nil)

type Option func(*Storage)

// WithGrace sets how long an expired window survives before SweepExpired may
// remove it.
func WithGrace(grace time.Duration) Option {
	return func(s *Storage) {
		if grace >= 0 {
			s.grace = grace
		}
	}
}

func New(opts ...Option) *Storage {
	s := &Storage{
		entries: make(map[domain.BucketKey]*entry),
		grace:   defaultGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Storage) Get(_ context.Context, key domain.BucketKey) (domain.WindowState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return domain.WindowState{}, false, nil
	}
	return domain.WindowState{Count: e.count, WindowStart: e.windowStart}, true, nil
}

func (s *Storage) CheckAndIncrement(_ context.Context, key domain.BucketKey, limit domain.Limit, now time.Time) (domain.WindowState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || now.Sub(e.windowStart) >= limit.Window {
		e = &entry{count: 1, windowStart: now, window: limit.Window}
		s.entries[key] = e
		return domain.WindowState{Count: 1, WindowStart: now}, true, nil
	}

	if e.count < limit.MaxRequests {
		e.count++
		return domain.WindowState{Count: e.count, WindowStart: e.windowStart}, true, nil
	}

	return domain.WindowState{Count: e.count, WindowStart: e.windowStart}, false, nil
}

func (s *Storage) Delete(_ context.Context, key domain.BucketKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// SweepExpired removes entries whose window ended more than the grace period
// ago. It collects candidates first and deletes them in a second pass, so the
// lock is never held for the scan and the deletions at once.
func (s *Storage) SweepExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	var stale []domain.BucketKey
	for key, e := range s.entries {
		if now.Sub(e.windowStart) > e.window+s.grace {
			stale = append(stale, key)
		}
	}
	s.mu.Unlock()

	if len(stale) == 0 {
		return 0, nil
	}

	removed := 0
	s.mu.Lock()
	for _, key := range stale {
		e, ok := s.entries[key]
		if !ok || now.Sub(e.windowStart) <= e.window+s.grace {
			// reset between the two passes, keep it
			continue
		}
		delete(s.entries, key)
		removed++
	}
	s.mu.Unlock()

	return removed, nil
}

package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mohamedwys/rate-limiter/internal/core/domain"
)

func minuteLimit(namespace string, max int) domain.Limit {
	return domain.Limit{
		Namespace:   namespace,
		MaxRequests: max,
		Window:      time.Minute,
		Message:     "too many requests",
	}
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	store := newMockStore()
	start := time.Unix(1_700_000_000, 0)
	service := newTestLimiter(t, store, WithClock(func() time.Time { return start }))

	ctx := context.Background()
	limit := minuteLimit("api", 3)

	for i := 0; i < 3; i++ {
		decision, err := service.Allow(ctx, "1.2.3.4", limit)
		if err != nil {
			t.Fatalf("unexpected error at attempt %d: %v", i+1, err)
		}
		if !decision.Allowed {
			t.Fatalf("expected request %d to be allowed", i+1)
		}
		if want := 3 - (i + 1); decision.Remaining != want {
			t.Fatalf("expected remaining %d after request %d, got %d", want, i+1, decision.Remaining)
		}
		if decision.Limit != 3 {
			t.Fatalf("expected limit 3, got %d", decision.Limit)
		}
		if !decision.ResetAt.Equal(start.Add(time.Minute)) {
			t.Fatalf("expected reset at %v, got %v", start.Add(time.Minute), decision.ResetAt)
		}
	}
}

func TestRateLimiter_DeniesWhenExhausted(t *testing.T) {
	store := newMockStore()
	start := time.Unix(1_700_000_000, 0)
	service := newTestLimiter(t, store, WithClock(func() time.Time { return start }))

	ctx := context.Background()
	limit := minuteLimit("api", 3)

	for i := 0; i < 3; i++ {
		if _, err := service.Allow(ctx, "1.2.3.4", limit); err != nil {
			t.Fatalf("unexpected error on warmup %d: %v", i+1, err)
		}
	}

	decision, err := service.Allow(ctx, "1.2.3.4", limit)
	if err != nil {
		t.Fatalf("unexpected error on denied request: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected fourth request to be denied")
	}
	if decision.Remaining != 0 {
		t.Fatalf("expected remaining 0, got %d", decision.Remaining)
	}
	if decision.RetryAfterSeconds() != 60 {
		t.Fatalf("expected retry after 60s, got %d", decision.RetryAfterSeconds())
	}
	if decision.Namespace != "api" || decision.Message != "too many requests" {
		t.Fatalf("expected denial detail from the limit, got %+v", decision)
	}
}

func TestRateLimiter_FreshWindowAfterExpiry(t *testing.T) {
	store := newMockStore()
	now := time.Unix(1_700_000_000, 0)
	service := newTestLimiter(t, store, WithClock(func() time.Time { return now }))

	ctx := context.Background()
	limit := minuteLimit("api", 3)

	for i := 0; i < 4; i++ {
		if _, err := service.Allow(ctx, "1.2.3.4", limit); err != nil {
			t.Fatalf("unexpected error on warmup %d: %v", i+1, err)
		}
	}

	// One millisecond past the window boundary a fresh window begins.
	now = now.Add(time.Minute + time.Millisecond)
	decision, err := service.Allow(ctx, "1.2.3.4", limit)
	if err != nil {
		t.Fatalf("unexpected error after expiry: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected request in the new window to be allowed")
	}
	if decision.Remaining != 2 {
		t.Fatalf("expected fresh window with count 1 (remaining 2), got remaining %d", decision.Remaining)
	}
	if !decision.ResetAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected reset at %v, got %v", now.Add(time.Minute), decision.ResetAt)
	}
}

func TestRateLimiter_CompositeKeepsEarlierIncrements(t *testing.T) {
	store := newMockStore()
	start := time.Unix(1_700_000_000, 0)
	service := newTestLimiter(t, store, WithClock(func() time.Time { return start }))

	ctx := context.Background()
	minute := minuteLimit("minute", 5)
	hour := domain.Limit{Namespace: "hour", MaxRequests: 10, Window: time.Hour, Message: "hourly budget exhausted"}

	for i := 0; i < 5; i++ {
		decision, err := service.Allow(ctx, "1.2.3.4", minute, hour)
		if err != nil || !decision.Allowed {
			t.Fatalf("expected request %d to pass both limits, decision=%+v err=%v", i+1, decision, err)
		}
	}

	// The sixth request dies on the minute limit even though the hourly
	// budget still has room.
	decision, err := service.Allow(ctx, "1.2.3.4", minute, hour)
	if err != nil {
		t.Fatalf("unexpected error on sixth request: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected sixth request to be denied")
	}
	if decision.Namespace != "minute" {
		t.Fatalf("expected denial from the minute limit, got %q", decision.Namespace)
	}
	if decision.Message != "too many requests" {
		t.Fatalf("expected the minute limit's message, got %q", decision.Message)
	}

	// The hourly bucket was not consulted for the denied request and the five
	// earlier increments were not rolled back.
	if got := store.count(domain.NewBucketKey("hour", "1.2.3.4")); got != 5 {
		t.Fatalf("expected hourly count to stay at 5, got %d", got)
	}
	if got := store.count(domain.NewBucketKey("minute", "1.2.3.4")); got != 5 {
		t.Fatalf("expected minute count to stay at 5, got %d", got)
	}
}

func TestRateLimiter_TightestRemainingWins(t *testing.T) {
	store := newMockStore()
	service := newTestLimiter(t, store)

	decision, err := service.Allow(context.Background(), "1.2.3.4", minuteLimit("wide", 10), minuteLimit("narrow", 3))
	if err != nil || !decision.Allowed {
		t.Fatalf("expected allow, decision=%+v err=%v", decision, err)
	}
	if decision.Namespace != "narrow" || decision.Remaining != 2 || decision.Limit != 3 {
		t.Fatalf("expected the narrow limit to define the headroom, got %+v", decision)
	}
}

func TestRateLimiter_NamespaceIsolation(t *testing.T) {
	store := newMockStore()
	service := newTestLimiter(t, store)

	ctx := context.Background()

	if decision, err := service.Allow(ctx, "1.2.3.4", minuteLimit("a", 1)); err != nil || !decision.Allowed {
		t.Fatalf("expected first request under namespace a to pass, decision=%+v err=%v", decision, err)
	}
	if decision, err := service.Allow(ctx, "1.2.3.4", minuteLimit("b", 1)); err != nil || !decision.Allowed {
		t.Fatalf("expected namespace b to have its own bucket, decision=%+v err=%v", decision, err)
	}
	if decision, err := service.Allow(ctx, "1.2.3.4", minuteLimit("a", 1)); err != nil || decision.Allowed {
		t.Fatalf("expected namespace a to be exhausted, decision=%+v err=%v", decision, err)
	}
}

func TestRateLimiter_InvalidLimitDeniesAll(t *testing.T) {
	store := newMockStore()
	sink := &mockSink{}
	logs := &capturingHandler{}
	service := newTestLimiter(t, store,
		WithDenialSink(sink),
		WithLogger(slog.New(logs)))

	ctx := context.Background()
	broken := domain.Limit{Namespace: "broken", MaxRequests: 0, Window: time.Minute, Message: "misconfigured"}

	for i := 0; i < 3; i++ {
		decision, err := service.Allow(ctx, "1.2.3.4", broken)
		if err != nil {
			t.Fatalf("invalid limit must deny, not error: %v", err)
		}
		if decision.Allowed {
			t.Fatalf("expected request %d under a broken limit to be denied", i+1)
		}
	}

	if got := logs.countLevel(slog.LevelError); got != 1 {
		t.Fatalf("expected the broken limit to be logged once, got %d error records", got)
	}
	if got := len(sink.recorded()); got != 3 {
		t.Fatalf("expected 3 denials in the sink, got %d", got)
	}
	if store.calls() != 0 {
		t.Fatalf("expected the store to stay untouched for invalid limits, got %d calls", store.calls())
	}
}

func TestRateLimiter_DenialSinkNotified(t *testing.T) {
	store := newMockStore()
	sink := &mockSink{err: errors.New("sink down")}
	now := time.Unix(1_700_000_000, 0)
	service := newTestLimiter(t, store,
		WithDenialSink(sink),
		WithClock(func() time.Time { return now }))

	ctx := context.Background()
	limit := minuteLimit("api", 1)

	if _, err := service.Allow(ctx, "shop.example.com", limit); err != nil {
		t.Fatalf("unexpected error on warmup: %v", err)
	}

	decision, err := service.Allow(ctx, "shop.example.com", limit)
	if err != nil {
		t.Fatalf("a failing sink must not surface as an error: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected denial")
	}

	denials := sink.recorded()
	if len(denials) != 1 {
		t.Fatalf("expected exactly one denial event, got %d", len(denials))
	}
	if d := denials[0]; d.Identifier != "shop.example.com" || d.Namespace != "api" || !d.At.Equal(now) {
		t.Fatalf("unexpected denial event: %+v", d)
	}
}

func TestRateLimiter_StoreErrorWrapped(t *testing.T) {
	store := newMockStore()
	store.failWith(errors.New("backend gone"))
	service := newTestLimiter(t, store)

	if _, err := service.Allow(context.Background(), "1.2.3.4", minuteLimit("api", 3)); err == nil {
		t.Fatalf("expected a store failure to surface")
	}
}

func TestRateLimiter_EmptyIdentifierRejected(t *testing.T) {
	service := newTestLimiter(t, newMockStore())

	if _, err := service.Allow(context.Background(), "   ", minuteLimit("api", 3)); err == nil {
		t.Fatalf("expected an error for a blank identifier")
	}
}

func TestRateLimiter_NoLimitsAllows(t *testing.T) {
	service := newTestLimiter(t, newMockStore())

	decision, err := service.Allow(context.Background(), "1.2.3.4")
	if err != nil || !decision.Allowed {
		t.Fatalf("expected a limitless request to pass, decision=%+v err=%v", decision, err)
	}
}

func TestNewRateLimiterService_RequiresStore(t *testing.T) {
	if _, err := NewRateLimiterService(nil); err == nil {
		t.Fatalf("expected an error for a nil store")
	}
}

// newTestLimiter is a helper that fails the test immediately if creation fails.
func newTestLimiter(t *testing.T, store *mockStore, opts ...Option) *RateLimiterService {
	t.Helper()
	service, err := NewRateLimiterService(store, opts...)
	if err != nil {
		t.Fatalf("failed to create rate limiter service: %v", err)
	}
	return service
}

type mockStore struct {
	mu        sync.Mutex
	counts    map[domain.BucketKey]int
	starts    map[domain.BucketKey]time.Time
	callCount int
	err       error
}

func newMockStore() *mockStore {
	return &mockStore{
		counts: make(map[domain.BucketKey]int),
		starts: make(map[domain.BucketKey]time.Time),
	}
}

func (m *mockStore) failWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *mockStore) count(key domain.BucketKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

func (m *mockStore) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

func (m *mockStore) Get(_ context.Context, key domain.BucketKey) (domain.WindowState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start, ok := m.starts[key]
	if !ok {
		return domain.WindowState{}, false, nil
	}
	return domain.WindowState{Count: m.counts[key], WindowStart: start}, true, nil
}

func (m *mockStore) CheckAndIncrement(_ context.Context, key domain.BucketKey, limit domain.Limit, now time.Time) (domain.WindowState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return domain.WindowState{}, false, m.err
	}
	m.callCount++

	start, ok := m.starts[key]
	if !ok || now.Sub(start) >= limit.Window {
		m.starts[key] = now
		m.counts[key] = 1
		return domain.WindowState{Count: 1, WindowStart: now}, true, nil
	}
	if m.counts[key] < limit.MaxRequests {
		m.counts[key]++
		return domain.WindowState{Count: m.counts[key], WindowStart: start}, true, nil
	}
	return domain.WindowState{Count: m.counts[key], WindowStart: start}, false, nil
}

func (m *mockStore) Delete(_ context.Context, key domain.BucketKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.counts, key)
	delete(m.starts, key)
	return nil
}

func (m *mockStore) SweepExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

type mockSink struct {
	mu      sync.Mutex
	denials []domain.Denial
	err     error
}

func (m *mockSink) RecordDenial(_ context.Context, denial domain.Denial) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.denials = append(m.denials, denial)
	return m.err
}

func (m *mockSink) recorded() []domain.Denial {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Denial, len(m.denials))
	copy(out, m.denials)
	return out
}

// capturingHandler keeps every slog record so tests can count log events.
type capturingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *capturingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *capturingHandler) Handle(_ context.Context, record slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, record)
	return nil
}

func (h *capturingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h *capturingHandler) WithGroup(string) slog.Handler { return h }

func (h *capturingHandler) countLevel(level slog.Level) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, record := range h.records {
		if record.Level == level {
			n++
		}
	}
	return n
}

// Package redis provides the WindowStore implementation backed by Redis.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mohamedwys/rate-limiter/internal/core/domain"
	"github.com/mohamedwys/rate-limiter/internal/core/ports"
)

const defaultGrace = 5 * time.Minute

// checkAndIncrementScript runs the whole fixed-window decision on the server
// so concurrent clients cannot interleave between read and write. It returns
// {allowed, count, windowStartMs}.
//
// KEYS[1] bucket key
// ARGV[1] max requests
// ARGV[2] window in milliseconds
// ARGV[3] now in milliseconds
// ARGV[4] key TTL in milliseconds (window plus grace)
var checkAndIncrementScript = redis.NewScript(`
local start = tonumber(redis.call('HGET', KEYS[1], 'start') or '-1')
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

if start < 0 or now - start >= window then
  redis.call('HSET', KEYS[1], 'count', 1, 'start', now)
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
  return {1, 1, now}
end

local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
if count < tonumber(ARGV[1]) then
  count = redis.call('HINCRBY', KEYS[1], 'count', 1)
  return {1, count, start}
end

return {0, count, start}
`)

type Storage struct {
	client *redis.Client
	grace  time.Duration
}

var _ ports.WindowStore = (*Storage)(nil)

type Config struct {
	Addr     string
	Password string
	DB       int
}

type Option func(*Storage)

// WithGrace sets how long a window key outlives its window. The grace is
// folded into the key TTL, so expired state disappears without sweeping.
func WithGrace(grace time.Duration) Option {
	return func(s *Storage) {
		if grace >= 0 {
			s.grace = grace
		}
	}
}

func New(cfg Config, opts ...Option) (*Storage, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	s := &Storage{client: client, grace: defaultGrace}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) Get(ctx context.Context, key domain.BucketKey) (domain.WindowState, bool, error) {
	values, err := s.client.HMGet(ctx, string(key), "count", "start").Result()
	if err != nil {
		return domain.WindowState{}, false, fmt.Errorf("redis hmget failed: %w", err)
	}

	count, ok := parseField(values[0])
	if !ok {
		return domain.WindowState{}, false, nil
	}
	start, ok := parseField(values[1])
	if !ok {
		return domain.WindowState{}, false, nil
	}

	return domain.WindowState{Count: int(count), WindowStart: time.UnixMilli(start)}, true, nil
}

func (s *Storage) CheckAndIncrement(ctx context.Context, key domain.BucketKey, limit domain.Limit, now time.Time) (domain.WindowState, bool, error) {
	ttl := limit.Window + s.grace

	res, err := checkAndIncrementScript.Run(ctx, s.client, []string{string(key)},
		limit.MaxRequests, limit.Window.Milliseconds(), now.UnixMilli(), ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return domain.WindowState{}, false, fmt.Errorf("redis eval failed: %w", err)
	}
	if len(res) != 3 {
		return domain.WindowState{}, false, fmt.Errorf("unexpected script reply length: %d", len(res))
	}

	state := domain.WindowState{Count: int(res[1]), WindowStart: time.UnixMilli(res[2])}
	return state, res[0] == 1, nil
}

func (s *Storage) Delete(ctx context.Context, key domain.BucketKey) error {
	if err := s.client.Del(ctx, string(key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// SweepExpired reports nothing to do: every key carries a TTL of window plus
// grace set when its window opens, so Redis evicts stale state on its own.
func (s *Storage) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

// parseField converts one HMGET reply entry. Redis answers nil for missing
// hash fields and decimal strings otherwise.
func parseField(v any) (int64, bool) {
	str, ok := v.(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

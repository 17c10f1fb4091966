package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// checkScript increments the counter only while it is below the limit, and
// starts a fresh window when the key is missing or has lost its TTL.
// Returns {allowed, count, pttl}.
var checkScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local ttl = redis.call('PTTL', KEYS[1])
if count == 0 or ttl < 0 then
  redis.call('SET', KEYS[1], 1, 'PX', window)
  return {1, 1, window}
end
if count >= limit then
  return {0, count, ttl}
end
count = redis.call('INCR', KEYS[1])
return {1, count, ttl}
`)

// RedisStore shares buckets across instances. Expiry is delegated to Redis
// key TTLs, so no sweeping is needed.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// RedisOption customizes a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the namespace for bucket keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

// NewRedisStore builds a store on top of an existing client.
func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{rdb: rdb, prefix: "ratelimit:bucket", now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Check implements Store.
func (s *RedisStore) Check(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	if limit <= 0 {
		return Result{Allowed: false, Remaining: 0, Limit: limit}, nil
	}
	windowMS := window.Milliseconds()
	if windowMS <= 0 {
		windowMS = 1
	}

	raw, err := checkScript.Run(ctx, s.rdb, []string{s.prefix + ":" + key}, limit, windowMS).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit script: %w", err)
	}
	if len(raw) != 3 {
		return Result{}, fmt.Errorf("ratelimit script: unexpected reply %v", raw)
	}

	count := int(raw[1])
	res := Result{
		Allowed: raw[0] == 1,
		Limit:   limit,
		ResetAt: s.now().Add(time.Duration(raw[2]) * time.Millisecond),
	}
	if res.Allowed {
		res.Remaining = remaining(limit, count)
	}
	return res, nil
}

package billing

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// completeScript records an event id, drops its in-flight lock and trims the
// oldest entries once the set grows past the limit.
//
// KEYS[1] processed zset, KEYS[2] in-flight lock
// ARGV[1] event id, ARGV[2] score, ARGV[3] limit, ARGV[4] evict count
var completeScript = redis.NewScript(`
redis.call("ZADD", KEYS[1], "NX", ARGV[2], ARGV[1])
redis.call("DEL", KEYS[2])
local size = redis.call("ZCARD", KEYS[1])
if size > tonumber(ARGV[3]) then
  redis.call("ZREMRANGEBYRANK", KEYS[1], 0, tonumber(ARGV[4]) - 1)
end
return size
`)

// RedisProcessedEvents shares the processed-event record across instances.
type RedisProcessedEvents struct {
	client  redis.UniversalClient
	setKey  string
	lockKey string
	lockTTL time.Duration
	limit   int
	evict   int
	now     func() time.Time
}

// NewRedisProcessedEvents builds a Redis-backed record. lockTTL bounds how long
// a crashed instance can hold an event in flight.
func NewRedisProcessedEvents(client redis.UniversalClient, limit, evict int, lockTTL time.Duration) *RedisProcessedEvents {
	limit, evict = normalizeBounds(limit, evict)
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &RedisProcessedEvents{
		client:  client,
		setKey:  "billing:processed",
		lockKey: "billing:inflight:",
		lockTTL: lockTTL,
		limit:   limit,
		evict:   evict,
		now:     time.Now,
	}
}

// Claim implements ProcessedEvents.
func (r *RedisProcessedEvents) Claim(ctx context.Context, eventID string) (ClaimResult, error) {
	done, err := r.isDone(ctx, eventID)
	if err != nil {
		return 0, err
	}
	if done {
		return ClaimDuplicate, nil
	}

	ok, err := r.client.SetNX(ctx, r.lockKey+eventID, 1, r.lockTTL).Result()
	if err != nil {
		return 0, err
	}
	if !ok {
		return ClaimInFlight, nil
	}

	// Another instance may have completed between the check and the lock.
	done, err = r.isDone(ctx, eventID)
	if err != nil {
		_ = r.client.Del(ctx, r.lockKey+eventID).Err()
		return 0, err
	}
	if done {
		_ = r.client.Del(ctx, r.lockKey+eventID).Err()
		return ClaimDuplicate, nil
	}
	return ClaimAcquired, nil
}

// Complete implements ProcessedEvents.
func (r *RedisProcessedEvents) Complete(ctx context.Context, eventID string) error {
	return completeScript.Run(ctx, r.client,
		[]string{r.setKey, r.lockKey + eventID},
		eventID, r.now().UnixNano(), r.limit, r.evict,
	).Err()
}

// Release implements ProcessedEvents.
func (r *RedisProcessedEvents) Release(ctx context.Context, eventID string) error {
	return r.client.Del(ctx, r.lockKey+eventID).Err()
}

// Len implements ProcessedEvents.
func (r *RedisProcessedEvents) Len(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, r.setKey).Result()
	return int(n), err
}

func (r *RedisProcessedEvents) isDone(ctx context.Context, eventID string) (bool, error) {
	err := r.client.ZScore(ctx, r.setKey, eventID).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

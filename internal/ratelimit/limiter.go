// Package ratelimit implements per-key fixed-window request budgets.
//
// A bucket is created on the first request for a key and replaced once its
// window has elapsed. Stores are pluggable: MemoryStore for a single process,
// RedisStore when several instances must share the same budgets.
package ratelimit

import (
	"context"
	"time"
)

// Result is the outcome of a single Check.
type Result struct {
	Allowed   bool
	Remaining int
	Limit     int
	ResetAt   time.Time
}

// Store decides whether one more request for key fits into the window.
type Store interface {
	Check(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

// Key builds the bucket key for a user on a route.
func Key(userID, route string) string {
	return route + ":" + userID
}

func remaining(limit, count int) int {
	if count >= limit {
		return 0
	}
	return limit - count
}

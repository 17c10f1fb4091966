package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps buckets in process memory. Each bucket carries its own
// mutex so unrelated keys never contend.
type MemoryStore struct {
	buckets sync.Map // map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
	// dead is set by Sweep after the bucket has been removed from the map.
	dead bool
}

// MemoryOption customizes a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Check implements Store.
func (s *MemoryStore) Check(_ context.Context, key string, limit int, window time.Duration) (Result, error) {
	if limit <= 0 {
		return Result{Allowed: false, Remaining: 0, Limit: limit}, nil
	}
	for {
		val, ok := s.buckets.Load(key)
		if !ok {
			val, _ = s.buckets.LoadOrStore(key, &bucket{})
		}
		b := val.(*bucket)

		b.mu.Lock()
		if b.dead {
			// Swept between Load and Lock; retry on the replacement.
			b.mu.Unlock()
			continue
		}
		now := s.now()
		if b.count == 0 || !now.Before(b.resetAt) {
			b.count = 1
			b.resetAt = now.Add(window)
			res := Result{Allowed: true, Remaining: limit - 1, Limit: limit, ResetAt: b.resetAt}
			b.mu.Unlock()
			return res, nil
		}
		if b.count >= limit {
			res := Result{Allowed: false, Remaining: 0, Limit: limit, ResetAt: b.resetAt}
			b.mu.Unlock()
			return res, nil
		}
		b.count++
		res := Result{Allowed: true, Remaining: remaining(limit, b.count), Limit: limit, ResetAt: b.resetAt}
		b.mu.Unlock()
		return res, nil
	}
}

// Sweep removes buckets whose window has elapsed and returns how many were dropped.
func (s *MemoryStore) Sweep() int {
	now := s.now()
	removed := 0
	s.buckets.Range(func(key, value any) bool {
		if s.drop(key, value.(*bucket), now) {
			removed++
		}
		return true
	})
	return removed
}

// drop removes b under key if its window has elapsed. A bucket already
// dropped by an overlapping sweep is left alone, since key may now hold a
// replacement.
func (s *MemoryStore) drop(key any, b *bucket, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dead || now.Before(b.resetAt) {
		return false
	}
	b.dead = true
	s.buckets.Delete(key)
	return true
}

// Len returns the number of live buckets.
func (s *MemoryStore) Len() int {
	n := 0
	s.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

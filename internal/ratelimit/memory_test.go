package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func TestMemoryStore_FivePerMinute(t *testing.T) {
	clock := newClock()
	s := NewMemoryStore(WithClock(clock.Now))
	ctx := context.Background()
	key := Key("11111111-1111-1111-1111-111111111111", "avatar")

	for want := 4; want >= 0; want-- {
		res, err := s.Check(ctx, key, 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, want, res.Remaining)
	}

	res, err := s.Check(ctx, key, 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)

	clock.Advance(time.Minute)
	res, err = s.Check(ctx, key, 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining)
}

func TestMemoryStore_KeysAreIndependent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	res, err := s.Check(ctx, Key("u1", "story"), 1, time.Minute)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = s.Check(ctx, Key("u1", "avatar"), 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = s.Check(ctx, Key("u2", "story"), 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestMemoryStore_ConcurrentChecksNeverOverAdmit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	const limit = 50

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 400; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Check(ctx, "hot", limit, time.Hour)
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), allowed.Load())
}

func TestMemoryStore_ConcurrentChecksWithSweeps(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	const limit = 30

	var allowed atomic.Int64
	var wg sync.WaitGroup
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				s.Sweep()
			}
		}
	}()
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Check(ctx, "hot", limit, time.Hour)
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	close(stop)

	// Live buckets are never swept, so the hour-long window caps admissions.
	assert.Equal(t, int64(limit), allowed.Load())
}

func TestMemoryStore_SweepDropsExpiredBuckets(t *testing.T) {
	clock := newClock()
	s := NewMemoryStore(WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := s.Check(ctx, Key(string(rune('a'+i)), "avatar"), 5, time.Minute)
		require.NoError(t, err)
	}
	_, err := s.Check(ctx, Key("late", "avatar"), 5, 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 11, s.Len())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 10, s.Sweep())
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_StaleSweepKeepsReplacementBucket(t *testing.T) {
	clock := newClock()
	s := NewMemoryStore(WithClock(clock.Now))
	ctx := context.Background()

	_, err := s.Check(ctx, "k", 5, time.Minute)
	require.NoError(t, err)
	val, ok := s.buckets.Load("k")
	require.True(t, ok)
	stale := val.(*bucket)

	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, s.Sweep())

	for i := 0; i < 3; i++ {
		_, err = s.Check(ctx, "k", 5, time.Minute)
		require.NoError(t, err)
	}

	// A second sweep still holding the old pointer must not evict the replacement.
	assert.False(t, s.drop("k", stale, clock.Now()))
	require.Equal(t, 1, s.Len())
	res, err := s.Check(ctx, "k", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Remaining)
}

func TestMemoryStore_ZeroLimitRejects(t *testing.T) {
	s := NewMemoryStore()
	res, err := s.Check(context.Background(), "k", 0, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

package ratelimit_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accounts/backend/internal/infrastructure/ratelimit"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newMemoryBucket(t *testing.T, cfg ratelimit.Config) (*ratelimit.Bucket, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := ratelimit.NewMemoryStore(ratelimit.WithCleanupInterval(0), ratelimit.WithClock(clk.Now))
	t.Cleanup(store.Close)

	b, err := ratelimit.NewBucket(store, cfg)
	require.NoError(t, err)
	return b, clk
}

func TestNewBucketRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	store := ratelimit.NewMemoryStore(ratelimit.WithCleanupInterval(0))
	defer store.Close()

	for _, cfg := range []ratelimit.Config{
		{Capacity: 0, RefillRate: 1, RefillInterval: time.Second},
		{Capacity: 1, RefillRate: 0, RefillInterval: time.Second},
		{Capacity: 1, RefillRate: 1},
	} {
		_, err := ratelimit.NewBucket(store, cfg)
		assert.ErrorIs(t, err, ratelimit.ErrInvalidConfig, "%+v", cfg)
	}
}

func TestMemoryBucketExhaustsAndRefills(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, clk := newMemoryBucket(t, ratelimit.Config{Capacity: 3, RefillRate: 1, RefillInterval: time.Minute})

	for i := 2; i >= 0; i-- {
		res, err := b.Allow(ctx, "ip")
		require.NoError(t, err)
		assert.True(t, res.Allowed())
		assert.Equal(t, i, res.Remaining)
		assert.Equal(t, 3, res.Limit)
	}

	res, err := b.Allow(ctx, "ip")
	require.NoError(t, err)
	assert.False(t, res.Allowed())
	assert.Equal(t, time.Minute, res.RetryAfter(clk.Now()))

	// Denied requests do not dig the bucket deeper.
	res, err = b.Allow(ctx, "ip")
	require.NoError(t, err)
	assert.Equal(t, -1, res.Remaining)

	other, err := b.Allow(ctx, "other-ip")
	require.NoError(t, err)
	assert.True(t, other.Allowed())

	clk.Advance(time.Minute)
	res, err = b.Allow(ctx, "ip")
	require.NoError(t, err)
	assert.True(t, res.Allowed())
	assert.Equal(t, 0, res.Remaining)

	clk.Advance(24 * time.Hour)
	res, err = b.Allow(ctx, "ip")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Remaining, "refill is capped at capacity")

	require.NoError(t, b.Reset(ctx, "ip"))
	res, err = b.Allow(ctx, "ip")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Remaining)
}

func TestMemoryBucketConcurrent(t *testing.T) {
	t.Parallel()

	b, _ := newMemoryBucket(t, ratelimit.Config{Capacity: 50, RefillRate: 1, RefillInterval: time.Hour})

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				res, err := b.Allow(context.Background(), "shared")
				if err == nil && res.Allowed() {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 50, allowed.Load())
}

func TestRedisBucket(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}

	ctx := context.Background()
	client, err := ratelimit.ConnectRedis(ctx, url, 1, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, ratelimit.RedisHealthcheck(client)(ctx))

	prefix := fmt.Sprintf("test:ratelimit:%d:", time.Now().UnixNano())
	b, err := ratelimit.NewBucket(ratelimit.NewRedisStore(client, prefix),
		ratelimit.Config{Capacity: 2, RefillRate: 1, RefillInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Reset(ctx, "ip") })

	for want := 1; want >= 0; want-- {
		res, err := b.Allow(ctx, "ip")
		require.NoError(t, err)
		assert.Equal(t, want, res.Remaining)
	}

	res, err := b.Allow(ctx, "ip")
	require.NoError(t, err)
	assert.False(t, res.Allowed())
	assert.True(t, res.ResetAt.After(time.Now()))

	require.NoError(t, b.Reset(ctx, "ip"))
	res, err = b.Allow(ctx, "ip")
	require.NoError(t, err)
	assert.True(t, res.Allowed())
}

func TestConnectRedisBadURL(t *testing.T) {
	t.Parallel()

	_, err := ratelimit.ConnectRedis(context.Background(), "not a url", 1, 0)
	assert.Error(t, err)
}

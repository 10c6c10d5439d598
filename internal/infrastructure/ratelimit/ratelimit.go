// Package ratelimit throttles requests with a token bucket kept in memory or
// in Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidConfig is returned for non-positive bucket parameters.
	ErrInvalidConfig = errors.New("invalid rate limit configuration")
	// ErrStoreUnavailable wraps backend failures.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")
)

// Config describes a token bucket.
type Config struct {
	Capacity       int
	RefillRate     int
	RefillInterval time.Duration
}

func (c Config) validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidConfig, c.Capacity)
	}
	if c.RefillRate <= 0 {
		return fmt.Errorf("%w: refill rate must be positive, got %d", ErrInvalidConfig, c.RefillRate)
	}
	if c.RefillInterval <= 0 {
		return fmt.Errorf("%w: refill interval must be positive, got %v", ErrInvalidConfig, c.RefillInterval)
	}
	return nil
}

// Result reports the bucket state after a request.
type Result struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Allowed reports whether the request fit in the bucket.
func (r Result) Allowed() bool {
	return r.Remaining >= 0
}

// RetryAfter is the wait until the next refill, zero when allowed.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if r.Allowed() {
		return 0
	}
	return max(r.ResetAt.Sub(now), 0)
}

// Store keeps bucket state. A denied request leaves the bucket untouched and
// reports a negative remaining count.
type Store interface {
	ConsumeTokens(ctx context.Context, key string, tokens int, cfg Config) (remaining int, resetAt time.Time, err error)
	Reset(ctx context.Context, key string) error
}

// Bucket applies one Config to many keys.
type Bucket struct {
	store  Store
	config Config
}

// NewBucket validates cfg and binds it to store.
func NewBucket(store Store, cfg Config) (*Bucket, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Bucket{store: store, config: cfg}, nil
}

// Allow consumes one token for key.
func (b *Bucket) Allow(ctx context.Context, key string) (Result, error) {
	remaining, resetAt, err := b.store.ConsumeTokens(ctx, key, 1, b.config)
	if err != nil {
		return Result{}, err
	}
	return Result{Limit: b.config.Capacity, Remaining: remaining, ResetAt: resetAt}, nil
}

// Reset forgets the state of key.
func (b *Bucket) Reset(ctx context.Context, key string) error {
	return b.store.Reset(ctx, key)
}

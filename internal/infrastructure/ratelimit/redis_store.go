package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisNotReady is returned when no connection could be established.
var ErrRedisNotReady = errors.New("redis did not become ready")

// The bucket lives in a hash {tokens, refilled}. Time comes from the server
// so every instance sees the same clock.
var consumeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local interval = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)

local state = redis.call('HMGET', KEYS[1], 'tokens', 'refilled')
local tokens = tonumber(state[1])
local refilled = tonumber(state[2])
if tokens == nil or refilled == nil then
  tokens = capacity
  refilled = now
end

local intervals = math.floor((now - refilled) / interval)
if intervals > 0 then
  tokens = math.min(tokens + intervals * rate, capacity)
  refilled = now
end

local remaining = tokens - cost
if remaining >= 0 then
  tokens = remaining
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'refilled', refilled)
redis.call('PEXPIRE', KEYS[1], (math.ceil(capacity / rate) + 1) * interval)
return {remaining, refilled + interval}
`)

// RedisStore keeps buckets in Redis so limits hold across instances.
type RedisStore struct {
	client redis.Scripter
	prefix string
}

// NewRedisStore namespaces keys with prefix.
func NewRedisStore(client redis.Scripter, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// ConsumeTokens implements Store.
func (s *RedisStore) ConsumeTokens(ctx context.Context, key string, tokens int, cfg Config) (int, time.Time, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{s.prefix + key},
		cfg.Capacity, cfg.RefillRate, cfg.RefillInterval.Milliseconds(), tokens,
	).Int64Slice()
	if err != nil {
		return 0, time.Time{}, errors.Join(ErrStoreUnavailable, err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("%w: unexpected script reply %v", ErrStoreUnavailable, res)
	}
	return int(res[0]), time.UnixMilli(res[1]), nil
}

// Reset implements Store.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	client, ok := s.client.(redis.Cmdable)
	if !ok {
		return fmt.Errorf("%w: client cannot delete keys", ErrStoreUnavailable)
	}
	if err := client.Del(ctx, s.prefix+key).Err(); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

// ConnectRedis parses url and pings the server, retrying on failure.
func ConnectRedis(ctx context.Context, url string, attempts int, interval time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	var lastErr error
	for i := range max(attempts, 1) {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.Join(ErrRedisNotReady, ctx.Err())
			case <-time.After(interval):
			}
		}

		client := redis.NewClient(opts)
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return client, nil
		}
		_ = client.Close()
	}
	return nil, errors.Join(ErrRedisNotReady, lastErr)
}

// RedisHealthcheck pings client.
func RedisHealthcheck(client redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return errors.Join(ErrStoreUnavailable, err)
		}
		return nil
	}
}

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments the window counter and arms expiry atomically.
// PTTL can report -1 if expiry was lost (e.g. a crashed PEXPIRE); the
// script re-arms it so a key can never live forever.
var incrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisCounter is a Counter backed by redis, shared across instances.
type RedisCounter struct {
	client redis.UniversalClient
}

// NewRedisCounter wraps an existing redis client.
func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client}
}

// NewRedisCounterFromURL connects to redis and verifies the connection.
func NewRedisCounterFromURL(ctx context.Context, url string) (*RedisCounter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &RedisCounter{client: client}, nil
}

// Incr implements Counter.
func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	vals, err := incrScript.Run(ctx, c.client, []string{key}, window.Milliseconds()).Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("running counter script: %w", err)
	}
	if len(vals) != 2 {
		return 0, 0, fmt.Errorf("counter script returned %d values, want 2", len(vals))
	}

	count, ok := vals[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("counter script count has type %T", vals[0])
	}
	ttlMillis, ok := vals[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("counter script ttl has type %T", vals[1])
	}

	return count, time.Duration(ttlMillis) * time.Millisecond, nil
}

// Close releases the underlying redis client.
func (c *RedisCounter) Close() error {
	return c.client.Close()
}

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// admitScript starts, rejects, or increments a window in one server-side
// step. Returns {admitted, count}.
var admitScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
  redis.call('SET', KEYS[1], 1, 'EX', ARGV[2])
  return {1, 1}
end
current = tonumber(current)
if current >= tonumber(ARGV[1]) then
  return {0, current}
end
return {1, redis.call('INCR', KEYS[1])}
`)

// incrScript increments and sets the expiry on the first increment only.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisCounter is a Counter backed by Redis.
type RedisCounter struct {
	client redis.UniversalClient
}

var _ Counter = (*RedisCounter)(nil)

// NewRedisCounter wraps an existing client.
func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Admit(ctx context.Context, key string, max int, window time.Duration) (bool, error) {
	res, err := admitScript.Run(ctx, c.client, []string{key}, max, windowSeconds(window)).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("admit %s: %w", key, err)
	}
	if len(res) != 2 {
		return false, fmt.Errorf("admit %s: unexpected script result %v", key, res)
	}
	return res[0] == 1, nil
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := incrScript.Run(ctx, c.client, []string{key}, windowSeconds(window)).Int64()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return n, nil
}

func (c *RedisCounter) SetFlag(ctx context.Context, name string, ttl time.Duration) error {
	if err := c.client.Set(ctx, name, 1, ttl).Err(); err != nil {
		return fmt.Errorf("set flag %s: %w", name, err)
	}
	return nil
}

func (c *RedisCounter) Flag(ctx context.Context, name string) (bool, error) {
	_, err := c.client.Get(ctx, name).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get flag %s: %w", name, err)
	}
	return true, nil
}

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "accessgate:rate:"

// incrementScript resets or increments a window in one server-side step so two
// concurrent callers can never both observe the pre-increment count.
var incrementScript = redis.NewScript(`
local start = tonumber(redis.call('HGET', KEYS[1], 'start'))
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
if (not start) or (now - start >= window) then
  redis.call('HSET', KEYS[1], 'start', now, 'count', 1)
  redis.call('PEXPIRE', KEYS[1], window)
  return {1, now}
end
local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
return {count, start}
`)

// RedisStore keeps rate windows in redis so limits hold across replicas.
type RedisStore struct {
	client redis.Scripter
}

// NewRedisStore wraps a redis client.
func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client}
}

// Increment implements Store.
func (s *RedisStore) Increment(ctx context.Context, key Key, window time.Duration, now time.Time) (Window, error) {
	res, err := incrementScript.Run(ctx, s.client, []string{redisKeyPrefix + key.String()}, now.UnixMilli(), window.Milliseconds()).Int64Slice()
	if err != nil {
		return Window{}, fmt.Errorf("redis rate window: %w", err)
	}
	if len(res) != 2 {
		return Window{}, fmt.Errorf("redis rate window: unexpected reply length %d", len(res))
	}
	return Window{Count: int(res[0]), Start: time.UnixMilli(res[1]), Length: window}, nil
}

// Sweep implements Store. Redis expires windows on its own.
func (s *RedisStore) Sweep(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// ConnectRedis parses url and verifies the server is reachable.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

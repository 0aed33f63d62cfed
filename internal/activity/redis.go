package activity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "qshield:activity:"

// touchScript stores the timestamp (unix ms) only if it is newer than the
// stored one.
var touchScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false or tonumber(cur) < tonumber(ARGV[1]) then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 1
end
return 0
`)

// RedisTracker shares activity across service replicas.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTracker connects to url (redis://...) and pings it. Entries expire
// after ttl, which only needs to exceed the minimum interval.
func NewRedisTracker(ctx context.Context, url string, ttl time.Duration) (*RedisTracker, error) {
	if url == "" {
		return nil, ErrNotConfigured
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("activity: parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("activity: redis connection failed: %w", err)
	}
	return NewRedisTrackerWithClient(client, ttl), nil
}

// NewRedisTrackerWithClient wraps an existing client.
func NewRedisTrackerWithClient(client *redis.Client, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisTracker{client: client, ttl: ttl}
}

func (r *RedisTracker) Touch(ctx context.Context, addr string, t time.Time) error {
	err := touchScript.Run(ctx, r.client, []string{keyPrefix + key(addr)},
		t.UnixMilli(), r.ttl.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("activity: touch: %w", err)
	}
	return nil
}

func (r *RedisTracker) LastSeen(ctx context.Context, addr string) (time.Time, bool, error) {
	val, err := r.client.Get(ctx, keyPrefix+key(addr)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("activity: last seen: %w", err)
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("activity: corrupt entry for %s: %w", addr, err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// Ping checks the Redis connection.
func (r *RedisTracker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (r *RedisTracker) Close() error {
	return r.client.Close()
}

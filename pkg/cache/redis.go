package cache

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ErrMiss is returned by RedisCache.Get when key is absent from Redis.
var ErrMiss = errors.New("cache: redis miss")

// RedisCache is a thin read/write/invalidate wrapper over a shared
// redis/go-redis/v9 client. It is an accelerator sitting in front of an
// authoritative store, never the store itself: every caller must still be
// able to fall back to Postgres when rc is nil or a call errors, so a
// Redis outage degrades latency, never correctness.
type RedisCache struct {
	client goredis.UniversalClient
}

// NewRedisCache wraps an already-connected client.
func NewRedisCache(client goredis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

// Get returns the raw string stored at key, or ErrMiss if key is absent.
func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", ErrMiss
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Set stores value at key with ttl.
func (r *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Delete removes every key given, ignoring keys that don't exist.
func (r *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client), mr
}

func TestRedisCacheGetMissReturnsErrMiss(t *testing.T) {
	rc, _ := newTestRedisCache(t)

	_, err := rc.Get(context.Background(), "chatter:1:profile")
	if !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
}

func TestRedisCacheSetThenGetRoundTrips(t *testing.T) {
	rc, _ := newTestRedisCache(t)
	ctx := context.Background()

	if err := rc.Set(ctx, "chatter:1:profile", `{"id":"1"}`, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := rc.Get(ctx, "chatter:1:profile")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != `{"id":"1"}` {
		t.Fatalf("got %q", got)
	}
}

func TestRedisCacheDeleteRemovesKey(t *testing.T) {
	rc, _ := newTestRedisCache(t)
	ctx := context.Background()

	if err := rc.Set(ctx, "chatter:1:score", "42", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := rc.Delete(ctx, "chatter:1:score"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := rc.Get(ctx, "chatter:1:score"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss after delete, got %v", err)
	}
}

func TestRedisCacheDeleteWithNoKeysIsNoop(t *testing.T) {
	rc, _ := newTestRedisCache(t)
	if err := rc.Delete(context.Background()); err != nil {
		t.Fatalf("expected nil error for empty delete, got %v", err)
	}
}

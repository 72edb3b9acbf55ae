package authkit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestMemoryStateStoreIssueAndConsume(t *testing.T) {
	t.Parallel()
	store := NewMemoryStateStore(2 * time.Minute).(*memoryStateStore)
	store.now = func() time.Time { return time.Unix(1000, 0) }

	state, err := store.Issue(context.Background())
	if err != nil {
		t.Fatalf("issue state: %v", err)
	}
	if state == "" {
		t.Fatalf("expected state")
	}

	if err := store.Consume(context.Background(), state); err != nil {
		t.Fatalf("consume state: %v", err)
	}

	if err := store.Consume(context.Background(), state); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}
}

func TestMemoryStateStoreExpiry(t *testing.T) {
	t.Parallel()
	store := NewMemoryStateStore(time.Minute).(*memoryStateStore)
	current := time.Unix(1000, 0)
	store.now = func() time.Time { return current }

	state, err := store.Issue(context.Background())
	if err != nil {
		t.Fatalf("issue state: %v", err)
	}

	current = current.Add(2 * time.Minute)

	if err := store.Consume(context.Background(), state); !errors.Is(err, ErrStateExpired) {
		t.Fatalf("expected ErrStateExpired, got %v", err)
	}
}

func newTestRedisStateStore(t *testing.T, ttl time.Duration) (*RedisStateStore, *miniredis.Miniredis) {
	t.Helper()
	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mini.Close)

	store, err := NewRedisStateStore(context.Background(), "redis://"+mini.Addr()+"/0", ttl)
	if err != nil {
		t.Fatalf("failed to create redis state store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, mini
}

func TestRedisStateStoreIsSingleUse(t *testing.T) {
	store, mini := newTestRedisStateStore(t, 10*time.Minute)
	ctx := context.Background()

	state, err := store.Issue(ctx)
	if err != nil {
		t.Fatalf("issue state: %v", err)
	}
	if !mini.Exists(redisStateKeyPrefix + state) {
		t.Fatalf("expected state key in redis")
	}
	if ttl := mini.TTL(redisStateKeyPrefix + state); ttl != 10*time.Minute {
		t.Fatalf("expected 10m ttl, got %v", ttl)
	}

	if err := store.Consume(ctx, state); err != nil {
		t.Fatalf("consume state: %v", err)
	}
	if err := store.Consume(ctx, state); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected replay to fail with ErrStateNotFound, got %v", err)
	}
	if err := store.Consume(ctx, ""); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected empty state to fail with ErrStateNotFound, got %v", err)
	}
}

func TestRedisStateStoreExpiry(t *testing.T) {
	store, mini := newTestRedisStateStore(t, time.Minute)
	ctx := context.Background()

	state, err := store.Issue(ctx)
	if err != nil {
		t.Fatalf("issue state: %v", err)
	}
	mini.FastForward(2 * time.Minute)

	if err := store.Consume(ctx, state); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound after ttl, got %v", err)
	}
}

func TestNewRedisStateStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStateStore(context.Background(), "http://localhost:6379", time.Minute); err == nil {
		t.Fatalf("expected error for non-redis url")
	}
}

package authkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisStateKeyPrefix = "shopauth:oauth_state:"

// RedisStateStore shares OAuth state across replicas. Expiry is delegated to Redis key TTLs,
// so an expired state is reported as ErrStateNotFound.
type RedisStateStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStateStore parses redisURL (redis:// or rediss://) and verifies connectivity.
func NewRedisStateStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStateStore, error) {
	options, parseErr := redis.ParseURL(redisURL)
	if parseErr != nil {
		return nil, fmt.Errorf("oauth_state.redis.parse_url: %w", parseErr)
	}
	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("oauth_state.redis.ping: %w", pingErr)
	}
	return &RedisStateStore{client: client, ttl: ttl}, nil
}

// Issue stores a fresh state value under a TTL-bound key.
func (store *RedisStateStore) Issue(ctx context.Context) (string, error) {
	state, err := randomState()
	if err != nil {
		return "", err
	}
	if setErr := store.client.Set(ctx, redisStateKeyPrefix+state, "1", store.ttl).Err(); setErr != nil {
		return "", fmt.Errorf("oauth_state.redis.set: %w", setErr)
	}
	return state, nil
}

// Consume atomically reads and deletes the state so a replayed callback fails.
func (store *RedisStateStore) Consume(ctx context.Context, state string) error {
	if state == "" {
		return ErrStateNotFound
	}
	_, err := store.client.GetDel(ctx, redisStateKeyPrefix+state).Result()
	if errors.Is(err, redis.Nil) {
		return ErrStateNotFound
	}
	if err != nil {
		return fmt.Errorf("oauth_state.redis.getdel: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (store *RedisStateStore) Close() error {
	return store.client.Close()
}

package authkit

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

const stateTokenSize = 32

var (
	// ErrStateNotFound indicates the state was never issued or was already consumed.
	ErrStateNotFound = errors.New("oauth_state.not_found")
	// ErrStateExpired indicates the state outlived its TTL before the callback arrived.
	ErrStateExpired = errors.New("oauth_state.expired")
)

// StateStore issues one-time OAuth state values that bind a consent redirect to its callback.
type StateStore interface {
	// Issue creates a new state value with the configured TTL.
	Issue(ctx context.Context) (string, error)
	// Consume validates and invalidates an issued state value.
	Consume(ctx context.Context, state string) error
}

type memoryStateStore struct {
	mutex   sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStateStore constructs a single-process StateStore with the provided TTL.
func NewMemoryStateStore(ttl time.Duration) StateStore {
	return &memoryStateStore{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (store *memoryStateStore) Issue(ctx context.Context) (string, error) {
	state, err := randomState()
	if err != nil {
		return "", err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[state] = store.now().Add(store.ttl)
	return state, nil
}

func (store *memoryStateStore) Consume(ctx context.Context, state string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	expiry, ok := store.entries[state]
	if !ok {
		store.purgeExpiredLocked()
		return ErrStateNotFound
	}
	delete(store.entries, state)
	if store.now().After(expiry) {
		store.purgeExpiredLocked()
		return ErrStateExpired
	}
	store.purgeExpiredLocked()
	return nil
}

func (store *memoryStateStore) purgeExpiredLocked() {
	if len(store.entries) == 0 {
		return
	}
	now := store.now()
	for state, expiry := range store.entries {
		if now.After(expiry) {
			delete(store.entries, state)
		}
	}
}

func randomState() (string, error) {
	buffer := make([]byte, stateTokenSize)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("oauth_state.random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}

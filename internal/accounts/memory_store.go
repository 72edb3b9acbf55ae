package accounts

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/shopauth/internal/identity"
)

// MemoryStore is an in-memory store intended for tests and dev.
type MemoryStore struct {
	mutex      sync.Mutex
	byID       map[string]*Account
	byEmail    map[string]string
	byProvider map[providerKey]string
	now        func() time.Time
}

type providerKey struct {
	provider       identity.Provider
	providerUserID string
}

// NewMemoryStore creates an empty in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]*Account),
		byEmail:    make(map[string]string),
		byProvider: make(map[providerKey]string),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// FindByID returns a copy of the account with the given id.
func (store *MemoryStore) FindByID(ctx context.Context, accountID string) (*Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byID[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return record.Clone(), nil
}

// FindByProviderID returns the account linked to the provider identity.
func (store *MemoryStore) FindByProviderID(ctx context.Context, provider identity.Provider, providerUserID string) (*Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	accountID, ok := store.byProvider[providerKey{provider: provider, providerUserID: providerUserID}]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return store.byID[accountID].Clone(), nil
}

// FindByEmail performs a case-insensitive lookup.
func (store *MemoryStore) FindByEmail(ctx context.Context, email string) (*Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	accountID, ok := store.byEmail[NormalizeEmail(email)]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return store.byID[accountID].Clone(), nil
}

// Create assigns an id and inserts the account, enforcing both unique indexes.
func (store *MemoryStore) Create(ctx context.Context, account *Account) (*Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := account.Clone()
	record.Email = NormalizeEmail(record.Email)
	if store.conflictsLocked(record, "") {
		return nil, ErrDuplicateAccount
	}
	now := store.now()
	record.ID = uuid.NewString()
	record.CreatedAt = now
	record.UpdatedAt = now
	store.indexLocked(record)
	return record.Clone(), nil
}

// Save replaces the stored account with the supplied state.
func (store *MemoryStore) Save(ctx context.Context, account *Account) (*Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if account == nil || account.ID == "" {
		return nil, ErrMissingAccountID
	}
	existing, ok := store.byID[account.ID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	record := account.Clone()
	record.Email = NormalizeEmail(record.Email)
	if store.conflictsLocked(record, record.ID) {
		return nil, ErrDuplicateAccount
	}
	delete(store.byEmail, existing.Email)
	if existing.ProviderUserID != "" {
		delete(store.byProvider, providerKey{provider: existing.Provider, providerUserID: existing.ProviderUserID})
	}
	record.CreatedAt = existing.CreatedAt
	record.UpdatedAt = store.now()
	store.indexLocked(record)
	return record.Clone(), nil
}

// Count returns the number of stored accounts.
func (store *MemoryStore) Count() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.byID)
}

func (store *MemoryStore) conflictsLocked(record *Account, selfID string) bool {
	if ownerID, taken := store.byEmail[record.Email]; taken && ownerID != selfID {
		return true
	}
	if record.ProviderUserID == "" {
		return false
	}
	ownerID, taken := store.byProvider[providerKey{provider: record.Provider, providerUserID: record.ProviderUserID}]
	return taken && ownerID != selfID
}

func (store *MemoryStore) indexLocked(record *Account) {
	store.byID[record.ID] = record
	store.byEmail[record.Email] = record.ID
	if record.ProviderUserID != "" {
		store.byProvider[providerKey{provider: record.Provider, providerUserID: record.ProviderUserID}] = record.ID
	}
}

// Package accounts owns local account records and reconciles external identities against them.
package accounts

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tyemirov/shopauth/internal/identity"
)

// Role grants authorization inside the shop.
type Role string

const (
	RoleUser     Role = "user"
	RoleAdmin    Role = "admin"
	RoleCustomer Role = "customer"
)

// Account is a durable user record shared with the rest of the shop.
type Account struct {
	ID              string
	Email           string
	PasswordHash    string
	ProviderUserID  string
	Provider        identity.Provider
	IsOAuthAccount  bool
	IsEmailVerified bool
	DisplayName     string
	FirstName       string
	LastName        string
	AvatarURL       string
	Role            Role
	LastLoginAt     time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Clone returns a copy that can be mutated without touching the original.
func (account *Account) Clone() *Account {
	if account == nil {
		return nil
	}
	copied := *account
	return &copied
}

var (
	// ErrAccountNotFound indicates that no account matched the lookup.
	ErrAccountNotFound = errors.New("accounts.not_found")
	// ErrDuplicateAccount indicates a unique index (email or provider id) rejected the write.
	ErrDuplicateAccount = errors.New("accounts.duplicate")
	// ErrMissingAccountID indicates Save was called on an account that was never created.
	ErrMissingAccountID = errors.New("accounts.missing_id")
)

// Store persists accounts. Implementations enforce uniqueness of email and of
// (provider, provider user id) and report violations as ErrDuplicateAccount.
type Store interface {
	FindByID(ctx context.Context, accountID string) (*Account, error)
	FindByProviderID(ctx context.Context, provider identity.Provider, providerUserID string) (*Account, error)
	FindByEmail(ctx context.Context, email string) (*Account, error)
	Create(ctx context.Context, account *Account) (*Account, error)
	Save(ctx context.Context, account *Account) (*Account, error)
}

// NormalizeEmail is the canonical form used for storage and lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

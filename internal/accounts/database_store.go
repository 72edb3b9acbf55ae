package accounts

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/tyemirov/shopauth/internal/identity"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("account_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("account_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("account_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("account_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("account_store.unsupported_no_scheme")
)

// DatabaseStore persists accounts in PostgreSQL or SQLite using GORM.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

type accountRecord struct {
	ID              string    `gorm:"column:id;primaryKey"`
	Email           string    `gorm:"column:email;uniqueIndex;not null"`
	PasswordHash    string    `gorm:"column:password_hash;not null"`
	Provider        string    `gorm:"column:provider;not null;uniqueIndex:idx_accounts_provider_identity,priority:1"`
	ProviderUserID  *string   `gorm:"column:provider_user_id;uniqueIndex:idx_accounts_provider_identity,priority:2"`
	IsOAuthAccount  bool      `gorm:"column:is_oauth_account;not null"`
	IsEmailVerified bool      `gorm:"column:is_email_verified;not null"`
	DisplayName     string    `gorm:"column:display_name;not null"`
	FirstName       string    `gorm:"column:first_name;not null"`
	LastName        string    `gorm:"column:last_name;not null"`
	AvatarURL       string    `gorm:"column:avatar_url;not null"`
	Role            string    `gorm:"column:role;not null"`
	LastLoginAt     time.Time `gorm:"column:last_login_at"`
	CreatedAt       time.Time `gorm:"column:created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at"`
}

func (accountRecord) TableName() string {
	return "accounts"
}

// NewDatabaseStore opens the database named by databaseURL and migrates the accounts table.
func NewDatabaseStore(ctx context.Context, databaseURL string) (*DatabaseStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("account_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		return nil, fmt.Errorf("account_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&accountRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("account_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// FindByID loads an account by its primary key.
func (store *DatabaseStore) FindByID(ctx context.Context, accountID string) (*Account, error) {
	return store.take(ctx, "find_by_id", "id = ?", accountID)
}

// FindByProviderID loads the account linked to the provider identity.
func (store *DatabaseStore) FindByProviderID(ctx context.Context, provider identity.Provider, providerUserID string) (*Account, error) {
	return store.take(ctx, "find_by_provider_id", "provider = ? AND provider_user_id = ?", string(provider), providerUserID)
}

// FindByEmail loads an account by its normalized email.
func (store *DatabaseStore) FindByEmail(ctx context.Context, email string) (*Account, error) {
	return store.take(ctx, "find_by_email", "email = ?", NormalizeEmail(email))
}

// Create inserts a new account and returns it with its assigned id.
func (store *DatabaseStore) Create(ctx context.Context, account *Account) (*Account, error) {
	record := recordFromAccount(account)
	record.ID = uuid.NewString()
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, store.classify("create", err)
	}
	return accountFromRecord(record), nil
}

// Save overwrites every mutable column of an existing account.
func (store *DatabaseStore) Save(ctx context.Context, account *Account) (*Account, error) {
	if account == nil || account.ID == "" {
		return nil, fmt.Errorf("account_store.save.%s: %w", store.driverLabel, ErrMissingAccountID)
	}
	record := recordFromAccount(account)
	result := store.db.WithContext(ctx).Model(&accountRecord{}).
		Where("id = ?", record.ID).
		Select("*").Omit("id", "created_at").
		Updates(&record)
	if result.Error != nil {
		return nil, store.classify("save", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("account_store.save.%s: %w", store.driverLabel, ErrAccountNotFound)
	}
	return store.FindByID(ctx, record.ID)
}

func (store *DatabaseStore) take(ctx context.Context, operation string, query string, arguments ...interface{}) (*Account, error) {
	var record accountRecord
	if err := store.db.WithContext(ctx).Where(query, arguments...).Take(&record).Error; err != nil {
		return nil, store.classify(operation, err)
	}
	return accountFromRecord(record), nil
}

func (store *DatabaseStore) classify(operation string, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("account_store.%s.%s: %w", operation, store.driverLabel, ErrAccountNotFound)
	case isUniqueViolation(err):
		return fmt.Errorf("account_store.%s.%s: %w", operation, store.driverLabel, ErrDuplicateAccount)
	default:
		return fmt.Errorf("account_store.%s.%s: %w", operation, store.driverLabel, err)
	}
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") || strings.Contains(message, "duplicate key") || strings.Contains(message, "sqlstate 23505")
}

func recordFromAccount(account *Account) accountRecord {
	var providerUserID *string
	if account.ProviderUserID != "" {
		value := account.ProviderUserID
		providerUserID = &value
	}
	return accountRecord{
		ID:              account.ID,
		Email:           NormalizeEmail(account.Email),
		PasswordHash:    account.PasswordHash,
		Provider:        string(account.Provider),
		ProviderUserID:  providerUserID,
		IsOAuthAccount:  account.IsOAuthAccount,
		IsEmailVerified: account.IsEmailVerified,
		DisplayName:     account.DisplayName,
		FirstName:       account.FirstName,
		LastName:        account.LastName,
		AvatarURL:       account.AvatarURL,
		Role:            string(account.Role),
		LastLoginAt:     account.LastLoginAt.UTC(),
		CreatedAt:       account.CreatedAt,
		UpdatedAt:       account.UpdatedAt,
	}
}

func accountFromRecord(record accountRecord) *Account {
	account := &Account{
		ID:              record.ID,
		Email:           record.Email,
		PasswordHash:    record.PasswordHash,
		Provider:        identity.Provider(record.Provider),
		IsOAuthAccount:  record.IsOAuthAccount,
		IsEmailVerified: record.IsEmailVerified,
		DisplayName:     record.DisplayName,
		FirstName:       record.FirstName,
		LastName:        record.LastName,
		AvatarURL:       record.AvatarURL,
		Role:            Role(record.Role),
		LastLoginAt:     record.LastLoginAt.UTC(),
		CreatedAt:       record.CreatedAt,
		UpdatedAt:       record.UpdatedAt,
	}
	if record.ProviderUserID != nil {
		account.ProviderUserID = *record.ProviderUserID
	}
	return account
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("account_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("account_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("account_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("account_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}

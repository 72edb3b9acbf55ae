package accounts

import (
	"context"
	"net/url"
	"strings"
)

// DriverStore is a Store that reports which backend it runs on.
type DriverStore interface {
	Store
	Driver() string
}

// OpenStore selects a backend from the database URL scheme: empty for memory,
// mongodb:// for the document store, postgres:// or sqlite:// for GORM.
func OpenStore(ctx context.Context, databaseURL string) (DriverStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(), nil
	}
	if parsed, err := url.Parse(databaseURL); err == nil {
		switch strings.ToLower(parsed.Scheme) {
		case "mongodb", "mongodb+srv":
			return NewMongoStore(ctx, databaseURL)
		}
	}
	return NewDatabaseStore(ctx, databaseURL)
}

// Driver exposes the selected database driver label.
func (store *MemoryStore) Driver() string {
	return "memory"
}

package accounts

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/tyemirov/shopauth/internal/identity"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	defaultMongoDatabase   = "shop"
	mongoAccountCollection = "users"
	mongoConnectTimeout    = 10 * time.Second
)

// MongoStore persists accounts in the shop's document database.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

type accountDocument struct {
	ID              bson.ObjectID `bson:"_id,omitempty"`
	Email           string        `bson:"email"`
	PasswordHash    string        `bson:"password_hash,omitempty"`
	Provider        string        `bson:"provider,omitempty"`
	ProviderUserID  string        `bson:"provider_user_id,omitempty"`
	IsOAuthAccount  bool          `bson:"is_oauth_account"`
	IsEmailVerified bool          `bson:"is_email_verified"`
	DisplayName     string        `bson:"display_name"`
	FirstName       string        `bson:"first_name"`
	LastName        string        `bson:"last_name"`
	AvatarURL       string        `bson:"avatar_url"`
	Role            string        `bson:"role"`
	LastLoginAt     time.Time     `bson:"last_login_at"`
	CreatedAt       time.Time     `bson:"created_at"`
	UpdatedAt       time.Time     `bson:"updated_at"`
}

// NewMongoStore connects to databaseURL and ensures the unique indexes the reconciler relies on.
func NewMongoStore(ctx context.Context, databaseURL string) (*MongoStore, error) {
	databaseName, nameErr := mongoDatabaseName(databaseURL)
	if nameErr != nil {
		return nil, nameErr
	}
	client, connectErr := mongo.Connect(options.Client().ApplyURI(databaseURL).SetTimeout(mongoConnectTimeout))
	if connectErr != nil {
		return nil, fmt.Errorf("account_store.open.mongo: %w", connectErr)
	}
	if pingErr := client.Ping(ctx, nil); pingErr != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("account_store.ping.mongo: %w", pingErr)
	}
	store := &MongoStore{
		client:     client,
		collection: client.Database(databaseName).Collection(mongoAccountCollection),
	}
	if indexErr := store.ensureIndexes(ctx); indexErr != nil {
		_ = client.Disconnect(context.Background())
		return nil, indexErr
	}
	return store, nil
}

// Driver exposes the selected database driver label.
func (store *MongoStore) Driver() string {
	return "mongo"
}

// Close disconnects the underlying client.
func (store *MongoStore) Close(ctx context.Context) error {
	return store.client.Disconnect(ctx)
}

func (store *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := store.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetName("uniq_email").SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "provider", Value: 1}, {Key: "provider_user_id", Value: 1}},
			Options: options.Index().
				SetName("uniq_provider_identity").
				SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "provider_user_id", Value: bson.D{{Key: "$exists", Value: true}}}}),
		},
	})
	if err != nil {
		return fmt.Errorf("account_store.indexes.mongo: %w", err)
	}
	return nil
}

// FindByID loads an account by its object id.
func (store *MongoStore) FindByID(ctx context.Context, accountID string) (*Account, error) {
	objectID, parseErr := bson.ObjectIDFromHex(accountID)
	if parseErr != nil {
		return nil, fmt.Errorf("account_store.find_by_id.mongo: %w", ErrAccountNotFound)
	}
	return store.findOne(ctx, "find_by_id", bson.D{{Key: "_id", Value: objectID}})
}

// FindByProviderID loads the account linked to the provider identity.
// An empty provider matches legacy documents where the field was omitted.
func (store *MongoStore) FindByProviderID(ctx context.Context, provider identity.Provider, providerUserID string) (*Account, error) {
	var providerFilter any = string(provider)
	if provider == "" {
		providerFilter = bson.D{{Key: "$in", Value: bson.A{nil, ""}}}
	}
	return store.findOne(ctx, "find_by_provider_id", bson.D{
		{Key: "provider", Value: providerFilter},
		{Key: "provider_user_id", Value: providerUserID},
	})
}

// FindByEmail loads an account by its normalized email.
func (store *MongoStore) FindByEmail(ctx context.Context, email string) (*Account, error) {
	return store.findOne(ctx, "find_by_email", bson.D{{Key: "email", Value: NormalizeEmail(email)}})
}

// Create inserts a new account document.
func (store *MongoStore) Create(ctx context.Context, account *Account) (*Account, error) {
	document := documentFromAccount(account)
	now := time.Now().UTC()
	document.ID = bson.NewObjectID()
	document.CreatedAt = now
	document.UpdatedAt = now
	if _, err := store.collection.InsertOne(ctx, document); err != nil {
		return nil, classifyMongoError("create", err)
	}
	return accountFromDocument(document), nil
}

// Save replaces the stored document with the account's current state.
func (store *MongoStore) Save(ctx context.Context, account *Account) (*Account, error) {
	if account == nil || account.ID == "" {
		return nil, fmt.Errorf("account_store.save.mongo: %w", ErrMissingAccountID)
	}
	document := documentFromAccount(account)
	if document.ID.IsZero() {
		return nil, fmt.Errorf("account_store.save.mongo: %w", ErrAccountNotFound)
	}
	document.UpdatedAt = time.Now().UTC()
	result, err := store.collection.ReplaceOne(ctx, bson.D{{Key: "_id", Value: document.ID}}, document)
	if err != nil {
		return nil, classifyMongoError("save", err)
	}
	if result.MatchedCount == 0 {
		return nil, fmt.Errorf("account_store.save.mongo: %w", ErrAccountNotFound)
	}
	return accountFromDocument(document), nil
}

func (store *MongoStore) findOne(ctx context.Context, operation string, filter bson.D) (*Account, error) {
	var document accountDocument
	if err := store.collection.FindOne(ctx, filter).Decode(&document); err != nil {
		return nil, classifyMongoError(operation, err)
	}
	return accountFromDocument(document), nil
}

func classifyMongoError(operation string, err error) error {
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("account_store.%s.mongo: %w", operation, ErrAccountNotFound)
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("account_store.%s.mongo: %w", operation, ErrDuplicateAccount)
	default:
		return fmt.Errorf("account_store.%s.mongo: %w", operation, err)
	}
}

func mongoDatabaseName(databaseURL string) (string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("account_store.parse_url: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "mongodb", "mongodb+srv":
	default:
		return "", fmt.Errorf("account_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
	if name := strings.Trim(parsed.Path, "/"); name != "" {
		return name, nil
	}
	return defaultMongoDatabase, nil
}

func documentFromAccount(account *Account) accountDocument {
	objectID, _ := bson.ObjectIDFromHex(account.ID)
	return accountDocument{
		ID:              objectID,
		Email:           NormalizeEmail(account.Email),
		PasswordHash:    account.PasswordHash,
		Provider:        string(account.Provider),
		ProviderUserID:  account.ProviderUserID,
		IsOAuthAccount:  account.IsOAuthAccount,
		IsEmailVerified: account.IsEmailVerified,
		DisplayName:     account.DisplayName,
		FirstName:       account.FirstName,
		LastName:        account.LastName,
		AvatarURL:       account.AvatarURL,
		Role:            string(account.Role),
		LastLoginAt:     account.LastLoginAt.UTC(),
		CreatedAt:       account.CreatedAt.UTC(),
		UpdatedAt:       account.UpdatedAt.UTC(),
	}
}

func accountFromDocument(document accountDocument) *Account {
	account := &Account{
		Email:           document.Email,
		PasswordHash:    document.PasswordHash,
		Provider:        identity.Provider(document.Provider),
		ProviderUserID:  document.ProviderUserID,
		IsOAuthAccount:  document.IsOAuthAccount,
		IsEmailVerified: document.IsEmailVerified,
		DisplayName:     document.DisplayName,
		FirstName:       document.FirstName,
		LastName:        document.LastName,
		AvatarURL:       document.AvatarURL,
		Role:            Role(document.Role),
		LastLoginAt:     document.LastLoginAt.UTC(),
		CreatedAt:       document.CreatedAt.UTC(),
		UpdatedAt:       document.UpdatedAt.UTC(),
	}
	if !document.ID.IsZero() {
		account.ID = document.ID.Hex()
	}
	return account
}

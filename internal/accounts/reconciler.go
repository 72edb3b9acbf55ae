package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tyemirov/shopauth/internal/autherr"
	"github.com/tyemirov/shopauth/internal/identity"
	"go.uber.org/zap"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// ReconcileOutcome describes what Reconcile did with the identity.
type ReconcileOutcome string

const (
	OutcomeCreated ReconcileOutcome = "created"
	OutcomeUpdated ReconcileOutcome = "updated"
	OutcomeLinked  ReconcileOutcome = "linked"
)

// Reconciler maps verified external identities to local accounts.
type Reconciler struct {
	store  Store
	clock  Clock
	logger *zap.Logger
}

// NewReconciler constructs a Reconciler over store. A nil clock uses UTC wall time.
func NewReconciler(store Store, clock Clock, logger *zap.Logger) *Reconciler {
	if store == nil {
		panic("account store is required")
	}
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, clock: clock, logger: logger}
}

// Reconcile finds or creates the account for external and refreshes its profile.
func (reconciler *Reconciler) Reconcile(ctx context.Context, external identity.ExternalIdentity) (*Account, ReconcileOutcome, error) {
	if external.ProviderUserID == "" || external.Email == "" {
		return nil, "", autherr.New(autherr.CodeIncompleteProfile, "verified identity is missing subject or email")
	}

	existing, findErr := reconciler.store.FindByProviderID(ctx, external.Provider, external.ProviderUserID)
	switch {
	case findErr == nil:
		updated, saveErr := reconciler.refresh(ctx, existing, external)
		return updated, OutcomeUpdated, saveErr
	case !errors.Is(findErr, ErrAccountNotFound):
		return nil, "", autherr.Internal(fmt.Errorf("accounts.reconcile.find_by_provider_id: %w", findErr))
	}

	// Rows written before provider tracking carry the subject with an empty provider.
	if external.Provider != "" {
		legacy, legacyErr := reconciler.store.FindByProviderID(ctx, "", external.ProviderUserID)
		switch {
		case legacyErr == nil:
			updated, saveErr := reconciler.refresh(ctx, legacy, external)
			if saveErr == nil {
				reconciler.logger.Info("provider backfilled on legacy account",
					zap.String("code", "accounts.reconcile.provider_backfilled"),
					zap.String("account_id", updated.ID),
					zap.String("provider", string(external.Provider)))
			}
			return updated, OutcomeUpdated, saveErr
		case !errors.Is(legacyErr, ErrAccountNotFound):
			return nil, "", autherr.Internal(fmt.Errorf("accounts.reconcile.find_legacy_provider_id: %w", legacyErr))
		}
	}

	byEmail, emailErr := reconciler.store.FindByEmail(ctx, external.Email)
	switch {
	case emailErr == nil && byEmail.ProviderUserID == external.ProviderUserID && (byEmail.Provider == external.Provider || byEmail.Provider == ""):
		// Created by a concurrent login after our provider lookup.
		updated, saveErr := reconciler.refresh(ctx, byEmail, external)
		return updated, OutcomeUpdated, saveErr
	case emailErr == nil:
		linked, linkErr := reconciler.link(ctx, byEmail, external)
		return linked, OutcomeLinked, linkErr
	case !errors.Is(emailErr, ErrAccountNotFound):
		return nil, "", autherr.Internal(fmt.Errorf("accounts.reconcile.find_by_email: %w", emailErr))
	}

	created, createErr := reconciler.store.Create(ctx, reconciler.newAccount(external))
	if createErr == nil {
		reconciler.logger.Info("account created",
			zap.String("code", "accounts.reconcile.created"),
			zap.String("account_id", created.ID),
			zap.String("provider", string(external.Provider)))
		return created, OutcomeCreated, nil
	}
	if !errors.Is(createErr, ErrDuplicateAccount) {
		return nil, "", autherr.Internal(fmt.Errorf("accounts.reconcile.create: %w", createErr))
	}

	// A concurrent login created the account between our lookup and insert.
	winner, rereadErr := reconciler.store.FindByProviderID(ctx, external.Provider, external.ProviderUserID)
	if rereadErr != nil {
		if errors.Is(rereadErr, ErrAccountNotFound) {
			return nil, "", emailConflict(external.Email)
		}
		return nil, "", autherr.Internal(fmt.Errorf("accounts.reconcile.reread: %w", rereadErr))
	}
	reconciler.logger.Info("account creation raced; using existing account",
		zap.String("code", "accounts.reconcile.duplicate_recovered"),
		zap.String("account_id", winner.ID))
	updated, saveErr := reconciler.refresh(ctx, winner, external)
	return updated, OutcomeUpdated, saveErr
}

func (reconciler *Reconciler) newAccount(external identity.ExternalIdentity) *Account {
	return &Account{
		Email:           NormalizeEmail(external.Email),
		ProviderUserID:  external.ProviderUserID,
		Provider:        external.Provider,
		IsOAuthAccount:  true,
		IsEmailVerified: true,
		DisplayName:     external.DisplayName,
		FirstName:       external.GivenName,
		LastName:        external.FamilyName,
		AvatarURL:       external.AvatarURL,
		Role:            RoleCustomer,
		LastLoginAt:     reconciler.clock.Now(),
	}
}

// refresh overwrites profile fields only; identity fields, role and verification are left alone.
func (reconciler *Reconciler) refresh(ctx context.Context, account *Account, external identity.ExternalIdentity) (*Account, error) {
	mutated := account.Clone()
	applyProfile(mutated, external, reconciler.clock.Now())
	if mutated.Provider == "" {
		mutated.Provider = external.Provider
	}
	saved, saveErr := reconciler.store.Save(ctx, mutated)
	if saveErr != nil {
		return nil, autherr.Internal(fmt.Errorf("accounts.reconcile.save: %w", saveErr))
	}
	return saved, nil
}

// link attaches a provider identity to an account that was registered with the same email.
func (reconciler *Reconciler) link(ctx context.Context, account *Account, external identity.ExternalIdentity) (*Account, error) {
	if account.ProviderUserID != "" || !external.EmailVerified {
		reconciler.logger.Warn("email already registered to another identity",
			zap.String("code", "accounts.reconcile.email_conflict"),
			zap.String("account_id", account.ID),
			zap.String("provider", string(external.Provider)),
			zap.Bool("email_verified", external.EmailVerified))
		return nil, emailConflict(external.Email)
	}
	mutated := account.Clone()
	applyProfile(mutated, external, reconciler.clock.Now())
	mutated.ProviderUserID = external.ProviderUserID
	mutated.Provider = external.Provider
	mutated.IsOAuthAccount = true
	mutated.IsEmailVerified = true
	saved, saveErr := reconciler.store.Save(ctx, mutated)
	if saveErr != nil {
		if errors.Is(saveErr, ErrDuplicateAccount) {
			return nil, emailConflict(external.Email)
		}
		return nil, autherr.Internal(fmt.Errorf("accounts.reconcile.link: %w", saveErr))
	}
	reconciler.logger.Info("provider identity linked to existing account",
		zap.String("code", "accounts.reconcile.linked"),
		zap.String("account_id", saved.ID),
		zap.String("provider", string(external.Provider)))
	return saved, nil
}

func applyProfile(account *Account, external identity.ExternalIdentity, now time.Time) {
	account.DisplayName = external.DisplayName
	account.FirstName = external.GivenName
	account.LastName = external.FamilyName
	account.AvatarURL = external.AvatarURL
	account.LastLoginAt = now
}

func emailConflict(email string) *autherr.Error {
	return autherr.New(autherr.CodeEmailConflict, fmt.Sprintf("an account with email %s already exists", NormalizeEmail(email)))
}

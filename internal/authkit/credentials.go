package authkit

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tyemirov/shopauth/internal/accounts"
	"github.com/tyemirov/shopauth/internal/autherr"
)

// TokenType distinguishes access tokens from refresh tokens inside the claims.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

const notBeforeSkew = 30 * time.Second

var (
	errEmptySubject          = errors.New("subject must be non-empty")
	errMissingIssuer         = errors.New("jwt.config.missing_issuer")
	errMissingAccessSecret   = errors.New("jwt.config.missing_access_secret")
	errMissingRefreshSecret  = errors.New("jwt.config.missing_refresh_secret")
	errSharedSigningSecret   = errors.New("jwt.config.shared_secret")
	errNonPositiveAccessTTL  = errors.New("jwt.config.invalid_access_ttl")
	errNonPositiveRefreshTTL = errors.New("jwt.config.invalid_refresh_ttl")
	errWrongTokenType        = errors.New("jwt.verify.wrong_token_type")
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock returns a Clock reading UTC wall time.
func NewSystemClock() Clock {
	return systemClock{}
}

// SessionClaims are embedded in both access and refresh tokens.
type SessionClaims struct {
	SubjectID   string    `json:"subject_id"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	TokenType   TokenType `json:"token_type"`
	jwt.RegisteredClaims
}

// SessionCredential is the token pair returned to clients. Nothing about it is stored server-side.
type SessionCredential struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// CredentialConfig configures a CredentialIssuer.
type CredentialConfig struct {
	Issuer        string
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Clock         Clock
}

// CredentialIssuer mints and verifies HS256 session tokens.
type CredentialIssuer struct {
	issuer        string
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	clock         Clock
}

// NewCredentialIssuer validates the configuration. Access and refresh tokens must be signed with different secrets.
func NewCredentialIssuer(configuration CredentialConfig) (*CredentialIssuer, error) {
	switch {
	case strings.TrimSpace(configuration.Issuer) == "":
		return nil, errMissingIssuer
	case len(configuration.AccessSecret) == 0:
		return nil, errMissingAccessSecret
	case len(configuration.RefreshSecret) == 0:
		return nil, errMissingRefreshSecret
	case bytes.Equal(configuration.AccessSecret, configuration.RefreshSecret):
		return nil, errSharedSigningSecret
	case configuration.AccessTTL <= 0:
		return nil, errNonPositiveAccessTTL
	case configuration.RefreshTTL <= 0:
		return nil, errNonPositiveRefreshTTL
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &CredentialIssuer{
		issuer:        configuration.Issuer,
		accessSecret:  configuration.AccessSecret,
		refreshSecret: configuration.RefreshSecret,
		accessTTL:     configuration.AccessTTL,
		refreshTTL:    configuration.RefreshTTL,
		clock:         clock,
	}, nil
}

// Issue mints an access and refresh token for the account.
func (issuer *CredentialIssuer) Issue(account *accounts.Account) (SessionCredential, error) {
	if account == nil {
		return SessionCredential{}, fmt.Errorf("jwt.mint.failure: %w", errEmptySubject)
	}
	return issuer.issue(account.ID, account.DisplayName, string(account.Role))
}

// VerifyAccess parses an access token and returns its claims.
func (issuer *CredentialIssuer) VerifyAccess(accessToken string) (*SessionClaims, error) {
	claims, err := issuer.parse(accessToken, issuer.accessSecret, TokenTypeAccess)
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeUnauthorized, "access token is invalid or expired", err)
	}
	return claims, nil
}

// Refresh verifies a refresh token and re-issues both tokens with the same subject claims.
func (issuer *CredentialIssuer) Refresh(refreshToken string) (SessionCredential, *SessionClaims, error) {
	claims, err := issuer.parse(refreshToken, issuer.refreshSecret, TokenTypeRefresh)
	if err != nil {
		return SessionCredential{}, nil, autherr.Wrap(autherr.CodeInvalidRefreshToken, "refresh token is invalid or expired", err)
	}
	credential, issueErr := issuer.issue(claims.SubjectID, claims.DisplayName, claims.Role)
	if issueErr != nil {
		return SessionCredential{}, nil, issueErr
	}
	return credential, claims, nil
}

func (issuer *CredentialIssuer) issue(subjectID string, displayName string, role string) (SessionCredential, error) {
	if strings.TrimSpace(subjectID) == "" {
		return SessionCredential{}, fmt.Errorf("jwt.mint.failure: %w", errEmptySubject)
	}
	issuedAt := issuer.clock.Now().UTC()
	accessToken, accessExpiresAt, accessErr := issuer.sign(subjectID, displayName, role, TokenTypeAccess, issuedAt, issuer.accessTTL, issuer.accessSecret)
	if accessErr != nil {
		return SessionCredential{}, accessErr
	}
	refreshToken, refreshExpiresAt, refreshErr := issuer.sign(subjectID, displayName, role, TokenTypeRefresh, issuedAt, issuer.refreshTTL, issuer.refreshSecret)
	if refreshErr != nil {
		return SessionCredential{}, refreshErr
	}
	return SessionCredential{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExpiresAt,
		RefreshExpiresAt: refreshExpiresAt,
	}, nil
}

func (issuer *CredentialIssuer) sign(subjectID string, displayName string, role string, tokenType TokenType, issuedAt time.Time, ttl time.Duration, secret []byte) (string, time.Time, error) {
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		SubjectID:   subjectID,
		DisplayName: displayName,
		Role:        role,
		TokenType:   tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer.issuer,
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-notBeforeSkew)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("jwt.mint.%s: %w", tokenType, err)
	}
	return signed, expiresAt, nil
}

func (issuer *CredentialIssuer) parse(tokenString string, secret []byte, expected TokenType) (*SessionClaims, error) {
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(issuer.clock.Now),
	)
	if parseErr != nil {
		return nil, fmt.Errorf("jwt.verify.%s: %w", expected, parseErr)
	}
	claims, ok := parsedToken.Claims.(*SessionClaims)
	if !ok || !parsedToken.Valid {
		return nil, fmt.Errorf("jwt.verify.%s: %w", expected, jwt.ErrTokenInvalidClaims)
	}
	if claims.TokenType != expected {
		return nil, fmt.Errorf("jwt.verify.%s: %w", expected, errWrongTokenType)
	}
	if strings.TrimSpace(claims.SubjectID) == "" {
		return nil, fmt.Errorf("jwt.verify.%s: %w", expected, errEmptySubject)
	}
	return claims, nil
}

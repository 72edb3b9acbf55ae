package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tyemirov/shopauth/internal/autherr"
	"google.golang.org/api/idtoken"
)

var errMissingAudiences = errors.New("identity.id_token.missing_audiences")

var googleIssuers = map[string]struct{}{
	"accounts.google.com":         {},
	"https://accounts.google.com": {},
}

// GoogleTokenValidator verifies Google-signed ID tokens. An empty audience skips the audience check.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error)
}

// NewGoogleTokenValidator builds a validator backed by Google's published certificates.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

// TokenVerifierConfig configures direct identity-token verification.
type TokenVerifierConfig struct {
	// Audiences lists every client id whose tokens are accepted (web, iOS, Android).
	Audiences []string
	Timeout   time.Duration
}

// TokenVerifier validates identity tokens presented by native clients.
type TokenVerifier struct {
	validator GoogleTokenValidator
	audiences []string
	timeout   time.Duration
}

// NewTokenVerifier constructs a TokenVerifier for the configured audiences.
func NewTokenVerifier(validator GoogleTokenValidator, configuration TokenVerifierConfig) (*TokenVerifier, error) {
	if validator == nil {
		return nil, errors.New("identity.id_token.missing_validator")
	}
	audiences := make([]string, 0, len(configuration.Audiences))
	for _, audience := range configuration.Audiences {
		if trimmed := strings.TrimSpace(audience); trimmed != "" {
			audiences = append(audiences, trimmed)
		}
	}
	if len(audiences) == 0 {
		return nil, errMissingAudiences
	}
	return &TokenVerifier{
		validator: validator,
		audiences: audiences,
		timeout:   configuration.Timeout,
	}, nil
}

// SupportsProvider reports whether identity tokens from provider can be verified.
func (verifier *TokenVerifier) SupportsProvider(provider Provider) bool {
	return provider == ProviderGoogle
}

// Verify checks structure, signature, issuer, audience and mandatory claims of tokenID.
func (verifier *TokenVerifier) Verify(ctx context.Context, tokenID string, providerName string) (ExternalIdentity, error) {
	if strings.TrimSpace(tokenID) == "" {
		return ExternalIdentity{}, autherr.MissingParameter("tokenId")
	}
	if strings.TrimSpace(providerName) == "" {
		return ExternalIdentity{}, autherr.MissingParameter("provider")
	}
	provider, known := ParseProvider(providerName)
	if !known || !verifier.SupportsProvider(provider) {
		return ExternalIdentity{}, autherr.UnsupportedProvider(providerName)
	}

	unverifiedAudience, structureErr := readUnverifiedAudience(tokenID)
	if structureErr != nil {
		return ExternalIdentity{}, structureErr
	}

	boundCtx, cancel := boundedContext(ctx, verifier.timeout)
	defer cancel()

	payload, validateErr := verifier.validator.Validate(boundCtx, tokenID, "")
	if validateErr != nil {
		if isTimeout(boundCtx, validateErr) {
			return ExternalIdentity{}, autherr.ProviderTimeout("token_verification", validateErr)
		}
		return ExternalIdentity{}, autherr.Wrap(autherr.CodeTokenVerification, "identity token could not be verified", validateErr).
			WithDetail("tokenAudience", unverifiedAudience)
	}
	if payload == nil {
		return ExternalIdentity{}, autherr.New(autherr.CodeTokenVerification, "identity token could not be verified")
	}

	issuer := payload.Issuer
	if issuer == "" {
		issuer, _ = payload.Claims["iss"].(string)
	}
	if _, trusted := googleIssuers[issuer]; !trusted {
		return ExternalIdentity{}, autherr.New(autherr.CodeTokenVerification, "identity token issuer is not trusted")
	}

	audience := payload.Audience
	if audience == "" {
		audience = unverifiedAudience
	}
	if !verifier.acceptsAudience(audience) {
		return ExternalIdentity{}, autherr.AudienceMismatch(audience, verifier.expectedAudiences())
	}

	return identityFromClaims(provider, payload)
}

func (verifier *TokenVerifier) acceptsAudience(audience string) bool {
	for _, accepted := range verifier.audiences {
		if accepted == audience {
			return true
		}
	}
	return false
}

func (verifier *TokenVerifier) expectedAudiences() []string {
	expected := make([]string, len(verifier.audiences))
	copy(expected, verifier.audiences)
	return expected
}

func identityFromClaims(provider Provider, payload *idtoken.Payload) (ExternalIdentity, error) {
	subject := payload.Subject
	if subject == "" {
		subject = stringClaim(payload.Claims, "sub")
	}
	email := stringClaim(payload.Claims, "email")
	if strings.TrimSpace(subject) == "" || strings.TrimSpace(email) == "" {
		return ExternalIdentity{}, autherr.New(autherr.CodeIncompleteProfile, "verified token is missing subject or email")
	}
	return newExternalIdentity(
		provider,
		subject,
		email,
		stringClaim(payload.Claims, "name"),
		stringClaim(payload.Claims, "given_name"),
		stringClaim(payload.Claims, "family_name"),
		stringClaim(payload.Claims, "picture"),
		boolClaim(payload.Claims, "email_verified"),
	), nil
}

// readUnverifiedAudience inspects the token shape before anything is trusted or sent over the network.
func readUnverifiedAudience(tokenID string) (string, error) {
	segments := strings.Split(tokenID, ".")
	if len(segments) != 3 {
		return "", autherr.New(autherr.CodeMalformedToken, "identity token must have three dot-separated segments")
	}
	for _, segment := range segments {
		if segment == "" {
			return "", autherr.New(autherr.CodeMalformedToken, "identity token contains an empty segment")
		}
	}
	payload, parseErr := idtoken.ParsePayload(tokenID)
	if parseErr != nil {
		return "", autherr.Wrap(autherr.CodeMalformedToken, "identity token payload is not readable", parseErr)
	}
	return payload.Audience, nil
}

func stringClaim(claims map[string]interface{}, key string) string {
	value, _ := claims[key].(string)
	return value
}

// boolClaim accepts both JSON booleans and the string form some providers emit.
func boolClaim(claims map[string]interface{}, key string) bool {
	switch value := claims[key].(type) {
	case bool:
		return value
	case string:
		return strings.EqualFold(value, "true")
	default:
		return false
	}
}

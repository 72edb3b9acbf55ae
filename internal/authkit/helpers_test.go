package authkit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/tyemirov/shopauth/internal/accounts"
	"github.com/tyemirov/shopauth/internal/autherr"
	"github.com/tyemirov/shopauth/internal/identity"
	"go.uber.org/zap/zaptest"
	"google.golang.org/api/idtoken"
)

const (
	testIssuer         = "shopauth-test"
	testGoogleClientID = "client-123"
)

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

func newControllableClock() *controllableClock {
	return &controllableClock{current: time.Now().UTC().Truncate(time.Second)}
}

func newTestIssuer(t *testing.T, clock Clock) *CredentialIssuer {
	t.Helper()
	issuer, err := NewCredentialIssuer(CredentialConfig{
		Issuer:        testIssuer,
		AccessSecret:  []byte("access-secret"),
		RefreshSecret: []byte("refresh-secret"),
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	return issuer
}

func newTestServerConfig() ServerConfig {
	return ServerConfig{
		GoogleClientID:    testGoogleClientID,
		TokenAudiences:    []string{testGoogleClientID},
		JWTIssuer:         testIssuer,
		CookieDomain:      "",
		SessionCookieName: "session",
		RefreshCookieName: "refresh",
		SameSiteMode:      http.SameSiteStrictMode,
		AllowInsecureHTTP: true,
		AccessTokenTTL:    15 * time.Minute,
		RefreshTokenTTL:   7 * 24 * time.Hour,
	}
}

// fakeGoogleValidator stands in for Google's signature check; tokens it does not know fail verification.
type fakeGoogleValidator struct {
	mutex    sync.Mutex
	payloads map[string]*idtoken.Payload
	calls    int
}

func (validator *fakeGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	validator.mutex.Lock()
	defer validator.mutex.Unlock()
	validator.calls++
	payload, ok := validator.payloads[token]
	if !ok {
		return nil, autherr.New(autherr.CodeTokenVerification, "unknown token")
	}
	return payload, nil
}

func (validator *fakeGoogleValidator) callCount() int {
	validator.mutex.Lock()
	defer validator.mutex.Unlock()
	return validator.calls
}

// registerGoogleToken builds an unsigned three-part token and teaches the validator to accept it.
func (validator *fakeGoogleValidator) registerGoogleToken(t *testing.T, audience string, claims map[string]interface{}) string {
	t.Helper()
	merged := map[string]interface{}{
		"iss": "https://accounts.google.com",
		"aud": audience,
	}
	for key, value := range claims {
		merged[key] = value
	}
	header, _ := json.Marshal(map[string]string{"alg": "RS256", "typ": "JWT"})
	body, err := json.Marshal(merged)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	token := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(body) + ".c2lnbmF0dXJl"

	subject, _ := merged["sub"].(string)
	validator.mutex.Lock()
	defer validator.mutex.Unlock()
	if validator.payloads == nil {
		validator.payloads = make(map[string]*idtoken.Payload)
	}
	validator.payloads[token] = &idtoken.Payload{
		Issuer:   "https://accounts.google.com",
		Audience: audience,
		Subject:  subject,
		Expires:  time.Now().Add(time.Hour).Unix(),
		Claims:   merged,
	}
	return token
}

type stubCodeExchanger struct {
	mutex    sync.Mutex
	identity identity.ExternalIdentity
	err      error
	calls    int
}

func (exchanger *stubCodeExchanger) AuthCodeURL(state string) string {
	return "https://accounts.google.com/o/oauth2/auth?client_id=" + testGoogleClientID + "&scope=profile+email&state=" + state
}

func (exchanger *stubCodeExchanger) Exchange(ctx context.Context, code string) (identity.ExternalIdentity, error) {
	exchanger.mutex.Lock()
	defer exchanger.mutex.Unlock()
	exchanger.calls++
	if exchanger.err != nil {
		return identity.ExternalIdentity{}, exchanger.err
	}
	return exchanger.identity, nil
}

func (exchanger *stubCodeExchanger) callCount() int {
	exchanger.mutex.Lock()
	defer exchanger.mutex.Unlock()
	return exchanger.calls
}

type flowFixture struct {
	service   *FlowService
	store     *accounts.MemoryStore
	exchanger *stubCodeExchanger
	validator *fakeGoogleValidator
	issuer    *CredentialIssuer
	states    StateStore
	metrics   *CounterMetrics
	clock     *controllableClock
}

func newFlowFixture(t *testing.T, requireState bool) *flowFixture {
	t.Helper()
	clock := newControllableClock()
	store := accounts.NewMemoryStore()
	logger := zaptest.NewLogger(t)
	validator := &fakeGoogleValidator{}
	verifier, err := identity.NewTokenVerifier(validator, identity.TokenVerifierConfig{
		Audiences: []string{testGoogleClientID},
		Timeout:   time.Second,
	})
	if err != nil {
		t.Fatalf("failed to build verifier: %v", err)
	}
	exchanger := &stubCodeExchanger{identity: identity.ExternalIdentity{
		Provider:       identity.ProviderGoogle,
		ProviderUserID: "g-code",
		Email:          "code@shop.com",
		DisplayName:    "Code User",
		GivenName:      "Code",
		FamilyName:     "User",
		AvatarURL:      "https://example.com/code.png",
		EmailVerified:  true,
	}}
	issuer := newTestIssuer(t, clock)
	states := NewMemoryStateStore(10 * time.Minute)
	metrics := NewCounterMetrics()
	service, err := NewFlowService(FlowDependencies{
		CodeExchanger:     exchanger,
		TokenVerifier:     verifier,
		Reconciler:        accounts.NewReconciler(store, clock, logger),
		Issuer:            issuer,
		States:            states,
		RequireOAuthState: requireState,
		Metrics:           metrics,
		Logger:            logger,
	})
	if err != nil {
		t.Fatalf("failed to build flow service: %v", err)
	}
	return &flowFixture{
		service:   service,
		store:     store,
		exchanger: exchanger,
		validator: validator,
		issuer:    issuer,
		states:    states,
		metrics:   metrics,
		clock:     clock,
	}
}

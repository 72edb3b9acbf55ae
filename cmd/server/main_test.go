package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/shopauth/internal/identity"
	"go.uber.org/zap"
	"google.golang.org/api/idtoken"
)

func setRequiredConfig() {
	viper.Set("google_client_id", "client")
	viper.Set("access_token_secret", "access-secret")
	viper.Set("refresh_token_secret", "refresh-secret")
	viper.Set("access_token_ttl", time.Minute)
	viper.Set("refresh_token_ttl", time.Hour)
}

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	logger, err := zap.NewProduction()
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	router := gin.New()
	router.Use(zapLoggerMiddleware(logger))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
}

func TestRunServerMissingConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	err := runServer(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}

	expectedMessage := "config.uninitialized_server_config: server configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerConfigValidation(t *testing.T) {
	testCases := []struct {
		name            string
		mutate          func()
		expectedMessage string
	}{
		{
			name:            "google client id",
			mutate:          func() { viper.Set("google_client_id", "") },
			expectedMessage: "config.missing_google_client_id: google_client_id must be provided",
		},
		{
			name:            "access secret",
			mutate:          func() { viper.Set("access_token_secret", "") },
			expectedMessage: "config.missing_access_token_secret: access_token_secret must be provided",
		},
		{
			name:            "refresh secret",
			mutate:          func() { viper.Set("refresh_token_secret", "") },
			expectedMessage: "config.missing_refresh_token_secret: refresh_token_secret must be provided",
		},
		{
			name:            "shared secret",
			mutate:          func() { viper.Set("refresh_token_secret", "access-secret") },
			expectedMessage: "config.shared_token_secret: access_token_secret and refresh_token_secret must differ",
		},
		{
			name:            "access ttl",
			mutate:          func() { viper.Set("access_token_ttl", 0) },
			expectedMessage: "config.invalid_access_token_ttl: access_token_ttl must be greater than zero",
		},
		{
			name:            "refresh ttl",
			mutate:          func() { viper.Set("refresh_token_ttl", -time.Second) },
			expectedMessage: "config.invalid_refresh_token_ttl: refresh_token_ttl must be greater than zero",
		},
		{
			name:            "callback base url",
			mutate:          func() { viper.Set("google_client_secret", "secret") },
			expectedMessage: "config.missing_oauth_callback_base_url: oauth_callback_base_url must be provided with google_client_secret",
		},
		{
			name:            "cors origins",
			mutate:          func() { viper.Set("enable_cors", true) },
			expectedMessage: "config.missing_cors_allowed_origins: cors_allowed_origins must be provided when enable_cors is true",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			setRequiredConfig()
			testCase.mutate()

			_, err := LoadServerConfig()
			if err == nil || err.Error() != testCase.expectedMessage {
				t.Fatalf("expected error %q, got %v", testCase.expectedMessage, err)
			}
		})
	}
}

func TestLoadServerConfigDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	setRequiredConfig()
	viper.Set("google_client_secret", "secret")
	viper.Set("oauth_callback_base_url", "https://shop.example.com/")

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	if config.OAuthCallbackURL != "https://shop.example.com/auth/oauth/google/callback" {
		t.Fatalf("unexpected callback url %q", config.OAuthCallbackURL)
	}
	if len(config.TokenAudiences) != 1 || config.TokenAudiences[0] != "client" {
		t.Fatalf("expected audiences to default to the client id, got %v", config.TokenAudiences)
	}
	if config.JWTIssuer != defaultJWTIssuer || config.ProviderTimeout != identity.DefaultProviderTimeout || config.OAuthStateTTL != 10*time.Minute {
		t.Fatalf("unexpected defaults: %+v", config)
	}
	if config.SameSiteMode != http.SameSiteStrictMode || config.SessionCookieName != "session" || config.RefreshCookieName != "refresh" {
		t.Fatalf("unexpected cookie settings: %+v", config)
	}
}

func TestLoadServerConfigRequiresOAuthStateByDefault(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	setRequiredConfig()

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	if !config.RequireOAuthState {
		t.Fatalf("expected OAuth state to be required by default")
	}

	viper.Set("require_oauth_state", false)
	config, err = LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	if config.RequireOAuthState {
		t.Fatalf("expected explicit opt-out to be honored")
	}
}

func TestRootCommandRequiresOAuthStateByDefault(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	flag := newRootCommand().Flags().Lookup("require_oauth_state")
	if flag == nil || flag.DefValue != "true" {
		t.Fatalf("expected require_oauth_state to default to true, got %+v", flag)
	}
}

func TestLoadServerConfigCORSUsesSameSiteNone(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	setRequiredConfig()
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"https://shop.example.com"})
	viper.Set("token_audiences", []string{"web-client", "ios-client"})

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	if config.SameSiteMode != http.SameSiteNoneMode {
		t.Fatalf("expected SameSite=None with CORS, got %v", config.SameSiteMode)
	}
	if len(config.TokenAudiences) != 2 {
		t.Fatalf("expected configured audiences, got %v", config.TokenAudiences)
	}
}

func TestRunServerValidatorInitFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})
	defer restoreServe()

	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (identity.GoogleTokenValidator, error) {
		return nil, errors.New("validator_fail")
	})
	defer restoreValidator()

	viper.Set("listen_addr", ":0")
	setRequiredConfig()

	command := commandWithConfig(t)
	if err := runServer(command, nil); err == nil || err.Error() != "config.google_validator_init: validator_fail" {
		t.Fatalf("expected google validator init error, got %v", err)
	}
}

func TestRunServerUnsupportedDatabase(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		t.Fatalf("server must not start without an account store")
		return nil
	})
	defer restoreServe()

	setRequiredConfig()
	viper.Set("database_url", "mysql://localhost/shop")

	command := commandWithConfig(t)
	err := runServer(command, nil)
	if err == nil || !strings.HasPrefix(err.Error(), "config.account_store_init:") {
		t.Fatalf("expected account store init error, got %v", err)
	}
}

func TestRunServerSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	mini := miniredis.RunT(t)

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		if server.Handler == nil {
			t.Fatalf("expected handler to be configured")
		}
		recorder := httptest.NewRecorder()
		server.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/auth/oauth/google", nil))
		if recorder.Code != http.StatusFound || !strings.Contains(recorder.Header().Get("Location"), "state=") {
			t.Fatalf("expected consent redirect with state, got %d %q", recorder.Code, recorder.Header().Get("Location"))
		}
		me := httptest.NewRecorder()
		server.Handler.ServeHTTP(me, httptest.NewRequest(http.MethodGet, "/auth/me", nil))
		if me.Code != http.StatusUnauthorized {
			t.Fatalf("expected /auth/me to require a session, got %d", me.Code)
		}
		return http.ErrServerClosed
	})
	defer restoreServe()

	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (identity.GoogleTokenValidator, error) {
		return noopGoogleValidator{}, nil
	})
	defer restoreValidator()

	viper.Set("listen_addr", ":0")
	setRequiredConfig()
	viper.Set("google_client_secret", "secret")
	viper.Set("oauth_callback_base_url", "https://shop.example.com")
	viper.Set("require_oauth_state", true)
	viper.Set("cookie_domain", "localhost")
	viper.Set("dev_insecure_http", true)
	viper.Set("database_url", "sqlite:file:run_server_success?mode=memory&cache=shared")
	viper.Set("redis_url", "redis://"+mini.Addr()+"/0")
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"https://shop.example.com"})

	command := commandWithConfig(t)
	if err := runServer(command, nil); err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}
	if len(mini.Keys()) != 1 {
		t.Fatalf("expected the consent redirect to store one state in redis, got %v", mini.Keys())
	}
}

func TestRunServerInMemoryStores(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		recorder := httptest.NewRecorder()
		server.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/auth/oauth/google", nil))
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("expected code flow to be disabled without a client secret, got %d", recorder.Code)
		}
		return http.ErrServerClosed
	})
	defer restoreServe()

	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (identity.GoogleTokenValidator, error) {
		return noopGoogleValidator{}, nil
	})
	defer restoreValidator()

	viper.Set("listen_addr", ":0")
	setRequiredConfig()
	viper.Set("dev_insecure_http", true)

	command := commandWithConfig(t)
	if err := runServer(command, nil); err != nil {
		t.Fatalf("expected runServer to succeed with in-memory stores, got %v", err)
	}
}

func TestNewRootCommandHelp(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--help"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected help execution to succeed: %v", err)
	}
}

func commandWithConfig(t *testing.T) *cobra.Command {
	t.Helper()
	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, config))
	return command
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	previous := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = previous
	}
}

type noopGoogleValidator struct{}

func (noopGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	return &idtoken.Payload{}, nil
}

func withGoogleValidatorBuilderStub(stub func(ctx context.Context) (identity.GoogleTokenValidator, error)) func() {
	previous := buildGoogleTokenValidator
	buildGoogleTokenValidator = stub
	return func() {
		buildGoogleTokenValidator = previous
	}
}

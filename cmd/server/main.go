package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/shopauth/internal/accounts"
	"github.com/tyemirov/shopauth/internal/authkit"
	"github.com/tyemirov/shopauth/internal/identity"
	"github.com/tyemirov/shopauth/internal/web"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (identity.GoogleTokenValidator, error) {
	return identity.NewGoogleTokenValidator(ctx)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "shopauth",
		Short:   "Storefront sign-in with Google OAuth and JWT access/refresh tokens",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("google_client_id", "", "Google OAuth client ID")
	rootCmd.Flags().String("google_client_secret", "", "Google OAuth client secret; enables the authorization-code flow")
	rootCmd.Flags().String("oauth_callback_base_url", "", "Public base URL the Google callback is registered under")
	rootCmd.Flags().StringSlice("token_audiences", []string{}, "Client IDs accepted on identity tokens (defaults to google_client_id)")
	rootCmd.Flags().String("access_token_secret", "", "HS256 secret for access tokens")
	rootCmd.Flags().String("refresh_token_secret", "", "HS256 secret for refresh tokens; must differ from the access secret")
	rootCmd.Flags().Duration("access_token_ttl", 15*time.Minute, "Access token TTL")
	rootCmd.Flags().Duration("refresh_token_ttl", 7*24*time.Hour, "Refresh token TTL")
	rootCmd.Flags().String("jwt_issuer", defaultJWTIssuer, "Issuer claim on minted tokens")
	rootCmd.Flags().Duration("provider_timeout", identity.DefaultProviderTimeout, "Timeout for each call to the identity provider")
	rootCmd.Flags().String("database_url", "", "Account database (postgres://, sqlite://, mongodb://; empty for in-memory)")
	rootCmd.Flags().String("redis_url", "", "Redis URL for OAuth state; empty for in-memory")
	rootCmd.Flags().Bool("require_oauth_state", true, "Reject code callbacks without a state issued by this server")
	rootCmd.Flags().Duration("oauth_state_ttl", 10*time.Minute, "OAuth state lifetime")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().String("login_redirect_url", "", "Where the browser callback redirects after setting cookies")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin storefronts (sets SameSite=None cookies)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	for _, key := range []string{
		"listen_addr", "google_client_id", "google_client_secret", "oauth_callback_base_url", "token_audiences",
		"access_token_secret", "refresh_token_secret", "access_token_ttl", "refresh_token_ttl", "jwt_issuer",
		"provider_timeout", "database_url", "redis_url", "require_oauth_state", "oauth_state_ttl",
		"cookie_domain", "dev_insecure_http", "login_redirect_url", "enable_cors", "cors_allowed_origins",
	} {
		_ = viper.BindPFlag(key, rootCmd.Flags().Lookup(key))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	sessionCookieName = "session"
	refreshCookieName = "refresh"
	defaultJWTIssuer  = "shopauth"
	callbackPath      = "/auth/oauth/google/callback"

	configCodeMissingGoogleClientID   = "config.missing_google_client_id"
	configCodeMissingAccessSecret     = "config.missing_access_token_secret"
	configCodeMissingRefreshSecret    = "config.missing_refresh_token_secret"
	configCodeSharedTokenSecret       = "config.shared_token_secret"
	configCodeInvalidAccessTTL        = "config.invalid_access_token_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_token_ttl"
	configCodeMissingCallbackBaseURL  = "config.missing_oauth_callback_base_url"
	configCodeMissingCORSOrigins      = "config.missing_cors_allowed_origins"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
	configCodeAccountStoreInit        = "config.account_store_init"
	configCodeStateStoreInit          = "config.state_store_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates the viper-bound settings.
func LoadServerConfig() (authkit.ServerConfig, error) {
	googleClientID := strings.TrimSpace(viper.GetString("google_client_id"))
	if googleClientID == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingGoogleClientID, "google_client_id must be provided")
	}

	accessSecret := viper.GetString("access_token_secret")
	if accessSecret == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingAccessSecret, "access_token_secret must be provided")
	}
	refreshSecret := viper.GetString("refresh_token_secret")
	if refreshSecret == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingRefreshSecret, "refresh_token_secret must be provided")
	}
	if accessSecret == refreshSecret {
		return authkit.ServerConfig{}, configError(configCodeSharedTokenSecret, "access_token_secret and refresh_token_secret must differ")
	}

	accessTTL := viper.GetDuration("access_token_ttl")
	if accessTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_token_ttl must be greater than zero")
	}
	refreshTTL := viper.GetDuration("refresh_token_ttl")
	if refreshTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_token_ttl must be greater than zero")
	}

	googleClientSecret := viper.GetString("google_client_secret")
	callbackURL := ""
	if googleClientSecret != "" {
		baseURL := strings.TrimRight(strings.TrimSpace(viper.GetString("oauth_callback_base_url")), "/")
		if baseURL == "" {
			return authkit.ServerConfig{}, configError(configCodeMissingCallbackBaseURL, "oauth_callback_base_url must be provided with google_client_secret")
		}
		callbackURL = baseURL + callbackPath
	}

	audiences := viper.GetStringSlice("token_audiences")
	if len(audiences) == 0 {
		audiences = []string{googleClientID}
	}

	issuer := strings.TrimSpace(viper.GetString("jwt_issuer"))
	if issuer == "" {
		issuer = defaultJWTIssuer
	}
	providerTimeout := viper.GetDuration("provider_timeout")
	if providerTimeout <= 0 {
		providerTimeout = identity.DefaultProviderTimeout
	}
	stateTTL := viper.GetDuration("oauth_state_ttl")
	if stateTTL <= 0 {
		stateTTL = 10 * time.Minute
	}

	requireState := true
	if viper.IsSet("require_oauth_state") {
		requireState = viper.GetBool("require_oauth_state")
	}

	sameSite := http.SameSiteStrictMode
	if viper.GetBool("enable_cors") {
		if len(viper.GetStringSlice("cors_allowed_origins")) == 0 {
			return authkit.ServerConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
		}
		sameSite = http.SameSiteNoneMode
	}

	return authkit.ServerConfig{
		GoogleClientID:     googleClientID,
		GoogleClientSecret: googleClientSecret,
		OAuthCallbackURL:   callbackURL,
		TokenAudiences:     audiences,
		AccessTokenSecret:  []byte(accessSecret),
		RefreshTokenSecret: []byte(refreshSecret),
		AccessTokenTTL:     accessTTL,
		RefreshTokenTTL:    refreshTTL,
		JWTIssuer:          issuer,
		ProviderTimeout:    providerTimeout,
		RequireOAuthState:  requireState,
		OAuthStateTTL:      stateTTL,
		CookieDomain:       viper.GetString("cookie_domain"),
		SessionCookieName:  sessionCookieName,
		RefreshCookieName:  refreshCookieName,
		SameSiteMode:       sameSite,
		AllowInsecureHTTP:  viper.GetBool("dev_insecure_http"),
		LoginRedirectURL:   viper.GetString("login_redirect_url"),
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	databaseURL := viper.GetString("database_url")
	redisURL := viper.GetString("redis_url")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	accountStore, storeErr := accounts.OpenStore(commandContext, databaseURL)
	if storeErr != nil {
		return fmt.Errorf("%s: %w", configCodeAccountStoreInit, storeErr)
	}
	if closer, closable := accountStore.(interface{ Close(context.Context) error }); closable {
		defer func() { _ = closer.Close(context.Background()) }()
	}
	logger.Info("account store ready", zap.String("driver", accountStore.Driver()))

	var stateStore authkit.StateStore
	if redisURL != "" {
		redisStore, redisErr := authkit.NewRedisStateStore(commandContext, redisURL, serverConfig.OAuthStateTTL)
		if redisErr != nil {
			return fmt.Errorf("%s: %w", configCodeStateStoreInit, redisErr)
		}
		defer func() { _ = redisStore.Close() }()
		stateStore = redisStore
		logger.Info("using redis oauth state store")
	} else {
		stateStore = authkit.NewMemoryStateStore(serverConfig.OAuthStateTTL)
		logger.Info("using in-memory oauth state store")
	}

	validator, validatorErr := buildGoogleTokenValidator(commandContext)
	if validatorErr != nil {
		return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
	}
	tokenVerifier, verifierErr := identity.NewTokenVerifier(validator, identity.TokenVerifierConfig{
		Audiences: serverConfig.TokenAudiences,
		Timeout:   serverConfig.ProviderTimeout,
	})
	if verifierErr != nil {
		return verifierErr
	}

	var codeExchanger authkit.CodeExchanger
	if serverConfig.GoogleClientSecret != "" {
		exchanger, exchangerErr := identity.NewCodeExchanger(identity.CodeExchangeConfig{
			ClientID:     serverConfig.GoogleClientID,
			ClientSecret: serverConfig.GoogleClientSecret,
			RedirectURL:  serverConfig.OAuthCallbackURL,
			Timeout:      serverConfig.ProviderTimeout,
		})
		if exchangerErr != nil {
			return exchangerErr
		}
		codeExchanger = exchanger
	} else {
		logger.Warn("google_client_secret not set; authorization-code login disabled",
			zap.String("code", "config.code_flow_disabled"))
	}

	clock := authkit.NewSystemClock()
	issuer, issuerErr := authkit.NewCredentialIssuer(authkit.CredentialConfig{
		Issuer:        serverConfig.JWTIssuer,
		AccessSecret:  serverConfig.AccessTokenSecret,
		RefreshSecret: serverConfig.RefreshTokenSecret,
		AccessTTL:     serverConfig.AccessTokenTTL,
		RefreshTTL:    serverConfig.RefreshTokenTTL,
		Clock:         clock,
	})
	if issuerErr != nil {
		return issuerErr
	}

	metricsRecorder := authkit.NewCounterMetrics()
	flows, flowsErr := authkit.NewFlowService(authkit.FlowDependencies{
		CodeExchanger:     codeExchanger,
		TokenVerifier:     tokenVerifier,
		Reconciler:        accounts.NewReconciler(accountStore, clock, logger),
		Issuer:            issuer,
		States:            stateStore,
		RequireOAuthState: serverConfig.RequireOAuthState,
		Metrics:           metricsRecorder,
		Logger:            logger,
	})
	if flowsErr != nil {
		return flowsErr
	}

	authkit.MountAuthRoutes(router, serverConfig, flows, metricsRecorder, logger)
	router.GET("/auth/me", authkit.RequireSession(serverConfig, issuer), web.HandleWhoAmI(logger, accountStore))

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}

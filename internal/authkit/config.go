package authkit

import (
	"net/http"
	"time"
)

// ServerConfig configures providers, token signing, cookies, and TTLs.
type ServerConfig struct {
	GoogleClientID     string
	GoogleClientSecret string
	// OAuthCallbackURL must match the redirect URI registered with Google exactly.
	OAuthCallbackURL string
	TokenAudiences   []string

	AccessTokenSecret  []byte
	RefreshTokenSecret []byte
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	JWTIssuer          string

	ProviderTimeout   time.Duration
	RequireOAuthState bool
	OAuthStateTTL     time.Duration

	CookieDomain      string
	SessionCookieName string
	RefreshCookieName string
	SameSiteMode      http.SameSite
	AllowInsecureHTTP bool
	// LoginRedirectURL is where the browser callback lands after cookies are set; empty responds with JSON.
	LoginRedirectURL string
}

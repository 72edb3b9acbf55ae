package web

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("web.cors.wildcard_origin")
	errEmptyAllowedOrigins = errors.New("web.cors.no_origins")
	errInvalidOrigin       = errors.New("web.cors.invalid_origin")
)

// ConfigureCORS enables credentialed cross-origin requests from the storefront origins.
// Browsers send the session cookie along, so a wildcard origin is refused.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins, err := normalizeOrigins(logger, allowedOrigins)
	if err != nil {
		return nil, err
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		ExposeHeaders:    []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}), nil
}

func normalizeOrigins(logger *zap.Logger, configured []string) ([]string, error) {
	unique := make(map[string]struct{}, len(configured))
	for _, raw := range configured {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		origin, err := normalizeOrigin(trimmed)
		if err != nil {
			return nil, err
		}
		if _, seen := unique[origin]; seen {
			continue
		}
		parsed, _ := url.Parse(origin)
		if parsed.Scheme == "http" && !isDevelopmentHost(parsed.Hostname()) {
			logger.Warn("plaintext cors origin configured",
				zap.String("code", "web.cors.plaintext_origin"),
				zap.String("origin", origin))
		}
		unique[origin] = struct{}{}
	}
	if len(unique) == 0 {
		return nil, errEmptyAllowedOrigins
	}
	origins := make([]string, 0, len(unique))
	for origin := range unique {
		origins = append(origins, origin)
	}
	sort.Strings(origins)
	return origins, nil
}

// normalizeOrigin reduces an origin to lowercase scheme://host[:port].
func normalizeOrigin(raw string) (string, error) {
	if raw == "*" {
		return "", errWildcardOrigin
	}
	parsed, parseErr := url.Parse(raw)
	if parseErr != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("%w: %s", errInvalidOrigin, raw)
	}
	switch {
	case parsed.Path != "" && parsed.Path != "/":
		return "", fmt.Errorf("%w: %s has a path", errInvalidOrigin, raw)
	case parsed.RawQuery != "" || parsed.Fragment != "":
		return "", fmt.Errorf("%w: %s has a query or fragment", errInvalidOrigin, raw)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "https" && scheme != "http" {
		return "", fmt.Errorf("%w: %s uses scheme %s", errInvalidOrigin, raw, scheme)
	}
	return scheme + "://" + strings.ToLower(parsed.Host), nil
}

func isDevelopmentHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

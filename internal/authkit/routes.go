package authkit

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/shopauth/internal/autherr"
	"go.uber.org/zap"
)

// MountAuthRoutes registers the OAuth redirect and callback, the mobile token login,
// /auth/refresh, and /auth/logout.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, flows *FlowService, metrics MetricsRecorder, logger *zap.Logger) {
	if flows == nil {
		panic("flow service is required")
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	router.GET("/auth/oauth/google", func(contextGin *gin.Context) {
		consentURL, beginErr := flows.BeginCodeLogin(contextGin.Request.Context())
		if beginErr != nil {
			writeAuthError(contextGin, beginErr)
			return
		}
		contextGin.Redirect(http.StatusFound, consentURL)
	})

	router.POST("/auth/oauth/google/callback", func(contextGin *gin.Context) {
		var inbound struct {
			Code  string `json:"code"`
			State string `json:"state"`
		}
		_ = contextGin.ShouldBindJSON(&inbound)
		if !requireHTTPS(contextGin, configuration) {
			return
		}
		result, loginErr := flows.CompleteCodeLogin(contextGin.Request.Context(), inbound.Code, inbound.State)
		if loginErr != nil {
			writeAuthError(contextGin, loginErr)
			return
		}
		writeLoginResult(contextGin, result)
	})

	router.GET("/auth/oauth/google/callback", func(contextGin *gin.Context) {
		if !requireHTTPS(contextGin, configuration) {
			return
		}
		if providerError := contextGin.Query("error"); providerError != "" {
			logger.Warn("provider denied consent",
				zap.String("code", "auth.callback.consent_denied"),
				zap.String("provider_error", providerError))
		}
		result, loginErr := flows.CompleteBrowserCodeLogin(contextGin.Request.Context(), contextGin.Query("code"), contextGin.Query("state"))
		if loginErr != nil {
			writeAuthError(contextGin, loginErr)
			return
		}
		writeSessionCookie(contextGin, configuration, result.Credential.AccessToken, result.Credential.AccessExpiresAt)
		writeRefreshCookie(contextGin, configuration, result.Credential.RefreshToken, result.Credential.RefreshExpiresAt)
		if configuration.LoginRedirectURL != "" {
			contextGin.Redirect(http.StatusFound, configuration.LoginRedirectURL)
			return
		}
		writeLoginResult(contextGin, result)
	})

	router.POST("/auth/oauth/mobile", func(contextGin *gin.Context) {
		var inbound struct {
			TokenID  string `json:"tokenId"`
			Provider string `json:"provider"`
		}
		_ = contextGin.ShouldBindJSON(&inbound)
		if !requireHTTPS(contextGin, configuration) {
			return
		}
		result, loginErr := flows.CompleteTokenLogin(contextGin.Request.Context(), inbound.TokenID, inbound.Provider)
		if loginErr != nil {
			writeAuthError(contextGin, loginErr)
			return
		}
		writeLoginResult(contextGin, result)
	})

	router.POST("/auth/refresh", func(contextGin *gin.Context) {
		var inbound struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = contextGin.ShouldBindJSON(&inbound)
		if !requireHTTPS(contextGin, configuration) {
			return
		}
		refreshToken := strings.TrimSpace(inbound.RefreshToken)
		fromCookie := false
		if refreshToken == "" {
			if refreshCookie, cookieErr := contextGin.Request.Cookie(configuration.RefreshCookieName); cookieErr == nil && refreshCookie != nil {
				refreshToken = strings.TrimSpace(refreshCookie.Value)
				fromCookie = refreshToken != ""
			}
		}
		credential, refreshErr := flows.RefreshSession(contextGin.Request.Context(), refreshToken)
		if refreshErr != nil {
			if fromCookie {
				clearCookie(contextGin, configuration.SessionCookieName, "/", configuration.CookieDomain, configuration.SameSiteMode)
				clearCookie(contextGin, configuration.RefreshCookieName, "/auth", configuration.CookieDomain, configuration.SameSiteMode)
			}
			writeAuthError(contextGin, refreshErr)
			return
		}
		if fromCookie {
			writeSessionCookie(contextGin, configuration, credential.AccessToken, credential.AccessExpiresAt)
			writeRefreshCookie(contextGin, configuration, credential.RefreshToken, credential.RefreshExpiresAt)
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"success":      true,
			"accessToken":  credential.AccessToken,
			"refreshToken": credential.RefreshToken,
		})
	})

	// Tokens are stateless; logout only drops the browser's copies.
	router.POST("/auth/logout", func(contextGin *gin.Context) {
		clearCookie(contextGin, configuration.SessionCookieName, "/", configuration.CookieDomain, configuration.SameSiteMode)
		clearCookie(contextGin, configuration.RefreshCookieName, "/auth", configuration.CookieDomain, configuration.SameSiteMode)
		metrics.Increment(MetricLogoutSuccess)
		contextGin.Status(http.StatusNoContent)
	})
}

func writeLoginResult(contextGin *gin.Context, result LoginResult) {
	contextGin.JSON(http.StatusOK, gin.H{
		"success":      true,
		"user":         result.Account,
		"accessToken":  result.Credential.AccessToken,
		"refreshToken": result.Credential.RefreshToken,
	})
}

// writeAuthError renders {success:false, error, message} plus any diagnostic details.
func writeAuthError(contextGin *gin.Context, err error) {
	classified := autherr.As(err)
	body := gin.H{
		"success": false,
		"error":   string(classified.Code),
		"message": classified.Message,
	}
	for key, value := range classified.Details {
		if _, reserved := body[key]; reserved {
			continue
		}
		body[key] = value
	}
	contextGin.AbortWithStatusJSON(classified.HTTPStatus(), body)
}

func requireHTTPS(contextGin *gin.Context, configuration ServerConfig) bool {
	if configuration.AllowInsecureHTTP || isHTTPS(contextGin.Request) {
		return true
	}
	writeAuthError(contextGin, autherr.New(autherr.CodeHTTPSRequired, "token endpoints require HTTPS"))
	return false
}

func writeSessionCookie(contextGin *gin.Context, configuration ServerConfig, sessionToken string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.SessionCookieName,
		Value:    sessionToken,
		Path:     "/",
		Domain:   configuration.CookieDomain,
		Expires:  expiresAt,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func writeRefreshCookie(contextGin *gin.Context, configuration ServerConfig, refreshToken string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.RefreshCookieName,
		Value:    refreshToken,
		Path:     "/auth",
		Domain:   configuration.CookieDomain,
		Expires:  expiresAt,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func clearCookie(contextGin *gin.Context, name string, path string, domain string, sameSite http.SameSite) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		Domain:   domain,
		MaxAge:   -1,
		Secure:   true,
		HttpOnly: true,
		SameSite: sameSite,
	})
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	scheme := request.Header.Get("X-Forwarded-Proto")
	if strings.EqualFold(scheme, "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	if splitErr == nil && host == "localhost" {
		return true
	}
	return false
}

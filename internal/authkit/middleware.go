package authkit

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/shopauth/internal/autherr"
)

// ClaimsContextKey is where RequireSession stores *SessionClaims on the gin context.
const ClaimsContextKey = "auth_claims"

// RequireSession accepts an access token from the Authorization bearer header or the session cookie.
func RequireSession(configuration ServerConfig, issuer *CredentialIssuer) gin.HandlerFunc {
	if issuer == nil {
		panic("credential issuer is required")
	}
	return func(contextGin *gin.Context) {
		accessToken := bearerToken(contextGin.GetHeader("Authorization"))
		if accessToken == "" {
			if sessionCookie, cookieErr := contextGin.Request.Cookie(configuration.SessionCookieName); cookieErr == nil && sessionCookie != nil {
				accessToken = strings.TrimSpace(sessionCookie.Value)
			}
		}
		if accessToken == "" {
			writeAuthError(contextGin, autherr.New(autherr.CodeUnauthorized, "a session is required"))
			return
		}
		claims, verifyErr := issuer.VerifyAccess(accessToken)
		if verifyErr != nil {
			writeAuthError(contextGin, verifyErr)
			return
		}
		contextGin.Set(ClaimsContextKey, claims)
		contextGin.Next()
	}
}

func bearerToken(header string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

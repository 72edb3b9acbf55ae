package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/shopauth/internal/accounts"
	"github.com/tyemirov/shopauth/internal/authkit"
	"github.com/tyemirov/shopauth/internal/autherr"
	"go.uber.org/zap"
)

// HandleWhoAmI returns the signed-in account. It expects authkit.RequireSession to run first.
func HandleWhoAmI(logger *zap.Logger, store accounts.Store) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		panic("account store is required")
	}

	return func(contextGin *gin.Context) {
		claimsValue, found := contextGin.Get(authkit.ClaimsContextKey)
		if !found {
			logger.Warn("missing auth claims on context",
				zap.String("code", "api.me.missing_claims"))
			writeUnauthorized(contextGin)
			return
		}
		claims, ok := claimsValue.(*authkit.SessionClaims)
		if !ok || claims == nil || claims.SubjectID == "" {
			logger.Warn("invalid auth claims on context",
				zap.String("code", "api.me.invalid_claims"))
			writeUnauthorized(contextGin)
			return
		}

		account, findErr := store.FindByID(contextGin.Request.Context(), claims.SubjectID)
		if findErr != nil {
			if errors.Is(findErr, accounts.ErrAccountNotFound) {
				// The token outlived its account.
				logger.Warn("account missing for session",
					zap.String("code", "api.me.account_missing"),
					zap.String("account_id", claims.SubjectID))
				writeUnauthorized(contextGin)
				return
			}
			logger.Error("account lookup error",
				zap.String("code", "api.me.lookup_error"),
				zap.String("account_id", claims.SubjectID),
				zap.Error(findErr))
			writeError(contextGin, autherr.Internal(findErr))
			return
		}

		summary := authkit.NewAccountSummary(account)
		summary.Provider = string(account.Provider)
		contextGin.JSON(http.StatusOK, gin.H{
			"success": true,
			"user":    summary,
		})
	}
}

func writeUnauthorized(contextGin *gin.Context) {
	writeError(contextGin, autherr.New(autherr.CodeUnauthorized, "a session is required"))
}

func writeError(contextGin *gin.Context, classified *autherr.Error) {
	contextGin.AbortWithStatusJSON(classified.HTTPStatus(), gin.H{
		"success": false,
		"error":   string(classified.Code),
		"message": classified.Message,
	})
}

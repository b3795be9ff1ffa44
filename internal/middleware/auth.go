package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-service/internal/apperr"
	"dm-service/internal/auth"
)

const (
	userIDKey = "userID"
	tokenKey  = "accessToken"
)

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Identity, error)
}

// AuthMiddleware resolves the caller from the bearer token, the token query
// parameter or the access token cookie, and stores the user id as int64
// under "userID".
func AuthMiddleware(authn Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.TokenFromRequest(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		identity, err := authn.Authenticate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, apperr.ErrUpstream) {
				LoggerFrom(c).Warn().Err(err).Msg("auth service unavailable")
				c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "auth service unavailable"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(userIDKey, identity.UserID)
		c.Set(tokenKey, identity.Token)
		c.Next()
	}
}

// TokenFrom returns the credential the request was authenticated with.
func TokenFrom(c *gin.Context) string {
	return c.GetString(tokenKey)
}

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dm-service/internal/middleware"
)

// Revoker lists a token as revoked until ttl passes.
type Revoker interface {
	Revoke(ctx context.Context, token string, ttl time.Duration) error
}

// SessionHandler ends sessions by listing their token as revoked. Live
// websocket connections keep running; the token is refused on the next
// handshake or request.
type SessionHandler struct {
	revoker Revoker
	ttl     time.Duration
}

func NewSessionHandler(revoker Revoker, ttl time.Duration) *SessionHandler {
	return &SessionHandler{revoker: revoker, ttl: ttl}
}

// Logout revokes the token the request was authenticated with.
func (h *SessionHandler) Logout(c *gin.Context) {
	token := middleware.TokenFrom(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := h.revoker.Revoke(c.Request.Context(), token, h.ttl); err != nil {
		middleware.LoggerFrom(c).Error().Err(err).Msg("revoke token")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to log out"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"dm-service/internal/apperr"
	"dm-service/internal/middleware"
)

// callerID is the user id the auth middleware stored on the context.
func callerID(c *gin.Context) int64 {
	return c.GetInt64("userID")
}

func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// writeError maps service errors onto HTTP statuses. Internal failures are
// logged and never echoed to the client.
func writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, apperr.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, apperr.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, apperr.ErrTransientStore):
		middleware.LoggerFrom(c).Warn().Err(err).Msg(fallback)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": fallback})
	case errors.Is(err, apperr.ErrUpstream):
		middleware.LoggerFrom(c).Warn().Err(err).Msg(fallback)
		c.JSON(http.StatusBadGateway, gin.H{"error": fallback})
	default:
		middleware.LoggerFrom(c).Error().Err(err).Msg(fallback)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

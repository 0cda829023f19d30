package api

import (
	"errors"
	"net/http"

	"integrahub/internal/breaker"
	"integrahub/internal/service"
	"integrahub/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondError maps service sentinels to HTTP codes.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidEvent),
		errors.Is(err, service.ErrInvalidEndpoint),
		errors.Is(err, breaker.ErrInvalidService):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case service.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("trace_id", c.GetString("TraceID")),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

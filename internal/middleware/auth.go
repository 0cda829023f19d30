package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"integrahub/internal/model"
	"integrahub/internal/service"
	"integrahub/pkg/constraints"
	"integrahub/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Authenticator resolves API keys to producers.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*model.APIClient, error)
}

// APIKeyAuth identifies the producer and stores it in the request context.
func APIKeyAuth(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader(constraints.HeaderAPIKey)
		if apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing API key"})
			return
		}

		client, err := auth.Authenticate(c.Request.Context(), apiKey)
		if err != nil {
			if errors.Is(err, service.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
				return
			}
			logger.Error("api key lookup failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		ctx := service.WithClient(c.Request.Context(), &service.ClientInfo{ID: client.ID, Name: client.Name})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// AdminAuth checks the static operator key. An empty key disables the admin API.
func AdminAuth(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin API disabled"})
			return
		}
		got := c.GetHeader(constraints.HeaderAdminKey)
		if got == "" {
			// EventSource cannot set headers
			got = c.Query("admin_key")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
			return
		}
		c.Next()
	}
}

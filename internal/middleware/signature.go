package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"integrahub/internal/service"
	"integrahub/pkg/constraints"
	"integrahub/pkg/logger"
	"integrahub/pkg/signature"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RawBodyKey holds the verified request body in the gin context.
const RawBodyKey = "raw_body"

const maxWebhookBody = 1 << 20

// SecretResolver returns the inbound webhook secret of a source system.
type SecretResolver interface {
	WebhookSecret(ctx context.Context, system string) (string, error)
}

// VerifySignature authenticates inbound webhooks by HMAC over the raw body.
// The system is taken from the :system route parameter.
func VerifySignature(secrets SecretResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		system := c.Param("system")
		header := c.GetHeader(constraints.HeaderSignature)
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing signature"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		if len(body) > maxWebhookBody {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
			return
		}

		secret, err := secrets.WebhookSecret(c.Request.Context(), system)
		if err != nil {
			if !errors.Is(err, service.ErrUnknownSystem) {
				logger.Error("webhook secret lookup failed", zap.String("system", system), zap.Error(err))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		if !signature.Verify(body, secret, header) {
			logger.Warn("inbound webhook signature mismatch",
				zap.String("system", system),
				zap.String("ip", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		c.Set(RawBodyKey, body)
		// the verified system is the request identity, e.g. for rate limiting
		ctx := service.WithClient(c.Request.Context(), &service.ClientInfo{Name: system})
		c.Request = c.Request.WithContext(ctx)
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Next()
	}
}

package middleware

import (
	"integrahub/internal/service"
	"integrahub/pkg/constraints"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// TraceMiddleware propagates the caller's trace id, or starts a new one.
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(constraints.HeaderTraceID)
		if traceID == "" {
			traceID = uuid.New().String()
		}
		c.Set("TraceID", traceID)
		c.Request = c.Request.WithContext(service.WithTraceID(c.Request.Context(), traceID))
		c.Writer.Header().Set(constraints.HeaderTraceID, traceID)
		c.Next()
	}
}

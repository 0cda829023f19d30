package api

import (
	"net/http"

	"integrahub/internal/middleware"
	"integrahub/pkg/constraints"

	"github.com/gin-gonic/gin"
)

// WebhookHandler republishes verified inbound webhooks as integration events.
type WebhookHandler struct {
	service EventProvider
}

func NewWebhookHandler(service EventProvider) *WebhookHandler {
	return &WebhookHandler{service: service}
}

// Receive runs after signature verification; the raw body becomes the payload.
func (h *WebhookHandler) Receive(c *gin.Context) {
	raw, ok := c.Get(middleware.RawBodyKey)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}
	body, _ := raw.([]byte)

	eventType := c.GetHeader(constraints.HeaderEventType)
	if eventType == "" {
		eventType = constraints.DefaultInboundEventType
	}

	event, err := h.service.Publish(c.Request.Context(), eventType, c.Param("system"), body)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": event.ID, "status": event.Status})
}

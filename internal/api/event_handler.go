package api

import (
	"context"
	"encoding/json"
	"net/http"

	"integrahub/internal/dto/req"
	"integrahub/internal/dto/resp"
	"integrahub/internal/model"
	"integrahub/internal/repository"
	"integrahub/internal/service"
	v1 "integrahub/pkg/api/v1"

	"github.com/gin-gonic/gin"
)

type EventProvider interface {
	Publish(ctx context.Context, eventType, sourceSystem string, payload json.RawMessage) (*model.IntegrationEvent, error)
	GetEvent(ctx context.Context, id string) (*service.EventDetail, error)
	ListEvents(ctx context.Context, filter repository.EventFilter) ([]model.IntegrationEvent, int64, error)
	Health(ctx context.Context) error
}

type EventHandler struct {
	service EventProvider
}

func NewEventHandler(service EventProvider) *EventHandler {
	return &EventHandler{service: service}
}

// Publish accepts an event and returns before any delivery is attempted.
func (h *EventHandler) Publish(c *gin.Context) {
	var r v1.PublishRequest
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "JSON format error"})
		return
	}

	event, err := h.service.Publish(c.Request.Context(), r.EventType, r.SourceSystem, r.Payload)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, v1.PublishResponse{ID: event.ID, Status: string(event.Status)})
}

func (h *EventHandler) GetEvent(c *gin.Context) {
	var r req.EventIDRequest
	if err := c.ShouldBindUri(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	detail, err := h.service.GetEvent(c.Request.Context(), r.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.EventDetailResponse{
		EventItem:  resp.NewEventItem(detail.Event),
		Deliveries: detail.Deliveries,
		Attempts:   detail.Attempts,
	})
}

func (h *EventHandler) ListEvents(c *gin.Context) {
	var r req.ListEventsRequest
	if err := c.ShouldBindQuery(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid params"})
		return
	}

	events, total, err := h.service.ListEvents(c.Request.Context(), repository.EventFilter{
		Status:    model.EventStatus(r.Status),
		EventType: r.EventType,
		Source:    r.Source,
		Offset:    r.Offset,
		Limit:     r.Limit,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	items := make([]resp.EventItem, 0, len(events))
	for i := range events {
		items = append(items, resp.NewEventItem(&events[i]))
	}
	c.JSON(http.StatusOK, resp.ListEventsResponse{Data: items, Total: total})
}

func (h *EventHandler) HealthCheck(c *gin.Context) {
	if err := h.service.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

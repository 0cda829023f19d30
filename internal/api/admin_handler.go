package api

import (
	"context"
	"net/http"

	"integrahub/internal/breaker"
	"integrahub/internal/dto/req"
	"integrahub/internal/dto/resp"
	"integrahub/internal/model"
	"integrahub/internal/service"
	"integrahub/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type OperatorProvider interface {
	CreateEndpoint(ctx context.Context, in service.EndpointInput) (*model.WebhookEndpoint, error)
	ListEndpoints(ctx context.Context, system string) ([]model.WebhookEndpoint, error)
	GetEndpoint(ctx context.Context, id uint64) (*model.WebhookEndpoint, error)
	UpdateEndpoint(ctx context.Context, id uint64, patch service.EndpointPatch) (*model.WebhookEndpoint, error)
	DeleteEndpoint(ctx context.Context, id uint64) error

	ListDeadLetters(ctx context.Context, offset, limit int) ([]model.DeadLetterEntry, int64, error)
	GetDeadLetter(ctx context.Context, id uint64) (*service.DeadLetterDetail, error)
	ReplayDeadLetter(ctx context.Context, id uint64) (*model.WebhookDelivery, error)
	DiscardDeadLetter(ctx context.Context, id uint64) error

	ListCircuits(ctx context.Context) ([]breaker.Status, error)
	GetCircuit(ctx context.Context, service string) (*breaker.Status, error)
	ResetCircuit(ctx context.Context, service string) (*breaker.Status, error)
}

type DashboardProvider interface {
	Snapshot(ctx context.Context) (*service.Dashboard, error)
}

type AdminHandler struct {
	operator OperatorProvider
	monitor  DashboardProvider
}

func NewAdminHandler(operator OperatorProvider, monitor DashboardProvider) *AdminHandler {
	return &AdminHandler{operator: operator, monitor: monitor}
}

func (h *AdminHandler) CreateEndpoint(c *gin.Context) {
	var r req.CreateEndpointRequest
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "JSON format error"})
		return
	}

	ep, err := h.operator.CreateEndpoint(c.Request.Context(), service.EndpointInput{
		SystemName:   r.SystemName,
		URL:          r.URL,
		SharedSecret: r.SharedSecret,
		EventTypes:   r.EventTypes,
		Status:       model.EndpointStatus(r.Status),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	logger.Info("endpoint created",
		zap.Uint64("id", ep.ID),
		zap.String("system", ep.SystemName),
		zap.String("event_types", ep.EventTypes))
	c.JSON(http.StatusCreated, resp.EndpointCreatedResponse{WebhookEndpoint: ep, SharedSecret: ep.SharedSecret})
}

func (h *AdminHandler) ListEndpoints(c *gin.Context) {
	var r req.ListEndpointsRequest
	if err := c.ShouldBindQuery(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid params"})
		return
	}
	eps, err := h.operator.ListEndpoints(c.Request.Context(), r.SystemName)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.ListEndpointsResponse{Data: eps})
}

func (h *AdminHandler) GetEndpoint(c *gin.Context) {
	var r req.IDRequest
	if err := c.ShouldBindUri(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	ep, err := h.operator.GetEndpoint(c.Request.Context(), r.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ep)
}

func (h *AdminHandler) UpdateEndpoint(c *gin.Context) {
	var id req.IDRequest
	if err := c.ShouldBindUri(&id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var r req.UpdateEndpointRequest
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "JSON format error"})
		return
	}

	patch := service.EndpointPatch{URL: r.URL, SharedSecret: r.SharedSecret, EventTypes: r.EventTypes}
	if r.Status != nil {
		st := model.EndpointStatus(*r.Status)
		patch.Status = &st
	}
	ep, err := h.operator.UpdateEndpoint(c.Request.Context(), id.ID, patch)
	if err != nil {
		respondError(c, err)
		return
	}
	logger.Info("endpoint updated", zap.Uint64("id", ep.ID), zap.String("status", string(ep.Status)))
	c.JSON(http.StatusOK, ep)
}

func (h *AdminHandler) DeleteEndpoint(c *gin.Context) {
	var r req.IDRequest
	if err := c.ShouldBindUri(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	if err := h.operator.DeleteEndpoint(c.Request.Context(), r.ID); err != nil {
		respondError(c, err)
		return
	}
	logger.Info("endpoint deleted", zap.Uint64("id", r.ID))
	c.Status(http.StatusNoContent)
}

func (h *AdminHandler) ListDeadLetters(c *gin.Context) {
	var r req.PageRequest
	if err := c.ShouldBindQuery(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid params"})
		return
	}
	entries, total, err := h.operator.ListDeadLetters(c.Request.Context(), r.Offset, r.Limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.ListDeadLettersResponse{Data: entries, Total: total})
}

func (h *AdminHandler) GetDeadLetter(c *gin.Context) {
	var r req.IDRequest
	if err := c.ShouldBindUri(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	d, err := h.operator.GetDeadLetter(c.Request.Context(), r.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.DeadLetterDetailResponse{
		DeadLetterEntry: d.Entry,
		Delivery:        d.Delivery,
		Attempts:        d.Attempts,
	})
}

// ReplayDeadLetter sends the delivery again with a fresh attempt budget.
func (h *AdminHandler) ReplayDeadLetter(c *gin.Context) {
	var r req.IDRequest
	if err := c.ShouldBindUri(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	delivery, err := h.operator.ReplayDeadLetter(c.Request.Context(), r.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	logger.Info("dead letter replayed",
		zap.Uint64("dead_letter_id", r.ID),
		zap.Uint64("delivery_id", delivery.ID),
		zap.String("status", string(delivery.Status)))
	c.JSON(http.StatusOK, delivery)
}

func (h *AdminHandler) DiscardDeadLetter(c *gin.Context) {
	var r req.IDRequest
	if err := c.ShouldBindUri(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	if err := h.operator.DiscardDeadLetter(c.Request.Context(), r.ID); err != nil {
		respondError(c, err)
		return
	}
	logger.Info("dead letter discarded", zap.Uint64("dead_letter_id", r.ID))
	c.Status(http.StatusNoContent)
}

func (h *AdminHandler) ListCircuits(c *gin.Context) {
	circuits, err := h.operator.ListCircuits(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": circuits})
}

func (h *AdminHandler) GetCircuit(c *gin.Context) {
	st, err := h.operator.GetCircuit(c.Request.Context(), c.Param("service"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *AdminHandler) ResetCircuit(c *gin.Context) {
	st, err := h.operator.ResetCircuit(c.Request.Context(), c.Param("service"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *AdminHandler) Dashboard(c *gin.Context) {
	d, err := h.monitor.Snapshot(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

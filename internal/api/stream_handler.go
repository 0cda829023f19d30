package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"integrahub/internal/service"
	v1 "integrahub/pkg/api/v1"
	"integrahub/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type StreamHandler struct {
	hub *service.Hub
}

func NewStreamHandler(hub *service.Hub) *StreamHandler {
	return &StreamHandler{hub: hub}
}

// DashboardWatch streams delivery notices over SSE. A client reconnecting
// with last_seq first receives what it missed, or a reset when the buffer no
// longer covers the gap.
func (h *StreamHandler) DashboardWatch(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	systems := make(map[string]bool)
	for p := range strings.SplitSeq(c.Query("systems"), ",") {
		if s := strings.TrimSpace(p); s != "" {
			systems[s] = true
		}
	}

	var lastSeq int64
	if s := c.Query("last_seq"); s != "" {
		lastSeq, _ = strconv.ParseInt(s, 10, 64)
	}

	logger.Info("dashboard client connected",
		zap.String("ip", c.ClientIP()),
		zap.Int64("last_seq", lastSeq),
		zap.Int("systems", len(systems)),
	)

	sub := &service.Subscriber{
		Send:    make(chan v1.DeliveryNotice, 128),
		Systems: systems,
	}

	if !h.hub.Join(sub) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}
	defer h.hub.Leave(sub)

	maxSent := lastSeq
	if lastSeq > 0 {
		missed, ok := h.hub.GetSince(lastSeq)
		if lastSeq > h.hub.Latest() {
			// the hub restarted and its sequence began again
			ok = false
		}
		if ok {
			for _, n := range missed {
				if len(systems) > 0 && !systems[n.SystemName] {
					continue
				}
				c.SSEvent("message", n)
				maxSent = n.Seq
			}
		} else {
			c.SSEvent("reset", "sequence_too_old")
			maxSent = 0
		}
		c.Writer.Flush()
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case n, ok := <-sub.Send:
			if !ok {
				return false
			}
			if n.Outcome == v1.OutcomePing {
				c.SSEvent("ping", "pong")
				return true
			}
			// already sent during catch-up
			if n.Seq <= maxSent {
				return true
			}
			c.SSEvent("message", n)
			maxSent = n.Seq
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

package server

import (
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/cybotrack/internal/realtime"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// handleEvents streams the caller's realtime messages as server-sent events, with a heartbeat
// so idle proxies keep the connection open.
func (h *httpHandler) handleEvents(c *gin.Context) {
	user, ok := h.requireUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	stream, unsubscribe := h.dispatcher.Subscribe(ctx, user.ID)
	defer unsubscribe()
	if h.metrics != nil {
		h.metrics.IncrementSubscribers()
		defer h.metrics.DecrementSubscribers()
	}
	h.logger.Debug("realtime subscriber connected", zap.String("user_id", user.ID))

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.Event, message)
			return true
		case <-ticker.C:
			c.SSEvent(realtime.EventHeartbeat, realtime.Message{
				Event:     realtime.EventHeartbeat,
				Timestamp: h.clock().UTC(),
			})
			return true
		}
	})
	h.logger.Debug("realtime subscriber disconnected", zap.String("user_id", user.ID))
}

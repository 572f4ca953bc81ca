package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// keepAliveInterval spaces comment frames that keep idle proxies from
// closing the stream
const keepAliveInterval = 15 * time.Second

// Events handles GET /approvals/:quoteId/events, a server-sent events stream
// of the engine events of one quote. The stream ends when the client goes away.
func (h *Handlers) Events(c *gin.Context) {
	if h.services.Feed == nil {
		c.JSON(http.StatusNotFound, Response{Success: false, Error: "event stream is not enabled"})
		return
	}

	quoteID := c.Param("quoteId")
	events, stop := h.services.Feed.Watch(quoteID)
	defer stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent(string(evt.Type), evt)
			c.Writer.Flush()
		case <-keepAlive.C:
			if _, err := c.Writer.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

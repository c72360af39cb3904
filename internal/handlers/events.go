package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/huangang/modsentry/internal/services"
	"github.com/huangang/modsentry/pkg/logger"
)

const sseHeartbeat = 25 * time.Second

// EventsHandler streams circuit transitions and budget alerts over SSE.
type EventsHandler struct {
	hub       *services.EventHub
	heartbeat time.Duration
}

func NewEventsHandler(hub *services.EventHub) *EventsHandler {
	return &EventsHandler{hub: hub, heartbeat: sseHeartbeat}
}

// Stream keeps the connection open until the client leaves. ?kind=circuit
// narrows the stream; a Last-Event-ID header replays what was missed.
func (h *EventsHandler) Stream(c *gin.Context) {
	lastID, _ := strconv.ParseUint(c.GetHeader("Last-Event-ID"), 10, 64)
	var kinds []string
	if k := c.Query("kind"); k != "" {
		kinds = strings.Split(k, ",")
	}

	sub := h.hub.Subscribe(lastID, kinds...)
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	log := logger.WithCorrelation(logger.CorrelationID(c))
	log.Info().Int("clients", h.hub.ClientCount()).Msg("[Events] dashboard connected")

	ping := time.NewTicker(h.heartbeat)
	defer ping.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			log.Info().Msg("[Events] dashboard disconnected")
			return
		case <-ping.C:
			// Comment lines keep idle proxies from closing the stream.
			if _, err := c.Writer.WriteString(": ping\n\n"); err != nil {
				return
			}
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			c.Render(-1, sse.Event{Id: strconv.FormatUint(e.ID, 10), Event: e.Kind, Data: e})
		}
		c.Writer.Flush()
	}
}

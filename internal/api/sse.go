package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vibedev/agentd/internal/session"
)

// StreamSession serves a session's event stream over SSE. Reconnecting
// clients resume with the Last-Event-ID header or the last_event_id query
// parameter.
// GET /sessions/:id/stream
func (h *Handler) StreamSession(c *gin.Context) {
	sessionID := c.Param("id")

	att, err := h.manager.AttachStream(c.Request.Context(), sessionID, lastEventID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer att.Close()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := h.logger.WithSessionID(sessionID)
	log.Debug("SSE stream attached")

	for ev := range att.Events {
		if err := writeSSEEvent(c.Writer, ev); err != nil {
			log.Debug("SSE client gone", zap.Error(err))
			return
		}
		flusher.Flush()
	}

	log.Debug("SSE stream closed")
}

// writeSSEEvent writes one event in SSE framing. Sequenced events carry an
// id line so clients can resume; heartbeats and status-on-attach do not.
func writeSSEEvent(w http.ResponseWriter, ev session.Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
		return err
	}
	if ev.ID != 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.ID); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

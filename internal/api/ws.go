package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vibedev/agentd/internal/common/logger"
	"github.com/vibedev/agentd/internal/session"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

// wsFrame is the JSON shape of a stream event on the WebSocket transport.
type wsFrame struct {
	ID      uint64 `json:"id,omitempty"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// StreamSessionWS serves a session's event stream over WebSocket, the same
// publisher contract as the SSE endpoint. Resume position comes from the
// last_event_id query parameter.
// GET /sessions/:id/stream/ws
func (h *Handler) StreamSessionWS(c *gin.Context) {
	sessionID := c.Param("id")

	att, err := h.manager.AttachStream(c.Request.Context(), sessionID, lastEventID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		att.Close()
		h.logger.Error("Failed to upgrade connection",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}

	log := h.logger.WithSessionID(sessionID)
	log.Debug("WebSocket stream attached")

	go h.readLoop(conn, att)
	h.writeLoop(conn, att, log)
}

// readLoop drains client frames and keeps the pong deadline fresh. The
// stream is write-only; any read error ends the attachment.
func (h *Handler) readLoop(conn *websocket.Conn, att *session.Attachment) {
	defer att.Close()

	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop forwards stream events and protocol pings until the stream ends.
func (h *Handler) writeLoop(conn *websocket.Conn, att *session.Attachment, log *logger.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		att.Close()
		_ = conn.Close()
	}()

	for {
		select {
		case ev, ok := <-att.Events:
			if !ok {
				// Stream ended: terminal state reached or replaced by a
				// newer attachment
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			frame := wsFrame{ID: ev.ID, Type: string(ev.Type), Payload: ev.Payload}
			if err := conn.WriteJSON(frame); err != nil {
				log.Debug("WebSocket client gone", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

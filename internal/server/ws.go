package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local tooling connects from arbitrary origins.
		return true
	},
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// streamSync upgrades the connection and forwards the session's sync bus
// events as JSON frames until either side disconnects.
// GET /ws/sync/:session_id
func (h *Handlers) streamSync(c *gin.Context) {
	sessionID := c.Param("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("websocket upgrade failed",
			zap.String("session_id", sessionID))
		return
	}
	defer conn.Close()

	sub := h.bus.Subscribe(sessionID)
	defer h.bus.Unsubscribe(sub)

	h.logger.Info("sync stream opened", zap.String("session_id", sessionID))

	// Drain the client side so close frames are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				h.logger.WithError(err).Debug("sync stream write failed",
					zap.String("session_id", sessionID))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			h.logger.Info("sync stream closed", zap.String("session_id", sessionID))
			return
		}
	}
}

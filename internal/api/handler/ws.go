package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/timmy/sermontube/internal/events"
	"github.com/timmy/sermontube/internal/logger"
)

// WSHandler upgrades clients onto the event stream.
type WSHandler struct {
	hub      *events.Hub
	upgrader websocket.Upgrader
}

// NewWSHandler creates a websocket handler. checkOrigin decides which
// browser origins may connect.
func NewWSHandler(hub *events.Hub, checkOrigin func(origin string) bool) *WSHandler {
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || checkOrigin == nil || checkOrigin(origin)
			},
		},
	}
}

// Stream handles GET /api/v1/ws.
func (h *WSHandler) Stream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response
		logger.CtxWarn(c.Request.Context(), "WebSocket upgrade failed: %v", err)
		return
	}
	h.hub.ServeConn(conn)
}

package events

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/timmy/sermontube/internal/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// ServeConn streams hub events to an upgraded websocket connection until the
// peer goes away. It blocks.
func (h *Hub) ServeConn(conn *websocket.Conn) {
	client := h.Subscribe()
	log := logger.GetDefault().WithField(logger.FieldComponent, "events")
	log.WithField(logger.FieldCount, h.ClientCount()).Info("WebSocket client connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			// inbound messages are ignored; reading surfaces disconnects
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.Unsubscribe(client)
		conn.Close()
		log.WithField(logger.FieldCount, h.ClientCount()).Info("WebSocket client disconnected")
	}()

	for {
		select {
		case msg, ok := <-client.C():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

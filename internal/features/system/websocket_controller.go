package system

import (
	"github.com/gofiber/contrib/websocket"
)

type WebSocketController struct {
	hub *StatusHub
}

func NewWebSocketController(hub *StatusHub) *WebSocketController {
	return &WebSocketController{hub: hub}
}

// HandleWebSocket keeps the socket registered for status broadcasts.
// Clients only listen; inbound frames are drained to detect the close.
func (h *WebSocketController) HandleWebSocket(c *websocket.Conn) {
	h.hub.register(c)
	defer h.hub.unregister(c)

	for {
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}
}

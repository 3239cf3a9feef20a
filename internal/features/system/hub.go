package system

import (
	"encoding/json"
	gosync "sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"
)

// StatusHub fans engine events out to every connected dashboard socket.
// It implements sync.StatusBroadcaster.
type StatusHub struct {
	mu     gosync.Mutex
	conns  map[*websocket.Conn]struct{}
	logger *zap.Logger
}

type statusMessage struct {
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func NewStatusHub(logger *zap.Logger) *StatusHub {
	return &StatusHub{
		conns:  make(map[*websocket.Conn]struct{}),
		logger: logger,
	}
}

func (h *StatusHub) register(c *websocket.Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *StatusHub) unregister(c *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// Broadcast sends the event to every open socket. A write failure drops
// that socket; the read loop will notice the close independently.
func (h *StatusHub) Broadcast(event string, payload interface{}) {
	data, err := json.Marshal(statusMessage{
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	if err != nil {
		h.logger.Error("failed to encode status message", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			delete(h.conns, c)
		}
	}
}

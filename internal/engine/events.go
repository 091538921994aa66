package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seantiz/foreman/internal/model"
)

// eventWriteTimeout bounds how long a broadcast waits on one client.
const eventWriteTimeout = 5 * time.Second

// Event is a job lifecycle transition broadcast to WebSocket clients.
type Event struct {
	Type string     `json:"type"`
	Job  *model.Job `json:"job"`
}

// EventHub fans job lifecycle events out to connected WebSocket clients.
type EventHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	logger  *slog.Logger
}

// NewEventHub creates an empty hub.
func NewEventHub(logger *slog.Logger) *EventHub {
	return &EventHub{
		clients: make(map[*websocket.Conn]bool),
		logger:  logger,
	}
}

// Add registers a client connection and starts a reader that detects
// disconnects. The hub owns the connection from this point on.
func (h *EventHub) Add(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = true
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("event client connected", "clients", n)

	go func() {
		defer h.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *EventHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	n := len(h.clients)
	h.mu.Unlock()

	conn.Close()
	h.logger.Debug("event client disconnected", "clients", n)
}

// Broadcast sends the event to every connected client. Clients that cannot
// be written to are dropped.
func (h *EventHub) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

// Count returns the number of connected clients.
func (h *EventHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

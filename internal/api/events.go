package api

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboards connect cross-origin; CORS policy is enforced upstream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents upgrades the connection to a WebSocket and registers it with
// the engine's event hub. The hub owns the connection from then on: it pushes
// job lifecycle events and drops the client when a write fails or the peer
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade", "error", err)
		return
	}

	s.engine.Events().Add(conn)
}

package api

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API binds to trusted networks only; clients include local
	// dashboards served from other origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams the internal event bus to a WebSocket client.
// Slow clients miss events rather than blocking publishers; the bus
// drops instead of buffering.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	// Reader goroutine: we never expect client messages, but reading
	// is how we notice the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("event stream client connected", "remote", r.RemoteAddr)
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}

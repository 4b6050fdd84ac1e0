package registryapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// pongWait and pingPeriod implement a keepalive pattern where the server
// pings more often than the client's read deadline, so a dead connection
// is detected before the peer times out.
const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   4096,
	WriteBufferSize:  4096,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades to /ws/registry and streams ServiceChangeEvent
// JSON frames from the change feed's push side until the client disconnects
// or the feed drops it as a slow subscriber.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if s.telemetry != nil {
		_, span := s.telemetry.StartWebSocketSpan(r.Context(), "subscribe")
		defer span.End()
	}
	if s.metrics != nil {
		s.metrics.RecordChangeFeedConnection(r.Context())
		s.metrics.RecordChangeFeedActiveConnection(r.Context(), 1)
		defer s.metrics.RecordChangeFeedActiveConnection(r.Context(), -1)
	}

	events, unsubscribe := s.feed.Subscribe()
	defer unsubscribe()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Drain and discard client frames; this channel only pushes. Reading
	// keeps the pong handler firing and notices a closed connection.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				s.logger.Debug("websocket write failed, closing", "error", err)
				return
			}
			if s.metrics != nil {
				s.metrics.RecordChangeFeedEventSent(r.Context())
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

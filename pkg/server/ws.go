package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deeptavern/deeptavern/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The monitor page is served from anywhere; the socket is one-way
	// telemetry, not a control surface.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// handleLogSocket streams the log bus to a monitor client. The replay
// buffer is delivered on connect; afterwards entries fan out live. The
// client may send "ping" or {"type":"get_status"}.
func (s *Server) handleLogSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.wsConns.Add(1)
	defer s.wsConns.Add(-1)

	// Late joiners catch up from the replay ring before live entries.
	for _, entry := range s.d.Bus.Replay() {
		if err := writeJSON(conn, entry); err != nil {
			return
		}
	}

	entries := make(chan logger.Entry, 64)
	cancel := s.d.Bus.Subscribe(entries)
	defer cancel()

	outbound := make(chan any, 8)
	done := make(chan struct{})
	go s.readLoop(conn, outbound, done)

	for {
		select {
		case entry := <-entries:
			if err := writeJSON(conn, entry); err != nil {
				return
			}
		case msg := <-outbound:
			if err := writeJSON(conn, msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// readLoop consumes client frames until the socket dies. Replies go
// through the outbound channel so only one goroutine ever writes.
func (s *Server) readLoop(conn *websocket.Conn, outbound chan<- any, done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if string(data) == "ping" {
			outbound <- map[string]any{"type": "pong", "timestamp": time.Now()}
			continue
		}

		var req struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		if req.Type == "get_status" {
			outbound <- s.status()
		}
	}
}

func (s *Server) status() map[string]any {
	body := map[string]any{
		"type":        "status",
		"timestamp":   time.Now(),
		"connections": s.wsConns.Load(),
	}
	if s.d.Sessions != nil {
		if sess, ok := s.d.Sessions.Active(); ok {
			body["active_session"] = sess.UUID
		} else {
			body["active_session"] = ""
		}
	}
	if s.d.Harvester != nil {
		body["harvest_queue_depth"] = s.d.Harvester.QueueDepth()
	}
	return body
}

func writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}

package server

import (
	"net/http"
	"time"

	deeptavern "github.com/deeptavern/deeptavern"
)

func (s *Server) handleBanner(w http.ResponseWriter, r *http.Request) {
	info := deeptavern.GetVersion()
	respondJSON(w, http.StatusOK, map[string]any{
		"service": "DeepTavern",
		"version": info.Version,
		"status":  "running",
		"endpoints": []string{
			"/v1/sessions", "/v1/chat/completions", "/v1/history",
			"/v1/rollback", "/ws/logs",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"websocket_connections": s.wsConns.Load(),
		"bus_subscribers":       s.d.Bus.Subscribers(),
	}
	if s.d.Harvester != nil {
		body["harvest_queue_depth"] = s.d.Harvester.QueueDepth()
	}
	respondJSON(w, http.StatusOK, body)
}

// handleBroadcast pushes an arbitrary message onto the log bus, so an
// operator can verify the websocket fan-out end to end.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
		Level   string `json:"level"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Message == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.Level == "" {
		req.Level = "INFO"
	}

	s.d.Bus.Publish(req.Level, req.Message)
	respondJSON(w, http.StatusOK, map[string]any{"sent": true})
}

func (s *Server) handleGraphStats(w http.ResponseWriter, r *http.Request) {
	if s.d.Graph == nil {
		respondError(w, http.StatusServiceUnavailable, "knowledge graph is not enabled")
		return
	}
	respondJSON(w, http.StatusOK, s.d.Graph.Stats())
}

package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/deeptavern/deeptavern/pkg/store"
)

type sessionView struct {
	UUID          string `json:"uuid"`
	CharacterName string `json:"char_name"`
	CreatedAt     string `json:"created_at"`
}

func viewOf(s store.Session) sessionView {
	return sessionView{
		UUID:          s.UUID,
		CharacterName: s.CharacterName,
		CreatedAt:     s.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.d.Sessions.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, viewOf(sess))
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserName string `json:"user_name"`
		CharName string `json:"char_name"`
		Persona  string `json:"char_persona"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserName == "" || req.CharName == "" {
		respondError(w, http.StatusBadRequest, "user_name and char_name are required")
		return
	}

	sess, err := s.d.Sessions.Create(r.Context(), req.UserName, req.CharName, req.Persona)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, viewOf(sess.Session))
}

func (s *Server) handleLoadSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UUID string `json:"uuid"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UUID == "" {
		respondError(w, http.StatusBadRequest, "uuid is required")
		return
	}

	sess, err := s.d.Sessions.Load(r.Context(), req.UUID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"loaded":    true,
		"uuid":      sess.UUID,
		"char_name": sess.CharacterName,
		"user_name": sess.UserName,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UUID string `json:"uuid"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UUID == "" {
		respondError(w, http.StatusBadRequest, "uuid is required")
		return
	}

	if err := s.d.Sessions.Delete(r.Context(), req.UUID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// handleHistory pages through the active session's full message log,
// oldest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.d.Sessions.Active()
	if !ok {
		respondError(w, http.StatusBadRequest, "no active session")
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 50
	}

	msgs, err := s.d.Store.History(r.Context(), sess.ID, page, size)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := s.d.Store.MessageCount(r.Context(), sess.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type messageView struct {
		ID        int64  `json:"id"`
		Role      string `json:"role"`
		Content   string `json:"content"`
		Timestamp string `json:"timestamp"`
	}
	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, messageView{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
		})
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"messages": views,
		"page":     page,
		"size":     size,
		"total":    total,
	})
}

// handleRollback rewinds the active session to a past message and
// restores the matching state snapshot.
func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.d.Sessions.Active()
	if !ok {
		respondError(w, http.StatusBadRequest, "no active session")
		return
	}

	var req struct {
		MessageID int64 `json:"message_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MessageID <= 0 {
		respondError(w, http.StatusBadRequest, "message_id is required")
		return
	}

	limit := s.d.Config.Cache.HistoryLimit
	if err := s.d.State.Rollback(r.Context(), sess.ID, sess.UUID, req.MessageID, limit); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"rolled_back_to": req.MessageID})
}

// Package session owns the session lifecycle: creation with a fresh
// world state, activation with graph swap and cache priming, listing,
// and cascading deletion across every store. One session is active per
// process; the orchestrator reads it through the manager.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/deeptavern/deeptavern/pkg/cache"
	"github.com/deeptavern/deeptavern/pkg/graph"
	"github.com/deeptavern/deeptavern/pkg/state"
	"github.com/deeptavern/deeptavern/pkg/store"
	"github.com/deeptavern/deeptavern/pkg/vector"
)

// Persona and player name ride inside the state blob so they survive
// restarts without extra columns; Normalize leaves unknown keys alone.
const (
	personaKey  = "character_persona"
	userNameKey = "user_name"
)

// Session is one playable conversation.
type Session struct {
	store.Session
	UserName string
	Persona  string
}

// Manager tracks the active session and coordinates the stores on
// switch and delete.
type Manager struct {
	store        *store.Store
	vec          vector.Provider
	graph        *graph.Store
	cache        cache.Cache
	historyLimit int

	mu     sync.RWMutex
	active *Session
}

// NewManager wires the manager. vec and graph may be nil.
func NewManager(st *store.Store, vec vector.Provider, g *graph.Store, c cache.Cache, historyLimit int) *Manager {
	if c == nil {
		c = cache.Noop{}
	}
	if historyLimit <= 0 {
		historyLimit = 20
	}
	return &Manager{store: st, vec: vec, graph: g, cache: c, historyLimit: historyLimit}
}

// Create starts a new session with the default world state. The new
// session is not activated; call Load to switch to it.
func (m *Manager) Create(ctx context.Context, userName, charName, persona string) (Session, error) {
	initial := state.NewInitial(userName)
	if persona != "" {
		initial[personaKey] = persona
	}
	if userName != "" {
		initial[userNameKey] = userName
	}

	sess, err := m.store.CreateSession(ctx, charName, initial.JSON())
	if err != nil {
		return Session{}, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("Session created", "uuid", sess.UUID, "character", charName)
	return Session{Session: sess, UserName: userName, Persona: persona}, nil
}

// Load activates a session: the previous graph is flushed and swapped
// out, and the hot cache is primed with the session's state and recent
// context window.
func (m *Manager) Load(ctx context.Context, sessionUUID string) (Session, error) {
	sess, err := m.store.GetSession(ctx, sessionUUID)
	if err != nil {
		return Session{}, fmt.Errorf("failed to load session: %w", err)
	}

	if m.graph != nil {
		m.graph.Load(sessionUUID)
	}

	stateJSON, err := m.store.CurrentState(ctx, sess.ID)
	if err != nil {
		slog.Warn("Failed to read session state", "error", err)
	}
	st := state.Parse(stateJSON)
	m.cache.SetState(sessionUUID, st.JSON())

	msgs, err := m.store.RecentMessages(ctx, sess.ID, m.historyLimit)
	if err != nil {
		slog.Warn("Failed to prime context window", "error", err)
	} else {
		window := make([]cache.Message, 0, len(msgs))
		for _, msg := range msgs {
			window = append(window, cache.Message{ID: msg.ID, Role: msg.Role, Content: msg.Content})
		}
		m.cache.SetContext(sessionUUID, window)
	}

	loaded := Session{
		Session:  sess,
		UserName: stringField(st, userNameKey),
		Persona:  stringField(st, personaKey),
	}

	m.mu.Lock()
	m.active = &loaded
	m.mu.Unlock()

	slog.Info("Session loaded", "uuid", sessionUUID, "character", sess.CharacterName, "context_len", len(msgs))
	return loaded, nil
}

// List returns every stored session, newest first.
func (m *Manager) List(ctx context.Context) ([]store.Session, error) {
	return m.store.ListSessions(ctx)
}

// Delete removes a session everywhere: relational rows, vector records,
// graph files, and the hot cache. Deleting the active session
// deactivates it.
func (m *Manager) Delete(ctx context.Context, sessionUUID string) error {
	deleted, err := m.store.DeleteSession(ctx, sessionUUID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if !deleted {
		return store.ErrNotFound
	}

	if m.vec != nil {
		if err := m.vec.DeleteBySession(ctx, vector.CollectionMemory, sessionUUID); err != nil {
			slog.Warn("Failed to delete session vectors", "uuid", sessionUUID, "error", err)
		}
	}
	if m.graph != nil {
		m.graph.Delete(sessionUUID)
	}
	m.cache.Clear(sessionUUID)

	m.mu.Lock()
	if m.active != nil && m.active.UUID == sessionUUID {
		m.active = nil
	}
	m.mu.Unlock()

	slog.Info("Session deleted", "uuid", sessionUUID)
	return nil
}

// Active returns the process-wide active session.
func (m *Manager) Active() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return Session{}, false
	}
	return *m.active, true
}

func stringField(st state.State, key string) string {
	if v, ok := st[key].(string); ok {
		return v
	}
	return ""
}

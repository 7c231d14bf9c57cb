// Package server is the OpenAI-compatible HTTP adapter: session REST,
// chat completions (SSE or one-shot), history and rollback, a websocket
// log monitor, and the debug surface. It owns nothing; every handler
// delegates to the engine packages it is wired with.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deeptavern/deeptavern/pkg/config"
	"github.com/deeptavern/deeptavern/pkg/graph"
	"github.com/deeptavern/deeptavern/pkg/harvester"
	"github.com/deeptavern/deeptavern/pkg/logger"
	"github.com/deeptavern/deeptavern/pkg/orchestrator"
	"github.com/deeptavern/deeptavern/pkg/session"
	"github.com/deeptavern/deeptavern/pkg/state"
	"github.com/deeptavern/deeptavern/pkg/store"
	"github.com/deeptavern/deeptavern/pkg/vector"
)

// Chatter runs one conversation turn and streams it back.
type Chatter interface {
	Chat(ctx context.Context, userInput string, deep, lite bool) (<-chan orchestrator.Chunk, error)
	Wait()
}

// Deps wires the adapter. Harvester, Graph, and Vector are optional;
// the matching endpoints degrade or are skipped during shutdown.
type Deps struct {
	Config    *config.Config
	Orc       Chatter
	Sessions  *session.Manager
	Store     *store.Store
	State     *state.Engine
	Graph     *graph.Store
	Vector    vector.Provider
	Harvester *harvester.Harvester
	Bus       *logger.Bus

	// Closers run last during shutdown, in order (relational stores).
	Closers []func() error
}

// Server is the HTTP adapter.
type Server struct {
	d    Deps
	http *http.Server

	wsConns atomic.Int64
}

// New builds the server and its router.
func New(d Deps) *Server {
	if d.Bus == nil {
		d.Bus = logger.DefaultBus()
	}
	s := &Server{d: d}

	addr := fmt.Sprintf("%s:%d", d.Config.Server.Host, d.Config.Server.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/", s.handleBanner)
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Get("/debug/connections", s.handleConnections)
	r.Post("/debug/broadcast", s.handleBroadcast)
	r.Get("/debug/graph", s.handleGraphStats)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions/new", s.handleNewSession)
		r.Post("/sessions/load", s.handleLoadSession)
		r.Post("/sessions/delete", s.handleDeleteSession)

		r.Post("/chat/completions", s.handleChatCompletions)
		r.Get("/history", s.handleHistory)
		r.Post("/rollback", s.handleRollback)
	})

	r.Get("/ws/logs", s.handleLogSocket)

	return r
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in dependency order: stop accepting requests, wait
// for in-flight turns, stop the harvester, flush the graph, persist the
// vector store, then close the relational stores.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}

	if s.d.Orc != nil {
		s.d.Orc.Wait()
	}
	if s.d.Harvester != nil {
		s.d.Harvester.Stop()
	}
	if s.d.Graph != nil {
		s.d.Graph.Flush()
	}
	if s.d.Vector != nil {
		if err := s.d.Vector.Persist(); err != nil {
			slog.Warn("Vector persist failed during shutdown", "error", err)
		}
	}
	for _, closer := range s.d.Closers {
		if err := closer(); err != nil {
			slog.Warn("Store close failed during shutdown", "error", err)
		}
	}

	slog.Info("Server stopped")
	return nil
}

// sessionSource adapts the session manager to the orchestrator's view
// of the active session.
type sessionSource struct {
	m *session.Manager
}

// NewSessionSource exposes the session manager as an
// orchestrator.SessionSource.
func NewSessionSource(m *session.Manager) orchestrator.SessionSource {
	return sessionSource{m: m}
}

func (s sessionSource) Active() (orchestrator.Session, bool) {
	sess, ok := s.m.Active()
	if !ok {
		return orchestrator.Session{}, false
	}
	return orchestrator.Session{Session: sess.Session, Persona: sess.Persona}, true
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]any{"error": map[string]string{"message": msg}})
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

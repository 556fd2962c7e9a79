// Package api serves the operator-facing REST endpoints: session listing,
// inspection and termination, the activity journal, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"strings"
	"time"

	"printqueue/internal/metrics"
	"printqueue/internal/websocket"
	"printqueue/pkg/interfaces"
	"printqueue/pkg/types"
)

// Registry is the part of websocket.Registry the API reads.
type Registry interface {
	GetSessionConnections(sessionID string) []*websocket.Connection
	GetStats() map[string]int
}

// Pinger reports whether the sandbox engine is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	store     interfaces.SessionStore
	journal   interfaces.Journal
	sandbox   Pinger
	registry  Registry
	metrics   *metrics.Collector
	startedAt time.Time
	router    *http.ServeMux
}

func NewServer(store interfaces.SessionStore, journal interfaces.Journal, sandbox Pinger, registry Registry, m *metrics.Collector) *Server {
	s := &Server{
		store:     store,
		journal:   journal,
		sandbox:   sandbox,
		registry:  registry,
		metrics:   m,
		startedAt: time.Now(),
		router:    http.NewServeMux(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/api/sessions", CORS(jsonMiddleware(http.HandlerFunc(s.handleSessions))))
	s.router.Handle("/api/sessions/", CORS(jsonMiddleware(http.HandlerFunc(s.handleSessionByID))))
	s.router.Handle("/health", CORS(jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	s.router.Handle("/metrics", s.metrics.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Register mounts every API route on mux.
func (s *Server) Register(mux *http.ServeMux) {
	for _, pattern := range []string{"/api/sessions", "/api/sessions/", "/health", "/metrics"} {
		mux.Handle(pattern, s)
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listSessions(w, r)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSessionByID serves /api/sessions/{id} and /api/sessions/{id}/events.
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
	if path == "" {
		s.sendError(w, "Session ID required", http.StatusBadRequest)
		return
	}

	parts := strings.Split(path, "/")
	sessionID := parts[0]
	if !types.IsValidSessionID(sessionID) {
		s.sendError(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.getSession(w, sessionID)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.endSession(w, r, sessionID)
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		s.sessionEvents(w, r, sessionID)
	case len(parts) > 2 || (len(parts) == 2 && parts[1] != "events"):
		s.sendError(w, "Not found", http.StatusNotFound)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type SessionResponse struct {
	Session         types.Session `json:"session"`
	ConnectionCount int           `json:"connection_count"`
}

type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

type JournalResponse struct {
	SessionID string                `json:"session_id"`
	Events    []*types.JournalEntry `json:"events"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Database    string                 `json:"database"`
	Sandbox     string                 `json:"sandbox"`
	Sessions    int                    `json:"sessions"`
	Connections map[string]int         `json:"connections"`
	System      map[string]interface{} `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) withConnections(session types.Session) SessionResponse {
	return SessionResponse{
		Session:         session,
		ConnectionCount: len(s.registry.GetSessionConnections(session.ID)),
	}
}

// GET /api/sessions
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.store.ListSessions()
	out := make([]SessionResponse, len(sessions))
	for i, session := range sessions {
		out[i] = s.withConnections(session)
	}
	json.NewEncoder(w).Encode(ListSessionsResponse{Sessions: out})
}

// GET /api/sessions/{id}
func (s *Server) getSession(w http.ResponseWriter, sessionID string) {
	session, ok := s.store.GetSession(sessionID)
	if !ok {
		s.sendError(w, "Session not found", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(s.withConnections(session))
}

// DELETE /api/sessions/{id}. Connected clients learn about it through the
// store's session-ended hook, the same path the realtime end-session takes.
func (s *Server) endSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx := context.WithoutCancel(r.Context())
	if !s.store.EndSession(ctx, sessionID) {
		s.sendError(w, "Session not found", http.StatusNotFound)
		return
	}
	log.Printf("Session ended via API: id=%s", sessionID)
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"message": "Session ended successfully"})
}

// GET /api/sessions/{id}/events returns the journal, which outlives the
// session itself for as long as the process runs.
func (s *Server) sessionEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	entries, err := s.journal.GetSessionJournal(ctx, sessionID)
	if err != nil {
		log.Printf("Journal lookup failed: id=%s error=%v", sessionID, err)
		s.sendError(w, "Failed to read journal", http.StatusInternalServerError)
		return
	}
	if len(entries) == 0 {
		s.sendError(w, "Session not found", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(JournalResponse{SessionID: sessionID, Events: entries})
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	sandboxStatus := "healthy"

	if err := s.journal.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}
	if err := s.sandbox.Ping(ctx); err != nil {
		status = "unhealthy"
		sandboxStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Sandbox:     sandboxStatus,
		Sessions:    len(s.store.ListSessions()),
		Connections: s.registry.GetStats(),
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		},
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(response)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// CORS allows any origin. The upload page is opened from phones on the LAN
// and the counter UI may be served from a different port.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

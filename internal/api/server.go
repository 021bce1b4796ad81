// Package api implements the HTTP session endpoint.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ABIHAAHEMD4262/todo-agent/internal/agent"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/auth"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/convo"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/events"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/task"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// decodeJSONBody decodes a bounded request body.
func decodeJSONBody(r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(v)
}

// Server is the HTTP API server.
type Server struct {
	listen   string
	loop     *agent.Loop
	convos   *convo.Store
	tasks    *task.Store
	verifier *auth.Verifier
	bus      *events.Bus
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates the API server. The bus may be nil; the websocket
// event stream then reports unavailable.
func NewServer(listen string, loop *agent.Loop, convos *convo.Store, tasks *task.Store, verifier *auth.Verifier, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listen:   listen,
		loop:     loop,
		convos:   convos,
		tasks:    tasks,
		verifier: verifier,
		bus:      bus,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Session endpoint
	mux.Handle("POST /v1/chat", s.withAuth(s.handleChat))

	// Conversation history
	mux.Handle("GET /v1/conversations", s.withAuth(s.handleConversationList))
	mux.Handle("GET /v1/conversations/{id}/messages", s.withAuth(s.handleConversationMessages))
	mux.Handle("GET /v1/conversations/{id}/export", s.withAuth(s.handleConversationExport))

	// Dashboard
	mux.Handle("GET /v1/dashboard/stats", s.withAuth(s.handleDashboardStats))

	// Live operational events
	mux.Handle("GET /v1/events/ws", s.withAuth(s.handleEventsWS))

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // long for websocket streams
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("starting API server", "listen", s.listen)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// withAuth verifies the bearer token and binds the caller's identity to
// the request context. Every user-scoped route goes through here; the
// identity is never taken from the request body.
func (s *Server) withAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident, err := s.verifier.VerifyBearer(r.Header.Get("Authorization"))
		if err != nil {
			s.logger.Warn("authentication rejected",
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"error", err)
			s.errorResponse(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), ident)))
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

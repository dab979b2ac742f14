// Package devserver provides a local chat backend speaking the same wire
// protocol the client transport consumes. It exists for development and
// integration testing: deterministic replies, optional scripted faults,
// and server-side session identifiers without a real inference service
// behind it.
package devserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/oklog/ulid/v2"

	"github.com/chatloop-ai/chatloop/internal/transport"
)

// Config holds dev server configuration.
type Config struct {
	Port       int
	EnableCORS bool
	// ChunkDelay paces streamed chunks so client-side streaming behavior
	// is observable by eye. Zero streams as fast as the wire allows.
	ChunkDelay  time.Duration
	ReadTimeout time.Duration
}

// DefaultConfig returns default dev server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:        8080,
		EnableCORS:  true,
		ChunkDelay:  0,
		ReadTimeout: 30 * time.Second,
	}
}

// Reply is one scripted response.
type Reply struct {
	Content   string
	ToolCalls []ToolCall
	Reason    string
	// Fault, when set, replaces the reply with an error event (streaming)
	// or an error status (single-shot).
	Fault *transport.Fault
}

// ToolCall is a structured invocation included in a scripted reply.
type ToolCall struct {
	Name string
	Args string
}

// Responder maps an incoming request to the reply to serve.
type Responder func(req transport.Request) Reply

// Server is the development chat backend.
type Server struct {
	config  *Config
	router  *chi.Mux
	httpSrv *http.Server

	mu              sync.Mutex
	respondStream   Responder
	respondComplete Responder
	sessions        map[string]bool
}

// New creates a dev server with the default echo responder.
func New(cfg *Config) *Server {
	s := &Server{
		config:          cfg,
		router:          chi.NewRouter(),
		respondStream:   EchoResponder,
		respondComplete: EchoResponder,
		sessions:        make(map[string]bool),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// SetResponder replaces the reply script on both endpoints.
func (s *Server) SetResponder(r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.respondStream = r
	s.respondComplete = r
}

// SetStreamResponder replaces the reply script for the streaming endpoint
// only, leaving the single-shot endpoint as is. Useful for scripting a
// broken stream with a healthy fallback.
func (s *Server) SetStreamResponder(r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.respondStream = r
}

// EchoResponder is the default script: it repeats the user's text back.
func EchoResponder(req transport.Request) Reply {
	return Reply{Content: "You said: " + req.Text, Reason: "stop"}
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

func (s *Server) setupRoutes() {
	s.router.Route("/v1/chat", func(r chi.Router) {
		r.Post("/stream", s.handleStream)
		r.Post("/complete", s.handleComplete)
	})
	s.router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy"}`))
	})
}

// sessionFor returns the request's session identifier, minting one when
// the client is still provisional.
func (s *Server) sessionFor(req transport.Request) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := req.SessionID
	if id == "" {
		id = "srv_" + ulid.Make().String()
	}
	s.sessions[id] = true
	return id
}

func (s *Server) streamResponder() Responder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.respondStream
}

func (s *Server) completeResponder() Responder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.respondComplete
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:        fmt.Sprintf(":%d", s.config.Port),
		Handler:     s.router,
		ReadTimeout: s.config.ReadTimeout,
		// No write timeout; streams stay open as long as the client reads.
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the router, for mounting in tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

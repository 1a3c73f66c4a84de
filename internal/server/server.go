// Package server exposes the HTTP API: task submission, task polling,
// cancellation, feedback, and health.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/corpusqa/corpusqa/internal/config"
	"github.com/corpusqa/corpusqa/internal/providers"
	"github.com/corpusqa/corpusqa/internal/svcctx"
	"github.com/corpusqa/corpusqa/internal/tasks"
)

// Server is the corpusqa HTTP server.
type Server struct {
	httpServer *http.Server
	store      *tasks.Store
	supervisor *tasks.Supervisor
	services   *svcctx.Services
	logger     *slog.Logger

	feedbackMu sync.Mutex
	feedback   map[string][]Feedback

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1)
	Host string
	// Port is the port to listen on (default: 8080)
	Port string
	// Store and Supervisor are required.
	Store      *tasks.Store
	Supervisor *tasks.Supervisor
	// Registry and ConfigManager enrich request contexts when present.
	Registry      *providers.Registry
	ConfigManager *config.Manager
	// Logger is the structured logger to use.
	Logger *slog.Logger
}

// New creates a Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Supervisor == nil {
		return nil, fmt.Errorf("server requires a task store and a supervisor")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		store:      cfg.Store,
		supervisor: cfg.Supervisor,
		logger:     cfg.Logger.With("component", "server"),
		feedback:   make(map[string][]Feedback),
		services: &svcctx.Services{
			Store:      cfg.Store,
			Supervisor: cfg.Supervisor,
			Registry:   cfg.Registry,
			ConfigMgr:  cfg.ConfigManager,
			Logger:     cfg.Logger,
		},
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:      s.withServices(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Start runs the server until the context is cancelled or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			s.setNotRunning()
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.shutdown()
}

// shutdown drains in-flight requests and stops running tasks.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := s.supervisor.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("supervisor shutdown error", "error", err)
	}

	s.setNotRunning()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the full HTTP handler (tests drive it directly).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// withServices wraps a handler to enrich the request context.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := svcctx.WithServices(r.Context(), s.services)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// svc resolves the request's services, falling back to the server's own
// when the context was not enriched.
func (s *Server) svc(r *http.Request) *svcctx.Services {
	if services := svcctx.ServicesFrom(r.Context()); services != nil {
		return services
	}
	return s.services
}

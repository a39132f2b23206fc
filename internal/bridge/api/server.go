// Package api exposes the bridge over HTTP: the vendordata join endpoint,
// the lifecycle notification intake, and a health probe.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cloudkeep/ipabridge/internal/bridge/config"
	"github.com/cloudkeep/ipabridge/internal/bridge/events"
	"github.com/cloudkeep/ipabridge/pkg/api"
	"github.com/cloudkeep/ipabridge/pkg/logger"
)

// Version is stamped at build time.
var Version = "dev"

// Enrollment answers vendordata join requests.
type Enrollment interface {
	Join(ctx context.Context, req *api.JoinRequest) (*api.JoinResponse, error)
}

// Publisher moves validated notifications onto the bus.
type Publisher interface {
	Publish(ctx context.Context, n *events.Notification) error
}

// HealthChecker verifies a dependency is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP front of the bridge.
type Server struct {
	config     config.APIConfig
	enrollment Enrollment
	publisher  Publisher
	health     HealthChecker
	logger     *logger.Logger
	httpServer *http.Server
}

// NewServer creates the HTTP server with all routes and middleware wired.
func NewServer(cfg config.APIConfig, enrollment Enrollment, publisher Publisher, health HealthChecker, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDevelopment("api")
	}

	s := &Server{
		config:     cfg,
		enrollment: enrollment,
		publisher:  publisher,
		health:     health,
		logger:     log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/{$}", s.handleJoin)
	mux.HandleFunc("POST /v1/notify", s.handleNotify)
	mux.HandleFunc("GET /health", s.handleHealth)

	chain := Chain(
		RequestID(log),
		Logging(),
		Recovery(),
	)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      chain(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins serving. It returns once the listener fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting API server", "addr", s.config.ListenAddr)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping API server")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the wired handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

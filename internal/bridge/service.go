package bridge

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cloudkeep/ipabridge/internal/bridge/api"
	"github.com/cloudkeep/ipabridge/internal/bridge/config"
	"github.com/cloudkeep/ipabridge/internal/bridge/db"
	"github.com/cloudkeep/ipabridge/internal/bridge/enrollment"
	"github.com/cloudkeep/ipabridge/internal/bridge/events"
	"github.com/cloudkeep/ipabridge/internal/bridge/images"
	"github.com/cloudkeep/ipabridge/internal/bridge/listener"
	"github.com/cloudkeep/ipabridge/internal/bridge/registry"
	"github.com/cloudkeep/ipabridge/pkg/logger"
)

// APIServerInterface defines the interface for API server operations
type APIServerInterface interface {
	Start() error
	Stop(ctx context.Context) error
}

// Service coordinates all bridge components and manages their lifecycle
type Service struct {
	config    *config.Config
	logger    *logger.Logger
	store     db.Store
	registry  *registry.Client
	bus       *events.Bus
	apiServer APIServerInterface

	// Internal state for lifecycle management
	ctx    context.Context
	cancel context.CancelFunc

	// Signal handling and graceful shutdown
	signalChan            chan os.Signal
	shutdownWg            sync.WaitGroup
	isRunning             bool
	mu                    sync.RWMutex
	disableSignalHandling bool // For testing
}

// NewService creates a new Service instance and initializes all components in
// proper dependency order
func NewService(cfg *config.Config, log *logger.Logger) (*Service, error) {
	ctx, cancel := context.WithCancel(context.Background())

	service := &Service{
		config:     cfg,
		logger:     log,
		ctx:        ctx,
		cancel:     cancel,
		signalChan: make(chan os.Signal, 1),
	}

	if err := service.initializeComponents(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize service components: %w", err)
	}

	return service, nil
}

// initializeComponents creates and wires all service components
func (s *Service) initializeComponents() error {
	s.logger.Info("initializing service components")

	// 1. Database store (foundational dependency)
	s.logger.Debug("initializing database store")
	store, err := db.NewStore(&db.Config{
		Path:            s.config.DB.Path,
		MaxOpenConns:    s.config.DB.MaxOpenConns,
		MaxIdleConns:    s.config.DB.MaxIdleConns,
		ConnMaxLifetime: s.config.DB.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database store: %w", err)
	}
	s.store = store

	// 2. Registry client with keytab authentication. The session is
	// established in Start so construction never touches the network.
	s.logger.Debug("initializing registry client")
	auth := registry.NewKerberosAuthenticator(
		s.config.Registry.ServerURL,
		s.config.Registry.Principal,
		s.config.Registry.Realm,
		s.config.Registry.Keytab,
		s.config.Registry.Krb5Conf,
		nil,
	)
	s.registry = registry.NewClient(registry.Config{
		ServerURL:      s.config.Registry.ServerURL,
		ConnectRetries: s.config.Registry.ConnectRetries,
		Backoff:        s.config.Registry.Backoff,
		RequestTimeout: s.config.Registry.RequestTimeout,
	}, auth, s.logger.WithComponent("registry"))

	// 3. Image metadata client
	imageClient := images.NewClient(images.Config{
		ServerURL:      s.config.Images.ServerURL,
		Retries:        s.config.Images.Retries,
		RequestTimeout: s.config.Images.RequestTimeout,
	}, s.logger.WithComponent("images"))

	// 4. Enrollment responder (depends on registry, images, store)
	s.logger.Debug("initializing enrollment service")
	enroller := enrollment.NewService(
		s.registry,
		imageClient,
		s.store,
		s.config.Enroll,
		s.config.Projects,
		s.logger.WithComponent("enrollment"),
	)

	// 5. Event bus and lifecycle listener
	s.logger.Debug("initializing event listener")
	s.bus = events.NewBus(s.logger.WithComponent("events"))
	lst := listener.New(s.registry, s.store, s.config.Enroll, s.logger.WithComponent("listener"))
	if err := lst.Register(s.bus); err != nil {
		return fmt.Errorf("failed to register event handlers: %w", err)
	}

	// 6. API server (external interface, depends on everything above)
	s.logger.Debug("initializing API server")
	s.apiServer = api.NewServer(s.config.API, enroller, s.bus, s.store, s.logger.WithComponent("api"))

	s.logger.Info("all service components initialized successfully")
	return nil
}

// Start connects to the registry and starts the API server
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("service is already running")
	}

	s.logger.Info("starting bridge service")

	if !s.disableSignalHandling {
		s.setupSignalHandling()
	}

	// 1. Establish the registry session before accepting requests
	if err := s.registry.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to registry: %w", err)
	}
	s.logger.Info("registry session established")

	// 2. Start API server. ListenAndServe blocks, so it runs in its own
	// goroutine; startup failures cancel the service context.
	s.shutdownWg.Add(1)
	go func() {
		defer s.shutdownWg.Done()
		if err := s.apiServer.Start(); err != nil {
			s.logger.Error("API server terminated", "error", err)
			s.cancel()
		}
	}()
	s.logger.Info("API server started", "addr", s.config.API.ListenAddr)

	s.isRunning = true
	s.logger.Info("bridge service started successfully")
	return nil
}

// setupSignalHandling configures signal handling for graceful shutdown
func (s *Service) setupSignalHandling() {
	signal.Notify(s.signalChan, syscall.SIGINT, syscall.SIGTERM)

	s.shutdownWg.Add(1)
	go s.handleSignals()
}

// handleSignals processes shutdown signals and initiates graceful shutdown
func (s *Service) handleSignals() {
	defer s.shutdownWg.Done()

	select {
	case sig := <-s.signalChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
		defer cancel()

		if err := s.Stop(shutdownCtx); err != nil {
			s.logger.Error("error during graceful shutdown", "error", err)
		}

	case <-s.ctx.Done():
		s.logger.Debug("signal handler exiting due to service context cancellation")
	}
}

func (s *Service) shutdownTimeout() time.Duration {
	if s.config != nil && s.config.Service.ShutdownTimeout > 0 {
		return s.config.Service.ShutdownTimeout
	}
	return 30 * time.Second
}

// WaitForShutdown blocks until the service receives a shutdown signal or its
// context is cancelled
func (s *Service) WaitForShutdown() {
	s.logger.Info("service running, waiting for shutdown signal")
	s.shutdownWg.Wait()
	s.logger.Info("service shutdown complete")
}

// Stop gracefully shuts down all service components in reverse dependency order
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		s.logger.Warn("service is not running")
		return nil
	}

	s.logger.Info("stopping bridge service")

	shutdownCtx := ctx
	if ctx == nil || ctx == context.Background() {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(context.Background(), s.shutdownTimeout())
		defer cancel()
	}

	var lastErr error

	if !s.disableSignalHandling {
		signal.Stop(s.signalChan)
		close(s.signalChan)
	}

	// 1. Stop API server first so no new work arrives
	if s.apiServer != nil {
		s.logger.Info("stopping API server")
		if err := s.apiServer.Stop(shutdownCtx); err != nil {
			s.logger.Error("failed to stop API server", "error", err)
			lastErr = err
		}
	}

	// 2. Close the event bus; in-flight handlers finish inside the server
	// shutdown above
	if s.bus != nil {
		s.logger.Info("closing event bus")
		if err := s.bus.Close(); err != nil {
			s.logger.Error("failed to close event bus", "error", err)
			lastErr = err
		}
	}

	// 3. Close database store
	if s.store != nil {
		s.logger.Info("closing database store")
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close database store", "error", err)
			lastErr = err
		}
	}

	// 4. Cancel service context to signal any remaining goroutines
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.shutdownWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Debug("all background goroutines finished")
	case <-shutdownCtx.Done():
		s.logger.Warn("timeout waiting for background goroutines to finish")
		if lastErr == nil {
			lastErr = shutdownCtx.Err()
		}
	}

	s.isRunning = false

	if lastErr != nil {
		return fmt.Errorf("service shutdown completed with errors: %w", lastErr)
	}

	s.logger.Info("bridge service stopped successfully")
	return nil
}

// Health checks the health of the service's core dependencies
func (s *Service) Health() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isRunning {
		return fmt.Errorf("service is not running")
	}

	select {
	case <-s.ctx.Done():
		return fmt.Errorf("service context cancelled")
	default:
		if s.store != nil {
			if err := s.store.Ping(context.Background()); err != nil {
				return fmt.Errorf("database health check failed: %w", err)
			}
		}
		return nil
	}
}

// IsRunning returns whether the service is currently running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

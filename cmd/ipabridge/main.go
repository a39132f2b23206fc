package main

import (
	"context"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cloudkeep/ipabridge/internal/bridge"
	"github.com/cloudkeep/ipabridge/internal/bridge/config"
	"github.com/cloudkeep/ipabridge/pkg/logger"
)

const version = "1.0.0"

func main() {
	ctx := context.Background()

	// Initialize logger first
	log := logger.NewProduction("ipabridge", version)
	log.InfoContext(ctx, "starting ipabridge", "version", version)

	// Load configuration
	loader := config.NewLoader()
	cfg, err := loader.Load()
	if err != nil {
		log.ErrorCtx(ctx, "failed to load configuration", err)
		os.Exit(1)
	}

	// Update logger with configured settings
	loggerConfig := cfg.Log
	loggerConfig.Component = "ipabridge"
	loggerConfig.Version = version
	log = logger.New(loggerConfig)
	log.DebugContext(ctx, "configuration loaded successfully")

	// Create service instance
	service, err := bridge.NewService(cfg, log)
	if err != nil {
		log.ErrorCtx(ctx, "failed to create service", err)
		os.Exit(1)
	}

	// Start service with proper error handling
	if err := service.Start(ctx); err != nil {
		log.ErrorCtx(ctx, "failed to start service", err)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if stopErr := service.Stop(shutdownCtx); stopErr != nil {
			log.ErrorCtx(ctx, "failed to cleanup service after startup failure", stopErr)
		}

		os.Exit(1)
	}

	log.InfoContext(ctx, "service started successfully, waiting for shutdown signal")

	// Blocks until SIGINT/SIGTERM is received; the service handles signal
	// registration and graceful shutdown internally
	service.WaitForShutdown()

	log.InfoContext(ctx, "main process exiting")
}

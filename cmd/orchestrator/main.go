package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/commitdiary/stepper/internal/app"
	"github.com/commitdiary/stepper/pkg/config"
)

const probeTimeout = 10 * time.Second

// The worker process consumes report jobs enqueued by the API server. Run it
// alongside an API started with EMBEDDED_WORKERS=false.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	a, err := app.New(cfg, app.Options{Workers: true})
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	logger := a.Logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	probeCtx, probeCancel := context.WithTimeout(ctx, probeTimeout)
	_ = a.Orchestrator.Pool().ProbeAll(probeCtx)
	probeCancel()

	if err := a.Start(ctx); err != nil {
		logger.Error("Failed to start report workers", "error", err.Error())
		os.Exit(1)
	}

	logger.Info("Report workers started",
		"queue", cfg.Queue.Name,
		"concurrency", cfg.Queue.Concurrency,
		"providers", a.Orchestrator.Pool().Names(),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("Shutting down workers", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Queue.ShutdownTimeout)
	defer shutdownCancel()

	cancel()
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("Shutdown incomplete", "error", err.Error())
	}

	logger.Info("Workers stopped")
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/commitdiary/stepper/internal/api"
	"github.com/commitdiary/stepper/internal/app"
	"github.com/commitdiary/stepper/pkg/config"
)

const probeTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	a, err := app.New(cfg, app.Options{Workers: cfg.Server.EmbeddedWorkers})
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

	router := api.NewRouter(api.RouterDeps{
		Config:      cfg,
		Service:     a.Service,
		Health:      a.Health,
		Metrics:     a.Metrics,
		Tracer:      a.Tracer,
		RateLimiter: a.RateLimiter,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:         cfg.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting API server",
			"addr", server.Addr,
			"environment", cfg.Server.Environment,
			"embedded_workers", cfg.Server.EmbeddedWorkers,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Failed to start server", "error", err.Error())
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("Shutting down server", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err.Error())
	}
	cancel()
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("Shutdown incomplete", "error", err.Error())
	}

	logger.Info("Server exited")
}

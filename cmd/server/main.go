// Package main is the entrypoint for the strokelab API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/strokelab/internal/api"
	"github.com/kiranshivaraju/strokelab/internal/api/handler"
	mw "github.com/kiranshivaraju/strokelab/internal/api/middleware"
	"github.com/kiranshivaraju/strokelab/internal/app"
	"github.com/kiranshivaraju/strokelab/internal/config"
	"github.com/kiranshivaraju/strokelab/internal/pipeline"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := app.NewLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)
	logger.Info("config loaded", "env", cfg.Server.Env, "queue_backend", cfg.Queue.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect backends and apply migrations
	backends, err := app.Open(ctx, cfg, app.Options{Migrate: true}, logger)
	if err != nil {
		return err
	}
	defer backends.Close()

	// 3. Build the service and router
	svc := pipeline.NewService(backends.Store, backends.Objects, backends.Broker, backends.Cache,
		pipeline.Defaults{ChunkSeconds: cfg.Pipeline.ChunkSeconds, SampleRate: cfg.Pipeline.SampleRate},
		logger.With("component", "service"))

	router := api.NewRouter(api.Dependencies{
		Jobs:      handler.NewJobs(svc),
		Health:    newHealthHandler(backends.Store, backends.Cache),
		RateLimit: mw.NewRateLimit(backends.Cache, cfg.Server.RateLimitPerMinute),
	})

	// 4. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}

// newHealthHandler checks database and cache connectivity.
func newHealthHandler(db, c handler.Pinger) http.HandlerFunc {
	return handler.NewHealthHandler(map[string]handler.Pinger{
		"database": db,
		"cache":    c,
	})
}

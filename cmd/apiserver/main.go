// Package main is the entry point for the gpuctl API server.
//
// This server exposes the HTTP submission and read API that tenants and
// operator tooling call. The server is designed for production operation
// with:
//
// - Graceful shutdown on SIGTERM/SIGINT
// - Health and readiness endpoints for load balancers
// - Prometheus metrics endpoint for monitoring
// - Structured logging with log levels
//
// The server initializes:
// 1. The store (Redis scripts + async Postgres audit sink)
// 2. The ingress layer and scheduler service
// 3. The quota config reconciler (push once, then periodic)
// 4. The HTTP server
//
// Configuration is via environment variables (12-factor app pattern).
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/beam/gpuctl/internal/api"
	"github.com/beam/gpuctl/internal/config"
	"github.com/beam/gpuctl/internal/ingress"
	"github.com/beam/gpuctl/internal/reconcile"
	rest "github.com/beam/gpuctl/internal/restapi"
	"github.com/beam/gpuctl/internal/store"
)

func main() {
	cfg := config.Load()

	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().
		Str("environment", cfg.Environment).
		Str("http_port", cfg.HTTPPort).
		Msg("starting gpuctl api server")

	auditLog, err := store.NewAuditLog(cfg.PostgresURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize audit log")
	}
	defer auditLog.Close()

	st, err := store.New(cfg.RedisAddr, logger, auditLog)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer st.Close()

	logger.Info().Msg("store initialized")

	ing := ingress.New(st.Redis(), cfg.IdempotencyTTLSeconds, logger)
	svc := api.New(ing, st, logger)

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open postgres for reconciler")
	}
	defer db.Close()

	reconciler := reconcile.New(st.Redis(), db, logger)
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := reconciler.PushQuotaConfig(initCtx); err != nil {
		logger.Warn().Err(err).Msg("initial quota config push failed, continuing with whatever redis already has")
	}
	initCancel()

	reconciler.StartPeriodicSync(5 * time.Minute)
	defer reconciler.Stop()

	handler := rest.NewHandler(svc, logger)
	httpServer := createHTTPServer(cfg.HTTPPort, handler, logger)
	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("shutdown complete")
}

// setupLogger creates a structured logger with appropriate configuration.
func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var logger zerolog.Logger
	if environment == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			Level(level).
			With().
			Timestamp().
			Str("service", "gpuctl-apiserver").
			Str("environment", environment).
			Logger()
	}

	return logger
}

// createHTTPServer wires the REST handler behind logging/CORS middleware.
func createHTTPServer(port string, handler *rest.Handler, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	var h http.Handler = mux
	h = rest.CORS(h)
	h = rest.LoggingMiddleware(logger)(h)

	return &http.Server{
		Addr:         ":" + port,
		Handler:      h,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Package main is the entry point for a gpuctl worker process. Workers
// consume from the main job stream, claim jobs under the tenant's quota,
// execute them, and finalize the result.
//
// Scale horizontally by running more of these; they share a single
// consumer group on the main stream so each message lands on exactly one
// worker.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/beam/gpuctl/internal/blobstore"
	"github.com/beam/gpuctl/internal/config"
	"github.com/beam/gpuctl/internal/executor"
	"github.com/beam/gpuctl/internal/store"
	"github.com/beam/gpuctl/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg.LogLevel, cfg.Environment).With().Str("worker_id", cfg.WorkerID).Logger()

	logger.Info().Msg("starting gpuctl worker")

	st, err := store.New(cfg.RedisAddr, logger, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer st.Close()

	blobs := blobstore.NewMemoryStore()
	exec := executor.NewSimulated(500 * time.Millisecond)

	w := worker.New(st, blobs, exec, worker.Config{
		WorkerID:           cfg.WorkerID,
		LeaseTTLMs:         cfg.LeaseTTLMs,
		RenewEveryMs:       cfg.RenewEveryMs,
		DelayOnNoCreditsMs: cfg.DelayOnNoCreditsMs,
		StreamBlockMs:      cfg.StreamBlockMs,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	if err := w.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatal().Err(err).Msg("worker loop exited with error")
	}

	logger.Info().Msg("shutdown complete")
}

func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).With().Timestamp().Caller().Logger()
	}
	return zerolog.New(os.Stdout).Level(level).With().
		Timestamp().Str("service", "gpuctl-worker").Str("environment", environment).Logger()
}

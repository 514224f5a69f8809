// Package main is the entry point for the gpuctl PEL reaper: it reclaims
// expired leases from crashed workers and redelivers their jobs.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/beam/gpuctl/internal/config"
	"github.com/beam/gpuctl/internal/reaper"
	"github.com/beam/gpuctl/internal/store"
)

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg.LogLevel, cfg.Environment).With().Str("worker_id", cfg.WorkerID).Logger()

	logger.Info().Msg("starting gpuctl pel reaper")

	st, err := store.New(cfg.RedisAddr, logger, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer st.Close()

	r := reaper.New(st, cfg.WorkerID, cfg.ReaperMinIdleMs, logger)

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	if err := r.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatal().Err(err).Msg("reaper loop exited with error")
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
		Timestamp().Str("service", "gpuctl-reaper").Str("environment", environment).Logger()
}

// Package main is the entry point for the gpuctl delayed scheduler: the
// "timer wheel" that re-injects jobs deferred by INSUFFICIENT_CREDITS back
// onto the main stream once their run_at has passed.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/beam/gpuctl/internal/config"
	"github.com/beam/gpuctl/internal/delayedsched"
	"github.com/beam/gpuctl/internal/store"
)

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg.LogLevel, cfg.Environment).With().Str("worker_id", cfg.WorkerID).Logger()

	logger.Info().Msg("starting gpuctl delayed scheduler")

	st, err := store.New(cfg.RedisAddr, logger, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer st.Close()

	sched := delayedsched.New(st, cfg.WorkerID, cfg.StreamBlockMs, logger)

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	if err := sched.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatal().Err(err).Msg("scheduler loop exited with error")
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
		Timestamp().Str("service", "gpuctl-scheduler").Str("environment", environment).Logger()
}

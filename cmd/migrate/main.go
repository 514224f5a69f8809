// Package main runs the SQL migration and seed files against the audit
// database. It is a deliberately small ops tool, not a migration
// framework: one up-file, one seed-file, run once at environment bootstrap.
package main

import (
	"context"
	"database/sql"
	"io/ioutil"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/beam/gpuctl/internal/config"
)

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg.LogLevel, cfg.Environment)

	logger.Info().Msg("starting gpuctl migrate")

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open postgres connection")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping failed")
	}
	logger.Info().Msg("connected to postgres")

	logger.Info().Msg("running migrations")
	migrationFile, err := readFirst("migrations/001_initial_schema.up.sql", "../../migrations/001_initial_schema.up.sql")
	if err != nil {
		logger.Fatal().Err(err).Msg("could not find migration file")
	}
	if _, err := db.Exec(string(migrationFile)); err != nil {
		logger.Warn().Err(err).Msg("migration exec reported an error, might already be applied")
	} else {
		logger.Info().Msg("migrations applied")
	}

	logger.Info().Msg("seeding data")
	seedFile, err := readFirst("test_seed.sql", "../../test_seed.sql")
	if err != nil {
		logger.Fatal().Err(err).Msg("could not find seed file")
	}

	for _, stmt := range strings.Split(string(seedFile), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			logger.Warn().Err(err).Str("statement", stmt).Msg("seed statement failed")
		}
	}

	logger.Info().Msg("seeding complete")
}

// readFirst returns the contents of the first path that exists, so the
// binary works whether it's run from the repo root or from cmd/migrate
// during local development.
func readFirst(paths ...string) ([]byte, error) {
	var lastErr error
	for _, p := range paths {
		data, err := ioutil.ReadFile(p)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, lastErr
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
		Timestamp().Str("service", "gpuctl-migrate").Str("environment", environment).Logger()
}

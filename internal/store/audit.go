package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/beam/gpuctl/internal/model"
)

// auditKind tags the shape of a queued audit write.
type auditKind int

const (
	auditKindClaim auditKind = iota
	auditKindFinalize
	auditKindReclaim
)

// auditOp is a single queued write, decoupled from the hot path that
// produced it.
type auditOp struct {
	kind           auditKind
	tenantID       string
	jobID          string
	workerID       string
	costGPUSeconds float64
	finalState     model.JobState
	payload        string
}

// AuditLog writes a durable trail of claim/finalize/reclaim events to
// PostgreSQL without blocking the Redis-side hot path. It is write-only:
// nothing on the decision path reads it back. If Postgres is unreachable
// the buffered channel simply backs up (and, once full, drops writes with
// a log line) rather than stalling job execution.
type AuditLog struct {
	db  *sql.DB
	log zerolog.Logger

	queue chan auditOp
	wg    sync.WaitGroup
}

// NewAuditLog opens a PostgreSQL connection pool and starts background
// workers that drain the write queue.
func NewAuditLog(postgresURL string, logger zerolog.Logger) (*AuditLog, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	a := &AuditLog{
		db:    db,
		log:   logger,
		queue: make(chan auditOp, 10000),
	}

	numWorkers := 4
	a.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go a.worker(i)
	}

	logger.Info().Int("num_workers", numWorkers).Msg("audit log workers started")
	return a, nil
}

// Enqueue queues a write. Never blocks the caller: if the queue is full
// the write is dropped and logged, since the audit trail is advisory —
// Redis remains the source of truth for scheduling decisions.
func (a *AuditLog) Enqueue(op auditOp) {
	select {
	case a.queue <- op:
	default:
		a.log.Warn().Msg("audit queue full, dropping write")
	}
}

func (a *AuditLog) worker(id int) {
	defer a.wg.Done()
	logger := a.log.With().Int("worker_id", id).Logger()

	for op := range a.queue {
		maxRetries := 5
		backoff := 100 * time.Millisecond

		for attempt := 1; attempt <= maxRetries; attempt++ {
			err := a.write(op)
			if err == nil {
				break
			}
			if attempt < maxRetries {
				logger.Warn().Err(err).Int("attempt", attempt).Msg("audit write failed, retrying")
				time.Sleep(backoff)
				backoff *= 2
			} else {
				logger.Error().Err(err).Msg("audit write failed after all retries")
			}
		}
	}
}

func (a *AuditLog) write(op auditOp) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch op.kind {
	case auditKindClaim:
		_, err := a.db.ExecContext(ctx, `
			INSERT INTO job_events (event_id, tenant_id, job_id, worker_id, event_type, cost_gpu_seconds, created_at)
			VALUES ($1, $2, $3, $4, 'claimed', $5, NOW())
		`, uuid.New().String(), op.tenantID, op.jobID, op.workerID, op.costGPUSeconds)
		return err

	case auditKindFinalize:
		_, err := a.db.ExecContext(ctx, `
			INSERT INTO job_events (event_id, tenant_id, job_id, worker_id, event_type, final_state, payload, created_at)
			VALUES ($1, $2, $3, $4, 'finalized', $5, $6, NOW())
		`, uuid.New().String(), op.tenantID, op.jobID, op.workerID, string(op.finalState), op.payload)
		return err

	case auditKindReclaim:
		_, err := a.db.ExecContext(ctx, `
			INSERT INTO job_events (event_id, tenant_id, job_id, event_type, created_at)
			VALUES ($1, $2, $3, 'reclaimed', NOW())
		`, uuid.New().String(), op.tenantID, op.jobID)
		return err
	}
	return nil
}

// Close stops accepting writes and waits for the queue to drain.
func (a *AuditLog) Close() {
	close(a.queue)
	a.wg.Wait()
	if err := a.db.Close(); err != nil {
		a.log.Error().Err(err).Msg("postgres close failed")
	}
}

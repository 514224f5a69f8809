// Package ingress implements job submission (C3): the durable job record,
// idempotent retries, and the enqueue onto the main stream. It is
// intentionally thin — the correctness-critical work lives in
// internal/store; this layer only orders the writes correctly.
package ingress

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/beam/gpuctl/internal/model"
	"github.com/beam/gpuctl/internal/queue"
	"github.com/beam/gpuctl/internal/schema"
)

// ErrInvalidCost is returned when the submitted cost is not positive.
var ErrInvalidCost = fmt.Errorf("cost_gpu_seconds must be > 0")

// nowFunc is overridable in tests.
var nowFunc = func() int64 { return time.Now().UnixMilli() }

// Ingress accepts job submissions and writes them durably before
// enqueueing, per the ordering guarantee in the design: job record, then
// stream append, then idempotency mapping last, so a crash never
// "remembers" a submission that was never enqueued.
type Ingress struct {
	redis                 *redis.Client
	log                    zerolog.Logger
	idempotencyTTLSeconds  int64
}

// New wires an Ingress around a shared Redis client.
func New(client *redis.Client, idempotencyTTLSeconds int64, logger zerolog.Logger) *Ingress {
	return &Ingress{redis: client, idempotencyTTLSeconds: idempotencyTTLSeconds, log: logger}
}

// Submit implements the operation described in the component design:
// reject non-positive cost, short-circuit on a live idempotency record,
// otherwise mint a job, write it QUEUED, enqueue it, and record the
// idempotency mapping last.
func (ig *Ingress) Submit(ctx context.Context, req model.SubmitRequest) (model.SubmitResult, error) {
	if req.CostGPUSeconds == nil || *req.CostGPUSeconds <= 0 {
		return model.SubmitResult{}, ErrInvalidCost
	}
	cost := *req.CostGPUSeconds

	if req.IdempotencyToken != "" {
		idemKey := schema.IdempotencyKey(req.TenantID, req.IdempotencyToken)
		existingJobID, err := ig.redis.Get(ctx, idemKey).Result()
		if err != nil && err != redis.Nil {
			return model.SubmitResult{}, fmt.Errorf("idempotency lookup: %w", err)
		}
		if err == nil && existingJobID != "" {
			ig.log.Debug().
				Str("tenant_id", req.TenantID).
				Str("job_id", existingJobID).
				Msg("idempotent resubmission, returning existing job")
			return model.SubmitResult{JobID: existingJobID, Status: model.JobQueued}, nil
		}
	}

	jobID := uuid.New().String()
	now := nowFunc()

	jobKey := schema.JobKey(req.TenantID, jobID)
	err := ig.redis.HSet(ctx, jobKey,
		"tenant_id", req.TenantID,
		"job_id", jobID,
		"agent_id", req.AgentID,
		"state", string(model.JobQueued),
		"prompt", req.Prompt,
		"cost_gpu_seconds", fmt.Sprintf("%g", cost),
		"created_ms", now,
		"updated_ms", now,
	).Err()
	if err != nil {
		return model.SubmitResult{}, fmt.Errorf("write job record: %w", err)
	}

	if err := queue.EnqueueJob(ctx, ig.redis, schema.QueueKey(), model.QueueMessage{TenantID: req.TenantID, JobID: jobID}); err != nil {
		return model.SubmitResult{}, fmt.Errorf("enqueue job: %w", err)
	}

	if req.IdempotencyToken != "" {
		idemKey := schema.IdempotencyKey(req.TenantID, req.IdempotencyToken)
		ttl := time.Duration(ig.idempotencyTTLSeconds) * time.Second
		if err := ig.redis.Set(ctx, idemKey, jobID, ttl).Err(); err != nil {
			// The job is already durable and enqueued; a failure here only
			// risks a duplicate submission on retry, not a lost job.
			ig.log.Warn().Err(err).Str("job_id", jobID).Msg("failed to persist idempotency mapping")
		}
	}

	ig.log.Info().
		Str("tenant_id", req.TenantID).
		Str("job_id", jobID).
		Float64("cost_gpu_seconds", cost).
		Msg("job submitted")

	return model.SubmitResult{JobID: jobID, Status: model.JobQueued}, nil
}

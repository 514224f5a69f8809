// Package reaper implements the PEL reaper (C6): it reclaims pending
// stream entries whose consumer has gone dark, and closes the
// crash-recovery gap by demoting jobs whose lease has expired back to
// QUEUED before redelivering them.
//
// Without the RECLAIM step, a redelivered job whose state is still
// RUNNING would be silently dropped by CLAIM's state!=QUEUED guard
// forever (see the design notes on the crash-recovery gap). This package
// is what makes redelivery actually productive.
package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/beam/gpuctl/internal/metrics"
	"github.com/beam/gpuctl/internal/model"
	"github.com/beam/gpuctl/internal/queue"
	"github.com/beam/gpuctl/internal/schema"
	"github.com/beam/gpuctl/internal/store"
	"github.com/beam/gpuctl/internal/worker"
)

const claimBatchSize = 20

// Reaper periodically scans the main stream's PEL for entries idle past
// minIdleMs and redelivers them.
type Reaper struct {
	st          *store.Store
	consumerID  string
	minIdleMs   int64
	pollEvery   time.Duration
	log         zerolog.Logger
	nowFunc     func() int64
}

// New wires a Reaper. consumerID is its identity within worker.Group.
func New(st *store.Store, consumerID string, minIdleMs int64, logger zerolog.Logger) *Reaper {
	return &Reaper{
		st:         st,
		consumerID: consumerID,
		minIdleMs:  minIdleMs,
		pollEvery:  2 * time.Second,
		log:        logger.With().Str("component", "pel_reaper").Str("consumer_id", consumerID).Logger(),
		nowFunc:    func() int64 { return time.Now().UnixMilli() },
	}
}

// Run loops until ctx is cancelled, sweeping the PEL on each tick.
// Exceptions are swallowed and retried on the next tick, mirroring the
// reference reaper's "never die, just back off" posture.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.pollEvery)
	defer ticker.Stop()

	r.log.Info().Int64("min_idle_ms", r.minIdleMs).Msg("pel reaper running")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				r.log.Warn().Err(err).Msg("reaper sweep failed, will retry next tick")
			}
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) error {
	client := r.st.Redis()

	claimed, err := queue.AutoClaim(ctx, client, schema.QueueKey(), worker.Group, r.consumerID, r.minIdleMs, claimBatchSize)
	if err != nil {
		return err
	}

	now := r.nowFunc()
	for _, entry := range claimed {
		metrics.PELClaimedEntries.Inc()

		ok, code, err := r.st.Reclaim(ctx, entry.TenantID, entry.JobID, now)
		if err != nil {
			r.log.Error().Err(err).Str("job_id", entry.JobID).Msg("reclaim failed")
			continue
		}
		if ok {
			metrics.JobsReclaimed.WithLabelValues(entry.TenantID).Inc()
		} else {
			// Either the lease is still active (raced with a live renewal)
			// or the job already finished. Either way CLAIM on redelivery
			// will do the right thing: drop it if terminal, or leave the
			// live owner's lease alone.
			r.log.Debug().Str("job_id", entry.JobID).Str("code", code).Msg("reclaim skipped")
		}

		if err := queue.EnqueueJob(ctx, client, schema.QueueKey(), model.QueueMessage{TenantID: entry.TenantID, JobID: entry.JobID}); err != nil {
			r.log.Error().Err(err).Str("job_id", entry.JobID).Msg("failed to redeliver reclaimed job")
			continue
		}
		if err := queue.Ack(ctx, client, schema.QueueKey(), worker.Group, entry.MessageID); err != nil {
			r.log.Error().Err(err).Str("job_id", entry.JobID).Msg("failed to ack reclaimed pending entry")
		}
	}

	return nil
}

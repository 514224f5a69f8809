// Package worker implements the worker loop (C4): consume from the main
// stream, claim, execute under a renewed lease, finalize, acknowledge.
//
// Ordering guarantee preserved here: stream acknowledgement always
// follows a successful FINALIZE (or the credit-failure diversion), never
// precedes it, so a crash between execution and ack leaves the message
// visible to the reaper rather than silently lost.
package worker

import (
	"context"
	"errors"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/beam/gpuctl/internal/blobstore"
	"github.com/beam/gpuctl/internal/executor"
	"github.com/beam/gpuctl/internal/metrics"
	"github.com/beam/gpuctl/internal/model"
	"github.com/beam/gpuctl/internal/queue"
	"github.com/beam/gpuctl/internal/schema"
	"github.com/beam/gpuctl/internal/store"
)

// Group is the consumer group every worker joins on the main stream.
const Group = "gpu-workers"

// Config bundles the lease-timing knobs the worker loop needs.
type Config struct {
	WorkerID           string
	LeaseTTLMs         int64
	RenewEveryMs       int64
	DelayOnNoCreditsMs int64
	StreamBlockMs      int64
}

// Worker runs the consume-claim-execute-finalize loop against a shared
// Store, queue, blob store, and executor.
type Worker struct {
	st       *store.Store
	blobs    blobstore.Store
	exec     executor.Executor
	cfg      Config
	log      zerolog.Logger
	nowFunc  func() int64
}

// New wires a Worker. nowFunc is the wall clock; there is no exported
// option to replace it.
func New(st *store.Store, blobs blobstore.Store, exec executor.Executor, cfg Config, logger zerolog.Logger) *Worker {
	return &Worker{
		st:      st,
		blobs:   blobs,
		exec:    exec,
		cfg:     cfg,
		log:     logger.With().Str("worker_id", cfg.WorkerID).Logger(),
		nowFunc: func() int64 { return time.Now().UnixMilli() },
	}
}

// Run ensures the consumer group exists and then loops until ctx is
// cancelled, processing at most one job per iteration per the component
// design (block-read one message, handle it fully, repeat).
func (w *Worker) Run(ctx context.Context) error {
	client := w.st.Redis()
	if err := queue.EnsureGroup(ctx, client, schema.QueueKey(), Group); err != nil {
		return err
	}

	w.log.Info().Msg("worker listening")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := queue.ReadOne(ctx, client, schema.QueueKey(), Group, w.cfg.WorkerID, w.cfg.StreamBlockMs)
		if errors.Is(err, queue.ErrNoMessages) {
			continue
		}
		if err != nil {
			w.log.Error().Err(err).Msg("stream read failed")
			continue
		}

		w.handle(ctx, msg)
	}
}

func (w *Worker) handle(ctx context.Context, msg goredis.XMessage) {
	tenantID := str(msg.Values["tenant_id"])
	jobID := str(msg.Values["job_id"])
	client := w.st.Redis()

	job, err := w.st.GetJob(ctx, tenantID, jobID)
	if err != nil {
		w.log.Error().Err(err).Str("tenant_id", tenantID).Str("job_id", jobID).Msg("failed to load job")
		return
	}
	if job == nil {
		_ = queue.Ack(ctx, client, schema.QueueKey(), Group, msg.ID)
		return
	}

	now := w.nowFunc()
	claim, err := w.st.Claim(ctx, tenantID, jobID, job.CostGPUSeconds, now, w.cfg.LeaseTTLMs, w.cfg.WorkerID)
	if err != nil {
		w.log.Error().Err(err).Str("job_id", jobID).Msg("claim failed")
		return
	}

	if !claim.OK && claim.Code == store.CodeInsufficientCredits {
		runAt := now + w.cfg.DelayOnNoCreditsMs
		if err := queue.EnqueueDelayed(ctx, client, schema.DelayedQueueKey(), model.DelayedMessage{
			TenantID: tenantID, JobID: jobID, RunAtMs: runAt,
		}); err != nil {
			w.log.Error().Err(err).Str("job_id", jobID).Msg("failed to enqueue delayed retry")
			return
		}
		// Acknowledge immediately: leaving this pending would poison the
		// PEL and have the reaper redeliver it before the backoff elapses.
		_ = queue.Ack(ctx, client, schema.QueueKey(), Group, msg.ID)
		return
	}

	if !claim.OK {
		// Not queued, already running, or terminal: another worker owns
		// it or it's done. Just ack.
		_ = queue.Ack(ctx, client, schema.QueueKey(), Group, msg.ID)
		return
	}

	w.execute(ctx, tenantID, jobID, job)
	_ = queue.Ack(ctx, client, schema.QueueKey(), Group, msg.ID)
}

func (w *Worker) execute(ctx context.Context, tenantID, jobID string, job *model.Job) {
	pointerKey := schema.AgentPointerKey(tenantID, job.AgentID)
	pointer, err := w.st.Redis().Get(ctx, pointerKey).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		w.log.Warn().Err(err).Str("job_id", jobID).Msg("failed to read agent pointer")
	}

	state := blobstore.AgentState{}
	if pointer != "" {
		loaded, err := w.blobs.LoadState(ctx, pointer)
		if err != nil {
			w.fail(ctx, tenantID, jobID, err)
			return
		}
		state = loaded
	}

	renewCtx, cancelRenew := context.WithCancel(ctx)
	defer cancelRenew()
	go w.renewLoop(renewCtx, tenantID, jobID)

	execStart := time.Now()
	result, err := w.exec.Execute(ctx, job.Prompt, state)
	cancelRenew()
	if err != nil {
		metrics.JobExecutionSeconds.WithLabelValues("failure").Observe(time.Since(execStart).Seconds())
		w.fail(ctx, tenantID, jobID, err)
		return
	}
	metrics.JobExecutionSeconds.WithLabelValues("success").Observe(time.Since(execStart).Seconds())

	newPointer, err := w.blobs.SaveState(ctx, state)
	if err != nil {
		w.fail(ctx, tenantID, jobID, err)
		return
	}
	if err := w.st.Redis().Set(ctx, pointerKey, newPointer, 0).Err(); err != nil {
		w.log.Warn().Err(err).Str("job_id", jobID).Msg("failed to persist agent pointer")
	}

	ok, code, err := w.st.Finalize(ctx, tenantID, jobID, w.nowFunc(), w.cfg.WorkerID, model.JobCompleted, result.Summary)
	if err != nil {
		w.log.Error().Err(err).Str("job_id", jobID).Msg("finalize(completed) failed")
		return
	}
	if !ok {
		// Lost the lease to a reclaim/reaper cycle; the job is no longer
		// ours to finalize. See store.CodeNotOwner/CodeNotRunning.
		w.log.Warn().Str("job_id", jobID).Str("code", code).Msg("finalize lost the race")
	}
}

func (w *Worker) fail(ctx context.Context, tenantID, jobID string, cause error) {
	_, _, err := w.st.Finalize(ctx, tenantID, jobID, w.nowFunc(), w.cfg.WorkerID, model.JobFailed, cause.Error())
	if err != nil {
		w.log.Error().Err(err).Str("job_id", jobID).Msg("finalize(failed) failed")
	}
}

// renewLoop renews the lease at the configured cadence until ctx is
// cancelled by the caller once execution finishes.
func (w *Worker) renewLoop(ctx context.Context, tenantID, jobID string) {
	ticker := time.NewTicker(time.Duration(w.cfg.RenewEveryMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, code, _, err := w.st.Renew(ctx, tenantID, jobID, w.nowFunc(), w.cfg.LeaseTTLMs, w.cfg.WorkerID)
			if err != nil {
				w.log.Warn().Err(err).Str("job_id", jobID).Msg("renew failed")
				continue
			}
			if !ok {
				w.log.Warn().Str("job_id", jobID).Str("code", code).Msg("lost lease during execution")
				return
			}
		}
	}
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

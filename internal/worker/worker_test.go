package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/beam/gpuctl/internal/blobstore"
	"github.com/beam/gpuctl/internal/executor"
	"github.com/beam/gpuctl/internal/model"
	"github.com/beam/gpuctl/internal/queue"
	"github.com/beam/gpuctl/internal/schema"
	"github.com/beam/gpuctl/internal/store"
)

func setupStore(t *testing.T) (*store.Store, *goredis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return store.NewWithClient(client, zerolog.Nop(), nil), client
}

func TestWorker_ClaimsExecutesFinalizesAndAcks(t *testing.T) {
	st, client := setupStore(t)
	ctx := context.Background()

	require.NoError(t, client.HSet(ctx, schema.JobKey("t1", "job-1"),
		"tenant_id", "t1", "job_id", "job-1", "agent_id", "a1",
		"state", string(model.JobQueued), "prompt", "hello world",
		"cost_gpu_seconds", "5", "created_ms", "1000", "updated_ms", "1000",
	).Err())
	require.NoError(t, client.HSet(ctx, schema.QuotaKey("t1"),
		"credits", "10", "rate_per_sec", "0", "burst", "10", "last_ms", "1000",
	).Err())

	require.NoError(t, queue.EnsureGroup(ctx, client, schema.QueueKey(), Group))
	require.NoError(t, queue.EnqueueJob(ctx, client, schema.QueueKey(), model.QueueMessage{TenantID: "t1", JobID: "job-1"}))

	w := New(st, blobstore.NewMemoryStore(), executor.NewSimulated(0), Config{
		WorkerID:           "worker-test",
		LeaseTTLMs:         30000,
		RenewEveryMs:       10000,
		DelayOnNoCreditsMs: 5000,
		StreamBlockMs:      100,
	}, zerolog.Nop())

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	go w.Run(runCtx)

	require.Eventually(t, func() bool {
		job, err := st.GetJob(ctx, "t1", "job-1")
		return err == nil && job != nil && job.State == model.JobCompleted
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		pending, err := client.XPending(ctx, schema.QueueKey(), Group).Result()
		return err == nil && pending.Count == 0
	}, time.Second, 10*time.Millisecond)
}

func TestWorker_DivertsInsufficientCreditsToDelayedQueue(t *testing.T) {
	st, client := setupStore(t)
	ctx := context.Background()

	require.NoError(t, client.HSet(ctx, schema.JobKey("t1", "job-1"),
		"tenant_id", "t1", "job_id", "job-1", "agent_id", "a1",
		"state", string(model.JobQueued), "prompt", "hello",
		"cost_gpu_seconds", "50", "created_ms", "1000", "updated_ms", "1000",
	).Err())
	require.NoError(t, client.HSet(ctx, schema.QuotaKey("t1"),
		"credits", "1", "rate_per_sec", "0", "burst", "10", "last_ms", "1000",
	).Err())

	require.NoError(t, queue.EnsureGroup(ctx, client, schema.QueueKey(), Group))
	require.NoError(t, queue.EnqueueJob(ctx, client, schema.QueueKey(), model.QueueMessage{TenantID: "t1", JobID: "job-1"}))

	w := New(st, blobstore.NewMemoryStore(), executor.NewSimulated(0), Config{
		WorkerID:           "worker-test",
		LeaseTTLMs:         30000,
		RenewEveryMs:       10000,
		DelayOnNoCreditsMs: 5000,
		StreamBlockMs:      100,
	}, zerolog.Nop())

	runCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	go w.Run(runCtx)

	require.Eventually(t, func() bool {
		n, err := client.XLen(ctx, schema.DelayedQueueKey()).Result()
		return err == nil && n == 1
	}, time.Second, 10*time.Millisecond)

	job, err := st.GetJob(ctx, "t1", "job-1")
	require.NoError(t, err)
	require.Equal(t, model.JobQueued, job.State)
}

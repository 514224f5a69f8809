package delayedsched

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/beam/gpuctl/internal/model"
	"github.com/beam/gpuctl/internal/queue"
	"github.com/beam/gpuctl/internal/schema"
	"github.com/beam/gpuctl/internal/store"
)

// S6 — jobs become runnable only after their own run_at, regardless of
// reinjection order.
func TestScheduler_ReinjectsOnlyRunnableJobs(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	st := store.NewWithClient(client, zerolog.Nop(), nil)
	ctx := context.Background()

	require.NoError(t, queue.EnsureGroup(ctx, client, schema.DelayedQueueKey(), Group))
	require.NoError(t, queue.EnqueueDelayed(ctx, client, schema.DelayedQueueKey(), model.DelayedMessage{TenantID: "t1", JobID: "ready", RunAtMs: 1000}))
	require.NoError(t, queue.EnqueueDelayed(ctx, client, schema.DelayedQueueKey(), model.DelayedMessage{TenantID: "t1", JobID: "not-ready", RunAtMs: 999999}))

	sched := New(st, "delay-1", 100, zerolog.Nop())
	sched.nowFunc = func() int64 { return 2000 }

	runCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	go sched.Run(runCtx)

	require.Eventually(t, func() bool {
		n, err := client.XLen(ctx, schema.QueueKey()).Result()
		return err == nil && n == 1
	}, 400*time.Millisecond, 10*time.Millisecond)

	pending, err := client.XPending(ctx, schema.DelayedQueueKey(), Group).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), pending.Count) // the not-yet-runnable one stays pending
}

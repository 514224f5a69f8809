package ingress

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/beam/gpuctl/internal/model"
	"github.com/beam/gpuctl/internal/schema"
)

func newTestIngress(t *testing.T) (*Ingress, *goredis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return New(client, 86400, zerolog.Nop()), client
}

func floatPtr(f float64) *float64 { return &f }

// Two submissions carrying the same idempotency token must be treated as
// one submission: same job_id back both times, and only the first call's
// writes land in Redis.
func TestSubmit_IdempotentRetryReturnsSameJob(t *testing.T) {
	ig, client := newTestIngress(t)
	ctx := context.Background()

	req := model.SubmitRequest{
		TenantID:         "t1",
		AgentID:          "a1",
		Prompt:           "hi",
		CostGPUSeconds:   floatPtr(5),
		IdempotencyToken: "retry-token-1",
	}

	first, err := ig.Submit(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, first.JobID)

	second, err := ig.Submit(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first.JobID, second.JobID)
	require.Equal(t, first.Status, second.Status)

	streamLen, err := client.XLen(ctx, schema.QueueKey()).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), streamLen, "retry must not enqueue a second job")

	jobKey := schema.JobKey(req.TenantID, first.JobID)
	exists, err := client.Exists(ctx, jobKey).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), exists)

	fields, err := client.HGetAll(ctx, jobKey).Result()
	require.NoError(t, err)
	require.Equal(t, first.JobID, fields["job_id"])
}

// A different idempotency token is a genuinely new submission and must
// mint its own job and stream entry.
func TestSubmit_DifferentTokenCreatesDistinctJobs(t *testing.T) {
	ig, client := newTestIngress(t)
	ctx := context.Background()

	base := model.SubmitRequest{
		TenantID:       "t1",
		AgentID:        "a1",
		Prompt:         "hi",
		CostGPUSeconds: floatPtr(5),
	}

	reqA := base
	reqA.IdempotencyToken = "token-a"
	reqB := base
	reqB.IdempotencyToken = "token-b"

	first, err := ig.Submit(ctx, reqA)
	require.NoError(t, err)

	second, err := ig.Submit(ctx, reqB)
	require.NoError(t, err)

	require.NotEqual(t, first.JobID, second.JobID)

	streamLen, err := client.XLen(ctx, schema.QueueKey()).Result()
	require.NoError(t, err)
	require.Equal(t, int64(2), streamLen)
}

func TestSubmit_RejectsNonPositiveCost(t *testing.T) {
	ig, _ := newTestIngress(t)

	_, err := ig.Submit(context.Background(), model.SubmitRequest{
		TenantID:       "t1",
		AgentID:        "a1",
		Prompt:         "hi",
		CostGPUSeconds: floatPtr(0),
	})
	require.ErrorIs(t, err, ErrInvalidCost)

	_, err = ig.Submit(context.Background(), model.SubmitRequest{
		TenantID:       "t1",
		AgentID:        "a1",
		Prompt:         "hi",
		CostGPUSeconds: nil,
	})
	require.ErrorIs(t, err, ErrInvalidCost)
}

func TestSubmit_WithoutIdempotencyTokenAlwaysCreatesNewJob(t *testing.T) {
	ig, client := newTestIngress(t)
	ctx := context.Background()

	req := model.SubmitRequest{
		TenantID:       "t1",
		AgentID:        "a1",
		Prompt:         "hi",
		CostGPUSeconds: floatPtr(5),
	}

	first, err := ig.Submit(ctx, req)
	require.NoError(t, err)

	second, err := ig.Submit(ctx, req)
	require.NoError(t, err)

	require.NotEqual(t, first.JobID, second.JobID)

	streamLen, err := client.XLen(ctx, schema.QueueKey()).Result()
	require.NoError(t, err)
	require.Equal(t, int64(2), streamLen)
}

package api

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/beam/gpuctl/internal/ingress"
	"github.com/beam/gpuctl/internal/model"
	"github.com/beam/gpuctl/internal/store"
)

// newTestService spins up a SchedulerService against miniredis, sidestepping
// the old architectural problem of the concrete store not being mockable:
// miniredis speaks the real Redis protocol (including EVAL), so the store's
// own Lua scripts run unmodified in tests.
func newTestService(t *testing.T) (*SchedulerService, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	logger := zerolog.Nop()
	st := store.NewWithClient(client, logger, nil)
	ing := ingress.New(client, 86400, logger)

	return New(ing, st, logger), mr
}

func floatPtr(f float64) *float64 { return &f }

func TestSubmit_RejectsNonPositiveCost(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Submit(context.Background(), model.SubmitRequest{
		TenantID:       "t1",
		AgentID:        "a1",
		Prompt:         "hi",
		CostGPUSeconds: floatPtr(-1),
	})
	require.Error(t, err)
}

// An explicit cost_gpu_seconds of 0 must be rejected, not silently
// defaulted — only an omitted (nil) field defaults. See ingress.ErrInvalidCost.
func TestSubmit_RejectsExplicitZeroCost(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Submit(context.Background(), model.SubmitRequest{
		TenantID:       "t1",
		AgentID:        "a1",
		Prompt:         "hi",
		CostGPUSeconds: floatPtr(0),
	})
	require.ErrorIs(t, err, ingress.ErrInvalidCost)
}

func TestSubmit_RequiresTenantAndAgent(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Submit(context.Background(), model.SubmitRequest{AgentID: "a1", CostGPUSeconds: floatPtr(5)})
	require.Error(t, err)

	_, err = svc.Submit(context.Background(), model.SubmitRequest{TenantID: "t1", CostGPUSeconds: floatPtr(5)})
	require.Error(t, err)
}

func TestSubmit_DefaultsCost(t *testing.T) {
	svc, _ := newTestService(t)

	result, err := svc.Submit(context.Background(), model.SubmitRequest{
		TenantID: "t1",
		AgentID:  "a1",
		Prompt:   "hi",
	})
	require.NoError(t, err)
	require.Equal(t, model.JobQueued, result.Status)

	job, err := svc.GetJob(context.Background(), "t1", result.JobID)
	require.NoError(t, err)
	require.Equal(t, 5.0, job.CostGPUSeconds)
}

func TestGetJob_NotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.GetJob(context.Background(), "t1", "does-not-exist")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestGetQuota_NotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.GetQuota(context.Background(), "unseeded-tenant")
	require.ErrorIs(t, err, ErrQuotaNotFound)
}

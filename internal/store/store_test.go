package store

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

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return NewWithClient(client, zerolog.Nop(), nil), mr
}

func seedJob(t *testing.T, st *Store, tenant, jobID string) {
	t.Helper()
	ctx := context.Background()
	err := st.redis.HSet(ctx, schema.JobKey(tenant, jobID),
		"tenant_id", tenant,
		"job_id", jobID,
		"agent_id", "agent-1",
		"state", string(model.JobQueued),
		"prompt", "hello",
		"cost_gpu_seconds", "5",
		"created_ms", "1000",
		"updated_ms", "1000",
	).Err()
	require.NoError(t, err)
}

func seedQuota(t *testing.T, st *Store, tenant string, credits, rate, burst float64) {
	t.Helper()
	ctx := context.Background()
	err := st.redis.HSet(ctx, schema.QuotaKey(tenant),
		"credits", credits,
		"rate_per_sec", rate,
		"burst", burst,
		"last_ms", "1000",
	).Err()
	require.NoError(t, err)
}

// S1 — happy path: affordable claim debits credits, registers a lease,
// and finalize clears it.
func TestClaimFinalize_HappyPath(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	seedJob(t, st, "t1", "job-1")
	seedQuota(t, st, "t1", 10, 1, 10)

	res, err := st.Claim(ctx, "t1", "job-1", 5, 1000, 30000, "worker-a")
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, CodeOK, res.Code)
	require.Equal(t, 5.0, res.Credits)

	expiry, held, err := st.ReservationExpiry(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, held)
	require.Equal(t, int64(31000), expiry)

	ok, code, err := st.Finalize(ctx, "t1", "job-1", 2000, "worker-a", model.JobCompleted, "done")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, CodeOK, code)

	_, held, err = st.ReservationExpiry(ctx, "job-1")
	require.NoError(t, err)
	require.False(t, held)

	job, err := st.GetJob(ctx, "t1", "job-1")
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, job.State)
}

// S3 — insufficient credits: the bucket is still persisted (refilled)
// even on denial, and the job stays QUEUED.
func TestClaim_InsufficientCredits(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	seedJob(t, st, "t1", "job-1")
	seedQuota(t, st, "t1", 2, 0, 10)

	res, err := st.Claim(ctx, "t1", "job-1", 5, 1000, 30000, "worker-a")
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Equal(t, CodeInsufficientCredits, res.Code)

	job, err := st.GetJob(ctx, "t1", "job-1")
	require.NoError(t, err)
	require.Equal(t, model.JobQueued, job.State)

	quota, err := st.GetQuota(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, int64(1000), quota.LastMs)
}

// Re-delivery of an already-running job is dropped by CLAIM's state
// guard, never double-charging or double-claiming.
func TestClaim_DropsRedeliveryOfRunningJob(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	seedJob(t, st, "t1", "job-1")
	seedQuota(t, st, "t1", 10, 0, 10)

	first, err := st.Claim(ctx, "t1", "job-1", 5, 1000, 30000, "worker-a")
	require.NoError(t, err)
	require.True(t, first.OK)

	second, err := st.Claim(ctx, "t1", "job-1", 5, 1500, 30000, "worker-b")
	require.NoError(t, err)
	require.False(t, second.OK)
	require.Equal(t, CodeJobNotQueued, second.Code)

	quota, err := st.GetQuota(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 5.0, quota.Credits) // charged exactly once
}

// S5 — double finalize race: exactly one FINALIZE wins.
func TestFinalize_OnlyOneWinnerOnRace(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	seedJob(t, st, "t1", "job-1")
	seedQuota(t, st, "t1", 10, 0, 10)

	_, err := st.Claim(ctx, "t1", "job-1", 5, 1000, 30000, "worker-a")
	require.NoError(t, err)

	ok1, code1, err := st.Finalize(ctx, "t1", "job-1", 2000, "worker-a", model.JobCompleted, "ok")
	require.NoError(t, err)
	ok2, code2, err := st.Finalize(ctx, "t1", "job-1", 2100, "worker-a", model.JobFailed, "late")
	require.NoError(t, err)

	require.True(t, ok1)
	require.Equal(t, CodeOK, code1)
	require.False(t, ok2)
	require.Equal(t, CodeNotRunning, code2)
}

// A worker that lost its lease (NOT_OWNER) cannot finalize someone else's
// claim.
func TestFinalize_RejectsNonOwner(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	seedJob(t, st, "t1", "job-1")
	seedQuota(t, st, "t1", 10, 0, 10)

	_, err := st.Claim(ctx, "t1", "job-1", 5, 1000, 30000, "worker-a")
	require.NoError(t, err)

	ok, code, err := st.Finalize(ctx, "t1", "job-1", 2000, "worker-b", model.JobCompleted, "stolen")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, CodeNotOwner, code)
}

func TestRenew_ExtendsLeaseForOwner(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	seedJob(t, st, "t1", "job-1")
	seedQuota(t, st, "t1", 10, 0, 10)

	_, err := st.Claim(ctx, "t1", "job-1", 5, 1000, 30000, "worker-a")
	require.NoError(t, err)

	ok, code, newExpiry, err := st.Renew(ctx, "t1", "job-1", 20000, 30000, "worker-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, CodeOK, code)
	require.Equal(t, int64(50000), newExpiry)
}

func TestRenew_RejectsNonOwner(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	seedJob(t, st, "t1", "job-1")
	seedQuota(t, st, "t1", 10, 0, 10)

	_, err := st.Claim(ctx, "t1", "job-1", 5, 1000, 30000, "worker-a")
	require.NoError(t, err)

	ok, code, _, err := st.Renew(ctx, "t1", "job-1", 20000, 30000, "worker-b")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, CodeNotOwner, code)
}

// S4 / RECLAIM — a job with an expired lease is demoted back to QUEUED
// with no additional charge, letting a fresh CLAIM pick it up.
func TestReclaim_DemotesExpiredLease(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	seedJob(t, st, "t1", "job-1")
	seedQuota(t, st, "t1", 10, 0, 10)

	_, err := st.Claim(ctx, "t1", "job-1", 5, 1000, 30000, "worker-a")
	require.NoError(t, err)

	// Lease expires at 31000; well past it now.
	ok, code, err := st.Reclaim(ctx, "t1", "job-1", 100000)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, CodeOK, code)

	job, err := st.GetJob(ctx, "t1", "job-1")
	require.NoError(t, err)
	require.Equal(t, model.JobQueued, job.State)
	require.Equal(t, "", job.WorkerID)

	_, held, err := st.ReservationExpiry(ctx, "job-1")
	require.NoError(t, err)
	require.False(t, held)

	quota, err := st.GetQuota(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 5.0, quota.Credits) // no refund

	second, err := st.Claim(ctx, "t1", "job-1", 5, 100500, 30000, "worker-b")
	require.NoError(t, err)
	require.True(t, second.OK)
	require.Equal(t, 5.0, second.Credits) // no rebill either
}

func TestReclaim_RefusesActiveLease(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	seedJob(t, st, "t1", "job-1")
	seedQuota(t, st, "t1", 10, 0, 10)

	_, err := st.Claim(ctx, "t1", "job-1", 5, 1000, 30000, "worker-a")
	require.NoError(t, err)

	ok, code, err := st.Reclaim(ctx, "t1", "job-1", 5000)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, CodeLeaseActive, code)
}

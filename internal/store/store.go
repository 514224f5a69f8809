// Package store is the correctness spine of the control plane: the durable
// job/quota/lease state model and the atomic claim/renew/finalize/reclaim
// protocol that makes "charge credits and begin execution" a single
// indivisible step.
//
// All cross-process mutation of correctness-critical state (job state,
// quota, reservations) flows exclusively through the four Lua scripts in
// this file. No other code path reads-then-writes any of those fields —
// that discipline is what prevents double charges, double finalizes, and
// leaked GPU capacity under concurrent workers.
//
// Redis is the source of truth for everything this package touches.
// PostgreSQL, wired through the audit sink in audit.go, is a write-only
// trail for operators and billing reconciliation; nothing on the decision
// path ever reads it back.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/beam/gpuctl/internal/metrics"
	"github.com/beam/gpuctl/internal/model"
	"github.com/beam/gpuctl/internal/schema"
)

// Result codes returned by the atomic scripts. These are the typed return
// codes the error-handling design calls for: correctness errors never
// surface as exceptions out of this package, only as these strings.
const (
	CodeOK                  = "OK"
	CodeJobNotQueued        = "JOB_NOT_QUEUED"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeNotRunning          = "NOT_RUNNING"
	CodeNotOwner            = "NOT_OWNER"
	CodeLeaseActive         = "LEASE_ACTIVE"
)

// Store wires the atomic Redis scripts and the async Postgres audit sink.
//
// Thread safety: every exported method is safe for concurrent use; the
// underlying redis.Client pools its own connections.
type Store struct {
	redis *redis.Client
	log   zerolog.Logger

	claimScript    *redis.Script
	renewScript    *redis.Script
	finalizeScript *redis.Script
	reclaimScript  *redis.Script

	audit *AuditLog
}

// New connects to Redis, compiles the atomic scripts, and wires an
// AuditLog for durable bookkeeping. auditLog may be nil, in which case
// audit writes are silently skipped — useful for tests that only care
// about Redis-side correctness.
func New(redisAddr string, logger zerolog.Logger, auditLog *AuditLog) (*Store, error) {
	logger.Info().Str("redis_addr", redisAddr).Msg("initializing store")

	rdb := redis.NewClient(&redis.Options{
		Addr: redisAddr,

		DialTimeout:  500 * time.Millisecond,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,

		PoolSize:     100,
		MinIdleConns: 10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	s := &Store{
		redis: rdb,
		log:   logger,
		audit: auditLog,
	}
	s.loadScripts()

	logger.Info().Msg("store ready")
	return s, nil
}

// NewWithClient wires a Store around an already-constructed redis.Client.
// Used by tests against miniredis, where there is no real address to dial.
func NewWithClient(client *redis.Client, logger zerolog.Logger, auditLog *AuditLog) *Store {
	s := &Store{redis: client, log: logger, audit: auditLog}
	s.loadScripts()
	return s
}

// loadScripts compiles the four atomic operations once. redis.Script lazily
// EVALSHAs and falls back to EVAL on NOSCRIPT, so we don't need to manage
// SHA caching by hand.
func (s *Store) loadScripts() {
	s.claimScript = redis.NewScript(claimJobLua)
	s.renewScript = redis.NewScript(renewLeaseLua)
	s.finalizeScript = redis.NewScript(finalizeJobLua)
	s.reclaimScript = redis.NewScript(reclaimJobLua)
}

// Close releases the Redis connection pool and drains the audit sink.
func (s *Store) Close() error {
	if s.audit != nil {
		s.audit.Close()
	}
	return s.redis.Close()
}

// Redis exposes the underlying client for components that need direct
// stream/hash access (ingress, worker, scheduler, reaper) without
// duplicating connection setup.
func (s *Store) Redis() *redis.Client {
	return s.redis
}

// claimJobLua implements CLAIM: atomically debit the tenant's quota and
// transition a QUEUED job to RUNNING under a fresh lease. A job that
// carries the "charged" marker from an earlier CLAIM (one that RECLAIM
// returned to QUEUED) is not checked against or debited from the quota
// again.
//
// KEYS[1] = quota_key, KEYS[2] = job_key, KEYS[3] = reservations_key
// ARGV[1] = job_id, ARGV[2] = cost, ARGV[3] = now_ms, ARGV[4] = lease_ttl_ms, ARGV[5] = worker_id
const claimJobLua = `
local quota_key = KEYS[1]
local job_key = KEYS[2]
local reservations = KEYS[3]

local job_id = ARGV[1]
local cost = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local worker = ARGV[5]

local state = redis.call("HGET", job_key, "state")
if state ~= "QUEUED" then
  return {0, "JOB_NOT_QUEUED", state or "MISSING"}
end
local charged = redis.call("HGET", job_key, "charged") == "1"

local last_ms = tonumber(redis.call("HGET", quota_key, "last_ms") or tostring(now))
local credits = tonumber(redis.call("HGET", quota_key, "credits") or "0")
local rate = tonumber(redis.call("HGET", quota_key, "rate_per_sec") or "0")
local burst = tonumber(redis.call("HGET", quota_key, "burst") or "0")

local dt_ms = now - last_ms
if dt_ms < 0 then dt_ms = 0 end

credits = credits + (rate * (dt_ms / 1000.0))
if credits > burst then credits = burst end

if not charged and credits < cost then
  redis.call("HSET", quota_key, "credits", tostring(credits), "last_ms", tostring(now))
  return {0, "INSUFFICIENT_CREDITS", tostring(credits)}
end

if not charged then
  credits = credits - cost
end
redis.call("HSET", quota_key, "credits", tostring(credits), "last_ms", tostring(now))

redis.call("HSET", job_key,
  "state", "RUNNING",
  "worker_id", worker,
  "start_ms", tostring(now),
  "updated_ms", tostring(now),
  "charged", "1"
)

local expiry = now + ttl
redis.call("ZADD", reservations, expiry, job_id)

return {1, "OK", tostring(credits), tostring(expiry)}
`

// renewLeaseLua implements RENEW: extend a running job's lease expiry.
// Does not touch credits — the charge already happened at CLAIM.
//
// KEYS[1] = job_key, KEYS[2] = reservations_key
// ARGV[1] = job_id, ARGV[2] = now_ms, ARGV[3] = extend_ttl_ms, ARGV[4] = worker_id
const renewLeaseLua = `
local job_key = KEYS[1]
local reservations = KEYS[2]

local job_id = ARGV[1]
local now = tonumber(ARGV[2])
local extend = tonumber(ARGV[3])
local worker = ARGV[4]

local state = redis.call("HGET", job_key, "state")
if state ~= "RUNNING" then
  return {0, "NOT_RUNNING", state or "MISSING"}
end

local curr_worker = redis.call("HGET", job_key, "worker_id")
if curr_worker ~= worker then
  return {0, "NOT_OWNER", curr_worker or ""}
end

local new_expiry = now + extend
redis.call("ZADD", reservations, new_expiry, job_id)
redis.call("HSET", job_key, "updated_ms", tostring(now))

return {1, "OK", tostring(new_expiry)}
`

// finalizeJobLua implements FINALIZE: transition RUNNING to a terminal
// state and release the lease in the same atomic step, closing the
// "finished but still reserved" window.
//
// KEYS[1] = job_key, KEYS[2] = reservations_key
// ARGV[1] = job_id, ARGV[2] = now_ms, ARGV[3] = worker_id, ARGV[4] = final_state, ARGV[5] = payload
const finalizeJobLua = `
local job_key = KEYS[1]
local reservations = KEYS[2]

local job_id = ARGV[1]
local now = ARGV[2]
local worker = ARGV[3]
local final_state = ARGV[4]
local payload = ARGV[5]

local state = redis.call("HGET", job_key, "state")
if state ~= "RUNNING" then
  return {0, "NOT_RUNNING", state or "MISSING"}
end

local curr_worker = redis.call("HGET", job_key, "worker_id")
if curr_worker ~= worker then
  return {0, "NOT_OWNER", curr_worker or ""}
end

redis.call("HSET", job_key,
  "state", final_state,
  "updated_ms", now,
  "payload", payload
)

redis.call("ZREM", reservations, job_id)
return {1, "OK"}
`

// reclaimJobLua implements RECLAIM, the repair for the crash-recovery gap
// flagged in the design notes: a job stuck RUNNING whose lease has expired
// is demoted back to QUEUED so a fresh CLAIM can pick it up, rather than
// being silently dropped by CLAIM's state!=QUEUED guard forever.
//
// Policy: no refund, no rebill. RECLAIM does not touch the quota, so the
// credits charged at the original CLAIM stay spent, and it leaves the
// job's "charged" marker in place, so the next CLAIM of the same job_id
// takes no second debit — the tenant pays once for the job however many
// times it is retried. See DESIGN.md for the alternative policies
// considered.
//
// KEYS[1] = job_key, KEYS[2] = reservations_key
// ARGV[1] = job_id, ARGV[2] = now_ms
const reclaimJobLua = `
local job_key = KEYS[1]
local reservations = KEYS[2]

local job_id = ARGV[1]
local now = ARGV[2]

local state = redis.call("HGET", job_key, "state")
if state ~= "RUNNING" then
  return {0, "NOT_RUNNING", state or "MISSING"}
end

local expiry = redis.call("ZSCORE", reservations, job_id)
if expiry ~= false and tonumber(expiry) >= tonumber(now) then
  return {0, "LEASE_ACTIVE", expiry}
end

redis.call("HSET", job_key,
  "state", "QUEUED",
  "worker_id", "",
  "updated_ms", now
)
redis.call("ZREM", reservations, job_id)

return {1, "OK"}
`

// ClaimResult is the parsed outcome of CLAIM.
type ClaimResult struct {
	OK      bool
	Code    string
	Credits float64
	Expiry  int64
}

// Claim attempts to move a job from QUEUED to RUNNING under a fresh lease,
// debiting the tenant's quota atomically with the transition.
func (s *Store) Claim(ctx context.Context, tenantID, jobID string, costGPUSeconds float64, nowMs, leaseTTLMs int64, workerID string) (ClaimResult, error) {
	keys := []string{schema.QuotaKey(tenantID), schema.JobKey(tenantID, jobID), schema.ReservationsKey()}
	args := []interface{}{jobID, costGPUSeconds, nowMs, leaseTTLMs, workerID}

	raw, err := s.claimScript.Run(ctx, s.redis, keys, args...).Result()
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim script: %w", err)
	}
	row := raw.([]interface{})
	res := ClaimResult{OK: row[0].(int64) == 1, Code: row[1].(string)}
	if res.OK {
		res.Credits = parseFloat(row[2].(string))
		res.Expiry = parseInt(row[3].(string))
	}
	metrics.ClaimOutcomes.WithLabelValues(res.Code).Inc()

	s.log.Debug().
		Str("tenant_id", tenantID).
		Str("job_id", jobID).
		Str("worker_id", workerID).
		Str("code", res.Code).
		Bool("ok", res.OK).
		Msg("claim")

	if res.OK && s.audit != nil {
		s.audit.Enqueue(auditOp{kind: auditKindClaim, tenantID: tenantID, jobID: jobID, workerID: workerID, costGPUSeconds: costGPUSeconds})
	}

	return res, nil
}

// Renew extends a held lease. Requires the caller to still be the job's
// owner; does not touch quota.
func (s *Store) Renew(ctx context.Context, tenantID, jobID string, nowMs, extendTTLMs int64, workerID string) (ok bool, code string, newExpiry int64, err error) {
	keys := []string{schema.JobKey(tenantID, jobID), schema.ReservationsKey()}
	args := []interface{}{jobID, nowMs, extendTTLMs, workerID}

	raw, err := s.renewScript.Run(ctx, s.redis, keys, args...).Result()
	if err != nil {
		return false, "", 0, fmt.Errorf("renew script: %w", err)
	}
	row := raw.([]interface{})
	ok = row[0].(int64) == 1
	code = row[1].(string)
	if ok {
		newExpiry = parseInt(row[2].(string))
	}
	return ok, code, newExpiry, nil
}

// Finalize transitions a RUNNING job to a terminal state and releases its
// lease. finalState must be model.JobCompleted or model.JobFailed.
func (s *Store) Finalize(ctx context.Context, tenantID, jobID string, nowMs int64, workerID string, finalState model.JobState, payload string) (ok bool, code string, err error) {
	keys := []string{schema.JobKey(tenantID, jobID), schema.ReservationsKey()}
	args := []interface{}{jobID, nowMs, workerID, string(finalState), payload}

	raw, err := s.finalizeScript.Run(ctx, s.redis, keys, args...).Result()
	if err != nil {
		return false, "", fmt.Errorf("finalize script: %w", err)
	}
	row := raw.([]interface{})
	ok = row[0].(int64) == 1
	code = row[1].(string)
	metrics.FinalizeOutcomes.WithLabelValues(string(finalState), code).Inc()

	s.log.Info().
		Str("tenant_id", tenantID).
		Str("job_id", jobID).
		Str("worker_id", workerID).
		Str("final_state", string(finalState)).
		Bool("ok", ok).
		Msg("finalize")

	if ok && s.audit != nil {
		s.audit.Enqueue(auditOp{kind: auditKindFinalize, tenantID: tenantID, jobID: jobID, workerID: workerID, finalState: finalState, payload: payload})
	}

	return ok, code, nil
}

// Reclaim demotes a RUNNING job with an expired lease back to QUEUED. It
// is invoked by the PEL reaper, never by the worker loop directly.
func (s *Store) Reclaim(ctx context.Context, tenantID, jobID string, nowMs int64) (ok bool, code string, err error) {
	keys := []string{schema.JobKey(tenantID, jobID), schema.ReservationsKey()}
	args := []interface{}{jobID, nowMs}

	raw, err := s.reclaimScript.Run(ctx, s.redis, keys, args...).Result()
	if err != nil {
		return false, "", fmt.Errorf("reclaim script: %w", err)
	}
	row := raw.([]interface{})
	ok = row[0].(int64) == 1
	code = row[1].(string)

	if ok {
		s.log.Warn().
			Str("tenant_id", tenantID).
			Str("job_id", jobID).
			Msg("reclaimed job with expired lease")
		if s.audit != nil {
			s.audit.Enqueue(auditOp{kind: auditKindReclaim, tenantID: tenantID, jobID: jobID})
		}
	}

	return ok, code, nil
}

// GetJob reads the job hash without side effects. Returns (nil, nil) if
// the job does not exist.
func (s *Store) GetJob(ctx context.Context, tenantID, jobID string) (*model.Job, error) {
	fields, err := s.redis.HGetAll(ctx, schema.JobKey(tenantID, jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall job: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	j := &model.Job{
		TenantID:       tenantID,
		JobID:          jobID,
		AgentID:        fields["agent_id"],
		State:          model.JobState(fields["state"]),
		Prompt:         fields["prompt"],
		CostGPUSeconds: parseFloat(fields["cost_gpu_seconds"]),
		WorkerID:       fields["worker_id"],
		StartMs:        parseInt(fields["start_ms"]),
		CreatedMs:      parseInt(fields["created_ms"]),
		UpdatedMs:      parseInt(fields["updated_ms"]),
		Payload:        fields["payload"],
	}
	return j, nil
}

// GetQuota reads a tenant's quota hash without refilling it. Callers that
// need an up-to-date view after refill should rely on Claim's return
// value instead; this is for observability only.
func (s *Store) GetQuota(ctx context.Context, tenantID string) (*model.Quota, error) {
	fields, err := s.redis.HGetAll(ctx, schema.QuotaKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall quota: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return &model.Quota{
		TenantID:   tenantID,
		Credits:    parseFloat(fields["credits"]),
		RatePerSec: parseFloat(fields["rate_per_sec"]),
		Burst:      parseFloat(fields["burst"]),
		LastMs:     parseInt(fields["last_ms"]),
	}, nil
}

// ReservationExpiry returns the lease expiry for a job_id, or (0, false)
// if it holds no lease. It only reads the reservations index (C7); the
// reaper and cmd/ctl do not call it (ctl reads the index directly).
func (s *Store) ReservationExpiry(ctx context.Context, jobID string) (int64, bool, error) {
	score, err := s.redis.ZScore(ctx, schema.ReservationsKey(), jobID).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("zscore reservations: %w", err)
	}
	return int64(score), true, nil
}

func parseFloat(s string) float64 {
	var f float64
	fmt.Sscanf(s, "%g", &f)
	return f
}

func parseInt(s string) int64 {
	var i int64
	fmt.Sscanf(s, "%d", &i)
	return i
}

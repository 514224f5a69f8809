// Package reconcile is an operational integrity checker, not a
// correctness dependency. It does two things, both advisory:
//
//  1. Pushes tenant quota *configuration* (rate_per_sec, burst) from
//     PostgreSQL into each tenant's Redis quota hash, so `ctl quota set`
//     writes go through the durable store first. It never touches
//     `credits` or `last_ms` — those fields are owned exclusively by the
//     CLAIM script, and a reconciler that clobbered them would itself be
//     the kind of stale-read hazard the design notes warn against.
//  2. Samples the reservations index and flags leases whose expiry has
//     already passed. It does not read job records, so it does not check
//     the job's state against its lease.
//
// Redis remains the sole source of truth for scheduling decisions; this
// package only ever reads it for auditing or writes the narrow config
// slice described above.
package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/beam/gpuctl/internal/schema"
)

// Reconciler periodically pushes quota config and audits the reservations
// index for consistency.
type Reconciler struct {
	redis  *redis.Client
	db     *sql.DB
	log    zerolog.Logger
	stopCh chan struct{}
}

// New creates a Reconciler instance.
func New(rdb *redis.Client, db *sql.DB, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		redis:  rdb,
		db:     db,
		log:    logger.With().Str("component", "reconciler").Logger(),
		stopCh: make(chan struct{}),
	}
}

// PushQuotaConfig pushes rate_per_sec/burst for every configured tenant
// into Redis. Intended to run once at startup so a freshly provisioned
// Redis has working quota ceilings before the first job lands; existing
// credits/last_ms fields for tenants that already have a bucket are left
// untouched.
func (r *Reconciler) PushQuotaConfig(ctx context.Context) error {
	start := time.Now()
	r.log.Info().Msg("pushing tenant quota config to redis")

	rows, err := r.db.QueryContext(ctx, `
		SELECT tenant_id, rate_per_sec, burst
		FROM tenant_quotas
		ORDER BY tenant_id
	`)
	if err != nil {
		return fmt.Errorf("failed to query tenant_quotas: %w", err)
	}
	defer rows.Close()

	pipe := r.redis.Pipeline()
	count := 0

	for rows.Next() {
		var tenantID string
		var rate, burst float64

		if err := rows.Scan(&tenantID, &rate, &burst); err != nil {
			r.log.Error().Err(err).Msg("failed to scan tenant_quotas row")
			continue
		}

		pipe.HSet(ctx, schema.QuotaKey(tenantID), "rate_per_sec", rate, "burst", burst)
		count++

		if count%1000 == 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("pipeline exec failed at count %d: %w", count, err)
			}
			pipe = r.redis.Pipeline()
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("final pipeline exec failed: %w", err)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("row iteration error: %w", err)
	}

	r.log.Info().
		Int("tenant_count", count).
		Dur("duration", time.Since(start)).
		Msg("quota config push complete")
	return nil
}

// SyncTenant pushes a single tenant's quota config on demand, used by
// `ctl quota set` right after it writes the row to PostgreSQL.
func (r *Reconciler) SyncTenant(ctx context.Context, tenantID string) error {
	var rate, burst float64
	err := r.db.QueryRowContext(ctx, `
		SELECT rate_per_sec, burst FROM tenant_quotas WHERE tenant_id = $1
	`, tenantID).Scan(&rate, &burst)
	if err == sql.ErrNoRows {
		return fmt.Errorf("tenant not found: %s", tenantID)
	}
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	if err := r.redis.HSet(ctx, schema.QuotaKey(tenantID), "rate_per_sec", rate, "burst", burst).Err(); err != nil {
		return fmt.Errorf("redis hset failed: %w", err)
	}

	r.log.Info().Str("tenant_id", tenantID).Float64("rate_per_sec", rate).Float64("burst", burst).Msg("tenant quota config synced")
	return nil
}

// StartPeriodicSync re-pushes quota config on an interval, catching
// operator edits made directly in PostgreSQL outside `ctl`.
func (r *Reconciler) StartPeriodicSync(interval time.Duration) {
	if interval == 0 {
		interval = 5 * time.Minute
	}

	r.log.Info().Dur("interval", interval).Msg("starting periodic quota config sync")
	ticker := time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				if err := r.PushQuotaConfig(ctx); err != nil {
					r.log.Error().Err(err).Msg("periodic quota config sync failed")
				}
				cancel()
			case <-r.stopCh:
				ticker.Stop()
				r.log.Info().Msg("periodic quota config sync stopped")
				return
			}
		}
	}()
}

// VerifyIntegrity samples the reservations index (the implicit lease
// collector, C7) and flags leases whose expiry has already passed, which
// should have been picked up by the PEL reaper. It does not look up the
// job records, so it does not check that every leased job is RUNNING.
// Returns the number of discrepancies found; this never writes state, it
// only reports — repair, if any, is RECLAIM's job.
func (r *Reconciler) VerifyIntegrity(ctx context.Context, sampleSize int64) (int, error) {
	members, err := r.redis.ZRangeWithScores(ctx, schema.ReservationsKey(), 0, sampleSize-1).Result()
	if err != nil {
		return 0, fmt.Errorf("zrange reservations failed: %w", err)
	}

	discrepancies := 0
	now := time.Now().UnixMilli()

	for _, z := range members {
		jobID, _ := z.Member.(string)

		if int64(z.Score) < now {
			r.log.Warn().
				Str("job_id", jobID).
				Int64("expiry_ms", int64(z.Score)).
				Msg("stale lease past expiry, reaper should have claimed it")
			discrepancies++
		}
	}

	return discrepancies, nil
}

// Stop stops the periodic sync goroutine.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

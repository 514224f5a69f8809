// Package metrics registers the Prometheus collectors exposed at /metrics
// by every long-running gpuctl process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpuctl_jobs_submitted_total",
		Help: "Jobs accepted by the ingress submit endpoint.",
	}, []string{"tenant_id"})

	ClaimOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpuctl_claim_outcomes_total",
		Help: "CLAIM results by outcome code.",
	}, []string{"code"})

	FinalizeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpuctl_finalize_outcomes_total",
		Help: "FINALIZE results by final state and outcome code.",
	}, []string{"final_state", "code"})

	JobsReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpuctl_jobs_reclaimed_total",
		Help: "Jobs demoted from RUNNING back to QUEUED by the PEL reaper.",
	}, []string{"tenant_id"})

	DelayedReinjected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpuctl_delayed_reinjected_total",
		Help: "Delayed-queue entries moved back onto the main queue.",
	})

	PELClaimedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpuctl_pel_claimed_entries_total",
		Help: "Pending entries reclaimed from the main stream by the reaper.",
	})

	ActiveLeases = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gpuctl_active_leases",
		Help: "Current size of the reservations index.",
	})

	JobExecutionSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gpuctl_job_execution_seconds",
		Help:    "Wall-clock time spent executing a claimed job, success or failure.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
)

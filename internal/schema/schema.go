// Package schema names every Redis key the control plane touches.
//
// Keys partition the namespace by tenant (`t:{tenant}:...`) or mark
// system-wide singletons (`sys:...`). Centralizing the format strings here
// means the atomic scripts, the ingress path, and the background processes
// can never drift from each other on key shape.
package schema

import "fmt"

// JobKey returns the hash holding a single job's durable state.
func JobKey(tenantID, jobID string) string {
	return fmt.Sprintf("t:%s:job:%s", tenantID, jobID)
}

// QuotaKey returns the hash holding a tenant's GPU token bucket.
func QuotaKey(tenantID string) string {
	return fmt.Sprintf("t:%s:quota:gpu", tenantID)
}

// AgentPointerKey returns the string key pointing at an agent's heavy
// state in blob storage.
func AgentPointerKey(tenantID, agentID string) string {
	return fmt.Sprintf("t:%s:agent:%s:pointer", tenantID, agentID)
}

// IdempotencyKey returns the key mapping a client idempotency token to
// the job_id it originally produced.
func IdempotencyKey(tenantID, idempotencyToken string) string {
	return fmt.Sprintf("t:%s:idem:%s", tenantID, idempotencyToken)
}

// QueueKey is the main job stream. System-wide, single stream.
func QueueKey() string {
	return "sys:queue:jobs"
}

// DelayedQueueKey is the stream holding jobs deferred until run_at_ms.
func DelayedQueueKey() string {
	return "sys:queue:jobs:delayed"
}

// ReservationsKey is the global sorted set of live GPU leases,
// member = job_id, score = expiry_ms.
func ReservationsKey() string {
	return "sys:gpu:reservations"
}

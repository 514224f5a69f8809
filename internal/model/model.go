// Package model defines the wire/storage shapes shared across the control
// plane: job records, quota records, and stream message payloads.
package model

// JobState is a job's lifecycle stage: QUEUED -> RUNNING ->
// {COMPLETED, FAILED}. The one transition back is RECLAIM (internal/store),
// which returns a RUNNING job whose lease has expired to QUEUED.
type JobState string

const (
	JobQueued    JobState = "QUEUED"
	JobRunning   JobState = "RUNNING"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
)

// Job mirrors the hash stored at schema.JobKey. All numeric fields are
// persisted as decimal strings in Redis; this struct holds the parsed form.
type Job struct {
	TenantID        string
	JobID           string
	AgentID         string
	State           JobState
	Prompt          string
	CostGPUSeconds  float64
	WorkerID        string
	StartMs         int64
	CreatedMs       int64
	UpdatedMs       int64
	Payload         string
}

// Quota mirrors the hash stored at schema.QuotaKey: a lazily-refilled
// token bucket.
type Quota struct {
	TenantID   string
	Credits    float64
	RatePerSec float64
	Burst      float64
	LastMs     int64
}

// QueueMessage is the payload appended to the main job stream.
type QueueMessage struct {
	TenantID string
	JobID    string
}

// DelayedMessage is the payload appended to the delayed job stream.
type DelayedMessage struct {
	TenantID string
	JobID    string
	RunAtMs  int64
}

// SubmitRequest is the input to ingress job submission. CostGPUSeconds is
// a pointer so an omitted field (nil, defaulted by internal/api) can be
// told apart from an explicit non-positive value (rejected by
// internal/ingress) — the same distinction the original FastAPI endpoint's
// optional parameter made, which a plain float64 zero value cannot.
type SubmitRequest struct {
	TenantID         string
	AgentID          string
	Prompt           string
	CostGPUSeconds   *float64
	IdempotencyToken string
}

// SubmitResult is returned from job submission.
type SubmitResult struct {
	JobID  string
	Status JobState
}

// Package executor models the GPU work itself: an opaque asynchronous
// call the control plane does not own. A realistic deployment routes this
// to a GPU runner via a second layer; here it is a single interface so
// the worker loop can be tested without one.
package executor

import (
	"context"
	"time"

	"github.com/beam/gpuctl/internal/blobstore"
)

// Result is the outcome of executing one job.
type Result struct {
	Summary string
}

// Executor runs a single job's prompt against its agent state.
type Executor interface {
	Execute(ctx context.Context, prompt string, state blobstore.AgentState) (Result, error)
}

// simulated stands in for a real GPU runner in development and tests: it
// sleeps briefly, records the prompt truncated to 80 bytes under
// "last_prompt" in the agent state, and returns the fixed summary "done".
type simulated struct {
	delay time.Duration
}

// NewSimulated returns an Executor that simulates GPU latency without
// doing any real inference work.
func NewSimulated(delay time.Duration) Executor {
	return &simulated{delay: delay}
}

func (s *simulated) Execute(ctx context.Context, prompt string, state blobstore.AgentState) (Result, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	truncated := prompt
	if len(truncated) > 80 {
		truncated = truncated[:80]
	}
	state["last_prompt"] = truncated

	return Result{Summary: "done"}, nil
}

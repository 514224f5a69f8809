// Package blobstore defines the external collaborator that holds heavy
// per-agent state, kept out of Redis because it is too large for a hot
// key. The control plane only ever stores a pointer to it.
package blobstore

import (
	"context"
	"strconv"
	"sync"
)

// AgentState is the opaque tiered state for a single agent. The control
// plane does not interpret its contents.
type AgentState map[string]interface{}

// Store loads and saves agent state. Both methods may fail; a failure
// surfaces to the worker as job FAILED. Implementations are expected to
// be safe for concurrent use across workers.
type Store interface {
	LoadState(ctx context.Context, pointer string) (AgentState, error)
	SaveState(ctx context.Context, state AgentState) (pointer string, err error)
}

// memoryStore is an in-memory reference implementation for tests and
// single-process development. It is not durable across restarts.
type memoryStore struct {
	mu  sync.Mutex
	seq int
	db  map[string]AgentState
}

// NewMemoryStore returns a Store backed by a process-local map. Pointers
// are monotonically increasing opaque strings, mirroring how a real blob
// store (e.g. s3://bucket/...) would hand back a fresh reference on every
// save.
func NewMemoryStore() Store {
	return &memoryStore{db: make(map[string]AgentState)}
}

func (m *memoryStore) LoadState(ctx context.Context, pointer string) (AgentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.db[pointer]
	if !ok {
		return AgentState{}, nil
	}
	// Defensive copy: callers mutate the returned state freely.
	out := make(AgentState, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out, nil
}

func (m *memoryStore) SaveState(ctx context.Context, state AgentState) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	pointer := "mem://agent-state/" + strconv.Itoa(m.seq)
	m.db[pointer] = state
	return pointer, nil
}

package statestore

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/randalmurphal/runengine/pkg/runengine/checkpoint"
	"github.com/randalmurphal/runengine/pkg/runengine/run"
	"github.com/randalmurphal/runengine/pkg/runengine/runctx"
)

// MemoryStore keeps everything in process memory.
// Data is lost when the process exits.
type MemoryStore struct {
	*checkpoint.MemoryStore

	mu       sync.RWMutex
	runs     map[string]*run.Run
	steps    map[string][]run.StepExecution
	contexts map[string][]byte
	closed   bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		MemoryStore: checkpoint.NewMemoryStore(),
		runs:        make(map[string]*run.Run),
		steps:       make(map[string][]run.StepExecution),
		contexts:    make(map[string][]byte),
	}
}

// CreateRun implements Store.
func (m *MemoryStore) CreateRun(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return checkpoint.ErrStoreClosed
	}
	if _, exists := m.runs[r.ID]; exists {
		return fmt.Errorf("%w: %s", run.ErrExists, r.ID)
	}
	rec := r.Clone()
	rec.Context = nil
	m.runs[r.ID] = rec
	return nil
}

// UpdateRunState implements Store.
func (m *MemoryStore) UpdateRunState(_ context.Context, runID string, state run.State, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return checkpoint.ErrStoreClosed
	}
	rec, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", run.ErrNotFound, runID)
	}
	now := time.Now().UTC()
	rec.State = state
	rec.Error = errMsg
	if state == run.StateRunning && rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	if state.IsTerminal() {
		rec.CompletedAt = now
	}
	return nil
}

// RecordStepExecution implements Store.
func (m *MemoryStore) RecordStepExecution(_ context.Context, exec run.StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return checkpoint.ErrStoreClosed
	}
	exec.Outputs = maps.Clone(exec.Outputs)
	exec.Location = exec.Location.Clone()
	m.steps[exec.RunID] = append(m.steps[exec.RunID], exec)
	return nil
}

// GetRun implements Store.
func (m *MemoryStore) GetRun(_ context.Context, runID string) (*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, checkpoint.ErrStoreClosed
	}
	rec, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", run.ErrNotFound, runID)
	}
	return rec.Clone(), nil
}

// ListSteps implements Store.
func (m *MemoryStore) ListSteps(_ context.Context, runID string) ([]run.StepExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, checkpoint.ErrStoreClosed
	}
	steps := m.steps[runID]
	out := make([]run.StepExecution, len(steps))
	for i, s := range steps {
		s.Outputs = maps.Clone(s.Outputs)
		s.Location = s.Location.Clone()
		out[i] = s
	}
	return out, nil
}

// SaveContext implements runctx.Store.
func (m *MemoryStore) SaveContext(_ context.Context, runID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return checkpoint.ErrStoreClosed
	}
	m.contexts[runID] = append([]byte(nil), data...)
	return nil
}

// LoadContext implements runctx.Store.
func (m *MemoryStore) LoadContext(_ context.Context, runID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, checkpoint.ErrStoreClosed
	}
	data, ok := m.contexts[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", runctx.ErrUnknownRun, runID)
	}
	return append([]byte(nil), data...), nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.runs = nil
	m.steps = nil
	m.contexts = nil
	m.mu.Unlock()

	return m.MemoryStore.Close()
}

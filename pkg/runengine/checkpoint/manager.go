package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/randalmurphal/runengine/pkg/runengine/run"
	"github.com/randalmurphal/runengine/pkg/runengine/runctx"
)

// Manager creates, reads and restores checkpoints for runs.
//
// It remembers the sequence and time of each run's latest checkpoint so
// sequences stay gapless and timestamps strictly increase even when the
// clock does not move between two snapshots.
type Manager struct {
	store Store
	now   func() time.Time

	mu   sync.Mutex
	last map[string]marker
}

type marker struct {
	sequence int
	at       time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a manager backed by store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store: store,
		now:   time.Now,
		last:  make(map[string]marker),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the underlying store.
func (m *Manager) Store() Store {
	return m.store
}

// Create snapshots r together with the run context ctx and persists it.
func (m *Manager) Create(ctx context.Context, r *run.Run, runCtx *runctx.Context) (*Checkpoint, error) {
	prev, err := m.marker(ctx, r.ID)
	if err != nil {
		return nil, err
	}

	ts := m.now().UTC()
	if !ts.After(prev.at) {
		ts = prev.at.Add(time.Nanosecond)
	}
	cp := New(r.ID, prev.sequence+1, ts, r.State, r.Progress, runCtx)

	data, err := cp.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint for run %s: %w", r.ID, err)
	}
	if err := m.store.SaveCheckpoint(ctx, r.ID, cp.Sequence, data); err != nil {
		return nil, fmt.Errorf("save checkpoint for run %s: %w", r.ID, err)
	}

	m.mu.Lock()
	m.last[r.ID] = marker{sequence: cp.Sequence, at: cp.Timestamp}
	m.mu.Unlock()

	return cp, nil
}

// Last returns the most recent checkpoint of a run, or ErrNotFound.
func (m *Manager) Last(ctx context.Context, runID string) (*Checkpoint, error) {
	data, err := m.store.LatestCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	cp, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if cur, ok := m.last[runID]; !ok || cp.Sequence > cur.sequence {
		m.last[runID] = marker{sequence: cp.Sequence, at: cp.Timestamp}
	}
	m.mu.Unlock()

	return cp, nil
}

// Restore rolls r's progress back to cp and returns the context to
// reinstate. The run's state is left to the caller, which decides whether
// the restored run keeps running or pauses.
func (m *Manager) Restore(r *run.Run, cp *Checkpoint) (*runctx.Context, error) {
	if cp == nil {
		return nil, ErrNotFound
	}
	if cp.RunID != r.ID {
		return nil, fmt.Errorf("checkpoint belongs to run %s, not %s", cp.RunID, r.ID)
	}
	r.Progress = cp.Progress.Clone()
	restored := cp.Context.Clone()
	r.Context = restored.Clone()
	return restored, nil
}

// Due reports whether interval has passed since the run's last checkpoint.
// A run that has never been checkpointed is always due.
func (m *Manager) Due(runID string, interval time.Duration) bool {
	m.mu.Lock()
	last, ok := m.last[runID]
	m.mu.Unlock()
	if !ok {
		return true
	}
	return m.now().Sub(last.at) >= interval
}

// Sequence returns the sequence of the run's latest known checkpoint.
func (m *Manager) Sequence(runID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last[runID].sequence
}

// Forget drops what the manager remembers about a run.
func (m *Manager) Forget(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.last, runID)
}

// marker returns the latest known checkpoint position for a run, consulting
// the store when the manager has not seen the run yet.
func (m *Manager) marker(ctx context.Context, runID string) (marker, error) {
	m.mu.Lock()
	cur, ok := m.last[runID]
	m.mu.Unlock()
	if ok {
		return cur, nil
	}

	infos, err := m.store.ListCheckpoints(ctx, runID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return marker{}, nil
		}
		return marker{}, fmt.Errorf("list checkpoints for run %s: %w", runID, err)
	}
	if len(infos) == 0 {
		return marker{}, nil
	}
	latest := infos[len(infos)-1]
	return marker{sequence: latest.Sequence, at: latest.Timestamp}, nil
}

package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory checkpoint store.
// Data is lost when the process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]map[int]storedCheckpoint // runID -> sequence -> checkpoint
	closed bool
}

type storedCheckpoint struct {
	data      []byte
	timestamp time.Time
}

// NewMemoryStore creates a new in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]map[int]storedCheckpoint),
	}
}

var _ Store = (*MemoryStore)(nil)

// SaveCheckpoint implements Store.
func (m *MemoryStore) SaveCheckpoint(_ context.Context, runID string, sequence int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	if m.data[runID] == nil {
		m.data[runID] = make(map[int]storedCheckpoint)
	}

	// Copy data to avoid retaining caller's slice
	stored := make([]byte, len(data))
	copy(stored, data)
	m.data[runID][sequence] = storedCheckpoint{data: stored, timestamp: time.Now().UTC()}
	return nil
}

// LatestCheckpoint implements Store.
func (m *MemoryStore) LatestCheckpoint(_ context.Context, runID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	run, ok := m.data[runID]
	if !ok || len(run) == 0 {
		return nil, ErrNotFound
	}
	latest := -1
	for seq := range run {
		if seq > latest {
			latest = seq
		}
	}
	return copyBytes(run[latest].data), nil
}

// LoadCheckpoint implements Store.
func (m *MemoryStore) LoadCheckpoint(_ context.Context, runID string, sequence int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	cp, ok := m.data[runID][sequence]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBytes(cp.data), nil
}

// ListCheckpoints implements Store.
func (m *MemoryStore) ListCheckpoints(_ context.Context, runID string) ([]Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	run := m.data[runID]
	infos := make([]Info, 0, len(run))
	for seq, cp := range run {
		infos = append(infos, Info{
			RunID:     runID,
			Sequence:  seq,
			Timestamp: cp.timestamp,
			Size:      int64(len(cp.data)),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Sequence < infos[j].Sequence
	})
	return infos, nil
}

// DeleteCheckpoints implements Store.
func (m *MemoryStore) DeleteCheckpoints(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	delete(m.data, runID)
	return nil
}

// Close releases the stored data. Further calls return ErrStoreClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	return nil
}

// Len returns the total number of checkpoints across all runs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, run := range m.data {
		count += len(run)
	}
	return count
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

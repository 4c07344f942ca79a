package runctx

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownRun indicates the manager holds no context for a run.
var ErrUnknownRun = errors.New("no context for run")

// Store persists serialized run contexts.
type Store interface {
	SaveContext(ctx context.Context, runID string, data []byte) error
	LoadContext(ctx context.Context, runID string) ([]byte, error)
}

// Manager owns the live context of every active run and writes each
// mutation through to a Store.
//
// Mutations happen under the manager lock; persistence happens after the
// lock is released so slow stores never block readers.
type Manager struct {
	mu       sync.RWMutex
	contexts map[string]*Context
	store    Store
}

// NewManager creates a manager. A nil store disables persistence.
func NewManager(store Store) *Manager {
	return &Manager{
		contexts: make(map[string]*Context),
		store:    store,
	}
}

// Create builds the context for a new run from its inputs and persists it.
func (m *Manager) Create(ctx context.Context, runID string, inputs map[string]any) (*Context, error) {
	c := New(inputs)

	m.mu.Lock()
	m.contexts[runID] = c
	data, err := c.Marshal()
	m.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("encode context for run %s: %w", runID, err)
	}
	if err := m.persist(ctx, runID, data); err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// Put makes c the live context of a run, replacing any existing one, and
// persists it. Recovery uses it to reinstate a checkpointed context.
func (m *Manager) Put(ctx context.Context, runID string, c *Context) error {
	if c == nil {
		return fmt.Errorf("put context for run %s: nil context", runID)
	}
	live := c.Clone()

	m.mu.Lock()
	m.contexts[runID] = live
	data, err := live.Marshal()
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("encode context for run %s: %w", runID, err)
	}
	return m.persist(ctx, runID, data)
}

// Load restores a run's context from the store and makes it live.
func (m *Manager) Load(ctx context.Context, runID string) (*Context, error) {
	if m.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	data, err := m.store.LoadContext(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load context for run %s: %w", runID, err)
	}
	c, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.contexts[runID] = c
	m.mu.Unlock()

	return c.Clone(), nil
}

// UpdateVariables merges partial into the innermost scope of the run's
// context.
func (m *Manager) UpdateVariables(ctx context.Context, runID string, partial map[string]any) error {
	if len(partial) == 0 {
		return nil
	}
	return m.mutate(ctx, runID, func(c *Context) *Context {
		c.SetAll(partial)
		return c
	})
}

// Post writes blackboard entries into the run's context.
func (m *Manager) Post(ctx context.Context, runID string, entries map[string]any) error {
	if len(entries) == 0 {
		return nil
	}
	return m.mutate(ctx, runID, func(c *Context) *Context {
		for k, v := range entries {
			c.Post(k, v)
		}
		return c
	})
}

// UpdateContext replaces the run's context wholesale, as after a branch
// merge or a checkpoint restore.
func (m *Manager) UpdateContext(ctx context.Context, runID string, next *Context) error {
	if next == nil {
		return fmt.Errorf("update context for run %s: nil context", runID)
	}
	replacement := next.Clone()
	return m.mutate(ctx, runID, func(*Context) *Context {
		return replacement
	})
}

// Snapshot returns a deep copy of the run's context.
func (m *Manager) Snapshot(runID string) (*Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contexts[runID]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Variables returns the flattened variables of the run's context.
func (m *Manager) Variables(runID string) map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contexts[runID]
	if !ok {
		return map[string]any{}
	}
	return c.Variables()
}

// Fork returns a child of the run's context with a new scope named name.
func (m *Manager) Fork(runID, name string) (*Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contexts[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return c.Fork(name), nil
}

// Forget drops the live context of a run. Persisted data is untouched.
func (m *Manager) Forget(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.contexts, runID)
}

func (m *Manager) mutate(ctx context.Context, runID string, fn func(*Context) *Context) error {
	m.mu.Lock()
	c, ok := m.contexts[runID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	c = fn(c)
	m.contexts[runID] = c
	data, err := c.Marshal()
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("encode context for run %s: %w", runID, err)
	}
	return m.persist(ctx, runID, data)
}

func (m *Manager) persist(ctx context.Context, runID string, data []byte) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.SaveContext(ctx, runID, data); err != nil {
		return fmt.Errorf("persist context for run %s: %w", runID, err)
	}
	return nil
}

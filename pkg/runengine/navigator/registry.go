package navigator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Sentinel errors for navigator resolution.
var (
	// ErrUnknownType indicates no navigator is registered for a routine type.
	ErrUnknownType = errors.New("no navigator registered for routine type")

	// ErrMismatch indicates the registered navigator rejected the definition.
	ErrMismatch = errors.New("navigator cannot interpret definition")
)

// MismatchError reports a routine whose definition could not be matched to a
// navigator.
type MismatchError struct {
	// RoutineType is the declared dialect of the routine.
	RoutineType string
	// Err is ErrUnknownType or ErrMismatch.
	Err error
}

// Error implements the error interface.
func (e *MismatchError) Error() string {
	return fmt.Sprintf("routine type %q: %v", e.RoutineType, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *MismatchError) Unwrap() error {
	return e.Err
}

// Registry maps routine types to the navigators that interpret them.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Navigator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Navigator),
	}
}

// Register adds or replaces the navigator for a routine type.
func (r *Registry) Register(routineType string, nav Navigator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[routineType] = nav
}

// Unregister removes the navigator for a routine type.
func (r *Registry) Unregister(routineType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, routineType)
}

// Get returns the navigator registered for a routine type.
func (r *Registry) Get(routineType string) (Navigator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nav, ok := r.entries[routineType]
	return nav, ok
}

// Types returns the registered routine types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Resolve finds the navigator for routineType and checks that it can
// interpret def. The returned Bound is ready for use by a run.
func (r *Registry) Resolve(routineType string, def Definition) (Bound, error) {
	nav, ok := r.Get(routineType)
	if !ok {
		return Bound{}, &MismatchError{RoutineType: routineType, Err: ErrUnknownType}
	}
	if !nav.CanNavigate(def) {
		return Bound{}, &MismatchError{RoutineType: routineType, Err: ErrMismatch}
	}
	return Bind(nav, def), nil
}

// Package signal delivers named messages to runs.
//
// A signal is queued for one run and handled at a safe point: between two
// steps while the run is RUNNING, or straight away when it is not. The
// handler is picked by the signal's name. Sending never waits for the
// handler.
package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is where a signal is in its life.
type Status string

// Signal statuses.
const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// Sentinel errors.
var (
	// ErrSignalNotFound is returned when a signal cannot be found.
	ErrSignalNotFound = errors.New("signal not found")

	// ErrNoHandler marks a signal nobody handles.
	ErrNoHandler = errors.New("no handler for signal")

	// ErrDiscarded marks a signal whose run finished before handling it.
	ErrDiscarded = errors.New("run finished before the signal was handled")
)

// Signal is a message to one run.
type Signal struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	RunID   string         `json:"run_id"`
	Payload map[string]any `json:"payload,omitempty"`
	Sender  string         `json:"sender,omitempty"`

	Status      Status     `json:"status"`
	SentAt      time.Time  `json:"sent_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// New creates a pending signal.
func New(name, runID string, payload map[string]any) *Signal {
	return &Signal{
		ID:      "sig-" + uuid.NewString()[:8],
		Name:    name,
		RunID:   runID,
		Payload: payload,
		Status:  StatusPending,
		SentAt:  time.Now().UTC(),
	}
}

// WithSender records who sent the signal.
func (s *Signal) WithSender(sender string) *Signal {
	s.Sender = sender
	return s
}

// Clone returns a copy that shares no maps with s.
func (s *Signal) Clone() *Signal {
	out := *s
	out.Payload = maps.Clone(s.Payload)
	if s.ProcessedAt != nil {
		t := *s.ProcessedAt
		out.ProcessedAt = &t
	}
	return &out
}

// Handler acts on a signal. A returned error marks the signal failed.
type Handler func(ctx context.Context, sig *Signal) error

// Registry maps signal names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds the handler for name. Names are registered once.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return errors.New("signal name is required")
	}
	if h == nil {
		return errors.New("handler is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler for signal %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Get returns the handler for name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered signal names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.handlers))
}

// Store keeps signals until they are handled.
type Store interface {
	// Enqueue adds a signal for delivery.
	Enqueue(ctx context.Context, sig *Signal) error
	// Pending returns the run's unhandled signals in the order sent.
	Pending(ctx context.Context, runID string) ([]*Signal, error)
	// Get retrieves a signal by ID.
	Get(ctx context.Context, id string) (*Signal, error)
	// MarkProcessed records a successful delivery.
	MarkProcessed(ctx context.Context, id string) error
	// MarkFailed records a failed delivery.
	MarkFailed(ctx context.Context, id string, err error) error
	// List returns every signal sent to the run, in the order sent.
	List(ctx context.Context, runID string) ([]*Signal, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	signals map[string]*Signal
	byRun   map[string][]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signals: make(map[string]*Signal),
		byRun:   make(map[string][]string),
	}
}

// Enqueue implements Store.
func (s *MemoryStore) Enqueue(_ context.Context, sig *Signal) error {
	if sig.ID == "" {
		sig.ID = "sig-" + uuid.NewString()[:8]
	}
	if sig.SentAt.IsZero() {
		sig.SentAt = time.Now().UTC()
	}
	if sig.Status == "" {
		sig.Status = StatusPending
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.signals[sig.ID]; exists {
		return fmt.Errorf("signal %s already enqueued", sig.ID)
	}
	s.signals[sig.ID] = sig.Clone()
	s.byRun[sig.RunID] = append(s.byRun[sig.RunID], sig.ID)
	return nil
}

// Pending implements Store.
func (s *MemoryStore) Pending(_ context.Context, runID string) ([]*Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Signal
	for _, id := range s.byRun[runID] {
		if sig := s.signals[id]; sig.Status == StatusPending {
			out = append(out, sig.Clone())
		}
	}
	return out, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig, ok := s.signals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSignalNotFound, id)
	}
	return sig.Clone(), nil
}

// MarkProcessed implements Store.
func (s *MemoryStore) MarkProcessed(_ context.Context, id string) error {
	return s.settle(id, StatusProcessed, nil)
}

// MarkFailed implements Store.
func (s *MemoryStore) MarkFailed(_ context.Context, id string, err error) error {
	return s.settle(id, StatusFailed, err)
}

func (s *MemoryStore) settle(id string, status Status, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSignalNotFound, id)
	}
	now := time.Now().UTC()
	sig.Status = status
	sig.ProcessedAt = &now
	sig.Error = ""
	if err != nil {
		sig.Error = err.Error()
	}
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, runID string) ([]*Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byRun[runID]
	out := make([]*Signal, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.signals[id].Clone())
	}
	return out, nil
}

// Dispatcher queues signals and hands them to their handlers.
type Dispatcher struct {
	registry *Registry
	store    Store
	logger   *slog.Logger

	// mu serializes Process so a signal is handled once.
	mu sync.Mutex
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(registry *Registry, store Store) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		store:    store,
		logger:   slog.Default(),
	}
}

// WithLogger sets the logger for the dispatcher.
func (d *Dispatcher) WithLogger(logger *slog.Logger) *Dispatcher {
	d.logger = logger
	return d
}

// Store returns the store signals are kept in.
func (d *Dispatcher) Store() Store {
	return d.store
}

// Send queues sig for its run.
func (d *Dispatcher) Send(ctx context.Context, sig *Signal) error {
	if sig.RunID == "" {
		return errors.New("run ID is required")
	}
	if sig.Name == "" {
		return errors.New("signal name is required")
	}
	if err := d.store.Enqueue(ctx, sig); err != nil {
		return fmt.Errorf("enqueue signal: %w", err)
	}
	d.logger.Debug("signal sent",
		slog.String("signal_id", sig.ID),
		slog.String("signal_name", sig.Name),
		slog.String("run_id", sig.RunID),
	)
	return nil
}

// Process hands every pending signal of the run to its handler, in the
// order sent, and returns them with their outcome filled in. A failing
// handler does not stop the others.
func (d *Dispatcher) Process(ctx context.Context, runID string) ([]*Signal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pending, err := d.store.Pending(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load pending signals: %w", err)
	}
	for _, sig := range pending {
		if err := d.handle(ctx, sig); err != nil {
			d.logger.Error("signal processing failed",
				slog.String("signal_id", sig.ID),
				slog.String("signal_name", sig.Name),
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
		}
	}
	return pending, nil
}

func (d *Dispatcher) handle(ctx context.Context, sig *Signal) error {
	err := ErrNoHandler
	if h, ok := d.registry.Get(sig.Name); ok {
		err = h(ctx, sig)
	}

	now := time.Now().UTC()
	sig.ProcessedAt = &now
	if err != nil {
		sig.Status = StatusFailed
		sig.Error = err.Error()
		if markErr := d.store.MarkFailed(ctx, sig.ID, err); markErr != nil {
			d.logger.Error("failed to mark signal as failed",
				slog.String("signal_id", sig.ID),
				slog.String("error", markErr.Error()),
			)
		}
		return err
	}

	sig.Status = StatusProcessed
	if markErr := d.store.MarkProcessed(ctx, sig.ID); markErr != nil {
		d.logger.Error("failed to mark signal as processed",
			slog.String("signal_id", sig.ID),
			slog.String("error", markErr.Error()),
		)
	}
	d.logger.Debug("signal processed",
		slog.String("signal_id", sig.ID),
		slog.String("signal_name", sig.Name),
		slog.String("run_id", sig.RunID),
	)
	return nil
}

// Discard fails every pending signal of a run that will not run again.
func (d *Dispatcher) Discard(ctx context.Context, runID string) {
	pending, err := d.store.Pending(ctx, runID)
	if err != nil {
		d.logger.Warn("failed to load pending signals",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, sig := range pending {
		if err := d.store.MarkFailed(ctx, sig.ID, ErrDiscarded); err != nil {
			d.logger.Error("failed to mark signal as failed",
				slog.String("signal_id", sig.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

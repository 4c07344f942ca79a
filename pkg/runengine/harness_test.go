package runengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/runengine/pkg/runengine/event"
	"github.com/randalmurphal/runengine/pkg/runengine/executor"
	"github.com/randalmurphal/runengine/pkg/runengine/loader"
	"github.com/randalmurphal/runengine/pkg/runengine/navigator"
	"github.com/randalmurphal/runengine/pkg/runengine/navigator/graphnav"
	"github.com/randalmurphal/runengine/pkg/runengine/retry"
	"github.com/randalmurphal/runengine/pkg/runengine/run"
	"github.com/randalmurphal/runengine/pkg/runengine/statestore"
)

var errBoom = errors.New("boom")

const linearYAML = `
id: linear
start: a
nodes: [{id: a}, {id: b}, {id: c}]
edges:
  - {from: a, to: b}
  - {from: b, to: c}
`

const reviewYAML = `
id: review
start: draft
nodes: [{id: draft}, {id: legal}, {id: finance}, {id: publish}]
edges:
  - {from: draft, to: legal}
  - {from: draft, to: finance}
  - {from: legal, to: publish}
  - {from: finance, to: publish}
`

const nestedYAML = `
id: nested
start: s
nodes: [{id: s}, {id: a}, {id: b}, {id: a1}, {id: a2}, {id: m}, {id: j}]
edges:
  - {from: s, to: a}
  - {from: s, to: b}
  - {from: a, to: a1}
  - {from: a, to: a2}
  - {from: a1, to: m}
  - {from: a2, to: m}
  - {from: m, to: j}
  - {from: b, to: j}
`

const notifyYAML = `
id: notify
start: compose
nodes:
  - {id: compose, inputs: {to: "${requester}", subject: "review for ${requester}", cc: "${reviewer.email}"}}
  - {id: send, inputs: {body: "${compose_done}"}}
edges:
  - {from: compose, to: send}
`

func graphRoutine(t *testing.T, id, doc string) loader.Routine {
	t.Helper()
	g, err := graphnav.ParseYAML([]byte(doc))
	require.NoError(t, err)
	return loader.Routine{ID: id, Type: graphnav.Type, Definition: g}
}

func testRoutines(t *testing.T) []loader.Routine {
	return []loader.Routine{
		graphRoutine(t, "linear", linearYAML),
		graphRoutine(t, "review", reviewYAML),
		graphRoutine(t, "nested", nestedYAML),
		graphRoutine(t, "notify", notifyYAML),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stepRecorder is an executor that records every call. Each step writes
// <step>_done; steps listed in fail fail that many times (-1 for always).
type stepRecorder struct {
	mu     sync.Mutex
	calls  []string
	seen   map[string]map[string]any
	inputs map[string]map[string]any
	fail   map[string]int
	panics map[string]bool
	onStep func(stepID string)
}

func newStepRecorder() *stepRecorder {
	return &stepRecorder{
		seen:   make(map[string]map[string]any),
		inputs: make(map[string]map[string]any),
		fail:   make(map[string]int),
		panics: make(map[string]bool),
	}
}

func (s *stepRecorder) Execute(_ context.Context, req executor.Request) (map[string]any, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req.StepID)
	s.seen[req.StepID] = maps.Clone(req.Variables)
	s.inputs[req.StepID] = maps.Clone(req.Inputs)
	remaining := s.fail[req.StepID]
	if remaining > 0 {
		s.fail[req.StepID] = remaining - 1
	}
	panics := s.panics[req.StepID]
	hook := s.onStep
	s.mu.Unlock()

	if hook != nil {
		hook(req.StepID)
	}
	if panics {
		panic("kaboom")
	}
	if remaining != 0 {
		return nil, fmt.Errorf("step %s: %w", req.StepID, errBoom)
	}
	return map[string]any{req.StepID + "_done": true}, nil
}

func (s *stepRecorder) failing(stepID string, times int) *stepRecorder {
	s.fail[stepID] = times
	return s
}

func (s *stepRecorder) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *stepRecorder) Seen(stepID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[stepID]
}

func (s *stepRecorder) Inputs(stepID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputs[stepID]
}

// gatedExecutor holds the first execution of one step until released or
// cancelled.
type gatedExecutor struct {
	step    string
	inner   executor.Executor
	started chan struct{}
	release chan struct{}
	once    sync.Once
	closing sync.Once
}

func newGatedExecutor(step string, inner executor.Executor) *gatedExecutor {
	return &gatedExecutor{
		step:    step,
		inner:   inner,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedExecutor) Execute(ctx context.Context, req executor.Request) (map[string]any, error) {
	if req.StepID == g.step {
		g.once.Do(func() { close(g.started) })
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.inner.Execute(ctx, req)
}

func (g *gatedExecutor) Release() {
	g.closing.Do(func() { close(g.release) })
}

func (g *gatedExecutor) awaitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("step %s never started", g.step)
	}
}

type recordedEvent struct {
	Type string
	event.RunPayload
}

// eventLog collects every run event published on a bus.
type eventLog struct {
	mu     sync.Mutex
	events []recordedEvent
}

func subscribeEvents(t *testing.T, bus event.Bus) *eventLog {
	t.Helper()
	log := &eventLog{}
	sub, err := bus.Subscribe(event.ChannelRunEvents, nil, event.HandlerFunc(func(_ context.Context, evt event.Event) error {
		p, err := event.Decode[event.RunPayload](evt)
		if err != nil {
			return err
		}
		log.mu.Lock()
		log.events = append(log.events, recordedEvent{Type: evt.Type(), RunPayload: p})
		log.mu.Unlock()
		return nil
	}))
	require.NoError(t, err)
	t.Cleanup(sub.Unsubscribe)
	return log
}

func (l *eventLog) forRun(runID string) []recordedEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []recordedEvent
	for _, e := range l.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) types(runID string) []string {
	var out []string
	for _, e := range l.forRun(runID) {
		out = append(out, e.Type)
	}
	return out
}

func (l *eventLog) count(runID, eventType string) int {
	n := 0
	for _, e := range l.forRun(runID) {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (l *eventLog) countType(eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (l *eventLog) await(t *testing.T, runID, eventType string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return l.count(runID, eventType) > 0
	}, 5*time.Second, 5*time.Millisecond, "no %s event for run %s", eventType, runID)
}

type harness struct {
	engine *Engine
	store  *statestore.MemoryStore
	bus    *event.LocalBus
	events *eventLog
}

// newHarness builds an engine over a fresh memory store and local bus.
// opts are applied after the harness defaults.
func newHarness(t *testing.T, exec executor.Executor, opts ...Option) *harness {
	t.Helper()
	return newHarnessWithStore(t, statestore.NewMemoryStore(), exec, opts...)
}

func newHarnessWithStore(t *testing.T, store *statestore.MemoryStore, exec executor.Executor, opts ...Option) *harness {
	t.Helper()
	reg := navigator.NewRegistry()
	graphnav.Register(reg)

	h := &harness{store: store, bus: event.NewBus(event.DefaultBusConfig)}
	h.events = subscribeEvents(t, h.bus)

	base := []Option{
		WithStore(store),
		WithBus(h.bus),
		WithLogger(discardLogger()),
		WithRetry(retry.None),
	}
	e, err := NewEngine(loader.NewMapLoader(testRoutines(t)...), reg, exec, append(base, opts...)...)
	require.NoError(t, err)
	h.engine = e

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
		_ = h.bus.Close()
	})
	return h
}

func (h *harness) create(t *testing.T, routineID string, o run.Overrides) *run.Run {
	t.Helper()
	r, err := h.engine.CreateRun(context.Background(), CreateParams{
		RoutineID: routineID,
		Inputs:    map[string]any{"requester": "ada"},
		Overrides: o,
	})
	require.NoError(t, err)
	return r
}

func (h *harness) start(t *testing.T, routineID string, o run.Overrides) string {
	t.Helper()
	r := h.create(t, routineID, o)
	require.NoError(t, h.engine.StartRun(context.Background(), r.ID))
	return r.ID
}

func (h *harness) wait(t *testing.T, id string) *run.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := h.engine.Wait(ctx, id)
	require.NoError(t, err)
	return r
}

func (h *harness) runToEnd(t *testing.T, routineID string, o run.Overrides) *run.Run {
	t.Helper()
	return h.wait(t, h.start(t, routineID, o))
}

func variable(t *testing.T, r *run.Run, key string) any {
	t.Helper()
	require.NotNil(t, r.Context, "run %s has no context", r.ID)
	v, _ := r.Context.Get(key)
	return v
}

// fakeClock is a settable engine clock.
type fakeClock struct {
	nanos atomic.Int64
}

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.nanos.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time {
	return time.Unix(0, c.nanos.Load()).UTC()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.nanos.Add(int64(d))
}

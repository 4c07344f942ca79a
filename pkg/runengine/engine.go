package runengine

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

	"github.com/randalmurphal/runengine/pkg/runengine/branch"
	"github.com/randalmurphal/runengine/pkg/runengine/checkpoint"
	"github.com/randalmurphal/runengine/pkg/runengine/event"
	"github.com/randalmurphal/runengine/pkg/runengine/executor"
	"github.com/randalmurphal/runengine/pkg/runengine/loader"
	"github.com/randalmurphal/runengine/pkg/runengine/navigator"
	"github.com/randalmurphal/runengine/pkg/runengine/observability"
	"github.com/randalmurphal/runengine/pkg/runengine/perf"
	"github.com/randalmurphal/runengine/pkg/runengine/permission"
	"github.com/randalmurphal/runengine/pkg/runengine/retry"
	"github.com/randalmurphal/runengine/pkg/runengine/run"
	"github.com/randalmurphal/runengine/pkg/runengine/runctx"
	"github.com/randalmurphal/runengine/pkg/runengine/signal"
	"github.com/randalmurphal/runengine/pkg/runengine/statestore"
	"github.com/randalmurphal/runengine/pkg/runengine/template"
)

// Engine drives runs of routines from creation to a terminal state.
//
// Every active run has its own loop goroutine. The engine owns the table of
// active runs; a run leaves it when it reaches COMPLETED, FAILED or
// CANCELLED, after which GetRun answers from a bounded history and then from
// the state store.
//
// Engine is safe for concurrent use.
type Engine struct {
	loader   loader.Loader
	registry *navigator.Registry
	executor executor.Executor

	logger          *slog.Logger
	store           StateStore
	checkpointStore checkpoint.Store
	bus             event.Bus
	ownsBus         bool
	gate            permission.Gate
	metrics         observability.MetricsRecorder
	spans           observability.SpanManager
	monitor         *perf.Monitor
	monitorSub      event.Subscription
	cost            CostMeter
	retry           retry.Config
	mergeRule       runctx.MergeRule
	defaults        run.Config
	historySize     int
	now             func() time.Time
	expander        *template.Expander
	signalStore     signal.Store
	signalHandlers  map[string]signal.Handler

	contexts    *runctx.Manager
	checkpoints *checkpoint.Manager
	coordinator *branch.Coordinator
	signals     *signal.Dispatcher

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu           sync.RWMutex
	runs         map[string]*activeRun
	history      map[string]*run.Run
	historyOrder []string
	// settling holds evicted runs whose last loop has not exited yet.
	settling map[string]*activeRun
	closed       bool
}

// activeRun is the engine's handle on one run in the active table.
type activeRun struct {
	id        string
	routineID string
	nav       navigator.Bound

	mu  sync.Mutex
	run *run.Run
	// gen changes whenever the run enters or leaves RUNNING. A loop only
	// acts while the generation it was started with is current.
	gen  uint64
	done chan struct{}

	runTime   time.Duration
	resumedAt time.Time
	// retried holds the failure points a checkpoint restore was already
	// spent on.
	retried map[failurePoint]bool
	// parked holds the branches of a divergence the run left RUNNING in.
	parked *parkedDivergence

	// loops counts loop goroutines started and not yet exited. An evicted
	// run keeps its context until the count drops to zero.
	loops   int
	evicted bool
}

// NewEngine creates an engine. The loader, registry and executor are
// required; everything else has a working default.
func NewEngine(ld loader.Loader, reg *navigator.Registry, exec executor.Executor, opts ...Option) (*Engine, error) {
	if ld == nil {
		return nil, ErrNoLoader
	}
	if reg == nil {
		return nil, ErrNoRegistry
	}
	if exec == nil {
		return nil, executor.ErrNoExecutor
	}

	e := &Engine{
		loader:      ld,
		registry:    reg,
		executor:    exec,
		logger:      slog.Default(),
		gate:        permission.AllowAll,
		metrics:     observability.NoopMetrics{},
		spans:       observability.NoopSpanManager{},
		retry:       retry.Default,
		mergeRule:   runctx.LastWriterWins,
		defaults:    run.DefaultConfig(),
		historySize: DefaultHistorySize,
		now:         time.Now,
		expander:    template.NewExpander(),
		runs:        make(map[string]*activeRun),
		history:     make(map[string]*run.Run),
		settling:    make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.defaults.Validate(); err != nil {
		return nil, fmt.Errorf("default run config: %w", err)
	}

	cfg := storeRetry(e.retry)
	if e.store == nil {
		e.store = statestore.NewMemoryStore()
	}
	e.store = durableStore{StateStore: e.store, cfg: cfg}
	var cps checkpoint.Store = e.store
	if e.checkpointStore != nil {
		cps = durableCheckpoints{Store: e.checkpointStore, cfg: cfg}
	}
	if e.bus == nil {
		e.bus = event.NewBus(event.DefaultBusConfig)
		e.ownsBus = true
	}

	e.contexts = runctx.NewManager(e.store)
	e.checkpoints = checkpoint.NewManager(cps, checkpoint.WithClock(e.now))

	signals, err := e.signalRegistry()
	if err != nil {
		return nil, err
	}
	if e.signalStore == nil {
		e.signalStore = signal.NewMemoryStore()
	}
	e.signals = signal.NewDispatcher(signals, e.signalStore).WithLogger(e.logger)

	coordOpts := []branch.Option{
		branch.WithLogger(e.logger),
		branch.WithMetrics(e.metrics),
	}
	if e.monitor != nil {
		sub, err := e.monitor.Subscribe(e.bus)
		if err != nil {
			return nil, err
		}
		e.monitorSub = sub
		coordOpts = append(coordOpts, branch.WithOrderer(perf.NewPathOptimizer(e.monitor)))
	}
	e.coordinator = branch.NewCoordinator(coordOpts...)

	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Bus returns the bus lifecycle and step events are published on.
func (e *Engine) Bus() event.Bus {
	return e.bus
}

// CreateParams describes a run to create.
type CreateParams struct {
	RoutineID string
	// RunID is generated when empty.
	RunID     string
	Inputs    map[string]any
	Overrides run.Overrides
	Metadata  map[string]string
}

// CreateRun loads a routine, resolves its navigator and registers a READY
// run for it. Routines no registered navigator accepts fail with a
// *NavigatorMismatchError and no run is created.
func (e *Engine) CreateRun(ctx context.Context, p CreateParams) (*run.Run, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	runID := p.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	if _, ok := e.lookup(runID); ok {
		return nil, fmt.Errorf("%w: %s", ErrRunActive, runID)
	}

	routine, err := e.loader.Load(ctx, p.RoutineID)
	if err != nil {
		return nil, fmt.Errorf("load routine %s: %w", p.RoutineID, err)
	}
	nav, err := e.registry.Resolve(routine.Type, routine.Definition)
	if err != nil {
		mismatch := &NavigatorMismatchError{RoutineID: p.RoutineID, RoutineType: routine.Type, Err: err}
		observability.LogRunError(e.logger, runID, mismatch, "")
		e.emit(ctx, event.RunFailed, runID, "", map[string]any{
			"routine_id": p.RoutineID,
			"error":      mismatch.Error(),
		})
		return nil, mismatch
	}

	cfg := e.defaults.Apply(p.Overrides)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	start, err := nav.Start()
	if err != nil {
		return nil, fmt.Errorf("start location of routine %s: %w", p.RoutineID, err)
	}

	r := &run.Run{
		ID:          runID,
		RoutineID:   p.RoutineID,
		RoutineType: routine.Type,
		State:       run.StateUninitialized,
		Config:      cfg,
		Progress:    run.Progress{CurrentLocation: start},
		Inputs:      maps.Clone(p.Inputs),
		Metadata:    maps.Clone(p.Metadata),
	}
	if err := r.Transition(run.StateLoading); err != nil {
		return nil, err
	}
	if err := e.store.CreateRun(ctx, r); err != nil {
		return nil, fmt.Errorf("persist run %s: %w", runID, err)
	}

	ar := &activeRun{id: runID, routineID: p.RoutineID, nav: nav, run: r}
	if _, err := e.contexts.Create(ctx, runID, p.Inputs); err != nil {
		e.abandon(ctx, r, err)
		return nil, err
	}
	if err := e.register(ar); err != nil {
		e.contexts.Forget(runID)
		return nil, err
	}
	if _, err := e.transition(ctx, ar, change{to: run.StateReady, meta: map[string]any{"routine_id": p.RoutineID}}); err != nil {
		return nil, err
	}
	return e.GetRun(ctx, runID)
}

// StartRun launches the loop of a READY or PAUSED run.
func (e *Engine) StartRun(ctx context.Context, id string) error {
	return e.launch(ctx, id, []run.State{run.StateReady, run.StatePaused}, nil)
}

// ResumeRun relaunches the loop of a PAUSED or SUSPENDED run.
func (e *Engine) ResumeRun(ctx context.Context, id string) error {
	return e.launch(ctx, id, []run.State{run.StatePaused, run.StateSuspended}, nil)
}

// ResumeWith applies overrides to the run's configuration and resumes it.
// Raising the limit that suspended a run lets it continue.
func (e *Engine) ResumeWith(ctx context.Context, id string, o run.Overrides) error {
	return e.launch(ctx, id, []run.State{run.StatePaused, run.StateSuspended}, func(r *run.Run) error {
		cfg := r.Config.Apply(o)
		if err := cfg.Validate(); err != nil {
			return err
		}
		r.Config = cfg
		return nil
	})
}

func (e *Engine) launch(ctx context.Context, id string, from []run.State, prepare func(*run.Run) error) error {
	ar, err := e.active(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.wg.Add(1)
	e.mu.Unlock()

	launched, err := e.transition(ctx, ar, change{to: run.StateRunning, from: from, prepare: prepare})
	if !launched {
		e.wg.Done()
	}
	return err
}

// PauseRun stops a RUNNING run at its next loop boundary. A step already
// executing is allowed to finish.
func (e *Engine) PauseRun(ctx context.Context, id string) error {
	ar, err := e.active(id)
	if err != nil {
		return err
	}
	_, err = e.transition(ctx, ar, change{to: run.StatePaused, from: []run.State{run.StateRunning}})
	return err
}

// CancelRun cancels a run in any non-terminal state and evicts it.
func (e *Engine) CancelRun(ctx context.Context, id string) error {
	ar, err := e.active(id)
	if err != nil {
		return err
	}
	_, err = e.transition(ctx, ar, change{to: run.StateCancelled})
	return err
}

// GetRun returns a deep copy of a run. Active runs are read from memory,
// finished ones from the history and then from the state store.
func (e *Engine) GetRun(ctx context.Context, id string) (*run.Run, error) {
	e.mu.RLock()
	ar, active := e.runs[id]
	finished, remembered := e.history[id]
	e.mu.RUnlock()

	switch {
	case active:
		live, ok := e.contexts.Snapshot(id)
		ar.mu.Lock()
		r := ar.run.Clone()
		ar.mu.Unlock()
		if ok {
			r.Context = live
		}
		return r, nil
	case remembered:
		return finished.Clone(), nil
	}

	r, err := e.store.GetRun(ctx, id)
	if errors.Is(err, run.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if data, err := e.store.LoadContext(ctx, id); err == nil {
		if c, err := runctx.Unmarshal(data); err == nil {
			r.Context = c
		}
	}
	return r, nil
}

// Wait blocks until the run's loop goroutine exits and returns the run. A
// run whose loop is not running is returned immediately.
func (e *Engine) Wait(ctx context.Context, id string) (*run.Run, error) {
	for {
		ar, ok := e.tracked(id)
		if !ok {
			return e.GetRun(ctx, id)
		}
		ar.mu.Lock()
		done := ar.done
		ar.mu.Unlock()
		if done == nil {
			return e.GetRun(ctx, id)
		}

		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		ar.mu.Lock()
		relaunched := ar.done != done
		ar.mu.Unlock()
		if !relaunched {
			return e.GetRun(ctx, id)
		}
	}
}

// ActiveRuns returns the ids of every run in the active table, sorted.
func (e *Engine) ActiveRuns() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Shutdown pauses every running run and waits for the loops to exit. When
// ctx ends first, in-flight steps are cancelled and ctx's error returned.
// Paused runs stay in the store and can be recovered by another engine.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	active := make([]*activeRun, 0, len(e.runs))
	for _, ar := range e.runs {
		active = append(active, ar)
	}
	e.mu.Unlock()

	for _, ar := range active {
		_, err := e.transition(ctx, ar, change{
			to:   run.StatePaused,
			from: []run.State{run.StateRunning},
			meta: map[string]any{"reason": "shutdown"},
		})
		if err != nil && !errors.Is(err, run.ErrInvalidTransition) {
			e.logger.Warn("failed to pause run on shutdown",
				slog.String("run_id", ar.id),
				slog.String("error", err.Error()),
			)
		}
	}

	stopped := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(stopped)
	}()

	var err error
	select {
	case <-stopped:
	case <-ctx.Done():
		err = ctx.Err()
	}
	e.cancel()

	if e.monitorSub != nil {
		e.monitorSub.Unsubscribe()
	}
	if e.ownsBus {
		err = errors.Join(err, e.bus.Close())
	}
	return err
}

func (e *Engine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

func (e *Engine) lookup(id string) (*activeRun, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ar, ok := e.runs[id]
	return ar, ok
}

// tracked finds a run that is active or still settling after eviction.
func (e *Engine) tracked(id string) (*activeRun, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if ar, ok := e.runs[id]; ok {
		return ar, true
	}
	ar, ok := e.settling[id]
	return ar, ok
}

func (e *Engine) active(id string) (*activeRun, error) {
	ar, ok := e.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return ar, nil
}

func (e *Engine) register(ar *activeRun) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.runs[ar.id]; ok {
		return fmt.Errorf("%w: %s", ErrRunActive, ar.id)
	}
	delete(e.history, ar.id)
	e.runs[ar.id] = ar
	return nil
}

// evict moves a terminal run from the active table into history. While a
// loop is still finishing its last step the run's context stays live, so
// the step can apply its outputs; the loop settles the run on exit.
func (e *Engine) evict(ar *activeRun) {
	ar.mu.Lock()
	ar.evicted = true
	idle := ar.loops == 0
	ar.mu.Unlock()

	e.mu.Lock()
	delete(e.runs, ar.id)
	if !idle {
		e.settling[ar.id] = ar
	}
	e.mu.Unlock()

	e.remember(ar, false)
	if idle {
		e.release(ar)
	}
}

// loopExited is deferred by every loop goroutine.
func (e *Engine) loopExited(ar *activeRun) {
	ar.mu.Lock()
	ar.loops--
	settle := ar.evicted && ar.loops == 0
	ar.mu.Unlock()
	if !settle {
		return
	}

	e.mu.Lock()
	delete(e.settling, ar.id)
	e.mu.Unlock()
	e.remember(ar, true)
	e.release(ar)
}

// remember stores a copy of the run with its live context in history. With
// refresh set only an entry that is still remembered is replaced.
func (e *Engine) remember(ar *activeRun, refresh bool) {
	live, ok := e.contexts.Snapshot(ar.id)
	ar.mu.Lock()
	if ok {
		ar.run.Context = live
	}
	final := ar.run.Clone()
	ar.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.historySize <= 0 {
		return
	}
	if _, seen := e.history[ar.id]; !seen {
		if refresh {
			return
		}
		e.historyOrder = append(e.historyOrder, ar.id)
	}
	e.history[ar.id] = final
	for len(e.historyOrder) > e.historySize {
		delete(e.history, e.historyOrder[0])
		e.historyOrder = e.historyOrder[1:]
	}
}

func (e *Engine) release(ar *activeRun) {
	e.contexts.Forget(ar.id)
	e.checkpoints.Forget(ar.id)
	e.signals.Discard(context.WithoutCancel(e.baseCtx), ar.id)
}

// abandon fails a run that never made it into the active table.
func (e *Engine) abandon(ctx context.Context, r *run.Run, cause error) {
	observability.LogRunError(e.logger, r.ID, cause, "")
	if err := e.store.UpdateRunState(context.WithoutCancel(ctx), r.ID, run.StateFailed, cause.Error()); err != nil {
		e.logger.Error("failed to persist run state",
			slog.String("run_id", r.ID),
			slog.String("state", run.StateFailed.String()),
			slog.String("error", err.Error()),
		)
	}
	e.emit(ctx, event.RunFailed, r.ID, "", map[string]any{
		"routine_id": r.RoutineID,
		"error":      cause.Error(),
	})
}

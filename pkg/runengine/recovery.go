package runengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/runengine/pkg/runengine/observability"
	"github.com/randalmurphal/runengine/pkg/runengine/run"
)

// failurePoint identifies where a run failed: the location it stood on and
// how many locations it had visited.
type failurePoint struct {
	location string
	visited  int
}

// retryFromCheckpoint applies the run's recovery strategy to a loop error.
// Under the retry strategy the latest checkpoint is restored and nil is
// returned so the loop carries on. Each failure point is retried once; a
// run failing again at the same point gets the error it should fail with.
func (e *Engine) retryFromCheckpoint(ctx context.Context, ar *activeRun, gen uint64, cause error) error {
	ar.mu.Lock()
	at := failurePoint{
		location: ar.run.Progress.CurrentLocation.Key(),
		visited:  ar.run.Progress.Visited(),
	}
	if ar.run.Config.RecoveryStrategy != run.RecoveryRetry || ar.retried[at] {
		ar.mu.Unlock()
		return cause
	}
	if ar.retried == nil {
		ar.retried = make(map[failurePoint]bool)
	}
	ar.retried[at] = true
	ar.mu.Unlock()

	cp, err := e.checkpoints.Last(ctx, ar.id)
	if err != nil {
		return &CheckpointRestoreError{RunID: ar.id, Cause: cause, Err: err}
	}

	ar.mu.Lock()
	if ar.gen != gen {
		ar.mu.Unlock()
		return nil
	}
	restored, err := e.checkpoints.Restore(ar.run, cp)
	ar.run.Context = nil
	ar.parked = nil
	ar.mu.Unlock()
	if err != nil {
		return &CheckpointRestoreError{RunID: ar.id, Cause: cause, Err: err}
	}
	if err := e.contexts.Put(ctx, ar.id, restored); err != nil {
		return &CheckpointRestoreError{RunID: ar.id, Cause: cause, Err: err}
	}

	e.logger.Warn("restored checkpoint after error",
		slog.String("run_id", ar.id),
		slog.Int("sequence", cp.Sequence),
		slog.String("error", cause.Error()),
	)
	return nil
}

// RecoverRun reloads a run that is not active in this engine, typically
// after a crash, from its persisted record and latest checkpoint. The run
// comes back PAUSED with the checkpoint's progress and context; ResumeRun
// continues it. A run without a usable checkpoint is failed.
func (e *Engine) RecoverRun(ctx context.Context, id string) (*run.Run, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	if _, ok := e.lookup(id); ok {
		return nil, fmt.Errorf("%w: %s", ErrRunActive, id)
	}

	rec, err := e.store.GetRun(ctx, id)
	if errors.Is(err, run.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", id, err)
	}
	if rec.State.IsTerminal() {
		return nil, &run.TransitionError{From: rec.State, To: run.StatePaused}
	}

	routine, err := e.loader.Load(ctx, rec.RoutineID)
	if err != nil {
		return nil, fmt.Errorf("load routine %s: %w", rec.RoutineID, err)
	}
	nav, err := e.registry.Resolve(routine.Type, routine.Definition)
	if err != nil {
		return nil, &NavigatorMismatchError{RoutineID: rec.RoutineID, RoutineType: routine.Type, Err: err}
	}

	r := rec.Clone()
	r.State = run.StateLoading
	r.Error = ""
	restoreErr := func(err error) error {
		failed := &CheckpointRestoreError{RunID: id, Err: err}
		e.abandon(ctx, r, failed)
		return failed
	}

	cp, err := e.checkpoints.Last(ctx, id)
	if err != nil {
		return nil, restoreErr(err)
	}
	restored, err := e.checkpoints.Restore(r, cp)
	if err != nil {
		return nil, restoreErr(err)
	}
	r.Context = nil
	if err := e.contexts.Put(ctx, id, restored); err != nil {
		return nil, restoreErr(err)
	}

	ar := &activeRun{id: id, routineID: rec.RoutineID, nav: nav, run: r}
	if err := e.register(ar); err != nil {
		e.contexts.Forget(id)
		return nil, err
	}
	observability.LogCheckpoint(e.logger, id, cp.Sequence)
	if _, err := e.transition(ctx, ar, change{
		to:   run.StatePaused,
		meta: map[string]any{"recovered": true, "checkpoint": cp.Sequence},
	}); err != nil {
		return nil, err
	}
	return e.GetRun(ctx, id)
}

package runengine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/randalmurphal/runengine/pkg/runengine/observability"
	"github.com/randalmurphal/runengine/pkg/runengine/run"
)

// change is one requested state transition.
type change struct {
	to run.State
	// from restricts the states the change is accepted from, on top of the
	// lifecycle rules.
	from []run.State
	// gen, when non-zero, must match the run's current loop generation.
	gen   uint64
	cause error
	meta  map[string]any
	// prepare runs under the run lock once the change is accepted.
	prepare func(*run.Run) error
}

// loopHandle is what a new loop goroutine needs to take over a run.
type loopHandle struct {
	gen  uint64
	prev chan struct{}
	done chan struct{}
}

// transition validates and applies c, persists the new state, announces it
// and, for RUNNING, launches the loop. launched reports whether a loop
// goroutine was started. A failed persist is returned but does not undo the
// transition.
func (e *Engine) transition(ctx context.Context, ar *activeRun, c change) (launched bool, err error) {
	ctx = context.WithoutCancel(ctx)

	ar.mu.Lock()
	from := ar.run.State
	if c.gen != 0 && c.gen != ar.gen {
		ar.mu.Unlock()
		return false, errStale
	}
	if len(c.from) > 0 && !slices.Contains(c.from, from) {
		ar.mu.Unlock()
		return false, &run.TransitionError{From: from, To: c.to}
	}
	if err := run.ValidateTransition(from, c.to); err != nil {
		ar.mu.Unlock()
		return false, err
	}
	if c.prepare != nil {
		if err := c.prepare(ar.run); err != nil {
			ar.mu.Unlock()
			return false, err
		}
	}

	now := e.now().UTC()
	ar.run.State = c.to
	var stretch time.Duration
	if from == run.StateRunning {
		stretch = now.Sub(ar.resumedAt)
		ar.runTime += stretch
		ar.gen++
	}
	var handle *loopHandle
	if c.to == run.StateRunning {
		if ar.run.StartedAt.IsZero() {
			ar.run.StartedAt = now
		}
		ar.resumedAt = now
		ar.gen++
		handle = &loopHandle{gen: ar.gen, prev: ar.done, done: make(chan struct{})}
		ar.done = handle.done
		ar.loops++
	}
	ar.run.Error = ""
	if c.to == run.StateFailed && c.cause != nil {
		ar.run.Error = c.cause.Error()
	}
	if c.to.IsTerminal() {
		ar.run.CompletedAt = now
	}
	snap := ar.run.Clone()
	ar.mu.Unlock()

	observability.LogRunTransition(e.logger, ar.id, from.String(), c.to.String())
	if perr := e.store.UpdateRunState(ctx, ar.id, c.to, snap.Error); perr != nil {
		e.logger.Error("failed to persist run state",
			slog.String("run_id", ar.id),
			slog.String("state", c.to.String()),
			slog.String("error", perr.Error()),
		)
		err = fmt.Errorf("persist state %s of run %s: %w", c.to, ar.id, perr)
	}

	if from == run.StateRunning {
		e.metrics.RecordRun(ctx, c.to.String(), stretch)
	}
	if c.to.IsTerminal() {
		e.evict(ar)
		var total time.Duration
		if !snap.StartedAt.IsZero() {
			total = snap.CompletedAt.Sub(snap.StartedAt)
		}
		observability.LogRunComplete(e.logger, ar.id, c.to.String(), float64(total.Milliseconds()),
			snap.Progress.CompletedSteps, snap.Progress.FailedSteps, snap.Progress.SkippedSteps)
	}

	if typ := eventFor(from, c.to); typ != "" {
		e.emit(ctx, typ, ar.id, "", transitionMeta(from, snap, c))
	}

	if handle != nil {
		go e.loop(ar, *handle)
		return true, err
	}
	return false, err
}

// current reports whether the loop started with gen still drives the run.
func (ar *activeRun) current(gen uint64) bool {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return ar.gen == gen
}

// finish moves a run out of RUNNING on behalf of the loop started with gen.
// Losing the race to a pause or cancel is not an error.
func (e *Engine) finish(ctx context.Context, ar *activeRun, gen uint64, to run.State, cause error, meta map[string]any) {
	_, _ = e.transition(ctx, ar, change{to: to, gen: gen, cause: cause, meta: meta})
}

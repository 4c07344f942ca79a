package runengine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/randalmurphal/runengine/pkg/runengine/branch"
	"github.com/randalmurphal/runengine/pkg/runengine/event"
	"github.com/randalmurphal/runengine/pkg/runengine/executor"
	"github.com/randalmurphal/runengine/pkg/runengine/navigator"
	"github.com/randalmurphal/runengine/pkg/runengine/observability"
	"github.com/randalmurphal/runengine/pkg/runengine/perf"
	"github.com/randalmurphal/runengine/pkg/runengine/permission"
	"github.com/randalmurphal/runengine/pkg/runengine/run"
)

// stepScope is where a step reads its variables and writes its outputs:
// the run's main path or one branch.
type stepScope struct {
	branchID string
	vars     func() map[string]any
	apply    func(ctx context.Context, outputs map[string]any) error
}

// stepMain executes loc on the run's main path and advances the run to it.
func (e *Engine) stepMain(ctx context.Context, ar *activeRun, cfg run.Config, loc navigator.Location) error {
	status, err := e.runStep(ctx, ar, cfg, stepScope{
		vars: func() map[string]any {
			return e.contexts.Variables(ar.id)
		},
		apply: func(ctx context.Context, outputs map[string]any) error {
			return e.contexts.UpdateVariables(ctx, ar.id, outputs)
		},
	}, loc)

	ar.mu.Lock()
	defer ar.mu.Unlock()
	ar.run.Progress.Add(countOf(status))
	if status != "" {
		ar.run.Progress.PendingLocation = navigator.Location{}
		if err == nil {
			ar.run.Progress.CurrentLocation = loc.Clone()
		}
	}
	return err
}

// branchStepper executes branch steps against the branch's own context.
func (e *Engine) branchStepper(ar *activeRun, cfg run.Config) branch.Stepper {
	return branch.StepperFunc(func(ctx context.Context, b *branch.Branch, loc navigator.Location) (run.StepStatus, error) {
		return e.runStep(ctx, ar, cfg, stepScope{
			branchID: b.ID,
			vars: func() map[string]any {
				return b.Context.Variables()
			},
			apply: func(_ context.Context, outputs map[string]any) error {
				b.Context.SetAll(outputs)
				return nil
			},
		}, loc)
	})
}

func countOf(status run.StepStatus) run.Counts {
	switch status {
	case run.StepCompleted:
		return run.Counts{Completed: 1}
	case run.StepFailed:
		return run.Counts{Failed: 1}
	case run.StepSkipped:
		return run.Counts{Skipped: 1}
	}
	return run.Counts{}
}

// runStep visits one location: permission check, execution, output merge,
// step record and events. The returned status is empty only when the
// location could not be described, in which case nothing was visited.
//
// A denied step is skipped, never failed. An executor failure is returned
// as a *StepExecutionError unless the run's recovery strategy is skip.
func (e *Engine) runStep(ctx context.Context, ar *activeRun, cfg run.Config, scope stepScope, loc navigator.Location) (run.StepStatus, error) {
	info, err := ar.nav.Step(loc)
	if err != nil {
		return "", fmt.Errorf("describe step at %s: %w", loc, err)
	}
	stepID := info.ID
	if stepID == "" {
		stepID = loc.Key()
	}
	vars := scope.vars()
	started := e.now().UTC()
	exec := run.StepExecution{
		RunID:     ar.id,
		StepID:    stepID,
		Location:  loc.Clone(),
		BranchID:  scope.branchID,
		StartedAt: started,
	}
	meta := map[string]any{"location": loc.Key()}
	if scope.branchID != "" {
		meta["branch_id"] = scope.branchID
	}

	allowed, gateErr := permission.Check(ctx, e.gate, ar.id, stepID, vars)
	if gateErr != nil {
		e.logger.Warn("permission check failed, skipping step",
			slog.String("run_id", ar.id),
			slog.String("step_id", stepID),
			slog.String("error", gateErr.Error()),
		)
	}
	if !allowed {
		reason := ErrPermissionDenied.Error()
		exec.Status = run.StepSkipped
		exec.Error = reason
		exec.FinishedAt = e.now().UTC()
		e.record(ctx, exec)
		observability.LogStepSkipped(e.logger, ar.id, stepID, reason)
		e.metrics.RecordStep(ctx, stepID, string(run.StepSkipped), 0)
		meta["reason"] = reason
		e.emit(ctx, event.StepSkipped, ar.id, stepID, meta)
		return run.StepSkipped, nil
	}

	observability.LogStepStart(e.logger, ar.id, stepID, loc.Key())
	e.emit(ctx, event.StepStarted, ar.id, stepID, meta)

	stepCtx, span := e.spans.StartStepSpan(ctx, stepID, loc.Key())
	begin := time.Now()
	var outputs map[string]any
	inputs, execErr := e.expander.ExpandMap(info.Inputs, vars)
	if execErr != nil {
		execErr = fmt.Errorf("expand inputs: %w", execErr)
	} else {
		outputs, execErr = e.invoke(stepCtx, cfg.StepTimeout, executor.Request{
			RunID:     ar.id,
			StepID:    stepID,
			Location:  loc.Clone(),
			BranchID:  scope.branchID,
			Kind:      info.Kind,
			Inputs:    inputs,
			Variables: vars,
		})
	}
	elapsed := time.Since(begin)
	if execErr == nil {
		if err := scope.apply(ctx, outputs); err != nil {
			execErr = fmt.Errorf("apply outputs: %w", err)
		}
	}
	e.spans.EndSpanWithError(span, execErr)
	e.observe(ctx, perf.NewSample(ar.id, stepID, loc.Key(), elapsed, execErr != nil))
	exec.FinishedAt = e.now().UTC()
	meta["duration_ms"] = float64(elapsed.Microseconds()) / 1000

	if execErr != nil {
		exec.Status = run.StepFailed
		exec.Error = execErr.Error()
		e.record(ctx, exec)
		observability.LogStepError(e.logger, ar.id, stepID, execErr)
		e.metrics.RecordStep(ctx, stepID, string(run.StepFailed), elapsed)
		meta["error"] = execErr.Error()
		e.emit(ctx, event.StepFailed, ar.id, stepID, meta)
		if cfg.RecoveryStrategy == run.RecoverySkip {
			return run.StepFailed, nil
		}
		return run.StepFailed, &StepExecutionError{RunID: ar.id, StepID: stepID, Location: loc, Err: execErr}
	}

	exec.Status = run.StepCompleted
	exec.Outputs = outputs
	e.record(ctx, exec)
	observability.LogStepComplete(e.logger, ar.id, stepID, float64(elapsed.Milliseconds()))
	e.metrics.RecordStep(ctx, stepID, string(run.StepCompleted), elapsed)
	e.emit(ctx, event.StepCompleted, ar.id, stepID, meta)
	return run.StepCompleted, nil
}

// invoke calls the executor under the run's step timeout and turns a panic
// into a *PanicError.
func (e *Engine) invoke(ctx context.Context, timeout time.Duration, req executor.Request) (outputs map[string]any, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			outputs = nil
			err = &PanicError{StepID: req.StepID, Value: r, Stack: string(debug.Stack())}
		}
	}()
	return e.executor.Execute(ctx, req)
}

func (e *Engine) record(ctx context.Context, exec run.StepExecution) {
	if err := e.store.RecordStepExecution(context.WithoutCancel(ctx), exec); err != nil {
		e.logger.Error("failed to record step execution",
			slog.String("run_id", exec.RunID),
			slog.String("step_id", exec.StepID),
			slog.String("error", err.Error()),
		)
	}
}

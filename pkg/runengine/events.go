package runengine

import (
	"context"
	"log/slog"
	"maps"

	"github.com/randalmurphal/runengine/pkg/runengine/event"
	"github.com/randalmurphal/runengine/pkg/runengine/perf"
	"github.com/randalmurphal/runengine/pkg/runengine/run"
)

// eventFor maps a transition to the run event announcing it. LOADING is
// internal to creation and recovery and is not announced.
func eventFor(from, to run.State) string {
	switch to {
	case run.StateReady:
		return event.RunStarted
	case run.StateRunning:
		if from == run.StateReady {
			return event.RunExecuting
		}
		return event.RunResumed
	case run.StatePaused:
		return event.RunPaused
	case run.StateSuspended:
		return event.RunSuspended
	case run.StateCompleted:
		return event.RunCompleted
	case run.StateFailed:
		return event.RunFailed
	case run.StateCancelled:
		return event.RunCancelled
	}
	return ""
}

func transitionMeta(from run.State, r *run.Run, c change) map[string]any {
	meta := map[string]any{
		"from":  from.String(),
		"state": r.State.String(),
	}
	if c.cause != nil {
		meta["error"] = c.cause.Error()
	}
	if r.State.IsTerminal() || r.State == run.StateSuspended {
		meta["completed_steps"] = r.Progress.CompletedSteps
		meta["failed_steps"] = r.Progress.FailedSteps
		meta["skipped_steps"] = r.Progress.SkippedSteps
	}
	maps.Copy(meta, c.meta)
	return meta
}

// emit publishes a run event. Publishing never fails the caller; failures
// are logged.
func (e *Engine) emit(ctx context.Context, eventType, runID, stepID string, meta map[string]any) {
	evt := event.NewRunEvent(eventType, runID, stepID, meta)
	if err := e.bus.Publish(context.WithoutCancel(ctx), evt); err != nil {
		e.logger.Warn("failed to publish run event",
			slog.String("run_id", runID),
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

// observe publishes a step latency sample on the telemetry channel, where
// any subscribed perf.Monitor picks it up.
func (e *Engine) observe(ctx context.Context, s perf.Sample) {
	if err := perf.Publish(context.WithoutCancel(ctx), e.bus, s); err != nil {
		e.logger.Debug("failed to publish perf sample",
			slog.String("run_id", s.RunID),
			slog.String("step_id", s.StepID),
			slog.String("error", err.Error()),
		)
	}
}

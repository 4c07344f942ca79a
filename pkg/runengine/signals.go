package runengine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/runengine/pkg/runengine/event"
	"github.com/randalmurphal/runengine/pkg/runengine/signal"
)

// Built-in signal names. A handler registered with WithSignalHandler under
// one of these names replaces the built-in.
const (
	SignalPause        = "pause"
	SignalResume       = "resume"
	SignalCancel       = "cancel"
	SignalSetVariables = "set_variables"
)

func (e *Engine) signalRegistry() (*signal.Registry, error) {
	reg := signal.NewRegistry()
	for name, h := range e.signalHandlers {
		if err := reg.Register(name, h); err != nil {
			return nil, fmt.Errorf("register signal handler %q: %w", name, err)
		}
	}

	builtin := map[string]signal.Handler{
		SignalPause: func(ctx context.Context, sig *signal.Signal) error {
			return e.PauseRun(ctx, sig.RunID)
		},
		SignalResume: func(ctx context.Context, sig *signal.Signal) error {
			return e.ResumeRun(ctx, sig.RunID)
		},
		SignalCancel: func(ctx context.Context, sig *signal.Signal) error {
			return e.CancelRun(ctx, sig.RunID)
		},
		SignalSetVariables: func(ctx context.Context, sig *signal.Signal) error {
			return e.contexts.UpdateVariables(ctx, sig.RunID, sig.Payload)
		},
	}
	for name, h := range builtin {
		if _, taken := reg.Get(name); taken {
			continue
		}
		if err := reg.Register(name, h); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Signal sends a named signal with a payload to an active run, handles it
// and returns its ID. Handler failures are recorded on the signal, not
// returned. A running loop also handles signals placed in a shared store by
// other processes, once per pass.
func (e *Engine) Signal(ctx context.Context, runID, name string, payload map[string]any) (string, error) {
	ar, err := e.active(runID)
	if err != nil {
		return "", err
	}
	sig := signal.New(name, runID, payload)
	if err := e.signals.Send(ctx, sig); err != nil {
		return "", err
	}
	e.deliver(ctx, ar)
	return sig.ID, nil
}

// Signals lists every signal sent to a run with its outcome, oldest first.
func (e *Engine) Signals(ctx context.Context, runID string) ([]*signal.Signal, error) {
	return e.signals.Store().List(ctx, runID)
}

// deliver hands the run's pending signals to their handlers.
func (e *Engine) deliver(ctx context.Context, ar *activeRun) {
	handled, err := e.signals.Process(context.WithoutCancel(ctx), ar.id)
	if err != nil {
		e.logger.Warn("failed to process signals",
			slog.String("run_id", ar.id),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, sig := range handled {
		meta := map[string]any{
			"signal_id": sig.ID,
			"signal":    sig.Name,
			"status":    string(sig.Status),
		}
		if sig.Error != "" {
			meta["error"] = sig.Error
		}
		e.emit(ctx, event.RunSignaled, ar.id, "", meta)
	}
}

package runengine

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/runengine/pkg/runengine/checkpoint"
	"github.com/randalmurphal/runengine/pkg/runengine/event"
	"github.com/randalmurphal/runengine/pkg/runengine/observability"
	"github.com/randalmurphal/runengine/pkg/runengine/perf"
	"github.com/randalmurphal/runengine/pkg/runengine/permission"
	"github.com/randalmurphal/runengine/pkg/runengine/retry"
	"github.com/randalmurphal/runengine/pkg/runengine/run"
	"github.com/randalmurphal/runengine/pkg/runengine/runctx"
	"github.com/randalmurphal/runengine/pkg/runengine/signal"
	"github.com/randalmurphal/runengine/pkg/runengine/template"
)

// DefaultHistorySize is how many finished runs GetRun and Wait remember.
const DefaultHistorySize = 256

// CostMeter reports what a run has spent so far, in whatever unit MaxCost
// is expressed in.
type CostMeter interface {
	Cost(runID string) float64
}

// CostFunc adapts a function to the CostMeter interface.
type CostFunc func(runID string) float64

// Cost implements CostMeter.
func (f CostFunc) Cost(runID string) float64 {
	return f(runID)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithStore sets the state store. Default: an in-memory store.
func WithStore(s StateStore) Option {
	return func(e *Engine) {
		e.store = s
	}
}

// WithCheckpointStore keeps checkpoints in s instead of the state store.
func WithCheckpointStore(s checkpoint.Store) Option {
	return func(e *Engine) {
		e.checkpointStore = s
	}
}

// WithBus sets the event bus lifecycle and step events are published on.
// Default: a LocalBus owned by the engine.
func WithBus(b event.Bus) Option {
	return func(e *Engine) {
		e.bus = b
	}
}

// WithGate sets the permission gate. Default: permission.AllowAll.
func WithGate(g permission.Gate) Option {
	return func(e *Engine) {
		e.gate = g
	}
}

// WithMetrics enables metrics recording.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithSpans enables tracing.
func WithSpans(s observability.SpanManager) Option {
	return func(e *Engine) {
		e.spans = s
	}
}

// WithMonitor feeds step latencies to m, subscribes it to the bus's
// telemetry channel and orders sequential branches by its observations.
func WithMonitor(m *perf.Monitor) Option {
	return func(e *Engine) {
		e.monitor = m
	}
}

// WithCostMeter enables the MaxCost limit.
func WithCostMeter(m CostMeter) Option {
	return func(e *Engine) {
		e.cost = m
	}
}

// WithRetry sets the retry policy for store writes. Default: retry.Default.
func WithRetry(cfg retry.Config) Option {
	return func(e *Engine) {
		e.retry = cfg
	}
}

// WithMergeRule sets how keys written by several branches are combined.
// Default: last writer wins.
func WithMergeRule(rule runctx.MergeRule) Option {
	return func(e *Engine) {
		e.mergeRule = rule
	}
}

// WithDefaults replaces the run configuration that caller overrides are
// applied to. Default: run.DefaultConfig().
func WithDefaults(cfg run.Config) Option {
	return func(e *Engine) {
		e.defaults = cfg
	}
}

// WithHistorySize sets how many finished runs are kept for GetRun and
// Wait.
func WithHistorySize(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.historySize = n
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithExpander sets how placeholders in step inputs are filled from the
// variables the step sees. Default: template.NewExpander(), which leaves
// unknown paths as written.
func WithExpander(x *template.Expander) Option {
	return func(e *Engine) {
		if x != nil {
			e.expander = x
		}
	}
}

// WithSignalStore keeps signals in s. Default: an in-memory store.
func WithSignalStore(s signal.Store) Option {
	return func(e *Engine) {
		e.signalStore = s
	}
}

// WithSignalHandler handles signals called name, replacing the built-in
// handler of that name if there is one.
func WithSignalHandler(name string, h signal.Handler) Option {
	return func(e *Engine) {
		if e.signalHandlers == nil {
			e.signalHandlers = make(map[string]signal.Handler)
		}
		e.signalHandlers[name] = h
	}
}

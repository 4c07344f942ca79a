package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of every engine instrument.
const MeterName = "runengine"

// MetricsRecorder records engine metrics.
// Use NewMetricsRecorder for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordStep records one visited location and its outcome
	// ("completed", "failed" or "skipped").
	RecordStep(ctx context.Context, stepID, status string, duration time.Duration)

	// RecordRun records a run leaving the running state for good or for a
	// pause.
	RecordRun(ctx context.Context, state string, duration time.Duration)

	// RecordCheckpoint records a checkpoint save operation.
	RecordCheckpoint(ctx context.Context, runID string, sequence int)

	// RecordBranches records a divergence fanned out to branches.
	RecordBranches(ctx context.Context, count int, parallel bool)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	steps       metric.Int64Counter
	stepLatency metric.Float64Histogram
	runs        metric.Int64Counter
	runLatency  metric.Float64Histogram
	checkpoints metric.Int64Counter
	branches    metric.Int64Histogram
}

func newOtelMetrics(provider metric.MeterProvider) (*otelMetrics, error) {
	meter := provider.Meter(MeterName)

	steps, err := meter.Int64Counter("runengine.step.executions",
		metric.WithDescription("Number of visited steps by outcome"),
	)
	if err != nil {
		return nil, err
	}

	stepLatency, err := meter.Float64Histogram("runengine.step.latency_ms",
		metric.WithDescription("Step execution latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	runs, err := meter.Int64Counter("runengine.run.finished",
		metric.WithDescription("Number of runs leaving the running state"),
	)
	if err != nil {
		return nil, err
	}

	runLatency, err := meter.Float64Histogram("runengine.run.latency_ms",
		metric.WithDescription("Time spent running in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	checkpoints, err := meter.Int64Counter("runengine.checkpoint.saved",
		metric.WithDescription("Number of checkpoints saved"),
	)
	if err != nil {
		return nil, err
	}

	branches, err := meter.Int64Histogram("runengine.branch.fanout",
		metric.WithDescription("Branches per divergence"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		steps:       steps,
		stepLatency: stepLatency,
		runs:        runs,
		runLatency:  runLatency,
		checkpoints: checkpoints,
		branches:    branches,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder backed by provider. A nil
// provider uses the global OTel meter provider. If instrument creation
// fails, a no-op recorder is returned.
func NewMetricsRecorder(provider metric.MeterProvider) MetricsRecorder {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	m, err := newOtelMetrics(provider)
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordStep records a visited step.
func (m *otelMetrics) RecordStep(ctx context.Context, stepID, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("step_id", stepID),
		attribute.String("status", status),
	)
	m.steps.Add(ctx, 1, attrs)
	m.stepLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

// RecordRun records a run outcome.
func (m *otelMetrics) RecordRun(ctx context.Context, state string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("state", state))
	m.runs.Add(ctx, 1, attrs)
	m.runLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordCheckpoint records a checkpoint save.
func (m *otelMetrics) RecordCheckpoint(ctx context.Context, runID string, _ int) {
	m.checkpoints.Add(ctx, 1, metric.WithAttributes(attribute.String("run_id", runID)))
}

// RecordBranches records a fan-out.
func (m *otelMetrics) RecordBranches(ctx context.Context, count int, parallel bool) {
	m.branches.Record(ctx, int64(count), metric.WithAttributes(attribute.Bool("parallel", parallel)))
}

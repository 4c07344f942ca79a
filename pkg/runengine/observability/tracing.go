package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of engine spans.
const TracerName = "runengine"

// SpanManager handles trace span lifecycle.
// Use NewSpanManager for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartRunSpan starts a span covering one stretch of a run's loop.
	StartRunSpan(ctx context.Context, routineID, runID string) (context.Context, trace.Span)

	// StartStepSpan starts a span for a step execution, as a child of the
	// span in ctx.
	StartStepSpan(ctx context.Context, stepID, location string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct {
	tracer trace.Tracer
}

// NewSpanManager returns a SpanManager backed by provider. A nil provider
// uses the global OTel tracer provider.
func NewSpanManager(provider trace.TracerProvider) SpanManager {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &otelSpanManager{tracer: provider.Tracer(TracerName)}
}

// StartRunSpan starts a run span.
func (m *otelSpanManager) StartRunSpan(ctx context.Context, routineID, runID string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "runengine.run",
		trace.WithAttributes(
			attribute.String("routine.id", routineID),
			attribute.String("run.id", runID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartStepSpan starts a step span.
func (m *otelSpanManager) StartStepSpan(ctx context.Context, stepID, location string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "runengine.step."+stepID,
		trace.WithAttributes(
			attribute.String("step.id", stepID),
			attribute.String("step.location", location),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Package event carries run lifecycle, execution and telemetry messages
// between the engine and its collaborators.
//
// Events travel on named channels:
//   - ChannelRunEvents: run and step lifecycle announcements, and
//     RUN_SIGNALED for each signal a run handles
//   - ChannelExecutionRequests / ChannelExecutionOutputs: step execution
//     over the bus
//   - ChannelTelemetryPerf: performance samples
//
// Two Bus implementations are provided: LocalBus for in-process fan-out and
// RedisBus for PUBLISH/SUBSCRIBE across processes.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channels.
const (
	ChannelRunEvents         = "run.events"
	ChannelExecutionRequests = "execution.requests"
	ChannelExecutionOutputs  = "execution.outputs"
	ChannelTelemetryPerf     = "telemetry.perf"
)

// Run lifecycle event types published on ChannelRunEvents.
const (
	// RunStarted announces a run that is created and READY.
	RunStarted = "RUN_STARTED"
	// RunExecuting announces the first move of a run into RUNNING.
	RunExecuting = "RUN_EXECUTING"
	RunPaused    = "RUN_PAUSED"
	RunResumed   = "RUN_RESUMED"
	RunSuspended = "RUN_SUSPENDED"
	RunCancelled = "RUN_CANCELLED"
	RunCompleted = "RUN_COMPLETED"
	RunFailed    = "RUN_FAILED"
	RunSignaled  = "RUN_SIGNALED"

	StepStarted   = "STEP_STARTED"
	StepCompleted = "STEP_COMPLETED"
	StepFailed    = "STEP_FAILED"
	StepSkipped   = "STEP_SKIPPED"
)

// Event is an immutable message on a channel.
type Event interface {
	ID() string
	Type() string
	Channel() string
	// CorrelationID groups related events, e.g. a request and its reply.
	CorrelationID() string
	Timestamp() time.Time

	Data() any
	DataBytes() []byte
}

// Metadata contains common event metadata fields.
type Metadata struct {
	EventID       string    `json:"id"`
	EventType     string    `json:"type"`
	EventChannel  string    `json:"channel"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	SchemaVersion int       `json:"schema_version"`
}

// BaseEvent provides a generic event implementation.
// T is the payload type for type-safe access.
type BaseEvent[T any] struct {
	Meta    Metadata `json:"metadata"`
	Payload T        `json:"payload"`

	// Cached serialization (computed lazily)
	cachedBytes []byte
}

// ID returns the unique event identifier.
func (e *BaseEvent[T]) ID() string {
	return e.Meta.EventID
}

// Type returns the event type.
func (e *BaseEvent[T]) Type() string {
	return e.Meta.EventType
}

// Channel returns the channel the event is published on.
func (e *BaseEvent[T]) Channel() string {
	return e.Meta.EventChannel
}

// CorrelationID returns the correlation ID.
func (e *BaseEvent[T]) CorrelationID() string {
	return e.Meta.CorrelationID
}

// Timestamp returns when the event occurred.
func (e *BaseEvent[T]) Timestamp() time.Time {
	return e.Meta.Timestamp
}

// Data returns the event payload.
func (e *BaseEvent[T]) Data() any {
	return e.Payload
}

// TypedData returns the strongly-typed payload.
func (e *BaseEvent[T]) TypedData() T {
	return e.Payload
}

// DataBytes returns the serialized payload.
// The result is cached for efficiency.
func (e *BaseEvent[T]) DataBytes() []byte {
	if e.cachedBytes == nil {
		// Best effort - errors are ignored for interface compliance
		e.cachedBytes, _ = json.Marshal(e.Payload)
	}
	return e.cachedBytes
}

// EventOption configures event creation.
type EventOption func(*eventConfig)

type eventConfig struct {
	id            string
	correlationID string
	timestamp     time.Time
	version       int
}

// WithEventID sets a specific event ID (default: auto-generated UUID).
func WithEventID(id string) EventOption {
	return func(cfg *eventConfig) {
		cfg.id = id
	}
}

// WithCorrelationID sets the correlation ID.
func WithCorrelationID(id string) EventOption {
	return func(cfg *eventConfig) {
		cfg.correlationID = id
	}
}

// WithTimestamp sets a specific timestamp (default: time.Now()).
func WithTimestamp(t time.Time) EventOption {
	return func(cfg *eventConfig) {
		cfg.timestamp = t
	}
}

// New creates an event of eventType on channel.
func New[T any](channel, eventType string, payload T, opts ...EventOption) *BaseEvent[T] {
	cfg := &eventConfig{
		id:        uuid.NewString(),
		timestamp: time.Now().UTC(),
		version:   1,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &BaseEvent[T]{
		Meta: Metadata{
			EventID:       cfg.id,
			EventType:     eventType,
			EventChannel:  channel,
			CorrelationID: cfg.correlationID,
			Timestamp:     cfg.timestamp,
			SchemaVersion: cfg.version,
		},
		Payload: payload,
	}
}

// RunPayload is the body of every event on ChannelRunEvents.
type RunPayload struct {
	RunID     string         `json:"runId"`
	Timestamp time.Time      `json:"timestamp"`
	StepID    string         `json:"stepId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewRunEvent builds a run lifecycle event. stepID is empty for run-level
// events.
func NewRunEvent(eventType, runID, stepID string, metadata map[string]any) *BaseEvent[RunPayload] {
	now := time.Now().UTC()
	return New(ChannelRunEvents, eventType, RunPayload{
		RunID:     runID,
		Timestamp: now,
		StepID:    stepID,
		Metadata:  metadata,
	}, WithTimestamp(now), WithCorrelationID(runID))
}

// Decode extracts a typed payload from any event, converting through JSON
// when the event arrived over a transport that does not keep Go types.
func Decode[T any](evt Event) (T, error) {
	var payload T
	switch d := evt.Data().(type) {
	case T:
		return d, nil
	case json.RawMessage:
		if err := json.Unmarshal(d, &payload); err != nil {
			return payload, &EventError{Event: evt, Message: "failed to unmarshal event data to expected type", Err: err}
		}
		return payload, nil
	default:
		if err := json.Unmarshal(evt.DataBytes(), &payload); err != nil {
			return payload, &EventError{Event: evt, Message: "failed to unmarshal event data to expected type", Err: err}
		}
		return payload, nil
	}
}

// EventError represents an error during event processing.
type EventError struct {
	Event   Event
	Message string
	Err     error
}

// Error implements error interface.
func (e *EventError) Error() string {
	id := ""
	if e.Event != nil {
		id = e.Event.ID()
	}
	if e.Err != nil {
		return fmt.Sprintf("event %s: %s: %v", id, e.Message, e.Err)
	}
	return fmt.Sprintf("event %s: %s", id, e.Message)
}

// Unwrap returns the underlying error.
func (e *EventError) Unwrap() error {
	return e.Err
}

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/randalmurphal/runengine/pkg/runengine/event"
)

// Event types on the execution channels.
const (
	EventExecutionRequested = "EXECUTION_REQUESTED"
	EventExecutionFinished  = "EXECUTION_FINISHED"
)

// ErrExecutorClosed is returned by Execute after Close.
var ErrExecutorClosed = errors.New("bus executor closed")

// OutputPayload is the reply a worker publishes on
// event.ChannelExecutionOutputs.
type OutputPayload struct {
	ExecutionID string         `json:"executionId"`
	RunID       string         `json:"runId"`
	StepID      string         `json:"stepId"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	Error       string         `json:"error,omitempty"`
}

type reply struct {
	outputs map[string]any
	err     error
}

// BusExecutor executes steps by publishing a Request on
// event.ChannelExecutionRequests and waiting for the OutputPayload with the
// same execution ID on event.ChannelExecutionOutputs.
//
// Replies are read by field path rather than decoded into OutputPayload, so
// workers written in any language only need to produce the same JSON keys.
type BusExecutor struct {
	bus    event.Bus
	sub    event.Subscription
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan reply
	closed  bool
}

var _ Executor = (*BusExecutor)(nil)

// BusOption configures a BusExecutor.
type BusOption func(*BusExecutor)

// WithLogger sets the logger used for unmatched or malformed replies.
func WithLogger(logger *slog.Logger) BusOption {
	return func(e *BusExecutor) {
		e.logger = logger
	}
}

// NewBusExecutor subscribes to execution outputs on bus.
func NewBusExecutor(bus event.Bus, opts ...BusOption) (*BusExecutor, error) {
	e := &BusExecutor{
		bus:     bus,
		logger:  slog.Default(),
		pending: make(map[string]chan reply),
	}
	for _, opt := range opts {
		opt(e)
	}

	sub, err := bus.Subscribe(event.ChannelExecutionOutputs, []string{EventExecutionFinished}, event.HandlerFunc(e.handle))
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", event.ChannelExecutionOutputs, err)
	}
	e.sub = sub
	return e, nil
}

// Execute publishes req and blocks until its reply arrives or ctx ends.
func (e *BusExecutor) Execute(ctx context.Context, req Request) (map[string]any, error) {
	req.ExecutionID = uuid.NewString()
	ch := make(chan reply, 1)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrExecutorClosed
	}
	e.pending[req.ExecutionID] = ch
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.pending, req.ExecutionID)
		e.mu.Unlock()
	}()

	evt := event.New(event.ChannelExecutionRequests, EventExecutionRequested, req,
		event.WithCorrelationID(req.ExecutionID))
	if err := e.bus.Publish(ctx, evt); err != nil {
		return nil, fmt.Errorf("publish execution request for step %s: %w", req.StepID, err)
	}

	select {
	case r, ok := <-ch:
		if !ok {
			return nil, ErrExecutorClosed
		}
		return r.outputs, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the number of executions awaiting a reply.
func (e *BusExecutor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Close unsubscribes and fails every outstanding execution.
func (e *BusExecutor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for id, ch := range e.pending {
		close(ch)
		delete(e.pending, id)
	}
	e.mu.Unlock()

	e.sub.Unsubscribe()
}

func (e *BusExecutor) handle(_ context.Context, evt event.Event) error {
	data := evt.DataBytes()
	id := gjson.GetBytes(data, "executionId").String()
	if id == "" {
		id = evt.CorrelationID()
	}

	e.mu.Lock()
	ch, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()
	if !ok {
		// Replies for other executors share the channel.
		return nil
	}

	ch <- decodeReply(id, data)
	return nil
}

func decodeReply(id string, data []byte) reply {
	fields := gjson.GetManyBytes(data, "stepId", "error", "outputs")
	if msg := fields[1].String(); msg != "" {
		return reply{err: &ExecutionError{ExecutionID: id, StepID: fields[0].String(), Message: msg}}
	}
	out := fields[2]
	if !out.Exists() || out.Type == gjson.Null {
		return reply{outputs: map[string]any{}}
	}
	if !out.IsObject() {
		return reply{err: &ExecutionError{
			ExecutionID: id,
			StepID:      fields[0].String(),
			Message:     "outputs must be an object, got " + out.Type.String(),
		}}
	}
	outputs, _ := out.Value().(map[string]any)
	return reply{outputs: outputs}
}

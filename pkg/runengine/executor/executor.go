// Package executor defines how the run engine hands a step to whatever
// actually performs it.
//
// The engine never invokes tools itself. It builds a Request from the step
// the navigator describes and waits for the outputs to merge into the run's
// variables. Func adapts an in-process function; BusExecutor forwards the
// request over an event.Bus and waits for the correlated reply.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/randalmurphal/runengine/pkg/runengine/navigator"
)

// ErrNoExecutor indicates the engine was asked to execute a step without an
// executor configured.
var ErrNoExecutor = errors.New("no step executor configured")

// Request describes one step execution.
type Request struct {
	// ExecutionID is unique per call. The engine leaves it empty; executors
	// that need correlation assign one.
	ExecutionID string             `json:"executionId,omitempty"`
	RunID       string             `json:"runId"`
	StepID      string             `json:"stepId"`
	Location    navigator.Location `json:"location"`
	// BranchID is empty for steps on the run's main path.
	BranchID string `json:"branchId,omitempty"`
	// Kind and Inputs come from the navigator's StepInfo.
	Kind   string         `json:"kind,omitempty"`
	Inputs map[string]any `json:"inputs,omitempty"`
	// Variables is a snapshot of the run (or branch) variables.
	Variables map[string]any `json:"variables,omitempty"`
}

// Executor performs steps.
//
// Implementations must be safe for concurrent use; parallel branches call
// Execute from several goroutines.
type Executor interface {
	Execute(ctx context.Context, req Request) (map[string]any, error)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, req Request) (map[string]any, error)

// Execute implements Executor.
func (f Func) Execute(ctx context.Context, req Request) (map[string]any, error) {
	return f(ctx, req)
}

// ExecutionError is returned when the remote side reports a failure.
type ExecutionError struct {
	ExecutionID string
	StepID      string
	Message     string
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("step %s (execution %s): %s", e.StepID, e.ExecutionID, e.Message)
}

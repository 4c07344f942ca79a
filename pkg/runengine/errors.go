package runengine

import (
	"errors"
	"fmt"

	"github.com/randalmurphal/runengine/pkg/runengine/navigator"
	"github.com/randalmurphal/runengine/pkg/runengine/permission"
)

// Sentinel errors for engine operations.
var (
	// ErrRunNotFound indicates no active or recently finished run has the
	// requested ID.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunActive indicates a run is already loaded in this engine.
	ErrRunActive = errors.New("run already active")

	// ErrNoLoader indicates the engine was built without a routine loader.
	ErrNoLoader = errors.New("routine loader is required")

	// ErrNoRegistry indicates the engine was built without a navigator
	// registry.
	ErrNoRegistry = errors.New("navigator registry is required")

	// ErrEngineClosed indicates the engine was shut down.
	ErrEngineClosed = errors.New("engine is shut down")

	// errStale indicates a loop acted on a run it no longer drives.
	errStale = errors.New("run loop is stale")
)

// Sentinel errors for the run error taxonomy.
var (
	// ErrPermissionDenied is the reason recorded for a step the permission
	// gate refused. It never fails a run.
	ErrPermissionDenied = permission.ErrDenied

	// ErrResourceLimitExceeded indicates a run hit one of its limits and
	// was suspended.
	ErrResourceLimitExceeded = errors.New("resource limit exceeded")

	// ErrCheckpointRestore indicates recovery could not restore a
	// checkpoint. The run fails.
	ErrCheckpointRestore = errors.New("checkpoint restore failed")
)

// NavigatorMismatchError reports a routine no registered navigator can
// interpret. Runs are never created for such routines.
type NavigatorMismatchError struct {
	RoutineID   string
	RoutineType string
	Err         error
}

// Error implements the error interface.
func (e *NavigatorMismatchError) Error() string {
	return fmt.Sprintf("routine %s: %v", e.RoutineID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *NavigatorMismatchError) Unwrap() error {
	return e.Err
}

// StepExecutionError wraps a failure reported by the step executor.
type StepExecutionError struct {
	RunID    string
	StepID   string
	Location navigator.Location
	Err      error
}

// Error implements the error interface.
func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("run %s: step %s at %s: %v", e.RunID, e.StepID, e.Location, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// Resource limits.
const (
	LimitSteps = "steps"
	LimitTime  = "time"
	LimitDepth = "depth"
	LimitCost  = "cost"
)

// ResourceLimitError describes the limit a run hit.
type ResourceLimitError struct {
	RunID string
	// Limit is one of LimitSteps, LimitTime, LimitDepth or LimitCost.
	Limit string
	Used  float64
	Max   float64
}

// Error implements the error interface.
func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("run %s exceeded %s limit (%g of %g)", e.RunID, e.Limit, e.Used, e.Max)
}

// Unwrap returns ErrResourceLimitExceeded for errors.Is support.
func (e *ResourceLimitError) Unwrap() error {
	return ErrResourceLimitExceeded
}

// CheckpointRestoreError reports a failed recovery.
type CheckpointRestoreError struct {
	RunID string
	// Cause is the error that triggered recovery, if any.
	Cause error
	Err   error
}

// Error implements the error interface.
func (e *CheckpointRestoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("run %s: restore checkpoint after %q: %v", e.RunID, e.Cause, e.Err)
	}
	return fmt.Sprintf("run %s: restore checkpoint: %v", e.RunID, e.Err)
}

// Unwrap exposes both ErrCheckpointRestore and the underlying error.
func (e *CheckpointRestoreError) Unwrap() []error {
	return []error{ErrCheckpointRestore, e.Err}
}

// BranchError reports the failed branches of one divergence. Err joins one
// *branch.Error per failed branch.
type BranchError struct {
	RunID string
	Fork  navigator.Location
	Err   error
}

// Error implements the error interface.
func (e *BranchError) Error() string {
	return fmt.Sprintf("run %s: branches from %s failed: %v", e.RunID, e.Fork, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *BranchError) Unwrap() error {
	return e.Err
}

// PanicError captures a panic raised by the step executor or the run loop.
type PanicError struct {
	StepID string
	Value  any
	Stack  string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	if e.StepID == "" {
		return fmt.Sprintf("run loop panicked: %v", e.Value)
	}
	return fmt.Sprintf("step %s panicked: %v", e.StepID, e.Value)
}

// Package statestore persists run records, step executions, run contexts and
// checkpoints.
//
// Two implementations are provided:
//   - MemoryStore: process-local, for tests and single-shot runs
//   - SQLStore: database/sql backed, with sqlite, mysql and postgres dialects
//
// Both satisfy runctx.Store and checkpoint.Store, so a single store can back
// the context manager, the checkpoint manager and the engine at once.
package statestore

import (
	"context"

	"github.com/randalmurphal/runengine/pkg/runengine/checkpoint"
	"github.com/randalmurphal/runengine/pkg/runengine/run"
	"github.com/randalmurphal/runengine/pkg/runengine/runctx"
)

// Store is the full persistence contract of the run engine.
type Store interface {
	// CreateRun inserts a new run record. The run's context is not stored
	// here; it goes through SaveContext.
	CreateRun(ctx context.Context, r *run.Run) error

	// UpdateRunState records a state change. errMsg is kept for failed runs
	// and cleared otherwise. Returns run.ErrNotFound for unknown runs.
	UpdateRunState(ctx context.Context, runID string, state run.State, errMsg string) error

	// RecordStepExecution appends one step outcome to the run's history.
	RecordStepExecution(ctx context.Context, exec run.StepExecution) error

	// GetRun returns the persisted run record without its context.
	// Returns run.ErrNotFound for unknown runs.
	GetRun(ctx context.Context, runID string) (*run.Run, error)

	// ListSteps returns the step history of a run in recording order.
	ListSteps(ctx context.Context, runID string) ([]run.StepExecution, error)

	runctx.Store
	checkpoint.Store

	// Close releases resources. Further calls fail with
	// checkpoint.ErrStoreClosed.
	Close() error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)

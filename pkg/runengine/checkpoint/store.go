// Package checkpoint snapshots run state so long executions survive crashes
// and failed steps.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// Store persists serialized checkpoints.
// Implementations must be safe for concurrent use.
type Store interface {
	// SaveCheckpoint stores the checkpoint with the given sequence number.
	// Saving an existing (runID, sequence) pair overwrites it.
	SaveCheckpoint(ctx context.Context, runID string, sequence int, data []byte) error

	// LatestCheckpoint returns the checkpoint with the highest sequence.
	// Returns ErrNotFound if the run has none.
	LatestCheckpoint(ctx context.Context, runID string) ([]byte, error)

	// LoadCheckpoint returns one checkpoint by sequence.
	// Returns ErrNotFound if it does not exist.
	LoadCheckpoint(ctx context.Context, runID string, sequence int) ([]byte, error)

	// ListCheckpoints returns metadata for a run's checkpoints ordered by
	// sequence. A run without checkpoints yields an empty slice.
	ListCheckpoints(ctx context.Context, runID string) ([]Info, error)

	// DeleteCheckpoints removes every checkpoint of a run.
	DeleteCheckpoints(ctx context.Context, runID string) error
}

// Info describes a stored checkpoint without loading it.
type Info struct {
	RunID     string
	Sequence  int
	Timestamp time.Time
	Size      int64
}

// Sentinel errors for checkpoint operations.
var (
	// ErrNotFound indicates a checkpoint doesn't exist.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("checkpoint store closed")

	// ErrVersionMismatch indicates a checkpoint written by an incompatible format.
	ErrVersionMismatch = errors.New("checkpoint version mismatch")
)

package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/randalmurphal/runengine/pkg/runengine/run"
	"github.com/randalmurphal/runengine/pkg/runengine/runctx"
)

// Version is the current checkpoint format version.
// Increment when making breaking changes to checkpoint structure.
const Version = 1

// Checkpoint is an immutable snapshot of a run at one instant.
type Checkpoint struct {
	Version   int       `json:"version"`
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Sequence  int       `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`

	State    run.State       `json:"state"`
	Progress run.Progress    `json:"progress"`
	Context  *runctx.Context `json:"context"`
}

// New snapshots state, progress and ctx. The inputs are deep-copied.
func New(runID string, sequence int, ts time.Time, state run.State, progress run.Progress, ctx *runctx.Context) *Checkpoint {
	if ctx == nil {
		ctx = runctx.New(nil)
	}
	return &Checkpoint{
		Version:   Version,
		ID:        uuid.NewString(),
		RunID:     runID,
		Sequence:  sequence,
		Timestamp: ts.UTC(),
		State:     state,
		Progress:  progress.Clone(),
		Context:   ctx.Clone(),
	}
}

// Marshal serializes a checkpoint to JSON.
func (c *Checkpoint) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal deserializes a checkpoint from JSON and checks its version.
func Unmarshal(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if c.Version != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, c.Version, Version)
	}
	if c.Context == nil {
		c.Context = runctx.New(nil)
	}
	return &c, nil
}

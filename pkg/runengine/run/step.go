package run

import (
	"errors"
	"time"

	"github.com/randalmurphal/runengine/pkg/runengine/navigator"
)

// Store errors.
var (
	// ErrNotFound is returned by stores when no record exists for a run id.
	ErrNotFound = errors.New("run not found")

	// ErrExists is returned by stores asked to create a run id twice.
	ErrExists = errors.New("run already exists")
)

// StepStatus is the outcome of one step visit.
type StepStatus string

// Step outcomes.
const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepExecution is the persisted record of one visited location.
type StepExecution struct {
	RunID      string             `json:"run_id"`
	StepID     string             `json:"step_id"`
	Location   navigator.Location `json:"location"`
	BranchID   string             `json:"branch_id,omitempty"`
	Status     StepStatus         `json:"status"`
	Outputs    map[string]any     `json:"outputs,omitempty"`
	Error      string             `json:"error,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}

// Duration returns how long the step took.
func (s StepExecution) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

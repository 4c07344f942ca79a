package run

import (
	"maps"
	"slices"
	"time"

	"github.com/randalmurphal/runengine/pkg/runengine/navigator"
	"github.com/randalmurphal/runengine/pkg/runengine/runctx"
)

// BranchStatus is the state of one parallel branch.
type BranchStatus string

// Branch statuses.
const (
	BranchPending   BranchStatus = "pending"
	BranchRunning   BranchStatus = "running"
	BranchCompleted BranchStatus = "completed"
	BranchFailed    BranchStatus = "failed"
	BranchStopped   BranchStatus = "stopped"
)

// BranchRecord is the progress view of an active branch.
type BranchRecord struct {
	ID             string             `json:"id"`
	Location       navigator.Location `json:"location"`
	Status         BranchStatus       `json:"status"`
	CompletedSteps int                `json:"completed_steps"`
	FailedSteps    int                `json:"failed_steps"`
	SkippedSteps   int                `json:"skipped_steps"`
}

// Progress tracks what a run has done so far.
type Progress struct {
	TotalSteps     int `json:"total_steps"`
	CompletedSteps int `json:"completed_steps"`
	FailedSteps    int `json:"failed_steps"`
	SkippedSteps   int `json:"skipped_steps"`

	CurrentLocation navigator.Location `json:"current_location"`
	// LocationStack holds one fork location per open divergence, outermost
	// first.
	LocationStack  []navigator.Location `json:"location_stack,omitempty"`
	ActiveBranches []BranchRecord       `json:"active_branches,omitempty"`
	// PendingLocation is a convergence location the branches of a
	// divergence reached after the run stopped running. It executes next.
	PendingLocation navigator.Location `json:"pending_location,omitzero"`
}

// Visited returns the number of locations the run has processed.
func (p Progress) Visited() int {
	return p.CompletedSteps + p.FailedSteps + p.SkippedSteps
}

// Depth returns the number of open divergences.
func (p Progress) Depth() int {
	return len(p.LocationStack)
}

// Clone returns a copy sharing no memory with p.
func (p Progress) Clone() Progress {
	out := p
	out.CurrentLocation = p.CurrentLocation.Clone()
	out.PendingLocation = p.PendingLocation.Clone()
	if p.LocationStack != nil {
		out.LocationStack = make([]navigator.Location, len(p.LocationStack))
		for i, loc := range p.LocationStack {
			out.LocationStack[i] = loc.Clone()
		}
	}
	out.ActiveBranches = slices.Clone(p.ActiveBranches)
	for i := range out.ActiveBranches {
		out.ActiveBranches[i].Location = out.ActiveBranches[i].Location.Clone()
	}
	return out
}

// Counts is a delta of step outcomes.
type Counts struct {
	Completed int
	Failed    int
	Skipped   int
}

// Total returns the number of steps in the delta.
func (c Counts) Total() int {
	return c.Completed + c.Failed + c.Skipped
}

// Add folds a delta into the progress counters.
func (p *Progress) Add(c Counts) {
	p.CompletedSteps += c.Completed
	p.FailedSteps += c.Failed
	p.SkippedSteps += c.Skipped
	p.TotalSteps += c.Total()
}

// Run is one execution attempt of a routine.
type Run struct {
	ID          string            `json:"id"`
	RoutineID   string            `json:"routine_id"`
	RoutineType string            `json:"routine_type"`
	State       State             `json:"state"`
	Config      Config            `json:"config"`
	Progress    Progress          `json:"progress"`
	Context     *runctx.Context   `json:"context"`
	Inputs      map[string]any    `json:"inputs,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	StartedAt   time.Time         `json:"started_at,omitzero"`
	CompletedAt time.Time         `json:"completed_at,omitzero"`
	Error       string            `json:"error,omitempty"`
}

// Transition moves the run to next if the lifecycle allows it.
func (r *Run) Transition(next State) error {
	if err := ValidateTransition(r.State, next); err != nil {
		return err
	}
	r.State = next
	return nil
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.Progress = r.Progress.Clone()
	out.Context = r.Context.Clone()
	out.Inputs = maps.Clone(r.Inputs)
	out.Metadata = maps.Clone(r.Metadata)
	return &out
}

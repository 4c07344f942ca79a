// Package branch runs the parallel branches a run splits into when a
// location has more than one successor, and merges their contexts back.
//
// Each branch owns a forked copy of the parent context and walks the routine
// on its own until it reaches the convergence location, a dead end or a
// failure. Branches never share state; the parent context only changes in
// Merge, after every branch of a divergence has finished.
package branch

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/runengine/pkg/runengine/navigator"
	"github.com/randalmurphal/runengine/pkg/runengine/run"
	"github.com/randalmurphal/runengine/pkg/runengine/runctx"
)

// Sentinel errors.
var (
	// ErrBudgetExhausted indicates the run's step budget ran out while a
	// branch still had work.
	ErrBudgetExhausted = errors.New("step budget exhausted")

	// ErrDepthExceeded indicates a branch diverged deeper than the run's
	// maximum nesting depth.
	ErrDepthExceeded = errors.New("max branch depth exceeded")

	// ErrStopped indicates the run left the running state while a branch
	// was between steps.
	ErrStopped = errors.New("branch stopped")

	// ErrPanic indicates a branch's step panicked.
	ErrPanic = errors.New("branch panicked")
)

// Branch is one parallel line of execution.
type Branch struct {
	ID    string
	RunID string
	// Location is the first location the branch executes.
	Location navigator.Location
	// Context is the branch's private copy of the run context.
	Context *runctx.Context

	Status    run.BranchStatus
	Completed int
	Failed    int
	Skipped   int

	// Final is the last location the branch executed. It stays zero when
	// the branch started on the convergence location.
	Final navigator.Location
	Err   error

	StartedAt  time.Time
	FinishedAt time.Time

	// resume is the next location of a branch stopped between steps.
	resume navigator.Location
	// parked is a nested divergence the branch stopped inside.
	parked *fanOut
	// slot reports whether the branch holds a concurrency slot.
	slot bool
}

// fanOut is a divergence opened inside a branch.
type fanOut struct {
	fork     navigator.Location
	next     []navigator.Location
	children []*Branch
}

// Resumable reports whether the branch stopped early at a point it can
// continue from when executed again.
func (b *Branch) Resumable() bool {
	return b.Err != nil && (!b.resume.IsZero() || b.parked != nil)
}

// Counts returns the branch's step outcomes.
func (b *Branch) Counts() run.Counts {
	return run.Counts{Completed: b.Completed, Failed: b.Failed, Skipped: b.Skipped}
}

// Record returns the progress view of the branch.
func (b *Branch) Record() run.BranchRecord {
	loc := b.Location
	if !b.Final.IsZero() {
		loc = b.Final
	}
	return run.BranchRecord{
		ID:             b.ID,
		Location:       loc.Clone(),
		Status:         b.Status,
		CompletedSteps: b.Completed,
		FailedSteps:    b.Failed,
		SkippedSteps:   b.Skipped,
	}
}

func (b *Branch) count(status run.StepStatus) {
	switch status {
	case run.StepCompleted:
		b.Completed++
	case run.StepFailed:
		b.Failed++
	case run.StepSkipped:
		b.Skipped++
	}
}

func (b *Branch) absorb(c run.Counts) {
	b.Completed += c.Completed
	b.Failed += c.Failed
	b.Skipped += c.Skipped
}

// Error is the failure of a single branch.
type Error struct {
	BranchID string
	Location navigator.Location
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("branch %s at %s: %v", e.BranchID, e.Location, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Budget is a step allowance shared by every branch of a run. A nil Budget
// never runs out.
type Budget struct {
	remaining atomic.Int64
}

// NewBudget returns a budget allowing n more steps.
func NewBudget(n int) *Budget {
	b := &Budget{}
	b.remaining.Store(int64(max(n, 0)))
	return b
}

// Reserve takes one step from the budget. It returns false once the budget
// is spent.
func (b *Budget) Reserve() bool {
	if b == nil {
		return true
	}
	for {
		cur := b.remaining.Load()
		if cur <= 0 {
			return false
		}
		if b.remaining.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// Remaining returns the number of steps left.
func (b *Budget) Remaining() int {
	if b == nil {
		return -1
	}
	return int(b.remaining.Load())
}

// Result holds the branches of one divergence after they ran, in creation
// order.
type Result struct {
	Branches []*Branch
}

// Counts sums the step outcomes of every branch.
func (r Result) Counts() run.Counts {
	var c run.Counts
	for _, b := range r.Branches {
		c.Completed += b.Completed
		c.Failed += b.Failed
		c.Skipped += b.Skipped
	}
	return c
}

// Err joins the failures of every branch into one error. Each failure is a
// *Error.
func (r Result) Err() error {
	var errs []error
	for _, b := range r.Branches {
		if b.Err != nil {
			errs = append(errs, &Error{BranchID: b.ID, Location: b.Location, Err: b.Err})
		}
	}
	return errors.Join(errs...)
}

// Resumable reports whether at least one branch stopped early and every
// branch either finished or can continue. Executing the same branches again
// then only does the remaining work.
func (r Result) Resumable() bool {
	stopped := false
	for _, b := range r.Branches {
		if b.Err == nil {
			continue
		}
		if !b.Resumable() {
			return false
		}
		stopped = true
	}
	return stopped
}

// Final returns the last location executed by the last branch that
// executed anything.
func (r Result) Final() (navigator.Location, bool) {
	for i := len(r.Branches) - 1; i >= 0; i-- {
		if f := r.Branches[i].Final; !f.IsZero() {
			return f, true
		}
	}
	return navigator.Location{}, false
}

// Merge folds the contexts of branches into parent in branch order and
// returns the merged context. Keys written by several branches go through
// rule, last writer wins when it is nil. parent is not modified.
func Merge(parent *runctx.Context, branches []*Branch, rule runctx.MergeRule) *runctx.Context {
	return MergeInto(parent, parent, branches, rule)
}

// MergeInto folds the contexts of branches forked from origin into base.
// See runctx.MergeInto.
func MergeInto(base, origin *runctx.Context, branches []*Branch, rule runctx.MergeRule) *runctx.Context {
	children := make([]*runctx.Context, 0, len(branches))
	for _, b := range branches {
		children = append(children, b.Context)
	}
	return runctx.MergeInto(base, origin, children, rule)
}

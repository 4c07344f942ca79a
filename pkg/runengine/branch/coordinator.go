package branch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/randalmurphal/runengine/pkg/runengine/navigator"
	"github.com/randalmurphal/runengine/pkg/runengine/observability"
	"github.com/randalmurphal/runengine/pkg/runengine/run"
	"github.com/randalmurphal/runengine/pkg/runengine/runctx"
)

// Stepper executes one location on behalf of a branch. It reads and writes
// variables through b.Context and reports the outcome. A non-nil error ends
// the branch; failures the run tolerates come back as StepFailed with a nil
// error.
type Stepper interface {
	Step(ctx context.Context, b *Branch, loc navigator.Location) (run.StepStatus, error)
}

// StepperFunc adapts a function to the Stepper interface.
type StepperFunc func(ctx context.Context, b *Branch, loc navigator.Location) (run.StepStatus, error)

// Step implements Stepper.
func (f StepperFunc) Step(ctx context.Context, b *Branch, loc navigator.Location) (run.StepStatus, error) {
	return f(ctx, b, loc)
}

// Orderer ranks locations. Sequential branches run in the order it returns.
type Orderer interface {
	Order(locs []navigator.Location) []navigator.Location
}

// Plan describes how the branches of one divergence run.
type Plan struct {
	RunID     string
	Navigator navigator.Bound
	Stepper   Stepper

	Parallel bool
	// MaxConcurrent caps the branches executing steps at once, nested
	// divergences included. Zero starts every branch at once.
	MaxConcurrent int

	// Join is where the branches converge. Branches stop before executing
	// it. Nil lets branches run to the end of the routine.
	Join *navigator.Location

	// Depth is the number of open divergences including this one.
	Depth    int
	MaxDepth int

	Budget    *Budget
	MergeRule runctx.MergeRule

	// Stopped is polled between steps. Returning true ends every branch
	// with ErrStopped.
	Stopped func() bool

	// OnChange receives a branch's record whenever its status or counters
	// change. It is called from branch goroutines.
	OnChange func(run.BranchRecord)

	slots *semaphore.Weighted
}

func (p Plan) interrupted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.Stopped != nil && p.Stopped() {
		return ErrStopped
	}
	return nil
}

func (p Plan) notify(b *Branch) {
	if p.OnChange != nil {
		p.OnChange(b.Record())
	}
}

// Coordinator creates, runs and merges branches. It holds no per-run state
// and may serve many runs at once.
type Coordinator struct {
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	orderer Orderer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithOrderer sets the ranking used for sequential branches.
func WithOrderer(o Orderer) Option {
	return func(c *Coordinator) {
		c.orderer = o
	}
}

// NewCoordinator creates a coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateBranches returns one pending branch per location. Each branch gets
// a fork of parent with a new scope named after the branch.
func (c *Coordinator) CreateBranches(runID string, locs []navigator.Location, parent *runctx.Context) []*Branch {
	return createBranches(runID, "", locs, parent)
}

func createBranches(runID, prefix string, locs []navigator.Location, parent *runctx.Context) []*Branch {
	if parent == nil {
		parent = runctx.New(nil)
	}
	branches := make([]*Branch, len(locs))
	for i, loc := range locs {
		id := prefix + strconv.Itoa(i) + ":" + loc.Key()
		branches[i] = &Branch{
			ID:       id,
			RunID:    runID,
			Location: loc.Clone(),
			Context:  parent.Fork("branch:" + id),
			Status:   run.BranchPending,
		}
	}
	return branches
}

// Execute runs branches to completion under plan and returns them with
// their counters, contexts and errors filled in. A failing branch never
// stops its siblings.
//
// Branches from an earlier Result may be executed again: completed ones are
// left alone and resumable ones continue where they stopped. Counters only
// reflect the work of this call.
func (c *Coordinator) Execute(ctx context.Context, plan Plan, branches []*Branch) Result {
	pending := make([]*Branch, 0, len(branches))
	for _, b := range branches {
		b.Completed, b.Failed, b.Skipped = 0, 0, 0
		if b.Status == run.BranchCompleted {
			continue
		}
		b.Err = nil
		pending = append(pending, b)
	}
	c.metrics.RecordBranches(ctx, len(pending), plan.Parallel)
	observability.LogBranches(c.logger, plan.RunID, len(pending), plan.Parallel)

	if plan.Parallel {
		if plan.MaxConcurrent > 0 && plan.slots == nil {
			plan.slots = semaphore.NewWeighted(int64(plan.MaxConcurrent))
		}
		var g errgroup.Group
		for _, b := range pending {
			g.Go(func() error {
				c.runInSlot(ctx, plan, b)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for _, b := range c.order(pending) {
			c.run(ctx, plan, b)
		}
	}
	return Result{Branches: branches}
}

// runInSlot runs b once it holds one of the plan's concurrency slots.
func (c *Coordinator) runInSlot(ctx context.Context, plan Plan, b *Branch) {
	if plan.slots != nil && plan.slots.Acquire(ctx, 1) == nil {
		b.slot = true
		defer releaseSlot(plan, b)
	}
	c.run(ctx, plan, b)
}

func releaseSlot(plan Plan, b *Branch) {
	if b.slot {
		b.slot = false
		plan.slots.Release(1)
	}
}

// order sorts branches by the orderer's ranking of their locations.
func (c *Coordinator) order(branches []*Branch) []*Branch {
	if c.orderer == nil || len(branches) < 2 {
		return branches
	}
	locs := make([]navigator.Location, len(branches))
	byKey := make(map[string][]*Branch, len(branches))
	for i, b := range branches {
		locs[i] = b.Location
		byKey[b.Location.Key()] = append(byKey[b.Location.Key()], b)
	}

	out := make([]*Branch, 0, len(branches))
	for _, loc := range c.orderer.Order(locs) {
		queue := byKey[loc.Key()]
		if len(queue) == 0 {
			continue
		}
		out = append(out, queue[0])
		byKey[loc.Key()] = queue[1:]
	}
	// Anything the orderer dropped runs last, in creation order.
	for _, b := range branches {
		if queue := byKey[b.Location.Key()]; len(queue) > 0 && queue[0] == b {
			out = append(out, b)
			byKey[b.Location.Key()] = queue[1:]
		}
	}
	return out
}

func (c *Coordinator) run(ctx context.Context, plan Plan, b *Branch) {
	b.StartedAt = time.Now()
	b.Status = run.BranchRunning
	plan.notify(b)

	defer func() {
		if r := recover(); r != nil {
			b.Err = fmt.Errorf("%w: %v", ErrPanic, r)
			b.resume = navigator.Location{}
			b.parked = nil
		}
		b.FinishedAt = time.Now()
		switch {
		case b.Err == nil:
			b.Status = run.BranchCompleted
		case b.Resumable() || errors.Is(b.Err, ErrStopped) || ctx.Err() != nil:
			b.Status = run.BranchStopped
		default:
			b.Status = run.BranchFailed
			c.logger.Warn("branch failed",
				slog.String("run_id", b.RunID),
				slog.String("branch_id", b.ID),
				slog.String("error", b.Err.Error()),
			)
		}
		plan.notify(b)
	}()

	b.Err = c.walk(ctx, plan, b)
}

// walk is the branch's own loop. It executes locations until the join, a
// dead end, an end location or an error. A branch that stopped early picks
// up at its resume location or inside its parked divergence.
func (c *Coordinator) walk(ctx context.Context, plan Plan, b *Branch) error {
	loc := b.Location
	if !b.resume.IsZero() {
		loc, b.resume = b.resume, navigator.Location{}
	}
	if p := b.parked; p != nil {
		b.parked = nil
		join, err := c.diverge(ctx, plan, b, p)
		if err != nil || join == nil {
			return err
		}
		loc = *join
	}

	for {
		if plan.Join != nil && loc.Equal(*plan.Join) {
			return nil
		}
		if err := plan.interrupted(ctx); err != nil {
			b.resume = loc
			return err
		}
		if !plan.Budget.Reserve() {
			b.resume = loc
			return ErrBudgetExhausted
		}

		status, err := plan.Stepper.Step(ctx, b, loc)
		b.count(status)
		b.Final = loc
		plan.notify(b)
		if err != nil {
			return err
		}

		if plan.Navigator.IsEnd(loc) {
			return nil
		}
		next, err := plan.Navigator.Next(loc, b.Context.Variables())
		if err != nil {
			return fmt.Errorf("next locations after %s: %w", loc, err)
		}
		switch len(next) {
		case 0:
			return nil
		case 1:
			loc = next[0]
			continue
		}

		join, err := c.diverge(ctx, plan, b, &fanOut{fork: loc, next: next})
		if err != nil || join == nil {
			return err
		}
		loc = *join
	}
}

// diverge runs a divergence nested inside branch b and merges the result
// into b's context. It returns the location b continues from, or nil when
// b is finished. A divergence that stops early stays parked on b. The slot
// b holds is lent to the children while they run.
func (c *Coordinator) diverge(ctx context.Context, plan Plan, b *Branch, f *fanOut) (*navigator.Location, error) {
	if plan.MaxDepth > 0 && plan.Depth+1 > plan.MaxDepth {
		b.parked = f
		return nil, fmt.Errorf("%w: %d at %s", ErrDepthExceeded, plan.MaxDepth, f.fork)
	}

	nested := plan
	nested.Depth++
	own := false
	if join, ok := plan.Navigator.Join(f.fork, f.next); ok {
		nested.Join = &join
		own = plan.Join == nil || !join.Equal(*plan.Join)
	}
	if f.children == nil {
		f.children = createBranches(b.RunID, b.ID+"/", f.next, b.Context)
	}

	held := b.slot
	releaseSlot(plan, b)
	res := c.Execute(ctx, nested, f.children)
	if held && plan.slots.Acquire(ctx, 1) == nil {
		b.slot = true
	}

	b.absorb(res.Counts())
	if final, ok := res.Final(); ok {
		b.Final = final
	}
	if err := res.Err(); err != nil {
		if res.Resumable() {
			b.parked = f
		}
		plan.notify(b)
		return nil, err
	}
	b.Context = Merge(b.Context, f.children, plan.MergeRule)
	plan.notify(b)

	if !own {
		return nil, nil
	}
	return nested.Join, nil
}

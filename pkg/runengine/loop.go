package runengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"

	"github.com/randalmurphal/runengine/pkg/runengine/branch"
	"github.com/randalmurphal/runengine/pkg/runengine/navigator"
	"github.com/randalmurphal/runengine/pkg/runengine/observability"
	"github.com/randalmurphal/runengine/pkg/runengine/run"
	"github.com/randalmurphal/runengine/pkg/runengine/runctx"
)

// loop drives one RUNNING stretch of a run. It waits for the loop of the
// previous stretch to exit first, so a run never has two loops stepping it.
func (e *Engine) loop(ar *activeRun, h loopHandle) {
	defer e.wg.Done()
	defer close(h.done)
	defer e.loopExited(ar)
	if h.prev != nil {
		<-h.prev
	}

	ctx, span := e.spans.StartRunSpan(e.baseCtx, ar.routineID, ar.id)
	var loopErr error
	defer func() {
		e.spans.EndSpanWithError(span, loopErr)
	}()
	defer func() {
		if r := recover(); r != nil {
			loopErr = &PanicError{Value: r, Stack: string(debug.Stack())}
			e.fail(ctx, ar, h.gen, loopErr)
		}
	}()

	for ar.current(h.gen) {
		err := e.iterate(ctx, ar, h.gen)
		if err == nil {
			continue
		}
		if !ar.current(h.gen) || ctx.Err() != nil {
			return
		}
		if rerr := e.retryFromCheckpoint(ctx, ar, h.gen, err); rerr != nil {
			loopErr = rerr
			e.fail(ctx, ar, h.gen, rerr)
			return
		}
	}
}

// iterate runs one pass of the loop: pending signals, limits, checkpoint,
// end detection and then a step or a divergence.
func (e *Engine) iterate(ctx context.Context, ar *activeRun, gen uint64) error {
	e.deliver(ctx, ar)
	if !ar.current(gen) {
		return nil
	}
	if lim := e.exceededLimit(ar); lim != nil {
		e.suspend(ctx, ar, gen, lim)
		return nil
	}
	e.checkpoint(ctx, ar)

	ar.mu.Lock()
	loc := ar.run.Progress.CurrentLocation
	pending := ar.run.Progress.PendingLocation
	cfg := ar.run.Config
	visited := ar.run.Progress.Visited()
	ar.mu.Unlock()

	if !pending.IsZero() {
		if visited >= cfg.MaxSteps {
			e.suspend(ctx, ar, gen, stepLimit(ar.id, visited, cfg))
			return nil
		}
		return e.stepMain(ctx, ar, cfg, pending)
	}
	if ar.nav.IsEnd(loc) {
		e.finish(ctx, ar, gen, run.StateCompleted, nil, nil)
		return nil
	}
	next, err := ar.nav.Next(loc, e.contexts.Variables(ar.id))
	if err != nil {
		return fmt.Errorf("next locations after %s: %w", loc, err)
	}
	if len(next) == 0 {
		e.finish(ctx, ar, gen, run.StateCompleted, nil, nil)
		return nil
	}
	if visited >= cfg.MaxSteps {
		e.suspend(ctx, ar, gen, stepLimit(ar.id, visited, cfg))
		return nil
	}

	if len(next) == 1 {
		return e.stepMain(ctx, ar, cfg, next[0])
	}
	return e.diverge(ctx, ar, gen, cfg, loc, next)
}

func stepLimit(runID string, visited int, cfg run.Config) *ResourceLimitError {
	return &ResourceLimitError{
		RunID: runID,
		Limit: LimitSteps,
		Used:  float64(visited),
		Max:   float64(cfg.MaxSteps),
	}
}

// exceededLimit checks the time and cost limits. Steps are checked once the
// loop knows there is another location to visit, depth when a divergence
// opens.
func (e *Engine) exceededLimit(ar *activeRun) *ResourceLimitError {
	ar.mu.Lock()
	cfg := ar.run.Config
	elapsed := ar.runTime + e.now().Sub(ar.resumedAt)
	ar.mu.Unlock()

	if elapsed >= cfg.MaxTime {
		return &ResourceLimitError{
			RunID: ar.id,
			Limit: LimitTime,
			Used:  elapsed.Seconds(),
			Max:   cfg.MaxTime.Seconds(),
		}
	}
	if cfg.MaxCost > 0 && e.cost != nil {
		if spent := e.cost.Cost(ar.id); spent >= cfg.MaxCost {
			return &ResourceLimitError{RunID: ar.id, Limit: LimitCost, Used: spent, Max: cfg.MaxCost}
		}
	}
	return nil
}

func (e *Engine) suspend(ctx context.Context, ar *activeRun, gen uint64, lim *ResourceLimitError) {
	e.logger.Warn("run suspended",
		slog.String("run_id", ar.id),
		slog.String("limit", lim.Limit),
		slog.Float64("used", lim.Used),
		slog.Float64("max", lim.Max),
	)
	e.finish(ctx, ar, gen, run.StateSuspended, lim, map[string]any{
		"reason": lim.Error(),
		"limit":  lim.Limit,
	})
}

func (e *Engine) fail(ctx context.Context, ar *activeRun, gen uint64, err error) {
	ar.mu.Lock()
	loc := ar.run.Progress.CurrentLocation
	ar.mu.Unlock()
	observability.LogRunError(e.logger, ar.id, err, loc.Key())
	e.finish(ctx, ar, gen, run.StateFailed, err, nil)
}

// checkpoint snapshots the run when its interval has passed. The first
// pass of a run's first loop always checkpoints. Failures are logged and the
// run carries on.
func (e *Engine) checkpoint(ctx context.Context, ar *activeRun) {
	ar.mu.Lock()
	interval := ar.run.Config.CheckpointInterval
	ar.mu.Unlock()
	if !e.checkpoints.Due(ar.id, interval) {
		return
	}

	live, ok := e.contexts.Snapshot(ar.id)
	if !ok {
		return
	}
	ar.mu.Lock()
	snap := ar.run.Clone()
	ar.mu.Unlock()

	cp, err := e.checkpoints.Create(ctx, snap, live)
	if err != nil {
		observability.LogCheckpointError(e.logger, ar.id, "create", err)
		return
	}
	observability.LogCheckpoint(e.logger, ar.id, cp.Sequence)
	e.metrics.RecordCheckpoint(ctx, ar.id, cp.Sequence)
}

// parkedDivergence is a divergence the run stopped in before every branch
// finished. Entering the same fork again continues these branches instead
// of starting over.
type parkedDivergence struct {
	fork     navigator.Location
	origin   *runctx.Context
	branches []*branch.Branch
}

// diverge fans the run out into one branch per location, merges the
// branches back and continues at their join. Without a join the run
// completes after the merge.
func (e *Engine) diverge(ctx context.Context, ar *activeRun, gen uint64, cfg run.Config, fork navigator.Location, next []navigator.Location) error {
	ar.mu.Lock()
	ar.run.Progress.LocationStack = append(ar.run.Progress.LocationStack, fork.Clone())
	depth := ar.run.Progress.Depth()
	visited := ar.run.Progress.Visited()
	parked := ar.parked
	ar.parked = nil
	ar.mu.Unlock()

	if depth > cfg.MaxDepth {
		e.closeDivergence(ar, run.Counts{})
		e.suspend(ctx, ar, gen, &ResourceLimitError{
			RunID: ar.id,
			Limit: LimitDepth,
			Used:  float64(depth),
			Max:   float64(cfg.MaxDepth),
		})
		return nil
	}

	parent, ok := e.contexts.Snapshot(ar.id)
	if !ok {
		e.closeDivergence(ar, run.Counts{})
		return fmt.Errorf("fork %s: no context for run %s", fork, ar.id)
	}

	join, hasJoin := ar.nav.Join(fork, next)
	budget := cfg.MaxSteps - visited
	plan := branch.Plan{
		RunID:         ar.id,
		Navigator:     ar.nav,
		Stepper:       e.branchStepper(ar, cfg),
		Parallel:      cfg.Parallelization,
		MaxConcurrent: cfg.MaxConcurrentBranches,
		Depth:         depth,
		MaxDepth:      cfg.MaxDepth,
		MergeRule:     e.mergeRule,
		Stopped: func() bool {
			return !ar.current(gen)
		},
		OnChange: ar.trackBranch,
	}
	if hasJoin {
		plan.Join = &join
		budget--
	}
	plan.Budget = branch.NewBudget(budget)

	div := parkedDivergence{fork: fork.Clone(), origin: parent}
	if parked != nil && parked.fork.Equal(fork) {
		div.origin, div.branches = parked.origin, parked.branches
	} else {
		div.branches = e.coordinator.CreateBranches(ar.id, next, parent)
	}
	res := e.coordinator.Execute(ctx, plan, div.branches)
	e.closeDivergence(ar, res.Counts())

	if !ar.current(gen) {
		return e.settleDivergence(ctx, ar, div, res, parent, join, hasJoin)
	}
	if err := res.Err(); err != nil {
		limit, failed := classifyBranches(res)
		if !failed && res.Resumable() {
			e.park(ar, div)
		}
		switch {
		case failed:
			return &BranchError{RunID: ar.id, Fork: fork, Err: err}
		case limit == LimitSteps:
			ar.mu.Lock()
			used := ar.run.Progress.Visited()
			ar.mu.Unlock()
			e.suspend(ctx, ar, gen, stepLimit(ar.id, used, cfg))
			return nil
		case limit == LimitDepth:
			e.suspend(ctx, ar, gen, &ResourceLimitError{
				RunID: ar.id, Limit: LimitDepth, Used: float64(cfg.MaxDepth + 1), Max: float64(cfg.MaxDepth),
			})
			return nil
		}
		return err
	}

	if err := e.mergeBranches(ctx, ar, div, res, parent); err != nil {
		return err
	}
	if hasJoin {
		return e.stepMain(ctx, ar, cfg, join)
	}
	e.advanceTo(ar, res)
	e.finish(ctx, ar, gen, run.StateCompleted, nil, nil)
	return nil
}

// settleDivergence handles branches that returned after the run left
// RUNNING. Finished branches are merged and their join becomes the run's
// pending location; branches that stopped early are parked for the next
// loop. Failures are dropped, the divergence runs again on resume.
func (e *Engine) settleDivergence(ctx context.Context, ar *activeRun, div parkedDivergence, res branch.Result, parent *runctx.Context, join navigator.Location, hasJoin bool) error {
	if res.Err() != nil {
		if res.Resumable() {
			e.park(ar, div)
		}
		return nil
	}
	if err := e.mergeBranches(ctx, ar, div, res, parent); err != nil {
		return err
	}
	if hasJoin {
		ar.mu.Lock()
		ar.run.Progress.PendingLocation = join.Clone()
		ar.mu.Unlock()
		return nil
	}
	e.advanceTo(ar, res)
	return nil
}

func (e *Engine) park(ar *activeRun, div parkedDivergence) {
	ar.mu.Lock()
	ar.parked = &div
	ar.mu.Unlock()
}

// mergeBranches folds the branch contexts into the run's live context. The
// branches forked from div.origin; parent is the context they merge onto.
func (e *Engine) mergeBranches(ctx context.Context, ar *activeRun, div parkedDivergence, res branch.Result, parent *runctx.Context) error {
	merged := branch.MergeInto(parent, div.origin, res.Branches, e.mergeRule)
	if err := e.contexts.UpdateContext(ctx, ar.id, merged); err != nil {
		return fmt.Errorf("merge branches from %s: %w", div.fork, err)
	}
	return nil
}

// advanceTo moves the run to the last location its branches executed.
func (e *Engine) advanceTo(ar *activeRun, res branch.Result) {
	if final, ok := res.Final(); ok {
		ar.mu.Lock()
		ar.run.Progress.CurrentLocation = final.Clone()
		ar.mu.Unlock()
	}
}

// closeDivergence folds branch counters into the run and pops the fork.
func (e *Engine) closeDivergence(ar *activeRun, c run.Counts) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	p := &ar.run.Progress
	p.Add(c)
	if n := len(p.LocationStack); n > 0 {
		p.LocationStack = p.LocationStack[:n-1]
	}
	if len(p.LocationStack) == 0 {
		p.ActiveBranches = nil
	}
}

// trackBranch mirrors a branch record into the run's progress.
func (ar *activeRun) trackBranch(rec run.BranchRecord) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	records := ar.run.Progress.ActiveBranches
	if i := slices.IndexFunc(records, func(r run.BranchRecord) bool { return r.ID == rec.ID }); i >= 0 {
		records[i] = rec
		return
	}
	ar.run.Progress.ActiveBranches = append(records, rec)
}

// classifyBranches reports which limit stopped the branches, if any, and
// whether any branch failed for another reason.
func classifyBranches(res branch.Result) (limit string, failed bool) {
	for _, b := range res.Branches {
		switch {
		case b.Err == nil:
		case errors.Is(b.Err, branch.ErrBudgetExhausted):
			if limit == "" {
				limit = LimitSteps
			}
		case errors.Is(b.Err, branch.ErrDepthExceeded):
			if limit == "" {
				limit = LimitDepth
			}
		case errors.Is(b.Err, branch.ErrStopped):
		default:
			failed = true
		}
	}
	return limit, failed
}

package runengine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/runengine/pkg/runengine/event"
	"github.com/randalmurphal/runengine/pkg/runengine/executor"
	"github.com/randalmurphal/runengine/pkg/runengine/loader"
	"github.com/randalmurphal/runengine/pkg/runengine/navigator"
	"github.com/randalmurphal/runengine/pkg/runengine/navigator/graphnav"
	"github.com/randalmurphal/runengine/pkg/runengine/perf"
	"github.com/randalmurphal/runengine/pkg/runengine/permission"
	"github.com/randalmurphal/runengine/pkg/runengine/run"
	"github.com/randalmurphal/runengine/pkg/runengine/template"
)

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	reg := navigator.NewRegistry()
	ld := loader.NewMapLoader()
	exec := newStepRecorder()

	_, err := NewEngine(nil, reg, exec)
	assert.ErrorIs(t, err, ErrNoLoader)

	_, err = NewEngine(ld, nil, exec)
	assert.ErrorIs(t, err, ErrNoRegistry)

	_, err = NewEngine(ld, reg, nil)
	assert.ErrorIs(t, err, executor.ErrNoExecutor)

	_, err = NewEngine(ld, reg, exec, WithDefaults(run.Config{}))
	assert.ErrorIs(t, err, run.ErrInvalidConfig)
}

func TestCreateRun_Ready(t *testing.T) {
	h := newHarness(t, newStepRecorder())

	r := h.create(t, "linear", run.Overrides{MaxSteps: run.Ptr(50)})

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, run.StateReady, r.State)
	assert.Equal(t, "linear", r.RoutineID)
	assert.Equal(t, graphnav.Type, r.RoutineType)
	assert.Equal(t, 50, r.Config.MaxSteps)
	assert.Equal(t, run.DefaultMaxDepth, r.Config.MaxDepth)
	assert.Equal(t, "ada", variable(t, r, "requester"))
	assert.Equal(t, []string{r.ID}, h.engine.ActiveRuns())

	stored, err := h.store.GetRun(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StateReady, stored.State)

	_, err = h.engine.CreateRun(context.Background(), CreateParams{RoutineID: "linear", RunID: r.ID})
	assert.ErrorIs(t, err, ErrRunActive)
}

func TestCreateRun_InvalidOverrides(t *testing.T) {
	h := newHarness(t, newStepRecorder())

	_, err := h.engine.CreateRun(context.Background(), CreateParams{
		RoutineID: "linear",
		Overrides: run.Overrides{MaxSteps: run.Ptr(0)},
	})
	assert.ErrorIs(t, err, run.ErrInvalidConfig)
	assert.Empty(t, h.engine.ActiveRuns())
}

func TestCreateRun_UnknownRoutine(t *testing.T) {
	h := newHarness(t, newStepRecorder())

	_, err := h.engine.CreateRun(context.Background(), CreateParams{RoutineID: "missing"})
	assert.ErrorIs(t, err, loader.ErrNotFound)
}

func TestCreateRun_NavigatorMismatch(t *testing.T) {
	reg := navigator.NewRegistry()
	graphnav.Register(reg)
	bus := event.NewBus(event.DefaultBusConfig)
	defer bus.Close()
	events := subscribeEvents(t, bus)

	ld := loader.NewMapLoader(
		loader.Routine{ID: "odd", Type: "bpmn", Definition: "<process/>"},
		loader.Routine{ID: "broken", Type: graphnav.Type, Definition: "not a graph"},
	)
	e, err := NewEngine(ld, reg, newStepRecorder(), WithBus(bus), WithLogger(discardLogger()))
	require.NoError(t, err)
	defer e.Shutdown(context.Background())

	_, err = e.CreateRun(context.Background(), CreateParams{RoutineID: "odd"})
	var mismatch *NavigatorMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "odd", mismatch.RoutineID)
	assert.Equal(t, "bpmn", mismatch.RoutineType)
	assert.ErrorIs(t, err, navigator.ErrUnknownType)

	_, err = e.CreateRun(context.Background(), CreateParams{RoutineID: "broken"})
	require.ErrorAs(t, err, &mismatch)
	assert.ErrorIs(t, err, navigator.ErrMismatch)

	assert.Empty(t, e.ActiveRuns())
	require.Eventually(t, func() bool {
		return events.countType(event.RunFailed) == 2
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRun_LinearCompletes(t *testing.T) {
	steps := newStepRecorder()
	h := newHarness(t, steps)

	r := h.runToEnd(t, "linear", run.Overrides{})

	assert.Equal(t, run.StateCompleted, r.State)
	assert.Empty(t, r.Error)
	assert.Equal(t, []string{"a", "b", "c"}, steps.Calls())
	assert.Equal(t, 3, r.Progress.CompletedSteps)
	assert.Equal(t, 0, r.Progress.FailedSteps)
	assert.Equal(t, 0, r.Progress.SkippedSteps)
	assert.Equal(t, 3, r.Progress.TotalSteps)
	assert.Equal(t, "c", r.Progress.CurrentLocation.ID)
	assert.False(t, r.StartedAt.IsZero())
	assert.False(t, r.CompletedAt.IsZero())

	assert.Equal(t, true, variable(t, r, "a_done"))
	assert.Equal(t, true, variable(t, r, "c_done"))
	assert.Equal(t, true, steps.Seen("b")["a_done"], "later steps see earlier outputs")
	assert.Equal(t, "ada", steps.Seen("a")["requester"])

	recs, err := h.store.ListSteps(context.Background(), r.ID)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for _, rec := range recs {
		assert.Equal(t, run.StepCompleted, rec.Status)
	}

	stored, err := h.store.GetRun(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StateCompleted, stored.State)
	assert.Empty(t, h.engine.ActiveRuns())
}

func TestRun_EventSequence(t *testing.T) {
	h := newHarness(t, newStepRecorder())

	r := h.runToEnd(t, "linear", run.Overrides{})
	h.events.await(t, r.ID, event.RunCompleted)

	assert.Equal(t, []string{
		event.RunStarted, event.RunExecuting,
		event.StepStarted, event.StepCompleted,
		event.StepStarted, event.StepCompleted,
		event.StepStarted, event.StepCompleted,
		event.RunCompleted,
	}, h.events.types(r.ID))

	assert.Equal(t, 1, h.events.count(r.ID, event.RunStarted))
	evts := h.events.forRun(r.ID)
	assert.Equal(t, string(run.StateReady), evts[0].Metadata["state"])
	assert.Equal(t, string(run.StateRunning), evts[1].Metadata["state"])
	assert.Equal(t, "a", evts[2].StepID)
	last := evts[len(evts)-1]
	assert.EqualValues(t, 3, last.Metadata["completed_steps"])
}

func TestRun_BranchesMergeAtJoin(t *testing.T) {
	for _, parallel := range []bool{true, false} {
		name := "sequential"
		if parallel {
			name = "parallel"
		}
		t.Run(name, func(t *testing.T) {
			steps := newStepRecorder()
			h := newHarness(t, steps)

			r := h.runToEnd(t, "review", run.Overrides{Parallelization: run.Ptr(parallel)})

			require.Equal(t, run.StateCompleted, r.State, r.Error)
			assert.Equal(t, 4, r.Progress.CompletedSteps)
			assert.Equal(t, 4, r.Progress.TotalSteps)
			assert.Equal(t, "publish", r.Progress.CurrentLocation.ID)
			assert.Empty(t, r.Progress.LocationStack)
			assert.Empty(t, r.Progress.ActiveBranches)

			calls := steps.Calls()
			require.Len(t, calls, 4)
			assert.Equal(t, "draft", calls[0])
			assert.ElementsMatch(t, []string{"legal", "finance"}, calls[1:3])
			assert.Equal(t, "publish", calls[3])

			seen := steps.Seen("publish")
			assert.Equal(t, true, seen["legal_done"])
			assert.Equal(t, true, seen["finance_done"])
			assert.Equal(t, true, variable(t, r, "legal_done"))
			assert.Equal(t, true, variable(t, r, "publish_done"))

			recs, err := h.store.ListSteps(context.Background(), r.ID)
			require.NoError(t, err)
			branched := 0
			for _, rec := range recs {
				if rec.BranchID != "" {
					branched++
				}
			}
			assert.Equal(t, 2, branched)
		})
	}
}

func TestRun_PermissionDeniedSkipsEverything(t *testing.T) {
	steps := newStepRecorder()
	h := newHarness(t, steps, WithGate(permission.DenyAll))

	r := h.runToEnd(t, "linear", run.Overrides{})

	assert.Equal(t, run.StateCompleted, r.State)
	assert.Empty(t, steps.Calls())
	assert.Equal(t, 0, r.Progress.CompletedSteps)
	assert.Equal(t, 0, r.Progress.FailedSteps)
	assert.Equal(t, 3, r.Progress.SkippedSteps)

	h.events.await(t, r.ID, event.RunCompleted)
	assert.Equal(t, 3, h.events.count(r.ID, event.StepSkipped))
	assert.Zero(t, h.events.count(r.ID, event.StepStarted))
	for _, e := range h.events.forRun(r.ID) {
		if e.Type == event.StepSkipped {
			assert.Equal(t, "Permission denied", e.Metadata["reason"])
		}
	}

	recs, err := h.store.ListSteps(context.Background(), r.ID)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, run.StepSkipped, recs[0].Status)
}

func TestRun_PermissionPerStep(t *testing.T) {
	steps := newStepRecorder()
	h := newHarness(t, steps, WithGate(permission.StepList{Deny: []string{"b"}, Default: true}))

	r := h.runToEnd(t, "linear", run.Overrides{})

	assert.Equal(t, run.StateCompleted, r.State)
	assert.Equal(t, []string{"a", "c"}, steps.Calls())
	assert.Equal(t, 2, r.Progress.CompletedSteps)
	assert.Equal(t, 1, r.Progress.SkippedSteps)
	assert.Equal(t, "c", r.Progress.CurrentLocation.ID)
}

func TestRun_GateErrorSkips(t *testing.T) {
	steps := newStepRecorder()
	gate := permission.GateFunc(func(_ context.Context, _ string, stepID string, _ map[string]any) (bool, error) {
		if stepID == "a" {
			return true, errors.New("policy service unavailable")
		}
		return true, nil
	})
	h := newHarness(t, steps, WithGate(gate))

	r := h.runToEnd(t, "linear", run.Overrides{})

	assert.Equal(t, run.StateCompleted, r.State)
	assert.Equal(t, []string{"b", "c"}, steps.Calls())
	assert.Equal(t, 1, r.Progress.SkippedSteps)
}

func TestRun_StepLimitSuspendsAndResumes(t *testing.T) {
	steps := newStepRecorder()
	h := newHarness(t, steps)

	r := h.runToEnd(t, "linear", run.Overrides{MaxSteps: run.Ptr(1)})

	require.Equal(t, run.StateSuspended, r.State)
	assert.Equal(t, 1, r.Progress.CompletedSteps)
	h.events.await(t, r.ID, event.RunSuspended)
	for _, e := range h.events.forRun(r.ID) {
		if e.Type == event.RunSuspended {
			assert.Equal(t, LimitSteps, e.Metadata["limit"])
		}
	}

	err := h.engine.ResumeRun(context.Background(), r.ID)
	require.NoError(t, err)
	r = h.wait(t, r.ID)
	assert.Equal(t, run.StateSuspended, r.State, "resuming without raising the limit suspends again")

	require.NoError(t, h.engine.ResumeWith(context.Background(), r.ID, run.Overrides{MaxSteps: run.Ptr(10)}))
	r = h.wait(t, r.ID)
	assert.Equal(t, run.StateCompleted, r.State)
	assert.Equal(t, 3, r.Progress.CompletedSteps)
	assert.Equal(t, 10, r.Config.MaxSteps)
	assert.Equal(t, []string{"a", "b", "c"}, steps.Calls())
	h.events.await(t, r.ID, event.RunResumed)
}

func TestRun_FinishingAtStepLimitCompletes(t *testing.T) {
	h := newHarness(t, newStepRecorder())

	r := h.runToEnd(t, "linear", run.Overrides{MaxSteps: run.Ptr(3)})

	assert.Equal(t, run.StateCompleted, r.State)
	assert.Equal(t, 3, r.Progress.Visited())
}

func TestRun_BranchBudgetRespectsStepLimit(t *testing.T) {
	steps := newStepRecorder()
	h := newHarness(t, steps)

	r := h.runToEnd(t, "review", run.Overrides{MaxSteps: run.Ptr(3)})

	require.Equal(t, run.StateSuspended, r.State)
	assert.LessOrEqual(t, r.Progress.Visited(), 3)
	assert.Equal(t, 2, r.Progress.CompletedSteps)
	assert.Empty(t, r.Progress.LocationStack)

	require.NoError(t, h.engine.ResumeWith(context.Background(), r.ID, run.Overrides{MaxSteps: run.Ptr(20)}))
	r = h.wait(t, r.ID)
	assert.Equal(t, run.StateCompleted, r.State)
	assert.Equal(t, 4, r.Progress.CompletedSteps)
	assert.ElementsMatch(t, []string{"draft", "legal", "finance", "publish"}, steps.Calls(), "finished branches are not repeated")
	assert.Equal(t, true, variable(t, r, "legal_done"))
	assert.Equal(t, true, variable(t, r, "finance_done"))
	assert.Equal(t, true, variable(t, r, "publish_done"))
}

func TestRun_DepthLimitSuspends(t *testing.T) {
	h := newHarness(t, newStepRecorder())

	r := h.runToEnd(t, "nested", run.Overrides{MaxDepth: run.Ptr(1)})

	require.Equal(t, run.StateSuspended, r.State)
	assert.Empty(t, r.Progress.LocationStack)
	h.events.await(t, r.ID, event.RunSuspended)
	for _, e := range h.events.forRun(r.ID) {
		if e.Type == event.RunSuspended {
			assert.Equal(t, LimitDepth, e.Metadata["limit"])
		}
	}

	require.NoError(t, h.engine.ResumeWith(context.Background(), r.ID, run.Overrides{MaxDepth: run.Ptr(3)}))
	r = h.wait(t, r.ID)
	require.Equal(t, run.StateCompleted, r.State, r.Error)
	assert.Equal(t, true, variable(t, r, "a1_done"))
	assert.Equal(t, true, variable(t, r, "m_done"))
	assert.Equal(t, true, variable(t, r, "j_done"))
	assert.Equal(t, "j", r.Progress.CurrentLocation.ID)
}

func TestRun_TimeLimitSuspends(t *testing.T) {
	clock := newFakeClock()
	steps := newStepRecorder()
	steps.onStep = func(string) { clock.Advance(time.Minute) }
	h := newHarness(t, steps, WithClock(clock.Now))

	r := h.runToEnd(t, "linear", run.Overrides{MaxTime: run.Ptr(90 * time.Second)})

	require.Equal(t, run.StateSuspended, r.State)
	assert.Equal(t, 2, r.Progress.CompletedSteps)
	h.events.await(t, r.ID, event.RunSuspended)
	for _, e := range h.events.forRun(r.ID) {
		if e.Type == event.RunSuspended {
			assert.Equal(t, LimitTime, e.Metadata["limit"])
		}
	}

	require.NoError(t, h.engine.ResumeWith(context.Background(), r.ID, run.Overrides{MaxTime: run.Ptr(time.Hour)}))
	r = h.wait(t, r.ID)
	assert.Equal(t, run.StateCompleted, r.State)
	assert.Equal(t, 3, r.Progress.CompletedSteps)
}

func TestRun_TimeLimitExcludesPausedTime(t *testing.T) {
	clock := newFakeClock()
	gated := newGatedExecutor("b", newStepRecorder())
	h := newHarness(t, gated, WithClock(clock.Now))
	id := h.start(t, "linear", run.Overrides{MaxTime: run.Ptr(time.Minute)})

	gated.awaitStarted(t)
	require.NoError(t, h.engine.PauseRun(context.Background(), id))
	gated.Release()
	r := h.wait(t, id)
	require.Equal(t, run.StatePaused, r.State)

	clock.Advance(time.Hour)
	require.NoError(t, h.engine.ResumeRun(context.Background(), id))
	r = h.wait(t, id)
	assert.Equal(t, run.StateCompleted, r.State)
}

func TestRun_CostLimitSuspends(t *testing.T) {
	var spent atomic.Int64
	steps := newStepRecorder()
	steps.onStep = func(string) { spent.Add(1) }
	h := newHarness(t, steps, WithCostMeter(CostFunc(func(string) float64 {
		return float64(spent.Load())
	})))

	r := h.runToEnd(t, "linear", run.Overrides{MaxCost: run.Ptr(2.0)})

	require.Equal(t, run.StateSuspended, r.State)
	assert.Equal(t, 2, r.Progress.CompletedSteps)
	h.events.await(t, r.ID, event.RunSuspended)
	for _, e := range h.events.forRun(r.ID) {
		if e.Type == event.RunSuspended {
			assert.Equal(t, LimitCost, e.Metadata["limit"])
		}
	}
}

func TestRun_PauseAndResume(t *testing.T) {
	steps := newStepRecorder()
	gated := newGatedExecutor("b", steps)
	h := newHarness(t, gated)
	id := h.start(t, "linear", run.Overrides{})

	gated.awaitStarted(t)
	require.NoError(t, h.engine.PauseRun(context.Background(), id))
	gated.Release()

	r := h.wait(t, id)
	require.Equal(t, run.StatePaused, r.State)
	assert.Equal(t, 2, r.Progress.CompletedSteps, "the step in flight finishes")
	assert.Equal(t, "b", r.Progress.CurrentLocation.ID)

	err := h.engine.PauseRun(context.Background(), id)
	assert.ErrorIs(t, err, run.ErrInvalidTransition)

	require.NoError(t, h.engine.ResumeRun(context.Background(), id))
	r = h.wait(t, id)
	assert.Equal(t, run.StateCompleted, r.State)
	assert.Equal(t, []string{"a", "b", "c"}, steps.Calls())

	h.events.await(t, id, event.RunCompleted)
	assert.Equal(t, 1, h.events.count(id, event.RunPaused))
	assert.Equal(t, 1, h.events.count(id, event.RunResumed))
}

func TestRun_PauseMidDivergenceContinuesUnfinishedBranches(t *testing.T) {
	steps := newStepRecorder()
	gated := newGatedExecutor("legal", steps)
	h := newHarness(t, gated)
	id := h.start(t, "review", run.Overrides{Parallelization: run.Ptr(false)})

	gated.awaitStarted(t)
	require.NoError(t, h.engine.PauseRun(context.Background(), id))
	gated.Release()

	r := h.wait(t, id)
	require.Equal(t, run.StatePaused, r.State)
	assert.Equal(t, []string{"draft", "legal"}, steps.Calls())
	assert.Equal(t, 2, r.Progress.CompletedSteps)
	assert.Empty(t, r.Progress.LocationStack)

	require.NoError(t, h.engine.ResumeRun(context.Background(), id))
	r = h.wait(t, id)
	require.Equal(t, run.StateCompleted, r.State, r.Error)
	assert.Equal(t, []string{"draft", "legal", "finance", "publish"}, steps.Calls())
	assert.Equal(t, 4, r.Progress.CompletedSteps)
	assert.Equal(t, true, variable(t, r, "legal_done"))
	assert.Equal(t, true, variable(t, r, "finance_done"))

	recs, err := h.store.ListSteps(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, recs, 4)
}

func TestRun_PauseAfterBranchesFinishRunsJoinOnResume(t *testing.T) {
	steps := newStepRecorder()
	gated := newGatedExecutor("legal", steps)
	h := newHarness(t, gated)
	id := h.start(t, "review", run.Overrides{})

	gated.awaitStarted(t)
	require.Eventually(t, func() bool {
		return h.events.count(id, event.StepCompleted) == 2
	}, 5*time.Second, 5*time.Millisecond, "draft and finance complete")
	require.NoError(t, h.engine.PauseRun(context.Background(), id))
	gated.Release()

	r := h.wait(t, id)
	require.Equal(t, run.StatePaused, r.State)
	assert.Equal(t, 3, r.Progress.CompletedSteps)
	assert.Equal(t, "publish", r.Progress.PendingLocation.ID)
	assert.Equal(t, true, variable(t, r, "legal_done"), "branch writes are merged before the pause")
	assert.Equal(t, true, variable(t, r, "finance_done"))

	require.NoError(t, h.engine.ResumeRun(context.Background(), id))
	r = h.wait(t, id)
	require.Equal(t, run.StateCompleted, r.State, r.Error)
	assert.ElementsMatch(t, []string{"draft", "legal", "finance", "publish"}, steps.Calls())
	assert.Equal(t, "publish", r.Progress.CurrentLocation.ID)
	assert.True(t, r.Progress.PendingLocation.IsZero())
	assert.Equal(t, 4, r.Progress.CompletedSteps)
}

func TestRun_StartPausedRun(t *testing.T) {
	gated := newGatedExecutor("a", newStepRecorder())
	h := newHarness(t, gated)
	id := h.start(t, "linear", run.Overrides{})

	gated.awaitStarted(t)
	require.NoError(t, h.engine.PauseRun(context.Background(), id))
	gated.Release()
	h.wait(t, id)

	require.NoError(t, h.engine.StartRun(context.Background(), id))
	r := h.wait(t, id)
	assert.Equal(t, run.StateCompleted, r.State)
}

func TestRun_CancelWhileRunning(t *testing.T) {
	gated := newGatedExecutor("b", newStepRecorder())
	h := newHarness(t, gated)
	id := h.start(t, "linear", run.Overrides{})

	gated.awaitStarted(t)
	require.NoError(t, h.engine.CancelRun(context.Background(), id))
	gated.Release()

	r := h.wait(t, id)
	assert.Equal(t, run.StateCancelled, r.State)
	assert.False(t, r.CompletedAt.IsZero())
	assert.Empty(t, h.engine.ActiveRuns())
	h.events.await(t, id, event.RunCancelled)

	err := h.engine.ResumeRun(context.Background(), id)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRun_CancelLetsStepInFlightFinish(t *testing.T) {
	steps := newStepRecorder()
	gated := newGatedExecutor("b", steps)
	h := newHarness(t, gated)
	id := h.start(t, "linear", run.Overrides{})

	gated.awaitStarted(t)
	require.NoError(t, h.engine.CancelRun(context.Background(), id))
	gated.Release()

	r := h.wait(t, id)
	require.Equal(t, run.StateCancelled, r.State)
	assert.Equal(t, []string{"a", "b"}, steps.Calls())
	assert.Equal(t, 2, r.Progress.CompletedSteps)
	assert.Zero(t, r.Progress.FailedSteps)
	assert.Equal(t, true, variable(t, r, "b_done"))

	recs, err := h.store.ListSteps(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.Equal(t, run.StepCompleted, rec.Status, rec.StepID)
	}
	h.events.await(t, id, event.StepCompleted)
	assert.Zero(t, h.events.count(id, event.StepFailed))
}

func TestRun_CancelBeforeStart(t *testing.T) {
	steps := newStepRecorder()
	h := newHarness(t, steps)
	r := h.create(t, "linear", run.Overrides{})

	require.NoError(t, h.engine.CancelRun(context.Background(), r.ID))

	got, err := h.engine.GetRun(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StateCancelled, got.State)
	assert.Equal(t, "ada", variable(t, got, "requester"))
	assert.Empty(t, steps.Calls())

	assert.ErrorIs(t, h.engine.StartRun(context.Background(), r.ID), ErrRunNotFound)
	assert.ErrorIs(t, h.engine.CancelRun(context.Background(), r.ID), ErrRunNotFound)
}

func TestRun_InvalidTransitions(t *testing.T) {
	h := newHarness(t, newStepRecorder())
	r := h.create(t, "linear", run.Overrides{})
	ctx := context.Background()

	var terr *run.TransitionError
	err := h.engine.PauseRun(ctx, r.ID)
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, run.StateReady, terr.From)
	assert.Equal(t, run.StatePaused, terr.To)

	assert.ErrorIs(t, h.engine.ResumeRun(ctx, r.ID), run.ErrInvalidTransition)
	assert.ErrorIs(t, h.engine.ResumeWith(ctx, r.ID, run.Overrides{}), run.ErrInvalidTransition)

	got, err := h.engine.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StateReady, got.State, "rejected transitions leave the run untouched")

	assert.ErrorIs(t, h.engine.StartRun(ctx, "nope"), ErrRunNotFound)
	assert.ErrorIs(t, h.engine.PauseRun(ctx, "nope"), ErrRunNotFound)
	_, err = h.engine.GetRun(ctx, "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRun_ResumeWithInvalidOverrides(t *testing.T) {
	h := newHarness(t, newStepRecorder())
	r := h.runToEnd(t, "linear", run.Overrides{MaxSteps: run.Ptr(1)})
	require.Equal(t, run.StateSuspended, r.State)

	err := h.engine.ResumeWith(context.Background(), r.ID, run.Overrides{MaxDepth: run.Ptr(-1)})
	assert.ErrorIs(t, err, run.ErrInvalidConfig)

	got, err := h.engine.GetRun(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StateSuspended, got.State)
}

func TestRun_RetryRestoresCheckpoint(t *testing.T) {
	steps := newStepRecorder().failing("b", 1)
	h := newHarness(t, steps)

	r := h.runToEnd(t, "linear", run.Overrides{})

	require.Equal(t, run.StateCompleted, r.State, r.Error)
	assert.Equal(t, []string{"a", "b", "a", "b", "c"}, steps.Calls())
	assert.Equal(t, 3, r.Progress.CompletedSteps)
	assert.Equal(t, 0, r.Progress.FailedSteps)

	h.events.await(t, r.ID, event.RunCompleted)
	assert.Equal(t, 1, h.events.count(r.ID, event.StepFailed))
}

func TestRun_RetryOncePerCheckpoint(t *testing.T) {
	steps := newStepRecorder().failing("b", -1)
	h := newHarness(t, steps)

	r := h.runToEnd(t, "linear", run.Overrides{})

	require.Equal(t, run.StateFailed, r.State)
	assert.Contains(t, r.Error, "boom")
	assert.Equal(t, []string{"a", "b", "a", "b"}, steps.Calls())
	assert.Equal(t, 1, r.Progress.CompletedSteps)
	assert.Equal(t, 1, r.Progress.FailedSteps)

	stored, err := h.store.GetRun(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StateFailed, stored.State)
	assert.Contains(t, stored.Error, "boom")
}

func TestRun_RetryGivesUpWhenFailureRepeats(t *testing.T) {
	steps := newStepRecorder().failing("b", -1)
	h := newHarness(t, steps)

	r := h.runToEnd(t, "linear", run.Overrides{CheckpointInterval: run.Ptr(time.Nanosecond)})

	require.Equal(t, run.StateFailed, r.State)
	assert.Contains(t, r.Error, "boom")
	assert.Equal(t, []string{"a", "b", "b"}, steps.Calls())
	assert.Equal(t, 1, r.Progress.CompletedSteps)
	assert.Equal(t, 1, r.Progress.FailedSteps)
}

func TestRun_FailStrategy(t *testing.T) {
	steps := newStepRecorder().failing("b", 1)
	h := newHarness(t, steps)

	r := h.runToEnd(t, "linear", run.Overrides{RecoveryStrategy: run.Ptr(run.RecoveryFail)})

	require.Equal(t, run.StateFailed, r.State)
	assert.Contains(t, r.Error, "step b")
	assert.Equal(t, []string{"a", "b"}, steps.Calls())
	assert.Equal(t, 1, r.Progress.CompletedSteps)
	assert.Equal(t, 1, r.Progress.FailedSteps)
	h.events.await(t, r.ID, event.RunFailed)
}

func TestRun_SkipStrategy(t *testing.T) {
	steps := newStepRecorder().failing("b", -1)
	h := newHarness(t, steps)

	r := h.runToEnd(t, "linear", run.Overrides{RecoveryStrategy: run.Ptr(run.RecoverySkip)})

	require.Equal(t, run.StateCompleted, r.State)
	assert.Equal(t, []string{"a", "b", "c"}, steps.Calls())
	assert.Equal(t, 2, r.Progress.CompletedSteps)
	assert.Equal(t, 1, r.Progress.FailedSteps)
	assert.Nil(t, variable(t, r, "b_done"))
}

func TestRun_ExecutorPanicFailsRun(t *testing.T) {
	steps := newStepRecorder()
	steps.panics["b"] = true
	h := newHarness(t, steps)

	r := h.runToEnd(t, "linear", run.Overrides{RecoveryStrategy: run.Ptr(run.RecoveryFail)})

	require.Equal(t, run.StateFailed, r.State)
	assert.Contains(t, r.Error, "step b panicked")
	assert.Equal(t, 1, r.Progress.FailedSteps)
}

func TestRun_StepTimeout(t *testing.T) {
	exec := executor.Func(func(ctx context.Context, req executor.Request) (map[string]any, error) {
		if req.StepID == "b" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return map[string]any{req.StepID + "_done": true}, nil
	})
	h := newHarness(t, exec)

	r := h.runToEnd(t, "linear", run.Overrides{
		StepTimeout:      run.Ptr(20 * time.Millisecond),
		RecoveryStrategy: run.Ptr(run.RecoveryFail),
	})

	require.Equal(t, run.StateFailed, r.State)
	assert.Contains(t, r.Error, context.DeadlineExceeded.Error())
}

func TestRun_BranchFailureFailsRun(t *testing.T) {
	steps := newStepRecorder().failing("legal", -1)
	h := newHarness(t, steps)

	r := h.runToEnd(t, "review", run.Overrides{RecoveryStrategy: run.Ptr(run.RecoveryFail)})

	require.Equal(t, run.StateFailed, r.State)
	assert.Contains(t, r.Error, "draft")
	assert.Contains(t, r.Error, "boom")
	assert.Equal(t, 1, r.Progress.FailedSteps)
	assert.Equal(t, 2, r.Progress.CompletedSteps)
	assert.NotContains(t, steps.Calls(), "publish")
}

func TestRun_CountersAlwaysAddUp(t *testing.T) {
	cases := []struct {
		name    string
		routine string
		steps   *stepRecorder
		opts    []Option
		o       run.Overrides
	}{
		{name: "linear", routine: "linear", steps: newStepRecorder()},
		{name: "branches", routine: "review", steps: newStepRecorder()},
		{name: "nested", routine: "nested", steps: newStepRecorder()},
		{name: "denied", routine: "review", steps: newStepRecorder(), opts: []Option{WithGate(permission.DenyAll)}},
		{
			name: "skipped failures", routine: "review",
			steps: newStepRecorder().failing("finance", -1),
			o:     run.Overrides{RecoveryStrategy: run.Ptr(run.RecoverySkip)},
		},
		{name: "suspended", routine: "nested", steps: newStepRecorder(), o: run.Overrides{MaxSteps: run.Ptr(4)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.steps, tc.opts...)
			r := h.runToEnd(t, tc.routine, tc.o)

			p := r.Progress
			assert.Equal(t, p.CompletedSteps+p.FailedSteps+p.SkippedSteps, p.TotalSteps)
			assert.LessOrEqual(t, p.Visited(), r.Config.MaxSteps)

			recs, err := h.store.ListSteps(context.Background(), r.ID)
			require.NoError(t, err)
			assert.Len(t, recs, p.TotalSteps)
		})
	}
}

func TestGetRun_FallsBackToStore(t *testing.T) {
	h := newHarness(t, newStepRecorder(), WithHistorySize(0))

	r := h.runToEnd(t, "linear", run.Overrides{})

	assert.Equal(t, run.StateCompleted, r.State)
	assert.Equal(t, true, variable(t, r, "c_done"))
}

func TestGetRun_HistoryIsBounded(t *testing.T) {
	h := newHarness(t, newStepRecorder(), WithHistorySize(1))

	first := h.runToEnd(t, "linear", run.Overrides{})
	second := h.runToEnd(t, "linear", run.Overrides{})

	h.engine.mu.RLock()
	_, keptFirst := h.engine.history[first.ID]
	_, keptSecond := h.engine.history[second.ID]
	h.engine.mu.RUnlock()
	assert.False(t, keptFirst)
	assert.True(t, keptSecond)

	got, err := h.engine.GetRun(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StateCompleted, got.State)
}

func TestGetRun_ReturnsCopy(t *testing.T) {
	h := newHarness(t, newStepRecorder())
	r := h.create(t, "linear", run.Overrides{})

	r.Progress.CompletedSteps = 99
	r.Context.Set("requester", "mallory")

	got, err := h.engine.GetRun(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Progress.CompletedSteps)
	assert.Equal(t, "ada", variable(t, got, "requester"))
}

func TestMonitorReceivesSamples(t *testing.T) {
	m := perf.NewMonitor()
	defer m.Close()
	h := newHarness(t, newStepRecorder(), WithMonitor(m))

	r := h.runToEnd(t, "review", run.Overrides{Parallelization: run.Ptr(false)})
	require.Equal(t, run.StateCompleted, r.State)

	require.Eventually(t, func() bool {
		for _, loc := range []string{"draft", "legal", "finance", "publish"} {
			s, ok := m.Stats(loc)
			if !ok || s.Count != 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
}

func TestShutdown(t *testing.T) {
	gated := newGatedExecutor("b", newStepRecorder())
	h := newHarness(t, gated)
	id := h.start(t, "linear", run.Overrides{})
	ready := h.create(t, "linear", run.Overrides{})
	gated.awaitStarted(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.engine.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got, err := h.engine.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, run.StatePaused, got.State)

	got, err = h.engine.GetRun(context.Background(), ready.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StateReady, got.State)

	_, err = h.engine.CreateRun(context.Background(), CreateParams{RoutineID: "linear"})
	assert.ErrorIs(t, err, ErrEngineClosed)
	assert.ErrorIs(t, h.engine.StartRun(context.Background(), ready.ID), ErrEngineClosed)
	assert.ErrorIs(t, h.engine.ResumeRun(context.Background(), id), ErrEngineClosed)
	_, err = h.engine.RecoverRun(context.Background(), id)
	assert.ErrorIs(t, err, ErrEngineClosed)

	assert.NoError(t, h.engine.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestShutdown_Idle(t *testing.T) {
	h := newHarness(t, newStepRecorder())
	h.runToEnd(t, "linear", run.Overrides{})

	require.NoError(t, h.engine.Shutdown(context.Background()))
}

func TestWait_ContextCancelled(t *testing.T) {
	gated := newGatedExecutor("a", newStepRecorder())
	h := newHarness(t, gated)
	id := h.start(t, "linear", run.Overrides{})
	gated.awaitStarted(t)
	defer gated.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.engine.Wait(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_StepInputsAreExpanded(t *testing.T) {
	steps := newStepRecorder()
	h := newHarness(t, steps)

	r := h.runToEnd(t, "notify", run.Overrides{})

	require.Equal(t, run.StateCompleted, r.State, r.Error)
	compose := steps.Inputs("compose")
	assert.Equal(t, "ada", compose["to"])
	assert.Equal(t, "review for ada", compose["subject"])
	assert.Equal(t, "${reviewer.email}", compose["cc"], "unknown paths are left as written")
	assert.Equal(t, true, steps.Inputs("send")["body"], "a whole placeholder keeps its type")
}

func TestRun_StrictExpansionFailsStep(t *testing.T) {
	steps := newStepRecorder()
	h := newHarness(t, steps, WithExpander(template.NewExpander(template.WithMissingAction(template.MissingError))))

	r := h.runToEnd(t, "notify", run.Overrides{RecoveryStrategy: run.Ptr(run.RecoveryFail)})

	require.Equal(t, run.StateFailed, r.State)
	assert.Contains(t, r.Error, "reviewer.email")
	assert.Empty(t, steps.Calls(), "the executor never sees unexpanded inputs")
	assert.Equal(t, 1, r.Progress.FailedSteps)

	recs, err := h.store.ListSteps(context.Background(), r.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, run.StepFailed, recs[0].Status)
}

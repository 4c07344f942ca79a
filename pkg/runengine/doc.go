/*
Package runengine drives routines to completion without knowing how they
are written.

# Overview

A routine is a graph-shaped workflow in some dialect. The engine never
reads a routine itself: a navigator registered for the routine's type
answers where a run starts, what follows a location, where parallel
branches meet and when the routine is done. Steps are performed by an
executor, gated by a permission check, and every state change is persisted
and announced on an event bus.

The engine provides:
  - A run state machine with pause, resume, suspension and cancellation
  - Parallel branches with forked contexts and a merge at the join
  - Interval checkpoints, retry from checkpoint and crash recovery
  - Step, time, depth and cost limits that suspend rather than fail a run
  - slog logging, OpenTelemetry metrics and spans, Prometheus perf collectors

# Basic Usage

Register a navigator, load routines and hand steps to an executor:

	reg := navigator.NewRegistry()
	graphnav.Register(reg)

	routines := loader.NewMapLoader(loader.Routine{
	    ID:         "review",
	    Type:       graphnav.Type,
	    Definition: graph,
	})

	exec := executor.Func(func(ctx context.Context, req executor.Request) (map[string]any, error) {
	    return map[string]any{req.StepID + "_done": true}, nil
	})

	engine, err := runengine.NewEngine(routines, reg, exec)
	if err != nil {
	    log.Fatal(err)
	}
	defer engine.Shutdown(context.Background())

	r, err := engine.CreateRun(ctx, runengine.CreateParams{RoutineID: "review"})
	if err != nil {
	    log.Fatal(err)
	}
	if err := engine.StartRun(ctx, r.ID); err != nil {
	    log.Fatal(err)
	}
	final, err := engine.Wait(ctx, r.ID)

# Run Lifecycle

	UNINITIALIZED -> LOADING -> READY -> RUNNING <-> PAUSED
	RUNNING -> SUSPENDED -> RUNNING
	RUNNING -> COMPLETED | FAILED
	any non-terminal state -> CANCELLED

StartRun and ResumeRun launch the run's loop goroutine; PauseRun and
CancelRun take effect at the next loop boundary. A run that hits a limit is
SUSPENDED; ResumeWith raises the limit and continues it.

# Failures

A step the permission gate denies is skipped. A failing step is skipped
under the skip recovery strategy, restored from the latest checkpoint once
under retry, and fails the run under fail. Runs lost to a crash are brought
back with RecoverRun and continued with ResumeRun.

# Configuration

Open builds an engine together with its store, bus, logger and monitor from
config.Settings, so a deployment can switch between in-memory, SQLite, MySQL
and Postgres stores or between a local and a Redis bus without code changes.
*/
package runengine

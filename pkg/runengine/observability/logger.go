// Package observability provides structured logging, metrics, and tracing
// for the run engine.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger returns logger with run_id and step_id fields attached.
//
// Example:
//
//	enriched := EnrichLogger(logger, "run-123", "approve")
//	enriched.Info("doing work") // includes run_id, step_id
func EnrichLogger(logger *slog.Logger, runID, stepID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("run_id", runID),
		slog.String("step_id", stepID),
	)
}

// LogRunTransition logs a run state change.
func LogRunTransition(logger *slog.Logger, runID, from, to string) {
	if logger == nil {
		return
	}
	logger.Info("run state changed",
		slog.String("run_id", runID),
		slog.String("from", from),
		slog.String("state", to),
	)
}

// LogRunComplete logs a run reaching a terminal or parked state.
func LogRunComplete(logger *slog.Logger, runID, state string, durationMs float64, completed, failed, skipped int) {
	if logger == nil {
		return
	}
	logger.Info("run finished",
		slog.String("run_id", runID),
		slog.String("state", state),
		slog.Float64("duration_ms", durationMs),
		slog.Int("completed_steps", completed),
		slog.Int("failed_steps", failed),
		slog.Int("skipped_steps", skipped),
	)
}

// LogRunError logs run failure.
func LogRunError(logger *slog.Logger, runID string, err error, location string) {
	if logger == nil {
		return
	}
	logger.Error("run failed",
		slog.String("run_id", runID),
		slog.String("error", err.Error()),
		slog.String("location", location),
	)
}

// LogStepStart logs step execution start.
func LogStepStart(logger *slog.Logger, runID, stepID, location string) {
	if logger == nil {
		return
	}
	logger.Debug("step starting",
		slog.String("run_id", runID),
		slog.String("step_id", stepID),
		slog.String("location", location),
	)
}

// LogStepComplete logs successful step completion.
func LogStepComplete(logger *slog.Logger, runID, stepID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("step completed",
		slog.String("run_id", runID),
		slog.String("step_id", stepID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogStepSkipped logs a step the engine did not execute.
func LogStepSkipped(logger *slog.Logger, runID, stepID, reason string) {
	if logger == nil {
		return
	}
	logger.Info("step skipped",
		slog.String("run_id", runID),
		slog.String("step_id", stepID),
		slog.String("reason", reason),
	)
}

// LogStepError logs step execution error.
func LogStepError(logger *slog.Logger, runID, stepID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("step failed",
		slog.String("run_id", runID),
		slog.String("step_id", stepID),
		slog.String("error", err.Error()),
	)
}

// LogCheckpoint logs checkpoint creation.
func LogCheckpoint(logger *slog.Logger, runID string, sequence int) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint saved",
		slog.String("run_id", runID),
		slog.Int("sequence", sequence),
	)
}

// LogCheckpointError logs checkpoint failure (non-fatal).
func LogCheckpointError(logger *slog.Logger, runID, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("checkpoint failed",
		slog.String("run_id", runID),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// LogBranches logs a divergence being handed to the branch coordinator.
func LogBranches(logger *slog.Logger, runID string, count int, parallel bool) {
	if logger == nil {
		return
	}
	logger.Debug("executing branches",
		slog.String("run_id", runID),
		slog.Int("branches", count),
		slog.Bool("parallel", parallel),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}

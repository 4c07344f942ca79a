package runengine

import (
	"context"
	"errors"

	"github.com/randalmurphal/runengine/pkg/runengine/checkpoint"
	"github.com/randalmurphal/runengine/pkg/runengine/retry"
	"github.com/randalmurphal/runengine/pkg/runengine/run"
	"github.com/randalmurphal/runengine/pkg/runengine/runctx"
)

// StateStore is the persistence the engine needs. statestore.MemoryStore
// and statestore.SQLStore implement it.
type StateStore interface {
	CreateRun(ctx context.Context, r *run.Run) error
	UpdateRunState(ctx context.Context, runID string, state run.State, errMsg string) error
	RecordStepExecution(ctx context.Context, exec run.StepExecution) error
	// GetRun returns the persisted record; RecoverRun reads it after a
	// restart.
	GetRun(ctx context.Context, runID string) (*run.Run, error)

	runctx.Store
	checkpoint.Store
}

// durableStore retries every write of the wrapped store.
type durableStore struct {
	StateStore
	cfg retry.Config
}

// storeRetry fills in the store classification when cfg has none.
func storeRetry(cfg retry.Config) retry.Config {
	if cfg.RetryableFunc == nil {
		cfg.RetryableFunc = retryableStoreError
	}
	return cfg
}

// retryableStoreError treats closed stores, unknown runs and duplicate runs
// as permanent.
func retryableStoreError(err error) bool {
	if errors.Is(err, checkpoint.ErrStoreClosed) || errors.Is(err, run.ErrNotFound) || errors.Is(err, run.ErrExists) {
		return false
	}
	return retry.IsRetryable(err)
}

func (s durableStore) CreateRun(ctx context.Context, r *run.Run) error {
	return retry.Do(ctx, s.cfg, func(ctx context.Context) error {
		return s.StateStore.CreateRun(ctx, r)
	})
}

func (s durableStore) UpdateRunState(ctx context.Context, runID string, state run.State, errMsg string) error {
	return retry.Do(ctx, s.cfg, func(ctx context.Context) error {
		return s.StateStore.UpdateRunState(ctx, runID, state, errMsg)
	})
}

func (s durableStore) RecordStepExecution(ctx context.Context, exec run.StepExecution) error {
	return retry.Do(ctx, s.cfg, func(ctx context.Context) error {
		return s.StateStore.RecordStepExecution(ctx, exec)
	})
}

func (s durableStore) SaveContext(ctx context.Context, runID string, data []byte) error {
	return retry.Do(ctx, s.cfg, func(ctx context.Context) error {
		return s.StateStore.SaveContext(ctx, runID, data)
	})
}

func (s durableStore) SaveCheckpoint(ctx context.Context, runID string, sequence int, data []byte) error {
	return retry.Do(ctx, s.cfg, func(ctx context.Context) error {
		return s.StateStore.SaveCheckpoint(ctx, runID, sequence, data)
	})
}

// durableCheckpoints retries checkpoint writes to a separate store, such as
// a blob bucket.
type durableCheckpoints struct {
	checkpoint.Store
	cfg retry.Config
}

func (s durableCheckpoints) SaveCheckpoint(ctx context.Context, runID string, sequence int, data []byte) error {
	return retry.Do(ctx, s.cfg, func(ctx context.Context) error {
		return s.Store.SaveCheckpoint(ctx, runID, sequence, data)
	})
}

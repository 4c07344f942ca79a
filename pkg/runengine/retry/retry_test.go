package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/runengine/pkg/runengine/retry"
)

var fast = retry.NewConfig(
	retry.WithMaxAttempts(3),
	retry.WithInitialBackoff(time.Millisecond),
	retry.WithMaxBackoff(2*time.Millisecond),
	retry.WithJitter(0),
)

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fast, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanent(t *testing.T) {
	calls := 0
	boom := errors.New("constraint violation")
	err := retry.Do(context.Background(), fast, func(context.Context) error {
		calls++
		return retry.Permanent(boom, "insert")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("timeout")
	err := retry.Do(context.Background(), fast, func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)

	var catErr *retry.CategorizedError
	require.ErrorAs(t, err, &catErr)
	assert.Equal(t, 3, catErr.Retries)
	assert.Contains(t, err.Error(), "max retries exceeded")
}

func TestDo_CustomRetryable(t *testing.T) {
	closed := errors.New("store closed")
	cfg := fast
	cfg.RetryableFunc = func(err error) bool { return !errors.Is(err, closed) }

	calls := 0
	err := retry.Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return closed
	})
	assert.ErrorIs(t, err, closed)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := retry.Do(ctx, fast, func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestDo_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := retry.NewConfig(retry.WithMaxAttempts(5), retry.WithInitialBackoff(time.Hour))

	err := retry.Do(ctx, cfg, func(context.Context) error {
		cancel()
		return errors.New("fail")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoValue(t *testing.T) {
	calls := 0
	res := retry.DoValue(context.Background(), fast, func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("flaky")
		}
		return 42, nil
	})
	require.NoError(t, res.Err)
	assert.Equal(t, 42, res.Value)
	assert.Equal(t, 2, res.Attempts)
}

func TestNoneRunsOnce(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), retry.None, func(context.Context) error {
		calls++
		return errors.New("x")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want retry.Category
	}{
		{"nil", nil, retry.CategoryPermanent},
		{"plain", errors.New("x"), retry.CategoryTransient},
		{"canceled", context.Canceled, retry.CategoryPermanent},
		{"deadline", context.DeadlineExceeded, retry.CategoryPermanent},
		{"marked transient", retry.Transient(context.Canceled, "x"), retry.CategoryTransient},
		{"marked permanent", retry.Permanent(errors.New("x"), "y"), retry.CategoryPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retry.Categorize(tt.err))
		})
	}
	assert.Equal(t, "transient", retry.CategoryTransient.String())
	assert.Equal(t, "permanent", retry.CategoryPermanent.String())
}

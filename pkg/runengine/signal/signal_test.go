package signal_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/runengine/pkg/runengine/signal"
)

func quietDispatcher(reg *signal.Registry, store signal.Store) *signal.Dispatcher {
	return signal.NewDispatcher(reg, store).WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestNew(t *testing.T) {
	sig := signal.New("approve", "run-1", map[string]any{"by": "ada"}).WithSender("ops")

	assert.NotEmpty(t, sig.ID)
	assert.Equal(t, "approve", sig.Name)
	assert.Equal(t, "run-1", sig.RunID)
	assert.Equal(t, "ops", sig.Sender)
	assert.Equal(t, signal.StatusPending, sig.Status)
	assert.False(t, sig.SentAt.IsZero())

	clone := sig.Clone()
	clone.Payload["by"] = "grace"
	assert.Equal(t, "ada", sig.Payload["by"])
}

func TestRegistry(t *testing.T) {
	reg := signal.NewRegistry()
	noop := func(context.Context, *signal.Signal) error { return nil }

	require.NoError(t, reg.Register("pause", noop))
	require.NoError(t, reg.Register("approve", noop))
	err := reg.Register("pause", noop)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
	assert.Error(t, reg.Register("", noop))
	assert.Error(t, reg.Register("x", nil))

	_, ok := reg.Get("approve")
	assert.True(t, ok)
	_, ok = reg.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"approve", "pause"}, reg.Names())
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := signal.NewMemoryStore()

	first := signal.New("a", "run-1", nil)
	second := signal.New("b", "run-1", nil)
	other := signal.New("c", "run-2", nil)
	for _, sig := range []*signal.Signal{first, second, other} {
		require.NoError(t, store.Enqueue(ctx, sig))
	}
	assert.Error(t, store.Enqueue(ctx, first), "ids are unique")

	pending, err := store.Pending(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)

	require.NoError(t, store.MarkProcessed(ctx, first.ID))
	require.NoError(t, store.MarkFailed(ctx, second.ID, errors.New("nope")))

	pending, err = store.Pending(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, err := store.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, signal.StatusFailed, got.Status)
	assert.Equal(t, "nope", got.Error)
	assert.NotNil(t, got.ProcessedAt)

	all, err := store.List(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = store.Get(ctx, "sig-missing")
	assert.ErrorIs(t, err, signal.ErrSignalNotFound)
	assert.ErrorIs(t, store.MarkProcessed(ctx, "sig-missing"), signal.ErrSignalNotFound)
}

func TestDispatcher_SendValidates(t *testing.T) {
	d := quietDispatcher(signal.NewRegistry(), signal.NewMemoryStore())
	ctx := context.Background()

	assert.Error(t, d.Send(ctx, signal.New("x", "", nil)))
	assert.Error(t, d.Send(ctx, signal.New("", "run-1", nil)))
}

func TestDispatcher_ProcessInOrder(t *testing.T) {
	ctx := context.Background()
	reg := signal.NewRegistry()
	var mu sync.Mutex
	var seen []string
	record := func(_ context.Context, sig *signal.Signal) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, sig.Name+":"+sig.RunID)
		return nil
	}
	require.NoError(t, reg.Register("first", record))
	require.NoError(t, reg.Register("second", record))
	require.NoError(t, reg.Register("broken", func(context.Context, *signal.Signal) error {
		return errors.New("handler broke")
	}))

	store := signal.NewMemoryStore()
	d := quietDispatcher(reg, store)
	require.NoError(t, d.Send(ctx, signal.New("first", "run-1", nil)))
	require.NoError(t, d.Send(ctx, signal.New("broken", "run-1", nil)))
	require.NoError(t, d.Send(ctx, signal.New("unknown", "run-1", nil)))
	require.NoError(t, d.Send(ctx, signal.New("second", "run-1", nil)))
	require.NoError(t, d.Send(ctx, signal.New("first", "run-2", nil)))

	handled, err := d.Process(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, handled, 4)
	assert.Equal(t, []string{"first:run-1", "second:run-1"}, seen)

	assert.Equal(t, signal.StatusProcessed, handled[0].Status)
	assert.Equal(t, signal.StatusFailed, handled[1].Status)
	assert.Equal(t, "handler broke", handled[1].Error)
	assert.Equal(t, signal.StatusFailed, handled[2].Status)
	assert.Equal(t, signal.ErrNoHandler.Error(), handled[2].Error)
	assert.Equal(t, signal.StatusProcessed, handled[3].Status)

	handled, err = d.Process(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, handled, "signals are handled once")

	pending, err := store.Pending(ctx, "run-2")
	require.NoError(t, err)
	assert.Len(t, pending, 1, "other runs are untouched")
}

func TestDispatcher_Discard(t *testing.T) {
	ctx := context.Background()
	store := signal.NewMemoryStore()
	d := quietDispatcher(signal.NewRegistry(), store)
	sig := signal.New("late", "run-1", nil)
	require.NoError(t, d.Send(ctx, sig))

	d.Discard(ctx, "run-1")

	got, err := store.Get(ctx, sig.ID)
	require.NoError(t, err)
	assert.Equal(t, signal.StatusFailed, got.Status)
	assert.Equal(t, signal.ErrDiscarded.Error(), got.Error)
	assert.Same(t, store, d.Store())
}

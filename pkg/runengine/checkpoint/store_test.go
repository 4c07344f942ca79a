package checkpoint_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/randalmurphal/runengine/pkg/runengine/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory creates a store instance for testing.
type storeFactory func(t *testing.T) checkpoint.Store

// storeContractTest runs contract tests against any Store implementation.
func storeContractTest(t *testing.T, name string, factory storeFactory) {
	ctx := context.Background()

	t.Run(name+"/Save_and_Load", func(t *testing.T) {
		store := factory(t)

		data := []byte(`{"key":"value"}`)
		require.NoError(t, store.SaveCheckpoint(ctx, "run-1", 1, data))

		loaded, err := store.LoadCheckpoint(ctx, "run-1", 1)
		require.NoError(t, err)
		assert.Equal(t, data, loaded)
	})

	t.Run(name+"/Load_NotFound", func(t *testing.T) {
		store := factory(t)

		_, err := store.LoadCheckpoint(ctx, "run-missing", 1)
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)

		_, err = store.LatestCheckpoint(ctx, "run-missing")
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run(name+"/Save_Overwrite", func(t *testing.T) {
		store := factory(t)

		require.NoError(t, store.SaveCheckpoint(ctx, "run-1", 1, []byte("first")))
		require.NoError(t, store.SaveCheckpoint(ctx, "run-1", 1, []byte("second")))

		loaded, err := store.LoadCheckpoint(ctx, "run-1", 1)
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), loaded)
	})

	t.Run(name+"/Latest_Is_Highest_Sequence", func(t *testing.T) {
		store := factory(t)

		for _, seq := range []int{2, 10, 1} {
			require.NoError(t, store.SaveCheckpoint(ctx, "run-1", seq, []byte(fmt.Sprintf("cp-%d", seq))))
		}

		latest, err := store.LatestCheckpoint(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, []byte("cp-10"), latest)
	})

	t.Run(name+"/List_Ordered", func(t *testing.T) {
		store := factory(t)

		require.NoError(t, store.SaveCheckpoint(ctx, "run-1", 3, []byte("ccc")))
		require.NoError(t, store.SaveCheckpoint(ctx, "run-1", 1, []byte("a")))
		require.NoError(t, store.SaveCheckpoint(ctx, "run-1", 2, []byte("bb")))

		infos, err := store.ListCheckpoints(ctx, "run-1")
		require.NoError(t, err)
		require.Len(t, infos, 3)
		for i, info := range infos {
			assert.Equal(t, i+1, info.Sequence)
			assert.Equal(t, int64(i+1), info.Size)
			assert.Equal(t, "run-1", info.RunID)
		}
	})

	t.Run(name+"/List_Empty", func(t *testing.T) {
		store := factory(t)

		infos, err := store.ListCheckpoints(ctx, "run-missing")
		require.NoError(t, err)
		assert.Empty(t, infos)
	})

	t.Run(name+"/Runs_Are_Isolated", func(t *testing.T) {
		store := factory(t)

		require.NoError(t, store.SaveCheckpoint(ctx, "run-1", 1, []byte("one")))
		require.NoError(t, store.SaveCheckpoint(ctx, "run-10", 1, []byte("ten")))

		infos, err := store.ListCheckpoints(ctx, "run-1")
		require.NoError(t, err)
		assert.Len(t, infos, 1)
	})

	t.Run(name+"/DeleteCheckpoints", func(t *testing.T) {
		store := factory(t)

		require.NoError(t, store.SaveCheckpoint(ctx, "run-1", 1, []byte("a")))
		require.NoError(t, store.SaveCheckpoint(ctx, "run-1", 2, []byte("b")))
		require.NoError(t, store.SaveCheckpoint(ctx, "run-2", 1, []byte("c")))

		require.NoError(t, store.DeleteCheckpoints(ctx, "run-1"))

		infos, err := store.ListCheckpoints(ctx, "run-1")
		require.NoError(t, err)
		assert.Empty(t, infos)

		_, err = store.LoadCheckpoint(ctx, "run-2", 1)
		assert.NoError(t, err)

		assert.NoError(t, store.DeleteCheckpoints(ctx, "run-missing"))
	})

	t.Run(name+"/Concurrent_Saves", func(t *testing.T) {
		store := factory(t)

		var wg sync.WaitGroup
		for i := 1; i <= 10; i++ {
			wg.Add(1)
			go func(seq int) {
				defer wg.Done()
				assert.NoError(t, store.SaveCheckpoint(ctx, "run-c", seq, []byte("x")))
			}(i)
		}
		wg.Wait()

		infos, err := store.ListCheckpoints(ctx, "run-c")
		require.NoError(t, err)
		assert.Len(t, infos, 10)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContractTest(t, "MemoryStore", func(t *testing.T) checkpoint.Store {
		s := checkpoint.NewMemoryStore()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMemoryStoreClosed(t *testing.T) {
	ctx := context.Background()
	s := checkpoint.NewMemoryStore()
	require.NoError(t, s.SaveCheckpoint(ctx, "run-1", 1, []byte("a")))
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.SaveCheckpoint(ctx, "run-1", 2, []byte("b")), checkpoint.ErrStoreClosed)
	_, err := s.LatestCheckpoint(ctx, "run-1")
	assert.ErrorIs(t, err, checkpoint.ErrStoreClosed)
}

func TestMemoryStoreCopiesData(t *testing.T) {
	ctx := context.Background()
	s := checkpoint.NewMemoryStore()
	data := []byte("abc")
	require.NoError(t, s.SaveCheckpoint(ctx, "run-1", 1, data))
	data[0] = 'z'

	loaded, err := s.LoadCheckpoint(ctx, "run-1", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), loaded)
}

func TestBlobStoreMem(t *testing.T) {
	storeContractTest(t, "BlobStore/mem", func(t *testing.T) checkpoint.Store {
		s, err := checkpoint.NewBlobStore(context.Background(), "mem://", "checkpoints/")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestBlobStoreFile(t *testing.T) {
	storeContractTest(t, "BlobStore/file", func(t *testing.T) checkpoint.Store {
		dir := filepath.ToSlash(t.TempDir())
		s, err := checkpoint.NewBlobStore(context.Background(), "file://"+dir, "")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestBlobStoreBadURL(t *testing.T) {
	_, err := checkpoint.NewBlobStore(context.Background(), "nosuchscheme://bucket", "")
	assert.Error(t, err)
}

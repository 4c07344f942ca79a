package loader_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/runengine/pkg/runengine/loader"
	"github.com/randalmurphal/runengine/pkg/runengine/navigator"
)

type steps struct {
	Steps []string `json:"steps"`
}

func decodeSteps(data []byte) (navigator.Definition, error) {
	var s steps
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if len(s.Steps) == 0 {
		return nil, errors.New("no steps")
	}
	return &s, nil
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestMapLoader(t *testing.T) {
	l := loader.NewMapLoader(loader.Routine{ID: "b", Type: "list"})
	l.Add(loader.Routine{ID: "a", Type: "list", Definition: []string{"x"}})

	r, err := l.Load(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "list", r.Type)
	assert.Equal(t, []string{"a", "b"}, l.IDs())

	_, err = l.Load(context.Background(), "missing")
	require.ErrorIs(t, err, loader.ErrNotFound)
}

func TestFunc(t *testing.T) {
	l := loader.Func(func(_ context.Context, id string) (loader.Routine, error) {
		return loader.Routine{ID: id, Type: "fn"}, nil
	})
	r, err := l.Load(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "x", r.ID)
}

func TestFileLoader(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "yaml-flow.yaml", "id: yaml-flow\ntype: list\ndefinition:\n  steps: [a, b]\n")
	writeFile(t, dir, "json-flow.json", `{"type":"list","definition":{"steps":["c"]}}`)
	writeFile(t, dir, "raw-flow.yml", "type: other\ndefinition:\n  anything: 1\n")
	writeFile(t, dir, "no-type.yaml", "definition:\n  steps: [a]\n")
	writeFile(t, dir, "wrong-id.yaml", "id: elsewhere\ntype: list\ndefinition:\n  steps: [a]\n")
	writeFile(t, dir, "empty.yaml", "type: list\ndefinition:\n  steps: []\n")
	writeFile(t, dir, "broken.yaml", "type: [list\n")

	l := loader.NewFileLoader(dir, loader.WithDecoder("list", decodeSteps))
	ctx := context.Background()

	r, err := l.Load(ctx, "yaml-flow")
	require.NoError(t, err)
	assert.Equal(t, "yaml-flow", r.ID)
	assert.Equal(t, &steps{Steps: []string{"a", "b"}}, r.Definition)

	r, err = l.Load(ctx, "json-flow")
	require.NoError(t, err)
	assert.Equal(t, "json-flow", r.ID, "id defaults to the file name")
	assert.Equal(t, &steps{Steps: []string{"c"}}, r.Definition)

	r, err = l.Load(ctx, "raw-flow")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"anything": 1}, r.Definition)

	for _, id := range []string{"no-type", "wrong-id", "empty", "broken"} {
		_, err := l.Load(ctx, id)
		require.ErrorIs(t, err, loader.ErrInvalidRoutine, id)
	}

	for _, id := range []string{"missing", "", "../yaml-flow", ".hidden"} {
		_, err := l.Load(ctx, id)
		require.ErrorIs(t, err, loader.ErrNotFound, id)
	}
}

func TestFileLoader_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := loader.NewFileLoader(t.TempDir()).Load(ctx, "any")
	require.ErrorIs(t, err, context.Canceled)
}

package permission_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/runengine/pkg/runengine/permission"
)

func TestStaticGates(t *testing.T) {
	ctx := context.Background()

	ok, err := permission.AllowAll.CheckPermission(ctx, "r", "s", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = permission.DenyAll.CheckPermission(ctx, "r", "s", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStepList(t *testing.T) {
	gate := permission.StepList{
		Allow:   []string{"fetch", "send"},
		Deny:    []string{"send", "delete"},
		Default: false,
	}

	tests := []struct {
		step string
		want bool
	}{
		{"fetch", true},
		{"send", false}, // deny wins
		{"delete", false},
		{"other", false},
	}
	for _, tt := range tests {
		t.Run(tt.step, func(t *testing.T) {
			got, err := gate.CheckPermission(context.Background(), "r", tt.step, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	gate.Default = true
	got, err := gate.CheckPermission(context.Background(), "r", "other", nil)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestGateFuncSeesVariables(t *testing.T) {
	gate := permission.GateFunc(func(_ context.Context, runID, stepID string, vars map[string]any) (bool, error) {
		return runID == "r-1" && stepID == "approve" && vars["role"] == "admin", nil
	})

	ok, err := gate.CheckPermission(context.Background(), "r-1", "approve", map[string]any{"role": "admin"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = gate.CheckPermission(context.Background(), "r-1", "approve", map[string]any{"role": "viewer"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheck(t *testing.T) {
	ctx := context.Background()

	ok, err := permission.Check(ctx, nil, "r", "s", nil)
	assert.True(t, ok)
	assert.NoError(t, err)

	boom := errors.New("authz unavailable")
	failing := permission.GateFunc(func(context.Context, string, string, map[string]any) (bool, error) {
		return true, boom
	})
	ok, err = permission.Check(ctx, failing, "r", "s", nil)
	assert.False(t, ok, "gate errors deny")
	assert.ErrorIs(t, err, boom)

	ok, err = permission.Check(ctx, permission.DenyAll, "r", "s", nil)
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestErrDeniedMessage(t *testing.T) {
	assert.Equal(t, "Permission denied", permission.ErrDenied.Error())
}

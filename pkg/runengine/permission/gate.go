// Package permission defines the authorization check the engine runs before
// every step. Deciding who may do what lives outside the engine; this package
// only holds the contract and a few static gates.
package permission

import (
	"context"
	"errors"
	"slices"
)

// ErrDenied is the reason recorded when a gate refuses a step.
var ErrDenied = errors.New("Permission denied") //nolint:staticcheck // user-facing skip reason

// Gate decides whether a step may run. Implementations must be idempotent
// and free of side effects; the engine may ask more than once for the same
// step after a checkpoint restore.
type Gate interface {
	CheckPermission(ctx context.Context, runID, stepID string, vars map[string]any) (bool, error)
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(ctx context.Context, runID, stepID string, vars map[string]any) (bool, error)

// CheckPermission implements Gate.
func (f GateFunc) CheckPermission(ctx context.Context, runID, stepID string, vars map[string]any) (bool, error) {
	return f(ctx, runID, stepID, vars)
}

// AllowAll permits every step.
var AllowAll Gate = GateFunc(func(context.Context, string, string, map[string]any) (bool, error) {
	return true, nil
})

// DenyAll refuses every step.
var DenyAll Gate = GateFunc(func(context.Context, string, string, map[string]any) (bool, error) {
	return false, nil
})

// StepList is a static gate over step ids. Deny wins over Allow; steps in
// neither list get Default.
type StepList struct {
	Allow   []string
	Deny    []string
	Default bool
}

// CheckPermission implements Gate.
func (l StepList) CheckPermission(_ context.Context, _ string, stepID string, _ map[string]any) (bool, error) {
	if slices.Contains(l.Deny, stepID) {
		return false, nil
	}
	if slices.Contains(l.Allow, stepID) {
		return true, nil
	}
	return l.Default, nil
}

// Check asks gate about a step and folds errors into a denial. The returned
// error is the gate's own failure, if any, for logging.
func Check(ctx context.Context, gate Gate, runID, stepID string, vars map[string]any) (allowed bool, gateErr error) {
	if gate == nil {
		return true, nil
	}
	ok, err := gate.CheckPermission(ctx, runID, stepID, vars)
	if err != nil {
		return false, err
	}
	return ok, nil
}

package run

import (
	"errors"
	"fmt"
	"time"
)

// RecoveryStrategy selects how the engine reacts to a failed step.
type RecoveryStrategy string

// Recovery strategies.
const (
	// RecoveryRetry restores the last checkpoint once and continues.
	RecoveryRetry RecoveryStrategy = "retry"
	// RecoverySkip counts the failure and moves on.
	RecoverySkip RecoveryStrategy = "skip"
	// RecoveryFail fails the run immediately.
	RecoveryFail RecoveryStrategy = "fail"
)

// Default limits.
const (
	DefaultMaxSteps           = 1000
	DefaultMaxDepth           = 10
	DefaultMaxTime            = time.Hour
	DefaultCheckpointInterval = 5 * time.Minute
)

// ErrInvalidConfig indicates a run configuration failed validation.
var ErrInvalidConfig = errors.New("invalid run config")

// Config bounds and tunes one run.
type Config struct {
	MaxSteps int           `json:"max_steps"`
	MaxDepth int           `json:"max_depth"`
	MaxTime  time.Duration `json:"max_time"`
	// MaxCost is compared against the engine's cost meter. Zero disables it.
	MaxCost float64 `json:"max_cost,omitempty"`

	Parallelization bool `json:"parallelization"`
	// MaxConcurrentBranches caps simultaneous branches. Zero means one
	// goroutine per branch.
	MaxConcurrentBranches int `json:"max_concurrent_branches,omitempty"`

	CheckpointInterval time.Duration    `json:"checkpoint_interval"`
	RecoveryStrategy   RecoveryStrategy `json:"recovery_strategy"`

	// StepTimeout bounds a single executor call. Zero means steps may run
	// for as long as they need.
	StepTimeout time.Duration `json:"step_timeout,omitempty"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxSteps:           DefaultMaxSteps,
		MaxDepth:           DefaultMaxDepth,
		MaxTime:            DefaultMaxTime,
		Parallelization:    true,
		CheckpointInterval: DefaultCheckpointInterval,
		RecoveryStrategy:   RecoveryRetry,
	}
}

// Validate checks the configuration for impossible values.
func (c Config) Validate() error {
	var errs []error
	if c.MaxSteps <= 0 {
		errs = append(errs, fmt.Errorf("%w: max steps must be positive, got %d", ErrInvalidConfig, c.MaxSteps))
	}
	if c.MaxDepth <= 0 {
		errs = append(errs, fmt.Errorf("%w: max depth must be positive, got %d", ErrInvalidConfig, c.MaxDepth))
	}
	if c.MaxTime <= 0 {
		errs = append(errs, fmt.Errorf("%w: max time must be positive, got %s", ErrInvalidConfig, c.MaxTime))
	}
	if c.CheckpointInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: checkpoint interval must be positive, got %s", ErrInvalidConfig, c.CheckpointInterval))
	}
	if c.MaxCost < 0 || c.MaxConcurrentBranches < 0 || c.StepTimeout < 0 {
		errs = append(errs, fmt.Errorf("%w: negative limit", ErrInvalidConfig))
	}
	switch c.RecoveryStrategy {
	case RecoveryRetry, RecoverySkip, RecoveryFail:
	default:
		errs = append(errs, fmt.Errorf("%w: unknown recovery strategy %q", ErrInvalidConfig, c.RecoveryStrategy))
	}
	return errors.Join(errs...)
}

// Overrides carries caller-supplied changes to a Config. Nil fields keep the
// base value.
type Overrides struct {
	MaxSteps              *int              `json:"max_steps,omitempty"`
	MaxDepth              *int              `json:"max_depth,omitempty"`
	MaxTime               *time.Duration    `json:"max_time,omitempty"`
	MaxCost               *float64          `json:"max_cost,omitempty"`
	Parallelization       *bool             `json:"parallelization,omitempty"`
	MaxConcurrentBranches *int              `json:"max_concurrent_branches,omitempty"`
	CheckpointInterval    *time.Duration    `json:"checkpoint_interval,omitempty"`
	RecoveryStrategy      *RecoveryStrategy `json:"recovery_strategy,omitempty"`
	StepTimeout           *time.Duration    `json:"step_timeout,omitempty"`
}

// Apply returns c with every non-nil override applied.
func (c Config) Apply(o Overrides) Config {
	if o.MaxSteps != nil {
		c.MaxSteps = *o.MaxSteps
	}
	if o.MaxDepth != nil {
		c.MaxDepth = *o.MaxDepth
	}
	if o.MaxTime != nil {
		c.MaxTime = *o.MaxTime
	}
	if o.MaxCost != nil {
		c.MaxCost = *o.MaxCost
	}
	if o.Parallelization != nil {
		c.Parallelization = *o.Parallelization
	}
	if o.MaxConcurrentBranches != nil {
		c.MaxConcurrentBranches = *o.MaxConcurrentBranches
	}
	if o.CheckpointInterval != nil {
		c.CheckpointInterval = *o.CheckpointInterval
	}
	if o.RecoveryStrategy != nil {
		c.RecoveryStrategy = *o.RecoveryStrategy
	}
	if o.StepTimeout != nil {
		c.StepTimeout = *o.StepTimeout
	}
	return c
}

// Ptr returns a pointer to v, for building Overrides inline.
func Ptr[T any](v T) *T {
	return &v
}

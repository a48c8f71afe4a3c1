package scheduler

import (
	"time"
)

// Strategy selects how priority scores are computed.
type Strategy string

const (
	// StrategyStatic scores by base priority only.
	StrategyStatic Strategy = "static"
	// StrategyHybrid applies the full weighted formula.
	StrategyHybrid Strategy = "hybrid"
	// StrategyDependencyAware adds a critical-path bonus on top of the
	// full formula.
	StrategyDependencyAware Strategy = "dependency_aware"
	// StrategyWorkloadAdaptive scales the contention penalty with
	// system load.
	StrategyWorkloadAdaptive Strategy = "workload_adaptive"
)

// StarvationMode selects how queued tasks are protected from starvation.
type StarvationMode string

const (
	StarvationNone     StarvationMode = "none"
	StarvationFixed    StarvationMode = "fixed_boost"
	StarvationAdaptive StarvationMode = "adaptive_boost"
	StarvationQuota    StarvationMode = "quota"
)

// CancelPolicy controls what happens to dependents when a task is
// cancelled or fails terminally. Chosen at construction, never per call.
type CancelPolicy string

const (
	// FailDependents cascades a terminal failure to all transitive
	// dependents.
	FailDependents CancelPolicy = "fail_dependents"
	// UnblockAsBlocked parks direct dependents in BLOCKED instead of
	// failing them.
	UnblockAsBlocked CancelPolicy = "unblock_as_blocked"
	// IgnoreDependents leaves dependents queued; they stay unrunnable
	// until their edges are removed.
	IgnoreDependents CancelPolicy = "ignore"
)

// Weights are the multipliers of the priority score factors.
type Weights struct {
	Priority   float64
	Age        float64
	Deadline   float64
	Impact     float64
	History    float64
	Contention float64
}

// DefaultWeights returns the stock factor weights.
func DefaultWeights() Weights {
	return Weights{
		Priority:   1.0,
		Age:        0.3,
		Deadline:   0.5,
		Impact:     0.4,
		History:    0.2,
		Contention: 0.3,
	}
}

// RetryConfig controls exponential backoff of failed tasks.
type RetryConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter is the +/- fraction applied to each delay, in [0,1).
	Jitter float64
}

// DefaultRetryConfig returns the stock backoff parameters.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay: 2 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Minute,
		Jitter:       0.2,
	}
}

// Config holds scheduler tuning parameters.
type Config struct {
	Strategy           Strategy
	StarvationMode     StarvationMode
	CancelPolicy       CancelPolicy
	Weights            Weights
	Retry              RetryConfig
	AdjustmentInterval time.Duration
	MaxStarvationTime  time.Duration
	MaxPriorityBoost   float64
	MinExecutionQuota  float64
	// QuotaWindow is the rolling window over which per-origin throughput
	// is measured in quota mode.
	QuotaWindow time.Duration
	// AgeWindow is the wait time at which the age factor saturates.
	AgeWindow time.Duration
	// DeadlineWindow is the horizon over which deadline proximity ramps
	// from 0 to 1.
	DeadlineWindow time.Duration
	// LookAheadDepth bounds how many resource-blocked candidates may be
	// skipped to avoid head-of-line blocking.
	LookAheadDepth int
	// ResourceCapacity maps resource tags to capacity. Tags not listed
	// are unlimited.
	ResourceCapacity map[string]int
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:           StrategyHybrid,
		StarvationMode:     StarvationAdaptive,
		CancelPolicy:       FailDependents,
		Weights:            DefaultWeights(),
		Retry:              DefaultRetryConfig(),
		AdjustmentInterval: 30 * time.Second,
		MaxStarvationTime:  5 * time.Minute,
		MaxPriorityBoost:   2.0,
		MinExecutionQuota:  0.05,
		QuotaWindow:        10 * time.Minute,
		AgeWindow:          30 * time.Minute,
		DeadlineWindow:     time.Hour,
		LookAheadDepth:     8,
	}
}

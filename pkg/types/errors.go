package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can decide between reporting,
// retrying, and deferring without inspecting error text.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindConflict          ErrorKind = "conflict"
	KindNotFound          ErrorKind = "not_found"
	KindPrecondition      ErrorKind = "precondition"
	KindResourceExhausted ErrorKind = "resource_exhausted"
	KindTimeout           ErrorKind = "timeout"
	KindExecutorFailed    ErrorKind = "executor_failed"
	KindInternal          ErrorKind = "internal"
)

// Sentinel errors for the common failure modes. Callers match with
// errors.Is; messages carry the offending ids via %w wrapping.
var (
	ErrInvalidTask       = errors.New("invalid task")
	ErrDuplicateTask     = errors.New("duplicate task")
	ErrTaskNotFound      = errors.New("task not found")
	ErrAgentNotFound     = errors.New("agent not found")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrCycle             = errors.New("dependency cycle detected")
	ErrSelfDependency    = errors.New("task depends on itself")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrNoEligibleAgents  = errors.New("no eligible agents")
	ErrNothingRunnable   = errors.New("no runnable tasks")
	ErrBreakerOpen       = errors.New("circuit breaker open")
)

// Kind extracts the error kind from err, defaulting to internal for
// unclassified errors.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicateTask), errors.Is(err, ErrIllegalTransition):
		return KindConflict
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, ErrAgentNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidTask), errors.Is(err, ErrUnknownDependency), errors.Is(err, ErrSelfDependency):
		return KindValidation
	case errors.Is(err, ErrCycle):
		return KindPrecondition
	case errors.Is(err, ErrNoEligibleAgents), errors.Is(err, ErrNothingRunnable), errors.Is(err, ErrBreakerOpen):
		return KindResourceExhausted
	}
	var ce *CycleError
	if errors.As(err, &ce) {
		return KindPrecondition
	}
	return KindInternal
}

// CycleError reports a rejected mutation that would have created a hard
// dependency cycle. Path lists the node ids along the cycle, first node
// repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %v", ErrCycle, e.Path)
}

func (e *CycleError) Unwrap() error { return ErrCycle }

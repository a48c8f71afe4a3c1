package coordinator

import (
	"context"
	"time"

	"github.com/droverhq/drover/pkg/types"
)

// Executor runs one task on one agent. The coordinator drives the four
// phases in order, each under its own timeout, and feeds the result
// back into scheduling. Implementations talk to whatever actually does
// the work: a local process runner, an SSH session, an HTTP agent API.
type Executor interface {
	// Setup prepares the execution environment.
	Setup(ctx context.Context, task *types.Task, agent *types.Agent) error
	// Run performs the task and produces its result. Long-running
	// implementations should call the reporter's Heartbeat to stay
	// clear of the watchdog.
	Run(ctx context.Context, task *types.Task, agent *types.Agent) (*types.TaskResult, error)
	// Validate inspects the result before it is accepted.
	Validate(ctx context.Context, task *types.Task, result *types.TaskResult) error
	// Cleanup tears the environment down. Called even when earlier
	// phases failed.
	Cleanup(ctx context.Context, task *types.Task, agent *types.Agent) error
}

// Timeouts bound each execution phase.
type Timeouts struct {
	Setup      time.Duration
	Command    time.Duration
	Validation time.Duration
	Cleanup    time.Duration
}

// DefaultTimeouts returns the stock phase timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Setup:      30 * time.Second,
		Command:    10 * time.Minute,
		Validation: time.Minute,
		Cleanup:    30 * time.Second,
	}
}

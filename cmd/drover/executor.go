package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/droverhq/drover/pkg/types"
)

// shellExecutor runs a task's "command" metadata entry through /bin/sh
// in a per-task scratch directory. Tasks without a command are treated
// as coordination points and complete immediately.
type shellExecutor struct {
	workRoot string
}

func newShellExecutor(dataDir string) *shellExecutor {
	return &shellExecutor{workRoot: filepath.Join(dataDir, "work")}
}

func (e *shellExecutor) scratchDir(task *types.Task) string {
	return filepath.Join(e.workRoot, task.ID)
}

func (e *shellExecutor) Setup(_ context.Context, task *types.Task, _ *types.Agent) error {
	if err := os.MkdirAll(e.scratchDir(task), 0o755); err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}
	return nil
}

func (e *shellExecutor) Run(ctx context.Context, task *types.Task, _ *types.Agent) (*types.TaskResult, error) {
	command, ok := task.Metadata["command"]
	if !ok || command.Str == "" {
		return &types.TaskResult{Success: true}, nil
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command.Str)
	cmd.Dir = e.scratchDir(task)
	output, err := cmd.CombinedOutput()

	result := &types.TaskResult{
		Success: err == nil,
		Output:  string(output),
	}
	if err != nil {
		result.Error = err.Error()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
	}
	return result, nil
}

func (e *shellExecutor) Validate(_ context.Context, _ *types.Task, result *types.TaskResult) error {
	if result.ExitCode != 0 {
		return fmt.Errorf("command exited with code %d", result.ExitCode)
	}
	return nil
}

func (e *shellExecutor) Cleanup(_ context.Context, task *types.Task, _ *types.Agent) error {
	return os.RemoveAll(e.scratchDir(task))
}

package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// DefaultWaitDelay bounds how long Run waits for output pipes after the process was killed.
const DefaultWaitDelay = 5 * time.Second

// LocalExecutor runs commands as child processes of the agent.
type LocalExecutor struct {
	WaitDelay time.Duration
}

// NewLocalExecutor creates a LocalExecutor with the default wait delay.
func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{WaitDelay: DefaultWaitDelay}
}

// Run starts the command and waits for it. Cancelling ctx kills the process.
func (l *LocalExecutor) Run(ctx context.Context, c Command) (*Result, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.WaitDelay = l.WaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.DebugContext(ctx, "running command", "cmd", c.String(), "dir", c.Dir)
	err := cmd.Run()

	// Cancellation wins over whatever the killed process reported.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	result := &Result{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("failed to run %q: %w", c.Name, err)
	}
	return result, nil
}

package builder

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCancelled short-circuits the build sequence of a cancelled task.
	// It is never reported to the coordinator.
	ErrCancelled = errors.New("build cancelled")

	// ErrTaskExpired fails a task whose TTL elapsed before it reached a terminal state.
	ErrTaskExpired = errors.New("build task expired")

	// ErrUnknownBuild is reported for transfers addressed to a BID the agent never hired.
	ErrUnknownBuild = errors.New("unknown build")

	// ErrDuplicateBuild is returned when registering a BID that is already live.
	ErrDuplicateBuild = errors.New("duplicate build")

	// ErrTooManyFiles is returned when a task receives more files than it was hired for.
	ErrTooManyFiles = errors.New("more files than expected")
)

// TransferError is a failed save of one input file. It is logged and does not fail the build.
type TransferError struct {
	Name string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("failed to save %q: %v", e.Name, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// ExtractionError is a failed extraction of one input archive.
type ExtractionError struct {
	File string
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("failed to extract %q: %v", e.File, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// maxStderrInError bounds the amount of stderr quoted in a ToolchainError message.
const maxStderrInError = 2048

// ToolchainError is a toolchain invocation that wrote to stderr or exited with a code outside
// the allow-list.
type ToolchainError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ToolchainError) Error() string {
	msg := fmt.Sprintf("%q exited with code %d", e.Command, e.ExitCode)
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return msg
	}
	if len(stderr) > maxStderrInError {
		stderr = stderr[:maxStderrInError] + "..."
	}
	return msg + ": " + stderr
}

// HookError is a failed capability hook.
type HookError struct {
	Hook string
	Err  error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("%s hook failed: %v", e.Hook, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

package executor

import (
	"context"
	"strings"
)

// Command describes one external process invocation.
type Command struct {
	// Name is the program to run, resolved through PATH.
	Name string
	Args []string

	// Dir is the working directory. It is also the directory bind-mounted into
	// containers by the DockerExecutor.
	Dir string

	// Env is a list of additional environment variables in the form "KEY=VALUE".
	Env []string
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Result holds the outcome of a finished process.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Executor runs external commands.
//
// Run blocks until the process exits or ctx is done. A process that ran to completion is
// never an error, whatever its exit code: callers decide which exit codes are acceptable.
// An error is returned only when the process could not be started or waited for, or when
// ctx was cancelled, in which case the process has been killed.
type Executor interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

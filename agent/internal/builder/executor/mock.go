package executor

import (
	"context"
	"sync"
)

// MockExecutor is a test double for the Executor interface.
// It records calls and allows tests to configure the result of each invocation.
type MockExecutor struct {
	mu    sync.Mutex
	calls []Command

	// RunFn, if set, is called for each Run invocation.
	RunFn func(ctx context.Context, cmd Command) (*Result, error)
}

// NewMockExecutor returns a MockExecutor with no configured behavior.
// By default, Run succeeds immediately with exit code 0 and no output.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{}
}

// Run implements Executor. It records the call and delegates to RunFn if set.
func (m *MockExecutor) Run(ctx context.Context, cmd Command) (*Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, cmd)
	fn := m.RunFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, cmd)
	}
	return &Result{}, nil
}

// Calls returns a copy of the recorded commands in invocation order.
func (m *MockExecutor) Calls() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Command(nil), m.calls...)
}

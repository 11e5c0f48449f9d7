package builder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"corci.pub/agent/internal/protocol"
)

// Status is the lifecycle state of a build task.
type Status string

const (
	StatusHired            Status = "hired"
	StatusCollecting       Status = "collecting"
	StatusBuilding         Status = "building"
	StatusAwaitingDelivery Status = "awaiting_delivery"
	StatusConcluded        Status = "concluded"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusConcluded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// LogEntry is one line of a task's build log.
type LogEntry struct {
	Time    time.Time
	Level   slog.Level
	Message string
}

func (e LogEntry) String() string {
	return fmt.Sprintf("%s [%s] %s", e.Time.UTC().Format(time.RFC3339Nano), e.Level, e.Message)
}

// Artifact is one output file of a build.
type Artifact struct {
	// Path is the absolute location of the file.
	Path string

	// Name is the file name announced to the coordinator.
	Name string
}

// inboxSize is the number of transfer frames buffered per task.
const inboxSize = 64

// Task owns the state of one build. All mutable fields are guarded by mu.
type Task struct {
	BID       string
	Platform  string
	Expected  int
	Conf      map[string]string
	Workspace string
	Created   time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	inbox     chan protocol.Frame
	collected chan struct{}
	onLog     func(*Task, LogEntry)

	// sendMu orders task messages with cancellation.
	sendMu sync.Mutex

	mu           sync.Mutex
	status       Status
	files        []string
	logs         []LogEntry
	artifacts    []Artifact
	pending      int
	buildStarted time.Time
	delivering   bool
}

func newTask(parent context.Context, bid, platform, workspace string, hire protocol.Hire, onLog func(*Task, LogEntry)) *Task {
	ctx, cancel := context.WithCancel(parent)
	return &Task{
		BID:       bid,
		Platform:  platform,
		Expected:  hire.FileCount,
		Conf:      hire.Conf,
		Workspace: workspace,
		Created:   time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan protocol.Frame, inboxSize),
		collected: make(chan struct{}),
		onLog:     onLog,
		status:    StatusHired,
	}
}

// Context is cancelled once the task reaches a terminal state.
func (t *Task) Context() context.Context {
	return t.ctx
}

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Cancelled reports whether the coordinator cancelled the task.
func (t *Task) Cancelled() bool {
	return t.Status() == StatusCancelled
}

// Files returns the saved input files in arrival order.
func (t *Task) Files() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.files...)
}

func (t *Task) Logs() []LogEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]LogEntry(nil), t.logs...)
}

func (t *Task) Artifacts() []Artifact {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Artifact(nil), t.artifacts...)
}

// Pending returns the number of artifacts not yet confirmed by the coordinator.
func (t *Task) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// BuildDuration returns the time since the build sequence started.
func (t *Task) BuildDuration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.buildStarted.IsZero() {
		return 0
	}
	return time.Since(t.buildStarted)
}

func (t *Task) log(level slog.Level, format string, args ...any) {
	entry := LogEntry{Time: time.Now(), Level: level, Message: fmt.Sprintf(format, args...)}
	t.mu.Lock()
	t.logs = append(t.logs, entry)
	t.mu.Unlock()

	if t.onLog != nil {
		t.onLog(t, entry)
	}
}

// Logf appends an informational line to the build log.
func (t *Task) Logf(format string, args ...any) {
	t.log(slog.LevelInfo, format, args...)
}

// Warnf appends a warning to the build log.
func (t *Task) Warnf(format string, args ...any) {
	t.log(slog.LevelWarn, format, args...)
}

// Errorf appends an error to the build log.
func (t *Task) Errorf(format string, args ...any) {
	t.log(slog.LevelError, format, args...)
}

// enqueue hands a transfer frame to the task's collector. It returns false when the task no
// longer accepts input.
func (t *Task) enqueue(frame protocol.Frame) bool {
	select {
	case <-t.collected:
		return false
	case <-t.ctx.Done():
		return false
	default:
	}
	select {
	case t.inbox <- frame:
		return true
	case <-t.collected:
		return false
	case <-t.ctx.Done():
		return false
	}
}

func (t *Task) markCollecting() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusHired {
		t.status = StatusCollecting
	}
}

// addFile appends a saved input file.
func (t *Task) addFile(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return fmt.Errorf("task is %s", t.status)
	}
	if len(t.files) >= t.Expected {
		return ErrTooManyFiles
	}
	t.files = append(t.files, path)
	return nil
}

// filesComplete reports whether the expected number of files was received.
func (t *Task) filesComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files) == t.Expected
}

// beginBuild moves the task to building. It returns false if the build already started
// or the task is terminal, so the sequence runs at most once.
func (t *Task) beginBuild() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.buildStarted.IsZero() || t.status.Terminal() {
		return false
	}
	t.status = StatusBuilding
	t.buildStarted = time.Now()
	return true
}

// terminate moves a live task to a terminal status and releases its context.
func (t *Task) terminate(status Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return false
	}
	t.status = status
	t.cancel()
	return true
}

// whileLive runs send unless the task was cancelled. A cancellation waits for a running
// send, so nothing is queued for the task once it is cancelled.
func (t *Task) whileLive(send func() error) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if t.Cancelled() {
		return ErrCancelled
	}
	return send()
}

// cancelTask moves a live task to cancelled once no task message is being queued.
func (t *Task) cancelTask() bool {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return t.terminate(StatusCancelled)
}

// expire fails a task whose build has not succeeded yet. Tasks waiting for their
// artifacts to be confirmed are left alone.
func (t *Task) expire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() || t.status == StatusAwaitingDelivery {
		return false
	}
	t.status = StatusFailed
	t.cancel()
	return true
}

// awaitDelivery records the artifacts of a successful build sequence.
func (t *Task) awaitDelivery(artifacts []Artifact) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusBuilding {
		return false
	}
	t.status = StatusAwaitingDelivery
	t.artifacts = artifacts
	return true
}

// startDelivery arms the confirmation counter. It returns false when the task is not waiting
// for delivery or delivery already started.
func (t *Task) startDelivery() ([]Artifact, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusAwaitingDelivery || t.delivering {
		return nil, false
	}
	t.delivering = true
	t.pending = len(t.artifacts)
	return append([]Artifact(nil), t.artifacts...), true
}

// confirm counts one acknowledged artifact. Once every artifact was confirmed the task is
// concluded and done is true.
func (t *Task) confirm() (remaining int, done bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusAwaitingDelivery || !t.delivering {
		return 0, false, fmt.Errorf("unexpected confirm for task in status %s", t.status)
	}
	if t.pending == 0 {
		return 0, false, fmt.Errorf("unexpected confirm, no artifact pending")
	}
	t.pending--
	if t.pending > 0 {
		return t.pending, false, nil
	}
	t.status = StatusConcluded
	t.cancel()
	return 0, true, nil
}

// logFile is the path of the flushed build log.
func (t *Task) logFile() string {
	return filepath.Join(t.Workspace, t.BID+".log")
}

// flushLog writes the accumulated build log into the workspace.
func (t *Task) flushLog() (string, error) {
	var b strings.Builder
	for _, entry := range t.Logs() {
		b.WriteString(entry.String())
		b.WriteByte('\n')
	}
	path := t.logFile()
	if err := os.MkdirAll(t.Workspace, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("failed to write build log: %w", err)
	}
	return path, nil
}

package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"corci.pub/agent/internal/builder/capability"
	"corci.pub/agent/internal/builder/executor"
	"corci.pub/agent/internal/events"
	"corci.pub/agent/internal/namegen"
	"corci.pub/agent/internal/protocol"
	"corci.pub/agent/internal/workfolder"
)

// Identity is how the agent presents itself to the coordinator.
type Identity struct {
	AID      string
	Platform string
	Name     string
}

// NewIdentity generates an agent id and, if name is empty, a readable agent name.
func NewIdentity(platform, name string) Identity {
	if name == "" {
		name = namegen.GetRandomName(namegen.Simple)
	}
	return Identity{
		AID:      strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		Platform: platform,
		Name:     name,
	}
}

// Sender delivers messages to the coordinator.
type Sender interface {
	// Send queues a message, blocking while the queue is full.
	Send(ctx context.Context, env *protocol.Envelope) error

	// SendBulk queues a file data frame behind every message queued by Send.
	SendBulk(ctx context.Context, env *protocol.Envelope) error

	// TrySend queues a message unless the queue is full.
	TrySend(env *protocol.Envelope) bool
}

// Option configures an Agent.
type Option func(*Agent)

// WithExecutor sets where toolchain commands run. Defaults to the local host.
func WithExecutor(exec executor.Executor) Option {
	return func(a *Agent) { a.exec = exec }
}

// WithCapabilities sets the platform capability providers.
func WithCapabilities(r *capability.Registry) Option {
	return func(a *Agent) { a.providers = r }
}

// WithToolchain sets the driven build tool. Defaults to Cordova.
func WithToolchain(tc *Toolchain) Option {
	return func(a *Agent) { a.toolchain = tc }
}

// WithEvents publishes task lifecycle events to bus.
func WithEvents(bus *events.Bus) Option {
	return func(a *Agent) { a.bus = bus }
}

// WithKeep retains only the n most recent workspaces, cleaned before every build.
func WithKeep(n int) Option {
	return func(a *Agent) { a.keep = n }
}

// WithMaxBuilds bounds the number of concurrently running build sequences.
func WithMaxBuilds(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithTaskTTL fails tasks that are still live after d. Zero disables the watchdog.
func WithTaskTTL(d time.Duration) Option {
	return func(a *Agent) { a.taskTTL = d }
}

// WithBuildMode sets the build mode used when a task does not request one.
func WithBuildMode(mode string) Option {
	return func(a *Agent) { a.buildMode = mode }
}

// WithTombstones sets how many terminated BIDs are remembered.
func WithTombstones(n int) Option {
	return func(a *Agent) { a.tombstones = n }
}

// Agent executes build tasks on behalf of a coordinator. It implements the session Handler:
// messages are dispatched one at a time and every task runs on its own goroutines.
type Agent struct {
	id         Identity
	workfolder string
	sender     Sender

	exec       executor.Executor
	providers  *capability.Registry
	toolchain  *Toolchain
	bus        *events.Bus
	cleaner    *workfolder.Cleaner
	sem        *semaphore.Weighted
	keep       int
	taskTTL    time.Duration
	buildMode  string
	tombstones int

	tasks *Registry

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewAgent creates an agent building in workspaces under root.
func NewAgent(id Identity, root string, sender Sender, opts ...Option) *Agent {
	ctx, stop := context.WithCancel(context.Background())
	a := &Agent{
		id:         id,
		workfolder: root,
		sender:     sender,
		buildMode:  DefaultBuildMode,
		ctx:        ctx,
		stop:       stop,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.exec == nil {
		a.exec = executor.NewLocalExecutor()
	}
	if a.providers == nil {
		a.providers = capability.NewDefaultRegistry()
	}
	if a.toolchain == nil {
		a.toolchain = Cordova()
	}
	a.tasks = NewRegistry(a.tombstones)
	a.cleaner = &workfolder.Cleaner{Root: root, Keep: a.keep, InUse: a.tasks.BIDs}
	return a
}

// Identity returns the agent identity.
func (a *Agent) Identity() Identity {
	return a.id
}

// Tasks returns the registry of live tasks.
func (a *Agent) Tasks() *Registry {
	return a.tasks
}

// Cleaner returns the workfolder cleaner run before every build.
func (a *Agent) Cleaner() *workfolder.Cleaner {
	return a.cleaner
}

// Shutdown stops every live task and waits for their goroutines.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.stop()
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected registers the agent on every (re)connect. Live tasks carry on across reconnects.
func (a *Agent) Connected(ctx context.Context, reconnect bool) ([]*protocol.Envelope, error) {
	register, err := protocol.New(protocol.KindRegister, "", protocol.Register{
		AID:      a.id.AID,
		Platform: a.id.Platform,
		Name:     a.id.Name,
	})
	if err != nil {
		return nil, err
	}
	if reconnect {
		slog.InfoContext(ctx, "re-registering with coordinator", "aid", a.id.AID, "live_tasks", a.tasks.Len())
	} else {
		slog.InfoContext(ctx, "registering with coordinator", "aid", a.id.AID, "platform", a.id.Platform, "name", a.id.Name)
	}
	return []*protocol.Envelope{register}, nil
}

// HandleMessage dispatches one coordinator message.
func (a *Agent) HandleMessage(ctx context.Context, env *protocol.Envelope) {
	slog.DebugContext(ctx, "received message", "message", env.String())
	switch env.Kind {
	case protocol.KindHire:
		a.onHire(ctx, env)
	case protocol.KindTransfer:
		a.onTransfer(ctx, env)
	case protocol.KindAccept:
		a.onAccept(ctx, env)
	case protocol.KindConfirm:
		a.onConfirm(ctx, env)
	case protocol.KindCancel:
		a.onCancel(ctx, env)
	case protocol.KindLog:
		a.onLog(ctx, env)
	default:
		slog.WarnContext(ctx, "ignoring unsupported message", "kind", env.Kind, "bid", env.BID)
	}
}

// validBID reports whether bid can name a workspace directory.
func validBID(bid string) bool {
	if bid == "" || strings.HasPrefix(bid, ".") || strings.ContainsAny(bid, `/\`) {
		return false
	}
	return filepath.IsLocal(bid)
}

func (a *Agent) onHire(ctx context.Context, env *protocol.Envelope) {
	var hire protocol.Hire
	if err := env.Decode(&hire); err != nil {
		slog.WarnContext(ctx, "invalid hire", "bid", env.BID, "error", err)
		a.sendFail(env.BID, fmt.Errorf("invalid hire: %w", err))
		return
	}
	if !validBID(env.BID) {
		slog.WarnContext(ctx, "refusing hire with invalid bid", "bid", env.BID)
		a.sendFail(env.BID, fmt.Errorf("invalid bid %q", env.BID))
		return
	}
	if hire.FileCount < 0 {
		a.sendFail(env.BID, fmt.Errorf("invalid file count %d", hire.FileCount))
		return
	}
	if hire.Conf == nil {
		hire.Conf = map[string]string{}
	}

	t := newTask(a.ctx, env.BID, a.id.Platform, filepath.Join(a.workfolder, env.BID), hire, a.onTaskLog)
	if err := a.tasks.Add(t); err != nil {
		slog.WarnContext(ctx, "ignoring hire for live build", "bid", env.BID, "error", err)
		return
	}

	if err := a.sendTask(t, protocol.KindAccept, nil); err != nil {
		slog.WarnContext(ctx, "failed to accept build", "bid", t.BID, "error", err)
	}
	t.Logf("hired for %s build, expecting %d file(s)", t.Platform, t.Expected)
	a.bus.Publish(events.Event{Type: events.TaskHiredEvent, BID: t.BID, Platform: t.Platform})

	if a.taskTTL > 0 {
		a.wg.Add(1)
		go a.watch(t)
	}
	a.wg.Add(1)
	go a.collect(t)
}

func (a *Agent) onTransfer(ctx context.Context, env *protocol.Envelope) {
	var frame protocol.Frame
	if err := env.Decode(&frame); err != nil {
		slog.WarnContext(ctx, "invalid transfer frame", "bid", env.BID, "error", err)
		return
	}
	t, ok := a.tasks.Get(env.BID)
	if !ok {
		if status, dead := a.tasks.Tombstone(env.BID); dead {
			slog.DebugContext(ctx, "dropping transfer for terminated build", "bid", env.BID, "status", status)
			return
		}
		if frame.Seq == 0 {
			slog.WarnContext(ctx, "transfer for unknown build", "bid", env.BID, "file", frame.Name)
			a.sendFail(env.BID, fmt.Errorf("%w %q", ErrUnknownBuild, env.BID))
			a.bus.Publish(events.Event{Type: events.TransferEvent, BID: env.BID, Direction: events.DirectionInbound})
		}
		return
	}
	t.markCollecting()
	if !t.enqueue(frame) {
		slog.DebugContext(ctx, "dropping transfer frame, build no longer collecting", "bid", t.BID, "stream", frame.StreamID)
	}
}

func (a *Agent) onAccept(ctx context.Context, env *protocol.Envelope) {
	t, ok := a.tasks.Get(env.BID)
	if !ok {
		slog.WarnContext(ctx, "accept for unknown build", "bid", env.BID)
		return
	}
	artifacts, ok := t.startDelivery()
	if !ok {
		slog.WarnContext(ctx, "unexpected accept", "bid", t.BID, "status", t.Status())
		return
	}
	t.Logf("coordinator accepted %d artifact(s)", len(artifacts))
	a.wg.Add(1)
	go a.deliver(t, artifacts)
}

func (a *Agent) onConfirm(ctx context.Context, env *protocol.Envelope) {
	t, ok := a.tasks.Get(env.BID)
	if !ok {
		if _, dead := a.tasks.Tombstone(env.BID); dead {
			slog.DebugContext(ctx, "dropping confirm for terminated build", "bid", env.BID)
			return
		}
		slog.WarnContext(ctx, "confirm for unknown build", "bid", env.BID)
		return
	}
	remaining, done, err := t.confirm()
	if err != nil {
		slog.WarnContext(ctx, "ignoring confirm", "bid", t.BID, "error", err)
		return
	}
	if !done {
		slog.DebugContext(ctx, "artifact confirmed", "bid", t.BID, "remaining", remaining)
		return
	}
	t.Logf("all artifacts confirmed, build concluded")
	a.tasks.Remove(t, StatusConcluded)
	a.bus.Publish(events.Event{
		Type:     events.TaskConcludedEvent,
		BID:      t.BID,
		Platform: t.Platform,
		Duration: t.BuildDuration(),
	})
}

func (a *Agent) onCancel(ctx context.Context, env *protocol.Envelope) {
	t, ok := a.tasks.Get(env.BID)
	if !ok {
		slog.DebugContext(ctx, "cancel for unknown build", "bid", env.BID)
		return
	}
	if !t.cancelTask() {
		return
	}
	t.Logf("cancelled by coordinator")
	a.tasks.Remove(t, StatusCancelled)
	a.bus.Publish(events.Event{Type: events.TaskCancelledEvent, BID: t.BID, Platform: t.Platform})
}

func (a *Agent) onLog(ctx context.Context, env *protocol.Envelope) {
	var entry protocol.Log
	if err := env.Decode(&entry); err != nil {
		slog.WarnContext(ctx, "invalid log message", "error", err)
		return
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(entry.Level)); err != nil {
		level = slog.LevelInfo
	}
	slog.Log(ctx, level, entry.Message, "source", "coordinator", "bid", env.BID)
}

// onTaskLog mirrors a task log line to the local log, the event bus and the coordinator.
func (a *Agent) onTaskLog(t *Task, entry LogEntry) {
	slog.Log(a.ctx, entry.Level, entry.Message, "bid", t.BID)
	a.bus.Publish(events.Event{
		Type:     events.TaskLogEvent,
		BID:      t.BID,
		Platform: t.Platform,
		Time:     entry.Time,
		Level:    entry.Level.String(),
		Message:  entry.Message,
	})
	env, err := protocol.New(protocol.KindLog, t.BID, protocol.Log{
		Time:    entry.Time.UnixMilli(),
		Level:   strings.ToLower(entry.Level.String()),
		Message: entry.Message,
		Source:  a.id.AID,
	})
	if err != nil {
		slog.DebugContext(a.ctx, "failed to encode build log", "bid", t.BID, "error", err)
		return
	}
	// Log lines never wait for the queue: they stay in the build log artifact.
	err = t.whileLive(func() error {
		if !a.sender.TrySend(env) {
			return errLogDropped
		}
		return nil
	})
	if errors.Is(err, errLogDropped) {
		slog.DebugContext(a.ctx, "outbound queue full, build log line not forwarded", "bid", t.BID)
	}
}

var errLogDropped = errors.New("log line dropped")

// send writes a message to the coordinator.
func (a *Agent) send(kind protocol.Kind, bid string, payload any) error {
	env, err := protocol.New(kind, bid, payload)
	if err != nil {
		return err
	}
	return a.sender.Send(a.ctx, env)
}

// sendTask writes a task scoped message. Nothing is sent for a cancelled task.
func (a *Agent) sendTask(t *Task, kind protocol.Kind, payload any) error {
	return t.whileLive(func() error {
		return a.send(kind, t.BID, payload)
	})
}

// sendTaskData queues a serve frame of t behind every other outbound message.
func (a *Agent) sendTaskData(t *Task, frame protocol.Frame) error {
	env, err := protocol.New(protocol.KindServe, t.BID, frame)
	if err != nil {
		return err
	}
	return t.whileLive(func() error {
		return a.sender.SendBulk(a.ctx, env)
	})
}

func (a *Agent) sendFail(bid string, cause error) {
	if err := a.send(protocol.KindFail, bid, protocol.Fail{Error: cause.Error()}); err != nil {
		slog.WarnContext(a.ctx, "failed to report build failure", "bid", bid, "error", err)
	}
}

// watch fails t if its build has not succeeded once the task TTL elapsed.
func (a *Agent) watch(t *Task) {
	defer a.wg.Done()
	timer := time.NewTimer(a.taskTTL)
	defer timer.Stop()
	select {
	case <-t.Context().Done():
	case <-timer.C:
		status := t.Status()
		if !t.expire() {
			return
		}
		a.reportFailure(t, fmt.Errorf("%w after %s in status %s", ErrTaskExpired, a.taskTTL, status))
	}
}

// collect receives the input files of t, then runs its build.
func (a *Agent) collect(t *Task) {
	defer a.wg.Done()
	ready := a.receiveFiles(t)
	close(t.collected)
	if ready {
		a.build(t)
	}
}

// build runs the build sequence of t once and settles its outcome.
func (a *Agent) build(t *Task) {
	ctx := t.Context()
	if a.sem != nil {
		if err := a.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer a.sem.Release(1)
	}
	if !t.beginBuild() {
		return
	}
	if err := a.cleaner.Clean(ctx); err != nil {
		slog.DebugContext(ctx, "workfolder cleanup failed", "bid", t.BID, "error", err)
	}

	if err := a.sendTask(t, protocol.KindBuilding, nil); err != nil {
		slog.DebugContext(ctx, "failed to report building", "bid", t.BID, "error", err)
	}
	a.bus.Publish(events.Event{Type: events.TaskBuildingEvent, BID: t.BID, Platform: t.Platform})

	artifacts, err := a.runSequence(ctx, t)
	a.settle(t, artifacts, err)
}

// settle reports the outcome of a finished build sequence.
func (a *Agent) settle(t *Task, artifacts []Artifact, err error) {
	if status := t.Status(); status.Terminal() {
		slog.InfoContext(a.ctx, "build stopped", "bid", t.BID, "status", status)
		return
	}
	if err != nil {
		if isStopped(err) {
			slog.InfoContext(a.ctx, "build stopped", "bid", t.BID, "error", err)
			return
		}
		a.failTask(t, err)
		return
	}
	if !t.awaitDelivery(artifacts) {
		return
	}
	t.Logf("build succeeded in %s", t.BuildDuration().Round(time.Millisecond))
	if err := a.sendTask(t, protocol.KindConclude, protocol.Conclude{ArtifactCount: len(artifacts)}); err != nil {
		slog.WarnContext(a.ctx, "failed to conclude build", "bid", t.BID, "error", err)
	}
}

// failTask terminates t as failed and reports the failure with its flushed log.
func (a *Agent) failTask(t *Task, cause error) {
	if !t.terminate(StatusFailed) {
		return
	}
	a.reportFailure(t, cause)
}

func (a *Agent) reportFailure(t *Task, cause error) {
	t.Errorf("build failed: %v", cause)
	if _, err := t.flushLog(); err != nil {
		slog.WarnContext(a.ctx, "failed to flush build log", "bid", t.BID, "error", err)
	}
	a.sendFail(t.BID, cause)
	a.tasks.Remove(t, StatusFailed)
	a.bus.Publish(events.Event{
		Type:     events.TaskFailedEvent,
		BID:      t.BID,
		Platform: t.Platform,
		Duration: t.BuildDuration(),
		Error:    cause.Error(),
	})
}

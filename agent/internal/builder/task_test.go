package builder

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corci.pub/agent/internal/protocol"
)

func newTestTask(t *testing.T, expected int) *Task {
	t.Helper()
	return newTask(context.Background(), "b1", "android", t.TempDir(), protocol.Hire{FileCount: expected}, nil)
}

func TestTask_Files(t *testing.T) {
	task := newTestTask(t, 2)
	assert.False(t, task.filesComplete())

	require.NoError(t, task.addFile("a.tar.gz"))
	assert.False(t, task.filesComplete())
	require.NoError(t, task.addFile("b.tar.gz"))
	assert.True(t, task.filesComplete())

	assert.ErrorIs(t, task.addFile("c.tar.gz"), ErrTooManyFiles)
	assert.Equal(t, []string{"a.tar.gz", "b.tar.gz"}, task.Files())
}

func TestTask_Lifecycle(t *testing.T) {
	task := newTestTask(t, 0)
	assert.Equal(t, StatusHired, task.Status())

	task.markCollecting()
	assert.Equal(t, StatusCollecting, task.Status())

	require.True(t, task.beginBuild())
	assert.False(t, task.beginBuild(), "build sequence must start once")
	assert.Equal(t, StatusBuilding, task.Status())

	_, ok := task.startDelivery()
	assert.False(t, ok, "delivery before the build settled")

	artifacts := []Artifact{{Path: "/a", Name: "a"}, {Path: "/b", Name: "b"}}
	require.True(t, task.awaitDelivery(artifacts))
	got, ok := task.startDelivery()
	require.True(t, ok)
	assert.Equal(t, artifacts, got)
	_, ok = task.startDelivery()
	assert.False(t, ok, "delivery starts once")

	remaining, done, err := task.confirm()
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
	assert.False(t, done)

	remaining, done, err = task.confirm()
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
	assert.True(t, done)
	assert.Equal(t, StatusConcluded, task.Status())
	assert.Error(t, task.Context().Err())

	_, _, err = task.confirm()
	assert.Error(t, err)
}

func TestTask_Terminate(t *testing.T) {
	task := newTestTask(t, 1)

	require.True(t, task.terminate(StatusCancelled))
	assert.False(t, task.terminate(StatusFailed), "terminal status is final")
	assert.Equal(t, StatusCancelled, task.Status())
	assert.True(t, task.Cancelled())
	assert.Error(t, task.Context().Err())

	assert.False(t, task.beginBuild())
	assert.Error(t, task.addFile("a.tar.gz"))
	assert.False(t, task.enqueue(protocol.Frame{}))
}

func TestTask_Expire(t *testing.T) {
	t.Run("Building", func(t *testing.T) {
		task := newTestTask(t, 0)
		require.True(t, task.beginBuild())
		require.True(t, task.expire())
		assert.Equal(t, StatusFailed, task.Status())
		assert.False(t, task.awaitDelivery(nil), "an expired build never concludes")
	})

	t.Run("AwaitingDelivery", func(t *testing.T) {
		task := newTestTask(t, 0)
		require.True(t, task.beginBuild())
		require.True(t, task.awaitDelivery([]Artifact{{Path: "/a", Name: "a"}}))
		assert.False(t, task.expire())
		assert.Equal(t, StatusAwaitingDelivery, task.Status())
		assert.NoError(t, task.Context().Err())
	})
}

func TestTask_ConfirmBeforeAccept(t *testing.T) {
	task := newTestTask(t, 0)
	require.True(t, task.beginBuild())
	require.True(t, task.awaitDelivery([]Artifact{{Path: "/a", Name: "a"}}))

	_, _, err := task.confirm()
	assert.Error(t, err)
	assert.Equal(t, StatusAwaitingDelivery, task.Status())
}

func TestTask_Log(t *testing.T) {
	var mirrored []LogEntry
	task := newTask(context.Background(), "b1", "android", t.TempDir(), protocol.Hire{}, func(_ *Task, e LogEntry) {
		mirrored = append(mirrored, e)
	})

	task.Logf("hello %s", "world")
	task.Warnf("careful")
	task.Errorf("broken")

	logs := task.Logs()
	require.Len(t, logs, 3)
	assert.Equal(t, "hello world", logs[0].Message)
	assert.Equal(t, logs, mirrored)

	path, err := task.flushLog()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(task.Workspace, "b1.log"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "[INFO] hello world")
	assert.Contains(t, lines[1], "[WARN] careful")
	assert.Contains(t, lines[2], "[ERROR] broken")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(2)
	a := newTestTask(t, 0)

	require.NoError(t, r.Add(a))
	assert.ErrorIs(t, r.Add(newTestTask(t, 0)), ErrDuplicateBuild)
	got, ok := r.Get("b1")
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Equal(t, []string{"b1"}, r.BIDs())

	t.Run("RemoveOtherOwner", func(t *testing.T) {
		r.Remove(newTestTask(t, 0), StatusFailed)
		assert.Equal(t, 1, r.Len())
	})

	r.Remove(a, StatusConcluded)
	assert.Equal(t, 0, r.Len())
	status, ok := r.Tombstone("b1")
	require.True(t, ok)
	assert.Equal(t, StatusConcluded, status)

	t.Run("Rehire", func(t *testing.T) {
		b := newTestTask(t, 0)
		require.NoError(t, r.Add(b))
		_, ok := r.Tombstone("b1")
		assert.False(t, ok)
		r.Remove(b, StatusCancelled)
	})

	t.Run("TombstonesAreBounded", func(t *testing.T) {
		for _, bid := range []string{"x", "y", "z"} {
			task := newTask(context.Background(), bid, "android", t.TempDir(), protocol.Hire{}, nil)
			require.NoError(t, r.Add(task))
			r.Remove(task, StatusFailed)
		}
		_, ok := r.Tombstone("x")
		assert.False(t, ok)
		_, ok = r.Tombstone("z")
		assert.True(t, ok)
	})
}

func TestStatusTerminal(t *testing.T) {
	for status, want := range map[Status]bool{
		StatusHired:            false,
		StatusCollecting:       false,
		StatusBuilding:         false,
		StatusAwaitingDelivery: false,
		StatusConcluded:        true,
		StatusFailed:           true,
		StatusCancelled:        true,
	} {
		assert.Equal(t, want, status.Terminal(), status)
	}
}

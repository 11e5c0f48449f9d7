package executor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corci.pub/agent/internal/builder/executor"
)

// skipIfNoDocker skips the test if Docker is not available.
func skipIfNoDocker(t *testing.T) client.APIClient {
	t.Helper()
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		t.Skipf("skipping docker test: %v", err)
	}
	_, err = cli.Ping(context.Background())
	if err != nil {
		t.Skipf("skipping docker test: docker not reachable: %v", err)
	}
	return cli
}

func TestImplementsInterface(t *testing.T) {
	var _ executor.Executor = (*executor.LocalExecutor)(nil)
	var _ executor.Executor = (*executor.DockerExecutor)(nil)
	var _ executor.Executor = (*executor.MockExecutor)(nil)
}

func TestCommandString(t *testing.T) {
	cmd := executor.Command{Name: "cordova", Args: []string{"build", "android", "--release"}}
	assert.Equal(t, "cordova build android --release", cmd.String())
}

func TestMockExecutor(t *testing.T) {
	t.Run("DefaultBehavior", func(t *testing.T) {
		mock := executor.NewMockExecutor()
		cmd := executor.Command{Name: "cordova", Args: []string{"platform", "add", "android"}, Dir: "/tmp/b1"}

		res, err := mock.Run(context.Background(), cmd)
		require.NoError(t, err)
		assert.Equal(t, 0, res.ExitCode)
		assert.Empty(t, res.Stdout)

		calls := mock.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, cmd, calls[0])
	})

	t.Run("RunFn", func(t *testing.T) {
		mock := executor.NewMockExecutor()
		mock.RunFn = func(ctx context.Context, cmd executor.Command) (*executor.Result, error) {
			return &executor.Result{ExitCode: 2, Stderr: []byte("boom")}, nil
		}

		res, err := mock.Run(context.Background(), executor.Command{Name: "x"})
		require.NoError(t, err)
		assert.Equal(t, 2, res.ExitCode)
		assert.Equal(t, "boom", string(res.Stderr))
	})

	t.Run("Error", func(t *testing.T) {
		mock := executor.NewMockExecutor()
		wantErr := errors.New("not found")
		mock.RunFn = func(ctx context.Context, cmd executor.Command) (*executor.Result, error) {
			return nil, wantErr
		}
		_, err := mock.Run(context.Background(), executor.Command{Name: "x"})
		assert.ErrorIs(t, err, wantErr)
	})

	t.Run("ConcurrentCalls", func(t *testing.T) {
		mock := executor.NewMockExecutor()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = mock.Run(context.Background(), executor.Command{Name: "x"})
			}()
		}
		wg.Wait()
		assert.Len(t, mock.Calls(), 20)
	})
}

func TestLocalExecutor(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("skipping local executor test: /bin/sh not available")
	}
	local := executor.NewLocalExecutor()

	t.Run("SeparatesStreams", func(t *testing.T) {
		res, err := local.Run(context.Background(), executor.Command{
			Name: "/bin/sh",
			Args: []string{"-c", "echo out; echo err 1>&2"},
		})
		require.NoError(t, err)
		assert.Equal(t, 0, res.ExitCode)
		assert.Equal(t, "out\n", string(res.Stdout))
		assert.Equal(t, "err\n", string(res.Stderr))
	})

	t.Run("NonZeroExitIsNotAnError", func(t *testing.T) {
		res, err := local.Run(context.Background(), executor.Command{
			Name: "/bin/sh",
			Args: []string{"-c", "exit 3"},
		})
		require.NoError(t, err)
		assert.Equal(t, 3, res.ExitCode)
	})

	t.Run("WorkingDirAndEnv", func(t *testing.T) {
		dir := t.TempDir()
		res, err := local.Run(context.Background(), executor.Command{
			Name: "/bin/sh",
			Args: []string{"-c", "echo $CORCI_TEST > out.txt"},
			Dir:  dir,
			Env:  []string{"CORCI_TEST=hello"},
		})
		require.NoError(t, err)
		require.Equal(t, 0, res.ExitCode)

		data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
		require.NoError(t, err)
		assert.Equal(t, "hello\n", string(data))
	})

	t.Run("MissingBinary", func(t *testing.T) {
		_, err := local.Run(context.Background(), executor.Command{Name: "corci-definitely-missing-binary"})
		assert.Error(t, err)
	})

	t.Run("CancelKillsProcess", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(100 * time.Millisecond)
			cancel()
		}()

		start := time.Now()
		_, err := local.Run(ctx, executor.Command{Name: "/bin/sh", Args: []string{"-c", "sleep 30"}})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), 10*time.Second)
	})
}

func TestDockerExecutor_Run(t *testing.T) {
	cli := skipIfNoDocker(t)
	docker := executor.NewDockerExecutor(cli, "alpine:latest")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	t.Run("SimpleEcho", func(t *testing.T) {
		res, err := docker.Run(ctx, executor.Command{Name: "/bin/sh", Args: []string{"-c", "echo hello world"}})
		require.NoError(t, err)
		assert.Equal(t, 0, res.ExitCode)
		assert.Contains(t, string(res.Stdout), "hello world")
	})

	t.Run("ExitCode", func(t *testing.T) {
		res, err := docker.Run(ctx, executor.Command{Name: "/bin/sh", Args: []string{"-c", "echo oops 1>&2; exit 1"}})
		require.NoError(t, err)
		assert.Equal(t, 1, res.ExitCode)
		assert.Contains(t, string(res.Stderr), "oops")
	})
}

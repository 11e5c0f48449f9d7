package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerExecutor runs commands inside Docker containers.
// The command's working directory is bind-mounted into the container at the same path,
// so paths computed on the host remain valid inside the container.
type DockerExecutor struct {
	client client.APIClient
	image  string

	mu     sync.Mutex
	pulled bool
}

// NewDockerExecutor runs toolchain commands in image through cli.
func NewDockerExecutor(cli client.APIClient, image string) *DockerExecutor {
	return &DockerExecutor{client: cli, image: image}
}

// NewDockerExecutorFromEnv connects to the daemon named by DOCKER_HOST and friends.
func NewDockerExecutorFromEnv(image string) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerExecutor{client: cli, image: image}, nil
}

func (d *DockerExecutor) pull(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pulled {
		return nil
	}
	slog.InfoContext(ctx, "pulling docker image", "image", d.image)

	pullReader, err := d.client.ImagePull(ctx, d.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %q: %w", d.image, err)
	}
	defer pullReader.Close()

	// Drain the pull output to ensure the image is fully downloaded.
	if _, err := io.Copy(io.Discard, pullReader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	d.pulled = true
	return nil
}

// Run creates a container for the command, waits for it to exit and collects its output.
// The container is always force-removed, which also kills it when ctx is cancelled.
func (d *DockerExecutor) Run(ctx context.Context, c Command) (*Result, error) {
	if err := d.pull(ctx); err != nil {
		return nil, err
	}

	hostConfig := &container.HostConfig{}
	if c.Dir != "" {
		hostConfig.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: c.Dir,
			Target: c.Dir,
		}}
	}

	resp, err := d.client.ContainerCreate(ctx,
		&container.Config{
			Image:      d.image,
			Entrypoint: []string{c.Name},
			Cmd:        c.Args,
			Env:        c.Env,
			WorkingDir: c.Dir,
		},
		hostConfig,
		nil, // networking config
		nil, // platform
		"",  // container name (auto-generated)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	containerID := resp.ID

	defer func() {
		removeErr := d.client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
		if removeErr != nil {
			slog.Warn("failed to remove container", "container_id", containerID, "error", removeErr)
		}
	}()

	// Register the wait before starting so a fast exit is not missed.
	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNextExit)

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	slog.DebugContext(ctx, "container started", "container_id", containerID, "cmd", c.String())

	var exitCode int64
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("error waiting for container: %w", err)
	case result := <-statusCh:
		if result.Error != nil {
			return nil, fmt.Errorf("error waiting for container: %s", result.Error.Message)
		}
		exitCode = result.StatusCode
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	logReader, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read container logs: %w", err)
	}
	defer logReader.Close()

	// Non-TTY logs interleave both streams
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logReader); err != nil {
		return nil, fmt.Errorf("failed to demultiplex container logs: %w", err)
	}

	return &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: int(exitCode),
	}, nil
}

package client

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ContainerExecutor runs commands inside long-lived containers
type ContainerExecutor interface {
	IsRunning(ctx context.Context, container string) (bool, error)
	Exec(ctx context.Context, container string, command []string) (string, error)
}

// DockerAPI is the part of the Engine API the executor uses
type DockerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// DockerClient implements ContainerExecutor on the Docker Engine API
type DockerClient struct {
	api DockerAPI
}

// NewDockerClient connects to host, or to the daemon named by the DOCKER_*
// environment when host is empty. The API version is negotiated lazily.
func NewDockerClient(host string) (*DockerClient, error) {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, dockerclient.WithHost(host))
	}
	api, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerClient{api: api}, nil
}

// NewDockerClientWithAPI wraps an existing Engine API client
func NewDockerClientWithAPI(api DockerAPI) *DockerClient {
	return &DockerClient{api: api}
}

// IsRunning reports whether the named container is up. A missing container
// is reported as not running.
func (c *DockerClient) IsRunning(ctx context.Context, name string) (bool, error) {
	resp, err := c.api.ContainerInspect(ctx, name)
	if dockerclient.IsErrNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("docker inspect %s: %w", name, err)
	}
	if resp.ContainerJSONBase == nil || resp.State == nil {
		return false, nil
	}
	return resp.State.Running, nil
}

// Exec runs command inside the container and returns its standard output.
// A non-zero exit code is an error carrying the command's stderr.
func (c *DockerClient) Exec(ctx context.Context, name string, command []string) (string, error) {
	created, err := c.api.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          command,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("docker exec %s: %w", name, err)
	}

	attached, err := c.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("docker exec %s: attach: %w", name, err)
	}
	defer attached.Close()

	// Unblock the copy when the caller gives up.
	stop := context.AfterFunc(ctx, attached.Close)
	defer stop()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attached.Reader); err != nil {
		if ctx.Err() != nil {
			return stdout.String(), ctx.Err()
		}
		return stdout.String(), fmt.Errorf("docker exec %s: read output: %w", name, err)
	}

	inspected, err := c.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return stdout.String(), fmt.Errorf("docker exec %s: inspect: %w", name, err)
	}
	if inspected.ExitCode != 0 {
		return stdout.String(), fmt.Errorf("docker exec %s: exit code %d: %s", name, inspected.ExitCode, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

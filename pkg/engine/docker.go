package engine

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/omayhemo/debughost/pkg/apperr"
	"github.com/sirupsen/logrus"
)

// DockerEngine drives Docker through its socket on Unix or named pipe on
// Windows.
type DockerEngine struct {
	Log    *logrus.Entry
	Client client.APIClient
}

var _ ContainerEngine = &DockerEngine{}

// NewDockerEngine connects to the engine using the standard environment
// (DOCKER_HOST etc).
func NewDockerEngine(log *logrus.Entry) (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apperr.Wrap(err, apperr.EngineError, "connecting to docker")
	}

	return &DockerEngine{Log: log, Client: cli}, nil
}

// CreateContainer creates a container with the workspace bind-mounted at /app
// and the host port published on loopback.
func (e *DockerEngine) CreateContainer(ctx context.Context, opts CreateOptions) (Handle, error) {
	env := make([]string, 0, len(opts.Env))
	for key, value := range opts.Env {
		env = append(env, key+"="+value)
	}

	containerPort, err := nat.NewPort("tcp", fmt.Sprintf("%d", opts.ContainerPort))
	if err != nil {
		return Handle{}, apperr.Wrap(err, apperr.ValidationError, "invalid container port")
	}

	config := &container.Config{
		Image:        opts.Image,
		Env:          env,
		Labels:       opts.Labels,
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
	}
	hostConfig := &container.HostConfig{
		Binds: []string{opts.WorkspacePath + ":/app"},
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", opts.HostPort)}},
		},
	}
	networkingConfig := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			opts.NetworkName: {},
		},
	}

	resp, err := e.Client.ContainerCreate(ctx, config, hostConfig, networkingConfig, nil, opts.Name)
	if err != nil {
		return Handle{}, apperr.Wrap(err, apperr.EngineError, "creating container "+opts.Name)
	}

	e.Log.WithFields(logrus.Fields{"container": resp.ID[:12], "name": opts.Name, "image": opts.Image}).Info("container created")

	return Handle{ID: resp.ID, Name: opts.Name}, nil
}

// StartContainer starts the container.
func (e *DockerEngine) StartContainer(ctx context.Context, containerID string) error {
	if err := e.Client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return apperr.Wrap(err, apperr.EngineError, "starting container")
	}
	return nil
}

// StopContainer requests a graceful stop, killing after graceSeconds.
func (e *DockerEngine) StopContainer(ctx context.Context, containerID string, graceSeconds int) error {
	if err := e.Client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &graceSeconds}); err != nil {
		return apperr.Wrap(err, apperr.EngineError, "stopping container")
	}
	return nil
}

// RemoveContainer removes the container, optionally by force.
func (e *DockerEngine) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	if err := e.Client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force}); err != nil {
		return apperr.Wrap(err, apperr.EngineError, "removing container")
	}
	return nil
}

// Inspect returns the container's running state. An unknown container is a
// NotFound so the caller can reconcile its registry.
func (e *DockerEngine) Inspect(ctx context.Context, containerID string) (State, error) {
	detail, err := e.Client.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return State{}, apperr.Newf(apperr.NotFound, "no container with id %s", containerID)
		}
		return State{}, apperr.Wrap(err, apperr.EngineError, "inspecting container")
	}

	state := State{}
	if detail.State != nil {
		state.Running = detail.State.Running
		state.ExitCode = detail.State.ExitCode
		if startedAt, err := time.Parse(time.RFC3339Nano, detail.State.StartedAt); err == nil {
			state.StartedAt = startedAt
		}
	}
	return state, nil
}

// AttachLogs opens the container's combined log stream. The stream is framed
// with the 8-byte stdout/stderr multiplex headers unless the container has a
// TTY, in which case raw text arrives and the collector falls back.
func (e *DockerEngine) AttachLogs(ctx context.Context, containerID string, opts LogsOptions) (io.ReadCloser, error) {
	reader, err := e.Client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
		Timestamps: opts.Timestamps,
		Tail:       opts.Tail,
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.EngineError, "attaching to container logs")
	}
	return reader, nil
}

// EnsureNetwork finds or creates the bridge network. A name collision with a
// different subnet fails with NetworkConflict rather than adopting it.
func (e *DockerEngine) EnsureNetwork(ctx context.Context, spec NetworkSpec) (string, error) {
	existing, err := e.Client.NetworkInspect(ctx, spec.Name, network.InspectOptions{})
	if err == nil {
		for _, ipamConfig := range existing.IPAM.Config {
			if ipamConfig.Subnet == spec.Subnet {
				return existing.ID, nil
			}
		}
		return "", apperr.Newf(apperr.NetworkConflict, "network %s exists with a different subnet", spec.Name).
			WithGuidance("remove the conflicting network or change network.subnet in config.yml")
	}
	if !client.IsErrNotFound(err) {
		return "", apperr.Wrap(err, apperr.EngineError, "inspecting network "+spec.Name)
	}

	created, err := e.Client.NetworkCreate(ctx, spec.Name, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: spec.Subnet, Gateway: spec.Gateway}},
		},
		Labels: map[string]string{"debug-host": "true"},
	})
	if err != nil {
		return "", apperr.Wrap(err, apperr.EngineError, "creating network "+spec.Name)
	}

	e.Log.WithFields(logrus.Fields{"network": spec.Name, "subnet": spec.Subnet}).Info("container network ready")

	return created.ID, nil
}

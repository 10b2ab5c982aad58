// Package engine is the adapter boundary to the container engine. The core
// consumes the ContainerEngine capability surface; the Docker implementation
// lives in docker.go and a scriptable in-memory one in mock.go.
package engine

import (
	"context"
	"io"
	"time"
)

// CreateOptions describes the container to create for a project.
type CreateOptions struct {
	Name          string
	Image         string
	Env           map[string]string
	WorkspacePath string

	// HostPort is published on the loopback interface onto ContainerPort.
	HostPort      int
	ContainerPort int

	NetworkName string
	Labels      map[string]string
}

// Handle identifies a created container.
type Handle struct {
	ID   string
	Name string
}

// State is the subset of inspect output the core relies on.
type State struct {
	Running   bool
	StartedAt time.Time
	ExitCode  int
}

// LogsOptions controls an AttachLogs stream. The returned stream is framed
// with the engine's 8-byte stdout/stderr multiplex headers.
type LogsOptions struct {
	Follow     bool
	Timestamps bool
	Tail       string
}

// NetworkSpec describes the single bridge network project containers join.
type NetworkSpec struct {
	Name    string
	Subnet  string
	Gateway string
}

// ContainerEngine is the capability surface the core consumes from the
// underlying engine. All calls may block on engine I/O and honor ctx.
type ContainerEngine interface {
	CreateContainer(ctx context.Context, opts CreateOptions) (Handle, error)
	StartContainer(ctx context.Context, containerID string) error

	// StopContainer requests a graceful stop bounded by graceSeconds.
	StopContainer(ctx context.Context, containerID string, graceSeconds int) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	Inspect(ctx context.Context, containerID string) (State, error)
	AttachLogs(ctx context.Context, containerID string, opts LogsOptions) (io.ReadCloser, error)

	// EnsureNetwork creates the network if absent and returns its id. An
	// existing network with the same name but a different subnet is a
	// NetworkConflict.
	EnsureNetwork(ctx context.Context, spec NetworkSpec) (string, error)
}

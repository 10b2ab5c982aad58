package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sasha-s/go-deadlock"
)

// MockEngine implements ContainerEngine for testing purposes. By default it
// behaves like a healthy engine with an in-memory container table; each
// method can be overridden by setting the corresponding function field.
type MockEngine struct {
	CreateContainerFunc func(ctx context.Context, opts CreateOptions) (Handle, error)
	StartContainerFunc  func(ctx context.Context, containerID string) error
	StopContainerFunc   func(ctx context.Context, containerID string, graceSeconds int) error
	RemoveContainerFunc func(ctx context.Context, containerID string, force bool) error
	InspectFunc         func(ctx context.Context, containerID string) (State, error)
	AttachLogsFunc      func(ctx context.Context, containerID string, opts LogsOptions) (io.ReadCloser, error)
	EnsureNetworkFunc   func(ctx context.Context, spec NetworkSpec) (string, error)

	mutex      deadlock.Mutex
	containers map[string]*mockContainer
	nextID     int

	// Calls records method invocations for assertions.
	Calls []string
}

type mockContainer struct {
	handle  Handle
	running bool
	started time.Time
}

var _ ContainerEngine = &MockEngine{}

// NewMockEngine returns a mock with an empty container table.
func NewMockEngine() *MockEngine {
	return &MockEngine{containers: map[string]*mockContainer{}}
}

func (m *MockEngine) record(call string) {
	m.Calls = append(m.Calls, call)
}

// CallsNamed returns how many recorded calls start with prefix.
func (m *MockEngine) CallsNamed(prefix string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	count := 0
	for _, call := range m.Calls {
		if strings.HasPrefix(call, prefix) {
			count++
		}
	}
	return count
}

func (m *MockEngine) CreateContainer(ctx context.Context, opts CreateOptions) (Handle, error) {
	m.mutex.Lock()
	m.record("CreateContainer:" + opts.Name)
	if m.CreateContainerFunc != nil {
		m.mutex.Unlock()
		return m.CreateContainerFunc(ctx, opts)
	}
	m.nextID++
	handle := Handle{ID: fmt.Sprintf("mock-container-%04d", m.nextID), Name: opts.Name}
	m.containers[handle.ID] = &mockContainer{handle: handle}
	m.mutex.Unlock()
	return handle, nil
}

func (m *MockEngine) StartContainer(ctx context.Context, containerID string) error {
	m.mutex.Lock()
	m.record("StartContainer:" + containerID)
	if m.StartContainerFunc != nil {
		m.mutex.Unlock()
		return m.StartContainerFunc(ctx, containerID)
	}
	if ctr, ok := m.containers[containerID]; ok {
		ctr.running = true
		ctr.started = time.Now()
	}
	m.mutex.Unlock()
	return nil
}

func (m *MockEngine) StopContainer(ctx context.Context, containerID string, graceSeconds int) error {
	m.mutex.Lock()
	m.record(fmt.Sprintf("StopContainer:%s:%d", containerID, graceSeconds))
	if m.StopContainerFunc != nil {
		m.mutex.Unlock()
		return m.StopContainerFunc(ctx, containerID, graceSeconds)
	}
	if ctr, ok := m.containers[containerID]; ok {
		ctr.running = false
	}
	m.mutex.Unlock()
	return nil
}

func (m *MockEngine) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	m.mutex.Lock()
	m.record("RemoveContainer:" + containerID)
	if m.RemoveContainerFunc != nil {
		m.mutex.Unlock()
		return m.RemoveContainerFunc(ctx, containerID, force)
	}
	delete(m.containers, containerID)
	m.mutex.Unlock()
	return nil
}

func (m *MockEngine) Inspect(ctx context.Context, containerID string) (State, error) {
	m.mutex.Lock()
	m.record("Inspect:" + containerID)
	if m.InspectFunc != nil {
		m.mutex.Unlock()
		return m.InspectFunc(ctx, containerID)
	}
	ctr, ok := m.containers[containerID]
	m.mutex.Unlock()
	if !ok {
		return State{}, notFoundError(containerID)
	}
	return State{Running: ctr.running, StartedAt: ctr.started}, nil
}

func (m *MockEngine) AttachLogs(ctx context.Context, containerID string, opts LogsOptions) (io.ReadCloser, error) {
	m.mutex.Lock()
	m.record("AttachLogs:" + containerID)
	fn := m.AttachLogsFunc
	m.mutex.Unlock()
	if fn != nil {
		return fn(ctx, containerID, opts)
	}
	return io.NopCloser(strings.NewReader("")), nil
}

func (m *MockEngine) EnsureNetwork(ctx context.Context, spec NetworkSpec) (string, error) {
	m.mutex.Lock()
	m.record("EnsureNetwork:" + spec.Name)
	fn := m.EnsureNetworkFunc
	m.mutex.Unlock()
	if fn != nil {
		return fn(ctx, spec)
	}
	return "mock-network", nil
}

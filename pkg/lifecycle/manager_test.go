package lifecycle

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/omayhemo/debughost/pkg/apperr"
	"github.com/omayhemo/debughost/pkg/bus"
	"github.com/omayhemo/debughost/pkg/config"
	"github.com/omayhemo/debughost/pkg/engine"
	"github.com/omayhemo/debughost/pkg/health"
	"github.com/omayhemo/debughost/pkg/logs"
	"github.com/omayhemo/debughost/pkg/ports"
	"github.com/omayhemo/debughost/pkg/registry"
	"github.com/omayhemo/debughost/pkg/scan"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	manager  *Manager
	registry *registry.Registry
	ports    *ports.Registry
	engine   *engine.MockEngine
	bus      *bus.Bus
	conf     config.UserConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.Out = io.Discard
	entry := log.WithField("test", true)

	conf := config.GetDefaultConfig()
	conf.Health.SettleSeconds = 0

	clock := clockwork.NewRealClock()
	dataDir := t.TempDir()

	portRegistry, err := ports.NewRegistry(entry, &conf, filepath.Join(dataDir, "ports.json"), clock)
	require.NoError(t, err)

	scanner := scan.NewScanner(entry, &conf)
	projectRegistry, err := registry.NewRegistry(entry, scanner, portRegistry, filepath.Join(dataDir, "projects.json"), clock)
	require.NoError(t, err)

	mock := engine.NewMockEngine()
	collector := logs.NewCollector(entry, mock, conf.Logs, clock)
	monitor := health.NewMonitor(entry, mock, conf.Health, clock, nil)
	monitor.SetProbeFunc(func(ctx context.Context, url string) error { return nil })
	eventBus := bus.NewBus(entry, conf.Logs.SubscriptionQueueSize)

	manager := NewManager(entry, projectRegistry, portRegistry, mock, collector, monitor, eventBus, &conf, clock)
	manager.SetHostPortProbe(func(port int) error { return nil })
	monitor.SetEvents(manager)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	return &fixture{
		manager:  manager,
		registry: projectRegistry,
		ports:    portRegistry,
		engine:   mock,
		bus:      eventBus,
		conf:     conf,
	}
}

func (f *fixture) registerNodeProject(t *testing.T) registry.Project {
	t.Helper()
	dir := t.TempDir()
	manifest := `{"name":"webapp","version":"1.0.0","dependencies":{"express":"4"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(manifest), 0o644))

	project, err := f.registry.Register(registry.RegisterOptions{WorkspacePath: dir})
	require.NoError(t, err)
	return project
}

func TestStartRunsContainer(t *testing.T) {
	f := newFixture(t)
	project := f.registerNodeProject(t)

	result, err := f.manager.Start(context.Background(), project.ID, StartOptions{})
	require.NoError(t, err)

	assert.NotEmpty(t, result.ContainerID)
	assert.Contains(t, result.ContainerName, "debug-host-webapp-")
	assert.Equal(t, 3000, result.Ports.Primary)
	assert.Equal(t, "http://localhost:3000", result.AccessURL)

	current, err := f.registry.Get(project.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRunning, current.Status)
	assert.Equal(t, result.ContainerID, current.ContainerID)
	assert.NotNil(t, current.StartedAt)
	assert.False(t, f.ports.IsFree(3000))
}

func TestStartWhileRunningIsRejected(t *testing.T) {
	f := newFixture(t)
	project := f.registerNodeProject(t)

	_, err := f.manager.Start(context.Background(), project.ID, StartOptions{})
	require.NoError(t, err)

	_, err = f.manager.Start(context.Background(), project.ID, StartOptions{})
	assert.True(t, apperr.HasCode(err, apperr.ValidationError))
}

func TestStartUnknownProject(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Start(context.Background(), "nope", StartOptions{})
	assert.True(t, apperr.HasCode(err, apperr.NotFound))
	assert.Equal(t, "start", apperr.FieldsOf(err)["operation"])
}

func TestStopReleasesEverything(t *testing.T) {
	f := newFixture(t)
	project := f.registerNodeProject(t)

	result, err := f.manager.Start(context.Background(), project.ID, StartOptions{})
	require.NoError(t, err)

	_, err = f.manager.Stop(context.Background(), project.ID, StopOptions{})
	require.NoError(t, err)

	current, err := f.registry.Get(project.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStopped, current.Status)
	assert.Empty(t, current.ContainerID)
	assert.NotNil(t, current.StoppedAt)

	// the container is gone from the engine
	_, err = f.engine.Inspect(context.Background(), result.ContainerID)
	assert.True(t, apperr.HasCode(err, apperr.NotFound))

	// the port is quarantined, not in-use
	_, held := f.ports.Holder(3000)
	assert.False(t, held)
}

func TestStopOnStoppedProjectIsNoop(t *testing.T) {
	f := newFixture(t)
	project := f.registerNodeProject(t)

	_, err := f.manager.Stop(context.Background(), project.ID, StopOptions{})
	require.NoError(t, err)

	current, err := f.registry.Get(project.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStopped, current.Status)
}

func TestStartStopStartRecyclesPort(t *testing.T) {
	f := newFixture(t)
	project := f.registerNodeProject(t)

	_, err := f.manager.Start(context.Background(), project.ID, StartOptions{})
	require.NoError(t, err)
	_, err = f.manager.Stop(context.Background(), project.ID, StopOptions{})
	require.NoError(t, err)

	result, err := f.manager.Start(context.Background(), project.ID, StartOptions{})
	require.NoError(t, err)

	current, err := f.registry.Get(project.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRunning, current.Status)
	assert.Equal(t, "nodejs", current.PrimaryTech)

	// 3000 is still quarantined, so the new allocation moves on
	rng := f.conf.RangeFor("nodejs")
	assert.True(t, rng.Contains(result.Ports.Primary))
	assert.NotEqual(t, 3000, result.Ports.Primary)
}

func TestConcurrentOperationRejected(t *testing.T) {
	f := newFixture(t)
	project := f.registerNodeProject(t)

	block := make(chan struct{})
	created := make(chan struct{})
	f.engine.CreateContainerFunc = func(ctx context.Context, opts engine.CreateOptions) (engine.Handle, error) {
		close(created)
		<-block
		return engine.Handle{ID: "c1", Name: opts.Name}, nil
	}
	f.engine.InspectFunc = func(ctx context.Context, containerID string) (engine.State, error) {
		return engine.State{Running: true, StartedAt: time.Now()}, nil
	}

	startErr := make(chan error, 1)
	go func() {
		_, err := f.manager.Start(context.Background(), project.ID, StartOptions{})
		startErr <- err
	}()

	<-created
	_, err := f.manager.Stop(context.Background(), project.ID, StopOptions{})
	assert.True(t, apperr.HasCode(err, apperr.OperationInProgress))

	close(block)
	require.NoError(t, <-startErr)
}

func TestExternallyHeldPortIsConflict(t *testing.T) {
	f := newFixture(t)
	project := f.registerNodeProject(t)

	f.manager.SetHostPortProbe(func(port int) error {
		return errors.New("bind: address already in use")
	})

	_, err := f.manager.Start(context.Background(), project.ID, StartOptions{})
	assert.True(t, apperr.HasCode(err, apperr.PortConflict))
	assert.NotEmpty(t, apperr.GuidanceOf(err))

	current, getErr := f.registry.Get(project.ID)
	require.NoError(t, getErr)
	assert.Equal(t, registry.StatusError, current.Status)
	assert.NotEmpty(t, current.LastError)
	assert.Equal(t, 0, f.engine.CallsNamed("CreateContainer"))
}

func TestStartFailureCleansUpContainer(t *testing.T) {
	f := newFixture(t)
	project := f.registerNodeProject(t)

	f.engine.StartContainerFunc = func(ctx context.Context, containerID string) error {
		return errors.New("oci runtime error")
	}

	_, err := f.manager.Start(context.Background(), project.ID, StartOptions{})
	require.Error(t, err)

	current, getErr := f.registry.Get(project.ID)
	require.NoError(t, getErr)
	assert.Equal(t, registry.StatusError, current.Status)
	assert.Empty(t, current.ContainerID)
	assert.Equal(t, 1, f.engine.CallsNamed("RemoveContainer"))
}

func TestRestart(t *testing.T) {
	f := newFixture(t)
	project := f.registerNodeProject(t)

	first, err := f.manager.Start(context.Background(), project.ID, StartOptions{})
	require.NoError(t, err)

	second, err := f.manager.Restart(context.Background(), project.ID, StartOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ContainerID, second.ContainerID)

	current, getErr := f.registry.Get(project.ID)
	require.NoError(t, getErr)
	assert.Equal(t, registry.StatusRunning, current.Status)
}

func TestStatusReconcilesLostContainer(t *testing.T) {
	f := newFixture(t)
	project := f.registerNodeProject(t)

	result, err := f.manager.Start(context.Background(), project.ID, StartOptions{})
	require.NoError(t, err)

	// the container disappears behind our back
	require.NoError(t, f.engine.RemoveContainer(context.Background(), result.ContainerID, true))

	status, err := f.manager.Status(context.Background(), project.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStopped, status.Project.Status)
	assert.Empty(t, status.Project.ContainerID)

	current, getErr := f.registry.Get(project.ID)
	require.NoError(t, getErr)
	assert.Equal(t, registry.StatusStopped, current.Status)
}

func TestStatusOfRunningProject(t *testing.T) {
	f := newFixture(t)
	project := f.registerNodeProject(t)

	_, err := f.manager.Start(context.Background(), project.ID, StartOptions{})
	require.NoError(t, err)

	status, err := f.manager.Status(context.Background(), project.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRunning, status.Project.Status)
	assert.Equal(t, "http://localhost:3000", status.AccessURL)
}

func TestUnhealthyTriggersOneAutoRestart(t *testing.T) {
	f := newFixture(t)
	project := f.registerNodeProject(t)

	first, err := f.manager.Start(context.Background(), project.ID, StartOptions{})
	require.NoError(t, err)

	snapshot := health.Snapshot{ContainerID: first.ContainerID, ConsecutiveFailures: 3, LastError: "probe failed"}
	f.manager.ContainerUnhealthy(first.ContainerID, project.ID, snapshot)

	assert.Eventually(t, func() bool {
		current, getErr := f.registry.Get(project.ID)
		return getErr == nil && current.Status == registry.StatusRunning && current.ContainerID != first.ContainerID
	}, 5*time.Second, 10*time.Millisecond)

	restarted, err := f.registry.Get(project.ID)
	require.NoError(t, err)

	// a second unhealthy event inside the cooldown window does not restart
	f.manager.ContainerUnhealthy(restarted.ContainerID, project.ID, snapshot)
	time.Sleep(50 * time.Millisecond)

	current, getErr := f.registry.Get(project.ID)
	require.NoError(t, getErr)
	assert.Equal(t, restarted.ContainerID, current.ContainerID)
	assert.Equal(t, registry.HealthUnhealthy, current.HealthStatus)
}

func TestDroppedAutoRestartDoesNotArmCooldown(t *testing.T) {
	f := newFixture(t)
	project := f.registerNodeProject(t)

	first, err := f.manager.Start(context.Background(), project.ID, StartOptions{})
	require.NoError(t, err)

	// hold the operation lock so the auto-restart is dropped
	require.NoError(t, f.manager.acquire(project.ID, "stop"))

	snapshot := health.Snapshot{ContainerID: first.ContainerID, ConsecutiveFailures: 3, LastError: "probe failed"}
	f.manager.ContainerUnhealthy(first.ContainerID, project.ID, snapshot)
	time.Sleep(50 * time.Millisecond)

	current, getErr := f.registry.Get(project.ID)
	require.NoError(t, getErr)
	assert.Equal(t, first.ContainerID, current.ContainerID)

	f.manager.restartMutex.Lock()
	_, armed := f.manager.lastAutoRestart[project.ID]
	f.manager.restartMutex.Unlock()
	assert.False(t, armed)

	f.manager.release(project.ID)

	// with no restart on record, the next unhealthy report goes through
	f.manager.ContainerUnhealthy(first.ContainerID, project.ID, snapshot)
	assert.Eventually(t, func() bool {
		current, getErr := f.registry.Get(project.ID)
		return getErr == nil && current.Status == registry.StatusRunning && current.ContainerID != first.ContainerID
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRecoveredUpdatesHealthStatus(t *testing.T) {
	f := newFixture(t)
	project := f.registerNodeProject(t)

	result, err := f.manager.Start(context.Background(), project.ID, StartOptions{})
	require.NoError(t, err)

	sub := f.bus.Subscribe(project.ID)
	defer sub.Close()

	f.manager.ContainerRecovered(result.ContainerID, project.ID, health.Snapshot{ContainerID: result.ContainerID, Healthy: true})

	current, getErr := f.registry.Get(project.ID)
	require.NoError(t, getErr)
	assert.Equal(t, registry.HealthHealthy, current.HealthStatus)

	event := <-sub.C
	assert.Equal(t, bus.EventHealth, event.Type)
	assert.True(t, event.Health.Healthy)
}

func TestRemoveRequiresTerminalState(t *testing.T) {
	f := newFixture(t)
	project := f.registerNodeProject(t)

	_, err := f.manager.Start(context.Background(), project.ID, StartOptions{})
	require.NoError(t, err)

	err = f.manager.Remove(project.ID)
	assert.True(t, apperr.HasCode(err, apperr.ValidationError))

	_, err = f.manager.Stop(context.Background(), project.ID, StopOptions{})
	require.NoError(t, err)
	require.NoError(t, f.manager.Remove(project.ID))

	_, err = f.registry.Get(project.ID)
	assert.True(t, apperr.HasCode(err, apperr.NotFound))
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	f := newFixture(t)
	project := f.registerNodeProject(t)

	block := make(chan struct{})
	created := make(chan struct{})
	f.engine.CreateContainerFunc = func(ctx context.Context, opts engine.CreateOptions) (engine.Handle, error) {
		close(created)
		<-block
		return engine.Handle{ID: "c1", Name: opts.Name}, nil
	}
	f.engine.InspectFunc = func(ctx context.Context, containerID string) (engine.State, error) {
		return engine.State{Running: true, StartedAt: time.Now()}, nil
	}

	startDone := make(chan struct{})
	go func() {
		_, _ = f.manager.Start(context.Background(), project.ID, StartOptions{})
		close(startDone)
	}()
	<-created

	shutdownDone := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.manager.Shutdown(ctx)
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		t.Fatal("shutdown returned while an operation was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	<-startDone
	<-shutdownDone

	// new operations are rejected after shutdown
	_, err := f.manager.Stop(context.Background(), project.ID, StopOptions{})
	require.Error(t, err)
}

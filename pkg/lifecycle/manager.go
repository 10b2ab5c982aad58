// Package lifecycle is the only component that mutates a project's runtime
// state. It enforces at most one in-flight operation per project, drives the
// stopped/starting/running/stopping/error state machine, and owns the wiring
// of a running container to the log collector, the health monitor and the
// subscription bus.
package lifecycle

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/omayhemo/debughost/pkg/apperr"
	"github.com/omayhemo/debughost/pkg/bus"
	"github.com/omayhemo/debughost/pkg/config"
	"github.com/omayhemo/debughost/pkg/engine"
	"github.com/omayhemo/debughost/pkg/health"
	"github.com/omayhemo/debughost/pkg/logs"
	"github.com/omayhemo/debughost/pkg/metrics"
	"github.com/omayhemo/debughost/pkg/ports"
	"github.com/omayhemo/debughost/pkg/registry"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// StartOptions are caller-supplied overrides for one start.
type StartOptions struct {
	// Env entries override the template environment.
	Env map[string]string `json:"env,omitempty"`
}

// StartResult is the success payload of Start.
type StartResult struct {
	ContainerID   string         `json:"container_id"`
	ContainerName string         `json:"container_name"`
	Ports         registry.Ports `json:"ports"`
	AccessURL     string         `json:"access_url"`
	ElapsedMS     int64          `json:"elapsed_ms"`
}

// StopOptions tune one stop.
type StopOptions struct {
	// Force removes the container immediately instead of a graceful stop.
	Force bool `json:"force,omitempty"`

	// GracePeriodSeconds overrides the tech template's grace period.
	GracePeriodSeconds int `json:"grace_period_seconds,omitempty"`
}

// StopResult is the success payload of Stop.
type StopResult struct {
	ElapsedMS int64 `json:"elapsed_ms"`
}

// StatusResult reconciles the registry record with the engine's view.
type StatusResult struct {
	Project   registry.Project `json:"project"`
	Health    *health.Snapshot `json:"health,omitempty"`
	UptimeMS  int64            `json:"uptime_ms,omitempty"`
	AccessURL string           `json:"access_url,omitempty"`
}

// hostPortProbe reports an error when the port is already bound on the host
// by something outside our registries.
type hostPortProbe func(port int) error

// Manager coordinates registry, ports, engine, logs and health for every
// lifecycle operation.
type Manager struct {
	Log      *logrus.Entry
	Registry *registry.Registry
	Ports    *ports.Registry
	Engine   engine.ContainerEngine
	Logs     *logs.Collector
	Health   *health.Monitor
	Bus      *bus.Bus

	config *config.UserConfig
	clock  clockwork.Clock

	probePort hostPortProbe

	opMutex  deadlock.Mutex
	inFlight map[string]string

	// operationsWG tracks in-flight operations so Shutdown can wait for
	// them.
	operationsWG sync.WaitGroup

	restartMutex    deadlock.Mutex
	lastAutoRestart map[string]time.Time

	// forwarders holds the goroutines bridging log subscriptions onto the
	// bus, one per running container.
	forwarderMutex deadlock.Mutex
	forwarders     map[string]*logs.Subscription

	shutdownMutex deadlock.Mutex
	shuttingDown  bool
}

func NewManager(
	log *logrus.Entry,
	projectRegistry *registry.Registry,
	portRegistry *ports.Registry,
	containerEngine engine.ContainerEngine,
	collector *logs.Collector,
	monitor *health.Monitor,
	eventBus *bus.Bus,
	userConfig *config.UserConfig,
	clock clockwork.Clock,
) *Manager {
	m := &Manager{
		Log:             log,
		Registry:        projectRegistry,
		Ports:           portRegistry,
		Engine:          containerEngine,
		Logs:            collector,
		Health:          monitor,
		Bus:             eventBus,
		config:          userConfig,
		clock:           clock,
		probePort:       listenProbe,
		inFlight:        map[string]string{},
		lastAutoRestart: map[string]time.Time{},
		forwarders:      map[string]*logs.Subscription{},
	}
	return m
}

// SetHostPortProbe overrides the host port availability check.
func (m *Manager) SetHostPortProbe(probe hostPortProbe) { m.probePort = probe }

// listenProbe binds the loopback port briefly to detect external holders.
func listenProbe(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return err
	}
	return listener.Close()
}

// Init ensures the container network exists. Called once at startup.
func (m *Manager) Init(ctx context.Context) error {
	spec := engine.NetworkSpec{
		Name:    m.config.Network.Name,
		Subnet:  m.config.Network.Subnet,
		Gateway: m.config.Network.Gateway,
	}
	networkID, err := m.Engine.EnsureNetwork(ctx, spec)
	if err != nil {
		return err
	}
	m.Log.WithFields(logrus.Fields{"network": spec.Name, "id": networkID}).Info("container network ready")
	return nil
}

// acquire takes the per-project operation lock. A second concurrent
// operation on the same project fails fast rather than queueing.
func (m *Manager) acquire(projectID, operation string) error {
	m.shutdownMutex.Lock()
	if m.shuttingDown {
		m.shutdownMutex.Unlock()
		return apperr.New(apperr.ValidationError, "service is shutting down")
	}
	m.shutdownMutex.Unlock()

	m.opMutex.Lock()
	defer m.opMutex.Unlock()

	if current, busy := m.inFlight[projectID]; busy {
		return apperr.Newf(apperr.OperationInProgress, "a %s operation is already in progress for this project", current).
			WithGuidance("wait for the current operation to finish and retry")
	}
	m.inFlight[projectID] = operation
	m.operationsWG.Add(1)
	return nil
}

func (m *Manager) release(projectID string) {
	m.opMutex.Lock()
	delete(m.inFlight, projectID)
	m.opMutex.Unlock()
	m.operationsWG.Done()
}

// Start creates and starts the project's container, waits for readiness and
// transitions the project to running.
func (m *Manager) Start(ctx context.Context, projectID string, opts StartOptions) (StartResult, error) {
	if err := m.acquire(projectID, "start"); err != nil {
		return StartResult{}, m.tag(err, projectID, "start")
	}
	defer m.release(projectID)

	result, err := m.start(ctx, projectID, opts, false)
	return result, m.tag(err, projectID, "start")
}

func (m *Manager) start(ctx context.Context, projectID string, opts StartOptions, restarting bool) (StartResult, error) {
	began := m.clock.Now()

	project, err := m.Registry.Get(projectID)
	if err != nil {
		return StartResult{}, err
	}
	if !restarting && !project.Status.Terminal() {
		return StartResult{}, apperr.Newf(apperr.ValidationError, "project is %s; start requires a stopped or errored project", project.Status)
	}

	template := m.config.TemplateFor(project.PrimaryTech)

	startingStatus := registry.StatusStarting
	if restarting {
		startingStatus = registry.StatusRestarting
	}
	if _, err := m.Registry.Apply(projectID, func(p *registry.Project) {
		p.Status = startingStatus
		p.LastError = ""
	}); err != nil {
		return StartResult{}, err
	}

	port, err := m.ensurePrimaryPort(project)
	if err != nil {
		m.recordError(projectID, err)
		return StartResult{}, err
	}

	handle, err := m.createAndStart(ctx, project, template, port, opts)
	if err != nil {
		m.recordError(projectID, err)
		return StartResult{}, err
	}

	if _, err := m.Registry.Apply(projectID, func(p *registry.Project) {
		p.ContainerID = handle.ID
		p.ContainerName = handle.Name
		p.Ports.Primary = port
	}); err != nil {
		m.cleanupContainer(handle)
		m.recordError(projectID, err)
		return StartResult{}, err
	}

	if err := m.Logs.Start(handle.Name, logs.StartOptions{}); err != nil {
		m.Log.WithError(err).WithField("container", handle.Name).Warn("log collection failed to start")
	} else {
		m.forwardLogs(projectID, handle.Name)
	}

	startupCtx, cancel := context.WithTimeout(ctx, time.Duration(template.StartupTimeoutSeconds)*time.Second)
	defer cancel()

	settle := project.PrimaryTech != "static"
	if err := m.Health.WaitReady(startupCtx, handle.ID, settle); err != nil {
		m.teardown(handle, projectID, 5, true)
		m.recordError(projectID, err)
		return StartResult{}, err
	}

	m.Health.Start(handle.ID, health.ProbeOptions{
		ProjectID: projectID,
		Port:      port,
		ProbePath: template.ProbePath,
	})

	now := m.clock.Now()
	updated, err := m.Registry.Apply(projectID, func(p *registry.Project) {
		p.Status = registry.StatusRunning
		p.StartedAt = &now
		p.HealthStatus = registry.HealthUnknown
	})
	if err != nil {
		m.teardown(handle, projectID, 5, true)
		return StartResult{}, err
	}

	metrics.RunningProjects.Inc()
	m.Log.WithFields(logrus.Fields{
		"project":   projectID,
		"container": handle.Name,
		"port":      port,
	}).Info("project started")

	return StartResult{
		ContainerID:   handle.ID,
		ContainerName: handle.Name,
		Ports:         updated.Ports,
		AccessURL:     fmt.Sprintf("http://localhost:%d", port),
		ElapsedMS:     m.clock.Since(began).Milliseconds(),
	}, nil
}

// ensurePrimaryPort reuses the project's allocation when it still holds it,
// re-allocates after a stop released it, and verifies nothing outside our
// registries is bound to the port on the host.
func (m *Manager) ensurePrimaryPort(project registry.Project) (int, error) {
	port := project.Ports.Primary
	held := false
	if port != 0 {
		holderID, ok := m.Ports.Holder(port)
		held = ok && holderID == project.ID
	}

	allocated := false
	if !held {
		var err error
		port, err = m.Ports.Allocate(project.ID, project.PrimaryTech, project.Ports.Primary)
		if apperr.HasCode(err, apperr.PortConflict) {
			// the preferred port went to someone else while we were stopped;
			// fall back to the range default
			port, err = m.Ports.Allocate(project.ID, project.PrimaryTech, 0)
		}
		if err != nil {
			return 0, err
		}
		allocated = true
	}

	if err := m.probePort(port); err != nil {
		if allocated {
			if releaseErr := m.Ports.Release(port); releaseErr != nil {
				m.Log.WithError(releaseErr).WithField("port", port).Warn("failed to release port after host conflict")
			}
		}
		return 0, apperr.Newf(apperr.PortConflict, "port %d is held by another process on this host: %v", port, err).
			WithGuidance("stop the process bound to the port, or remove and re-register the project to pick a new one")
	}

	return port, nil
}

func (m *Manager) createAndStart(ctx context.Context, project registry.Project, template config.TechTemplate, port int, opts StartOptions) (engine.Handle, error) {
	env := map[string]string{
		"NODE_ENV":     "development",
		"DEBUG":        "*",
		"PROJECT_NAME": project.Name,
		"PROJECT_ID":   project.ID,
		"PRIMARY_TECH": project.PrimaryTech,
		"PORT":         fmt.Sprintf("%d", template.ContainerPort),
	}
	for key, value := range opts.Env {
		env[key] = value
	}

	handle, err := m.Engine.CreateContainer(ctx, engine.CreateOptions{
		Name:          ContainerName(project),
		Image:         template.Image,
		Env:           env,
		WorkspacePath: project.WorkspacePath,
		HostPort:      port,
		ContainerPort: template.ContainerPort,
		NetworkName:   m.config.Network.Name,
		Labels: map[string]string{
			"debug-host":            "true",
			"debug-host.project-id": project.ID,
		},
	})
	if err != nil {
		return engine.Handle{}, err
	}

	if err := m.Engine.StartContainer(ctx, handle.ID); err != nil {
		m.cleanupContainer(handle)
		return engine.Handle{}, err
	}

	return handle, nil
}

// ContainerName derives the stable, engine-safe container name for a
// project. Log buffers are keyed by this name, so history stays queryable
// after the container itself is gone.
func ContainerName(project registry.Project) string {
	name := strings.ToLower(project.Name)
	name = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' {
			return r
		}
		return '-'
	}, name)
	short := project.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("debug-host-%s-%s", name, short)
}

// forwardLogs bridges the container's log subscription onto the bus until
// the subscription closes.
func (m *Manager) forwardLogs(projectID, containerName string) {
	sub := m.Logs.Subscribe(containerName)

	m.forwarderMutex.Lock()
	if previous, ok := m.forwarders[containerName]; ok {
		previous.Close()
	}
	m.forwarders[containerName] = sub
	m.forwarderMutex.Unlock()

	go func() {
		for entry := range sub.C {
			m.Bus.PublishLog(projectID, entry)
		}
	}()
}

func (m *Manager) stopForwarding(containerName string) {
	m.forwarderMutex.Lock()
	sub, ok := m.forwarders[containerName]
	if ok {
		delete(m.forwarders, containerName)
	}
	m.forwarderMutex.Unlock()
	if ok {
		sub.Close()
	}
}

// cleanupContainer force-removes a container that never reached running.
func (m *Manager) cleanupContainer(handle engine.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.Engine.RemoveContainer(ctx, handle.ID, true); err != nil && !apperr.HasCode(err, apperr.NotFound) {
		m.Log.WithError(err).WithField("container", handle.Name).Warn("startup cleanup failed to remove container")
	}
}

// teardown unwinds monitoring, collection and the container itself after a
// failed start or during a stop.
func (m *Manager) teardown(handle engine.Handle, projectID string, graceSeconds int, force bool) error {
	var result *multierror.Error

	m.Health.Stop(handle.ID)
	m.stopForwarding(handle.Name)
	m.Logs.Stop(handle.Name)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(graceSeconds+30)*time.Second)
	defer cancel()

	if !force {
		if err := m.Engine.StopContainer(ctx, handle.ID, graceSeconds); err != nil && !apperr.HasCode(err, apperr.NotFound) {
			result = multierror.Append(result, err)
			force = true
		}
	}
	if err := m.Engine.RemoveContainer(ctx, handle.ID, force); err != nil && !apperr.HasCode(err, apperr.NotFound) {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

func (m *Manager) recordError(projectID string, cause error) {
	if _, err := m.Registry.Apply(projectID, func(p *registry.Project) {
		p.Status = registry.StatusError
		p.LastError = cause.Error()
		p.ContainerID = ""
		p.ContainerName = ""
	}); err != nil {
		m.Log.WithError(err).WithField("project", projectID).Error("failed to record operation error")
	}
}

// Stop halts the project's container. A project with no recorded container
// is a no-op success.
func (m *Manager) Stop(ctx context.Context, projectID string, opts StopOptions) (StopResult, error) {
	if err := m.acquire(projectID, "stop"); err != nil {
		return StopResult{}, m.tag(err, projectID, "stop")
	}
	defer m.release(projectID)

	result, err := m.stop(ctx, projectID, opts)
	return result, m.tag(err, projectID, "stop")
}

func (m *Manager) stop(ctx context.Context, projectID string, opts StopOptions) (StopResult, error) {
	began := m.clock.Now()

	project, err := m.Registry.Get(projectID)
	if err != nil {
		return StopResult{}, err
	}

	if project.ContainerID == "" {
		if !project.Status.Terminal() {
			if _, err := m.Registry.Apply(projectID, func(p *registry.Project) {
				p.Status = registry.StatusStopped
			}); err != nil {
				return StopResult{}, err
			}
		}
		return StopResult{ElapsedMS: m.clock.Since(began).Milliseconds()}, nil
	}

	wasRunning := project.Status == registry.StatusRunning

	if _, err := m.Registry.Apply(projectID, func(p *registry.Project) {
		p.Status = registry.StatusStopping
	}); err != nil {
		return StopResult{}, err
	}

	grace := opts.GracePeriodSeconds
	if grace == 0 {
		grace = m.config.TemplateFor(project.PrimaryTech).StopGraceSeconds
	}

	handle := engine.Handle{ID: project.ContainerID, Name: project.ContainerName}
	if err := m.teardown(handle, projectID, grace, opts.Force); err != nil {
		m.Log.WithError(err).WithField("project", projectID).Warn("container teardown was not clean")
	}

	m.Bus.CloseProject(projectID)

	now := m.clock.Now()
	if _, err := m.Registry.Apply(projectID, func(p *registry.Project) {
		p.Status = registry.StatusStopped
		p.ContainerID = ""
		p.ContainerName = ""
		p.StoppedAt = &now
		p.HealthStatus = registry.HealthUnknown
	}); err != nil {
		return StopResult{}, err
	}

	if err := m.Ports.ReleaseForProject(projectID); err != nil {
		m.Log.WithError(err).WithField("project", projectID).Warn("failed to release ports")
	}

	if wasRunning {
		metrics.RunningProjects.Dec()
	}
	m.Log.WithField("project", projectID).Info("project stopped")

	return StopResult{ElapsedMS: m.clock.Since(began).Milliseconds()}, nil
}

// Restart stops then starts the project under a single operation lock. A
// failed stop does not abort the start.
func (m *Manager) Restart(ctx context.Context, projectID string, opts StartOptions) (StartResult, error) {
	if err := m.acquire(projectID, "restart"); err != nil {
		return StartResult{}, m.tag(err, projectID, "restart")
	}
	defer m.release(projectID)

	metrics.Restarts.Inc()

	result, err := m.restart(ctx, projectID, opts)
	return result, m.tag(err, projectID, "restart")
}

func (m *Manager) restart(ctx context.Context, projectID string, opts StartOptions) (StartResult, error) {
	if _, err := m.stop(ctx, projectID, StopOptions{GracePeriodSeconds: 5}); err != nil {
		m.Log.WithError(err).WithField("project", projectID).Warn("stop during restart failed, starting anyway")
	}
	return m.start(ctx, projectID, opts, true)
}

// Status reconciles the registry record with the engine and returns the
// combined view. A container the engine no longer knows resets the project
// to stopped.
func (m *Manager) Status(ctx context.Context, projectID string) (StatusResult, error) {
	project, err := m.Registry.Get(projectID)
	if err != nil {
		return StatusResult{}, m.tag(err, projectID, "status")
	}

	result := StatusResult{Project: project}

	if project.ContainerID != "" {
		state, err := m.Engine.Inspect(ctx, project.ContainerID)
		if err != nil || !state.Running {
			reconciled, applyErr := m.reconcileToStopped(projectID, project)
			if applyErr != nil {
				return StatusResult{}, m.tag(applyErr, projectID, "status")
			}
			result.Project = reconciled
			return result, nil
		}

		result.UptimeMS = m.clock.Since(state.StartedAt).Milliseconds()
		result.AccessURL = fmt.Sprintf("http://localhost:%d", project.Ports.Primary)
		if snapshot, ok := m.Health.Snapshot(project.ContainerID); ok {
			result.Health = &snapshot
		}
	}

	return result, nil
}

// reconcileToStopped clears a container the engine lost.
func (m *Manager) reconcileToStopped(projectID string, project registry.Project) (registry.Project, error) {
	m.Log.WithFields(logrus.Fields{
		"project":   projectID,
		"container": project.ContainerName,
	}).Warn("engine no longer reports the container, reconciling to stopped")

	m.Health.Stop(project.ContainerID)
	m.stopForwarding(project.ContainerName)
	m.Logs.Stop(project.ContainerName)

	wasRunning := project.Status == registry.StatusRunning

	reconciled, err := m.Registry.Apply(projectID, func(p *registry.Project) {
		p.Status = registry.StatusStopped
		p.ContainerID = ""
		p.ContainerName = ""
		p.HealthStatus = registry.HealthUnknown
	})
	if err != nil {
		return registry.Project{}, err
	}

	if err := m.Ports.ReleaseForProject(projectID); err != nil {
		m.Log.WithError(err).WithField("project", projectID).Warn("failed to release ports")
	}
	if wasRunning {
		metrics.RunningProjects.Dec()
	}

	return reconciled, nil
}

// Remove stops nothing; it only delegates to the registry, which requires a
// terminal state. The project's log buffer is cleared.
func (m *Manager) Remove(projectID string) error {
	if err := m.acquire(projectID, "remove"); err != nil {
		return m.tag(err, projectID, "remove")
	}
	defer m.release(projectID)

	project, err := m.Registry.Get(projectID)
	if err != nil {
		return m.tag(err, projectID, "remove")
	}

	if err := m.Registry.Remove(projectID); err != nil {
		return m.tag(err, projectID, "remove")
	}

	if project.ContainerName != "" {
		m.Logs.Clear(project.ContainerName)
	}
	m.Bus.CloseProject(projectID)

	return nil
}

// ContainerUnhealthy implements health.Events: record the state and perform
// at most one auto-restart per cooldown window.
func (m *Manager) ContainerUnhealthy(containerID, projectID string, snapshot health.Snapshot) {
	now := m.clock.Now()
	if _, err := m.Registry.Apply(projectID, func(p *registry.Project) {
		p.HealthStatus = registry.HealthUnhealthy
		p.LastHealthCheck = &now
		p.LastError = snapshot.LastError
	}); err != nil {
		m.Log.WithError(err).WithField("project", projectID).Error("failed to record unhealthy state")
	}

	m.Bus.PublishHealth(projectID, snapshot)

	cooldown := time.Duration(m.config.Health.RestartCooldownSeconds) * time.Second
	m.restartMutex.Lock()
	last, restarted := m.lastAutoRestart[projectID]
	m.restartMutex.Unlock()
	if restarted && now.Sub(last) < cooldown {
		m.Log.WithField("project", projectID).Info("container unhealthy, restart cooldown active")
		return
	}

	go func() {
		if err := m.acquire(projectID, "restart"); err != nil {
			// another operation is in flight; drop the restart, do not
			// queue. The cooldown stays unstamped so the next unhealthy
			// report can retry.
			m.Log.WithError(err).WithField("project", projectID).Info("auto-restart dropped")
			return
		}
		defer m.release(projectID)

		// the cooldown starts only once a restart actually happens;
		// re-check under the lock in case a concurrent report won the race
		m.restartMutex.Lock()
		if last, ok := m.lastAutoRestart[projectID]; ok && m.clock.Now().Sub(last) < cooldown {
			m.restartMutex.Unlock()
			return
		}
		m.lastAutoRestart[projectID] = m.clock.Now()
		m.restartMutex.Unlock()

		metrics.AutoRestarts.Inc()
		m.Log.WithField("project", projectID).Warn("container unhealthy, auto-restarting")

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		if _, err := m.restart(ctx, projectID, StartOptions{}); err != nil {
			m.Log.WithError(err).WithField("project", projectID).Error("auto-restart failed")
		}
	}()
}

// ContainerRecovered implements health.Events.
func (m *Manager) ContainerRecovered(containerID, projectID string, snapshot health.Snapshot) {
	now := m.clock.Now()
	if _, err := m.Registry.Apply(projectID, func(p *registry.Project) {
		p.HealthStatus = registry.HealthHealthy
		p.LastHealthCheck = &now
	}); err != nil {
		m.Log.WithError(err).WithField("project", projectID).Error("failed to record recovery")
	}

	m.Bus.PublishHealth(projectID, snapshot)
	m.Log.WithField("project", projectID).Info("container recovered")
}

// Shutdown stops the health monitor first so no auto-restart fires mid
// shutdown, then waits for in-flight operations up to the timeout. Running
// containers are left running; the service is restartable.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownMutex.Lock()
	m.shuttingDown = true
	m.shutdownMutex.Unlock()

	m.Health.Close()

	done := make(chan struct{})
	go func() {
		m.operationsWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.opMutex.Lock()
		for projectID, operation := range m.inFlight {
			m.Log.WithFields(logrus.Fields{"project": projectID, "operation": operation}).
				Warn("shutdown proceeding with operation still in flight")
		}
		m.opMutex.Unlock()
	}

	m.Bus.Close()
	m.Logs.Close()
	return nil
}

// tag attaches the project and operation to a surfaced error.
func (m *Manager) tag(err error, projectID, operation string) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if !xerrors.As(err, &appErr) {
		appErr = apperr.Wrap(err, apperr.EngineError, "engine operation failed").(*apperr.Error)
	}
	return appErr.WithField("project_id", projectID).WithField("operation", operation)
}

// Package health runs the periodic readiness and liveness checks for project
// containers. Each monitored container gets its own probe loop; threshold
// crossings are reported through a callback interface so the monitor holds no
// pointer into the lifecycle manager.
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/omayhemo/debughost/pkg/apperr"
	"github.com/omayhemo/debughost/pkg/config"
	"github.com/omayhemo/debughost/pkg/engine"
	"github.com/omayhemo/debughost/pkg/metrics"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

// Snapshot is the monitor's current view of one container.
type Snapshot struct {
	ContainerID         string    `json:"container_id"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
	LastError           string    `json:"last_error,omitempty"`
}

// ProbeOptions describe what to probe for one container.
type ProbeOptions struct {
	ProjectID string
	Port      int
	ProbePath string
}

// Events is invoked from the probe loop when thresholds are crossed.
// Implementations must not block; the lifecycle manager's auto-restart
// handling runs in its own goroutine.
type Events interface {
	ContainerUnhealthy(containerID, projectID string, snapshot Snapshot)
	ContainerRecovered(containerID, projectID string, snapshot Snapshot)
}

// ProbeFunc performs one readiness probe. Any non-nil error is a failed
// probe; context cancellation is reported as ctx.Err and not counted.
type ProbeFunc func(ctx context.Context, url string) error

type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Monitor owns the HealthSnapshots and probe loops.
type Monitor struct {
	Log    *logrus.Entry
	Engine engine.ContainerEngine

	config config.HealthConfig
	clock  clockwork.Clock
	events Events
	probe  ProbeFunc

	mutex     deadlock.Mutex
	workers   map[string]*worker
	snapshots map[string]*Snapshot
}

// NewMonitor returns a monitor probing over plain HTTP on localhost.
func NewMonitor(log *logrus.Entry, containerEngine engine.ContainerEngine, healthConfig config.HealthConfig, clock clockwork.Clock, events Events) *Monitor {
	m := &Monitor{
		Log:       log,
		Engine:    containerEngine,
		config:    healthConfig,
		clock:     clock,
		events:    events,
		workers:   map[string]*worker{},
		snapshots: map[string]*Snapshot{},
	}
	m.probe = m.httpProbe
	return m
}

// SetProbeFunc replaces the HTTP probe, for tests.
func (m *Monitor) SetProbeFunc(probe ProbeFunc) { m.probe = probe }

// SetEvents wires the threshold callbacks. Called once during startup,
// before any Start.
func (m *Monitor) SetEvents(events Events) { m.events = events }

// Start begins probing the container every interval. Idempotent for a
// container already being monitored.
func (m *Monitor) Start(containerID string, opts ProbeOptions) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, running := m.workers[containerID]; running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{cancel: cancel, done: make(chan struct{})}
	m.workers[containerID] = w
	m.snapshots[containerID] = &Snapshot{ContainerID: containerID}

	url := fmt.Sprintf("http://localhost:%d%s", opts.Port, opts.ProbePath)
	go m.run(ctx, w, containerID, opts.ProjectID, url)

	m.Log.WithFields(logrus.Fields{"container": containerID, "url": url}).Info("health monitoring started")
}

// Stop halts probing. The last snapshot remains readable.
func (m *Monitor) Stop(containerID string) {
	m.mutex.Lock()
	w, ok := m.workers[containerID]
	if ok {
		delete(m.workers, containerID)
	}
	m.mutex.Unlock()
	if !ok {
		return
	}

	w.cancel()
	<-w.done
	m.Log.WithField("container", containerID).Info("health monitoring stopped")
}

// Snapshot returns the current view of the container, if it is or was
// monitored.
func (m *Monitor) Snapshot(containerID string) (Snapshot, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	snapshot, ok := m.snapshots[containerID]
	if !ok {
		return Snapshot{}, false
	}
	return *snapshot, true
}

// Close stops every probe loop. Called first during service shutdown so no
// auto-restart fires while the rest of the core winds down.
func (m *Monitor) Close() {
	m.mutex.Lock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mutex.Unlock()

	for _, id := range ids {
		m.Stop(id)
	}
}

// WaitReady blocks until the engine reports the container running, then, when
// settle is set (non-static techs), one settle interval more. The caller
// bounds ctx with the tech's startup timeout.
func (m *Monitor) WaitReady(ctx context.Context, containerID string, settle bool) error {
	for {
		state, err := m.Engine.Inspect(ctx, containerID)
		if err != nil {
			return err
		}
		if state.Running {
			break
		}

		select {
		case <-ctx.Done():
			return apperr.Wrap(ctx.Err(), apperr.StartupTimeout, "container never reached running")
		case <-m.clock.After(500 * time.Millisecond):
		}
	}

	if settle {
		select {
		case <-ctx.Done():
			return apperr.Wrap(ctx.Err(), apperr.StartupTimeout, "container stopped settling early")
		case <-m.clock.After(time.Duration(m.config.SettleSeconds) * time.Second):
		}
	}
	return nil
}

func (m *Monitor) run(ctx context.Context, w *worker, containerID, projectID, url string) {
	defer close(w.done)

	unhealthySince := false
	consecutiveSuccesses := 0

	ticker := m.clock.NewTicker(time.Duration(m.config.IntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		m.check(ctx, containerID, projectID, url, &unhealthySince, &consecutiveSuccesses)

		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

func (m *Monitor) check(ctx context.Context, containerID, projectID, url string, unhealthySince *bool, consecutiveSuccesses *int) {
	probeCtx, cancel := context.WithTimeout(ctx, time.Duration(m.config.ProbeTimeoutSeconds)*time.Second)
	err := m.probe(probeCtx, url)
	cancel()

	if ctx.Err() != nil {
		// monitor stopped mid-probe; not a failure
		return
	}

	m.mutex.Lock()
	snapshot := m.snapshots[containerID]
	if snapshot == nil {
		m.mutex.Unlock()
		return
	}
	snapshot.LastCheckedAt = m.clock.Now()

	if err != nil {
		snapshot.ConsecutiveFailures++
		snapshot.LastError = err.Error()
		*consecutiveSuccesses = 0
		metrics.ProbeFailures.WithLabelValues(containerID).Inc()

		crossed := !*unhealthySince && snapshot.ConsecutiveFailures >= m.config.UnhealthyThreshold
		if crossed {
			snapshot.Healthy = false
			*unhealthySince = true
		}
		emit := *snapshot
		m.mutex.Unlock()

		if crossed {
			m.Log.WithFields(logrus.Fields{"container": containerID, "failures": emit.ConsecutiveFailures}).Warn("container unhealthy")
			if m.events != nil {
				m.events.ContainerUnhealthy(containerID, projectID, emit)
			}
		}
		return
	}

	snapshot.ConsecutiveFailures = 0
	snapshot.LastError = ""
	snapshot.Healthy = true

	recovered := false
	if *unhealthySince {
		*consecutiveSuccesses++
		if *consecutiveSuccesses >= m.config.HealthyThreshold {
			*unhealthySince = false
			*consecutiveSuccesses = 0
			recovered = true
		}
	}
	emit := *snapshot
	m.mutex.Unlock()

	if recovered {
		m.Log.WithField("container", containerID).Info("container recovered")
		if m.events != nil {
			m.events.ContainerRecovered(containerID, projectID, emit)
		}
	}
}

func (m *Monitor) httpProbe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

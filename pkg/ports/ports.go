// Package ports allocates, releases and recycles TCP ports within per-tech
// ranges. Released ports sit in a quarantine window before reuse so that a
// prior socket still in TIME_WAIT is never handed to the next project.
package ports

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/omayhemo/debughost/pkg/apperr"
	"github.com/omayhemo/debughost/pkg/config"
	"github.com/omayhemo/debughost/pkg/store"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

// Allocation status values as persisted in ports.json.
const (
	StatusInUse     = "in-use"
	StatusRecycling = "recycling"
	StatusFree      = "free"
)

// Allocation is the persisted record for one port.
type Allocation struct {
	Port        int        `json:"port"`
	ProjectID   string     `json:"project_id"`
	Tech        string     `json:"tech"`
	Status      string     `json:"status"`
	AllocatedAt time.Time  `json:"allocated_at"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
}

// HistoryEntry records a completed allocation for diagnostics.
type HistoryEntry struct {
	Port        int       `json:"port"`
	ProjectID   string    `json:"project_id"`
	Tech        string    `json:"tech"`
	AllocatedAt time.Time `json:"allocated_at"`
	ReleasedAt  time.Time `json:"released_at"`
}

// Usage summarizes one tech range.
type Usage struct {
	Tech      string `json:"tech"`
	Allocated int    `json:"allocated"`
	Free      int    `json:"free"`
	Total     int    `json:"total"`
}

type document struct {
	Allocations map[string]*Allocation `json:"allocations"`
	History     []HistoryEntry         `json:"history"`
}

// Registry owns all PortAllocation records. Mutations persist to ports.json
// under the registry lock; reads work against the in-memory table.
type Registry struct {
	Log *logrus.Entry

	mutex       deadlock.Mutex
	allocations map[int]*Allocation
	history     []HistoryEntry
	ranges      map[string]config.PortRange
	fallback    config.PortRange
	quarantine  time.Duration
	clock       clockwork.Clock
	path        string
}

// NewRegistry loads the persisted allocation table from path. Ports whose
// quarantine expired while the service was down come back as free.
func NewRegistry(log *logrus.Entry, userConfig *config.UserConfig, path string, clock clockwork.Clock) (*Registry, error) {
	doc := document{Allocations: map[string]*Allocation{}}
	if err := store.Read(path, &doc); err != nil {
		return nil, err
	}

	allocations := make(map[int]*Allocation, len(doc.Allocations))
	for _, alloc := range doc.Allocations {
		allocations[alloc.Port] = alloc
	}

	return &Registry{
		Log:         log,
		allocations: allocations,
		history:     doc.History,
		ranges:      userConfig.PortRanges,
		fallback:    userConfig.RangeFor("unknown"),
		quarantine:  time.Duration(userConfig.PortQuarantineSeconds) * time.Second,
		clock:       clock,
		path:        path,
	}, nil
}

// Allocate reserves a port for projectID from tech's range. A non-zero
// preferred port is honored when it is in range and free; a held preferred
// port is an explicit PortConflict so the caller decides whether to fall back
// to the default. With no preference the range default is tried first, then
// the lowest free port.
func (r *Registry) Allocate(projectID, tech string, preferred int) (int, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.expireQuarantinedLocked()

	rng := r.rangeFor(tech)

	if preferred != 0 {
		if !rng.Contains(preferred) {
			return 0, apperr.Newf(apperr.ValidationError, "port %d is outside the %s range %d-%d", preferred, tech, rng.Start, rng.End)
		}
		if !r.freeLocked(preferred) {
			return 0, apperr.Newf(apperr.PortConflict, "port %d is already allocated", preferred).
				WithGuidance(fmt.Sprintf("retry with the %s default port %d", tech, rng.Default))
		}
		return preferred, r.takeLocked(preferred, projectID, tech)
	}

	if rng.Default != 0 && r.freeLocked(rng.Default) {
		return rng.Default, r.takeLocked(rng.Default, projectID, tech)
	}

	for port := rng.Start; port <= rng.End; port++ {
		if r.freeLocked(port) {
			return port, r.takeLocked(port, projectID, tech)
		}
	}

	return 0, apperr.Newf(apperr.NoPortAvailable, "the %s range %d-%d is exhausted", tech, rng.Start, rng.End)
}

// Release moves the allocation to recycling; after the quarantine window it
// becomes free. Releasing an unknown or already free port is a no-op.
func (r *Registry) Release(port int) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	alloc, ok := r.allocations[port]
	if !ok || alloc.Status != StatusInUse {
		return nil
	}

	now := r.clock.Now()
	alloc.Status = StatusRecycling
	alloc.ReleasedAt = &now
	r.history = append(r.history, HistoryEntry{
		Port:        alloc.Port,
		ProjectID:   alloc.ProjectID,
		Tech:        alloc.Tech,
		AllocatedAt: alloc.AllocatedAt,
		ReleasedAt:  now,
	})
	r.Log.WithFields(logrus.Fields{"port": port, "project": alloc.ProjectID}).Info("port released, quarantining")

	return r.persistLocked()
}

// Holder reports which project holds port in-use, if any.
func (r *Registry) Holder(port int) (string, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	alloc, ok := r.allocations[port]
	if !ok || alloc.Status != StatusInUse {
		return "", false
	}
	return alloc.ProjectID, true
}

// IsFree reports whether port can currently be allocated.
func (r *Registry) IsFree(port int) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.expireQuarantinedLocked()
	return r.freeLocked(port)
}

// Usage reports allocation counts for tech's range. Recycling ports count as
// allocated: allocated + free always equals the range size.
func (r *Registry) Usage(tech string) Usage {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.expireQuarantinedLocked()

	rng := r.rangeFor(tech)
	allocated := 0
	for port, alloc := range r.allocations {
		if rng.Contains(port) && alloc.Status != StatusFree {
			allocated++
		}
	}

	return Usage{
		Tech:      tech,
		Allocated: allocated,
		Free:      rng.Size() - allocated,
		Total:     rng.Size(),
	}
}

// ReleaseForProject releases every in-use port held by projectID.
func (r *Registry) ReleaseForProject(projectID string) error {
	var ports []int

	r.mutex.Lock()
	for port, alloc := range r.allocations {
		if alloc.ProjectID == projectID && alloc.Status == StatusInUse {
			ports = append(ports, port)
		}
	}
	r.mutex.Unlock()

	for _, port := range ports {
		if err := r.Release(port); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) rangeFor(tech string) config.PortRange {
	if rng, ok := r.ranges[tech]; ok {
		return rng
	}
	return r.fallback
}

func (r *Registry) freeLocked(port int) bool {
	alloc, ok := r.allocations[port]
	if !ok {
		return true
	}
	return alloc.Status == StatusFree
}

func (r *Registry) takeLocked(port int, projectID, tech string) error {
	r.allocations[port] = &Allocation{
		Port:        port,
		ProjectID:   projectID,
		Tech:        tech,
		Status:      StatusInUse,
		AllocatedAt: r.clock.Now(),
	}
	r.Log.WithFields(logrus.Fields{"port": port, "project": projectID, "tech": tech}).Info("port allocated")
	return r.persistLocked()
}

// expireQuarantinedLocked promotes recycling allocations whose quarantine
// window has passed. Called lazily from every read/mutation path.
func (r *Registry) expireQuarantinedLocked() {
	now := r.clock.Now()
	for _, alloc := range r.allocations {
		if alloc.Status == StatusRecycling && alloc.ReleasedAt != nil && now.Sub(*alloc.ReleasedAt) >= r.quarantine {
			alloc.Status = StatusFree
		}
	}
}

func (r *Registry) persistLocked() error {
	doc := document{Allocations: make(map[string]*Allocation, len(r.allocations)), History: r.history}
	for port, alloc := range r.allocations {
		doc.Allocations[fmt.Sprintf("%d", port)] = alloc
	}
	return store.Write(r.path, doc)
}

// Package registry holds the Project records. Writes serialize through the
// registry lock and persist to projects.json on every mutation; reads copy
// out so callers never hold a reference into the shared map.
package registry

import (
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/imdario/mergo"
	"github.com/jonboulle/clockwork"
	"github.com/omayhemo/debughost/pkg/apperr"
	"github.com/omayhemo/debughost/pkg/ports"
	"github.com/omayhemo/debughost/pkg/scan"
	"github.com/omayhemo/debughost/pkg/store"
	"github.com/samber/lo"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

// RegisterOptions are the caller-supplied fields for Register.
type RegisterOptions struct {
	WorkspacePath string `json:"workspace_path"`

	// Name overrides the name detected from the workspace manifest.
	Name string `json:"name,omitempty"`

	// PreferredPort, when non-zero, is requested instead of the tech default.
	PreferredPort int `json:"preferred_port,omitempty"`
}

// ListFilter narrows List output. Zero values match everything.
type ListFilter struct {
	Status      Status `json:"status,omitempty"`
	PrimaryTech string `json:"primary_tech,omitempty"`
}

type document struct {
	Projects map[string]*Project `json:"projects"`
}

// Registry owns the Project records.
type Registry struct {
	Log     *logrus.Entry
	Scanner *scan.Scanner
	Ports   *ports.Registry

	mutex    deadlock.RWMutex
	projects map[string]*Project
	clock    clockwork.Clock
	path     string
}

// NewRegistry loads the persisted project table from path.
func NewRegistry(log *logrus.Entry, scanner *scan.Scanner, portRegistry *ports.Registry, path string, clock clockwork.Clock) (*Registry, error) {
	doc := document{Projects: map[string]*Project{}}
	if err := store.Read(path, &doc); err != nil {
		return nil, err
	}

	return &Registry{
		Log:      log,
		Scanner:  scanner,
		Ports:    portRegistry,
		projects: doc.Projects,
		clock:    clock,
		path:     path,
	}, nil
}

// Register validates the workspace, assigns a fresh project id, allocates the
// primary port from the detected tech's range, and persists the project as
// stopped.
func (r *Registry) Register(opts RegisterOptions) (Project, error) {
	workspacePath, err := filepath.Abs(opts.WorkspacePath)
	if err != nil {
		return Project{}, apperr.Wrap(err, apperr.ValidationError, "resolving workspace path")
	}

	result, err := r.Scanner.Scan(workspacePath)
	if err != nil {
		return Project{}, err
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, existing := range r.projects {
		if existing.WorkspacePath == workspacePath {
			return Project{}, apperr.Newf(apperr.DuplicateWorkspace, "workspace %s is already registered as project %s", workspacePath, existing.ID).
				WithGuidance("remove the existing project first, or start it instead")
		}
	}

	projectID := uuid.NewString()

	tech := result.PrimaryTech()
	preferred := opts.PreferredPort
	if preferred == 0 {
		preferred = result.PortRange.Default
	}
	primary, err := r.Ports.Allocate(projectID, tech, preferred)
	if err != nil && apperr.HasCode(err, apperr.PortConflict) {
		// the default is taken; fall back to the lowest free port in range
		primary, err = r.Ports.Allocate(projectID, tech, 0)
	}
	if err != nil {
		return Project{}, err
	}

	name := opts.Name
	if name == "" {
		name = result.Metadata.Name
	}
	if name == "" {
		name = filepath.Base(workspacePath)
	}

	project := &Project{
		ID:            projectID,
		Name:          name,
		WorkspacePath: workspacePath,
		DetectedTech:  result.Technologies,
		PrimaryTech:   tech,
		Ports:         Ports{Primary: primary},
		Status:        StatusStopped,
		HealthStatus:  HealthUnknown,
		RegisteredAt:  r.clock.Now(),
	}

	r.projects[project.ID] = project
	if err := r.persistLocked(); err != nil {
		delete(r.projects, project.ID)
		if releaseErr := r.Ports.Release(primary); releaseErr != nil {
			r.Log.WithError(releaseErr).WithField("port", primary).Warn("could not release port after failed persist")
		}
		return Project{}, err
	}

	r.Log.WithFields(logrus.Fields{
		"project":   project.ID,
		"name":      project.Name,
		"tech":      project.PrimaryTech,
		"port":      project.Ports.Primary,
		"workspace": project.WorkspacePath,
	}).Info("project registered")

	return *project, nil
}

// Get returns a copy of the project, or NotFound.
func (r *Registry) Get(projectID string) (Project, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	project, ok := r.projects[projectID]
	if !ok {
		return Project{}, apperr.Newf(apperr.NotFound, "no project with id %s", projectID)
	}
	return *project, nil
}

// List returns copies of all projects matching the filter, in stable order.
func (r *Registry) List(filter ListFilter) []Project {
	r.mutex.RLock()
	snapshot := lo.MapToSlice(r.projects, func(_ string, p *Project) Project { return *p })
	r.mutex.RUnlock()

	filtered := lo.Filter(snapshot, func(p Project, _ int) bool {
		if filter.Status != "" && p.Status != filter.Status {
			return false
		}
		if filter.PrimaryTech != "" && p.PrimaryTech != filter.PrimaryTech {
			return false
		}
		return true
	})

	sort.Slice(filtered, func(i, j int) bool {
		if !filtered[i].RegisteredAt.Equal(filtered[j].RegisteredAt) {
			return filtered[i].RegisteredAt.Before(filtered[j].RegisteredAt)
		}
		return filtered[i].ID < filtered[j].ID
	})
	return filtered
}

// Update merge-patches the project. Immutable fields (project id, workspace
// path, registration time) are rejected.
func (r *Registry) Update(projectID string, patch Project) (Project, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	project, ok := r.projects[projectID]
	if !ok {
		return Project{}, apperr.Newf(apperr.NotFound, "no project with id %s", projectID)
	}

	if patch.ID != "" && patch.ID != project.ID {
		return Project{}, apperr.New(apperr.ValidationError, "project_id is immutable")
	}
	if patch.WorkspacePath != "" && patch.WorkspacePath != project.WorkspacePath {
		return Project{}, apperr.New(apperr.ValidationError, "workspace_path is immutable")
	}
	if !patch.RegisteredAt.IsZero() && !patch.RegisteredAt.Equal(project.RegisteredAt) {
		return Project{}, apperr.New(apperr.ValidationError, "registered_at is immutable")
	}

	updated := *project
	if err := mergo.Merge(&updated, patch, mergo.WithOverride); err != nil {
		return Project{}, apperr.Wrap(err, apperr.ValidationError, "applying patch")
	}
	now := r.clock.Now()
	updated.LastOperationTime = &now

	r.projects[projectID] = &updated
	if err := r.persistLocked(); err != nil {
		r.projects[projectID] = project
		return Project{}, err
	}

	return updated, nil
}

// Apply mutates the project through fn under the registry lock and persists.
// The lifecycle manager uses this for state transitions that must clear
// fields, which a merge-patch cannot express.
func (r *Registry) Apply(projectID string, fn func(*Project)) (Project, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	project, ok := r.projects[projectID]
	if !ok {
		return Project{}, apperr.Newf(apperr.NotFound, "no project with id %s", projectID)
	}

	updated := *project
	fn(&updated)
	now := r.clock.Now()
	updated.LastOperationTime = &now

	r.projects[projectID] = &updated
	if err := r.persistLocked(); err != nil {
		r.projects[projectID] = project
		return Project{}, err
	}

	return updated, nil
}

// Remove deletes the project and releases its ports. The project must be in
// a terminal state.
func (r *Registry) Remove(projectID string) error {
	r.mutex.Lock()

	project, ok := r.projects[projectID]
	if !ok {
		r.mutex.Unlock()
		return apperr.Newf(apperr.NotFound, "no project with id %s", projectID)
	}
	if !project.Status.Terminal() {
		r.mutex.Unlock()
		return apperr.Newf(apperr.ValidationError, "project %s is %s; stop it before removing", projectID, project.Status)
	}

	delete(r.projects, projectID)
	if err := r.persistLocked(); err != nil {
		r.projects[projectID] = project
		r.mutex.Unlock()
		return err
	}
	ownedPorts := append([]int{project.Ports.Primary}, project.Ports.Allocated...)
	r.mutex.Unlock()

	for _, port := range ownedPorts {
		if port == 0 {
			continue
		}
		if err := r.Ports.Release(port); err != nil {
			r.Log.WithError(err).WithField("port", port).Warn("could not release port during remove")
		}
	}

	r.Log.WithField("project", projectID).Info("project removed")
	return nil
}

// ClearInactive removes every project in a terminal state and reports how
// many were removed.
func (r *Registry) ClearInactive() (int, error) {
	inactive := r.List(ListFilter{})
	removed := 0
	for _, project := range inactive {
		if !project.Status.Terminal() {
			continue
		}
		if err := r.Remove(project.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (r *Registry) persistLocked() error {
	return store.Write(r.path, document{Projects: r.projects})
}


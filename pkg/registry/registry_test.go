package registry

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/omayhemo/debughost/pkg/apperr"
	"github.com/omayhemo/debughost/pkg/config"
	"github.com/omayhemo/debughost/pkg/ports"
	"github.com/omayhemo/debughost/pkg/scan"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	registry *Registry
	ports    *ports.Registry
	clock    *clockwork.FakeClock
	dataDir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.Out = io.Discard
	entry := log.WithField("test", true)
	conf := config.GetDefaultConfig()
	clock := clockwork.NewFakeClock()
	dataDir := t.TempDir()

	portRegistry, err := ports.NewRegistry(entry, &conf, filepath.Join(dataDir, "ports.json"), clock)
	require.NoError(t, err)

	scanner := scan.NewScanner(entry, &conf)

	reg, err := NewRegistry(entry, scanner, portRegistry, filepath.Join(dataDir, "projects.json"), clock)
	require.NoError(t, err)

	return &fixture{registry: reg, ports: portRegistry, clock: clock, dataDir: dataDir}
}

func nodeWorkspace(t *testing.T, deps string) string {
	t.Helper()
	dir := t.TempDir()
	manifest := `{"name":"webapp","version":"1.0.0","dependencies":` + deps + `}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(manifest), 0o644))
	return dir
}

func TestRegisterReactProject(t *testing.T) {
	f := newFixture(t)
	workspace := nodeWorkspace(t, `{"react":"18"}`)

	project, err := f.registry.Register(RegisterOptions{WorkspacePath: workspace})
	require.NoError(t, err)

	assert.NotEmpty(t, project.ID)
	assert.Equal(t, "react", project.PrimaryTech)
	assert.Equal(t, 3000, project.Ports.Primary)
	assert.Equal(t, StatusStopped, project.Status)
	assert.Equal(t, HealthUnknown, project.HealthStatus)
	assert.Equal(t, "webapp", project.Name)
	assert.False(t, f.ports.IsFree(3000))
}

func TestRegisterRecordsAllocationUnderProjectID(t *testing.T) {
	f := newFixture(t)

	project, err := f.registry.Register(RegisterOptions{WorkspacePath: nodeWorkspace(t, `{}`)})
	require.NoError(t, err)

	holder, ok := f.ports.Holder(project.Ports.Primary)
	require.True(t, ok)
	assert.Equal(t, project.ID, holder)

	require.NoError(t, f.ports.ReleaseForProject(project.ID))
	f.clock.Advance(31 * time.Second)
	assert.True(t, f.ports.IsFree(project.Ports.Primary))
}

func TestRegisterDuplicateWorkspace(t *testing.T) {
	f := newFixture(t)
	workspace := nodeWorkspace(t, `{}`)

	_, err := f.registry.Register(RegisterOptions{WorkspacePath: workspace})
	require.NoError(t, err)

	_, err = f.registry.Register(RegisterOptions{WorkspacePath: workspace})
	assert.True(t, apperr.HasCode(err, apperr.DuplicateWorkspace))
}

func TestRegisterFallsBackWhenDefaultPortHeld(t *testing.T) {
	f := newFixture(t)

	first, err := f.registry.Register(RegisterOptions{WorkspacePath: nodeWorkspace(t, `{}`)})
	require.NoError(t, err)
	assert.Equal(t, 3000, first.Ports.Primary)

	second, err := f.registry.Register(RegisterOptions{WorkspacePath: nodeWorkspace(t, `{}`)})
	require.NoError(t, err)
	assert.Equal(t, 3001, second.Ports.Primary)
}

func TestGetUnknownProject(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Get("missing")
	assert.True(t, apperr.HasCode(err, apperr.NotFound))
}

func TestListFilters(t *testing.T) {
	f := newFixture(t)

	node, err := f.registry.Register(RegisterOptions{WorkspacePath: nodeWorkspace(t, `{}`)})
	require.NoError(t, err)
	react, err := f.registry.Register(RegisterOptions{WorkspacePath: nodeWorkspace(t, `{"react":"18"}`)})
	require.NoError(t, err)

	_, err = f.registry.Apply(node.ID, func(p *Project) { p.Status = StatusRunning })
	require.NoError(t, err)

	all := f.registry.List(ListFilter{})
	assert.Len(t, all, 2)

	running := f.registry.List(ListFilter{Status: StatusRunning})
	require.Len(t, running, 1)
	assert.Equal(t, node.ID, running[0].ID)

	reacts := f.registry.List(ListFilter{PrimaryTech: "react"})
	require.Len(t, reacts, 1)
	assert.Equal(t, react.ID, reacts[0].ID)
}

func TestUpdateRejectsImmutableFields(t *testing.T) {
	f := newFixture(t)
	project, err := f.registry.Register(RegisterOptions{WorkspacePath: nodeWorkspace(t, `{}`)})
	require.NoError(t, err)

	_, err = f.registry.Update(project.ID, Project{ID: "other"})
	assert.True(t, apperr.HasCode(err, apperr.ValidationError))

	_, err = f.registry.Update(project.ID, Project{WorkspacePath: "/elsewhere"})
	assert.True(t, apperr.HasCode(err, apperr.ValidationError))

	_, err = f.registry.Update(project.ID, Project{RegisteredAt: f.clock.Now().Add(time.Hour)})
	assert.True(t, apperr.HasCode(err, apperr.ValidationError))
}

func TestUpdateMergePatch(t *testing.T) {
	f := newFixture(t)
	project, err := f.registry.Register(RegisterOptions{WorkspacePath: nodeWorkspace(t, `{}`)})
	require.NoError(t, err)

	updated, err := f.registry.Update(project.ID, Project{Name: "renamed"})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, project.PrimaryTech, updated.PrimaryTech)
	require.NotNil(t, updated.LastOperationTime)
}

func TestRemoveRequiresTerminalState(t *testing.T) {
	f := newFixture(t)
	project, err := f.registry.Register(RegisterOptions{WorkspacePath: nodeWorkspace(t, `{}`)})
	require.NoError(t, err)

	_, err = f.registry.Apply(project.ID, func(p *Project) { p.Status = StatusRunning })
	require.NoError(t, err)

	err = f.registry.Remove(project.ID)
	assert.True(t, apperr.HasCode(err, apperr.ValidationError))

	_, err = f.registry.Apply(project.ID, func(p *Project) { p.Status = StatusStopped })
	require.NoError(t, err)
	require.NoError(t, f.registry.Remove(project.ID))

	_, err = f.registry.Get(project.ID)
	assert.True(t, apperr.HasCode(err, apperr.NotFound))
}

func TestRegisterRemoveRegisterReusesWorkspace(t *testing.T) {
	f := newFixture(t)
	workspace := nodeWorkspace(t, `{}`)

	first, err := f.registry.Register(RegisterOptions{WorkspacePath: workspace})
	require.NoError(t, err)
	require.NoError(t, f.registry.Remove(first.ID))

	// the released port is quarantined, so the rerun gets the next one
	second, err := f.registry.Register(RegisterOptions{WorkspacePath: workspace})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	f.clock.Advance(31 * time.Second)
	assert.True(t, f.ports.IsFree(first.Ports.Primary))
}

func TestRegisterReleasesPortWhenPersistFails(t *testing.T) {
	log := logrus.New()
	log.Out = io.Discard
	entry := log.WithField("test", true)
	conf := config.GetDefaultConfig()
	clock := clockwork.NewFakeClock()
	dataDir := t.TempDir()

	portRegistry, err := ports.NewRegistry(entry, &conf, filepath.Join(dataDir, "ports.json"), clock)
	require.NoError(t, err)
	scanner := scan.NewScanner(entry, &conf)

	reg, err := NewRegistry(entry, scanner, portRegistry, filepath.Join(dataDir, "state", "projects.json"), clock)
	require.NoError(t, err)

	// a regular file where the data dir should be makes every persist fail
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "state"), []byte("x"), 0o644))

	_, err = reg.Register(RegisterOptions{WorkspacePath: nodeWorkspace(t, `{}`)})
	require.Error(t, err)

	// the allocation is rolled back, not leaked
	_, held := portRegistry.Holder(3000)
	assert.False(t, held)
	clock.Advance(31 * time.Second)
	assert.True(t, portRegistry.IsFree(3000))

	assert.Empty(t, reg.List(ListFilter{}))
}

func TestClearInactive(t *testing.T) {
	f := newFixture(t)

	stopped, err := f.registry.Register(RegisterOptions{WorkspacePath: nodeWorkspace(t, `{}`)})
	require.NoError(t, err)
	running, err := f.registry.Register(RegisterOptions{WorkspacePath: nodeWorkspace(t, `{}`)})
	require.NoError(t, err)
	failed, err := f.registry.Register(RegisterOptions{WorkspacePath: nodeWorkspace(t, `{}`)})
	require.NoError(t, err)

	_, err = f.registry.Apply(running.ID, func(p *Project) { p.Status = StatusRunning })
	require.NoError(t, err)
	_, err = f.registry.Apply(failed.ID, func(p *Project) { p.Status = StatusError })
	require.NoError(t, err)

	removed, err := f.registry.ClearInactive()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	remaining := f.registry.List(ListFilter{})
	require.Len(t, remaining, 1)
	assert.Equal(t, running.ID, remaining[0].ID)
	_ = stopped
}

func TestPersistenceAcrossRestart(t *testing.T) {
	f := newFixture(t)
	project, err := f.registry.Register(RegisterOptions{WorkspacePath: nodeWorkspace(t, `{}`)})
	require.NoError(t, err)

	log := logrus.New()
	log.Out = io.Discard
	entry := log.WithField("test", true)
	conf := config.GetDefaultConfig()
	scanner := scan.NewScanner(entry, &conf)

	reloaded, err := NewRegistry(entry, scanner, f.ports, filepath.Join(f.dataDir, "projects.json"), f.clock)
	require.NoError(t, err)

	got, err := reloaded.Get(project.ID)
	require.NoError(t, err)
	assert.Equal(t, project.WorkspacePath, got.WorkspacePath)
	assert.Equal(t, project.Ports.Primary, got.Ports.Primary)
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPortRanges(t *testing.T) {
	conf := GetDefaultConfig()

	assert.Equal(t, PortRange{Start: 3000, End: 3999, Default: 3000}, conf.PortRanges["nodejs"])
	assert.Equal(t, PortRange{Start: 4200, End: 4299, Default: 4200}, conf.PortRanges["angular"])
	assert.Equal(t, 100, conf.PortRanges["angular"].Size())
	assert.True(t, conf.PortRanges["php"].Contains(8080))
	assert.False(t, conf.PortRanges["php"].Contains(8981))
}

func TestTemplateForFrameworkFallsBackToRuntime(t *testing.T) {
	conf := GetDefaultConfig()

	assert.Equal(t, conf.Templates["nodejs"], conf.TemplateFor("react"))
	assert.Equal(t, conf.Templates["nodejs"], conf.TemplateFor("vue"))
	assert.Equal(t, conf.Templates["static"], conf.TemplateFor("docker"))
	assert.Equal(t, conf.Templates["python"], conf.TemplateFor("python"))
}

func TestRangeForUnknownTech(t *testing.T) {
	conf := GetDefaultConfig()

	assert.Equal(t, PortRange{Start: 3000, End: 9999, Default: 3000}, conf.RangeFor("cobol"))
}

func TestNewAppConfigCreatesDataDir(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "debug-host")

	conf, err := NewAppConfig("debughost", "version", "commit", "date", "source", false, dataDir)
	require.NoError(t, err)

	info, err := os.Stat(dataDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, filepath.Join(dataDir, "projects.json"), conf.ProjectsFile())
	assert.Equal(t, filepath.Join(dataDir, "ports.json"), conf.PortsFile())
}

func TestUserConfigOverridesDefaults(t *testing.T) {
	dataDir := t.TempDir()
	yml := `
portQuarantineSeconds: 5
health:
  intervalSeconds: 1
logs:
  bufferSize: 50
`
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "config.yml"), []byte(yml), 0o644))

	conf, err := NewAppConfig("debughost", "version", "commit", "date", "source", false, dataDir)
	require.NoError(t, err)

	assert.Equal(t, 5, conf.UserConfig.PortQuarantineSeconds)
	assert.Equal(t, 1, conf.UserConfig.Health.IntervalSeconds)
	assert.Equal(t, 50, conf.UserConfig.Logs.BufferSize)
	// untouched defaults survive the merge
	assert.Equal(t, 3, conf.UserConfig.Health.UnhealthyThreshold)
}

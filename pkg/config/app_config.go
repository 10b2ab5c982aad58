package config

import (
	"os"
	"path/filepath"

	yaml "github.com/jesseduffield/yaml"
)

// AppConfig contains the base configuration fields required for debughost.
type AppConfig struct {
	Debug       bool   `long:"debug" env:"DEBUG" default:"false"`
	Version     string `long:"version" env:"VERSION" default:"unversioned"`
	Commit      string `long:"commit" env:"COMMIT"`
	BuildDate   string `long:"build-date" env:"BUILD_DATE"`
	Name        string `long:"name" env:"NAME" default:"debughost"`
	BuildSource string `long:"build-source" env:"BUILD_SOURCE" default:""`
	UserConfig  *UserConfig
	DataDir     string
}

// UserConfig holds all of the user-configurable options. Fields are PascalCase
// here but camelCase in the actual config.yml. Run `debughost --config` to see
// the defaults.
type UserConfig struct {
	// Server configures the HTTP front door.
	Server ServerConfig `yaml:"server,omitempty"`

	// Network is the single user-defined bridge network all project
	// containers attach to.
	Network NetworkConfig `yaml:"network,omitempty"`

	// PortRanges maps a tech label to its allocation range. Ports for a
	// project are always drawn from its tech's range.
	PortRanges map[string]PortRange `yaml:"portRanges,omitempty"`

	// PortQuarantineSeconds is how long a released port stays in recycling
	// before it can be handed out again (socket may still be in TIME_WAIT).
	PortQuarantineSeconds int `yaml:"portQuarantineSeconds,omitempty"`

	// Templates maps a tech label to its container template.
	Templates map[string]TechTemplate `yaml:"templates,omitempty"`

	// Health configures the periodic container health checks.
	Health HealthConfig `yaml:"health,omitempty"`

	// Logs configures log collection and streaming.
	Logs LogsConfig `yaml:"logs,omitempty"`
}

// ServerConfig is for the HTTP front door.
type ServerConfig struct {
	// Addr is the listen address, loopback by default.
	Addr string `yaml:"addr,omitempty"`

	// ShutdownTimeoutSeconds bounds how long shutdown waits for in-flight
	// lifecycle operations before giving up on them.
	ShutdownTimeoutSeconds int `yaml:"shutdownTimeoutSeconds,omitempty"`
}

// NetworkConfig describes the container bridge network.
type NetworkConfig struct {
	Name    string `yaml:"name,omitempty"`
	Subnet  string `yaml:"subnet,omitempty"`
	Gateway string `yaml:"gateway,omitempty"`
}

// PortRange is an inclusive TCP port range with a preferred default.
type PortRange struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`

	// Default is the port tried first when the caller has no preference.
	// Zero means start of range.
	Default int `yaml:"default,omitempty"`
}

// Size returns the number of ports in the range.
func (r PortRange) Size() int { return r.End - r.Start + 1 }

// Contains reports whether port lies in the range.
func (r PortRange) Contains(port int) bool { return port >= r.Start && port <= r.End }

// TechTemplate is the container recipe for one tech stack.
type TechTemplate struct {
	// Image is the image tag the container is created from.
	Image string `yaml:"image"`

	// ProbePath is the HTTP path the health monitor probes.
	ProbePath string `yaml:"probePath,omitempty"`

	// StartupTimeoutSeconds bounds how long start waits for readiness.
	StartupTimeoutSeconds int `yaml:"startupTimeoutSeconds,omitempty"`

	// StopGraceSeconds is the graceful stop period before the engine kills
	// the container.
	StopGraceSeconds int `yaml:"stopGraceSeconds,omitempty"`

	// ContainerPort is the port the dev server listens on inside the
	// container; the allocated host port is published onto it.
	ContainerPort int `yaml:"containerPort,omitempty"`

	// Env is extra environment passed to the container, on top of the
	// standard PROJECT_NAME / PROJECT_ID / PRIMARY_TECH set.
	Env map[string]string `yaml:"env,omitempty"`
}

// HealthConfig contains the knobs for the health monitor.
type HealthConfig struct {
	// IntervalSeconds is the time between probes of one container.
	IntervalSeconds int `yaml:"intervalSeconds,omitempty"`

	// ProbeTimeoutSeconds is the per-probe HTTP timeout.
	ProbeTimeoutSeconds int `yaml:"probeTimeoutSeconds,omitempty"`

	// UnhealthyThreshold is how many consecutive failures mark a container
	// unhealthy.
	UnhealthyThreshold int `yaml:"unhealthyThreshold,omitempty"`

	// HealthyThreshold is how many consecutive successes after an unhealthy
	// period mark it recovered.
	HealthyThreshold int `yaml:"healthyThreshold,omitempty"`

	// SettleSeconds is, for non-static techs, the extra wait after the
	// engine reports running before start declares the container ready.
	SettleSeconds int `yaml:"settleSeconds,omitempty"`

	// RestartCooldownSeconds limits unhealthy-driven restarts to one per
	// window per project.
	RestartCooldownSeconds int `yaml:"restartCooldownSeconds,omitempty"`
}

// LogsConfig contains the knobs for log collection.
type LogsConfig struct {
	// BufferSize caps the per-container ring buffer.
	BufferSize int `yaml:"bufferSize,omitempty"`

	// SubscriptionQueueSize caps each subscriber's pending queue; when full
	// the oldest queued entry is dropped and the drop counter incremented.
	SubscriptionQueueSize int `yaml:"subscriptionQueueSize,omitempty"`

	// Tail is how many historical lines an attach requests from the engine.
	Tail string `yaml:"tail,omitempty"`
}

// GetDefaultConfig returns the application default configuration
// NOTE (to contributors, not users): do not default a boolean to true, because
// false is the boolean zero value and will be ignored when parsing the user's
// config.
func GetDefaultConfig() UserConfig {
	return UserConfig{
		Server: ServerConfig{
			Addr:                   "127.0.0.1:2601",
			ShutdownTimeoutSeconds: 30,
		},
		Network: NetworkConfig{
			Name:    "debug-host-network",
			Subnet:  "172.28.0.0/16",
			Gateway: "172.28.0.1",
		},
		PortRanges: map[string]PortRange{
			"system":  {Start: 2601, End: 2699},
			"nodejs":  {Start: 3000, End: 3999, Default: 3000},
			"react":   {Start: 3000, End: 3999, Default: 3000},
			"vue":     {Start: 3000, End: 3999, Default: 3000},
			"static":  {Start: 4000, End: 4999, Default: 4000},
			"angular": {Start: 4200, End: 4299, Default: 4200},
			"python":  {Start: 5000, End: 5999, Default: 5000},
			"php":     {Start: 8080, End: 8980, Default: 8080},
			"unknown": {Start: 3000, End: 9999, Default: 3000},
		},
		PortQuarantineSeconds: 30,
		Templates: map[string]TechTemplate{
			"nodejs": {
				Image:                 "debug-host/node:latest",
				ProbePath:             "/health",
				StartupTimeoutSeconds: 30,
				StopGraceSeconds:      10,
				ContainerPort:         3000,
			},
			"python": {
				Image:                 "debug-host/python:latest",
				ProbePath:             "/health",
				StartupTimeoutSeconds: 45,
				StopGraceSeconds:      15,
				ContainerPort:         5000,
			},
			"php": {
				Image:                 "debug-host/php:latest",
				ProbePath:             "/health.php",
				StartupTimeoutSeconds: 30,
				StopGraceSeconds:      10,
				ContainerPort:         8080,
			},
			"static": {
				Image:                 "debug-host/static:latest",
				ProbePath:             "/",
				StartupTimeoutSeconds: 15,
				StopGraceSeconds:      5,
				ContainerPort:         4000,
			},
		},
		Health: HealthConfig{
			IntervalSeconds:        10,
			ProbeTimeoutSeconds:    3,
			UnhealthyThreshold:     3,
			HealthyThreshold:       1,
			SettleSeconds:          2,
			RestartCooldownSeconds: 60,
		},
		Logs: LogsConfig{
			BufferSize:            10000,
			SubscriptionQueueSize: 1024,
			Tail:                  "100",
		},
	}
}

// TemplateFor resolves the container template for a tech label. Framework
// refinements fall back to their runtime family; anything unrecognized gets
// the nodejs template.
func (c *UserConfig) TemplateFor(tech string) TechTemplate {
	if t, ok := c.Templates[tech]; ok {
		return t
	}
	switch tech {
	case "react", "vue", "angular":
		return c.Templates["nodejs"]
	case "docker":
		return c.Templates["static"]
	}
	return c.Templates["nodejs"]
}

// RangeFor resolves the port range for a tech label, falling back to the
// catch-all unknown range.
func (c *UserConfig) RangeFor(tech string) PortRange {
	if r, ok := c.PortRanges[tech]; ok {
		return r
	}
	return c.PortRanges["unknown"]
}

// NewAppConfig makes a new app config
func NewAppConfig(name, version, commit, date, buildSource string, debuggingFlag bool, dataDir string) (*AppConfig, error) {
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dataDir = filepath.Join(home, ".debug-host")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}

	userConfig, err := loadUserConfigWithDefaults(dataDir)
	if err != nil {
		return nil, err
	}

	appConfig := &AppConfig{
		Name:        name,
		Version:     version,
		Commit:      commit,
		BuildDate:   date,
		Debug:       debuggingFlag || os.Getenv("DEBUG") == "TRUE",
		BuildSource: buildSource,
		UserConfig:  userConfig,
		DataDir:     dataDir,
	}

	return appConfig, nil
}

func loadUserConfigWithDefaults(dataDir string) (*UserConfig, error) {
	config := GetDefaultConfig()

	return loadUserConfig(dataDir, &config)
}

func loadUserConfig(dataDir string, base *UserConfig) (*UserConfig, error) {
	fileName := filepath.Join(dataDir, "config.yml")

	if _, err := os.Stat(fileName); err != nil {
		if os.IsNotExist(err) {
			file, err := os.Create(fileName)
			if err != nil {
				return nil, err
			}
			file.Close()
		} else {
			return nil, err
		}
	}

	content, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(content, base); err != nil {
		return nil, err
	}

	return base, nil
}

// ConfigFilename returns the filename of the current config file
func (c *AppConfig) ConfigFilename() string {
	return filepath.Join(c.DataDir, "config.yml")
}

// ProjectsFile is the path of the persisted project registry document.
func (c *AppConfig) ProjectsFile() string {
	return filepath.Join(c.DataDir, "projects.json")
}

// PortsFile is the path of the persisted port allocation document.
func (c *AppConfig) PortsFile() string {
	return filepath.Join(c.DataDir, "ports.json")
}

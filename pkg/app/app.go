// Package app wires the subsystems together and runs the service.
package app

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/omayhemo/debughost/pkg/bus"
	"github.com/omayhemo/debughost/pkg/config"
	"github.com/omayhemo/debughost/pkg/engine"
	"github.com/omayhemo/debughost/pkg/health"
	"github.com/omayhemo/debughost/pkg/lifecycle"
	"github.com/omayhemo/debughost/pkg/log"
	"github.com/omayhemo/debughost/pkg/logs"
	"github.com/omayhemo/debughost/pkg/ports"
	"github.com/omayhemo/debughost/pkg/registry"
	"github.com/omayhemo/debughost/pkg/scan"
	"github.com/omayhemo/debughost/pkg/server"
	"github.com/sirupsen/logrus"
)

// App holds every wired subsystem.
type App struct {
	Config   *config.AppConfig
	Log      *logrus.Entry
	Engine   engine.ContainerEngine
	Ports    *ports.Registry
	Scanner  *scan.Scanner
	Registry *registry.Registry
	Logs     *logs.Collector
	Health   *health.Monitor
	Bus      *bus.Bus
	Manager  *lifecycle.Manager
	Server   *server.Server
}

// NewApp bootstraps the application.
func NewApp(appConfig *config.AppConfig) (*App, error) {
	app := &App{Config: appConfig}
	app.Log = log.NewLogger(appConfig)

	clock := clockwork.NewRealClock()
	userConfig := appConfig.UserConfig

	dockerEngine, err := engine.NewDockerEngine(app.Log)
	if err != nil {
		return app, err
	}
	app.Engine = dockerEngine

	app.Ports, err = ports.NewRegistry(app.Log, userConfig, appConfig.PortsFile(), clock)
	if err != nil {
		return app, err
	}

	app.Scanner = scan.NewScanner(app.Log, userConfig)

	app.Registry, err = registry.NewRegistry(app.Log, app.Scanner, app.Ports, appConfig.ProjectsFile(), clock)
	if err != nil {
		return app, err
	}

	app.Logs = logs.NewCollector(app.Log, app.Engine, userConfig.Logs, clock)
	app.Health = health.NewMonitor(app.Log, app.Engine, userConfig.Health, clock, nil)
	app.Bus = bus.NewBus(app.Log, userConfig.Logs.SubscriptionQueueSize)

	app.Manager = lifecycle.NewManager(
		app.Log, app.Registry, app.Ports, app.Engine,
		app.Logs, app.Health, app.Bus, userConfig, clock,
	)
	app.Health.SetEvents(app.Manager)

	app.Server = server.NewServer(
		app.Log, appConfig, app.Registry, app.Manager,
		app.Scanner, app.Ports, app.Logs, app.Bus,
	)

	return app, nil
}

// Run serves until SIGINT/SIGTERM, then shuts down: HTTP drains first, then
// the lifecycle manager waits for in-flight operations. Running containers
// are left running so the service can be restarted over them.
func (app *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Manager.Init(ctx); err != nil {
		return err
	}

	serveErr := app.Server.Run(ctx)

	timeout := time.Duration(app.Config.UserConfig.Server.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := app.Manager.Shutdown(shutdownCtx); err != nil {
		app.Log.WithError(err).Warn("shutdown was not clean")
	}

	return serveErr
}

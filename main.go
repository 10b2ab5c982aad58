package main

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/fatih/color"
	"github.com/go-errors/errors"
	"github.com/integrii/flaggy"
	"github.com/jesseduffield/yaml"
	"github.com/omayhemo/debughost/pkg/app"
	"github.com/omayhemo/debughost/pkg/config"
)

var (
	commit      string
	version     = "unversioned"
	date        string
	buildSource = "unknown"

	configFlag    = false
	debuggingFlag = false
	dataDir       = ""
	addr          = ""
)

func main() {
	info := fmt.Sprintf(
		"%s\nDate: %s\nBuildSource: %s\nCommit: %s\nOS: %s\nArch: %s",
		version,
		date,
		buildSource,
		commit,
		runtime.GOOS,
		runtime.GOARCH,
	)

	flaggy.SetName("debughost")
	flaggy.SetDescription("Container supervisor for local development workspaces")

	flaggy.Bool(&configFlag, "c", "config", "Print the current default config")
	flaggy.Bool(&debuggingFlag, "d", "debug", "Log at debug level to a file in the data dir")
	flaggy.String(&dataDir, "", "data-dir", "Directory for config and persisted state")
	flaggy.String(&addr, "a", "addr", "Listen address for the HTTP API")
	flaggy.SetVersion(info)

	flaggy.Parse()

	if configFlag {
		var buf bytes.Buffer
		encoder := yaml.NewEncoder(&buf)
		err := encoder.Encode(config.GetDefaultConfig())
		if err != nil {
			log.Fatal(err.Error())
		}
		fmt.Printf("%v\n", buf.String())
		os.Exit(0)
	}

	appConfig, err := config.NewAppConfig("debughost", version, commit, date, buildSource, debuggingFlag, dataDir)
	if err != nil {
		log.Fatal(err.Error())
	}
	if addr != "" {
		appConfig.UserConfig.Server.Addr = addr
	}

	a, err := app.NewApp(appConfig)
	if err == nil {
		err = a.Run()
	}

	if err != nil {
		newErr := errors.Wrap(err, 0)
		stackTrace := newErr.ErrorStack()
		if a != nil && a.Log != nil {
			a.Log.Error(stackTrace)
		}
		color.New(color.FgRed).Fprintln(os.Stderr, stackTrace)
		os.Exit(1)
	}
}

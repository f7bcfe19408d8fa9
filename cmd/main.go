// cmd/main.go
//
// Entry point for sessiond. Responsibilities:
//   - Parse command-line flags (config path, log level).
//   - Load and validate configuration from YAML.
//   - Construct the App (wires all internal components).
//   - Start the App and block until SIGINT/SIGTERM.
//   - Trigger a bounded graceful shutdown on signal.
package main

import (
	stdctx "context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/free5gc/sessiond/internal/logger"
	"github.com/free5gc/sessiond/pkg/app"
	"github.com/free5gc/sessiond/pkg/factory"
)

const shutdownTimeout = 10 * time.Second

func main() {
	sessiondCli := &cli.App{
		Name:  "sessiond",
		Usage: "session credit and policy enforcement for the gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   factory.SessiondDefaultConfigPath,
				Usage:   "path to sessiond config file (YAML)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override logging.level from the config file",
			},
		},
		Action: action,
	}

	if runError := sessiondCli.Run(os.Args); runError != nil {
		logger.MainLog.Errorf("sessiond exited: %v", runError)
		os.Exit(1)
	}
}

func action(cliContext *cli.Context) error {
	// Safe default so config loading can log.
	if initError := logger.InitLog("info", false); initError != nil {
		logger.MainLog.Warnf("default log setup failed: %v", initError)
	}

	configPath := cliContext.String("config")
	logger.MainLog.Infof("sessiond starting, configPath=%s", configPath)

	config, readError := factory.ReadConfig(configPath)
	if readError != nil {
		return errors.Wrap(readError, "read config")
	}
	if level := cliContext.String("log-level"); level != "" {
		config.Logging.Level = level
	}

	rootContext, rootCancel := signal.NotifyContext(stdctx.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCancel()

	sessiondApp, appError := app.NewApp(rootContext, config)
	if appError != nil {
		return errors.Wrap(appError, "create sessiond app")
	}
	if startError := sessiondApp.Start(rootContext); startError != nil {
		return errors.Wrap(startError, "start sessiond")
	}

	<-rootContext.Done()
	logger.MainLog.Info("received termination signal, initiating shutdown")

	shutdownContext, shutdownCancel := stdctx.WithTimeout(stdctx.Background(), shutdownTimeout)
	defer shutdownCancel()

	if stopError := sessiondApp.Stop(shutdownContext); stopError != nil {
		logger.MainLog.Warnf("sessiond shutdown encountered error: %v", stopError)
		return nil
	}
	logger.MainLog.Infof("sessiond shutdown completed within %s", shutdownTimeout)
	return nil
}

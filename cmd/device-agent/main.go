// Command device-agent runs the FlowFuse device agent: it loads the local
// device credentials, reconciles the local flow runtime against whatever
// the platform last assigned, and serves a local status endpoint for
// operators and agentctl.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/flowfuse/device-agent/internal/config"
	"github.com/flowfuse/device-agent/internal/supervisor"
	"github.com/flowfuse/device-agent/pkg/logger"
)

var version = "dev"

func main() {
	// Loading a .env file is best-effort: it lets a developer set
	// HTTP_PROXY/NO_PROXY or broker credentials for a local run without
	// exporting them into the shell. Its absence is not an error.
	_ = godotenv.Load()

	var (
		deviceConfigPath string
		workDir          string
		statusAddr       string
		logLevel         string
	)
	flag.StringVar(&deviceConfigPath, "config", "device.yml", "path to the device credentials file")
	flag.StringVar(&workDir, "dir", ".", "working directory for flow runtime files, the assignment record and history")
	flag.StringVar(&statusAddr, "status-addr", "127.0.0.1:1879", "address the local status server listens on")
	flag.StringVar(&logLevel, "log-level", "info", "log verbosity: trace, debug, info, warn, error")
	flag.Parse()

	log := logger.New(logger.Config{Level: logLevel, Pretty: true})
	log.Info().Str("version", version).Msg("starting device agent")

	sup, err := supervisor.New(supervisor.Options{
		DeviceConfigPath: deviceConfigPath,
		WorkDir:          workDir,
		AgentVersion:     version,
		StatusAddr:       statusAddr,
		PollInterval:     15 * time.Second,
		PollJitter:       5 * time.Second,
		HistoryMaxRows:   5000,
	}, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to start device agent")
		os.Exit(exitCodeFor(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		log.Error().Err(err).Msg("failed to start device agent")
		os.Exit(supervisor.ExitConfigError)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-quit

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	sup.Shutdown(shutdownCtx)
}

func exitCodeFor(err error) int {
	var configInvalid *config.ErrConfigInvalid
	var configEmpty *config.ErrConfigEmpty
	var workDir *supervisor.WorkDirError
	switch {
	case errors.As(err, &configInvalid), errors.As(err, &configEmpty):
		return supervisor.ExitInvalidConfig
	case errors.As(err, &workDir):
		return supervisor.ExitWorkDirError
	default:
		return supervisor.ExitConfigError
	}
}

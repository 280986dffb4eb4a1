// Package supervisor wires every long-lived component of the device agent
// together and owns the process lifecycle: startup ordering, signal
// handling, and an ordered shutdown sequence.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowfuse/device-agent/internal/assignment"
	"github.com/flowfuse/device-agent/internal/config"
	"github.com/flowfuse/device-agent/internal/events"
	"github.com/flowfuse/device-agent/internal/history"
	"github.com/flowfuse/device-agent/internal/launcher"
	"github.com/flowfuse/device-agent/internal/maintenance"
	"github.com/flowfuse/device-agent/internal/netutil"
	"github.com/flowfuse/device-agent/internal/platformapi"
	"github.com/flowfuse/device-agent/internal/reconciler"
	"github.com/flowfuse/device-agent/internal/transport"
	"github.com/flowfuse/device-agent/internal/transport/brokertransport"
	"github.com/flowfuse/device-agent/internal/transport/httptransport"
	"github.com/flowfuse/device-agent/internal/tunnel"
	"github.com/flowfuse/device-agent/internal/webui"
)

const platformRequestTimeout = 10 * time.Second

// Exit codes that cmd/device-agent exits with, matching the process codes
// the launch script interprets.
const (
	ExitOK            = 0
	ExitConfigError   = 2
	ExitInvalidConfig = 9
	ExitWorkDirError  = 20
)

// Options configures a Supervisor's startup.
type Options struct {
	DeviceConfigPath string
	WorkDir          string
	AgentVersion     string
	StatusAddr       string

	PollInterval time.Duration
	PollJitter   time.Duration

	HistoryMaxRows int
}

// Supervisor owns every long-lived goroutine in the agent process.
type Supervisor struct {
	opts Options
	log  zerolog.Logger

	device     *config.DeviceConfig
	store      *config.AssignmentStore
	launcher   *launcher.ProcessLauncher
	tun        tunnel.Tunnel
	history    *history.Store
	platform   *platformapi.Client
	reconciler *reconciler.Reconciler
	transport  transport.Transport
	status     *webui.Server
	cron       *maintenance.Scheduler
	events     *events.Bus
}

// New loads the device configuration and wires every collaborator, but
// does not start anything yet.
func New(opts Options, log zerolog.Logger) (*Supervisor, error) {
	if err := os.MkdirAll(opts.WorkDir, 0o755); err != nil {
		return nil, &WorkDirError{cause: err}
	}

	device, err := config.Load(opts.DeviceConfigPath)
	if err != nil {
		return nil, err
	}

	store := config.NewAssignmentStore(filepath.Join(opts.WorkDir, "flowforge-project.json"))

	proc := launcher.NewProcessLauncher(launcher.ProcessLauncherConfig{
		WorkDir: opts.WorkDir,
		Command: "node-red",
	}, log)

	var tun tunnel.Tunnel = tunnel.NewWebSocketTunnel(tunnel.WebSocketTunnelConfig{
		BaseURL: device.ForgeURL,
	}, log)

	hist, err := history.Open(history.Config{
		Path:    filepath.Join(opts.WorkDir, "history.db"),
		MaxRows: opts.HistoryMaxRows,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("opening reconciliation history: %w", err)
	}

	proxy := netutil.NewProxyResolver()
	platform := platformapi.NewClient(platformapi.Config{
		ForgeURL:   device.ForgeURL,
		DeviceID:   device.DeviceID,
		Token:      device.Token,
		HTTPClient: proxy.HTTPClient(int(platformRequestTimeout.Seconds())),
	}, log)

	bus := events.NewBus(log)

	s := &Supervisor{
		opts:     opts,
		log:      log.With().Str("component", "supervisor").Logger(),
		device:   device,
		store:    store,
		launcher: proc,
		tun:      tun,
		history:  hist,
		platform: platform,
		events:   bus,
	}

	rec, err := reconciler.New(reconciler.Config{
		Store:    store,
		Launcher: proc,
		Tunnel:   tun,
		Platform: platform,
		History:  hist,
		Events:   bus,
		Log:      log,
	})
	if err != nil {
		return nil, err
	}
	s.reconciler = rec

	var t transport.Transport
	if device.UseBroker {
		ownerType, ownerID := currentOwner(store)
		projectID, appID := "", ""
		switch ownerType {
		case assignment.OwnerProject:
			projectID = ownerID
		case assignment.OwnerApplication:
			appID = ownerID
		}
		t = brokertransport.New(brokertransport.Config{
			BrokerURL:     device.BrokerURL,
			Username:      device.BrokerUsername,
			Password:      device.BrokerPassword,
			Team:          device.ProvisioningTeam,
			DeviceID:      device.DeviceID,
			ProjectID:     projectID,
			AppID:         appID,
			StateProvider: rec,
			Receiver:      rec,
			Launcher:      proc,
			Tunnel:        tun,
			EditorSaver:   rec,
		}, log)
	} else {
		t = httptransport.New(httptransport.Config{
			ForgeURL:         device.ForgeURL,
			DeviceID:         device.DeviceID,
			Token:            device.Token,
			AgentVersion:     opts.AgentVersion,
			PollInterval:     opts.PollInterval,
			PollJitter:       opts.PollJitter,
			ProvisioningMode: device.ProvisioningMode,
			ProvisioningTeam: device.ProvisioningTeam,
			StateProvider:    rec,
			Receiver:         rec,
		}, log)
	}
	s.transport = t
	rec.SetTransport(t)

	status := webui.New(webui.Config{
		Addr:             opts.StatusAddr,
		WorkDir:          opts.WorkDir,
		DeviceConfigPath: opts.DeviceConfigPath,
		State:            rec,
		History:          hist,
	}, log)
	s.status = status

	cronSched, err := maintenance.New(maintenance.Config{
		History: hist,
		WorkDir: opts.WorkDir,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("building maintenance scheduler: %w", err)
	}
	s.cron = cronSched

	return s, nil
}

// currentOwner reads the persisted assignment purely to seed the broker
// transport's initial subscriptions before the first reconciliation runs.
func currentOwner(store *config.AssignmentStore) (assignment.OwnerType, string) {
	a, err := store.Load()
	if err != nil || a == nil {
		return assignment.OwnerNone, ""
	}
	return a.OwnerType, a.OwnerID()
}

// Start brings every component up: status server, maintenance scheduler,
// then the transport's poll/subscribe loop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.status.Start()
	s.cron.Start()

	if err := s.transport.Start(ctx); err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	s.log.Info().Msg("device agent started")
	return nil
}

// Shutdown stops every component in reverse dependency order: the
// reconciler first (so no new reconciliation starts), then the flow
// runtime, then the transport and the rest of the ambient services.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.log.Info().Msg("shutting down")
	s.reconciler.Shutdown()

	stopCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := s.launcher.Stop(stopCtx, true, launcher.StopReasonShutdown); err != nil {
		s.log.Warn().Err(err).Msg("stopping flow runtime")
	}
	if err := s.transport.Stop(stopCtx); err != nil {
		s.log.Warn().Err(err).Msg("stopping transport")
	}
	if err := s.tun.Close(); err != nil {
		s.log.Warn().Err(err).Msg("closing editor tunnel")
	}
	s.cron.Stop(stopCtx)
	if err := s.status.Stop(stopCtx); err != nil {
		s.log.Warn().Err(err).Msg("stopping status server")
	}
	if err := s.history.Close(); err != nil {
		s.log.Warn().Err(err).Msg("closing history store")
	}
	s.log.Info().Msg("shutdown complete")
}

// WorkDirError wraps a failure to prepare the agent's working directory,
// so callers can map it to the working-directory exit code.
type WorkDirError struct{ cause error }

func (e *WorkDirError) Error() string { return fmt.Sprintf("preparing working directory: %v", e.cause) }
func (e *WorkDirError) Unwrap() error { return e.cause }

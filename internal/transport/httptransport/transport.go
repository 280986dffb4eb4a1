// Package httptransport implements the polling control-plane transport
//: a jittered poll loop that POSTs observed state to the
// platform and interprets the response as a new desired state.
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowfuse/device-agent/internal/assignment"
	"github.com/flowfuse/device-agent/internal/netutil"
	"github.com/flowfuse/device-agent/internal/platformapi"
	"github.com/flowfuse/device-agent/internal/scheduler"
	"github.com/flowfuse/device-agent/internal/transport"
)

const requestTimeout = 10 * time.Second

// Config configures a Transport.
type Config struct {
	ForgeURL         string
	DeviceID         string
	Token            string
	AgentVersion     string
	PollInterval     time.Duration
	PollJitter       time.Duration
	ProvisioningMode bool
	ProvisioningTeam string

	StateProvider transport.StateProvider
	Receiver      transport.DesiredStateReceiver
}

// Transport is the HTTP-polling control-plane implementation.
type Transport struct {
	cfg    Config
	client *http.Client
	api    *platformapi.Client
	proxy  *netutil.ProxyResolver
	log    zerolog.Logger

	sched *scheduler.Scheduler

	mu          sync.Mutex
	provisioned bool
}

// New returns a Transport ready to Start.
func New(cfg Config, log zerolog.Logger) *Transport {
	proxy := netutil.NewProxyResolver()
	client := proxy.HTTPClient(int(requestTimeout.Seconds()))

	api := platformapi.NewClient(platformapi.Config{
		ForgeURL:   cfg.ForgeURL,
		DeviceID:   cfg.DeviceID,
		Token:      cfg.Token,
		HTTPClient: client,
	}, log)

	return &Transport{
		cfg:    cfg,
		client: client,
		api:    api,
		proxy:  proxy,
		log:    log.With().Str("component", "http_transport").Logger(),
	}
}

// PlatformFetcher exposes the transport's own platform API client. The
// supervisor does not call it: the reconciler is given a separate
// platformapi client for its snapshot/settings refetches.
func (t *Transport) PlatformFetcher() *platformapi.Client {
	return t.api
}

// Start begins the jittered poll loop.
func (t *Transport) Start(ctx context.Context) error {
	opts := scheduler.Options{
		BaseIntervals: []time.Duration{t.cfg.PollInterval},
		Jitters:       []time.Duration{t.cfg.PollJitter},
		AwaitCallback: true,
	}
	t.sched = scheduler.New(func(time.Duration, int) { t.tick(ctx) }, opts, t.log)
	t.sched.Start()
	return nil
}

// Stop halts the poll loop. A final check-in is attempted so the
// supervisor's last-gasp status report still makes it out.
func (t *Transport) Stop(ctx context.Context) error {
	if t.sched != nil {
		t.sched.Stop()
	}
	return t.CheckIn(ctx)
}

// CheckIn performs one immediate poll cycle.
func (t *Transport) CheckIn(ctx context.Context) error {
	t.tick(ctx)
	return nil
}

// Log is a no-op for the polling transport: log shipping over HTTP is out
// of scope, the broker transport owns log streaming.
func (t *Transport) Log(transport.LogEntry) {}

// SetOwner is a no-op over HTTP: there is no subscription state to update.
func (t *Transport) SetOwner(assignment.OwnerType, string) {}

func (t *Transport) tick(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	if t.cfg.ProvisioningMode {
		t.mu.Lock()
		already := t.provisioned
		t.mu.Unlock()
		if already {
			return
		}
		if err := t.provision(reqCtx); err != nil {
			t.log.Error().Err(err).Msg("provisioning request failed")
			return
		}
		t.mu.Lock()
		t.provisioned = true
		t.mu.Unlock()
		if t.sched != nil {
			t.sched.Stop()
		}
		return
	}

	state, ok := t.cfg.StateProvider.GetState()
	if !ok {
		return
	}

	desired, err := t.postState(reqCtx, state)
	if err != nil {
		t.log.Warn().Err(err).Msg("state check-in failed, will retry next poll")
		return
	}
	if desired != nil {
		t.cfg.Receiver.SetState(desired)
	}
}

// postState reports state and translates the platform's response into a
// desired-state message, per the status-code table:
//   - 2xx: the platform accepted the reported state; echo it back so the
//     reconciler sees it confirmed, not changed.
//   - 409: the body carries a fresher desired state.
//   - 404/401: credentials are no longer valid; deliver a null desired
//     state so the reconciler tears down.
//   - network errors: no desired state, caller logs and waits for the
//     next tick.
func (t *Transport) postState(ctx context.Context, state assignment.State) (*assignment.DesiredState, error) {
	body, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encoding state report: %w", err)
	}

	url := t.cfg.ForgeURL + "/api/v1/devices/" + t.cfg.DeviceID + "/live/state"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building check-in request: %w", err)
	}
	t.decorate(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("check-in request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading check-in response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return stateAsDesiredState(state), nil
	case resp.StatusCode == http.StatusConflict:
		return decodeConflictBody(respBody)
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusUnauthorized:
		return &assignment.DesiredState{Kind: assignment.KindNull}, nil
	default:
		return nil, fmt.Errorf("platform returned status %d", resp.StatusCode)
	}
}

func (t *Transport) decorate(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+t.cfg.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "flowfuse-device-agent/"+t.cfg.AgentVersion)
}

// stateAsDesiredState echoes an accepted report back as a no-op update: the
// reconciler's update-decision step sees no snapshot/settings/owner change
// and takes no action.
func stateAsDesiredState(state assignment.State) *assignment.DesiredState {
	return &assignment.DesiredState{
		Kind:        assignment.KindUpdate,
		OwnerType:   state.OwnerType,
		Project:     state.Project,
		Application: state.Application,
		Mode:        state.Mode,
	}
}

type conflictBody struct {
	Project     *string              `json:"project"`
	Application *string              `json:"application"`
	Snapshot    *assignment.Snapshot `json:"snapshot"`
	Settings    *assignment.Settings `json:"settings"`
}

func decodeConflictBody(body []byte) (*assignment.DesiredState, error) {
	var c conflictBody
	if len(body) > 0 {
		if err := json.Unmarshal(body, &c); err != nil {
			return nil, fmt.Errorf("decoding conflict body: %w", err)
		}
	}
	msg := &assignment.DesiredState{Kind: assignment.KindUpdate}
	if c.Project != nil {
		msg.ProjectSent = true
		msg.Project = c.Project
		msg.OwnerTypeExplicit = true
		msg.OwnerType = assignment.OwnerProject
	}
	if c.Application != nil {
		msg.ApplicationSent = true
		msg.Application = c.Application
		msg.OwnerTypeExplicit = true
		msg.OwnerType = assignment.OwnerApplication
	}
	if c.Snapshot != nil {
		msg.SnapshotSent = true
		msg.Snapshot = c.Snapshot
	}
	if c.Settings != nil {
		msg.SettingsSent = true
		msg.Settings = c.Settings
	}
	return msg, nil
}

// provision runs the one-shot provisioning exchange: trade the
// provisioning token for device credentials. It reports only success or
// failure by status code: the response body is not read, and nothing is
// handed to the Receiver or persisted.
func (t *Transport) provision(ctx context.Context) error {
	url := t.cfg.ForgeURL + "/api/v1/teams/" + t.cfg.ProvisioningTeam + "/devices/provision"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	t.decorate(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provisioning request returned status %d", resp.StatusCode)
	}
	t.log.Info().Msg("device provisioned")
	return nil
}

// Package brokertransport implements the message-broker control-plane
// transport: command channels over MQTT, with status/log/
// response publishing and a jittered heartbeat.
package brokertransport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/flowfuse/device-agent/internal/assignment"
	"github.com/flowfuse/device-agent/internal/launcher"
	"github.com/flowfuse/device-agent/internal/netutil"
	"github.com/flowfuse/device-agent/internal/scheduler"
	"github.com/flowfuse/device-agent/internal/transport"
	"github.com/flowfuse/device-agent/internal/tunnel"
)

const (
	reconnectPeriod      = 15 * time.Second
	initialCheckInWindow = 10 * time.Second
	logRingBufferSize    = 200
)

// Config configures a Transport.
type Config struct {
	BrokerURL  string
	Username   string
	Password   string
	Team       string
	DeviceID   string
	ProjectID  string // empty when unowned or application-owned
	AppID      string // empty when unowned or project-owned

	StateProvider transport.StateProvider
	Receiver      transport.DesiredStateReceiver
	Launcher      launcher.Launcher
	Tunnel        tunnel.Tunnel
	EditorSaver   interface {
		SaveEditorToken(token, affinity string) error
	}
}

// Transport is the MQTT-broker control-plane implementation.
type Transport struct {
	cfg Config
	log zerolog.Logger

	client mqtt.Client
	proxy  *netutil.ProxyResolver

	mu           sync.Mutex
	ownerType    assignment.OwnerType
	ownerID      string
	logStreaming bool
	logRing      []transport.LogEntry

	heartbeat       *scheduler.Scheduler
	initialCheckIn  *time.Timer
	gotFirstUpdate  chan struct{}
	gotFirstOnce    sync.Once
}

// New returns a Transport ready to Start.
func New(cfg Config, log zerolog.Logger) *Transport {
	t := &Transport{
		cfg:            cfg,
		proxy:          netutil.NewProxyResolver(),
		log:            log.With().Str("component", "broker_transport").Logger(),
		gotFirstUpdate: make(chan struct{}),
	}
	if cfg.ProjectID != "" {
		t.ownerType = assignment.OwnerProject
		t.ownerID = cfg.ProjectID
	} else if cfg.AppID != "" {
		t.ownerType = assignment.OwnerApplication
		t.ownerID = cfg.AppID
	}
	return t
}

func (t *Transport) topicPrefix() string {
	switch t.ownerType {
	case assignment.OwnerProject:
		return fmt.Sprintf("ff/v1/%s/p/%s", t.cfg.Team, t.ownerID)
	case assignment.OwnerApplication:
		return fmt.Sprintf("ff/v1/%s/a/%s", t.cfg.Team, t.ownerID)
	default:
		return ""
	}
}

func (t *Transport) deviceTopic(suffix string) string {
	return fmt.Sprintf("ff/v1/%s/d/%s/%s", t.cfg.Team, t.cfg.DeviceID, suffix)
}

// Start connects to the broker, publishes the initial status, subscribes to
// the device/owner command topics, and begins the heartbeat.
func (t *Transport) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(t.cfg.BrokerURL).
		SetUsername(t.cfg.Username).
		SetPassword(t.cfg.Password).
		SetClientID("device-" + t.cfg.DeviceID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(reconnectPeriod).
		SetOnConnectHandler(func(c mqtt.Client) { t.onConnect(ctx, c) }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			t.log.Warn().Err(err).Msg("broker connection lost, reconnect handled by client")
		})
	if proxyURL, err := t.proxy.ProxyForURL(t.cfg.BrokerURL); err == nil && proxyURL != nil {
		// The resolved proxy is only logged: no proxy is set on the client
		// options, so the broker connection (TCP or WebSocket) is dialed
		// directly and does not go through the proxy.
		t.log.Info().Str("proxy", proxyURL.String()).Msg("proxy configured for broker connection")
	}

	t.client = mqtt.NewClient(opts)
	tok := t.client.Connect()
	tok.Wait()
	if err := tok.Error(); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}

	t.startHeartbeat(ctx)
	t.startInitialCheckInTimer(ctx)
	return nil
}

func (t *Transport) onConnect(ctx context.Context, c mqtt.Client) {
	t.publishStatus()

	subscribe := func(topic string) {
		if tok := c.Subscribe(topic, 0, func(_ mqtt.Client, m mqtt.Message) { t.handleCommand(ctx, m) }); tok.Wait() && tok.Error() != nil {
			t.log.Error().Err(tok.Error()).Str("topic", topic).Msg("subscribe failed")
		}
	}
	subscribe(t.deviceTopic("command"))
	if prefix := t.topicPrefix(); prefix != "" {
		subscribe(prefix + "/command")
	}
}

// Stop disconnects cleanly, allowing any in-flight publish to drain first.
func (t *Transport) Stop(ctx context.Context) error {
	if t.heartbeat != nil {
		t.heartbeat.Stop()
	}
	if t.initialCheckIn != nil {
		t.initialCheckIn.Stop()
	}
	err := t.CheckIn(ctx)
	if t.client != nil {
		t.client.Disconnect(250)
	}
	return err
}

// CheckIn publishes the current state to the status topic.
func (t *Transport) CheckIn(context.Context) error {
	t.publishStatus()
	return nil
}

// Log appends entry to the retained ring buffer and, if a startLog command
// is currently active, streams it immediately.
func (t *Transport) Log(entry transport.LogEntry) {
	t.mu.Lock()
	t.logRing = append(t.logRing, entry)
	if len(t.logRing) > logRingBufferSize {
		t.logRing = t.logRing[len(t.logRing)-logRingBufferSize:]
	}
	streaming := t.logStreaming
	t.mu.Unlock()

	if streaming {
		t.publishJSON(t.deviceTopic("logs"), []transport.LogEntry{entry})
	}
}

// SetOwner updates which owner-scoped command topic is subscribed, used
// after a reconciliation changes the device's owner.
func (t *Transport) SetOwner(ownerType assignment.OwnerType, ownerID string) {
	t.mu.Lock()
	oldPrefix := t.topicPrefix()
	t.ownerType = ownerType
	t.ownerID = ownerID
	newPrefix := t.topicPrefix()
	t.mu.Unlock()

	if t.client == nil || oldPrefix == newPrefix {
		return
	}
	if oldPrefix != "" {
		t.client.Unsubscribe(oldPrefix + "/command")
	}
	if newPrefix != "" {
		t.client.Subscribe(newPrefix+"/command", 0, func(_ mqtt.Client, m mqtt.Message) {
			t.handleCommand(context.Background(), m)
		})
	}
}

func (t *Transport) publishStatus() {
	state, ok := t.cfg.StateProvider.GetState()
	if !ok {
		return
	}
	t.publishJSON(t.deviceTopic("status"), state)
}

func (t *Transport) publishJSON(topic string, v interface{}) {
	if t.client == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.log.Error().Err(err).Str("topic", topic).Msg("encoding publish payload")
		return
	}
	t.client.Publish(topic, 0, false, data)
}

func (t *Transport) startHeartbeat(ctx context.Context) {
	opts := scheduler.Options{
		BaseIntervals: []time.Duration{30 * time.Second},
		Jitters:       []time.Duration{10 * time.Second},
		AwaitCallback: false,
	}
	t.heartbeat = scheduler.New(func(time.Duration, int) { t.publishStatus() }, opts, t.log)
	t.heartbeat.Start()
	_ = ctx
}

// startInitialCheckInTimer delivers the locally-held state to the
// reconciler if the platform hasn't sent an "update" command within the
// safety window, so the device can progress even without a fresh assignment.
func (t *Transport) startInitialCheckInTimer(ctx context.Context) {
	t.initialCheckIn = time.AfterFunc(initialCheckInWindow, func() {
		select {
		case <-t.gotFirstUpdate:
			return
		default:
		}
		state, ok := t.cfg.StateProvider.GetState()
		if !ok {
			return
		}
		t.log.Info().Msg("no update received within safety window, proceeding with last-known state")
		t.cfg.Receiver.SetState(&assignment.DesiredState{
			Kind:        assignment.KindUpdate,
			OwnerType:   state.OwnerType,
			Project:     state.Project,
			Application: state.Application,
			Mode:        state.Mode,
		})
		_ = ctx
	})
}

func (t *Transport) cancelInitialCheckInOnce() {
	t.gotFirstOnce.Do(func() { close(t.gotFirstUpdate) })
	if t.initialCheckIn != nil {
		t.initialCheckIn.Stop()
	}
}

type commandEnvelope struct {
	Command         string          `json:"command"`
	CorrelationData string          `json:"correlationData"`
	ResponseTopic   string          `json:"responseTopic"`
	Payload         json.RawMessage `json:"payload"`
}

func (t *Transport) handleCommand(ctx context.Context, m mqtt.Message) {
	var env commandEnvelope
	if err := json.Unmarshal(m.Payload(), &env); err != nil {
		t.log.Error().Err(err).Msg("decoding broker command")
		return
	}

	switch env.Command {
	case "update":
		t.cancelInitialCheckInOnce()
		msg, err := decodeUpdatePayload(env.Payload)
		if err != nil {
			t.log.Error().Err(err).Msg("decoding update payload")
			return
		}
		t.cfg.Receiver.SetState(msg)
	case "startLog":
		t.mu.Lock()
		t.logStreaming = true
		ring := append([]transport.LogEntry(nil), t.logRing...)
		t.mu.Unlock()
		t.publishJSON(t.deviceTopic("logs"), ring)
	case "stopLog":
		t.mu.Lock()
		t.logStreaming = false
		t.mu.Unlock()
	case "startEditor":
		t.handleStartEditor(ctx, env)
	case "stopEditor":
		t.handleStopEditor(env)
	case "upload":
		t.handleUpload(ctx, env)
	case "action":
		t.handleAction(env)
	default:
		t.log.Warn().Str("command", env.Command).Msg("unrecognized broker command")
	}
}

func (t *Transport) respond(env commandEnvelope, payload interface{}) {
	if env.CorrelationData == "" {
		return
	}
	topic := env.ResponseTopic
	if topic == "" {
		topic = t.deviceTopic("response")
	}
	t.publishJSON(topic, map[string]interface{}{
		"command":         env.Command,
		"correlationData": env.CorrelationData,
		"payload":         payload,
	})
}

func decodeUpdatePayload(raw json.RawMessage) (*assignment.DesiredState, error) {
	var body struct {
		Project     *string              `json:"project"`
		Application *string              `json:"application"`
		Snapshot    *assignment.Snapshot `json:"snapshot"`
		Settings    *assignment.Settings `json:"settings"`
		Mode        assignment.Mode      `json:"mode"`
		TargetState *assignment.TargetState `json:"targetState"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
	}
	msg := &assignment.DesiredState{Kind: assignment.KindUpdate, TargetState: body.TargetState}
	if body.Project != nil || strings.Contains(string(raw), `"project"`) {
		msg.ProjectSent = true
		msg.Project = body.Project
	}
	if body.Application != nil || strings.Contains(string(raw), `"application"`) {
		msg.ApplicationSent = true
		msg.Application = body.Application
	}
	if body.Snapshot != nil {
		msg.SnapshotSent = true
		msg.Snapshot = body.Snapshot
	} else if strings.Contains(string(raw), `"snapshot"`) {
		msg.SnapshotSent = true
	}
	if body.Settings != nil {
		msg.SettingsSent = true
		msg.Settings = body.Settings
	}
	if body.Mode != "" {
		msg.ModeSent = true
		msg.Mode = body.Mode
	}
	return msg, nil
}

func (t *Transport) handleStartEditor(ctx context.Context, env commandEnvelope) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		t.respond(env, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}
	if t.cfg.Tunnel == nil {
		t.respond(env, map[string]interface{}{"success": false, "error": "tunnel not available"})
		return
	}
	affinity, err := t.cfg.Tunnel.Connect(ctx, body.Token)
	if err != nil {
		t.respond(env, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}
	if t.cfg.EditorSaver != nil {
		_ = t.cfg.EditorSaver.SaveEditorToken(body.Token, affinity)
	}
	t.respond(env, map[string]interface{}{"success": true, "affinity": affinity})
}

func (t *Transport) handleStopEditor(env commandEnvelope) {
	if t.cfg.Tunnel != nil {
		_ = t.cfg.Tunnel.Close()
	}
	if t.cfg.EditorSaver != nil {
		_ = t.cfg.EditorSaver.SaveEditorToken("", "")
	}
	t.respond(env, map[string]interface{}{"success": true})
}

func (t *Transport) handleUpload(ctx context.Context, env commandEnvelope) {
	if t.cfg.Launcher == nil {
		t.respond(env, map[string]interface{}{"success": false, "error": "launcher not available"})
		return
	}
	flow, err := t.cfg.Launcher.ReadFlow(ctx)
	if err != nil {
		t.respond(env, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}
	pkg, err := t.cfg.Launcher.ReadPackage(ctx)
	if err != nil {
		t.respond(env, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}
	creds, err := t.cfg.Launcher.ReadCredentials(ctx)
	if err != nil {
		t.respond(env, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}
	state, _ := t.cfg.StateProvider.GetState()
	t.respond(env, map[string]interface{}{
		"success":     true,
		"flows":       flow,
		"package":     pkg,
		"credentials": creds,
		"state":       state,
	})
}

func (t *Transport) handleAction(env commandEnvelope) {
	var body struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		t.respond(env, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}

	var target assignment.TargetState
	forceRestart := false
	switch body.Action {
	case "start":
		target = assignment.TargetRunning
	case "restart":
		target = assignment.TargetRunning
		forceRestart = true
	case "suspend":
		target = assignment.TargetSuspended
	default:
		t.respond(env, map[string]interface{}{"success": false, "error": "unrecognized action"})
		return
	}
	t.cfg.Receiver.SetState(&assignment.DesiredState{
		Kind:         assignment.KindTargetStateChange,
		TargetState:  &target,
		ForceRestart: forceRestart,
	})
	t.respond(env, map[string]interface{}{"success": true})
}

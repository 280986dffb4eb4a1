// Package reconciler implements the single converging state machine that
// drives a device's flow runtime toward whatever the platform last said it
// should be: one assignment in memory, one reconciliation in
// flight at a time, and a one-slot pending queue in front of it.
package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowfuse/device-agent/internal/assignment"
	"github.com/flowfuse/device-agent/internal/config"
	"github.com/flowfuse/device-agent/internal/events"
	"github.com/flowfuse/device-agent/internal/launcher"
	"github.com/flowfuse/device-agent/internal/transport"
	"github.com/flowfuse/device-agent/internal/tunnel"
)

// Config bundles the Reconciler's collaborators. Transport is attached after
// construction via SetTransport, since a transport typically needs the
// Reconciler itself as its StateProvider/DesiredStateReceiver.
type Config struct {
	Store    *config.AssignmentStore
	Launcher launcher.Launcher
	Tunnel   tunnel.Tunnel
	Platform PlatformFetcher
	History  HistoryRecorder
	Events   *events.Bus
	Log      zerolog.Logger
}

// Reconciler owns the in-memory Assignment and converges the launcher and
// transport toward it. All exported methods are safe for concurrent use.
type Reconciler struct {
	mu         sync.Mutex
	assignment *assignment.Assignment
	pending    *assignment.DesiredState
	inFlight   bool
	exiting    bool
	startedAt  time.Time

	launcher  launcher.Launcher
	tunnel    tunnel.Tunnel
	transport transport.Transport
	platform  PlatformFetcher
	store     *config.AssignmentStore
	history   HistoryRecorder
	events    *events.Bus
	retry     *retryPolicy
	log       zerolog.Logger
}

// New loads the persisted assignment (or a fresh default one, per
// assignment.New) and returns a Reconciler ready to receive desired-state
// messages once a Transport is attached with SetTransport.
func New(cfg Config) (*Reconciler, error) {
	a, err := cfg.Store.Load()
	if err != nil {
		return nil, err
	}

	r := &Reconciler{
		assignment: a,
		launcher:   cfg.Launcher,
		tunnel:     cfg.Tunnel,
		platform:   cfg.Platform,
		store:      cfg.Store,
		history:    cfg.History,
		events:     cfg.Events,
		startedAt:  time.Now(),
		log:        cfg.Log.With().Str("component", "reconciler").Logger(),
	}
	r.retry = newRetryPolicy(r.retryAttempt, r.log)
	return r, nil
}

// SetTransport attaches the active control-plane transport. Must be called
// exactly once, before Start.
func (r *Reconciler) SetTransport(t transport.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport = t
}

// SetState is the single entry point every transport calls to hand off an
// incoming desired-state message (design note: "the sole
// serialization point across transports"). It never blocks on reconciliation
// work: if a reconciliation is already in flight, msg is stashed in the
// one-slot pending queue, coalescing with whatever was already queued per
// the sticky target-state rule, and runLoop drains it afterwards.
func (r *Reconciler) SetState(msg *assignment.DesiredState) {
	r.mu.Lock()
	if r.exiting {
		r.mu.Unlock()
		return
	}
	if r.inFlight {
		r.enqueueLocked(msg)
		r.mu.Unlock()
		return
	}
	r.inFlight = true
	r.mu.Unlock()

	go r.runLoop(msg)
}

// enqueueLocked applies the coalescing rule: a target-state change already
// queued cannot be discarded by a later non-target-state message, because
// the run/suspend intent must never be silently dropped. Every other
// combination simply overwrites whatever was pending.
func (r *Reconciler) enqueueLocked(msg *assignment.DesiredState) {
	if r.pending != nil && r.pending.IsTargetStateChange() && !msg.IsTargetStateChange() {
		r.log.Debug().Msg("pending target-state change kept; newer message discarded")
		return
	}
	r.pending = msg
}

// runLoop drains msg and then, as long as something queued up while it was
// running, keeps draining the one-slot pending queue -- guaranteeing only
// one reconciliation runs at a time while never losing the most recent
// message.
func (r *Reconciler) runLoop(msg *assignment.DesiredState) {
	for {
		ctx := context.Background()
		r.emit(events.ReconciliationStarted, nil)
		result, err := r.process(ctx, msg)
		r.emit(events.ReconciliationCompleted, map[string]interface{}{"runState": string(result)})

		r.mu.Lock()
		a := r.assignment.Clone()
		r.mu.Unlock()
		if r.history != nil {
			r.history.RecordReconciliation("desiredState", a, result, err)
		}

		r.mu.Lock()
		var next *assignment.DesiredState
		if !isLaunchError(err) {
			next = r.pending
		}
		r.pending = nil
		if next == nil {
			r.inFlight = false
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
		msg = next
	}
}

// emit publishes to the event bus if one is configured; nil-safe so callers
// never need to guard it themselves.
func (r *Reconciler) emit(eventType events.EventType, data map[string]interface{}) {
	if r.events == nil {
		return
	}
	r.events.Emit(eventType, "reconciler", data)
}

// isLaunchError reports whether err is a LaunchError: per the launch-failure
// contract, the pending slot is dropped rather than drained in that case,
// since the launcher's state is indeterminate until the next fresh message.
func isLaunchError(err error) bool {
	var launchErr *LaunchError
	return errors.As(err, &launchErr)
}

// retryAttempt re-enters process as a full reconciliation, treated exactly
// like any other inbound message for the purposes of the inFlight flag: if
// something else is already running, the retried state is simply re-queued
// into the pending slot (enqueueLocked) for the next cycle to pick up.
func (r *Reconciler) retryAttempt(state *assignment.DesiredState) error {
	r.mu.Lock()
	if r.inFlight {
		r.enqueueLocked(state)
		r.mu.Unlock()
		return nil
	}
	r.inFlight = true
	r.mu.Unlock()

	ctx := context.Background()
	r.emit(events.ReconciliationStarted, nil)
	result, err := r.process(ctx, state)
	r.emit(events.ReconciliationCompleted, map[string]interface{}{"runState": string(result)})

	r.mu.Lock()
	a := r.assignment.Clone()
	r.mu.Unlock()
	if r.history != nil {
		r.history.RecordReconciliation("retry", a, result, err)
	}

	r.mu.Lock()
	var next *assignment.DesiredState
	if !isLaunchError(err) {
		next = r.pending
	}
	r.pending = nil
	r.inFlight = false
	r.mu.Unlock()
	if next != nil {
		r.SetState(next)
	}
	return err
}

// GetState returns the current reported state and whether the reconciler is
// free to accept a check-in request right now -- false while a
// reconciliation is in flight, so transports know not to report a
// half-applied state as settled.
func (r *Reconciler) GetState() (assignment.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := assignment.State{
		Record:        r.assignment.ToRecord(),
		UptimeSeconds: int64(time.Since(r.startedAt).Seconds()),
		ObservedAt:    time.Now(),
	}
	if r.launcher != nil {
		st.RunState = r.launcher.State()
		st.RestartCount = r.launcher.RestartCount()
	} else {
		st.RunState = assignment.StateUnknown
	}
	return st, !r.inFlight
}

// SaveEditorToken persists an editor token/affinity issued out-of-band by a
// startEditor broker command, without going through the full SetState path
// (no launcher restart is implied by opening the tunnel).
func (r *Reconciler) SaveEditorToken(token, affinity string) error {
	r.mu.Lock()
	r.assignment.EditorToken = token
	r.assignment.EditorAffinity = affinity
	a := r.assignment.Clone()
	r.mu.Unlock()
	return r.store.Save(a)
}

// Shutdown marks the reconciler as exiting: further SetState calls are
// ignored, and the caller (the supervisor) is responsible for stopping the
// launcher and transport directly.
func (r *Reconciler) Shutdown() {
	r.mu.Lock()
	r.exiting = true
	r.retry.Cancel()
	r.mu.Unlock()
}

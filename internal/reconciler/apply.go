package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/flowfuse/device-agent/internal/assignment"
	"github.com/flowfuse/device-agent/internal/events"
)

// LaunchError wraps a launcher.Start failure. runLoop/retryAttempt treat it
// specially: no queued update is drained afterward, since the launcher
// ended up in an indeterminate state the next reconciliation must not race.
type LaunchError struct{ cause error }

func (e *LaunchError) Error() string { return fmt.Sprintf("starting flow runtime: %v", e.cause) }
func (e *LaunchError) Unwrap() error { return e.cause }

// process dispatches a single desired-state message against a working copy
// of the current assignment, persisting and acting on the result before
// returning the observed run state for history recording.
func (r *Reconciler) process(ctx context.Context, msg *assignment.DesiredState) (assignment.RunState, error) {
	r.mu.Lock()
	cur := r.assignment.Clone()
	r.mu.Unlock()

	if msg.TargetState != nil {
		cur.TargetState = *msg.TargetState
		r.retry.Cancel()
		r.commit(cur.Clone())
	}

	switch msg.Kind {
	case assignment.KindNull:
		return r.applyNull(ctx, cur)
	case assignment.KindTargetStateChange:
		return r.applyTargetStateChange(ctx, cur, msg.ForceRestart)
	default:
		return r.applyUpdate(ctx, cur, msg)
	}
}

// commit installs a as the reconciler's materialized assignment and persists
// it to disk before the caller reports the resulting run state.
func (r *Reconciler) commit(a *assignment.Assignment) {
	r.mu.Lock()
	r.assignment = a
	r.mu.Unlock()
	if err := r.store.Save(a); err != nil {
		r.log.Error().Err(err).Msg("persisting assignment record")
	}
}

// applyNull handles the platform reporting it has nothing for this device:
// everything is torn down and the device sits idle. In developer mode the
// operator's local session takes precedence, so the null is acknowledged
// without touching the launcher or the assignment.
func (r *Reconciler) applyNull(ctx context.Context, cur *assignment.Assignment) (assignment.RunState, error) {
	if cur.Mode == assignment.ModeDeveloper {
		r.commit(cur)
		return r.reportedRunState(), nil
	}
	r.stopFlows(ctx, true, "stopped")
	cur.OwnerType = assignment.OwnerNone
	cur.Project = nil
	cur.Application = nil
	cur.Snapshot = nil
	cur.Settings = nil
	cur.Mode = assignment.ModeAutonomous
	cur.EditorToken = ""
	cur.EditorAffinity = ""
	r.commit(cur)
	r.emit(events.OwnerChanged, map[string]interface{}{"ownerType": string(assignment.OwnerNone)})
	return assignment.StateStopped, nil
}

// applyTargetStateChange enacts a bare run/suspend intent against whatever
// is already materialized, without touching owner/snapshot/settings/mode.
// forceRestart distinguishes restartNR (tear down and recreate a running
// launcher) from a plain startNR, which is a no-op if already running.
func (r *Reconciler) applyTargetStateChange(ctx context.Context, cur *assignment.Assignment, forceRestart bool) (assignment.RunState, error) {
	if cur.TargetState == assignment.TargetSuspended {
		r.stopFlows(ctx, true, "suspended")
		r.commit(cur)
		return assignment.StateSuspended, nil
	}
	if cur.Snapshot == nil {
		r.commit(cur)
		return assignment.StateStopped, nil
	}

	var err error
	if forceRestart {
		err = r.restartFlows(ctx, "restarting")
	} else {
		err = r.startFlows(ctx)
	}
	r.commit(cur)
	if err != nil {
		return assignment.StateError, &LaunchError{cause: err}
	}
	return assignment.StateStarting, nil
}

// applyUpdate is the general-purpose branch: owner changes, mode changes,
// snapshot/settings refresh decisions, and the resulting apply-or-suspend
// sequence.
func (r *Reconciler) applyUpdate(ctx context.Context, cur *assignment.Assignment, msg *assignment.DesiredState) (assignment.RunState, error) {
	prevOwnerType := cur.OwnerType
	prevSnapshotID := ""
	if cur.Snapshot != nil {
		prevSnapshotID = cur.Snapshot.ID
	}
	prevSettingsHash := ""
	if cur.Settings != nil {
		prevSettingsHash = cur.Settings.Hash
	}

	ownerUnassigned := applyOwner(cur, msg)
	if ownerUnassigned {
		return r.applyOwnerUnassignment(ctx, cur, msg, prevSettingsHash)
	}

	if msg.SnapshotSent && msg.Snapshot == nil && cur.OwnerType != assignment.OwnerNone {
		r.stopFlows(ctx, true, "stopped")
		cur.Snapshot = nil
		r.commit(cur)
		return assignment.StateStopped, nil
	}

	forcedReload := false
	if msg.ModeSent && msg.Mode != cur.Mode {
		var err error
		forcedReload, err = r.handleModeChange(ctx, cur, msg)
		if err != nil {
			r.log.Warn().Err(err).Msg("deferring mode change: platform fetch failed, retry scheduled")
			return assignment.StateError, err
		}
	}

	newOwner := cur.OwnerType != prevOwnerType && cur.OwnerType != assignment.OwnerNone
	if newOwner {
		r.emit(events.OwnerChanged, map[string]interface{}{"ownerType": string(cur.OwnerType)})
	}
	snapshotChanged := false
	if msg.SnapshotSent && msg.Snapshot != nil {
		cur.Snapshot = msg.Snapshot
		snapshotChanged = msg.Snapshot.ID != prevSnapshotID
	}
	settingsChanged := false
	if msg.SettingsSent && msg.Settings != nil {
		cur.Settings = msg.Settings
		settingsChanged = msg.Settings.Hash != prevSettingsHash
	}

	if newOwner {
		if !msg.SnapshotSent {
			snap, err := r.platform.FetchSnapshot(ctx)
			if err != nil {
				r.retry.Set(msg)
				return assignment.StateError, err
			}
			cur.Snapshot = snap
			snapshotChanged = true
		}
		if !msg.SettingsSent {
			settings, err := r.platform.FetchSettings(ctx)
			if err != nil {
				r.retry.Set(msg)
				return assignment.StateError, err
			}
			cur.Settings = settings
			settingsChanged = true
		}
	}

	// One-shot assistant-module migration: a snapshot declaring the
	// assistant module but settings with no assistant block yet means the
	// platform hasn't finished propagating it -- fetch settings once more.
	if cur.Snapshot.HasAssistantModule() && !cur.Settings.HasAssistant() && !settingsChanged {
		settings, err := r.platform.FetchSettings(ctx)
		if err == nil && settings.HasAssistant() {
			cur.Settings = settings
			settingsChanged = true
		}
	}

	if !newOwner && !snapshotChanged && !settingsChanged && !forcedReload && cur.TargetState == assignment.TargetRunning {
		r.commit(cur)
		return r.reportedRunState(), nil
	}

	reason := "updating"
	if forcedReload {
		reason = "restarting"
	}
	return r.applyAssignment(ctx, cur, reason)
}

// applyOwner mutates cur's owner fields from msg, inferring whether an
// explicit "project"/"application" key with a null value means the owner
// was unassigned. Returns true when the owner was cleared.
func applyOwner(cur *assignment.Assignment, msg *assignment.DesiredState) bool {
	if msg.OwnerTypeExplicit {
		cur.OwnerType = msg.OwnerType
	}
	if msg.ProjectSent {
		if msg.Project != nil {
			cur.OwnerType = assignment.OwnerProject
			cur.Project = msg.Project
			cur.Application = nil
			return false
		}
		if cur.OwnerType == assignment.OwnerProject {
			return true
		}
	}
	if msg.ApplicationSent {
		if msg.Application != nil {
			cur.OwnerType = assignment.OwnerApplication
			cur.Application = msg.Application
			cur.Project = nil
			return false
		}
		if cur.OwnerType == assignment.OwnerApplication {
			return true
		}
	}
	return false
}

// applyOwnerUnassignment tears the runtime down but, per the settings-hash
// rule, only replaces the settings overlay if the message actually carried a
// changed one -- device-level settings can outlive the owner that last set
// them.
func (r *Reconciler) applyOwnerUnassignment(ctx context.Context, cur *assignment.Assignment, msg *assignment.DesiredState, prevSettingsHash string) (assignment.RunState, error) {
	r.stopFlows(ctx, true, "stopped")
	cur.OwnerType = assignment.OwnerNone
	cur.Project = nil
	cur.Application = nil
	cur.Snapshot = nil
	if msg.SettingsSent && msg.Settings != nil && msg.Settings.Hash != prevSettingsHash {
		cur.Settings = msg.Settings
	}
	r.commit(cur)
	r.emit(events.OwnerChanged, map[string]interface{}{"ownerType": string(assignment.OwnerNone)})
	return assignment.StateStopped, nil
}

// handleModeChange applies the entering/leaving-developer-mode side effects.
// Entering developer mode needs no restart. Leaving it clears the editor
// session and checks whether the operator's on-disk changes diverged from
// what the platform now considers current, in which case the caller must
// force a reload.
func (r *Reconciler) handleModeChange(ctx context.Context, cur *assignment.Assignment, msg *assignment.DesiredState) (bool, error) {
	cur.Mode = msg.Mode
	r.emit(events.ModeChanged, map[string]interface{}{"mode": string(cur.Mode)})
	if cur.Mode == assignment.ModeDeveloper {
		return false, nil
	}

	cur.EditorToken = ""
	cur.EditorAffinity = ""
	if r.tunnel != nil {
		_ = r.tunnel.Close()
	}

	platformSnap, err := r.platform.FetchSnapshot(ctx)
	if err != nil {
		r.retry.Set(msg)
		return false, err
	}

	local := cur.Snapshot
	if r.launcher != nil && cur.Snapshot != nil {
		flows, flowErr := r.launcher.ReadFlow(ctx)
		modules, pkgErr := r.launcher.ReadPackage(ctx)
		if flowErr != nil || pkgErr != nil {
			r.log.Warn().Err(errors.Join(flowErr, pkgErr)).Msg("reading materialized flows for divergence check")
		} else {
			onDisk := *cur.Snapshot
			onDisk.Flows = flows
			onDisk.Modules = modules
			local = &onDisk
		}
	}

	diverges, copiedEnv := snapshotDiverges(local, platformSnap, cur.OwnerType)
	if copiedEnv != nil && cur.Snapshot != nil {
		cur.Snapshot.Env = copiedEnv
	}
	return diverges, nil
}

// snapshotDiverges compares the materialized-on-disk flows/modules (local)
// against the platform's view, following the reserved-env-key rule:
// application-owned devices silently adopt the platform's reserved keys,
// project-owned devices must reload to pick them up. A snapshot id of "0" on
// an application assignment is the sentinel for "no snapshot assigned" and
// skips the flows/modules comparison.
func snapshotDiverges(local, platform *assignment.Snapshot, ownerType assignment.OwnerType) (bool, map[string]string) {
	if local == nil || platform == nil {
		return local != platform, nil
	}
	if local.ID != platform.ID {
		return true, nil
	}

	envMismatch := false
	for _, key := range assignment.ReservedEnvKeys {
		if local.Env[key] != platform.Env[key] {
			envMismatch = true
			break
		}
	}
	if !envMismatch && ownerType == assignment.OwnerApplication {
		for _, key := range assignment.ApplicationEnvKeys {
			if local.Env[key] != platform.Env[key] {
				envMismatch = true
				break
			}
		}
	}
	if envMismatch {
		if ownerType == assignment.OwnerApplication {
			return false, platform.Env
		}
		return true, nil
	}

	if ownerType == assignment.OwnerApplication && platform.ID == "0" {
		return false, nil
	}

	if !reflect.DeepEqual(local.Modules, platform.Modules) {
		return true, nil
	}
	localFlows, _ := json.Marshal(local.Flows)
	platformFlows, _ := json.Marshal(platform.Flows)
	return string(localFlows) != string(platformFlows), nil
}

// applyAssignment runs the materialize sequence: stop the running launcher
// if needed, write the new configuration, start or stay suspended depending
// on target state, refresh broker subscriptions and the editor tunnel, and
// check in with the platform.
func (r *Reconciler) applyAssignment(ctx context.Context, cur *assignment.Assignment, reason string) (assignment.RunState, error) {
	if r.launcher != nil && r.launcher.State() != assignment.StateStopped {
		r.stopFlows(ctx, true, reason)
	}

	if r.launcher != nil {
		if err := r.launcher.WriteConfiguration(ctx, cur); err != nil {
			r.log.Error().Err(err).Msg("writing launcher configuration")
			r.commit(cur)
			return assignment.StateError, err
		}
	}

	r.commit(cur)

	result := assignment.StateStopped
	var launchErr error
	if cur.TargetState == assignment.TargetRunning && cur.Snapshot != nil {
		if err := r.startFlows(ctx); err != nil {
			result = assignment.StateError
			launchErr = &LaunchError{cause: err}
		} else {
			result = assignment.StateStarting
		}
	}

	r.mu.Lock()
	t := r.transport
	r.mu.Unlock()
	if t != nil {
		t.SetOwner(cur.OwnerType, cur.OwnerID())
		if cur.Mode == assignment.ModeDeveloper && cur.EditorToken != "" && r.tunnel != nil {
			if _, err := r.tunnel.Connect(ctx, cur.EditorToken); err != nil {
				r.log.Warn().Err(err).Msg("reopening editor tunnel after reload")
			}
		}
	}

	r.checkIn(ctx)
	return result, launchErr
}

// reportedRunState reads the launcher's current state for the no-op path,
// where nothing about the assignment changed but the message still needs a
// run state to hand back for history recording.
func (r *Reconciler) reportedRunState() assignment.RunState {
	if r.launcher == nil {
		return assignment.StateUnknown
	}
	return r.launcher.State()
}

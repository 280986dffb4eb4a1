package reconciler

import (
	"context"

	"github.com/flowfuse/device-agent/internal/launcher"
)

func stopReasonFromString(reason string) launcher.StopReason {
	switch reason {
	case "updating":
		return launcher.StopReasonUpdating
	case "restarting":
		return launcher.StopReasonRestarting
	case "suspended":
		return launcher.StopReasonSuspended
	case "shutdown":
		return launcher.StopReasonShutdown
	default:
		return launcher.StopReasonStopped
	}
}

// startFlows brings the launcher up against the currently materialized
// assignment. A failure is returned to the caller, which maps it to
// assignment.StateError -- the platform must see the launch actually failed,
// not a launcher silently sitting stopped.
func (r *Reconciler) startFlows(ctx context.Context) error {
	if r.launcher == nil {
		return nil
	}
	if err := r.launcher.Start(ctx); err != nil {
		r.log.Error().Err(err).Msg("starting flow runtime")
		return err
	}
	return nil
}

// stopFlows stops the launcher, if running, for the given reason.
func (r *Reconciler) stopFlows(ctx context.Context, clean bool, reason string) {
	if r.launcher == nil {
		return
	}
	if err := r.launcher.Stop(ctx, clean, stopReasonFromString(reason)); err != nil {
		r.log.Error().Err(err).Str("reason", reason).Msg("stopping flow runtime")
	}
}

// restartFlows is a stop-then-start pair used by restartNR: it guarantees a
// running launcher is torn down and recreated rather than left alone by
// Start's already-running no-op. The stop keeps the materialized files, so
// the restarted runtime runs the same assignment.
func (r *Reconciler) restartFlows(ctx context.Context, reason string) error {
	r.stopFlows(ctx, false, reason)
	return r.startFlows(ctx)
}

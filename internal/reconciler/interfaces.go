package reconciler

import (
	"context"

	"github.com/flowfuse/device-agent/internal/assignment"
)

// SnapshotFetcher fetches the platform's current view of a snapshot. Both
// transports share the same REST endpoints for this, so the
// reconciler depends only on this narrow interface rather than a transport.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context) (*assignment.Snapshot, error)
}

// SettingsFetcher fetches the platform's current settings overlay.
type SettingsFetcher interface {
	FetchSettings(ctx context.Context) (*assignment.Settings, error)
}

// PlatformFetcher is the combined capability the reconciler needs from the
// platform HTTP API, independent of which transport is carrying commands.
type PlatformFetcher interface {
	SnapshotFetcher
	SettingsFetcher
}

// HistoryRecorder is an optional sink the reconciler reports completed
// reconciliations to, purely for operator diagnostics. A nil recorder is a
// valid no-op.
type HistoryRecorder interface {
	RecordReconciliation(trigger string, a *assignment.Assignment, result assignment.RunState, err error)
}

// Package launcher defines the façade the reconciler drives to materialize
// configuration and supervise the child flow-runtime process. It also ships
// one concrete implementation, ProcessLauncher, so the reconciler can be
// exercised end-to-end.
package launcher

import (
	"context"

	"github.com/flowfuse/device-agent/internal/assignment"
)

// StopReason documents why the launcher is being stopped, so implementations
// can decide whether to suppress their own auto-restart behavior.
type StopReason string

const (
	StopReasonUpdating   StopReason = "updating"
	StopReasonRestarting StopReason = "restarting"
	StopReasonSuspended  StopReason = "suspended"
	StopReasonShutdown   StopReason = "shutdown"
	StopReasonStopped    StopReason = "stopped"
)

// Credentials is the opaque credentials payload the launcher hands back for
// the broker's "upload" command.
type Credentials map[string]interface{}

// Launcher is the façade the reconciler drives. Implementations own the
// child process lifecycle; the reconciler never shells out directly.
type Launcher interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context, clean bool, reason StopReason) error
	WriteConfiguration(ctx context.Context, a *assignment.Assignment) error
	ReadFlow(ctx context.Context) (interface{}, error)
	ReadPackage(ctx context.Context) (map[string]string, error)
	ReadCredentials(ctx context.Context) (Credentials, error)
	State() assignment.RunState
	RestartCount() int
}

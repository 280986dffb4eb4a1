// Package transport defines the shape both control-plane transports (HTTP
// polling and message broker) present to the reconciler: one interface
// with start, stop, checkIn, log and setOwner operations, regardless of
// which wire protocol backs it.
package transport

import (
	"context"
	"time"

	"github.com/flowfuse/device-agent/internal/assignment"
)

// StateProvider is implemented by the reconciler. GetState returns false
// while an update is in progress, signalling to transports "don't call
// home right now".
type StateProvider interface {
	GetState() (assignment.State, bool)
}

// DesiredStateReceiver is implemented by the reconciler; both transports
// deliver desired-state messages through it, which is the sole serialization
// point across transports.
type DesiredStateReceiver interface {
	SetState(msg *assignment.DesiredState)
}

// LogEntry is a single structured log record forwarded to whichever
// transport is active, for buffered shipping / the broker's retained log
// ring buffer.
type LogEntry struct {
	Timestamp time.Time
	Level     string
	Message   string
	Fields    map[string]interface{}
}

// Transport is the producer-side shape the reconciler and supervisor drive.
// HTTPTransport and BrokerTransport both implement it; they differ only in
// how they obtain desired-state messages.
type Transport interface {
	// Start begins the transport's own polling/subscription loop.
	Start(ctx context.Context) error
	// Stop tears the transport down. Implementations should still be able
	// to complete an in-flight CheckIn before exiting where doing so is
	// important for the supervisor's final-status shutdown.
	Stop(ctx context.Context) error
	// CheckIn reports the reconciler's current state immediately, in a
	// single attempt; the bounded retry budget lives in the reconciler's
	// checkIn, which calls this.
	CheckIn(ctx context.Context) error
	// Log forwards a structured log record for shipping/retention.
	Log(entry LogEntry)
	// SetOwner updates broker subscriptions (or is a no-op over HTTP).
	SetOwner(ownerType assignment.OwnerType, ownerID string)
}

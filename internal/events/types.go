package events

import "time"

// EventType identifies what happened in the agent.
type EventType string

const (
	ReconciliationStarted   EventType = "reconciliation_started"
	ReconciliationCompleted EventType = "reconciliation_completed"
	OwnerChanged            EventType = "owner_changed"
	ModeChanged             EventType = "mode_changed"
)

// Event is a single notification published on a Bus.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

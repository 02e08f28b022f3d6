package events

import "time"

// AgentEvent is emitted when the fleet registry records an agent state
// change. Action can be "connected", "disconnected", "available",
// "unavailable", "busy" or "free".
type AgentEvent struct {
	AgentID string
	Action  string
	At      time.Time
}

package events

import (
	"time"

	"github.com/openhail/dispatch/core/model"
)

// OfferEvent is published for each offer pushed to an agent.
type OfferEvent struct {
	RequestID  string
	AttemptID  string
	AgentID    string
	Rank       int
	DistanceKm float64
	ETA        time.Duration
	ExpiresAt  time.Time
}

// ResponseEvent is published when an agent reply reaches a session.
type ResponseEvent struct {
	RequestID string
	AttemptID string
	AgentID   string
	Decision  model.Decision
	Late      bool // reply arrived after its attempt closed
	Latency   time.Duration
}

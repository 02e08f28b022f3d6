// Package notify defines the messaging port between the dispatch core and
// the transports that reach agents and customers. The core is agnostic to
// whether delivery rides on MQTT, websockets or a queue.
package notify

import (
	"context"
	"time"

	"github.com/openhail/dispatch/core/geo"
	"github.com/openhail/dispatch/core/model"
)

// Agent-facing event names.
const (
	AgentEventOffer  = "offer"
	AgentEventTaken  = "taken"
	AgentEventCancel = "request_canceled"
)

// Customer-facing event names.
const (
	CustomerEventAssigned  = "agent_assigned"
	CustomerEventEscalated = "search_escalated"
	CustomerEventFailed    = "search_failed"
	CustomerEventCanceled  = "request_canceled"
)

// Channel delivers dispatch messages. Implementations must be safe for
// concurrent use; a delivery error concerns the addressed recipient only.
type Channel interface {
	SendToAgent(ctx context.Context, agentID, event string, payload any) error
	SendToCustomer(ctx context.Context, requestID, event string, payload any) error
}

// ResponseHandler receives agent replies routed back from the transport.
// Implemented by the dispatch coordinator.
type ResponseHandler interface {
	OnAgentResponse(agentID, requestID, attemptID string, decision model.Decision)
}

// OfferPayload is pushed to an agent entering a batch.
type OfferPayload struct {
	RequestID   string             `json:"request_id"`
	AttemptID   string             `json:"attempt_id"`
	Class       model.ServiceClass `json:"class"`
	Origin      geo.Point          `json:"origin"`
	Destination geo.Point          `json:"destination"`
	DistanceKm  float64            `json:"distance_km"`
	ETASeconds  float64            `json:"eta_seconds"`
	ExpiresAt   time.Time          `json:"expires_at"`
}

// TakenPayload tells an agent the request went to someone else.
type TakenPayload struct {
	RequestID string `json:"request_id"`
	AttemptID string `json:"attempt_id"`
}

// CancelPayload tells an agent the customer withdrew the request.
type CancelPayload struct {
	RequestID string `json:"request_id"`
}

// AssignedPayload tells the customer which agent is coming.
type AssignedPayload struct {
	RequestID  string    `json:"request_id"`
	AgentID    string    `json:"agent_id"`
	Rating     float64   `json:"rating"`
	ETASeconds float64   `json:"eta_seconds"`
	BoundAt    time.Time `json:"bound_at"`
}

// EscalatedPayload tells the customer the search widened to a new batch.
type EscalatedPayload struct {
	RequestID string `json:"request_id"`
	Attempt   int    `json:"attempt"`
}

// FailedPayload tells the customer no agent could be found.
type FailedPayload struct {
	RequestID string           `json:"request_id"`
	Reason    model.FailReason `json:"reason"`
}

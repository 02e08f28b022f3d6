package model

import (
	"fmt"
	"time"

	"github.com/openhail/dispatch/core/geo"
)

// Request represents a customer's ask for service at a pickup point.
type Request struct {
	ID          string
	CustomerID  string
	Class       ServiceClass
	Origin      geo.Point
	Destination geo.Point
	CreatedAt   time.Time
	Deadline    time.Time // zero means the search runs uncapped
	PickupAt    time.Time // zero means dispatch immediately
}

// Validate checks that the request carries everything dispatch needs.
func (r Request) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("request id must not be empty")
	}
	if r.CustomerID == "" {
		return fmt.Errorf("customer id must not be empty")
	}
	if !r.Class.Known() {
		return fmt.Errorf("unknown service class %q", r.Class)
	}
	if err := r.Origin.Validate(); err != nil {
		return fmt.Errorf("origin: %w", err)
	}
	if err := r.Destination.Validate(); err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	return nil
}

// Scheduled reports whether the request should be held until a future
// pickup time instead of dispatched immediately.
func (r Request) Scheduled(now time.Time) bool {
	return !r.PickupAt.IsZero() && r.PickupAt.After(now)
}

// Decision is an agent's reply to an offer.
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
)

// Binding ties a request to the single agent that won it.
type Binding struct {
	RequestID string    `json:"request_id"`
	AgentID   string    `json:"agent_id"`
	AttemptID string    `json:"attempt_id"`
	BoundAt   time.Time `json:"bound_at"`
}

// Outcome is the terminal result of a dispatch session.
type Outcome string

const (
	OutcomeBound    Outcome = "bound"
	OutcomeFailed   Outcome = "failed"
	OutcomeCanceled Outcome = "canceled"
)

// FailReason qualifies a failed outcome.
type FailReason string

const (
	FailNoCandidates     FailReason = "no_candidates"
	FailDeadlineExceeded FailReason = "deadline_exceeded"
)

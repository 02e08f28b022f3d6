package metrics

import (
	"time"

	"github.com/openhail/dispatch/core/model"
)

// SessionOutcome represents a finished dispatch session to be recorded.
type SessionOutcome struct {
	RequestID string
	Class     model.ServiceClass
	Outcome   model.Outcome
	Reason    model.FailReason
	AgentID   string
	Attempts  int
	Contacted int
	Elapsed   time.Duration
	Time      time.Time
}

// MetricsSink records dispatch outcomes for observability purposes.
type MetricsSink interface {
	RecordSessionOutcome(ev SessionOutcome) error
}

// OfferEvent captures one offer pushed to an agent.
type OfferEvent struct {
	RequestID  string
	AttemptID  string
	AgentID    string
	Class      model.ServiceClass
	Rank       int
	DistanceKm float64
	ETA        time.Duration
	Delivered  bool
	Time       time.Time
}

// OfferRecorder records offers sent to agents.
type OfferRecorder interface {
	RecordOffers(evs []OfferEvent) error
}

// ResponseEvent captures an agent reply and how arbitration treated it.
type ResponseEvent struct {
	RequestID string
	AttemptID string
	AgentID   string
	Decision  model.Decision
	Won       bool
	Stale     bool
	Latency   time.Duration
	Time      time.Time
}

// ResponseRecorder records agent replies.
type ResponseRecorder interface {
	RecordResponse(ev ResponseEvent) error
}

// FleetSnapshot is a periodic summary of registry state.
type FleetSnapshot struct {
	Connected int
	Available int
	Busy      int
	Time      time.Time
}

// FleetRecorder records fleet snapshots.
type FleetRecorder interface {
	RecordFleet(ev FleetSnapshot) error
}

// NopSink implements MetricsSink with no-op methods.
type NopSink struct{}

func (NopSink) RecordSessionOutcome(SessionOutcome) error { return nil }
func (NopSink) RecordOffers([]OfferEvent) error           { return nil }
func (NopSink) RecordResponse(ResponseEvent) error        { return nil }
func (NopSink) RecordFleet(FleetSnapshot) error           { return nil }

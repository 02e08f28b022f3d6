package events

import (
	"time"

	"github.com/openhail/dispatch/core/model"
)

// RequestEvent is published when a dispatch session changes state.
type RequestEvent struct {
	RequestID string
	State     string
	Attempt   int     // attempt ordinal, 0 before the first broadcast
	RadiusKm  float64 // search radius in effect
	At        time.Time
}

// OutcomeEvent is published exactly once per request when its session
// reaches a terminal state.
type OutcomeEvent struct {
	RequestID  string
	CustomerID string
	Outcome    model.Outcome
	Reason     model.FailReason // set when Outcome is failed
	Binding    *model.Binding   // set when Outcome is bound
	Attempts   int
	Elapsed    time.Duration
}

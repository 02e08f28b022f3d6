package dispatch

import "github.com/openhail/dispatch/core/model"

// State is a dispatch session's position in its lifecycle.
type State int

const (
	StateCreated State = iota
	StateBroadcasting
	StateAwaitingResponse
	StateBound
	StateFailed
	StateCanceled
)

// String returns the snake_case state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBroadcasting:
		return "broadcasting"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateBound:
		return "bound"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can occur.
func (s State) Terminal() bool {
	return s == StateBound || s == StateFailed || s == StateCanceled
}

// outcomeOf maps a terminal state to the outcome reported to callers.
func outcomeOf(s State) model.Outcome {
	switch s {
	case StateBound:
		return model.OutcomeBound
	case StateCanceled:
		return model.OutcomeCanceled
	default:
		return model.OutcomeFailed
	}
}

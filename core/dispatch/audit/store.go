// Package audit persists the per-request dispatch trail: every attempt
// with its offers and the terminal outcome.
package audit

import (
	"context"
	"time"
)

// Record kinds.
const (
	KindAttempt = "attempt"
	KindOutcome = "outcome"
)

// Record captures one dispatch trail entry for a request.
type Record struct {
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"request_id"`
	Kind      string         `json:"kind"`
	Attempt   *AttemptRecord `json:"attempt,omitempty"`
	Outcome   *OutcomeRecord `json:"outcome,omitempty"`
}

// AttemptRecord mirrors a closed dispatch attempt.
type AttemptRecord struct {
	AttemptID string        `json:"attempt_id"`
	Seq       int           `json:"seq"`
	SentAt    time.Time     `json:"sent_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	Offers    []OfferRecord `json:"offers"`
}

// OfferRecord mirrors one agent slot within an attempt.
type OfferRecord struct {
	AgentID    string  `json:"agent_id"`
	Rank       int     `json:"rank"`
	DistanceKm float64 `json:"distance_km"`
	ETASeconds float64 `json:"eta_seconds"`
	Delivered  bool    `json:"delivered"`
	Status     string  `json:"status"`
}

// OutcomeRecord mirrors a session's terminal result.
type OutcomeRecord struct {
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Attempts  int    `json:"attempts"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// Query defines filters for retrieving records.
type Query struct {
	Start     time.Time
	End       time.Time
	RequestID string
	AgentID   string
	Kind      string
}

// Store persists Records and supports querying.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Query(ctx context.Context, q Query) ([]Record, error)
	Close() error
}

// matches reports whether the record passes the non-SQL filters.
func matches(r Record, q Query) bool {
	if !q.Start.IsZero() && r.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && r.Timestamp.After(q.End) {
		return false
	}
	if q.Kind != "" && r.Kind != q.Kind {
		return false
	}
	if q.RequestID != "" && r.RequestID != q.RequestID {
		return false
	}
	if q.AgentID != "" {
		switch {
		case r.Attempt != nil:
			found := false
			for _, o := range r.Attempt.Offers {
				if o.AgentID == q.AgentID {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case r.Outcome != nil:
			if r.Outcome.AgentID != q.AgentID {
				return false
			}
		default:
			return false
		}
	}
	return true
}

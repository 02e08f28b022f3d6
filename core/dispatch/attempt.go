package dispatch

import "time"

// SlotStatus tracks one agent's progress within an attempt. A slot moves
// out of pending exactly once.
type SlotStatus string

const (
	SlotPending  SlotStatus = "pending"
	SlotAccepted SlotStatus = "accepted"
	SlotDeclined SlotStatus = "declined"
	SlotExpired  SlotStatus = "expired"
)

// Offer is one agent slot within an attempt.
type Offer struct {
	AgentID    string
	Rank       int
	DistanceKm float64
	ETA        time.Duration
	Delivered  bool
	Status     SlotStatus
}

// Attempt is one batch-broadcast-and-wait cycle. Attempts are created and
// mutated only by the owning session goroutine; once an attempt is
// published into the session's list, slot writes go through the session's
// snapshot lock because Status copies them concurrently. Closed attempts
// are superseded by the next one, never reopened. The ordered sequence of
// attempts forms the request's dispatch trail.
type Attempt struct {
	ID        string
	Seq       int
	SentAt    time.Time
	ExpiresAt time.Time
	Offers    []Offer
}

func newAttempt(id string, seq int, sentAt time.Time, timeout time.Duration) *Attempt {
	return &Attempt{
		ID:        id,
		Seq:       seq,
		SentAt:    sentAt,
		ExpiresAt: sentAt.Add(timeout),
	}
}

func (a *Attempt) add(o Offer) {
	o.Rank = len(a.Offers) + 1
	a.Offers = append(a.Offers, o)
}

func (a *Attempt) offer(agentID string) *Offer {
	for i := range a.Offers {
		if a.Offers[i].AgentID == agentID {
			return &a.Offers[i]
		}
	}
	return nil
}

// isPending reports whether the agent still holds an open slot here.
func (a *Attempt) isPending(agentID string) bool {
	o := a.offer(agentID)
	return o != nil && o.Status == SlotPending
}

// resolve moves a pending slot to st and reports whether the transition
// happened. Resolved slots never change again.
func (a *Attempt) resolve(agentID string, st SlotStatus) bool {
	o := a.offer(agentID)
	if o == nil || o.Status != SlotPending {
		return false
	}
	o.Status = st
	return true
}

// pending returns the agents still waiting, in offer order.
func (a *Attempt) pending() []string {
	var out []string
	for _, o := range a.Offers {
		if o.Status == SlotPending {
			out = append(out, o.AgentID)
		}
	}
	return out
}

func (a *Attempt) pendingCount() int {
	n := 0
	for _, o := range a.Offers {
		if o.Status == SlotPending {
			n++
		}
	}
	return n
}

// expirePending closes every unresolved slot.
func (a *Attempt) expirePending() {
	for i := range a.Offers {
		if a.Offers[i].Status == SlotPending {
			a.Offers[i].Status = SlotExpired
		}
	}
}

// snapshot returns a deep copy safe to hand outside the session goroutine.
func (a *Attempt) snapshot() Attempt {
	cp := *a
	cp.Offers = append([]Offer(nil), a.Offers...)
	return cp
}

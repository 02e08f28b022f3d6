// Package registry tracks the live agent fleet: connection state, location
// reports, availability and busy ownership. It answers the candidate
// queries dispatch sessions run on every broadcast.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/openhail/dispatch/core/events"
	"github.com/openhail/dispatch/core/geo"
	"github.com/openhail/dispatch/core/logger"
	"github.com/openhail/dispatch/core/model"
	"github.com/openhail/dispatch/internal/eventbus"
)

var (
	// ErrUnknownAgent is returned when an operation references an agent
	// that never connected.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrAgentBusy is returned by MarkBusy when another request already
	// owns the agent.
	ErrAgentBusy = errors.New("agent already busy")
	// ErrAgentUnavailable is returned by MarkBusy when the agent is
	// disconnected or opted out.
	ErrAgentUnavailable = errors.New("agent not available")
)

// record pairs the published agent state with the request currently
// owning it.
type record struct {
	agent    model.Agent
	busyWith string
}

// Filter narrows List results.
type Filter struct {
	Class         model.ServiceClass
	ConnectedOnly bool
	AvailableOnly bool
}

// Counts summarises fleet state for gauges.
type Counts struct {
	Connected int
	Available int
	Busy      int
}

// Registry is the in-memory fleet store. All methods are safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*record
	bus    eventbus.EventBus
	log    logger.Logger
	now    func() time.Time
}

// New creates an empty Registry. bus may be nil when no observer cares
// about fleet events.
func New(bus eventbus.EventBus, log logger.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*record),
		bus:    bus,
		log:    log,
		now:    time.Now,
	}
}

// Connect registers or refreshes an agent and marks its transport session
// open. The profile replaces everything except busy ownership, which
// survives reconnects.
func (r *Registry) Connect(a model.Agent) error {
	if err := a.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	rec, ok := r.agents[a.ID]
	if !ok {
		rec = &record{}
		r.agents[a.ID] = rec
	}
	a.Connected = true
	a.Busy = rec.busyWith != ""
	if a.LocatedAt.IsZero() {
		a.LocatedAt = r.now()
	}
	rec.agent = a
	r.mu.Unlock()
	r.publish(a.ID, "connected")
	r.log.Infof("agent %s connected (class=%s)", a.ID, a.Class)
	return nil
}

// Disconnect marks the agent's transport session closed. The agent is
// immediately ineligible for new offers; its record is kept so a
// reconnect restores the profile.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	rec, ok := r.agents[id]
	if ok {
		rec.agent.Connected = false
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.publish(id, "disconnected")
	r.log.Infof("agent %s disconnected", id)
}

// UpsertLocation records a location report. Reports whose timestamp is not
// strictly newer than the stored one are dropped, so out-of-order
// deliveries never move an agent backwards.
func (r *Registry) UpsertLocation(id string, p geo.Point, ts time.Time) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[id]
	if !ok {
		return ErrUnknownAgent
	}
	if !ts.After(rec.agent.LocatedAt) {
		r.log.Debugf("dropping stale location for agent %s (%s <= %s)", id, ts.Format(time.RFC3339Nano), rec.agent.LocatedAt.Format(time.RFC3339Nano))
		return nil
	}
	rec.agent.Location = p
	rec.agent.LocatedAt = ts
	return nil
}

// SetAvailability flips the agent's opt-in flag.
func (r *Registry) SetAvailability(id string, available bool) error {
	r.mu.Lock()
	rec, ok := r.agents[id]
	if ok {
		rec.agent.Available = available
	}
	r.mu.Unlock()
	if !ok {
		return ErrUnknownAgent
	}
	if available {
		r.publish(id, "available")
	} else {
		r.publish(id, "unavailable")
	}
	return nil
}

// MarkBusy atomically claims the agent for a request. It fails with
// ErrAgentBusy when another request already owns the agent and with
// ErrAgentUnavailable when the agent is disconnected or opted out.
// Claiming again for the same request is a no-op.
func (r *Registry) MarkBusy(id, requestID string) error {
	r.mu.Lock()
	rec, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownAgent
	}
	if rec.busyWith == requestID {
		r.mu.Unlock()
		return nil
	}
	if rec.busyWith != "" {
		r.mu.Unlock()
		return ErrAgentBusy
	}
	if !rec.agent.Connected || !rec.agent.Available {
		r.mu.Unlock()
		return ErrAgentUnavailable
	}
	rec.busyWith = requestID
	rec.agent.Busy = true
	r.mu.Unlock()
	r.publish(id, "busy")
	return nil
}

// MarkFree returns the agent to the available pool. Only the owning
// request may free it; anything else is ignored, so a stale session can
// never release an agent claimed by a newer request.
func (r *Registry) MarkFree(id, requestID string) {
	r.mu.Lock()
	rec, ok := r.agents[id]
	freed := ok && rec.busyWith == requestID
	if freed {
		rec.busyWith = ""
		rec.agent.Busy = false
	}
	r.mu.Unlock()
	if freed {
		r.publish(id, "free")
	}
}

// Get returns a copy of the agent record.
func (r *Registry) Get(id string) (model.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[id]
	if !ok {
		return model.Agent{}, false
	}
	return rec.agent, true
}

// FindCandidates returns every agent eligible to serve the given class
// within radiusKm of origin, skipping the excluded ids. Busy, opted-out
// and disconnected agents never appear. Results are sorted by id so
// callers see a deterministic order.
func (r *Registry) FindCandidates(origin geo.Point, class model.ServiceClass, radiusKm float64, excluding map[string]struct{}) []model.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Agent, 0, len(r.agents))
	for id, rec := range r.agents {
		if _, skip := excluding[id]; skip {
			continue
		}
		if !rec.agent.CanServe(class) {
			continue
		}
		if geo.DistanceKm(origin, rec.agent.Location) > radiusKm {
			continue
		}
		out = append(out, rec.agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List returns agents matching the filter, sorted by id.
func (r *Registry) List(f Filter) []model.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Agent, 0, len(r.agents))
	for _, rec := range r.agents {
		if f.Class != "" && rec.agent.Class != f.Class {
			continue
		}
		if f.ConnectedOnly && !rec.agent.Connected {
			continue
		}
		if f.AvailableOnly && !(rec.agent.Available && !rec.agent.Busy) {
			continue
		}
		out = append(out, rec.agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts reports fleet totals for metric gauges.
func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var c Counts
	for _, rec := range r.agents {
		if rec.agent.Connected {
			c.Connected++
		}
		if rec.agent.Busy {
			c.Busy++
		} else if rec.agent.Connected && rec.agent.Available {
			c.Available++
		}
	}
	return c
}

func (r *Registry) publish(id, action string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.AgentEvent{AgentID: id, Action: action, At: r.now()})
}

package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openhail/dispatch/core/dispatch/audit"
	"github.com/openhail/dispatch/core/eta"
	"github.com/openhail/dispatch/core/events"
	"github.com/openhail/dispatch/core/logger"
	"github.com/openhail/dispatch/core/metrics"
	"github.com/openhail/dispatch/core/model"
	"github.com/openhail/dispatch/core/notify"
	"github.com/openhail/dispatch/core/ranking"
	"github.com/openhail/dispatch/core/registry"
	"github.com/openhail/dispatch/internal/eventbus"
)

// Deps lists the collaborators the coordinator wires into every session.
// Registry, Channel and Log are mandatory; the rest may be nil.
type Deps struct {
	Registry  *registry.Registry
	Estimator eta.Estimator
	Channel   notify.Channel
	Sink      metrics.MetricsSink
	Bus       eventbus.EventBus
	Store     audit.Store
	Log       logger.Logger
	Now       func() time.Time
}

// Coordinator is the dispatch entry point. It owns one session per active
// request, serializes session creation per request id and routes agent
// replies and fleet disconnects to the right session.
type Coordinator struct {
	cfg  Config
	deps sessionDeps

	mu       sync.Mutex
	sessions map[string]*Session

	done chan struct{}
	wg   sync.WaitGroup
}

// NewCoordinator validates the configuration and starts the fleet watcher.
func NewCoordinator(cfg Config, deps Deps) (*Coordinator, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch config: %w", err)
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if deps.Channel == nil {
		return nil, fmt.Errorf("notification channel is required")
	}
	if deps.Log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Estimator == nil {
		deps.Estimator = eta.SpeedEstimator{}
	}
	if deps.Sink == nil {
		deps.Sink = metrics.NopSink{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	c := &Coordinator{
		cfg: cfg,
		deps: sessionDeps{
			registry:  deps.Registry,
			ranker: ranking.New(cfg.Weights, cfg.MaxRadiusKm,
				ranking.WithMaxWait(cfg.MaxWait),
				ranking.WithExperienceCap(cfg.ExperienceCap)),
			estimator: deps.Estimator,
			channel:   deps.Channel,
			sink:      deps.Sink,
			bus:       deps.Bus,
			store:     deps.Store,
			log:       deps.Log,
			now:       deps.Now,
		},
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	if deps.Bus != nil {
		sub := deps.Bus.Subscribe()
		c.wg.Add(1)
		go c.watchFleet(sub)
	}
	c.wg.Add(1)
	go c.sweepFinished()
	return c, nil
}

// Start validates the request and launches its dispatch session. The
// request id doubles as the idempotency key: a second Start for a known
// id returns that id without spawning another session. An empty id gets
// a generated one.
func (c *Coordinator) Start(req model.Request) (string, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = c.deps.now()
	}
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	c.mu.Lock()
	if _, exists := c.sessions[req.ID]; exists {
		c.mu.Unlock()
		c.deps.log.Infof("duplicate start for request %s ignored", req.ID)
		return req.ID, nil
	}
	s := newSession(req, c.cfg, c.deps)
	c.sessions[req.ID] = s
	c.mu.Unlock()

	c.deps.log.Infof("request %s accepted (class=%s customer=%s)", req.ID, req.Class, req.CustomerID)
	s.start()
	return req.ID, nil
}

// Cancel moves a non-terminal session to canceled. Canceling a terminal
// session is a no-op; only an unknown id is an error.
func (c *Coordinator) Cancel(requestID string) error {
	s, ok := c.session(requestID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	s.post(sessionEvent{kind: evCancel, at: c.deps.now()})
	return nil
}

// Status reports the session's current state and binding, if any.
func (c *Coordinator) Status(requestID string) (Status, error) {
	s, ok := c.session(requestID)
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	return s.Status(), nil
}

// Complete releases the bound agent back to the pool once the trip is
// over and forgets the session.
func (c *Coordinator) Complete(requestID string) error {
	s, ok := c.session(requestID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	st := s.Status()
	if st.Binding == nil {
		return fmt.Errorf("%w: %s", ErrNotBound, requestID)
	}
	c.deps.registry.MarkFree(st.Binding.AgentID, requestID)
	c.mu.Lock()
	delete(c.sessions, requestID)
	c.mu.Unlock()
	c.deps.log.Infof("request %s completed, agent %s freed", requestID, st.Binding.AgentID)
	return nil
}

// OnAgentResponse routes a transport reply to its session. Replies for
// unknown or already-terminated requests are answered with a taken
// notice when they are accepts, so the agent's app clears the offer.
func (c *Coordinator) OnAgentResponse(agentID, requestID, attemptID string, decision model.Decision) {
	ev := sessionEvent{
		kind:      evResponse,
		agentID:   agentID,
		attemptID: attemptID,
		decision:  decision,
		at:        c.deps.now(),
	}
	if s, ok := c.session(requestID); ok && s.post(ev) {
		return
	}
	if decision != model.DecisionAccept {
		return
	}
	c.deps.log.Debugf("late accept from agent %s for finished request %s", agentID, requestID)
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SendTimeout)
	defer cancel()
	if err := c.deps.channel.SendToAgent(ctx, agentID, notify.AgentEventTaken, notify.TakenPayload{
		RequestID: requestID,
		AttemptID: attemptID,
	}); err != nil {
		c.deps.log.Warnf("taken notice to agent %s failed: %v", agentID, err)
	}
}

// ActiveSessions counts sessions that have not reached a terminal state.
func (c *Coordinator) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.sessions {
		if !s.Terminal() {
			n++
		}
	}
	return n
}

// Statuses snapshots every known session, for the ops API.
func (c *Coordinator) Statuses() []Status {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()
	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	return out
}

// Close stops the fleet watcher. Sessions in flight keep running to
// their terminal state.
func (c *Coordinator) Close() {
	close(c.done)
	c.wg.Wait()
}

func (c *Coordinator) session(requestID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[requestID]
	return s, ok
}

// sweepFinished evicts failed and canceled sessions once their retention
// window has passed; until then they stay queryable through Status. Bound
// sessions are never swept, since Complete must still free their agent.
func (c *Coordinator) sweepFinished() {
	defer c.wg.Done()
	interval := c.cfg.RetainFinished / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-tick.C:
			cutoff := c.deps.now().Add(-c.cfg.RetainFinished)
			c.mu.Lock()
			held := make(map[string]*Session, len(c.sessions))
			for id, s := range c.sessions {
				held[id] = s
			}
			c.mu.Unlock()
			for id, s := range held {
				fin, st := s.finished()
				if st != StateFailed && st != StateCanceled {
					continue
				}
				if fin.IsZero() || fin.After(cutoff) {
					continue
				}
				c.mu.Lock()
				if cur, ok := c.sessions[id]; ok && cur == s {
					delete(c.sessions, id)
				}
				c.mu.Unlock()
				c.deps.log.Debugf("request %s forgotten after retention", id)
			}
		}
	}
}

// watchFleet folds agent disconnects into every live session, where they
// count as implicit declines for pending offers.
func (c *Coordinator) watchFleet(sub <-chan eventbus.Event) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			c.deps.bus.Unsubscribe(sub)
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			ae, isAgent := ev.(events.AgentEvent)
			if !isAgent || ae.Action != "disconnected" {
				continue
			}
			c.mu.Lock()
			sessions := make([]*Session, 0, len(c.sessions))
			for _, s := range c.sessions {
				sessions = append(sessions, s)
			}
			c.mu.Unlock()
			for _, s := range sessions {
				s.post(sessionEvent{kind: evDisconnect, agentID: ae.AgentID, at: ae.At})
			}
		}
	}
}

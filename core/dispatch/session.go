package dispatch

import (
	"context"
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

type eventKind int

const (
	evResponse eventKind = iota
	evExpiry
	evCancel
	evDisconnect
	evDeadline
)

// sessionEvent is the single funnel for everything that can change a
// session's state: agent replies, timer expiries, disconnects and
// cancellation.
type sessionEvent struct {
	kind      eventKind
	agentID   string
	attemptID string
	decision  model.Decision
	at        time.Time
}

// sessionDeps bundles the collaborators a session needs. The coordinator
// fills it once and shares it across sessions.
type sessionDeps struct {
	registry  *registry.Registry
	ranker    ranking.Ranker
	estimator eta.Estimator
	channel   notify.Channel
	sink      metrics.MetricsSink
	bus       eventbus.EventBus
	store     audit.Store
	log       logger.Logger
	now       func() time.Time
}

// Session drives one request from intake to a terminal outcome. All state
// mutations happen on the session's own goroutine; agent replies, timer
// expiries and cancellation funnel through the mailbox and are processed
// in arrival order, which serializes arbitration per request.
type Session struct {
	req  model.Request
	cfg  Config
	deps sessionDeps

	mail *mailbox

	// mu guards the snapshot fields read by Status, including the offer
	// slots of attempts already published into attempts; only the session
	// goroutine writes them.
	mu         sync.Mutex
	state      State
	binding    *model.Binding
	reason     model.FailReason
	attempts   []*Attempt
	finishedAt time.Time

	excluded  map[string]struct{}
	contacted int
	open      *Attempt
	expiry    *time.Timer
	deadline  *time.Timer
	started   time.Time
}

// Status is a point-in-time view of a session.
type Status struct {
	RequestID  string
	CustomerID string
	State      State
	Reason     model.FailReason
	Binding    *model.Binding
	Attempts   []Attempt
	Contacted  int
	StartedAt  time.Time
	Deadline   time.Time
	FinishedAt time.Time
}

// Outcome reports the terminal result, if the session reached one.
func (st Status) Outcome() (model.Outcome, bool) {
	if !st.State.Terminal() {
		return "", false
	}
	return outcomeOf(st.State), true
}

func newSession(req model.Request, cfg Config, deps sessionDeps) *Session {
	return &Session{
		req:      req,
		cfg:      cfg,
		deps:     deps,
		mail:     newMailbox(),
		state:    StateCreated,
		excluded: make(map[string]struct{}),
	}
}

// start computes the deadline, arms its timer and launches the session
// goroutine.
func (s *Session) start() {
	// The session is already visible to Status by now, so the fields it
	// snapshots are set under the lock.
	s.mu.Lock()
	s.started = s.deps.now()
	if s.req.Deadline.IsZero() && s.cfg.OverallDeadline > 0 {
		s.req.Deadline = s.started.Add(s.cfg.OverallDeadline)
	}
	started, deadline := s.started, s.req.Deadline
	s.mu.Unlock()
	if !deadline.IsZero() {
		s.deadline = time.AfterFunc(deadline.Sub(started), func() {
			s.post(sessionEvent{kind: evDeadline})
		})
	}
	go s.run()
}

// post feeds an event into the session. It reports false once the session
// has terminated; the caller then owns the stale handling.
func (s *Session) post(ev sessionEvent) bool {
	return s.mail.put(ev)
}

// Status returns a snapshot safe to read from any goroutine.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		RequestID:  s.req.ID,
		CustomerID: s.req.CustomerID,
		State:      s.state,
		Reason:     s.reason,
		Contacted:  s.contacted,
		StartedAt:  s.started,
		Deadline:   s.req.Deadline,
		FinishedAt: s.finishedAt,
	}
	if s.binding != nil {
		b := *s.binding
		st.Binding = &b
	}
	st.Attempts = make([]Attempt, 0, len(s.attempts))
	for _, a := range s.attempts {
		st.Attempts = append(st.Attempts, a.snapshot())
	}
	return st
}

// Terminal reports whether the session already reached a terminal state.
func (s *Session) Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Terminal()
}

// finished reports the session's state and when it turned terminal.
func (s *Session) finished() (time.Time, State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedAt, s.state
}

func (s *Session) run() {
	s.broadcast()
	for {
		s.mu.Lock()
		term := s.state.Terminal()
		s.mu.Unlock()
		if term {
			break
		}
		s.handle(s.mail.take())
	}
	// Whatever raced in while we were transitioning still deserves an
	// answer; accepts that arrive from here on are handled by the
	// coordinator.
	for _, ev := range s.mail.close() {
		s.answerStale(ev)
	}
}

func (s *Session) handle(ev sessionEvent) {
	switch ev.kind {
	case evResponse:
		s.onResponse(ev)
	case evExpiry:
		s.onExpiry(ev)
	case evCancel:
		s.onCancel()
	case evDisconnect:
		s.onDisconnect(ev)
	case evDeadline:
		s.deps.log.Infof("request %s hit its deadline", s.req.ID)
		s.fail(model.FailDeadlineExceeded)
	}
}

// broadcast opens the next attempt: query candidates, rank, push offers.
// It loops when a whole batch is undeliverable, so transport trouble
// cannot make the session wait out an empty response window.
func (s *Session) broadcast() {
	for {
		now := s.deps.now()
		if !s.req.Deadline.IsZero() && !now.Before(s.req.Deadline) {
			s.fail(model.FailDeadlineExceeded)
			return
		}
		s.setState(StateBroadcasting)

		cands := s.deps.registry.FindCandidates(s.req.Origin, s.req.Class, s.cfg.MaxRadiusKm, s.excluded)
		if len(cands) == 0 {
			s.deps.log.Infof("request %s exhausted candidates after %d attempts", s.req.ID, len(s.attempts))
			s.fail(model.FailNoCandidates)
			return
		}
		ranked := s.rank(cands)
		if len(ranked) > s.cfg.BatchSize {
			ranked = ranked[:s.cfg.BatchSize]
		}
		if len(s.attempts) > 0 {
			s.sendToCustomer(notify.CustomerEventEscalated, notify.EscalatedPayload{
				RequestID: s.req.ID,
				Attempt:   len(s.attempts) + 1,
			})
		}
		att := s.openAttempt(ranked, now)
		if att.pendingCount() == 0 {
			// Nobody was reachable: close the batch and widen right away.
			s.closeAttempt(att)
			continue
		}
		s.expiry = time.AfterFunc(s.cfg.BatchTimeout, func() {
			s.post(sessionEvent{kind: evExpiry, attemptID: att.ID})
		})
		s.setState(StateAwaitingResponse)
		return
	}
}

// rank estimates arrival times and orders the candidates.
func (s *Session) rank(cands []model.Agent) []ranking.Candidate {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ETATimeout)
	defer cancel()
	etas := make(map[string]time.Duration, len(cands))
	for _, a := range cands {
		d, err := s.deps.estimator.ETA(ctx, a.Location, s.req.Origin)
		if err != nil {
			s.deps.log.Debugf("eta lookup for agent %s failed: %v", a.ID, err)
			continue
		}
		etas[a.ID] = d
	}
	return s.deps.ranker.Rank(s.req.Origin, cands, etas)
}

// openAttempt pushes one offer per candidate and records the attempt.
// Delivery failures become immediate implicit declines; they never stall
// the response window of the agents that were reached.
func (s *Session) openAttempt(ranked []ranking.Candidate, now time.Time) *Attempt {
	att := newAttempt(uuid.NewString(), len(s.attempts)+1, now, s.cfg.BatchTimeout)
	offerEvs := make([]metrics.OfferEvent, 0, len(ranked))
	for _, cand := range ranked {
		id := cand.Agent.ID
		s.excluded[id] = struct{}{}
		offer := Offer{
			AgentID:    id,
			DistanceKm: cand.DistanceKm,
			ETA:        cand.ETA,
			Status:     SlotPending,
			Delivered:  true,
		}
		err := s.sendToAgent(id, notify.AgentEventOffer, notify.OfferPayload{
			RequestID:   s.req.ID,
			AttemptID:   att.ID,
			Class:       s.req.Class,
			Origin:      s.req.Origin,
			Destination: s.req.Destination,
			DistanceKm:  cand.DistanceKm,
			ETASeconds:  cand.ETA.Seconds(),
			ExpiresAt:   att.ExpiresAt,
		})
		if err != nil {
			s.deps.log.Warnf("offer delivery to agent %s failed: %v", id, err)
			offer.Delivered = false
			offer.Status = SlotDeclined
			offerFailures.Inc()
		} else {
			offersSent.WithLabelValues(string(s.req.Class)).Inc()
		}
		att.add(offer)
		s.publish(events.OfferEvent{
			RequestID:  s.req.ID,
			AttemptID:  att.ID,
			AgentID:    id,
			Rank:       len(att.Offers),
			DistanceKm: cand.DistanceKm,
			ETA:        cand.ETA,
			ExpiresAt:  att.ExpiresAt,
		})
		offerEvs = append(offerEvs, metrics.OfferEvent{
			RequestID:  s.req.ID,
			AttemptID:  att.ID,
			AgentID:    id,
			Class:      s.req.Class,
			Rank:       len(att.Offers),
			DistanceKm: cand.DistanceKm,
			ETA:        cand.ETA,
			Delivered:  offer.Delivered,
			Time:       now,
		})
	}
	s.mu.Lock()
	s.attempts = append(s.attempts, att)
	s.contacted += len(att.Offers)
	s.mu.Unlock()
	s.open = att
	if or, ok := s.deps.sink.(metrics.OfferRecorder); ok {
		if err := or.RecordOffers(offerEvs); err != nil {
			s.deps.log.Errorf("offer metrics error: %v", err)
		}
	}
	s.deps.log.Infof("request %s attempt %d: offered to %d agents", s.req.ID, att.Seq, len(att.Offers))
	return att
}

func (s *Session) onResponse(ev sessionEvent) {
	att := s.open
	if att == nil || att.ID != ev.attemptID || !att.isPending(ev.agentID) {
		s.answerStale(ev)
		return
	}
	latency := s.deps.now().Sub(att.SentAt)
	switch ev.decision {
	case model.DecisionAccept:
		s.arbitrate(ev, att, latency)
	case model.DecisionDecline:
		s.resolveSlot(att, ev.agentID, SlotDeclined)
		agentResponses.WithLabelValues("decline").Inc()
		s.recordResponse(ev, false, false, latency)
		s.deps.log.Debugf("agent %s declined request %s", ev.agentID, s.req.ID)
		// Declines never shorten the window: later agents in the batch
		// keep their full time to answer.
	default:
		s.deps.log.Warnf("agent %s sent unknown decision %q for request %s", ev.agentID, ev.decision, s.req.ID)
	}
}

// arbitrate decides an accept. The registry claim is the cross-session
// compare-and-set: exactly one request can own an agent, and a session
// only binds after the claim succeeds.
func (s *Session) arbitrate(ev sessionEvent, att *Attempt, latency time.Duration) {
	if s.binding != nil {
		// Already bound; only reachable through a stale queue entry.
		s.answerStale(ev)
		return
	}
	if err := s.deps.registry.MarkBusy(ev.agentID, s.req.ID); err != nil {
		s.deps.log.Infof("accept from agent %s for request %s refused: %v", ev.agentID, s.req.ID, err)
		s.resolveSlot(att, ev.agentID, SlotDeclined)
		agentResponses.WithLabelValues("accept").Inc()
		s.recordResponse(ev, false, false, latency)
		s.sendTaken(ev.agentID, att.ID)
		return
	}

	s.resolveSlot(att, ev.agentID, SlotAccepted)
	agentResponses.WithLabelValues("accept").Inc()
	s.recordResponse(ev, true, false, latency)

	now := s.deps.now()
	binding := &model.Binding{
		RequestID: s.req.ID,
		AgentID:   ev.agentID,
		AttemptID: att.ID,
		BoundAt:   now,
	}
	s.mu.Lock()
	s.binding = binding
	s.mu.Unlock()

	losers := att.pending()
	s.expireSlots(att)
	s.closeAttempt(att)
	s.stopTimers()
	s.setState(StateBound)

	for _, id := range losers {
		s.sendTaken(id, att.ID)
	}
	var winnerETA float64
	if o := att.offer(ev.agentID); o != nil {
		winnerETA = o.ETA.Seconds()
	}
	var rating float64
	if a, ok := s.deps.registry.Get(ev.agentID); ok {
		rating = a.Rating
	}
	s.sendToCustomer(notify.CustomerEventAssigned, notify.AssignedPayload{
		RequestID:  s.req.ID,
		AgentID:    ev.agentID,
		Rating:     rating,
		ETASeconds: winnerETA,
		BoundAt:    now,
	})
	bindLatency.WithLabelValues(string(s.req.Class)).Observe(now.Sub(s.started).Seconds())
	s.deps.log.Infof("request %s bound to agent %s on attempt %d", s.req.ID, ev.agentID, att.Seq)
	s.finalize()
}

func (s *Session) onExpiry(ev sessionEvent) {
	att := s.open
	if att == nil || att.ID != ev.attemptID {
		return // stale timer for an attempt that already closed
	}
	s.expireSlots(att)
	s.closeAttempt(att)
	s.deps.log.Infof("request %s attempt %d expired with no winner", s.req.ID, att.Seq)
	s.broadcast()
}

func (s *Session) onCancel() {
	s.closeOpenAttempt(notify.AgentEventCancel)
	s.stopTimers()
	s.setState(StateCanceled)
	s.sendToCustomer(notify.CustomerEventCanceled, notify.CancelPayload{RequestID: s.req.ID})
	s.deps.log.Infof("request %s canceled", s.req.ID)
	s.finalize()
}

func (s *Session) onDisconnect(ev sessionEvent) {
	att := s.open
	if att == nil || !att.isPending(ev.agentID) {
		return
	}
	// The agent can no longer answer; treat the slot as declined so the
	// trail reflects reality. The window still runs for the others.
	s.resolveSlot(att, ev.agentID, SlotDeclined)
	agentResponses.WithLabelValues("implicit_decline").Inc()
	s.deps.log.Infof("agent %s disconnected mid-attempt on request %s", ev.agentID, s.req.ID)
}

// resolveSlot moves one slot of a published attempt. Status copies those
// slots concurrently, so the write happens under the snapshot lock.
func (s *Session) resolveSlot(att *Attempt, agentID string, st SlotStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return att.resolve(agentID, st)
}

// expireSlots closes every unresolved slot of a published attempt.
func (s *Session) expireSlots(att *Attempt) {
	s.mu.Lock()
	att.expirePending()
	s.mu.Unlock()
}

func (s *Session) fail(reason model.FailReason) {
	s.closeOpenAttempt(notify.AgentEventCancel)
	s.stopTimers()
	s.mu.Lock()
	s.reason = reason
	s.mu.Unlock()
	s.setState(StateFailed)
	s.sendToCustomer(notify.CustomerEventFailed, notify.FailedPayload{RequestID: s.req.ID, Reason: reason})
	s.finalize()
}

// closeOpenAttempt expires the open attempt, if any, notifying its
// pending agents with the given event.
func (s *Session) closeOpenAttempt(event string) {
	att := s.open
	if att == nil {
		return
	}
	losers := att.pending()
	s.expireSlots(att)
	s.closeAttempt(att)
	for _, id := range losers {
		s.sendToAgentLogged(id, event, notify.CancelPayload{RequestID: s.req.ID})
	}
}

// closeAttempt detaches the attempt and appends it to the audit trail.
func (s *Session) closeAttempt(att *Attempt) {
	if s.open == att {
		s.open = nil
	}
	if s.deps.store == nil {
		return
	}
	offers := make([]audit.OfferRecord, 0, len(att.Offers))
	for _, o := range att.Offers {
		offers = append(offers, audit.OfferRecord{
			AgentID:    o.AgentID,
			Rank:       o.Rank,
			DistanceKm: o.DistanceKm,
			ETASeconds: o.ETA.Seconds(),
			Delivered:  o.Delivered,
			Status:     string(o.Status),
		})
	}
	rec := audit.Record{
		Timestamp: s.deps.now(),
		RequestID: s.req.ID,
		Kind:      audit.KindAttempt,
		Attempt: &audit.AttemptRecord{
			AttemptID: att.ID,
			Seq:       att.Seq,
			SentAt:    att.SentAt,
			ExpiresAt: att.ExpiresAt,
			Offers:    offers,
		},
	}
	if err := s.deps.store.Append(context.Background(), rec); err != nil {
		s.deps.log.Errorf("audit append failed: %v", err)
	}
}

// finalize records the terminal outcome everywhere it is observed.
func (s *Session) finalize() {
	now := s.deps.now()
	s.mu.Lock()
	s.finishedAt = now
	state := s.state
	binding := s.binding
	reason := s.reason
	attempts := len(s.attempts)
	contacted := s.contacted
	s.mu.Unlock()

	outcome := outcomeOf(state)
	elapsed := now.Sub(s.started)
	sessionOutcomes.WithLabelValues(string(outcome)).Inc()
	attemptsPerBind.Observe(float64(attempts))

	ev := metrics.SessionOutcome{
		RequestID: s.req.ID,
		Class:     s.req.Class,
		Outcome:   outcome,
		Reason:    reason,
		Attempts:  attempts,
		Contacted: contacted,
		Elapsed:   elapsed,
		Time:      now,
	}
	if binding != nil {
		ev.AgentID = binding.AgentID
	}
	if err := s.deps.sink.RecordSessionOutcome(ev); err != nil {
		s.deps.log.Errorf("outcome metrics error: %v", err)
	}

	s.publish(events.OutcomeEvent{
		RequestID:  s.req.ID,
		CustomerID: s.req.CustomerID,
		Outcome:    outcome,
		Reason:     reason,
		Binding:    binding,
		Attempts:   attempts,
		Elapsed:    elapsed,
	})

	if s.deps.store != nil {
		rec := audit.Record{
			Timestamp: now,
			RequestID: s.req.ID,
			Kind:      audit.KindOutcome,
			Outcome: &audit.OutcomeRecord{
				Outcome:   string(outcome),
				Reason:    string(reason),
				Attempts:  attempts,
				ElapsedMS: elapsed.Milliseconds(),
			},
		}
		if binding != nil {
			rec.Outcome.AgentID = binding.AgentID
		}
		if err := s.deps.store.Append(context.Background(), rec); err != nil {
			s.deps.log.Errorf("audit append failed: %v", err)
		}
	}
}

// answerStale replies to events whose attempt or session already closed.
// A late accept gets a taken notice so the agent's app clears the offer;
// everything else is dropped.
func (s *Session) answerStale(ev sessionEvent) {
	if ev.kind != evResponse || ev.decision != model.DecisionAccept {
		return
	}
	agentResponses.WithLabelValues("accept").Inc()
	s.recordResponse(ev, false, true, 0)
	s.deps.log.Debugf("stale accept from agent %s for request %s", ev.agentID, s.req.ID)
	s.sendTaken(ev.agentID, ev.attemptID)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	attempt := len(s.attempts)
	s.mu.Unlock()
	s.publish(events.RequestEvent{
		RequestID: s.req.ID,
		State:     st.String(),
		Attempt:   attempt,
		RadiusKm:  s.cfg.MaxRadiusKm,
		At:        s.deps.now(),
	})
	s.deps.log.Debugf("request %s -> %s", s.req.ID, st)
}

func (s *Session) stopTimers() {
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
}

func (s *Session) sendTaken(agentID, attemptID string) {
	s.sendToAgentLogged(agentID, notify.AgentEventTaken, notify.TakenPayload{
		RequestID: s.req.ID,
		AttemptID: attemptID,
	})
}

func (s *Session) sendToAgent(agentID, event string, payload any) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
	defer cancel()
	return s.deps.channel.SendToAgent(ctx, agentID, event, payload)
}

func (s *Session) sendToAgentLogged(agentID, event string, payload any) {
	if err := s.sendToAgent(agentID, event, payload); err != nil {
		s.deps.log.Warnf("sending %s to agent %s failed: %v", event, agentID, err)
	}
}

func (s *Session) sendToCustomer(event string, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
	defer cancel()
	if err := s.deps.channel.SendToCustomer(ctx, s.req.ID, event, payload); err != nil {
		s.deps.log.Warnf("sending %s to customer of request %s failed: %v", event, s.req.ID, err)
	}
}

func (s *Session) recordResponse(ev sessionEvent, won, stale bool, latency time.Duration) {
	s.publish(events.ResponseEvent{
		RequestID: s.req.ID,
		AttemptID: ev.attemptID,
		AgentID:   ev.agentID,
		Decision:  ev.decision,
		Late:      stale,
		Latency:   latency,
	})
	rr, ok := s.deps.sink.(metrics.ResponseRecorder)
	if !ok {
		return
	}
	if err := rr.RecordResponse(metrics.ResponseEvent{
		RequestID: s.req.ID,
		AttemptID: ev.attemptID,
		AgentID:   ev.agentID,
		Decision:  ev.decision,
		Won:       won,
		Stale:     stale,
		Latency:   latency,
		Time:      s.deps.now(),
	}); err != nil {
		s.deps.log.Errorf("response metrics error: %v", err)
	}
}

func (s *Session) publish(ev eventbus.Event) {
	if s.deps.bus == nil {
		return
	}
	s.deps.bus.Publish(ev)
}

package dispatch

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openhail/dispatch/core/geo"
	"github.com/openhail/dispatch/core/logger"
	"github.com/openhail/dispatch/core/model"
	"github.com/openhail/dispatch/core/notify"
	"github.com/openhail/dispatch/core/registry"
	"github.com/openhail/dispatch/internal/eventbus"
)

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any)         {}
func (nopLogger) Debugw(string, map[string]any) {}
func (nopLogger) Infof(string, ...any)          {}
func (nopLogger) Warnf(string, ...any)          {}
func (nopLogger) Errorf(string, ...any)         {}

var _ logger.Logger = nopLogger{}

func testConfig() Config {
	cfg := Config{
		BatchSize:    5,
		BatchTimeout: 100 * time.Millisecond,
		MaxRadiusKm:  15,
	}
	cfg.SetDefaults()
	return cfg
}

func testAgent(id string) model.Agent {
	return model.Agent{
		ID:        id,
		Class:     model.ClassStandard,
		Location:  geo.Point{Lat: 48.85, Lon: 2.35},
		LocatedAt: time.Now(),
		Available: true,
		Rating:    4.5,
	}
}

func testRequest(id string) model.Request {
	return model.Request{
		ID:         id,
		CustomerID: "cust-1",
		Class:      model.ClassStandard,
		Origin:     geo.Point{Lat: 48.85, Lon: 2.35},
		Destination: geo.Point{
			Lat: 48.86, Lon: 2.36,
		},
	}
}

type fixture struct {
	coord   *Coordinator
	reg     *registry.Registry
	channel *notify.MockChannel
	bus     *eventbus.Bus
}

func newFixture(t *testing.T, cfg Config, agents ...model.Agent) *fixture {
	t.Helper()
	bus := eventbus.New()
	reg := registry.New(bus, nopLogger{})
	for _, a := range agents {
		if err := reg.Connect(a); err != nil {
			t.Fatalf("connect %s: %v", a.ID, err)
		}
	}
	channel := notify.NewMockChannel()
	coord, err := NewCoordinator(cfg, Deps{
		Registry: reg,
		Channel:  channel,
		Bus:      bus,
		Log:      nopLogger{},
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	t.Cleanup(coord.Close)
	t.Cleanup(bus.Close)
	return &fixture{coord: coord, reg: reg, channel: channel, bus: bus}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *fixture) waitState(t *testing.T, requestID string, want State) Status {
	t.Helper()
	var st Status
	waitFor(t, "state "+want.String(), func() bool {
		var err error
		st, err = f.coord.Status(requestID)
		return err == nil && st.State == want
	})
	return st
}

// waitOffers blocks until n offers have been pushed to agents.
func (f *fixture) waitOffers(t *testing.T, n int) []notify.Message {
	t.Helper()
	waitFor(t, "offers", func() bool {
		return len(f.channel.AgentMessages(notify.AgentEventOffer)) >= n
	})
	return f.channel.AgentMessages(notify.AgentEventOffer)
}

// offerFor digs the attempt id out of the offer sent to the given agent.
func offerFor(t *testing.T, msgs []notify.Message, agentID string) notify.OfferPayload {
	t.Helper()
	for _, m := range msgs {
		if m.Recipient == agentID {
			return m.Payload.(notify.OfferPayload)
		}
	}
	t.Fatalf("no offer sent to %s", agentID)
	return notify.OfferPayload{}
}

func TestStartRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t, testConfig())
	req := testRequest("req-1")
	req.Class = "hovercraft"
	if _, err := f.coord.Start(req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	req = testRequest("req-2")
	req.Origin = geo.Point{Lat: 200}
	if _, err := f.coord.Start(req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestStartIsIdempotentPerRequestID(t *testing.T) {
	f := newFixture(t, testConfig(), testAgent("a1"))
	id, err := f.coord.Start(testRequest("req-1"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	id2, err := f.coord.Start(testRequest("req-1"))
	if err != nil {
		t.Fatalf("duplicate start: %v", err)
	}
	if id != id2 {
		t.Fatalf("duplicate start returned a different id: %s vs %s", id, id2)
	}
	f.waitOffers(t, 1)
	if got := len(f.channel.AgentMessages(notify.AgentEventOffer)); got != 1 {
		t.Fatalf("duplicate start spawned a second broadcast: %d offers", got)
	}
}

func TestAcceptBindsAndNotifiesLosers(t *testing.T) {
	// Three agents in radius, batch of five: the accept binds, the other
	// two get taken, no second batch is ever broadcast.
	f := newFixture(t, testConfig(), testAgent("a1"), testAgent("a2"), testAgent("a3"))
	id, err := f.coord.Start(testRequest("req-1"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	offers := f.waitOffers(t, 3)
	offer := offerFor(t, offers, "a2")

	f.coord.OnAgentResponse("a2", id, offer.AttemptID, model.DecisionAccept)

	st := f.waitState(t, id, StateBound)
	if st.Binding == nil || st.Binding.AgentID != "a2" {
		t.Fatalf("wrong binding: %+v", st.Binding)
	}
	if len(st.Attempts) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(st.Attempts))
	}

	waitFor(t, "taken notices", func() bool {
		return len(f.channel.AgentMessages(notify.AgentEventTaken)) == 2
	})
	taken := map[string]bool{}
	for _, m := range f.channel.AgentMessages(notify.AgentEventTaken) {
		taken[m.Recipient] = true
	}
	if !taken["a1"] || !taken["a3"] {
		t.Fatalf("losers not notified: %v", taken)
	}

	// The winner is busy now and the customer was told.
	if a, _ := f.reg.Get("a2"); !a.Busy {
		t.Fatal("winner not marked busy")
	}
	if got := f.channel.CustomerMessages(notify.CustomerEventAssigned); len(got) != 1 {
		t.Fatalf("expected one assigned notice, got %d", len(got))
	}

	// No escalation after binding.
	time.Sleep(150 * time.Millisecond)
	if got := len(f.channel.AgentMessages(notify.AgentEventOffer)); got != 3 {
		t.Fatalf("second batch broadcast after bind: %d offers", got)
	}
}

func TestConcurrentAcceptsBindExactlyOnce(t *testing.T) {
	agents := []model.Agent{
		testAgent("a1"), testAgent("a2"), testAgent("a3"),
		testAgent("a4"), testAgent("a5"),
	}
	f := newFixture(t, testConfig(), agents...)
	id, err := f.coord.Start(testRequest("req-1"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	offers := f.waitOffers(t, 5)

	var wg sync.WaitGroup
	for _, a := range agents {
		offer := offerFor(t, offers, a.ID)
		wg.Add(1)
		go func(agentID, attemptID string) {
			defer wg.Done()
			f.coord.OnAgentResponse(agentID, id, attemptID, model.DecisionAccept)
		}(a.ID, offer.AttemptID)
	}
	wg.Wait()

	st := f.waitState(t, id, StateBound)
	if st.Binding == nil {
		t.Fatal("no binding")
	}
	waitFor(t, "taken notices", func() bool {
		return len(f.channel.AgentMessages(notify.AgentEventTaken)) == 4
	})
	for _, m := range f.channel.AgentMessages(notify.AgentEventTaken) {
		if m.Recipient == st.Binding.AgentID {
			t.Fatalf("winner %s also got taken", st.Binding.AgentID)
		}
	}
	busy := 0
	for _, a := range agents {
		if got, _ := f.reg.Get(a.ID); got.Busy {
			busy++
		}
	}
	if busy != 1 {
		t.Fatalf("expected exactly one busy agent, got %d", busy)
	}
}

func TestDeclineDoesNotShortenAttempt(t *testing.T) {
	f := newFixture(t, testConfig(), testAgent("a1"), testAgent("a2"))
	id, err := f.coord.Start(testRequest("req-1"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	offers := f.waitOffers(t, 2)

	f.coord.OnAgentResponse("a1", id, offerFor(t, offers, "a1").AttemptID, model.DecisionDecline)

	// The window stays open for a2 after a1's decline.
	time.Sleep(30 * time.Millisecond)
	st, err := f.coord.Status(id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != StateAwaitingResponse {
		t.Fatalf("decline ended the attempt early: %s", st.State)
	}

	f.coord.OnAgentResponse("a2", id, offerFor(t, offers, "a2").AttemptID, model.DecisionAccept)
	st = f.waitState(t, id, StateBound)
	if st.Binding.AgentID != "a2" {
		t.Fatalf("wrong winner: %s", st.Binding.AgentID)
	}
}

func TestEscalationExcludesContactedAgents(t *testing.T) {
	// Five eligible agents, batches of two: batch 2 must go to two of the
	// remaining three, never to batch 1's agents.
	cfg := testConfig()
	cfg.BatchSize = 2
	agents := []model.Agent{
		testAgent("a1"), testAgent("a2"), testAgent("a3"),
		testAgent("a4"), testAgent("a5"),
	}
	f := newFixture(t, cfg, agents...)
	id, err := f.coord.Start(testRequest("req-1"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	first := f.waitOffers(t, 2)
	batch1 := map[string]bool{}
	for _, m := range first {
		batch1[m.Recipient] = true
	}

	// Let batch 1 expire, then check batch 2 membership.
	all := f.waitOffers(t, 4)
	for _, m := range all[2:] {
		if batch1[m.Recipient] {
			t.Fatalf("agent %s contacted twice for the same request", m.Recipient)
		}
	}
	st, err := f.coord.Status(id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(st.Attempts) < 2 {
		t.Fatalf("expected at least two attempts, got %d", len(st.Attempts))
	}
	if got := f.channel.CustomerMessages(notify.CustomerEventEscalated); len(got) == 0 {
		t.Fatal("customer never told about escalation")
	}
}

func TestExhaustionFailsWithNoCandidates(t *testing.T) {
	f := newFixture(t, testConfig(), testAgent("a1"), testAgent("a2"))
	id, err := f.coord.Start(testRequest("req-1"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.waitOffers(t, 2)
	// Nobody answers: the batch expires, the pool is exhausted.
	st := f.waitState(t, id, StateFailed)
	if st.Reason != model.FailNoCandidates {
		t.Fatalf("expected no_candidates, got %s", st.Reason)
	}
	if got := f.channel.CustomerMessages(notify.CustomerEventFailed); len(got) != 1 {
		t.Fatalf("expected one failure notice, got %d", len(got))
	}
}

func TestNoEligibleAgentsFailsImmediately(t *testing.T) {
	f := newFixture(t, testConfig()) // empty fleet
	id, err := f.coord.Start(testRequest("req-1"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	st := f.waitState(t, id, StateFailed)
	if st.Reason != model.FailNoCandidates {
		t.Fatalf("expected no_candidates, got %s", st.Reason)
	}
}

func TestAllDeclinesEscalateThenFail(t *testing.T) {
	f := newFixture(t, testConfig(), testAgent("a1"), testAgent("a2"))
	id, err := f.coord.Start(testRequest("req-1"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	offers := f.waitOffers(t, 2)
	f.coord.OnAgentResponse("a1", id, offerFor(t, offers, "a1").AttemptID, model.DecisionDecline)
	f.coord.OnAgentResponse("a2", id, offerFor(t, offers, "a2").AttemptID, model.DecisionDecline)

	st := f.waitState(t, id, StateFailed)
	if st.Reason != model.FailNoCandidates {
		t.Fatalf("expected no_candidates, got %s", st.Reason)
	}
}

func TestDeadlineWinsOverEscalation(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.BatchTimeout = 60 * time.Millisecond
	cfg.OverallDeadline = 150 * time.Millisecond
	agents := []model.Agent{
		testAgent("a1"), testAgent("a2"), testAgent("a3"),
		testAgent("a4"), testAgent("a5"), testAgent("a6"),
	}
	f := newFixture(t, cfg, agents...)
	start := time.Now()
	id, err := f.coord.Start(testRequest("req-1"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	st := f.waitState(t, id, StateFailed)
	if st.Reason != model.FailDeadlineExceeded {
		t.Fatalf("expected deadline_exceeded, got %s", st.Reason)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("deadline ran over: %s", elapsed)
	}
}

func TestCancelWhileAwaitingResponse(t *testing.T) {
	f := newFixture(t, testConfig(), testAgent("a1"), testAgent("a2"))
	id, err := f.coord.Start(testRequest("req-1"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	offers := f.waitOffers(t, 2)

	if err := f.coord.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	f.waitState(t, id, StateCanceled)

	waitFor(t, "cancel notices", func() bool {
		return len(f.channel.AgentMessages(notify.AgentEventCancel)) == 2
	})

	// A late accept after cancellation is answered with taken.
	f.coord.OnAgentResponse("a1", id, offerFor(t, offers, "a1").AttemptID, model.DecisionAccept)
	waitFor(t, "stale taken", func() bool {
		return len(f.channel.AgentMessages(notify.AgentEventTaken)) >= 1
	})
	st, err := f.coord.Status(id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != StateCanceled || st.Binding != nil {
		t.Fatalf("late accept changed the outcome: %+v", st)
	}

	// Cancel is idempotent on terminal sessions.
	if err := f.coord.Cancel(id); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
}

func TestCancelUnknownRequest(t *testing.T) {
	f := newFixture(t, testConfig())
	if err := f.coord.Cancel("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeliveryFailureIsImplicitDecline(t *testing.T) {
	f := newFixture(t, testConfig(), testAgent("a1"), testAgent("a2"))
	f.channel.FailAgents["a1"] = true
	id, err := f.coord.Start(testRequest("req-1"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// Only a2's offer goes out; a1's failed slot must not stall the window.
	offers := f.waitOffers(t, 1)
	f.coord.OnAgentResponse("a2", id, offerFor(t, offers, "a2").AttemptID, model.DecisionAccept)
	st := f.waitState(t, id, StateBound)
	if st.Binding.AgentID != "a2" {
		t.Fatalf("wrong winner: %s", st.Binding.AgentID)
	}
	if len(st.Attempts) != 1 {
		t.Fatalf("expected one attempt, got %d", len(st.Attempts))
	}
	for _, o := range st.Attempts[0].Offers {
		if o.AgentID == "a1" && (o.Delivered || o.Status != SlotDeclined) {
			t.Fatalf("undelivered slot not folded into decline: %+v", o)
		}
	}
}

func TestWholeBatchUndeliverableEscalatesImmediately(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 1
	f := newFixture(t, cfg, testAgent("a1"), testAgent("a2"))
	f.channel.FailAgents["a1"] = true
	id, err := f.coord.Start(testRequest("req-1"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// a1 is unreachable; the session must widen to a2 without waiting out
	// an empty response window.
	start := time.Now()
	offers := f.waitOffers(t, 1)
	if offers[0].Recipient != "a2" {
		t.Fatalf("expected offer to a2, got %s", offers[0].Recipient)
	}
	if time.Since(start) > cfg.BatchTimeout {
		t.Fatal("empty batch waited out its timeout")
	}
	f.coord.OnAgentResponse("a2", id, offers[0].Payload.(notify.OfferPayload).AttemptID, model.DecisionAccept)
	f.waitState(t, id, StateBound)
}

func TestDisconnectMidAttemptIsImplicitDecline(t *testing.T) {
	f := newFixture(t, testConfig(), testAgent("a1"), testAgent("a2"))
	id, err := f.coord.Start(testRequest("req-1"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	offers := f.waitOffers(t, 2)

	f.reg.Disconnect("a1")
	waitFor(t, "disconnect folded in", func() bool {
		st, err := f.coord.Status(id)
		if err != nil {
			return false
		}
		for _, a := range st.Attempts {
			for _, o := range a.Offers {
				if o.AgentID == "a1" && o.Status == SlotDeclined {
					return true
				}
			}
		}
		return false
	})

	f.coord.OnAgentResponse("a2", id, offerFor(t, offers, "a2").AttemptID, model.DecisionAccept)
	st := f.waitState(t, id, StateBound)
	if st.Binding.AgentID != "a2" {
		t.Fatalf("wrong winner: %s", st.Binding.AgentID)
	}
}

func TestBusyAgentNeverCandidateElsewhere(t *testing.T) {
	f := newFixture(t, testConfig(), testAgent("a1"))
	id1, err := f.coord.Start(testRequest("req-1"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	offers := f.waitOffers(t, 1)
	f.coord.OnAgentResponse("a1", id1, offerFor(t, offers, "a1").AttemptID, model.DecisionAccept)
	f.waitState(t, id1, StateBound)

	// a1 is bound to req-1; a second request must not see it.
	id2, err := f.coord.Start(testRequest("req-2"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	st := f.waitState(t, id2, StateFailed)
	if st.Reason != model.FailNoCandidates {
		t.Fatalf("expected no_candidates, got %s", st.Reason)
	}
}

func TestCompleteFreesAgent(t *testing.T) {
	f := newFixture(t, testConfig(), testAgent("a1"))
	id, err := f.coord.Start(testRequest("req-1"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	offers := f.waitOffers(t, 1)
	f.coord.OnAgentResponse("a1", id, offerFor(t, offers, "a1").AttemptID, model.DecisionAccept)
	f.waitState(t, id, StateBound)

	if err := f.coord.Complete(id); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if a, _ := f.reg.Get("a1"); a.Busy {
		t.Fatal("agent still busy after completion")
	}
	if _, err := f.coord.Status(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("completed session still known: %v", err)
	}
	if err := f.coord.Complete(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCompleteWithoutBinding(t *testing.T) {
	f := newFixture(t, testConfig(), testAgent("a1"))
	id, err := f.coord.Start(testRequest("req-1"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.waitOffers(t, 1)
	if err := f.coord.Complete(id); !errors.Is(err, ErrNotBound) {
		t.Fatalf("expected ErrNotBound, got %v", err)
	}
}

func TestLateAcceptAfterSessionForgotten(t *testing.T) {
	f := newFixture(t, testConfig(), testAgent("a1"))
	id, err := f.coord.Start(testRequest("req-1"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	offers := f.waitOffers(t, 1)
	attemptID := offerFor(t, offers, "a1").AttemptID
	f.coord.OnAgentResponse("a1", id, attemptID, model.DecisionAccept)
	f.waitState(t, id, StateBound)
	if err := f.coord.Complete(id); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// A duplicate accept for a forgotten request still gets a taken reply.
	before := len(f.channel.AgentMessages(notify.AgentEventTaken))
	f.coord.OnAgentResponse("a1", id, attemptID, model.DecisionAccept)
	waitFor(t, "taken reply", func() bool {
		return len(f.channel.AgentMessages(notify.AgentEventTaken)) == before+1
	})
}

func TestFailedSessionsForgottenAfterRetention(t *testing.T) {
	cfg := testConfig()
	cfg.BatchTimeout = 3 * time.Second
	cfg.RetainFinished = 60 * time.Millisecond
	f := newFixture(t, cfg, testAgent("a1"))

	// No premium agents: this request fails immediately but stays
	// queryable during retention.
	dead := testRequest("req-dead")
	dead.Class = model.ClassPremium
	deadID, err := f.coord.Start(dead)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.waitState(t, deadID, StateFailed)

	liveID, err := f.coord.Start(testRequest("req-live"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	offers := f.waitOffers(t, 1)

	waitFor(t, "retention eviction", func() bool {
		_, err := f.coord.Status(deadID)
		return errors.Is(err, ErrNotFound)
	})
	if _, err := f.coord.Status(liveID); err != nil {
		t.Fatalf("in-flight session swept: %v", err)
	}

	// Bound sessions outlive the retention window: Complete still has to
	// free the agent.
	f.coord.OnAgentResponse("a1", liveID, offerFor(t, offers, "a1").AttemptID, model.DecisionAccept)
	f.waitState(t, liveID, StateBound)
	time.Sleep(150 * time.Millisecond)
	if _, err := f.coord.Status(liveID); err != nil {
		t.Fatalf("bound session swept before Complete: %v", err)
	}
	if err := f.coord.Complete(liveID); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestStatusSnapshotWhileSlotsResolve(t *testing.T) {
	// Status is read from API goroutines while the session resolves offer
	// slots; hammer it during a decline and an accept so the race detector
	// sees both sides.
	f := newFixture(t, testConfig(), testAgent("a1"), testAgent("a2"))
	id, err := f.coord.Start(testRequest("req-1"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	offers := f.waitOffers(t, 2)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			st, err := f.coord.Status(id)
			if err != nil {
				t.Errorf("status: %v", err)
				return
			}
			for _, a := range st.Attempts {
				for _, o := range a.Offers {
					_ = o.Status
				}
			}
		}
	}()

	f.coord.OnAgentResponse("a1", id, offerFor(t, offers, "a1").AttemptID, model.DecisionDecline)
	f.coord.OnAgentResponse("a2", id, offerFor(t, offers, "a2").AttemptID, model.DecisionAccept)
	st := f.waitState(t, id, StateBound)
	close(stop)
	wg.Wait()

	if st.Contacted != 2 {
		t.Fatalf("expected 2 contacted, got %d", st.Contacted)
	}
	if len(st.Attempts) != 1 {
		t.Fatalf("expected one attempt, got %d", len(st.Attempts))
	}
	for _, o := range st.Attempts[0].Offers {
		switch o.AgentID {
		case "a1":
			if o.Status != SlotDeclined {
				t.Fatalf("a1 slot: %s", o.Status)
			}
		case "a2":
			if o.Status != SlotAccepted {
				t.Fatalf("a2 slot: %s", o.Status)
			}
		}
	}
}

func TestAttemptsAreDisjointAndOrdered(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 2
	cfg.BatchTimeout = 40 * time.Millisecond
	agents := []model.Agent{
		testAgent("a1"), testAgent("a2"), testAgent("a3"),
		testAgent("a4"), testAgent("a5"), testAgent("a6"),
	}
	f := newFixture(t, cfg, agents...)
	id, err := f.coord.Start(testRequest("req-1"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	st := f.waitState(t, id, StateFailed)

	seen := map[string]bool{}
	var lastSent time.Time
	for i, a := range st.Attempts {
		if a.Seq != i+1 {
			t.Fatalf("attempt %d has seq %d", i, a.Seq)
		}
		if a.SentAt.Before(lastSent) {
			t.Fatalf("attempt %d sent before its predecessor", a.Seq)
		}
		lastSent = a.SentAt
		for _, o := range a.Offers {
			if seen[o.AgentID] {
				t.Fatalf("agent %s appears in two attempts", o.AgentID)
			}
			seen[o.AgentID] = true
		}
	}
	if len(seen) != len(agents) {
		t.Fatalf("expected all %d agents contacted once, got %d", len(agents), len(seen))
	}
}

package test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openhail/dispatch/core/dispatch"
	"github.com/openhail/dispatch/core/dispatch/audit"
	"github.com/openhail/dispatch/core/geo"
	"github.com/openhail/dispatch/core/model"
	"github.com/openhail/dispatch/core/notify"
	"github.com/openhail/dispatch/core/registry"
	"github.com/openhail/dispatch/core/schedule"
	"github.com/openhail/dispatch/infra/logger"
	"github.com/openhail/dispatch/infra/metrics"
	"github.com/openhail/dispatch/internal/eventbus"
	"github.com/openhail/dispatch/jobs/kpi"
	"github.com/openhail/dispatch/test/util"
)

type engineFixture struct {
	bus     eventbus.EventBus
	reg     *registry.Registry
	channel *notify.MockChannel
	coord   *dispatch.Coordinator
	sched   *schedule.Scheduler
	store   audit.Store
	promReg *prometheus.Registry
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	log := logger.NopLogger{}
	bus := eventbus.New()
	reg := registry.New(bus, log)
	channel := notify.NewMockChannel()

	promReg := prometheus.NewRegistry()
	sink, err := metrics.NewPromSinkWithRegistry(promReg)
	if err != nil {
		t.Fatalf("prom sink: %v", err)
	}

	store, err := audit.NewJSONLStore(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatalf("audit store: %v", err)
	}

	cfg := dispatch.Config{
		BatchSize:    2,
		BatchTimeout: 300 * time.Millisecond,
		MaxRadiusKm:  15,
		SendTimeout:  time.Second,
	}
	coord, err := dispatch.NewCoordinator(cfg, dispatch.Deps{
		Registry: reg,
		Channel:  channel,
		Sink:     sink,
		Bus:      bus,
		Store:    store,
		Log:      log,
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	sched, err := schedule.New(schedule.Config{LeadSeconds: 1}, coord, log)
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	t.Cleanup(func() {
		sched.Close()
		coord.Close()
		_ = store.Close()
		bus.Close()
	})
	return &engineFixture{bus: bus, reg: reg, channel: channel, coord: coord, sched: sched, store: store, promReg: promReg}
}

func (f *engineFixture) connectAgent(t *testing.T, id string, lat, lon float64) {
	t.Helper()
	err := f.reg.Connect(model.Agent{
		ID:        id,
		Class:     model.ClassStandard,
		Location:  geo.Point{Lat: lat, Lon: lon},
		LocatedAt: time.Now(),
		Available: true,
		Rating:    4.6,
	})
	if err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}
}

func testRideRequest(id string) model.Request {
	return model.Request{
		ID:          id,
		CustomerID:  "cust-1",
		Class:       model.ClassStandard,
		Origin:      geo.Point{Lat: 48.8566, Lon: 2.3522},
		Destination: geo.Point{Lat: 48.8666, Lon: 2.3333},
		CreatedAt:   time.Now(),
	}
}

func (f *engineFixture) waitOffers(t *testing.T, n int) []notify.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		offers := f.channel.AgentMessages(notify.AgentEventOffer)
		if len(offers) >= n {
			return offers
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d offers, got %d", n, len(f.channel.AgentMessages(notify.AgentEventOffer)))
	return nil
}

func (f *engineFixture) waitState(t *testing.T, id string, want dispatch.State) dispatch.Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var st dispatch.Status
	for time.Now().Before(deadline) {
		var err error
		st, err = f.coord.Status(id)
		if err == nil && st.State == want {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("request %s never reached %s (last %s)", id, want, st.State)
	return st
}

func TestEngineBindsAndAudits(t *testing.T) {
	f := newEngineFixture(t)
	f.connectAgent(t, "a1", 48.8570, 2.3530)
	f.connectAgent(t, "a2", 48.8600, 2.3600)

	id, err := f.sched.Submit(testRideRequest("ride-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	offers := f.waitOffers(t, 2)

	first := offers[0]
	offer := first.Payload.(notify.OfferPayload)
	f.coord.OnAgentResponse(first.Recipient, id, offer.AttemptID, model.DecisionAccept)

	st := f.waitState(t, id, dispatch.StateBound)
	if st.Binding == nil || st.Binding.AgentID != first.Recipient {
		t.Fatalf("unexpected binding: %+v", st.Binding)
	}

	assigned := f.channel.CustomerMessages(notify.CustomerEventAssigned)
	if len(assigned) != 1 {
		t.Fatalf("expected 1 assignment notice, got %d", len(assigned))
	}

	if a, ok := f.reg.Get(first.Recipient); !ok || !a.Busy {
		t.Fatalf("winner not marked busy: %+v", a)
	}
	if err := f.coord.Complete(id); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if a, _ := f.reg.Get(first.Recipient); a.Busy {
		t.Fatal("agent still busy after completion")
	}

	recs, err := f.store.Query(context.Background(), audit.Query{RequestID: id})
	if err != nil {
		t.Fatalf("audit query: %v", err)
	}
	var attempts, outcomes int
	for _, r := range recs {
		switch r.Kind {
		case audit.KindAttempt:
			attempts++
		case audit.KindOutcome:
			outcomes++
			if r.Outcome.Outcome != "bound" || r.Outcome.AgentID != first.Recipient {
				t.Fatalf("unexpected outcome record: %+v", r.Outcome)
			}
		}
	}
	if attempts == 0 || outcomes != 1 {
		t.Fatalf("audit trail incomplete: %d attempts, %d outcomes", attempts, outcomes)
	}
}

func TestEngineReportsKPIsAndMetrics(t *testing.T) {
	f := newEngineFixture(t)
	f.connectAgent(t, "a1", 48.8570, 2.3530)

	start := time.Now().Add(-time.Minute)
	id, err := f.sched.Submit(testRideRequest("ride-kpi"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	offers := f.waitOffers(t, 1)
	offer := offers[0].Payload.(notify.OfferPayload)
	f.coord.OnAgentResponse("a1", id, offer.AttemptID, model.DecisionAccept)
	f.waitState(t, id, dispatch.StateBound)

	rep, err := kpi.Compute(context.Background(), f.store, start, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("kpi: %v", err)
	}
	if rep.Sessions != 1 || rep.Bound != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rep.AcceptanceRate != 1 {
		t.Fatalf("acceptance rate %f", rep.AcceptanceRate)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(f.promReg, promhttp.HandlerOpts{}))
	srv := httptest.NewServer(mux)
	defer srv.Close()
	if err := util.WaitForMetric(srv.URL+"/metrics", `dispatch_session_outcomes_total{class="standard",outcome="bound",reason=""} 1`, util.MetricTimeout); err != nil {
		t.Fatalf("metric wait: %v", err)
	}
}

func TestEngineEscalatesWhenBatchDeclines(t *testing.T) {
	f := newEngineFixture(t)
	f.connectAgent(t, "a1", 48.8570, 2.3530)
	f.connectAgent(t, "a2", 48.8580, 2.3540)
	f.connectAgent(t, "a3", 48.8590, 2.3550)

	id, err := f.sched.Submit(testRideRequest("ride-esc"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	offers := f.waitOffers(t, 2)
	for _, msg := range offers[:2] {
		offer := msg.Payload.(notify.OfferPayload)
		f.coord.OnAgentResponse(msg.Recipient, id, offer.AttemptID, model.DecisionDecline)
	}

	// The third agent is contacted in a second attempt.
	offers = f.waitOffers(t, 3)
	last := offers[len(offers)-1]
	offer := last.Payload.(notify.OfferPayload)
	f.coord.OnAgentResponse(last.Recipient, id, offer.AttemptID, model.DecisionAccept)

	st := f.waitState(t, id, dispatch.StateBound)
	if len(st.Attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(st.Attempts))
	}
	escalated := f.channel.CustomerMessages(notify.CustomerEventEscalated)
	if len(escalated) == 0 {
		t.Fatal("no escalation notice sent")
	}
}

func TestScheduledRequestParksUntilRelease(t *testing.T) {
	f := newEngineFixture(t)
	f.connectAgent(t, "a1", 48.8570, 2.3530)

	req := testRideRequest("ride-later")
	req.PickupAt = time.Now().Add(1500 * time.Millisecond)
	id, err := f.sched.Submit(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.coord.Status(id); err == nil {
		t.Fatal("parked request already reached the coordinator")
	}
	if pending := f.sched.Pending(); len(pending) != 1 {
		t.Fatalf("expected 1 parked request, got %d", len(pending))
	}

	f.waitOffers(t, 1)
	if _, err := f.coord.Status(id); err != nil {
		t.Fatalf("released request unknown to coordinator: %v", err)
	}
}

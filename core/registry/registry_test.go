package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openhail/dispatch/core/geo"
	"github.com/openhail/dispatch/core/logger"
	"github.com/openhail/dispatch/core/model"
)

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any)         {}
func (nopLogger) Debugw(string, map[string]any) {}
func (nopLogger) Infof(string, ...any)          {}
func (nopLogger) Warnf(string, ...any)          {}
func (nopLogger) Errorf(string, ...any)         {}

var _ logger.Logger = nopLogger{}

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

func TestConnectAndGet(t *testing.T) {
	r := New(nil, nopLogger{})
	if err := r.Connect(testAgent("a1")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	a, ok := r.Get("a1")
	if !ok {
		t.Fatal("agent not found")
	}
	if !a.Connected {
		t.Fatal("expected connected")
	}
}

func TestUpsertLocationMonotonic(t *testing.T) {
	r := New(nil, nopLogger{})
	a := testAgent("a1")
	a.LocatedAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := r.Connect(a); err != nil {
		t.Fatalf("connect: %v", err)
	}

	newer := a.LocatedAt.Add(time.Second)
	if err := r.UpsertLocation("a1", geo.Point{Lat: 48.9, Lon: 2.4}, newer); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _ := r.Get("a1")
	if got.Location.Lat != 48.9 {
		t.Fatalf("location not updated: %+v", got.Location)
	}

	// Older and equal reports must be dropped.
	if err := r.UpsertLocation("a1", geo.Point{Lat: 10, Lon: 10}, a.LocatedAt); err != nil {
		t.Fatalf("upsert stale: %v", err)
	}
	if err := r.UpsertLocation("a1", geo.Point{Lat: 10, Lon: 10}, newer); err != nil {
		t.Fatalf("upsert equal: %v", err)
	}
	got, _ = r.Get("a1")
	if got.Location.Lat != 48.9 {
		t.Fatalf("stale report moved the agent: %+v", got.Location)
	}
}

func TestUpsertLocationUnknownAgent(t *testing.T) {
	r := New(nil, nopLogger{})
	err := r.UpsertLocation("ghost", geo.Point{}, time.Now())
	if !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestFindCandidatesFilters(t *testing.T) {
	r := New(nil, nopLogger{})
	origin := geo.Point{Lat: 48.85, Lon: 2.35}

	near := testAgent("near")
	if err := r.Connect(near); err != nil {
		t.Fatalf("connect: %v", err)
	}

	far := testAgent("far")
	far.Location = geo.Point{Lat: 49.5, Lon: 3.0} // well outside 5km
	if err := r.Connect(far); err != nil {
		t.Fatalf("connect: %v", err)
	}

	optedOut := testAgent("opted-out")
	optedOut.Available = false
	if err := r.Connect(optedOut); err != nil {
		t.Fatalf("connect: %v", err)
	}

	premium := testAgent("premium")
	premium.Class = model.ClassPremium
	if err := r.Connect(premium); err != nil {
		t.Fatalf("connect: %v", err)
	}

	busy := testAgent("busy")
	if err := r.Connect(busy); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := r.MarkBusy("busy", "req-1"); err != nil {
		t.Fatalf("mark busy: %v", err)
	}

	gone := testAgent("gone")
	if err := r.Connect(gone); err != nil {
		t.Fatalf("connect: %v", err)
	}
	r.Disconnect("gone")

	excluded := testAgent("excluded")
	if err := r.Connect(excluded); err != nil {
		t.Fatalf("connect: %v", err)
	}

	got := r.FindCandidates(origin, model.ClassStandard, 5, map[string]struct{}{"excluded": {}})
	if len(got) != 1 || got[0].ID != "near" {
		t.Fatalf("expected [near], got %+v", got)
	}
}

func TestMarkBusyRace(t *testing.T) {
	r := New(nil, nopLogger{})
	if err := r.Connect(testAgent("a1")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := r.MarkBusy("a1", "req-1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := r.MarkBusy("a1", "req-2"); !errors.Is(err, ErrAgentBusy) {
		t.Fatalf("expected ErrAgentBusy, got %v", err)
	}
	// Claiming again for the owner is a no-op.
	if err := r.MarkBusy("a1", "req-1"); err != nil {
		t.Fatalf("re-claim by owner: %v", err)
	}
}

func TestMarkBusyConcurrent(t *testing.T) {
	r := New(nil, nopLogger{})
	if err := r.Connect(testAgent("a1")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	const n = 32
	var wg sync.WaitGroup
	wins := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := r.MarkBusy("a1", string(rune('A'+i))); err == nil {
				wins <- i
			}
		}(i)
	}
	wg.Wait()
	close(wins)
	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one winner, got %d", count)
	}
}

func TestMarkBusyUnavailable(t *testing.T) {
	r := New(nil, nopLogger{})
	a := testAgent("a1")
	if err := r.Connect(a); err != nil {
		t.Fatalf("connect: %v", err)
	}
	r.Disconnect("a1")
	if err := r.MarkBusy("a1", "req-1"); !errors.Is(err, ErrAgentUnavailable) {
		t.Fatalf("expected ErrAgentUnavailable, got %v", err)
	}
}

func TestMarkFreeOwnerGuard(t *testing.T) {
	r := New(nil, nopLogger{})
	if err := r.Connect(testAgent("a1")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := r.MarkBusy("a1", "req-1"); err != nil {
		t.Fatalf("mark busy: %v", err)
	}

	r.MarkFree("a1", "req-2") // not the owner
	if a, _ := r.Get("a1"); !a.Busy {
		t.Fatal("non-owner freed the agent")
	}

	r.MarkFree("a1", "req-1")
	if a, _ := r.Get("a1"); a.Busy {
		t.Fatal("owner could not free the agent")
	}
	r.MarkFree("a1", "req-1") // idempotent
}

func TestDisconnectKeepsBusyOwnership(t *testing.T) {
	r := New(nil, nopLogger{})
	if err := r.Connect(testAgent("a1")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := r.MarkBusy("a1", "req-1"); err != nil {
		t.Fatalf("mark busy: %v", err)
	}
	r.Disconnect("a1")
	if err := r.Connect(testAgent("a1")); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	a, _ := r.Get("a1")
	if !a.Busy {
		t.Fatal("busy ownership lost across reconnect")
	}
	if err := r.MarkBusy("a1", "req-2"); !errors.Is(err, ErrAgentBusy) {
		t.Fatalf("expected ErrAgentBusy after reconnect, got %v", err)
	}
}

func TestCounts(t *testing.T) {
	r := New(nil, nopLogger{})
	for _, id := range []string{"a", "b", "c"} {
		if err := r.Connect(testAgent(id)); err != nil {
			t.Fatalf("connect: %v", err)
		}
	}
	if err := r.MarkBusy("a", "req-1"); err != nil {
		t.Fatalf("mark busy: %v", err)
	}
	r.Disconnect("c")
	c := r.Counts()
	if c.Connected != 2 || c.Busy != 1 || c.Available != 1 {
		t.Fatalf("unexpected counts: %+v", c)
	}
}

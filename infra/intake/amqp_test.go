package intake

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhail/dispatch/core/events"
	"github.com/openhail/dispatch/core/model"
)

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any)         {}
func (nopLogger) Debugw(string, map[string]any) {}
func (nopLogger) Infof(string, ...any)          {}
func (nopLogger) Warnf(string, ...any)          {}
func (nopLogger) Errorf(string, ...any)         {}

type fakeSubmitter struct {
	submitted []model.Request
	canceled  []string
	parked    map[string]bool
}

func (f *fakeSubmitter) Submit(req model.Request) (string, error) {
	f.submitted = append(f.submitted, req)
	return req.ID, nil
}

func (f *fakeSubmitter) Cancel(id string) bool {
	f.canceled = append(f.canceled, id)
	return f.parked[id]
}

type fakeCanceler struct {
	canceled []string
}

func (f *fakeCanceler) Cancel(id string) error {
	f.canceled = append(f.canceled, id)
	return nil
}

func testBroker(sub *fakeSubmitter, can *fakeCanceler) *Broker {
	return &Broker{submitter: sub, canceler: can, log: nopLogger{}}
}

func body(t *testing.T, cmd command) []byte {
	t.Helper()
	b, err := json.Marshal(cmd)
	require.NoError(t, err)
	return b
}

func TestHandleSubmit(t *testing.T) {
	sub := &fakeSubmitter{}
	b := testBroker(sub, nil)

	pickup := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	ok := b.handle(body(t, command{
		Action: "submit",
		Request: &wireRequest{
			ID: "req-1", CustomerID: "cust-1", Class: "standard",
			OriginLat: 48.85, OriginLon: 2.35,
			DestLat: 48.86, DestLon: 2.36,
			PickupAt: pickup,
		},
	}))
	require.True(t, ok)
	require.Len(t, sub.submitted, 1)

	got := sub.submitted[0]
	assert.Equal(t, "req-1", got.ID)
	assert.Equal(t, model.ClassStandard, got.Class)
	assert.InDelta(t, 48.85, got.Origin.Lat, 1e-9)
	assert.InDelta(t, 2.36, got.Destination.Lon, 1e-9)
	assert.Equal(t, pickup, got.PickupAt)
}

func TestHandleCancelParked(t *testing.T) {
	sub := &fakeSubmitter{parked: map[string]bool{"req-2": true}}
	can := &fakeCanceler{}
	b := testBroker(sub, can)

	ok := b.handle(body(t, command{Action: "cancel", ID: "req-2"}))
	require.True(t, ok)
	assert.Equal(t, []string{"req-2"}, sub.canceled)
	// Parked cancel never reaches the session canceler.
	assert.Empty(t, can.canceled)
}

func TestHandleCancelActiveSession(t *testing.T) {
	sub := &fakeSubmitter{}
	can := &fakeCanceler{}
	b := testBroker(sub, can)

	ok := b.handle(body(t, command{Action: "cancel", ID: "req-3"}))
	require.True(t, ok)
	assert.Equal(t, []string{"req-3"}, can.canceled)
}

func TestHandleRejectsMalformed(t *testing.T) {
	sub := &fakeSubmitter{}
	b := testBroker(sub, nil)

	assert.False(t, b.handle([]byte("{broken")))
	assert.False(t, b.handle(body(t, command{Action: "submit"})))
	assert.False(t, b.handle(body(t, command{Action: "cancel"})))
	assert.False(t, b.handle(body(t, command{Action: "noop"})))
	assert.Empty(t, sub.submitted)
}

func TestEncodeOutcome(t *testing.T) {
	bound := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	raw, err := encodeOutcome(events.OutcomeEvent{
		RequestID:  "req-4",
		CustomerID: "cust-4",
		Outcome:    model.OutcomeBound,
		Binding:    &model.Binding{RequestID: "req-4", AgentID: "agent-9", AttemptID: "att-2", BoundAt: bound},
		Attempts:   2,
		Elapsed:    1500 * time.Millisecond,
	})
	require.NoError(t, err)

	var msg outcomeMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, "bound", msg.Outcome)
	assert.Equal(t, "agent-9", msg.Binding.AgentID)
	assert.Equal(t, int64(1500), msg.ElapsedMS)
	assert.Empty(t, msg.Reason)
}

func TestEncodeOutcomeFailure(t *testing.T) {
	raw, err := encodeOutcome(events.OutcomeEvent{
		RequestID: "req-5",
		Outcome:   model.OutcomeFailed,
		Reason:    model.FailNoCandidates,
		Attempts:  3,
	})
	require.NoError(t, err)

	var msg outcomeMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, "failed", msg.Outcome)
	assert.Equal(t, "no_candidates", msg.Reason)
	assert.Nil(t, msg.Binding)
}

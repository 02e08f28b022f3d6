package metrics

import coremetrics "github.com/openhail/dispatch/core/metrics"

// MultiSink fans dispatch records out to multiple sinks. Optional record
// types are forwarded only to sinks that implement them.
type MultiSink struct {
	Sinks []coremetrics.MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...coremetrics.MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordSessionOutcome forwards the record to all sinks, returning the
// first error encountered.
func (m *MultiSink) RecordSessionOutcome(ev coremetrics.SessionOutcome) error {
	for _, s := range m.Sinks {
		if err := s.RecordSessionOutcome(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordOffers forwards offer batches.
func (m *MultiSink) RecordOffers(evs []coremetrics.OfferEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.OfferRecorder); ok {
			if err := rec.RecordOffers(evs); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordResponse forwards agent replies.
func (m *MultiSink) RecordResponse(ev coremetrics.ResponseEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.ResponseRecorder); ok {
			if err := rec.RecordResponse(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordFleet forwards fleet snapshots.
func (m *MultiSink) RecordFleet(ev coremetrics.FleetSnapshot) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.FleetRecorder); ok {
			if err := rec.RecordFleet(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

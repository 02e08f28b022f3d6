package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/openhail/dispatch/core/metrics"
)

// PromSink records dispatch events in Prometheus metrics.
type PromSink struct {
	outcomes  *prometheus.CounterVec
	offers    *prometheus.CounterVec
	responses *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	offerKm   prometheus.Histogram
	connected prometheus.Gauge
	available prometheus.Gauge
	busy      prometheus.Gauge
}

// NewPromSink registers dispatch metrics on the default Prometheus
// registerer. The Prometheus server is started separately.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_session_outcomes_total",
			Help: "Finished dispatch sessions by class and outcome",
		}, []string{"class", "outcome", "reason"}),
		offers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_offers_total",
			Help: "Offers pushed to agents by class and delivery result",
		}, []string{"class", "delivered"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_responses_total",
			Help: "Agent replies by decision and arbitration result",
		}, []string{"decision", "won"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_session_duration_seconds",
			Help:    "Time from session start to its terminal state",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"class", "outcome"}),
		offerKm: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_offer_distance_km",
			Help:    "Pickup distance of offers pushed to agents",
			Buckets: []float64{0.5, 1, 2, 3, 5, 8, 12, 15},
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_agents_connected",
			Help: "Agents currently connected",
		}),
		available: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_agents_available",
			Help: "Agents connected, opted in and not busy",
		}),
		busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_agents_busy",
			Help: "Agents currently bound to a request",
		}),
	}

	if err := reg.Register(s.outcomes); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			s.outcomes = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(s.offers); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			s.offers = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(s.responses); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			s.responses = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(s.latency); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			s.latency = are.ExistingCollector.(*prometheus.HistogramVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(s.offerKm); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			s.offerKm = are.ExistingCollector.(prometheus.Histogram)
		} else {
			return nil, err
		}
	}
	for _, g := range []*prometheus.Gauge{&s.connected, &s.available, &s.busy} {
		if err := reg.Register(*g); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				*g = are.ExistingCollector.(prometheus.Gauge)
			} else {
				return nil, err
			}
		}
	}
	return s, nil
}

// RecordSessionOutcome counts the terminal state and observes its latency.
func (s *PromSink) RecordSessionOutcome(ev coremetrics.SessionOutcome) error {
	s.outcomes.WithLabelValues(string(ev.Class), string(ev.Outcome), string(ev.Reason)).Inc()
	s.latency.WithLabelValues(string(ev.Class), string(ev.Outcome)).Observe(ev.Elapsed.Seconds())
	return nil
}

// RecordOffers counts each offer and observes its pickup distance.
func (s *PromSink) RecordOffers(evs []coremetrics.OfferEvent) error {
	for _, ev := range evs {
		s.offers.WithLabelValues(string(ev.Class), strconv.FormatBool(ev.Delivered)).Inc()
		s.offerKm.Observe(ev.DistanceKm)
	}
	return nil
}

// RecordResponse counts the reply by decision and arbitration result.
func (s *PromSink) RecordResponse(ev coremetrics.ResponseEvent) error {
	s.responses.WithLabelValues(string(ev.Decision), strconv.FormatBool(ev.Won)).Inc()
	return nil
}

// RecordFleet sets the fleet gauges.
func (s *PromSink) RecordFleet(ev coremetrics.FleetSnapshot) error {
	s.connected.Set(float64(ev.Connected))
	s.available.Set(float64(ev.Available))
	s.busy.Set(float64(ev.Busy))
	return nil
}

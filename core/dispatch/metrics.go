package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	offersSent      *prometheus.CounterVec
	offerFailures   prometheus.Counter
	agentResponses  *prometheus.CounterVec
	sessionOutcomes *prometheus.CounterVec
	bindLatency     *prometheus.HistogramVec
	attemptsPerBind prometheus.Histogram
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.CounterVec, prometheus.Counter, *prometheus.CounterVec, *prometheus.CounterVec, *prometheus.HistogramVec, prometheus.Histogram) {
	offers := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_offers_sent_total",
			Help: "Number of offers pushed to agents",
		},
		[]string{"class"},
	)
	failures := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_offer_delivery_failures_total",
			Help: "Number of offers that could not be delivered",
		},
	)
	responses := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_agent_responses_total",
			Help: "Number of agent replies by decision",
		},
		[]string{"decision"},
	)
	outcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_sessions_total",
			Help: "Number of finished dispatch sessions by outcome",
		},
		[]string{"outcome"},
	)
	lat := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_bind_latency_seconds",
			Help:    "Time from request intake to binding",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"class"},
	)
	attempts := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_attempts_per_session",
			Help:    "Number of attempts a session needed before terminating",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		},
	)
	return offers, failures, responses, outcomes, lat, attempts
}

func init() {
	offersSent, offerFailures, agentResponses, sessionOutcomes, bindLatency, attemptsPerBind = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers dispatch metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(offersSent, offerFailures, agentResponses, sessionOutcomes, bindLatency, attemptsPerBind)
}

// ResetMetrics reinitializes metric collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	offersSent, offerFailures, agentResponses, sessionOutcomes, bindLatency, attemptsPerBind = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}

// Package kpi computes dispatch quality indicators from the audit trail.
package kpi

import (
	"context"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/openhail/dispatch/core/dispatch/audit"
)

// BindTimeStats summarises time-to-bind over the window, in seconds.
type BindTimeStats struct {
	MeanS   float64 `json:"mean_s"`
	StdDevS float64 `json:"stddev_s"`
	P50S    float64 `json:"p50_s"`
	P95S    float64 `json:"p95_s"`
}

// Report is one KPI window.
type Report struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	Sessions int `json:"sessions"`
	Bound    int `json:"bound"`
	Failed   int `json:"failed"`
	Canceled int `json:"canceled"`

	AcceptanceRate float64        `json:"acceptance_rate"`
	BindTime       BindTimeStats  `json:"bind_time"`
	MeanAttempts   float64        `json:"mean_attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	FailReasons    map[string]int `json:"fail_reasons"`

	OffersSent    int     `json:"offers_sent"`
	OffersFailed  int     `json:"offers_failed"`
	DeliveryRate  float64 `json:"delivery_rate"`
	MeanOfferDist float64 `json:"mean_offer_distance_km"`
}

// Compute aggregates audit records over [start,end].
func Compute(ctx context.Context, store audit.Store, start, end time.Time) (Report, error) {
	recs, err := store.Query(ctx, audit.Query{Start: start, End: end})
	if err != nil {
		return Report{}, err
	}
	rep := Report{Start: start, End: end, FailReasons: make(map[string]int)}

	var bindTimes []float64
	var attempts []float64
	var offerDists []float64

	for _, r := range recs {
		switch r.Kind {
		case audit.KindOutcome:
			o := r.Outcome
			if o == nil {
				continue
			}
			rep.Sessions++
			attempts = append(attempts, float64(o.Attempts))
			if o.Attempts > rep.MaxAttempts {
				rep.MaxAttempts = o.Attempts
			}
			switch o.Outcome {
			case "bound":
				rep.Bound++
				bindTimes = append(bindTimes, float64(o.ElapsedMS)/1000)
			case "failed":
				rep.Failed++
				if o.Reason != "" {
					rep.FailReasons[o.Reason]++
				}
			case "canceled":
				rep.Canceled++
			}
		case audit.KindAttempt:
			a := r.Attempt
			if a == nil {
				continue
			}
			for _, offer := range a.Offers {
				rep.OffersSent++
				if !offer.Delivered {
					rep.OffersFailed++
				}
				offerDists = append(offerDists, offer.DistanceKm)
			}
		}
	}

	if rep.Sessions > 0 {
		rep.AcceptanceRate = float64(rep.Bound) / float64(rep.Sessions)
		rep.MeanAttempts = stat.Mean(attempts, nil)
	}
	if rep.OffersSent > 0 {
		rep.DeliveryRate = float64(rep.OffersSent-rep.OffersFailed) / float64(rep.OffersSent)
		rep.MeanOfferDist = stat.Mean(offerDists, nil)
	}
	if len(bindTimes) > 0 {
		sort.Float64s(bindTimes)
		rep.BindTime = BindTimeStats{
			MeanS:   stat.Mean(bindTimes, nil),
			StdDevS: stdDev(bindTimes),
			P50S:    stat.Quantile(0.5, stat.Empirical, bindTimes, nil),
			P95S:    stat.Quantile(0.95, stat.Empirical, bindTimes, nil),
		}
	}
	return rep, nil
}

// stdDev is zero for a single sample instead of NaN.
func stdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	return stat.StdDev(xs, nil)
}

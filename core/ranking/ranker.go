// Package ranking scores and orders candidate agents for a pickup. The
// ranker is pure: identical snapshots always produce identical orderings,
// which keeps batch selection reproducible and testable.
package ranking

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/openhail/dispatch/core/geo"
	"github.com/openhail/dispatch/core/model"
)

// Candidate is an agent scored against one request. Produced fresh per
// ranking call, never persisted.
type Candidate struct {
	Agent      model.Agent
	DistanceKm float64
	ETA        time.Duration
	Score      float64
}

// Weights control the relative contribution of each scoring component.
type Weights struct {
	Distance   float64 `json:"distance"`
	Rating     float64 `json:"rating"`
	Experience float64 `json:"experience"`
	Wait       float64 `json:"wait"`
}

// DefaultWeights favour proximity, then rating, then experience, then
// estimated wait.
func DefaultWeights() Weights {
	return Weights{Distance: 0.40, Rating: 0.30, Experience: 0.20, Wait: 0.10}
}

// Validate rejects negative or all-zero weight sets.
func (w Weights) Validate() error {
	if w.Distance < 0 || w.Rating < 0 || w.Experience < 0 || w.Wait < 0 {
		return fmt.Errorf("ranking weights must not be negative")
	}
	if w.Distance+w.Rating+w.Experience+w.Wait == 0 {
		return fmt.Errorf("ranking weights must not all be zero")
	}
	return nil
}

// Ranker orders candidates by weighted score.
type Ranker struct {
	weights       Weights
	maxRadiusKm   float64
	maxWait       time.Duration
	experienceCap int
}

const (
	// defaultMaxWait is the ETA at which the wait component bottoms out.
	defaultMaxWait = 15 * time.Minute
	// defaultExperienceCap is the trip count at which experience saturates.
	defaultExperienceCap = 500
)

// Option tunes a Ranker beyond its weights.
type Option func(*Ranker)

// WithMaxWait sets the ETA at which the wait component bottoms out.
// Non-positive values keep the default.
func WithMaxWait(d time.Duration) Option {
	return func(r *Ranker) {
		if d > 0 {
			r.maxWait = d
		}
	}
}

// WithExperienceCap sets the trip count at which the experience component
// saturates. Non-positive values keep the default.
func WithExperienceCap(n int) Option {
	return func(r *Ranker) {
		if n > 0 {
			r.experienceCap = n
		}
	}
}

// New builds a Ranker. maxRadiusKm sets the distance at which the
// proximity component falls off to zero and should match the widest
// search radius in use.
func New(w Weights, maxRadiusKm float64, opts ...Option) Ranker {
	r := Ranker{
		weights:       w,
		maxRadiusKm:   maxRadiusKm,
		maxWait:       defaultMaxWait,
		experienceCap: defaultExperienceCap,
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// Rank scores every agent against the origin and returns candidates in
// descending score order, ties broken by agent id. etas carries
// precomputed arrival estimates keyed by agent id; agents without an
// entry fall back to a distance-derived estimate so the ordering stays
// deterministic.
func (r Ranker) Rank(origin geo.Point, agents []model.Agent, etas map[string]time.Duration) []Candidate {
	out := make([]Candidate, 0, len(agents))
	for _, a := range agents {
		d := geo.DistanceKm(origin, a.Location)
		eta, ok := etas[a.ID]
		if !ok {
			eta = fallbackETA(d)
		}
		out = append(out, Candidate{
			Agent:      a,
			DistanceKm: d,
			ETA:        eta,
			Score:      r.score(d, eta, a),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Agent.ID < out[j].Agent.ID
	})
	return out
}

// score computes the weighted sum of the four components, each clamped
// to [0,1].
func (r Ranker) score(distKm float64, eta time.Duration, a model.Agent) float64 {
	maxRadius := r.maxRadiusKm
	if maxRadius <= 0 {
		maxRadius = 1
	}
	dist := clamp01(1 - distKm/maxRadius)
	rating := clamp01(a.Rating / 5)
	experience := clamp01(math.Log1p(float64(a.CompletedTrips)) / math.Log1p(float64(r.experienceCap)))
	wait := clamp01(1 - eta.Seconds()/r.maxWait.Seconds())
	return r.weights.Distance*dist +
		r.weights.Rating*rating +
		r.weights.Experience*experience +
		r.weights.Wait*wait
}

func fallbackETA(distKm float64) time.Duration {
	const speedKmh = 25.0
	return time.Duration(distKm / speedKmh * float64(time.Hour))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Package eta estimates pickup travel times for candidate ranking.
package eta

import (
	"context"
	"time"

	"github.com/openhail/dispatch/core/geo"
	"github.com/openhail/dispatch/core/logger"
)

// Estimator produces the travel time from an agent position to a pickup
// point.
type Estimator interface {
	ETA(ctx context.Context, from, to geo.Point) (time.Duration, error)
}

// SpeedEstimator derives ETAs from great-circle distance at a fixed
// average speed. It never fails, which makes it the terminal fallback.
type SpeedEstimator struct {
	SpeedKmh float64
}

// DefaultSpeedKmh approximates city traffic.
const DefaultSpeedKmh = 25.0

func (e SpeedEstimator) ETA(_ context.Context, from, to geo.Point) (time.Duration, error) {
	speed := e.SpeedKmh
	if speed <= 0 {
		speed = DefaultSpeedKmh
	}
	hours := geo.DistanceKm(from, to) / speed
	return time.Duration(hours * float64(time.Hour)), nil
}

// Fallback tries the primary estimator and falls back to the secondary
// when it fails. Routing outages degrade ranking quality, they must not
// stall dispatch.
type Fallback struct {
	Primary   Estimator
	Secondary Estimator
	Log       logger.Logger
}

func (f Fallback) ETA(ctx context.Context, from, to geo.Point) (time.Duration, error) {
	d, err := f.Primary.ETA(ctx, from, to)
	if err == nil {
		return d, nil
	}
	if f.Log != nil {
		f.Log.Warnf("primary eta estimator failed, using fallback: %v", err)
	}
	return f.Secondary.ETA(ctx, from, to)
}

package metrics

import (
	"context"
	"time"

	coremetrics "github.com/openhail/dispatch/core/metrics"
	"github.com/openhail/dispatch/core/registry"
)

// StartFleetCollector periodically samples registry counts into the sink.
// It stops when the context is canceled.
func StartFleetCollector(ctx context.Context, reg *registry.Registry, sink coremetrics.MetricsSink, interval time.Duration) {
	if reg == nil || sink == nil {
		return
	}
	rec, ok := sink.(coremetrics.FleetRecorder)
	if !ok {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c := reg.Counts()
				_ = rec.RecordFleet(coremetrics.FleetSnapshot{
					Connected: c.Connected,
					Available: c.Available,
					Busy:      c.Busy,
					Time:      time.Now(),
				})
			}
		}
	}()
}

package main

import (
	"fmt"
	"time"
)

// Config holds parameters for the simulated agent fleet.
type Config struct {
	Broker           string
	Count            int
	PremiumPct       float64
	CenterLat        float64
	CenterLon        float64
	SpreadKm         float64
	SpeedKmh         float64
	LocationInterval time.Duration
	AcceptRate       float64
	ResponseLatency  time.Duration
	OffDutyRate      float64
	Verbose          bool
}

// Validate checks flag combinations before the fleet starts.
func (c *Config) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("broker is required")
	}
	if c.Count <= 0 {
		return fmt.Errorf("count must be positive")
	}
	if c.PremiumPct < 0 || c.PremiumPct > 1 {
		return fmt.Errorf("premium-pct must be within [0,1]")
	}
	if c.AcceptRate < 0 || c.AcceptRate > 1 {
		return fmt.Errorf("accept-rate must be within [0,1]")
	}
	if c.OffDutyRate < 0 || c.OffDutyRate > 1 {
		return fmt.Errorf("offduty-rate must be within [0,1]")
	}
	if c.SpreadKm <= 0 {
		return fmt.Errorf("spread must be positive")
	}
	if c.LocationInterval <= 0 {
		return fmt.Errorf("location interval must be positive")
	}
	return nil
}

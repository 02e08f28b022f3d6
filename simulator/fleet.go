package main

import (
	"fmt"
	"math/rand"
	"time"
)

var fleetRng = rand.New(rand.NewSource(time.Now().UnixNano()))

// GenerateFleet creates Count agents with IDs agent0001..agentNNNN,
// scattered around the configured center. PremiumPct of them advertise
// the premium class.
func GenerateFleet(cfg Config) []*SimulatedAgent {
	if cfg.Count <= 0 {
		return nil
	}
	agents := make([]*SimulatedAgent, cfg.Count)
	for i := 0; i < cfg.Count; i++ {
		class := "standard"
		if cfg.PremiumPct > 0 && fleetRng.Float64() < cfg.PremiumPct {
			class = "premium"
		}
		agents[i] = &SimulatedAgent{
			ID:               fmt.Sprintf("agent%04d", i+1),
			Class:            class,
			Rating:           3.5 + fleetRng.Float64()*1.5,
			Trips:            fleetRng.Intn(5000),
			Broker:           cfg.Broker,
			Lat:              cfg.CenterLat + jitterDeg(cfg.SpreadKm/110.574),
			Lon:              cfg.CenterLon + jitterDeg(cfg.SpreadKm/111.320),
			SpeedKmh:         cfg.SpeedKmh,
			LocationInterval: cfg.LocationInterval,
			AcceptRate:       cfg.AcceptRate,
			ResponseLatency:  cfg.ResponseLatency,
			OffDutyRate:      cfg.OffDutyRate,
		}
	}
	return agents
}

func jitterDeg(maxDeg float64) float64 {
	return (fleetRng.Float64()*2 - 1) * maxDeg
}

// The simulator connects a fake agent fleet to the MQTT broker: presence
// with offline wills, wandering locations, availability flips and offer
// replies with configurable accept rate and latency.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

func main() {
	cfg := parseFlags()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	if !cfg.Verbose {
		log.SetOutput(io.Discard)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agents := GenerateFleet(cfg)
	var wg sync.WaitGroup
	for _, a := range agents {
		wg.Add(1)
		go func(a *SimulatedAgent) {
			defer wg.Done()
			if err := a.Run(ctx); err != nil {
				log.Printf("%s: %v", a.ID, err)
			}
		}(a)
	}
	wg.Wait()
}

func parseFlags() Config {
	var cfg Config
	flag.StringVar(&cfg.Broker, "broker", "tcp://localhost:1883", "MQTT broker URL")
	flag.IntVar(&cfg.Count, "count", 10, "number of agents")
	flag.Float64Var(&cfg.PremiumPct, "premium-pct", 0.2, "ratio of premium agents")
	flag.Float64Var(&cfg.CenterLat, "lat", 48.8566, "fleet center latitude")
	flag.Float64Var(&cfg.CenterLon, "lon", 2.3522, "fleet center longitude")
	flag.Float64Var(&cfg.SpreadKm, "spread", 8, "initial scatter radius in km")
	flag.Float64Var(&cfg.SpeedKmh, "speed", 25, "cruise speed km/h")
	flag.DurationVar(&cfg.LocationInterval, "interval", 5*time.Second, "location publish interval")
	flag.Float64Var(&cfg.AcceptRate, "accept-rate", 0.6, "probability of accepting an offer")
	flag.DurationVar(&cfg.ResponseLatency, "latency", 2*time.Second, "delay before replying to an offer")
	flag.Float64Var(&cfg.OffDutyRate, "offduty-rate", 0.01, "availability flip probability per interval")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "enable verbose logging")
	flag.Parse()
	return cfg
}

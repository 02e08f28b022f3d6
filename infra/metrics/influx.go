package metrics

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/openhail/dispatch/core/metrics"
	"github.com/openhail/dispatch/infra/logger"
)

// InfluxSink writes dispatch events to an InfluxDB instance using the
// official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB
// endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.MetricsSink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// RecordSessionOutcome writes the terminal session result.
func (s *InfluxSink) RecordSessionOutcome(ev coremetrics.SessionOutcome) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("dispatch_outcome").
		AddTag("request_id", ev.RequestID).
		AddTag("class", string(ev.Class)).
		AddTag("outcome", string(ev.Outcome)).
		AddTag("component", "dispatch_session")
	if ev.Reason != "" {
		p = p.AddTag("reason", string(ev.Reason))
	}
	if ev.AgentID != "" {
		p = p.AddTag("agent_id", ev.AgentID)
	}
	p = p.AddField("attempts", ev.Attempts).
		AddField("contacted", ev.Contacted).
		AddField("elapsed_ms", round3(ev.Elapsed.Seconds()*1000)).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordOffers writes one point per offer.
func (s *InfluxSink) RecordOffers(evs []coremetrics.OfferEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, ev := range evs {
		p := write.NewPointWithMeasurement("dispatch_offer").
			AddTag("request_id", ev.RequestID).
			AddTag("attempt_id", ev.AttemptID).
			AddTag("agent_id", ev.AgentID).
			AddTag("class", string(ev.Class)).
			AddTag("delivered", strconv.FormatBool(ev.Delivered)).
			AddTag("component", "dispatch_session").
			AddField("rank", ev.Rank).
			AddField("distance_km", round3(ev.DistanceKm)).
			AddField("eta_s", round3(ev.ETA.Seconds())).
			SetTime(ev.Time)
		if err := s.writeAPI.WritePoint(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// RecordResponse writes an agent reply.
func (s *InfluxSink) RecordResponse(ev coremetrics.ResponseEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("dispatch_response").
		AddTag("request_id", ev.RequestID).
		AddTag("attempt_id", ev.AttemptID).
		AddTag("agent_id", ev.AgentID).
		AddTag("decision", string(ev.Decision)).
		AddTag("won", strconv.FormatBool(ev.Won)).
		AddTag("stale", strconv.FormatBool(ev.Stale)).
		AddTag("component", "dispatch_session").
		AddField("latency_ms", round3(ev.Latency.Seconds()*1000)).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordFleet writes a fleet snapshot.
func (s *InfluxSink) RecordFleet(ev coremetrics.FleetSnapshot) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("fleet_state").
		AddTag("component", "registry").
		AddField("connected", ev.Connected).
		AddField("available", ev.Available).
		AddField("busy", ev.Busy).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// Close releases the underlying client.
func (s *InfluxSink) Close() {
	s.client.Close()
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}

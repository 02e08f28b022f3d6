// Package ingest consumes high-volume agent location reports from Kafka
// and feeds them into the fleet registry. Transports like MQTT or
// WebSocket carry presence and responses; deployments with a telemetry
// pipeline push raw positions through a topic instead.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"

	"github.com/openhail/dispatch/core/geo"
	"github.com/openhail/dispatch/core/logger"
)

var (
	locationsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_locations_consumed_total",
		Help: "Location messages read from Kafka",
	})
	locationsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_locations_invalid_total",
		Help: "Location messages dropped as malformed",
	})
	locationsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_locations_rejected_total",
		Help: "Location messages the registry refused",
	})
)

func init() {
	for _, c := range []prometheus.Collector{locationsConsumed, locationsInvalid, locationsRejected} {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}

// Config holds the Kafka reader parameters.
type Config struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
	GroupID string   `json:"group_id"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Topic == "" {
		c.Topic = "agent-locations"
	}
	if c.GroupID == "" {
		c.GroupID = "dispatch-ingest"
	}
}

// LocationUpdater is the slice of the registry the consumer feeds.
type LocationUpdater interface {
	UpsertLocation(id string, p geo.Point, ts time.Time) error
}

// locationReport is the wire format on the topic.
type locationReport struct {
	AgentID   string    `json:"agent_id"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
}

// messageReader narrows kafka.Reader for testability.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer pumps location reports from a Kafka topic into the registry.
type Consumer struct {
	reader messageReader
	fleet  LocationUpdater
	log    logger.Logger
}

// NewConsumer builds a consumer on a kafka group reader.
func NewConsumer(cfg Config, fleet LocationUpdater, log logger.Logger) *Consumer {
	cfg.SetDefaults()
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	return &Consumer{reader: r, fleet: fleet, log: log}
}

// Run reads until ctx is cancelled. Read errors back off exponentially up
// to 30s; malformed or rejected messages are counted and skipped.
func (c *Consumer) Run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warnf("kafka read error: %v, backing off %s", err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		c.consume(m)
	}
}

func (c *Consumer) consume(m kafka.Message) {
	locationsConsumed.Inc()
	var rep locationReport
	if err := json.Unmarshal(m.Value, &rep); err != nil {
		locationsInvalid.Inc()
		c.log.Warnf("invalid location message at offset %d: %v", m.Offset, err)
		return
	}
	if rep.AgentID == "" {
		locationsInvalid.Inc()
		return
	}
	ts := rep.Timestamp
	if ts.IsZero() {
		ts = m.Time
	}
	if err := c.fleet.UpsertLocation(rep.AgentID, geo.Point{Lat: rep.Lat, Lon: rep.Lon}, ts); err != nil {
		locationsRejected.Inc()
		c.log.Debugf("location for %s rejected: %v", rep.AgentID, err)
	}
}

// Close releases the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

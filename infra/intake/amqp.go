// Package intake receives ride requests from RabbitMQ and feeds them to
// the scheduler, and publishes terminal dispatch outcomes back on a
// fanout exchange for downstream consumers (billing, notifications).
package intake

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/openhail/dispatch/core/events"
	"github.com/openhail/dispatch/core/geo"
	"github.com/openhail/dispatch/core/logger"
	"github.com/openhail/dispatch/core/model"
	"github.com/openhail/dispatch/internal/eventbus"
)

// Config holds the RabbitMQ connection parameters.
type Config struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	User            string `json:"user"`
	Password        string `json:"password"`
	RequestQueue    string `json:"request_queue"`
	OutcomeExchange string `json:"outcome_exchange"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Port == 0 {
		c.Port = 5672
	}
	if c.RequestQueue == "" {
		c.RequestQueue = "dispatch.requests"
	}
	if c.OutcomeExchange == "" {
		c.OutcomeExchange = "dispatch.outcomes"
	}
}

func (c Config) dsn() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", c.User, c.Password, c.Host, c.Port)
}

// Submitter is the slice of the scheduler the intake drives.
type Submitter interface {
	Submit(req model.Request) (string, error)
	Cancel(requestID string) bool
}

// Canceler reaches active dispatch sessions for cancels that already left
// the scheduler.
type Canceler interface {
	Cancel(requestID string) error
}

// command is the wire format on the request queue.
type command struct {
	Action  string       `json:"action"` // submit or cancel
	Request *wireRequest `json:"request,omitempty"`
	ID      string       `json:"id,omitempty"` // cancel target
}

type wireRequest struct {
	ID          string    `json:"id"`
	CustomerID  string    `json:"customer_id"`
	Class       string    `json:"class"`
	OriginLat   float64   `json:"origin_lat"`
	OriginLon   float64   `json:"origin_lon"`
	DestLat     float64   `json:"dest_lat"`
	DestLon     float64   `json:"dest_lon"`
	PickupAt    time.Time `json:"pickup_at,omitempty"`
	Deadline    time.Time `json:"deadline,omitempty"`
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
}

func (w wireRequest) toModel() model.Request {
	return model.Request{
		ID:          w.ID,
		CustomerID:  w.CustomerID,
		Class:       model.ServiceClass(w.Class),
		Origin:      geo.Point{Lat: w.OriginLat, Lon: w.OriginLon},
		Destination: geo.Point{Lat: w.DestLat, Lon: w.DestLon},
		CreatedAt:   w.SubmittedAt,
		PickupAt:    w.PickupAt,
		Deadline:    w.Deadline,
	}
}

// outcomeMessage is published on the outcome exchange.
type outcomeMessage struct {
	RequestID  string         `json:"request_id"`
	CustomerID string         `json:"customer_id"`
	Outcome    string         `json:"outcome"`
	Reason     string         `json:"reason,omitempty"`
	Binding    *model.Binding `json:"binding,omitempty"`
	Attempts   int            `json:"attempts"`
	ElapsedMS  int64          `json:"elapsed_ms"`
}

func encodeOutcome(ev events.OutcomeEvent) ([]byte, error) {
	return json.Marshal(outcomeMessage{
		RequestID:  ev.RequestID,
		CustomerID: ev.CustomerID,
		Outcome:    string(ev.Outcome),
		Reason:     string(ev.Reason),
		Binding:    ev.Binding,
		Attempts:   ev.Attempts,
		ElapsedMS:  ev.Elapsed.Milliseconds(),
	})
}

// Broker owns the RabbitMQ connection. It reconnects on connection loss
// until Close is called.
type Broker struct {
	cfg       Config
	submitter Submitter
	canceler  Canceler
	bus       eventbus.EventBus
	log       logger.Logger

	conn      *amqp091.Connection
	ch        *amqp091.Channel
	connClose chan *amqp091.Error
	isClosed  atomic.Bool
	done      chan struct{}
}

// New dials the broker, declares the queue and exchange, and starts the
// consume, reconnect and outcome-publish loops. canceler may be nil when
// no active-session cancel path exists.
func New(cfg Config, submitter Submitter, canceler Canceler, bus eventbus.EventBus, log logger.Logger) (*Broker, error) {
	cfg.SetDefaults()
	if submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	b := &Broker{
		cfg:       cfg,
		submitter: submitter,
		canceler:  canceler,
		bus:       bus,
		log:       log,
		done:      make(chan struct{}),
	}
	if err := b.connect(); err != nil {
		return nil, err
	}
	go b.reconnect()
	if bus != nil {
		go b.publishOutcomes(bus.Subscribe())
	}
	return b, nil
}

func (b *Broker) connect() error {
	conn, err := amqp091.Dial(b.cfg.dsn())
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(b.cfg.RequestQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.ExchangeDeclare(b.cfg.OutcomeExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	deliveries, err := ch.Consume(b.cfg.RequestQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	b.conn = conn
	b.ch = ch
	b.connClose = make(chan *amqp091.Error)
	conn.NotifyClose(b.connClose)
	go b.consume(deliveries)
	return nil
}

// reconnect redials after every connection loss until Close.
func (b *Broker) reconnect() {
	for {
		select {
		case <-b.done:
			return
		case <-b.connClose:
		}
		if b.isClosed.Load() {
			return
		}
		b.log.Warnf("rabbitmq connection lost")
		for {
			if b.isClosed.Load() {
				return
			}
			if err := b.connect(); err != nil {
				b.log.Warnf("rabbitmq redial failed: %v", err)
				time.Sleep(3 * time.Second)
				continue
			}
			b.log.Infof("rabbitmq reconnected")
			break
		}
	}
}

func (b *Broker) consume(deliveries <-chan amqp091.Delivery) {
	for d := range deliveries {
		if b.handle(d.Body) {
			_ = d.Ack(false)
		} else {
			// malformed payloads are dropped, not requeued
			_ = d.Nack(false, false)
		}
	}
}

// handle applies one intake command. It reports whether the message was
// understood; transient downstream errors still count as handled so the
// queue does not loop on them.
func (b *Broker) handle(body []byte) bool {
	var cmd command
	if err := json.Unmarshal(body, &cmd); err != nil {
		b.log.Warnf("invalid intake message: %v", err)
		return false
	}
	switch cmd.Action {
	case "submit":
		if cmd.Request == nil {
			b.log.Warnf("submit without request body")
			return false
		}
		req := cmd.Request.toModel()
		if _, err := b.submitter.Submit(req); err != nil {
			b.log.Errorf("submit request %s: %v", req.ID, err)
		}
		return true
	case "cancel":
		if cmd.ID == "" {
			b.log.Warnf("cancel without request id")
			return false
		}
		if b.submitter.Cancel(cmd.ID) {
			return true
		}
		if b.canceler != nil {
			if err := b.canceler.Cancel(cmd.ID); err != nil {
				b.log.Debugf("cancel request %s: %v", cmd.ID, err)
			}
		}
		return true
	default:
		b.log.Warnf("unknown intake action %q", cmd.Action)
		return false
	}
}

// publishOutcomes pushes terminal session results to the fanout exchange.
func (b *Broker) publishOutcomes(sub <-chan eventbus.Event) {
	for {
		select {
		case <-b.done:
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			ev, ok := e.(events.OutcomeEvent)
			if !ok {
				continue
			}
			body, err := encodeOutcome(ev)
			if err != nil {
				b.log.Errorf("encode outcome for %s: %v", ev.RequestID, err)
				continue
			}
			err = b.ch.Publish(b.cfg.OutcomeExchange, "", false, false, amqp091.Publishing{
				ContentType: "application/json",
				Timestamp:   time.Now(),
				Body:        body,
			})
			if err != nil {
				b.log.Errorf("publish outcome for %s: %v", ev.RequestID, err)
			}
		}
	}
}

// Close shuts the connection down and stops the loops.
func (b *Broker) Close() error {
	b.isClosed.Store(true)
	close(b.done)
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

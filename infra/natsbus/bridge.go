// Package natsbus streams the in-process dispatch events to NATS so
// sibling services can follow session lifecycles without a direct
// dependency on the engine.
package natsbus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/openhail/dispatch/core/events"
	"github.com/openhail/dispatch/core/logger"
	"github.com/openhail/dispatch/internal/eventbus"
)

// Subject layout. Request subjects embed the request id so consumers can
// subscribe to a single session with dispatch.request.<id>.*.
const (
	subjectAgent = "dispatch.agent"
)

func requestSubject(requestID, kind string) string {
	return fmt.Sprintf("dispatch.request.%s.%s", requestID, kind)
}

// Config holds the NATS connection parameters.
type Config struct {
	URL            string        `json:"url"`
	Name           string        `json:"name"`
	Token          string        `json:"token"`
	User           string        `json:"user"`
	Password       string        `json:"password"`
	ReconnectWait  time.Duration `json:"reconnect_wait"`
	MaxReconnects  int           `json:"max_reconnects"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Name == "" {
		c.Name = "dispatch-engine"
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
}

func (c Config) options() []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(c.ReconnectWait),
		nats.MaxReconnects(c.MaxReconnects),
		nats.Timeout(c.ConnectTimeout),
		nats.Name(c.Name),
	}
	if c.Token != "" {
		opts = append(opts, nats.Token(c.Token))
	}
	if c.User != "" {
		opts = append(opts, nats.UserInfo(c.User, c.Password))
	}
	return opts
}

// publisher narrows nats.Conn for testability.
type publisher interface {
	Publish(subject string, data []byte) error
	Close()
}

// Bridge forwards dispatch events from the in-process bus to NATS.
type Bridge struct {
	conn publisher
	bus  eventbus.EventBus
	log  logger.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// New connects to NATS and starts forwarding.
func New(cfg Config, bus eventbus.EventBus, log logger.Logger) (*Bridge, error) {
	cfg.SetDefaults()
	conn, err := nats.Connect(cfg.URL, cfg.options()...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return start(conn, bus, log), nil
}

func start(conn publisher, bus eventbus.EventBus, log logger.Logger) *Bridge {
	b := &Bridge{conn: conn, bus: bus, log: log, done: make(chan struct{})}
	b.wg.Add(1)
	go b.forward(bus.Subscribe())
	return b
}

func (b *Bridge) forward(sub <-chan eventbus.Event) {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			subject, payload := route(e)
			if subject == "" {
				continue
			}
			data, err := json.Marshal(payload)
			if err != nil {
				b.log.Errorf("encode event for %s: %v", subject, err)
				continue
			}
			if err := b.conn.Publish(subject, data); err != nil {
				b.log.Warnf("publish to %s: %v", subject, err)
			}
		}
	}
}

// route maps a bus event to its NATS subject. Unknown event types are
// dropped.
func route(e eventbus.Event) (string, any) {
	switch ev := e.(type) {
	case events.RequestEvent:
		return requestSubject(ev.RequestID, "state"), ev
	case events.OfferEvent:
		return requestSubject(ev.RequestID, "offer"), ev
	case events.ResponseEvent:
		return requestSubject(ev.RequestID, "response"), ev
	case events.OutcomeEvent:
		return requestSubject(ev.RequestID, "outcome"), ev
	case events.AgentEvent:
		return subjectAgent, ev
	default:
		return "", nil
	}
}

// Close stops forwarding and drops the connection.
func (b *Bridge) Close() {
	close(b.done)
	b.wg.Wait()
	b.conn.Close()
}

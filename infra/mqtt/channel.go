// Package mqtt adapts the dispatch core to an MQTT broker: downstream
// events for agents and riders, and upstream presence, location,
// availability and offer responses from the connected fleet.
package mqtt

import (
	"context"
	"encoding/json"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/openhail/dispatch/core/geo"
	"github.com/openhail/dispatch/core/logger"
	"github.com/openhail/dispatch/core/model"
	"github.com/openhail/dispatch/core/monitoring"
	"github.com/openhail/dispatch/core/notify"
)

// Fleet is the slice of the agent registry the channel feeds.
type Fleet interface {
	Connect(a model.Agent) error
	Disconnect(id string)
	UpsertLocation(id string, p geo.Point, ts time.Time) error
	SetAvailability(id string, available bool) error
}

// pahoClient narrows the paho API for testability.
type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// Envelope wraps every downstream message.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sent_at"`
}

// presenceMessage is published by agents on connect, and by the broker's
// LWT on their behalf when the connection drops.
type presenceMessage struct {
	Online         bool               `json:"online"`
	Class          model.ServiceClass `json:"class"`
	Lat            float64            `json:"lat"`
	Lon            float64            `json:"lon"`
	Rating         float64            `json:"rating"`
	CompletedTrips int                `json:"completed_trips"`
	Available      bool               `json:"available"`
}

type locationMessage struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
}

type availabilityMessage struct {
	Available bool `json:"available"`
}

type responseMessage struct {
	AgentID   string `json:"agent_id"`
	RequestID string `json:"request_id"`
	AttemptID string `json:"attempt_id"`
	Decision  string `json:"decision"`
}

// Channel is the MQTT notification channel. It implements notify.Channel
// for the outbound side and drives the registry and the response handler
// from its subscriptions.
type Channel struct {
	cli        pahoClient
	cfg        Config
	fleet      Fleet
	handler    notify.ResponseHandler
	log        logger.Logger
	maxRetries int
	backoff    time.Duration
}

// NewChannel connects to the broker and subscribes to the fleet topics.
// fleet and handler may be nil for publish-only use (the simulator's
// rider side, ops tooling).
func NewChannel(cfg Config, fleet Fleet, handler notify.ResponseHandler, log logger.Logger) (*Channel, error) {
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	ch := &Channel{
		cfg:        cfg,
		fleet:      fleet,
		handler:    handler,
		log:        log,
		maxRetries: cfg.MaxRetries,
		backoff:    time.Duration(cfg.BackoffMS) * time.Millisecond,
	}
	if ch.maxRetries <= 0 {
		ch.maxRetries = 3
	}
	if ch.backoff <= 0 {
		ch.backoff = 100 * time.Millisecond
	}

	opts.OnConnect = func(_ paho.Client) {
		log.Infof("MQTT connected to %s", cfg.Broker)
		ch.subscribe()
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("MQTT connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}

	ch.cli = newMQTTClient(opts)
	if token := ch.cli.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return ch, nil
}

// subscribe runs on every (re)connect so subscriptions survive broker
// restarts.
func (c *Channel) subscribe() {
	subs := []struct {
		topic   string
		qos     byte
		handler paho.MessageHandler
	}{
		{TopicPresence, c.cfg.qos("presence"), c.onPresence},
		{TopicLocation, c.cfg.qos("location"), c.onLocation},
		{TopicAvailability, c.cfg.qos("availability"), c.onAvailability},
		{TopicResponses, c.cfg.qos("response"), c.onResponse},
	}
	for _, s := range subs {
		if token := c.cli.Subscribe(s.topic, s.qos, s.handler); token.Wait() && token.Error() != nil {
			c.log.Errorf("subscribe %s: %v", s.topic, token.Error())
		}
	}
}

// SendToAgent publishes an event envelope on the agent's topic.
func (c *Channel) SendToAgent(ctx context.Context, agentID, event string, payload any) error {
	return c.publish(ctx, AgentEventsTopic(agentID), c.cfg.qos("agent"), event, payload)
}

// SendToCustomer publishes an event envelope on the rider's topic.
func (c *Channel) SendToCustomer(ctx context.Context, requestID, event string, payload any) error {
	return c.publish(ctx, CustomerEventsTopic(requestID), c.cfg.qos("customer"), event, payload)
}

func (c *Channel) publish(ctx context.Context, topic string, qos byte, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(Envelope{Event: event, Payload: raw, SentAt: time.Now()})
	if err != nil {
		return err
	}
	var publishErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		token := c.cli.Publish(topic, qos, false, body)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			return nil
		}
		c.log.Warnf("publish to %s attempt %d failed: %v", topic, attempt+1, publishErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff * time.Duration(1<<attempt)):
		}
	}
	monitoring.CaptureException(publishErr, map[string]string{"module": "mqtt", "topic": topic})
	return publishErr
}

func (c *Channel) onPresence(_ paho.Client, msg paho.Message) {
	if c.fleet == nil {
		return
	}
	id := agentFromTopic(msg.Topic())
	if id == "" {
		return
	}
	var m presenceMessage
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		c.log.Errorf("decode presence from %s: %v", msg.Topic(), err)
		return
	}
	if !m.Online {
		c.fleet.Disconnect(id)
		return
	}
	agent := model.Agent{
		ID:             id,
		Class:          m.Class,
		Location:       geo.Point{Lat: m.Lat, Lon: m.Lon},
		Available:      m.Available,
		Rating:         m.Rating,
		CompletedTrips: m.CompletedTrips,
	}
	if err := c.fleet.Connect(agent); err != nil {
		c.log.Errorf("connect agent %s: %v", id, err)
	}
}

func (c *Channel) onLocation(_ paho.Client, msg paho.Message) {
	if c.fleet == nil {
		return
	}
	id := agentFromTopic(msg.Topic())
	if id == "" {
		return
	}
	var m locationMessage
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		c.log.Errorf("decode location from %s: %v", msg.Topic(), err)
		return
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if err := c.fleet.UpsertLocation(id, geo.Point{Lat: m.Lat, Lon: m.Lon}, ts); err != nil {
		c.log.Debugf("location update for %s dropped: %v", id, err)
	}
}

func (c *Channel) onAvailability(_ paho.Client, msg paho.Message) {
	if c.fleet == nil {
		return
	}
	id := agentFromTopic(msg.Topic())
	if id == "" {
		return
	}
	var m availabilityMessage
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		c.log.Errorf("decode availability from %s: %v", msg.Topic(), err)
		return
	}
	if err := c.fleet.SetAvailability(id, m.Available); err != nil {
		c.log.Debugf("availability update for %s dropped: %v", id, err)
	}
}

func (c *Channel) onResponse(_ paho.Client, msg paho.Message) {
	if c.handler == nil {
		return
	}
	var m responseMessage
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		c.log.Errorf("decode response: %v", err)
		return
	}
	if m.AgentID == "" || m.RequestID == "" {
		c.log.Warnf("response missing agent or request id, dropped")
		return
	}
	c.handler.OnAgentResponse(m.AgentID, m.RequestID, m.AttemptID, model.Decision(m.Decision))
}

// Disconnect gracefully closes the MQTT connection.
func (c *Channel) Disconnect() {
	if c.cli != nil && c.cli.IsConnected() {
		c.cli.Disconnect(250)
	}
}

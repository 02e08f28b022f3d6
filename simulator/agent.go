package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Wire forms matching the engine's MQTT layer.

type presenceMessage struct {
	Online         bool    `json:"online"`
	Class          string  `json:"class"`
	Lat            float64 `json:"lat"`
	Lon            float64 `json:"lon"`
	Rating         float64 `json:"rating"`
	CompletedTrips int     `json:"completed_trips"`
	Available      bool    `json:"available"`
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

type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sent_at"`
}

type offerPayload struct {
	RequestID string    `json:"request_id"`
	AttemptID string    `json:"attempt_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SimulatedAgent drives one fake driver app: presence with an offline
// LWT, a random-walk position, availability flips and offer replies.
type SimulatedAgent struct {
	ID     string
	Class  string
	Rating float64
	Trips  int

	Broker           string
	Lat              float64
	Lon              float64
	SpeedKmh         float64
	LocationInterval time.Duration
	AcceptRate       float64
	ResponseLatency  time.Duration
	OffDutyRate      float64

	client paho.Client
	rng    *rand.Rand

	mu        sync.Mutex
	available bool
	busyWith  string
}

// Run connects and simulates until ctx is done.
func (a *SimulatedAgent) Run(ctx context.Context) error {
	a.rng = rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(len(a.ID))*7919))
	a.available = true

	offline, _ := json.Marshal(presenceMessage{Online: false})
	cli, err := newMQTTClient(a.Broker, "sim-"+a.ID, a.topic("presence"), offline)
	if err != nil {
		return err
	}
	a.client = cli
	defer cli.Disconnect(250)

	if err := a.publishPresence(); err != nil {
		return err
	}
	events := fmt.Sprintf("agents/%s/events", a.ID)
	if token := cli.Subscribe(events, 1, a.onEvent(ctx)); token.Wait() && token.Error() != nil {
		return token.Error()
	}

	ticker := time.NewTicker(a.LocationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.move()
			a.publishLocation()
			a.maybeFlipAvailability()
		}
	}
}

func (a *SimulatedAgent) topic(kind string) string {
	return fmt.Sprintf("agents/%s/%s", a.ID, kind)
}

func (a *SimulatedAgent) publishPresence() error {
	a.mu.Lock()
	msg := presenceMessage{
		Online:         true,
		Class:          a.Class,
		Lat:            a.Lat,
		Lon:            a.Lon,
		Rating:         a.Rating,
		CompletedTrips: a.Trips,
		Available:      a.available,
	}
	a.mu.Unlock()
	payload, _ := json.Marshal(msg)
	token := a.client.Publish(a.topic("presence"), 1, false, payload)
	token.Wait()
	return token.Error()
}

// move advances the position one interval's worth in a drifting heading.
func (a *SimulatedAgent) move() {
	stepKm := a.SpeedKmh * a.LocationInterval.Hours()
	heading := a.rng.Float64() * 2 * math.Pi
	a.mu.Lock()
	a.Lat += (stepKm / 110.574) * math.Cos(heading)
	a.Lon += (stepKm / (111.320 * math.Cos(a.Lat*math.Pi/180))) * math.Sin(heading)
	a.mu.Unlock()
}

func (a *SimulatedAgent) publishLocation() {
	a.mu.Lock()
	msg := locationMessage{Lat: a.Lat, Lon: a.Lon, Timestamp: time.Now()}
	a.mu.Unlock()
	payload, _ := json.Marshal(msg)
	a.client.Publish(a.topic("location"), 0, false, payload)
}

func (a *SimulatedAgent) maybeFlipAvailability() {
	a.mu.Lock()
	busy := a.busyWith != ""
	a.mu.Unlock()
	if busy || a.rng.Float64() >= a.OffDutyRate {
		return
	}
	a.mu.Lock()
	a.available = !a.available
	msg := availabilityMessage{Available: a.available}
	a.mu.Unlock()
	payload, _ := json.Marshal(msg)
	a.client.Publish(a.topic("availability"), 1, false, payload)
}

func (a *SimulatedAgent) onEvent(ctx context.Context) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		var env envelope
		if err := json.Unmarshal(msg.Payload(), &env); err != nil {
			log.Printf("%s: decode event: %v", a.ID, err)
			return
		}
		switch env.Event {
		case "offer":
			var offer offerPayload
			if err := json.Unmarshal(env.Payload, &offer); err != nil {
				log.Printf("%s: decode offer: %v", a.ID, err)
				return
			}
			go a.respond(ctx, offer)
		case "taken", "request_canceled":
			var ref struct {
				RequestID string `json:"request_id"`
			}
			_ = json.Unmarshal(env.Payload, &ref)
			a.mu.Lock()
			if a.busyWith == ref.RequestID {
				a.busyWith = ""
			}
			a.mu.Unlock()
		}
	}
}

// respond waits the configured latency, then accepts or declines.
func (a *SimulatedAgent) respond(ctx context.Context, offer offerPayload) {
	if a.ResponseLatency > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.ResponseLatency):
		}
	}
	decision := a.decide()
	if decision == "accept" {
		a.mu.Lock()
		a.busyWith = offer.RequestID
		a.mu.Unlock()
	}
	msg := responseMessage{
		AgentID:   a.ID,
		RequestID: offer.RequestID,
		AttemptID: offer.AttemptID,
		Decision:  decision,
	}
	payload, _ := json.Marshal(msg)
	a.client.Publish("dispatch/responses", 1, false, payload)
	log.Printf("%s: %s request %s", a.ID, decision, offer.RequestID)
}

func (a *SimulatedAgent) decide() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busyWith != "" || !a.available {
		return "decline"
	}
	if a.rng.Float64() < a.AcceptRate {
		return "accept"
	}
	return "decline"
}

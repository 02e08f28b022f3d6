// Package ws is a WebSocket agent gateway: one long-lived connection per
// agent, hello/location/availability/response frames upstream, dispatch
// event envelopes downstream. It is an alternative NotificationChannel
// for deployments that terminate agent connections in-process instead of
// on an MQTT broker.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/openhail/dispatch/core/geo"
	"github.com/openhail/dispatch/core/logger"
	"github.com/openhail/dispatch/core/model"
	"github.com/openhail/dispatch/core/notify"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Fleet is the slice of the agent registry the gateway feeds.
type Fleet interface {
	Connect(a model.Agent) error
	Disconnect(id string)
	UpsertLocation(id string, p geo.Point, ts time.Time) error
	SetAvailability(id string, available bool) error
}

// Frame is the upstream message format.
type Frame struct {
	Type      string             `json:"type"` // hello, location, availability, response
	Class     model.ServiceClass `json:"class,omitempty"`
	Lat       float64            `json:"lat,omitempty"`
	Lon       float64            `json:"lon,omitempty"`
	Timestamp time.Time          `json:"timestamp,omitempty"`
	Available bool               `json:"available,omitempty"`
	Rating    float64            `json:"rating,omitempty"`
	Trips     int                `json:"trips,omitempty"`
	RequestID string             `json:"request_id,omitempty"`
	AttemptID string             `json:"attempt_id,omitempty"`
	Decision  string             `json:"decision,omitempty"`
}

// Envelope is the downstream message format.
type Envelope struct {
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

var ErrNoSession = fmt.Errorf("no websocket session")

// session is one connected agent. Writes are serialized through mu; the
// read loop owns the connection's lifetime.
type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) send(env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(env)
}

// Gateway upgrades agent connections and bridges them to the registry
// and the dispatch coordinator. It implements the agent half of
// notify.Channel; customer deliveries are delegated to a secondary
// channel (push, MQTT) since riders do not hold sockets here.
type Gateway struct {
	fleet    Fleet
	handler  notify.ResponseHandler
	customer notify.Channel // nil drops customer events
	log      logger.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewGateway wires the gateway. customer may be nil.
func NewGateway(fleet Fleet, handler notify.ResponseHandler, customer notify.Channel, log logger.Logger) *Gateway {
	return &Gateway{
		fleet:    fleet,
		handler:  handler,
		customer: customer,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
	}
}

// Handler serves GET /ws/agents/{id}. Auth sits in front of this handler
// and is out of scope here.
func (g *Gateway) Handler() http.Handler {
	return http.HandlerFunc(g.serve)
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]
	if agentID == "" {
		agentID = r.URL.Query().Get("agent_id")
	}
	if agentID == "" {
		http.Error(w, "missing agent id", http.StatusBadRequest)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Errorf("upgrade for agent %s: %v", agentID, err)
		return
	}

	// First frame must be a hello carrying the agent profile.
	if err := conn.SetReadDeadline(time.Now().Add(writeWait)); err != nil {
		_ = conn.Close()
		return
	}
	var hello Frame
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != "hello" {
		g.log.Warnf("agent %s sent no hello: %v", agentID, err)
		_ = conn.Close()
		return
	}
	agent := model.Agent{
		ID:             agentID,
		Class:          hello.Class,
		Location:       geo.Point{Lat: hello.Lat, Lon: hello.Lon},
		Available:      hello.Available,
		Rating:         hello.Rating,
		CompletedTrips: hello.Trips,
	}
	if err := g.fleet.Connect(agent); err != nil {
		g.log.Warnf("agent %s rejected: %v", agentID, err)
		_ = conn.WriteJSON(map[string]string{"error": err.Error()})
		_ = conn.Close()
		return
	}

	s := &session{conn: conn}
	g.mu.Lock()
	if old, ok := g.sessions[agentID]; ok {
		_ = old.conn.Close()
	}
	g.sessions[agentID] = s
	g.mu.Unlock()

	go g.ping(s, agentID)
	g.readLoop(s, agentID)
}

// readLoop consumes frames until the connection dies, then detaches the
// agent from the fleet.
func (g *Gateway) readLoop(s *session, agentID string) {
	defer func() {
		g.mu.Lock()
		if g.sessions[agentID] == s {
			delete(g.sessions, agentID)
		}
		g.mu.Unlock()
		_ = s.conn.Close()
		g.fleet.Disconnect(agentID)
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.log.Warnf("agent %s socket error: %v", agentID, err)
			}
			return
		}
		g.handleFrame(agentID, f)
	}
}

func (g *Gateway) handleFrame(agentID string, f Frame) {
	switch f.Type {
	case "location":
		ts := f.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if err := g.fleet.UpsertLocation(agentID, geo.Point{Lat: f.Lat, Lon: f.Lon}, ts); err != nil {
			g.log.Debugf("location from %s dropped: %v", agentID, err)
		}
	case "availability":
		if err := g.fleet.SetAvailability(agentID, f.Available); err != nil {
			g.log.Debugf("availability from %s dropped: %v", agentID, err)
		}
	case "response":
		if g.handler == nil || f.RequestID == "" {
			return
		}
		g.handler.OnAgentResponse(agentID, f.RequestID, f.AttemptID, model.Decision(f.Decision))
	default:
		g.log.Debugf("agent %s sent unknown frame type %q", agentID, f.Type)
	}
}

func (g *Gateway) ping(s *session, agentID string) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		err := s.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait))
		s.mu.Unlock()
		if err != nil {
			g.log.Debugf("ping to agent %s failed: %v", agentID, err)
			_ = s.conn.Close()
			return
		}
	}
}

// SendToAgent delivers an event on the agent's socket. An absent session
// is a delivery failure the dispatch session folds into the attempt.
func (g *Gateway) SendToAgent(_ context.Context, agentID, event string, payload any) error {
	g.mu.RLock()
	s, ok := g.sessions[agentID]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrNoSession)
	}
	if err := s.send(Envelope{Event: event, Payload: payload, SentAt: time.Now()}); err != nil {
		return fmt.Errorf("send %s to agent %s: %w", event, agentID, err)
	}
	return nil
}

// SendToCustomer hands the event to the secondary channel, if any.
func (g *Gateway) SendToCustomer(ctx context.Context, requestID, event string, payload any) error {
	if g.customer == nil {
		return nil
	}
	return g.customer.SendToCustomer(ctx, requestID, event, payload)
}

// Connected reports whether the agent currently holds a socket.
func (g *Gateway) Connected(agentID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.sessions[agentID]
	return ok
}

// Close drops every session.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, s := range g.sessions {
		_ = s.conn.Close()
		delete(g.sessions, id)
	}
}

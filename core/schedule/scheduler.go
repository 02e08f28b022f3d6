// Package schedule parks requests booked for a future pickup time and
// releases them to the dispatch coordinator shortly before the pickup.
package schedule

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openhail/dispatch/core/logger"
	"github.com/openhail/dispatch/core/model"
)

// Starter is the slice of the coordinator the scheduler drives.
type Starter interface {
	Start(req model.Request) (string, error)
}

// Config defines scheduling parameters.
type Config struct {
	// LeadSeconds is how long before the pickup time a parked request is
	// handed to the coordinator.
	LeadSeconds int `json:"lead_seconds"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.LeadSeconds == 0 {
		c.LeadSeconds = 600
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if c.LeadSeconds < 0 {
		return fmt.Errorf("lead seconds must not be negative")
	}
	return nil
}

// Scheduler holds parked requests, one timer each. Cancellation before
// release is honoured locally and never reaches the coordinator.
type Scheduler struct {
	cfg     Config
	starter Starter
	log     logger.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]*parked
	closed  bool
}

type parked struct {
	req   model.Request
	timer *time.Timer
}

// New creates a Scheduler releasing into starter.
func New(cfg Config, starter Starter, log logger.Logger) (*Scheduler, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("schedule config: %w", err)
	}
	if starter == nil {
		return nil, fmt.Errorf("starter is required")
	}
	return &Scheduler{
		cfg:     cfg,
		starter: starter,
		log:     log,
		now:     time.Now,
		pending: make(map[string]*parked),
	}, nil
}

// Submit routes the request: immediate requests go straight to the
// coordinator, future ones are parked until pickup minus lead.
func (s *Scheduler) Submit(req model.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	now := s.now()
	release := req.PickupAt.Add(-time.Duration(s.cfg.LeadSeconds) * time.Second)
	if !req.Scheduled(now) || !release.After(now) {
		return s.starter.Start(req)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("scheduler closed")
	}
	if _, exists := s.pending[req.ID]; exists {
		return req.ID, nil
	}
	p := &parked{req: req}
	p.timer = time.AfterFunc(release.Sub(now), func() { s.release(req.ID) })
	s.pending[req.ID] = p
	s.log.Infof("request %s parked until %s (pickup %s)", req.ID, release.Format(time.RFC3339), req.PickupAt.Format(time.RFC3339))
	return req.ID, nil
}

// Cancel drops a parked request. It reports false when the request is not
// parked here, so the caller can fall through to the coordinator.
func (s *Scheduler) Cancel(requestID string) bool {
	s.mu.Lock()
	p, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	p.timer.Stop()
	s.log.Infof("parked request %s canceled before release", requestID)
	return true
}

// Pending lists parked requests ordered by pickup time.
func (s *Scheduler) Pending() []model.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Request, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PickupAt.Before(out[j].PickupAt) })
	return out
}

// Close stops all timers; parked requests are dropped.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, id)
	}
}

func (s *Scheduler) release(requestID string) {
	s.mu.Lock()
	p, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if _, err := s.starter.Start(p.req); err != nil {
		s.log.Errorf("releasing scheduled request %s failed: %v", requestID, err)
	}
}

// Package store persists fleet state transitions and dispatch outcomes
// to Postgres. It observes the in-process event bus, so the dispatch core
// never waits on the database.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openhail/dispatch/core/events"
	"github.com/openhail/dispatch/core/logger"
	"github.com/openhail/dispatch/core/model"
	"github.com/openhail/dispatch/internal/eventbus"
)

// Config holds the Postgres connection parameters.
type Config struct {
	DSN string `json:"dsn"`
}

// AgentLookup resolves agent profiles for fleet events.
type AgentLookup interface {
	Get(id string) (model.Agent, bool)
}

// querier narrows pgxpool.Pool for testability.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconnCommandTag, error)
}

// pgconnCommandTag is the minimal result surface the store needs.
type pgconnCommandTag interface {
	String() string
}

// poolAdapter wraps *pgxpool.Pool behind querier.
type poolAdapter struct {
	pool *pgxpool.Pool
}

func (p poolAdapter) Exec(ctx context.Context, sql string, args ...any) (pgconnCommandTag, error) {
	tag, err := p.pool.Exec(ctx, sql, args...)
	return tag, err
}

// Store subscribes to the event bus and writes agents, bindings and
// outcomes.
type Store struct {
	db     querier
	pool   *pgxpool.Pool
	lookup AgentLookup
	log    logger.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// New connects a pool, ensures the schema and starts the observer.
func New(ctx context.Context, cfg Config, lookup AgentLookup, bus eventbus.EventBus, log logger.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := start(poolAdapter{pool: pool}, lookup, bus, log)
	s.pool = pool
	if err := s.ensureSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func start(db querier, lookup AgentLookup, bus eventbus.EventBus, log logger.Logger) *Store {
	s := &Store{db: db, lookup: lookup, log: log, done: make(chan struct{})}
	if bus != nil {
		s.wg.Add(1)
		go s.observe(bus.Subscribe())
	}
	return s
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			class TEXT NOT NULL,
			lat DOUBLE PRECISION NOT NULL DEFAULT 0,
			lon DOUBLE PRECISION NOT NULL DEFAULT 0,
			rating DOUBLE PRECISION NOT NULL DEFAULT 0,
			trips INT NOT NULL DEFAULT 0,
			connected BOOLEAN NOT NULL DEFAULT FALSE,
			available BOOLEAN NOT NULL DEFAULT FALSE,
			busy BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			request_id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			agent_id TEXT,
			attempt_id TEXT,
			bound_at TIMESTAMPTZ,
			attempts INT NOT NULL DEFAULT 0,
			elapsed_ms BIGINT NOT NULL DEFAULT 0,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) observe(sub <-chan eventbus.Event) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.apply(ctx, e)
			cancel()
		}
	}
}

// apply writes a single event. Failures are logged, never retried: the
// registry remains the source of truth and the next event resyncs the row.
func (s *Store) apply(ctx context.Context, e eventbus.Event) {
	switch ev := e.(type) {
	case events.AgentEvent:
		s.upsertAgent(ctx, ev)
	case events.OutcomeEvent:
		s.insertOutcome(ctx, ev)
	}
}

func (s *Store) upsertAgent(ctx context.Context, ev events.AgentEvent) {
	a, ok := s.lookup.Get(ev.AgentID)
	if !ok {
		return
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO agents (id, class, lat, lon, rating, trips, connected, available, busy, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			class = EXCLUDED.class,
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon,
			rating = EXCLUDED.rating,
			trips = EXCLUDED.trips,
			connected = EXCLUDED.connected,
			available = EXCLUDED.available,
			busy = EXCLUDED.busy,
			updated_at = EXCLUDED.updated_at
	`, a.ID, string(a.Class), a.Location.Lat, a.Location.Lon, a.Rating, a.CompletedTrips,
		a.Connected, a.Available, a.Busy, ev.At)
	if err != nil {
		s.log.Errorf("persist agent %s: %v", a.ID, err)
	}
}

func (s *Store) insertOutcome(ctx context.Context, ev events.OutcomeEvent) {
	var agentID, attemptID any
	var boundAt any
	if ev.Binding != nil {
		agentID = ev.Binding.AgentID
		attemptID = ev.Binding.AttemptID
		boundAt = ev.Binding.BoundAt
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO outcomes (request_id, customer_id, outcome, reason, agent_id, attempt_id, bound_at, attempts, elapsed_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (request_id) DO NOTHING
	`, ev.RequestID, ev.CustomerID, string(ev.Outcome), string(ev.Reason),
		agentID, attemptID, boundAt, ev.Attempts, ev.Elapsed.Milliseconds())
	if err != nil {
		s.log.Errorf("persist outcome %s: %v", ev.RequestID, err)
	}
}

// Close stops the observer and releases the pool.
func (s *Store) Close() {
	close(s.done)
	s.wg.Wait()
	if s.pool != nil {
		s.pool.Close()
	}
}

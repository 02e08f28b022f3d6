// Package georedis mirrors the live fleet into a Redis GEO set so
// out-of-process consumers (ops dashboards, analytics, sibling services)
// can run nearby queries without hitting the dispatch engine.
package georedis

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openhail/dispatch/core/events"
	"github.com/openhail/dispatch/core/geo"
	"github.com/openhail/dispatch/core/logger"
	"github.com/openhail/dispatch/core/model"
	"github.com/openhail/dispatch/core/registry"
	"github.com/openhail/dispatch/internal/eventbus"
)

// Config holds the Redis connection and sync parameters.
type Config struct {
	Addr         string        `json:"addr"`
	Password     string        `json:"password"`
	DB           int           `json:"db"`
	Key          string        `json:"key"`
	SyncInterval time.Duration `json:"sync_interval"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Key == "" {
		c.Key = "fleet:geo"
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 5 * time.Second
	}
}

// Snapshot is the slice of the registry the mirror reads.
type Snapshot interface {
	List(f registry.Filter) []model.Agent
}

// geoClient narrows the go-redis API for testability.
type geoClient interface {
	GeoAdd(ctx context.Context, key string, geoLocation ...*redis.GeoLocation) *redis.IntCmd
	GeoRadius(ctx context.Context, key string, longitude, latitude float64, query *redis.GeoRadiusQuery) *redis.GeoLocationCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// Mirror keeps a Redis GEO set in step with the fleet registry. Location
// freshness comes from a periodic snapshot sync; disconnects are applied
// immediately from the fleet event stream.
type Mirror struct {
	cli  geoClient
	cfg  Config
	snap Snapshot
	bus  eventbus.EventBus
	log  logger.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// New connects to Redis and starts the sync loop. bus may be nil; the
// mirror then relies on the snapshot sync alone.
func New(cfg Config, snap Snapshot, bus eventbus.EventBus, log logger.Logger) *Mirror {
	cfg.SetDefaults()
	cli := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	return start(cli, cfg, snap, bus, log)
}

func start(cli geoClient, cfg Config, snap Snapshot, bus eventbus.EventBus, log logger.Logger) *Mirror {
	m := &Mirror{cli: cli, cfg: cfg, snap: snap, bus: bus, log: log, done: make(chan struct{})}
	m.wg.Add(1)
	go m.syncLoop()
	if bus != nil {
		sub := bus.Subscribe()
		m.wg.Add(1)
		go m.watchFleet(sub)
	}
	return m
}

func (m *Mirror) syncLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.syncOnce(context.Background())
		}
	}
}

// syncOnce pushes every connected agent's position and metadata.
func (m *Mirror) syncOnce(ctx context.Context) {
	for _, a := range m.snap.List(registry.Filter{ConnectedOnly: true}) {
		if err := m.upsert(ctx, a); err != nil {
			m.log.Warnf("geo sync for agent %s: %v", a.ID, err)
		}
	}
}

func (m *Mirror) upsert(ctx context.Context, a model.Agent) error {
	loc := &redis.GeoLocation{Name: a.ID, Longitude: a.Location.Lon, Latitude: a.Location.Lat}
	if err := m.cli.GeoAdd(ctx, m.cfg.Key, loc).Err(); err != nil {
		return err
	}
	return m.cli.HSet(ctx, metaKey(a.ID), map[string]interface{}{
		"class":     string(a.Class),
		"rating":    strconv.FormatFloat(a.Rating, 'f', 2, 64),
		"trips":     strconv.Itoa(a.CompletedTrips),
		"available": strconv.FormatBool(a.Available && !a.Busy),
		"updated":   a.LocatedAt.UTC().Format(time.RFC3339Nano),
	}).Err()
}

func (m *Mirror) watchFleet(sub <-chan eventbus.Event) {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			ev, ok := e.(events.AgentEvent)
			if !ok || ev.Action != "disconnected" {
				continue
			}
			if err := m.Remove(context.Background(), ev.AgentID); err != nil {
				m.log.Warnf("geo remove for agent %s: %v", ev.AgentID, err)
			}
		}
	}
}

// Remove drops the agent from the GEO set and deletes its metadata.
func (m *Mirror) Remove(ctx context.Context, agentID string) error {
	if err := m.cli.ZRem(ctx, m.cfg.Key, agentID).Err(); err != nil {
		return err
	}
	return m.cli.Del(ctx, metaKey(agentID)).Err()
}

// Nearby runs a GEORADIUS query and hydrates the results from the
// metadata hashes. Agents whose metadata is missing still come back with
// id and position.
func (m *Mirror) Nearby(ctx context.Context, origin geo.Point, radiusKm float64, limit int) ([]model.Agent, error) {
	q := &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}
	locs, err := m.cli.GeoRadius(ctx, m.cfg.Key, origin.Lon, origin.Lat, q).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.Agent, 0, len(locs))
	for _, l := range locs {
		a := model.Agent{
			ID:       l.Name,
			Location: geo.Point{Lat: l.Latitude, Lon: l.Longitude},
		}
		meta, err := m.cli.HGetAll(ctx, metaKey(l.Name)).Result()
		if err == nil {
			applyMeta(&a, meta)
		}
		out = append(out, a)
	}
	return out, nil
}

// applyMeta folds a metadata hash into the agent.
func applyMeta(a *model.Agent, meta map[string]string) {
	if v, ok := meta["class"]; ok {
		a.Class = model.ServiceClass(v)
	}
	if v, ok := meta["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			a.Rating = f
		}
	}
	if v, ok := meta["trips"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			a.CompletedTrips = n
		}
	}
	if v, ok := meta["available"]; ok {
		a.Available = v == "true"
	}
	if v, ok := meta["updated"]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			a.LocatedAt = ts
		}
	}
}

// Close stops the sync loop and closes the Redis connection.
func (m *Mirror) Close() error {
	close(m.done)
	m.wg.Wait()
	return m.cli.Close()
}

func metaKey(id string) string { return "fleet:meta:" + id }

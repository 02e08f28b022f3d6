// Package app assembles the dispatch engine from its configuration:
// transport, coordinator, scheduler, optional adapters and the ops API.
package app

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/openhail/dispatch/api"
	"github.com/openhail/dispatch/config"
	"github.com/openhail/dispatch/core/dispatch"
	"github.com/openhail/dispatch/core/dispatch/audit"
	"github.com/openhail/dispatch/core/eta"
	coremetrics "github.com/openhail/dispatch/core/metrics"
	"github.com/openhail/dispatch/core/model"
	coremon "github.com/openhail/dispatch/core/monitoring"
	"github.com/openhail/dispatch/core/notify"
	"github.com/openhail/dispatch/core/registry"
	"github.com/openhail/dispatch/core/schedule"
	infraeta "github.com/openhail/dispatch/infra/eta"
	"github.com/openhail/dispatch/infra/georedis"
	"github.com/openhail/dispatch/infra/ingest"
	"github.com/openhail/dispatch/infra/intake"
	"github.com/openhail/dispatch/infra/logger"
	"github.com/openhail/dispatch/infra/metrics"
	"github.com/openhail/dispatch/infra/monitoring"
	"github.com/openhail/dispatch/infra/mqtt"
	"github.com/openhail/dispatch/infra/natsbus"
	"github.com/openhail/dispatch/infra/store"
	"github.com/openhail/dispatch/infra/ws"
	"github.com/openhail/dispatch/internal/eventbus"
)

// responseRouter forwards agent replies to the coordinator. The transport
// is built before the coordinator, so the handler is bound afterwards.
type responseRouter struct {
	mu      sync.RWMutex
	handler notify.ResponseHandler
}

func (r *responseRouter) bind(h notify.ResponseHandler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

func (r *responseRouter) OnAgentResponse(agentID, requestID, attemptID string, decision model.Decision) {
	r.mu.RLock()
	h := r.handler
	r.mu.RUnlock()
	if h != nil {
		h.OnAgentResponse(agentID, requestID, attemptID, decision)
	}
}

// Service owns the engine's components for one process.
type Service struct {
	Coordinator *dispatch.Coordinator
	Scheduler   *schedule.Scheduler
	Registry    *registry.Registry

	cfg   *config.Config
	log   logger.Logger
	bus   eventbus.EventBus
	audit audit.Store
	sink  coremetrics.MetricsSink

	mqttChannel *mqtt.Channel
	gateway     *ws.Gateway
	mirror      *georedis.Mirror
	consumer    *ingest.Consumer
	broker      *intake.Broker
	bridge      *natsbus.Bridge
	pg          *store.Store

	httpSrv *http.Server
}

// New builds the service from the configuration. Optional adapters
// activate when their connection field is set.
func New(cfg *config.Config) (*Service, error) {
	log := logger.New("service")

	monitor, err := monitoring.NewSentryMonitor(cfg.Sentry)
	if err != nil {
		return nil, fmt.Errorf("sentry: %w", err)
	}
	coremon.Init(monitor)

	bus := eventbus.New()
	reg := registry.New(bus, logger.New("registry"))

	auditStore, err := openAuditStore(cfg.Audit)
	if err != nil {
		return nil, fmt.Errorf("audit store: %w", err)
	}

	sink, err := metrics.New(cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	svc := &Service{
		Registry: reg,
		cfg:      cfg,
		log:      log,
		bus:      bus,
		audit:    auditStore,
		sink:     sink,
	}

	router := &responseRouter{}
	var channel notify.Channel
	switch cfg.Transport {
	case "ws":
		svc.gateway = ws.NewGateway(reg, router, nil, logger.New("ws"))
		channel = svc.gateway
	default:
		ch, err := mqtt.NewChannel(cfg.MQTT, reg, router, logger.New("mqtt"))
		if err != nil {
			return nil, fmt.Errorf("mqtt channel: %w", err)
		}
		svc.mqttChannel = ch
		channel = ch
	}

	coord, err := dispatch.NewCoordinator(cfg.Dispatch.ToCore(), dispatch.Deps{
		Registry:  reg,
		Estimator: buildEstimator(cfg.ETA),
		Channel:   channel,
		Sink:      sink,
		Bus:       bus,
		Store:     auditStore,
		Log:       logger.New("dispatch"),
	})
	if err != nil {
		return nil, err
	}
	router.bind(coord)
	svc.Coordinator = coord

	sched, err := schedule.New(cfg.Schedule, coord, logger.New("schedule"))
	if err != nil {
		return nil, err
	}
	svc.Scheduler = sched

	if cfg.Redis.Addr != "" {
		svc.mirror = georedis.New(cfg.Redis, reg, bus, logger.New("geo-mirror"))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		svc.consumer = ingest.NewConsumer(cfg.Kafka, reg, logger.New("ingest"))
	}
	if cfg.AMQP.Host != "" {
		broker, err := intake.New(cfg.AMQP, sched, coord, bus, logger.New("intake"))
		if err != nil {
			return nil, fmt.Errorf("amqp intake: %w", err)
		}
		svc.broker = broker
	}
	if cfg.NATS.URL != "" {
		bridge, err := natsbus.New(cfg.NATS, bus, logger.New("natsbus"))
		if err != nil {
			return nil, fmt.Errorf("nats bridge: %w", err)
		}
		svc.bridge = bridge
	}
	if cfg.Postgres.DSN != "" {
		pg, err := store.New(context.Background(), cfg.Postgres, reg, bus, logger.New("postgres"))
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		svc.pg = pg
	}

	apiDeps := api.Deps{
		Engine:    coord,
		Scheduler: sched,
		Registry:  reg,
		Audit:     auditStore,
		AuthToken: cfg.API.AuthToken,
		Log:       logger.New("api"),
	}
	if svc.gateway != nil {
		apiDeps.AgentWS = svc.gateway.Handler()
	}
	svc.httpSrv = &http.Server{Addr: cfg.API.Addr, Handler: api.NewRouter(apiDeps)}

	return svc, nil
}

// buildEstimator chains OSRM routing with a TTL cache and the
// speed-based fallback. Without an OSRM endpoint only the fallback runs.
func buildEstimator(cfg config.ETAConfig) eta.Estimator {
	speed := eta.SpeedEstimator{SpeedKmh: cfg.FallbackSpeed}
	if cfg.OSRMURL == "" {
		return speed
	}
	var primary eta.Estimator = infraeta.NewOSRMClient(cfg.OSRMURL, cfg.RouteTimeout)
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	primary = eta.NewCached(primary, ttl)
	return eta.Fallback{Primary: primary, Secondary: speed, Log: logger.New("eta")}
}

func openAuditStore(cfg config.LoggingConfig) (audit.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return audit.NewSQLiteStore(cfg.Path)
	default:
		if cfg.MaxSizeMB > 0 {
			return audit.NewRotatingJSONLStore(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		}
		return audit.NewJSONLStore(cfg.Path)
	}
}

// Run serves until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	metrics.StartFleetCollector(ctx, s.Registry, s.sink, 0)

	if s.consumer != nil {
		go func() {
			defer coremon.Recover()
			s.consumer.Run(ctx)
		}()
	}
	if slices.Contains(s.cfg.Metrics.Sinks, "prometheus") && s.cfg.Metrics.PrometheusPort != "" {
		go func() {
			defer coremon.Recover()
			if err := metrics.StartPromServer(ctx, s.cfg.Metrics.PrometheusPort); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}

	go func() {
		defer coremon.Recover()
		s.log.Infof("ops API listening on %s", s.cfg.API.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("ops API: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// Close releases every component in reverse construction order.
func (s *Service) Close() error {
	s.Scheduler.Close()
	s.Coordinator.Close()
	if s.pg != nil {
		s.pg.Close()
	}
	if s.bridge != nil {
		s.bridge.Close()
	}
	if s.broker != nil {
		if err := s.broker.Close(); err != nil {
			s.log.Warnf("amqp close: %v", err)
		}
	}
	if s.consumer != nil {
		if err := s.consumer.Close(); err != nil {
			s.log.Warnf("kafka close: %v", err)
		}
	}
	if s.mirror != nil {
		if err := s.mirror.Close(); err != nil {
			s.log.Warnf("redis close: %v", err)
		}
	}
	if s.gateway != nil {
		s.gateway.Close()
	}
	if s.mqttChannel != nil {
		s.mqttChannel.Disconnect()
	}
	err := s.audit.Close()
	s.bus.Close()
	coremon.Flush(2 * time.Second)
	return err
}

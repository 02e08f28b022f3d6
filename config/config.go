// Package config loads the engine configuration from a JSON or YAML file
// with HAIL_-prefixed environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/openhail/dispatch/core/dispatch"
	"github.com/openhail/dispatch/core/ranking"
	"github.com/openhail/dispatch/core/schedule"
	"github.com/openhail/dispatch/infra/georedis"
	"github.com/openhail/dispatch/infra/ingest"
	"github.com/openhail/dispatch/infra/intake"
	"github.com/openhail/dispatch/infra/metrics"
	"github.com/openhail/dispatch/infra/mqtt"
	"github.com/openhail/dispatch/infra/natsbus"
	"github.com/openhail/dispatch/infra/store"
)

// Config is the root configuration. Optional adapters (redis, kafka,
// amqp, nats, postgres) activate when their connection field is set.
type Config struct {
	Transport string          `json:"transport"` // mqtt or ws
	MQTT      mqtt.Config     `json:"mqtt"`
	API       APIConfig       `json:"api"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Schedule  schedule.Config `json:"schedule"`
	Metrics   metrics.Config  `json:"metrics"`
	ETA       ETAConfig       `json:"eta"`
	Audit     LoggingConfig   `json:"audit"`
	Logging   AppLogging      `json:"logging"`
	Sentry    SentryConfig    `json:"sentry"`
	Redis     georedis.Config `json:"redis"`
	Kafka     ingest.Config   `json:"kafka"`
	AMQP      intake.Config   `json:"amqp"`
	NATS      natsbus.Config  `json:"nats"`
	Postgres  store.Config    `json:"postgres"`
}

// APIConfig configures the ops HTTP server.
type APIConfig struct {
	Addr      string `json:"addr"`
	AuthToken string `json:"auth_token"`
}

// AppLogging configures process log output.
type AppLogging struct {
	Level string `json:"level"`
}

// ETAConfig selects the travel time estimator. An empty OSRM URL keeps
// the speed-based fallback only.
type ETAConfig struct {
	OSRMURL       string        `json:"osrm_url"`
	RouteTimeout  time.Duration `json:"route_timeout"`
	CacheTTL      time.Duration `json:"cache_ttl"`
	FallbackSpeed float64       `json:"fallback_speed_kmh"`
}

// DispatchConfig is the wire form of the dispatch session settings.
type DispatchConfig struct {
	BatchSize       int             `json:"batch_size"`
	BatchTimeout    time.Duration   `json:"batch_timeout"`
	MaxRadiusKm     float64         `json:"max_radius_km"`
	OverallDeadline time.Duration   `json:"overall_deadline"`
	SendTimeout     time.Duration   `json:"send_timeout"`
	ETATimeout      time.Duration   `json:"eta_timeout"`
	Weights         ranking.Weights `json:"weights"`
	MaxWait         time.Duration   `json:"max_wait"`
	ExperienceCap   int             `json:"experience_cap"`
	RetainFinished  time.Duration   `json:"retain_finished"`
}

// ToCore converts to the dispatch package's config.
func (c DispatchConfig) ToCore() dispatch.Config {
	return dispatch.Config{
		BatchSize:       c.BatchSize,
		BatchTimeout:    c.BatchTimeout,
		MaxRadiusKm:     c.MaxRadiusKm,
		OverallDeadline: c.OverallDeadline,
		SendTimeout:     c.SendTimeout,
		ETATimeout:      c.ETATimeout,
		Weights:         c.Weights,
		MaxWait:         c.MaxWait,
		ExperienceCap:   c.ExperienceCap,
		RetainFinished:  c.RetainFinished,
	}
}

// Load reads the file, applies HAIL_ environment overrides, fills
// defaults and validates.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides, HAIL_DISPATCH__BATCH_SIZE=10 maps to
	// dispatch.batch_size.
	if err := k.Load(env.Provider("HAIL_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "hail_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills unset fields on every section.
func (c *Config) SetDefaults() {
	if c.Transport == "" {
		c.Transport = "mqtt"
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
	core := c.Dispatch.ToCore()
	core.SetDefaults()
	c.Dispatch = fromCore(core)
	c.Schedule.SetDefaults()
	c.Audit.SetDefaults()
}

func fromCore(core dispatch.Config) DispatchConfig {
	return DispatchConfig{
		BatchSize:       core.BatchSize,
		BatchTimeout:    core.BatchTimeout,
		MaxRadiusKm:     core.MaxRadiusKm,
		OverallDeadline: core.OverallDeadline,
		SendTimeout:     core.SendTimeout,
		ETATimeout:      core.ETATimeout,
		Weights:         core.Weights,
		MaxWait:         core.MaxWait,
		ExperienceCap:   core.ExperienceCap,
		RetainFinished:  core.RetainFinished,
	}
}

// Validate checks every section that carries constraints.
func (c Config) Validate() error {
	if c.Transport != "mqtt" && c.Transport != "ws" {
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if err := c.Dispatch.ToCore().Validate(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if err := c.Schedule.Validate(); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	if err := c.Audit.Validate(); err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	return nil
}

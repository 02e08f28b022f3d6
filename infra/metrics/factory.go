package metrics

import (
	"fmt"

	coremetrics "github.com/openhail/dispatch/core/metrics"
)

// Config selects the metric sinks to run.
type Config struct {
	Sinks          []string `json:"sinks"` // nop, prometheus, influx
	PrometheusPort string   `json:"prometheus_port"`
	InfluxURL      string   `json:"influx_url"`
	InfluxToken    string   `json:"influx_token"`
	InfluxOrg      string   `json:"influx_org"`
	InfluxBucket   string   `json:"influx_bucket"`
}

// New builds the configured sink stack. An empty sink list yields a
// NopSink; more than one sink is wrapped in a MultiSink.
func New(cfg Config) (coremetrics.MetricsSink, error) {
	var sinks []coremetrics.MetricsSink
	for _, name := range cfg.Sinks {
		switch name {
		case "nop":
			sinks = append(sinks, coremetrics.NopSink{})
		case "prometheus":
			s, err := NewPromSink()
			if err != nil {
				return nil, fmt.Errorf("prometheus sink: %w", err)
			}
			sinks = append(sinks, s)
		case "influx":
			sinks = append(sinks, NewInfluxSinkWithFallback(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket))
		default:
			return nil, fmt.Errorf("unknown metrics sink %q", name)
		}
	}
	switch len(sinks) {
	case 0:
		return coremetrics.NopSink{}, nil
	case 1:
		return sinks[0], nil
	default:
		return NewMultiSink(sinks...), nil
	}
}

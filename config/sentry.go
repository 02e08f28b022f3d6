package config

// SentryConfig carries the error-monitoring options. An empty DSN leaves
// the process on the no-op monitor.
type SentryConfig struct {
	DSN              string  `json:"dsn"`
	Environment      string  `json:"environment"`
	TracesSampleRate float64 `json:"traces_sample_rate"`
	Release          string  `json:"release"`
}

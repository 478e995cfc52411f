package config

import (
	"strings"
	"time"
)

const (
	defaultMetricsPrefix     = "orchestrator"
	defaultMetricsPacketSize = 1432
	maxMetricsPacketSize     = 64 * 1024
)

// ObservabilityConfig groups configuration that controls metrics emission.
type ObservabilityConfig struct {
	Metrics ObservabilityMetricsConfig
}

// Sanitize applies guardrails to observability sub-configs.
func (c *ObservabilityConfig) Sanitize() {
	c.Metrics.Sanitize()
}

// ObservabilityMetricsConfig controls the StatsD sink. Tags are attached to
// every metric, e.g. OBSERVABILITY_METRICS_TAGS="env:prod,region:us-east-1".
type ObservabilityMetricsConfig struct {
	Enabled       bool              `env:"OBSERVABILITY_METRICS_ENABLED"        envDefault:"false"`
	StatsdAddress string            `env:"OBSERVABILITY_METRICS_STATSD_ADDRESS" envDefault:"127.0.0.1:8125"`
	Prefix        string            `env:"OBSERVABILITY_METRICS_PREFIX"         envDefault:"orchestrator"`
	Tags          map[string]string `env:"OBSERVABILITY_METRICS_TAGS"           envDefault:""`
	FlushInterval time.Duration     `env:"OBSERVABILITY_METRICS_FLUSH_INTERVAL" envDefault:"1s"`
	MaxPacketSize int               `env:"OBSERVABILITY_METRICS_MAX_PACKET"     envDefault:"1432"`
}

// Sanitize disables emission without an address and clamps the batching knobs.
func (c *ObservabilityMetricsConfig) Sanitize() {
	c.StatsdAddress = strings.TrimSpace(c.StatsdAddress)
	if c.StatsdAddress == "" {
		c.Enabled = false
	}
	if c.Prefix = strings.Trim(strings.TrimSpace(c.Prefix), "."); c.Prefix == "" {
		c.Prefix = defaultMetricsPrefix
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.MaxPacketSize <= 0 || c.MaxPacketSize > maxMetricsPacketSize {
		c.MaxPacketSize = defaultMetricsPacketSize
	}
}

// IsEnabled returns true when metrics emission is active after sanitisation.
func (c *ObservabilityMetricsConfig) IsEnabled() bool {
	return c.Enabled && c.StatsdAddress != ""
}

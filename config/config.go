package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: job store backend, Postgres, SQLite and Redis configuration
//   - services.go: service mode, worker, queue and reaper configuration
//   - observability.go: metrics configuration
type AppConfig struct {
	// IsDev controls development mode behavior (text logs, debug level).
	// Set DEV=true or GO_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Job store configuration
	Store    StoreConfig
	Postgres DBConfig     `envPrefix:"DB_"`
	SQLite   SQLiteConfig `envPrefix:"SQLITE_"`
	Redis    RedisConfig  `envPrefix:"REDIS_"`

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"worker"`

	// Worker and transport configuration
	Worker WorkerConfig
	Queue  QueueConfig

	// Reaper configuration
	Reaper ReaperConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	c.Store.Sanitize()
	c.SQLite.Sanitize()
	c.Redis.Sanitize()
	c.Worker.Sanitize()
	c.Queue.Sanitize()
	c.Reaper.Sanitize()
	c.Observability.Sanitize()
	c.alignLeases()

	c.detectDevMode()
}

// alignLeases keeps a job from being taken over while its handler can still be
// running: the queue must not reclaim a message, and the reaper must not time out
// a running job, before the handler timeout has elapsed.
func (c *AppConfig) alignLeases() {
	if c.Worker.HandlerTimeout <= 0 {
		return
	}
	if floor := MinVisibilityTimeout(c.Worker.HandlerTimeout, c.Queue.BatchSize, c.Worker.Concurrency); c.Queue.VisibilityTimeout < floor {
		c.Queue.VisibilityTimeout = floor
	}
	if floor := c.Worker.HandlerTimeout + leaseMargin; c.Reaper.StaleRunningAfter > 0 && c.Reaper.StaleRunningAfter < floor {
		c.Reaper.StaleRunningAfter = floor
	}
}

// detectDevMode checks both DEV and GO_ENV environment variables.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		goEnv := strings.ToLower(os.Getenv("GO_ENV"))
		c.IsDev = goEnv == "development" || goEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsWorkerEnabled returns true if the worker service is enabled.
func (c *AppConfig) IsWorkerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeWorker]
}

// IsReaperEnabled returns true if the reaper service is enabled.
func (c *AppConfig) IsReaperEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeReaper]
}

// NeedsRedis reports whether any configured component talks to Redis.
func (c *AppConfig) NeedsRedis() bool {
	return c.Store.Backend == StoreBackendRedis || c.Queue.Backend.UsesRedis()
}

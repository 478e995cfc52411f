package config

import (
	"fmt"
	"strings"
)

// StoreBackend selects the job record store implementation.
type StoreBackend string

const (
	// StoreBackendPostgres stores jobs in PostgreSQL.
	StoreBackendPostgres StoreBackend = "postgres"
	// StoreBackendSQLite stores jobs in a SQLite file.
	StoreBackendSQLite StoreBackend = "sqlite"
	// StoreBackendRedis stores jobs as Redis hashes.
	StoreBackendRedis StoreBackend = "redis"
)

// UnmarshalText implements encoding.TextUnmarshaler for env parsing.
func (b *StoreBackend) UnmarshalText(text []byte) error {
	v := StoreBackend(strings.ToLower(strings.TrimSpace(string(text))))
	switch v {
	case StoreBackendPostgres, StoreBackendSQLite, StoreBackendRedis:
		*b = v
		return nil
	default:
		return fmt.Errorf("invalid store backend %q (valid options: postgres, sqlite, redis)", string(text))
	}
}

// StoreConfig controls where job records and run logs live.
type StoreConfig struct {
	Backend StoreBackend `env:"STORE_BACKEND" envDefault:"postgres"`

	// RedisKeyPrefix namespaces Redis keys when Backend is redis.
	RedisKeyPrefix string `env:"STORE_REDIS_KEY_PREFIX" envDefault:"orchestrator"`

	// RunLogMaxEntries caps the Redis run log list per job.
	RunLogMaxEntries int64 `env:"STORE_RUN_LOG_MAX_ENTRIES" envDefault:"500"`

	// RunMigrationsOnStart controls whether SQL migrations are applied during startup.
	RunMigrationsOnStart bool `env:"STORE_RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// Sanitize applies guardrails to store configuration values.
func (s *StoreConfig) Sanitize() {
	if s.Backend == "" {
		s.Backend = StoreBackendPostgres
	}
	if s.RedisKeyPrefix = strings.TrimSpace(s.RedisKeyPrefix); s.RedisKeyPrefix == "" {
		s.RedisKeyPrefix = "orchestrator"
	}
	if s.RunLogMaxEntries < 1 {
		s.RunLogMaxEntries = 500
	}
}

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"     envDefault:"localhost"`
	Port     int    `env:"PORT"     envDefault:"5432"`
	User     string `env:"USER"     envDefault:"orchestrator"`
	Password string `env:"PASSWORD" envDefault:"orchestrator"`
	Name     string `env:"NAME"     envDefault:"orchestrator"`
	SSLMode  string `env:"SSL_MODE" envDefault:"disable"` // Use 'disable' for local dev, 'require' for production

	MaxOpenConns int `env:"MAX_OPEN_CONNS" envDefault:"20"`
	MaxIdleConns int `env:"MAX_IDLE_CONNS" envDefault:"5"`
}

// DSN returns the key/value connection string understood by pgx.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// SQLiteConfig contains SQLite configuration.
type SQLiteConfig struct {
	// Path is the database file. ":memory:" keeps everything in process.
	Path string `env:"PATH" envDefault:"orchestrator.db"`
}

// Sanitize applies guardrails to SQLite configuration values.
func (c *SQLiteConfig) Sanitize() {
	if c.Path = strings.TrimSpace(c.Path); c.Path == "" {
		c.Path = "orchestrator.db"
	}
}

// RedisConfig contains Redis configuration.
type RedisConfig struct {
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	DB                 int      `env:"DB"                   envDefault:"0"`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	ClusterNodes       []string `env:"CLUSTER_NODES"        envDefault:""`
	UseCluster         bool     `env:"USE_CLUSTER"          envDefault:"false"`
}

// Sanitize applies guardrails to Redis configuration values.
func (c *RedisConfig) Sanitize() {
	c.URI = strings.TrimSpace(c.URI)
	if c.UseCluster && len(c.ClusterNodes) == 0 {
		c.UseCluster = false
	}
	if c.DB < 0 {
		c.DB = 0
	}
}

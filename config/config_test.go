package config

import (
	"reflect"
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    map[ServiceMode]bool
		expectError bool
	}{
		{
			name:     "single service - worker",
			input:    "worker",
			expected: map[ServiceMode]bool{ServiceModeWorker: true},
		},
		{
			name:     "single service - reaper",
			input:    "reaper",
			expected: map[ServiceMode]bool{ServiceModeReaper: true},
		},
		{
			name:  "services with spaces",
			input: " worker , reaper ",
			expected: map[ServiceMode]bool{
				ServiceModeWorker: true,
				ServiceModeReaper: true,
			},
		},
		{
			name:     "duplicate services",
			input:    "worker,worker",
			expected: map[ServiceMode]bool{ServiceModeWorker: true},
		},
		{
			name:        "empty string",
			input:       "",
			expectError: true,
		},
		{
			name:        "only commas",
			input:       ",,",
			expectError: true,
		},
		{
			name:        "invalid service",
			input:       "worker,http",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseServices(tt.input)

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			if !reflect.DeepEqual(result, tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestConfig_ServiceEnabledMethods(t *testing.T) {
	tests := []struct {
		name           string
		services       string
		expectedWorker bool
		expectedReaper bool
	}{
		{name: "worker only", services: "worker", expectedWorker: true},
		{name: "reaper only", services: "reaper", expectedReaper: true},
		{name: "both", services: "worker,reaper", expectedWorker: true, expectedReaper: true},
		{name: "invalid", services: "invalid-service"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := AppConfig{Services: tt.services}

			if cfg.IsWorkerEnabled() != tt.expectedWorker {
				t.Errorf("IsWorkerEnabled(): expected %v, got %v", tt.expectedWorker, cfg.IsWorkerEnabled())
			}
			if cfg.IsReaperEnabled() != tt.expectedReaper {
				t.Errorf("IsReaperEnabled(): expected %v, got %v", tt.expectedReaper, cfg.IsReaperEnabled())
			}
		})
	}
}

func TestValidServiceModes(t *testing.T) {
	modes := ValidServiceModes()
	expected := []ServiceMode{ServiceModeWorker, ServiceModeReaper}

	if !reflect.DeepEqual(modes, expected) {
		t.Errorf("expected %v, got %v", expected, modes)
	}
}

func TestAppConfig_ParseDefaults(t *testing.T) {
	var cfg AppConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg.Sanitize()

	if cfg.Store.Backend != StoreBackendPostgres {
		t.Errorf("expected postgres backend, got %q", cfg.Store.Backend)
	}
	if cfg.Queue.Backend != QueueBackendRedisStreams {
		t.Errorf("expected redis-streams queue, got %q", cfg.Queue.Backend)
	}
	if cfg.Queue.Consumer == "" {
		t.Error("expected consumer name to default to the host")
	}
	if cfg.Worker.ResumeAfter != 0 {
		t.Errorf("expected resume window to default to zero, got %v", cfg.Worker.ResumeAfter)
	}
	if cfg.Reaper.Interval != time.Minute {
		t.Errorf("expected 1m reaper interval, got %v", cfg.Reaper.Interval)
	}
	if floor := MinVisibilityTimeout(cfg.Worker.HandlerTimeout, cfg.Queue.BatchSize, cfg.Worker.Concurrency); cfg.Queue.VisibilityTimeout < floor {
		t.Errorf("default visibility %v is below the handler floor %v", cfg.Queue.VisibilityTimeout, floor)
	}
	if !cfg.IsWorkerEnabled() || cfg.IsReaperEnabled() {
		t.Errorf("expected only the worker to be enabled by default")
	}
	if !cfg.NeedsRedis() {
		t.Error("expected the default queue to need redis")
	}
}

func TestAppConfig_ParseEnv(t *testing.T) {
	environment := map[string]string{
		"SERVICES":                   "worker,reaper",
		"STORE_BACKEND":              "SQLite",
		"SQLITE_PATH":                "/tmp/jobs.db",
		"DB_HOST":                    "db.internal",
		"DB_PORT":                    "6543",
		"REDIS_URI":                  "redis:6379",
		"REDIS_CLUSTER_NODES":        "a:1,b:2",
		"REDIS_USE_CLUSTER":          "true",
		"QUEUE_BACKEND":              "asynq",
		"QUEUE_BATCH_SIZE":           "0",
		"WORKER_CONCURRENCY":         "8",
		"WORKER_RESUME_AFTER":        "2m",
		"REAPER_STALE_RUNNING_AFTER": "30m",
		"REAPER_BATCH_SIZE":          "50000",
		"LOG_LEVEL":                  " DEBUG ",
		"OBSERVABILITY_METRICS_TAGS": "env:prod,region:eu",
	}

	var cfg AppConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environment}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg.Sanitize()

	if cfg.Store.Backend != StoreBackendSQLite {
		t.Errorf("expected sqlite backend, got %q", cfg.Store.Backend)
	}
	if cfg.SQLite.Path != "/tmp/jobs.db" {
		t.Errorf("unexpected sqlite path %q", cfg.SQLite.Path)
	}
	if cfg.Postgres.Host != "db.internal" || cfg.Postgres.Port != 6543 {
		t.Errorf("unexpected postgres config %+v", cfg.Postgres)
	}
	if !cfg.Redis.UseCluster || !reflect.DeepEqual(cfg.Redis.ClusterNodes, []string{"a:1", "b:2"}) {
		t.Errorf("unexpected redis cluster config %+v", cfg.Redis)
	}
	if cfg.Queue.Backend != QueueBackendAsynq {
		t.Errorf("expected asynq queue, got %q", cfg.Queue.Backend)
	}
	if cfg.Queue.BatchSize != 1 {
		t.Errorf("expected batch size to be clamped to 1, got %d", cfg.Queue.BatchSize)
	}
	if cfg.Worker.Concurrency != 8 || cfg.Worker.ResumeAfter != 2*time.Minute {
		t.Errorf("unexpected worker config %+v", cfg.Worker)
	}
	if cfg.Reaper.StaleRunningAfter != 30*time.Minute || cfg.Reaper.BatchSize != 10000 {
		t.Errorf("unexpected reaper config %+v", cfg.Reaper)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log level to be normalised, got %q", cfg.LogLevel)
	}
	if want := map[string]string{"env": "prod", "region": "eu"}; !reflect.DeepEqual(cfg.Observability.Metrics.Tags, want) {
		t.Errorf("unexpected metrics tags %v", cfg.Observability.Metrics.Tags)
	}
}

func TestMinVisibilityTimeout(t *testing.T) {
	tests := []struct {
		name        string
		timeout     time.Duration
		batch, conc int
		want        time.Duration
	}{
		{"unbounded handler", 0, 10, 4, 0},
		{"three rounds", 15 * time.Minute, 10, 4, 46 * time.Minute},
		{"one round", 15 * time.Minute, 4, 4, 16 * time.Minute},
		{"zero concurrency is serial", time.Minute, 3, 0, 4 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MinVisibilityTimeout(tt.timeout, tt.batch, tt.conc); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestAppConfig_SanitizeKeepsLeasesAboveHandlerTimeout(t *testing.T) {
	environment := map[string]string{
		"WORKER_HANDLER_TIMEOUT":     "15m",
		"WORKER_CONCURRENCY":         "4",
		"QUEUE_BATCH_SIZE":           "10",
		"QUEUE_VISIBILITY_TIMEOUT":   "15m",
		"REAPER_STALE_RUNNING_AFTER": "5m",
	}
	var cfg AppConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environment}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg.Sanitize()

	if cfg.Queue.VisibilityTimeout != 46*time.Minute {
		t.Errorf("expected visibility raised to 46m, got %v", cfg.Queue.VisibilityTimeout)
	}
	if cfg.Reaper.StaleRunningAfter != 16*time.Minute {
		t.Errorf("expected stale running window raised to 16m, got %v", cfg.Reaper.StaleRunningAfter)
	}

	environment["WORKER_HANDLER_TIMEOUT"] = "0s"
	environment["REAPER_STALE_RUNNING_AFTER"] = "0s"
	cfg = AppConfig{}
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environment}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg.Sanitize()
	if cfg.Queue.VisibilityTimeout != 15*time.Minute {
		t.Errorf("expected visibility untouched without a handler timeout, got %v", cfg.Queue.VisibilityTimeout)
	}
	if cfg.Reaper.StaleRunningAfter != 0 {
		t.Errorf("expected disabled stale running step to stay disabled, got %v", cfg.Reaper.StaleRunningAfter)
	}
}

func TestAppConfig_ParseRejectsUnknownBackends(t *testing.T) {
	for _, environment := range []map[string]string{
		{"STORE_BACKEND": "dynamodb"},
		{"QUEUE_BACKEND": "sqs"},
	} {
		var cfg AppConfig
		if err := env.ParseWithOptions(&cfg, env.Options{Environment: environment}); err == nil {
			t.Errorf("expected parse error for %v", environment)
		}
	}
}

func TestReaperConfig_Sanitize(t *testing.T) {
	cfg := ReaperConfig{
		Interval:          time.Second,
		StaleRunningAfter: 5 * time.Second,
		StaleQueuedAfter:  -time.Second,
		BatchSize:         0,
	}
	cfg.Sanitize()

	if cfg.Interval != 10*time.Second {
		t.Errorf("expected interval floor, got %v", cfg.Interval)
	}
	if cfg.StaleRunningAfter != time.Minute {
		t.Errorf("expected stale running floor, got %v", cfg.StaleRunningAfter)
	}
	if cfg.StaleQueuedAfter != 0 {
		t.Errorf("expected negative stale queued age to disable the step, got %v", cfg.StaleQueuedAfter)
	}
	if cfg.BatchSize != 1 {
		t.Errorf("expected batch size floor, got %d", cfg.BatchSize)
	}
}

func TestDBConfig_DSN(t *testing.T) {
	cfg := DBConfig{Host: "h", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "require"}
	want := "host=h port=5432 user=u password=p dbname=n sslmode=require"
	if got := cfg.DSN(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestObservabilityMetricsConfig_Sanitize(t *testing.T) {
	cfg := ObservabilityMetricsConfig{
		Enabled:       true,
		StatsdAddress: " ",
	}

	cfg.Sanitize()

	if cfg.Enabled {
		t.Fatalf("expected enabled to be false when address is empty")
	}

	cfg = ObservabilityMetricsConfig{
		Enabled:       true,
		StatsdAddress: " statsd:1234 ",
		Prefix:        ".jobs.",
	}

	cfg.Sanitize()

	if !cfg.IsEnabled() {
		t.Fatalf("expected metrics to remain enabled")
	}
	if cfg.StatsdAddress != "statsd:1234" {
		t.Fatalf("expected address to be trimmed, got %q", cfg.StatsdAddress)
	}
	if cfg.Prefix != "jobs" {
		t.Fatalf("expected prefix to be trimmed, got %q", cfg.Prefix)
	}
	if cfg.FlushInterval != time.Second || cfg.MaxPacketSize != defaultMetricsPacketSize {
		t.Fatalf("expected batching defaults, got interval=%v packet=%d", cfg.FlushInterval, cfg.MaxPacketSize)
	}

	cfg.MaxPacketSize = maxMetricsPacketSize + 1
	cfg.Sanitize()
	if cfg.MaxPacketSize != defaultMetricsPacketSize {
		t.Fatalf("expected oversized packet to be clamped, got %d", cfg.MaxPacketSize)
	}
}

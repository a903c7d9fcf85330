// Package config provides configuration management for IncidentForge.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/incidentforge/internal/api/gateway"
	"github.com/lvonguyen/incidentforge/internal/enrichment"
	"github.com/lvonguyen/incidentforge/internal/observability"
	"github.com/lvonguyen/incidentforge/internal/orchestrator"
	"github.com/lvonguyen/incidentforge/internal/resilience"
	"github.com/lvonguyen/incidentforge/internal/routing"
	"github.com/lvonguyen/incidentforge/internal/stages"
	"github.com/lvonguyen/incidentforge/internal/store"
	"github.com/lvonguyen/incidentforge/internal/telemetry/correlation"
	"github.com/lvonguyen/incidentforge/internal/telemetry/ingestion"
	"github.com/lvonguyen/incidentforge/internal/telemetry/normalization"
)

// Config holds all IncidentForge configuration.
type Config struct {
	Server       ServerConfig            `yaml:"server"`
	Store        StoreConfig             `yaml:"store"`
	NATS         NATSConfig              `yaml:"nats"`
	Ingest       IngestConfig            `yaml:"ingest"`
	Correlation  correlation.Config      `yaml:"correlation"`
	Identity     IdentityConfig          `yaml:"identity"`
	Routing      routing.Config          `yaml:"routing"`
	Breaker      BreakerConfig           `yaml:"breaker"`
	Stages       stages.Config           `yaml:"stages"`
	Orchestrator orchestrator.Config     `yaml:"orchestrator"`
	Playbooks    PlaybooksConfig         `yaml:"playbooks"`
	RateLimit    gateway.RateLimitConfig `yaml:"rate_limit"`
	Logging      LoggingConfig           `yaml:"logging"`
	Telemetry    TelemetryConfig         `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects the durable state backend.
type StoreConfig struct {
	Backend string            `yaml:"backend"` // memory, redis
	Redis   store.RedisConfig `yaml:"redis"`
}

// NATSConfig holds the NATS connection used by stage workers and event
// intake. An empty URL disables NATS.
type NATSConfig struct {
	URL     string                     `yaml:"url"`
	Name    string                     `yaml:"name"`
	Timeout time.Duration              `yaml:"timeout"`
	Intake  ingestion.SubscriberConfig `yaml:"intake"`
}

// IngestConfig holds event intake settings.
type IngestConfig struct {
	Buffer     ingestion.BufferConfig         `yaml:"buffer"`
	Normalizer normalization.NormalizerConfig `yaml:"normalizer"`
	Collectors []ingestion.CollectorConfig    `yaml:"collectors"`
	HEC        HECConfig                      `yaml:"hec"`
}

// HECConfig holds settings for the HEC-compatible collector endpoint.
type HECConfig struct {
	Enabled      bool   `yaml:"enabled"`
	TokenEnv     string `yaml:"token_env"`
	MaxBatchSize int    `yaml:"max_batch_size"`
	MaxEventSize int    `yaml:"max_event_size"`
}

// IdentityConfig holds actor alias resolution settings.
type IdentityConfig struct {
	Aliases  [][]string                `yaml:"aliases"`
	Provider enrichment.ProviderConfig `yaml:"provider"`
}

// BreakerConfig holds circuit breaker thresholds with per-stage overrides.
type BreakerConfig struct {
	resilience.Config `yaml:",inline"`
	Stages            map[string]resilience.Config `yaml:"stages"`
}

// PlaybooksConfig holds playbook loading settings.
type PlaybooksConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// TelemetryConfig holds tracing and metrics settings.
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name"`
	Environment    string  `yaml:"environment"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// Load reads configuration from a YAML file and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Backend: "memory",
			Redis: store.RedisConfig{
				Addr:        "localhost:6379",
				PasswordEnv: "REDIS_PASSWORD",
				PoolSize:    10,
				KeyPrefix:   "incidentforge:",
				DialTimeout: 5 * time.Second,
				ScanCount:   200,
			},
		},
		NATS: NATSConfig{
			Name:    "incidentforge",
			Timeout: 5 * time.Second,
			Intake: ingestion.SubscriberConfig{
				Subject: "incidentforge.events",
				Queue:   "incidentforge-ingest",
			},
		},
		Ingest: IngestConfig{
			Buffer: ingestion.DefaultBufferConfig(),
			HEC: HECConfig{
				Enabled:      true,
				TokenEnv:     "HEC_TOKEN",
				MaxBatchSize: 1000,
				MaxEventSize: 1024 * 1024,
			},
		},
		Correlation: correlation.DefaultConfig(),
		Identity: IdentityConfig{
			Provider: enrichment.DefaultProviderConfig(),
		},
		Routing: routing.DefaultConfig(),
		Breaker: BreakerConfig{
			Config: resilience.DefaultConfig(),
		},
		Stages:       stages.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Playbooks: PlaybooksConfig{
			Dir:   "playbooks",
			Watch: true,
		},
		RateLimit: gateway.DefaultRateLimitConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "incidentforge",
			Environment:    "development",
			SamplingRate:   0.1,
			MetricsEnabled: true,
		},
	}
}

// Validate checks thresholds and durations. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	unit := func(name string, v float64) {
		check(v >= 0 && v <= 1, "%s must be within [0,1], got %v", name, v)
	}
	positive := func(name string, d time.Duration) {
		check(d > 0, "%s must be positive, got %s", name, d)
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d out of range", c.Server.Port)
	check(c.Store.Backend == "memory" || c.Store.Backend == "redis", "store.backend must be memory or redis, got %q", c.Store.Backend)
	if c.Store.Backend == "redis" {
		check(c.Store.Redis.Addr != "", "store.redis.addr is required")
	}

	check(c.Ingest.Buffer.HighWaterMark > 0, "ingest.buffer.high_water_mark must be positive")
	check(c.Ingest.Buffer.DedupSize > 0, "ingest.buffer.dedup_size must be positive")
	for i, col := range c.Ingest.Collectors {
		if col.Enabled {
			check(col.Name != "" && col.APIURL != "", "ingest.collectors[%d] needs name and api_url", i)
		}
	}

	cc := c.Correlation
	positive("correlation.window", cc.Window)
	unit("correlation.join_threshold", cc.JoinThreshold)
	check(cc.MaxRelatedEvents >= 1, "correlation.max_related_events must be at least 1")
	w := cc.Weights
	check(w.Temporal >= 0 && w.Spatial >= 0 && w.Causal >= 0 && w.Actor >= 0, "correlation.weights must be non-negative")
	check(w.Temporal+w.Spatial+w.Causal+w.Actor > 0, "correlation.weights must not all be zero")

	rc := c.Routing
	unit("routing.low_confidence_threshold", rc.LowConfidenceThreshold)
	unit("routing.escalation_threshold", rc.EscalationThreshold)
	unit("routing.auto_remediate_threshold", rc.AutoRemediateThreshold)
	positive("routing.batch_window", rc.BatchWindow)
	positive("routing.base_delay", rc.BaseDelay)
	check(rc.MaxDelay >= rc.BaseDelay, "routing.max_delay must not be below routing.base_delay")
	check(rc.MaxRetries >= 1, "routing.max_retries must be at least 1")

	check(c.Breaker.FailureThreshold >= 1, "breaker.failure_threshold must be at least 1")
	positive("breaker.recovery_timeout", c.Breaker.RecoveryTimeout)
	for stage, sc := range c.Breaker.Stages {
		check(sc.FailureThreshold >= 1, "breaker.stages.%s.failure_threshold must be at least 1", stage)
		positive("breaker.stages."+stage+".recovery_timeout", sc.RecoveryTimeout)
	}

	positive("stages.default_timeout", c.Stages.DefaultTimeout)
	for stage, ep := range c.Stages.Endpoints {
		check(ep.URL != "", "stages.endpoints.%s.url is required", stage)
		check(ep.Timeout >= 0, "stages.endpoints.%s.timeout must not be negative", stage)
	}

	positive("orchestrator.scan_interval", c.Orchestrator.ScanInterval)
	check(c.Orchestrator.Workers >= 1, "orchestrator.workers must be at least 1")
	unit("telemetry.sampling_rate", c.Telemetry.SamplingRate)
	if c.Telemetry.TracingEnabled {
		check(c.Telemetry.OTLPEndpoint != "", "telemetry.otlp_endpoint is required when tracing is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Observability returns the telemetry settings for the given build version.
func (c *Config) Observability(version string) observability.Config {
	return observability.Config{
		ServiceName:    c.Telemetry.ServiceName,
		ServiceVersion: version,
		Environment:    c.Telemetry.Environment,
		LogLevel:       c.Logging.Level,
		LogFormat:      c.Logging.Format,
		TracingEnabled: c.Telemetry.TracingEnabled,
		OTLPEndpoint:   c.Telemetry.OTLPEndpoint,
		SamplingRate:   c.Telemetry.SamplingRate,
		MetricsEnabled: c.Telemetry.MetricsEnabled,
	}
}

// Secret reads the value of the environment variable named by env.
func Secret(env string) string {
	if env == "" {
		return ""
	}
	return os.Getenv(env)
}

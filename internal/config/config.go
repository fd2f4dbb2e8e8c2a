// Package config provides hierarchical configuration loading for Switchboard.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the Switchboard service.
type Config struct {
	Server    Server    `yaml:"server"`
	Postgres  Postgres  `yaml:"postgres"`
	NATS      NATS      `yaml:"nats"`
	Logging   Logging   `yaml:"logging"`
	Breaker   Breaker   `yaml:"breaker"`
	Health    Health    `yaml:"health"`
	Delivery  Delivery  `yaml:"delivery"`
	Discovery Discovery `yaml:"discovery"`
	Push      Push      `yaml:"push"`
	Rate      Rate      `yaml:"rate"`
	OTEL      OTEL      `yaml:"otel"`
	MCP       MCP       `yaml:"mcp"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
	// PublicURL is the externally reachable base URL of this service. Push
	// callbacks are registered under it; empty disables push delivery.
	PublicURL string `yaml:"public_url"`
}

// Postgres holds PostgreSQL connection configuration.
// An empty DSN disables the transition event store.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// NATS holds NATS JetStream configuration.
// An empty URL disables event fan-out and the L2 card cache.
type NATS struct {
	URL        string `yaml:"url"`
	CardBucket string `yaml:"card_bucket"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Format  string `yaml:"format"` // "json" | "text" | "auto"
	Async   bool   `yaml:"async"`
}

// Breaker holds per-agent circuit breaker configuration.
type Breaker struct {
	Threshold   int           `yaml:"threshold"`    // consecutive failures before opening
	BaseBackoff time.Duration `yaml:"base_backoff"` // first open period
	MaxBackoff  time.Duration `yaml:"max_backoff"`  // cap for the doubled open period
}

// Health holds agent probing configuration.
type Health struct {
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	Path        string        `yaml:"path"`
	Concurrency int           `yaml:"concurrency"`
}

// Delivery holds task delivery configuration.
type Delivery struct {
	SyncTimeout   time.Duration `yaml:"sync_timeout"`
	StreamTimeout time.Duration `yaml:"stream_timeout"`
	PushTimeout   time.Duration `yaml:"push_timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInitial  time.Duration `yaml:"retry_initial"`
	RetryMax      time.Duration `yaml:"retry_max"`
	PollInterval  time.Duration `yaml:"poll_interval"` // tasks/get cadence after a non-terminal sync reply
	DefaultMode   string        `yaml:"default_mode"`  // "sync" | "stream" | "push"
	MaxInFlight   int           `yaml:"max_in_flight"`
}

// Discovery holds agent card discovery configuration.
type Discovery struct {
	WellKnownPath     string        `yaml:"well_known_path"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	L1MaxSizeMB       int64         `yaml:"l1_max_size_mb"`
	ProtocolVersions  []string      `yaml:"protocol_versions"`
	RewriteUnroutable bool          `yaml:"rewrite_unroutable"`
	ServiceHost       string        `yaml:"service_host"`
	Seeds             []string      `yaml:"seeds"`
	MaxCardBytes      int64         `yaml:"max_card_bytes"`
}

// Push holds push-notification callback configuration.
type Push struct {
	Secret          string `yaml:"secret"`
	TokenHeader     string `yaml:"token_header"`
	SignatureHeader string `yaml:"signature_header"`
}

// Rate holds the callback rate limiter configuration.
type Rate struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxIdleTime       time.Duration `yaml:"max_idle_time"`
}

// OTEL holds OpenTelemetry exporter configuration.
// An empty endpoint installs no-op providers.
type OTEL struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// MCP holds the Model Context Protocol tool server configuration.
type MCP struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"` // empty disables auth
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:       "8080",
			CORSOrigin: "http://localhost:3000",
		},
		Postgres: Postgres{
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
		},
		NATS: NATS{
			CardBucket: "AGENT_CARDS",
		},
		Logging: Logging{
			Level:   "info",
			Service: "switchboard",
			Format:  "json",
		},
		Breaker: Breaker{
			Threshold:   5,
			BaseBackoff: 30 * time.Second,
			MaxBackoff:  5 * time.Minute,
		},
		Health: Health{
			Interval:    15 * time.Second,
			Timeout:     5 * time.Second,
			Path:        "/health",
			Concurrency: 8,
		},
		Delivery: Delivery{
			SyncTimeout:   60 * time.Second,
			StreamTimeout: 10 * time.Minute,
			PushTimeout:   15 * time.Second,
			RetryAttempts: 3,
			RetryInitial:  200 * time.Millisecond,
			RetryMax:      2 * time.Second,
			PollInterval:  time.Second,
			DefaultMode:   "sync",
			MaxInFlight:   64,
		},
		Discovery: Discovery{
			WellKnownPath:     "/.well-known/agent.json",
			FetchTimeout:      10 * time.Second,
			CacheTTL:          5 * time.Minute,
			L1MaxSizeMB:       16,
			ProtocolVersions:  []string{"0.1", "0.2", "0.3"},
			RewriteUnroutable: true,
			MaxCardBytes:      1 << 20,
		},
		Push: Push{
			TokenHeader:     "X-A2A-Notification-Token",
			SignatureHeader: "X-A2A-Signature",
		},
		Rate: Rate{
			RequestsPerSecond: 20,
			Burst:             50,
			MaxIdleTime:       10 * time.Minute,
		},
		OTEL: OTEL{
			Insecure:    true,
			SampleRatio: 1,
		},
		MCP: MCP{
			Enabled: true,
		},
	}
}

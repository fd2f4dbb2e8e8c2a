package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "switchboard.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if p := os.Getenv("SWITCHBOARD_CONFIG"); p != "" {
		path = p
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is operator supplied
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "SWITCHBOARD_PORT")
	setString(&cfg.Server.CORSOrigin, "SWITCHBOARD_CORS_ORIGIN")
	setString(&cfg.Server.PublicURL, "SWITCHBOARD_PUBLIC_URL")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "SWITCHBOARD_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "SWITCHBOARD_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "SWITCHBOARD_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "SWITCHBOARD_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "SWITCHBOARD_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.CardBucket, "SWITCHBOARD_NATS_CARD_BUCKET")

	setString(&cfg.Logging.Level, "SWITCHBOARD_LOG_LEVEL")
	setString(&cfg.Logging.Service, "SWITCHBOARD_LOG_SERVICE")
	setString(&cfg.Logging.Format, "SWITCHBOARD_LOG_FORMAT")
	setBool(&cfg.Logging.Async, "SWITCHBOARD_LOG_ASYNC")

	setInt(&cfg.Breaker.Threshold, "SWITCHBOARD_BREAKER_THRESHOLD")
	setDuration(&cfg.Breaker.BaseBackoff, "SWITCHBOARD_BREAKER_BASE_BACKOFF")
	setDuration(&cfg.Breaker.MaxBackoff, "SWITCHBOARD_BREAKER_MAX_BACKOFF")

	setDuration(&cfg.Health.Interval, "SWITCHBOARD_HEALTH_INTERVAL")
	setDuration(&cfg.Health.Timeout, "SWITCHBOARD_HEALTH_TIMEOUT")
	setString(&cfg.Health.Path, "SWITCHBOARD_HEALTH_PATH")
	setInt(&cfg.Health.Concurrency, "SWITCHBOARD_HEALTH_CONCURRENCY")

	// Delivery
	setDuration(&cfg.Delivery.SyncTimeout, "SWITCHBOARD_SYNC_TIMEOUT")
	setDuration(&cfg.Delivery.StreamTimeout, "SWITCHBOARD_STREAM_TIMEOUT")
	setDuration(&cfg.Delivery.PushTimeout, "SWITCHBOARD_PUSH_TIMEOUT")
	setInt(&cfg.Delivery.RetryAttempts, "SWITCHBOARD_RETRY_ATTEMPTS")
	setDuration(&cfg.Delivery.RetryInitial, "SWITCHBOARD_RETRY_INITIAL")
	setDuration(&cfg.Delivery.RetryMax, "SWITCHBOARD_RETRY_MAX")
	setDuration(&cfg.Delivery.PollInterval, "SWITCHBOARD_POLL_INTERVAL")
	setString(&cfg.Delivery.DefaultMode, "SWITCHBOARD_DEFAULT_MODE")
	setInt(&cfg.Delivery.MaxInFlight, "SWITCHBOARD_MAX_IN_FLIGHT")

	// Discovery
	setString(&cfg.Discovery.WellKnownPath, "SWITCHBOARD_WELL_KNOWN_PATH")
	setDuration(&cfg.Discovery.FetchTimeout, "SWITCHBOARD_DISCOVERY_TIMEOUT")
	setDuration(&cfg.Discovery.CacheTTL, "SWITCHBOARD_CARD_CACHE_TTL")
	setInt64(&cfg.Discovery.L1MaxSizeMB, "SWITCHBOARD_CARD_CACHE_L1_SIZE_MB")
	setStrings(&cfg.Discovery.ProtocolVersions, "SWITCHBOARD_PROTOCOL_VERSIONS")
	setBool(&cfg.Discovery.RewriteUnroutable, "SWITCHBOARD_REWRITE_UNROUTABLE")
	setString(&cfg.Discovery.ServiceHost, "A2A_SERVICE_HOST")
	setStrings(&cfg.Discovery.Seeds, "SWITCHBOARD_AGENT_SEEDS")
	setInt64(&cfg.Discovery.MaxCardBytes, "SWITCHBOARD_MAX_CARD_BYTES")

	// Push callbacks
	setString(&cfg.Push.Secret, "SWITCHBOARD_PUSH_SECRET")
	setString(&cfg.Push.TokenHeader, "SWITCHBOARD_PUSH_TOKEN_HEADER")
	setString(&cfg.Push.SignatureHeader, "SWITCHBOARD_PUSH_SIGNATURE_HEADER")

	setFloat64(&cfg.Rate.RequestsPerSecond, "SWITCHBOARD_RATE_RPS")
	setInt(&cfg.Rate.Burst, "SWITCHBOARD_RATE_BURST")
	setDuration(&cfg.Rate.MaxIdleTime, "SWITCHBOARD_RATE_MAX_IDLE_TIME")

	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.OTEL.Insecure, "SWITCHBOARD_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRatio, "SWITCHBOARD_OTEL_SAMPLE_RATIO")

	setBool(&cfg.MCP.Enabled, "SWITCHBOARD_MCP_ENABLED")
	setString(&cfg.MCP.APIKey, "SWITCHBOARD_MCP_API_KEY")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN != "" && cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.Threshold < 1 {
		return errors.New("breaker.threshold must be >= 1")
	}
	if cfg.Breaker.BaseBackoff <= 0 {
		return errors.New("breaker.base_backoff must be > 0")
	}
	if cfg.Breaker.MaxBackoff < cfg.Breaker.BaseBackoff {
		return errors.New("breaker.max_backoff must be >= breaker.base_backoff")
	}
	if cfg.Health.Interval <= 0 {
		return errors.New("health.interval must be > 0")
	}
	if cfg.Delivery.SyncTimeout <= 0 {
		return errors.New("delivery.sync_timeout must be > 0")
	}
	if cfg.Delivery.RetryAttempts < 1 {
		return errors.New("delivery.retry_attempts must be >= 1")
	}
	switch cfg.Delivery.DefaultMode {
	case "sync", "stream", "push":
	default:
		return fmt.Errorf("delivery.default_mode %q is invalid", cfg.Delivery.DefaultMode)
	}
	if !strings.HasPrefix(cfg.Discovery.WellKnownPath, "/") {
		return errors.New("discovery.well_known_path must start with /")
	}
	if cfg.Server.PublicURL != "" && cfg.Push.Secret == "" {
		return errors.New("push.secret is required when server.public_url is set")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setStrings splits a comma-separated env value into dst.
func setStrings(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

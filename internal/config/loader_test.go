package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Breaker.Threshold != 5 {
		t.Errorf("expected breaker threshold 5, got %d", cfg.Breaker.Threshold)
	}
	if cfg.Breaker.BaseBackoff != 30*time.Second {
		t.Errorf("expected base backoff 30s, got %v", cfg.Breaker.BaseBackoff)
	}
	if cfg.Discovery.WellKnownPath != "/.well-known/agent.json" {
		t.Errorf("expected well-known path, got %s", cfg.Discovery.WellKnownPath)
	}
	if err := validate(&cfg); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
breaker:
  threshold: 3
  base_backoff: 10s
discovery:
  seeds:
    - http://agent-a:10000
    - http://agent-b:10001
logging:
  level: "debug"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Breaker.Threshold != 3 {
		t.Errorf("expected threshold 3, got %d", cfg.Breaker.Threshold)
	}
	if cfg.Breaker.BaseBackoff != 10*time.Second {
		t.Errorf("expected base backoff 10s, got %v", cfg.Breaker.BaseBackoff)
	}
	if len(cfg.Discovery.Seeds) != 2 || cfg.Discovery.Seeds[1] != "http://agent-b:10001" {
		t.Errorf("unexpected seeds %v", cfg.Discovery.Seeds)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	// Unchanged fields keep defaults
	if cfg.Breaker.MaxBackoff != 5*time.Minute {
		t.Errorf("expected default max backoff, got %v", cfg.Breaker.MaxBackoff)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	err := loadYAML(&cfg, "/nonexistent/path.yaml")
	if err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("SWITCHBOARD_PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/test")
	t.Setenv("SWITCHBOARD_BREAKER_MAX_BACKOFF", "1m")
	t.Setenv("SWITCHBOARD_AGENT_SEEDS", "http://a:1, http://b:2,")
	t.Setenv("A2A_SERVICE_HOST", "switchboard.internal")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.DSN != "postgres://test:test@db:5432/test" {
		t.Errorf("expected test DSN, got %s", cfg.Postgres.DSN)
	}
	if cfg.Breaker.MaxBackoff != time.Minute {
		t.Errorf("expected max backoff 1m, got %v", cfg.Breaker.MaxBackoff)
	}
	if len(cfg.Discovery.Seeds) != 2 || cfg.Discovery.Seeds[0] != "http://a:1" || cfg.Discovery.Seeds[1] != "http://b:2" {
		t.Errorf("unexpected seeds %v", cfg.Discovery.Seeds)
	}
	if cfg.Discovery.ServiceHost != "switchboard.internal" {
		t.Errorf("expected service host override, got %s", cfg.Discovery.ServiceHost)
	}
}

func TestLoadFromHierarchy(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(yamlPath, []byte(`
server:
  port: "9090"
delivery:
  default_mode: stream
`), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SWITCHBOARD_PORT", "7070")

	cfg, err := LoadFrom(yamlPath)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("env should win over yaml, got port %s", cfg.Server.Port)
	}
	if cfg.Delivery.DefaultMode != "stream" {
		t.Errorf("expected yaml default_mode stream, got %s", cfg.Delivery.DefaultMode)
	}
}

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{
			name:   "empty port",
			modify: func(c *Config) { c.Server.Port = "" },
			errMsg: "server.port is required",
		},
		{
			name: "zero max_conns with dsn",
			modify: func(c *Config) {
				c.Postgres.DSN = "postgres://localhost/x"
				c.Postgres.MaxConns = 0
			},
			errMsg: "postgres.max_conns must be >= 1",
		},
		{
			name:   "zero breaker threshold",
			modify: func(c *Config) { c.Breaker.Threshold = 0 },
			errMsg: "breaker.threshold must be >= 1",
		},
		{
			name:   "max backoff below base",
			modify: func(c *Config) { c.Breaker.MaxBackoff = time.Second },
			errMsg: "breaker.max_backoff must be >= breaker.base_backoff",
		},
		{
			name:   "unknown default mode",
			modify: func(c *Config) { c.Delivery.DefaultMode = "carrier-pigeon" },
			errMsg: `delivery.default_mode "carrier-pigeon" is invalid`,
		},
		{
			name:   "public url without push secret",
			modify: func(c *Config) { c.Server.PublicURL = "https://switchboard.example.com" },
			errMsg: "push.secret is required when server.public_url is set",
		},
		{
			name:   "relative well-known path",
			modify: func(c *Config) { c.Discovery.WellKnownPath = "agent.json" },
			errMsg: "discovery.well_known_path must start with /",
		},
		{
			name:   "zero rate burst",
			modify: func(c *Config) { c.Rate.Burst = 0 },
			errMsg: "rate.burst must be >= 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := validate(&cfg)
			if err == nil {
				t.Fatalf("expected error %q, got nil", tt.errMsg)
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

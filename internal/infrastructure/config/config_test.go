package config

import (
	"os"
	"path/filepath"
	"testing"
)

const testJWTSecret = "test-secret-key-at-least-32-chars!"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
gateway:
  id: "gw-test"
ingest:
  mqtt:
    brokers: ["broker-a:1883", "broker-b:1883"]
    topic_root: "smartsensor"
    qos: 1
  http:
    bind: "127.0.0.1:9090"
pipeline:
  shards: 32
database:
  path: "/tmp/test.db"
security:
  http_auth:
    jwt_secret: "test-secret-key-at-least-32-chars!"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Gateway.ID != "gw-test" {
		t.Errorf("Gateway.ID = %q, want %q", cfg.Gateway.ID, "gw-test")
	}
	if len(cfg.Ingest.MQTT.Brokers) != 2 {
		t.Errorf("MQTT.Brokers = %v, want 2 endpoints", cfg.Ingest.MQTT.Brokers)
	}
	if cfg.Ingest.HTTP.Bind != "127.0.0.1:9090" {
		t.Errorf("HTTP.Bind = %q, want %q", cfg.Ingest.HTTP.Bind, "127.0.0.1:9090")
	}
	if cfg.Pipeline.Shards != 32 {
		t.Errorf("Pipeline.Shards = %d, want 32", cfg.Pipeline.Shards)
	}

	// Defaults survive partial files.
	if cfg.Durable.WABCapacity != 1_000_000 {
		t.Errorf("Durable.WABCapacity = %d, want default 1000000", cfg.Durable.WABCapacity)
	}
	if cfg.Subscribers.OutboxCapacity != 1024 {
		t.Errorf("Subscribers.OutboxCapacity = %d, want default 1024", cfg.Subscribers.OutboxCapacity)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.Security.HTTPAuth.JWTSecret = testJWTSecret
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid defaults",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "missing gateway id",
			mutate:  func(c *Config) { c.Gateway.ID = "" },
			wantErr: true,
		},
		{
			name:    "no brokers",
			mutate:  func(c *Config) { c.Ingest.MQTT.Brokers = nil },
			wantErr: true,
		},
		{
			name:    "invalid qos",
			mutate:  func(c *Config) { c.Ingest.MQTT.QoS = 3 },
			wantErr: true,
		},
		{
			name:    "shards not power of two",
			mutate:  func(c *Config) { c.Pipeline.Shards = 48 },
			wantErr: true,
		},
		{
			name:    "bad drop policy",
			mutate:  func(c *Config) { c.Subscribers.DropPolicy = "block" },
			wantErr: true,
		},
		{
			name:    "bad unknown device policy",
			mutate:  func(c *Config) { c.Registry.UnknownDevicePolicy = "allow" },
			wantErr: true,
		},
		{
			name:    "short jwt secret",
			mutate:  func(c *Config) { c.Security.HTTPAuth.JWTSecret = "short" },
			wantErr: true,
		},
		{
			name: "no auth at all",
			mutate: func(c *Config) {
				c.Security.HTTPAuth.JWTSecret = ""
				c.Security.HTTPAuth.StaticTokens = nil
			},
			wantErr: true,
		},
		{
			name: "static tokens only is fine",
			mutate: func(c *Config) {
				c.Security.HTTPAuth.JWTSecret = ""
				c.Security.HTTPAuth.StaticTokens = map[string]string{"tok": "ci"}
			},
			wantErr: false,
		},
		{
			name:    "influx adapter requires influx enabled",
			mutate:  func(c *Config) { c.Durable.Adapter = "influx" },
			wantErr: true,
		},
		{
			name: "backoff bounds inverted",
			mutate: func(c *Config) {
				c.Durable.RetryBackoffMinMS = 5000
				c.Durable.RetryBackoffMaxMS = 100
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	content := `
database:
  path: "/tmp/from-file.db"
security:
  http_auth:
    jwt_secret: "test-secret-key-at-least-32-chars!"
`
	t.Setenv("SENSORGW_DATABASE_PATH", "/tmp/from-env.db")
	t.Setenv("SENSORGW_MQTT_BROKERS", "b1:1883,b2:1883")

	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/from-env.db" {
		t.Errorf("Database.Path = %q, want env override", cfg.Database.Path)
	}
	if len(cfg.Ingest.MQTT.Brokers) != 2 || cfg.Ingest.MQTT.Brokers[1] != "b2:1883" {
		t.Errorf("MQTT.Brokers = %v, want env override list", cfg.Ingest.MQTT.Brokers)
	}
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the sensor gateway.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Gateway     GatewayConfig     `yaml:"gateway"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Durable     DurableConfig     `yaml:"durable"`
	Subscribers SubscribersConfig `yaml:"subscribers"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Registry    RegistryConfig    `yaml:"registry"`
	Database    DatabaseConfig    `yaml:"database"`
	Security    SecurityConfig    `yaml:"security"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// GatewayConfig contains gateway instance identity settings.
type GatewayConfig struct {
	ID       string `yaml:"id"`
	Timezone string `yaml:"timezone"`
}

// IngestConfig contains the inbound frame sources: MQTT and HTTP.
type IngestConfig struct {
	MQTT MQTTConfig       `yaml:"mqtt"`
	HTTP HTTPIngestConfig `yaml:"http"`
	Rate RateLimitConfig  `yaml:"rate"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	// Brokers lists broker endpoints (host:port) in failover order.
	Brokers []string `yaml:"brokers"`

	// TopicRoot is the prefix for the device data topic pattern.
	// Subscription pattern: <TopicRoot>/devices/+/data
	TopicRoot string `yaml:"topic_root"`

	ClientID string         `yaml:"client_id"`
	TLS      bool           `yaml:"tls"`
	Auth     MQTTAuthConfig `yaml:"auth"`

	// QoS is the subscription quality of service (0, 1, or 2). Default 1.
	// The gateway acknowledges at-least-once: an inbound message is only
	// acked once the pipeline has accepted it.
	QoS int `yaml:"qos"`

	// KeepAlive is the MQTT keepalive interval in seconds.
	KeepAlive int `yaml:"keep_alive"`

	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// Workers is the number of decode workers draining inbound messages.
	Workers int `yaml:"workers"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// HTTPIngestConfig contains the HTTP listener settings.
type HTTPIngestConfig struct {
	Bind     string           `yaml:"bind"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`

	// MaxBatchBytes limits the size of a POST /v1/ingest body.
	MaxBatchBytes int `yaml:"max_batch_bytes"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// RateLimitConfig contains ingest admission control settings.
type RateLimitConfig struct {
	// DeviceRate is the sustained frames/second allowed per device.
	DeviceRate float64 `yaml:"device_rate"`

	// DeviceBurst is the token bucket depth per device.
	DeviceBurst int `yaml:"device_burst"`

	// SourceRate / SourceBurst guard per-source-IP against spoofed identities.
	SourceRate  float64 `yaml:"source_rate"`
	SourceBurst int     `yaml:"source_burst"`
}

// PipelineConfig contains the sharded processing lane settings.
type PipelineConfig struct {
	// Shards is the lane count. Must be a power of two. Default 64.
	Shards int `yaml:"shards"`

	// DeviceQueue is the per-shard queue depth.
	DeviceQueue int `yaml:"device_queue"`

	// SessionIdle is the idle period (seconds) after which a device
	// session is destroyed.
	SessionIdle int `yaml:"session_idle"`
}

// DurableConfig contains the write-ahead buffer and flush settings.
type DurableConfig struct {
	// Adapter selects the durable store: "influx", "sqlite", "noop",
	// or "composite" (all enabled adapters).
	Adapter string `yaml:"adapter"`

	// WABCapacity is the write-ahead buffer size in readings.
	WABCapacity int `yaml:"wab_capacity"`

	// BatchSize / BatchAgeMS are the flush triggers.
	BatchSize  int `yaml:"batch_size"`
	BatchAgeMS int `yaml:"batch_age_ms"`

	// RetryBackoffMinMS / RetryBackoffMaxMS bound the write retry backoff.
	RetryBackoffMinMS int `yaml:"retry_backoff_min_ms"`
	RetryBackoffMaxMS int `yaml:"retry_backoff_max_ms"`

	Influx InfluxConfig `yaml:"influx"`
}

// InfluxConfig contains InfluxDB connection settings for the durable sink.
type InfluxConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// SubscribersConfig contains WebSocket subscriber hub settings.
type SubscribersConfig struct {
	// OutboxCapacity is the per-subscriber bounded queue depth.
	OutboxCapacity int `yaml:"outbox_capacity"`

	// DropPolicy is "slow_drop" or "disconnect".
	DropPolicy string `yaml:"drop_policy"`

	// HeartbeatInterval is the ping cadence in seconds.
	HeartbeatInterval int `yaml:"heartbeat_interval"`

	// PongTimeout is how long to wait for a pong before closing (seconds).
	PongTimeout int `yaml:"pong_timeout"`

	// MaxMessageSize bounds inbound client control messages.
	MaxMessageSize int `yaml:"max_message_size"`
}

// AlertsConfig contains alert engine settings.
type AlertsConfig struct {
	// RulesPath is the YAML rule set location.
	RulesPath string `yaml:"rules_path"`

	// HoldDownDefault is the default resolution hysteresis in seconds.
	HoldDownDefault int `yaml:"hold_down_default"`

	// MaxReminderInterval re-emits a still-firing alert after this many
	// seconds. 0 disables reminders.
	MaxReminderInterval int `yaml:"max_reminder_interval"`

	// DedupWindow is the window (seconds) within which a reopened alert
	// reuses the previous alert_id.
	DedupWindow int `yaml:"dedup_window"`

	// WebhookURL is the default alert sink endpoint. Empty uses the log sink.
	WebhookURL string `yaml:"webhook_url"`

	// MQTTTopic republishes alert transitions to this broker topic.
	// Empty disables the MQTT sink.
	MQTTTopic string `yaml:"mqtt_topic"`
}

// RegistryConfig contains device registry settings.
type RegistryConfig struct {
	// UnknownDevicePolicy is "reject", "auto_provision", or "quarantine".
	UnknownDevicePolicy string `yaml:"unknown_device_policy"`

	// IdleEviction is the TTL (seconds) after which an idle device is
	// evicted. 0 disables eviction.
	IdleEviction int `yaml:"idle_eviction"`

	// HealthWindow is the number of recent frames used for the health score.
	HealthWindow int `yaml:"health_window"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// SecurityConfig contains HTTP authentication settings.
type SecurityConfig struct {
	HTTPAuth HTTPAuthConfig `yaml:"http_auth"`
}

// HTTPAuthConfig contains bearer token settings.
type HTTPAuthConfig struct {
	// JWTSecret signs and validates HS256 bearer tokens.
	JWTSecret string `yaml:"jwt_secret"`

	// StaticTokens maps opaque bearer tokens to principal names,
	// intended for device provisioning and CI.
	StaticTokens map[string]string `yaml:"static_tokens"`
}

// ShutdownConfig contains graceful drain settings.
type ShutdownConfig struct {
	// DrainDeadline is the maximum time (seconds) to flush the
	// write-ahead buffer on shutdown.
	DrainDeadline int `yaml:"drain_deadline"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: SENSORGW_SECTION_KEY
// For example: SENSORGW_DATABASE_PATH, SENSORGW_MQTT_BROKERS
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ID:       "sensorgw-01",
			Timezone: "UTC",
		},
		Ingest: IngestConfig{
			MQTT: MQTTConfig{
				Brokers:   []string{"localhost:1883"},
				TopicRoot: "smartsensor",
				ClientID:  "sensorgw",
				QoS:       1,
				KeepAlive: 30,
				Reconnect: MQTTReconnectConfig{
					InitialDelay: 1,
					MaxDelay:     60,
				},
				Workers: 4,
			},
			HTTP: HTTPIngestConfig{
				Bind: "0.0.0.0:8080",
				Timeouts: APITimeoutConfig{
					Read:  30,
					Write: 30,
					Idle:  60,
				},
				MaxBatchBytes: 1 << 20,
			},
			Rate: RateLimitConfig{
				DeviceRate:  10,
				DeviceBurst: 50,
				SourceRate:  500,
				SourceBurst: 1000,
			},
		},
		Pipeline: PipelineConfig{
			Shards:      64,
			DeviceQueue: 256,
			SessionIdle: 900,
		},
		Durable: DurableConfig{
			Adapter:           "sqlite",
			WABCapacity:       1_000_000,
			BatchSize:         1000,
			BatchAgeMS:        500,
			RetryBackoffMinMS: 100,
			RetryBackoffMaxMS: 30_000,
		},
		Subscribers: SubscribersConfig{
			OutboxCapacity:    1024,
			DropPolicy:        "slow_drop",
			HeartbeatInterval: 15,
			PongTimeout:       30,
			MaxMessageSize:    8192,
		},
		Alerts: AlertsConfig{
			RulesPath:       "configs/rules.yaml",
			HoldDownDefault: 60,
			DedupWindow:     300,
		},
		Registry: RegistryConfig{
			UnknownDevicePolicy: "quarantine",
			IdleEviction:        0,
			HealthWindow:        32,
		},
		Database: DatabaseConfig{
			Path:        "./data/sensorgw.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Shutdown: ShutdownConfig{
			DrainDeadline: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: SENSORGW_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SENSORGW_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("SENSORGW_MQTT_BROKERS"); v != "" {
		cfg.Ingest.MQTT.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SENSORGW_MQTT_USERNAME"); v != "" {
		cfg.Ingest.MQTT.Auth.Username = v
	}
	if v := os.Getenv("SENSORGW_MQTT_PASSWORD"); v != "" {
		cfg.Ingest.MQTT.Auth.Password = v
	}

	if v := os.Getenv("SENSORGW_HTTP_BIND"); v != "" {
		cfg.Ingest.HTTP.Bind = v
	}

	if v := os.Getenv("SENSORGW_INFLUX_TOKEN"); v != "" {
		cfg.Durable.Influx.Token = v
	}

	// Always override the JWT secret in production.
	if v := os.Getenv("SENSORGW_JWT_SECRET"); v != "" {
		cfg.Security.HTTPAuth.JWTSecret = v
	}
}

// minJWTSecretLength is the minimum accepted JWT secret length.
const minJWTSecretLength = 32

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Gateway.ID == "" {
		errs = append(errs, "gateway.id is required")
	}

	if len(c.Ingest.MQTT.Brokers) == 0 {
		errs = append(errs, "ingest.mqtt.brokers must list at least one endpoint")
	}
	if c.Ingest.MQTT.QoS < 0 || c.Ingest.MQTT.QoS > 2 {
		errs = append(errs, "ingest.mqtt.qos must be 0, 1, or 2")
	}
	if c.Ingest.HTTP.Bind == "" {
		errs = append(errs, "ingest.http.bind is required")
	}

	if c.Pipeline.Shards <= 0 || c.Pipeline.Shards&(c.Pipeline.Shards-1) != 0 {
		errs = append(errs, "pipeline.shards must be a power of two")
	}
	if c.Pipeline.DeviceQueue <= 0 {
		errs = append(errs, "pipeline.device_queue must be positive")
	}

	if c.Durable.WABCapacity <= 0 {
		errs = append(errs, "durable.wab_capacity must be positive")
	}
	if c.Durable.BatchSize <= 0 {
		errs = append(errs, "durable.batch_size must be positive")
	}
	if c.Durable.RetryBackoffMinMS <= 0 || c.Durable.RetryBackoffMaxMS < c.Durable.RetryBackoffMinMS {
		errs = append(errs, "durable.retry_backoff bounds must satisfy 0 < min <= max")
	}
	switch c.Durable.Adapter {
	case "influx", "sqlite", "noop", "composite":
	default:
		errs = append(errs, "durable.adapter must be influx, sqlite, noop, or composite")
	}
	if (c.Durable.Adapter == "influx" || c.Durable.Adapter == "composite") && !c.Durable.Influx.Enabled {
		errs = append(errs, "durable.influx.enabled must be true for the influx adapter")
	}

	switch c.Subscribers.DropPolicy {
	case "slow_drop", "disconnect":
	default:
		errs = append(errs, "subscribers.drop_policy must be slow_drop or disconnect")
	}
	if c.Subscribers.OutboxCapacity <= 0 {
		errs = append(errs, "subscribers.outbox_capacity must be positive")
	}

	switch c.Registry.UnknownDevicePolicy {
	case "reject", "auto_provision", "quarantine":
	default:
		errs = append(errs, "registry.unknown_device_policy must be reject, auto_provision, or quarantine")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// Bearer auth is mandatory: an unauthenticated gateway would accept
	// forged telemetry from any source.
	if c.Security.HTTPAuth.JWTSecret == "" && len(c.Security.HTTPAuth.StaticTokens) == 0 {
		errs = append(errs, "security.http_auth requires a jwt_secret or static_tokens (set SENSORGW_JWT_SECRET)")
	} else if c.Security.HTTPAuth.JWTSecret != "" && len(c.Security.HTTPAuth.JWTSecret) < minJWTSecretLength {
		errs = append(errs, "security.http_auth.jwt_secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// MaxClockSkew is the widest device/server timestamp divergence accepted
// by the codec. Frames outside this window are rejected as invalid.
const MaxClockSkew = 24 * time.Hour

// GetReadTimeout returns the HTTP read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.Ingest.HTTP.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the HTTP write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.Ingest.HTTP.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the HTTP idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.Ingest.HTTP.Timeouts.Idle) * time.Second
}

// GetDrainDeadline returns the shutdown drain deadline as a Duration.
func (c *Config) GetDrainDeadline() time.Duration {
	return time.Duration(c.Shutdown.DrainDeadline) * time.Second
}

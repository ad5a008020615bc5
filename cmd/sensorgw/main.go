// SmartSensor Gateway
//
// This is the main entry point for the sensor ingestion and dispatch
// gateway. It terminates device telemetry from MQTT and HTTP, validates
// and normalizes frames, persists readings through a write-ahead buffer,
// streams live data to WebSocket subscribers, and evaluates alert rules.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/smartsensor/sensor-gateway/migrations"

	"github.com/smartsensor/sensor-gateway/internal/alert"
	"github.com/smartsensor/sensor-gateway/internal/api"
	"github.com/smartsensor/sensor-gateway/internal/auth"
	"github.com/smartsensor/sensor-gateway/internal/codec"
	"github.com/smartsensor/sensor-gateway/internal/hub"
	"github.com/smartsensor/sensor-gateway/internal/infrastructure/config"
	"github.com/smartsensor/sensor-gateway/internal/infrastructure/database"
	"github.com/smartsensor/sensor-gateway/internal/infrastructure/logging"
	"github.com/smartsensor/sensor-gateway/internal/infrastructure/mqtt"
	"github.com/smartsensor/sensor-gateway/internal/ingest"
	"github.com/smartsensor/sensor-gateway/internal/metrics"
	"github.com/smartsensor/sensor-gateway/internal/pipeline"
	"github.com/smartsensor/sensor-gateway/internal/registry"
	"github.com/smartsensor/sensor-gateway/internal/sink"
	"github.com/smartsensor/sensor-gateway/internal/supervisor"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// mqttDisconnectedRule is the rule id of the broker-session self-alert.
const mqttDisconnectedRule = "gateway_mqtt_disconnected"

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) so the drain runs.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting SmartSensor gateway",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

	m := metrics.New()

	// Open database and run migrations
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	// Device registry, warmed from the persisted state
	reg := registry.New(registry.Options{
		Policy:       registry.UnknownDevicePolicy(cfg.Registry.UnknownDevicePolicy),
		WindowSize:   cfg.Registry.HealthWindow,
		IdleEviction: time.Duration(cfg.Registry.IdleEviction) * time.Second,
		Repo:         registry.NewSQLiteRepository(db.DB),
	})
	reg.SetLogger(log)
	if loadErr := reg.Load(ctx); loadErr != nil {
		return fmt.Errorf("loading device registry: %w", loadErr)
	}
	log.Info("device registry loaded", "devices", reg.Stats().Total)

	// Durable sink: adapter behind the write-ahead buffer
	appender, err := buildAppender(ctx, cfg, db, log)
	if err != nil {
		return fmt.Errorf("building durable adapter: %w", err)
	}
	buffer := sink.NewBuffer(appender, m, sink.Options{
		Capacity:   cfg.Durable.WABCapacity,
		BatchSize:  cfg.Durable.BatchSize,
		BatchAge:   time.Duration(cfg.Durable.BatchAgeMS) * time.Millisecond,
		BackoffMin: time.Duration(cfg.Durable.RetryBackoffMinMS) * time.Millisecond,
		BackoffMax: time.Duration(cfg.Durable.RetryBackoffMaxMS) * time.Millisecond,
	})
	buffer.SetLogger(log)

	// Alert engine
	rules, err := alert.LoadRules(cfg.Alerts.RulesPath, alert.RuleDefaults{
		HoldDown:            time.Duration(cfg.Alerts.HoldDownDefault) * time.Second,
		MaxReminderInterval: time.Duration(cfg.Alerts.MaxReminderInterval) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("loading alert rules: %w", err)
	}
	log.Info("alert rules loaded", "path", cfg.Alerts.RulesPath, "rules", len(rules))

	// MQTT session; consumer and self-alert callbacks attach below.
	mqttClient, err := mqtt.Connect(cfg.Ingest.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	log.Info("MQTT connected", "brokers", cfg.Ingest.MQTT.Brokers, "client_id", cfg.Ingest.MQTT.ClientID)

	alertRepo := alert.NewSQLiteRepository(db.DB)
	sinks := []alert.Sink{alert.NewLogSink(log)}
	if cfg.Alerts.WebhookURL != "" {
		sinks = append(sinks, alert.NewWebhookSink(cfg.Alerts.WebhookURL, 0))
	}
	if cfg.Alerts.MQTTTopic != "" {
		sinks = append(sinks, alert.NewMQTTSink(mqttClient, cfg.Alerts.MQTTTopic, byte(cfg.Ingest.MQTT.QoS)))
	}
	var alertSink alert.Sink = sinks[0]
	if len(sinks) > 1 {
		alertSink = alert.NewMultiSink(sinks...)
	}
	dispatcher := alert.NewDispatcher(alertSink, alertRepo, m, alert.DispatchOptions{})
	dispatcher.SetLogger(log)
	engine := alert.NewEngine(rules, dispatcher, m, alert.Options{
		DedupWindow: time.Duration(cfg.Alerts.DedupWindow) * time.Second,
	})
	engine.SetLogger(log)

	// Subscriber hub
	h := hub.New(m, hub.Options{
		OutboxCapacity:    cfg.Subscribers.OutboxCapacity,
		DropPolicy:        hub.DropPolicy(cfg.Subscribers.DropPolicy),
		HeartbeatInterval: time.Duration(cfg.Subscribers.HeartbeatInterval) * time.Second,
		PongTimeout:       time.Duration(cfg.Subscribers.PongTimeout) * time.Second,
		MaxMessageSize:    int64(cfg.Subscribers.MaxMessageSize),
	})
	h.SetLogger(log)

	// Pipeline: sharded per-device lanes feeding the sinks
	pipe := pipeline.New(buffer, h, engine, reg, m, pipeline.Options{
		Shards:      cfg.Pipeline.Shards,
		QueueDepth:  cfg.Pipeline.DeviceQueue,
		SessionIdle: time.Duration(cfg.Pipeline.SessionIdle) * time.Second,
	})
	pipe.SetLogger(log)

	// Shared ingest admission path
	limiter := ingest.NewLimiter(cfg.Ingest.Rate)
	intake := ingest.NewIntake(codec.NewDecoder(), reg, pipe, limiter, m)
	intake.SetLogger(log)

	// MQTT self-alerts and consumer
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT session established")
		engine.ClearGateway(mqttDisconnectedRule)
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT session lost", "error", err)
		engine.RaiseGateway(mqttDisconnectedRule, alert.SeverityWarning, 0, 0,
			"broker session lost; relying on redelivery after reconnect")
	})

	consumer := ingest.NewConsumer(mqttClient, intake, cfg.Ingest.MQTT)
	consumer.SetLogger(log)

	// Supervisor owns the runtime lifecycle and the ordered drain
	sup, err := supervisor.New(supervisor.Components{
		MQTT:          mqttClient,
		Consumer:      consumer,
		Pipeline:      pipe,
		Buffer:        buffer,
		Hub:           h,
		Engine:        engine,
		Dispatcher:    dispatcher,
		Registry:      reg,
		Limiter:       limiter,
		AlertRepo:     alertRepo,
		Logger:        log,
		DrainDeadline: cfg.GetDrainDeadline(),
		WABCapacity:   cfg.Durable.WABCapacity,
	})
	if err != nil {
		return fmt.Errorf("creating supervisor: %w", err)
	}

	// HTTP surface
	authn, err := auth.New(cfg.Security.HTTPAuth.JWTSecret, cfg.Security.HTTPAuth.StaticTokens)
	if err != nil {
		return fmt.Errorf("configuring authentication: %w", err)
	}
	apiServer, err := api.New(api.Deps{
		Config:    cfg.Ingest.HTTP,
		Security:  cfg.Security,
		Logger:    log,
		Auth:      authn,
		Intake:    intake,
		Hub:       h,
		Registry:  reg,
		Alerts:    alertRepo,
		Metrics:   m,
		Readiness: sup,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}
	if err := apiServer.Start(ctx); err != nil {
		sup.Shutdown()
		return fmt.Errorf("starting API server: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	// Stop the HTTP listener first so no new frames arrive, then run the
	// ordered drain: ingest, pipeline, buffer flush, subscriber close.
	if err := apiServer.Close(); err != nil {
		log.Error("error closing API server", "error", err)
	}
	sup.Shutdown()

	log.Info("SmartSensor gateway stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses SENSORGW_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("SENSORGW_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// buildAppender constructs the durable store adapter selected in config.
func buildAppender(ctx context.Context, cfg *config.Config, db *database.DB, log *logging.Logger) (sink.Appender, error) {
	switch cfg.Durable.Adapter {
	case "sqlite":
		return sink.NewSQLiteAppender(db.DB), nil

	case "influx":
		return connectInflux(ctx, cfg, log)

	case "noop":
		log.Warn("durable adapter is noop; readings are not persisted")
		return &sink.NoopAppender{}, nil

	case "composite":
		influx, err := connectInflux(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return sink.NewMultiAppender(sink.NewSQLiteAppender(db.DB), influx), nil

	default:
		return nil, fmt.Errorf("unknown durable adapter %q", cfg.Durable.Adapter)
	}
}

// connectInflux builds the InfluxDB appender and verifies connectivity.
func connectInflux(ctx context.Context, cfg *config.Config, log *logging.Logger) (sink.Appender, error) {
	appender, err := sink.NewInfluxAppender(ctx, sink.InfluxOptions{
		URL:    cfg.Durable.Influx.URL,
		Token:  cfg.Durable.Influx.Token,
		Org:    cfg.Durable.Influx.Org,
		Bucket: cfg.Durable.Influx.Bucket,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	log.Info("InfluxDB connected", "url", cfg.Durable.Influx.URL, "bucket", cfg.Durable.Influx.Bucket)
	return appender, nil
}

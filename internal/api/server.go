// Package api is the gateway's HTTP surface: batch telemetry ingest,
// the live WebSocket stream, operational probes, and the admin API for
// the device registry and alert history.
//
// The server follows the same lifecycle pattern as the other
// infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple
// goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/smartsensor/sensor-gateway/internal/alert"
	"github.com/smartsensor/sensor-gateway/internal/auth"
	"github.com/smartsensor/sensor-gateway/internal/hub"
	"github.com/smartsensor/sensor-gateway/internal/infrastructure/config"
	"github.com/smartsensor/sensor-gateway/internal/infrastructure/logging"
	"github.com/smartsensor/sensor-gateway/internal/ingest"
	"github.com/smartsensor/sensor-gateway/internal/metrics"
	"github.com/smartsensor/sensor-gateway/internal/registry"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight
// requests to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// ReadinessSource reports whether the gateway is fit to accept traffic.
// The supervisor implements it; readiness is MQTT session state plus
// durable sink write recency.
type ReadinessSource interface {
	Ready() (bool, map[string]string)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.HTTPIngestConfig
	Security  config.SecurityConfig
	Logger    *logging.Logger
	Auth      *auth.Authenticator
	Intake    *ingest.Intake
	Hub       *hub.Hub
	Registry  *registry.Registry
	Alerts    alert.Repository
	Metrics   *metrics.Metrics
	Readiness ReadinessSource // optional; nil reports ready
	Version   string
}

// Server is the gateway's HTTP server.
//
// It owns the listener, routes, and middleware. The WebSocket hub and
// the ingest intake are injected; the server only adapts HTTP to them.
type Server struct {
	cfg       config.HTTPIngestConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	auth      *auth.Authenticator
	intake    *ingest.Intake
	hub       *hub.Hub
	registry  *registry.Registry
	alerts    alert.Repository
	metrics   *metrics.Metrics
	readiness ReadinessSource
	version   string
	server    *http.Server
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if deps.Intake == nil {
		return nil, fmt.Errorf("ingest intake is required")
	}
	if deps.Hub == nil {
		return nil, fmt.Errorf("subscriber hub is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Metrics == nil {
		return nil, fmt.Errorf("metrics registry is required")
	}

	return &Server{
		cfg:       deps.Config,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		auth:      deps.Auth,
		intake:    deps.Intake,
		hub:       deps.Hub,
		registry:  deps.Registry,
		alerts:    deps.Alerts,
		metrics:   deps.Metrics,
		readiness: deps.Readiness,
		version:   deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// The listener runs in a background goroutine; stop it with Close().
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(_ context.Context) error {
	router := s.buildRouter()

	readTimeout := time.Duration(s.cfg.Timeouts.Read) * time.Second
	s.server = &http.Server{
		Addr:              s.cfg.Bind,
		Handler:           router,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("http server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("http server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the HTTP server.
//
// It waits up to 10 seconds for in-flight requests to complete, then
// forcefully closes remaining connections. WebSocket sessions are
// closed by the hub, not here.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("http server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

// HealthCheck verifies the HTTP server is running.
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("http server not started")
	}
	return nil
}

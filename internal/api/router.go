package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Operational probes (no auth; meant for orchestrators and scrapers)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Telemetry
		r.Post("/ingest", s.handleIngest)
		r.Get("/stream", s.handleStream)

		// Admin: device registry
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Post("/", s.handleProvisionDevice)
			r.Get("/stats", s.handleDeviceStats)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Delete("/", s.handleEvictDevice)
				r.Post("/confirm", s.handleConfirmDevice)
				r.Get("/alerts", s.handleDeviceAlerts)
			})
		})

		// Alert history
		r.Get("/alerts", s.handleListAlerts)
	})

	return r
}

// handleHealthz reports process liveness. It answers as long as the
// listener is serving; deeper checks belong to readyz.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

// handleReadyz reports whether the gateway should receive traffic.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if s.readiness == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}

	ready, detail := s.readiness.Ready()
	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"checks": detail,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"checks": detail,
	})
}

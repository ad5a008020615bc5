package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// defaultAlertHistoryLimit caps per-device alert history when the
// client does not pass ?limit=.
const defaultAlertHistoryLimit = 50

// handleListAlerts returns every alert currently firing.
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	if s.alerts == nil {
		writeJSON(w, http.StatusOK, map[string]any{"alerts": []any{}, "count": 0})
		return
	}

	alerts, err := s.alerts.ListOpen(r.Context())
	if err != nil {
		writeInternalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// handleDeviceAlerts returns one device's alert history, newest first.
func (s *Server) handleDeviceAlerts(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	if s.alerts == nil {
		writeJSON(w, http.StatusOK, map[string]any{"alerts": []any{}, "count": 0})
		return
	}

	limit := defaultAlertHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	alerts, err := s.alerts.ListByDevice(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeInternalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

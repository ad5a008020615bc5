package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/smartsensor/sensor-gateway/internal/auth"
	"github.com/smartsensor/sensor-gateway/internal/registry"
)

// requireAdmin rejects non-admin principals. Returns false after
// writing the response when access is denied.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if principalFrom(r).Role != auth.RoleAdmin {
		writeForbidden(w, "admin token required")
		return false
	}
	return true
}

// handleListDevices returns every registered device.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	devices := s.registry.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleDeviceStats returns registry-wide aggregates.
func (s *Server) handleDeviceStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Stats())
}

// handleGetDevice returns one device's current view.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	id := chi.URLParam(r, "id")
	view, err := s.registry.Snapshot(id)
	if err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			writeNotFound(w, "device not found: "+id)
			return
		}
		writeInternalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// provisionRequest is the admin request to pre-register a device.
type provisionRequest struct {
	ID              string `json:"id"`
	Kind            string `json:"kind"`
	Fingerprint     string `json:"fingerprint,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
}

// handleProvisionDevice registers a device ahead of its first frame.
func (s *Server) handleProvisionDevice(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.ID == "" {
		writeBadRequest(w, "id is required")
		return
	}

	err := s.registry.Provision(registry.Device{
		ID:                     req.ID,
		Kind:                   registry.DeviceKind(req.Kind),
		CredentialsFingerprint: req.Fingerprint,
		FirmwareVersion:        req.FirmwareVersion,
	})
	if err != nil {
		if errors.Is(err, registry.ErrDeviceExists) {
			writeConflict(w, "device already registered: "+req.ID)
			return
		}
		writeBadRequest(w, err.Error())
		return
	}

	view, err := s.registry.Snapshot(req.ID)
	if err != nil {
		writeInternalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// confirmRequest assigns the operator-confirmed kind to a quarantined
// or auto-provisioned device.
type confirmRequest struct {
	Kind string `json:"kind"`
}

// handleConfirmDevice lifts quarantine and fixes the device kind.
func (s *Server) handleConfirmDevice(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.registry.Confirm(id, registry.DeviceKind(req.Kind)); err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			writeNotFound(w, "device not found: "+id)
			return
		}
		writeBadRequest(w, err.Error())
		return
	}

	view, err := s.registry.Snapshot(id)
	if err != nil {
		writeInternalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleEvictDevice removes a device from the registry.
func (s *Server) handleEvictDevice(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.registry.Evict(id); err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			writeNotFound(w, "device not found: "+id)
			return
		}
		writeInternalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evicted": id})
}

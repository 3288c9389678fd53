package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/trapsight/backend/internal/database"
	"github.com/trapsight/backend/internal/fabric"
	"github.com/trapsight/backend/internal/multitenancy"
	"github.com/trapsight/backend/internal/registry"
)

// ============================================================================
// ADMIN ENDPOINTS (tenant-scoped)
// ============================================================================

// tenantDevice loads a device and verifies it belongs to the request's
// tenant, so one tenant can never address another's hardware by id.
func (s *Server) tenantDevice(w http.ResponseWriter, r *http.Request) (*database.Device, string, bool) {
	tenantID, err := multitenancy.GetTenantID(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "tenant context missing")
		return nil, "", false
	}
	dev, err := s.store.GetDevice(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, database.ErrNotFound) || (err == nil && dev.TenantID != tenantID) {
		writeError(w, http.StatusNotFound, "device not found")
		return nil, "", false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, "", false
	}
	return dev, tenantID, true
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := multitenancy.GetTenantID(r.Context())
	devices, err := s.store.ListTenantDevices(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": devices})
}

func (s *Server) handleRenameDevice(w http.ResponseWriter, r *http.Request) {
	dev, _, ok := s.tenantDevice(w, r)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	if err := s.registry.Rename(r.Context(), dev.ID, req.Name); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// allowedCommands are the operator-triggerable device commands.
var allowedCommands = map[string]bool{
	fabric.CmdReboot:          true,
	fabric.CmdStatus:          true,
	fabric.CmdTestTrigger:     true,
	fabric.CmdCaptureSnapshot: true,
}

func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	dev, tenantID, ok := s.tenantDevice(w, r)
	if !ok {
		return
	}
	var req struct {
		Command string                 `json:"command"`
		Payload map[string]interface{} `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !allowedCommands[req.Command] {
		writeError(w, http.StatusBadRequest, "unsupported command")
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]interface{}{}
	}
	if err := s.fabric.PublishCommand(r.Context(), tenantID, dev.MAC, req.Command, req.Payload); err != nil {
		writeError(w, http.StatusServiceUnavailable, "broker unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	dev, _, ok := s.tenantDevice(w, r)
	if !ok {
		return
	}
	err := s.registry.Rotate(r.Context(), dev.ID)
	switch {
	case errors.Is(err, registry.ErrRotationPending):
		writeError(w, http.StatusConflict, "rotation already in progress")
	case errors.Is(err, registry.ErrRotationTimeout):
		writeError(w, http.StatusGatewayTimeout, "device did not acknowledge; credential unchanged")
	case err != nil:
		s.logger.Printf("rotation for %s failed: %v", dev.MAC, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	}
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	dev, _, ok := s.tenantDevice(w, r)
	if !ok {
		return
	}
	var req struct {
		TenantID string `json:"tenant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id required")
		return
	}
	if err := s.registry.MigrateTenant(r.Context(), dev.ID, req.TenantID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "target tenant not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	dev, _, ok := s.tenantDevice(w, r)
	if !ok {
		return
	}
	token, err := s.registry.Revoke(r.Context(), dev.ID)
	if err != nil {
		if errors.Is(err, registry.ErrNotClaimed) {
			writeError(w, http.StatusConflict, "device already revoked")
			return
		}
		s.logger.Printf("revoke for %s failed: %v", dev.MAC, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"expires_at": token.ExpiresAt.UTC(),
	})
}

func (s *Server) handleCreateClaimCode(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := multitenancy.GetTenantID(r.Context())
	var req struct {
		DeviceName string `json:"device_name"`
		TTLMinutes int    `json:"ttl_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceName == "" {
		writeError(w, http.StatusBadRequest, "device_name required")
		return
	}

	code, err := s.registry.CreateClaimCode(r.Context(), tenantID, req.DeviceName,
		time.Duration(req.TTLMinutes)*time.Minute)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"code":       code.Code,
		"expires_at": code.ExpiresAt.UTC(),
	})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := multitenancy.GetTenantID(r.Context())
	alerts, err := s.store.ListTenantAlerts(r.Context(), tenantID, r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

// tenantAlert mirrors tenantDevice for alert routes.
func (s *Server) tenantAlert(w http.ResponseWriter, r *http.Request) (*database.Alert, bool) {
	tenantID, err := multitenancy.GetTenantID(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "tenant context missing")
		return nil, false
	}
	alert, err := s.store.GetAlert(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, database.ErrNotFound) || (err == nil && alert.TenantID != tenantID) {
		writeError(w, http.StatusNotFound, "alert not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return alert, true
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alert, ok := s.tenantAlert(w, r)
	if !ok {
		return
	}
	userID := r.Header.Get("X-User-ID")
	if err := s.sessions.Acknowledge(r.Context(), alert.ID, userID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	alert, ok := s.tenantAlert(w, r)
	if !ok {
		return
	}
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = "operator"
	}
	if err := s.sessions.Resolve(r.Context(), alert.ID, userID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := multitenancy.GetTenantID(r.Context())
	contacts, err := s.store.ListEmergencyContacts(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"contacts": contacts})
}

// handlePublishManifest publishes a retained firmware or filesystem
// manifest for the tenant's fleet.
func (s *Server) handlePublishManifest(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := multitenancy.GetTenantID(r.Context())
	kind := mux.Vars(r)["kind"]
	if kind != "firmware" && kind != "filesystem" {
		writeError(w, http.StatusBadRequest, "kind must be firmware or filesystem")
		return
	}

	var req struct {
		Version string `json:"version"`
		URL     string `json:"url"`
		SHA256  string `json:"sha256"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Version == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "version and url required")
		return
	}

	m := fabric.Manifest{
		Version:     req.Version,
		URL:         req.URL,
		SHA256:      req.SHA256,
		PublishedAt: time.Now().UnixMilli(),
	}
	if err := s.fabric.PublishManifest(r.Context(), tenantID, kind, m); err != nil {
		writeError(w, http.StatusServiceUnavailable, "broker unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

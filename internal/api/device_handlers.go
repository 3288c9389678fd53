package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/trapsight/backend/internal/database"
	"github.com/trapsight/backend/internal/registry"
)

// ============================================================================
// DEVICE-FACING ENDPOINTS
// ============================================================================

// handleClaimingMode is called by an unclaimed device when its claiming
// trigger fires. It opens (or refreshes) the 10-minute window.
func (s *Server) handleClaimingMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MAC    string `json:"mac"`
		Serial string `json:"serial"`
		IP     string `json:"ip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	expires, err := s.registry.OpenClaimingWindow(r.Context(), req.MAC, req.Serial, req.IP)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidMAC) {
			writeError(w, http.StatusBadRequest, "invalid mac address")
			return
		}
		s.logger.Printf("claiming-mode for %s failed: %v", req.MAC, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"expiresAt": expires.UTC(),
	})
}

// handleClaim completes enrollment with a claim code. The response is the
// flat credential bundle; firmware stores it verbatim.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClaimCode  string `json:"claimCode"`
		DeviceInfo struct {
			MACAddress      string `json:"macAddress"`
			HWVersion       string `json:"hwVersion"`
			FirmwareVersion string `json:"firmwareVersion"`
			Serial          string `json:"serial"`
		} `json:"deviceInfo"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.registry.Claim(r.Context(), req.ClaimCode, registry.DeviceInfo{
		MAC:             req.DeviceInfo.MACAddress,
		HWVersion:       req.DeviceInfo.HWVersion,
		FirmwareVersion: req.DeviceInfo.FirmwareVersion,
		Serial:          req.DeviceInfo.Serial,
	})
	switch {
	case errors.Is(err, registry.ErrInvalidMAC):
		writeError(w, http.StatusBadRequest, "invalid mac address")
	case errors.Is(err, database.ErrClaimCodeInvalid):
		writeError(w, http.StatusBadRequest, "claim code invalid or expired")
	case errors.Is(err, database.ErrClaimWindowMissing):
		writeError(w, http.StatusBadRequest, "device is not in claiming mode")
	case err != nil:
		s.logger.Printf("claim for %s failed: %v", req.DeviceInfo.MACAddress, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

// handleCheckClaim is the device's enrollment poll.
func (s *Server) handleCheckClaim(w http.ResponseWriter, r *http.Request) {
	result, claimed, err := s.registry.CheckClaim(r.Context(), mux.Vars(r)["mac"])
	if err != nil {
		if errors.Is(err, registry.ErrInvalidMAC) {
			writeError(w, http.StatusBadRequest, "invalid mac address")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !claimed {
		writeJSON(w, http.StatusOK, map[string]interface{}{"claimed": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"claimed": true,
		"data":    result,
	})
}

// handleClaimStatus answers the recurring "do I still exist" check.
// Status codes are the contract: 200 for claimed and never-seen, 410 for
// revoked, 404 only for purged history.
func (s *Server) handleClaimStatus(w http.ResponseWriter, r *http.Request) {
	state, dev, err := s.registry.ClaimStatus(r.Context(), r.URL.Query().Get("mac"))
	if err != nil {
		if errors.Is(err, registry.ErrInvalidMAC) {
			writeError(w, http.StatusBadRequest, "invalid mac address")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	switch state {
	case registry.StateClaimed:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"claimed":    true,
			"tenantId":   dev.TenantID,
			"deviceName": dev.Name,
		})
	case registry.StateUnclaimed:
		writeJSON(w, http.StatusOK, map[string]interface{}{"claimed": false})
	case registry.StateRevoked:
		var revokedAt *time.Time
		if dev != nil {
			revokedAt = dev.UnclaimedAt
		}
		writeJSON(w, http.StatusGone, map[string]interface{}{
			"claimed":   false,
			"revokedAt": revokedAt,
		})
	case registry.StatePurged:
		writeError(w, http.StatusNotFound, "device history purged")
	}
}

// handleVerifyRevocation checks a device-presented revocation token.
// Always 200; the decision is in the body so firmware can distinguish
// reasons without parsing status codes.
func (s *Server) handleVerifyRevocation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MAC   string `json:"mac"`
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.registry.VerifyRevocation(r.Context(), req.MAC, req.Token)
	if err != nil {
		s.logger.Printf("revocation verify for %s failed: %v", req.MAC, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleUnclaimNotify records a device-side factory reset.
func (s *Server) handleUnclaimNotify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MAC    string `json:"mac"`
		Source string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.registry.RecordUnclaimNotify(r.Context(), req.MAC, req.Source); err != nil {
		if errors.Is(err, registry.ErrInvalidMAC) {
			writeError(w, http.StatusBadRequest, "invalid mac address")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

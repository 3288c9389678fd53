package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/trapsight/backend/internal/database"
	"github.com/trapsight/backend/internal/events"
	"github.com/trapsight/backend/internal/fabric"
)

// ============================================================================
// CREDENTIAL ROTATION
// ============================================================================

// Rotate replaces a device's broker password with ack-or-rollback
// semantics. The new credential is written broker-side first so the device
// can reconnect with it, then the rotate command is sent. If the device
// never acks within the window the old credential is restored and the
// database row is left untouched, so a half-applied rotation cannot strand
// a trap offline. At most one rotation per device may be in flight.
func (s *Service) Rotate(ctx context.Context, deviceID string) error {
	s.rotMu.Lock()
	if s.inRotation[deviceID] {
		s.rotMu.Unlock()
		return ErrRotationPending
	}
	s.inRotation[deviceID] = true
	s.rotMu.Unlock()
	defer func() {
		s.rotMu.Lock()
		delete(s.inRotation, deviceID)
		s.rotMu.Unlock()
	}()

	dev, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if !dev.Claimed() {
		return ErrNotClaimed
	}

	newPassword, err := generatePassword()
	if err != nil {
		return err
	}

	// Broker first: both old and new passwords must work during the
	// handover, and mosquitto's passwd file holds one entry per user, so
	// the upsert happens before the device is told anything.
	if err := s.authority.UpsertCredential(ctx, dev.MAC, newPassword); err != nil {
		s.countRotation("error")
		return fmt.Errorf("stage broker credential: %w", err)
	}
	if err := s.authority.ForceReload(ctx); err != nil {
		s.logger.Printf("force reload before rotation of %s failed: %v", dev.MAC, err)
	}

	rotationID := uuid.New().String()
	ch, err := s.fabric.RotateCredentials(ctx, dev.TenantID, dev.MAC, rotationID, newPassword, RotationAckTimeout)
	if err != nil {
		s.rollbackCredential(ctx, dev)
		s.countRotation("error")
		return fmt.Errorf("publish rotate command: %w", err)
	}

	var res fabric.RotationResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		s.rollbackCredential(ctx, dev)
		s.countRotation("error")
		return ctx.Err()
	}

	if res != fabric.RotationAcked {
		s.rollbackCredential(ctx, dev)
		s.countRotation("timeout")
		s.logger.Printf("rotation %s for %s timed out, old credential restored", rotationID, dev.MAC)
		return ErrRotationTimeout
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash rotated password: %w", err)
	}
	if err := s.store.UpdateDeviceCredential(ctx, deviceID, string(hash), newPassword); err != nil {
		return fmt.Errorf("persist rotated credential: %w", err)
	}
	s.countRotation("acked")
	s.logger.Printf("rotation %s for %s acknowledged", rotationID, dev.MAC)
	return nil
}

// rollbackCredential re-stages the pre-rotation password broker-side.
func (s *Service) rollbackCredential(ctx context.Context, dev *database.Device) {
	if err := s.authority.UpsertCredential(ctx, dev.MAC, dev.Password); err != nil {
		s.logger.Printf("credential rollback for %s failed: %v", dev.MAC, err)
		return
	}
	if err := s.authority.ForceReload(ctx); err != nil {
		s.logger.Printf("force reload after rollback of %s failed: %v", dev.MAC, err)
	}
}

func (s *Service) countRotation(result string) {
	if s.metrics != nil {
		s.metrics.RotationsTotal.WithLabelValues(result).Inc()
	}
}

// ============================================================================
// TENANT MIGRATION
// ============================================================================

// MigrateTenant moves a device between tenant namespaces. Broker
// credentials are untouched; the device is told its new tenant over the
// old tenant's command topic and re-subscribes under the new prefix.
func (s *Service) MigrateTenant(ctx context.Context, deviceID, newTenantID string) error {
	if _, err := s.store.GetTenant(ctx, newTenantID); err != nil {
		return fmt.Errorf("target tenant: %w", err)
	}
	dev, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if !dev.Claimed() {
		return ErrNotClaimed
	}
	if dev.TenantID == newTenantID {
		return nil
	}
	oldTenantID := dev.TenantID

	if err := s.store.UpdateDeviceTenant(ctx, deviceID, newTenantID); err != nil {
		return fmt.Errorf("update device tenant: %w", err)
	}

	cmd := fabric.UpdateTenantCommand{TenantID: newTenantID}
	if err := s.fabric.PublishCommand(ctx, oldTenantID, dev.MAC, fabric.CmdUpdateTenant, cmd); err != nil {
		// Row already moved; the device picks up the new tenant on its
		// next claim-status check or operator retry.
		s.logger.Printf("update_tenant command for %s failed: %v", dev.MAC, err)
	}

	s.audit(ctx, database.ClaimAudit{
		MAC:      dev.MAC,
		DeviceID: dev.ID,
		TenantID: newTenantID,
		Action:   database.AuditMigrated,
		Detail:   fmt.Sprintf("from %s", oldTenantID),
	})
	s.emit(events.TypeDeviceMigrated, newTenantID, dev.ID, map[string]interface{}{
		"mac": dev.MAC, "fromTenant": oldTenantID,
	})
	s.logger.Printf("device %s migrated %s -> %s", dev.MAC, oldTenantID, newTenantID)
	return nil
}

// Rename updates a device's display name.
func (s *Service) Rename(ctx context.Context, deviceID, name string) error {
	if name == "" {
		return errors.New("device name required")
	}
	return s.store.RenameDevice(ctx, deviceID, name)
}

// ============================================================================
// REVOCATION
// ============================================================================

// Revoke soft-deletes a device and mints its single-use revocation token.
// The row transition commits before any broker-side effect; a crash after
// commit leaves a revoked device whose credential the reconciliation sweep
// removes.
func (s *Service) Revoke(ctx context.Context, deviceID string) (*database.RevocationToken, error) {
	dev, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !dev.Claimed() {
		return nil, ErrNotClaimed
	}

	raw := make([]byte, 32) // 256-bit
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate revocation token: %w", err)
	}
	token := database.RevocationToken{
		Token:     hex.EncodeToString(raw),
		DeviceID:  dev.ID,
		MAC:       dev.MAC,
		ExpiresAt: time.Now().Add(RevocationTokenTTL),
		CreatedAt: time.Now(),
	}

	if err := s.store.RevokeDevice(ctx, deviceID, token); err != nil {
		return nil, fmt.Errorf("revoke device: %w", err)
	}

	if err := s.fabric.PublishRevoke(ctx, dev.TenantID, dev.MAC, token.Token); err != nil {
		// Offline device: the 410 claim-status path tells it later.
		s.logger.Printf("revoke publish for %s failed: %v", dev.MAC, err)
	}
	if err := s.authority.DeleteCredential(ctx, dev.MAC); err != nil {
		s.logger.Printf("credential delete for %s failed: %v", dev.MAC, err)
	}

	s.audit(ctx, database.ClaimAudit{
		MAC:      dev.MAC,
		DeviceID: dev.ID,
		TenantID: dev.TenantID,
		Action:   database.AuditRevoked,
	})
	s.emit(events.TypeDeviceRevoked, dev.TenantID, dev.ID, map[string]interface{}{"mac": dev.MAC})
	s.countRevocation("revoked")
	s.logger.Printf("device %s (%s) revoked", dev.MAC, dev.ID)
	return &token, nil
}

// VerifyResult is the outcome of a revocation token check.
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Verification failure reasons. Any failure means the device stays
// claimed and keeps its credentials; a forged or replayed request must
// never wipe a trap.
const (
	ReasonMissingParams  = "missing_params"
	ReasonInvalidToken   = "invalid_token"
	ReasonTokenExpired   = "token_expired"
	ReasonDeviceMismatch = "device_mismatch"
)

// VerifyRevocation checks a device-presented revocation token. The token
// is consumed only when every check passes; an expired or mismatched
// presentation leaves it intact so diagnostics see the true failure.
func (s *Service) VerifyRevocation(ctx context.Context, rawMAC, token string) (VerifyResult, error) {
	if rawMAC == "" || token == "" {
		s.countRevocation("verify_missing_params")
		return VerifyResult{Reason: ReasonMissingParams}, nil
	}
	mac, err := NormalizeMAC(rawMAC)
	if err != nil {
		s.countRevocation("verify_missing_params")
		return VerifyResult{Reason: ReasonMissingParams}, nil
	}

	t, err := s.store.GetRevocationToken(ctx, token)
	if errors.Is(err, database.ErrNotFound) {
		s.countRevocation("verify_invalid")
		return VerifyResult{Reason: ReasonInvalidToken}, nil
	}
	if err != nil {
		return VerifyResult{}, err
	}
	if t.Consumed {
		s.countRevocation("verify_invalid")
		return VerifyResult{Reason: ReasonInvalidToken}, nil
	}
	if time.Now().After(t.ExpiresAt) {
		s.countRevocation("verify_expired")
		return VerifyResult{Reason: ReasonTokenExpired}, nil
	}
	if t.MAC != mac {
		s.countRevocation("verify_mismatch")
		return VerifyResult{Reason: ReasonDeviceMismatch}, nil
	}

	ok, err := s.store.ConsumeRevocationToken(ctx, token)
	if err != nil {
		return VerifyResult{}, err
	}
	if !ok {
		// Lost a concurrent-consumption race.
		s.countRevocation("verify_invalid")
		return VerifyResult{Reason: ReasonInvalidToken}, nil
	}
	s.countRevocation("verify_ok")
	s.logger.Printf("revocation verified for %s", mac)
	return VerifyResult{Valid: true}, nil
}

// RecordUnclaimNotify logs a device-side factory reset or local unclaim.
func (s *Service) RecordUnclaimNotify(ctx context.Context, rawMAC, detail string) error {
	mac, err := NormalizeMAC(rawMAC)
	if err != nil {
		return err
	}
	s.audit(ctx, database.ClaimAudit{
		MAC:    mac,
		Action: database.AuditUnclaimNotify,
		Detail: detail,
	})
	return nil
}

func (s *Service) countRevocation(result string) {
	if s.metrics != nil {
		s.metrics.RevocationsTotal.WithLabelValues(result).Inc()
	}
}

// ============================================================================
// PURGE
// ============================================================================

// RunPurge hard-deletes soft-deleted device rows older than the retention
// horizon, once a day. The claim audit table survives the purge so
// claim-status can still distinguish a purged MAC from a never-seen one.
func (s *Service) RunPurge(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	s.purgeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purgeOnce(ctx)
		}
	}
}

func (s *Service) purgeOnce(ctx context.Context) {
	cutoff := time.Now().Add(-PurgeAge)
	n, err := s.store.PurgeUnclaimedBefore(ctx, cutoff)
	if err != nil {
		s.logger.Printf("purge sweep failed: %v", err)
		return
	}
	if n > 0 {
		s.logger.Printf("purged %d revoked device rows older than %s", n, cutoff.Format(time.RFC3339))
	}
}

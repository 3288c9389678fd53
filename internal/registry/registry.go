// Package registry is the authoritative device lifecycle keeper: claiming
// windows, claim completion, credential rotation, tenant migration,
// revocation tokens and soft-delete. Every transition is persisted before
// any broker-side effect; the database is the source of truth.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/trapsight/backend/internal/database"
	"github.com/trapsight/backend/internal/events"
	"github.com/trapsight/backend/internal/fabric"
	"github.com/trapsight/backend/internal/monitoring"
)

// Protocol constants.
const (
	ClaimingWindowTTL  = 10 * time.Minute
	RevocationTokenTTL = 5 * time.Minute
	RotationAckTimeout = 30 * time.Second
	PurgeAge           = 6 * 30 * 24 * time.Hour // ~6 months
)

var (
	// ErrInvalidMAC means the MAC failed normalization.
	ErrInvalidMAC = errors.New("invalid mac address")
	// ErrRotationPending means the device already has an outstanding rotation.
	ErrRotationPending = errors.New("rotation already pending for device")
	// ErrRotationTimeout means the device never acked and the credential
	// was rolled back.
	ErrRotationTimeout = errors.New("rotation timed out; credential rolled back")
	// ErrNotClaimed means the operation needs a claimed device.
	ErrNotClaimed = errors.New("device is not claimed")
)

// Credentials is the slice of the broker authority the registry uses.
type Credentials interface {
	UpsertCredential(ctx context.Context, username, password string) error
	DeleteCredential(ctx context.Context, username string) error
	ForceReload(ctx context.Context) error
}

// Service implements the device registry.
type Service struct {
	store     database.Store
	authority Credentials
	fabric    fabric.Publisher
	events    events.Emitter
	metrics   *monitoring.Metrics
	logger    *log.Logger

	// deviceBrokerURL is handed to devices at claim time.
	deviceBrokerURL string

	rotMu      sync.Mutex
	inRotation map[string]bool // device id -> rotation in flight
}

// New builds the registry service. metrics may be nil in tests.
func New(store database.Store, authority Credentials, pub fabric.Publisher,
	emitter events.Emitter, metrics *monitoring.Metrics, deviceBrokerURL string) *Service {
	return &Service{
		store:           store,
		authority:       authority,
		fabric:          pub,
		events:          emitter,
		metrics:         metrics,
		logger:          log.New(log.Writer(), "[REGISTRY] ", log.LstdFlags),
		deviceBrokerURL: deviceBrokerURL,
		inRotation:      make(map[string]bool),
	}
}

var macPattern = regexp.MustCompile(`^[0-9A-F]{12}$`)

// NormalizeMAC strips separators, upper-cases, and validates the 12-hex
// form used as both device row key and MQTT client id.
func NormalizeMAC(raw string) (string, error) {
	mac := strings.ToUpper(strings.NewReplacer(":", "", "-", "", ".", "").Replace(strings.TrimSpace(raw)))
	if !macPattern.MatchString(mac) {
		return "", fmt.Errorf("%w: %q", ErrInvalidMAC, raw)
	}
	return mac, nil
}

// generatePassword returns a 48-hex-char random device password.
func generatePassword() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ============================================================================
// ENROLLMENT
// ============================================================================

// OpenClaimingWindow creates or refreshes the window for the MAC. Called by
// an unclaimed device when its claiming trigger fires.
func (s *Service) OpenClaimingWindow(ctx context.Context, rawMAC, serial, ip string) (time.Time, error) {
	mac, err := NormalizeMAC(rawMAC)
	if err != nil {
		return time.Time{}, err
	}

	expires := time.Now().Add(ClaimingWindowTTL)
	err = s.store.UpsertClaimingWindow(ctx, database.ClaimingWindow{
		MAC:       mac,
		Serial:    serial,
		IP:        ip,
		ExpiresAt: expires,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("open claiming window: %w", err)
	}
	s.logger.Printf("claiming window open for %s until %s", mac, expires.Format(time.RFC3339))
	return expires, nil
}

// DeviceInfo is what the device presents at claim time.
type DeviceInfo struct {
	MAC             string
	HWVersion       string
	FirmwareVersion string
	Serial          string
}

// ClaimResult is the credential bundle returned to a freshly claimed
// device.
type ClaimResult struct {
	DeviceID      string `json:"deviceId"`
	TenantID      string `json:"tenantId"`
	DeviceName    string `json:"deviceName"`
	MQTTClientID  string `json:"mqttClientId"`
	MQTTUsername  string `json:"mqttUsername"`
	MQTTPassword  string `json:"mqttPassword"`
	MQTTBrokerURL string `json:"mqttBrokerUrl"`
}

/// Claim completes enrollment: claim code and claiming window must both be
// valid. On success the device row exists with unclaimed_at NULL, the
// broker credential is upserted, the code is spent, the window deleted and
// any stale retained revoke cleared. Replays of a completed claim are
// no-ops returning the existing credentials.
func (s *Service) Claim(ctx context.Context, code string, info DeviceInfo) (*ClaimResult, error) {
	mac, err := NormalizeMAC(info.MAC)
	if err != nil {
		s.countClaim("invalid_mac")
		return nil, err
	}

	password, err := generatePassword()
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	dev, created, err := s.store.ClaimDevice(ctx, database.ClaimParams{
		Code:            strings.TrimSpace(code),
		MAC:             mac,
		HWVersion:       info.HWVersion,
		FirmwareVersion: info.FirmwareVersion,
		Serial:          info.Serial,
		PasswordHash:    string(hash),
		Password:        password,
	})
	switch {
	case errors.Is(err, database.ErrClaimCodeInvalid):
		s.countClaim("invalid_code")
		return nil, err
	case errors.Is(err, database.ErrClaimWindowMissing):
		s.countClaim("no_window")
		return nil, err
	case err != nil:
		s.countClaim("error")
		return nil, fmt.Errorf("claim transaction: %w", err)
	}

	if !created {
		// Replay: hand back the stored credentials untouched.
		s.countClaim("replay")
		return s.credentialBundle(dev), nil
	}

	if err := s.authority.UpsertCredential(ctx, dev.MAC, dev.Password); err != nil {
		// The row is committed; reconciliation will repair the broker side.
		s.logger.Printf("broker credential upsert for %s failed: %v", dev.MAC, err)
	}
	if err := s.fabric.ClearRetainedRevoke(dev.TenantID, dev.MAC); err != nil {
		s.logger.Printf("retained revoke clear for %s failed: %v", dev.MAC, err)
	}

	s.audit(ctx, database.ClaimAudit{
		MAC:      dev.MAC,
		DeviceID: dev.ID,
		TenantID: dev.TenantID,
		Action:   database.AuditClaimed,
	})
	s.emit(events.TypeDeviceClaimed, dev.TenantID, dev.ID, map[string]interface{}{
		"mac": dev.MAC, "name": dev.Name,
	})
	s.countClaim("success")
	s.logger.Printf("device %s claimed as %q by tenant %s", dev.MAC, dev.Name, dev.TenantID)

	return s.credentialBundle(dev), nil
}

func (s *Service) credentialBundle(dev *database.Device) *ClaimResult {
	return &ClaimResult{
		DeviceID:      dev.ID,
		TenantID:      dev.TenantID,
		DeviceName:    dev.Name,
		MQTTClientID:  dev.MAC,
		MQTTUsername:  dev.MAC,
		MQTTPassword:  dev.Password,
		MQTTBrokerURL: s.deviceBrokerURL,
	}
}

// CheckClaim is the ~5 s polling bridge an enrolling device uses to learn
// that an operator completed its claim. Returns (credentials, true) once
// a claimed row exists.
func (s *Service) CheckClaim(ctx context.Context, rawMAC string) (*ClaimResult, bool, error) {
	mac, err := NormalizeMAC(rawMAC)
	if err != nil {
		return nil, false, err
	}
	dev, err := s.store.GetActiveDeviceByMAC(ctx, mac)
	if errors.Is(err, database.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return s.credentialBundle(dev), true, nil
}

// ClaimState is the outward claim-status contract.
type ClaimState int

const (
	// StateUnclaimed: no row, no history — 200 {claimed:false}.
	StateUnclaimed ClaimState = iota
	// StateClaimed: active row — 200 {claimed:true}.
	StateClaimed
	// StateRevoked: soft-deleted row — 410; firmware treats this as the
	// authoritative signal to discard local credentials.
	StateRevoked
	// StatePurged: the MAC once existed but its row is gone — 404. A
	// missing row must not read as "unclaimed", or a purge would bulk
	// unclaim the fleet.
	StatePurged
)

// ClaimStatus resolves the claim-status endpoint for a MAC.
func (s *Service) ClaimStatus(ctx context.Context, rawMAC string) (ClaimState, *database.Device, error) {
	mac, err := NormalizeMAC(rawMAC)
	if err != nil {
		return StateUnclaimed, nil, err
	}

	dev, err := s.store.GetLatestDeviceByMAC(ctx, mac)
	if err == nil {
		if dev.Claimed() {
			return StateClaimed, dev, nil
		}
		return StateRevoked, dev, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return StateUnclaimed, nil, err
	}

	seen, err := s.store.HasClaimAudit(ctx, mac)
	if err != nil {
		return StateUnclaimed, nil, err
	}
	if seen {
		return StatePurged, nil, nil
	}
	return StateUnclaimed, nil, nil
}

// CreateClaimCode mints an operator claim code for a tenant.
func (s *Service) CreateClaimCode(ctx context.Context, tenantID, deviceName string, ttl time.Duration) (*database.ClaimCode, error) {
	if _, err := s.store.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	raw, err := generateClaimCode()
	if err != nil {
		return nil, fmt.Errorf("generate claim code: %w", err)
	}
	code := database.ClaimCode{
		Code:       raw,
		TenantID:   tenantID,
		DeviceName: deviceName,
		Status:     database.ClaimCodeActive,
		ExpiresAt:  time.Now().Add(ttl),
		CreatedAt:  time.Now(),
	}
	if err := s.store.CreateClaimCode(ctx, code); err != nil {
		return nil, fmt.Errorf("create claim code: %w", err)
	}
	return &code, nil
}

// claimCodeAlphabet omits the lookalikes (0/O, 1/I/L) — the code is typed
// by a human from a card.
const claimCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

func generateClaimCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	out := make([]byte, len(buf))
	for i, b := range buf {
		out[i] = claimCodeAlphabet[int(b)%len(claimCodeAlphabet)]
	}
	return string(out), nil
}

// ============================================================================
// HELPERS
// ============================================================================

func (s *Service) audit(ctx context.Context, a database.ClaimAudit) {
	a.CreatedAt = time.Now()
	if err := s.store.AddClaimAudit(ctx, a); err != nil {
		s.logger.Printf("audit write failed for %s/%s: %v", a.MAC, a.Action, err)
	}
}

func (s *Service) emit(eventType, tenantID, subject string, data map[string]interface{}) {
	if s.events != nil {
		s.events.Emit(eventType, tenantID, subject, data)
	}
}

func (s *Service) countClaim(result string) {
	if s.metrics != nil {
		s.metrics.ClaimsTotal.WithLabelValues(result).Inc()
	}
}

package database

import (
	"context"
	"errors"
	"time"
)

// ============================================================================
// STORAGE INTERFACE
// ============================================================================

// Sentinel errors shared by every Store implementation.
var (
	// ErrNotFound means the referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrClaimCodeInvalid means the claim code is missing, expired or spent.
	ErrClaimCodeInvalid = errors.New("claim code invalid or expired")

	// ErrClaimWindowMissing means no unexpired claiming window exists for
	// the presenting MAC.
	ErrClaimWindowMissing = errors.New("claiming window missing or expired")

	// ErrAlertActive means the device already has a non-terminal alert.
	ErrAlertActive = errors.New("device already has an active alert")
)

// ClaimParams is the input of the enrollment transaction.
type ClaimParams struct {
	Code            string
	MAC             string
	HWVersion       string
	FirmwareVersion string
	Serial          string
	PasswordHash    string
	Password        string
}

// Store is the persistence boundary of the device fabric. Postgres is the
// production implementation; Memory backs tests and single-binary dev runs.
//
// Multi-row invariants (one active row per MAC, one active alert per device)
// are enforced inside the implementation under a single transaction, never
// by callers.
type Store interface {
	// --- tenants & users ---

	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
	ListTenantUsers(ctx context.Context, tenantID string) ([]User, error)

	// --- devices ---

	GetDevice(ctx context.Context, deviceID string) (*Device, error)
	// GetActiveDeviceByMAC returns the device row with unclaimed_at IS NULL.
	GetActiveDeviceByMAC(ctx context.Context, mac string) (*Device, error)
	// GetLatestDeviceByMAC returns the most recent row for the MAC whether
	// claimed or soft-deleted.
	GetLatestDeviceByMAC(ctx context.Context, mac string) (*Device, error)
	GetDeviceByTenantMAC(ctx context.Context, tenantID, mac string) (*Device, error)
	ListActiveDevices(ctx context.Context) ([]Device, error)
	ListTenantDevices(ctx context.Context, tenantID string) ([]Device, error)
	UpdateDeviceStatus(ctx context.Context, deviceID string, u StatusUpdate) error
	SetDeviceOnline(ctx context.Context, deviceID string, online bool) error
	UpdateDeviceCredential(ctx context.Context, deviceID, passwordHash, password string) error
	UpdateDeviceTenant(ctx context.Context, deviceID, tenantID string) error
	RenameDevice(ctx context.Context, deviceID, name string) error
	// PurgeUnclaimedBefore deletes soft-deleted rows older than cutoff and
	// returns how many were removed.
	PurgeUnclaimedBefore(ctx context.Context, cutoff time.Time) (int, error)

	// --- enrollment ---

	// UpsertClaimingWindow creates or refreshes the window for the MAC.
	UpsertClaimingWindow(ctx context.Context, w ClaimingWindow) error
	GetClaimingWindow(ctx context.Context, mac string) (*ClaimingWindow, error)
	CreateClaimCode(ctx context.Context, c ClaimCode) error
	GetClaimCode(ctx context.Context, code string) (*ClaimCode, error)
	// ClaimDevice runs the enrollment transaction: validate code and window,
	// drop any soft-deleted row for the MAC, insert the device, consume the
	// code and the window. A replay of an already-completed claim returns
	// the existing device with created == false.
	ClaimDevice(ctx context.Context, p ClaimParams) (dev *Device, created bool, err error)

	// --- revocation ---

	// RevokeDevice soft-deletes the device and persists the token in the
	// same transaction.
	RevokeDevice(ctx context.Context, deviceID string, t RevocationToken) error
	GetRevocationToken(ctx context.Context, token string) (*RevocationToken, error)
	// ConsumeRevocationToken marks the token used. Returns false when the
	// token was already consumed (or never existed), making the operation
	// single-winner under concurrency.
	ConsumeRevocationToken(ctx context.Context, token string) (bool, error)

	// --- alerts ---

	// CreateAlertIfNoneActive inserts the alert unless the device already
	// has one in a non-terminal status, in which case it returns the
	// existing alert and ErrAlertActive.
	CreateAlertIfNoneActive(ctx context.Context, a Alert) (*Alert, error)
	GetAlert(ctx context.Context, alertID string) (*Alert, error)
	GetActiveAlertForDevice(ctx context.Context, deviceID string) (*Alert, error)
	ListTenantAlerts(ctx context.Context, tenantID, status string) ([]Alert, error)
	// AcknowledgeAlert moves new -> acknowledged. No-op on any other status.
	AcknowledgeAlert(ctx context.Context, alertID string) (bool, error)
	// ResolveAlert moves new/acknowledged -> resolved. No-op otherwise.
	ResolveAlert(ctx context.Context, alertID, resolvedBy string) (bool, error)
	// ResolveDeviceAlerts resolves every non-terminal alert of the device.
	ResolveDeviceAlerts(ctx context.Context, deviceID, resolvedBy string) (int, error)

	// --- escalation ---

	// ListEscalatableAlerts returns alerts with status=new that either have
	// no escalation state or whose next_notification_at has elapsed.
	ListEscalatableAlerts(ctx context.Context, now time.Time, limit int) ([]Alert, error)
	GetEscalationState(ctx context.Context, alertID string) (*EscalationState, error)
	UpsertEscalationState(ctx context.Context, s EscalationState) error
	DeleteEscalationState(ctx context.Context, alertID string) error

	// --- contacts & notifications ---

	ListEmergencyContacts(ctx context.Context, tenantID string) ([]EmergencyContact, error)
	LogNotification(ctx context.Context, l NotificationLog) error

	// --- audit & classification ---

	AddClaimAudit(ctx context.Context, a ClaimAudit) error
	// HasClaimAudit reports whether the MAC ever appeared in the audit log.
	// Distinguishes a purged device (404) from a never-enrolled one.
	HasClaimAudit(ctx context.Context, mac string) (bool, error)
	AddImageClassification(ctx context.Context, c ImageClassification) error

	Close() error
}

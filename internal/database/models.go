package database

import (
	"time"
)

// ============================================================================
// DATA MODELS
// ============================================================================

// Tenant is an owning organization. Tenants partition every device-facing
// record in the system.
type Tenant struct {
	ID        string    `json:"tenant_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Device is the canonical device row. MAC is the 12-hex-char upper-case
// normalization of the primary MAC address and doubles as the MQTT client id
// and username. A non-nil UnclaimedAt means the device has been revoked
// (soft-deleted); at most one row per MAC may have UnclaimedAt == nil.
type Device struct {
	ID                string     `json:"device_id"`
	TenantID          string     `json:"tenant_id"`
	MAC               string     `json:"mqtt_client_id"`
	Name              string     `json:"name"`
	HWVersion         string     `json:"hw_version"`
	FirmwareVersion   string     `json:"firmware_version"`
	FilesystemVersion string     `json:"filesystem_version"`
	Serial            string     `json:"serial"`
	IP                string     `json:"ip"`
	RSSI              int        `json:"rssi"`
	UptimeSeconds     int64      `json:"uptime_seconds"`
	Online            bool       `json:"online"`
	LastSeenAt        *time.Time `json:"last_seen_at"`
	UnclaimedAt       *time.Time `json:"unclaimed_at"`
	// PasswordHash is the bcrypt hash stored for audit; Password keeps the
	// plaintext so the broker credential store can be re-synced at any time.
	PasswordHash string    `json:"-"`
	Password     string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Claimed reports whether the device currently holds its identity.
func (d *Device) Claimed() bool { return d.UnclaimedAt == nil }

// ClaimingWindow is the ≤10-minute slot a device opens (hardware button,
// captive portal) that permits a claim for its MAC.
type ClaimingWindow struct {
	MAC        string    `json:"mac"`
	TenantHint string    `json:"tenant_hint,omitempty"`
	Serial     string    `json:"serial,omitempty"`
	IP         string    `json:"ip,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Claim code statuses.
const (
	ClaimCodeActive  = "active"
	ClaimCodeClaimed = "claimed"
	ClaimCodeExpired = "expired"
)

// ClaimCode is the operator-issued short code binding a tenant and a device
// name to an enrollment attempt.
type ClaimCode struct {
	Code       string    `json:"code"`
	TenantID   string    `json:"tenant_id"`
	DeviceName string    `json:"device_name"`
	Status     string    `json:"status"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// RevocationToken is the single-use 256-bit secret that authorizes a device
// to forget its identity.
type RevocationToken struct {
	Token     string    `json:"-"`
	DeviceID  string    `json:"device_id"`
	MAC       string    `json:"mac"`
	Consumed  bool      `json:"consumed"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Alert severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Alert statuses. New and Acknowledged are the non-terminal states counted
// by the single-active invariant.
const (
	AlertNew          = "new"
	AlertAcknowledged = "acknowledged"
	AlertResolved     = "resolved"
)

// Alert is a trap trigger (device-reported or server-synthesized).
type Alert struct {
	ID             string                 `json:"alert_id"`
	DeviceID       string                 `json:"device_id"`
	TenantID       string                 `json:"tenant_id"`
	Severity       string                 `json:"severity"`
	Status         string                 `json:"status"`
	TriggeredAt    time.Time              `json:"triggered_at"`
	ResolvedAt     *time.Time             `json:"resolved_at,omitempty"`
	ResolvedBy     string                 `json:"resolved_by,omitempty"`
	SensorData     map[string]interface{} `json:"sensor_data,omitempty"`
	Classification string                 `json:"classification,omitempty"`
}

// Active reports whether the alert is in a non-terminal status.
func (a *Alert) Active() bool {
	return a.Status == AlertNew || a.Status == AlertAcknowledged
}

// ContactNotification records that a contact was reached at a given level,
// so fan-out never repeats within a level.
type ContactNotification struct {
	ContactID  string    `json:"contact_id"`
	Level      int       `json:"level"`
	NotifiedAt time.Time `json:"notified_at"`
}

// EscalationState is the per-alert scheduler row. It exists only while the
// alert is unacknowledged; deleting it stops escalation.
type EscalationState struct {
	AlertID            string                `json:"alert_id"`
	Level              int                   `json:"level"`
	LastNotificationAt time.Time             `json:"last_notification_at"`
	NextNotificationAt time.Time             `json:"next_notification_at"`
	NotificationCount  int                   `json:"notification_count"`
	ContactsNotified   []ContactNotification `json:"contacts_notified"`
	DNDOverridden      bool                  `json:"dnd_overridden"`
}

// Notified reports whether the contact has already been reached at level.
func (s *EscalationState) Notified(contactID string, level int) bool {
	for _, c := range s.ContactsNotified {
		if c.ContactID == contactID && c.Level == level {
			return true
		}
	}
	return false
}

// Escalation presets.
const (
	PresetRelaxed    = "relaxed"
	PresetNormal     = "normal"
	PresetAggressive = "aggressive"
	PresetCustom     = "custom"
)

// NotificationPreferences holds a user's escalation timing choices.
// CustomMinutes maps level (2..5) to minutes-from-trigger and only applies
// with PresetCustom; missing levels fall back to the normal preset.
type NotificationPreferences struct {
	UserID              string      `json:"user_id"`
	Preset              string      `json:"preset"`
	CustomMinutes       map[int]int `json:"custom_minutes,omitempty"`
	DoNotDisturb        bool        `json:"do_not_disturb"`
	CriticalOverrideDND bool        `json:"critical_override_dnd"`
}

// User is an operator belonging to a tenant.
type User struct {
	ID          string                   `json:"user_id"`
	TenantID    string                   `json:"tenant_id"`
	Email       string                   `json:"email"`
	Name        string                   `json:"name"`
	Preferences *NotificationPreferences `json:"preferences,omitempty"`
}

// Emergency contact channels.
const (
	ChannelPush  = "push"
	ChannelSMS   = "sms"
	ChannelEmail = "email"
)

// EmergencyContact is a person reached during high escalation levels.
// Target is a device token, phone number or address depending on Channel.
type EmergencyContact struct {
	ID              string `json:"contact_id"`
	TenantID        string `json:"tenant_id"`
	Name            string `json:"name"`
	Channel         string `json:"channel"`
	Target          string `json:"target"`
	EscalationLevel int    `json:"escalation_level"`
	Enabled         bool   `json:"enabled"`
}

// NotificationLog is one delivery attempt on any channel.
type NotificationLog struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	AlertID   string    `json:"alert_id,omitempty"`
	Recipient string    `json:"recipient"`
	Channel   string    `json:"channel"`
	Subject   string    `json:"subject"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// Claim audit actions.
const (
	AuditClaimed       = "claimed"
	AuditRevoked       = "revoked"
	AuditUnclaimNotify = "unclaim_notify"
	AuditMigrated      = "migrated"
	AuditPurged        = "purged"
)

// ClaimAudit records device identity transitions. Audit rows outlive the
// device row itself, which is how a purged MAC stays distinguishable from a
// never-seen one.
type ClaimAudit struct {
	ID        string    `json:"id"`
	MAC       string    `json:"mac"`
	DeviceID  string    `json:"device_id,omitempty"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Action    string    `json:"action"`
	Source    string    `json:"source,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ImageClassification is one motion-snapshot inference result.
type ImageClassification struct {
	ID           string             `json:"id"`
	DeviceID     string             `json:"device_id"`
	TenantID     string             `json:"tenant_id"`
	ImageHash    string             `json:"image_hash"`
	Label        string             `json:"label"`
	Confidence   float64            `json:"confidence"`
	Predictions  map[string]float64 `json:"predictions,omitempty"`
	ModelVersion string             `json:"model_version"`
	InferenceMS  int64              `json:"inference_ms"`
	CreatedAt    time.Time          `json:"created_at"`
}

// StatusUpdate carries the mutable fields refreshed by a device status
// message. Nil pointer fields are left untouched.
type StatusUpdate struct {
	Online            bool
	LastSeenAt        time.Time
	FirmwareVersion   string
	FilesystemVersion string
	IP                string
	RSSI              *int
	UptimeSeconds     *int64
}

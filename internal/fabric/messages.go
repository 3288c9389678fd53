package fabric

import (
	"time"
)

// Payload schemas for the device wire protocol. Every payload is a JSON
// object; unknown kinds are refused at dispatch with a logged warning.

// StatusMessage is a heartbeat / state report.
type StatusMessage struct {
	Online            bool   `json:"online"`
	Triggered         bool   `json:"triggered"`
	TriggeredAt       int64  `json:"triggered_at,omitempty"` // sec or ms epoch
	FirmwareVersion   string `json:"firmware_version,omitempty"`
	FilesystemVersion string `json:"filesystem_version,omitempty"`
	UptimeSeconds     *int64 `json:"uptime,omitempty"`
	IP                string `json:"ip,omitempty"`
	RSSI              *int   `json:"rssi,omitempty"`
	Timestamp         int64  `json:"timestamp,omitempty"` // sec or ms epoch
}

// AlertMessage is a device-originated trigger report.
type AlertMessage struct {
	Severity    string                 `json:"severity,omitempty"`
	TriggeredAt int64                  `json:"triggered_at,omitempty"`
	SensorData  map[string]interface{} `json:"sensor_data,omitempty"`
}

// AlertClearedMessage confirms the device cleared its local trigger state.
type AlertClearedMessage struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

// RotationAckMessage acknowledges a rotate_credentials command.
type RotationAckMessage struct {
	RotationID string `json:"rotation_id"`
	Success    bool   `json:"success"`
}

// MotionMessage carries a motion snapshot for classification.
type MotionMessage struct {
	ImageB64  string `json:"image"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// OTAProgressMessage reports firmware/filesystem update progress.
type OTAProgressMessage struct {
	Component string `json:"component"` // firmware | filesystem
	Version   string `json:"version"`
	Percent   int    `json:"percent"`
	State     string `json:"state"` // downloading | flashing | done | error
	Error     string `json:"error,omitempty"`
}

// SnapshotMessage is a requested still image.
type SnapshotMessage struct {
	ImageB64  string `json:"image"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// RotateCommand is the payload of the rotate_credentials command.
type RotateCommand struct {
	RotationID string `json:"rotation_id"`
	Password   string `json:"password"`
}

// RevokePayload is the payload of the revoke message. The device must
// verify the token over HTTP before forgetting its identity.
type RevokePayload struct {
	Token     string `json:"token"`
	Timestamp int64  `json:"timestamp"`
}

// UpdateTenantCommand tells the device which topic prefix to use after a
// migration.
type UpdateTenantCommand struct {
	TenantID string `json:"tenant_id"`
}

// EscalationCommand drives device-side signaling at an escalation level.
type EscalationCommand struct {
	Level  int    `json:"level"`
	Buzzer string `json:"buzzer"`
	LED    string `json:"led"`
}

// Manifest is the retained firmware/filesystem notice reconnecting devices
// discover.
type Manifest struct {
	Version     string `json:"version"`
	URL         string `json:"url"`
	SHA256      string `json:"sha256"`
	PublishedAt int64  `json:"published_at"`
}

// ServerStatus is the retained presence payload on server/status.
type ServerStatus struct {
	Online    bool  `json:"online"`
	Timestamp int64 `json:"timestamp"`
}

// NormalizeTimestamp converts a device-reported epoch that may be seconds
// or milliseconds into a time. Values below 1e10 are seconds. Zero means
// "unknown" and maps to the zero time.
func NormalizeTimestamp(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	if v < 10_000_000_000 {
		return time.UnixMilli(v * 1000)
	}
	return time.UnixMilli(v)
}

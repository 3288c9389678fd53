package fabric

import (
	"fmt"
	"strings"
)

// Inbound message kinds, matching the device-side topic suffixes.
type Kind string

const (
	KindStatus       Kind = "status"
	KindOTAProgress  Kind = "ota/progress"
	KindSnapshot     Kind = "camera/snapshot"
	KindAlert        Kind = "alert"
	KindAlertCleared Kind = "alert_cleared"
	KindRotationAck  Kind = "rotation_ack"
	KindMotion       Kind = "motion"
)

// Device commands published on the cmd topic. The segment is `cmd`, not
// `command` — firmware only listens on the former.
const (
	CmdReboot            = "reboot"
	CmdStatus            = "status"
	CmdAlertReset        = "alert_reset"
	CmdTestTrigger       = "test_trigger"
	CmdCaptureSnapshot   = "capture_snapshot"
	CmdEscalation        = "escalation"
	CmdRotateCredentials = "rotate_credentials"
	CmdUpdateTenant      = "update_tenant"
)

// ServerStatusTopic carries the retained online/offline presence of the
// control plane itself, mirrored by the Last Will message.
const ServerStatusTopic = "server/status"

// subscription pairs a topic filter with its QoS. Heartbeats and rotation
// acks ride QoS 1 because ordering and delivery matter there; the rest is
// fire-and-forget telemetry.
type subscription struct {
	filter string
	qos    byte
}

var subscriptions = []subscription{
	{"tenant/+/device/+/status", 1},
	{"tenant/+/device/+/ota/progress", 0},
	{"tenant/+/device/+/camera/snapshot", 0},
	{"tenant/+/device/+/alert", 0},
	{"tenant/+/device/+/alert_cleared", 0},
	{"tenant/+/device/+/rotation_ack", 1},
	{"tenant/+/device/+/motion", 0},
}

// CommandTopic builds tenant/{t}/device/{mac}/cmd/{command}.
func CommandTopic(tenant, mac, command string) string {
	return fmt.Sprintf("tenant/%s/device/%s/cmd/%s", tenant, mac, command)
}

// RevokeTopic builds tenant/{t}/device/{mac}/revoke.
func RevokeTopic(tenant, mac string) string {
	return fmt.Sprintf("tenant/%s/device/%s/revoke", tenant, mac)
}

// ManifestTopic builds the retained firmware/filesystem manifest topic.
// An empty tenant addresses the global manifest.
func ManifestTopic(tenant, kind string) string {
	if tenant == "" {
		return fmt.Sprintf("global/%s/latest", kind)
	}
	return fmt.Sprintf("tenant/%s/%s/latest", tenant, kind)
}

// ParseDeviceTopic splits tenant/{t}/device/{mac}/{kind...} into its parts.
// Returns ok == false for topics outside the device grammar.
func ParseDeviceTopic(topic string) (tenant, mac string, kind Kind, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 5 || parts[0] != "tenant" || parts[2] != "device" {
		return "", "", "", false
	}
	tenant, mac = parts[1], parts[3]
	if tenant == "" || mac == "" {
		return "", "", "", false
	}

	switch k := Kind(strings.Join(parts[4:], "/")); k {
	case KindStatus, KindOTAProgress, KindSnapshot, KindAlert,
		KindAlertCleared, KindRotationAck, KindMotion:
		return tenant, mac, k, true
	default:
		return "", "", "", false
	}
}

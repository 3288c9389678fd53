// Package session tracks device liveness and owns the alert lifecycle: it
// turns inbound fabric events into device state, enforces one active alert
// per device, fans out first notifications, and reconciles state when a
// device reconnects after an outage.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/trapsight/backend/internal/classify"
	"github.com/trapsight/backend/internal/database"
	"github.com/trapsight/backend/internal/events"
	"github.com/trapsight/backend/internal/fabric"
	"github.com/trapsight/backend/internal/monitoring"
	"github.com/trapsight/backend/internal/notify"
)

// DefaultHeartbeatTimeout is how long a device may stay silent before it
// is presumed offline. Devices report every ~10 minutes.
const DefaultHeartbeatTimeout = 15 * time.Minute

// Alert origins, recorded in metrics and event payloads.
const (
	originDevice         = "device"
	originClassification = "classification"
	originSync           = "sync"
	originOperator       = "operator"
)

// Core implements fabric.Sink.
type Core struct {
	store      database.Store
	fabric     fabric.Publisher
	notifier   *notify.Notifier
	classifier classify.Classifier
	events     events.Emitter
	metrics    *monitoring.Metrics
	logger     *log.Logger

	heartbeatTimeout time.Duration
	classifyLabel    string
	classifyMin      float64

	mu     sync.Mutex
	timers map[string]*time.Timer // tenant/mac -> expiry timer
	closed bool
}

// Options tunes the core. Zero values take defaults.
type Options struct {
	HeartbeatTimeout time.Duration
	ClassifyLabel    string
	ClassifyMin      float64
}

// New builds the session core. classifier may be nil when no inference
// service is configured; motion snapshots are then recorded but never
// auto-alert.
func New(store database.Store, pub fabric.Publisher, notifier *notify.Notifier,
	classifier classify.Classifier, emitter events.Emitter, metrics *monitoring.Metrics,
	opts Options) *Core {

	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.ClassifyLabel == "" {
		opts.ClassifyLabel = "rodent"
	}
	if opts.ClassifyMin <= 0 {
		opts.ClassifyMin = 0.5
	}
	return &Core{
		store:            store,
		fabric:           pub,
		notifier:         notifier,
		classifier:       classifier,
		events:           emitter,
		metrics:          metrics,
		logger:           log.New(log.Writer(), "[SESSION] ", log.LstdFlags),
		heartbeatTimeout: opts.HeartbeatTimeout,
		classifyLabel:    opts.ClassifyLabel,
		classifyMin:      opts.ClassifyMin,
		timers:           make(map[string]*time.Timer),
	}
}

// Stop cancels every heartbeat timer. Used on shutdown so a draining
// process does not mark the fleet offline.
func (c *Core) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for key, t := range c.timers {
		t.Stop()
		delete(c.timers, key)
	}
	if c.metrics != nil {
		c.metrics.DevicesOnline.Set(0)
	}
}

// ============================================================================
// EVENT DISPATCH
// ============================================================================

// HandleDeviceEvent routes one inbound fabric event. Every event from a
// known device refreshes its heartbeat; the message kinds then get their
// own handling. Handlers tolerate QoS 1 redelivery.
func (c *Core) HandleDeviceEvent(ctx context.Context, ev fabric.Event) {
	dev, err := c.store.GetDeviceByTenantMAC(ctx, ev.Tenant, ev.MAC)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.logger.Printf("dropping %s from unknown device %s/%s", ev.Kind, ev.Tenant, ev.MAC)
		} else {
			c.logger.Printf("device lookup for %s/%s failed: %v", ev.Tenant, ev.MAC, err)
		}
		return
	}

	c.touch(ctx, dev)

	switch ev.Kind {
	case fabric.KindStatus:
		c.handleStatus(ctx, dev, ev.Payload)
	case fabric.KindAlert:
		c.handleAlert(ctx, dev, ev.Payload)
	case fabric.KindAlertCleared:
		c.handleAlertCleared(ctx, dev)
	case fabric.KindMotion:
		c.handleMotion(ctx, dev, ev.Payload)
	case fabric.KindOTAProgress:
		c.handleOTAProgress(ctx, dev, ev.Payload)
	case fabric.KindSnapshot:
		c.handleSnapshot(dev, ev.Payload)
	default:
		c.logger.Printf("unhandled kind %q from %s", ev.Kind, dev.MAC)
	}
}

// ============================================================================
// LIVENESS
// ============================================================================

// touch arms or resets the device's heartbeat timer and flips the row
// online if it was not already.
func (c *Core) touch(ctx context.Context, dev *database.Device) {
	key := dev.TenantID + "/" + dev.MAC

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if t, ok := c.timers[key]; ok {
		t.Reset(c.heartbeatTimeout)
		c.mu.Unlock()
	} else {
		tenantID, mac, deviceID := dev.TenantID, dev.MAC, dev.ID
		c.timers[key] = time.AfterFunc(c.heartbeatTimeout, func() {
			c.expire(key, tenantID, mac, deviceID)
		})
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.DevicesOnline.Inc()
		}
	}

	if !dev.Online {
		if err := c.store.SetDeviceOnline(ctx, dev.ID, true); err != nil {
			c.logger.Printf("mark %s online failed: %v", dev.MAC, err)
		}
		c.emit(events.TypeDeviceOnline, dev.TenantID, dev.ID, map[string]interface{}{"mac": dev.MAC})
	}
}

// expire fires when a device misses its heartbeat window.
func (c *Core) expire(key, tenantID, mac, deviceID string) {
	c.mu.Lock()
	delete(c.timers, key)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.store.SetDeviceOnline(ctx, deviceID, false); err != nil {
		c.logger.Printf("mark %s offline failed: %v", mac, err)
	}
	if c.metrics != nil {
		c.metrics.HeartbeatExpiries.Inc()
		c.metrics.DevicesOnline.Dec()
	}
	c.emit(events.TypeDeviceOffline, tenantID, deviceID, map[string]interface{}{
		"mac": mac, "reason": "heartbeat_timeout",
	})
	c.logger.Printf("device %s silent for %s, marked offline", mac, c.heartbeatTimeout)
}

// dropTimer forgets a device's heartbeat without marking it offline.
func (c *Core) dropTimer(tenantID, mac string) {
	key := tenantID + "/" + mac
	c.mu.Lock()
	t, ok := c.timers[key]
	if ok {
		delete(c.timers, key)
	}
	c.mu.Unlock()
	if ok {
		t.Stop()
		if c.metrics != nil {
			c.metrics.DevicesOnline.Dec()
		}
	}
}

// ============================================================================
// STATUS & RECONCILIATION
// ============================================================================

func (c *Core) handleStatus(ctx context.Context, dev *database.Device, payload []byte) {
	var msg fabric.StatusMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Printf("bad status payload from %s: %v", dev.MAC, err)
		return
	}

	update := database.StatusUpdate{
		Online:            msg.Online,
		LastSeenAt:        time.Now(),
		FirmwareVersion:   msg.FirmwareVersion,
		FilesystemVersion: msg.FilesystemVersion,
		IP:                msg.IP,
		RSSI:              msg.RSSI,
		UptimeSeconds:     msg.UptimeSeconds,
	}
	if err := c.store.UpdateDeviceStatus(ctx, dev.ID, update); err != nil {
		c.logger.Printf("status update for %s failed: %v", dev.MAC, err)
		return
	}

	if !msg.Online {
		// Graceful shutdown or LWT relayed by the device.
		c.dropTimer(dev.TenantID, dev.MAC)
		if err := c.store.SetDeviceOnline(ctx, dev.ID, false); err != nil {
			c.logger.Printf("mark %s offline failed: %v", dev.MAC, err)
		}
		c.emit(events.TypeDeviceOffline, dev.TenantID, dev.ID, map[string]interface{}{
			"mac": dev.MAC, "reason": "reported",
		})
		return
	}

	// Hygiene on every online report: a claimed device must never sit
	// behind a retained revoke left over from a previous identity.
	if err := c.fabric.ClearRetainedRevoke(dev.TenantID, dev.MAC); err != nil {
		c.logger.Printf("retained revoke clear for %s failed: %v", dev.MAC, err)
	}

	if msg.Triggered {
		c.reconcileTriggered(ctx, dev, msg)
	}
}

// reconcileTriggered handles a status report claiming the trap is sprung.
// If the server lost the original alert (downtime, broker gap) a
// synthesized one is created so a catch never goes unnoticed.
func (c *Core) reconcileTriggered(ctx context.Context, dev *database.Device, msg fabric.StatusMessage) {
	_, err := c.store.GetActiveAlertForDevice(ctx, dev.ID)
	if err == nil {
		return // alert already tracked
	}
	if !errors.Is(err, database.ErrNotFound) {
		c.logger.Printf("active alert lookup for %s failed: %v", dev.MAC, err)
		return
	}

	triggeredAt := fabric.NormalizeTimestamp(msg.TriggeredAt)
	if triggeredAt.IsZero() {
		triggeredAt = time.Now()
	}
	c.createAlert(ctx, dev, database.Alert{
		DeviceID:    dev.ID,
		TenantID:    dev.TenantID,
		Severity:    database.SeverityHigh,
		Status:      database.AlertNew,
		TriggeredAt: triggeredAt,
		SensorData:  map[string]interface{}{"synced_from_device": true},
	}, originSync)
}

// ============================================================================
// ALERTS
// ============================================================================

func (c *Core) handleAlert(ctx context.Context, dev *database.Device, payload []byte) {
	var msg fabric.AlertMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Printf("bad alert payload from %s: %v", dev.MAC, err)
		return
	}

	severity := msg.Severity
	switch severity {
	case database.SeverityLow, database.SeverityMedium, database.SeverityHigh, database.SeverityCritical:
	default:
		severity = database.SeverityMedium
	}
	triggeredAt := fabric.NormalizeTimestamp(msg.TriggeredAt)
	if triggeredAt.IsZero() {
		triggeredAt = time.Now()
	}

	c.createAlert(ctx, dev, database.Alert{
		DeviceID:    dev.ID,
		TenantID:    dev.TenantID,
		Severity:    severity,
		Status:      database.AlertNew,
		TriggeredAt: triggeredAt,
		SensorData:  msg.SensorData,
	}, originDevice)
}

// createAlert inserts under the single-active invariant and fans out the
// initial notification wave for a fresh alert. A suppressed duplicate is
// counted and otherwise ignored.
func (c *Core) createAlert(ctx context.Context, dev *database.Device, a database.Alert, origin string) {
	created, err := c.store.CreateAlertIfNoneActive(ctx, a)
	if errors.Is(err, database.ErrAlertActive) {
		if c.metrics != nil {
			c.metrics.AlertsSuppressed.Inc()
		}
		return
	}
	if err != nil {
		c.logger.Printf("alert create for %s failed: %v", dev.MAC, err)
		return
	}

	if c.metrics != nil {
		c.metrics.AlertsCreated.WithLabelValues(origin).Inc()
	}
	c.emit(events.TypeAlertCreated, dev.TenantID, created.ID, map[string]interface{}{
		"device_id": dev.ID, "device_name": dev.Name,
		"severity": created.Severity, "origin": origin,
	})
	c.logger.Printf("alert %s created for %s (%s, origin=%s)", created.ID, dev.MAC, created.Severity, origin)

	c.fanOut(ctx, dev, created)
}

// fanOut delivers the first notification wave: push to every tenant user
// and every channel of the tenant's level-1 contacts. Later waves belong
// to the escalation engine.
func (c *Core) fanOut(ctx context.Context, dev *database.Device, a *database.Alert) {
	if c.notifier == nil {
		return
	}
	msg := notify.Message{
		TenantID: a.TenantID,
		AlertID:  a.ID,
		Title:    fmt.Sprintf("Trap triggered: %s", dev.Name),
		Body:     fmt.Sprintf("%s reported a %s-severity trigger at %s.", dev.Name, a.Severity, a.TriggeredAt.Format(time.RFC3339)),
		Urgency:  a.Severity,
	}

	users, err := c.store.ListTenantUsers(ctx, a.TenantID)
	if err != nil {
		c.logger.Printf("user list for tenant %s failed: %v", a.TenantID, err)
	}
	for _, u := range users {
		c.notifier.PushUser(ctx, u, msg)
	}

	contacts, err := c.store.ListEmergencyContacts(ctx, a.TenantID)
	if err != nil {
		c.logger.Printf("contact list for tenant %s failed: %v", a.TenantID, err)
		return
	}
	for _, contact := range contacts {
		if contact.Enabled && contact.EscalationLevel <= 1 {
			c.notifier.Contact(ctx, contact, msg)
		}
	}
}

// handleAlertCleared is the device-side resolution path. Idempotent: a
// second cleared message finds nothing active and does nothing.
func (c *Core) handleAlertCleared(ctx context.Context, dev *database.Device) {
	alert, err := c.store.GetActiveAlertForDevice(ctx, dev.ID)
	if errors.Is(err, database.ErrNotFound) {
		return
	}
	if err != nil {
		c.logger.Printf("active alert lookup for %s failed: %v", dev.MAC, err)
		return
	}

	changed, err := c.store.ResolveAlert(ctx, alert.ID, originDevice)
	if err != nil {
		c.logger.Printf("resolve alert %s failed: %v", alert.ID, err)
		return
	}
	if !changed {
		return
	}
	if err := c.store.DeleteEscalationState(ctx, alert.ID); err != nil {
		c.logger.Printf("escalation state delete for %s failed: %v", alert.ID, err)
	}
	if c.metrics != nil {
		c.metrics.AlertsResolved.WithLabelValues(originDevice).Inc()
	}
	c.emit(events.TypeAlertResolved, dev.TenantID, alert.ID, map[string]interface{}{
		"device_id": dev.ID, "resolved_by": originDevice,
	})
	c.logger.Printf("alert %s resolved by device %s", alert.ID, dev.MAC)
}

// Acknowledge is the operator ack path: the alert stops escalating but
// stays open. The device is told to reset so buzzer and LED quiet down.
// Safe to call twice.
func (c *Core) Acknowledge(ctx context.Context, alertID, userID string) error {
	alert, err := c.store.GetAlert(ctx, alertID)
	if err != nil {
		return err
	}
	changed, err := c.store.AcknowledgeAlert(ctx, alertID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := c.store.DeleteEscalationState(ctx, alertID); err != nil {
		c.logger.Printf("escalation state delete for %s failed: %v", alertID, err)
	}

	dev, err := c.store.GetDevice(ctx, alert.DeviceID)
	if err == nil {
		if err := c.fabric.PublishCommand(ctx, dev.TenantID, dev.MAC, fabric.CmdAlertReset, map[string]interface{}{
			"alert_id": alertID,
		}); err != nil {
			c.logger.Printf("alert_reset for %s failed: %v", dev.MAC, err)
		}
	}

	c.emit(events.TypeAlertAcknowledged, alert.TenantID, alertID, map[string]interface{}{
		"user_id": userID,
	})
	return nil
}

// Resolve is the operator resolution path. The device is told to reset its
// local trigger state; if it is offline the retained claim on its command
// topic is not needed because the next status report reconciles instead.
func (c *Core) Resolve(ctx context.Context, alertID, userID string) error {
	alert, err := c.store.GetAlert(ctx, alertID)
	if err != nil {
		return err
	}
	changed, err := c.store.ResolveAlert(ctx, alertID, userID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := c.store.DeleteEscalationState(ctx, alertID); err != nil {
		c.logger.Printf("escalation state delete for %s failed: %v", alertID, err)
	}

	dev, err := c.store.GetDevice(ctx, alert.DeviceID)
	if err == nil {
		if err := c.fabric.PublishCommand(ctx, dev.TenantID, dev.MAC, fabric.CmdAlertReset, map[string]interface{}{
			"alert_id": alertID,
		}); err != nil {
			c.logger.Printf("alert_reset for %s failed: %v", dev.MAC, err)
		}
	}

	if c.metrics != nil {
		c.metrics.AlertsResolved.WithLabelValues(originOperator).Inc()
	}
	c.emit(events.TypeAlertResolved, alert.TenantID, alertID, map[string]interface{}{
		"device_id": alert.DeviceID, "resolved_by": userID,
	})
	return nil
}

// ============================================================================
// MOTION CLASSIFICATION
// ============================================================================

func (c *Core) handleMotion(ctx context.Context, dev *database.Device, payload []byte) {
	var msg fabric.MotionMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.ImageB64 == "" {
		c.logger.Printf("bad motion payload from %s", dev.MAC)
		return
	}
	if c.classifier == nil {
		return
	}

	start := time.Now()
	res, err := c.classifier.Classify(ctx, msg.ImageB64)
	elapsed := time.Since(start)
	if c.metrics != nil {
		c.metrics.ClassificationLatency.Observe(elapsed.Seconds())
	}
	if err != nil {
		c.countClassification("error")
		c.logger.Printf("classification for %s failed: %v", dev.MAC, err)
		return
	}

	sum := sha256.Sum256([]byte(msg.ImageB64))
	record := database.ImageClassification{
		DeviceID:     dev.ID,
		TenantID:     dev.TenantID,
		ImageHash:    hex.EncodeToString(sum[:]),
		Label:        res.Label,
		Confidence:   res.Confidence,
		Predictions:  res.Predictions,
		ModelVersion: res.ModelVersion,
		InferenceMS:  elapsed.Milliseconds(),
		CreatedAt:    time.Now(),
	}
	if err := c.store.AddImageClassification(ctx, record); err != nil {
		c.logger.Printf("classification record for %s failed: %v", dev.MAC, err)
	}

	if res.Label != c.classifyLabel || res.Confidence <= c.classifyMin {
		c.countClassification("miss")
		return
	}
	c.countClassification("hit")

	triggeredAt := fabric.NormalizeTimestamp(msg.Timestamp)
	if triggeredAt.IsZero() {
		triggeredAt = time.Now()
	}
	c.createAlert(ctx, dev, database.Alert{
		DeviceID:       dev.ID,
		TenantID:       dev.TenantID,
		Severity:       database.SeverityHigh,
		Status:         database.AlertNew,
		TriggeredAt:    triggeredAt,
		Classification: res.Label,
		SensorData: map[string]interface{}{
			"confidence": res.Confidence,
			"image_hash": record.ImageHash,
		},
	}, originClassification)
}

func (c *Core) countClassification(result string) {
	if c.metrics != nil {
		c.metrics.ClassificationTotal.WithLabelValues(result).Inc()
	}
}

// ============================================================================
// OTA & SNAPSHOTS
// ============================================================================

func (c *Core) handleOTAProgress(ctx context.Context, dev *database.Device, payload []byte) {
	var msg fabric.OTAProgressMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Printf("bad ota progress payload from %s: %v", dev.MAC, err)
		return
	}

	if msg.State == "done" && msg.Version != "" {
		update := database.StatusUpdate{Online: true, LastSeenAt: time.Now()}
		switch msg.Component {
		case "filesystem":
			update.FilesystemVersion = msg.Version
		default:
			update.FirmwareVersion = msg.Version
		}
		if err := c.store.UpdateDeviceStatus(ctx, dev.ID, update); err != nil {
			c.logger.Printf("version update for %s failed: %v", dev.MAC, err)
		}
	}

	c.emit(events.TypeOTAProgress, dev.TenantID, dev.ID, map[string]interface{}{
		"component": msg.Component, "version": msg.Version,
		"percent": msg.Percent, "state": msg.State, "error": msg.Error,
	})
}

// handleSnapshot relays a requested still to live subscribers. Snapshots
// are ephemeral; they are not persisted server-side.
func (c *Core) handleSnapshot(dev *database.Device, payload []byte) {
	var msg fabric.SnapshotMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.ImageB64 == "" {
		c.logger.Printf("bad snapshot payload from %s", dev.MAC)
		return
	}
	c.emit(events.TypeSnapshot, dev.TenantID, dev.ID, map[string]interface{}{
		"request_id": msg.RequestID,
		"image":      msg.ImageB64,
	})
}

func (c *Core) emit(eventType, tenantID, subject string, data map[string]interface{}) {
	if c.events != nil {
		c.events.Emit(eventType, tenantID, subject, data)
	}
}

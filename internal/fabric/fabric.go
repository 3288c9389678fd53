// Package fabric owns the single long-lived MQTT connection: subscription
// dispatch, command publishing with delivery guarantees, pending rotation
// acks, and the retained server-status presence topic.
package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/trapsight/backend/internal/config"
	"github.com/trapsight/backend/internal/monitoring"
)

// ErrNotConnected is returned by publishes while the broker link is down.
// Callers decide whether to retry or persist the intent; the database stays
// authoritative either way.
var ErrNotConnected = errors.New("mqtt broker not connected")

// Event is one parsed inbound device message.
type Event struct {
	Tenant  string
	MAC     string
	Kind    Kind
	Payload []byte
}

// Sink receives inbound device events. Handlers must be idempotent: QoS 1
// topics can redeliver.
type Sink interface {
	HandleDeviceEvent(ctx context.Context, ev Event)
}

// Publisher is the outbound surface other components use.
type Publisher interface {
	PublishCommand(ctx context.Context, tenant, mac, command string, payload interface{}) error
	PublishRevoke(ctx context.Context, tenant, mac, token string) error
	ClearRetainedRevoke(tenant, mac string) error
	PublishManifest(ctx context.Context, tenant, kind string, m Manifest) error
	RotateCredentials(ctx context.Context, tenant, mac, rotationID, password string,
		timeout time.Duration) (<-chan RotationResult, error)
	Connected() bool
}

// Fabric is the MQTT message fabric.
type Fabric struct {
	cfg       config.MQTTConfig
	client    mqtt.Client
	sink      Sink
	rotations *rotationTracker
	metrics   *monitoring.Metrics
	logger    *log.Logger

	queue     chan Event
	workersWG sync.WaitGroup
	accepting atomic.Bool

	// publish is swapped out by tests; production uses publishMQTT.
	publish func(topic string, qos byte, retained bool, payload []byte) error
}

var _ Publisher = (*Fabric)(nil)

// New builds the fabric. Call Start to connect.
func New(cfg config.MQTTConfig, sink Sink, metrics *monitoring.Metrics) *Fabric {
	f := &Fabric{
		cfg:       cfg,
		sink:      sink,
		rotations: newRotationTracker(),
		metrics:   metrics,
		logger:    log.New(log.Writer(), "[FABRIC] ", log.LstdFlags),
		queue:     make(chan Event, cfg.QueueSize),
	}
	f.publish = f.publishMQTT

	will, _ := json.Marshal(ServerStatus{Online: false, Timestamp: time.Now().UnixMilli()})

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(cfg.MaxReconnectWait).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetOrderMatters(true).
		SetBinaryWill(ServerStatusTopic, will, 1, true).
		SetOnConnectHandler(f.onConnect).
		SetConnectionLostHandler(f.onConnectionLost)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	f.client = mqtt.NewClient(opts)
	return f
}

// Start connects to the broker and spins up the dispatch workers.
func (f *Fabric) Start() error {
	f.accepting.Store(true)

	workers := f.cfg.WorkerCount
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		f.workersWG.Add(1)
		go f.worker()
	}

	token := f.client.Connect()
	if !token.WaitTimeout(f.cfg.ConnectTimeout) {
		f.logger.Printf("broker connect timed out; reconnecting in background")
		return nil
	}
	if err := token.Error(); err != nil {
		f.logger.Printf("broker connect failed (%v); reconnecting in background", err)
		return nil
	}
	return nil
}

// Shutdown stops intake, drains the work queue within the drain deadline,
// publishes the retained offline status, and disconnects.
func (f *Fabric) Shutdown(ctx context.Context) {
	f.accepting.Store(false)
	close(f.queue)

	done := make(chan struct{})
	go func() {
		f.workersWG.Wait()
		close(done)
	}()

	drain := f.cfg.DrainTimeout
	if drain <= 0 {
		drain = 10 * time.Second
	}
	select {
	case <-done:
	case <-time.After(drain):
		f.logger.Printf("drain deadline hit; abandoning queued events")
	case <-ctx.Done():
	}

	if f.client.IsConnected() {
		if err := f.publishServerStatus(false); err != nil {
			f.logger.Printf("offline status publish failed: %v", err)
		}
		f.client.Disconnect(250)
	}
	f.logger.Printf("disconnected")
}

// Connected reports the broker link state.
func (f *Fabric) Connected() bool {
	return f.client != nil && f.client.IsConnectionOpen()
}

// ============================================================================
// CONNECTION LIFECYCLE
// ============================================================================

func (f *Fabric) onConnect(_ mqtt.Client) {
	f.logger.Printf("connected to %s", f.cfg.BrokerURL)
	if f.metrics != nil {
		f.metrics.BrokerConnected.Set(1)
	}

	if err := f.publishServerStatus(true); err != nil {
		f.logger.Printf("online status publish failed: %v", err)
	}

	for _, sub := range subscriptions {
		token := f.client.Subscribe(sub.filter, sub.qos, f.onMessage)
		if token.WaitTimeout(f.cfg.ConnectTimeout) && token.Error() != nil {
			f.logger.Printf("subscribe %s failed: %v", sub.filter, token.Error())
		}
	}
}

func (f *Fabric) onConnectionLost(_ mqtt.Client, err error) {
	f.logger.Printf("connection lost: %v", err)
	if f.metrics != nil {
		f.metrics.BrokerConnected.Set(0)
	}
}

func (f *Fabric) publishServerStatus(online bool) error {
	payload, _ := json.Marshal(ServerStatus{Online: online, Timestamp: time.Now().UnixMilli()})
	return f.publish(ServerStatusTopic, 1, true, payload)
}

// ============================================================================
// INBOUND DISPATCH
// ============================================================================

func (f *Fabric) onMessage(_ mqtt.Client, msg mqtt.Message) {
	f.ingest(msg.Topic(), msg.Payload())
}

// ingest parses a raw message and routes it. Split from onMessage so tests
// can inject wire traffic without a broker.
func (f *Fabric) ingest(topic string, payload []byte) {
	tenant, mac, kind, ok := ParseDeviceTopic(topic)
	if !ok {
		f.drop("unknown_topic", topic)
		return
	}
	if !json.Valid(payload) {
		f.drop("parse_error", topic)
		return
	}
	if f.metrics != nil {
		f.metrics.MessagesReceived.WithLabelValues(string(kind)).Inc()
	}

	// Rotation acks resolve the pending-rotation map directly; they never
	// reach the session core.
	if kind == KindRotationAck {
		var ack RotationAckMessage
		if err := json.Unmarshal(payload, &ack); err != nil || ack.RotationID == "" {
			f.drop("parse_error", topic)
			return
		}
		if !f.rotations.Ack(ack.RotationID, mac) {
			f.logger.Printf("stray rotation ack %s from %s", ack.RotationID, mac)
		}
		return
	}

	if !f.accepting.Load() {
		f.drop("shutting_down", topic)
		return
	}
	select {
	case f.queue <- Event{Tenant: tenant, MAC: mac, Kind: kind, Payload: payload}:
	default:
		f.drop("queue_full", topic)
	}
}

func (f *Fabric) worker() {
	defer f.workersWG.Done()
	for ev := range f.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		f.sink.HandleDeviceEvent(ctx, ev)
		cancel()
	}
}

func (f *Fabric) drop(reason, topic string) {
	if f.metrics != nil {
		f.metrics.MessagesDropped.WithLabelValues(reason).Inc()
	}
	f.logger.Printf("dropped message (%s): %s", reason, topic)
}

// ============================================================================
// OUTBOUND PUBLISHING
// ============================================================================

func (f *Fabric) publishMQTT(topic string, qos byte, retained bool, payload []byte) error {
	if !f.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := f.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (f *Fabric) publishJSON(kind, topic string, qos byte, retained bool, payload interface{}) error {
	var data []byte
	if payload == nil {
		data = []byte("{}")
	} else {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", topic, err)
		}
	}

	err := f.publish(topic, qos, retained, data)
	if f.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		f.metrics.PublishTotal.WithLabelValues(kind, result).Inc()
	}
	return err
}

// PublishCommand sends a device command at QoS 1, never retained.
func (f *Fabric) PublishCommand(_ context.Context, tenant, mac, command string, payload interface{}) error {
	return f.publishJSON(command, CommandTopic(tenant, mac, command), 1, false, payload)
}

// PublishRevoke sends the one-shot revocation instruction. Non-retained:
// token verification plus the claim-status 410 path cover offline devices.
func (f *Fabric) PublishRevoke(_ context.Context, tenant, mac, token string) error {
	payload := RevokePayload{Token: token, Timestamp: time.Now().UnixMilli()}
	return f.publishJSON("revoke", RevokeTopic(tenant, mac), 1, false, payload)
}

// ClearRetainedRevoke publishes a null retained message to the device's
// revoke topic, purging any stale retained instruction from a previous
// identity.
func (f *Fabric) ClearRetainedRevoke(tenant, mac string) error {
	err := f.publish(RevokeTopic(tenant, mac), 1, true, nil)
	if f.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		f.metrics.PublishTotal.WithLabelValues("revoke_clear", result).Inc()
	}
	return err
}

// PublishManifest publishes a retained firmware/filesystem manifest so
// reconnecting devices discover the latest version. kind is "firmware" or
// "filesystem"; empty tenant targets the global topic.
func (f *Fabric) PublishManifest(_ context.Context, tenant, kind string, m Manifest) error {
	return f.publishJSON("manifest", ManifestTopic(tenant, kind), 1, true, m)
}

// RotateCredentials registers a pending rotation, publishes the
// rotate_credentials command and returns the channel the single-shot
// outcome arrives on.
func (f *Fabric) RotateCredentials(ctx context.Context, tenant, mac, rotationID, password string,
	timeout time.Duration) (<-chan RotationResult, error) {

	ch := f.rotations.Begin(rotationID, mac, timeout)
	cmd := RotateCommand{RotationID: rotationID, Password: password}
	if err := f.PublishCommand(ctx, tenant, mac, CmdRotateCredentials, cmd); err != nil {
		f.rotations.Cancel(rotationID)
		return nil, err
	}
	return ch, nil
}

// PendingRotations reports in-flight rotation count.
func (f *Fabric) PendingRotations() int { return f.rotations.PendingCount() }

package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the device fabric.
type Metrics struct {
	// Message fabric
	MessagesReceived *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	PublishTotal     *prometheus.CounterVec
	BrokerConnected  prometheus.Gauge

	// Device lifecycle
	ClaimsTotal       *prometheus.CounterVec
	RevocationsTotal  *prometheus.CounterVec
	RotationsTotal    *prometheus.CounterVec
	HeartbeatExpiries prometheus.Counter
	DevicesOnline     prometheus.Gauge

	// Alerts & escalation
	AlertsCreated    *prometheus.CounterVec
	AlertsSuppressed prometheus.Counter
	AlertsResolved   *prometheus.CounterVec
	EscalationTicks  prometheus.Counter
	EscalationLevel  *prometheus.CounterVec

	// Notifications
	NotificationsSent   *prometheus.CounterVec
	NotificationsFailed *prometheus.CounterVec
	RateLimited         *prometheus.CounterVec

	// Broker authority
	CredentialWrites  *prometheus.CounterVec
	CredentialDegrade prometheus.Counter
	ReconcileRuns     prometheus.Counter
	ReconcileRepairs  *prometheus.CounterVec

	// Classification
	ClassificationTotal   *prometheus.CounterVec
	ClassificationLatency prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fabric_messages_received_total",
				Help: "Inbound MQTT messages by kind",
			},
			[]string{"kind"},
		),
		MessagesDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fabric_messages_dropped_total",
				Help: "Inbound MQTT messages dropped (parse error, unknown kind, queue full)",
			},
			[]string{"reason"},
		),
		PublishTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fabric_publish_total",
				Help: "Outbound MQTT publishes by kind and result",
			},
			[]string{"kind", "result"},
		),
		BrokerConnected: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fabric_broker_connected",
				Help: "1 while the MQTT connection is up",
			},
		),

		ClaimsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_claims_total",
				Help: "Claim attempts by result",
			},
			[]string{"result"}, // success, replay, invalid_code, no_window, error
		),
		RevocationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_revocations_total",
				Help: "Revocations and verification outcomes",
			},
			[]string{"result"},
		),
		RotationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_rotations_total",
				Help: "Credential rotations by outcome",
			},
			[]string{"result"}, // acked, timeout, error
		),
		HeartbeatExpiries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "session_heartbeat_expiries_total",
				Help: "Devices marked offline after heartbeat timeout",
			},
		),
		DevicesOnline: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "session_devices_online",
				Help: "Devices with a live heartbeat timer",
			},
		),

		AlertsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alerts_created_total",
				Help: "Alerts created by origin",
			},
			[]string{"origin"}, // device, classification, sync
		),
		AlertsSuppressed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "alerts_suppressed_total",
				Help: "Alert triggers suppressed by the single-active invariant",
			},
		),
		AlertsResolved: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alerts_resolved_total",
				Help: "Alerts resolved by origin",
			},
			[]string{"origin"}, // device, operator
		),
		EscalationTicks: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "escalation_ticks_total",
				Help: "Escalation scheduler ticks",
			},
		),
		EscalationLevel: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escalation_level_advances_total",
				Help: "Level advances by target level",
			},
			[]string{"level"},
		),

		NotificationsSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_sent_total",
				Help: "Notifications delivered by channel",
			},
			[]string{"channel"},
		),
		NotificationsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_failed_total",
				Help: "Notification delivery failures by channel",
			},
			[]string{"channel"},
		),
		RateLimited: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_rate_limited_total",
				Help: "Notifications skipped by the per-recipient rate limit",
			},
			[]string{"channel"},
		),

		CredentialWrites: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brokerauth_credential_writes_total",
				Help: "Broker credential store writes by op and result",
			},
			[]string{"op", "result"},
		),
		CredentialDegrade: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "brokerauth_degraded_total",
				Help: "Credential operations that exhausted retries",
			},
		),
		ReconcileRuns: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "brokerauth_reconcile_runs_total",
				Help: "Credential reconciliation sweeps",
			},
		),
		ReconcileRepairs: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brokerauth_reconcile_repairs_total",
				Help: "Reconciliation repairs by kind",
			},
			[]string{"kind"}, // upsert_missing, delete_orphan
		),

		ClassificationTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "classification_total",
				Help: "Motion classifications by label bucket",
			},
			[]string{"result"}, // hit, miss, error
		),
		ClassificationLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "classification_latency_seconds",
				Help:    "Inference round-trip latency",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
	}
}

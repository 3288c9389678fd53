// Package escalation is the scheduler that walks unacknowledged alerts
// through levels 1-5: reminder pushes on a per-level cadence, emergency
// contact fan-out at the higher levels, and device-side buzzer/LED
// commands. Acknowledging or resolving an alert deletes its state row,
// which is the only off switch the engine needs.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/trapsight/backend/internal/database"
	"github.com/trapsight/backend/internal/events"
	"github.com/trapsight/backend/internal/fabric"
	"github.com/trapsight/backend/internal/monitoring"
	"github.com/trapsight/backend/internal/notify"
)

// Timing policies for multi-user tenants.
const (
	PolicyFirstUser      = "first_user"
	PolicyMostAggressive = "most_aggressive"
)

// Engine drives the escalation tick.
type Engine struct {
	store    database.Store
	fabric   fabric.Publisher
	notifier *notify.Notifier
	events   events.Emitter
	metrics  *monitoring.Metrics
	logger   *log.Logger

	tickInterval time.Duration
	batchSize    int
	policy       string
	now          func() time.Time // test hook
}

// Options tunes the engine. Zero values take defaults.
type Options struct {
	TickInterval time.Duration
	BatchSize    int
	Policy       string
}

// New builds the escalation engine.
func New(store database.Store, pub fabric.Publisher, notifier *notify.Notifier,
	emitter events.Emitter, metrics *monitoring.Metrics, opts Options) *Engine {

	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Policy == "" {
		opts.Policy = PolicyFirstUser
	}
	return &Engine{
		store:        store,
		fabric:       pub,
		notifier:     notifier,
		events:       emitter,
		metrics:      metrics,
		logger:       log.New(log.Writer(), "[ESCALATION] ", log.LstdFlags),
		tickInterval: opts.TickInterval,
		batchSize:    opts.BatchSize,
		policy:       opts.Policy,
		now:          time.Now,
	}
}

// Run ticks until the context ends.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	e.logger.Printf("engine running (tick=%s policy=%s)", e.tickInterval, e.policy)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick processes one batch of due alerts. Per-alert failures are logged
// and never stall the rest of the batch.
func (e *Engine) Tick(ctx context.Context) {
	if e.metrics != nil {
		e.metrics.EscalationTicks.Inc()
	}
	now := e.now()

	alerts, err := e.store.ListEscalatableAlerts(ctx, now, e.batchSize)
	if err != nil {
		e.logger.Printf("due alert listing failed: %v", err)
		return
	}
	for i := range alerts {
		if err := e.processAlert(ctx, &alerts[i], now); err != nil {
			e.logger.Printf("alert %s: %v", alerts[i].ID, err)
		}
	}
}

func (e *Engine) processAlert(ctx context.Context, alert *database.Alert, now time.Time) error {
	dev, err := e.store.GetDevice(ctx, alert.DeviceID)
	if err != nil {
		return fmt.Errorf("device lookup: %w", err)
	}
	users, err := e.store.ListTenantUsers(ctx, alert.TenantID)
	if err != nil {
		return fmt.Errorf("user listing: %w", err)
	}
	prefs := e.effectivePrefs(users)

	state, err := e.store.GetEscalationState(ctx, alert.ID)
	if errors.Is(err, database.ErrNotFound) {
		// First visit: the initial notification already went out at
		// creation, so the state starts at level 1 waiting for level 2.
		s := database.EscalationState{
			AlertID:            alert.ID,
			Level:              1,
			LastNotificationAt: alert.TriggeredAt,
			NextNotificationAt: levelAt(prefs, alert.TriggeredAt, 2),
		}
		if due := levelDue(prefs, alert.TriggeredAt, now); due > 1 {
			// The alert predates the state row (server downtime); jump
			// straight to the level it should be at.
			return e.advance(ctx, alert, dev, users, prefs, &s, due, now)
		}
		return e.store.UpsertEscalationState(ctx, s)
	}
	if err != nil {
		return fmt.Errorf("state lookup: %w", err)
	}

	due := levelDue(prefs, alert.TriggeredAt, now)
	if due > state.Level {
		return e.advance(ctx, alert, dev, users, prefs, state, due, now)
	}
	if state.Level >= 2 && !now.Before(state.NextNotificationAt) {
		return e.remind(ctx, alert, dev, users, prefs, state, now)
	}
	return nil
}

// advance moves the alert to a higher level: reminder wave, contact
// fan-out, device signaling, state persist.
func (e *Engine) advance(ctx context.Context, alert *database.Alert, dev *database.Device,
	users []database.User, prefs *database.NotificationPreferences,
	state *database.EscalationState, level int, now time.Time) error {

	state.Level = level
	e.notifyWave(ctx, alert, dev, users, state)
	e.contactWave(ctx, alert, dev, state, now)
	e.signalDevice(ctx, dev, level)

	state.LastNotificationAt = now
	state.NextNotificationAt = e.nextDue(prefs, alert.TriggeredAt, level, now)
	if err := e.store.UpsertEscalationState(ctx, *state); err != nil {
		return fmt.Errorf("state persist: %w", err)
	}

	if e.metrics != nil {
		e.metrics.EscalationLevel.WithLabelValues(strconv.Itoa(level)).Inc()
	}
	if e.events != nil {
		e.events.Emit(events.TypeAlertEscalated, alert.TenantID, alert.ID, map[string]interface{}{
			"device_id": dev.ID, "level": level,
		})
	}
	e.logger.Printf("alert %s escalated to level %d (device %s)", alert.ID, level, dev.MAC)
	return nil
}

// remind repeats the current level's notification wave on its cadence.
func (e *Engine) remind(ctx context.Context, alert *database.Alert, dev *database.Device,
	users []database.User, prefs *database.NotificationPreferences,
	state *database.EscalationState, now time.Time) error {

	e.notifyWave(ctx, alert, dev, users, state)
	e.contactWave(ctx, alert, dev, state, now)

	state.LastNotificationAt = now
	state.NextNotificationAt = e.nextDue(prefs, alert.TriggeredAt, state.Level, now)
	if err := e.store.UpsertEscalationState(ctx, *state); err != nil {
		return fmt.Errorf("state persist: %w", err)
	}
	return nil
}

// nextDue schedules the earlier of the level's next reminder and the next
// level's advance time, so a single next_notification_at drives both.
func (e *Engine) nextDue(prefs *database.NotificationPreferences, triggeredAt time.Time, level int, now time.Time) time.Time {
	next := now.Add(repeatInterval[max(level, 2)])
	if level < MaxLevel {
		if adv := levelAt(prefs, triggeredAt, level+1); adv.After(now) && adv.Before(next) {
			next = adv
		}
	}
	return next
}

// notifyWave pushes the current level to every tenant user. Level 4 and
// above asks the sender to break through do-not-disturb; whether it does
// still depends on each user's critical_override_dnd preference.
func (e *Engine) notifyWave(ctx context.Context, alert *database.Alert, dev *database.Device,
	users []database.User, state *database.EscalationState) {

	if e.notifier == nil {
		return
	}
	override := state.Level >= 4
	if override {
		state.DNDOverridden = true
	}
	msg := notify.Message{
		TenantID:    alert.TenantID,
		AlertID:     alert.ID,
		Title:       fmt.Sprintf("Unacknowledged alert: %s (level %d)", dev.Name, state.Level),
		Body:        fmt.Sprintf("%s triggered at %s and has not been acknowledged.", dev.Name, alert.TriggeredAt.Format(time.RFC3339)),
		Urgency:     urgencyForLevel(state.Level),
		OverrideDND: override,
	}
	for _, u := range users {
		e.notifier.PushUser(ctx, u, msg)
	}
	state.NotificationCount++
}

// contactWave reaches emergency contacts whose configured level has been
// met, at level 4 and above, at most once per (contact, level).
func (e *Engine) contactWave(ctx context.Context, alert *database.Alert, dev *database.Device,
	state *database.EscalationState, now time.Time) {

	if e.notifier == nil || state.Level < 4 {
		return
	}
	contacts, err := e.store.ListEmergencyContacts(ctx, alert.TenantID)
	if err != nil {
		e.logger.Printf("contact listing for tenant %s failed: %v", alert.TenantID, err)
		return
	}

	msg := notify.Message{
		TenantID:    alert.TenantID,
		AlertID:     alert.ID,
		Title:       fmt.Sprintf("EMERGENCY: %s unattended (level %d)", dev.Name, state.Level),
		Body:        fmt.Sprintf("Trap %s triggered at %s with no response from the primary operators.", dev.Name, alert.TriggeredAt.Format(time.RFC3339)),
		Urgency:     urgencyForLevel(state.Level),
		OverrideDND: true,
	}
	for _, contact := range contacts {
		if !contact.Enabled || contact.EscalationLevel > state.Level {
			continue
		}
		if state.Notified(contact.ID, state.Level) {
			continue
		}
		e.notifier.Contact(ctx, contact, msg)
		state.ContactsNotified = append(state.ContactsNotified, database.ContactNotification{
			ContactID:  contact.ID,
			Level:      state.Level,
			NotifiedAt: now,
		})
	}
}

// signalDevice updates the trap's local buzzer/LED pattern.
func (e *Engine) signalDevice(ctx context.Context, dev *database.Device, level int) {
	sig := signalForLevel[level]
	cmd := fabric.EscalationCommand{Level: level, Buzzer: sig.Buzzer, LED: sig.LED}
	if err := e.fabric.PublishCommand(ctx, dev.TenantID, dev.MAC, fabric.CmdEscalation, cmd); err != nil {
		e.logger.Printf("escalation command for %s failed: %v", dev.MAC, err)
	}
}

// effectivePrefs resolves whose timing preferences apply for a tenant.
func (e *Engine) effectivePrefs(users []database.User) *database.NotificationPreferences {
	if e.policy == PolicyMostAggressive {
		var best *database.NotificationPreferences
		for i := range users {
			p := users[i].Preferences
			if p == nil {
				continue
			}
			if best == nil || minutesToLevel(p, 2) < minutesToLevel(best, 2) {
				best = p
			}
		}
		return best
	}
	for i := range users {
		if users[i].Preferences != nil {
			return users[i].Preferences
		}
	}
	return nil
}

func urgencyForLevel(level int) string {
	switch {
	case level >= 4:
		return database.SeverityCritical
	case level == 3:
		return database.SeverityHigh
	default:
		return database.SeverityMedium
	}
}

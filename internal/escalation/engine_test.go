package escalation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trapsight/backend/internal/database"
	"github.com/trapsight/backend/internal/fabric"
	"github.com/trapsight/backend/internal/notify"
)

type fakePublisher struct {
	mu       sync.Mutex
	commands []fabric.EscalationCommand
}

func (f *fakePublisher) PublishCommand(_ context.Context, _, _, command string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if command == fabric.CmdEscalation {
		f.commands = append(f.commands, payload.(fabric.EscalationCommand))
	}
	return nil
}

func (f *fakePublisher) PublishRevoke(_ context.Context, _, _, _ string) error { return nil }
func (f *fakePublisher) ClearRetainedRevoke(_, _ string) error                 { return nil }
func (f *fakePublisher) PublishManifest(_ context.Context, _, _ string, _ fabric.Manifest) error {
	return nil
}
func (f *fakePublisher) RotateCredentials(_ context.Context, _, _, _, _ string,
	_ time.Duration) (<-chan fabric.RotationResult, error) {
	ch := make(chan fabric.RotationResult, 1)
	ch <- fabric.RotationAcked
	return ch, nil
}
func (f *fakePublisher) Connected() bool { return true }

type fakeSenders struct {
	mu     sync.Mutex
	pushes int
	sms    []string
}

func (f *fakeSenders) SendPush(_ context.Context, _, _, _, _ string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes++
	return nil
}

func (f *fakeSenders) SendSMS(_ context.Context, number, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sms = append(f.sms, number)
	return nil
}

func (f *fakeSenders) SendEmail(_ context.Context, _, _, _ string) error { return nil }

func (f *fakeSenders) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes
}

type harness struct {
	engine  *Engine
	mem     *database.Memory
	pub     *fakePublisher
	senders *fakeSenders
	t0      time.Time
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	mem := database.NewMemory()
	pub := &fakePublisher{}
	senders := &fakeSenders{}
	notifier := notify.New(senders, senders, senders, notify.NewLocalLimiter(), mem,
		notify.Limits{SMSPerHour: 100, EmailPerHour: 100}, nil)
	engine := New(mem, pub, notifier, nil, nil, opts)

	mem.PutTenant(database.Tenant{ID: "t1", Name: "Acme"})
	mem.PutUser(database.User{ID: "u1", TenantID: "t1"})
	mem.PutDevice(database.Device{ID: "d1", TenantID: "t1", MAC: "AABBCCDDEEFF", Name: "Barn Trap"})

	return &harness{engine: engine, mem: mem, pub: pub, senders: senders,
		t0: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

// tickAt runs one tick with the clock frozen at t0 plus offset.
func (h *harness) tickAt(offset time.Duration) {
	at := h.t0.Add(offset)
	h.engine.now = func() time.Time { return at }
	h.engine.Tick(context.Background())
}

func (h *harness) newAlert(t *testing.T) *database.Alert {
	t.Helper()
	a, err := h.mem.CreateAlertIfNoneActive(context.Background(), database.Alert{
		DeviceID: "d1", TenantID: "t1", Severity: database.SeverityHigh,
		Status: database.AlertNew, TriggeredAt: h.t0,
	})
	require.NoError(t, err)
	return a
}

func (h *harness) state(t *testing.T, alertID string) *database.EscalationState {
	t.Helper()
	s, err := h.mem.GetEscalationState(context.Background(), alertID)
	require.NoError(t, err)
	return s
}

func TestFirstTickSeedsLevelOne(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.newAlert(t)

	h.tickAt(time.Minute)

	s := h.state(t, a.ID)
	assert.Equal(t, 1, s.Level)
	assert.Equal(t, h.t0.Add(60*time.Minute), s.NextNotificationAt, "normal preset: level 2 at +60m")
	assert.Equal(t, 0, h.senders.pushCount(), "level 1 already notified at creation")
	assert.Empty(t, h.pub.commands)
}

func TestAdvanceThroughLevels(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.newAlert(t)
	h.tickAt(time.Minute)

	h.tickAt(61 * time.Minute)
	s := h.state(t, a.ID)
	assert.Equal(t, 2, s.Level)
	assert.Equal(t, 1, h.senders.pushCount())
	require.Len(t, h.pub.commands, 1)
	assert.Equal(t, fabric.EscalationCommand{Level: 2, Buzzer: "single_beep", LED: "slow_blink"}, h.pub.commands[0])

	h.tickAt(121 * time.Minute)
	assert.Equal(t, 3, h.state(t, a.ID).Level)
	h.tickAt(241 * time.Minute)
	assert.Equal(t, 4, h.state(t, a.ID).Level)
	h.tickAt(481 * time.Minute)
	s = h.state(t, a.ID)
	assert.Equal(t, 5, s.Level)
	require.Len(t, h.pub.commands, 4)
	assert.Equal(t, fabric.EscalationCommand{Level: 5, Buzzer: "continuous", LED: "rapid_flash"}, h.pub.commands[3])

	// Terminal level keeps reminding but never advances further.
	h.tickAt(600 * time.Minute)
	assert.Equal(t, 5, h.state(t, a.ID).Level)
}

func TestLevelTwoReminderCadence(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.newAlert(t)
	h.tickAt(time.Minute)
	h.tickAt(61 * time.Minute)
	require.Equal(t, 2, h.state(t, a.ID).Level)
	require.Equal(t, 1, h.senders.pushCount())

	// Not due yet.
	h.tickAt(80 * time.Minute)
	assert.Equal(t, 1, h.senders.pushCount())

	// 30 minutes after the advance the level-2 reminder fires.
	h.tickAt(91 * time.Minute)
	s := h.state(t, a.ID)
	assert.Equal(t, 2, s.Level)
	assert.Equal(t, 2, h.senders.pushCount())
	assert.Equal(t, 2, s.NotificationCount)
}

func TestDowntimeCatchUpJumpsLevels(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.newAlert(t)

	// First visit long after trigger: the engine jumps straight to the
	// level the alert should already be at.
	h.tickAt(250 * time.Minute)
	s := h.state(t, a.ID)
	assert.Equal(t, 4, s.Level)
	require.Len(t, h.pub.commands, 1)
	assert.Equal(t, 4, h.pub.commands[0].Level)
}

func TestPresetTimings(t *testing.T) {
	cases := []struct {
		preset  string
		offsets [4]time.Duration // time at which levels 2..5 become due
	}{
		{database.PresetRelaxed, [4]time.Duration{120 * time.Minute, 240 * time.Minute, 480 * time.Minute, 720 * time.Minute}},
		{database.PresetNormal, [4]time.Duration{60 * time.Minute, 120 * time.Minute, 240 * time.Minute, 480 * time.Minute}},
		{database.PresetAggressive, [4]time.Duration{30 * time.Minute, 60 * time.Minute, 120 * time.Minute, 240 * time.Minute}},
	}
	t0 := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	for _, tc := range cases {
		prefs := &database.NotificationPreferences{Preset: tc.preset}
		for i, off := range tc.offsets {
			level := i + 2
			assert.Equal(t, level-1, levelDue(prefs, t0, t0.Add(off-time.Minute)), "%s level %d early", tc.preset, level)
			assert.Equal(t, level, levelDue(prefs, t0, t0.Add(off)), "%s level %d due", tc.preset, level)
		}
	}
}

func TestCustomPresetFallsBackPerLevel(t *testing.T) {
	prefs := &database.NotificationPreferences{
		Preset:        database.PresetCustom,
		CustomMinutes: map[int]int{2: 10, 4: 45},
	}
	assert.Equal(t, 10, minutesToLevel(prefs, 2))
	assert.Equal(t, 120, minutesToLevel(prefs, 3), "unset level uses normal")
	assert.Equal(t, 45, minutesToLevel(prefs, 4))
	assert.Equal(t, 480, minutesToLevel(prefs, 5))
}

func TestContactFanOutOncePerLevel(t *testing.T) {
	h := newHarness(t, Options{})
	h.newAlert(t)
	h.mem.PutEmergencyContact(database.EmergencyContact{
		ID: "c0", TenantID: "t1", Channel: database.ChannelSMS, Target: "+15550000",
		Enabled: true, EscalationLevel: 1,
	})
	h.mem.PutEmergencyContact(database.EmergencyContact{
		ID: "c1", TenantID: "t1", Channel: database.ChannelSMS, Target: "+15550001",
		Enabled: true, EscalationLevel: 4,
	})
	h.mem.PutEmergencyContact(database.EmergencyContact{
		ID: "c2", TenantID: "t1", Channel: database.ChannelSMS, Target: "+15550002",
		Enabled: true, EscalationLevel: 5,
	})

	h.tickAt(time.Minute)
	h.tickAt(61 * time.Minute)
	h.tickAt(121 * time.Minute)
	assert.Empty(t, h.senders.sms, "contacts untouched below level 4")

	// Level 4 texts everyone at or below the current level, the level-1
	// contact included.
	h.tickAt(241 * time.Minute)
	assert.Equal(t, []string{"+15550000", "+15550001"}, h.senders.sms)

	// Level-4 reminder does not re-text the same contacts.
	h.tickAt(251 * time.Minute)
	assert.Equal(t, []string{"+15550000", "+15550001"}, h.senders.sms)

	// Level 5 re-engages everyone and adds the level-5 contact.
	h.tickAt(481 * time.Minute)
	assert.Equal(t, []string{"+15550000", "+15550001",
		"+15550000", "+15550001", "+15550002"}, h.senders.sms)
}

func TestDNDBreakthroughAtLevelFour(t *testing.T) {
	h := newHarness(t, Options{})
	h.newAlert(t)
	h.mem.PutUser(database.User{ID: "u2", TenantID: "t1", Preferences: &database.NotificationPreferences{
		Preset: database.PresetNormal, DoNotDisturb: true, CriticalOverrideDND: true,
	}})

	h.tickAt(time.Minute)
	h.tickAt(61 * time.Minute)
	// u1 (no DND) gets the level-2 push, u2 is suppressed.
	assert.Equal(t, 1, h.senders.pushCount())

	h.tickAt(241 * time.Minute)
	// Level 4 overrides DND for users who allow critical override.
	assert.Equal(t, 3, h.senders.pushCount())
}

func TestMostAggressivePolicy(t *testing.T) {
	h := newHarness(t, Options{Policy: PolicyMostAggressive})
	a := h.newAlert(t)
	h.mem.PutUser(database.User{ID: "u2", TenantID: "t1", Preferences: &database.NotificationPreferences{
		Preset: database.PresetRelaxed,
	}})
	h.mem.PutUser(database.User{ID: "u3", TenantID: "t1", Preferences: &database.NotificationPreferences{
		Preset: database.PresetAggressive,
	}})

	h.tickAt(time.Minute)
	h.tickAt(31 * time.Minute)
	assert.Equal(t, 2, h.state(t, a.ID).Level, "aggressive user's 30-minute timing wins")
}

func TestAcknowledgedAlertStopsEscalating(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.newAlert(t)
	h.tickAt(time.Minute)

	_, err := h.mem.AcknowledgeAlert(context.Background(), a.ID)
	require.NoError(t, err)
	require.NoError(t, h.mem.DeleteEscalationState(context.Background(), a.ID))

	h.tickAt(61 * time.Minute)
	assert.Equal(t, 0, h.senders.pushCount())
	assert.Empty(t, h.pub.commands)
	_, err = h.mem.GetEscalationState(context.Background(), a.ID)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedClaim(t *testing.T, m *Memory, mac string) ClaimParams {
	t.Helper()
	m.PutTenant(Tenant{ID: "t1", Name: "Acme Pest Control"})
	require.NoError(t, m.CreateClaimCode(context.Background(), ClaimCode{
		Code:       "ABCD2345",
		TenantID:   "t1",
		DeviceName: "Barn Trap",
		Status:     ClaimCodeActive,
		ExpiresAt:  time.Now().Add(time.Hour),
	}))
	require.NoError(t, m.UpsertClaimingWindow(context.Background(), ClaimingWindow{
		MAC:       mac,
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}))
	return ClaimParams{
		Code:         "ABCD2345",
		MAC:          mac,
		PasswordHash: "$2a$10$hash",
		Password:     "plaintext",
	}
}

func TestClaimDevice(t *testing.T) {
	m := NewMemory()
	p := seedClaim(t, m, "AABBCCDDEEFF")

	dev, created, err := m.ClaimDevice(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "t1", dev.TenantID)
	assert.Equal(t, "Barn Trap", dev.Name)
	assert.True(t, dev.Claimed())

	// Code is spent, window consumed.
	code, err := m.GetClaimCode(context.Background(), "ABCD2345")
	require.NoError(t, err)
	assert.Equal(t, ClaimCodeClaimed, code.Status)
	_, err = m.GetClaimingWindow(context.Background(), "AABBCCDDEEFF")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimDeviceReplayReturnsExisting(t *testing.T) {
	m := NewMemory()
	p := seedClaim(t, m, "AABBCCDDEEFF")

	first, created, err := m.ClaimDevice(context.Background(), p)
	require.NoError(t, err)
	require.True(t, created)

	// The device retries after losing the response. Same code, same MAC.
	again, created, err := m.ClaimDevice(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.Password, again.Password)
}

func TestClaimDeviceRejectsBadCode(t *testing.T) {
	m := NewMemory()
	p := seedClaim(t, m, "AABBCCDDEEFF")

	p.Code = "WRONG"
	_, _, err := m.ClaimDevice(context.Background(), p)
	assert.ErrorIs(t, err, ErrClaimCodeInvalid)
}

func TestClaimDeviceRejectsExpiredWindow(t *testing.T) {
	m := NewMemory()
	p := seedClaim(t, m, "AABBCCDDEEFF")
	require.NoError(t, m.UpsertClaimingWindow(context.Background(), ClaimingWindow{
		MAC:       "AABBCCDDEEFF",
		ExpiresAt: time.Now().Add(-time.Second),
	}))

	_, _, err := m.ClaimDevice(context.Background(), p)
	assert.ErrorIs(t, err, ErrClaimWindowMissing)
}

func TestClaimDeviceDropsSoftDeletedRow(t *testing.T) {
	m := NewMemory()
	p := seedClaim(t, m, "AABBCCDDEEFF")

	dev, _, err := m.ClaimDevice(context.Background(), p)
	require.NoError(t, err)
	require.NoError(t, m.RevokeDevice(context.Background(), dev.ID, RevocationToken{
		Token: "tok", DeviceID: dev.ID, MAC: dev.MAC,
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}))

	// Reclaim with a fresh code and window.
	require.NoError(t, m.CreateClaimCode(context.Background(), ClaimCode{
		Code: "EFGH6789", TenantID: "t1", DeviceName: "Barn Trap 2",
		Status: ClaimCodeActive, ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, m.UpsertClaimingWindow(context.Background(), ClaimingWindow{
		MAC: "AABBCCDDEEFF", ExpiresAt: time.Now().Add(10 * time.Minute),
	}))
	p.Code = "EFGH6789"
	dev2, created, err := m.ClaimDevice(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, dev.ID, dev2.ID)

	// Only the new identity remains for the MAC.
	latest, err := m.GetLatestDeviceByMAC(context.Background(), "AABBCCDDEEFF")
	require.NoError(t, err)
	assert.Equal(t, dev2.ID, latest.ID)
	_, err = m.GetDevice(context.Background(), dev.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevocationTokenSingleUse(t *testing.T) {
	m := NewMemory()
	p := seedClaim(t, m, "AABBCCDDEEFF")
	dev, _, err := m.ClaimDevice(context.Background(), p)
	require.NoError(t, err)

	tok := RevocationToken{Token: "tok-1", DeviceID: dev.ID, MAC: dev.MAC,
		ExpiresAt: time.Now().Add(5 * time.Minute)}
	require.NoError(t, m.RevokeDevice(context.Background(), dev.ID, tok))

	got, err := m.GetDevice(context.Background(), dev.ID)
	require.NoError(t, err)
	assert.False(t, got.Claimed())

	ok, err := m.ConsumeRevocationToken(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.ConsumeRevocationToken(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.False(t, ok, "second consumption must lose")

	ok, err = m.ConsumeRevocationToken(context.Background(), "no-such")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSingleActiveAlertPerDevice(t *testing.T) {
	m := NewMemory()
	a := Alert{DeviceID: "d1", TenantID: "t1", Severity: SeverityHigh,
		Status: AlertNew, TriggeredAt: time.Now()}

	first, err := m.CreateAlertIfNoneActive(context.Background(), a)
	require.NoError(t, err)

	dup, err := m.CreateAlertIfNoneActive(context.Background(), a)
	assert.ErrorIs(t, err, ErrAlertActive)
	assert.Equal(t, first.ID, dup.ID, "duplicate create returns the existing alert")

	// Acknowledged alerts still block new ones.
	changed, err := m.AcknowledgeAlert(context.Background(), first.ID)
	require.NoError(t, err)
	require.True(t, changed)
	_, err = m.CreateAlertIfNoneActive(context.Background(), a)
	assert.ErrorIs(t, err, ErrAlertActive)

	// Resolution frees the slot.
	changed, err = m.ResolveAlert(context.Background(), first.ID, "operator")
	require.NoError(t, err)
	require.True(t, changed)
	_, err = m.CreateAlertIfNoneActive(context.Background(), a)
	assert.NoError(t, err)
}

func TestResolveAlertIdempotent(t *testing.T) {
	m := NewMemory()
	a, err := m.CreateAlertIfNoneActive(context.Background(), Alert{
		DeviceID: "d1", TenantID: "t1", Status: AlertNew, TriggeredAt: time.Now()})
	require.NoError(t, err)

	changed, err := m.ResolveAlert(context.Background(), a.ID, "device")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = m.ResolveAlert(context.Background(), a.ID, "operator")
	require.NoError(t, err)
	assert.False(t, changed, "second resolve is a no-op")

	got, err := m.GetAlert(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "device", got.ResolvedBy, "first resolver wins")
}

func TestListEscalatableAlerts(t *testing.T) {
	m := NewMemory()
	now := time.Now()

	fresh, err := m.CreateAlertIfNoneActive(context.Background(), Alert{
		DeviceID: "d1", TenantID: "t1", Status: AlertNew, TriggeredAt: now.Add(-time.Hour)})
	require.NoError(t, err)
	scheduled, err := m.CreateAlertIfNoneActive(context.Background(), Alert{
		DeviceID: "d2", TenantID: "t1", Status: AlertNew, TriggeredAt: now.Add(-time.Hour)})
	require.NoError(t, err)
	acked, err := m.CreateAlertIfNoneActive(context.Background(), Alert{
		DeviceID: "d3", TenantID: "t1", Status: AlertNew, TriggeredAt: now.Add(-time.Hour)})
	require.NoError(t, err)
	_, err = m.AcknowledgeAlert(context.Background(), acked.ID)
	require.NoError(t, err)

	// d2 is scheduled for the future, d3 is acknowledged; only d1 and d2
	// with elapsed deadlines are due.
	require.NoError(t, m.UpsertEscalationState(context.Background(), EscalationState{
		AlertID: scheduled.ID, Level: 2, NextNotificationAt: now.Add(time.Hour)}))

	due, err := m.ListEscalatableAlerts(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, fresh.ID, due[0].ID)

	// Deleting the state makes d2 due again (fresh state next tick).
	require.NoError(t, m.DeleteEscalationState(context.Background(), scheduled.ID))
	due, err = m.ListEscalatableAlerts(context.Background(), now, 10)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestPurgeUnclaimedBefore(t *testing.T) {
	m := NewMemory()
	old := time.Now().Add(-7 * 30 * 24 * time.Hour)
	recent := time.Now().Add(-24 * time.Hour)

	m.PutDevice(Device{ID: "old", MAC: "AAAAAAAAAAAA", UnclaimedAt: &old})
	m.PutDevice(Device{ID: "recent", MAC: "BBBBBBBBBBBB", UnclaimedAt: &recent})
	m.PutDevice(Device{ID: "live", MAC: "CCCCCCCCCCCC"})

	n, err := m.PurgeUnclaimedBefore(context.Background(), time.Now().Add(-6*30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.GetDevice(context.Background(), "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.GetDevice(context.Background(), "recent")
	assert.NoError(t, err)
	_, err = m.GetDevice(context.Background(), "live")
	assert.NoError(t, err)
}

package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/trapsight/backend/internal/database"
	"github.com/trapsight/backend/internal/fabric"
)

// fakeCredentials records credential mutations against the broker authority.
type fakeCredentials struct {
	mu       sync.Mutex
	entries  map[string]string
	reloads  int
	upsertErr error
}

func newFakeCredentials() *fakeCredentials {
	return &fakeCredentials{entries: make(map[string]string)}
}

func (f *fakeCredentials) UpsertCredential(_ context.Context, username, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.entries[username] = password
	return nil
}

func (f *fakeCredentials) DeleteCredential(_ context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, username)
	return nil
}

func (f *fakeCredentials) ForceReload(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return nil
}

func (f *fakeCredentials) password(username string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pw, ok := f.entries[username]
	return pw, ok
}

// fakePublisher satisfies fabric.Publisher without a broker. Rotation acks
// are scripted through rotationResult.
type fakePublisher struct {
	mu             sync.Mutex
	commands       []string
	revokes        []string
	cleared        []string
	rotationResult fabric.RotationResult
	rotationErr    error
}

func (f *fakePublisher) PublishCommand(_ context.Context, tenant, mac, command string, _ interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, tenant+"/"+mac+"/"+command)
	return nil
}

func (f *fakePublisher) PublishRevoke(_ context.Context, tenant, mac, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokes = append(f.revokes, tenant+"/"+mac)
	return nil
}

func (f *fakePublisher) ClearRetainedRevoke(tenant, mac string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, tenant+"/"+mac)
	return nil
}

func (f *fakePublisher) PublishManifest(_ context.Context, _, _ string, _ fabric.Manifest) error {
	return nil
}

func (f *fakePublisher) RotateCredentials(_ context.Context, _, _, _, _ string,
	_ time.Duration) (<-chan fabric.RotationResult, error) {
	if f.rotationErr != nil {
		return nil, f.rotationErr
	}
	ch := make(chan fabric.RotationResult, 1)
	ch <- f.rotationResult
	return ch, nil
}

func (f *fakePublisher) Connected() bool { return true }

func newTestRegistry(t *testing.T) (*Service, *database.Memory, *fakeCredentials, *fakePublisher) {
	t.Helper()
	mem := database.NewMemory()
	creds := newFakeCredentials()
	pub := &fakePublisher{rotationResult: fabric.RotationAcked}
	svc := New(mem, creds, pub, nil, nil, "mqtts://broker.trapsight.io:8883")
	return svc, mem, creds, pub
}

func seedClaimable(t *testing.T, mem *database.Memory, svc *Service, mac string) string {
	t.Helper()
	mem.PutTenant(database.Tenant{ID: "t1", Name: "Acme"})
	code, err := svc.CreateClaimCode(context.Background(), "t1", "Barn Trap", time.Hour)
	require.NoError(t, err)
	_, err = svc.OpenClaimingWindow(context.Background(), mac, "SN-1", "10.0.0.5")
	require.NoError(t, err)
	return code.Code
}

func TestNormalizeMAC(t *testing.T) {
	for raw, want := range map[string]string{
		"aa:bb:cc:dd:ee:ff": "AABBCCDDEEFF",
		"AA-BB-CC-DD-EE-FF": "AABBCCDDEEFF",
		"aabb.ccdd.eeff":    "AABBCCDDEEFF",
		" AABBCCDDEEFF ":    "AABBCCDDEEFF",
	} {
		got, err := NormalizeMAC(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got)
	}
	for _, raw := range []string{"", "AABBCCDDEEF", "AABBCCDDEEFF00", "GGBBCCDDEEFF", "not a mac"} {
		_, err := NormalizeMAC(raw)
		assert.ErrorIs(t, err, ErrInvalidMAC, raw)
	}
}

func TestClaimHappyPath(t *testing.T) {
	svc, mem, creds, pub := newTestRegistry(t)
	code := seedClaimable(t, mem, svc, "aa:bb:cc:dd:ee:ff")

	res, err := svc.Claim(context.Background(), code, DeviceInfo{
		MAC: "aa:bb:cc:dd:ee:ff", HWVersion: "1.2", FirmwareVersion: "0.9.1", Serial: "SN-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "t1", res.TenantID)
	assert.Equal(t, "Barn Trap", res.DeviceName)
	assert.Equal(t, "AABBCCDDEEFF", res.MQTTClientID)
	assert.Equal(t, "AABBCCDDEEFF", res.MQTTUsername)
	assert.NotEmpty(t, res.MQTTPassword)
	assert.Equal(t, "mqtts://broker.trapsight.io:8883", res.MQTTBrokerURL)

	// Broker credential staged, stale retained revoke cleared.
	pw, ok := creds.password("AABBCCDDEEFF")
	require.True(t, ok)
	assert.Equal(t, res.MQTTPassword, pw)
	assert.Equal(t, []string{"t1/AABBCCDDEEFF"}, pub.cleared)

	// Stored hash matches the handed-out password.
	dev, err := mem.GetActiveDeviceByMAC(context.Background(), "AABBCCDDEEFF")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(dev.PasswordHash), []byte(res.MQTTPassword)))
}

func TestClaimReplayReturnsSameCredentials(t *testing.T) {
	svc, mem, _, _ := newTestRegistry(t)
	code := seedClaimable(t, mem, svc, "AABBCCDDEEFF")

	first, err := svc.Claim(context.Background(), code, DeviceInfo{MAC: "AABBCCDDEEFF"})
	require.NoError(t, err)
	again, err := svc.Claim(context.Background(), code, DeviceInfo{MAC: "AABBCCDDEEFF"})
	require.NoError(t, err)
	assert.Equal(t, first.MQTTPassword, again.MQTTPassword)
	assert.Equal(t, first.DeviceID, again.DeviceID)
}

func TestClaimRejectsBadInputs(t *testing.T) {
	svc, mem, _, _ := newTestRegistry(t)
	code := seedClaimable(t, mem, svc, "AABBCCDDEEFF")

	_, err := svc.Claim(context.Background(), code, DeviceInfo{MAC: "nope"})
	assert.ErrorIs(t, err, ErrInvalidMAC)

	_, err = svc.Claim(context.Background(), "WRONGCODE", DeviceInfo{MAC: "AABBCCDDEEFF"})
	assert.ErrorIs(t, err, database.ErrClaimCodeInvalid)

	// Window for a different MAC only.
	_, err = svc.Claim(context.Background(), code, DeviceInfo{MAC: "112233445566"})
	assert.ErrorIs(t, err, database.ErrClaimWindowMissing)
}

func TestCheckClaim(t *testing.T) {
	svc, mem, _, _ := newTestRegistry(t)
	code := seedClaimable(t, mem, svc, "AABBCCDDEEFF")

	_, claimed, err := svc.CheckClaim(context.Background(), "AABBCCDDEEFF")
	require.NoError(t, err)
	assert.False(t, claimed)

	want, err := svc.Claim(context.Background(), code, DeviceInfo{MAC: "AABBCCDDEEFF"})
	require.NoError(t, err)

	got, claimed, err := svc.CheckClaim(context.Background(), "AABBCCDDEEFF")
	require.NoError(t, err)
	require.True(t, claimed)
	assert.Equal(t, want.MQTTPassword, got.MQTTPassword)
}

func TestClaimStatusContract(t *testing.T) {
	svc, mem, _, _ := newTestRegistry(t)

	// Never seen.
	state, _, err := svc.ClaimStatus(context.Background(), "AABBCCDDEEFF")
	require.NoError(t, err)
	assert.Equal(t, StateUnclaimed, state)

	code := seedClaimable(t, mem, svc, "AABBCCDDEEFF")
	res, err := svc.Claim(context.Background(), code, DeviceInfo{MAC: "AABBCCDDEEFF"})
	require.NoError(t, err)

	state, dev, err := svc.ClaimStatus(context.Background(), "AABBCCDDEEFF")
	require.NoError(t, err)
	assert.Equal(t, StateClaimed, state)
	assert.Equal(t, res.DeviceID, dev.ID)

	_, err = svc.Revoke(context.Background(), res.DeviceID)
	require.NoError(t, err)
	state, dev, err = svc.ClaimStatus(context.Background(), "AABBCCDDEEFF")
	require.NoError(t, err)
	assert.Equal(t, StateRevoked, state)
	assert.NotNil(t, dev.UnclaimedAt)

	// Hard purge: row gone, audit trail remains, so the MAC reads as purged
	// rather than unclaimed.
	_, err = mem.PurgeUnclaimedBefore(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	state, _, err = svc.ClaimStatus(context.Background(), "AABBCCDDEEFF")
	require.NoError(t, err)
	assert.Equal(t, StatePurged, state)
}

func TestRotateAcked(t *testing.T) {
	svc, mem, creds, _ := newTestRegistry(t)
	code := seedClaimable(t, mem, svc, "AABBCCDDEEFF")
	res, err := svc.Claim(context.Background(), code, DeviceInfo{MAC: "AABBCCDDEEFF"})
	require.NoError(t, err)

	require.NoError(t, svc.Rotate(context.Background(), res.DeviceID))

	dev, err := mem.GetDevice(context.Background(), res.DeviceID)
	require.NoError(t, err)
	assert.NotEqual(t, res.MQTTPassword, dev.Password, "password changed after ack")
	pw, ok := creds.password("AABBCCDDEEFF")
	require.True(t, ok)
	assert.Equal(t, dev.Password, pw, "broker and database agree")
}

func TestRotateTimeoutRollsBack(t *testing.T) {
	svc, mem, creds, pub := newTestRegistry(t)
	code := seedClaimable(t, mem, svc, "AABBCCDDEEFF")
	res, err := svc.Claim(context.Background(), code, DeviceInfo{MAC: "AABBCCDDEEFF"})
	require.NoError(t, err)
	pub.rotationResult = fabric.RotationTimedOut

	err = svc.Rotate(context.Background(), res.DeviceID)
	assert.ErrorIs(t, err, ErrRotationTimeout)

	// Database credential untouched, broker credential restored.
	dev, err := mem.GetDevice(context.Background(), res.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, res.MQTTPassword, dev.Password)
	pw, ok := creds.password("AABBCCDDEEFF")
	require.True(t, ok)
	assert.Equal(t, res.MQTTPassword, pw)
}

func TestRotateRejectsConcurrent(t *testing.T) {
	svc, _, _, _ := newTestRegistry(t)
	svc.rotMu.Lock()
	svc.inRotation["dev-1"] = true
	svc.rotMu.Unlock()

	err := svc.Rotate(context.Background(), "dev-1")
	assert.ErrorIs(t, err, ErrRotationPending)
}

func TestRotateRequiresClaimedDevice(t *testing.T) {
	svc, mem, _, _ := newTestRegistry(t)
	gone := time.Now()
	mem.PutDevice(database.Device{ID: "dead", MAC: "AABBCCDDEEFF", UnclaimedAt: &gone})

	err := svc.Rotate(context.Background(), "dead")
	assert.ErrorIs(t, err, ErrNotClaimed)
}

func TestMigrateTenant(t *testing.T) {
	svc, mem, _, pub := newTestRegistry(t)
	code := seedClaimable(t, mem, svc, "AABBCCDDEEFF")
	res, err := svc.Claim(context.Background(), code, DeviceInfo{MAC: "AABBCCDDEEFF"})
	require.NoError(t, err)
	mem.PutTenant(database.Tenant{ID: "t2", Name: "Beta"})

	require.NoError(t, svc.MigrateTenant(context.Background(), res.DeviceID, "t2"))

	dev, err := mem.GetDevice(context.Background(), res.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, "t2", dev.TenantID)
	// Command goes out on the OLD tenant's namespace.
	assert.Contains(t, pub.commands, "t1/AABBCCDDEEFF/"+fabric.CmdUpdateTenant)

	// Unknown target tenant fails before any mutation.
	err = svc.MigrateTenant(context.Background(), res.DeviceID, "nope")
	assert.Error(t, err)

	// Same-tenant migration is a no-op.
	require.NoError(t, svc.MigrateTenant(context.Background(), res.DeviceID, "t2"))
}

func TestRevokeAndVerify(t *testing.T) {
	svc, mem, creds, pub := newTestRegistry(t)
	code := seedClaimable(t, mem, svc, "AABBCCDDEEFF")
	res, err := svc.Claim(context.Background(), code, DeviceInfo{MAC: "AABBCCDDEEFF"})
	require.NoError(t, err)

	tok, err := svc.Revoke(context.Background(), res.DeviceID)
	require.NoError(t, err)
	assert.Len(t, tok.Token, 64, "256-bit hex token")
	assert.Equal(t, []string{"t1/AABBCCDDEEFF"}, pub.revokes)
	_, ok := creds.password("AABBCCDDEEFF")
	assert.False(t, ok, "broker credential removed")

	// Double revoke fails: the device is no longer claimed.
	_, err = svc.Revoke(context.Background(), res.DeviceID)
	assert.ErrorIs(t, err, ErrNotClaimed)

	v, err := svc.VerifyRevocation(context.Background(), "AABBCCDDEEFF", tok.Token)
	require.NoError(t, err)
	assert.True(t, v.Valid)

	// Single use: the same token never verifies twice.
	v, err = svc.VerifyRevocation(context.Background(), "AABBCCDDEEFF", tok.Token)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonInvalidToken, v.Reason)
}

func TestVerifyRevocationFailureReasons(t *testing.T) {
	svc, mem, _, _ := newTestRegistry(t)
	code := seedClaimable(t, mem, svc, "AABBCCDDEEFF")
	res, err := svc.Claim(context.Background(), code, DeviceInfo{MAC: "AABBCCDDEEFF"})
	require.NoError(t, err)
	tok, err := svc.Revoke(context.Background(), res.DeviceID)
	require.NoError(t, err)

	v, err := svc.VerifyRevocation(context.Background(), "", tok.Token)
	require.NoError(t, err)
	assert.Equal(t, ReasonMissingParams, v.Reason)

	v, err = svc.VerifyRevocation(context.Background(), "AABBCCDDEEFF", "")
	require.NoError(t, err)
	assert.Equal(t, ReasonMissingParams, v.Reason)

	v, err = svc.VerifyRevocation(context.Background(), "AABBCCDDEEFF", "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidToken, v.Reason)

	// Wrong MAC leaves the token intact for the right device.
	v, err = svc.VerifyRevocation(context.Background(), "112233445566", tok.Token)
	require.NoError(t, err)
	assert.Equal(t, ReasonDeviceMismatch, v.Reason)

	v, err = svc.VerifyRevocation(context.Background(), "AABBCCDDEEFF", tok.Token)
	require.NoError(t, err)
	assert.True(t, v.Valid, "mismatch did not consume the token")
}

func TestVerifyRevocationExpired(t *testing.T) {
	svc, mem, _, _ := newTestRegistry(t)
	code := seedClaimable(t, mem, svc, "AABBCCDDEEFF")
	res, err := svc.Claim(context.Background(), code, DeviceInfo{MAC: "AABBCCDDEEFF"})
	require.NoError(t, err)

	dev, err := mem.GetDevice(context.Background(), res.DeviceID)
	require.NoError(t, err)
	expired := database.RevocationToken{
		Token: "aaaabbbb", DeviceID: dev.ID, MAC: dev.MAC,
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, mem.RevokeDevice(context.Background(), dev.ID, expired))

	v, err := svc.VerifyRevocation(context.Background(), "AABBCCDDEEFF", "aaaabbbb")
	require.NoError(t, err)
	assert.Equal(t, ReasonTokenExpired, v.Reason)
}

func TestCreateClaimCodeShape(t *testing.T) {
	svc, mem, _, _ := newTestRegistry(t)
	mem.PutTenant(database.Tenant{ID: "t1", Name: "Acme"})

	code, err := svc.CreateClaimCode(context.Background(), "t1", "Attic Trap", 0)
	require.NoError(t, err)
	assert.Len(t, code.Code, 8)
	for _, c := range code.Code {
		assert.Contains(t, claimCodeAlphabet, string(c))
	}
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), code.ExpiresAt, time.Minute)

	_, err = svc.CreateClaimCode(context.Background(), "ghost", "X", 0)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

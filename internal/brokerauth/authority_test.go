package brokerauth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/trapsight/backend/internal/database"
)

// fakeStore records every call and can fail a configurable number of times.
type fakeStore struct {
	mu       sync.Mutex
	entries  map[string]string
	reloads  int
	failures int // remaining calls to fail before succeeding
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]string)}
}

func (s *fakeStore) maybeFail() error {
	if s.failures > 0 {
		s.failures--
		return errors.New("broker unavailable")
	}
	return nil
}

func (s *fakeStore) UpsertCredential(_ context.Context, username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeFail(); err != nil {
		return err
	}
	s.entries[username] = password
	return nil
}

func (s *fakeStore) DeleteCredential(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeFail(); err != nil {
		return err
	}
	delete(s.entries, username)
	return nil
}

func (s *fakeStore) ListUsernames(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for u := range s.entries {
		out = append(out, u)
	}
	return out, nil
}

func (s *fakeStore) Reload(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeFail(); err != nil {
		return err
	}
	s.reloads++
	return nil
}

func (s *fakeStore) reloadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloads
}

func (s *fakeStore) snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

func TestUpsertDebounceCoalesces(t *testing.T) {
	store := newFakeStore()
	a := New(store, database.NewMemory(), nil, 30*time.Millisecond, time.Second, time.Hour)

	for i := 0; i < 5; i++ {
		require.NoError(t, a.UpsertCredential(context.Background(), "AABBCCDDEEFF", "pw"))
	}

	// Five writes land immediately, but only one reload fires.
	assert.Len(t, store.snapshot(), 1)
	assert.Eventually(t, func() bool { return store.reloadCount() == 1 },
		500*time.Millisecond, 10*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, store.reloadCount(), "no trailing reloads after the window")
}

func TestForceReloadBypassesDebounce(t *testing.T) {
	store := newFakeStore()
	a := New(store, database.NewMemory(), nil, time.Hour, time.Second, time.Hour)

	require.NoError(t, a.UpsertCredential(context.Background(), "AABBCCDDEEFF", "pw"))
	assert.Equal(t, 0, store.reloadCount())

	require.NoError(t, a.ForceReload(context.Background()))
	assert.Equal(t, 1, store.reloadCount())
}

func TestWithRetryRecoversTransientFailure(t *testing.T) {
	store := newFakeStore()
	store.failures = 2
	a := New(store, database.NewMemory(), nil, 10*time.Millisecond, 5*time.Second, time.Hour)

	require.NoError(t, a.UpsertCredential(context.Background(), "AABBCCDDEEFF", "pw"))
	assert.Len(t, store.snapshot(), 1)
}

func TestWithRetryGivesUpAfterMaxElapsed(t *testing.T) {
	store := newFakeStore()
	store.failures = 1000
	a := New(store, database.NewMemory(), nil, 10*time.Millisecond, 600*time.Millisecond, time.Hour)

	err := a.UpsertCredential(context.Background(), "AABBCCDDEEFF", "pw")
	assert.Error(t, err)
}

func TestReconcileRepairsDrift(t *testing.T) {
	mem := database.NewMemory()
	mem.PutDevice(database.Device{ID: "d1", TenantID: "t1", MAC: "AABBCCDDEEFF", Password: "pw1"})
	mem.PutDevice(database.Device{ID: "d2", TenantID: "t1", MAC: "112233445566", Password: "pw2"})

	store := newFakeStore()
	// d2 is missing, and "GHOST" should not exist.
	store.entries["AABBCCDDEEFF"] = "pw1"
	store.entries["GHOST000000"] = "stale"

	a := New(store, mem, nil, 10*time.Millisecond, time.Second, time.Hour)
	require.NoError(t, a.Reconcile(context.Background()))

	got := store.snapshot()
	assert.Equal(t, map[string]string{
		"AABBCCDDEEFF": "pw1",
		"112233445566": "pw2",
	}, got)
	assert.Eventually(t, func() bool { return store.reloadCount() == 1 },
		500*time.Millisecond, 10*time.Millisecond)
}

func TestReconcileSkipsRevokedDevices(t *testing.T) {
	mem := database.NewMemory()
	gone := time.Now()
	mem.PutDevice(database.Device{ID: "d1", MAC: "AABBCCDDEEFF", Password: "pw1", UnclaimedAt: &gone})

	store := newFakeStore()
	store.entries["AABBCCDDEEFF"] = "pw1"

	a := New(store, mem, nil, 10*time.Millisecond, time.Second, time.Hour)
	require.NoError(t, a.Reconcile(context.Background()))
	assert.Empty(t, store.snapshot(), "revoked device credentials are deleted")
}

func TestPasswdFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "passwd")
	f := NewPasswdFile(path, "")

	require.NoError(t, f.UpsertCredential(context.Background(), "AABBCCDDEEFF", "secret1"))
	require.NoError(t, f.UpsertCredential(context.Background(), "112233445566", "secret2"))

	users, err := f.ListUsernames(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"112233445566", "AABBCCDDEEFF"}, users, "sorted output")

	// Entries are stored as bcrypt hashes, never plaintext.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret1")
	assert.Contains(t, string(data), "AABBCCDDEEFF:$2a$")
	require.NoError(t, bcryptLine(string(data), "AABBCCDDEEFF", "secret1"))

	require.NoError(t, f.DeleteCredential(context.Background(), "AABBCCDDEEFF"))
	users, err = f.ListUsernames(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"112233445566"}, users)

	// Deleting a missing entry is a no-op.
	require.NoError(t, f.DeleteCredential(context.Background(), "AABBCCDDEEFF"))

	// No temp file left behind.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestPasswdFileMissingIsEmpty(t *testing.T) {
	f := NewPasswdFile(filepath.Join(t.TempDir(), "nope"), "")
	users, err := f.ListUsernames(context.Background())
	require.NoError(t, err)
	assert.Empty(t, users)
}

// bcryptLine verifies that the file holds a valid bcrypt hash of password
// for username.
func bcryptLine(contents, username, password string) error {
	for _, line := range strings.Split(contents, "\n") {
		if strings.HasPrefix(line, username+":") {
			return bcrypt.CompareHashAndPassword([]byte(line[len(username)+1:]), []byte(password))
		}
	}
	return errors.New("username not found")
}

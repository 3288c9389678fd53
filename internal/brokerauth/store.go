// Package brokerauth keeps the external MQTT broker's credential store
// consistent with the authoritative device table. The database is the
// source of truth; the broker store is a replica that is repaired on a
// periodic reconciliation sweep.
package brokerauth

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// CredentialStore abstracts the broker's credential backend. Mosquitto-style
// brokers keep a password file and need an explicit reload after mutation;
// others expose an admin API where Reload is a no-op.
type CredentialStore interface {
	// UpsertCredential writes or replaces the entry. Idempotent.
	UpsertCredential(ctx context.Context, username, password string) error
	// DeleteCredential removes the entry. Idempotent.
	DeleteCredential(ctx context.Context, username string) error
	// ListUsernames enumerates every stored username.
	ListUsernames(ctx context.Context) ([]string, error)
	// Reload signals the broker to pick up pending mutations.
	Reload(ctx context.Context) error
}

// PasswdFile is a mosquitto-passwd-style credential store: one
// `username:bcrypt-hash` line per device, rewritten atomically, with an
// optional reload command (typically a SIGHUP to the broker).
type PasswdFile struct {
	mu        sync.Mutex
	path      string
	reloadCmd string
}

var _ CredentialStore = (*PasswdFile)(nil)

// NewPasswdFile creates a password-file store. reloadCmd may be empty when
// the broker watches the file itself.
func NewPasswdFile(path, reloadCmd string) *PasswdFile {
	return &PasswdFile{path: path, reloadCmd: reloadCmd}
}

func (f *PasswdFile) load() (map[string]string, error) {
	entries := make(map[string]string)
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return entries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read passwd file: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			continue
		}
		entries[line[:idx]] = line[idx+1:]
	}
	return entries, nil
}

// save rewrites the file atomically: temp file in the same directory, then
// rename over the original.
func (f *PasswdFile) save(entries map[string]string) error {
	usernames := make([]string, 0, len(entries))
	for u := range entries {
		usernames = append(usernames, u)
	}
	sort.Strings(usernames)

	var sb strings.Builder
	for _, u := range usernames {
		sb.WriteString(u)
		sb.WriteByte(':')
		sb.WriteString(entries[u])
		sb.WriteByte('\n')
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o600); err != nil {
		return fmt.Errorf("write passwd file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename passwd file: %w", err)
	}
	return nil
}

func (f *PasswdFile) UpsertCredential(_ context.Context, username, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load()
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash credential: %w", err)
	}
	entries[username] = string(hash)
	return f.save(entries)
}

func (f *PasswdFile) DeleteCredential(_ context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := entries[username]; !ok {
		return nil
	}
	delete(entries, username)
	return f.save(entries)
}

func (f *PasswdFile) ListUsernames(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load()
	if err != nil {
		return nil, err
	}
	usernames := make([]string, 0, len(entries))
	for u := range entries {
		usernames = append(usernames, u)
	}
	sort.Strings(usernames)
	return usernames, nil
}

func (f *PasswdFile) Reload(ctx context.Context) error {
	if f.reloadCmd == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", f.reloadCmd)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("broker reload: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

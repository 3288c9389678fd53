package brokerauth

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/trapsight/backend/internal/database"
	"github.com/trapsight/backend/internal/monitoring"
)

// DeviceLister is the slice of the store the reconciler needs.
type DeviceLister interface {
	ListActiveDevices(ctx context.Context) ([]database.Device, error)
}

// Authority mediates every credential mutation against the broker store.
// Writes are best-effort with bounded retry; a write that exhausts retries
// is recorded as degraded and left for the reconciliation sweep. The
// registry transaction that caused the write is never rolled back — the
// database stays authoritative.
type Authority struct {
	store   CredentialStore
	devices DeviceLister
	metrics *monitoring.Metrics
	logger  *log.Logger

	debounce        time.Duration
	retryMaxElapsed time.Duration
	reconcileEvery  time.Duration

	mu          sync.Mutex
	reloadTimer *time.Timer
}

// New creates a broker authority. metrics may be nil in tests.
func New(store CredentialStore, devices DeviceLister, metrics *monitoring.Metrics,
	debounce, retryMaxElapsed, reconcileEvery time.Duration) *Authority {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	if retryMaxElapsed <= 0 {
		retryMaxElapsed = 30 * time.Second
	}
	if reconcileEvery <= 0 {
		reconcileEvery = 5 * time.Minute
	}
	return &Authority{
		store:           store,
		devices:         devices,
		metrics:         metrics,
		logger:          log.New(log.Writer(), "[BROKERAUTH] ", log.LstdFlags),
		debounce:        debounce,
		retryMaxElapsed: retryMaxElapsed,
		reconcileEvery:  reconcileEvery,
	}
}

// UpsertCredential writes (or replaces) the credential entry, then schedules
// a debounced reload so bulk operations coalesce into one broker reload.
func (a *Authority) UpsertCredential(ctx context.Context, username, password string) error {
	err := a.withRetry(ctx, func(ctx context.Context) error {
		return a.store.UpsertCredential(ctx, username, password)
	})
	a.countWrite("upsert", err)
	if err != nil {
		return err
	}
	a.scheduleReload()
	return nil
}

// DeleteCredential removes the entry, then schedules a debounced reload.
func (a *Authority) DeleteCredential(ctx context.Context, username string) error {
	err := a.withRetry(ctx, func(ctx context.Context) error {
		return a.store.DeleteCredential(ctx, username)
	})
	a.countWrite("delete", err)
	if err != nil {
		return err
	}
	a.scheduleReload()
	return nil
}

// ForceReload reloads the broker immediately, bypassing the debounce.
// Used by credential rotation, where the new password must be live before
// the rotate command reaches the device.
func (a *Authority) ForceReload(ctx context.Context) error {
	a.mu.Lock()
	if a.reloadTimer != nil {
		a.reloadTimer.Stop()
		a.reloadTimer = nil
	}
	a.mu.Unlock()
	return a.reload(ctx)
}

// scheduleReload coalesces reload requests arriving within the debounce
// window into a single reload.
func (a *Authority) scheduleReload() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reloadTimer != nil {
		return
	}
	a.reloadTimer = time.AfterFunc(a.debounce, func() {
		a.mu.Lock()
		a.reloadTimer = nil
		a.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.reload(ctx); err != nil {
			a.logger.Printf("debounced reload failed: %v", err)
		}
	})
}

func (a *Authority) reload(ctx context.Context) error {
	err := a.withRetry(ctx, a.store.Reload)
	if err != nil {
		a.degrade()
		a.logger.Printf("broker reload degraded: %v", err)
	}
	return err
}

// withRetry runs op with exponential backoff (500 ms doubling, capped at
// 8 s) until it succeeds or retryMaxElapsed passes.
func (a *Authority) withRetry(ctx context.Context, op func(context.Context) error) error {
	deadline := time.Now().Add(a.retryMaxElapsed)
	backoff := 500 * time.Millisecond

	var err error
	for {
		if err = op(ctx); err == nil {
			return nil
		}
		if time.Now().Add(backoff).After(deadline) {
			a.degrade()
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 8*time.Second {
			backoff = 8 * time.Second
		}
	}
}

// Run drives the reconciliation loop until ctx is cancelled: every sweep
// enumerates claimed devices, upserts credentials missing from the broker
// store and deletes orphans left behind by failed writes.
func (a *Authority) Run(ctx context.Context) {
	ticker := time.NewTicker(a.reconcileEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Reconcile(ctx); err != nil {
				a.logger.Printf("reconcile failed: %v", err)
			}
		}
	}
}

// Reconcile converges the broker store onto the device table once.
func (a *Authority) Reconcile(ctx context.Context) error {
	if a.metrics != nil {
		a.metrics.ReconcileRuns.Inc()
	}

	devices, err := a.devices.ListActiveDevices(ctx)
	if err != nil {
		return err
	}
	stored, err := a.store.ListUsernames(ctx)
	if err != nil {
		return err
	}

	want := make(map[string]string, len(devices)) // username -> password
	for _, d := range devices {
		want[d.MAC] = d.Password
	}
	have := make(map[string]bool, len(stored))
	for _, u := range stored {
		have[u] = true
	}

	changed := false
	for username, password := range want {
		if !have[username] {
			if err := a.store.UpsertCredential(ctx, username, password); err != nil {
				a.logger.Printf("reconcile upsert %s failed: %v", username, err)
				continue
			}
			a.repair("upsert_missing")
			changed = true
		}
	}
	for username := range have {
		if _, ok := want[username]; !ok {
			if err := a.store.DeleteCredential(ctx, username); err != nil {
				a.logger.Printf("reconcile delete %s failed: %v", username, err)
				continue
			}
			a.repair("delete_orphan")
			changed = true
		}
	}

	if changed {
		a.scheduleReload()
	}
	return nil
}

func (a *Authority) countWrite(op string, err error) {
	if a.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	a.metrics.CredentialWrites.WithLabelValues(op, result).Inc()
}

func (a *Authority) degrade() {
	if a.metrics != nil {
		a.metrics.CredentialDegrade.Inc()
	}
}

func (a *Authority) repair(kind string) {
	if a.metrics != nil {
		a.metrics.ReconcileRepairs.WithLabelValues(kind).Inc()
	}
}

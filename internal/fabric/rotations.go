package fabric

import (
	"sync"
	"time"
)

// RotationResult is the single-shot outcome of a pending rotation.
type RotationResult int

const (
	RotationAcked RotationResult = iota
	RotationTimedOut
)

type pendingRotation struct {
	mac   string
	ch    chan RotationResult
	timer *time.Timer
}

// rotationTracker keys in-flight credential rotations by rotation id. Each
// entry resolves exactly once: with RotationAcked when a matching ack
// arrives, or RotationTimedOut when the deadline fires. Resolution happens
// outside the lock.
type rotationTracker struct {
	mu      sync.Mutex
	pending map[string]*pendingRotation
}

func newRotationTracker() *rotationTracker {
	return &rotationTracker{pending: make(map[string]*pendingRotation)}
}

// Begin registers a rotation and returns the channel its outcome arrives
// on. The deadline handler fires after timeout unless an ack wins.
func (t *rotationTracker) Begin(rotationID, mac string, timeout time.Duration) <-chan RotationResult {
	ch := make(chan RotationResult, 1)
	p := &pendingRotation{mac: mac, ch: ch}
	p.timer = time.AfterFunc(timeout, func() {
		t.resolve(rotationID, "", RotationTimedOut)
	})

	t.mu.Lock()
	t.pending[rotationID] = p
	t.mu.Unlock()

	return ch
}

// Ack resolves the rotation with success when both the rotation id and the
// MAC match. Acks for unknown or mismatched rotations are ignored, which
// also makes QoS 1 redelivery harmless.
func (t *rotationTracker) Ack(rotationID, mac string) bool {
	return t.resolve(rotationID, mac, RotationAcked)
}

// Cancel drops the rotation without resolving its channel.
func (t *rotationTracker) Cancel(rotationID string) {
	t.mu.Lock()
	p, ok := t.pending[rotationID]
	if ok {
		delete(t.pending, rotationID)
	}
	t.mu.Unlock()
	if ok {
		p.timer.Stop()
	}
}

func (t *rotationTracker) resolve(rotationID, mac string, result RotationResult) bool {
	t.mu.Lock()
	p, ok := t.pending[rotationID]
	if ok && mac != "" && p.mac != mac {
		t.mu.Unlock()
		return false
	}
	if ok {
		delete(t.pending, rotationID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	p.timer.Stop()
	p.ch <- result
	return true
}

// PendingCount reports in-flight rotations.
func (t *rotationTracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

package fabric

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotationTrackerAck(t *testing.T) {
	tr := newRotationTracker()
	ch := tr.Begin("rot-1", "AABBCCDDEEFF", time.Minute)

	assert.True(t, tr.Ack("rot-1", "AABBCCDDEEFF"))
	select {
	case res := <-ch:
		assert.Equal(t, RotationAcked, res)
	case <-time.After(time.Second):
		t.Fatal("no rotation result delivered")
	}
	assert.Equal(t, 0, tr.PendingCount())

	// Redelivered ack resolves nothing.
	assert.False(t, tr.Ack("rot-1", "AABBCCDDEEFF"))
}

func TestRotationTrackerMACMismatch(t *testing.T) {
	tr := newRotationTracker()
	ch := tr.Begin("rot-1", "AABBCCDDEEFF", time.Minute)

	// An ack from the wrong device must not resolve the rotation.
	assert.False(t, tr.Ack("rot-1", "112233445566"))
	assert.Equal(t, 1, tr.PendingCount())

	require.True(t, tr.Ack("rot-1", "AABBCCDDEEFF"))
	assert.Equal(t, RotationAcked, <-ch)
}

func TestRotationTrackerTimeout(t *testing.T) {
	tr := newRotationTracker()
	ch := tr.Begin("rot-1", "AABBCCDDEEFF", 20*time.Millisecond)

	select {
	case res := <-ch:
		assert.Equal(t, RotationTimedOut, res)
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
	assert.Equal(t, 0, tr.PendingCount())

	// Late ack after timeout is a no-op.
	assert.False(t, tr.Ack("rot-1", "AABBCCDDEEFF"))
}

func TestRotationTrackerCancel(t *testing.T) {
	tr := newRotationTracker()
	ch := tr.Begin("rot-1", "AABBCCDDEEFF", 20*time.Millisecond)
	tr.Cancel("rot-1")

	assert.Equal(t, 0, tr.PendingCount())
	select {
	case res := <-ch:
		t.Fatalf("cancelled rotation resolved with %v", res)
	case <-time.After(80 * time.Millisecond):
	}
}

package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestSubscribeByType(t *testing.T) {
	bus := NewBus()
	alerts := bus.Subscribe(TypeAlertCreated)
	devices := bus.Subscribe(TypeDeviceOnline, TypeDeviceOffline)

	bus.Emit(TypeAlertCreated, "t1", "a1", map[string]interface{}{"severity": "high"})
	bus.Emit(TypeDeviceOffline, "t1", "d1", nil)

	ev := recv(t, alerts)
	assert.Equal(t, TypeAlertCreated, ev.Type)
	assert.Equal(t, "t1", ev.TenantID)
	assert.Equal(t, "a1", ev.Subject)
	assert.Equal(t, "high", ev.Data["severity"])
	assert.NotEmpty(t, ev.ID)

	assert.Equal(t, TypeDeviceOffline, recv(t, devices).Type)
	select {
	case <-alerts:
		t.Fatal("alert subscriber received a device event")
	default:
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := NewBus()
	all := bus.Subscribe()

	bus.Emit(TypeAlertCreated, "t1", "a1", nil)
	bus.Emit(TypeDeviceOnline, "t1", "d1", nil)

	assert.Equal(t, TypeAlertCreated, recv(t, all).Type)
	assert.Equal(t, TypeDeviceOnline, recv(t, all).Type)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	bus.bufferSize = 2
	ch := bus.Subscribe(TypeAlertCreated)

	// Publishing past the buffer must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Emit(TypeAlertCreated, "t1", "a1", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
	assert.Len(t, ch, 2, "overflow dropped")
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TypeAlertCreated)
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())
	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe is safe.
	bus.Emit(TypeAlertCreated, "t1", "a1", nil)
}

func TestEventJSONRoundTrip(t *testing.T) {
	ev := NewEvent(TypeDeviceClaimed, "t1", "d1", map[string]interface{}{"mac": "AABBCCDDEEFF"})
	raw, err := ev.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"device.claimed"`)
	assert.Contains(t, string(raw), `"tenant_id":"t1"`)
}

package fabric

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trapsight/backend/internal/config"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *captureSink) HandleDeviceEvent(_ context.Context, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// newTestFabric builds a fabric with a captured publish func and no broker.
func newTestFabric(sink Sink, queueSize int) (*Fabric, *[]published) {
	f := New(config.MQTTConfig{
		BrokerURL: "tcp://127.0.0.1:1883",
		ClientID:  "test",
		QueueSize: queueSize,
	}, sink, nil)
	f.accepting.Store(true)

	var pubs []published
	var mu sync.Mutex
	f.publish = func(topic string, qos byte, retained bool, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		pubs = append(pubs, published{topic, qos, retained, payload})
		return nil
	}
	return f, &pubs
}

func TestIngestDispatchesToSink(t *testing.T) {
	sink := &captureSink{}
	f, _ := newTestFabric(sink, 8)

	f.ingest("tenant/t1/device/AABBCCDDEEFF/status", []byte(`{"online":true}`))
	f.ingest("tenant/t1/device/AABBCCDDEEFF/alert", []byte(`{"severity":"high"}`))

	// Drain the queue the way a worker would.
	close(f.queue)
	for ev := range f.queue {
		sink.HandleDeviceEvent(context.Background(), ev)
	}

	evs := sink.all()
	require.Len(t, evs, 2)
	assert.Equal(t, "t1", evs[0].Tenant)
	assert.Equal(t, "AABBCCDDEEFF", evs[0].MAC)
	assert.Equal(t, KindStatus, evs[0].Kind)
	assert.Equal(t, KindAlert, evs[1].Kind)
}

func TestIngestDropsGarbage(t *testing.T) {
	sink := &captureSink{}
	f, _ := newTestFabric(sink, 8)

	f.ingest("not/a/device/topic", []byte(`{}`))
	f.ingest("tenant/t1/device/AABBCCDDEEFF/status", []byte(`{broken json`))

	assert.Equal(t, 0, len(f.queue))
}

func TestIngestQueueFullDrops(t *testing.T) {
	sink := &captureSink{}
	f, _ := newTestFabric(sink, 1)

	f.ingest("tenant/t1/device/AABBCCDDEEFF/status", []byte(`{}`))
	f.ingest("tenant/t1/device/AABBCCDDEEFF/status", []byte(`{}`)) // dropped

	assert.Equal(t, 1, len(f.queue))
}

func TestRotationAckNeverReachesSink(t *testing.T) {
	sink := &captureSink{}
	f, _ := newTestFabric(sink, 8)

	ch, err := f.RotateCredentials(context.Background(), "t1", "AABBCCDDEEFF", "rot-1", "secret", time.Minute)
	require.NoError(t, err)

	ack, _ := json.Marshal(RotationAckMessage{RotationID: "rot-1", Success: true})
	f.ingest("tenant/t1/device/AABBCCDDEEFF/rotation_ack", ack)

	assert.Equal(t, RotationAcked, <-ch)
	assert.Equal(t, 0, len(f.queue), "rotation acks must be consumed internally")
}

func TestRotateCredentialsPublishesCommand(t *testing.T) {
	f, pubs := newTestFabric(&captureSink{}, 8)

	_, err := f.RotateCredentials(context.Background(), "t1", "AABBCCDDEEFF", "rot-9", "newpass", time.Minute)
	require.NoError(t, err)

	require.Len(t, *pubs, 1)
	p := (*pubs)[0]
	assert.Equal(t, "tenant/t1/device/AABBCCDDEEFF/cmd/rotate_credentials", p.topic)
	assert.Equal(t, byte(1), p.qos)
	assert.False(t, p.retained)

	var cmd RotateCommand
	require.NoError(t, json.Unmarshal(p.payload, &cmd))
	assert.Equal(t, "rot-9", cmd.RotationID)
	assert.Equal(t, "newpass", cmd.Password)
	assert.Equal(t, 1, f.PendingRotations())
}

func TestClearRetainedRevoke(t *testing.T) {
	f, pubs := newTestFabric(&captureSink{}, 8)

	require.NoError(t, f.ClearRetainedRevoke("t1", "AABBCCDDEEFF"))

	require.Len(t, *pubs, 1)
	p := (*pubs)[0]
	assert.Equal(t, "tenant/t1/device/AABBCCDDEEFF/revoke", p.topic)
	assert.True(t, p.retained)
	assert.Empty(t, p.payload, "retained clear must carry an empty payload")
}

func TestNormalizeTimestamp(t *testing.T) {
	sec := int64(1724660000)
	ms := sec * 1000

	assert.Equal(t, NormalizeTimestamp(sec), NormalizeTimestamp(ms),
		"seconds and milliseconds must normalize to the same instant")
	assert.True(t, NormalizeTimestamp(0).IsZero())
}

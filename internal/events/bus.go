package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Event types emitted by the device fabric. Dashboards subscribe to these
// over the websocket stream; the optional Pub/Sub mirror forwards them to
// downstream consumers.
const (
	TypeAlertCreated      = "alert.created"
	TypeAlertAcknowledged = "alert.acknowledged"
	TypeAlertResolved     = "alert.resolved"
	TypeAlertEscalated    = "alert.escalated"
	TypeDeviceClaimed     = "device.claimed"
	TypeDeviceRevoked     = "device.revoked"
	TypeDeviceOnline      = "device.online"
	TypeDeviceOffline     = "device.offline"
	TypeDeviceMigrated    = "device.migrated"
	TypeOTAProgress       = "device.ota.progress"
	TypeSnapshot          = "device.snapshot"
)

// Emitter is the interface components publish through. Both the in-memory
// Bus and the PubSubBus satisfy it.
type Emitter interface {
	Emit(eventType, tenantID, subject string, data map[string]interface{})
}

// Event is the envelope carried by every fabric event.
type Event struct {
	Type     string                 `json:"type"`
	ID       string                 `json:"id"`
	Time     time.Time              `json:"time"`
	TenantID string                 `json:"tenant_id,omitempty"`
	Subject  string                 `json:"subject,omitempty"` // device or alert id
	Data     map[string]interface{} `json:"data"`
}

// NewEvent builds an event envelope with a unique id.
func NewEvent(eventType, tenantID, subject string, data map[string]interface{}) *Event {
	return &Event{
		Type:     eventType,
		ID:       fmt.Sprintf("ev-%d", time.Now().UnixNano()),
		Time:     time.Now(),
		TenantID: tenantID,
		Subject:  subject,
		Data:     data,
	}
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Bus is an in-process pub/sub event bus. Delivery is best-effort: a slow
// subscriber's full channel drops events rather than stalling publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event // eventType -> channels
	allSubs     []chan *Event
	bufferSize  int
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		bufferSize:  100,
	}
}

// Subscribe creates a channel that receives events of specific types.
// Pass no eventTypes to receive ALL events.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes a subscription channel and closes it.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}

	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish sends an event to all matching subscribers.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit creates and publishes an event.
func (b *Bus) Emit(eventType, tenantID, subject string, data map[string]interface{}) {
	b.Publish(NewEvent(eventType, tenantID, subject, data))
}

// SubscriberCount returns the number of active subscription channels.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

var _ Emitter = (*Bus)(nil)

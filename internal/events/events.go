package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventDeviceOnline  = "device_online"
	EventDeviceOffline = "device_offline"
	EventSyncRequested = "sync_requested"
	EventSyncCompleted = "sync_completed"
	EventSyncFailed    = "sync_failed"
)

// DeviceEventPayload is the snapshot sent with presence events.
type DeviceEventPayload struct {
	UserID         string    `json:"user_id"`
	DeviceID       string    `json:"device_id"`
	IsOnline       bool      `json:"is_online"`
	ConnectionType string    `json:"connection_type,omitempty"`
	Platform       string    `json:"platform,omitempty"`
	LastSeen       time.Time `json:"last_seen"`
}

// SyncJobEventPayload is sent when an on-demand sync job finishes.
type SyncJobEventPayload struct {
	JobID        string `json:"job_id"`
	UserID       string `json:"user_id"`
	Type         string `json:"type"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Event represents a lightweight domain event.
type Event struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
	Processed bool
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event. Fire and
// forget: subscriber errors never reach the publisher.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}

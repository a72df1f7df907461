package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the client
type EventType string

const (
	EventStateUpdated       EventType = "STATE_UPDATED"
	EventModeChanged        EventType = "MODE_CHANGED"
	EventStreamConnected    EventType = "STREAM_CONNECTED"
	EventStreamDisconnected EventType = "STREAM_DISCONNECTED"
	EventSignalReceived     EventType = "SIGNAL_RECEIVED"
	EventTradeClosed        EventType = "TRADE_CLOSED"
	EventError              EventType = "ERROR"
)

// Event represents a client-side event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishStateUpdated publishes a state change notification
func (b *Bus) PublishStateUpdated(counter int64) {
	b.Publish(Event{
		Type: EventStateUpdated,
		Data: map[string]interface{}{
			"update_counter": counter,
		},
	})
}

// PublishModeChanged publishes a mode transition event
func (b *Bus) PublishModeChanged(from, to string) {
	b.Publish(Event{
		Type: EventModeChanged,
		Data: map[string]interface{}{
			"from": from,
			"to":   to,
		},
	})
}

// PublishStreamStatus publishes a stream lifecycle event
func (b *Bus) PublishStreamStatus(connected bool, mode string) {
	eventType := EventStreamDisconnected
	if connected {
		eventType = EventStreamConnected
	}
	b.Publish(Event{
		Type: eventType,
		Data: map[string]interface{}{
			"mode": mode,
		},
	})
}

// PublishSignalReceived publishes an AI signal arrival
func (b *Bus) PublishSignalReceived(symbol, direction string, confidence float64) {
	b.Publish(Event{
		Type: EventSignalReceived,
		Data: map[string]interface{}{
			"symbol":     symbol,
			"direction":  direction,
			"confidence": confidence,
		},
	})
}

// PublishTradeClosed publishes a trade closed notification
func (b *Bus) PublishTradeClosed(mode string) {
	b.Publish(Event{
		Type: EventTradeClosed,
		Data: map[string]interface{}{
			"mode": mode,
		},
	})
}

// PublishError publishes an error event
func (b *Bus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{
		Type: EventError,
		Data: data,
	})
}

// Package events is the in-process bus for repository and registry change
// notifications.
package events

import (
	"sync"
	"time"
)

// EventType defines the type of event
type EventType string

const (
	EventObjectsAdded     EventType = "objects_added"
	EventObjectsChanged   EventType = "objects_changed"
	EventObjectsRemoved   EventType = "objects_removed"
	EventObjectsFlushed   EventType = "objects_flushed"
	EventRepositoryFailed EventType = "repository_failed"
)

// Event represents a change observed by a session
type Event struct {
	Type     EventType `json:"type"`
	Registry string    `json:"registry,omitempty"`
	IDs      []int64   `json:"ids,omitempty"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

// EventBus allows publishing and subscribing to events
type EventBus struct {
	mu          sync.RWMutex
	subscribers []chan<- Event
	dropped     int
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make([]chan<- Event, 0),
	}
}

// Subscribe adds a subscriber to receive events
func (eb *EventBus) Subscribe(ch chan<- Event) {
	eb.mu.Lock()
	eb.subscribers = append(eb.subscribers, ch)
	eb.mu.Unlock()
}

// Unsubscribe removes a subscriber. The channel is not closed.
func (eb *EventBus) Unsubscribe(ch chan<- Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for i, sub := range eb.subscribers {
		if sub == ch {
			subs := make([]chan<- Event, 0, len(eb.subscribers)-1)
			subs = append(subs, eb.subscribers[:i]...)
			eb.subscribers = append(subs, eb.subscribers[i+1:]...)
			return
		}
	}
}

// Publish sends an event to all subscribers. A nil bus drops the event.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	eb.mu.RLock()
	subs := eb.subscribers
	eb.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// Subscriber is slow, skip
			eb.mu.Lock()
			eb.dropped++
			eb.mu.Unlock()
		}
	}
}

// Dropped returns how many deliveries were skipped for slow subscribers
func (eb *EventBus) Dropped() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.dropped
}

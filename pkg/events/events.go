package events

import (
	"sync"
	"time"

	"github.com/cuemby/loam/pkg/types"
)

// EventType represents the type of event
type EventType string

const (
	EventCommit          EventType = "log.commit"
	EventTableCreated    EventType = "table.created"
	EventTableActivated  EventType = "table.activated"
	EventSchemaChanged   EventType = "schema.changed"
	EventRetentionSweep  EventType = "retention.sweep"
	EventIndexBackfilled EventType = "index.backfilled"
	EventIndexSnapshot   EventType = "index.snapshot"
	EventLeaseLost       EventType = "lease.lost"
)

// Event represents an engine event. Commit events carry the commit
// timestamp and the tables it touched so subscribers (query caches, the
// vector flusher, log sinks) can react without re-reading the log.
type Event struct {
	Type      EventType
	Timestamp time.Time
	CommitTS  types.Timestamp
	Tables    []string
	Message   string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case <-b.stopCh:
			b.mu.Lock()
			for sub := range b.subscribers {
				close(sub)
				delete(b.subscribers, sub)
			}
			b.mu.Unlock()
			return
		case event := <-b.eventCh:
			b.mu.RLock()
			for sub := range b.subscribers {
				// Drop events for slow subscribers rather than stalling
				// the commit path.
				select {
				case sub <- event:
				default:
				}
			}
			b.mu.RUnlock()
		}
	}
}

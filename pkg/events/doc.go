/*
Package events provides the in-process event broker for engine
notifications.

Commits, table activations, schema changes, and index lifecycle
transitions publish here; subscribers receive them on buffered channels
without the publisher ever blocking on a slow consumer.

# Architecture

One broker goroutine fans every published event out to all subscribers:

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                           │
	│   Publishers                                              │
	│  ┌───────────────┐ ┌──────────────┐ ┌─────────────────┐  │
	│  │ store.commit  │ │ ActivateImport│ │ SetSchema       │  │
	│  │ (EventCommit, │ │ (EventTable-  │ │ (EventSchema-   │  │
	│  │  ts + tables) │ │  Activated)   │ │  Changed)       │  │
	│  └───────┬───────┘ └──────┬───────┘ └────────┬────────┘  │
	│          │                │                  │            │
	│          └────────────────▼──────────────────┘            │
	│                  ┌────────────────┐                       │
	│                  │   eventCh      │  buffered (100)       │
	│                  └───────┬────────┘                       │
	│                          │ broker goroutine               │
	│          ┌───────────────┼────────────────┐               │
	│          ▼               ▼                ▼               │
	│  ┌──────────────┐ ┌──────────────┐ ┌──────────────┐      │
	│  │ Subscriber   │ │ Subscriber   │ │ Subscriber   │      │
	│  │ (50 buffered)│ │ (50 buffered)│ │ (50 buffered)│      │
	│  │ query caches │ │ log sinks    │ │ admin surface│      │
	│  └──────────────┘ └──────────────┘ └──────────────┘      │
	│                                                           │
	│   Full subscriber buffer -> event DROPPED for that        │
	│   subscriber; the commit path never stalls.               │
	└──────────────────────────────────────────────────────────┘

# Core Components

Event:
  - Type plus a wall-clock timestamp
  - Commit events additionally carry the commit timestamp and the
    tables the transaction touched, so consumers can react without
    re-reading the log

Broker:
  - Start launches the distribution goroutine; Stop closes every
    subscriber channel
  - Subscribe returns a buffered channel; Unsubscribe closes it
  - Publish enqueues onto the broker's own buffer and returns

Delivery Semantics:
  - Best-effort: a subscriber that falls behind loses events rather
    than stalling the commit path
  - Consumers needing completeness must treat an event as a hint and
    re-read the log from their last known commit timestamp; the commit
    timestamp on EventCommit is the resume cursor

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for event := range sub {
			if event.Type == events.EventCommit {
				refreshFrom(event.CommitTS)
			}
		}
	}()

	broker.Publish(&events.Event{
		Type:     events.EventCommit,
		CommitTS: ts,
		Tables:   []string{"notes"},
	})
*/
package events

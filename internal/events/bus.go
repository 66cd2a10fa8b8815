package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Handler is a callback invoked when a matching event is published.
type Handler func(IssueEvent)

// subscription ties a handler to the actions it cares about.
type subscription struct {
	actions map[Action]struct{} // nil means "all events"
	handler Handler
}

// Bus is a thread-safe, in-process publish/subscribe event bus.
type Bus struct {
	log         logrus.FieldLogger
	mu          sync.RWMutex
	subscribers []subscription
}

// NewBus creates a ready-to-use event bus.
func NewBus(log logrus.FieldLogger) *Bus {
	return &Bus{log: log}
}

// Subscribe registers a handler for the given actions.
// If no actions are provided the handler receives every event.
func (b *Bus) Subscribe(handler Handler, actions ...Action) {
	sub := subscription{handler: handler}
	if len(actions) > 0 {
		sub.actions = make(map[Action]struct{}, len(actions))
		for _, a := range actions {
			sub.actions[a] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()
}

// Publish sends an event to all matching subscribers.
// The timestamp is set automatically if zero.
// Handlers are called synchronously in the caller's goroutine, so
// subscribers that do I/O must hand the event off to their own worker.
func (b *Bus) Publish(e IssueEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.actions != nil {
			if _, ok := sub.actions[e.Action]; !ok {
				continue
			}
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Errorf("events: subscriber panic on %s: %v", e.Action, r)
				}
			}()
			sub.handler(e)
		}()
	}
}

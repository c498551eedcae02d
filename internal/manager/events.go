package manager

import (
	"sync"

	"forumwatch/internal/site"
)

// EventType identifies what a subscriber notification is about.
type EventType string

const (
	// EventChange signals that the site collection or a site's counters
	// changed and displayed state should be re-read.
	EventChange EventType = "change"
	// EventRefresh signals that an aggregate refresh cycle settled.
	EventRefresh EventType = "refresh"
)

// Event is one subscriber notification. Refresh events carry the alerts
// collected during the cycle.
type Event struct {
	Type   EventType
	Alerts []site.Alert
}

// Subscription represents an active event stream.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// eventBus fan-outs manager events to interested subscribers.
type eventBus struct {
	mu     sync.RWMutex
	subs   map[*eventSubscription]struct{}
	buffer int
}

func newEventBus(buffer int) *eventBus {
	if buffer <= 0 {
		buffer = 32
	}
	return &eventBus{
		subs:   make(map[*eventSubscription]struct{}),
		buffer: buffer,
	}
}

func (b *eventBus) publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			// Drop instead of blocking so a slow subscriber cannot
			// stall the refresh path. Consumers are expected to
			// drain promptly.
		}
	}
}

func (b *eventBus) subscribe() Subscription {
	sub := &eventSubscription{
		bus: b,
		ch:  make(chan Event, b.buffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

type eventSubscription struct {
	once sync.Once
	bus  *eventBus
	ch   chan Event
}

func (s *eventSubscription) Events() <-chan Event {
	return s.ch
}

func (s *eventSubscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

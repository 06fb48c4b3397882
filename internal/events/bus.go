package events

import (
	"sync"
	"time"
)

// Alert is the envelope handed to subscribers: the topic, its payload and
// the publish time, so downstream alerting can order and age notifications.
type Alert struct {
	Event   Event
	Payload any
	Time    time.Time
}

type subscriber struct {
	topics map[Event]struct{} // nil subscribes to every topic
	ch     chan Alert
}

func (s *subscriber) wants(e Event) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[e]
	return ok
}

// Bus is the fire-and-forget alert sink between the trading path and its
// consumers. Publishing never blocks: a subscriber that falls behind loses
// alerts (counted in Dropped) rather than stalling order flow.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscriber
	closed  bool
	dropped uint64
}

// NewBus creates an alert bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a listener for the given topics (none means all) and
// returns the alert channel and an unsubscribe function. The channel is
// closed on unsubscribe or when the bus shuts down.
func (b *Bus) Subscribe(buffer int, topics ...Event) (<-chan Alert, func()) {
	sub := &subscriber{ch: make(chan Alert, buffer)}
	if len(topics) > 0 {
		sub.topics = make(map[Event]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return sub.ch, func() { b.remove(sub) }
}

// Publish stamps the payload and fans it out to matching subscribers
// without blocking the caller.
func (b *Bus) Publish(e Event, payload any) {
	alert := Alert{Event: e, Payload: payload, Time: time.Now().UTC()}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(e) {
			continue
		}
		select {
		case sub.ch <- alert:
		default:
			b.dropped++
		}
	}
}

// Dropped reports how many alerts were discarded because a subscriber
// channel was full.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close shuts the bus down and closes every subscriber channel. Publishes
// after Close are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}

func (b *Bus) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			close(s.ch)
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

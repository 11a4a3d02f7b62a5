package queue

import (
	"context"
	"sync"
)

// EventType enumerates the lifecycle transitions the broker announces.
type EventType string

const (
	EventWaiting   EventType = "waiting"
	EventActive    EventType = "active"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventDelayed   EventType = "delayed"
	EventStalled   EventType = "stalled"
)

// Event is a lifecycle notification, used for logging only.
type Event struct {
	Type  EventType
	JobID string
	Error string
}

// Subscription is a buffered feed of lifecycle events. Events are dropped if
// the subscriber cannot keep up, so it must never be used for correctness.
type Subscription struct {
	ch     chan Event
	closed chan struct{}
	once   sync.Once
}

func (s *Subscription) Events() <-chan Event {
	return s.ch
}

func (s *Subscription) Close() {
	s.once.Do(func() { close(s.closed) })
}

// Each invokes fn for every event until ctx is cancelled or the subscription
// is closed. It blocks, so callers run it in its own goroutine.
func (s *Subscription) Each(ctx context.Context, fn func(Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case ev := <-s.ch:
			fn(ev)
		}
	}
}

type eventBus struct {
	mu   sync.Mutex
	subs []*Subscription
}

func (b *eventBus) subscribe(buffer int) *Subscription {
	sub := &Subscription{
		ch:     make(chan Event, buffer),
		closed: make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, sub)
	return sub
}

func (b *eventBus) emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	active := b.subs[:0]
	for _, sub := range b.subs {
		select {
		case <-sub.closed:
			continue
		default:
		}
		active = append(active, sub)
		select {
		case sub.ch <- ev:
		default:
			// subscriber is slow, drop rather than block the broker
		}
	}
	b.subs = active
}

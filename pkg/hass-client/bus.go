package hassclient

import (
	"sync"
	"sync/atomic"
)

// eventBus replicates every published event to each registered subscription.
// Publishing never blocks: a subscription whose buffer is full has the event
// dropped and its counter bumped instead, so one slow consumer cannot stall
// the connection or its peers.
type eventBus struct {
	mu     sync.Mutex
	closed bool
	subs   map[*Subscription]struct{}
	buffer int
}

func newEventBus(buffer int) *eventBus {
	return &eventBus{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

func (bus *eventBus) subscribe() *Subscription {
	sub := &Subscription{
		bus:    bus,
		events: make(chan Event, bus.buffer),
	}

	bus.mu.Lock()
	if bus.closed {
		close(sub.events)
	} else {
		bus.subs[sub] = struct{}{}
	}
	bus.mu.Unlock()

	return sub
}

// publish delivers the event to every live subscription and reports how many
// copies were dropped on full buffers.
func (bus *eventBus) publish(event Event) int {
	dropped := 0

	bus.mu.Lock()
	for sub := range bus.subs {
		select {
		case sub.events <- event:
		default:
			sub.dropped.Add(1)
			dropped++
		}
	}
	bus.mu.Unlock()

	return dropped
}

func (bus *eventBus) close() {
	bus.mu.Lock()
	if !bus.closed {
		bus.closed = true
		for sub := range bus.subs {
			close(sub.events)
			delete(bus.subs, sub)
		}
	}
	bus.mu.Unlock()
}

// Subscription is one independent receiver of the event stream. Every
// subscription sees every event published after it was created; there is no
// replay of earlier events.
type Subscription struct {
	bus     *eventBus
	events  chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// Events returns the subscription's channel. It is closed when the
// subscription or the client is closed.
func (sub *Subscription) Events() <-chan Event {
	return sub.events
}

// Dropped reports how many events were discarded because this subscriber fell
// behind its buffer. Delivery resumes with the next published event.
func (sub *Subscription) Dropped() uint64 {
	return sub.dropped.Load()
}

// Close unregisters the subscription and closes its channel.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.bus.mu.Lock()
		if _, ok := sub.bus.subs[sub]; ok {
			delete(sub.bus.subs, sub)
			close(sub.events)
		}
		sub.bus.mu.Unlock()
	})
}

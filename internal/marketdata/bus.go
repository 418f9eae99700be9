package marketdata

import (
	"sync"
	"time"
)

// EventType classifies bus events.
type EventType string

const (
	// EventTick signals that new market data for a pair is in the cache.
	EventTick EventType = "tick"
	// EventIngestError signals a persistent fetch failure for a pair.
	EventIngestError EventType = "ingest_error"
	// EventBotOverrun signals a bot cycle that exceeded its interval.
	EventBotOverrun EventType = "bot_overrun"
	// EventKillSwitchTripped signals the global halt.
	EventKillSwitchTripped EventType = "kill_switch_tripped"
	// EventKillSwitchReset signals an operator re-arm.
	EventKillSwitchReset EventType = "kill_switch_reset"
)

// Event is one bus message. Exactly one of Pair/BotID is set depending
// on the event type; Detail is free-form context.
type Event struct {
	Type   EventType
	Pair   string
	BotID  string
	Detail string
	Ts     time.Time
}

// subscriberBuffer bounds each subscriber's channel. A slow consumer
// loses events rather than stalling the publisher.
const subscriberBuffer = 128

// Bus is the in-process pub/sub fan-out between the ingestor, the
// scheduler, and the control surface. Publish never blocks.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscription
	closed bool
}

type subscription struct {
	ch    chan Event
	types map[EventType]bool // nil means all types
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]subscription)}
}

// Subscribe returns a channel receiving events of the given types (all
// types when none are given) and a cancel func that closes the channel.
func (b *Bus) Subscribe(types ...EventType) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var filter map[EventType]bool
	if len(types) > 0 {
		filter = make(map[EventType]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = subscription{ch: ch, types: filter}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
	}
	return ch, cancel
}

// Publish fans the event out to matching subscribers. Full subscriber
// buffers drop the event; ordering per subscriber is preserved.
func (b *Bus) Publish(ev Event) {
	if ev.Ts.IsZero() {
		ev.Ts = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[ev.Type] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Close terminates all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

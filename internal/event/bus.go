// Package event provides an in-process pub/sub bus built on watermill.
package event

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Type is the kind of an event.
type Type string

const (
	MessageCreated   Type = "message.created"
	MessageUpdated   Type = "message.updated"
	MessageDelta     Type = "message.delta"
	SessionConfirmed Type = "session.confirmed"
	SessionMigrated  Type = "session.migrated"
	SessionCleared   Type = "session.cleared"
	TurnStarted      Type = "turn.started"
	TurnSettled      Type = "turn.settled"
	TurnCancelled    Type = "turn.cancelled"
	FallbackStarted  Type = "fallback.started"
)

// topicEvents carries every published event through the watermill
// channel; fan-out to typed subscribers happens on the consuming side.
const topicEvents = "chatloop.events"

// Event is a published event.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// Subscriber receives events.
type Subscriber func(event Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus is an event bus. Watermill's gochannel carries the publish queue,
// which gives asynchronous delivery in publish order; typed payloads
// travel alongside the queued message so subscribers never see a bytes
// round-trip.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	subscribers map[Type][]subscriberEntry
	global      []subscriberEntry

	// pending maps queued message UUIDs to their typed events.
	pending sync.Map

	nextID uint64
	closed bool
	cancel context.CancelFunc
}

var globalBus = newBus()

func newBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		subscribers: make(map[Type][]subscriberEntry),
		cancel:      cancel,
	}

	msgs, err := b.pubsub.Subscribe(ctx, topicEvents)
	if err != nil {
		// gochannel only fails subscription once closed; a fresh bus
		// cannot hit this.
		panic(err)
	}
	go b.dispatch(msgs)

	return b
}

// NewBus creates an independent bus instance.
func NewBus() *Bus {
	return newBus()
}

// dispatch delivers queued events to subscribers, one at a time in
// publish order.
func (b *Bus) dispatch(msgs <-chan *message.Message) {
	for msg := range msgs {
		v, ok := b.pending.LoadAndDelete(msg.UUID)
		msg.Ack()
		if !ok {
			continue
		}
		event := v.(Event)
		for _, sub := range b.collect(event.Type) {
			sub(event)
		}
	}
}

func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers fn for one event type on the global bus.
// The returned function unsubscribes.
func Subscribe(t Type, fn Subscriber) func() {
	return globalBus.Subscribe(t, fn)
}

func (b *Bus) Subscribe(t Type, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	entry := subscriberEntry{id: b.newID(), fn: fn}
	b.subscribers[t] = append(b.subscribers[t], entry)

	return func() { b.unsubscribe(t, entry.id) }
}

// SubscribeAll registers fn for every event on the global bus.
func SubscribeAll(fn Subscriber) func() {
	return globalBus.SubscribeAll(fn)
}

func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	entry := subscriberEntry{id: b.newID(), fn: fn}
	b.global = append(b.global, entry)

	return func() { b.unsubscribeGlobal(entry.id) }
}

func (b *Bus) unsubscribe(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[t]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[t] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			break
		}
	}
}

func (b *Bus) collect(t Type) []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}

	subs := make([]Subscriber, 0, len(b.subscribers[t])+len(b.global))
	for _, entry := range b.subscribers[t] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	return subs
}

// Publish queues an event for asynchronous delivery. Events reach each
// subscriber in publish order; subscribers are expected to return
// quickly or hand off to their own goroutine.
func Publish(event Event) {
	globalBus.Publish(event)
}

func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), nil)
	b.pending.Store(msg.UUID, event)
	if err := b.pubsub.Publish(topicEvents, msg); err != nil {
		b.pending.Delete(msg.UUID)
	}
}

// PublishSync delivers an event to subscribers in the calling goroutine.
func PublishSync(event Event) {
	globalBus.PublishSync(event)
}

func (b *Bus) PublishSync(event Event) {
	for _, sub := range b.collect(event.Type) {
		sub(event)
	}
}

// Reset replaces the global bus, dropping all subscribers (for tests).
func Reset() {
	globalBus.Close()
	globalBus = newBus()
}

// Close shuts the bus down; further publishes are dropped.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cancel()
	b.subscribers = make(map[Type][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}

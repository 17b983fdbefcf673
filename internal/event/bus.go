package event

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/joescharf/thinkflow/internal/logging"
)

const wildcard = "*"

// Handler is a function that handles an event.
type Handler func(Event)

type subscription struct {
	id      string
	handler Handler
	ch      *chanSink
}

// chanSink delivers events into a buffered channel without blocking the
// publisher. Events are dropped when the buffer is full.
type chanSink struct {
	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped atomic.Int64
}

func (c *chanSink) send(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- e:
	default:
		c.dropped.Add(1)
	}
}

func (c *chanSink) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// Bus is a synchronous pub-sub event bus. Subscribers register explicitly and
// Close removes them all, closing any channel subscriptions.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string][]subscription
	nextID        atomic.Uint64
	closed        bool
	logger        *logging.Logger
}

// NewBus creates a new event bus. A nil logger discards handler panics.
func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Bus{
		subscriptions: make(map[string][]subscription),
		logger:        logger,
	}
}

// Subscribe registers a handler for one event type and returns its id.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	return b.add(eventType, subscription{handler: handler})
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(wildcard, handler)
}

// SubscribeChan returns a channel receiving events of eventType ("*" for all)
// and a cancel func that unsubscribes and closes the channel.
func (b *Bus) SubscribeChan(eventType string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sink := &chanSink{ch: make(chan Event, buffer)}
	id := b.add(eventType, subscription{handler: sink.send, ch: sink})
	if id == "" {
		sink.close()
		return sink.ch, func() {}
	}
	return sink.ch, func() { b.Unsubscribe(id) }
}

func (b *Bus) add(eventType string, sub subscription) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ""
	}
	sub.id = fmt.Sprintf("sub-%d", b.nextID.Add(1))
	b.subscriptions[eventType] = append(b.subscriptions[eventType], sub)
	return sub.id
}

// Unsubscribe removes a subscription by id. It reports whether one was found.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscriptions {
		for i, sub := range subs {
			if sub.id != id {
				continue
			}
			b.subscriptions[eventType] = append(subs[:i:i], subs[i+1:]...)
			if sub.ch != nil {
				sub.ch.close()
			}
			return true
		}
	}
	return false
}

// Publish dispatches an event to type-specific handlers, then wildcard
// handlers, each group in registration order. A panicking handler is logged
// and skipped.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	specific := append([]subscription(nil), b.subscriptions[e.EventType()]...)
	all := append([]subscription(nil), b.subscriptions[wildcard]...)
	b.mu.RUnlock()

	for _, sub := range specific {
		b.safeCall(sub.handler, e)
	}
	for _, sub := range all {
		b.safeCall(sub.handler, e)
	}
}

func (b *Bus) safeCall(handler Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", e.EventType(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	handler(e)
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := 0
	for _, subs := range b.subscriptions {
		count += len(subs)
	}
	return count
}

// Close removes every subscription, closes channel subscriptions, and turns
// later Publish and Subscribe calls into no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			if sub.ch != nil {
				sub.ch.close()
			}
		}
	}
	b.subscriptions = make(map[string][]subscription)
}

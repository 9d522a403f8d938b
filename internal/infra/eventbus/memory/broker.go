// Package memory provides an in-memory implementation of the event bus.
// It offers a lightweight, non-persistent broker suitable for testing and
// development environments where durability is not required.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/compliscan/compliscan/internal/domain/events"
)

var _ events.EventBus = (*Broker)(nil)

// Broker provides an in-memory implementation of the events.EventBus
// interface. Envelopes are delivered synchronously in the publisher's
// goroutine, which keeps delivery order deterministic for tests and
// single-process setups.
type Broker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[events.EventType]map[int]events.HandlerFunc
	closed bool
}

// NewBroker creates and initializes a new in-memory broker with no
// subscriptions.
func NewBroker() *Broker {
	return &Broker{subs: make(map[events.EventType]map[int]events.HandlerFunc)}
}

// Publish delivers an envelope to every handler subscribed to its type,
// stopping at the first handler error. Handlers are copied before iteration
// to prevent deadlocks when handlers subscribe or publish themselves.
func (b *Broker) Publish(ctx context.Context, envelope events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var pParams events.PublishParams
	for _, opt := range opts {
		opt(&pParams)
	}
	if pParams.Key != "" {
		envelope.Key = pParams.Key
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.New("memory broker: closed")
	}
	handlers := make([]events.HandlerFunc, 0, len(b.subs[envelope.Type]))
	for _, h := range b.subs[envelope.Type] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	// Acknowledgements are no-ops; nothing tracks offsets in process.
	ack := func(error) {}

	for _, handler := range handlers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := handler(ctx, envelope, ack); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a handler function for the given event types. The
// handler is removed when ctx is cancelled. Multiple handlers can be
// registered and will all receive published envelopes.
func (b *Broker) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("memory broker: closed")
	}
	id := b.nextID
	b.nextID++
	for _, et := range eventTypes {
		if b.subs[et] == nil {
			b.subs[et] = make(map[int]events.HandlerFunc)
		}
		b.subs[et][id] = handler
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, et := range eventTypes {
			delete(b.subs[et], id)
		}
	}()

	return nil
}

// Close drops every subscription and rejects further publishes.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[events.EventType]map[int]events.HandlerFunc)
	return nil
}

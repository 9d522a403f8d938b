package events

import "context"

// EventHandler defines the contract for components that consume domain
// events from an EventBus. A handler declares the event types it processes
// and subscribes with its HandleEvent method.
type EventHandler interface {
	// HandleEvent processes a domain event and returns an error if processing fails.
	HandleEvent(ctx context.Context, evt EventEnvelope, ack AckFunc) error

	// SupportedEvents returns the event types this handler can process.
	SupportedEvents() []EventType
}

package kafka

import (
	"context"

	"github.com/compliscan/compliscan/internal/domain/events"
)

var _ events.DomainEventPublisher = (*DomainEventPublisher)(nil)

// DomainEventPublisher adapts bare domain events to the bus's envelope
// transport so producers never touch broker detail.
type DomainEventPublisher struct {
	eventBus events.EventBus
}

// NewDomainEventPublisher wraps bus in the publisher the domain layer uses.
func NewDomainEventPublisher(bus events.EventBus) *DomainEventPublisher {
	return &DomainEventPublisher{eventBus: bus}
}

// PublishDomainEvent wraps event in an envelope stamped with its occurrence
// time and forwards it, passing any publish options through untouched.
func (pub *DomainEventPublisher) PublishDomainEvent(
	ctx context.Context,
	event events.DomainEvent,
	opts ...events.PublishOption,
) error {
	envelope := events.EventEnvelope{
		Type:      event.EventType(),
		Timestamp: event.OccurredAt(),
		Payload:   event,
	}
	return pub.eventBus.Publish(ctx, envelope, opts...)
}

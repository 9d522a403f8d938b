package events

import (
	"context"
	"time"
)

// DomainEvent is implemented by every event the domain emits. Concrete
// events are plain structs carrying the identifiers subscribers need to
// react without loading the aggregate.
type DomainEvent interface {
	// EventType identifies the category of this event for routing.
	EventType() EventType

	// OccurredAt reports when the event happened in the domain.
	OccurredAt() time.Time
}

// EventEnvelope is the transport-level wrapper around a domain event. The
// event bus deals exclusively in envelopes so broker metadata never leaks
// into domain types.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically a task id, so events
	// for the same entity land on the same partition in order.
	Key string

	// Timestamp records when this envelope was created.
	Timestamp time.Time

	// Payload carries the concrete domain event. Its type depends on Type.
	Payload any

	// Metadata holds broker position information for acknowledged delivery.
	Metadata EventMetadata
}

// EventMetadata captures where in the underlying stream an envelope came
// from. Zero values mean the envelope did not originate from a broker.
type EventMetadata struct {
	Partition int32
	Offset    int64
}

// AckFunc acknowledges processing of an event. Passing a non-nil error
// signals the event was not handled and may be redelivered depending on
// the bus implementation.
type AckFunc func(err error)

// HandlerFunc processes a single envelope. Implementations must call ack
// exactly once; skipping it stalls consumer progress on brokers that track
// offsets.
type HandlerFunc func(ctx context.Context, envelope EventEnvelope, ack AckFunc) error

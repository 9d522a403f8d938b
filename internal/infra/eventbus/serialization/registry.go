// Package serialization translates domain events to and from their JSON wire
// format. A registry maps each event type to a codec pair, so transports move
// opaque bytes and never learn payload shapes.
package serialization

import (
	"fmt"

	"github.com/compliscan/compliscan/internal/domain/events"
	"github.com/compliscan/compliscan/internal/domain/scanning"
)

// SerializeFunc converts a domain event into its wire bytes.
type SerializeFunc func(payload any) ([]byte, error)

// DeserializeFunc converts wire bytes back into a domain event.
type DeserializeFunc func(data []byte) (any, error)

var (
	serializerRegistry   = map[events.EventType]SerializeFunc{}
	deserializerRegistry = map[events.EventType]DeserializeFunc{}
)

// RegisterSerializeFunc registers a serialization function for an event type.
func RegisterSerializeFunc(eventType events.EventType, fn SerializeFunc) {
	serializerRegistry[eventType] = fn
}

// RegisterDeserializeFunc registers a deserialization function for an event type.
func RegisterDeserializeFunc(eventType events.EventType, fn DeserializeFunc) {
	deserializerRegistry[eventType] = fn
}

// SerializePayload converts a domain event into bytes using the registered
// serializer for its event type.
func SerializePayload(eventType events.EventType, payload any) ([]byte, error) {
	fn, ok := serializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no serializer registered for eventType=%s", eventType)
	}
	return fn(payload)
}

// DeserializePayload converts bytes back into a domain event using the
// registered deserializer for its event type.
func DeserializePayload(eventType events.EventType, data []byte) (any, error) {
	fn, ok := deserializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no deserializer registered for eventType=%s", eventType)
	}
	return fn(data)
}

func init() { RegisterEventSerializers() }

// RegisterEventSerializers registers codec pairs for every task event.
func RegisterEventSerializers() {
	RegisterSerializeFunc(scanning.EventTypeTaskSubmitted, serializeTaskSubmitted)
	RegisterDeserializeFunc(scanning.EventTypeTaskSubmitted, deserializeTaskSubmitted)

	RegisterSerializeFunc(scanning.EventTypeTaskStarted, serializeTaskStarted)
	RegisterDeserializeFunc(scanning.EventTypeTaskStarted, deserializeTaskStarted)

	RegisterSerializeFunc(scanning.EventTypeTaskStageAdvanced, serializeTaskStageAdvanced)
	RegisterDeserializeFunc(scanning.EventTypeTaskStageAdvanced, deserializeTaskStageAdvanced)

	RegisterSerializeFunc(scanning.EventTypeTaskProgressed, serializeTaskProgressed)
	RegisterDeserializeFunc(scanning.EventTypeTaskProgressed, deserializeTaskProgressed)

	RegisterSerializeFunc(scanning.EventTypeTaskCompleted, serializeTaskCompleted)
	RegisterDeserializeFunc(scanning.EventTypeTaskCompleted, deserializeTaskCompleted)

	RegisterSerializeFunc(scanning.EventTypeTaskFailed, serializeTaskFailed)
	RegisterDeserializeFunc(scanning.EventTypeTaskFailed, deserializeTaskFailed)

	RegisterSerializeFunc(scanning.EventTypeTaskCancelled, serializeTaskCancelled)
	RegisterDeserializeFunc(scanning.EventTypeTaskCancelled, deserializeTaskCancelled)
}

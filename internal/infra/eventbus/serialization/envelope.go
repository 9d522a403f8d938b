package serialization

import (
	"encoding/json"
	"fmt"

	"github.com/compliscan/compliscan/internal/domain/events"
)

// UniversalEnvelope wraps every serialized payload with its event type.
// Lifecycle topics carry several event types, so consumers need the type
// on the wire to pick the right deserializer.
type UniversalEnvelope struct {
	EventType events.EventType `json:"event_type"`
	Payload   json.RawMessage  `json:"payload"`
}

// SerializeEventEnvelope serializes a domain event payload and wraps it in a
// universal envelope ready for transport.
func SerializeEventEnvelope(eventType events.EventType, payload any) ([]byte, error) {
	payloadBytes, err := SerializePayload(eventType, payload)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(UniversalEnvelope{EventType: eventType, Payload: payloadBytes})
	if err != nil {
		return nil, fmt.Errorf("marshal universal envelope: %w", err)
	}
	return data, nil
}

// UnmarshalUniversalEnvelope splits transport bytes into the event type and
// the serialized payload, ready for DeserializePayload.
func UnmarshalUniversalEnvelope(data []byte) (events.EventType, []byte, error) {
	var env UniversalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("unmarshal universal envelope: %w", err)
	}
	if env.EventType == "" {
		return "", nil, fmt.Errorf("universal envelope missing event type")
	}
	return env.EventType, env.Payload, nil
}

package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compliscan/compliscan/internal/domain/events"
)

// stubBus records what Publish receives.
type stubBus struct {
	mu        sync.Mutex
	envelopes []events.EventEnvelope
	opts      [][]events.PublishOption
	err       error
}

func (b *stubBus) Publish(ctx context.Context, envelope events.EventEnvelope, opts ...events.PublishOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.envelopes = append(b.envelopes, envelope)
	b.opts = append(b.opts, opts)
	return b.err
}

func (b *stubBus) Subscribe(context.Context, []events.EventType, events.HandlerFunc) error {
	return nil
}

func (b *stubBus) Close() error { return nil }

// fixedEvent is a minimal DomainEvent with a pinned occurrence time.
type fixedEvent struct {
	typ events.EventType
	at  time.Time
}

func (e fixedEvent) EventType() events.EventType { return e.typ }
func (e fixedEvent) OccurredAt() time.Time       { return e.at }

func TestPublishDomainEvent_WrapsEventInEnvelope(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	event := fixedEvent{typ: "test-event", at: at}
	bus := &stubBus{}

	publisher := NewDomainEventPublisher(bus)
	require.NoError(t, publisher.PublishDomainEvent(context.Background(), event))

	require.Len(t, bus.envelopes, 1)
	got := bus.envelopes[0]
	assert.Equal(t, events.EventType("test-event"), got.Type)
	assert.Equal(t, at, got.Timestamp)
	assert.Equal(t, event, got.Payload)
}

func TestPublishDomainEvent_PassesOptionsThrough(t *testing.T) {
	t.Parallel()

	bus := &stubBus{}
	publisher := NewDomainEventPublisher(bus)

	err := publisher.PublishDomainEvent(context.Background(),
		fixedEvent{typ: "test-event", at: time.Now()},
		events.WithKey("task-123"),
		events.WithHeaders(map[string]string{"origin": "test"}),
	)
	require.NoError(t, err)

	require.Len(t, bus.opts, 1)
	var params events.PublishParams
	for _, opt := range bus.opts[0] {
		opt(&params)
	}
	assert.Equal(t, "task-123", params.Key)
	assert.Equal(t, "test", params.Headers["origin"])
}

func TestPublishDomainEvent_SurfacesBusError(t *testing.T) {
	t.Parallel()

	bus := &stubBus{err: errors.New("publish failed")}
	publisher := NewDomainEventPublisher(bus)

	err := publisher.PublishDomainEvent(context.Background(), fixedEvent{typ: "test-event", at: time.Now()})
	require.EqualError(t, err, "publish failed")
}

func TestPublishDomainEvent_Concurrent(t *testing.T) {
	t.Parallel()

	bus := &stubBus{}
	publisher := NewDomainEventPublisher(bus)

	var wg sync.WaitGroup
	const publishers = 10
	wg.Add(publishers)
	for range publishers {
		go func() {
			defer wg.Done()
			event := fixedEvent{typ: "test-event", at: time.Now()}
			assert.NoError(t, publisher.PublishDomainEvent(context.Background(), event))
		}()
	}
	wg.Wait()

	assert.Len(t, bus.envelopes, publishers)
}

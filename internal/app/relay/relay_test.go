package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/compliscan/compliscan/internal/domain/events"
	"github.com/compliscan/compliscan/internal/domain/scanning"
	"github.com/compliscan/compliscan/internal/infra/progress"
	"github.com/compliscan/compliscan/pkg/common/logger"
)

type published struct {
	event events.DomainEvent
	key   string
}

type stubPublisher struct {
	mu       sync.Mutex
	captured []published
	failNext int
}

func (p *stubPublisher) PublishDomainEvent(_ context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext > 0 {
		p.failNext--
		return errors.New("broker unavailable")
	}
	var params events.PublishParams
	for _, opt := range opts {
		opt(&params)
	}
	p.captured = append(p.captured, published{event: event, key: params.Key})
	return nil
}

func (p *stubPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]published, len(p.captured))
	copy(out, p.captured)
	return out
}

func newTestRelay(t *testing.T) (*Relay, *progress.Bus, *stubPublisher) {
	t.Helper()
	bus := progress.NewBus()
	t.Cleanup(bus.Close)
	pub := &stubPublisher{}
	r := NewRelay(bus, pub, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	return r, bus, pub
}

func progressEvent(taskID uuid.UUID, seq int64, percent int) scanning.ProgressEvent {
	return scanning.ProgressEvent{
		TaskID:    taskID,
		Seq:       seq,
		Stage:     scanning.StageDiscovery,
		Status:    scanning.TaskStatusRunning,
		Percent:   percent,
		Message:   "working",
		Severity:  scanning.SeverityInfo,
		Timestamp: time.Now().UTC(),
	}
}

func TestRelay_ForwardsEventsUntilStreamSeals(t *testing.T) {
	t.Parallel()

	r, bus, pub := newTestRelay(t)
	taskID := uuid.New()
	ctx := context.Background()

	r.Follow(ctx, taskID)

	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, bus.Publish(ctx, progressEvent(taskID, seq, int(seq)*10)))
	}
	bus.Complete(taskID)

	r.Wait()

	got := pub.all()
	require.Len(t, got, 3)
	for i, p := range got {
		assert.Equal(t, taskID.String(), p.key)
		assert.Equal(t, scanning.EventTypeTaskProgressed, p.event.EventType())

		prog, ok := p.event.(scanning.TaskProgressedEvent)
		require.True(t, ok)
		assert.Equal(t, int64(i+1), prog.Event.Seq)
		assert.Equal(t, taskID, prog.Event.TaskID)
	}
}

func TestRelay_ReplaysHistoryForLateAttach(t *testing.T) {
	t.Parallel()

	r, bus, pub := newTestRelay(t)
	taskID := uuid.New()
	ctx := context.Background()

	// Events published before the relay attaches come from the replay ring.
	require.NoError(t, bus.Publish(ctx, progressEvent(taskID, 1, 5)))
	require.NoError(t, bus.Publish(ctx, progressEvent(taskID, 2, 10)))

	r.Follow(ctx, taskID)
	bus.Complete(taskID)
	r.Wait()

	got := pub.all()
	require.Len(t, got, 2)
	first := got[0].event.(scanning.TaskProgressedEvent)
	assert.Equal(t, int64(1), first.Event.Seq)
}

func TestRelay_PublishFailureDropsEventAndKeepsDraining(t *testing.T) {
	t.Parallel()

	r, bus, pub := newTestRelay(t)
	pub.failNext = 1
	taskID := uuid.New()
	ctx := context.Background()

	r.Follow(ctx, taskID)

	require.NoError(t, bus.Publish(ctx, progressEvent(taskID, 1, 10)))
	require.NoError(t, bus.Publish(ctx, progressEvent(taskID, 2, 20)))
	bus.Complete(taskID)
	r.Wait()

	got := pub.all()
	require.Len(t, got, 1, "the failed event is dropped, the next still flows")
	forwarded := got[0].event.(scanning.TaskProgressedEvent)
	assert.Equal(t, int64(2), forwarded.Event.Seq)
}

func TestRelay_ContextCancelStopsForwarding(t *testing.T) {
	t.Parallel()

	r, bus, pub := newTestRelay(t)
	taskID := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())

	r.Follow(ctx, taskID)
	require.NoError(t, bus.Publish(ctx, progressEvent(taskID, 1, 10)))

	require.Eventually(t, func() bool { return len(pub.all()) == 1 },
		2*time.Second, 5*time.Millisecond)

	cancel()
	r.Wait()

	// Events published after cancellation never reach the broker.
	require.NoError(t, bus.Publish(context.Background(), progressEvent(taskID, 2, 20)))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, pub.all(), 1)
}

func TestRelay_FollowsMultipleTasksIndependently(t *testing.T) {
	t.Parallel()

	r, bus, pub := newTestRelay(t)
	taskA, taskB := uuid.New(), uuid.New()
	ctx := context.Background()

	r.Follow(ctx, taskA)
	r.Follow(ctx, taskB)

	require.NoError(t, bus.Publish(ctx, progressEvent(taskA, 1, 10)))
	require.NoError(t, bus.Publish(ctx, progressEvent(taskB, 1, 50)))
	bus.Complete(taskA)
	bus.Complete(taskB)
	r.Wait()

	byTask := make(map[uuid.UUID]int)
	for _, p := range pub.all() {
		evt := p.event.(scanning.TaskProgressedEvent)
		byTask[evt.Event.TaskID]++
	}
	assert.Equal(t, map[uuid.UUID]int{taskA: 1, taskB: 1}, byTask)
}

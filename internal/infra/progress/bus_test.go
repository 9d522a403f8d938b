package progress

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compliscan/compliscan/internal/domain/scanning"
)

func event(taskID uuid.UUID, seq int64) scanning.ProgressEvent {
	return scanning.ProgressEvent{
		TaskID:    taskID,
		Seq:       seq,
		Stage:     scanning.StageCrawl,
		Status:    scanning.TaskStatusRunning,
		Message:   "crawling",
		Severity:  scanning.SeverityInfo,
		Timestamp: time.Now(),
	}
}

func publishN(t *testing.T, bus *Bus, taskID uuid.UUID, from, to int64) {
	t.Helper()
	ctx := context.Background()
	for seq := from; seq <= to; seq++ {
		require.NoError(t, bus.Publish(ctx, event(taskID, seq)))
	}
}

// collect drains everything currently buffered without blocking.
func collect(sub scanning.Subscription) []scanning.ProgressEvent {
	var out []scanning.ProgressEvent
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func seqs(events []scanning.ProgressEvent) []int64 {
	out := make([]int64, 0, len(events))
	for _, ev := range events {
		if !ev.Gap {
			out = append(out, ev.Seq)
		}
	}
	return out
}

func TestBus_DeliversInOrder(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	defer bus.Close()
	taskID := uuid.New()

	sub, err := bus.Subscribe(context.Background(), taskID)
	require.NoError(t, err)
	defer sub.Cancel()

	publishN(t, bus, taskID, 1, 5)

	got := collect(sub)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seqs(got))
}

func TestBus_LateSubscriberGetsReplay(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	defer bus.Close()
	taskID := uuid.New()

	publishN(t, bus, taskID, 1, 10)

	sub, err := bus.Subscribe(context.Background(), taskID)
	require.NoError(t, err)
	defer sub.Cancel()

	// Replay first, then live events, with no seam.
	publishN(t, bus, taskID, 11, 12)

	got := collect(sub)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, seqs(got))
}

func TestBus_ReplayBoundedByRing(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	defer bus.Close()
	taskID := uuid.New()

	publishN(t, bus, taskID, 1, int64(ringCapacity)+20)

	sub, err := bus.Subscribe(context.Background(), taskID)
	require.NoError(t, err)
	defer sub.Cancel()

	got := collect(sub)
	require.Len(t, got, ringCapacity)
	assert.Equal(t, int64(21), got[0].Seq)
	assert.Equal(t, int64(ringCapacity)+20, got[len(got)-1].Seq)
}

func TestBus_SlowSubscriberGetsGapMarker(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	defer bus.Close()
	taskID := uuid.New()

	sub, err := bus.Subscribe(context.Background(), taskID)
	require.NoError(t, err)
	defer sub.Cancel()

	// Never read while far more events than the buffer holds are published.
	publishN(t, bus, taskID, 1, int64(subscriberBuffer)*3)

	got := collect(sub)

	var sawGap bool
	for _, ev := range got {
		if ev.Gap {
			sawGap = true
			assert.Equal(t, scanning.SeverityWarn, ev.Severity)
		}
	}
	assert.True(t, sawGap, "expected at least one gap marker")

	// The newest event always survives the squeeze.
	delivered := seqs(got)
	require.NotEmpty(t, delivered)
	assert.Equal(t, int64(subscriberBuffer)*3, delivered[len(delivered)-1])

	// Delivered real events never go backwards.
	for i := 1; i < len(delivered); i++ {
		assert.Greater(t, delivered[i], delivered[i-1])
	}
}

func TestBus_FastSubscriberSeesNoGaps(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	defer bus.Close()
	taskID := uuid.New()

	sub, err := bus.Subscribe(context.Background(), taskID)
	require.NoError(t, err)
	defer sub.Cancel()

	var got []scanning.ProgressEvent
	for seq := int64(1); seq <= 100; seq++ {
		require.NoError(t, bus.Publish(context.Background(), event(taskID, seq)))
		got = append(got, collect(sub)...)
	}

	require.Len(t, got, 100)
	for _, ev := range got {
		assert.False(t, ev.Gap)
	}
}

func TestBus_PublisherNeverBlocks(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	defer bus.Close()
	taskID := uuid.New()

	sub, err := bus.Subscribe(context.Background(), taskID)
	require.NoError(t, err)
	defer sub.Cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		publishN(t, bus, taskID, 1, 10_000)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestBus_CompleteClosesSubscribers(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	defer bus.Close()
	taskID := uuid.New()

	sub, err := bus.Subscribe(context.Background(), taskID)
	require.NoError(t, err)

	publishN(t, bus, taskID, 1, 3)
	bus.Complete(taskID)

	// Buffered events drain before the close is observed.
	var got []scanning.ProgressEvent
	for ev := range sub.Events() {
		got = append(got, ev)
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs(got))
}

func TestBus_SubscribeAfterCompleteReplaysThenCloses(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	defer bus.Close()
	taskID := uuid.New()

	publishN(t, bus, taskID, 1, 4)
	bus.Complete(taskID)

	sub, err := bus.Subscribe(context.Background(), taskID)
	require.NoError(t, err)

	var got []scanning.ProgressEvent
	for ev := range sub.Events() {
		got = append(got, ev)
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, seqs(got))
}

func TestBus_PublishAfterCompleteIsDropped(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	defer bus.Close()
	taskID := uuid.New()

	publishN(t, bus, taskID, 1, 2)
	bus.Complete(taskID)
	require.NoError(t, bus.Publish(context.Background(), event(taskID, 3)))

	sub, err := bus.Subscribe(context.Background(), taskID)
	require.NoError(t, err)

	var got []scanning.ProgressEvent
	for ev := range sub.Events() {
		got = append(got, ev)
	}
	assert.Equal(t, []int64{1, 2}, seqs(got))
}

func TestBus_HubReapedAfterLinger(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	defer bus.Close()
	bus.linger = 10 * time.Millisecond
	taskID := uuid.New()

	publishN(t, bus, taskID, 1, 2)
	bus.Complete(taskID)

	assert.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		_, ok := bus.hubs[taskID]
		return !ok
	}, time.Second, 5*time.Millisecond)

	// After the reap the history is gone; a new subscriber sees nothing.
	sub, err := bus.Subscribe(context.Background(), taskID)
	require.NoError(t, err)
	defer sub.Cancel()
	assert.Empty(t, collect(sub))
}

func TestBus_CancelDetachesSubscriber(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	defer bus.Close()
	taskID := uuid.New()

	sub, err := bus.Subscribe(context.Background(), taskID)
	require.NoError(t, err)

	publishN(t, bus, taskID, 1, 2)
	sub.Cancel()
	sub.Cancel() // idempotent

	publishN(t, bus, taskID, 3, 4)

	var got []scanning.ProgressEvent
	for ev := range sub.Events() {
		got = append(got, ev)
	}
	assert.Equal(t, []int64{1, 2}, seqs(got))
}

func TestBus_IndependentTasks(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	defer bus.Close()
	taskA := uuid.New()
	taskB := uuid.New()

	subA, err := bus.Subscribe(context.Background(), taskA)
	require.NoError(t, err)
	defer subA.Cancel()
	subB, err := bus.Subscribe(context.Background(), taskB)
	require.NoError(t, err)
	defer subB.Cancel()

	publishN(t, bus, taskA, 1, 3)
	publishN(t, bus, taskB, 1, 1)

	assert.Equal(t, []int64{1, 2, 3}, seqs(collect(subA)))
	assert.Equal(t, []int64{1}, seqs(collect(subB)))
}

func TestBus_CloseShutsEverythingDown(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	taskID := uuid.New()

	sub, err := bus.Subscribe(context.Background(), taskID)
	require.NoError(t, err)

	publishN(t, bus, taskID, 1, 2)
	bus.Close()

	var got []scanning.ProgressEvent
	for ev := range sub.Events() {
		got = append(got, ev)
	}
	assert.Equal(t, []int64{1, 2}, seqs(got))

	// Post-close operations are inert.
	require.NoError(t, bus.Publish(context.Background(), event(taskID, 3)))
	late, err := bus.Subscribe(context.Background(), taskID)
	require.NoError(t, err)
	_, open := <-late.Events()
	assert.False(t, open)
}

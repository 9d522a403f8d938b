// Package progress provides the in-process fan-out bus for per-task progress
// events. Publishers are never blocked: slow subscribers lose their oldest
// buffered events and receive a gap marker instead.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/compliscan/compliscan/internal/domain/scanning"
)

const (
	// ringCapacity bounds the per-task replay ring. Late subscribers see at
	// most this many historical events before the live stream begins.
	ringCapacity = 50

	// subscriberBuffer is the per-subscriber channel headroom beyond the
	// replay. Once it fills, the oldest queued event is dropped.
	subscriberBuffer = 16

	// completedLinger keeps a sealed task's ring around so subscribers that
	// arrive just after completion still get the replay.
	completedLinger = 30 * time.Second
)

// Bus implements scanning.ProgressBus with one hub per task. Hubs are
// created lazily on first publish or subscribe and removed a short while
// after the task's stream is sealed.
type Bus struct {
	mu   sync.Mutex
	hubs map[uuid.UUID]*taskHub

	now    func() time.Time
	linger time.Duration
	closed bool
}

// Ensure Bus implements scanning.ProgressBus at compile time.
var _ scanning.ProgressBus = (*Bus)(nil)

// NewBus creates an empty progress bus.
func NewBus() *Bus {
	return &Bus{
		hubs:   make(map[uuid.UUID]*taskHub),
		now:    time.Now,
		linger: completedLinger,
	}
}

// taskHub owns one task's replay ring and subscriber set. All fields are
// guarded by the bus mutex; per-hub locks would buy nothing since every
// operation already resolves the hub under it.
type taskHub struct {
	taskID    uuid.UUID
	ring      []scanning.ProgressEvent
	subs      map[*subscription]struct{}
	completed bool
	reap      *time.Timer
}

// subscription is one attached consumer. The channel is sized at subscribe
// time to hold the full replay plus live headroom, so replay never drops.
type subscription struct {
	events     chan scanning.ProgressEvent
	cancel     func()
	cancelOnce sync.Once

	// Guarded by the bus mutex.
	closed     bool
	pendingGap bool
	gapSeq     int64
}

// Events returns the receive channel for this subscription.
func (s *subscription) Events() <-chan scanning.ProgressEvent { return s.events }

// Cancel detaches the subscriber. Buffered events remain readable until the
// channel is drained.
func (s *subscription) Cancel() { s.cancelOnce.Do(s.cancel) }

// Publish records the event in the task's ring and fans it out to current
// subscribers. It never blocks: a subscriber whose buffer is full loses its
// oldest queued event and is owed a gap marker.
func (b *Bus) Publish(ctx context.Context, event scanning.ProgressEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}

	hub := b.hubLocked(event.TaskID)
	if hub.completed {
		// Stream already sealed; late stragglers from a cancelled run are
		// dropped rather than reopening the stream.
		return nil
	}

	hub.ring = append(hub.ring, event)
	if len(hub.ring) > ringCapacity {
		hub.ring = hub.ring[len(hub.ring)-ringCapacity:]
	}

	for sub := range hub.subs {
		b.deliverLocked(hub, sub, event)
	}
	return nil
}

// Subscribe attaches to a task's event stream. The replay of the task's
// recent history and the switch to live delivery happen under one lock
// acquisition, so the subscriber sees no seam: every event is delivered
// exactly once and in order. Subscribing to a sealed task yields the replay
// followed by channel close.
func (b *Bus) Subscribe(ctx context.Context, taskID uuid.UUID) (scanning.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub := &subscription{events: make(chan scanning.ProgressEvent)}
		sub.cancel = func() {}
		close(sub.events)
		sub.closed = true
		return sub, nil
	}

	hub := b.hubLocked(taskID)

	sub := &subscription{
		events: make(chan scanning.ProgressEvent, len(hub.ring)+subscriberBuffer),
	}
	sub.cancel = func() { b.removeSubscriber(hub, sub) }

	for _, ev := range hub.ring {
		sub.events <- ev
	}

	if hub.completed {
		close(sub.events)
		sub.closed = true
		return sub, nil
	}

	hub.subs[sub] = struct{}{}
	return sub, nil
}

// Complete seals a task's stream. Subscriber channels close once their
// buffered events drain; the replay ring lingers briefly for very late
// subscribers, then the hub is reaped.
func (b *Bus) Complete(taskID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	hub, ok := b.hubs[taskID]
	if !ok || hub.completed {
		return
	}
	hub.completed = true

	for sub := range hub.subs {
		if !sub.closed {
			close(sub.events)
			sub.closed = true
		}
		delete(hub.subs, sub)
	}

	hub.reap = time.AfterFunc(b.linger, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if current, ok := b.hubs[taskID]; ok && current == hub {
			delete(b.hubs, taskID)
		}
	})
}

// Close shuts the bus down, closing every subscriber channel and dropping
// all hubs. Publish and Subscribe become no-ops afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for _, hub := range b.hubs {
		for sub := range hub.subs {
			if !sub.closed {
				close(sub.events)
				sub.closed = true
			}
		}
		if hub.reap != nil {
			hub.reap.Stop()
		}
	}
	b.hubs = make(map[uuid.UUID]*taskHub)
}

// hubLocked returns the task's hub, creating it if needed.
func (b *Bus) hubLocked(taskID uuid.UUID) *taskHub {
	hub, ok := b.hubs[taskID]
	if !ok {
		hub = &taskHub{taskID: taskID, subs: make(map[*subscription]struct{})}
		b.hubs[taskID] = hub
	}
	return hub
}

// deliverLocked enqueues an event for one subscriber, paying down any owed
// gap marker first. Dropped events convert into a pending gap carrying the
// newest dropped sequence number.
func (b *Bus) deliverLocked(hub *taskHub, sub *subscription, event scanning.ProgressEvent) {
	if sub.pendingGap {
		gap := scanning.NewGapEvent(hub.taskID, sub.gapSeq, b.now())
		sub.pendingGap = false
		if dropped, did := enqueue(sub.events, gap); did {
			sub.pendingGap = true
			sub.gapSeq = dropped.Seq
		}
	}

	if dropped, did := enqueue(sub.events, event); did {
		if !sub.pendingGap || dropped.Seq > sub.gapSeq {
			sub.gapSeq = dropped.Seq
		}
		sub.pendingGap = true
	}
}

// enqueue performs a non-blocking send, evicting the oldest queued event to
// make room when the buffer is full. It reports the evicted event, if any.
// The bus mutex serializes all sends, so after one eviction the send cannot
// fail again.
func enqueue(ch chan scanning.ProgressEvent, ev scanning.ProgressEvent) (scanning.ProgressEvent, bool) {
	select {
	case ch <- ev:
		return scanning.ProgressEvent{}, false
	default:
	}

	var dropped scanning.ProgressEvent
	var did bool
	select {
	case dropped = <-ch:
		did = true
	default:
	}

	select {
	case ch <- ev:
	default:
		// Unreachable while sends are serialized; keep the send non-blocking
		// regardless.
		return ev, true
	}
	return dropped, did
}

// removeSubscriber detaches a cancelled subscriber from its hub. A hub that
// never saw a publish and has no subscribers left is dropped outright so
// subscriptions to unknown task ids cannot accumulate empty hubs.
func (b *Bus) removeSubscriber(hub *taskHub, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(hub.subs, sub)
	if !sub.closed {
		close(sub.events)
		sub.closed = true
	}

	if len(hub.subs) == 0 && len(hub.ring) == 0 && !hub.completed {
		if current, ok := b.hubs[hub.taskID]; ok && current == hub {
			delete(b.hubs, hub.taskID)
		}
	}
}

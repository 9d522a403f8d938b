// Package relay bridges the in-process progress stream onto the event bus.
// Remote consumers follow live task updates through the broker's progress
// topic; nothing in this process ever waits for them.
package relay

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/compliscan/compliscan/internal/domain/events"
	"github.com/compliscan/compliscan/internal/domain/scanning"
	"github.com/compliscan/compliscan/pkg/common/logger"
)

// Relay subscribes to each running task's progress stream and republishes
// every event as a TaskProgressedEvent on the event bus. One goroutine per
// followed task; each ends when the task's stream is sealed.
type Relay struct {
	bus       scanning.ProgressBus
	publisher events.DomainEventPublisher

	wg sync.WaitGroup

	logger *logger.Logger
	tracer trace.Tracer
}

// NewRelay creates a relay that forwards progress events from bus to publisher.
func NewRelay(
	bus scanning.ProgressBus,
	publisher events.DomainEventPublisher,
	log *logger.Logger,
	tracer trace.Tracer,
) *Relay {
	return &Relay{
		bus:       bus,
		publisher: publisher,
		logger:    log.With("component", "progress_relay"),
		tracer:    tracer,
	}
}

// Follow attaches to a task's progress stream and forwards its events until
// the stream closes. It returns immediately; forwarding happens in the
// background. Failure to attach is logged and swallowed: the relay is an
// observer, never a dependency of task execution.
func (r *Relay) Follow(ctx context.Context, taskID uuid.UUID) {
	ctx, span := r.tracer.Start(ctx, "relay.scanning.follow_task",
		trace.WithAttributes(attribute.String("task_id", taskID.String())))
	defer span.End()

	sub, err := r.bus.Subscribe(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		r.logger.Warn(ctx, "Failed to attach to progress stream", "task_id", taskID, "err", err)
		return
	}
	span.AddEvent("stream_attached")

	r.wg.Add(1)
	go r.forward(ctx, taskID, sub)
}

// forward drains one subscription into the event bus. Publish failures are
// logged and the event dropped; the subscription keeps draining so the
// stream's terminal close is always observed.
func (r *Relay) forward(ctx context.Context, taskID uuid.UUID, sub scanning.Subscription) {
	defer r.wg.Done()
	defer sub.Cancel()

	key := events.WithKey(taskID.String())
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				r.logger.Debug(ctx, "Progress stream sealed", "task_id", taskID)
				return
			}
			if err := r.publisher.PublishDomainEvent(ctx, scanning.NewTaskProgressedEvent(evt), key); err != nil {
				r.logger.Warn(ctx, "Failed to forward progress event",
					"task_id", taskID, "seq", evt.Seq, "err", err)
			}
		case <-ctx.Done():
			r.logger.Debug(ctx, "Progress forwarding stopped", "task_id", taskID, "reason", context.Cause(ctx))
			return
		}
	}
}

// Wait blocks until every forwarding goroutine has drained. Shutdown calls
// this after the last active task reaches a terminal state, which seals all
// followed streams.
func (r *Relay) Wait() {
	r.wg.Wait()
}

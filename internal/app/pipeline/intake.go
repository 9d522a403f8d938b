package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/compliscan/compliscan/internal/domain/events"
	"github.com/compliscan/compliscan/internal/domain/scanning"
	"github.com/compliscan/compliscan/pkg/common/logger"
)

// Intake consumes task submission events from the event bus and hands them
// to the orchestrator, bounding how many tasks one worker process executes
// at once through its worker pool.
type Intake struct {
	workerID string

	eventBus events.EventBus
	orch     Orchestrator

	workers     int
	stopCh      chan struct{}
	stopOnce    sync.Once
	workerWg    sync.WaitGroup
	submissions chan scanning.TaskSubmittedEvent

	logger  *logger.Logger
	metrics PipelineMetrics
	tracer  trace.Tracer
}

var _ events.EventHandler = (*Intake)(nil)

// NewIntake creates an intake that runs at most maxConcurrent tasks at a
// time on this worker.
func NewIntake(
	workerID string,
	eventBus events.EventBus,
	orch Orchestrator,
	maxConcurrent int,
	log *logger.Logger,
	metrics PipelineMetrics,
	tracer trace.Tracer,
) *Intake {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	log = log.With("component", "intake", "worker_id", workerID, "num_workers", maxConcurrent)

	return &Intake{
		workerID:    workerID,
		eventBus:    eventBus,
		orch:        orch,
		workers:     maxConcurrent,
		stopCh:      make(chan struct{}),
		submissions: make(chan scanning.TaskSubmittedEvent, maxConcurrent*2),
		logger:      log,
		metrics:     metrics,
		tracer:      tracer,
	}
}

// Run subscribes to submission events and starts the worker pool. It blocks
// until the context is cancelled or Stop is called, then waits for the
// workers to drain submissions that were already acknowledged.
func (i *Intake) Run(ctx context.Context) error {
	initCtx, initSpan := i.tracer.Start(ctx, "intake.scanning.init",
		trace.WithAttributes(
			attribute.String("component", "intake"),
			attribute.String("worker_id", i.workerID),
			attribute.Int("num_workers", i.workers),
		))

	i.logger.Info(initCtx, "Running task intake")

	if err := i.eventBus.Subscribe(ctx, i.SupportedEvents(), i.HandleEvent); err != nil {
		initSpan.RecordError(err)
		initSpan.SetStatus(codes.Error, "failed to subscribe to submissions")
		initSpan.End()
		return fmt.Errorf("failed to subscribe to submissions: %w", err)
	}

	initSpan.AddEvent("starting_workers")
	i.workerWg.Add(i.workers)
	for w := range i.workers {
		go func(workerNum int) {
			defer i.workerWg.Done()
			i.workerLoop(ctx, workerNum)
		}(w)
	}
	initSpan.AddEvent("subscribed_to_events")
	initSpan.End()

	select {
	case <-ctx.Done():
	case <-i.stopCh:
	}
	i.logger.Info(ctx, "Stopping task intake", "worker_id", i.workerID)
	i.Stop()
	i.workerWg.Wait()
	return ctx.Err()
}

// Stop makes the intake refuse new submissions. Run keeps draining what was
// already routed, so callers can bound the drain by cancelling the context
// they passed to Run. Safe to call more than once.
func (i *Intake) Stop() {
	i.stopOnce.Do(func() { close(i.stopCh) })
}

// SupportedEvents returns the event types the intake subscribes to.
func (i *Intake) SupportedEvents() []events.EventType {
	return []events.EventType{scanning.EventTypeTaskSubmitted}
}

// HandleEvent routes bus envelopes; only submissions are expected here.
func (i *Intake) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	if evt.Type != scanning.EventTypeTaskSubmitted {
		return fmt.Errorf("unexpected event type: %s", evt.Type)
	}
	return i.handleSubmitted(ctx, evt, ack)
}

// handleSubmitted hands a submission to the worker pool. The event is acked
// once routed; everything after that is this process's responsibility.
func (i *Intake) handleSubmitted(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	ctx, span := i.tracer.Start(ctx, "intake.scanning.handle_submitted",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("component", "intake"),
			attribute.String("event_type", string(evt.Type)),
		))
	defer span.End()

	sub, ok := evt.Payload.(scanning.TaskSubmittedEvent)
	if !ok {
		span.SetStatus(codes.Error, "invalid event payload type")
		return fmt.Errorf("expected TaskSubmittedEvent, got %T", evt.Payload)
	}
	span.SetAttributes(
		attribute.String("task_id", sub.TaskID.String()),
		attribute.String("target_domain", sub.TargetDomain),
	)

	// Checked before the routing select so a stopped intake nacks instead of
	// racing the send against the closed stop channel.
	select {
	case <-i.stopCh:
		err := fmt.Errorf("intake[%s]: stopping", i.workerID)
		ack(err)
		span.SetStatus(codes.Error, "service stopping")
		return err
	default:
	}

	select {
	case i.submissions <- sub:
		ack(nil)
		span.AddEvent("submission_routed")
		return nil
	case <-ctx.Done():
		ack(ctx.Err())
		span.SetStatus(codes.Error, "context cancelled")
		return ctx.Err()
	case <-i.stopCh:
		err := fmt.Errorf("intake[%s]: stopping", i.workerID)
		ack(err)
		span.SetStatus(codes.Error, "service stopping")
		return err
	}
}

// workerLoop runs one worker until shutdown, containing panics so a bad task
// cannot take the pool down. After a panic the loop restarts with a small
// delay.
func (i *Intake) workerLoop(ctx context.Context, workerNum int) {
	workerLogger := logger.NewLoggerContext(i.logger.With(
		"worker_num", workerNum,
		"operation", "worker_loop",
	))
	workerLogger.Info(ctx, "Intake worker starting up")

	for {
		func() {
			defer func() {
				if r := recover(); r != nil {
					rctx, rspan := i.tracer.Start(ctx, "intake.worker.panic",
						trace.WithAttributes(attribute.Int("worker_num", workerNum)),
					)
					defer rspan.End()

					err := fmt.Errorf("worker panic: %v", r)
					workerLogger.Error(rctx, "Intake worker recovered from panic", "panic", r)
					rspan.RecordError(err)
					rspan.SetStatus(codes.Error, "worker panic")
				}
			}()

			i.doWorkerLoop(ctx, workerLogger)
		}()

		select {
		case <-ctx.Done():
			workerLogger.Info(ctx, "Intake worker stopped - context cancelled")
			return
		case <-i.stopCh:
			workerLogger.Info(ctx, "Intake worker stopped - service shutdown")
			return
		case <-time.After(1 * time.Second): // Delay restart to prevent tight loop on persistent panics
		}
	}
}

// doWorkerLoop pulls submissions off the shared channel and executes them.
func (i *Intake) doWorkerLoop(ctx context.Context, workerLogger *logger.LoggerContext) {
	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-i.submissions:
			i.processSubmission(ctx, sub, workerLogger)
		case <-i.stopCh:
			// Routed submissions were already acknowledged and will not be
			// redelivered, so run them before exiting.
			for {
				select {
				case sub := <-i.submissions:
					i.processSubmission(ctx, sub, workerLogger)
				default:
					return
				}
			}
		}
	}
}

// processSubmission accepts and runs one task end to end.
func (i *Intake) processSubmission(ctx context.Context, sub scanning.TaskSubmittedEvent, workerLogger *logger.LoggerContext) {
	taskCtx, span := i.tracer.Start(ctx, "intake.worker.process_submission",
		trace.WithAttributes(
			attribute.String("component", "intake"),
			attribute.String("task_id", sub.TaskID.String()),
			attribute.String("target_domain", sub.TargetDomain),
		))
	defer span.End()

	taskID, err := i.orch.Submit(taskCtx, sub.TargetDomain, sub.Config, scanning.WithTaskID(sub.TaskID))
	if err != nil {
		var validation *scanning.ValidationError
		if errors.As(err, &validation) {
			// Poison submission; drop it rather than poison the pool.
			workerLogger.Warn(taskCtx, "Dropping invalid submission",
				"task_id", sub.TaskID,
				"target_domain", sub.TargetDomain,
				"err", err,
			)
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid submission")
			return
		}
		workerLogger.Error(taskCtx, "Failed to accept submission", "task_id", sub.TaskID, "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "submission failed")
		return
	}

	err = i.orch.Run(taskCtx, taskID)
	switch {
	case err == nil:
		span.AddEvent("task_finished")
		span.SetStatus(codes.Ok, "task_finished")
	case isOrphanAbort(err):
		workerLogger.Warn(taskCtx, "Task aborted as orphaned", "task_id", taskID)
		span.AddEvent("task_orphaned")
	default:
		// Failed tasks record their own terminal state; this is operator
		// visibility only.
		workerLogger.Error(taskCtx, "Task run ended with error", "task_id", taskID, "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "task run error")
	}
}

func isOrphanAbort(err error) bool {
	var orphaned *scanning.OrphanedTaskError
	return errors.As(err, &orphaned)
}

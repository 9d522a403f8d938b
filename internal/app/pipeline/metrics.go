package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/compliscan/compliscan/internal/domain/scanning"
	"github.com/compliscan/compliscan/internal/infra/eventbus/kafka"
)

// PipelineMetrics defines the metrics operations the orchestrator and its
// collaborators record.
type PipelineMetrics interface {
	// Messaging metrics
	kafka.EventBusMetrics

	// Task lifecycle.
	IncTasksSubmitted(ctx context.Context)
	IncTasksCompleted(ctx context.Context)
	IncTasksFailed(ctx context.Context)
	IncTasksCancelled(ctx context.Context, reason scanning.TerminalReason)
	IncDuplicateClaims(ctx context.Context)
	IncOrphanedAborts(ctx context.Context)
	ObserveTaskDuration(ctx context.Context, duration time.Duration)
	SetActiveTasks(ctx context.Context, delta int)

	// Stage execution.
	IncStageRetries(ctx context.Context, stage scanning.Stage)
	ObserveStageDuration(ctx context.Context, stage scanning.Stage, duration time.Duration)

	// Progress stream.
	IncProgressEvents(ctx context.Context)

	// Liveness.
	SetStalledTasks(ctx context.Context, count int)
}

// pipelineMetrics implements PipelineMetrics on the otel meter API.
type pipelineMetrics struct {
	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter

	tasksSubmitted  metric.Int64Counter
	tasksCompleted  metric.Int64Counter
	tasksFailed     metric.Int64Counter
	tasksCancelled  metric.Int64Counter
	duplicateClaims metric.Int64Counter
	orphanedAborts  metric.Int64Counter
	taskDuration    metric.Float64Histogram
	activeTasks     metric.Int64UpDownCounter

	stageRetries  metric.Int64Counter
	stageDuration metric.Float64Histogram

	progressEvents metric.Int64Counter

	stalledTasks metric.Int64Gauge
}

var _ PipelineMetrics = (*pipelineMetrics)(nil)

const namespace = "worker"

// NewPipelineMetrics creates the orchestrator metrics instance.
func NewPipelineMetrics(mp metric.MeterProvider) (*pipelineMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(pipelineMetrics)
	var err error

	if m.messagesPublished, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of messages published to the event bus"),
	); err != nil {
		return nil, err
	}

	if m.messagesConsumed, err = meter.Int64Counter(
		"messages_consumed_total",
		metric.WithDescription("Total number of messages consumed from the event bus"),
	); err != nil {
		return nil, err
	}

	if m.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of failed publishes to the event bus"),
	); err != nil {
		return nil, err
	}

	if m.consumeErrors, err = meter.Int64Counter(
		"consume_errors_total",
		metric.WithDescription("Total number of failed consumes from the event bus"),
	); err != nil {
		return nil, err
	}

	if m.tasksSubmitted, err = meter.Int64Counter(
		"tasks_submitted_total",
		metric.WithDescription("Total number of scan tasks accepted"),
	); err != nil {
		return nil, err
	}

	if m.tasksCompleted, err = meter.Int64Counter(
		"tasks_completed_total",
		metric.WithDescription("Total number of scan tasks that completed successfully"),
	); err != nil {
		return nil, err
	}

	if m.tasksFailed, err = meter.Int64Counter(
		"tasks_failed_total",
		metric.WithDescription("Total number of scan tasks that failed"),
	); err != nil {
		return nil, err
	}

	if m.tasksCancelled, err = meter.Int64Counter(
		"tasks_cancelled_total",
		metric.WithDescription("Total number of scan tasks cancelled, by reason"),
	); err != nil {
		return nil, err
	}

	if m.duplicateClaims, err = meter.Int64Counter(
		"duplicate_claims_total",
		metric.WithDescription("Total number of task claims lost to another execution"),
	); err != nil {
		return nil, err
	}

	if m.orphanedAborts, err = meter.Int64Counter(
		"orphaned_aborts_total",
		metric.WithDescription("Total number of tasks aborted because their record vanished"),
	); err != nil {
		return nil, err
	}

	if m.taskDuration, err = meter.Float64Histogram(
		"task_duration_seconds",
		metric.WithDescription("Wall time from claim to terminal state"),
	); err != nil {
		return nil, err
	}

	if m.activeTasks, err = meter.Int64UpDownCounter(
		"active_tasks",
		metric.WithDescription("Number of tasks currently executing in this worker"),
	); err != nil {
		return nil, err
	}

	if m.stageRetries, err = meter.Int64Counter(
		"stage_retries_total",
		metric.WithDescription("Total number of stage retry attempts, by stage"),
	); err != nil {
		return nil, err
	}

	if m.stageDuration, err = meter.Float64Histogram(
		"stage_duration_seconds",
		metric.WithDescription("Time taken by each stage execution, by stage"),
	); err != nil {
		return nil, err
	}

	if m.progressEvents, err = meter.Int64Counter(
		"progress_events_total",
		metric.WithDescription("Total number of progress events published"),
	); err != nil {
		return nil, err
	}

	if m.stalledTasks, err = meter.Int64Gauge(
		"tasks_stalled",
		metric.WithDescription("Number of running tasks with no recent progress"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *pipelineMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *pipelineMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	m.messagesConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *pipelineMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *pipelineMetrics) IncConsumeError(ctx context.Context, topic string) {
	m.consumeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *pipelineMetrics) IncTasksSubmitted(ctx context.Context) { m.tasksSubmitted.Add(ctx, 1) }
func (m *pipelineMetrics) IncTasksCompleted(ctx context.Context) { m.tasksCompleted.Add(ctx, 1) }
func (m *pipelineMetrics) IncTasksFailed(ctx context.Context)    { m.tasksFailed.Add(ctx, 1) }

func (m *pipelineMetrics) IncTasksCancelled(ctx context.Context, reason scanning.TerminalReason) {
	m.tasksCancelled.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))
}

func (m *pipelineMetrics) IncDuplicateClaims(ctx context.Context) { m.duplicateClaims.Add(ctx, 1) }
func (m *pipelineMetrics) IncOrphanedAborts(ctx context.Context)  { m.orphanedAborts.Add(ctx, 1) }

func (m *pipelineMetrics) ObserveTaskDuration(ctx context.Context, duration time.Duration) {
	m.taskDuration.Record(ctx, duration.Seconds())
}

func (m *pipelineMetrics) SetActiveTasks(ctx context.Context, delta int) {
	m.activeTasks.Add(ctx, int64(delta))
}

func (m *pipelineMetrics) IncStageRetries(ctx context.Context, stage scanning.Stage) {
	m.stageRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage.String())))
}

func (m *pipelineMetrics) ObserveStageDuration(ctx context.Context, stage scanning.Stage, duration time.Duration) {
	m.stageDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("stage", stage.String())))
}

func (m *pipelineMetrics) IncProgressEvents(ctx context.Context) { m.progressEvents.Add(ctx, 1) }

func (m *pipelineMetrics) SetStalledTasks(ctx context.Context, count int) {
	m.stalledTasks.Record(ctx, int64(count))
}

// NoopMetrics discards every measurement. Tests and tools that do not
// export metrics use it.
type NoopMetrics struct{}

var _ PipelineMetrics = NoopMetrics{}

func (NoopMetrics) IncMessagePublished(context.Context, string)                 {}
func (NoopMetrics) IncMessageConsumed(context.Context, string)                  {}
func (NoopMetrics) IncPublishError(context.Context, string)                     {}
func (NoopMetrics) IncConsumeError(context.Context, string)                     {}
func (NoopMetrics) IncTasksSubmitted(context.Context)                           {}
func (NoopMetrics) IncTasksCompleted(context.Context)                           {}
func (NoopMetrics) IncTasksFailed(context.Context)                              {}
func (NoopMetrics) IncTasksCancelled(context.Context, scanning.TerminalReason)  {}
func (NoopMetrics) IncDuplicateClaims(context.Context)                          {}
func (NoopMetrics) IncOrphanedAborts(context.Context)                           {}
func (NoopMetrics) ObserveTaskDuration(context.Context, time.Duration)          {}
func (NoopMetrics) SetActiveTasks(context.Context, int)                         {}
func (NoopMetrics) IncStageRetries(context.Context, scanning.Stage)             {}
func (NoopMetrics) ObserveStageDuration(context.Context, scanning.Stage, time.Duration) {
}
func (NoopMetrics) IncProgressEvents(context.Context) {}
func (NoopMetrics) SetStalledTasks(context.Context, int) {
}

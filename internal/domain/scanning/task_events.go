package scanning

import (
	"time"

	"github.com/google/uuid"

	"github.com/compliscan/compliscan/internal/domain/events"
)

// Event types relevant to scan tasks:
const (
	EventTypeTaskSubmitted     events.EventType = "TaskSubmitted"
	EventTypeTaskStarted       events.EventType = "TaskStarted"
	EventTypeTaskStageAdvanced events.EventType = "TaskStageAdvanced"
	EventTypeTaskProgressed    events.EventType = "TaskProgressed"
	EventTypeTaskCompleted     events.EventType = "TaskCompleted"
	EventTypeTaskFailed        events.EventType = "TaskFailed"
	EventTypeTaskCancelled     events.EventType = "TaskCancelled"
)

// TaskSubmittedEvent carries a new scan submission into the system. It is
// the intake event workers consume to create and run tasks.
type TaskSubmittedEvent struct {
	occurredAt   time.Time
	TaskID       uuid.UUID
	TargetDomain string
	Config       PipelineConfig
}

func NewTaskSubmittedEvent(taskID uuid.UUID, targetDomain string, config PipelineConfig) TaskSubmittedEvent {
	return TaskSubmittedEvent{
		occurredAt:   time.Now(),
		TaskID:       taskID,
		TargetDomain: targetDomain,
		Config:       config,
	}
}

func (e TaskSubmittedEvent) EventType() events.EventType { return EventTypeTaskSubmitted }
func (e TaskSubmittedEvent) OccurredAt() time.Time       { return e.occurredAt }

// ReconstructTaskSubmittedEvent rebuilds the event from transport data.
func ReconstructTaskSubmittedEvent(occurredAt time.Time, taskID uuid.UUID, targetDomain string, config PipelineConfig) TaskSubmittedEvent {
	return TaskSubmittedEvent{
		occurredAt:   occurredAt,
		TaskID:       taskID,
		TargetDomain: targetDomain,
		Config:       config,
	}
}

// TaskStartedEvent indicates a task was claimed and pipeline execution began.
type TaskStartedEvent struct {
	occurredAt   time.Time
	TaskID       uuid.UUID
	TargetDomain string
}

func NewTaskStartedEvent(taskID uuid.UUID, targetDomain string) TaskStartedEvent {
	return TaskStartedEvent{
		occurredAt:   time.Now(),
		TaskID:       taskID,
		TargetDomain: targetDomain,
	}
}

func (e TaskStartedEvent) EventType() events.EventType { return EventTypeTaskStarted }
func (e TaskStartedEvent) OccurredAt() time.Time       { return e.occurredAt }

// ReconstructTaskStartedEvent rebuilds the event from transport data.
func ReconstructTaskStartedEvent(occurredAt time.Time, taskID uuid.UUID, targetDomain string) TaskStartedEvent {
	return TaskStartedEvent{occurredAt: occurredAt, TaskID: taskID, TargetDomain: targetDomain}
}

// TaskStageAdvancedEvent signals execution entered a new pipeline stage.
type TaskStageAdvancedEvent struct {
	occurredAt time.Time
	TaskID     uuid.UUID
	Stage      Stage
}

func NewTaskStageAdvancedEvent(taskID uuid.UUID, stage Stage) TaskStageAdvancedEvent {
	return TaskStageAdvancedEvent{
		occurredAt: time.Now(),
		TaskID:     taskID,
		Stage:      stage,
	}
}

func (e TaskStageAdvancedEvent) EventType() events.EventType { return EventTypeTaskStageAdvanced }
func (e TaskStageAdvancedEvent) OccurredAt() time.Time       { return e.occurredAt }

// ReconstructTaskStageAdvancedEvent rebuilds the event from transport data.
func ReconstructTaskStageAdvancedEvent(occurredAt time.Time, taskID uuid.UUID, stage Stage) TaskStageAdvancedEvent {
	return TaskStageAdvancedEvent{occurredAt: occurredAt, TaskID: taskID, Stage: stage}
}

// TaskProgressedEvent forwards one progress bus event beyond process
// boundaries for remote live-update consumers.
type TaskProgressedEvent struct {
	occurredAt time.Time
	Event      ProgressEvent
}

func NewTaskProgressedEvent(event ProgressEvent) TaskProgressedEvent {
	return TaskProgressedEvent{
		occurredAt: time.Now(),
		Event:      event,
	}
}

func (e TaskProgressedEvent) EventType() events.EventType { return EventTypeTaskProgressed }
func (e TaskProgressedEvent) OccurredAt() time.Time       { return e.occurredAt }

// ReconstructTaskProgressedEvent rebuilds the event from transport data.
func ReconstructTaskProgressedEvent(occurredAt time.Time, event ProgressEvent) TaskProgressedEvent {
	return TaskProgressedEvent{occurredAt: occurredAt, Event: event}
}

// TaskCompletedEvent means every enabled stage finished successfully.
type TaskCompletedEvent struct {
	occurredAt time.Time
	TaskID     uuid.UUID
	Counters   Counters
}

func NewTaskCompletedEvent(taskID uuid.UUID, counters Counters) TaskCompletedEvent {
	return TaskCompletedEvent{
		occurredAt: time.Now(),
		TaskID:     taskID,
		Counters:   counters,
	}
}

func (e TaskCompletedEvent) EventType() events.EventType { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) OccurredAt() time.Time       { return e.occurredAt }

// ReconstructTaskCompletedEvent rebuilds the event from transport data.
func ReconstructTaskCompletedEvent(occurredAt time.Time, taskID uuid.UUID, counters Counters) TaskCompletedEvent {
	return TaskCompletedEvent{occurredAt: occurredAt, TaskID: taskID, Counters: counters}
}

// TaskFailedEvent means a stage exhausted its retries or hit a fatal error.
type TaskFailedEvent struct {
	occurredAt time.Time
	TaskID     uuid.UUID
	Failure    FailureInfo
}

func NewTaskFailedEvent(taskID uuid.UUID, failure FailureInfo) TaskFailedEvent {
	return TaskFailedEvent{
		occurredAt: time.Now(),
		TaskID:     taskID,
		Failure:    failure,
	}
}

func (e TaskFailedEvent) EventType() events.EventType { return EventTypeTaskFailed }
func (e TaskFailedEvent) OccurredAt() time.Time       { return e.occurredAt }

// ReconstructTaskFailedEvent rebuilds the event from transport data.
func ReconstructTaskFailedEvent(occurredAt time.Time, taskID uuid.UUID, failure FailureInfo) TaskFailedEvent {
	return TaskFailedEvent{occurredAt: occurredAt, TaskID: taskID, Failure: failure}
}

// TaskCancelledEvent means the task stopped cooperatively. Reason separates
// operator cancels from orphaned aborts.
type TaskCancelledEvent struct {
	occurredAt time.Time
	TaskID     uuid.UUID
	Reason     TerminalReason
}

func NewTaskCancelledEvent(taskID uuid.UUID, reason TerminalReason) TaskCancelledEvent {
	return TaskCancelledEvent{
		occurredAt: time.Now(),
		TaskID:     taskID,
		Reason:     reason,
	}
}

func (e TaskCancelledEvent) EventType() events.EventType { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) OccurredAt() time.Time       { return e.occurredAt }

// ReconstructTaskCancelledEvent rebuilds the event from transport data.
func ReconstructTaskCancelledEvent(occurredAt time.Time, taskID uuid.UUID, reason TerminalReason) TaskCancelledEvent {
	return TaskCancelledEvent{occurredAt: occurredAt, TaskID: taskID, Reason: reason}
}

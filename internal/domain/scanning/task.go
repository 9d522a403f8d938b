package scanning

import (
	"time"

	"github.com/google/uuid"
)

// TerminalReason distinguishes why a task ended in CANCELLED. User-requested
// cancellation and orphaned aborts share the cancellation mechanism but are
// recorded differently.
type TerminalReason string

const (
	// TerminalReasonUserRequested records an operator-initiated cancel.
	TerminalReasonUserRequested TerminalReason = "user_requested"

	// TerminalReasonOrphaned records an abort because the task's store
	// record disappeared mid-flight.
	TerminalReasonOrphaned TerminalReason = "orphaned"
)

// FailureInfo captures where and how a failed task died.
type FailureInfo struct {
	Stage   Stage     `json:"stage"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Task is the aggregate for one compliance scan: a target domain pushed
// through the staged pipeline. The orchestrator is its single writer; all
// state changes flow through the methods here so the status machine and
// counter monotonicity hold everywhere.
type Task struct {
	id           uuid.UUID
	targetDomain string
	config       PipelineConfig

	status          TaskStatus
	currentStage    Stage
	progressPercent int
	counters        Counters

	terminalReason TerminalReason
	failure        *FailureInfo

	timeline     *Timeline
	timeProvider TimeProvider
}

// TaskOption defines functional options for configuring a new Task.
type TaskOption func(*Task)

// WithTaskID sets an externally assigned task id instead of generating one.
func WithTaskID(id uuid.UUID) TaskOption {
	return func(t *Task) { t.id = id }
}

// WithTimeProvider sets a custom time provider for the task.
func WithTimeProvider(tp TimeProvider) TaskOption {
	return func(t *Task) {
		t.timeProvider = tp
		t.timeline = NewTimeline(tp)
	}
}

// NewScanTask validates a submission and creates a pending task. The config
// is normalized before validation so callers only set what they care about.
func NewScanTask(targetDomain string, config PipelineConfig, opts ...TaskOption) (*Task, error) {
	if err := ValidateTargetDomain(targetDomain); err != nil {
		return nil, err
	}

	config.Normalize()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	tp := TimeProvider(new(realTimeProvider))
	task := &Task{
		id:           uuid.New(),
		targetDomain: targetDomain,
		config:       config,
		status:       TaskStatusPending,
		timeline:     NewTimeline(tp),
		timeProvider: tp,
	}

	for _, opt := range opts {
		opt(task)
	}

	return task, nil
}

// ReconstructTask creates a Task from persisted data without enforcing
// creation-time invariants. This should only be used by repositories when
// reconstructing from storage.
func ReconstructTask(
	id uuid.UUID,
	targetDomain string,
	config PipelineConfig,
	status TaskStatus,
	currentStage Stage,
	progressPercent int,
	counters Counters,
	createdAt time.Time,
	startedAt time.Time,
	completedAt time.Time,
	terminalReason TerminalReason,
	failure *FailureInfo,
) *Task {
	return &Task{
		id:              id,
		targetDomain:    targetDomain,
		config:          config,
		status:          status,
		currentStage:    currentStage,
		progressPercent: progressPercent,
		counters:        counters,
		terminalReason:  terminalReason,
		failure:         failure,
		timeline:        ReconstructTimeline(createdAt, startedAt, completedAt),
		timeProvider:    new(realTimeProvider),
	}
}

// TaskID returns the unique identifier for this scan task.
func (t *Task) TaskID() uuid.UUID { return t.id }

// TargetDomain returns the domain under scan.
func (t *Task) TargetDomain() string { return t.targetDomain }

// Config returns the pipeline configuration for this task.
func (t *Task) Config() PipelineConfig { return t.config }

// Status returns the current lifecycle status.
func (t *Task) Status() TaskStatus { return t.status }

// CurrentStage returns the stage most recently entered, or StageUnspecified
// before execution begins.
func (t *Task) CurrentStage() Stage {
	if t.currentStage == "" {
		return StageUnspecified
	}
	return t.currentStage
}

// ProgressPercent returns overall completion in [0, 100]. It never decreases.
func (t *Task) ProgressPercent() int { return t.progressPercent }

// Counters returns the accumulated scan counters.
func (t *Task) Counters() Counters { return t.counters }

// TerminalReason returns why a cancelled task ended, or empty.
func (t *Task) TerminalReason() TerminalReason { return t.terminalReason }

// Failure returns failure details for a failed task, or nil.
func (t *Task) Failure() *FailureInfo { return t.failure }

// CreatedAt returns the time the task was accepted.
func (t *Task) CreatedAt() time.Time { return t.timeline.CreatedAt() }

// StartedAt returns the time the task was claimed, zero if never claimed.
func (t *Task) StartedAt() time.Time { return t.timeline.StartedAt() }

// CompletedAt returns the time the task reached a terminal state, zero while live.
func (t *Task) CompletedAt() time.Time { return t.timeline.CompletedAt() }

// IsTerminal reports whether the task has finished for good.
func (t *Task) IsTerminal() bool { return t.status.IsTerminal() }

// UpdateStatus changes the task's status after validating the transition.
// It returns an error if the transition is not valid.
func (t *Task) UpdateStatus(newStatus TaskStatus) error {
	if err := t.status.validateTransition(newStatus); err != nil {
		return err
	}

	if t.status == TaskStatusPending && newStatus == TaskStatusRunning {
		t.timeline.MarkStarted()
	}
	if newStatus.IsTerminal() {
		t.timeline.MarkCompleted()
	}

	t.status = newStatus
	return nil
}

// Start transitions a pending task to RUNNING. This marks the beginning of
// pipeline execution.
func (t *Task) Start() error {
	return t.UpdateStatus(TaskStatusRunning)
}

// AdvanceStage records that execution entered the given stage. Only running
// tasks advance.
func (t *Task) AdvanceStage(stage Stage) error {
	if t.status != TaskStatusRunning {
		return NewTaskInvalidStateError(t.id, t.status, "only running tasks advance stages")
	}
	t.currentStage = stage
	t.timeline.UpdateLastUpdate()
	return nil
}

// MergeCounters folds a stage's counter delta into the task totals. This is
// the single merge point; nothing else mutates counters.
func (t *Task) MergeCounters(delta Counters) {
	t.counters = t.counters.Add(delta)
	t.timeline.UpdateLastUpdate()
}

// RecordProgress raises the overall percent. Late or duplicate reports with
// a lower value are ignored so the externally visible percent never moves
// backwards.
func (t *Task) RecordProgress(percent int) {
	if percent > 100 {
		percent = 100
	}
	if percent > t.progressPercent {
		t.progressPercent = percent
		t.timeline.UpdateLastUpdate()
	}
}

// Complete marks a running task as completed. Completing an already
// completed task is a no-op.
func (t *Task) Complete() error {
	if t.status == TaskStatusCompleted {
		return nil
	}
	if err := t.UpdateStatus(TaskStatusCompleted); err != nil {
		return err
	}
	t.progressPercent = 100
	return nil
}

// Fail marks a running task as failed, recording the stage that died and
// the error classification so operators see why without log digging.
func (t *Task) Fail(stage Stage, kind ErrorKind, message string) error {
	if err := t.UpdateStatus(TaskStatusFailed); err != nil {
		return err
	}
	t.failure = &FailureInfo{Stage: stage, Kind: kind, Message: message}
	return nil
}

// Cancel moves a pending or running task to CANCELLED with the given
// terminal reason.
func (t *Task) Cancel(reason TerminalReason) error {
	if err := t.UpdateStatus(TaskStatusCancelled); err != nil {
		return err
	}
	t.terminalReason = reason
	return nil
}

// Snapshot returns the task's externally visible state. Snapshots feed the
// result cache and the status read path.
func (t *Task) Snapshot() TaskSnapshot {
	return TaskSnapshot{
		TaskID:         t.id,
		TargetDomain:   t.targetDomain,
		Status:         t.status,
		Stage:          t.CurrentStage(),
		Percent:        t.progressPercent,
		Counters:       t.counters,
		TerminalReason: t.terminalReason,
		Failure:        t.failure,
		UpdatedAt:      t.timeline.LastUpdate(),
	}
}

// TaskSnapshot is the read model served by Status and held in the result
// cache. It is a plain value; holding one grants no authority over the task.
type TaskSnapshot struct {
	TaskID         uuid.UUID      `json:"task_id"`
	TargetDomain   string         `json:"target_domain"`
	Status         TaskStatus     `json:"status"`
	Stage          Stage          `json:"stage"`
	Percent        int            `json:"percent"`
	Counters       Counters       `json:"counters"`
	TerminalReason TerminalReason `json:"terminal_reason,omitempty"`
	Failure        *FailureInfo   `json:"failure,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// TaskInvalidStateError indicates an operation was attempted against a task
// in the wrong lifecycle state.
type TaskInvalidStateError struct {
	taskID uuid.UUID
	status TaskStatus
	reason string
}

// NewTaskInvalidStateError creates a TaskInvalidStateError.
func NewTaskInvalidStateError(taskID uuid.UUID, status TaskStatus, reason string) TaskInvalidStateError {
	return TaskInvalidStateError{taskID: taskID, status: status, reason: reason}
}

// Error returns a string representation of the error.
func (e TaskInvalidStateError) Error() string {
	return "task " + e.taskID.String() + " in state " + e.status.String() + ": " + e.reason
}

// Status returns the status the task was in.
func (e TaskInvalidStateError) Status() TaskStatus { return e.status }

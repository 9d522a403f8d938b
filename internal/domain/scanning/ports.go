// Package scanning provides the domain model for compliance scan tasks: the
// task aggregate and its status machine, the staged pipeline contracts, and
// the ports the orchestrator drives. It defines the core abstractions needed
// to execute scans, track progress, and keep cache and store consistent.
package scanning

import (
	"context"

	"github.com/google/uuid"
)

// TransitionRecord carries the auxiliary fields a status transition should
// persist alongside the new status.
type TransitionRecord struct {
	Stage          Stage
	Percent        int
	TerminalReason TerminalReason
	Failure        *FailureInfo
}

// TaskStore defines the durable persistence operations for scan tasks. It is
// the source of truth for task existence; everything else in the system is a
// cache over it.
type TaskStore interface {
	// CreateTask persists a new task in its initial state.
	CreateTask(ctx context.Context, task *Task) error

	// GetTask retrieves a task's full state. Returns ErrTaskNotFound when no
	// record exists.
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)

	// ConditionalTransition atomically moves a task from the expected status
	// to the new one, persisting the transition record with it. It returns
	// ErrNoTransition when the stored status was not `from`, and
	// ErrTaskNotFound when the record is gone. Duplicate claims lose here.
	ConditionalTransition(ctx context.Context, id uuid.UUID, from, to TaskStatus, rec TransitionRecord) error

	// UpdateCounters additively merges a counter delta and records the
	// latest stage and percent.
	UpdateCounters(ctx context.Context, id uuid.UUID, delta Counters, stage Stage, percent int) error

	// TaskExists reports whether a record exists for the id.
	TaskExists(ctx context.Context, id uuid.UUID) (bool, error)

	// TasksExist batch-checks existence for a set of ids.
	TasksExist(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error)

	// DeleteTask removes a task record.
	DeleteTask(ctx context.Context, id uuid.UUID) error
}

// ResultCache is a short-TTL, non-authoritative snapshot store keyed by task
// id. Misses and expiry are normal; readers fall back to the TaskStore.
type ResultCache interface {
	// Put stores or refreshes the snapshot for its task id.
	Put(snapshot TaskSnapshot)

	// Get returns the cached snapshot, if present and unexpired.
	Get(id uuid.UUID) (TaskSnapshot, bool)

	// Delete evicts the snapshot for the id.
	Delete(id uuid.UUID)

	// TaskIDs enumerates the task ids currently cached. Reconciliation
	// sweeps use this; malformed entries are the caller's to handle.
	TaskIDs() []uuid.UUID
}

// Subscription is a live feed of one task's progress events. Events arrive
// in non-decreasing sequence order; the channel closes after the terminal
// event has been delivered or the subscription is cancelled.
type Subscription interface {
	// Events returns the receive channel for this subscription.
	Events() <-chan ProgressEvent

	// Cancel detaches the subscriber and releases its buffer.
	Cancel()
}

// ProgressBus fans out per-task progress events to any number of
// subscribers without ever blocking the publisher.
type ProgressBus interface {
	// Publish delivers an event to the task's subscribers and records it in
	// the task's replay ring.
	Publish(ctx context.Context, event ProgressEvent) error

	// Subscribe attaches to a task's event stream. Late subscribers receive
	// the buffered recent history first, then live events.
	Subscribe(ctx context.Context, taskID uuid.UUID) (Subscription, error)

	// Complete seals a task's stream after its terminal event. Subscribers
	// drain and their channels close.
	Complete(taskID uuid.UUID)
}

// ProgressFunc reports stage-local progress: done units of total, with a
// short human-readable message. Implementations must be safe for concurrent
// use by stage workers.
type ProgressFunc func(ctx context.Context, done, total int, message string)

// CheckpointFunc gates discrete units of work inside a stage. It returns
// the cancellation or orphan error that should abort the stage, or nil to
// continue. Executors call it between units, never mid-unit.
type CheckpointFunc func(ctx context.Context) error

// StageRequest is everything a stage executor needs for one run.
type StageRequest struct {
	TaskID       uuid.UUID
	TargetDomain string
	Config       PipelineConfig
	Input        *PipelineInput
	Report       ProgressFunc
	Checkpoint   CheckpointFunc
}

// NewStageRequest builds a StageRequest with no-op callbacks so executors
// never have to nil-check them.
func NewStageRequest(taskID uuid.UUID, target string, cfg PipelineConfig, input *PipelineInput) *StageRequest {
	return &StageRequest{
		TaskID:       taskID,
		TargetDomain: target,
		Config:       cfg,
		Input:        input,
		Report:       func(context.Context, int, int, string) {},
		Checkpoint:   func(context.Context) error { return nil },
	}
}

// StageExecutor runs one pipeline stage. Implementations own their worker
// pool, classify their errors as retryable or fatal, and must be idempotent:
// re-running with the same input yields records that dedup to nothing new.
type StageExecutor interface {
	// Stage identifies which pipeline stage this executor implements.
	Stage() Stage

	// Run executes the stage to completion or first unrecoverable error.
	Run(ctx context.Context, req *StageRequest) (*StageResult, error)
}

// BlobStore persists captured content keyed by content hash. Writes are
// idempotent per key, which gives capture its at-most-once behavior for
// external side effects.
type BlobStore interface {
	// Put stores data under the given content-hash key.
	Put(ctx context.Context, key string, data []byte) error

	// Get retrieves the blob for the key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether a blob is already stored under the key.
	Exists(ctx context.Context, key string) (bool, error)
}

// ClassifyRequest asks the classification service for a verdict on one
// piece of content.
type ClassifyRequest struct {
	ContentHash string `json:"content_hash"`
	Text        string `json:"text,omitempty"`
	ImageKey    string `json:"image_key,omitempty"`
}

// Verdict is the classification service's answer.
type Verdict struct {
	Flagged  bool    `json:"flagged"`
	Category string  `json:"category,omitempty"`
	Score    float64 `json:"score"`
}

// ClassificationClient calls the external content classification service.
// Implementations rate-limit themselves; callers cache verdicts by content
// hash so repeated attempts stay at-most-once against the remote system.
type ClassificationClient interface {
	Classify(ctx context.Context, req ClassifyRequest) (Verdict, error)
}

// Package memory provides an in-memory scan task store with the same
// conditional-transition semantics as the Postgres adapter. It backs tests
// and single-process development setups where durability is not required.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/compliscan/compliscan/internal/domain/scanning"
)

// row is the stored representation of one task.
type row struct {
	targetDomain   string
	config         scanning.PipelineConfig
	status         scanning.TaskStatus
	currentStage   scanning.Stage
	percent        int
	counters       scanning.Counters
	terminalReason scanning.TerminalReason
	failure        *scanning.FailureInfo
	createdAt      time.Time
	startedAt      time.Time
	completedAt    time.Time
}

// TaskStore is a mutex-guarded map of task rows.
type TaskStore struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]*row
	now  func() time.Time
}

// Ensure TaskStore implements scanning.TaskStore at compile time.
var _ scanning.TaskStore = (*TaskStore)(nil)

// NewTaskStore creates an empty in-memory task store.
func NewTaskStore() *TaskStore {
	return &TaskStore{rows: make(map[uuid.UUID]*row), now: time.Now}
}

// CreateTask persists a new task's initial state.
func (s *TaskStore) CreateTask(ctx context.Context, task *scanning.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[task.TaskID()]; ok {
		return scanning.ErrTaskExists
	}
	s.rows[task.TaskID()] = &row{
		targetDomain:   task.TargetDomain(),
		config:         task.Config(),
		status:         task.Status(),
		currentStage:   task.CurrentStage(),
		percent:        task.ProgressPercent(),
		counters:       task.Counters(),
		terminalReason: task.TerminalReason(),
		failure:        copyFailure(task.Failure()),
		createdAt:      task.CreatedAt(),
		startedAt:      task.StartedAt(),
		completedAt:    task.CompletedAt(),
	}
	return nil
}

// GetTask retrieves a task's full state.
func (s *TaskStore) GetTask(ctx context.Context, id uuid.UUID) (*scanning.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rows[id]
	if !ok {
		return nil, scanning.ErrTaskNotFound
	}
	return scanning.ReconstructTask(
		id,
		r.targetDomain,
		r.config,
		r.status,
		r.currentStage,
		r.percent,
		r.counters,
		r.createdAt,
		r.startedAt,
		r.completedAt,
		r.terminalReason,
		copyFailure(r.failure),
	), nil
}

// ConditionalTransition atomically moves a task between statuses. The
// expected-status predicate is evaluated under the store lock, matching the
// guarded-UPDATE behavior of the Postgres adapter.
func (s *TaskStore) ConditionalTransition(
	ctx context.Context,
	id uuid.UUID,
	from, to scanning.TaskStatus,
	rec scanning.TransitionRecord,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok {
		return scanning.ErrTaskNotFound
	}
	if r.status != from {
		return scanning.ErrNoTransition
	}

	r.status = to
	if rec.Stage != scanning.StageUnspecified {
		r.currentStage = rec.Stage
	}
	if rec.Percent > r.percent {
		r.percent = rec.Percent
	}
	if rec.TerminalReason != "" {
		r.terminalReason = rec.TerminalReason
	}
	if rec.Failure != nil {
		r.failure = copyFailure(rec.Failure)
	}
	if to == scanning.TaskStatusRunning && r.startedAt.IsZero() {
		r.startedAt = s.now()
	}
	if to.IsTerminal() {
		r.completedAt = s.now()
	}
	return nil
}

// UpdateCounters additively merges a counter delta for a RUNNING task.
func (s *TaskStore) UpdateCounters(
	ctx context.Context,
	id uuid.UUID,
	delta scanning.Counters,
	stage scanning.Stage,
	percent int,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok {
		return scanning.ErrTaskNotFound
	}
	if r.status != scanning.TaskStatusRunning {
		return scanning.ErrNoTransition
	}

	r.counters = r.counters.Add(delta)
	if stage != scanning.StageUnspecified {
		r.currentStage = stage
	}
	if percent > r.percent {
		r.percent = percent
	}
	return nil
}

// TaskExists reports whether a record exists for the id.
func (s *TaskStore) TaskExists(ctx context.Context, id uuid.UUID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rows[id]
	return ok, nil
}

// TasksExist batch-checks existence for a set of ids.
func (s *TaskStore) TasksExist(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		_, ok := s.rows[id]
		out[id] = ok
	}
	return out, nil
}

// DeleteTask removes a task record.
func (s *TaskStore) DeleteTask(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[id]; !ok {
		return scanning.ErrTaskNotFound
	}
	delete(s.rows, id)
	return nil
}

func copyFailure(f *scanning.FailureInfo) *scanning.FailureInfo {
	if f == nil {
		return nil
	}
	cp := *f
	return &cp
}

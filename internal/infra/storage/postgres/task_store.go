// Package postgres implements the durable scan task store on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/compliscan/compliscan/internal/domain/scanning"
	"github.com/compliscan/compliscan/internal/infra/storage"
)

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// Ensure taskStore implements scanning.TaskStore at compile time.
var _ scanning.TaskStore = (*taskStore)(nil)

// taskStore implements scanning.TaskStore on a pgx pool. Conditional
// transitions compile to a single guarded UPDATE so concurrent claimants
// race on the database, not in process.
type taskStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewTaskStore creates a TaskStore backed by PostgreSQL.
func NewTaskStore(pool *pgxpool.Pool, tracer trace.Tracer) *taskStore {
	return &taskStore{pool: pool, tracer: tracer}
}

// CreateTask persists a new task's initial state.
func (s *taskStore) CreateTask(ctx context.Context, task *scanning.Task) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", task.TaskID().String()),
		attribute.String("target_domain", task.TargetDomain()),
		attribute.String("status", string(task.Status())),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_scan_task", dbAttrs, func(ctx context.Context) error {
		configJSON, err := json.Marshal(task.Config())
		if err != nil {
			return fmt.Errorf("marshal pipeline config: %w", err)
		}

		counters := task.Counters()
		_, err = s.pool.Exec(ctx, `
			INSERT INTO scan_tasks (
				task_id, target_domain, config, status, current_stage,
				progress_percent, subdomains, pages_crawled, third_party_domains, violations,
				terminal_reason, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			pgtype.UUID{Bytes: task.TaskID(), Valid: true},
			task.TargetDomain(),
			configJSON,
			string(task.Status()),
			stageColumn(task.CurrentStage()),
			task.ProgressPercent(),
			counters.Subdomains,
			counters.PagesCrawled,
			counters.ThirdPartyDomains,
			counters.Violations,
			string(task.TerminalReason()),
			task.CreatedAt(),
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
				return scanning.ErrTaskExists
			}
			return fmt.Errorf("insert scan task: %w", err)
		}
		return nil
	})
}

// GetTask retrieves a task's full state, reconstructing the domain aggregate.
func (s *taskStore) GetTask(ctx context.Context, id uuid.UUID) (*scanning.Task, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("task_id", id.String()))

	var task *scanning.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_scan_task", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT target_domain, config, status, current_stage, progress_percent,
			       subdomains, pages_crawled, third_party_domains, violations,
			       terminal_reason, failure, created_at, started_at, completed_at
			FROM scan_tasks
			WHERE task_id = $1`,
			pgtype.UUID{Bytes: id, Valid: true},
		)

		var (
			targetDomain   string
			configJSON     []byte
			status         string
			currentStage   string
			percent        int
			counters       scanning.Counters
			terminalReason string
			failureJSON    []byte
			createdAt      pgtype.Timestamptz
			startedAt      pgtype.Timestamptz
			completedAt    pgtype.Timestamptz
		)
		err := row.Scan(
			&targetDomain, &configJSON, &status, &currentStage, &percent,
			&counters.Subdomains, &counters.PagesCrawled, &counters.ThirdPartyDomains, &counters.Violations,
			&terminalReason, &failureJSON, &createdAt, &startedAt, &completedAt,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return scanning.ErrTaskNotFound
			}
			return fmt.Errorf("query scan task: %w", err)
		}

		var config scanning.PipelineConfig
		if err := json.Unmarshal(configJSON, &config); err != nil {
			return fmt.Errorf("unmarshal pipeline config: %w", err)
		}

		var failure *scanning.FailureInfo
		if len(failureJSON) > 0 {
			var f scanning.FailureInfo
			if jerr := json.Unmarshal(failureJSON, &f); jerr == nil {
				failure = &f
			}
		}

		task = scanning.ReconstructTask(
			id,
			targetDomain,
			config,
			scanning.TaskStatus(status),
			scanning.Stage(currentStage),
			percent,
			counters,
			createdAt.Time,
			startedAt.Time,
			completedAt.Time,
			scanning.TerminalReason(terminalReason),
			failure,
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ConditionalTransition atomically moves a task between statuses with a
// single guarded UPDATE. The status predicate decides the race: zero rows
// affected means either the predicate failed or the record is gone, and a
// follow-up existence probe tells the two apart.
func (s *taskStore) ConditionalTransition(
	ctx context.Context,
	id uuid.UUID,
	from, to scanning.TaskStatus,
	rec scanning.TransitionRecord,
) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", id.String()),
		attribute.String("from_status", string(from)),
		attribute.String("to_status", string(to)),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.transition_scan_task", dbAttrs, func(ctx context.Context) error {
		var failureJSON []byte
		if rec.Failure != nil {
			var err error
			failureJSON, err = json.Marshal(rec.Failure)
			if err != nil {
				return fmt.Errorf("marshal failure info: %w", err)
			}
		}

		tag, err := s.pool.Exec(ctx, `
			UPDATE scan_tasks SET
				status = $3,
				current_stage = CASE WHEN $4 <> '' THEN $4 ELSE current_stage END,
				progress_percent = GREATEST(progress_percent, $5),
				terminal_reason = CASE WHEN $6 <> '' THEN $6 ELSE terminal_reason END,
				failure = COALESCE($7, failure),
				started_at = CASE WHEN $3 = 'RUNNING' AND started_at IS NULL THEN NOW() ELSE started_at END,
				completed_at = CASE WHEN $3 IN ('COMPLETED', 'FAILED', 'CANCELLED') THEN NOW() ELSE completed_at END,
				updated_at = NOW()
			WHERE task_id = $1 AND status = $2`,
			pgtype.UUID{Bytes: id, Valid: true},
			string(from),
			string(to),
			stageColumn(rec.Stage),
			rec.Percent,
			string(rec.TerminalReason),
			failureJSON,
		)
		if err != nil {
			return fmt.Errorf("transition scan task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			exists, eerr := s.exists(ctx, id)
			if eerr != nil {
				return eerr
			}
			if !exists {
				return scanning.ErrTaskNotFound
			}
			span := trace.SpanFromContext(ctx)
			span.SetAttributes(attribute.Bool("transition_lost", true))
			return scanning.ErrNoTransition
		}
		return nil
	})
}

// UpdateCounters additively merges a counter delta and records the latest
// stage and percent. Only RUNNING tasks accept updates; anything else means
// the task reached a terminal state or vanished under us.
func (s *taskStore) UpdateCounters(
	ctx context.Context,
	id uuid.UUID,
	delta scanning.Counters,
	stage scanning.Stage,
	percent int,
) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", id.String()),
		attribute.String("stage", stage.String()),
		attribute.Int("percent", percent),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_scan_task_counters", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE scan_tasks SET
				subdomains = subdomains + $2,
				pages_crawled = pages_crawled + $3,
				third_party_domains = third_party_domains + $4,
				violations = violations + $5,
				current_stage = CASE WHEN $6 <> '' THEN $6 ELSE current_stage END,
				progress_percent = GREATEST(progress_percent, $7),
				updated_at = NOW()
			WHERE task_id = $1 AND status = 'RUNNING'`,
			pgtype.UUID{Bytes: id, Valid: true},
			delta.Subdomains,
			delta.PagesCrawled,
			delta.ThirdPartyDomains,
			delta.Violations,
			stageColumn(stage),
			percent,
		)
		if err != nil {
			return fmt.Errorf("update scan task counters: %w", err)
		}
		if tag.RowsAffected() == 0 {
			exists, eerr := s.exists(ctx, id)
			if eerr != nil {
				return eerr
			}
			if !exists {
				return scanning.ErrTaskNotFound
			}
			return scanning.ErrNoTransition
		}
		return nil
	})
}

// TaskExists reports whether a record exists for the id.
func (s *taskStore) TaskExists(ctx context.Context, id uuid.UUID) (bool, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("task_id", id.String()))

	var exists bool
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.scan_task_exists", dbAttrs, func(ctx context.Context) error {
		var err error
		exists, err = s.exists(ctx, id)
		return err
	})
	return exists, err
}

// TasksExist batch-checks existence for a set of ids.
func (s *taskStore) TasksExist(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int("id_count", len(ids)))

	out := make(map[uuid.UUID]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	for _, id := range ids {
		out[id] = false
	}

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.scan_tasks_exist", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `SELECT task_id FROM scan_tasks WHERE task_id = ANY($1)`, ids)
		if err != nil {
			return fmt.Errorf("query scan task existence: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan task id: %w", err)
			}
			out[id] = true
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteTask removes a task record.
func (s *taskStore) DeleteTask(ctx context.Context, id uuid.UUID) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("task_id", id.String()))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_scan_task", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `DELETE FROM scan_tasks WHERE task_id = $1`,
			pgtype.UUID{Bytes: id, Valid: true})
		if err != nil {
			return fmt.Errorf("delete scan task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return scanning.ErrTaskNotFound
		}
		return nil
	})
}

func (s *taskStore) exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM scan_tasks WHERE task_id = $1)`,
		pgtype.UUID{Bytes: id, Valid: true},
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check scan task existence: %w", err)
	}
	return exists, nil
}

// stageColumn maps the unspecified stage to the empty-string column value.
func stageColumn(stage scanning.Stage) string {
	if stage == scanning.StageUnspecified {
		return ""
	}
	return string(stage)
}

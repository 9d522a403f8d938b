package scanning

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrTaskNotFound is returned when a task id has no record in the store.
var ErrTaskNotFound = errors.New("task not found")

// ErrTaskExists is returned when creating a task whose id is already
// persisted. Redelivered submissions hit this and proceed to execution.
var ErrTaskExists = errors.New("task already exists")

// ErrNoTransition is returned by conditional status transitions when the
// stored status did not match the expected one. Losing a claim race
// surfaces as this error and is not a failure.
var ErrNoTransition = errors.New("task status did not match expected state")

// ValidationError reports a rejected task submission. Tasks that fail
// validation are never persisted.
type ValidationError struct {
	field  string
	reason string
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{field: field, reason: reason}
}

// Error returns a string representation of the error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid submission: %s: %s", e.field, e.reason)
}

// Field returns the offending field.
func (e *ValidationError) Field() string { return e.field }

// Reason returns why the field was rejected.
func (e *ValidationError) Reason() string { return e.reason }

// ErrorKind classifies a stage error for the retry policy.
type ErrorKind string

const (
	// ErrorKindRetryable marks transient failures worth another attempt.
	ErrorKindRetryable ErrorKind = "retryable"

	// ErrorKindFatal marks failures where retrying cannot help.
	ErrorKindFatal ErrorKind = "fatal"
)

// StageError wraps an error raised by a stage executor together with the
// stage it came from and its retry classification. Executors classify their
// own errors; anything unclassified is treated as fatal.
type StageError struct {
	stage Stage
	kind  ErrorKind
	err   error
}

// NewRetryableStageError wraps err as a transient failure of the given stage.
func NewRetryableStageError(stage Stage, err error) *StageError {
	return &StageError{stage: stage, kind: ErrorKindRetryable, err: err}
}

// NewFatalStageError wraps err as a permanent failure of the given stage.
func NewFatalStageError(stage Stage, err error) *StageError {
	return &StageError{stage: stage, kind: ErrorKindFatal, err: err}
}

// Error returns a string representation of the error.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s error: %v", e.stage, e.kind, e.err)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error { return e.err }

// Stage returns the stage the error originated from.
func (e *StageError) Stage() Stage { return e.stage }

// Kind returns the retry classification.
func (e *StageError) Kind() ErrorKind { return e.kind }

// Retryable reports whether the retry policy may attempt the stage again.
func (e *StageError) Retryable() bool { return e.kind == ErrorKindRetryable }

// IsRetryable reports whether err is explicitly classified as retryable.
// Unclassified errors are fatal so nothing retries forever by accident.
func IsRetryable(err error) bool {
	var se *StageError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return false
}

// OrphanedTaskError indicates a task whose store record disappeared while
// state referencing it still existed. Orphaned aborts are recorded as
// cancellations, never as failures.
type OrphanedTaskError struct {
	taskID uuid.UUID
}

// NewOrphanedTaskError creates an OrphanedTaskError for the given task.
func NewOrphanedTaskError(taskID uuid.UUID) *OrphanedTaskError {
	return &OrphanedTaskError{taskID: taskID}
}

// Error returns a string representation of the error.
func (e *OrphanedTaskError) Error() string {
	return fmt.Sprintf("task %s no longer exists in the task store", e.taskID)
}

// TaskID returns the orphaned task's id.
func (e *OrphanedTaskError) TaskID() uuid.UUID { return e.taskID }

// ReconciliationError wraps failures inside a reconciliation sweep. Sweeps
// log these and retry on the next interval; they never block task execution.
type ReconciliationError struct {
	phase string
	err   error
}

// NewReconciliationError creates a ReconciliationError for the given sweep phase.
func NewReconciliationError(phase string, err error) *ReconciliationError {
	return &ReconciliationError{phase: phase, err: err}
}

// Error returns a string representation of the error.
func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation %s: %v", e.phase, e.err)
}

// Unwrap returns the underlying error.
func (e *ReconciliationError) Unwrap() error { return e.err }

// Phase returns the sweep phase that failed.
func (e *ReconciliationError) Phase() string { return e.phase }

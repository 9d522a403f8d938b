package scanning

import (
	"errors"
	"fmt"
)

// TaskStatus represents the lifecycle state of a scan task. The orchestrator
// is the only writer; every change goes through validateTransition.
type TaskStatus string

// ErrTaskStatusUnknown is returned when a task status is unknown.
var ErrTaskStatusUnknown = errors.New("task status unknown")

const (
	// TaskStatusPending indicates a task is persisted but not yet claimed.
	TaskStatusPending TaskStatus = "PENDING"

	// TaskStatusRunning indicates a task has been claimed and the pipeline
	// is executing.
	TaskStatusRunning TaskStatus = "RUNNING"

	// TaskStatusCompleted indicates every enabled stage finished successfully.
	TaskStatusCompleted TaskStatus = "COMPLETED"

	// TaskStatusFailed indicates a stage exhausted its retry budget or hit a
	// fatal error.
	TaskStatusFailed TaskStatus = "FAILED"

	// TaskStatusCancelled indicates the task was stopped cooperatively,
	// either by request or because its record vanished mid-run.
	TaskStatusCancelled TaskStatus = "CANCELLED"

	// TaskStatusUnspecified is used when a task status is unknown.
	TaskStatusUnspecified TaskStatus = "UNSPECIFIED"
)

// String returns the string representation of the TaskStatus.
func (s TaskStatus) String() string { return string(s) }

// IsTerminal reports whether the status permits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// ParseTaskStatus converts a string to a TaskStatus.
func ParseTaskStatus(s string) TaskStatus {
	switch s {
	case "PENDING":
		return TaskStatusPending
	case "RUNNING":
		return TaskStatusRunning
	case "COMPLETED":
		return TaskStatusCompleted
	case "FAILED":
		return TaskStatusFailed
	case "CANCELLED":
		return TaskStatusCancelled
	default:
		return TaskStatusUnspecified
	}
}

// validateTransition checks if a status transition is valid and returns an error if not.
func (s TaskStatus) validateTransition(target TaskStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid task status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition checks if the current status can transition to the target
// status. Terminal states never transition again, so duplicate completions or
// late cancels surface as errors the caller can treat as no-ops.
func (s TaskStatus) isValidTransition(target TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		// A pending task is either claimed for execution or cancelled
		// before any work starts.
		return target == TaskStatusRunning || target == TaskStatusCancelled
	case TaskStatusRunning:
		return target == TaskStatusCompleted || target == TaskStatusFailed || target == TaskStatusCancelled
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return false
	case TaskStatusUnspecified:
		return false
	default:
		return false
	}
}

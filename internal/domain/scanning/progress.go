package scanning

import (
	"time"

	"github.com/google/uuid"
)

// Severity grades a progress event for consumers that filter or color output.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// ProgressEvent is an immutable point-in-time update about a task. Sequence
// numbers increase strictly per task, assigned at publish time by the single
// writer, so consumers can rely on ordering without timestamps.
type ProgressEvent struct {
	TaskID    uuid.UUID  `json:"task_id"`
	Seq       int64      `json:"seq"`
	Stage     Stage      `json:"stage,omitempty"`
	Status    TaskStatus `json:"status,omitempty"`
	Percent   int        `json:"percent"`
	Message   string     `json:"message,omitempty"`
	Severity  Severity   `json:"severity"`
	Gap       bool       `json:"gap,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// NewGapEvent builds the marker a subscriber receives in place of events
// dropped from its queue. It carries the seq of the newest dropped event so
// the subscriber knows how far its stream skipped.
func NewGapEvent(taskID uuid.UUID, droppedSeq int64, now time.Time) ProgressEvent {
	return ProgressEvent{
		TaskID:    taskID,
		Seq:       droppedSeq,
		Severity:  SeverityWarn,
		Message:   "events dropped for slow subscriber",
		Gap:       true,
		Timestamp: now,
	}
}

// PercentForStage maps a stage-local completion fraction onto the task's
// overall percent scale. Each enabled stage owns a band proportional to its
// weight; disabled stages cede their band to the rest. The result is always
// within [0, 100] and grows with the fraction, leaving the caller to enforce
// monotonicity across reports.
func PercentForStage(enabled []Stage, stage Stage, fraction float64) int {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	total := 0
	for _, s := range enabled {
		total += StageWeight(s)
	}
	if total == 0 {
		return 0
	}

	base := 0
	width := 0
	for _, s := range enabled {
		if s == stage {
			width = StageWeight(s)
			break
		}
		base += StageWeight(s)
	}
	if width == 0 {
		// Stage not in the enabled set; report the boundary reached so far.
		return base * 100 / total
	}

	scaled := float64(base)*100/float64(total) + fraction*float64(width)*100/float64(total)
	pct := int(scaled)
	if pct > 100 {
		pct = 100
	}
	return pct
}

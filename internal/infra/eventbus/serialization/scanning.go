package serialization

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/compliscan/compliscan/internal/domain/scanning"
)

// Wire shapes for task events. Domain events keep their occurrence time
// unexported, so each wire struct carries it explicitly and deserialization
// goes through the domain's reconstruction constructors.

type taskSubmittedWire struct {
	OccurredAt   time.Time               `json:"occurred_at"`
	TaskID       uuid.UUID               `json:"task_id"`
	TargetDomain string                  `json:"target_domain"`
	Config       scanning.PipelineConfig `json:"config"`
}

func serializeTaskSubmitted(payload any) ([]byte, error) {
	evt, ok := payload.(scanning.TaskSubmittedEvent)
	if !ok {
		return nil, fmt.Errorf("serializeTaskSubmitted: payload is not TaskSubmittedEvent")
	}
	return json.Marshal(taskSubmittedWire{
		OccurredAt:   evt.OccurredAt(),
		TaskID:       evt.TaskID,
		TargetDomain: evt.TargetDomain,
		Config:       evt.Config,
	})
}

func deserializeTaskSubmitted(data []byte) (any, error) {
	var w taskSubmittedWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal TaskSubmitted: %w", err)
	}
	return scanning.ReconstructTaskSubmittedEvent(w.OccurredAt, w.TaskID, w.TargetDomain, w.Config), nil
}

type taskStartedWire struct {
	OccurredAt   time.Time `json:"occurred_at"`
	TaskID       uuid.UUID `json:"task_id"`
	TargetDomain string    `json:"target_domain"`
}

func serializeTaskStarted(payload any) ([]byte, error) {
	evt, ok := payload.(scanning.TaskStartedEvent)
	if !ok {
		return nil, fmt.Errorf("serializeTaskStarted: payload is not TaskStartedEvent")
	}
	return json.Marshal(taskStartedWire{
		OccurredAt:   evt.OccurredAt(),
		TaskID:       evt.TaskID,
		TargetDomain: evt.TargetDomain,
	})
}

func deserializeTaskStarted(data []byte) (any, error) {
	var w taskStartedWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal TaskStarted: %w", err)
	}
	return scanning.ReconstructTaskStartedEvent(w.OccurredAt, w.TaskID, w.TargetDomain), nil
}

type taskStageAdvancedWire struct {
	OccurredAt time.Time      `json:"occurred_at"`
	TaskID     uuid.UUID      `json:"task_id"`
	Stage      scanning.Stage `json:"stage"`
}

func serializeTaskStageAdvanced(payload any) ([]byte, error) {
	evt, ok := payload.(scanning.TaskStageAdvancedEvent)
	if !ok {
		return nil, fmt.Errorf("serializeTaskStageAdvanced: payload is not TaskStageAdvancedEvent")
	}
	return json.Marshal(taskStageAdvancedWire{
		OccurredAt: evt.OccurredAt(),
		TaskID:     evt.TaskID,
		Stage:      evt.Stage,
	})
}

func deserializeTaskStageAdvanced(data []byte) (any, error) {
	var w taskStageAdvancedWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal TaskStageAdvanced: %w", err)
	}
	return scanning.ReconstructTaskStageAdvancedEvent(w.OccurredAt, w.TaskID, w.Stage), nil
}

type taskProgressedWire struct {
	OccurredAt time.Time              `json:"occurred_at"`
	Event      scanning.ProgressEvent `json:"event"`
}

func serializeTaskProgressed(payload any) ([]byte, error) {
	evt, ok := payload.(scanning.TaskProgressedEvent)
	if !ok {
		return nil, fmt.Errorf("serializeTaskProgressed: payload is not TaskProgressedEvent")
	}
	return json.Marshal(taskProgressedWire{
		OccurredAt: evt.OccurredAt(),
		Event:      evt.Event,
	})
}

func deserializeTaskProgressed(data []byte) (any, error) {
	var w taskProgressedWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal TaskProgressed: %w", err)
	}
	return scanning.ReconstructTaskProgressedEvent(w.OccurredAt, w.Event), nil
}

type taskCompletedWire struct {
	OccurredAt time.Time         `json:"occurred_at"`
	TaskID     uuid.UUID         `json:"task_id"`
	Counters   scanning.Counters `json:"counters"`
}

func serializeTaskCompleted(payload any) ([]byte, error) {
	evt, ok := payload.(scanning.TaskCompletedEvent)
	if !ok {
		return nil, fmt.Errorf("serializeTaskCompleted: payload is not TaskCompletedEvent")
	}
	return json.Marshal(taskCompletedWire{
		OccurredAt: evt.OccurredAt(),
		TaskID:     evt.TaskID,
		Counters:   evt.Counters,
	})
}

func deserializeTaskCompleted(data []byte) (any, error) {
	var w taskCompletedWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal TaskCompleted: %w", err)
	}
	return scanning.ReconstructTaskCompletedEvent(w.OccurredAt, w.TaskID, w.Counters), nil
}

type taskFailedWire struct {
	OccurredAt time.Time            `json:"occurred_at"`
	TaskID     uuid.UUID            `json:"task_id"`
	Failure    scanning.FailureInfo `json:"failure"`
}

func serializeTaskFailed(payload any) ([]byte, error) {
	evt, ok := payload.(scanning.TaskFailedEvent)
	if !ok {
		return nil, fmt.Errorf("serializeTaskFailed: payload is not TaskFailedEvent")
	}
	return json.Marshal(taskFailedWire{
		OccurredAt: evt.OccurredAt(),
		TaskID:     evt.TaskID,
		Failure:    evt.Failure,
	})
}

func deserializeTaskFailed(data []byte) (any, error) {
	var w taskFailedWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal TaskFailed: %w", err)
	}
	return scanning.ReconstructTaskFailedEvent(w.OccurredAt, w.TaskID, w.Failure), nil
}

type taskCancelledWire struct {
	OccurredAt time.Time               `json:"occurred_at"`
	TaskID     uuid.UUID               `json:"task_id"`
	Reason     scanning.TerminalReason `json:"reason"`
}

func serializeTaskCancelled(payload any) ([]byte, error) {
	evt, ok := payload.(scanning.TaskCancelledEvent)
	if !ok {
		return nil, fmt.Errorf("serializeTaskCancelled: payload is not TaskCancelledEvent")
	}
	return json.Marshal(taskCancelledWire{
		OccurredAt: evt.OccurredAt(),
		TaskID:     evt.TaskID,
		Reason:     evt.Reason,
	})
}

func deserializeTaskCancelled(data []byte) (any, error) {
	var w taskCancelledWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal TaskCancelled: %w", err)
	}
	return scanning.ReconstructTaskCancelledEvent(w.OccurredAt, w.TaskID, w.Reason), nil
}

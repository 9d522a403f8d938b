package pipeline

import (
	"fmt"

	"github.com/compliscan/compliscan/internal/domain/scanning"
)

// ExecutorSet is the closed set of stage executors a worker runs with. It is
// assembled once at startup; which members actually run for a task follows
// the task's enabled stages, never a runtime lookup by name.
type ExecutorSet struct {
	byStage map[scanning.Stage]scanning.StageExecutor
}

// NewExecutorSet builds the set, rejecting duplicates and executors that do
// not name a known pipeline stage.
func NewExecutorSet(execs ...scanning.StageExecutor) (ExecutorSet, error) {
	byStage := make(map[scanning.Stage]scanning.StageExecutor, len(execs))
	for _, exec := range execs {
		stage := exec.Stage()
		if stage.Index() < 0 {
			return ExecutorSet{}, fmt.Errorf("executor reports unknown stage %q", stage)
		}
		if _, dup := byStage[stage]; dup {
			return ExecutorSet{}, fmt.Errorf("duplicate executor for stage %s", stage)
		}
		byStage[stage] = exec
	}
	return ExecutorSet{byStage: byStage}, nil
}

// Stages lists the stages this set can execute, in pipeline order.
func (s ExecutorSet) Stages() []scanning.Stage {
	var stages []scanning.Stage
	for _, stage := range scanning.StageOrder() {
		if _, ok := s.byStage[stage]; ok {
			stages = append(stages, stage)
		}
	}
	return stages
}

func (s ExecutorSet) executor(stage scanning.Stage) (scanning.StageExecutor, bool) {
	exec, ok := s.byStage[stage]
	return exec, ok
}

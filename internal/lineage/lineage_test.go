package lineage

import (
	"testing"

	"github.com/nidhogg/nuka-orchestrator/internal/orchestrator"
)

func TestStepParams(t *testing.T) {
	rec := &orchestrator.ExecutionRecord{
		Workflow: &orchestrator.Workflow{Steps: []orchestrator.WorkflowStep{
			{ID: "gather", Type: orchestrator.StepTask},
			{ID: "write", Type: orchestrator.StepTask, Inputs: []orchestrator.StepInput{
				{Name: "facts", Source: orchestrator.SourcePreviousStep, StepID: "gather"},
				{Name: "tone", Source: orchestrator.SourceConstant, Value: "dry"},
			}},
			{ID: "publish", Type: orchestrator.StepTask, Inputs: []orchestrator.StepInput{
				{Name: "draft", Source: orchestrator.SourcePreviousStep, StepID: "write"},
			}},
		}},
		Execution: &orchestrator.WorkflowExecution{
			ID: "exec-1",
			StepResults: map[string]*orchestrator.TaskResult{
				"gather": {AgentID: "scout", Status: orchestrator.ResultSuccess,
					Metrics: orchestrator.ResultMetrics{TokensUsed: 12}},
				"write": {AgentID: "quill", Status: orchestrator.ResultFailure,
					Errors: []orchestrator.TaskError{{Code: orchestrator.CodeExecutionError}}},
			},
		},
	}

	steps, deps := stepParams(rec)
	if len(steps) != 2 {
		t.Fatalf("steps = %d, want 2 (publish never ran)", len(steps))
	}
	if steps[0]["agentId"] != "scout" || steps[0]["tokens"] != int64(12) {
		t.Errorf("gather = %v", steps[0])
	}
	if steps[1]["errorCode"] != orchestrator.CodeExecutionError || steps[1]["position"] != int64(1) {
		t.Errorf("write = %v", steps[1])
	}
	if len(deps) != 1 {
		t.Fatalf("deps = %v, want only write->gather", deps)
	}
	if deps[0]["from"] != "write" || deps[0]["to"] != "gather" {
		t.Errorf("dep = %v", deps[0])
	}
}

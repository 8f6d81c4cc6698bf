package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-orchestrator/internal/registry"
)

// ExecuteSkill wraps a skill and the caller's input into a task and runs it
// through ExecuteTask. The skill's quality metrics are updated afterwards.
func (o *Orchestrator) ExecuteSkill(ctx context.Context, skillID string, input interface{}, ec *ExecutionContext) *TaskResult {
	skill, ok := o.registry.GetSkill(skillID)
	if !ok {
		res := failureResult("", "", newTaskError(CodeSkillNotFound,
			fmt.Sprintf("skill %s not found", skillID), SeverityError, false))
		o.log.add(LogError, "skill not found", map[string]interface{}{"skill": skillID})
		return res
	}

	task := SkillTask(skill, input)
	start := time.Now()
	res := o.ExecuteTask(ctx, task, ec)
	o.registry.RecordSkillUse(skill.ID, res.Succeeded(), time.Since(start))
	return res
}

// SkillTask builds the task that executes a skill.
func SkillTask(skill *registry.Skill, input interface{}) *Task {
	out := ExpectedOutput{Type: OutputText}
	if len(skill.OutputSchema) > 0 {
		out = ExpectedOutput{Type: OutputJSON, Schema: skill.OutputSchema}
	}
	instructions := skill.Instructions
	if instructions == "" {
		instructions = skill.Description
	}
	return &Task{
		ID:          uuid.New().String(),
		Name:        skill.Name,
		Description: skill.Description,
		Type:        skillTaskType(skill.Category),
		Priority:    PriorityNormal,
		Input: TaskInput{
			Data:         input,
			Context:      map[string]interface{}{"skill": skill.ID},
			Instructions: instructions,
		},
		ExpectedOutput: out,
		Constraints: Constraints{
			RequiredCapabilities: skill.RequiredCapabilities,
		},
	}
}

func skillTaskType(category string) TaskType {
	switch category {
	case "analysis":
		return TaskAnalysis
	case "research":
		return TaskResearch
	case "review", "engineering":
		return TaskReview
	case "transformation", "data":
		return TaskTransformation
	default:
		return TaskGeneration
	}
}

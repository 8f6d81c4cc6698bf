package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-orchestrator/internal/provider"
	"github.com/nidhogg/nuka-orchestrator/internal/registry"
	"go.uber.org/zap"
)

// ExecuteTask selects an agent for the task, runs it through the completion
// provider and returns a structured result. It never returns a Go error:
// every failure becomes a failure-status TaskResult carrying a TaskError.
func (o *Orchestrator) ExecuteTask(ctx context.Context, task *Task, ec *ExecutionContext) *TaskResult {
	ec = normalizeContext(ec)
	ctx, cancel := entryContext(ctx, ec)
	defer cancel()

	start := time.Now()
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = start
	}

	if !o.claim(task.ID) {
		res := failureResult(task.ID, "", newTaskError(CodeTaskAlreadyRunning,
			fmt.Sprintf("task %s is already executing", task.ID), SeverityError, false))
		o.finish(task, res, time.Since(start), ec)
		return res
	}
	defer o.release(task.ID)
	task.Status = TaskQueued

	agent, ok := o.resolveAgent(task)
	if !ok {
		task.Status = TaskFailed
		res := failureResult(task.ID, "", newTaskError(CodeNoAgentAvailable,
			fmt.Sprintf("no agent matches capabilities %v for task type %q", task.Constraints.RequiredCapabilities, task.Type),
			SeverityError, false))
		o.finish(task, res, time.Since(start), ec)
		return res
	}
	task.Status = TaskAssigned

	slot := o.slot(agent)
	if err := slot.Acquire(ctx, 1); err != nil {
		task.Status = TaskFailed
		res := failureResult(task.ID, agent.ID, classifyError(ctx, err))
		o.finish(task, res, time.Since(start), ec)
		return res
	}
	defer slot.Release(1)

	o.stats.begin(agent.ID, task.ID)
	task.Status = TaskInProgress
	o.log.add(LogDebug, "task started", map[string]interface{}{"task": task.ID, "agent": agent.ID})

	res := o.runOnAgent(ctx, task, agent, ec, start)

	o.stats.end(agent.ID, !res.Succeeded())
	if res.Succeeded() {
		task.Status = TaskCompleted
	} else {
		task.Status = TaskFailed
	}
	o.finish(task, res, time.Since(start), ec)
	return res
}

// resolveAgent applies the mustUseAgents override, otherwise matches by
// capabilities and the role inferred from the task type.
func (o *Orchestrator) resolveAgent(task *Task) (*registry.AgentDescriptor, bool) {
	if len(task.Constraints.MustUseAgents) > 0 {
		return o.registry.GetAgent(task.Constraints.MustUseAgents[0])
	}
	candidates := o.registry.FindAgentsForTask(task.Constraints.RequiredCapabilities, InferRole(task.Type))
	for _, a := range candidates {
		if !contains(task.Constraints.ExcludeAgents, a.ID) {
			return a, true
		}
	}
	return nil, false
}

func (o *Orchestrator) runOnAgent(ctx context.Context, task *Task, agent *registry.AgentDescriptor, ec *ExecutionContext, start time.Time) *TaskResult {
	maxTokens := agent.MaxOutputTokens
	if c := task.Constraints.MaxTokens; c > 0 && (maxTokens == 0 || c < maxTokens) {
		maxTokens = c
	}
	req := &provider.CompletionRequest{
		Provider:          agent.Provider,
		Model:             agent.Model,
		SystemInstruction: agent.SystemInstruction,
		Messages:          []provider.Message{{Role: "user", Content: BuildPrompt(task, ec.Variables)}},
		MaxTokens:         maxTokens,
		Temperature:       agent.Temperature,
	}

	resp, retries, taskErr := o.completeWithRetry(ctx, req, agent, o.attemptTimeout(agent, task))
	if taskErr != nil {
		res := failureResult(task.ID, agent.ID, *taskErr)
		res.Metrics = ResultMetrics{DurationMS: time.Since(start).Milliseconds(), RetryCount: retries}
		return res
	}

	model := resp.Model
	if model == "" {
		model = agent.Model
	}
	cost := provider.EstimateCost(model, resp.TokensConsumed)
	output, artifacts := ParseOutput(resp.Text, task.ExpectedOutput.Type)

	res := &TaskResult{
		TaskID:     task.ID,
		AgentID:    agent.ID,
		Status:     ResultSuccess,
		Output:     output,
		Confidence: fixedConfidence,
		Metrics: ResultMetrics{
			DurationMS: time.Since(start).Milliseconds(),
			TokensUsed: resp.TokensConsumed,
			Cost:       cost,
			RetryCount: retries,
		},
		Artifacts: artifacts,
		CreatedAt: time.Now(),
	}

	var warnings []TaskError
	if task.ExpectedOutput.Type == OutputJSON && !isRawFallback(output, artifacts) {
		warnings = append(warnings, validateOutput(output, task.ExpectedOutput)...)
	}
	if q := task.Constraints.MinQuality; q > 0 && res.Confidence < q {
		warnings = append(warnings, newTaskError(CodeQualityBelowThreshold,
			fmt.Sprintf("confidence %.2f below required %.2f", res.Confidence, q), SeverityWarning, true))
	}
	if limit := task.Constraints.MaxCost; limit > 0 && cost > limit {
		warnings = append(warnings, newTaskError(CodeCostLimitExceeded,
			fmt.Sprintf("cost %.6f exceeds limit %.6f", cost, limit), SeverityWarning, true))
	}
	if len(warnings) > 0 {
		res.Status = ResultPartial
		res.Errors = warnings
	}
	return res
}

// attemptTimeout is min(agent timeout, task max duration), falling back to
// the orchestrator default when neither is set.
func (o *Orchestrator) attemptTimeout(agent *registry.AgentDescriptor, task *Task) time.Duration {
	d := agent.Timeout
	if d <= 0 {
		d = o.defaultTimeout
	}
	if ms := task.Constraints.MaxDurationMS; ms > 0 {
		if c := time.Duration(ms) * time.Millisecond; d <= 0 || c < d {
			d = c
		}
	}
	return d
}

// finish updates rolling metrics, exports the observation and publishes the
// result message. Called exactly once per ExecuteTask.
func (o *Orchestrator) finish(task *Task, res *TaskResult, d time.Duration, ec *ExecutionContext) {
	o.stats.record(res.Succeeded(), d, res.Metrics.TokensUsed, res.Metrics.Cost)

	code := ""
	if len(res.Errors) > 0 {
		code = res.Errors[0].Code
	}
	if o.recorder != nil {
		o.recorder.ObserveTask(res.AgentID, res.Status, code, d, res.Metrics.TokensUsed, res.Metrics.Cost)
	}

	data := map[string]interface{}{
		"task":     task.ID,
		"agent":    res.AgentID,
		"status":   string(res.Status),
		"duration": d.Milliseconds(),
	}
	if res.Succeeded() {
		o.log.add(LogInfo, "task finished", data)
	} else {
		data["code"] = code
		o.log.add(LogError, "task failed", data)
	}

	o.publishResult(task, res, ec)
}

func failureResult(taskID, agentID string, err TaskError) *TaskResult {
	return &TaskResult{
		TaskID:    taskID,
		AgentID:   agentID,
		Status:    ResultFailure,
		Errors:    []TaskError{err},
		CreatedAt: time.Now(),
	}
}

// classifyError maps a provider or wait error to a TaskError. Deadline
// expiry gets its own code so callers can treat timeouts separately.
func classifyError(ctx context.Context, err error) TaskError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return newTaskError(CodeExecutionTimeout, err.Error(), SeverityError, true)
	}
	// Rejections such as bad credentials or an unknown model will not
	// succeed on retry.
	return newTaskError(CodeExecutionError, err.Error(), SeverityError, !provider.IsPermanent(err))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (o *Orchestrator) publishResult(task *Task, res *TaskResult, ec *ExecutionContext) {
	if o.bus == nil {
		return
	}
	stream := "orchestrator"
	if ec.SessionID != "" {
		stream = "session:" + ec.SessionID
	}
	msg, err := newMessage("orchestrator", stream, MessageResult, res)
	if err != nil {
		o.logger.Warn("encode result message", zap.String("task", task.ID), zap.Error(err))
		return
	}
	// The caller's context may already be done; delivery must not depend on it.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.bus.Publish(ctx, msg); err != nil {
		o.logger.Warn("publish result message", zap.String("task", task.ID), zap.Error(err))
	}
}

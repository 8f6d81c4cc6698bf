package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrWorkflowDeadlock is wrapped into the WORKFLOW_DEADLOCK error message.
	ErrWorkflowDeadlock = errors.New("workflow deadlock")
	// ErrInvalidWorkflow is wrapped into the INVALID_WORKFLOW error message.
	ErrInvalidWorkflow = errors.New("invalid workflow")
)

// ExecuteWorkflow runs a workflow by repeatedly executing the steps whose
// previous_step dependencies have recorded results. A run with pending steps
// but nothing ready fails with WORKFLOW_DEADLOCK.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, wf *Workflow, ec *ExecutionContext) *ExecutionResult {
	ec = normalizeContext(ec)
	ctx, cancel := entryContext(ctx, ec)
	defer cancel()
	if wf.TimeoutMS > 0 {
		var cancelWF context.CancelFunc
		ctx, cancelWF = context.WithTimeout(ctx, time.Duration(wf.TimeoutMS)*time.Millisecond)
		defer cancelWF()
	}

	start := time.Now()
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	exec := &WorkflowExecution{
		ID:          uuid.New().String(),
		WorkflowID:  wf.ID,
		Status:      ExecutionRunning,
		Variables:   copyVars(ec.Variables),
		StepResults: make(map[string]*TaskResult),
		StartedAt:   start,
	}
	run := &workflowRun{
		o:           o,
		wf:          wf,
		exec:        exec,
		ec:          ec,
		input:       copyVars(ec.Variables),
		log:         o.newRunLog(wf.ErrorHandling.LogLevel),
		steps:       make(map[string]*WorkflowStep, len(wf.Steps)),
		owned:       make(map[string]bool),
		unrecovered: make(map[string]bool),
		fallbackFor: make(map[string]string),
	}
	for i := range wf.Steps {
		run.steps[wf.Steps[i].ID] = &wf.Steps[i]
	}

	run.log.add(LogInfo, "workflow started", map[string]interface{}{
		"workflow": wf.ID, "execution": exec.ID, "steps": len(wf.Steps),
	})
	run.execute(ctx)

	done := time.Now()
	exec.CompletedAt = &done
	exec.CurrentStep = ""
	res := run.result(done.Sub(start))
	run.log.add(LogInfo, "workflow finished", map[string]interface{}{
		"workflow": wf.ID, "execution": exec.ID, "status": string(exec.Status),
	})
	res.Logs = run.log.list()

	if o.recorder != nil {
		o.recorder.ObserveWorkflow(wf.ID, exec.Status, done.Sub(start))
	}
	o.archive(&ExecutionRecord{Workflow: wf, Execution: exec, Result: res})
	return res
}

// archive hands a terminal run to archivers and the notifier in the
// background. Failures are logged and never change the run result.
func (o *Orchestrator) archive(rec *ExecutionRecord) {
	if len(o.archivers) == 0 && o.notifier == nil {
		return
	}
	o.archiving.Add(1)
	go func() {
		defer o.archiving.Done()
		o.deliver(rec)
	}()
}

func (o *Orchestrator) deliver(rec *ExecutionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, a := range o.archivers {
		if err := a.Archive(ctx, rec); err != nil {
			o.logger.Warn("archive workflow execution",
				zap.String("execution", rec.Execution.ID), zap.Error(err))
		}
	}
	if o.notifier != nil {
		if err := o.notifier.NotifyWorkflow(ctx, rec); err != nil {
			o.logger.Warn("notify workflow execution",
				zap.String("execution", rec.Execution.ID), zap.Error(err))
		}
	}
}

// Drain waits until every finished workflow run has been archived and
// announced, or ctx is done.
func (o *Orchestrator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.archiving.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain archivers: %w", ctx.Err())
	}
}

// workflowRun holds the state of one ExecuteWorkflow call. Fields behind mu
// are touched by concurrently running parallel sub-steps.
type workflowRun struct {
	o     *Orchestrator
	wf    *Workflow
	exec  *WorkflowExecution
	ec    *ExecutionContext
	input map[string]interface{}
	log   *runLog
	steps map[string]*WorkflowStep
	owned map[string]bool // sub-steps run by a parallel step

	mu          sync.Mutex
	pending     []string
	unrecovered map[string]bool
	fallbackFor map[string]string // fallback step -> failed step it covers
	fatal       []TaskError
}

func (r *workflowRun) policy() ErrorPolicy {
	if r.wf.ErrorHandling.OnError == "" {
		return PolicyFail
	}
	return r.wf.ErrorHandling.OnError
}

func (r *workflowRun) execute(ctx context.Context) {
	if err := r.validate(); err != nil {
		code := CodeStepNotFound
		switch {
		case errors.Is(err, ErrWorkflowDeadlock):
			code = CodeWorkflowDeadlock
		case errors.Is(err, ErrInvalidWorkflow):
			code = CodeInvalidWorkflow
		}
		r.abort("", newTaskError(code, err.Error(), SeverityFatal, false))
		return
	}

	fallbackOnly := make(map[string]bool)
	for _, s := range r.wf.Steps {
		for _, id := range s.Config.SubSteps {
			r.owned[id] = true
		}
		for _, id := range s.OnFailure {
			fallbackOnly[id] = true
		}
	}
	for _, s := range r.wf.Steps {
		if !r.owned[s.ID] && !fallbackOnly[s.ID] {
			r.pending = append(r.pending, s.ID)
		}
	}

	for len(r.pending) > 0 {
		if r.interrupted(ctx) {
			return
		}

		ready := r.readySteps()
		if len(ready) == 0 {
			r.abort("", newTaskError(CodeWorkflowDeadlock,
				fmt.Sprintf("%v: no ready steps, pending %v", ErrWorkflowDeadlock, r.pending),
				SeverityFatal, false))
			return
		}

		for _, id := range ready {
			if !r.isPending(id) {
				continue // pruned by a decision earlier in this batch
			}
			step := r.steps[id]
			r.exec.CurrentStep = id
			res := r.runWithPolicy(ctx, step)
			r.complete(step, res)

			if r.interrupted(ctx) {
				return
			}
			if res.Succeeded() {
				continue
			}

			switch r.policy() {
			case PolicySkip:
				r.log.add(LogWarn, "step failed, skipping", map[string]interface{}{"step": id})
			case PolicyFallback:
				if len(step.OnFailure) == 0 {
					r.abort(id)
					return
				}
				r.log.add(LogWarn, "step failed, scheduling fallback", map[string]interface{}{
					"step": id, "fallback": step.OnFailure,
				})
				r.mu.Lock()
				for _, fb := range step.OnFailure {
					if _, ran := r.exec.StepResults[fb]; !ran && !r.pendingLocked(fb) {
						r.pending = append(r.pending, fb)
						r.fallbackFor[fb] = id
					}
				}
				r.mu.Unlock()
			default:
				r.abort(id)
				return
			}
		}
	}

	r.mu.Lock()
	failed := len(r.unrecovered) > 0
	r.mu.Unlock()
	if failed {
		r.exec.Status = ExecutionFailed
		if r.exec.FailedStep == "" {
			r.exec.FailedStep = r.firstUnrecovered()
		}
	} else {
		r.exec.Status = ExecutionCompleted
	}
}

// interrupted fails the run if ctx is done.
func (r *workflowRun) interrupted(ctx context.Context) bool {
	err := ctx.Err()
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		r.abort("", newTaskError(CodeWorkflowTimeout, "workflow timed out", SeverityFatal, false))
	} else {
		r.abort("", newTaskError(CodeExecutionError, "workflow cancelled: "+err.Error(), SeverityFatal, false))
	}
	return true
}

// abort ends the run as failed. failedStep may be empty for run-level errors.
func (r *workflowRun) abort(failedStep string, errs ...TaskError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec.Status = ExecutionFailed
	if failedStep != "" {
		r.exec.FailedStep = failedStep
	}
	r.fatal = append(r.fatal, errs...)
	for _, e := range errs {
		r.log.add(LogError, "workflow aborted", map[string]interface{}{"code": e.Code, "message": e.Message})
	}
	if failedStep != "" && len(errs) == 0 {
		r.log.add(LogError, "workflow aborted", map[string]interface{}{"step": failedStep})
	}
}

// validate checks that every referenced step id exists and that sub-step
// ownership forms a forest: no step is owned twice and no step owns itself,
// directly or through other parallel steps.
func (r *workflowRun) validate() error {
	var missing []string
	check := func(from, id string) {
		if _, ok := r.steps[id]; !ok {
			missing = append(missing, from+"->"+id)
		}
	}
	for _, s := range r.wf.Steps {
		for _, in := range s.Inputs {
			if in.Source == SourcePreviousStep {
				check(s.ID, in.StepID)
			}
		}
		for _, id := range s.Config.SubSteps {
			check(s.ID, id)
		}
		for _, id := range s.OnSuccess {
			check(s.ID, id)
		}
		for _, id := range s.OnFailure {
			check(s.ID, id)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("unknown step references: %s", strings.Join(missing, ", "))
	}

	owner := make(map[string]string)
	for _, s := range r.wf.Steps {
		for _, id := range s.Config.SubSteps {
			if id == s.ID {
				return fmt.Errorf("%w: step %s lists itself as a sub-step", ErrWorkflowDeadlock, s.ID)
			}
			if prev, taken := owner[id]; taken {
				return fmt.Errorf("%w: step %s is a sub-step of both %s and %s", ErrInvalidWorkflow, id, prev, s.ID)
			}
			owner[id] = s.ID
		}
	}
	for _, s := range r.wf.Steps {
		seen := map[string]bool{s.ID: true}
		for cur, ok := owner[s.ID]; ok; cur, ok = owner[cur] {
			if seen[cur] {
				return fmt.Errorf("%w: sub-step ownership cycle through %s", ErrWorkflowDeadlock, cur)
			}
			seen[cur] = true
		}
	}
	return nil
}

// dependencies returns the step ids that must have results before step can
// run: previous_step inputs, decision steps that branch to it, and for
// parallel steps the external dependencies of every sub-step.
func (r *workflowRun) dependencies(step *WorkflowStep) []string {
	seen := make(map[string]bool)
	var deps []string
	internal := make(map[string]bool)

	var walk func(s *WorkflowStep)
	walk = func(s *WorkflowStep) {
		if internal[s.ID] {
			return
		}
		internal[s.ID] = true
		for _, in := range s.Inputs {
			if in.Source == SourcePreviousStep && !seen[in.StepID] {
				seen[in.StepID] = true
				deps = append(deps, in.StepID)
			}
		}
		for _, other := range r.wf.Steps {
			if other.Type == StepDecision && contains(other.OnSuccess, s.ID) && !seen[other.ID] {
				seen[other.ID] = true
				deps = append(deps, other.ID)
			}
		}
		if s.Type == StepParallel {
			for _, id := range s.Config.SubSteps {
				walk(r.steps[id])
			}
		}
	}
	walk(step)

	out := deps[:0]
	for _, d := range deps {
		if !internal[d] {
			out = append(out, d)
		}
	}
	return out
}

func (r *workflowRun) readySteps() []string {
	r.mu.Lock()
	pending := append([]string(nil), r.pending...)
	r.mu.Unlock()
	ready, _ := r.splitReady(pending)
	return ready
}

func (r *workflowRun) isPending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingLocked(id)
}

func (r *workflowRun) pendingLocked(id string) bool {
	for _, p := range r.pending {
		if p == id {
			return true
		}
	}
	return false
}

// complete records a step result and applies its success side effects.
func (r *workflowRun) complete(step *WorkflowStep, res *TaskResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.exec.StepResults[step.ID] = res
	for i, p := range r.pending {
		if p == step.ID {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}

	if !res.Succeeded() {
		r.unrecovered[step.ID] = true
		r.log.add(LogError, "step failed", map[string]interface{}{"step": step.ID, "errors": len(res.Errors)})
		return
	}

	r.log.add(LogInfo, "step completed", map[string]interface{}{"step": step.ID, "status": string(res.Status)})
	if failed, ok := r.fallbackFor[step.ID]; ok && r.unrecovered[failed] {
		r.recoverLocked(failed)
		r.log.add(LogInfo, "fallback recovered failed step", map[string]interface{}{"step": failed, "fallback": step.ID})
	}
	for _, out := range step.Outputs {
		r.exec.Variables[out.Variable] = lookupPath(res.Output, out.Path)
	}
	if step.Type == StepDecision {
		choice, _ := res.Output.(string)
		r.exec.Variables[step.ID+".choice"] = choice
		for _, branch := range step.OnSuccess {
			if branch != choice {
				r.pruneLocked(branch)
			}
		}
	}
}

// pruneLocked drops a pending step and, transitively, every pending step
// that depends on it.
func (r *workflowRun) pruneLocked(id string) {
	if !r.pendingLocked(id) {
		return
	}
	for i, p := range r.pending {
		if p == id {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}
	r.log.add(LogInfo, "branch pruned", map[string]interface{}{"step": id})
	for _, p := range append([]string(nil), r.pending...) {
		if contains(r.dependencies(r.steps[p]), id) {
			r.pruneLocked(p)
		}
	}
}

// recoverLocked clears a failed step and every sub-step it owns.
func (r *workflowRun) recoverLocked(id string) {
	delete(r.unrecovered, id)
	for _, sub := range r.steps[id].Config.SubSteps {
		r.recoverLocked(sub)
	}
}

func (r *workflowRun) firstUnrecovered() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.wf.Steps {
		if r.unrecovered[s.ID] {
			return s.ID
		}
	}
	return ""
}

// runWithPolicy runs a step, re-running it under the retry policy.
func (r *workflowRun) runWithPolicy(ctx context.Context, step *WorkflowStep) *TaskResult {
	res := r.runStep(ctx, step)
	if r.policy() != PolicyRetry {
		return res
	}
	for attempt := 1; attempt <= r.wf.ErrorHandling.MaxRetries && !res.Succeeded(); attempt++ {
		r.log.add(LogWarn, "retrying step", map[string]interface{}{"step": step.ID, "attempt": attempt})
		if err := sleepCtx(ctx, r.wf.Retry.Delay(attempt)); err != nil {
			return res
		}
		res = r.runStep(ctx, step)
	}
	return res
}

// runStep dispatches one step by type with a step-local variable bag.
func (r *workflowRun) runStep(ctx context.Context, step *WorkflowStep) *TaskResult {
	if step.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	vars := r.stepVariables(step)
	ec := r.ec.withVariables(vars)

	switch step.Type {
	case StepTask, "":
		return r.runTaskStep(ctx, step, r.stepTask(step, ""), ec)
	case StepDecision:
		return r.runDecision(ctx, step, ec)
	case StepParallel:
		return r.runParallel(ctx, step)
	case StepLoop:
		return r.runLoop(ctx, step, ec)
	case StepWait:
		if err := sleepCtx(ctx, time.Duration(step.Config.WaitMS)*time.Millisecond); err != nil {
			return failureResult(r.stepTaskID(step), "", classifyError(ctx, err))
		}
		return r.passThrough(step, vars)
	case StepHumanReview:
		r.requestReview(ctx, step, vars)
		return r.passThrough(step, vars)
	default:
		return r.passThrough(step, vars)
	}
}

// stepVariables copies the accumulated variables and injects resolved inputs.
func (r *workflowRun) stepVariables(step *WorkflowStep) map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	vars := copyVars(r.exec.Variables)
	for _, in := range step.Inputs {
		vars[in.Name] = r.resolveInputLocked(in)
	}
	return vars
}

func (r *workflowRun) resolveInputLocked(in StepInput) interface{} {
	key := in.Key
	if key == "" {
		key = in.Name
	}
	var v interface{}
	switch in.Source {
	case SourcePreviousStep:
		if res := r.exec.StepResults[in.StepID]; res != nil {
			v = lookupPath(res.Output, in.Path)
		}
	case SourceWorkflowInput:
		v = lookupVar(r.input, key)
	case SourceVariable:
		v = lookupVar(r.exec.Variables, key)
	case SourceConstant:
		v = in.Value
	}
	out, ok := applyTransform(v, in.Transform)
	if !ok {
		r.o.logger.Warn("unknown input transform", zap.String("input", in.Name), zap.String("transform", in.Transform))
	}
	return out
}

func (r *workflowRun) stepTaskID(step *WorkflowStep) string {
	return r.exec.ID + ":" + step.ID
}

// stepTask builds the task a step runs. suffix distinguishes loop iterations.
func (r *workflowRun) stepTask(step *WorkflowStep, suffix string) *Task {
	var task *Task
	if step.Config.Task != nil {
		task = cloneTask(step.Config.Task)
	} else {
		task = &Task{Type: TaskGeneration, Input: TaskInput{Instructions: step.Name}}
	}
	task.ID = r.stepTaskID(step) + suffix
	if task.Name == "" {
		task.Name = step.Name
	}
	if step.AgentID != "" {
		task.Constraints.MustUseAgents = []string{step.AgentID}
	}
	task.ParentID = r.exec.ID
	return task
}

// runTaskStep runs a task on the step's team when one is bound, otherwise
// through the single-task executor.
func (r *workflowRun) runTaskStep(ctx context.Context, step *WorkflowStep, task *Task, ec *ExecutionContext) *TaskResult {
	if step.TeamID == "" {
		return r.o.ExecuteTask(ctx, task, ec)
	}
	team := r.o.ExecuteWithTeam(ctx, step.TeamID, []*Task{task}, ec)
	res := &TaskResult{
		TaskID:     task.ID,
		AgentID:    "team:" + step.TeamID,
		Status:     ResultSuccess,
		Confidence: fixedConfidence,
		Metrics: ResultMetrics{
			DurationMS: team.Metrics.DurationMS,
			TokensUsed: team.Metrics.TokensUsed,
			Cost:       team.Metrics.Cost,
		},
		Artifacts: team.Artifacts,
		Errors:    team.Errors,
		CreatedAt: time.Now(),
	}
	if n := len(team.Outputs); n > 0 {
		res.Output = team.Outputs[n-1]
	}
	if !team.Success {
		res.Status = ResultFailure
		res.Confidence = 0
	}
	return res
}

// runDecision asks the bound agent to pick one of the step's onSuccess
// branches. The result's output is the chosen branch id.
func (r *workflowRun) runDecision(ctx context.Context, step *WorkflowStep, ec *ExecutionContext) *TaskResult {
	task := r.stepTask(step, "")
	task.Type = TaskDecision
	task.ExpectedOutput = ExpectedOutput{Type: OutputText}
	var b strings.Builder
	if task.Input.Instructions != "" {
		b.WriteString(task.Input.Instructions)
		b.WriteString("\n\n")
	}
	b.WriteString("Decide which path the workflow should take next, given the variables above.")
	if len(step.OnSuccess) > 0 {
		fmt.Fprintf(&b, " Options: %s. Reply with exactly one option id and nothing else.", strings.Join(step.OnSuccess, ", "))
	}
	task.Input.Instructions = b.String()

	res := r.runTaskStep(ctx, step, task, ec)
	if !res.Succeeded() {
		return res
	}

	raw := strings.TrimSpace(fmt.Sprint(res.Output))
	choice, matched := pickBranch(raw, step.OnSuccess)
	if !matched && len(step.OnSuccess) > 0 {
		r.log.add(LogWarn, "decision matched no branch, taking first", map[string]interface{}{
			"step": step.ID, "answer": raw, "branch": choice,
		})
	}
	decided := *res
	decided.Output = choice
	decided.Reasoning = raw
	return &decided
}

// pickBranch finds the branch id named in answer. An exact match wins,
// otherwise the branch mentioned earliest. With no match the first branch
// is returned and matched is false; with no branches the answer itself is
// the choice.
func pickBranch(answer string, branches []string) (choice string, matched bool) {
	if len(branches) == 0 {
		return answer, true
	}
	lower := strings.ToLower(strings.Trim(answer, " \t\n\"'`."))
	for _, b := range branches {
		if strings.ToLower(b) == lower {
			return b, true
		}
	}
	best, bestPos := "", -1
	for _, b := range branches {
		pos := strings.Index(lower, strings.ToLower(b))
		if pos >= 0 && (bestPos < 0 || pos < bestPos || (pos == bestPos && len(b) > len(best))) {
			best, bestPos = b, pos
		}
	}
	if bestPos >= 0 {
		return best, true
	}
	return branches[0], false
}

// runParallel executes the step's sub-steps in waves. Each wave runs every
// sub-step whose dependencies have results concurrently, and each result is
// recorded as soon as it arrives, so sub-steps that read a sibling's output
// run after it. The output maps sub-step id to its output.
func (r *workflowRun) runParallel(ctx context.Context, step *WorkflowStep) *TaskResult {
	subs := step.Config.SubSteps
	results := make(map[string]*TaskResult, len(subs))
	var mu sync.Mutex

	remaining := append([]string(nil), subs...)
	for len(remaining) > 0 {
		wave, rest := r.splitReady(remaining)
		if len(wave) == 0 {
			for _, id := range rest {
				res := failureResult(r.stepTaskID(r.steps[id]), "", newTaskError(CodeWorkflowDeadlock,
					fmt.Sprintf("%v: sub-step %s of %s never became ready", ErrWorkflowDeadlock, id, step.ID),
					SeverityFatal, false))
				r.complete(r.steps[id], res)
				results[id] = res
			}
			break
		}

		var wg sync.WaitGroup
		for _, id := range wave {
			wg.Add(1)
			go func(sub *WorkflowStep) {
				defer wg.Done()
				res := r.runStep(ctx, sub)
				r.complete(sub, res)
				mu.Lock()
				results[sub.ID] = res
				mu.Unlock()
			}(r.steps[id])
		}
		wg.Wait()
		remaining = rest
	}

	res := &TaskResult{
		TaskID:     r.stepTaskID(step),
		Status:     ResultSuccess,
		Confidence: fixedConfidence,
		CreatedAt:  time.Now(),
	}
	output := make(map[string]interface{}, len(subs))
	for _, id := range subs {
		sub := results[id]
		output[id] = sub.Output
		res.Metrics.TokensUsed += sub.Metrics.TokensUsed
		res.Metrics.Cost += sub.Metrics.Cost
		if sub.Metrics.DurationMS > res.Metrics.DurationMS {
			res.Metrics.DurationMS = sub.Metrics.DurationMS
		}
		res.Artifacts = append(res.Artifacts, sub.Artifacts...)
		if !sub.Succeeded() {
			res.Status = ResultFailure
			res.Errors = append(res.Errors, sub.Errors...)
		}
	}
	res.Output = output
	return res
}

// splitReady partitions ids into those whose dependencies all have results
// and the rest, keeping order.
func (r *workflowRun) splitReady(ids []string) (ready, rest []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		ok := true
		for _, dep := range r.dependencies(r.steps[id]) {
			if _, done := r.exec.StepResults[dep]; !done {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		} else {
			rest = append(rest, id)
		}
	}
	return ready, rest
}

// runLoop repeats the step's task until the output contains the loop's
// until marker or maxIterations is reached. Each iteration sees the
// previous output as its input data.
func (r *workflowRun) runLoop(ctx context.Context, step *WorkflowStep, ec *ExecutionContext) *TaskResult {
	maxIter := 1
	until := ""
	if cfg := step.Config.Loop; cfg != nil {
		if cfg.MaxIterations > 0 {
			maxIter = cfg.MaxIterations
		}
		until = cfg.Until
	}

	var last *TaskResult
	var metrics ResultMetrics
	var artifacts []Artifact
	for i := 1; i <= maxIter; i++ {
		task := r.stepTask(step, fmt.Sprintf(":%d", i))
		if task.Input.Context == nil {
			task.Input.Context = make(map[string]interface{})
		}
		task.Input.Context["iteration"] = i
		if last != nil {
			task.Input.Data = last.Output
		}

		res := r.runTaskStep(ctx, step, task, ec)
		metrics.DurationMS += res.Metrics.DurationMS
		metrics.TokensUsed += res.Metrics.TokensUsed
		metrics.Cost += res.Metrics.Cost
		metrics.RetryCount += res.Metrics.RetryCount
		artifacts = append(artifacts, res.Artifacts...)
		last = res
		if !res.Succeeded() {
			break
		}
		if until != "" && strings.Contains(fmt.Sprint(res.Output), until) {
			break
		}
	}

	out := *last
	out.TaskID = r.stepTaskID(step)
	out.Metrics = metrics
	out.Artifacts = artifacts
	return &out
}

func (r *workflowRun) requestReview(ctx context.Context, step *WorkflowStep, vars map[string]interface{}) {
	payload := map[string]interface{}{
		"workflow":     r.wf.ID,
		"execution":    r.exec.ID,
		"step":         step.ID,
		"instructions": step.Config.Review,
		"variables":    vars,
	}
	if _, err := r.o.SendMessage(ctx, "workflow:"+r.wf.ID, "review", MessageReview, payload); err != nil {
		r.log.add(LogWarn, "review request not delivered", map[string]interface{}{"step": step.ID, "error": err.Error()})
		return
	}
	r.log.add(LogInfo, "review requested", map[string]interface{}{"step": step.ID})
}

func (r *workflowRun) passThrough(step *WorkflowStep, vars map[string]interface{}) *TaskResult {
	return &TaskResult{
		TaskID:     r.stepTaskID(step),
		Status:     ResultSuccess,
		Output:     vars,
		Confidence: 1,
		CreatedAt:  time.Now(),
	}
}

// result assembles the ExecutionResult. Results and outputs follow workflow
// step order. Token and cost totals and the error list come from top-level
// steps only, since parallel steps already include their sub-steps.
func (r *workflowRun) result(d time.Duration) *ExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := &ExecutionResult{
		Outputs:   []interface{}{},
		Results:   []*TaskResult{},
		Errors:    []TaskError{},
		Metrics:   ExecutionMetrics{DurationMS: d.Milliseconds(), StepsTotal: len(r.wf.Steps)},
		Execution: r.exec,
	}
	for _, s := range r.wf.Steps {
		sr, ok := r.exec.StepResults[s.ID]
		if !ok {
			r.exec.Skipped = append(r.exec.Skipped, s.ID)
			continue
		}
		res.Results = append(res.Results, sr)
		res.Outputs = append(res.Outputs, sr.Output)
		if sr.Succeeded() {
			res.Metrics.StepsCompleted++
		}
		if r.owned[s.ID] {
			continue
		}
		res.Artifacts = append(res.Artifacts, sr.Artifacts...)
		res.Metrics.TokensUsed += sr.Metrics.TokensUsed
		res.Metrics.Cost += sr.Metrics.Cost
		if !sr.Succeeded() && r.unrecovered[s.ID] {
			res.Errors = append(res.Errors, sr.Errors...)
		}
	}
	res.Errors = append(res.Errors, r.fatal...)
	res.Success = r.exec.Status == ExecutionCompleted
	if !res.Success && len(res.Errors) == 0 {
		if sr := r.exec.StepResults[r.exec.FailedStep]; sr != nil {
			res.Errors = append(res.Errors, sr.Errors...)
		}
		if len(res.Errors) == 0 {
			res.Errors = append(res.Errors, newTaskError(CodeExecutionError,
				fmt.Sprintf("step %s failed", r.exec.FailedStep), SeverityError, false))
		}
	}
	return res
}

func copyVars(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/nuka-orchestrator/internal/provider"
	"github.com/nidhogg/nuka-orchestrator/internal/registry"
	"go.uber.org/zap"
)

// byTaskName answers each step from a table keyed by task name. Missing
// names fail the call.
func byTaskName(answers map[string]string) *fakeCompleter {
	return &fakeCompleter{respond: func(_ context.Context, req *provider.CompletionRequest) (string, error) {
		p := prompt(req)
		for name, out := range answers {
			if strings.HasPrefix(p, "Task: "+name+"\n") {
				if out == "!" {
					return "", errors.New(name + " failed")
				}
				return out, nil
			}
		}
		return "", errors.New("unexpected prompt")
	}}
}

func taskStep(id string, inputs ...StepInput) WorkflowStep {
	return WorkflowStep{ID: id, Name: id, Type: StepTask, Inputs: inputs}
}

func from(name, stepID, path string) StepInput {
	return StepInput{Name: name, Source: SourcePreviousStep, StepID: stepID, Path: path}
}

func workflowOrchestrator(fc *fakeCompleter) *Orchestrator {
	return newTestOrchestrator(fc, testAgent("w1", registry.RoleExecutor))
}

func TestWorkflowLinearChain(t *testing.T) {
	fc := &fakeCompleter{respond: func(_ context.Context, req *provider.CompletionRequest) (string, error) {
		p := prompt(req)
		switch {
		case strings.HasPrefix(p, "Task: fetch\n"):
			return `{"title": "Orchestration", "body": "text"}`, nil
		case strings.HasPrefix(p, "Task: summarize\n"):
			if !strings.Contains(p, `"heading": "Orchestration"`) {
				return "", errors.New("input not resolved")
			}
			return "summary", nil
		}
		return "", errors.New("unexpected prompt")
	}}
	o := workflowOrchestrator(fc)

	fetch := taskStep("fetch")
	fetch.Config.Task = &Task{Type: TaskGeneration, ExpectedOutput: ExpectedOutput{Type: OutputJSON}}
	fetch.Outputs = []StepOutput{{Path: "title", Variable: "title"}}
	wf := &Workflow{ID: "wf-linear", Steps: []WorkflowStep{
		fetch,
		taskStep("summarize", from("heading", "fetch", "title")),
	}}

	res := o.ExecuteWorkflow(context.Background(), wf, nil)
	if !res.Success {
		t.Fatalf("errors = %v", res.Errors)
	}
	if res.Execution.Status != ExecutionCompleted {
		t.Errorf("status = %s", res.Execution.Status)
	}
	if len(res.Outputs) != 2 || res.Outputs[1] != "summary" {
		t.Errorf("outputs = %v", res.Outputs)
	}
	if res.Execution.Variables["title"] != "Orchestration" {
		t.Errorf("variables = %v", res.Execution.Variables)
	}
	if res.Metrics.StepsCompleted != 2 || res.Metrics.StepsTotal != 2 || res.Metrics.TokensUsed != 20 {
		t.Errorf("metrics = %+v", res.Metrics)
	}
}

func TestWorkflowInputTransforms(t *testing.T) {
	fc := &fakeCompleter{respond: func(_ context.Context, req *provider.CompletionRequest) (string, error) {
		if !strings.Contains(prompt(req), `"subject": "GO"`) {
			return "", errors.New("transform not applied")
		}
		return "ok", nil
	}}
	o := workflowOrchestrator(fc)
	wf := &Workflow{Steps: []WorkflowStep{
		taskStep("write",
			StepInput{Name: "subject", Source: SourceWorkflowInput, Key: "topic", Transform: "upper"},
			StepInput{Name: "tone", Source: SourceConstant, Value: "  formal ", Transform: "trim"},
		),
	}}

	res := o.ExecuteWorkflow(context.Background(), wf, &ExecutionContext{Variables: map[string]interface{}{"topic": "go"}})
	if !res.Success {
		t.Fatalf("errors = %v", res.Errors)
	}
	if !strings.Contains(fc.prompts[0], `"tone": "formal"`) {
		t.Errorf("prompt = %s", fc.prompts[0])
	}
}

func TestWorkflowDeadlock(t *testing.T) {
	fc := &fakeCompleter{}
	o := workflowOrchestrator(fc)
	wf := &Workflow{Steps: []WorkflowStep{
		taskStep("a", from("x", "b", "")),
		taskStep("b", from("y", "a", "")),
	}}

	res := o.ExecuteWorkflow(context.Background(), wf, nil)
	if res.Success || res.Execution.Status != ExecutionFailed {
		t.Fatalf("status = %s", res.Execution.Status)
	}
	if !hasCode(res.Errors, CodeWorkflowDeadlock) {
		t.Errorf("errors = %v", res.Errors)
	}
	if fc.calls() != 0 {
		t.Errorf("calls = %d, want 0", fc.calls())
	}
}

func TestWorkflowUnknownStepReference(t *testing.T) {
	o := workflowOrchestrator(&fakeCompleter{})
	wf := &Workflow{Steps: []WorkflowStep{taskStep("a", from("x", "ghost", ""))}}

	res := o.ExecuteWorkflow(context.Background(), wf, nil)
	if res.Success || !hasCode(res.Errors, CodeStepNotFound) {
		t.Errorf("result = %+v", res.Errors)
	}
}

func TestWorkflowDecisionPrunesBranches(t *testing.T) {
	fc := byTaskName(map[string]string{
		"decide":  "  Approve.",
		"approve": "approved",
		"reject":  "rejected",
		"notify":  "notified",
	})
	o := workflowOrchestrator(fc)
	wf := &Workflow{Steps: []WorkflowStep{
		{ID: "decide", Name: "decide", Type: StepDecision, OnSuccess: []string{"approve", "reject"}},
		taskStep("approve"),
		taskStep("reject"),
		taskStep("notify", from("why", "reject", "")),
	}}

	res := o.ExecuteWorkflow(context.Background(), wf, nil)
	if !res.Success {
		t.Fatalf("errors = %v", res.Errors)
	}
	if got := res.Execution.Variables["decide.choice"]; got != "approve" {
		t.Errorf("decide.choice = %v", got)
	}
	skipped := strings.Join(res.Execution.Skipped, ",")
	if skipped != "reject,notify" {
		t.Errorf("skipped = %s", skipped)
	}
	if len(fc.promptsFor("w1")) != 2 {
		t.Errorf("provider calls = %d, want 2", fc.calls())
	}
	if !strings.Contains(fc.prompts[0], "Options: approve, reject") {
		t.Errorf("decision prompt = %s", fc.prompts[0])
	}
}

func TestPickBranch(t *testing.T) {
	branches := []string{"escalate", "close"}
	cases := []struct {
		answer  string
		want    string
		matched bool
	}{
		{"close", "close", true},
		{"\"Escalate\"", "escalate", true},
		{"I would close this, not escalate", "close", true},
		{"no idea", "escalate", false},
	}
	for _, c := range cases {
		got, matched := pickBranch(c.answer, branches)
		if got != c.want || matched != c.matched {
			t.Errorf("pickBranch(%q) = %s,%v want %s,%v", c.answer, got, matched, c.want, c.matched)
		}
	}
	if got, _ := pickBranch("free", nil); got != "free" {
		t.Errorf("no branches: %s", got)
	}
}

func TestWorkflowParallelStep(t *testing.T) {
	fc := &fakeCompleter{respond: func(ctx context.Context, req *provider.CompletionRequest) (string, error) {
		p := prompt(req)
		switch {
		case strings.HasPrefix(p, "Task: left\n"):
			return "L", sleepCtx(ctx, 60*time.Millisecond)
		case strings.HasPrefix(p, "Task: right\n"):
			return "R", sleepCtx(ctx, 60*time.Millisecond)
		case strings.HasPrefix(p, "Task: join\n"):
			if !strings.Contains(p, `"left": "L"`) {
				return "", errors.New("missing left output")
			}
			return "joined", nil
		}
		return "", errors.New("unexpected prompt")
	}}
	o := workflowOrchestrator(fc)
	wf := &Workflow{Steps: []WorkflowStep{
		{ID: "fan", Name: "fan", Type: StepParallel, Config: StepConfig{SubSteps: []string{"left", "right"}}},
		taskStep("left"),
		taskStep("right"),
		taskStep("join", from("left", "fan", "left")),
	}}

	start := time.Now()
	res := o.ExecuteWorkflow(context.Background(), wf, nil)
	elapsed := time.Since(start)
	if !res.Success {
		t.Fatalf("errors = %v", res.Errors)
	}
	if elapsed > 110*time.Millisecond {
		t.Errorf("parallel sub-steps took %v", elapsed)
	}
	fan, ok := res.Outputs[0].(map[string]interface{})
	if !ok || fan["left"] != "L" || fan["right"] != "R" {
		t.Errorf("fan output = %v", res.Outputs[0])
	}
	if len(res.Results) != 4 {
		t.Errorf("results = %d, want 4", len(res.Results))
	}
	// Sub-step tokens are counted once, through the parallel step.
	if res.Metrics.TokensUsed != 30 {
		t.Errorf("tokens = %d, want 30", res.Metrics.TokensUsed)
	}
}

func TestWorkflowParallelSubStepWaitsForSibling(t *testing.T) {
	fc := &fakeCompleter{respond: func(ctx context.Context, req *provider.CompletionRequest) (string, error) {
		p := prompt(req)
		switch {
		case strings.HasPrefix(p, "Task: a\n"):
			return "A-OUT", sleepCtx(ctx, 50*time.Millisecond)
		case strings.HasPrefix(p, "Task: b\n"):
			if !strings.Contains(p, `"prev": "A-OUT"`) {
				return "", errors.New("b ran without a's output")
			}
			return "B-OUT", nil
		case strings.HasPrefix(p, "Task: c\n"):
			return "C-OUT", nil
		}
		return "", errors.New("unexpected prompt")
	}}
	o := workflowOrchestrator(fc)
	wf := &Workflow{Steps: []WorkflowStep{
		{ID: "par", Name: "par", Type: StepParallel, Config: StepConfig{SubSteps: []string{"b", "a", "c"}}},
		taskStep("a"),
		taskStep("b", from("prev", "a", "")),
		taskStep("c"),
	}}

	res := o.ExecuteWorkflow(context.Background(), wf, nil)
	if !res.Success {
		t.Fatalf("errors = %v", res.Errors)
	}
	out, _ := res.Outputs[0].(map[string]interface{})
	if out["a"] != "A-OUT" || out["b"] != "B-OUT" || out["c"] != "C-OUT" {
		t.Errorf("par output = %v", res.Outputs[0])
	}
}

func TestWorkflowParallelSubStepOnOwnerDeadlocks(t *testing.T) {
	fc := byTaskName(map[string]string{"a": "x"})
	o := workflowOrchestrator(fc)
	wf := &Workflow{Steps: []WorkflowStep{
		{ID: "par", Name: "par", Type: StepParallel, Config: StepConfig{SubSteps: []string{"a", "b"}}},
		taskStep("a"),
		taskStep("b", from("prev", "par", "")),
	}}

	res := o.ExecuteWorkflow(context.Background(), wf, nil)
	if res.Success || !hasCode(res.Errors, CodeWorkflowDeadlock) {
		t.Errorf("success = %v errors = %v", res.Success, res.Errors)
	}
}

func TestWorkflowRejectsBadSubStepOwnership(t *testing.T) {
	parallel := func(id string, subs ...string) WorkflowStep {
		return WorkflowStep{ID: id, Name: id, Type: StepParallel, Config: StepConfig{SubSteps: subs}}
	}
	cases := map[string]struct {
		steps []WorkflowStep
		code  string
	}{
		"self": {
			[]WorkflowStep{parallel("p", "p", "a"), taskStep("a")},
			CodeWorkflowDeadlock,
		},
		"mutual": {
			[]WorkflowStep{parallel("p1", "p2"), parallel("p2", "p1")},
			CodeWorkflowDeadlock,
		},
		"shared": {
			[]WorkflowStep{parallel("p1", "a"), parallel("p2", "a"), taskStep("a")},
			CodeInvalidWorkflow,
		},
	}
	for name, c := range cases {
		fc := &fakeCompleter{}
		o := workflowOrchestrator(fc)
		res := o.ExecuteWorkflow(context.Background(), &Workflow{Steps: c.steps}, nil)
		if res.Success || res.Execution.Status != ExecutionFailed {
			t.Errorf("%s: status = %s", name, res.Execution.Status)
		}
		if !hasCode(res.Errors, c.code) {
			t.Errorf("%s: errors = %v, want %s", name, res.Errors, c.code)
		}
		if fc.calls() != 0 {
			t.Errorf("%s: calls = %d, want 0", name, fc.calls())
		}
	}
}

func TestWorkflowFallbackRecoversParallelStep(t *testing.T) {
	fc := byTaskName(map[string]string{"a": "!", "b": "fine", "rescue": "saved"})
	o := workflowOrchestrator(fc)
	par := WorkflowStep{ID: "par", Name: "par", Type: StepParallel,
		Config: StepConfig{SubSteps: []string{"a", "b"}}, OnFailure: []string{"rescue"}}
	wf := &Workflow{
		Steps:         []WorkflowStep{par, taskStep("a"), taskStep("b"), taskStep("rescue")},
		ErrorHandling: ErrorHandling{OnError: PolicyFallback},
	}

	res := o.ExecuteWorkflow(context.Background(), wf, nil)
	if !res.Success || res.Execution.Status != ExecutionCompleted {
		t.Fatalf("status = %s failed step = %q errors = %v", res.Execution.Status, res.Execution.FailedStep, res.Errors)
	}
	if len(res.Errors) != 0 {
		t.Errorf("recovered failures should not be reported: %v", res.Errors)
	}
}

func TestWorkflowSkippedParallelFailureReportsErrors(t *testing.T) {
	fc := byTaskName(map[string]string{"a": "!", "b": "fine", "after": "done"})
	o := workflowOrchestrator(fc)
	wf := &Workflow{
		Steps: []WorkflowStep{
			{ID: "par", Name: "par", Type: StepParallel, Config: StepConfig{SubSteps: []string{"a", "b"}}},
			taskStep("a"), taskStep("b"), taskStep("after"),
		},
		ErrorHandling: ErrorHandling{OnError: PolicySkip},
	}

	res := o.ExecuteWorkflow(context.Background(), wf, nil)
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Execution.FailedStep == "" || !hasCode(res.Errors, CodeExecutionError) {
		t.Errorf("failed step = %q errors = %v", res.Execution.FailedStep, res.Errors)
	}
}

func TestWorkflowFailPolicyStops(t *testing.T) {
	fc := byTaskName(map[string]string{"a": "!", "b": "fine"})
	o := workflowOrchestrator(fc)
	wf := &Workflow{Steps: []WorkflowStep{taskStep("a"), taskStep("b")}}

	res := o.ExecuteWorkflow(context.Background(), wf, nil)
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Execution.FailedStep != "a" {
		t.Errorf("failed step = %s", res.Execution.FailedStep)
	}
	if len(res.Execution.Skipped) != 1 || res.Execution.Skipped[0] != "b" {
		t.Errorf("skipped = %v", res.Execution.Skipped)
	}
	if !hasCode(res.Errors, CodeExecutionError) {
		t.Errorf("errors = %v", res.Errors)
	}
}

func TestWorkflowSkipPolicyContinues(t *testing.T) {
	fc := byTaskName(map[string]string{"a": "!", "b": "fine"})
	o := workflowOrchestrator(fc)
	wf := &Workflow{
		Steps:         []WorkflowStep{taskStep("a"), taskStep("b")},
		ErrorHandling: ErrorHandling{OnError: PolicySkip},
	}

	res := o.ExecuteWorkflow(context.Background(), wf, nil)
	if len(res.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(res.Results))
	}
	if res.Success || res.Execution.Status != ExecutionFailed {
		t.Errorf("skipped failures still fail the run; status = %s", res.Execution.Status)
	}
	if res.Outputs[1] != "fine" {
		t.Errorf("outputs = %v", res.Outputs)
	}
}

func TestWorkflowFallbackRecovers(t *testing.T) {
	fc := byTaskName(map[string]string{"primary": "!", "backup": "saved", "unused": "x"})
	o := workflowOrchestrator(fc)
	primary := taskStep("primary")
	primary.OnFailure = []string{"backup"}
	wf := &Workflow{
		Steps:         []WorkflowStep{primary, taskStep("backup")},
		ErrorHandling: ErrorHandling{OnError: PolicyFallback},
	}

	res := o.ExecuteWorkflow(context.Background(), wf, nil)
	if !res.Success {
		t.Fatalf("errors = %v", res.Errors)
	}
	if len(res.Errors) != 0 {
		t.Errorf("recovered failures should not be reported: %v", res.Errors)
	}
	if res.Outputs[1] != "saved" {
		t.Errorf("outputs = %v", res.Outputs)
	}
}

func TestWorkflowFallbackNotUsedOnSuccess(t *testing.T) {
	fc := byTaskName(map[string]string{"primary": "ok", "backup": "saved"})
	o := workflowOrchestrator(fc)
	primary := taskStep("primary")
	primary.OnFailure = []string{"backup"}
	wf := &Workflow{
		Steps:         []WorkflowStep{primary, taskStep("backup")},
		ErrorHandling: ErrorHandling{OnError: PolicyFallback},
	}

	res := o.ExecuteWorkflow(context.Background(), wf, nil)
	if !res.Success || fc.calls() != 1 {
		t.Fatalf("success = %v calls = %d", res.Success, fc.calls())
	}
	if len(res.Execution.Skipped) != 1 || res.Execution.Skipped[0] != "backup" {
		t.Errorf("skipped = %v", res.Execution.Skipped)
	}
}

func TestWorkflowFallbackWithoutTargetFails(t *testing.T) {
	fc := byTaskName(map[string]string{"a": "!", "b": "fine"})
	o := workflowOrchestrator(fc)
	wf := &Workflow{
		Steps:         []WorkflowStep{taskStep("a"), taskStep("b")},
		ErrorHandling: ErrorHandling{OnError: PolicyFallback},
	}

	res := o.ExecuteWorkflow(context.Background(), wf, nil)
	if res.Success || res.Execution.FailedStep != "a" {
		t.Errorf("failed step = %s", res.Execution.FailedStep)
	}
}

func TestWorkflowRetryPolicy(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	fc := &fakeCompleter{respond: func(context.Context, *provider.CompletionRequest) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return "", errors.New("flaky")
		}
		return "stable", nil
	}}
	o := workflowOrchestrator(fc)
	wf := &Workflow{
		Steps:         []WorkflowStep{taskStep("flaky")},
		ErrorHandling: ErrorHandling{OnError: PolicyRetry, MaxRetries: 2},
		Retry:         registry.RetryPolicy{Backoff: time.Millisecond, BackoffMultiplier: 2},
	}

	res := o.ExecuteWorkflow(context.Background(), wf, nil)
	if !res.Success {
		t.Fatalf("errors = %v", res.Errors)
	}
	if fc.calls() != 3 {
		t.Errorf("calls = %d, want 3", fc.calls())
	}
}

func TestWorkflowLoopUntil(t *testing.T) {
	var mu sync.Mutex
	n := 0
	fc := &fakeCompleter{respond: func(_ context.Context, req *provider.CompletionRequest) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n > 1 && !strings.Contains(prompt(req), "draft") {
			return "", errors.New("previous iteration output not passed")
		}
		if n == 3 {
			return "final draft DONE", nil
		}
		return "draft", nil
	}}
	o := workflowOrchestrator(fc)
	wf := &Workflow{Steps: []WorkflowStep{{
		ID: "refine", Name: "refine", Type: StepLoop,
		Config: StepConfig{Loop: &LoopConfig{MaxIterations: 5, Until: "DONE"}},
	}}}

	res := o.ExecuteWorkflow(context.Background(), wf, nil)
	if !res.Success {
		t.Fatalf("errors = %v", res.Errors)
	}
	if fc.calls() != 3 || res.Outputs[0] != "final draft DONE" {
		t.Errorf("calls = %d output = %v", fc.calls(), res.Outputs[0])
	}
	if res.Metrics.TokensUsed != 30 {
		t.Errorf("tokens = %d, want 30", res.Metrics.TokensUsed)
	}
}

func TestWorkflowLoopStopsAtMaxIterations(t *testing.T) {
	fc := &fakeCompleter{}
	o := workflowOrchestrator(fc)
	wf := &Workflow{Steps: []WorkflowStep{{
		ID: "spin", Name: "spin", Type: StepLoop,
		Config: StepConfig{Loop: &LoopConfig{MaxIterations: 3, Until: "never"}},
	}}}

	res := o.ExecuteWorkflow(context.Background(), wf, nil)
	if !res.Success || fc.calls() != 3 {
		t.Errorf("success = %v calls = %d", res.Success, fc.calls())
	}
}

func TestWorkflowTimeout(t *testing.T) {
	fc := &fakeCompleter{respond: func(ctx context.Context, _ *provider.CompletionRequest) (string, error) {
		return "", sleepCtx(ctx, time.Second)
	}}
	o := workflowOrchestrator(fc)
	wf := &Workflow{TimeoutMS: 50, Steps: []WorkflowStep{taskStep("slow"), taskStep("after")}}

	start := time.Now()
	res := o.ExecuteWorkflow(context.Background(), wf, nil)
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("workflow ignored its timeout")
	}
	if res.Success || !hasCode(res.Errors, CodeWorkflowTimeout) {
		t.Errorf("errors = %v", res.Errors)
	}
	if fc.calls() != 1 {
		t.Errorf("calls = %d, want 1", fc.calls())
	}
}

func TestWorkflowWaitStep(t *testing.T) {
	o := workflowOrchestrator(&fakeCompleter{})
	wf := &Workflow{Steps: []WorkflowStep{
		{ID: "pause", Name: "pause", Type: StepWait, Config: StepConfig{WaitMS: 30}},
		taskStep("go-on"),
	}}

	start := time.Now()
	res := o.ExecuteWorkflow(context.Background(), wf, nil)
	if !res.Success {
		t.Fatalf("errors = %v", res.Errors)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("wait step returned early")
	}
}

func TestWorkflowHumanReviewPublishes(t *testing.T) {
	bus := NewLocalBus(zap.NewNop())
	defer bus.Close()
	o := workflowOrchestrator(&fakeCompleter{})
	o.SetBus(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reviews := bus.Subscribe(ctx, "review")

	wf := &Workflow{ID: "wf-review", Steps: []WorkflowStep{
		{ID: "check", Name: "check", Type: StepHumanReview, Config: StepConfig{Review: "verify totals"}},
	}}
	res := o.ExecuteWorkflow(context.Background(), wf, nil)
	if !res.Success {
		t.Fatalf("errors = %v", res.Errors)
	}

	select {
	case msg := <-reviews:
		if msg.Type != MessageReview || !strings.Contains(msg.Payload, "verify totals") {
			t.Errorf("message = %+v", msg)
		}
		if msg.From != "workflow:wf-review" {
			t.Errorf("from = %s", msg.From)
		}
	case <-time.After(time.Second):
		t.Fatal("no review message published")
	}
}

func TestWorkflowTeamStep(t *testing.T) {
	o := workflowOrchestrator(&fakeCompleter{})
	o.Registry().RegisterTeam(teamOf("crew", registry.PatternCoordinated, "w1", "w1"))
	step := taskStep("crew-work")
	step.TeamID = "crew"
	wf := &Workflow{Steps: []WorkflowStep{step}}

	res := o.ExecuteWorkflow(context.Background(), wf, nil)
	if !res.Success {
		t.Fatalf("errors = %v", res.Errors)
	}
	if res.Results[0].AgentID != "team:crew" || res.Outputs[0] != "ok" {
		t.Errorf("result = %+v", res.Results[0])
	}
}

type recordingArchiver struct {
	mu      sync.Mutex
	records []*ExecutionRecord
}

func (a *recordingArchiver) Archive(_ context.Context, rec *ExecutionRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

type failingArchiver struct{}

type blockingArchiver struct{ release chan struct{} }

func (a blockingArchiver) Archive(ctx context.Context, _ *ExecutionRecord) error {
	select {
	case <-a.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (failingArchiver) Archive(context.Context, *ExecutionRecord) error {
	return errors.New("store offline")
}

func TestWorkflowArchivedAfterRun(t *testing.T) {
	o := workflowOrchestrator(&fakeCompleter{})
	arch := &recordingArchiver{}
	o.AddArchiver(failingArchiver{})
	o.AddArchiver(arch)
	rec := &recordingRecorder{}
	o.SetRecorder(rec)

	wf := &Workflow{ID: "wf-archive", Steps: []WorkflowStep{taskStep("only")}}
	res := o.ExecuteWorkflow(context.Background(), wf, nil)
	if !res.Success {
		t.Fatalf("archiver failure must not fail the run: %v", res.Errors)
	}
	if err := o.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(arch.records) != 1 {
		t.Fatalf("archived %d records, want 1", len(arch.records))
	}
	got := arch.records[0]
	if got.Workflow.ID != "wf-archive" || got.Execution.Status != ExecutionCompleted || got.Execution.CompletedAt == nil {
		t.Errorf("record = %+v", got.Execution)
	}
	if rec.workflows != 1 {
		t.Errorf("recorded workflows = %d", rec.workflows)
	}
}

func TestWorkflowReturnsBeforeArchiving(t *testing.T) {
	o := workflowOrchestrator(&fakeCompleter{})
	slow := blockingArchiver{release: make(chan struct{})}
	o.AddArchiver(slow)

	start := time.Now()
	res := o.ExecuteWorkflow(context.Background(), &Workflow{Steps: []WorkflowStep{taskStep("only")}}, nil)
	if !res.Success {
		t.Fatalf("errors = %v", res.Errors)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("run waited %v for the archiver", elapsed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := o.Drain(ctx); err == nil {
		t.Error("Drain returned while the archiver was blocked")
	}
	close(slow.release)
	if err := o.Drain(context.Background()); err != nil {
		t.Errorf("Drain: %v", err)
	}
}

package orchestrator

import (
	"time"

	"github.com/nidhogg/nuka-orchestrator/internal/registry"
)

// TaskType classifies the kind of work a task asks for.
type TaskType string

const (
	TaskResearch       TaskType = "research"
	TaskAnalysis       TaskType = "analysis"
	TaskGeneration     TaskType = "generation"
	TaskReview         TaskType = "review"
	TaskTransformation TaskType = "transformation"
	TaskDecision       TaskType = "decision"
	TaskCoordination   TaskType = "coordination"
	TaskIntegration    TaskType = "integration"
	TaskNotification   TaskType = "notification"
)

// Priority of a task.
type Priority string

const (
	PriorityCritical   Priority = "critical"
	PriorityHigh       Priority = "high"
	PriorityNormal     Priority = "normal"
	PriorityLow        Priority = "low"
	PriorityBackground Priority = "background"
)

// TaskStatus tracks execution state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskQueued     TaskStatus = "queued"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in-progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// OutputType is the declared shape of a task's output.
type OutputType string

const (
	OutputText   OutputType = "text"
	OutputJSON   OutputType = "json"
	OutputCode   OutputType = "code"
	OutputFile   OutputType = "file"
	OutputAction OutputType = "action"
)

// Example is a worked input/output pair shown to the agent.
type Example struct {
	Input  interface{} `json:"input"`
	Output interface{} `json:"output"`
}

// TaskInput is the payload of a task.
type TaskInput struct {
	Data         interface{}            `json:"data,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
	Instructions string                 `json:"instructions,omitempty"`
	Examples     []Example              `json:"examples,omitempty"`
}

// ValidationRule checks one field of a JSON output.
// Rule is "required", "type" (Value names a JSON type) or "enum" (Value lists allowed values).
type ValidationRule struct {
	Field string      `json:"field"`
	Rule  string      `json:"rule"`
	Value interface{} `json:"value,omitempty"`
}

// ExpectedOutput describes what the task should produce.
type ExpectedOutput struct {
	Type       OutputType             `json:"type"`
	Schema     map[string]interface{} `json:"schema,omitempty"`
	Validation []ValidationRule       `json:"validation,omitempty"`
}

// Constraints limit how and by whom a task is executed.
type Constraints struct {
	MaxDurationMS        int64                 `json:"max_duration_ms,omitempty"`
	MaxTokens            int                   `json:"max_tokens,omitempty"`
	MaxCost              float64               `json:"max_cost,omitempty"`
	RequiredCapabilities []registry.Capability `json:"required_capabilities,omitempty"`
	MustUseAgents        []string              `json:"must_use_agents,omitempty"`
	ExcludeAgents        []string              `json:"exclude_agents,omitempty"`
	MinQuality           float64               `json:"min_quality,omitempty"`
}

// Task is the unit of work.
type Task struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Type           TaskType       `json:"type"`
	Priority       Priority       `json:"priority,omitempty"`
	Status         TaskStatus     `json:"status,omitempty"`
	Input          TaskInput      `json:"input"`
	ExpectedOutput ExpectedOutput `json:"expected_output"`
	Constraints    Constraints    `json:"constraints"`
	ParentID       string         `json:"parent_id,omitempty"`
	Children       []string       `json:"children,omitempty"`
	Dependencies   []string       `json:"dependencies,omitempty"`
	CreatedAt      time.Time      `json:"created_at,omitempty"`
}

// ResultStatus is the outcome class of a task execution.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultPartial ResultStatus = "partial"
	ResultFailure ResultStatus = "failure"
)

// Severity of a TaskError.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityFatal   Severity = "fatal"
)

// Error codes carried by TaskError.
const (
	CodeNoAgentAvailable      = "NO_AGENT_AVAILABLE"
	CodeExecutionError        = "EXECUTION_ERROR"
	CodeExecutionTimeout      = "EXECUTION_TIMEOUT"
	CodeTaskAlreadyRunning    = "TASK_ALREADY_RUNNING"
	CodeTeamNotFound          = "TEAM_NOT_FOUND"
	CodeSkillNotFound         = "SKILL_NOT_FOUND"
	CodeWorkflowDeadlock      = "WORKFLOW_DEADLOCK"
	CodeWorkflowTimeout       = "WORKFLOW_TIMEOUT"
	CodeStepNotFound          = "STEP_NOT_FOUND"
	CodeInvalidWorkflow       = "INVALID_WORKFLOW"
	CodeCollaborationFailed   = "COLLABORATION_FAILED"
	CodeValidationFailed      = "VALIDATION_FAILED"
	CodeQualityBelowThreshold = "QUALITY_BELOW_THRESHOLD"
	CodeCostLimitExceeded     = "COST_LIMIT_EXCEEDED"
)

// TaskError is a structured, machine-readable failure.
type TaskError struct {
	Code        string    `json:"code"`
	Message     string    `json:"message"`
	Severity    Severity  `json:"severity"`
	Recoverable bool      `json:"recoverable"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e TaskError) Error() string { return e.Code + ": " + e.Message }

func newTaskError(code, msg string, sev Severity, recoverable bool) TaskError {
	return TaskError{Code: code, Message: msg, Severity: sev, Recoverable: recoverable, Timestamp: time.Now()}
}

// ArtifactType classifies an artifact blob.
type ArtifactType string

const (
	ArtifactFile   ArtifactType = "file"
	ArtifactCode   ArtifactType = "code"
	ArtifactData   ArtifactType = "data"
	ArtifactReport ArtifactType = "report"
	ArtifactImage  ArtifactType = "image"
)

// Artifact is a typed blob produced by a task.
type Artifact struct {
	ID       string       `json:"id"`
	Type     ArtifactType `json:"type"`
	Name     string       `json:"name"`
	MimeType string       `json:"mime_type"`
	Content  string       `json:"content"`
}

// ResultMetrics is the cost block of one task execution.
type ResultMetrics struct {
	DurationMS int64   `json:"duration_ms"`
	TokensUsed int     `json:"tokens_used"`
	Cost       float64 `json:"cost"`
	RetryCount int     `json:"retry_count"`
}

// TaskResult is the outcome of one task execution. Immutable once produced.
type TaskResult struct {
	TaskID     string        `json:"task_id"`
	AgentID    string        `json:"agent_id,omitempty"`
	Status     ResultStatus  `json:"status"`
	Output     interface{}   `json:"output,omitempty"`
	Confidence float64       `json:"confidence"`
	Reasoning  string        `json:"reasoning,omitempty"`
	Metrics    ResultMetrics `json:"metrics"`
	Artifacts  []Artifact    `json:"artifacts,omitempty"`
	Errors     []TaskError   `json:"errors,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Succeeded reports whether the result counts as completed work.
func (r *TaskResult) Succeeded() bool {
	return r.Status == ResultSuccess || r.Status == ResultPartial
}

// ExecutionContext travels with every entry-point call.
type ExecutionContext struct {
	SessionID   string                 `json:"session_id,omitempty"`
	Variables   map[string]interface{} `json:"variables,omitempty"`
	Secrets     map[string]string      `json:"-"`
	Environment string                 `json:"environment,omitempty"`
	TraceID     string                 `json:"trace_id,omitempty"`
	StartTime   time.Time              `json:"start_time"`
	TimeoutMS   int64                  `json:"timeout_ms,omitempty"`
}

// Deadline returns the absolute deadline implied by TimeoutMS, if any.
func (ec *ExecutionContext) Deadline() (time.Time, bool) {
	if ec.TimeoutMS <= 0 {
		return time.Time{}, false
	}
	return ec.StartTime.Add(time.Duration(ec.TimeoutMS) * time.Millisecond), true
}

// withVariables returns a copy of ec whose variable bag is vars.
func (ec *ExecutionContext) withVariables(vars map[string]interface{}) *ExecutionContext {
	cp := *ec
	cp.Variables = vars
	return &cp
}

// LogLevel of a log entry.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is one record of the in-memory execution log.
type LogEntry struct {
	Level     LogLevel               `json:"level"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ExecutionMetrics aggregates a team or workflow run.
type ExecutionMetrics struct {
	DurationMS     int64   `json:"duration_ms"`
	TokensUsed     int     `json:"tokens_used"`
	Cost           float64 `json:"cost"`
	StepsCompleted int     `json:"steps_completed"`
	StepsTotal     int     `json:"steps_total"`
}

// ExecutionResult is returned by team and workflow execution.
type ExecutionResult struct {
	Success   bool               `json:"success"`
	Outputs   []interface{}      `json:"outputs"`
	Results   []*TaskResult      `json:"results"`
	Logs      []LogEntry         `json:"logs"`
	Metrics   ExecutionMetrics   `json:"metrics"`
	Artifacts []Artifact         `json:"artifacts,omitempty"`
	Errors    []TaskError        `json:"errors"`
	Execution *WorkflowExecution `json:"execution,omitempty"`
}

// StepType selects how the workflow engine dispatches a step.
type StepType string

const (
	StepTask        StepType = "task"
	StepDecision    StepType = "decision"
	StepParallel    StepType = "parallel"
	StepLoop        StepType = "loop"
	StepWait        StepType = "wait"
	StepHumanReview StepType = "human-review"
)

// InputSource says where a step input's value comes from.
type InputSource string

const (
	SourceWorkflowInput InputSource = "workflow_input"
	SourcePreviousStep  InputSource = "previous_step"
	SourceConstant      InputSource = "constant"
	SourceVariable      InputSource = "variable"
)

// StepInput binds one named value into a step's local context.
// Key names the workflow input or variable; StepID and Path address a
// previous step's output.
type StepInput struct {
	Name      string      `json:"name"`
	Source    InputSource `json:"source"`
	StepID    string      `json:"step_id,omitempty"`
	Path      string      `json:"path,omitempty"`
	Key       string      `json:"key,omitempty"`
	Value     interface{} `json:"value,omitempty"`
	Transform string      `json:"transform,omitempty"`
}

// StepOutput stores the value at Path in the step's output under Variable.
type StepOutput struct {
	Path     string `json:"path,omitempty"`
	Variable string `json:"variable"`
}

// LoopConfig repeats a step's task.
type LoopConfig struct {
	MaxIterations int    `json:"max_iterations"`
	Until         string `json:"until,omitempty"`
}

// StepConfig carries the type-specific part of a step.
type StepConfig struct {
	Task     *Task       `json:"task,omitempty"`
	SubSteps []string    `json:"sub_steps,omitempty"`
	Loop     *LoopConfig `json:"loop,omitempty"`
	WaitMS   int64       `json:"wait_ms,omitempty"`
	Review   string      `json:"review,omitempty"`
}

// WorkflowStep is one node of a workflow graph.
type WorkflowStep struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Type      StepType     `json:"type"`
	AgentID   string       `json:"agent_id,omitempty"`
	TeamID    string       `json:"team_id,omitempty"`
	Config    StepConfig   `json:"config"`
	Inputs    []StepInput  `json:"inputs,omitempty"`
	Outputs   []StepOutput `json:"outputs,omitempty"`
	OnSuccess []string     `json:"on_success,omitempty"`
	OnFailure []string     `json:"on_failure,omitempty"`
	TimeoutMS int64        `json:"timeout_ms,omitempty"`
}

// ErrorPolicy is the workflow's reaction to a failed step.
type ErrorPolicy string

const (
	PolicyFail     ErrorPolicy = "fail"
	PolicyRetry    ErrorPolicy = "retry"
	PolicySkip     ErrorPolicy = "skip"
	PolicyFallback ErrorPolicy = "fallback"
)

// ErrorHandling configures the workflow's error policy.
type ErrorHandling struct {
	OnError    ErrorPolicy `json:"on_error"`
	MaxRetries int         `json:"max_retries,omitempty"`
	LogLevel   LogLevel    `json:"log_level,omitempty"`
}

// Trigger describes what starts a workflow.
type Trigger struct {
	Type   string                 `json:"type"` // "manual", "schedule", "event"
	Config map[string]interface{} `json:"config,omitempty"`
}

// Workflow bundles a step graph with its policies.
type Workflow struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	Description   string               `json:"description,omitempty"`
	Steps         []WorkflowStep       `json:"steps"`
	Trigger       Trigger              `json:"trigger"`
	ErrorHandling ErrorHandling        `json:"error_handling"`
	TimeoutMS     int64                `json:"timeout_ms,omitempty"`
	Retry         registry.RetryPolicy `json:"retry_policy"`
}

// ExecutionStatus is the state of a workflow run.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// WorkflowExecution is the runtime state of one workflow run.
type WorkflowExecution struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflow_id"`
	Status      ExecutionStatus        `json:"status"`
	CurrentStep string                 `json:"current_step,omitempty"`
	Variables   map[string]interface{} `json:"variables"`
	StepResults map[string]*TaskResult `json:"step_results"`
	Skipped     []string               `json:"skipped,omitempty"`
	FailedStep  string                 `json:"failed_step,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/nidhogg/nuka-orchestrator/internal/provider"
	"github.com/nidhogg/nuka-orchestrator/internal/registry"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Completer is the completion capability the orchestrator consumes.
// provider.Router satisfies it.
type Completer interface {
	Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error)
}

// Recorder receives execution observations for export (e.g. Prometheus).
type Recorder interface {
	ObserveTask(agentID string, status ResultStatus, errCode string, d time.Duration, tokens int, cost float64)
	ObserveTeam(teamID string, pattern registry.TeamPattern, success bool, d time.Duration)
	ObserveWorkflow(workflowID string, status ExecutionStatus, d time.Duration)
}

// ExecutionRecord is a terminal workflow run handed to archivers and notifiers.
type ExecutionRecord struct {
	Workflow  *Workflow
	Execution *WorkflowExecution
	Result    *ExecutionResult
}

// Archiver persists terminal workflow runs.
type Archiver interface {
	Archive(ctx context.Context, rec *ExecutionRecord) error
}

// Notifier announces terminal workflow runs.
type Notifier interface {
	NotifyWorkflow(ctx context.Context, rec *ExecutionRecord) error
}

// Orchestrator executes tasks, team batches and workflows against the
// capability catalog. Construct one per process (or per test).
type Orchestrator struct {
	registry  *registry.Registry
	completer Completer
	logger    *zap.Logger

	recorder  Recorder
	archivers []Archiver
	notifier  Notifier
	bus       Bus

	retryEnabled   bool
	defaultTimeout time.Duration

	mu      sync.Mutex
	active  map[string]struct{} // task IDs currently executing
	slots   map[string]*semaphore.Weighted
	rrIndex map[string]int // teamID -> next round-robin member

	stats *statsTracker
	log   *execLog

	archiving sync.WaitGroup // runs still being archived or announced
}

// New creates an orchestrator over a populated registry.
func New(reg *registry.Registry, completer Completer, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		registry:     reg,
		completer:    completer,
		logger:       logger,
		retryEnabled: true,
		active:       make(map[string]struct{}),
		slots:        make(map[string]*semaphore.Weighted),
		rrIndex:      make(map[string]int),
		stats:        newStatsTracker(),
		log:          newExecLog(defaultLogLimit, logger),
	}
}

// SetRecorder sets the metrics export sink.
func (o *Orchestrator) SetRecorder(r Recorder) { o.recorder = r }

// AddArchiver registers a sink for terminal workflow runs.
func (o *Orchestrator) AddArchiver(a Archiver) { o.archivers = append(o.archivers, a) }

// SetNotifier sets the terminal-run announcer.
func (o *Orchestrator) SetNotifier(n Notifier) { o.notifier = n }

// SetBus sets the message bus used for result and review messages.
func (o *Orchestrator) SetBus(b Bus) { o.bus = b }

// Bus returns the configured message bus, or nil.
func (o *Orchestrator) Bus() Bus { return o.bus }

// SetRetryEnabled toggles executor-level retries of recoverable failures.
func (o *Orchestrator) SetRetryEnabled(enabled bool) { o.retryEnabled = enabled }

// SetDefaultTimeout bounds each provider attempt for agents that declare no timeout.
func (o *Orchestrator) SetDefaultTimeout(d time.Duration) { o.defaultTimeout = d }

// SetLogLimit caps the in-memory log; oldest entries are dropped first.
func (o *Orchestrator) SetLogLimit(n int) { o.log.setLimit(n) }

// Registry returns the catalog the orchestrator matches against.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Metrics returns a snapshot of the rolling task counters.
func (o *Orchestrator) Metrics() Metrics { return o.stats.snapshot() }

// AgentStates returns per-agent runtime state, keyed by agent id.
func (o *Orchestrator) AgentStates() map[string]AgentState { return o.stats.agentStates() }

// Logs returns a copy of the in-memory execution log.
func (o *Orchestrator) Logs() []LogEntry { return o.log.entries() }

// ClearLogs empties the in-memory execution log.
func (o *Orchestrator) ClearLogs() { o.log.clear() }

// slot returns the agent's concurrency semaphore, sized by MaxConcurrentTasks.
func (o *Orchestrator) slot(agent *registry.AgentDescriptor) *semaphore.Weighted {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.slots[agent.ID]
	if !ok {
		n := int64(agent.MaxConcurrentTasks)
		if n <= 0 {
			n = 1
		}
		s = semaphore.NewWeighted(n)
		o.slots[agent.ID] = s
	}
	return s
}

// claim marks taskID active. It reports false if the task is already running.
func (o *Orchestrator) claim(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[taskID]; busy {
		return false
	}
	o.active[taskID] = struct{}{}
	return true
}

func (o *Orchestrator) release(taskID string) {
	o.mu.Lock()
	delete(o.active, taskID)
	o.mu.Unlock()
}

// entryContext applies the ExecutionContext deadline to ctx.
func entryContext(ctx context.Context, ec *ExecutionContext) (context.Context, context.CancelFunc) {
	if deadline, ok := ec.Deadline(); ok {
		return context.WithDeadline(ctx, deadline)
	}
	return context.WithCancel(ctx)
}

func normalizeContext(ec *ExecutionContext) *ExecutionContext {
	if ec == nil {
		ec = &ExecutionContext{}
	}
	if ec.StartTime.IsZero() {
		cp := *ec
		cp.StartTime = time.Now()
		ec = &cp
	}
	return ec
}

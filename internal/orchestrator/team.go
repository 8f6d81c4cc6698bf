package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-orchestrator/internal/registry"
)

// ExecuteWithTeam runs a batch of tasks under the team's coordination
// pattern. ExecutionResult.Errors is the concatenation of every failed
// task's errors, and Success is true iff that list is empty.
func (o *Orchestrator) ExecuteWithTeam(ctx context.Context, teamID string, tasks []*Task, ec *ExecutionContext) *ExecutionResult {
	ec = normalizeContext(ec)
	ctx, cancel := entryContext(ctx, ec)
	defer cancel()

	start := time.Now()
	rl := o.newRunLog("")

	team, ok := o.registry.GetTeam(teamID)
	if !ok {
		err := newTaskError(CodeTeamNotFound, fmt.Sprintf("team %s not found", teamID), SeverityError, false)
		rl.add(LogError, "team not found", map[string]interface{}{"team": teamID})
		return &ExecutionResult{
			Outputs: []interface{}{},
			Results: []*TaskResult{},
			Logs:    rl.list(),
			Errors:  []TaskError{err},
		}
	}

	rl.add(LogInfo, "team run started", map[string]interface{}{
		"team": team.ID, "pattern": string(team.Pattern), "tasks": len(tasks),
	})

	run := &teamRun{o: o, team: team, ec: ec, log: rl, memberTasks: make(map[string]int)}
	var results []*TaskResult
	switch team.Pattern {
	case registry.PatternPipeline:
		results = run.pipeline(ctx, tasks)
	case registry.PatternFanOut:
		results = run.fanOut(ctx, tasks)
	case registry.PatternCollaborative:
		results = run.collaborative(ctx, tasks)
	default:
		results = run.coordinated(ctx, tasks)
	}

	res := aggregate(results, len(tasks), time.Since(start))
	res.Metrics.TokensUsed += run.extraTokens
	res.Metrics.Cost += run.extraCost
	rl.add(LogInfo, "team run finished", map[string]interface{}{
		"team": team.ID, "success": res.Success, "results": len(results),
	})
	res.Logs = rl.list()

	o.registry.RecordTeamRun(team.ID, registry.TeamRun{
		Success:     res.Success,
		Duration:    time.Since(start),
		Tokens:      res.Metrics.TokensUsed,
		Cost:        res.Metrics.Cost,
		MemberTasks: run.memberTasks,
	})
	if o.recorder != nil {
		o.recorder.ObserveTeam(team.ID, team.Pattern, res.Success, time.Since(start))
	}
	return res
}

// aggregate folds task results into an ExecutionResult.
func aggregate(results []*TaskResult, total int, d time.Duration) *ExecutionResult {
	res := &ExecutionResult{
		Outputs: make([]interface{}, 0, len(results)),
		Results: results,
		Errors:  []TaskError{},
		Metrics: ExecutionMetrics{DurationMS: d.Milliseconds(), StepsTotal: total},
	}
	for _, r := range results {
		res.Outputs = append(res.Outputs, r.Output)
		res.Artifacts = append(res.Artifacts, r.Artifacts...)
		res.Metrics.TokensUsed += r.Metrics.TokensUsed
		res.Metrics.Cost += r.Metrics.Cost
		if r.Succeeded() {
			res.Metrics.StepsCompleted++
		} else {
			res.Errors = append(res.Errors, r.Errors...)
		}
	}
	res.Success = len(res.Errors) == 0
	return res
}

// teamRun holds the state of one ExecuteWithTeam call.
type teamRun struct {
	o    *Orchestrator
	team *registry.TeamDescriptor
	ec   *ExecutionContext
	log  *runLog

	mu          sync.Mutex
	memberTasks map[string]int
	assigned    map[string]int
	extraTokens int
	extraCost   float64
}

func (r *teamRun) count(res *TaskResult) {
	if res.AgentID == "" {
		return
	}
	r.mu.Lock()
	r.memberTasks[res.AgentID]++
	r.mu.Unlock()
}

// coordinated runs tasks one at a time; failures do not stop the batch.
func (r *teamRun) coordinated(ctx context.Context, tasks []*Task) []*TaskResult {
	results := make([]*TaskResult, 0, len(tasks))
	for _, t := range tasks {
		results = append(results, r.runMemberTask(ctx, r.assign(t)))
	}
	return results
}

// pipeline chains each task's input data to the previous output and stops
// at the first failure.
func (r *teamRun) pipeline(ctx context.Context, tasks []*Task) []*TaskResult {
	results := make([]*TaskResult, 0, len(tasks))
	var prev interface{}
	for i, t := range tasks {
		task := r.assign(t)
		if i > 0 {
			task.Input.Data = prev
		}
		res := r.runMemberTask(ctx, task)
		results = append(results, res)
		if !res.Succeeded() {
			r.log.add(LogWarn, "pipeline stopped", map[string]interface{}{
				"team": r.team.ID, "task": task.ID, "position": i,
			})
			break
		}
		prev = res.Output
	}
	return results
}

// fanOut runs every task concurrently; results keep submission order.
func (r *teamRun) fanOut(ctx context.Context, tasks []*Task) []*TaskResult {
	assigned := make([]*Task, len(tasks))
	for i, t := range tasks {
		assigned[i] = r.assign(t)
	}

	results := make([]*TaskResult, len(tasks))
	var wg sync.WaitGroup
	for i, t := range assigned {
		wg.Add(1)
		go func(i int, t *Task) {
			defer wg.Done()
			results[i] = r.runMemberTask(ctx, t)
		}(i, t)
	}
	wg.Wait()
	return results
}

// collaborative has every member attempt each task concurrently, then asks
// the lead to synthesize the member answers. Only the synthesis result is
// returned for each task.
func (r *teamRun) collaborative(ctx context.Context, tasks []*Task) []*TaskResult {
	results := make([]*TaskResult, 0, len(tasks))
	for _, t := range tasks {
		results = append(results, r.collaborate(ctx, t))
	}
	return results
}

func (r *teamRun) collaborate(ctx context.Context, t *Task) *TaskResult {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	members := r.team.Members
	memberResults := make([]*TaskResult, len(members))
	var wg sync.WaitGroup
	for i, m := range members {
		copyTask := cloneTask(t)
		copyTask.ID = t.ID + ":" + m.AgentID
		copyTask.Constraints.MustUseAgents = []string{m.AgentID}
		wg.Add(1)
		go func(i int, task *Task) {
			defer wg.Done()
			memberResults[i] = r.attempt(ctx, task)
		}(i, copyTask)
	}
	wg.Wait()

	var contributions []map[string]interface{}
	var memberErrors []TaskError
	for i, res := range memberResults {
		r.count(res)
		r.mu.Lock()
		r.extraTokens += res.Metrics.TokensUsed
		r.extraCost += res.Metrics.Cost
		r.mu.Unlock()
		if res.Succeeded() {
			contributions = append(contributions, map[string]interface{}{
				"agent":  members[i].AgentID,
				"role":   string(members[i].Role),
				"output": res.Output,
			})
		} else {
			memberErrors = append(memberErrors, res.Errors...)
		}
	}

	if len(contributions) == 0 {
		r.log.add(LogError, "all collaborators failed", map[string]interface{}{"team": r.team.ID, "task": t.ID})
		res := failureResult(t.ID, "", newTaskError(CodeCollaborationFailed,
			fmt.Sprintf("all %d members failed task %s", len(members), t.ID), SeverityError, true))
		res.Errors = append(res.Errors, memberErrors...)
		return res
	}

	synth := &Task{
		ID:          t.ID + ":synthesis",
		Name:        "Synthesize: " + t.Name,
		Description: t.Description,
		Type:        TaskCoordination,
		Priority:    t.Priority,
		Input: TaskInput{
			Data:    contributions,
			Context: t.Input.Context,
			Instructions: "Several team members answered the same task independently. " +
				"Reconcile their answers into one result. Where they contradict each other, " +
				"say so and choose the best-supported position.\n\nOriginal instructions:\n" +
				t.Input.Instructions,
		},
		ExpectedOutput: t.ExpectedOutput,
		Constraints: Constraints{
			MaxDurationMS: t.Constraints.MaxDurationMS,
			MaxTokens:     t.Constraints.MaxTokens,
			MustUseAgents: []string{r.team.LeadAgentID},
		},
		ParentID: t.ID,
	}
	res := r.o.ExecuteTask(ctx, synth, r.ec)
	r.count(res)
	return res
}

// runMemberTask executes a task and escalates recoverable failures per the
// team's escalation policy.
func (r *teamRun) runMemberTask(ctx context.Context, task *Task) *TaskResult {
	res := r.attempt(ctx, task)
	r.count(res)

	esc := r.team.Escalation
	for n := 0; n < esc.MaxEscalations && !res.Succeeded() && recoverable(res) && ctx.Err() == nil; n++ {
		switch {
		case esc.FallbackAgentID != "":
			r.log.add(LogWarn, "escalating to fallback agent", map[string]interface{}{
				"team": r.team.ID, "task": task.ID, "agent": esc.FallbackAgentID,
			})
			retry := cloneTask(task)
			retry.Constraints.MustUseAgents = []string{esc.FallbackAgentID}
			res = r.attempt(ctx, retry)
			r.count(res)
		case esc.FallbackTeamID != "" && esc.FallbackTeamID != r.team.ID:
			fallback, ok := r.o.registry.GetTeam(esc.FallbackTeamID)
			if !ok {
				return res
			}
			r.log.add(LogWarn, "escalating to fallback team", map[string]interface{}{
				"team": r.team.ID, "task": task.ID, "fallback_team": fallback.ID,
			})
			// Fallback teams run coordinated and do not escalate further.
			sub := &teamRun{o: r.o, team: fallback, ec: r.ec, log: r.log, memberTasks: make(map[string]int)}
			retry := cloneTask(task)
			retry.Constraints.MustUseAgents = nil
			res = sub.attempt(ctx, sub.assign(retry))
			r.count(res)
		default:
			return res
		}
	}
	return res
}

// attempt runs one member execution bounded by the escalation timeout.
func (r *teamRun) attempt(ctx context.Context, task *Task) *TaskResult {
	if d := r.team.Escalation.Timeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return r.o.ExecuteTask(ctx, task, r.ec)
}

func recoverable(res *TaskResult) bool {
	for _, e := range res.Errors {
		if !e.Recoverable {
			return false
		}
	}
	return true
}

// assign pins a task to a member using the team's load-balancing strategy.
// Tasks that already name an agent are left alone; the lead is the last
// resort; a task no member can serve stays unpinned and is matched globally.
func (r *teamRun) assign(t *Task) *Task {
	task := cloneTask(t)
	if len(task.Constraints.MustUseAgents) > 0 {
		return task
	}

	var capable []registry.TeamMember
	for _, m := range r.team.Members {
		a, ok := r.o.registry.GetAgent(m.AgentID)
		if !ok || contains(task.Constraints.ExcludeAgents, a.ID) {
			continue
		}
		if a.HasCapabilities(task.Constraints.RequiredCapabilities) {
			capable = append(capable, m)
		}
	}

	var chosen string
	switch {
	case len(capable) == 0:
		if lead, ok := r.o.registry.GetAgent(r.team.LeadAgentID); ok &&
			lead.HasCapabilities(task.Constraints.RequiredCapabilities) {
			chosen = lead.ID
		}
	case r.team.LoadBalancing == registry.BalanceRoundRobin:
		chosen = capable[r.o.nextRoundRobin(r.team.ID, len(capable))].AgentID
	case r.team.LoadBalancing == registry.BalanceLeastLoaded:
		chosen = r.leastLoaded(capable)
	default:
		role := InferRole(task.Type)
		chosen = capable[0].AgentID
		for _, m := range capable {
			if m.Role == role {
				chosen = m.AgentID
				break
			}
		}
	}

	if chosen != "" {
		task.Constraints.MustUseAgents = []string{chosen}
		r.mu.Lock()
		if r.assigned == nil {
			r.assigned = make(map[string]int)
		}
		r.assigned[chosen]++
		r.mu.Unlock()
	}
	return task
}

// leastLoaded picks the member with the fewest live plus already-assigned
// tasks. Members at their max workload are only chosen if all are.
func (r *teamRun) leastLoaded(members []registry.TeamMember) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	best, bestLoad, bestFull := "", 0, true
	for _, m := range members {
		load := r.o.stats.activeTasks(m.AgentID) + r.assigned[m.AgentID]
		full := m.MaxWorkload > 0 && load >= m.MaxWorkload
		if best == "" || (bestFull && !full) || (full == bestFull && load < bestLoad) {
			best, bestLoad, bestFull = m.AgentID, load, full
		}
	}
	return best
}

func (o *Orchestrator) nextRoundRobin(teamID string, n int) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := o.rrIndex[teamID] % n
	o.rrIndex[teamID] = i + 1
	return i
}

// cloneTask copies a task deeply enough that constraint and input edits do
// not leak back into the caller's task.
func cloneTask(t *Task) *Task {
	cp := *t
	cp.Constraints.MustUseAgents = append([]string(nil), t.Constraints.MustUseAgents...)
	cp.Constraints.ExcludeAgents = append([]string(nil), t.Constraints.ExcludeAgents...)
	cp.Constraints.RequiredCapabilities = append([]registry.Capability(nil), t.Constraints.RequiredCapabilities...)
	if t.Input.Context != nil {
		cp.Input.Context = make(map[string]interface{}, len(t.Input.Context))
		for k, v := range t.Input.Context {
			cp.Input.Context[k] = v
		}
	}
	cp.Status = ""
	return &cp
}

package orchestrator

import (
	"sync"
	"time"
)

// Metrics are the orchestrator's rolling task counters.
type Metrics struct {
	TotalTasks     int64   `json:"total_tasks"`
	CompletedTasks int64   `json:"completed_tasks"`
	FailedTasks    int64   `json:"failed_tasks"`
	AvgLatencyMS   float64 `json:"avg_latency_ms"`
	TotalTokens    int64   `json:"total_tokens"`
	TotalCost      float64 `json:"total_cost"`
}

// AgentStatus is the display state of an agent.
type AgentStatus string

const (
	AgentIdle  AgentStatus = "idle"
	AgentBusy  AgentStatus = "busy"
	AgentError AgentStatus = "error"
)

// AgentState is the runtime state tracked per agent.
type AgentState struct {
	AgentID     string      `json:"agent_id"`
	Status      AgentStatus `json:"status"`
	CurrentTask string      `json:"current_task,omitempty"`
	ActiveTasks int         `json:"active_tasks"`
	TaskCount   int64       `json:"task_count"`
	LastActive  time.Time   `json:"last_active"`
}

// statsTracker guards the counters and agent states mutated by concurrent executions.
type statsTracker struct {
	mu      sync.Mutex
	metrics Metrics
	agents  map[string]*AgentState
}

func newStatsTracker() *statsTracker {
	return &statsTracker{agents: make(map[string]*AgentState)}
}

func (s *statsTracker) begin(agentID, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.agent(agentID)
	st.ActiveTasks++
	st.Status = AgentBusy
	st.CurrentTask = taskID
	st.LastActive = time.Now()
}

func (s *statsTracker) end(agentID string, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.agent(agentID)
	if st.ActiveTasks > 0 {
		st.ActiveTasks--
	}
	st.TaskCount++
	st.LastActive = time.Now()
	if st.ActiveTasks > 0 {
		return
	}
	st.CurrentTask = ""
	if failed {
		st.Status = AgentError
	} else {
		st.Status = AgentIdle
	}
}

// record rolls one finished execution into the counters.
func (s *statsTracker) record(succeeded bool, d time.Duration, tokens int, cost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := &s.metrics
	m.TotalTasks++
	if succeeded {
		m.CompletedTasks++
	} else {
		m.FailedTasks++
	}
	n := float64(m.TotalTasks)
	m.AvgLatencyMS = (m.AvgLatencyMS*(n-1) + float64(d.Milliseconds())) / n
	m.TotalTokens += int64(tokens)
	m.TotalCost += cost
}

func (s *statsTracker) activeTasks(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.agents[agentID]; ok {
		return st.ActiveTasks
	}
	return 0
}

func (s *statsTracker) snapshot() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

func (s *statsTracker) agentStates() map[string]AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]AgentState, len(s.agents))
	for id, st := range s.agents {
		out[id] = *st
	}
	return out
}

// agent must be called with mu held.
func (s *statsTracker) agent(id string) *AgentState {
	st, ok := s.agents[id]
	if !ok {
		st = &AgentState{AgentID: id, Status: AgentIdle}
		s.agents[id] = st
	}
	return st
}

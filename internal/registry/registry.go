package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrTeamNotFound  = errors.New("team not found")
	ErrSkillNotFound = errors.New("skill not found")
)

// Registry is the capability catalog of agents, teams and skills.
// All operations are thread-safe. Lookups never fail loudly: absence is
// reported through the boolean or an empty slice.
type Registry struct {
	mu sync.RWMutex

	agents     map[string]*AgentDescriptor
	agentOrder []string
	teams      map[string]*TeamDescriptor
	teamOrder  []string
	skills     map[string]*Skill
	skillOrder []string

	teamMetrics  map[string]*teamTally
	skillMetrics map[string]*SkillMetrics

	logger *zap.Logger
}

type teamTally struct {
	metrics     TeamMetrics
	memberTasks map[string]int64
	totalTasks  int64
}

// New creates an empty Registry ready for use.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		agents:       make(map[string]*AgentDescriptor),
		teams:        make(map[string]*TeamDescriptor),
		skills:       make(map[string]*Skill),
		teamMetrics:  make(map[string]*teamTally),
		skillMetrics: make(map[string]*SkillMetrics),
		logger:       logger,
	}
}

// RegisterAgent upserts an agent by id. A re-registered agent keeps its
// original position in registration order.
func (r *Registry) RegisterAgent(a AgentDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[a.ID]; !ok {
		r.agentOrder = append(r.agentOrder, a.ID)
	}
	desc := a
	desc.Capabilities = append([]Capability(nil), a.Capabilities...)
	r.agents[a.ID] = &desc
	r.logger.Debug("registered agent",
		zap.String("id", a.ID),
		zap.String("role", string(a.Role)),
		zap.String("tier", string(a.Tier)))
}

// RegisterTeam upserts a team by id.
func (r *Registry) RegisterTeam(t TeamDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.teams[t.ID]; !ok {
		r.teamOrder = append(r.teamOrder, t.ID)
		r.teamMetrics[t.ID] = &teamTally{memberTasks: make(map[string]int64)}
	}
	desc := t
	desc.Members = append([]TeamMember(nil), t.Members...)
	desc.Capabilities = append([]Capability(nil), t.Capabilities...)
	r.teams[t.ID] = &desc
	r.logger.Debug("registered team",
		zap.String("id", t.ID),
		zap.String("pattern", string(t.Pattern)),
		zap.Int("members", len(t.Members)))
}

// RegisterSkill upserts a skill by id.
func (r *Registry) RegisterSkill(s Skill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.skills[s.ID]; !ok {
		r.skillOrder = append(r.skillOrder, s.ID)
		r.skillMetrics[s.ID] = &SkillMetrics{}
	}
	desc := s
	r.skills[s.ID] = &desc
	r.logger.Debug("registered skill", zap.String("id", s.ID), zap.String("category", s.Category))
}

// GetAgent returns an agent by id.
func (r *Registry) GetAgent(id string) (*AgentDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// GetTeam returns a team by id.
func (r *Registry) GetTeam(id string) (*TeamDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.teams[id]
	return t, ok
}

// GetSkill returns a skill by id.
func (r *Registry) GetSkill(id string) (*Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[id]
	return s, ok
}

// ListAgents returns every agent in registration order.
func (r *Registry) ListAgents() []*AgentDescriptor {
	return r.filterAgents(func(*AgentDescriptor) bool { return true })
}

// ListTeams returns every team in registration order.
func (r *Registry) ListTeams() []*TeamDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*TeamDescriptor, 0, len(r.teamOrder))
	for _, id := range r.teamOrder {
		out = append(out, r.teams[id])
	}
	return out
}

// ListSkills returns every skill in registration order.
func (r *Registry) ListSkills() []*Skill {
	return r.filterSkills(func(*Skill) bool { return true })
}

// ListAgentsByCapability returns agents that declare the capability.
func (r *Registry) ListAgentsByCapability(c Capability) []*AgentDescriptor {
	return r.filterAgents(func(a *AgentDescriptor) bool {
		return a.HasCapabilities([]Capability{c})
	})
}

// ListAgentsByRole returns agents with the given role.
func (r *Registry) ListAgentsByRole(role Role) []*AgentDescriptor {
	return r.filterAgents(func(a *AgentDescriptor) bool { return a.Role == role })
}

// ListSkillsByCategory returns skills in a category (case-insensitive).
func (r *Registry) ListSkillsByCategory(category string) []*Skill {
	return r.filterSkills(func(s *Skill) bool { return strings.EqualFold(s.Category, category) })
}

// SearchSkills returns skills whose name, description, category or tags
// contain the query text (case-insensitive).
func (r *Registry) SearchSkills(text string) []*Skill {
	q := strings.ToLower(strings.TrimSpace(text))
	if q == "" {
		return r.ListSkills()
	}
	return r.filterSkills(func(s *Skill) bool {
		if strings.Contains(strings.ToLower(s.Name), q) ||
			strings.Contains(strings.ToLower(s.Description), q) ||
			strings.Contains(strings.ToLower(s.Category), q) {
			return true
		}
		for _, tag := range s.Tags {
			if strings.Contains(strings.ToLower(tag), q) {
				return true
			}
		}
		return false
	})
}

// FindAgentsForTask returns every agent whose capabilities cover required and
// whose role matches preferred (when non-empty), ordered by tier with
// registration order kept inside a tier.
func (r *Registry) FindAgentsForTask(required []Capability, preferred Role) []*AgentDescriptor {
	candidates := r.filterAgents(func(a *AgentDescriptor) bool {
		if preferred != "" && a.Role != preferred {
			return false
		}
		return a.HasCapabilities(required)
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Tier.Rank() < candidates[j].Tier.Rank()
	})
	return candidates
}

// FindAgentForTask returns the cheapest capable agent, or false when none matches.
func (r *Registry) FindAgentForTask(required []Capability, preferred Role) (*AgentDescriptor, bool) {
	candidates := r.FindAgentsForTask(required, preferred)
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[0], true
}

// FindTeamForWorkflow returns the first team, in registration order, whose
// capability set covers required and whose pattern matches preferred.
func (r *Registry) FindTeamForWorkflow(required []Capability, preferred TeamPattern) (*TeamDescriptor, bool) {
	for _, t := range r.ListTeams() {
		if preferred != "" && t.Pattern != preferred {
			continue
		}
		if covers(r.TeamCapabilities(t), required) {
			return t, true
		}
	}
	return nil, false
}

// TeamCapabilities returns the team's declared capability set, or the union
// of its members' capabilities when none is declared.
func (r *Registry) TeamCapabilities(t *TeamDescriptor) []Capability {
	if len(t.Capabilities) > 0 {
		return t.Capabilities
	}
	seen := make(map[Capability]struct{})
	var caps []Capability
	for _, m := range t.Members {
		a, ok := r.GetAgent(m.AgentID)
		if !ok {
			continue
		}
		for _, c := range a.Capabilities {
			if _, dup := seen[c]; !dup {
				seen[c] = struct{}{}
				caps = append(caps, c)
			}
		}
	}
	return caps
}

// CheckTeam reports the first member, lead or escalation target of t that
// is missing from the catalog.
func (r *Registry) CheckTeam(t TeamDescriptor) error {
	for _, m := range t.Members {
		if _, ok := r.GetAgent(m.AgentID); !ok {
			return fmt.Errorf("member %s: %w", m.AgentID, ErrAgentNotFound)
		}
	}
	if id := t.LeadAgentID; id != "" {
		if _, ok := r.GetAgent(id); !ok {
			return fmt.Errorf("lead %s: %w", id, ErrAgentNotFound)
		}
	}
	if id := t.Escalation.FallbackAgentID; id != "" {
		if _, ok := r.GetAgent(id); !ok {
			return fmt.Errorf("fallback agent %s: %w", id, ErrAgentNotFound)
		}
	}
	if id := t.Escalation.FallbackTeamID; id != "" && id != t.ID {
		if _, ok := r.GetTeam(id); !ok {
			return fmt.Errorf("fallback team %s: %w", id, ErrTeamNotFound)
		}
	}
	return nil
}

// RecordTeamRun rolls one execution into the team's metrics.
func (r *Registry) RecordTeamRun(teamID string, run TeamRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tally, ok := r.teamMetrics[teamID]
	if !ok {
		return
	}
	m := &tally.metrics
	m.WorkflowsCompleted++
	if run.Success {
		m.WorkflowsSucceeded++
	} else {
		m.WorkflowsFailed++
	}
	n := float64(m.WorkflowsCompleted)
	m.AvgLatencyMS = (m.AvgLatencyMS*(n-1) + float64(run.Duration.Milliseconds())) / n
	m.TotalTokens += int64(run.Tokens)
	m.TotalCost += run.Cost
	for agentID, count := range run.MemberTasks {
		tally.memberTasks[agentID] += int64(count)
		tally.totalTasks += int64(count)
	}
}

// TeamMetrics returns a snapshot of a team's rolling metrics.
func (r *Registry) TeamMetrics(teamID string) (TeamMetrics, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tally, ok := r.teamMetrics[teamID]
	if !ok {
		return TeamMetrics{}, false
	}
	snap := tally.metrics
	snap.MemberUtilization = make(map[string]float64, len(tally.memberTasks))
	for agentID, count := range tally.memberTasks {
		if tally.totalTasks > 0 {
			snap.MemberUtilization[agentID] = float64(count) / float64(tally.totalTasks)
		}
	}
	return snap, true
}

// RecordSkillUse rolls one skill execution into its quality metrics.
func (r *Registry) RecordSkillUse(skillID string, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.skillMetrics[skillID]
	if !ok {
		return
	}
	m.TotalUses++
	n := float64(m.TotalUses)
	outcome := 0.0
	if success {
		outcome = 1
	}
	m.SuccessRate = (m.SuccessRate*(n-1) + outcome) / n
	m.AvgLatencyMS = (m.AvgLatencyMS*(n-1) + float64(latency.Milliseconds())) / n
}

// RateSkill records a 1-5 rating for a skill.
func (r *Registry) RateSkill(skillID string, rating float64) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("rating %.1f out of range 1-5", rating)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.skillMetrics[skillID]
	if !ok {
		return fmt.Errorf("rate %s: %w", skillID, ErrSkillNotFound)
	}
	m.Ratings++
	n := float64(m.Ratings)
	m.AvgRating = (m.AvgRating*(n-1) + rating) / n
	return nil
}

// SkillMetrics returns a snapshot of a skill's rolling metrics.
func (r *Registry) SkillMetrics(skillID string) (SkillMetrics, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.skillMetrics[skillID]
	if !ok {
		return SkillMetrics{}, false
	}
	return *m, true
}

func (r *Registry) filterAgents(keep func(*AgentDescriptor) bool) []*AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*AgentDescriptor
	for _, id := range r.agentOrder {
		if a := r.agents[id]; keep(a) {
			out = append(out, a)
		}
	}
	return out
}

func (r *Registry) filterSkills(keep func(*Skill) bool) []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Skill
	for _, id := range r.skillOrder {
		if s := r.skills[id]; keep(s) {
			out = append(out, s)
		}
	}
	return out
}

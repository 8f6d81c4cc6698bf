package registry

import "time"

// Capability is one entry of the fixed capability enumeration.
type Capability string

const (
	CapTextGeneration           Capability = "text-generation"
	CapCodeExecution            Capability = "code-execution"
	CapFileOperations           Capability = "file-operations"
	CapExternalAPICalls         Capability = "external-api-calls"
	CapDatabaseQueries          Capability = "database-queries"
	CapTextGenerationMultimodal Capability = "text-generation-multimodal"
	CapImageAnalysis            Capability = "image-analysis"
	CapDataTransformation       Capability = "data-transformation"
	CapMessagingOperations      Capability = "messaging-operations"
	CapScheduling               Capability = "scheduling"
	CapMemoryAccess             Capability = "memory-access"
	CapToolUse                  Capability = "tool-use"
)

// Role describes what kind of work an agent does.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleExecutor    Role = "executor"
	RoleAnalyzer    Role = "analyzer"
	RoleResearcher  Role = "researcher"
	RoleWriter      Role = "writer"
	RoleReviewer    Role = "reviewer"
	RoleSpecialist  Role = "specialist"
)

// Tier orders agents by cost; lower tiers are preferred when capable.
type Tier string

const (
	TierFoundation Tier = "foundation"
	TierSpecialist Tier = "specialist"
	TierElite      Tier = "elite"
)

// Rank returns the tier's sort position. Unknown tiers sort last.
func (t Tier) Rank() int {
	switch t {
	case TierFoundation:
		return 0
	case TierSpecialist:
		return 1
	case TierElite:
		return 2
	default:
		return 3
	}
}

// RetryPolicy controls executor-level retries of provider calls.
type RetryPolicy struct {
	MaxRetries        int           `json:"max_retries" yaml:"max_retries"`
	Backoff           time.Duration `json:"backoff" yaml:"backoff"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// Delay returns the sleep before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.Backoff <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Backoff)
	for i := 1; i < attempt; i++ {
		d *= mult
	}
	return time.Duration(d)
}

// AgentDescriptor is one worker's identity and policy. It is immutable once
// registered; re-registration under the same id supersedes it.
type AgentDescriptor struct {
	ID                 string        `json:"id" yaml:"id"`
	Name               string        `json:"name" yaml:"name"`
	Callsign           string        `json:"callsign" yaml:"callsign"`
	Version            string        `json:"version" yaml:"version"`
	Role               Role          `json:"role" yaml:"role"`
	Tier               Tier          `json:"tier" yaml:"tier"`
	Capabilities       []Capability  `json:"capabilities" yaml:"capabilities"`
	SystemInstruction  string        `json:"system_instruction" yaml:"system_instruction"`
	Temperature        float64       `json:"temperature" yaml:"temperature"`
	MaxOutputTokens    int           `json:"max_output_tokens" yaml:"max_output_tokens"`
	Provider           string        `json:"provider" yaml:"provider"`
	Model              string        `json:"model" yaml:"model"`
	MaxConcurrentTasks int           `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	Timeout            time.Duration `json:"timeout" yaml:"timeout"`
	Retry              RetryPolicy   `json:"retry_policy" yaml:"retry_policy"`
}

// HasCapabilities reports whether the agent's capability set is a superset of required.
func (a *AgentDescriptor) HasCapabilities(required []Capability) bool {
	return covers(a.Capabilities, required)
}

// TeamPattern selects how a team coordinates a task batch.
type TeamPattern string

const (
	PatternCoordinated   TeamPattern = "coordinated"
	PatternPipeline      TeamPattern = "pipeline"
	PatternFanOut        TeamPattern = "fan-out"
	PatternCollaborative TeamPattern = "collaborative"
)

// LoadBalancing selects how a team assigns tasks to members.
type LoadBalancing string

const (
	BalanceCapability  LoadBalancing = "capability"
	BalanceRoundRobin  LoadBalancing = "round-robin"
	BalanceLeastLoaded LoadBalancing = "least-loaded"
)

// TeamMember is an agent's seat in a team.
type TeamMember struct {
	AgentID          string   `json:"agent_id" yaml:"agent_id"`
	Role             Role     `json:"role" yaml:"role"`
	Responsibilities []string `json:"responsibilities,omitempty" yaml:"responsibilities,omitempty"`
	CanDelegate      bool     `json:"can_delegate" yaml:"can_delegate"`
	MaxWorkload      int      `json:"max_workload" yaml:"max_workload"`
}

// EscalationPolicy says where failing member work goes next.
type EscalationPolicy struct {
	Timeout         time.Duration `json:"timeout" yaml:"timeout"`
	FallbackAgentID string        `json:"fallback_agent_id,omitempty" yaml:"fallback_agent_id,omitempty"`
	FallbackTeamID  string        `json:"fallback_team_id,omitempty" yaml:"fallback_team_id,omitempty"`
	MaxEscalations  int           `json:"max_escalations" yaml:"max_escalations"`
}

// TeamDescriptor is a named group of agents collaborating under one pattern.
type TeamDescriptor struct {
	ID            string           `json:"id" yaml:"id"`
	Name          string           `json:"name" yaml:"name"`
	Callsign      string           `json:"callsign" yaml:"callsign"`
	Pattern       TeamPattern      `json:"pattern" yaml:"pattern"`
	LeadAgentID   string           `json:"lead_agent_id" yaml:"lead_agent_id"`
	Members       []TeamMember     `json:"members" yaml:"members"`
	Capabilities  []Capability     `json:"capabilities" yaml:"capabilities"`
	Escalation    EscalationPolicy `json:"escalation" yaml:"escalation"`
	LoadBalancing LoadBalancing    `json:"load_balancing" yaml:"load_balancing"`
}

// TeamMetrics are the rolling counters kept per team.
type TeamMetrics struct {
	WorkflowsCompleted int64              `json:"workflows_completed"`
	WorkflowsSucceeded int64              `json:"workflows_succeeded"`
	WorkflowsFailed    int64              `json:"workflows_failed"`
	AvgLatencyMS       float64            `json:"avg_latency_ms"`
	TotalTokens        int64              `json:"total_tokens"`
	TotalCost          float64            `json:"total_cost"`
	MemberUtilization  map[string]float64 `json:"member_utilization"`
}

// TeamRun summarizes one team execution for metric rollup.
type TeamRun struct {
	Success     bool
	Duration    time.Duration
	Tokens      int
	Cost        float64
	MemberTasks map[string]int // agentID -> tasks executed in this run
}

// PricingModel is how a skill is billed.
type PricingModel string

const (
	PricingUsage        PricingModel = "usage"
	PricingSubscription PricingModel = "subscription"
)

// SkillPricing describes the skill's price.
type SkillPricing struct {
	Model        PricingModel `json:"model" yaml:"model"`
	PricePerUse  float64      `json:"price_per_use,omitempty" yaml:"price_per_use,omitempty"`
	MonthlyPrice float64      `json:"monthly_price,omitempty" yaml:"monthly_price,omitempty"`
	Currency     string       `json:"currency,omitempty" yaml:"currency,omitempty"`
}

// SkillMetrics are the rolling quality counters kept per skill.
type SkillMetrics struct {
	TotalUses    int64   `json:"total_uses"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	AvgRating    float64 `json:"avg_rating"`
	Ratings      int64   `json:"ratings"`
}

// Skill is a reusable, catalog-listed capability bundle. Skills run through
// the ordinary task path; they carry no execution engine of their own.
type Skill struct {
	ID                   string                 `json:"id" yaml:"id"`
	Name                 string                 `json:"name" yaml:"name"`
	Description          string                 `json:"description" yaml:"description"`
	Category             string                 `json:"category" yaml:"category"`
	Tags                 []string               `json:"tags,omitempty" yaml:"tags,omitempty"`
	Instructions         string                 `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	InputSchema          map[string]interface{} `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	OutputSchema         map[string]interface{} `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	RequiredCapabilities []Capability           `json:"required_capabilities" yaml:"required_capabilities"`
	Pricing              SkillPricing           `json:"pricing" yaml:"pricing"`
	Source               string                 `json:"source" yaml:"source"` // "builtin", "catalog", "plugin"
}

func covers(have, required []Capability) bool {
	for _, r := range required {
		found := false
		for _, h := range have {
			if h == r {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

package registry

import "time"

var defaultRetry = RetryPolicy{MaxRetries: 2, Backoff: time.Second, BackoffMultiplier: 2}

// RegisterBuiltins adds the default agents, teams and skills to the registry.
// Provider is left empty so the router's default provider serves them.
func RegisterBuiltins(reg *Registry) {
	agents := []AgentDescriptor{
		{
			ID: "atlas", Name: "Atlas", Callsign: "ATLAS", Version: "1.0.0",
			Role: RoleCoordinator, Tier: TierSpecialist,
			Capabilities: []Capability{CapTextGeneration, CapScheduling, CapMessagingOperations},
			SystemInstruction: "You coordinate work across a team of agents. Break problems down, " +
				"assign clear responsibilities and merge the results into one coherent answer.",
			Temperature: 0.3, MaxOutputTokens: 2048, Model: "gpt-4o",
			MaxConcurrentTasks: 4, Timeout: 90 * time.Second, Retry: defaultRetry,
		},
		{
			ID: "forge", Name: "Forge", Callsign: "FORGE", Version: "1.0.0",
			Role: RoleExecutor, Tier: TierFoundation,
			Capabilities: []Capability{CapTextGeneration, CapDataTransformation, CapCodeExecution},
			SystemInstruction: "You carry out well-defined tasks precisely. Follow the requested " +
				"output format exactly and do not add commentary.",
			Temperature: 0.2, MaxOutputTokens: 2048, Model: "gpt-4o-mini",
			MaxConcurrentTasks: 8, Timeout: 60 * time.Second, Retry: defaultRetry,
		},
		{
			ID: "lens", Name: "Lens", Callsign: "LENS", Version: "1.0.0",
			Role: RoleAnalyzer, Tier: TierFoundation,
			Capabilities: []Capability{CapTextGeneration, CapDataTransformation, CapDatabaseQueries},
			SystemInstruction: "You analyze data and text. State findings first, then the evidence " +
				"behind them. Quantify where you can.",
			Temperature: 0.2, MaxOutputTokens: 2048, Model: "gpt-4o-mini",
			MaxConcurrentTasks: 4, Timeout: 60 * time.Second, Retry: defaultRetry,
		},
		{
			ID: "scout", Name: "Scout", Callsign: "SCOUT", Version: "1.0.0",
			Role: RoleResearcher, Tier: TierFoundation,
			Capabilities: []Capability{CapTextGeneration, CapExternalAPICalls, CapMemoryAccess},
			SystemInstruction: "You research topics thoroughly. Separate established facts from " +
				"speculation and note open questions.",
			Temperature: 0.4, MaxOutputTokens: 3072, Model: "gpt-4o-mini",
			MaxConcurrentTasks: 4, Timeout: 90 * time.Second, Retry: defaultRetry,
		},
		{
			ID: "quill", Name: "Quill", Callsign: "QUILL", Version: "1.0.0",
			Role: RoleWriter, Tier: TierFoundation,
			Capabilities:      []Capability{CapTextGeneration},
			SystemInstruction: "You write clear, well-structured prose for the stated audience.",
			Temperature:       0.7, MaxOutputTokens: 4096, Model: "gpt-4o-mini",
			MaxConcurrentTasks: 4, Timeout: 90 * time.Second, Retry: defaultRetry,
		},
		{
			ID: "warden", Name: "Warden", Callsign: "WARDEN", Version: "1.0.0",
			Role: RoleReviewer, Tier: TierSpecialist,
			Capabilities: []Capability{CapTextGeneration, CapCodeExecution},
			SystemInstruction: "You review work for correctness and quality. List concrete problems " +
				"with their location, then give an overall verdict.",
			Temperature: 0.1, MaxOutputTokens: 2048, Model: "claude-sonnet-4-20250514",
			MaxConcurrentTasks: 2, Timeout: 90 * time.Second, Retry: defaultRetry,
		},
		{
			ID: "sage", Name: "Sage", Callsign: "SAGE", Version: "1.0.0",
			Role: RoleSpecialist, Tier: TierElite,
			Capabilities: []Capability{
				CapTextGeneration, CapTextGenerationMultimodal, CapImageAnalysis,
				CapToolUse, CapExternalAPICalls, CapFileOperations,
			},
			SystemInstruction: "You handle hard, cross-cutting problems that need deep reasoning " +
				"and integration with external systems.",
			Temperature: 0.3, MaxOutputTokens: 4096, Model: "claude-opus-4-20250514",
			MaxConcurrentTasks: 1, Timeout: 3 * time.Minute,
			Retry: RetryPolicy{MaxRetries: 1, Backoff: 2 * time.Second, BackoffMultiplier: 2},
		},
	}
	for _, a := range agents {
		reg.RegisterAgent(a)
	}

	teams := []TeamDescriptor{
		{
			ID: "research-cell", Name: "Research Cell", Callsign: "RCELL",
			Pattern: PatternPipeline, LeadAgentID: "atlas",
			Members: []TeamMember{
				{AgentID: "scout", Role: RoleResearcher, Responsibilities: []string{"gather sources"}, MaxWorkload: 2},
				{AgentID: "lens", Role: RoleAnalyzer, Responsibilities: []string{"analyze findings"}, MaxWorkload: 2},
				{AgentID: "quill", Role: RoleWriter, Responsibilities: []string{"write report"}, MaxWorkload: 2},
			},
			Escalation:    EscalationPolicy{Timeout: 2 * time.Minute, FallbackAgentID: "sage", MaxEscalations: 1},
			LoadBalancing: BalanceCapability,
		},
		{
			ID: "review-board", Name: "Review Board", Callsign: "RBOARD",
			Pattern: PatternCollaborative, LeadAgentID: "atlas",
			Members: []TeamMember{
				{AgentID: "warden", Role: RoleReviewer, MaxWorkload: 1},
				{AgentID: "lens", Role: RoleAnalyzer, MaxWorkload: 1},
			},
			Escalation:    EscalationPolicy{Timeout: 2 * time.Minute, MaxEscalations: 0},
			LoadBalancing: BalanceCapability,
		},
		{
			ID: "swarm", Name: "Swarm", Callsign: "SWARM",
			Pattern: PatternFanOut, LeadAgentID: "atlas",
			Members: []TeamMember{
				{AgentID: "forge", Role: RoleExecutor, MaxWorkload: 4},
				{AgentID: "scout", Role: RoleResearcher, MaxWorkload: 4},
				{AgentID: "quill", Role: RoleWriter, MaxWorkload: 4},
			},
			Escalation:    EscalationPolicy{Timeout: time.Minute, FallbackAgentID: "sage", MaxEscalations: 1},
			LoadBalancing: BalanceLeastLoaded,
		},
	}
	for _, t := range teams {
		reg.RegisterTeam(t)
	}

	skills := []Skill{
		{
			ID: "summarize", Name: "Summarize", Category: "writing",
			Description: "Condense a document into a short summary",
			Tags:        []string{"summary", "tl;dr"},
			Instructions: "Summarize the input in at most five sentences. Keep names, numbers " +
				"and decisions; drop filler.",
			RequiredCapabilities: []Capability{CapTextGeneration},
			Pricing:              SkillPricing{Model: PricingUsage, PricePerUse: 0.002, Currency: "USD"},
			Source:               "builtin",
		},
		{
			ID: "extract-entities", Name: "Extract Entities", Category: "analysis",
			Description: "Pull people, organizations and places out of text as JSON",
			Tags:        []string{"ner", "json"},
			Instructions: "Return a JSON object with arrays \"people\", \"organizations\" and " +
				"\"places\" listing every entity mentioned in the input.",
			OutputSchema: map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"people", "organizations", "places"},
			},
			RequiredCapabilities: []Capability{CapTextGeneration, CapDataTransformation},
			Pricing:              SkillPricing{Model: PricingUsage, PricePerUse: 0.004, Currency: "USD"},
			Source:               "builtin",
		},
		{
			ID: "code-review", Name: "Code Review", Category: "engineering",
			Description: "Review a code change for bugs and style problems",
			Tags:        []string{"code", "review"},
			Instructions: "Review the code in the input. List bugs first, then risky patterns, " +
				"then style nits. Reference line numbers when possible.",
			RequiredCapabilities: []Capability{CapTextGeneration, CapCodeExecution},
			Pricing:              SkillPricing{Model: PricingSubscription, MonthlyPrice: 19, Currency: "USD"},
			Source:               "builtin",
		},
	}
	for _, s := range skills {
		reg.RegisterSkill(s)
	}
}

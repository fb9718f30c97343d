package config

// ClassificationConfig drives the request classifier. Every field has a
// default so a config file may omit the whole section.
type ClassificationConfig struct {
	ModelTiers                 map[string]ModelTier     `yaml:"model_tiers"`
	ThinkingKeywords           []string                 `yaml:"thinking_keywords"`
	RoutingDecisions           map[string]RouteDecision `yaml:"routing_decisions"`
	ToolPatterns               ToolPatterns             `yaml:"tool_patterns"`
	LongContextThresholdTokens int                      `yaml:"long_context_threshold_tokens"`
	ConfidenceThreshold        float64                  `yaml:"confidence_threshold"`
}

// ModelTier groups model names with a shared token ceiling.
type ModelTier struct {
	Models    []string `yaml:"models"`
	MaxTokens int      `yaml:"max_tokens"`
}

// RouteDecision qualifies one route for classification.
type RouteDecision struct {
	ModelTier      string   `yaml:"model_tier"`
	TokenThreshold int      `yaml:"token_threshold"`
	ToolTypes      []string `yaml:"tool_types"`
	Priority       int      `yaml:"priority"`
}

// ToolPatterns holds substring patterns matched (case-insensitive) against
// tool names and descriptions to assign tool categories.
type ToolPatterns struct {
	WebSearch     []string `yaml:"web_search"`
	CodeExecution []string `yaml:"code_execution"`
	FileSearch    []string `yaml:"file_search"`
	DataAnalysis  []string `yaml:"data_analysis"`
}

// DefaultClassification returns the built-in classification rules.
// Route priorities encode vision > thinking > tools > longContext > coding >
// webSearch > default.
func DefaultClassification() ClassificationConfig {
	return ClassificationConfig{
		ModelTiers: map[string]ModelTier{
			"basic":    {MaxTokens: 32_000},
			"advanced": {MaxTokens: 200_000},
		},
		ThinkingKeywords: []string{
			"think step by step",
			"think carefully",
			"reason through",
			"chain of thought",
			"逐步推理",
		},
		RoutingDecisions: map[string]RouteDecision{
			"vision":      {Priority: 70},
			"thinking":    {Priority: 60},
			"tools":       {Priority: 50},
			"longContext": {Priority: 40},
			"coding":      {Priority: 30, ToolTypes: []string{"codeExecution"}},
			"webSearch":   {Priority: 20, ToolTypes: []string{"webSearch"}},
			"default":     {Priority: 0},
		},
		ToolPatterns: ToolPatterns{
			WebSearch:     []string{"web_search", "search_web", "browse", "google", "bing"},
			CodeExecution: []string{"shell", "exec", "run_code", "python", "terminal", "bash", "code_interpreter"},
			FileSearch:    []string{"file_search", "list_files", "read_file", "glob", "grep"},
			DataAnalysis:  []string{"sql", "query", "dataframe", "analyze_data", "chart"},
		},
		LongContextThresholdTokens: 60_000,
		ConfidenceThreshold:        0.3,
	}
}

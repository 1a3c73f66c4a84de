package config

// DefaultConfig returns the built-in configuration. Every key can be
// overridden by the config file or CORPUSQA_ environment variables.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: "8080",
		},
		Corpus: CorpusConfig{
			BaseURL: "https://api.semanticscholar.org/graph/v1",
			APIKey:  "${S2_API_KEY}",
		},
		Retrieval: RetrievalConfig{
			NRetrieval:     256,
			NKeywordSearch: 20,
		},
		Rerank: RerankConfig{
			Service:         "in_process_crossencoder",
			BatchSize:       256,
			MaxInflight:     4,
			ClientTimeoutMs: 30000,
		},
		PaperFinder: PaperFinderConfig{
			NRerank:          50,
			ContextThreshold: 0.0,
			PassagesPerPaper: 8,
		},
		Pipeline: PipelineConfig{
			Provider:      "openrouter",
			LLM:           "openai/gpt-4o",
			FallbackLLM:   "openai/gpt-4o-mini",
			MaxLLMWorkers: 20,
			RateLimitRPM:  150,
			RateLimitITPM: 400_000,
			RateLimitOTPM: 80_000,
			Validate:      false,
		},
		Tasks: TasksConfig{
			MaxConcurrent:  4,
			TimeoutSeconds: 600,
			TTLSeconds:     3600,
		},
		Trace: TraceConfig{
			Mode:     "local",
			Location: "traces",
		},
		Cache: CacheConfig{
			Enabled:     true,
			LLMCacheDir: ".cache/llm",
			MaxEntries:  4096,
		},
		LLMProviders: map[string]LLMProviderConfig{
			"openrouter": {
				Type:    "openrouter",
				APIKey:  "${OPENROUTER_API_KEY}",
				Enabled: true,
			},
			"openai": {
				Type:    "openai",
				APIKey:  "${OPENAI_API_KEY}",
				Enabled: false,
			},
		},
	}
}

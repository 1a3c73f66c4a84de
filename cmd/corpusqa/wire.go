package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/corpusqa/corpusqa/internal/config"
	"github.com/corpusqa/corpusqa/internal/corpus"
	"github.com/corpusqa/corpusqa/internal/llmcache"
	"github.com/corpusqa/corpusqa/internal/moderation"
	"github.com/corpusqa/corpusqa/internal/paperfinder"
	"github.com/corpusqa/corpusqa/internal/pipeline"
	"github.com/corpusqa/corpusqa/internal/providers"
	"github.com/corpusqa/corpusqa/internal/rerank"
	"github.com/corpusqa/corpusqa/internal/table"
	"github.com/corpusqa/corpusqa/internal/tasks"
	"github.com/corpusqa/corpusqa/internal/trace"
)

// services bundles everything a command needs to run tasks.
type services struct {
	registry   *providers.Registry
	store      *tasks.Store
	supervisor *tasks.Supervisor
}

// buildServices wires the full task-running stack from configuration.
func buildServices(cfg *config.Config, logger *slog.Logger) (*services, error) {
	registry := providers.NewRegistryFromConfig(cfg.ToProviderRegistryConfig())
	registry.SetLogger(logger)

	base, err := registry.GetLLM(cfg.Pipeline.Provider)
	if err != nil {
		return nil, fmt.Errorf("pipeline provider %q is not configured or has no API key: %w", cfg.Pipeline.Provider, err)
	}

	limiter := providers.NewRateLimiter(providers.RateLimiterConfig{
		RequestsPerMinute:     cfg.Pipeline.RateLimitRPM,
		InputTokensPerMinute:  cfg.Pipeline.RateLimitITPM,
		OutputTokensPerMinute: cfg.Pipeline.RateLimitOTPM,
	})

	var cache providers.CompletionCache
	if cfg.Cache.Enabled {
		c, err := llmcache.New(llmcache.Config{
			Dir:        cfg.Cache.LLMCacheDir,
			MaxEntries: cfg.Cache.MaxEntries,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("model cache: %w", err)
		}
		cache = c
	}

	// Every chain shares the limiter and cache; they only differ in
	// which model leads.
	newChain := func(lead string) (*providers.FallbackClient, error) {
		chain := []providers.ModelRoute{{Client: base, Model: lead, Limiter: limiter}}
		if cfg.Pipeline.FallbackLLM != "" && cfg.Pipeline.FallbackLLM != lead {
			chain = append(chain, providers.ModelRoute{Client: base, Model: cfg.Pipeline.FallbackLLM, Limiter: limiter})
		}
		return providers.NewFallbackClient(providers.FallbackConfig{
			Chain:  chain,
			Cache:  cache,
			Logger: logger,
		})
	}

	llm, err := newChain(cfg.Pipeline.LLM)
	if err != nil {
		return nil, err
	}
	var decomposer, tablesLLM providers.LLMClient
	if cfg.Pipeline.DecomposerLLM != "" {
		if decomposer, err = newChain(cfg.Pipeline.DecomposerLLM); err != nil {
			return nil, err
		}
	}
	if cfg.Pipeline.TablesLLM != "" {
		if tablesLLM, err = newChain(cfg.Pipeline.TablesLLM); err != nil {
			return nil, err
		}
	}

	corpusClient, err := corpus.NewClient(corpus.Config{
		BaseURL: cfg.Corpus.BaseURL,
		APIKey:  config.ResolveEnvVars(cfg.Corpus.APIKey),
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("corpus client: %w", err)
	}

	scorer, err := rerank.New(rerank.Config{
		Type:          cfg.Rerank.Service,
		Endpoint:      cfg.Rerank.Endpoint,
		APIKey:        config.ResolveEnvVars(cfg.Rerank.APIKey),
		Model:         cfg.Rerank.Model,
		BatchSize:     cfg.Rerank.BatchSize,
		MaxInflight:   cfg.Rerank.MaxInflight,
		ClientTimeout: time.Duration(cfg.Rerank.ClientTimeoutMs) * time.Millisecond,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("reranker: %w", err)
	}

	finder := paperfinder.New(corpusClient, scorer, corpus.NewMetaCache(time.Hour), paperfinder.Config{
		SnippetLimit:     cfg.Retrieval.NRetrieval,
		KeywordLimit:     cfg.Retrieval.NKeywordSearch,
		ContextThreshold: cfg.PaperFinder.ContextThreshold,
		TopKPerPaper:     cfg.PaperFinder.PassagesPerPaper,
		NRerank:          cfg.PaperFinder.NRerank,
	}, logger)

	traceWriter, err := trace.New(cfg.Trace.Mode, cfg.Trace.Location, logger)
	if err != nil {
		return nil, fmt.Errorf("trace store: %w", err)
	}

	var moderator moderation.Checker = moderation.AllowAll{}
	if cfg.Pipeline.Validate {
		key := ""
		if p, ok := cfg.LLMProviders["openai"]; ok {
			key = config.ResolveEnvVars(p.APIKey)
		}
		if key == "" {
			logger.Warn("pipeline.validate is on but no openai key is configured, moderation disabled")
		} else {
			moderator = moderation.New(moderation.Config{APIKey: key, Logger: logger})
		}
	}

	store := tasks.NewStore(tasks.StoreConfig{
		TTL:    cfg.Tasks.TTL(),
		Logger: logger,
	})

	supervisor, err := tasks.NewSupervisor(tasks.SupervisorConfig{
		MaxConcurrent: cfg.Tasks.MaxConcurrent,
		Timeout:       cfg.Tasks.Timeout(),
		Validate:      cfg.Pipeline.Validate,
		Pipeline: pipeline.Config{
			MaxLLMWorkers: cfg.Pipeline.MaxLLMWorkers,
		},
		Table: table.Config{},
	}, tasks.Deps{
		Store:         store,
		Finder:        finder,
		LLM:           llm,
		DecomposerLLM: decomposer,
		TablesLLM:     tablesLLM,
		Moderator:     moderator,
		TraceWriter:   traceWriter,
		Logger:        logger,
	})
	if err != nil {
		store.Stop()
		return nil, err
	}

	return &services{
		registry:   registry,
		store:      store,
		supervisor: supervisor,
	}, nil
}

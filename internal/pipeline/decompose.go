// Package pipeline implements the model-driven stages between retrieval
// and the final report: query decomposition, quote extraction, outline
// planning, and section synthesis.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/corpusqa/corpusqa/internal/corpus"
	"github.com/corpusqa/corpusqa/internal/providers"
)

// DecomposedQuery is the search plan derived from a user question.
type DecomposedQuery struct {
	RewrittenQuery string         `json:"rewritten_query"`
	KeywordQuery   string         `json:"keyword_query,omitempty"`
	Filters        corpus.Filters `json:"-"`
}

// Engine runs the pipeline stages against a model client.
type Engine struct {
	llm    providers.LLMClient
	cfg    Config
	logger *slog.Logger
}

// Config tunes the pipeline stages.
type Config struct {
	MaxLLMWorkers     int // parallel quote extraction calls (default: 20)
	MinQuoteChars     int // quotes at or below this length are dropped (default: 10)
	ContextCarryChars int // prior-section context window for synthesis (default: 4000)
	Temperature       float64
	MaxTokens         int

	// Decomposer, when set, handles the decompose stage instead of the
	// engine's main client. Decomposition tolerates a cheaper model.
	Decomposer providers.LLMClient
}

// NewEngine creates a pipeline engine.
func NewEngine(llm providers.LLMClient, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxLLMWorkers <= 0 {
		cfg.MaxLLMWorkers = 20
	}
	if cfg.MinQuoteChars <= 0 {
		cfg.MinQuoteChars = 10
	}
	if cfg.ContextCarryChars <= 0 {
		cfg.ContextCarryChars = 4000
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		llm:    llm,
		cfg:    cfg,
		logger: logger.With("component", "pipeline"),
	}
}

var decomposeSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"rewritten_query": {"type": "string"},
		"keyword_query": {"type": "string"},
		"earliest_year": {"type": "integer"},
		"latest_year": {"type": "integer"},
		"venues": {"type": "array", "items": {"type": "string"}},
		"authors": {"type": "array", "items": {"type": "string"}},
		"fields_of_study": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["rewritten_query", "keyword_query"]
}`)

type decomposeWire struct {
	RewrittenQuery string   `json:"rewritten_query"`
	KeywordQuery   string   `json:"keyword_query"`
	EarliestYear   int      `json:"earliest_year"`
	LatestYear     int      `json:"latest_year"`
	Venues         []string `json:"venues"`
	Authors        []string `json:"authors"`
	FieldsOfStudy  []string `json:"fields_of_study"`
}

// Decompose turns the user question into a retrieval plan. Any failure
// degrades to a trivial decomposition so the task can still proceed.
func (e *Engine) Decompose(ctx context.Context, query string) (*DecomposedQuery, []string) {
	client := e.llm
	if e.cfg.Decomposer != nil {
		client = e.cfg.Decomposer
	}
	res, err := client.Chat(ctx, &providers.ChatRequest{
		Messages:       providers.SystemUser(decomposeSystemPrompt, query),
		Temperature:    e.cfg.Temperature,
		MaxTokens:      e.cfg.MaxTokens,
		ResponseFormat: &providers.ResponseFormat{Type: "json_schema", JSONSchema: decomposeSchema},
	})
	if err != nil {
		e.logger.Warn("decomposition failed, using trivial plan", "error", err)
		return trivialDecomposition(query), []string{fmt.Sprintf("query decomposition failed: %v", err)}
	}

	var wire decomposeWire
	if err := json.Unmarshal(res.ParsedJSON, &wire); err != nil {
		e.logger.Warn("decomposition output unusable, using trivial plan", "error", err)
		return trivialDecomposition(query), []string{fmt.Sprintf("query decomposition unusable: %v", err)}
	}
	if wire.RewrittenQuery == "" {
		wire.RewrittenQuery = query
	}

	dq := &DecomposedQuery{
		RewrittenQuery: wire.RewrittenQuery,
		KeywordQuery:   wire.KeywordQuery,
		Filters: corpus.Filters{
			YearStart:     wire.EarliestYear,
			Venues:        wire.Venues,
			Authors:       wire.Authors,
			FieldsOfStudy: wire.FieldsOfStudy,
		},
	}
	// Latest year is inclusive on the wire; filters carry a half-open end.
	if wire.LatestYear > 0 {
		dq.Filters.YearEnd = wire.LatestYear + 1
	}
	return dq, nil
}

// trivialDecomposition is the degraded plan: search with the raw question
// and no filters.
func trivialDecomposition(query string) *DecomposedQuery {
	return &DecomposedQuery{
		RewrittenQuery: query,
		KeywordQuery:   query,
	}
}

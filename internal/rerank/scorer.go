// Package rerank scores retrieved passages for relevance to a query.
// Backends: remote HTTP model servers and an in-process lexical fallback.
package rerank

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"
)

// Scorer assigns a relevance score in [0,1] to each passage, aligned 1:1
// with the input slice.
type Scorer interface {
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
	Name() string
}

// Config selects and configures a scorer backend.
type Config struct {
	Type string // "remote_http", "modal_like", or an in_process_* variant

	// Remote backends
	Endpoint      string
	APIKey        string // bearer token for modal_like
	Model         string
	BatchSize     int           // default: 256
	MaxInflight   int           // concurrent batches (default: 4)
	ClientTimeout time.Duration // per-call (default: 30s)
	MaxRetries    int           // default: 3
	HTTPClient    *http.Client  // Optional (tests)

	Logger *slog.Logger
}

// New creates a scorer from config.
func New(cfg Config) (Scorer, error) {
	switch cfg.Type {
	case "remote_http":
		return newRemoteScorer(cfg, nil)
	case "modal_like":
		return newModalScorer(cfg)
	case "", "in_process_lexical", "in_process_crossencoder", "in_process_biencoder", "in_process_flag":
		return NewLexicalScorer(), nil
	default:
		return nil, fmt.Errorf("unknown reranker type: %s", cfg.Type)
	}
}

// LexicalScorer is an in-process fallback scorer using token overlap.
// Scores are deterministic and cheap; quality is far below a model server
// but sufficient for degraded operation and tests.
type LexicalScorer struct{}

// NewLexicalScorer creates a lexical overlap scorer.
func NewLexicalScorer() *LexicalScorer {
	return &LexicalScorer{}
}

// Name returns the scorer identifier.
func (s *LexicalScorer) Name() string {
	return "in_process_lexical"
}

// Score computes normalized token overlap between query and each passage.
func (s *LexicalScorer) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	queryTokens := tokenSet(query)
	scores := make([]float64, len(passages))
	if len(queryTokens) == 0 {
		return scores, nil
	}

	for i, passage := range passages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		passageTokens := tokenSet(passage)
		if len(passageTokens) == 0 {
			continue
		}
		overlap := 0
		for tok := range queryTokens {
			if _, ok := passageTokens[tok]; ok {
				overlap++
			}
		}
		// Normalize by query size with a length damp on very short passages.
		scores[i] = float64(overlap) / float64(len(queryTokens)) *
			math.Min(1.0, float64(len(passageTokens))/20.0)
	}
	return scores, nil
}

func tokenSet(text string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?()[]{}\"'")
		if len(f) > 2 {
			set[f] = struct{}{}
		}
	}
	return set
}

var _ Scorer = (*LexicalScorer)(nil)

package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// RemoteScorer calls a cross-encoder model server over HTTP. Passages are
// scored in batches with a bounded number of in-flight requests.
type RemoteScorer struct {
	name        string
	endpoint    string
	model       string
	batchSize   int
	maxInflight int64
	maxRetries  uint
	client      *http.Client
	logger      *slog.Logger

	// decorate mutates each outgoing request (auth headers).
	decorate func(*http.Request)
}

func newRemoteScorer(cfg Config, decorate func(*http.Request)) (*RemoteScorer, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("reranker endpoint is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 4
	}
	if cfg.ClientTimeout == 0 {
		cfg.ClientTimeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.ClientTimeout}
	}

	name := cfg.Type
	if name == "" {
		name = "remote_http"
	}

	return &RemoteScorer{
		name:        name,
		endpoint:    cfg.Endpoint,
		model:       cfg.Model,
		batchSize:   cfg.BatchSize,
		maxInflight: int64(cfg.MaxInflight),
		maxRetries:  uint(cfg.MaxRetries),
		client:      httpClient,
		logger:      logger.With("component", "rerank", "backend", name),
		decorate:    decorate,
	}, nil
}

// newModalScorer builds a remote scorer that authenticates with a bearer
// token, matching serverless model-endpoint conventions.
func newModalScorer(cfg Config) (*RemoteScorer, error) {
	token := cfg.APIKey
	return newRemoteScorer(cfg, func(req *http.Request) {
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	})
}

// Name returns the scorer identifier.
func (s *RemoteScorer) Name() string {
	return s.name
}

// Score batches the passages and scores them concurrently, preserving
// input order in the result.
func (s *RemoteScorer) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	scores := make([]float64, len(passages))
	sem := semaphore.NewWeighted(s.maxInflight)
	g, gctx := errgroup.WithContext(ctx)

	for start := 0; start < len(passages); start += s.batchSize {
		end := start + s.batchSize
		if end > len(passages) {
			end = len(passages)
		}
		start, end := start, end

		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			batchScores, err := s.scoreBatch(gctx, query, passages[start:end])
			if err != nil {
				return err
			}
			copy(scores[start:end], batchScores)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scores, nil
}

func (s *RemoteScorer) scoreBatch(ctx context.Context, query string, passages []string) ([]float64, error) {
	reqBody := rerankRequest{
		Query:    query,
		Passages: passages,
		Model:    s.model,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	var scores []float64
	err = retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, "POST", s.endpoint, bytes.NewReader(body))
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if s.decorate != nil {
			s.decorate(req)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("rerank request failed: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read rerank response: %w", err)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("rerank server error (status %d)", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return retry.Unrecoverable(fmt.Errorf("rerank error (status %d): %s", resp.StatusCode, respBody))
		}

		var parsed rerankResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return retry.Unrecoverable(fmt.Errorf("failed to decode rerank response: %w", err))
		}
		if len(parsed.Scores) != len(passages) {
			return retry.Unrecoverable(fmt.Errorf("rerank returned %d scores for %d passages", len(parsed.Scores), len(passages)))
		}
		scores = parsed.Scores
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(s.maxRetries),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return scores, nil
}

type rerankRequest struct {
	Query    string   `json:"query"`
	Passages []string `json:"passages"`
	Model    string   `json:"model,omitempty"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

var _ Scorer = (*RemoteScorer)(nil)

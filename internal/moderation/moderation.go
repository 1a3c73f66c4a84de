// Package moderation gates incoming queries through the OpenAI moderation
// endpoint. When disabled the checker allows everything, so callers never
// branch on configuration.
package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Checker classifies query text before any pipeline work starts.
type Checker interface {
	// Check returns true when the text is acceptable.
	Check(ctx context.Context, text string) (bool, error)
}

// Config configures an OpenAI-backed checker.
type Config struct {
	APIKey     string
	Timeout    time.Duration
	BaseURL    string       // Optional (tests)
	HTTPClient *http.Client // Optional (tests)
	Logger     *slog.Logger
}

// OpenAIChecker calls the moderations endpoint.
type OpenAIChecker struct {
	client openai.Client
	logger *slog.Logger
}

// New creates an OpenAI moderation checker.
func New(cfg Config) *OpenAIChecker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIChecker{
		client: openai.NewClient(opts...),
		logger: logger.With("component", "moderation"),
	}
}

// Check classifies the text. Flagged content returns false.
func (c *OpenAIChecker) Check(ctx context.Context, text string) (bool, error) {
	res, err := c.client.Moderations.New(ctx, openai.ModerationNewParams{
		Input: openai.ModerationNewParamsInputUnion{
			OfString: openai.String(text),
		},
	})
	if err != nil {
		return false, fmt.Errorf("moderation request failed: %w", err)
	}
	if len(res.Results) == 0 {
		return false, fmt.Errorf("moderation response had no results")
	}

	if res.Results[0].Flagged {
		c.logger.Warn("query flagged by moderation")
		return false, nil
	}
	return true, nil
}

// AllowAll is the checker used when moderation is disabled.
type AllowAll struct{}

// Check always passes.
func (AllowAll) Check(ctx context.Context, text string) (bool, error) {
	return true, nil
}

var (
	_ Checker = (*OpenAIChecker)(nil)
	_ Checker = AllowAll{}
)

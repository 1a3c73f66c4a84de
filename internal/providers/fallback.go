package providers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// CompletionCache is consulted before dispatch and populated after a
// successful call. Implemented by llmcache.
type CompletionCache interface {
	Get(key string) (*ChatResult, bool)
	Put(key string, result *ChatResult)
}

// ModelRoute is one entry in a fallback chain: a backend client, the model
// to request from it, and the rate limiter governing that model family.
type ModelRoute struct {
	Client  LLMClient
	Model   string
	Limiter *RateLimiter
}

// FallbackConfig configures a FallbackClient.
type FallbackConfig struct {
	Chain []ModelRoute

	// Per-model transient retry policy.
	MaxAttempts int           // default: 3
	BaseDelay   time.Duration // default: 1s

	// Output token estimate used for rate-limit acquisition when the
	// request does not set MaxTokens.
	DefaultOutputEstimate int // default: 2048

	Cache  CompletionCache // optional
	Logger *slog.Logger
}

// FallbackClient dispatches chat requests along an ordered model chain.
//
// Per model it retries transient upstream failures with exponential
// backoff and retries schema violations a bounded number of times with a
// repair prompt. Rate-limit exhaustion on a model advances immediately to
// the next one. Cache hits bypass the rate limiter entirely.
type FallbackClient struct {
	chain       []ModelRoute
	maxAttempts int
	baseDelay   time.Duration
	defaultOut  int
	cache       CompletionCache
	logger      *slog.Logger
}

// NewFallbackClient creates a fallback chain client.
func NewFallbackClient(cfg FallbackConfig) (*FallbackClient, error) {
	if len(cfg.Chain) == 0 {
		return nil, fmt.Errorf("fallback chain requires at least one model route")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.DefaultOutputEstimate <= 0 {
		cfg.DefaultOutputEstimate = 2048
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackClient{
		chain:       cfg.Chain,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		defaultOut:  cfg.DefaultOutputEstimate,
		cache:       cfg.Cache,
		logger:      logger.With("component", "fallback_client"),
	}, nil
}

// Name returns the client identifier.
func (f *FallbackClient) Name() string {
	return "fallback(" + f.chain[0].Client.Name() + ")"
}

// PrimaryModel returns the first model in the chain.
func (f *FallbackClient) PrimaryModel() string {
	return f.chain[0].Model
}

// Chat dispatches the request along the chain.
func (f *FallbackClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	key := completionCacheKey(f.chain[0].Model, req)
	if f.cache != nil {
		if cached, ok := f.cache.Get(key); ok {
			hit := *cached
			hit.Cached = true
			hit.WaitedMs = 0
			f.logger.Debug("completion cache hit", "request_id", req.RequestID)
			return &hit, nil
		}
	}

	estIn := EstimateTokens(req.Messages)
	estOut := req.MaxTokens
	if estOut <= 0 {
		estOut = f.defaultOut
	}

	var lastErr error
	totalAttempts := 0

	for i, route := range f.chain {
		var waited time.Duration
		if route.Limiter != nil {
			var err error
			waited, err = route.Limiter.Acquire(ctx, estIn, estOut)
			if err != nil {
				if errors.Is(err, ErrRateLimitExhausted) && i < len(f.chain)-1 {
					f.logger.Warn("rate limit exhausted, advancing chain",
						"model", route.Model, "next", f.chain[i+1].Model)
					lastErr = err
					continue
				}
				return nil, err
			}
		}

		result, attempts, err := f.callModel(ctx, route, req, estIn, estOut)
		totalAttempts += attempts
		if err == nil {
			result.Attempts = totalAttempts
			result.WaitedMs = waited.Milliseconds()
			result.Fallback = i > 0
			if f.cache != nil {
				f.cache.Put(key, result)
			}
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		if i < len(f.chain)-1 {
			f.logger.Warn("model failed, advancing chain",
				"model", route.Model, "next", f.chain[i+1].Model, "error", err)
		}
	}

	return nil, fmt.Errorf("all models in chain failed: %w", lastErr)
}

// callModel runs the per-model retry loop: transient upstream failures
// back off and retry; schema violations get a bounded repair dialogue.
func (f *FallbackClient) callModel(ctx context.Context, route ModelRoute, req *ChatRequest, estIn, estOut int) (*ChatResult, int, error) {
	attempts := 0
	repairs := 0
	messages := req.Messages

	var lastErr error
	for attempt := 0; attempt < f.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, attempts, err
		}

		call := *req
		call.Model = route.Model
		call.Messages = messages
		attempts++

		result, err := route.Client.Chat(ctx, &call)
		if err == nil {
			if route.Limiter != nil {
				route.Limiter.Reconcile(estIn, result.PromptTokens, estOut, result.CompletionTokens)
			}
			return result, attempts, nil
		}
		lastErr = err

		// A failed call still consumed tokens upstream if we got a body
		// back; settle with what we know.
		if route.Limiter != nil && result != nil && result.TotalTokens > 0 {
			route.Limiter.Reconcile(estIn, result.PromptTokens, estOut, result.CompletionTokens)
		}

		switch {
		case errors.Is(err, ErrSchemaViolation):
			if repairs >= maxSchemaRepairAttempts || req.ResponseFormat == nil {
				return nil, attempts, err
			}
			repairs++
			lastOutput := ""
			if result != nil {
				lastOutput = result.Content
			}
			messages = append(append([]Message{}, req.Messages...),
				Message{Role: "assistant", Content: lastOutput},
				Message{Role: "user", Content: structuredRepairPrompt(req.ResponseFormat.JSONSchema, lastOutput, err)},
			)
			// Repair retries do not count against the transient budget.
			attempt--
		case errors.Is(err, ErrUpstream), errors.Is(err, ErrMalformedResponse), errors.Is(err, context.DeadlineExceeded):
			f.sleepBackoff(ctx, route.Model, attempts)
		default:
			// Non-retryable caller error.
			return nil, attempts, err
		}
	}

	return nil, attempts, fmt.Errorf("model %s failed after %d attempts: %w", route.Model, attempts, lastErr)
}

func (f *FallbackClient) sleepBackoff(ctx context.Context, model string, attempt int) {
	delay := f.baseDelay * time.Duration(1<<attempt)
	if delay > 15*time.Second {
		delay = 15 * time.Second
	}
	f.logger.Debug("backing off before retry", "model", model, "delay", delay)
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

// completionCacheKey hashes the primary model, messages, and normalized
// generation options so identical requests share a cache slot.
func completionCacheKey(model string, req *ChatRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "model=%s\n", model)
	fmt.Fprintf(h, "temp=%.3f\n", req.Temperature)
	fmt.Fprintf(h, "max_tokens=%d\n", req.MaxTokens)
	if req.CacheKey != "" {
		fmt.Fprintf(h, "salt=%s\n", req.CacheKey)
	}
	if req.ResponseFormat != nil {
		fmt.Fprintf(h, "format=%s\n", req.ResponseFormat.Type)
		h.Write(req.ResponseFormat.JSONSchema)
	}
	for _, m := range req.Messages {
		b, _ := json.Marshal(m)
		h.Write(b)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Verify interface
var _ LLMClient = (*FallbackClient)(nil)

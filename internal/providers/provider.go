package providers

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// LLMClient is the interface implemented by every chat/completion backend.
type LLMClient interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error)

	// Name returns the client identifier (e.g., "openrouter", "openai").
	Name() string
}

// Classified failure kinds. Callers match with errors.Is; the concrete
// error carries the upstream detail.
var (
	// ErrRateLimitExhausted means the rate limiter could not grant tokens
	// within the configured wait budget.
	ErrRateLimitExhausted = errors.New("rate limit wait budget exhausted")

	// ErrUpstream covers 5xx and provider-reported quota errors.
	ErrUpstream = errors.New("upstream provider error")

	// ErrMalformedResponse means the provider returned an unusable body.
	ErrMalformedResponse = errors.New("malformed provider response")

	// ErrSchemaViolation means structured output did not conform to the
	// requested schema after parsing recovery.
	ErrSchemaViolation = errors.New("structured output schema violation")
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// ResponseFormat requests structured output conforming to a JSON schema.
type ResponseFormat struct {
	Type       string          `json:"type"` // "json_schema"
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

// ChatRequest is a request to an LLM.
type ChatRequest struct {
	Messages []Message `json:"messages"`

	// Model selection (uses client default if empty)
	Model string `json:"model,omitempty"`

	// Generation parameters
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Timeout     time.Duration

	// Structured output
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

	// CacheKey is mixed into the completion-cache hash so otherwise
	// identical prompts can be kept distinct.
	CacheKey string `json:"-"`

	// Request tracking
	RequestID string `json:"-"`
}

// ChatResult is the complete response from an LLM call.
type ChatResult struct {
	Content    string          `json:"content"`
	ParsedJSON json.RawMessage `json:"parsed_json,omitempty"`

	// Token counts
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	// Cost and timing
	CostUSD       float64       `json:"cost_usd"`
	ExecutionTime time.Duration `json:"execution_time"`

	// Rate-limit / fallback accounting
	WaitedMs int64 `json:"waited_ms,omitempty"`
	Fallback bool  `json:"fallback,omitempty"`
	Cached   bool  `json:"cached,omitempty"`

	// Provider info
	Provider  string `json:"provider"`
	ModelUsed string `json:"model_used"`

	// Request tracking
	RequestID string `json:"request_id"`
	Attempts  int    `json:"attempts"`
}

// SystemUser is a convenience constructor for the common two-message shape.
func SystemUser(system, user string) []Message {
	if system == "" {
		return []Message{{Role: "user", Content: user}}
	}
	return []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
}

// EstimateTokens approximates the token count of a prompt for rate-limit
// acquisition. Four characters per token is the usual rule of thumb; the
// actual usage is reconciled after the call.
func EstimateTokens(messages []Message) int {
	n := 0
	for _, m := range messages {
		n += len(m.Content)
	}
	est := n / 4
	if est < 1 {
		est = 1
	}
	return est
}

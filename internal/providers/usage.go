package providers

import (
	"context"
	"sync"
)

// ModelUsage accumulates token and cost accounting for one model,
// along with how long calls waited on the rate limiter and how often
// they were served by a fallback model.
type ModelUsage struct {
	Calls            int     `json:"calls"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	WaitedMs         int64   `json:"waited_ms,omitempty"`
	Fallbacks        int     `json:"fallbacks,omitempty"`
}

// UsageTracker wraps an LLMClient and records per-model usage for every
// call that returns accounting, including failed calls that consumed
// tokens. Cache hits count as calls but add no tokens or cost.
type UsageTracker struct {
	inner LLMClient

	mu      sync.Mutex
	byModel map[string]ModelUsage
}

// NewUsageTracker wraps client with usage accounting.
func NewUsageTracker(client LLMClient) *UsageTracker {
	return &UsageTracker{
		inner:   client,
		byModel: make(map[string]ModelUsage),
	}
}

// Name returns the wrapped client's name.
func (t *UsageTracker) Name() string {
	return t.inner.Name()
}

// Chat forwards to the wrapped client and records usage.
func (t *UsageTracker) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	res, err := t.inner.Chat(ctx, req)
	if res != nil {
		model := res.ModelUsed
		if model == "" {
			model = req.Model
		}
		t.mu.Lock()
		u := t.byModel[model]
		u.Calls++
		u.WaitedMs += res.WaitedMs
		if res.Fallback {
			u.Fallbacks++
		}
		if !res.Cached {
			u.PromptTokens += res.PromptTokens
			u.CompletionTokens += res.CompletionTokens
			u.CostUSD += res.CostUSD
		}
		t.byModel[model] = u
		t.mu.Unlock()
	}
	return res, err
}

// Snapshot returns a copy of the per-model usage recorded so far.
func (t *UsageTracker) Snapshot() map[string]ModelUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]ModelUsage, len(t.byModel))
	for model, u := range t.byModel {
		out[model] = u
	}
	return out
}

// TotalCost sums cost across all models.
func (t *UsageTracker) TotalCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total float64
	for _, u := range t.byModel {
		total += u.CostUSD
	}
	return total
}

package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const MockClientName = "mock"

// MockResponse is one scripted reply from a MockClient.
type MockResponse struct {
	Content string
	JSON    json.RawMessage
	Err     error
}

// MockClient is an LLMClient for testing.
type MockClient struct {
	// Configurable behavior
	Latency      time.Duration
	ShouldFail   bool
	FailAfter    int // Fail after N requests (0 = never)
	ResponseText string
	ResponseJSON json.RawMessage

	// Script, when non-empty, supplies replies in call order. Calls past
	// the end fall back to ResponseText/ResponseJSON.
	mu     sync.Mutex
	Script []MockResponse

	// State
	requestCount atomic.Int64
}

// NewMockClient creates a new mock client with sensible defaults.
func NewMockClient() *MockClient {
	return &MockClient{
		Latency:      time.Millisecond,
		ResponseText: "mock response",
	}
}

// Name returns the client identifier.
func (c *MockClient) Name() string {
	return MockClientName
}

// Enqueue appends scripted responses.
func (c *MockClient) Enqueue(responses ...MockResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Script = append(c.Script, responses...)
}

// Chat sends a mock chat request.
func (c *MockClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	start := time.Now()
	count := c.requestCount.Add(1)

	result := &ChatResult{
		RequestID: fmt.Sprintf("mock-%d", count),
		Provider:  MockClientName,
		ModelUsed: req.Model,
		Attempts:  1,
	}

	if c.ShouldFail {
		result.ExecutionTime = time.Since(start)
		return result, fmt.Errorf("mock client configured to fail")
	}
	if c.FailAfter > 0 && int(count) > c.FailAfter {
		result.ExecutionTime = time.Since(start)
		return result, fmt.Errorf("mock client failed after %d requests", c.FailAfter)
	}

	select {
	case <-time.After(c.Latency):
	case <-ctx.Done():
		result.ExecutionTime = time.Since(start)
		return result, ctx.Err()
	}

	content := c.ResponseText
	parsed := c.ResponseJSON

	c.mu.Lock()
	if len(c.Script) > 0 {
		next := c.Script[0]
		c.Script = c.Script[1:]
		c.mu.Unlock()
		if next.Err != nil {
			result.ExecutionTime = time.Since(start)
			return result, next.Err
		}
		content = next.Content
		parsed = next.JSON
	} else {
		c.mu.Unlock()
	}

	result.Content = content
	result.ExecutionTime = time.Since(start)

	// Rough token accounting so rate-limit reconciliation has numbers.
	promptTokens := 0
	for _, m := range req.Messages {
		promptTokens += len(m.Content) / 4
	}
	completionTokens := len(content) / 4
	result.PromptTokens = promptTokens
	result.CompletionTokens = completionTokens
	result.TotalTokens = promptTokens + completionTokens
	result.CostUSD = 0.001

	if req.ResponseFormat != nil {
		if len(parsed) == 0 {
			var err error
			parsed, err = ParseStructuredJSON(content)
			if err != nil {
				return result, err
			}
		}
		if err := ValidateStructuredJSON(req.ResponseFormat.JSONSchema, parsed); err != nil {
			return result, err
		}
		result.ParsedJSON = parsed
		if result.Content == "" {
			result.Content = string(parsed)
		}
	}

	return result, nil
}

// RequestCount returns the number of requests made.
func (c *MockClient) RequestCount() int64 {
	return c.requestCount.Load()
}

// Reset resets the request counter and the script.
func (c *MockClient) Reset() {
	c.requestCount.Store(0)
	c.mu.Lock()
	c.Script = nil
	c.mu.Unlock()
}

// Verify interface
var _ LLMClient = (*MockClient)(nil)

package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	OpenAIName         = "openai"
	openAIDefaultModel = "gpt-4o-mini"
)

// Pricing approximations in USD per 1M tokens, used because chat responses
// report usage but not spend.
var openAIPricing = map[string]struct{ input, output float64 }{
	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
	"gpt-4.1":     {2.00, 8.00},
}

// OpenAIConfig holds configuration for the OpenAI chat client.
type OpenAIConfig struct {
	APIKey       string
	DefaultModel string
	MaxRetries   int           // SDK transport retries (default: 3)
	Timeout      time.Duration // HTTP timeout
	BaseURL      string        // Optional (tests)
	HTTPClient   *http.Client  // Optional (tests)
}

// OpenAIClient implements LLMClient using the official OpenAI SDK.
//
// Structured output is requested by prompt and enforced by local schema
// validation rather than the native response_format surface, so the same
// parse/validate/repair path covers every backend.
type OpenAIClient struct {
	defaultModel string
	client       openai.Client
}

// NewOpenAIClient creates a new OpenAI chat client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openAIDefaultModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIClient{
		defaultModel: cfg.DefaultModel,
		client:       openai.NewClient(opts...),
	}
}

// Name returns the client identifier.
func (c *OpenAIClient) Name() string {
	return OpenAIName
}

// Chat sends a chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	start := time.Now()

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	if req.ResponseFormat != nil {
		instr := fmt.Sprintf("Respond with JSON only, conforming to this schema:\n%s", string(req.ResponseFormat.JSONSchema))
		messages = append(messages, openai.SystemMessage(instr))
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	callCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	result := &ChatResult{
		RequestID: requestID,
		Provider:  OpenAIName,
		Attempts:  1,
	}

	resp, err := c.client.Chat.Completions.New(callCtx, params)
	if err != nil {
		result.ExecutionTime = time.Since(start)
		return result, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		result.ExecutionTime = time.Since(start)
		return result, fmt.Errorf("%w: no choices in response", ErrMalformedResponse)
	}

	result.Content = resp.Choices[0].Message.Content
	result.ModelUsed = resp.Model
	result.PromptTokens = int(resp.Usage.PromptTokens)
	result.CompletionTokens = int(resp.Usage.CompletionTokens)
	result.TotalTokens = int(resp.Usage.TotalTokens)
	result.CostUSD = openAICost(resp.Model, result.PromptTokens, result.CompletionTokens)
	result.ExecutionTime = time.Since(start)

	if req.ResponseFormat != nil {
		parsed, pErr := ParseStructuredJSON(result.Content)
		if pErr != nil {
			return result, pErr
		}
		if vErr := ValidateStructuredJSON(req.ResponseFormat.JSONSchema, parsed); vErr != nil {
			return result, vErr
		}
		result.ParsedJSON = parsed
	}

	return result, nil
}

func openAICost(model string, promptTokens, completionTokens int) float64 {
	// Longest prefix wins so "gpt-4o-mini" is not billed at "gpt-4o" rates.
	best := -1
	var rate struct{ input, output float64 }
	for name, p := range openAIPricing {
		if strings.HasPrefix(model, name) && len(name) > best {
			best = len(name)
			rate = p
		}
	}
	if best < 0 {
		return 0
	}
	return float64(promptTokens)*rate.input/1e6 + float64(completionTokens)*rate.output/1e6
}

// classifyOpenAIError maps SDK errors onto the shared failure sentinels.
// 429s and 5xxs are retryable upstream failures; 4xxs are caller errors.
func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		return err
	}
	// Network and timeout failures from the transport.
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}

// Verify interface
var _ LLMClient = (*OpenAIClient)(nil)

package llm

import (
	"bytes"
	stdcontext "context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kvashenko/valet/internal/logger"
)

const (
	// OpenAIEndpoint is the default base URL for the chat completions API.
	OpenAIEndpoint = "https://api.openai.com/v1/chat/completions"
	// OpenAIRequestTimeout is the default timeout for API requests.
	OpenAIRequestTimeout = 60 * time.Second
)

// OpenAIConfig contains configuration for the OpenAI-compatible provider.
type OpenAIConfig struct {
	APIKey            string `json:"api_key"`
	BaseURL           string `json:"base_url"`            // Override for compatible gateways
	Model             string `json:"model"`               // Default model (optional)
	TimeoutSeconds    int    `json:"timeout_seconds"`     // HTTP request timeout in seconds
	RequestsPerMinute int    `json:"requests_per_minute"` // 0 disables client-side rate limiting
}

// OpenAIProvider implements the Provider interface against any
// OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	client  *http.Client
	config  OpenAIConfig
	apiURL  string
	logger  *logger.Logger
	limiter *TokenBucketRateLimiter
}

type oaiRequest struct {
	Messages    []oaiMessage `json:"messages"`
	Model       string       `json:"model"`
	Temperature float64      `json:"temperature,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Tools       []oaiTool    `json:"tools,omitempty"`
	ToolChoice  string       `json:"tool_choice,omitempty"`
}

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
}

type oaiTool struct {
	Type     string                 `json:"type"` // Always "function"
	Function map[string]interface{} `json:"function"`
}

type oaiResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []oaiChoice  `json:"choices"`
	Usage   oaiUsage     `json:"usage"`
	Error   *oaiAPIError `json:"error,omitempty"`
}

type oaiChoice struct {
	Index        int        `json:"index"`
	Message      oaiMessage `json:"message"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

type oaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaiAPIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// NewOpenAIProvider creates a new OpenAIProvider instance.
func NewOpenAIProvider(cfg OpenAIConfig, log *logger.Logger) *OpenAIProvider {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	apiURL := cfg.BaseURL
	if apiURL == "" {
		apiURL = OpenAIEndpoint
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = OpenAIRequestTimeout
	}

	var limiter *TokenBucketRateLimiter
	if cfg.RequestsPerMinute > 0 {
		limiter = NewTokenBucketRateLimiter(cfg.RequestsPerMinute, time.Minute, cfg.RequestsPerMinute)
	}

	return &OpenAIProvider{
		client: &http.Client{
			Timeout: timeout,
		},
		config:  cfg,
		apiURL:  apiURL,
		logger:  log,
		limiter: limiter,
	}
}

// httpError represents a non-2xx response from the API.
type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP error: status=%d, body=%s", e.StatusCode, e.Body)
}

// doRequest executes a single HTTP request to the API.
func (p *OpenAIProvider) doRequest(ctx stdcontext.Context, reqBody []byte) (*oaiResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.config.APIKey))

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		p.logger.ErrorCtx(ctx, "failed to execute chat completion request", err)
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		p.logger.ErrorCtx(ctx, "failed to read response body", err)
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		p.logger.ErrorCtx(ctx, "chat completion API returned error status", nil,
			logger.Field{Key: "status_code", Value: httpResp.StatusCode},
			logger.Field{Key: "response_body", Value: string(respBody)})

		return nil, &httpError{
			StatusCode: httpResp.StatusCode,
			Body:       string(respBody),
		}
	}

	var resp oaiResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		p.logger.ErrorCtx(ctx, "failed to unmarshal chat completion response", err,
			logger.Field{Key: "response_body", Value: string(respBody)})
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("API error: %s (code: %s): %s",
			resp.Error.Type, resp.Error.Code, resp.Error.Message)
	}

	return &resp, nil
}

// mapChatRequest maps the internal ChatRequest to API format.
func (p *OpenAIProvider) mapChatRequest(req ChatRequest) oaiRequest {
	messages := make([]oaiMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = oaiMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			call := oaiToolCall{ID: tc.ID, Type: "function"}
			call.Function.Name = tc.Name
			call.Function.Arguments = tc.Arguments
			messages[i].ToolCalls = append(messages[i].ToolCalls, call)
		}
	}

	oaiReq := oaiRequest{
		Messages:    messages,
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if oaiReq.Model == "" {
		oaiReq.Model = p.config.Model
	}

	if len(req.Tools) > 0 {
		oaiReq.Tools = make([]oaiTool, len(req.Tools))
		for i, tool := range req.Tools {
			oaiReq.Tools[i] = oaiTool{
				Type: "function",
				Function: map[string]interface{}{
					"name":        tool.Name,
					"description": tool.Description,
					"parameters":  tool.Parameters,
				},
			}
		}
		oaiReq.ToolChoice = "auto"
	}

	return oaiReq
}

// mapChatResponse maps the API response to the internal ChatResponse format.
func (p *OpenAIProvider) mapChatResponse(resp *oaiResponse) *ChatResponse {
	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}

	if len(resp.Choices) == 0 {
		return &ChatResponse{
			Content:      "",
			FinishReason: FinishReasonError,
			ToolCalls:    []ToolCall{},
			Usage:        usage,
			Model:        resp.Model,
		}
	}

	choice := resp.Choices[0]

	toolCalls := make([]ToolCall, len(choice.Message.ToolCalls))
	for i, tc := range choice.Message.ToolCalls {
		toolCalls[i] = ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}
	}

	return &ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: FinishReason(choice.FinishReason),
		ToolCalls:    toolCalls,
		Usage:        usage,
		Model:        resp.Model,
	}
}

// Chat sends a chat completion request to the API.
func (p *OpenAIProvider) Chat(ctx stdcontext.Context, req ChatRequest) (*ChatResponse, error) {
	p.logger.DebugCtx(ctx, "sending chat completion request",
		logger.Field{Key: "model", Value: req.Model},
		logger.Field{Key: "messages_count", Value: len(req.Messages)},
		logger.Field{Key: "tools_count", Value: len(req.Tools)})

	if p.limiter != nil {
		if ok, retryAfter := p.limiter.TryAcquire(); !ok {
			p.logger.WarnCtx(ctx, "chat completion rate limit exceeded",
				logger.Field{Key: "retry_after", Value: retryAfter.String()})
			return nil, &RateLimitExceededError{RetryAfter: retryAfter}
		}
	}

	reqBody := p.mapChatRequest(req)
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := p.doRequest(ctx, jsonBody)
	if err != nil {
		return nil, err
	}

	return p.mapChatResponse(resp), nil
}

// SupportsToolCalling implements the Provider interface.
func (p *OpenAIProvider) SupportsToolCalling() bool {
	return true
}

// GetDefaultModel implements the Provider interface.
func (p *OpenAIProvider) GetDefaultModel() string {
	return p.config.Model
}

// Package llm defines the contract the agent loop depends on: a chat
// completion provider that accepts a message history plus tool definitions
// and returns text and/or requested tool calls. The runtime itself is an
// external collaborator; this package ships an OpenAI-compatible HTTP client
// and a mock for tests.
package llm

import (
	"context"
)

// Provider defines the interface for LLM chat-completion providers.
type Provider interface {
	// Chat sends a chat completion request to the provider. It takes a
	// context for cancellation/timeout and a ChatRequest with the
	// conversation parameters, and returns a ChatResponse with the model's
	// reply.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// SupportsToolCalling returns true if the provider supports
	// tool/function calling.
	SupportsToolCalling() bool

	// GetDefaultModel returns the default model identifier for this
	// provider.
	GetDefaultModel() string
}

// Role represents the role of a message sender in the conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message represents a single message in the chat conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCallID is set for RoleTool messages to identify which tool call
	// this result is for.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolCalls is set for RoleAssistant messages that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// FinishReason indicates why the model stopped generating tokens.
type FinishReason string

const (
	FinishReasonStop      FinishReason = "stop"
	FinishReasonLength    FinishReason = "length"
	FinishReasonToolCalls FinishReason = "tool_calls"
	FinishReasonError     FinishReason = "error"
)

// ToolCall represents a requested tool/function call by the model.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Arguments is a JSON string containing the arguments for the call.
	Arguments string `json:"arguments"`
}

// Usage tracks token usage information for the request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatRequest represents a request to the provider for chat completion.
type ChatRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`

	// Tools is a list of tools the model can call. Only used if supported.
	Tools []ToolDefinition `json:"tools,omitempty"`
}

// ToolDefinition defines a tool that the model can call.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	// Parameters is a JSON Schema object describing the tool's input.
	Parameters map[string]interface{} `json:"parameters"`
}

// ChatResponse represents a response from the provider.
type ChatResponse struct {
	Content      string       `json:"content"`
	FinishReason FinishReason `json:"finish_reason"`
	ToolCalls    []ToolCall   `json:"tool_calls"`
	Usage        Usage        `json:"usage"`

	// Model is the actual model used for the completion.
	Model string `json:"model"`
}

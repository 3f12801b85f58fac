package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedProvider is a mock implementation of the Provider interface. It
// plays back a fixed sequence of responses, which lets tests script
// multi-step tool-calling conversations. When the script runs out it keeps
// returning the last response.
type ScriptedProvider struct {
	mu        sync.Mutex
	script    []ChatResponse
	index     int
	callCount int
	failWith  error

	// Requests records every request received, for assertions.
	Requests []ChatRequest
}

// NewScriptedProvider creates a mock provider that plays back the given
// responses in order.
func NewScriptedProvider(script ...ChatResponse) *ScriptedProvider {
	return &ScriptedProvider{script: script}
}

// NewFixedProvider creates a mock provider that always returns a plain text
// response with no tool calls.
func NewFixedProvider(text string) *ScriptedProvider {
	return NewScriptedProvider(ChatResponse{
		Content:      text,
		FinishReason: FinishReasonStop,
	})
}

// NewErrorProvider creates a mock provider that always returns an error.
func NewErrorProvider(err error) *ScriptedProvider {
	return &ScriptedProvider{failWith: err}
}

// ToolCallResponse is a convenience constructor for a scripted step that
// requests a single tool call.
func ToolCallResponse(id, name, arguments string) ChatResponse {
	return ChatResponse{
		FinishReason: FinishReasonToolCalls,
		ToolCalls: []ToolCall{
			{ID: id, Name: name, Arguments: arguments},
		},
	}
}

// Chat implements the Provider interface.
func (m *ScriptedProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callCount++
	m.Requests = append(m.Requests, req)

	if m.failWith != nil {
		return nil, m.failWith
	}
	if len(m.script) == 0 {
		return nil, fmt.Errorf("scripted provider has no responses")
	}

	resp := m.script[m.index]
	if m.index < len(m.script)-1 {
		m.index++
	}
	return &resp, nil
}

// SupportsToolCalling implements the Provider interface.
func (m *ScriptedProvider) SupportsToolCalling() bool {
	return true
}

// GetDefaultModel implements the Provider interface.
func (m *ScriptedProvider) GetDefaultModel() string {
	return "scripted"
}

// CallCount returns the number of Chat invocations received.
func (m *ScriptedProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

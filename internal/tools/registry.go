// Package tools implements the agent's side-effecting functions: task and
// project mutation, scheduling, memory, email and web research. Every tool
// has a name, a JSON Schema for its input and one execution entry point
// returning a structured {success, ...} result. Tools carry no hidden global
// state; every dependency is injected at registry construction.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kvashenko/valet/internal/store"
)

// Tool defines the interface that all tools must implement.
// A tool represents a function that can be called by the LLM agent.
type Tool interface {
	// Name returns the unique name of the tool.
	Name() string

	// Description returns a human-readable description of what the tool
	// does, shown to the LLM so it knows when to call it.
	Description() string

	// Parameters returns a JSON Schema object describing the tool's input
	// parameters, in OpenAI function calling format.
	Parameters() map[string]any

	// Execute runs the tool. args is a JSON-encoded string of the tool's
	// input parameters. The returned string is a JSON {success, ...}
	// result; a non-nil error means an infrastructure fault, not a
	// business-logic failure.
	Execute(ctx context.Context, args string) (string, error)
}

// TerminalTool is an optional interface for tools whose successful call ends
// the agent run. markTaskComplete and requestHumanInput implement it.
type TerminalTool interface {
	Tool

	// TerminalState returns the run state to record when this tool
	// succeeds.
	TerminalState() store.AgentRunState
}

// Registry manages the collection of available tools.
// It provides thread-safe operations for registering and retrieving tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a new empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry.
// If a tool with the same name already exists, it will be replaced.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("cannot register nil tool")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	r.tools[name] = tool
	return nil
}

// Get retrieves a tool by its name.
// Returns the tool and true if found, nil and false otherwise.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all registered tools as a slice.
// The order of tools is not guaranteed.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}

	return tools
}

// ToSchema converts the registered tools to OpenAI-compatible function
// definitions for the LLM request.
func (r *Registry) ToSchema() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		schemas = append(schemas, ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Parameters(),
		})
	}

	return schemas
}

// ToolDefinition represents a tool definition in OpenAI function calling format.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall represents a tool call request from the LLM.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Arguments is a JSON string containing the tool's input parameters.
	Arguments string `json:"arguments"`
}

// ToolResult represents the result of executing a tool.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Content    string `json:"content"`
	Error      string `json:"error,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`

	// Failure carries the structured error for failed calls, nil on
	// success.
	Failure *ToolError `json:"failure,omitempty"`

	// Stopped reports that the tool ended the agent run.
	Stopped bool `json:"stopped,omitempty"`

	// TerminalState is the run state a terminal tool requested; empty
	// unless Stopped.
	TerminalState store.AgentRunState `json:"terminal_state,omitempty"`
}

// ExecutionConfig bounds a single tool execution.
type ExecutionConfig struct {
	Timeout time.Duration
}

// DefaultExecutionConfig returns the default execution configuration.
func DefaultExecutionConfig() *ExecutionConfig {
	return &ExecutionConfig{
		Timeout: 30 * time.Second,
	}
}

// ExecuteToolCall executes one tool call against the registry with a
// per-call timeout. Any failure (unknown tool, malformed arguments, tool
// error, timeout) is captured into the result instead of being returned,
// so a bad call never crashes the agent loop.
func ExecuteToolCall(ctx context.Context, registry *Registry, tc ToolCall, cfg *ExecutionConfig) ToolResult {
	if cfg == nil {
		cfg = DefaultExecutionConfig()
	}

	result := ToolResult{ToolCallID: tc.ID, ToolName: tc.Name}

	tool, ok := registry.Get(tc.Name)
	if !ok {
		te := NewNotFoundError("unknown_tool",
			fmt.Sprintf("unknown tool: %s", tc.Name),
			"Call one of the tools listed in the request schema.")
		result.Error = te.Message
		result.Failure = te
		result.Content = te.ToLLMContext()
		return result
	}

	execCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	content, err := tool.Execute(execCtx, tc.Arguments)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			result.TimedOut = true
		}
		var te *ToolError
		if !errors.As(err, &te) {
			code := "execution_failed"
			if result.TimedOut {
				code = "timeout"
			}
			te = &ToolError{Code: code, Message: err.Error()}
		}
		result.Error = te.Message
		result.Failure = te
		result.Content = te.ToLLMContext()
		return result
	}

	result.Content = content
	if term, ok := tool.(TerminalTool); ok && resultSucceeded(content) {
		result.Stopped = true
		result.TerminalState = term.TerminalState()
	}
	return result
}

// resultSucceeded reports whether a tool's JSON result has success=true.
func resultSucceeded(content string) bool {
	var probe struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal([]byte(content), &probe); err != nil {
		return false
	}
	return probe.Success
}

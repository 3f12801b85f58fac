// Package loop drives the agent's bounded tool-calling loop: call the LLM
// with the running message history, execute any tool calls it emits, feed
// the results back and repeat until the model answers without tools, a
// terminal tool fires, or the step bound is hit. Interactive runs get a
// small bound to keep latency low; background runs, where no human is
// waiting, get a larger one.
package loop

import (
	"context"
	"fmt"

	"github.com/kvashenko/valet/internal/llm"
	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/store"
	"github.com/kvashenko/valet/internal/tools"
)

// Step bounds by run context.
const (
	DefaultInteractiveSteps = 5
	DefaultBackgroundSteps  = 20
)

// Observer sees every tool invocation and its result, for the activity log.
// Observation is for logging side effects only, never for control flow.
type Observer interface {
	OnToolCall(ctx context.Context, call tools.ToolCall)
	OnToolResult(ctx context.Context, result tools.ToolResult)
}

// Config holds configuration for the runner.
type Config struct {
	Provider    llm.Provider
	Registry    *tools.Registry
	Logger      *logger.Logger
	Model       string
	MaxTokens   int
	Temperature float64

	// MaxSteps bounds the number of model invocations in one run.
	MaxSteps int

	Observer   Observer
	ExecConfig *tools.ExecutionConfig
}

// Runner executes agent runs.
type Runner struct {
	provider llm.Provider
	registry *tools.Registry
	logger   *logger.Logger
	config   Config
}

// Result is the outcome of one agent run.
type Result struct {
	// FinalText is the assistant's last text. When the step bound cuts
	// the run short this is the last available text, possibly empty.
	FinalText string

	// Steps counts model invocations made.
	Steps int

	// Stopped reports that a terminal tool ended the run.
	Stopped bool

	// TerminalState is the run state a terminal tool requested, empty
	// otherwise.
	TerminalState store.AgentRunState

	// Messages is the full history accumulated during the run, for
	// persistence by the caller.
	Messages []llm.Message
}

// NewRunner creates a new Runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("LLM provider cannot be nil")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultBackgroundSteps
	}
	return &Runner{
		provider: cfg.Provider,
		registry: cfg.Registry,
		logger:   cfg.Logger,
		config:   cfg,
	}, nil
}

// Run executes one agent run to completion. A tool call failure never
// aborts the run; it is fed back to the model as a {success:false} result.
// Only LLM transport errors propagate.
func (r *Runner) Run(ctx context.Context, systemPrompt string, initial []llm.Message) (*Result, error) {
	messages := make([]llm.Message, 0, len(initial)+1)
	if systemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	}
	messages = append(messages, initial...)

	result := &Result{}

	for step := 0; step < r.config.MaxSteps; step++ {
		req := llm.ChatRequest{
			Messages:    messages,
			Model:       r.config.Model,
			Temperature: r.config.Temperature,
			MaxTokens:   r.config.MaxTokens,
		}
		if r.provider.SupportsToolCalling() {
			req.Tools = r.toolDefinitions()
		}

		resp, err := r.provider.Chat(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("LLM call failed: %w", err)
		}
		result.Steps++

		r.logger.DebugCtx(ctx, "LLM response received",
			logger.Field{Key: "finish_reason", Value: resp.FinishReason},
			logger.Field{Key: "tool_calls_count", Value: len(resp.ToolCalls)},
			logger.Field{Key: "step", Value: result.Steps})

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		if resp.Content != "" {
			result.FinalText = resp.Content
		}

		if resp.FinishReason != llm.FinishReasonToolCalls || len(resp.ToolCalls) == 0 {
			result.Messages = messages
			return result, nil
		}

		stopped, terminal := r.executeToolCalls(ctx, resp.ToolCalls, &messages)
		if stopped {
			result.Stopped = true
			result.TerminalState = terminal
			result.Messages = messages
			return result, nil
		}
	}

	r.logger.WarnCtx(ctx, "step bound reached, ending run",
		logger.Field{Key: "max_steps", Value: r.config.MaxSteps})
	result.Messages = messages
	return result, nil
}

// executeToolCalls runs the model's tool calls in emission order and
// appends their results to the history in that same order. It reports
// whether a terminal tool ended the run and with which run state.
func (r *Runner) executeToolCalls(ctx context.Context, calls []llm.ToolCall, messages *[]llm.Message) (bool, store.AgentRunState) {
	stopped := false
	var terminal store.AgentRunState

	for _, tc := range calls {
		call := tools.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
		if r.config.Observer != nil {
			r.config.Observer.OnToolCall(ctx, call)
		}

		toolResult := tools.ExecuteToolCall(ctx, r.registry, call, r.config.ExecConfig)

		if toolResult.Error != "" {
			fields := []logger.Field{
				{Key: "tool_name", Value: call.Name},
				{Key: "tool_call_id", Value: call.ID},
				{Key: "timed_out", Value: toolResult.TimedOut},
			}
			if toolResult.Failure != nil {
				fields = append(fields, toolResult.Failure.LogFields()...)
			} else {
				fields = append(fields, logger.Field{Key: "error", Value: toolResult.Error})
			}
			r.logger.WarnCtx(ctx, "tool execution failed", fields...)
		} else {
			r.logger.DebugCtx(ctx, "tool execution completed",
				logger.Field{Key: "tool_name", Value: call.Name},
				logger.Field{Key: "tool_call_id", Value: call.ID})
		}

		if r.config.Observer != nil {
			r.config.Observer.OnToolResult(ctx, toolResult)
		}

		*messages = append(*messages, llm.Message{
			Role:       llm.RoleTool,
			Content:    toolResult.Content,
			ToolCallID: toolResult.ToolCallID,
		})

		if toolResult.Stopped && !stopped {
			stopped = true
			terminal = toolResult.TerminalState
		}
	}
	return stopped, terminal
}

// toolDefinitions converts the registry schema to LLM tool definitions.
func (r *Runner) toolDefinitions() []llm.ToolDefinition {
	schemas := r.registry.ToSchema()
	if len(schemas) == 0 {
		return nil
	}
	defs := make([]llm.ToolDefinition, len(schemas))
	for i, schema := range schemas {
		defs[i] = llm.ToolDefinition{
			Name:        schema.Name,
			Description: schema.Description,
			Parameters:  schema.Parameters,
		}
	}
	return defs
}

package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvashenko/valet/internal/llm"
	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/store"
	"github.com/kvashenko/valet/internal/tools"
)

// countingTool succeeds and counts its calls.
type countingTool struct {
	mu    sync.Mutex
	name  string
	calls int
	fail  bool
}

func (t *countingTool) Name() string               { return t.name }
func (t *countingTool) Description() string        { return "test tool" }
func (t *countingTool) Parameters() map[string]any { return map[string]any{"type": "object"} }

func (t *countingTool) Execute(ctx context.Context, args string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.fail {
		return "", errors.New("tool exploded")
	}
	return fmt.Sprintf(`{"success":true,"calls":%d}`, t.calls), nil
}

// finishTool ends the run on success.
type finishTool struct {
	countingTool
}

func (t *finishTool) TerminalState() store.AgentRunState { return store.RunStateCompleted }

// recordingObserver captures observed calls and results.
type recordingObserver struct {
	mu      sync.Mutex
	calls   []tools.ToolCall
	results []tools.ToolResult
}

func (o *recordingObserver) OnToolCall(ctx context.Context, call tools.ToolCall) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, call)
}

func (o *recordingObserver) OnToolResult(ctx context.Context, result tools.ToolResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, result)
}

func newRunner(t *testing.T, provider llm.Provider, registry *tools.Registry, maxSteps int, obs Observer) *Runner {
	t.Helper()
	runner, err := NewRunner(Config{
		Provider: provider,
		Registry: registry,
		Logger:   logger.Discard(),
		MaxSteps: maxSteps,
		Observer: obs,
	})
	require.NoError(t, err)
	return runner
}

func userMessage(text string) []llm.Message {
	return []llm.Message{{Role: llm.RoleUser, Content: text}}
}

func TestRunPlainAnswer(t *testing.T) {
	provider := llm.NewFixedProvider("All done, nothing to schedule.")
	registry := tools.NewRegistry()

	runner := newRunner(t, provider, registry, DefaultInteractiveSteps, nil)
	result, err := runner.Run(context.Background(), "You are a helpful valet.", userMessage("hi"))
	require.NoError(t, err)

	assert.Equal(t, "All done, nothing to schedule.", result.FinalText)
	assert.Equal(t, 1, result.Steps)
	assert.False(t, result.Stopped)

	// system + user + assistant
	require.Len(t, result.Messages, 3)
	assert.Equal(t, llm.RoleSystem, result.Messages[0].Role)
	assert.Equal(t, llm.RoleAssistant, result.Messages[2].Role)

	// Tool schemas travel with the request.
	require.Len(t, provider.Requests, 1)
}

func TestRunExecutesToolsAndFeedsResultsBack(t *testing.T) {
	tool := &countingTool{name: "lookup"}
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tool))

	provider := llm.NewScriptedProvider(
		llm.ToolCallResponse("c1", "lookup", `{}`),
		llm.ChatResponse{Content: "Found it.", FinishReason: llm.FinishReasonStop},
	)

	obs := &recordingObserver{}
	runner := newRunner(t, provider, registry, DefaultInteractiveSteps, obs)
	result, err := runner.Run(context.Background(), "", userMessage("find x"))
	require.NoError(t, err)

	assert.Equal(t, "Found it.", result.FinalText)
	assert.Equal(t, 2, result.Steps)
	assert.Equal(t, 1, tool.calls)

	// Second request carries the tool result message.
	require.Len(t, provider.Requests, 2)
	last := provider.Requests[1].Messages[len(provider.Requests[1].Messages)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
	assert.Contains(t, last.Content, `"success":true`)

	// Observer saw the call and the result.
	require.Len(t, obs.calls, 1)
	require.Len(t, obs.results, 1)
	assert.Equal(t, "lookup", obs.calls[0].Name)
}

func TestRunToolFailureNeverCrashesLoop(t *testing.T) {
	tool := &countingTool{name: "flaky", fail: true}
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tool))

	provider := llm.NewScriptedProvider(
		llm.ToolCallResponse("c1", "flaky", `{}`),
		llm.ChatResponse{Content: "The tool failed, reporting that.", FinishReason: llm.FinishReasonStop},
	)

	runner := newRunner(t, provider, registry, DefaultInteractiveSteps, nil)
	result, err := runner.Run(context.Background(), "", userMessage("go"))
	require.NoError(t, err, "tool failures are results, not run errors")

	assert.Equal(t, 2, result.Steps)
	// The failure was fed back as a structured tool error.
	last := provider.Requests[1].Messages[len(provider.Requests[1].Messages)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Contains(t, last.Content, "Code: execution_failed")
	assert.Contains(t, last.Content, "tool exploded")
}

func TestRunStepBound(t *testing.T) {
	tool := &countingTool{name: "again"}
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tool))

	// The model would call tools forever.
	provider := llm.NewScriptedProvider(llm.ToolCallResponse("c", "again", `{}`))

	runner := newRunner(t, provider, registry, 5, nil)
	result, err := runner.Run(context.Background(), "", userMessage("loop"))
	require.NoError(t, err)

	assert.Equal(t, 5, result.Steps, "terminates at exactly maxSteps model invocations")
	assert.Equal(t, 5, provider.CallCount())
	assert.False(t, result.Stopped)
}

func TestRunTerminalToolStopsRun(t *testing.T) {
	finish := &finishTool{countingTool{name: "mark_done"}}
	again := &countingTool{name: "again"}
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(finish))
	require.NoError(t, registry.Register(again))

	provider := llm.NewScriptedProvider(
		llm.ToolCallResponse("c1", "again", `{}`),
		llm.ToolCallResponse("c2", "mark_done", `{}`),
		// Would keep going, but the terminal tool must stop the run.
		llm.ToolCallResponse("c3", "again", `{}`),
	)

	runner := newRunner(t, provider, registry, 10, nil)
	result, err := runner.Run(context.Background(), "", userMessage("finish the task"))
	require.NoError(t, err)

	assert.True(t, result.Stopped)
	assert.Equal(t, store.RunStateCompleted, result.TerminalState)
	assert.Equal(t, 2, result.Steps)
	assert.Equal(t, 1, again.calls)
	assert.Equal(t, 1, finish.calls)
}

func TestRunLLMErrorPropagates(t *testing.T) {
	provider := llm.NewErrorProvider(errors.New("upstream 500"))
	runner := newRunner(t, provider, tools.NewRegistry(), 5, nil)

	_, err := runner.Run(context.Background(), "", userMessage("hi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream 500")
}

func TestNewRunnerValidation(t *testing.T) {
	_, err := NewRunner(Config{Registry: tools.NewRegistry(), Logger: logger.Discard()})
	require.Error(t, err)

	_, err = NewRunner(Config{Provider: llm.NewFixedProvider("x"), Logger: logger.Discard()})
	require.Error(t, err)

	_, err = NewRunner(Config{Provider: llm.NewFixedProvider("x"), Registry: tools.NewRegistry()})
	require.Error(t, err)
}

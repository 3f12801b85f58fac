package tools

import (
	"context"
	"fmt"
	"time"
)

// CurrentTimeArgs represents the arguments for the current_time tool.
type CurrentTimeArgs struct{}

// CurrentTimeTool reports the current time in the agent's timezone.
type CurrentTimeTool struct {
	deps Deps
}

// NewCurrentTimeTool creates a new CurrentTimeTool instance.
func NewCurrentTimeTool(deps Deps) *CurrentTimeTool {
	return &CurrentTimeTool{deps: deps}
}

func (t *CurrentTimeTool) Name() string {
	return "current_time"
}

func (t *CurrentTimeTool) Description() string {
	return "Get the current date and time in the user's timezone. Call this before scheduling anything relative like 'tomorrow' or 'in two hours'."
}

func (t *CurrentTimeTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

func (t *CurrentTimeTool) Execute(ctx context.Context, args string) (string, error) {
	now := time.Now().In(t.deps.location())
	return successResult(map[string]any{
		"rfc3339":  now.Format(time.RFC3339),
		"readable": now.Format("Monday, 02 January 2006, 15:04"),
		"timezone": t.deps.location().String(),
		"weekday":  fmt.Sprint(now.Weekday()),
	})
}

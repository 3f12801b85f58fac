package activity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/store/storetest"
	"github.com/kvashenko/valet/internal/tools"
)

func TestRecorderDrainsToStore(t *testing.T) {
	mem := storetest.New()
	rec := NewRecorder(mem, logger.Discard(), 16)
	rec.Start(context.Background())

	run := rec.For("agent-1", "conv-1")
	run.OnToolCall(context.Background(), tools.ToolCall{ID: "c1", Name: "create_task", Arguments: `{"title":"x"}`})
	run.OnToolResult(context.Background(), tools.ToolResult{ToolCallID: "c1", ToolName: "create_task", Content: `{"success":true}`})

	rec.Stop()

	calls := mem.ActivityByKind("tool_call")
	require.Len(t, calls, 1)
	assert.Equal(t, "create_task", calls[0].ToolName)
	assert.Equal(t, "conv-1", calls[0].ConversationID)

	results := mem.ActivityByKind("tool_result")
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.EqualValues(t, 0, rec.Dropped())
}

func TestRecorderFullQueueDropsInsteadOfBlocking(t *testing.T) {
	mem := storetest.New()
	rec := NewRecorder(mem, logger.Discard(), 1)
	// Not started: nothing drains the queue.

	run := rec.For("agent-1", "conv-1")
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			run.OnToolCall(context.Background(), tools.ToolCall{ID: "c", Name: "t"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recorder blocked on a full queue")
	}
	assert.EqualValues(t, 9, rec.Dropped())
}

func TestFailedResultTriggersBugReport(t *testing.T) {
	mem := storetest.New()
	rec := NewRecorder(mem, logger.Discard(), 16)
	rec.Reporter = NewBugReporter(mem, logger.Discard())
	rec.Start(context.Background())
	defer rec.Stop()

	run := rec.For("agent-1", "conv-1")
	failed := tools.ToolResult{ToolCallID: "c1", ToolName: "send_email", Error: "gateway unreachable"}

	run.OnToolResult(context.Background(), failed)
	require.Len(t, mem.Tasks, 1)
	for _, task := range mem.Tasks {
		assert.Equal(t, "Tool failure: send_email", task.Title)
		assert.Contains(t, task.Description, "gateway unreachable")
		assert.Equal(t, "low", task.Priority)
	}

	// Same failure within the window is deduplicated.
	run.OnToolResult(context.Background(), failed)
	assert.Len(t, mem.Tasks, 1)

	// A different tool failing files its own report.
	run.OnToolResult(context.Background(), tools.ToolResult{ToolCallID: "c2", ToolName: "web_research", Error: "timeout"})
	assert.Len(t, mem.Tasks, 2)
}

func TestBugReportDedupWindowExpires(t *testing.T) {
	mem := storetest.New()
	reporter := NewBugReporter(mem, logger.Discard())

	reporter.Report(context.Background(), "agent-1", tools.ToolResult{ToolName: "send_email", Error: "boom"})
	require.Len(t, mem.Tasks, 1)

	// Age the existing report past the window.
	for _, task := range mem.Tasks {
		task.CreatedAt = time.Now().Add(-25 * time.Hour)
	}

	reporter.Report(context.Background(), "agent-1", tools.ToolResult{ToolName: "send_email", Error: "boom"})
	assert.Len(t, mem.Tasks, 2)
}

package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvashenko/valet/internal/store"
)

func TestSaveMemory(t *testing.T) {
	env := newTestEnv()
	tool := NewSaveMemoryTool(env.deps)

	content, err := tool.Execute(context.Background(),
		`{"title":"Coffee preference","content":"User takes oat milk, no sugar.","metadata":{"source":"chat"}}`)
	require.NoError(t, err)
	require.Equal(t, true, decodeResult(t, content)["success"])

	require.Len(t, env.mem.Memories, 1)
	chunk := env.mem.Memories[0]
	assert.Equal(t, "agent-1", chunk.AgentID)
	assert.Equal(t, "note", chunk.SourceType)
	assert.Equal(t, "conv-1", chunk.SourceID)
	assert.NotEmpty(t, chunk.Embedding)
	assert.Contains(t, string(chunk.Metadata), "chat")
}

func TestSearchMemory(t *testing.T) {
	env := newTestEnv()
	env.mem.SearchResults = []store.MemoryMatch{
		{SourceType: "note", SourceID: "conv-9", Title: "Coffee preference", Content: "Oat milk, no sugar", Similarity: 0.91},
	}
	tool := NewSearchMemoryTool(env.deps)

	content, err := tool.Execute(context.Background(), `{"query":"how does the user take coffee"}`)
	require.NoError(t, err)
	result := decodeResult(t, content)
	require.Equal(t, true, result["success"])
	assert.EqualValues(t, 1, result["count"])

	match := result["matches"].([]any)[0].(map[string]any)
	assert.Equal(t, "Coffee preference", match["title"])
	assert.InDelta(t, 0.91, match["similarity"], 1e-6)
	assert.Equal(t, 1, env.embedder.Calls, "query is embedded once")
}

func TestSearchMemoryRequiresQuery(t *testing.T) {
	env := newTestEnv()
	tool := NewSearchMemoryTool(env.deps)

	content, err := tool.Execute(context.Background(), `{}`)
	require.NoError(t, err)
	assert.Equal(t, false, decodeResult(t, content)["success"])
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kvashenko/valet/internal/store"
)

// SearchMemoryArgs represents the arguments for the search_memory tool.
type SearchMemoryArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// SearchMemoryTool runs a semantic similarity search over saved memory.
type SearchMemoryTool struct {
	deps Deps
}

// NewSearchMemoryTool creates a new SearchMemoryTool instance.
func NewSearchMemoryTool(deps Deps) *SearchMemoryTool {
	return &SearchMemoryTool{deps: deps}
}

func (t *SearchMemoryTool) Name() string {
	return "search_memory"
}

func (t *SearchMemoryTool) Description() string {
	return "Search saved memory semantically. Use before answering questions about past conversations, preferences or facts."
}

func (t *SearchMemoryTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "What to look for",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum matches to return, defaults to 5",
			},
		},
		"required": []string{"query"},
	}
}

func (t *SearchMemoryTool) Execute(ctx context.Context, args string) (string, error) {
	var parsed SearchMemoryArgs
	if err := parseJSON(args, &parsed); err != nil {
		return invalidArgsResult(err)
	}
	if parsed.Query == "" {
		return failureResult("query is required")
	}
	limit := parsed.Limit
	if limit <= 0 || limit > 20 {
		limit = 5
	}

	vec, err := t.deps.Embedder.Embed(ctx, parsed.Query)
	if err != nil {
		return "", fmt.Errorf("failed to embed query: %w", err)
	}

	matches, err := t.deps.Store.SearchMemory(ctx, vec, t.deps.AgentID, limit, 0.3)
	if err != nil {
		return "", fmt.Errorf("memory search failed: %w", err)
	}

	out := make([]map[string]any, 0, len(matches))
	for _, m := range matches {
		out = append(out, map[string]any{
			"sourceType": m.SourceType,
			"sourceId":   m.SourceID,
			"title":      m.Title,
			"content":    m.Content,
			"similarity": m.Similarity,
		})
	}
	return successResult(map[string]any{"matches": out, "count": len(out)})
}

// SaveMemoryArgs represents the arguments for the save_memory tool.
type SaveMemoryArgs struct {
	Title    string         `json:"title"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SaveMemoryTool embeds and stores a piece of memory.
type SaveMemoryTool struct {
	deps Deps
}

// NewSaveMemoryTool creates a new SaveMemoryTool instance.
func NewSaveMemoryTool(deps Deps) *SaveMemoryTool {
	return &SaveMemoryTool{deps: deps}
}

func (t *SaveMemoryTool) Name() string {
	return "save_memory"
}

func (t *SaveMemoryTool) Description() string {
	return "Save a fact, preference or observation to long-term memory so later conversations can recall it."
}

func (t *SaveMemoryTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title": map[string]any{
				"type":        "string",
				"description": "Short label for the memory",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "The memory itself",
			},
			"metadata": map[string]any{
				"type":        "object",
				"description": "Optional structured context",
			},
		},
		"required": []string{"title", "content"},
	}
}

func (t *SaveMemoryTool) Execute(ctx context.Context, args string) (string, error) {
	var parsed SaveMemoryArgs
	if err := parseJSON(args, &parsed); err != nil {
		return invalidArgsResult(err)
	}
	if parsed.Title == "" || parsed.Content == "" {
		return failureResult("title and content are required")
	}

	vec, err := t.deps.Embedder.Embed(ctx, parsed.Title+"\n"+parsed.Content)
	if err != nil {
		return "", fmt.Errorf("failed to embed memory: %w", err)
	}

	chunk := &store.MemoryChunk{
		AgentID:    t.deps.AgentID,
		SourceType: "note",
		SourceID:   t.deps.ConversationID,
		Title:      parsed.Title,
		Content:    parsed.Content,
		Embedding:  vec,
	}
	if parsed.Metadata != nil {
		meta, err := json.Marshal(parsed.Metadata)
		if err != nil {
			return failureResult("metadata is not serializable")
		}
		chunk.Metadata = meta
	}

	if err := t.deps.Store.InsertMemory(ctx, chunk); err != nil {
		return "", fmt.Errorf("failed to save memory: %w", err)
	}
	return successResult(map[string]any{"memory": map[string]any{"id": chunk.ID, "title": chunk.Title}})
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lukacf/mcp-the-force-sub004/internal/llm"
	. "github.com/lukacf/mcp-the-force-sub004/internal/logging"
	"github.com/lukacf/mcp-the-force-sub004/internal/memstore"
	"github.com/lukacf/mcp-the-force-sub004/internal/redact"
	"github.com/lukacf/mcp-the-force-sub004/internal/scope"
	"github.com/lukacf/mcp-the-force-sub004/internal/vectorstore"
)

// Built-in tool names. search_project_history is a legacy alias kept for
// old sessions that learned the original name.
const (
	NameSearchMemory      = "search_project_memory"
	NameSearchMemoryAlias = "search_project_history"
	NameSearchAttachments = "search_session_attachments"
	NameFileSearchMSearch = "file_search_msearch"
)

// Attachment fan-out limits.
const (
	attachmentConcurrency = 20
	attachmentTimeout     = 3 * time.Second
	attachmentMaxQueries  = 5
)

// Runner executes model-issued calls to the built-in tools for one
// request. VectorStoreIDs are the attachment stores of the current turn.
type Runner struct {
	Memory         *memstore.Store
	Stores         vectorstore.Client
	VectorStoreIDs []string
}

// Decls returns the tool declarations to attach to a model turn. The
// attachment tools only exist when the turn actually has stores to
// search.
func (r *Runner) Decls() []llm.ToolDef {
	decls := []llm.ToolDef{{
		Name:        NameSearchMemory,
		Description: "Search the project's long-term memory: summaries of past conversations and commits.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Search query. Separate multiple queries with semicolons.",
				},
				"max_results": map[string]any{"type": "integer", "default": 40},
				"store_types": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string", "enum": []string{memstore.TypeConversation, memstore.TypeCommit}},
				},
			},
			"required": []string{"query"},
		},
	}}

	if len(r.VectorStoreIDs) > 0 {
		decls = append(decls, llm.ToolDef{
			Name:        NameSearchAttachments,
			Description: "Search the files attached to this session that were too large to show inline.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":       map[string]any{"type": "string"},
					"max_results": map[string]any{"type": "integer", "default": 20},
				},
				"required": []string{"query"},
			},
		}, llm.ToolDef{
			Name:        NameFileSearchMSearch,
			Description: "Issue up to 5 parallel search queries against the attached files.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"queries": map[string]any{
						"type":     "array",
						"items":    map[string]any{"type": "string"},
						"maxItems": attachmentMaxQueries,
					},
				},
				"required": []string{"queries"},
			},
		})
	}
	return decls
}

// Run dispatches one model-issued call by name. Unknown names come back
// as a textual error the model can read and correct.
func (r *Runner) Run(ctx context.Context, name string, args map[string]any) string {
	switch name {
	case NameSearchMemory, NameSearchMemoryAlias:
		return r.searchMemory(ctx, args)
	case NameSearchAttachments:
		return r.searchAttachments(ctx, args)
	case NameFileSearchMSearch:
		return r.msearch(ctx, args)
	}
	return fmt.Sprintf("Error: unknown tool %q", name)
}

func (r *Runner) searchMemory(ctx context.Context, args map[string]any) string {
	query, _ := args["query"].(string)
	if query == "" {
		return "Error: search_project_memory requires a query"
	}
	hits, err := r.Memory.Search(ctx, query, memstore.SearchOptions{
		MaxResults: intArg(args, "max_results", 40),
		StoreTypes: stringsArg(args, "store_types"),
	})
	if err != nil {
		L_warn("tools: memory search failed", "error", err)
		return fmt.Sprintf("Error: memory search failed: %v", err)
	}
	return formatHits(hits)
}

func (r *Runner) searchAttachments(ctx context.Context, args map[string]any) string {
	query, _ := args["query"].(string)
	if query == "" {
		return "Error: search_session_attachments requires a query"
	}
	if len(r.VectorStoreIDs) == 0 {
		return "No files are attached to this session."
	}
	hits := vectorstore.FanOut(ctx, r.Stores, r.VectorStoreIDs, []string{query}, vectorstore.FanOutOptions{
		MaxResults:  intArg(args, "max_results", 20),
		Concurrency: attachmentConcurrency,
		Timeout:     attachmentTimeout,
		ScopeID:     scope.FromContext(ctx),
	})
	return formatHits(hits)
}

func (r *Runner) msearch(ctx context.Context, args map[string]any) string {
	queries := stringsArg(args, "queries")
	if len(queries) == 0 {
		return "Error: file_search_msearch requires at least one query"
	}
	if len(queries) > attachmentMaxQueries {
		queries = queries[:attachmentMaxQueries]
	}
	if len(r.VectorStoreIDs) == 0 {
		return "No files are attached to this session."
	}
	hits := vectorstore.FanOut(ctx, r.Stores, r.VectorStoreIDs, queries, vectorstore.FanOutOptions{
		MaxResults:  40,
		Concurrency: attachmentConcurrency,
		Timeout:     attachmentTimeout,
		ScopeID:     scope.FromContext(ctx),
	})
	return formatHits(hits)
}

// formatHits renders search results as JSON with per-hit citations.
func formatHits(hits []vectorstore.Hit) string {
	if len(hits) == 0 {
		return `{"results": []}`
	}
	type meta struct {
		FileName string  `json:"file_name"`
		Score    float64 `json:"score"`
	}
	type result struct {
		Text     string `json:"text"`
		Metadata meta   `json:"metadata"`
		Citation string `json:"citation"`
	}
	results := make([]result, len(hits))
	for i, h := range hits {
		results[i] = result{
			Text:     redact.Scrub(h.Text),
			Metadata: meta{FileName: h.FileName, Score: h.Score},
			Citation: fmt.Sprintf("<source>%d</source>", i),
		}
	}
	data, err := json.Marshal(map[string]any{"results": results})
	if err != nil {
		return fmt.Sprintf("Error: could not encode results: %v", err)
	}
	return string(data)
}

func intArg(args map[string]any, name string, def int) int {
	switch v := args[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func stringsArg(args map[string]any, name string) []string {
	switch v := args[name].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lukacf/mcp-the-force-sub004/internal/catalog"
	"github.com/lukacf/mcp-the-force-sub004/internal/contextpack"
	"github.com/lukacf/mcp-the-force-sub004/internal/history"
	"github.com/lukacf/mcp-the-force-sub004/internal/llm"
	. "github.com/lukacf/mcp-the-force-sub004/internal/logging"
	"github.com/lukacf/mcp-the-force-sub004/internal/redact"
	"github.com/lukacf/mcp-the-force-sub004/internal/tokens"
	"github.com/lukacf/mcp-the-force-sub004/internal/tools"
)

// Utility tool names.
const (
	NameCountTokens     = "count_project_tokens"
	NameListSessions    = "list_sessions"
	NameDescribeSession = "describe_session"
)

// UtilitySpecs returns the parameter specs for one utility tool.
func UtilitySpecs(name string) []tools.ParamSpec {
	switch name {
	case NameCountTokens:
		return []tools.ParamSpec{
			{
				Name: "context", Type: tools.TypeStringArray, Route: tools.RoutePrompt, Required: true,
				Description: "Files and directories to measure.",
			},
		}
	case NameListSessions:
		return []tools.ParamSpec{
			{
				Name: "limit", Type: tools.TypeInteger, Route: tools.RoutePrompt, Default: 20,
				Description: "Maximum number of sessions to list.",
			},
		}
	case NameDescribeSession:
		return []tools.ParamSpec{
			{
				Name: "session_id", Type: tools.TypeString, Route: tools.RouteSession, Required: true,
				Description: "Session to describe.",
			},
		}
	}
	return nil
}

// DescribeUtility is the MCP description for one utility tool.
func DescribeUtility(name string) string {
	switch name {
	case NameCountTokens:
		return "Estimate the token footprint of a set of files and directories."
	case NameListSessions:
		return "List recent sessions, newest first."
	case NameDescribeSession:
		return "Summarize a stored session so another model can pick it up."
	}
	return ""
}

// ExecuteUtility dispatches one utility tool call.
func (e *Executor) ExecuteUtility(ctx context.Context, name string, rawArgs map[string]any) (string, error) {
	args, err := tools.Validate(UtilitySpecs(name), rawArgs)
	if err != nil {
		return "", err
	}

	switch name {
	case NameCountTokens:
		return e.countTokens(args.Strings(tools.RoutePrompt, "context"))
	case NameListSessions:
		limit := 20
		if v, ok := args.Get(tools.RoutePrompt, "limit"); ok {
			if n, ok := v.(int); ok {
				limit = n
			}
		}
		return e.listSessions(ctx, limit)
	case NameDescribeSession:
		return e.describeSession(ctx, args.String(tools.RouteSession, "session_id"))
	}
	return "", fmt.Errorf("unknown tool %q", name)
}

func (e *Executor) countTokens(paths []string) (string, error) {
	type fileCount struct {
		Path   string `json:"path"`
		Tokens int    `json:"tokens"`
	}
	var (
		files []fileCount
		total int
	)
	est := tokens.Get()
	for _, c := range contextpack.Walk(paths) {
		n, err := est.CountFile(c.Path)
		if err != nil {
			n = tokens.EstimateBytes(c.Size)
		}
		files = append(files, fileCount{Path: c.Path, Tokens: n})
		total += n
	}
	out, err := json.MarshalIndent(map[string]any{
		"total_tokens": total,
		"file_count":   len(files),
		"files":        files,
	}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (e *Executor) listSessions(ctx context.Context, limit int) (string, error) {
	infos, err := e.Sessions.ListRecent(ctx, limit)
	if err != nil {
		return "", err
	}
	out, err := json.MarshalIndent(infos, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// describeSession renders a cross-provider handoff for a stored session:
// the transcript is rebuilt from the cached history and, outside mock
// mode, compacted through the summarizer-tier model.
func (e *Executor) describeSession(ctx context.Context, sessionID string) (string, error) {
	provider, err := e.Sessions.Provider(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if provider == "" {
		return fmt.Sprintf("No session %q found.", sessionID), nil
	}

	header := fmt.Sprintf("Session %s (provider: %s)\n\n", sessionID, provider)

	var transcript string
	switch provider {
	case "gemini":
		items, err := e.Sessions.GetHistory(ctx, sessionID)
		if err != nil {
			return "", err
		}
		transcript = history.FormatHandoff(items)
	case "xai":
		msgs, err := e.Sessions.GetChatHistory(ctx, sessionID)
		if err != nil {
			return "", err
		}
		transcript = history.FormatChatHandoff(msgs)
	}
	if transcript == "" {
		// Responses-API sessions chain by response id; the conversation
		// itself lives provider-side.
		return header + "Conversation state is held provider-side; no local transcript available.", nil
	}
	transcript = redact.Scrub(transcript)

	if summary, ok := e.summarizeHandoff(ctx, transcript); ok {
		return header + summary, nil
	}
	return header + transcript, nil
}

// summarizeHandoff compacts a transcript through the summarizer-tier
// model. Mock mode, a missing summarizer, or a failed call all fall back
// to the plain transcript.
func (e *Executor) summarizeHandoff(ctx context.Context, transcript string) (string, bool) {
	if e.Mock {
		return "", false
	}
	m, ok := catalog.Summarizer()
	if !ok {
		return "", false
	}
	adapter, ok := e.Adapters[m.Provider]
	if !ok {
		return "", false
	}
	res, err := adapter.Generate(ctx, llm.GenerateRequest{
		Model: m,
		Prompt: "Condense this conversation into a handoff summary another model can resume from. " +
			"Keep decisions, open questions, and concrete facts.\n\n" + transcript,
		Timeout: m.Timeout(),
	})
	if err != nil {
		L_warn("executor: handoff summarization failed", "error", err)
		return "", false
	}
	return redact.Scrub(res.Content), true
}

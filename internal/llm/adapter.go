// Package llm holds the provider adapters and the shared request/response
// contract between the tool executor and the providers.
package llm

import (
	"context"
	"time"

	"github.com/lukacf/mcp-the-force-sub004/internal/catalog"
	"github.com/lukacf/mcp-the-force-sub004/internal/history"
)

// ToolDef declares one function tool to a model. Parameters is a JSON
// Schema object; each adapter reshapes it into its provider's declaration
// format.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolRunner executes a model-issued function call and returns the string
// result fed back into the conversation. Unknown tool names must return a
// textual error, not a Go error — the model can recover from a message,
// not from a failed turn.
type ToolRunner func(ctx context.Context, name string, args map[string]any) string

// GenerateRequest is one turn against a model.
type GenerateRequest struct {
	Model     catalog.Model
	Prompt    string
	SessionID string

	Temperature     *float64
	ReasoningEffort string
	ThinkingBudget  *int32

	// Timeout is advisory: the operation manager enforces the deadline,
	// the adapter only uses it to pick a dispatch mode.
	Timeout time.Duration

	// PreviousResponseID resumes a Responses-API chain explicitly,
	// overriding the session cache.
	PreviousResponseID string

	// History carries the prior turns for providers that replay
	// conversation state client-side. The executor loads it from the
	// session cache and persists the updated copy from the Result.
	History     []history.Item
	ChatHistory []history.ChatMessage

	Tools   []ToolDef
	RunTool ToolRunner
}

// Result is the adapter's answer plus whatever session state must be
// persisted for the next turn.
type Result struct {
	Content    string
	ResponseID string

	History     []history.Item
	ChatHistory []history.ChatMessage
}

// Adapter is one provider backend.
type Adapter interface {
	Generate(ctx context.Context, req GenerateRequest) (*Result, error)
}

// DispatchMode selects how a Responses-API call is issued.
type DispatchMode int

const (
	ModeStreaming DispatchMode = iota
	ModeBackground
)

func (m DispatchMode) String() string {
	if m == ModeBackground {
		return "background"
	}
	return "streaming"
}

// streamCutoff is the longest request we trust to a streaming connection;
// gateways idle-kill anything slower, so past this we go background.
const streamCutoff = 180 * time.Second

// PickDispatchMode applies the capability table: models that cannot
// stream (or are pinned to background) always poll; streaming models fall
// back to background when the timeout outlives the gateway idle limit.
func PickDispatchMode(m catalog.Model, timeout time.Duration) DispatchMode {
	if m.ForceBackground || !m.SupportsStream {
		return ModeBackground
	}
	if timeout > streamCutoff {
		return ModeBackground
	}
	return ModeStreaming
}

// toolCallLoopCap bounds every adapter's function-call loop. A model
// stuck re-issuing calls gets cut off rather than burning the timeout.
const toolCallLoopCap = 12

// Package executor runs model tool calls end to end: argument validation
// and routing, context packing, adapter dispatch under the operation
// manager, session persistence, and memory write-back.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lukacf/mcp-the-force-sub004/internal/catalog"
	"github.com/lukacf/mcp-the-force-sub004/internal/contextpack"
	"github.com/lukacf/mcp-the-force-sub004/internal/llm"
	. "github.com/lukacf/mcp-the-force-sub004/internal/logging"
	"github.com/lukacf/mcp-the-force-sub004/internal/memstore"
	"github.com/lukacf/mcp-the-force-sub004/internal/operations"
	"github.com/lukacf/mcp-the-force-sub004/internal/redact"
	"github.com/lukacf/mcp-the-force-sub004/internal/scope"
	"github.com/lukacf/mcp-the-force-sub004/internal/sessioncache"
	"github.com/lukacf/mcp-the-force-sub004/internal/tools"
	"github.com/lukacf/mcp-the-force-sub004/internal/vectorstore"
)

// Executor owns one request's journey from validated arguments to
// response string.
type Executor struct {
	Adapters map[string]llm.Adapter // keyed by catalog provider name
	Sessions *sessioncache.Cache
	Packer   *contextpack.Packer
	Stores   *vectorstore.Manager
	Memory   *memstore.Store
	Ops      *operations.Manager

	// Mock mirrors the adapter-mock config flag. Utility tools that
	// would spend a provider call (the handoff summarizer) fall back to
	// plain formatting when set.
	Mock bool
}

// Execute runs one model tool call. The returned string is already
// redacted. llm.ErrCancelled comes back unwrapped so the transport can
// convert it to an empty content block.
func (e *Executor) Execute(ctx context.Context, model catalog.Model, rawArgs map[string]any) (string, error) {
	args, err := tools.Validate(tools.SpecsForModel(model), rawArgs)
	if err != nil {
		return "", err
	}
	sessionID := args.String(tools.RouteSession, "session_id")
	if err := sessioncache.ValidateSessionID(sessionID); err != nil {
		return "", err
	}

	// One dedup scope per request: search tools invoked repeatedly in a
	// tool-call loop won't re-surface the same hits.
	ctx = scope.WithScope(ctx)
	defer scope.Get().Clear(scope.FromContext(ctx))

	pack, err := e.Packer.Build(ctx, contextpack.Request{
		Instructions:  args.String(tools.RoutePrompt, "instructions"),
		OutputFormat:  args.String(tools.RoutePrompt, "output_format"),
		Paths:         args.Strings(tools.RoutePrompt, "context"),
		PriorityPaths: args.Strings(tools.RoutePrompt, "priority_context"),
		SessionID:     sessionID,
		ContextWindow: model.ContextWindow,
	})
	if err != nil {
		return "", err
	}

	storeIDs := args.Strings(tools.RouteVectorStoreIDs, "vector_store_ids")
	if pack.VectorStoreID != "" {
		storeIDs = append([]string{pack.VectorStoreID}, storeIDs...)
	}
	// A store with no owning session lives exactly as long as the request.
	if pack.VectorStoreID != "" && sessionID == "" {
		defer e.Stores.Delete(context.WithoutCancel(ctx), pack.VectorStoreID)
	}

	runner := &tools.Runner{
		Memory:         e.Memory,
		Stores:         e.Stores.Client(),
		VectorStoreIDs: storeIDs,
	}

	req, err := e.buildRequest(ctx, model, sessionID, pack.Prompt, args, runner)
	if err != nil {
		return "", err
	}

	adapter, ok := e.Adapters[model.Provider]
	if !ok {
		return "", fmt.Errorf("no adapter for provider %q", model.Provider)
	}

	var res *llm.Result
	opID := model.ToolName() + "-" + uuid.NewString()
	err = e.Ops.RunWithTimeout(ctx, opID, model.Timeout(), func(opCtx context.Context) error {
		var genErr error
		res, genErr = adapter.Generate(opCtx, req)
		return genErr
	})
	if err != nil {
		return "", err
	}

	e.persistSession(ctx, model, sessionID, res)

	content := redact.Scrub(res.Content)

	if disable, _ := args.Get(tools.RouteSession, "disable_memory_record"); disable != true {
		e.recordMemory(model, sessionID, req.Prompt, content)
	}
	return content, nil
}

// buildRequest loads the provider-appropriate session state and collects
// the adapter knobs.
func (e *Executor) buildRequest(ctx context.Context, model catalog.Model, sessionID, prompt string, args tools.Args, runner *tools.Runner) (llm.GenerateRequest, error) {
	req := llm.GenerateRequest{
		Model:     model,
		Prompt:    prompt,
		SessionID: sessionID,
		Timeout:   model.Timeout(),
		Tools:     runner.Decls(),
		RunTool:   runner.Run,
	}

	if temp, ok := args.Get(tools.RouteAdapter, "temperature"); ok {
		if t, ok := temp.(float64); ok {
			req.Temperature = &t
		}
	}
	req.ReasoningEffort = args.String(tools.RouteAdapter, "reasoning_effort")
	if budget, ok := args.Get(tools.RouteAdapter, "thinking_budget"); ok {
		if b, ok := budget.(int); ok {
			b32 := int32(b)
			req.ThinkingBudget = &b32
		}
	}

	var err error
	switch model.Provider {
	case "openai":
		req.PreviousResponseID, err = e.Sessions.GetResponseID(ctx, sessionID)
	case "gemini":
		req.History, err = e.Sessions.GetHistory(ctx, sessionID)
	case "xai":
		req.ChatHistory, err = e.Sessions.GetChatHistory(ctx, sessionID)
	}
	if err != nil {
		// A cold cache degrades to a fresh conversation, never a failure.
		L_warn("executor: session load failed", "session", sessionID, "error", err)
		err = nil
	}
	return req, nil
}

// persistSession saves whatever continuation state the provider uses.
func (e *Executor) persistSession(ctx context.Context, model catalog.Model, sessionID string, res *llm.Result) {
	if sessionID == "" {
		return
	}
	// The request context may already be cancelled by the time we save.
	ctx = context.WithoutCancel(ctx)
	var err error
	switch model.Provider {
	case "openai":
		if res.ResponseID != "" {
			err = e.Sessions.SetResponseID(ctx, sessionID, res.ResponseID)
		}
	case "gemini":
		err = e.Sessions.SetHistory(ctx, sessionID, res.History)
	case "xai":
		err = e.Sessions.SetChatHistory(ctx, sessionID, res.ChatHistory)
	}
	if err != nil {
		L_warn("executor: session save failed", "session", sessionID, "error", err)
	}
}

// recordMemory queues a conversation summary document; it never blocks
// the response.
func (e *Executor) recordMemory(model catalog.Model, sessionID, prompt, response string) {
	if e.Memory == nil {
		return
	}
	doc := fmt.Sprintf("Session: %s\nModel: %s\nDate: %s\n\n## Request\n%s\n\n## Response\n%s\n",
		sessionID, model.Name, time.Now().UTC().Format(time.RFC3339),
		truncate(prompt, 8000), truncate(response, 16000))
	e.Memory.WriteAsync(memstore.TypeConversation, redact.Scrub(doc))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}

// IsCancelled reports whether err is the caller-abort sentinel.
func IsCancelled(err error) bool {
	return errors.Is(err, llm.ErrCancelled)
}

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	xai "github.com/roelfdiedericks/xai-go"

	"github.com/lukacf/mcp-the-force-sub004/internal/history"
	. "github.com/lukacf/mcp-the-force-sub004/internal/logging"
)

// GrokAdapter drives xAI models through the chat API, replaying the
// session's OpenAI-chat-format history each turn.
type GrokAdapter struct {
	client *xai.Client
}

// NewGrok builds the xAI adapter.
func NewGrok(apiKey string) (*GrokAdapter, error) {
	client, err := xai.New(xai.Config{
		APIKey:  xai.NewSecureString(apiKey),
		Timeout: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("create xai client: %w", err)
	}
	return &GrokAdapter{client: client}, nil
}

func (a *GrokAdapter) Generate(ctx context.Context, req GenerateRequest) (*Result, error) {
	msgs := append([]history.ChatMessage{}, req.ChatHistory...)
	msgs = append(msgs, history.ChatMessage{Role: "user", Content: req.Prompt})

	var text string
	for iter := 0; ; iter++ {
		chatReq := a.buildRequest(req, msgs)

		stream, err := a.client.StreamChat(ctx, chatReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &ProviderError{Provider: "xai", Message: err.Error()}
		}

		turnText, calls, err := a.drainStream(ctx, stream)
		if err != nil {
			return nil, err
		}
		text = turnText

		if len(calls) == 0 || req.RunTool == nil || iter >= toolCallLoopCap {
			break
		}

		// Record the assistant's tool-call turn, then one tool message
		// per call with its result.
		assistant := history.ChatMessage{Role: "assistant", Content: turnText}
		for _, call := range calls {
			assistant.ToolCalls = append(assistant.ToolCalls, history.ToolCall{
				ID:   call.ID,
				Type: "function",
				Function: history.FunctionCall{
					Name:      call.Function.Name,
					Arguments: call.Function.Arguments,
				},
			})
		}
		msgs = append(msgs, assistant)

		for _, call := range calls {
			var args map[string]any
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				L_warn("xai: bad tool-call arguments", "tool", call.Function.Name, "error", err)
				args = map[string]any{}
			}
			L_debug("xai: running tool call", "tool", call.Function.Name)
			msgs = append(msgs, history.ChatMessage{
				Role:       "tool",
				Content:    req.RunTool(ctx, call.Function.Name, args),
				ToolCallID: call.ID,
			})
		}
	}

	msgs = append(msgs, history.ChatMessage{Role: "assistant", Content: text})
	return &Result{Content: text, ChatHistory: msgs}, nil
}

// buildRequest replays the message history into a fresh chat request.
func (a *GrokAdapter) buildRequest(req GenerateRequest, msgs []history.ChatMessage) *xai.ChatRequest {
	chatReq := xai.NewChatRequest().
		WithModel(req.Model.Name).
		WithStoreMessages(false)

	for _, msg := range msgs {
		switch msg.Role {
		case "user":
			chatReq.UserMessage(xai.UserContent{Text: msg.Content})
		case "assistant":
			content := xai.AssistantContent{Text: msg.Content}
			for _, tc := range msg.ToolCalls {
				content.ToolCalls = append(content.ToolCalls, xai.HistoryToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
			chatReq.AssistantMessage(content)
		case "tool":
			chatReq.ToolResult(xai.ToolContent{CallID: msg.ToolCallID, Result: msg.Content})
		case "system":
			chatReq.SystemMessage(xai.SystemContent{Text: msg.Content})
		}
	}

	for _, t := range req.Tools {
		schemaJSON, err := json.Marshal(t.Parameters)
		if err != nil {
			L_warn("xai: tool schema marshal failed, skipping", "tool", t.Name, "error", err)
			continue
		}
		chatReq.AddTool(xai.NewFunctionTool(t.Name, t.Description).WithParameters(schemaJSON))
	}
	if len(req.Tools) > 0 {
		chatReq.WithToolChoice(xai.ToolChoiceAuto)
	}

	if effort := mapReasoningEffort(req.ReasoningEffort); effort != nil && req.Model.ReasoningEffort {
		chatReq.WithReasoningEffort(*effort)
	}
	return chatReq
}

// drainStream consumes the chunk stream, accumulating text and collecting
// client-side tool calls. Server-side calls (web search etc.) execute on
// xAI's side and only get logged.
func (a *GrokAdapter) drainStream(ctx context.Context, stream *xai.ChunkStream) (string, []*xai.ToolCallInfo, error) {
	var (
		text  string
		calls []*xai.ToolCallInfo
		seen  = make(map[string]struct{})
	)
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", nil, ctx.Err()
			}
			return "", nil, &ProviderError{Provider: "xai", Message: err.Error()}
		}

		text += chunk.Delta

		for _, tc := range chunk.ToolCalls {
			if tc.Function == nil {
				continue
			}
			if tc.IsServerSide() {
				L_debug("xai: server-side tool", "tool", tc.Function.Name)
				continue
			}
			if _, dup := seen[tc.ID]; dup {
				continue
			}
			seen[tc.ID] = struct{}{}
			calls = append(calls, tc)
		}
	}
	return text, calls, nil
}

func mapReasoningEffort(level string) *xai.ReasoningEffort {
	var effort xai.ReasoningEffort
	switch level {
	case "low":
		effort = xai.ReasoningEffortLow
	case "medium":
		effort = xai.ReasoningEffortMedium
	case "high":
		effort = xai.ReasoningEffortHigh
	default:
		return nil
	}
	return &effort
}

// Package history holds the provider-neutral conversation shapes and the
// converters between them. The flat Item list mirrors the Responses API
// input shape; the Gemini converters regroup it into typed Content turns
// and back, preserving thought signatures byte-for-byte.
package history

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Item types. An Item is either a message, a function call issued by the
// model, or the output we sent back for one.
const (
	ItemMessage            = "message"
	ItemFunctionCall       = "function_call"
	ItemFunctionCallOutput = "function_call_output"
)

// Item is one entry of a flat conversation history.
type Item struct {
	Type string `json:"type"`

	// For messages.
	Role string `json:"role,omitempty"` // "user" or "assistant"
	Text string `json:"text,omitempty"`

	// For function calls and their outputs.
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"` // JSON string
	Output    string `json:"output,omitempty"`

	// ThoughtSignature is opaque provider state attached to a reasoning
	// model's function call. It must be echoed unchanged on subsequent
	// turns. encoding/json stores []byte as base64, so the on-disk form
	// is a base64 string and the in-memory form is the raw bytes.
	ThoughtSignature []byte `json:"thought_signature,omitempty"`
}

// UserMessage builds a user message item.
func UserMessage(text string) Item {
	return Item{Type: ItemMessage, Role: "user", Text: text}
}

// AssistantMessage builds an assistant message item.
func AssistantMessage(text string) Item {
	return Item{Type: ItemMessage, Role: "assistant", Text: text}
}

// ChatMessage is the flat OpenAI-chat shape used by the Grok provider.
type ChatMessage struct {
	Role       string     `json:"role"` // "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a function call carried on an assistant chat message.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// MarshalItems serializes a flat history for storage.
func MarshalItems(items []Item) ([]byte, error) {
	return json.Marshal(items)
}

// UnmarshalItems deserializes a stored flat history.
func UnmarshalItems(data []byte) ([]Item, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return items, nil
}

// FormatHandoff renders a stored history as plain text for cross-provider
// context handoff. Function calls collapse to one-line notes; outputs are
// truncated.
func FormatHandoff(items []Item) string {
	var b strings.Builder
	for _, it := range items {
		switch it.Type {
		case ItemMessage:
			role := it.Role
			if role == "" {
				role = "user"
			}
			fmt.Fprintf(&b, "[%s]\n%s\n\n", role, it.Text)
		case ItemFunctionCall:
			fmt.Fprintf(&b, "[assistant called %s(%s)]\n", it.Name, truncate(it.Arguments, 200))
		case ItemFunctionCallOutput:
			fmt.Fprintf(&b, "[tool output]\n%s\n\n", truncate(it.Output, 500))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatChatHandoff renders a Grok chat history as plain text.
func FormatChatHandoff(msgs []ChatMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		if len(m.ToolCalls) > 0 {
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&b, "[assistant called %s(%s)]\n", tc.Function.Name, truncate(tc.Function.Arguments, 200))
			}
			continue
		}
		if m.Role == "tool" {
			fmt.Fprintf(&b, "[tool output]\n%s\n\n", truncate(m.Content, 500))
			continue
		}
		fmt.Fprintf(&b, "[%s]\n%s\n\n", m.Role, m.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

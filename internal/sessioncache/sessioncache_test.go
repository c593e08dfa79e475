package sessioncache

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lukacf/mcp-the-force-sub004/internal/history"
	"github.com/lukacf/mcp-the-force-sub004/internal/llm"
	"github.com/lukacf/mcp-the-force-sub004/internal/sqlitebase"
)

func newTestCache(t *testing.T, ttl time.Duration) *Cache {
	t.Helper()
	db, err := sqlitebase.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cache, err := New(context.Background(), db, ttl)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	return cache
}

func TestResponseIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t, time.Hour)

	if err := cache.SetResponseID(ctx, "s1", "resp_abc123"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := cache.GetResponseID(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "resp_abc123" {
		t.Errorf("got %q, want resp_abc123", got)
	}

	// Overwrites replace.
	if err := cache.SetResponseID(ctx, "s1", "resp_def456"); err != nil {
		t.Fatalf("set again: %v", err)
	}
	got, _ = cache.GetResponseID(ctx, "s1")
	if got != "resp_def456" {
		t.Errorf("after upsert got %q, want resp_def456", got)
	}
}

func TestMissingSessionReadsEmpty(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t, time.Hour)

	got, err := cache.GetResponseID(ctx, "never-seen")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty response id, got %q", got)
	}
}

func TestHistoryRoundTripPreservesThoughtSignature(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t, time.Hour)

	sig := []byte{0x00, 0x01, 0xfe, 0xff, 0x80, 0x7f, 0x10, 0x20, 0x30, 0x40, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x0f}
	items := []history.Item{
		history.UserMessage("find the bug"),
		{
			Type:             history.ItemFunctionCall,
			CallID:           "call_1",
			Name:             "search_project_memory",
			Arguments:        `{"query":"bug"}`,
			ThoughtSignature: sig,
		},
		{Type: history.ItemFunctionCallOutput, CallID: "call_1", Name: "search_project_memory", Output: `{"results": []}`},
		history.AssistantMessage("no prior reports"),
	}

	if err := cache.SetHistory(ctx, "g1", items); err != nil {
		t.Fatalf("set history: %v", err)
	}
	got, err := cache.GetHistory(ctx, "g1")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(got) != len(items) {
		t.Fatalf("got %d items, want %d", len(got), len(items))
	}
	if !bytes.Equal(got[1].ThoughtSignature, sig) {
		t.Errorf("thought signature corrupted: got %x, want %x", got[1].ThoughtSignature, sig)
	}
	if got[3].Text != "no prior reports" {
		t.Errorf("text corrupted: %q", got[3].Text)
	}
}

func TestChatHistoryRoundTripWithToolCalls(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t, time.Hour)

	msgs := []history.ChatMessage{
		{Role: "user", Content: "check the attachments"},
		{
			Role:    "assistant",
			Content: "",
			ToolCalls: []history.ToolCall{{
				ID:   "tc_1",
				Type: "function",
				Function: history.FunctionCall{
					Name:      "search_session_attachments",
					Arguments: `{"query":"config"}`,
				},
			}},
		},
		{Role: "tool", Content: `{"results": []}`, ToolCallID: "tc_1"},
		{Role: "assistant", Content: "nothing relevant attached"},
	}

	if err := cache.SetChatHistory(ctx, "x1", msgs); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := cache.GetChatHistory(ctx, "x1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d messages, want 4", len(got))
	}
	if got[1].ToolCalls[0].Function.Name != "search_session_attachments" {
		t.Errorf("tool call lost: %+v", got[1])
	}
	if got[2].ToolCallID != "tc_1" {
		t.Errorf("tool_call_id lost: %+v", got[2])
	}
}

func TestExpiredSessionReadsAsAbsent(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t, time.Second)

	if err := cache.SetResponseID(ctx, "old", "resp_stale"); err != nil {
		t.Fatalf("set: %v", err)
	}
	// Age the row past the TTL directly.
	cutoff := time.Now().Add(-2 * time.Second).Unix()
	if err := cache.Exec(ctx, "UPDATE unified_sessions SET updated_at = ?", cutoff); err != nil {
		t.Fatalf("age row: %v", err)
	}

	got, err := cache.GetResponseID(ctx, "old")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "" {
		t.Errorf("expired session still returned %q", got)
	}
}

func TestSessionIDLengthBound(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t, time.Hour)

	long := strings.Repeat("x", MaxSessionIDLen+1)
	err := cache.SetResponseID(ctx, long, "resp_whatever")
	var verr *llm.ValidationError
	if err == nil {
		t.Fatal("expected validation error for oversized session id")
	}
	if !errors.As(err, &verr) {
		t.Fatalf("expected *llm.ValidationError, got %T: %v", err, err)
	}

	// At the bound is fine.
	ok := strings.Repeat("x", MaxSessionIDLen)
	if err := cache.SetResponseID(ctx, ok, "resp_ok"); err != nil {
		t.Fatalf("max-length id rejected: %v", err)
	}
}

func TestProviderRecorded(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t, time.Hour)

	if err := cache.SetHistory(ctx, "g2", []history.Item{history.UserMessage("hi")}); err != nil {
		t.Fatalf("set: %v", err)
	}
	provider, err := cache.Provider(ctx, "g2")
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	if provider != "gemini" {
		t.Errorf("got provider %q, want gemini", provider)
	}
}

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lukacf/mcp-the-force-sub004/internal/catalog"
	"github.com/lukacf/mcp-the-force-sub004/internal/contextpack"
	"github.com/lukacf/mcp-the-force-sub004/internal/llm"
	"github.com/lukacf/mcp-the-force-sub004/internal/loiter"
	"github.com/lukacf/mcp-the-force-sub004/internal/memstore"
	"github.com/lukacf/mcp-the-force-sub004/internal/operations"
	"github.com/lukacf/mcp-the-force-sub004/internal/sessioncache"
	"github.com/lukacf/mcp-the-force-sub004/internal/sqlitebase"
	"github.com/lukacf/mcp-the-force-sub004/internal/vectorstore"
)

func testModel(provider string) catalog.Model {
	return catalog.Model{
		Name:           "test-model",
		ToolPrefix:     "chat_with_test",
		Provider:       provider,
		ContextWindow:  100_000,
		SupportsStream: true,
		TimeoutSeconds: 60,
	}
}

func newTestExecutor(t *testing.T, mock *llm.MockAdapter) *Executor {
	t.Helper()
	ctx := context.Background()
	db, err := sqlitebase.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sessions, err := sessioncache.New(ctx, db, time.Hour)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	stable, err := sessioncache.NewStableList(ctx, db, time.Hour)
	if err != nil {
		t.Fatalf("stable: %v", err)
	}
	client := vectorstore.NewInMemory()
	stores, err := vectorstore.NewManager(ctx, vectorstore.ManagerOptions{
		Client: client,
		Loiter: loiter.New(""),
		DB:     db,
		TTL:    time.Hour,
		Mock:   true,
	})
	if err != nil {
		t.Fatalf("stores: %v", err)
	}
	memory, err := memstore.New(ctx, db, client, loiter.New(""), memstore.Options{RolloverLimit: 100})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}

	return &Executor{
		Adapters: map[string]llm.Adapter{
			"openai": mock,
			"gemini": mock,
			"xai":    mock,
		},
		Sessions: sessions,
		Packer:   &contextpack.Packer{Stable: stable, Stores: stores},
		Stores:   stores,
		Memory:   memory,
		Ops:      operations.NewManager(),
	}
}

func TestExecuteBasicFlow(t *testing.T) {
	mock := &llm.MockAdapter{Text: "Hello World"}
	e := newTestExecutor(t, mock)

	out, err := e.Execute(context.Background(), testModel("openai"), map[string]any{
		"instructions": "Say 'Hello World'",
		"session_id":   "s1",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "Hello World" {
		t.Errorf("output: %q", out)
	}
	if len(mock.Requests) != 1 {
		t.Fatalf("adapter called %d times", len(mock.Requests))
	}
	if !strings.Contains(mock.Requests[0].Prompt, "Say 'Hello World'") {
		t.Errorf("instructions not in prompt: %q", mock.Requests[0].Prompt)
	}
}

func TestExecuteSessionContinuity(t *testing.T) {
	mock := &llm.MockAdapter{Text: "turn done"}
	e := newTestExecutor(t, mock)
	model := testModel("openai")

	args := map[string]any{"instructions": "turn one", "session_id": "cont"}
	if _, err := e.Execute(context.Background(), model, args); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	firstID := mock.Requests[0].PreviousResponseID
	if firstID != "" {
		t.Errorf("first turn should start fresh, got previous id %q", firstID)
	}

	args["instructions"] = "turn two"
	if _, err := e.Execute(context.Background(), model, args); err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if got := mock.Requests[1].PreviousResponseID; got == "" {
		t.Error("second turn did not chain from the stored response id")
	}
}

func TestExecuteGeminiHistoryPersisted(t *testing.T) {
	mock := &llm.MockAdapter{Text: "answer"}
	e := newTestExecutor(t, mock)
	model := testModel("gemini")

	if _, err := e.Execute(context.Background(), model, map[string]any{
		"instructions": "first",
		"session_id":   "g1",
	}); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if _, err := e.Execute(context.Background(), model, map[string]any{
		"instructions": "second",
		"session_id":   "g1",
	}); err != nil {
		t.Fatalf("second turn: %v", err)
	}
	// The second request carried the first turn's history.
	if len(mock.Requests[1].History) != 2 {
		t.Errorf("history not loaded: %d items", len(mock.Requests[1].History))
	}
}

func TestExecuteValidationFailure(t *testing.T) {
	mock := &llm.MockAdapter{}
	e := newTestExecutor(t, mock)

	_, err := e.Execute(context.Background(), testModel("openai"), map[string]any{
		"session_id": "s1", // instructions missing
	})
	var verr *llm.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(mock.Requests) != 0 {
		t.Error("adapter called despite validation failure")
	}
}

func TestExecuteUnknownProvider(t *testing.T) {
	e := newTestExecutor(t, &llm.MockAdapter{})
	model := testModel("anthropic")

	_, err := e.Execute(context.Background(), model, map[string]any{
		"instructions": "x",
		"session_id":   "s1",
	})
	if err == nil || !strings.Contains(err.Error(), "no adapter") {
		t.Errorf("expected adapter lookup failure, got %v", err)
	}
}

func TestExecuteRedactsSecrets(t *testing.T) {
	mock := &llm.MockAdapter{Text: "the key is sk-abcdefghijklmnopqrstuvwxyz123456 okay"}
	e := newTestExecutor(t, mock)

	out, err := e.Execute(context.Background(), testModel("openai"), map[string]any{
		"instructions": "leak it",
		"session_id":   "s1",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.Contains(out, "sk-abcdefghijklmnop") {
		t.Errorf("secret survived redaction: %q", out)
	}
	if !strings.Contains(out, "sk-***") {
		t.Errorf("placeholder missing: %q", out)
	}
}

func TestExecuteCancellation(t *testing.T) {
	mock := &llm.MockAdapter{Err: context.Canceled}
	e := newTestExecutor(t, mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Execute(ctx, testModel("openai"), map[string]any{
		"instructions": "never mind",
		"session_id":   "s1",
	})
	if err == nil {
		t.Fatal("expected an error from a cancelled call")
	}
	if !IsCancelled(err) {
		t.Errorf("cancelled call not mapped to ErrCancelled: %v", err)
	}
}

func TestExecuteContextPackedIntoPrompt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("the moonbase launches at dawn\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	mock := &llm.MockAdapter{Text: "read it"}
	e := newTestExecutor(t, mock)

	if _, err := e.Execute(context.Background(), testModel("openai"), map[string]any{
		"instructions": "summarize the notes",
		"session_id":   "s1",
		"context":      []any{dir},
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	prompt := mock.Requests[0].Prompt
	if !strings.Contains(prompt, "moonbase launches at dawn") {
		t.Errorf("file content not inlined:\n%s", prompt)
	}
	if !strings.Contains(prompt, "# File map") {
		t.Errorf("file map missing:\n%s", prompt)
	}
}

func TestExecuteUtilityCountTokens(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("twelve bytes\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	e := newTestExecutor(t, &llm.MockAdapter{})
	out, err := e.ExecuteUtility(context.Background(), NameCountTokens, map[string]any{
		"context": []any{dir},
	})
	if err != nil {
		t.Fatalf("count tokens: %v", err)
	}
	var result struct {
		TotalTokens int `json:"total_tokens"`
		FileCount   int `json:"file_count"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if result.FileCount != 1 || result.TotalTokens <= 0 {
		t.Errorf("unexpected counts: %+v", result)
	}
}

func TestExecuteUtilityListAndDescribeSessions(t *testing.T) {
	mock := &llm.MockAdapter{Text: "x"}
	e := newTestExecutor(t, mock)

	if _, err := e.Execute(context.Background(), testModel("openai"), map[string]any{
		"instructions": "hello",
		"session_id":   "listed",
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	out, err := e.ExecuteUtility(context.Background(), NameListSessions, map[string]any{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "listed") {
		t.Errorf("session missing from list: %s", out)
	}

	out, err = e.ExecuteUtility(context.Background(), NameDescribeSession, map[string]any{
		"session_id": "listed",
	})
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if !strings.Contains(out, "openai") {
		t.Errorf("provider missing from description: %s", out)
	}

	out, err = e.ExecuteUtility(context.Background(), NameDescribeSession, map[string]any{
		"session_id": "never-was",
	})
	if err != nil {
		t.Fatalf("describe unknown: %v", err)
	}
	if !strings.Contains(out, "never-was") {
		t.Errorf("unknown-session message wrong: %s", out)
	}
}

func TestDescribeSessionRendersTranscript(t *testing.T) {
	mock := &llm.MockAdapter{Text: "the answer is 42"}
	e := newTestExecutor(t, mock)
	e.Mock = true

	if _, err := e.Execute(context.Background(), testModel("gemini"), map[string]any{
		"instructions": "what is the answer",
		"session_id":   "hand-1",
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	out, err := e.ExecuteUtility(context.Background(), NameDescribeSession, map[string]any{
		"session_id": "hand-1",
	})
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if !strings.Contains(out, "the answer is 42") {
		t.Errorf("assistant turn missing from handoff:\n%s", out)
	}
	if !strings.Contains(out, "[user]") || !strings.Contains(out, "[assistant]") {
		t.Errorf("role markers missing:\n%s", out)
	}
	if !strings.Contains(out, "gemini") {
		t.Errorf("provider missing:\n%s", out)
	}
	// Mock mode never spends a provider call on summarization.
	if len(mock.Requests) != 1 {
		t.Errorf("adapter calls: %d", len(mock.Requests))
	}
}

func TestDescribeSessionSummarizesViaFlashTier(t *testing.T) {
	mock := &llm.MockAdapter{Text: "lift-off at 0600"}
	e := newTestExecutor(t, mock)

	if _, err := e.Execute(context.Background(), testModel("xai"), map[string]any{
		"instructions": "remember the launch time",
		"session_id":   "hand-2",
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	out, err := e.ExecuteUtility(context.Background(), NameDescribeSession, map[string]any{
		"session_id": "hand-2",
	})
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if len(mock.Requests) != 2 {
		t.Fatalf("summarizer not invoked: %d adapter calls", len(mock.Requests))
	}

	summarizer, ok := catalog.Summarizer()
	if !ok {
		t.Fatal("catalog has no summarizer tier")
	}
	sum := mock.Requests[1]
	if sum.Model.Name != summarizer.Name {
		t.Errorf("summarized with %q, want %q", sum.Model.Name, summarizer.Name)
	}
	if !strings.Contains(sum.Prompt, "remember the launch time") {
		t.Errorf("transcript not passed to the summarizer:\n%s", sum.Prompt)
	}
	// The output is the compacted summary, not the raw transcript.
	if strings.Contains(out, "[user]") {
		t.Errorf("raw transcript leaked into the summary:\n%s", out)
	}
}

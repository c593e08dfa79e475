package contextpack

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lukacf/mcp-the-force-sub004/internal/llm"
	"github.com/lukacf/mcp-the-force-sub004/internal/loiter"
	"github.com/lukacf/mcp-the-force-sub004/internal/sessioncache"
	"github.com/lukacf/mcp-the-force-sub004/internal/sqlitebase"
	"github.com/lukacf/mcp-the-force-sub004/internal/vectorstore"
)

// countingClient wraps the in-memory backend and counts provider calls.
type countingClient struct {
	vectorstore.Client
	mu      sync.Mutex
	creates int
	uploads []string
}

func (c *countingClient) Create(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	c.creates++
	c.mu.Unlock()
	return c.Client.Create(ctx, name)
}

func (c *countingClient) Upload(ctx context.Context, storeID, path string) (string, error) {
	c.mu.Lock()
	c.uploads = append(c.uploads, path)
	c.mu.Unlock()
	return c.Client.Upload(ctx, storeID, path)
}

func (c *countingClient) uploadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.uploads)
}

func newTestPacker(t *testing.T) (*Packer, *countingClient) {
	t.Helper()
	db, err := sqlitebase.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	stable, err := sessioncache.NewStableList(ctx, db, time.Hour)
	if err != nil {
		t.Fatalf("stable list: %v", err)
	}
	client := &countingClient{Client: vectorstore.NewInMemory()}
	stores, err := vectorstore.NewManager(ctx, vectorstore.ManagerOptions{
		Client: client,
		Loiter: loiter.New(""),
		DB:     db,
		TTL:    time.Hour,
	})
	if err != nil {
		t.Fatalf("store manager: %v", err)
	}
	return &Packer{Stable: stable, Stores: stores, InlineFraction: DefaultInlineFraction}, client
}

// textOfSize builds printable content of exactly n bytes.
func textOfSize(n int) string {
	line := "the quick brown fox jumps over the lazy dog\n"
	var b strings.Builder
	for b.Len()+len(line) <= n {
		b.WriteString(line)
	}
	for b.Len() < n {
		b.WriteByte('x')
	}
	return b.String()
}

func TestBuildInlinesEverythingUnderBudget(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.go"), textOfSize(200))
	writeFile(t, filepath.Join(root, "b.go"), textOfSize(200))

	packer, client := newTestPacker(t)
	res, err := packer.Build(context.Background(), Request{
		Instructions:  "summarize",
		Paths:         []string{root},
		SessionID:     "s1",
		ContextWindow: 10_000,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(res.InlinePaths) != 2 || len(res.OverflowPaths) != 0 {
		t.Errorf("inline %d overflow %d, want 2/0", len(res.InlinePaths), len(res.OverflowPaths))
	}
	if res.VectorStoreID != "" {
		t.Errorf("no overflow but store created: %s", res.VectorStoreID)
	}
	if client.creates != 0 {
		t.Errorf("provider Create called %d times", client.creates)
	}
	for _, marker := range []string{"# Instructions", "summarize", "# File map", "=== BEGIN ", "=== END "} {
		if !strings.Contains(res.Prompt, marker) {
			t.Errorf("prompt missing %q", marker)
		}
	}
	if strings.Contains(res.Prompt, "search_session_attachments") {
		t.Error("attachment trailer present without overflow")
	}
}

func TestBuildOverflowsToVectorStore(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "small.go"), textOfSize(100))
	writeFile(t, filepath.Join(root, "zz_huge.txt"), textOfSize(3000))

	packer, client := newTestPacker(t)
	res, err := packer.Build(context.Background(), Request{
		Instructions:  "review",
		Paths:         []string{root},
		SessionID:     "s1",
		ContextWindow: 400, // budget 340 tokens = 1360 bytes
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(res.InlinePaths) != 1 || !strings.HasSuffix(res.InlinePaths[0], "small.go") {
		t.Errorf("inline wrong: %v", res.InlinePaths)
	}
	if len(res.OverflowPaths) != 1 || !strings.HasSuffix(res.OverflowPaths[0], "zz_huge.txt") {
		t.Errorf("overflow wrong: %v", res.OverflowPaths)
	}
	if res.VectorStoreID == "" {
		t.Error("overflow without a vector store")
	}
	if client.creates != 1 || client.uploadCount() != 1 {
		t.Errorf("creates %d uploads %d, want 1/1", client.creates, client.uploadCount())
	}
	if !strings.Contains(res.Prompt, "search_session_attachments") {
		t.Error("attachment trailer missing")
	}
}

func TestBuildStableAcrossTurns(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "keep.go"), textOfSize(100))
	writeFile(t, filepath.Join(root, "spill1.txt"), textOfSize(2000))
	writeFile(t, filepath.Join(root, "spill2.txt"), textOfSize(2000))

	packer, client := newTestPacker(t)
	req := Request{
		Instructions:  "turn",
		Paths:         []string{root},
		SessionID:     "s1",
		ContextWindow: 400,
	}

	first, err := packer.Build(context.Background(), req)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	if first.VectorStoreID == "" {
		t.Fatal("expected overflow on first turn")
	}
	firstUploads := client.uploadCount()

	second, err := packer.Build(context.Background(), req)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}

	// Same inline membership, same store, zero re-uploads.
	if strings.Join(first.InlinePaths, ",") != strings.Join(second.InlinePaths, ",") {
		t.Errorf("inline set drifted: %v vs %v", first.InlinePaths, second.InlinePaths)
	}
	if second.VectorStoreID != first.VectorStoreID {
		t.Errorf("store not reused: %s vs %s", first.VectorStoreID, second.VectorStoreID)
	}
	if client.creates != 1 {
		t.Errorf("store created twice: %d", client.creates)
	}
	if client.uploadCount() != firstUploads {
		t.Errorf("unchanged files re-uploaded: %d -> %d", firstUploads, client.uploadCount())
	}
}

func TestBuildReuploadsOnlyChangedOverflow(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "keep.go"), textOfSize(100))
	spill1 := filepath.Join(root, "spill1.txt")
	writeFile(t, spill1, textOfSize(2000))
	writeFile(t, filepath.Join(root, "spill2.txt"), textOfSize(2000))

	packer, client := newTestPacker(t)
	req := Request{
		Instructions:  "turn",
		Paths:         []string{root},
		SessionID:     "s1",
		ContextWindow: 400,
	}
	if _, err := packer.Build(context.Background(), req); err != nil {
		t.Fatalf("first build: %v", err)
	}
	before := client.uploadCount()

	// Touch one overflow file: new size, new mtime.
	writeFile(t, spill1, textOfSize(2100))
	past := time.Now().Add(2 * time.Second)
	os.Chtimes(spill1, past, past)

	if _, err := packer.Build(context.Background(), req); err != nil {
		t.Fatalf("second build: %v", err)
	}
	if got := client.uploadCount() - before; got != 1 {
		t.Errorf("expected exactly 1 re-upload, got %d", got)
	}
}

func TestBuildPriorityOverBudgetFailsWithoutStore(t *testing.T) {
	root := t.TempDir()
	big := filepath.Join(root, "big.txt")
	writeFile(t, big, textOfSize(4000)) // 1000 tokens

	packer, client := newTestPacker(t)
	_, err := packer.Build(context.Background(), Request{
		Instructions:  "must include",
		Paths:         []string{root},
		PriorityPaths: []string{big},
		SessionID:     "s1",
		ContextWindow: 400, // budget 340 tokens
	})
	var berr *llm.BudgetExceeded
	if !errors.As(err, &berr) {
		t.Fatalf("expected *llm.BudgetExceeded, got %v", err)
	}
	if berr.Needed <= berr.Budget {
		t.Errorf("error fields inconsistent: %+v", berr)
	}
	// The failure happens before any provider side effects.
	if client.creates != 0 || client.uploadCount() != 0 {
		t.Errorf("provider touched on budget failure: creates %d uploads %d", client.creates, client.uploadCount())
	}
}

func TestBuildPriorityOutsideContextRoots(t *testing.T) {
	root := t.TempDir()
	other := t.TempDir()
	writeFile(t, filepath.Join(root, "a.go"), textOfSize(100))
	extra := filepath.Join(other, "extra.md")
	writeFile(t, extra, textOfSize(100))

	packer, _ := newTestPacker(t)
	res, err := packer.Build(context.Background(), Request{
		Instructions:  "x",
		Paths:         []string{root},
		PriorityPaths: []string{extra},
		SessionID:     "s1",
		ContextWindow: 10_000,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	found := false
	for _, p := range res.InlinePaths {
		if strings.HasSuffix(p, "extra.md") {
			found = true
		}
	}
	if !found {
		t.Errorf("priority path outside roots not inlined: %v", res.InlinePaths)
	}
}

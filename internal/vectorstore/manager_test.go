package vectorstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lukacf/mcp-the-force-sub004/internal/loiter"
	"github.com/lukacf/mcp-the-force-sub004/internal/sqlitebase"
)

type recordingClient struct {
	*InMemoryClient
	mu      sync.Mutex
	uploads []string
}

func (c *recordingClient) Upload(ctx context.Context, storeID, path string) (string, error) {
	c.mu.Lock()
	c.uploads = append(c.uploads, path)
	c.mu.Unlock()
	return c.InMemoryClient.Upload(ctx, storeID, path)
}

func (c *recordingClient) uploadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.uploads)
}

func newTestManager(t *testing.T) (*Manager, *recordingClient) {
	t.Helper()
	db, err := sqlitebase.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	client := &recordingClient{InMemoryClient: NewInMemory()}
	m, err := NewManager(context.Background(), ManagerOptions{
		Client: client,
		Loiter: loiter.New(""),
		DB:     db,
		TTL:    time.Hour,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return m, client
}

func tempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestCreateReusesSessionStore(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	dir := t.TempDir()
	f := tempFile(t, dir, "a.txt", "alpha content")

	first, err := m.Create(ctx, []string{f}, "s1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := m.Create(ctx, []string{f}, "s1")
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if first != second {
		t.Errorf("session store not reused: %s vs %s", first, second)
	}

	// A different session gets its own store.
	other, err := m.Create(ctx, []string{f}, "s2")
	if err != nil {
		t.Fatalf("create s2: %v", err)
	}
	if other == first {
		t.Error("stores shared across sessions")
	}
}

func TestCreateUploadsOnlyDelta(t *testing.T) {
	ctx := context.Background()
	m, client := newTestManager(t)
	dir := t.TempDir()
	a := tempFile(t, dir, "a.txt", "alpha content")
	b := tempFile(t, dir, "b.txt", "beta content")

	if _, err := m.Create(ctx, []string{a, b}, "s1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if client.uploadCount() != 2 {
		t.Fatalf("initial uploads: %d, want 2", client.uploadCount())
	}

	// Unchanged files skip.
	if _, err := m.Create(ctx, []string{a, b}, "s1"); err != nil {
		t.Fatalf("repeat create: %v", err)
	}
	if client.uploadCount() != 2 {
		t.Errorf("unchanged files re-uploaded: %d", client.uploadCount())
	}

	// A changed file re-uploads alone.
	if err := os.WriteFile(a, []byte("alpha content, revised edition"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	later := time.Now().Add(2 * time.Second)
	os.Chtimes(a, later, later)

	if _, err := m.Create(ctx, []string{a, b}, "s1"); err != nil {
		t.Fatalf("third create: %v", err)
	}
	if client.uploadCount() != 3 {
		t.Errorf("delta upload wrong: %d uploads total, want 3", client.uploadCount())
	}
}

func TestCreateEphemeralStore(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	dir := t.TempDir()
	f := tempFile(t, dir, "a.txt", "content")

	first, err := m.Create(ctx, []string{f}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := m.Create(ctx, []string{f}, "")
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if first == second {
		t.Error("sessionless stores must not be reused")
	}
}

func TestCreateRecoversFromVanishedStore(t *testing.T) {
	ctx := context.Background()
	m, client := newTestManager(t)
	dir := t.TempDir()
	f := tempFile(t, dir, "a.txt", "content")

	first, err := m.Create(ctx, []string{f}, "s1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Simulate provider-side expiry.
	client.InMemoryClient.Delete(ctx, first)

	second, err := m.Create(ctx, []string{f}, "s1")
	if err != nil {
		t.Fatalf("create after expiry: %v", err)
	}
	if second == first {
		t.Error("vanished store id reused")
	}
	if ok, _ := client.Exists(ctx, second); !ok {
		t.Error("replacement store missing")
	}
}

func TestGetAllForSession(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	dir := t.TempDir()
	f := tempFile(t, dir, "a.txt", "content")

	id, err := m.Create(ctx, []string{f}, "s1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ids, err := m.GetAllForSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Errorf("tracked stores wrong: %v", ids)
	}

	none, err := m.GetAllForSession(ctx, "unknown")
	if err != nil {
		t.Fatalf("get all unknown: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("unknown session has stores: %v", none)
	}
}

func TestDeleteRemovesStoreAndTracking(t *testing.T) {
	ctx := context.Background()
	m, client := newTestManager(t)
	dir := t.TempDir()
	f := tempFile(t, dir, "a.txt", "content")

	id, err := m.Create(ctx, []string{f}, "s1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m.Delete(ctx, id)

	if ok, _ := client.Exists(ctx, id); ok {
		t.Error("store survived delete")
	}
	ids, _ := m.GetAllForSession(ctx, "s1")
	if len(ids) != 0 {
		t.Errorf("tracking row survived delete: %v", ids)
	}
}

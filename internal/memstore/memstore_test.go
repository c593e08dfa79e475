package memstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/lukacf/mcp-the-force-sub004/internal/loiter"
	"github.com/lukacf/mcp-the-force-sub004/internal/sqlitebase"
	"github.com/lukacf/mcp-the-force-sub004/internal/vectorstore"
)

func newTestStore(t *testing.T, rollover int) (*Store, *vectorstore.InMemoryClient) {
	t.Helper()
	db, err := sqlitebase.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	client := vectorstore.NewInMemory()
	s, err := New(context.Background(), db, client, loiter.New(""), Options{RolloverLimit: rollover})
	if err != nil {
		t.Fatalf("memstore: %v", err)
	}
	return s, client
}

func activeRow(t *testing.T, s *Store, storeType string) (id, name string, docCount int) {
	t.Helper()
	err := s.db.QueryRow(context.Background(),
		"SELECT store_id, name, doc_count FROM memory_stores WHERE store_type = ? AND is_active = 1",
		[]any{storeType},
		func(r *sql.Row) error { return r.Scan(&id, &name, &docCount) })
	if err != nil {
		t.Fatalf("active row: %v", err)
	}
	return id, name, docCount
}

func TestFirstWriteCreatesGenerationOne(t *testing.T) {
	ctx := context.Background()
	s, client := newTestStore(t, 10)

	if err := s.WriteConversation(ctx, "first summary"); err != nil {
		t.Fatalf("write: %v", err)
	}
	id, name, docs := activeRow(t, s, TypeConversation)
	if name != "project-conversations-001" {
		t.Errorf("generation name: %q", name)
	}
	if docs != 1 {
		t.Errorf("doc count: %d", docs)
	}
	if ok, _ := client.Exists(ctx, id); !ok {
		t.Error("backing store missing")
	}
}

func TestRolloverAtLimit(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 2)

	for i := 0; i < 2; i++ {
		if err := s.WriteConversation(ctx, "summary"); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	firstID, _, _ := activeRow(t, s, TypeConversation)

	// The third write lands in a fresh generation.
	if err := s.WriteConversation(ctx, "over the limit"); err != nil {
		t.Fatalf("write: %v", err)
	}
	secondID, name, docs := activeRow(t, s, TypeConversation)
	if secondID == firstID {
		t.Fatal("rollover did not create a new store")
	}
	if name != "project-conversations-002" {
		t.Errorf("generation name: %q", name)
	}
	if docs != 1 {
		t.Errorf("new generation doc count: %d", docs)
	}

	// The old generation is deactivated but kept for search.
	var active int
	err := s.db.QueryRow(ctx,
		"SELECT is_active FROM memory_stores WHERE store_id = ?",
		[]any{firstID},
		func(r *sql.Row) error { return r.Scan(&active) })
	if err != nil {
		t.Fatalf("old row: %v", err)
	}
	if active != 0 {
		t.Error("old generation still active")
	}

	ids, err := s.storesOfTypes(ctx, []string{TypeConversation})
	if err != nil {
		t.Fatalf("stores of types: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("search should cover both generations, got %v", ids)
	}
}

func TestConversationAndCommitStoresIndependent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 10)

	if err := s.WriteConversation(ctx, "a talk"); err != nil {
		t.Fatalf("conversation write: %v", err)
	}
	if err := s.WriteCommit(ctx, "a commit"); err != nil {
		t.Fatalf("commit write: %v", err)
	}

	convID, _, _ := activeRow(t, s, TypeConversation)
	commitID, name, _ := activeRow(t, s, TypeCommit)
	if convID == commitID {
		t.Error("store types share a backing store")
	}
	if name != "project-commits-001" {
		t.Errorf("commit generation name: %q", name)
	}
}

func TestVanishedStoreTriggersRollover(t *testing.T) {
	ctx := context.Background()
	s, client := newTestStore(t, 10)

	if err := s.WriteConversation(ctx, "before"); err != nil {
		t.Fatalf("write: %v", err)
	}
	firstID, _, _ := activeRow(t, s, TypeConversation)

	// Provider GC'd the store.
	client.Delete(ctx, firstID)

	if err := s.WriteConversation(ctx, "after"); err != nil {
		t.Fatalf("write after vanish: %v", err)
	}
	secondID, _, _ := activeRow(t, s, TypeConversation)
	if secondID == firstID {
		t.Error("vanished store still active")
	}
	if ok, _ := client.Exists(ctx, secondID); !ok {
		t.Error("replacement store missing")
	}
}

func TestSearchSpansGenerations(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 1)

	// rollover limit 1: each write starts a new generation.
	if err := s.WriteConversation(ctx, "discussed the parser rewrite"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.WriteConversation(ctx, "discussed the parser tests"); err != nil {
		t.Fatalf("write: %v", err)
	}

	hits, err := s.Search(ctx, "parser", SearchOptions{MaxResults: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("expected hits from both generations, got %d", len(hits))
	}
}

func TestSearchFiltersByStoreType(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 10)

	if err := s.WriteConversation(ctx, "topic banana in conversation"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.WriteCommit(ctx, "topic banana in commit"); err != nil {
		t.Fatalf("write: %v", err)
	}

	hits, err := s.Search(ctx, "banana", SearchOptions{MaxResults: 10, StoreTypes: []string{TypeCommit}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("type filter failed: %d hits", len(hits))
	}
}

func TestSearchKnobsConfigurable(t *testing.T) {
	ctx := context.Background()
	db, err := sqlitebase.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := New(ctx, db, vectorstore.NewInMemory(), loiter.New(""), Options{
		RolloverLimit:     10,
		SearchConcurrency: 1,
		SearchTimeout:     2 * time.Second,
	})
	if err != nil {
		t.Fatalf("memstore: %v", err)
	}
	if s.searchConcurrency != 1 || s.searchTimeout != 2*time.Second {
		t.Errorf("options not applied: concurrency %d timeout %v", s.searchConcurrency, s.searchTimeout)
	}

	if err := s.WriteConversation(ctx, "the deploy window moved to friday"); err != nil {
		t.Fatalf("write: %v", err)
	}
	hits, err := s.Search(ctx, "deploy window", SearchOptions{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("search under custom knobs: %d hits", len(hits))
	}

	// Zero values fall back to the package defaults.
	s2, _ := newTestStore(t, 10)
	if s2.searchConcurrency != defaultSearchConcurrency || s2.searchTimeout != defaultSearchTimeout {
		t.Errorf("defaults not applied: concurrency %d timeout %v", s2.searchConcurrency, s2.searchTimeout)
	}
}

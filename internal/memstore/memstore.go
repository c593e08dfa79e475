// Package memstore keeps long-lived project memory: summaries of past
// conversations and commits, stored in protected provider vector stores.
// Stores roll over to a fresh generation once they grow past the
// configured document limit; search fans out across every generation.
package memstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lukacf/mcp-the-force-sub004/internal/loiter"
	. "github.com/lukacf/mcp-the-force-sub004/internal/logging"
	"github.com/lukacf/mcp-the-force-sub004/internal/sqlitebase"
	"github.com/lukacf/mcp-the-force-sub004/internal/vectorstore"
	"github.com/lukacf/mcp-the-force-sub004/internal/workers"
)

// Store types.
const (
	TypeConversation = "conversation"
	TypeCommit       = "commit"
)

// DefaultRolloverLimit is the per-store document cap before a new
// generation is started.
const DefaultRolloverLimit = 2000

const createStoresSQL = `
CREATE TABLE IF NOT EXISTS memory_stores (
	store_id   TEXT PRIMARY KEY,
	store_type TEXT NOT NULL,
	name       TEXT NOT NULL,
	doc_count  INTEGER NOT NULL DEFAULT 0,
	is_active  INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_stores_type ON memory_stores(store_type, is_active);
`

// Store manages project memory vector stores.
type Store struct {
	db       *sqlitebase.DB
	client   vectorstore.Client
	loiter   *loiter.Client
	rollover int

	searchConcurrency int
	searchTimeout     time.Duration

	// Serializes rollover so concurrent requests cannot race two new
	// generations into existence.
	mu sync.Mutex
}

// Options tune the memory layer; zero values take the package defaults.
type Options struct {
	// RolloverLimit is the per-store document cap before a new
	// generation is started.
	RolloverLimit int
	// SearchConcurrency bounds the fan-out across store generations.
	SearchConcurrency int
	// SearchTimeout caps one fan-out's wall clock.
	SearchTimeout time.Duration
}

// New opens the memory layer on db, creating its table if needed.
func New(ctx context.Context, db *sqlitebase.DB, client vectorstore.Client, lk *loiter.Client, opts Options) (*Store, error) {
	if opts.RolloverLimit <= 0 {
		opts.RolloverLimit = DefaultRolloverLimit
	}
	if opts.SearchConcurrency <= 0 {
		opts.SearchConcurrency = defaultSearchConcurrency
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = defaultSearchTimeout
	}
	if err := db.Exec(ctx, createStoresSQL); err != nil {
		return nil, fmt.Errorf("create memory schema: %w", err)
	}
	return &Store{
		db:                db,
		client:            client,
		loiter:            lk,
		rollover:          opts.RolloverLimit,
		searchConcurrency: opts.SearchConcurrency,
		searchTimeout:     opts.SearchTimeout,
	}, nil
}

// GetActiveConversationStore returns the id of the store currently
// accepting conversation summaries, rolling over if the active one is
// full or gone.
func (s *Store) GetActiveConversationStore(ctx context.Context) (string, error) {
	return s.activeStore(ctx, TypeConversation)
}

// GetActiveCommitStore is GetActiveConversationStore for commit records.
func (s *Store) GetActiveCommitStore(ctx context.Context) (string, error) {
	return s.activeStore(ctx, TypeCommit)
}

func (s *Store) activeStore(ctx context.Context, storeType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var storeID string
	var docCount int
	err := s.db.QueryRow(ctx,
		"SELECT store_id, doc_count FROM memory_stores WHERE store_type = ? AND is_active = 1",
		[]any{storeType},
		func(r *sql.Row) error { return r.Scan(&storeID, &docCount) })
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.rolloverLocked(ctx, storeType)
	case err != nil:
		return "", err
	}

	if docCount >= s.rollover {
		L_info("memstore: rollover threshold reached", "type", storeType, "store", storeID, "docs", docCount)
		return s.rolloverLocked(ctx, storeType)
	}

	// The provider may have GC'd the store underneath us.
	ok, err := s.client.Exists(ctx, storeID)
	if err != nil {
		// Transient provider trouble: keep using the recorded id rather
		// than spawning a duplicate generation.
		L_warn("memstore: existence check failed, assuming alive", "store", storeID, "error", err)
		return storeID, nil
	}
	if !ok {
		L_warn("memstore: active store vanished provider-side", "type", storeType, "store", storeID)
		if err := s.db.Exec(ctx, "UPDATE memory_stores SET is_active = 0 WHERE store_id = ?", storeID); err != nil {
			return "", err
		}
		return s.rolloverLocked(ctx, storeType)
	}

	s.protect(ctx, storeID)
	return storeID, nil
}

// rolloverLocked creates the next generation for storeType. Caller holds
// s.mu.
func (s *Store) rolloverLocked(ctx context.Context, storeType string) (string, error) {
	var generations int
	err := s.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM memory_stores WHERE store_type = ?",
		[]any{storeType},
		func(r *sql.Row) error { return r.Scan(&generations) })
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("project-%ss-%03d", storeType, generations+1)
	storeID, err := s.client.Create(ctx, name)
	if err != nil {
		return "", fmt.Errorf("create memory store %s: %w", name, err)
	}

	if err := s.db.Exec(ctx, "UPDATE memory_stores SET is_active = 0 WHERE store_type = ?", storeType); err != nil {
		return "", err
	}
	err = s.db.Exec(ctx,
		"INSERT INTO memory_stores (store_id, store_type, name, doc_count, is_active, created_at) VALUES (?, ?, ?, 0, 1, ?)",
		storeID, storeType, name, time.Now().Unix())
	if err != nil {
		return "", err
	}

	s.protect(ctx, storeID)
	L_info("memstore: new generation", "type", storeType, "name", name, "store", storeID)
	return storeID, nil
}

// protect registers the store with the loiter-killer so it is never GC'd.
func (s *Store) protect(ctx context.Context, storeID string) {
	if !s.loiter.Enabled() {
		return
	}
	if err := s.loiter.Register(ctx, "project-memory", storeID, true); err != nil {
		L_debug("memstore: protect registration failed", "store", storeID, "error", err)
	}
}

// WriteConversation appends one conversation summary to the active store.
func (s *Store) WriteConversation(ctx context.Context, content string) error {
	return s.write(ctx, TypeConversation, content)
}

// WriteCommit appends one commit record to the active store.
func (s *Store) WriteCommit(ctx context.Context, content string) error {
	return s.write(ctx, TypeCommit, content)
}

func (s *Store) write(ctx context.Context, storeType, content string) error {
	storeID, err := s.activeStore(ctx, storeType)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s-%s.txt", storeType, uuid.NewString()[:8])
	if _, err := s.client.UploadContent(ctx, storeID, name, []byte(content)); err != nil {
		return err
	}
	return s.db.Exec(ctx, "UPDATE memory_stores SET doc_count = doc_count + 1 WHERE store_id = ?", storeID)
}

// WriteAsync queues a memory write on the worker pool; write failures
// never affect the request that produced the memory.
func (s *Store) WriteAsync(storeType, content string) {
	workers.Get().Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := s.write(ctx, storeType, content); err != nil {
			L_warn("memstore: background write failed", "type", storeType, "error", err)
		}
	})
}

// storesOfTypes lists all generations for the requested types, active or
// not. Search covers history, not just the current generation.
func (s *Store) storesOfTypes(ctx context.Context, storeTypes []string) ([]string, error) {
	want := make(map[string]struct{}, len(storeTypes))
	for _, t := range storeTypes {
		want[t] = struct{}{}
	}
	var ids []string
	err := s.db.Query(ctx,
		"SELECT store_id, store_type FROM memory_stores ORDER BY created_at DESC",
		nil, func(rows *sql.Rows) error {
			for rows.Next() {
				var id, typ string
				if err := rows.Scan(&id, &typ); err != nil {
					return err
				}
				if _, ok := want[typ]; ok {
					ids = append(ids, id)
				}
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

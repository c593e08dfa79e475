package vectorstore

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"time"

	"github.com/lukacf/mcp-the-force-sub004/internal/loiter"
	. "github.com/lukacf/mcp-the-force-sub004/internal/logging"
	"github.com/lukacf/mcp-the-force-sub004/internal/sqlitebase"
)

const createTrackingSQL = `
CREATE TABLE IF NOT EXISTS vector_stores (
	session_id TEXT NOT NULL,
	store_id   TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, store_id)
);
CREATE TABLE IF NOT EXISTS vector_store_files (
	store_id   TEXT NOT NULL,
	path       TEXT NOT NULL,
	size       INTEGER NOT NULL,
	mtime_ns   INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (store_id, path)
);
`

// Manager owns vector-store lifecycles. It tracks which store belongs to
// which session, uploads only file deltas on repeat turns, and delegates
// store GC to the loiter-killer service when one is running.
type Manager struct {
	client        Client
	loiter        *loiter.Client
	tracking      *sqlitebase.Cache
	mock          bool
	localTracking bool
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Client Client
	Loiter *loiter.Client
	DB     *sqlitebase.DB
	TTL    time.Duration

	// Mock short-circuits provider calls for tests.
	Mock bool

	// LocalTracking keeps session→store rows even when the loiter-killer
	// owns lifecycles, so attachment search can still enumerate stores.
	LocalTracking bool
}

// NewManager builds a Manager with session-tracking tables on db.
func NewManager(ctx context.Context, opts ManagerOptions) (*Manager, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	tracking, err := sqlitebase.NewCache(ctx, opts.DB, "vector_stores", createTrackingSQL, ttl, sqlitebase.DefaultPurgeProbability)
	if err != nil {
		return nil, err
	}
	return &Manager{
		client:        opts.Client,
		loiter:        opts.Loiter,
		tracking:      tracking,
		mock:          opts.Mock,
		localTracking: opts.LocalTracking,
	}, nil
}

// Client exposes the underlying backend for read-only search.
func (m *Manager) Client() Client { return m.client }

// Create returns a vector store holding files. With a session id it reuses
// the session's existing store and uploads only files whose fingerprint
// changed since their prior upload; without one it makes a throwaway store.
func (m *Manager) Create(ctx context.Context, files []string, sessionID string) (string, error) {
	if sessionID != "" && m.loiter.Enabled() {
		if id, err := m.createViaLoiter(ctx, files, sessionID); err == nil {
			return id, nil
		}
		// Loiter client disables itself on failure; fall through to
		// direct provider calls.
	}

	storeID := ""
	if sessionID != "" {
		storeID = m.sessionStore(ctx, sessionID)
	}
	if storeID != "" {
		ok, err := m.client.Exists(ctx, storeID)
		if err != nil || !ok {
			storeID = ""
		}
	}

	if storeID == "" {
		name := "session-" + sessionID
		if sessionID == "" {
			name = "ephemeral"
		}
		id, err := m.client.Create(ctx, name)
		if err != nil {
			return "", err
		}
		storeID = id
		if sessionID != "" {
			m.recordStore(ctx, sessionID, storeID)
		}
	}

	if err := m.uploadDelta(ctx, storeID, files); err != nil {
		return "", err
	}
	return storeID, nil
}

// createViaLoiter acquires the session's store from the loiter-killer and
// uploads only paths the service does not already track.
func (m *Manager) createViaLoiter(ctx context.Context, files []string, sessionID string) (string, error) {
	res, err := m.loiter.Acquire(ctx, sessionID, false)
	if err != nil {
		return "", err
	}

	tracked := make(map[string]struct{}, len(res.FilePaths))
	for _, p := range res.FilePaths {
		tracked[p] = struct{}{}
	}
	var delta []string
	for _, f := range files {
		if _, ok := tracked[f]; !ok {
			delta = append(delta, f)
		}
	}

	for _, path := range delta {
		if _, err := m.client.Upload(ctx, res.VectorStoreID, path); err != nil {
			L_warn("vectorstore: upload failed", "store", res.VectorStoreID, "path", path, "error", err)
		}
	}
	if len(delta) > 0 {
		if err := m.loiter.AddFiles(ctx, sessionID, delta); err != nil {
			L_debug("vectorstore: loiter file report failed", "error", err)
		}
	}
	if m.localTracking {
		m.recordStore(ctx, sessionID, res.VectorStoreID)
	}
	L_debug("vectorstore: loiter-managed store ready",
		"store", res.VectorStoreID, "created", res.Created, "new_files", len(delta))
	return res.VectorStoreID, nil
}

// uploadDelta uploads files whose fingerprint differs from the last upload
// into this store, then records the new fingerprints.
func (m *Manager) uploadDelta(ctx context.Context, storeID string, files []string) error {
	now := time.Now().Unix()
	for _, path := range files {
		st, err := os.Stat(path)
		if err != nil {
			L_warn("vectorstore: skipping unreadable file", "path", path, "error", err)
			continue
		}
		size, mtime := st.Size(), st.ModTime().UnixNano()

		var prevSize, prevMtime int64
		err = m.tracking.QueryRow(ctx,
			"SELECT size, mtime_ns FROM vector_store_files WHERE store_id = ? AND path = ?",
			[]any{storeID, path},
			func(r *sql.Row) error { return r.Scan(&prevSize, &prevMtime) })
		if err == nil && prevSize == size && prevMtime == mtime {
			continue
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		if _, err := m.client.Upload(ctx, storeID, path); err != nil {
			L_warn("vectorstore: upload failed", "store", storeID, "path", path, "error", err)
			continue
		}
		err = m.tracking.Exec(ctx, `
			INSERT INTO vector_store_files (store_id, path, size, mtime_ns, updated_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(store_id, path) DO UPDATE SET
				size = excluded.size, mtime_ns = excluded.mtime_ns, updated_at = excluded.updated_at
		`, storeID, path, size, mtime, now)
		if err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a store. Loiter-managed and mock stores are left alone;
// provider failures are logged, never raised — a leaked store is cheaper
// than a failed request.
func (m *Manager) Delete(ctx context.Context, storeID string) {
	if m.mock || m.loiter.Enabled() {
		return
	}
	if err := m.client.Delete(ctx, storeID); err != nil {
		L_warn("vectorstore: delete failed", "store", storeID, "error", err)
	}
	if err := m.tracking.Exec(ctx, "DELETE FROM vector_store_files WHERE store_id = ?", storeID); err != nil {
		L_debug("vectorstore: tracking cleanup failed", "store", storeID, "error", err)
	}
	if err := m.tracking.Exec(ctx, "DELETE FROM vector_stores WHERE store_id = ?", storeID); err != nil {
		L_debug("vectorstore: tracking cleanup failed", "store", storeID, "error", err)
	}
}

// GetAllForSession lists the stores tracked for a session, newest first.
// When the loiter-killer owns tracking this returns empty unless local
// tracking is switched on.
func (m *Manager) GetAllForSession(ctx context.Context, sessionID string) ([]string, error) {
	if m.loiter.Enabled() && !m.localTracking {
		return nil, nil
	}
	var ids []string
	err := m.tracking.Query(ctx,
		"SELECT store_id FROM vector_stores WHERE session_id = ? ORDER BY updated_at DESC",
		[]any{sessionID}, func(rows *sql.Rows) error {
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (m *Manager) sessionStore(ctx context.Context, sessionID string) string {
	var id string
	var updatedAt int64
	err := m.tracking.QueryRow(ctx,
		"SELECT store_id, updated_at FROM vector_stores WHERE session_id = ? ORDER BY updated_at DESC LIMIT 1",
		[]any{sessionID},
		func(r *sql.Row) error { return r.Scan(&id, &updatedAt) })
	if err != nil || m.tracking.Expired(updatedAt) {
		return ""
	}
	return id
}

func (m *Manager) recordStore(ctx context.Context, sessionID, storeID string) {
	err := m.tracking.Exec(ctx, `
		INSERT INTO vector_stores (session_id, store_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id, store_id) DO UPDATE SET updated_at = excluded.updated_at
	`, sessionID, storeID, time.Now().Unix())
	if err != nil {
		L_warn("vectorstore: tracking write failed", "session", sessionID, "error", err)
		return
	}
	m.tracking.MaybePurge(ctx)
}

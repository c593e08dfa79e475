package sessioncache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	. "github.com/lukacf/mcp-the-force-sub004/internal/logging"
	"github.com/lukacf/mcp-the-force-sub004/internal/sqlitebase"
)

const createStableListSQL = `
CREATE TABLE IF NOT EXISTS stable_lists (
	session_id TEXT PRIMARY KEY,
	paths_json TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS sent_files (
	session_id TEXT NOT NULL,
	path       TEXT NOT NULL,
	size       INTEGER NOT NULL,
	mtime_ns   INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, path)
);
CREATE INDEX IF NOT EXISTS idx_sent_files_session ON sent_files(session_id);
`

// FileInfo is the fingerprint recorded when a file is sent inline.
// Comparison uses size AND integer-nanosecond mtime; any mismatch means
// "changed".
type FileInfo struct {
	Size    int64
	MtimeNS int64
}

// StableListCache records which files a session showed inline last turn,
// plus per-file fingerprints. Provider prompt caches are prefix-keyed, so
// keeping inline membership stable across turns is what keeps them warm.
type StableListCache struct {
	*sqlitebase.Cache
}

// NewStableList creates the stable-list tables on a shared DB.
func NewStableList(ctx context.Context, db *sqlitebase.DB, ttl time.Duration) (*StableListCache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	base, err := sqlitebase.NewCache(ctx, db, "stable_lists", createStableListSQL, ttl, sqlitebase.DefaultPurgeProbability)
	if err != nil {
		return nil, err
	}
	return &StableListCache{Cache: base}, nil
}

// GetStableList returns the ordered inline path list from the prior turn,
// or nil for a fresh session.
func (c *StableListCache) GetStableList(ctx context.Context, sessionID string) ([]string, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	var pathsJSON string
	var updatedAt int64
	err := c.QueryRow(ctx,
		"SELECT paths_json, updated_at FROM stable_lists WHERE session_id = ?",
		[]any{sessionID},
		func(r *sql.Row) error { return r.Scan(&pathsJSON, &updatedAt) })
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if c.Expired(updatedAt) {
		return nil, nil
	}
	var paths []string
	if err := json.Unmarshal([]byte(pathsJSON), &paths); err != nil {
		return nil, err
	}
	return paths, nil
}

// SaveStableList replaces the session's inline path list.
func (c *StableListCache) SaveStableList(ctx context.Context, sessionID string, paths []string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	data, err := json.Marshal(paths)
	if err != nil {
		return err
	}
	err = c.Exec(ctx, `
		INSERT INTO stable_lists (session_id, paths_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET paths_json = excluded.paths_json, updated_at = excluded.updated_at
	`, sessionID, string(data), time.Now().Unix())
	if err != nil {
		return err
	}
	c.maybePurgeAll(ctx)
	return nil
}

// maybePurgeAll sweeps both tables; TTL applies to fingerprints too.
func (c *StableListCache) maybePurgeAll(ctx context.Context) {
	if c.TTL <= 0 || rand.Float64() >= c.PurgeProb {
		return
	}
	c.Purge(ctx)
	cutoff := time.Now().Add(-c.TTL).Unix()
	if err := c.Exec(ctx, "DELETE FROM sent_files WHERE updated_at < ?", cutoff); err != nil {
		L_warn("stablelist: sent_files purge failed", "error", err)
	}
}

// GetSentFileInfo returns the recorded fingerprint for one file, or nil.
func (c *StableListCache) GetSentFileInfo(ctx context.Context, sessionID, path string) (*FileInfo, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	var info FileInfo
	var updatedAt int64
	err := c.QueryRow(ctx,
		"SELECT size, mtime_ns, updated_at FROM sent_files WHERE session_id = ? AND path = ?",
		[]any{sessionID, path},
		func(r *sql.Row) error { return r.Scan(&info.Size, &info.MtimeNS, &updatedAt) })
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if c.Expired(updatedAt) {
		return nil, nil
	}
	return &info, nil
}

// UpdateSentFileInfo records one file's fingerprint.
func (c *StableListCache) UpdateSentFileInfo(ctx context.Context, sessionID, path string, info FileInfo) error {
	return c.BatchUpdateSentFiles(ctx, sessionID, map[string]FileInfo{path: info})
}

// BatchUpdateSentFiles records fingerprints for many files in one sweep.
func (c *StableListCache) BatchUpdateSentFiles(ctx context.Context, sessionID string, infos map[string]FileInfo) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	now := time.Now().Unix()
	for path, info := range infos {
		err := c.Exec(ctx, `
			INSERT INTO sent_files (session_id, path, size, mtime_ns, updated_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(session_id, path) DO UPDATE SET
				size = excluded.size, mtime_ns = excluded.mtime_ns, updated_at = excluded.updated_at
		`, sessionID, path, info.Size, info.MtimeNS, now)
		if err != nil {
			return err
		}
	}
	c.maybePurgeAll(ctx)
	return nil
}

// FileChangedSinceLastSend compares a current fingerprint against the
// recorded one. Unknown files count as changed.
func (c *StableListCache) FileChangedSinceLastSend(ctx context.Context, sessionID, path string, current FileInfo) (bool, error) {
	prev, err := c.GetSentFileInfo(ctx, sessionID, path)
	if err != nil {
		return true, err
	}
	if prev == nil {
		return true, nil
	}
	return prev.Size != current.Size || prev.MtimeNS != current.MtimeNS, nil
}

// ResetSession drops the stable list and all fingerprints for a session.
func (c *StableListCache) ResetSession(ctx context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	L_debug("stablelist: resetting session", "session", sessionID)
	if err := c.Exec(ctx, "DELETE FROM stable_lists WHERE session_id = ?", sessionID); err != nil {
		return err
	}
	return c.Exec(ctx, "DELETE FROM sent_files WHERE session_id = ?", sessionID)
}

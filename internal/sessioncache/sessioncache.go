// Package sessioncache persists per-session conversation state in the
// unified sessions table. Each provider stores its own continuation
// idiom: the OpenAI Responses adapter keeps the last response id, the
// Gemini adapter keeps the full typed history, and the Grok adapter keeps
// a flat chat-message array.
package sessioncache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lukacf/mcp-the-force-sub004/internal/history"
	"github.com/lukacf/mcp-the-force-sub004/internal/llm"
	. "github.com/lukacf/mcp-the-force-sub004/internal/logging"
	"github.com/lukacf/mcp-the-force-sub004/internal/sqlitebase"
)

// MaxSessionIDLen bounds session ids; longer ids are rejected outright.
const MaxSessionIDLen = 1024

// DefaultTTL is how long an idle session's state stays retrievable.
const DefaultTTL = 6 * time.Hour

const createSessionsSQL = `
CREATE TABLE IF NOT EXISTS unified_sessions (
	session_id   TEXT PRIMARY KEY,
	provider     TEXT NOT NULL,
	response_id  TEXT,
	history_json TEXT,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_unified_sessions_updated ON unified_sessions(updated_at);
`

// Cache is the unified session cache.
type Cache struct {
	*sqlitebase.Cache
}

// New creates the cache on a shared DB. ttl <= 0 gets DefaultTTL.
func New(ctx context.Context, db *sqlitebase.DB, ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	base, err := sqlitebase.NewCache(ctx, db, "unified_sessions", createSessionsSQL, ttl, sqlitebase.DefaultPurgeProbability)
	if err != nil {
		return nil, err
	}
	return &Cache{Cache: base}, nil
}

// ValidateSessionID enforces the id length bound.
func ValidateSessionID(id string) error {
	if id == "" {
		return &llm.ValidationError{Field: "session_id", Reason: "must not be empty"}
	}
	if len(id) > MaxSessionIDLen {
		return &llm.ValidationError{Field: "session_id", Reason: "exceeds 1024 bytes"}
	}
	return nil
}

// row fetches a session row. Expired rows read as absent.
func (c *Cache) row(ctx context.Context, sessionID string) (provider, responseID string, historyJSON []byte, ok bool, err error) {
	var updatedAt int64
	var respID, hist sql.NullString
	err = c.QueryRow(ctx,
		"SELECT provider, response_id, history_json, updated_at FROM unified_sessions WHERE session_id = ?",
		[]any{sessionID},
		func(r *sql.Row) error {
			return r.Scan(&provider, &respID, &hist, &updatedAt)
		})
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil, false, nil
	}
	if err != nil {
		return "", "", nil, false, err
	}
	if c.Expired(updatedAt) {
		return "", "", nil, false, nil
	}
	return provider, respID.String, []byte(hist.String), true, nil
}

// upsert replaces the full row under the cache mutex. History is
// append-only at the caller level; the row itself is rewritten whole.
func (c *Cache) upsert(ctx context.Context, sessionID, provider, responseID string, historyJSON []byte) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	now := time.Now().Unix()
	var hist any
	if historyJSON != nil {
		hist = string(historyJSON)
	}
	err := c.Exec(ctx, `
		INSERT INTO unified_sessions (session_id, provider, response_id, history_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			provider = excluded.provider,
			response_id = excluded.response_id,
			history_json = excluded.history_json,
			updated_at = excluded.updated_at
	`, sessionID, provider, nullable(responseID), hist, now, now)
	if err != nil {
		return err
	}
	c.MaybePurge(ctx)
	return nil
}

// GetResponseID returns the stored Responses-API continuation id, or ""
// when the session is unknown or expired.
func (c *Cache) GetResponseID(ctx context.Context, sessionID string) (string, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	_, respID, _, ok, err := c.row(ctx, sessionID)
	if err != nil || !ok {
		return "", err
	}
	return respID, nil
}

// SetResponseID stores the Responses-API continuation id.
func (c *Cache) SetResponseID(ctx context.Context, sessionID, responseID string) error {
	return c.upsert(ctx, sessionID, "openai", responseID, nil)
}

// GetHistory returns the stored Gemini history, or nil when absent.
func (c *Cache) GetHistory(ctx context.Context, sessionID string) ([]history.Item, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	_, _, hist, ok, err := c.row(ctx, sessionID)
	if err != nil || !ok {
		return nil, err
	}
	return history.UnmarshalItems(hist)
}

// SetHistory stores the full Gemini history for a session.
func (c *Cache) SetHistory(ctx context.Context, sessionID string, items []history.Item) error {
	data, err := history.MarshalItems(items)
	if err != nil {
		return err
	}
	return c.upsert(ctx, sessionID, "gemini", "", data)
}

// GetChatHistory returns the stored Grok chat history, or nil when absent.
func (c *Cache) GetChatHistory(ctx context.Context, sessionID string) ([]history.ChatMessage, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	_, _, hist, ok, err := c.row(ctx, sessionID)
	if err != nil || !ok || len(hist) == 0 {
		return nil, err
	}
	var msgs []history.ChatMessage
	if err := json.Unmarshal(hist, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SetChatHistory stores the full Grok chat history for a session.
func (c *Cache) SetChatHistory(ctx context.Context, sessionID string, msgs []history.ChatMessage) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	return c.upsert(ctx, sessionID, "xai", "", data)
}

// Info describes a session for the list_sessions tool.
type Info struct {
	SessionID string
	Provider  string
	UpdatedAt time.Time
	CreatedAt time.Time
}

// ListRecent returns the most recently used sessions, newest first.
func (c *Cache) ListRecent(ctx context.Context, limit int) ([]Info, error) {
	if limit <= 0 {
		limit = 20
	}
	var infos []Info
	err := c.Query(ctx, `
		SELECT session_id, provider, created_at, updated_at
		FROM unified_sessions
		ORDER BY updated_at DESC
		LIMIT ?
	`, []any{limit}, func(rows *sql.Rows) error {
		for rows.Next() {
			var info Info
			var created, updated int64
			if err := rows.Scan(&info.SessionID, &info.Provider, &created, &updated); err != nil {
				return err
			}
			if c.Expired(updated) {
				continue
			}
			info.CreatedAt = time.Unix(created, 0)
			info.UpdatedAt = time.Unix(updated, 0)
			infos = append(infos, info)
		}
		return nil
	})
	return infos, err
}

// Provider returns the provider that owns a session, or "" when unknown.
func (c *Cache) Provider(ctx context.Context, sessionID string) (string, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	provider, _, _, ok, err := c.row(ctx, sessionID)
	if err != nil || !ok {
		return "", err
	}
	return provider, nil
}

// Delete removes a session row.
func (c *Cache) Delete(ctx context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	L_debug("sessioncache: deleting session", "session", sessionID)
	return c.Exec(ctx, "DELETE FROM unified_sessions WHERE session_id = ?", sessionID)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Package sqlitebase is the shared SQLite layer under every cache in the
// server: one connection per database file, WAL journaling, a mutex
// serializing every statement, and all I/O dispatched through the worker
// pool so the request path never blocks on disk.
package sqlitebase

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/lukacf/mcp-the-force-sub004/internal/logging"
	"github.com/lukacf/mcp-the-force-sub004/internal/workers"
)

// DefaultBusyTimeout matches the contract: 5000ms.
const DefaultBusyTimeout = 5000

// DB wraps a single SQLite connection shared by one or more caches.
type DB struct {
	sqlDB *sql.DB
	mu    sync.Mutex
	pool  *workers.Pool

	closeOnce sync.Once
	closeErr  error
}

// Open opens (or creates) the database at path. ":memory:" is supported
// for tests. The connection is pinned to a single underlying handle so
// the instance mutex fully serializes statements.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL", path, DefaultBusyTimeout)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	L_debug("sqlite: opened", "path", path)
	return &DB{sqlDB: sqlDB, pool: workers.Get()}, nil
}

// Exec runs a statement on the worker pool under the instance mutex.
func (d *DB) Exec(ctx context.Context, query string, args ...any) error {
	return d.pool.Do(ctx, func() error {
		d.mu.Lock()
		defer d.mu.Unlock()
		_, err := d.sqlDB.ExecContext(ctx, query, args...)
		return err
	})
}

// Query runs a query on the worker pool and hands the rows to scan.
// scan is called once with the open rows; the rows are closed afterwards.
func (d *DB) Query(ctx context.Context, query string, args []any, scan func(*sql.Rows) error) error {
	return d.pool.Do(ctx, func() error {
		d.mu.Lock()
		defer d.mu.Unlock()
		rows, err := d.sqlDB.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		if err := scan(rows); err != nil {
			return err
		}
		return rows.Err()
	})
}

// QueryRow runs a single-row query; scan receives the row. sql.ErrNoRows
// propagates to the caller unchanged.
func (d *DB) QueryRow(ctx context.Context, query string, args []any, scan func(*sql.Row) error) error {
	return d.pool.Do(ctx, func() error {
		d.mu.Lock()
		defer d.mu.Unlock()
		return scan(d.sqlDB.QueryRowContext(ctx, query, args...))
	})
}

// Close is idempotent and safe from multiple goroutines.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.closeErr = d.sqlDB.Close()
	})
	return d.closeErr
}

// Cache is a TTL'd table on a shared DB. Rows carry an updated_at column
// (unix seconds); expired rows are purged probabilistically on writes.
type Cache struct {
	*DB
	Table     string
	TTL       time.Duration
	PurgeProb float64
}

// DefaultPurgeProbability is the chance a write triggers a purge sweep.
const DefaultPurgeProbability = 0.01

// NewCache creates the cache's table (createSQL must be idempotent) and
// returns the handle. A zero TTL disables expiry.
func NewCache(ctx context.Context, db *DB, table, createSQL string, ttl time.Duration, purgeProb float64) (*Cache, error) {
	if purgeProb <= 0 {
		purgeProb = DefaultPurgeProbability
	}
	if err := db.Exec(ctx, createSQL); err != nil {
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}
	return &Cache{DB: db, Table: table, TTL: ttl, PurgeProb: purgeProb}, nil
}

// MaybePurge rolls the purge probability and, on a hit, deletes rows whose
// updated_at is older than the TTL. Called from every write path.
func (c *Cache) MaybePurge(ctx context.Context) {
	if c.TTL <= 0 || rand.Float64() >= c.PurgeProb {
		return
	}
	c.Purge(ctx)
}

// Purge deletes every expired row. Failures are logged, not returned:
// a missed sweep just means the next one has more to do.
func (c *Cache) Purge(ctx context.Context) {
	cutoff := time.Now().Add(-c.TTL).Unix()
	if err := c.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE updated_at < ?", c.Table), cutoff); err != nil {
		L_warn("sqlite: purge failed", "table", c.Table, "error", err)
	}
}

// Expired reports whether a row updated at the given unix time is past TTL.
func (c *Cache) Expired(updatedAt int64) bool {
	if c.TTL <= 0 {
		return false
	}
	return time.Now().Unix()-updatedAt >= int64(c.TTL/time.Second)
}

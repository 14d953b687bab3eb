// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

// Package statedb persists mount state that must survive restarts: the
// delta link that resumes change tracking, and the index of the disk
// content cache. Backed by SQLite in WAL mode.
package statedb

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/onedrive-fuse/onedrive-fuse/lib/graph"
)

const schema = `
CREATE TABLE IF NOT EXISTS delta_state (
	drive_id   TEXT PRIMARY KEY,
	delta_link TEXT NOT NULL,
	synced_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cache_entry (
	item_id   TEXT PRIMARY KEY,
	c_tag     TEXT NOT NULL,
	size      INTEGER NOT NULL,
	checksum  BLOB NOT NULL,
	last_used INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS cache_entry_last_used ON cache_entry (last_used);
`

// Config holds the parameters for opening the state database.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist. Use ":memory:" with PoolSize 1 in
	// tests.
	Path string

	// PoolSize is the number of connections in the pool. If zero or
	// negative, defaults to max(runtime.NumCPU(), 4).
	PoolSize int

	// Logger receives operational messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// DB is a connection pool over the state database. Safe for concurrent
// use; individual connections are not, so every accessor takes and
// returns its own connection.
type DB struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open opens the state database, creating the file and schema as
// needed. The caller must call Close when done.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("statedb: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("statedb: opening %s: %w", cfg.Path, err)
	}

	logger.Info("state database opened", "path", cfg.Path, "pool_size", poolSize)

	return &DB{pool: pool, logger: logger, path: cfg.Path}, nil
}

// Close closes all connections. Blocks until borrowed connections are
// returned.
func (db *DB) Close() error {
	if err := db.pool.Close(); err != nil {
		return fmt.Errorf("statedb: closing %s: %w", db.path, err)
	}
	db.logger.Info("state database closed", "path", db.path)
	return nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("statedb: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("statedb: applying schema: %w", err)
	}
	return nil
}

// DeltaLink returns the stored delta link for a drive, or "" when a
// full enumeration is needed.
func (db *DB) DeltaLink(ctx context.Context, driveID string) (string, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return "", fmt.Errorf("statedb: take: %w", err)
	}
	defer db.pool.Put(conn)

	var link string
	err = sqlitex.Execute(conn,
		"SELECT delta_link FROM delta_state WHERE drive_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{driveID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				link = stmt.ColumnText(0)
				return nil
			},
		})
	if err != nil {
		return "", fmt.Errorf("statedb: loading delta link: %w", err)
	}
	return link, nil
}

// SetDeltaLink stores the delta link for a drive after a completed
// sync walk.
func (db *DB) SetDeltaLink(ctx context.Context, driveID, link string, syncedAt time.Time) error {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("statedb: take: %w", err)
	}
	defer db.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO delta_state (drive_id, delta_link, synced_at) VALUES (?, ?, ?)
		 ON CONFLICT (drive_id) DO UPDATE SET delta_link = excluded.delta_link, synced_at = excluded.synced_at`,
		&sqlitex.ExecOptions{Args: []any{driveID, link, syncedAt.Unix()}})
	if err != nil {
		return fmt.Errorf("statedb: storing delta link: %w", err)
	}
	return nil
}

// ClearDeltaLink discards the delta link for a drive. Called when the
// service demands a full resync.
func (db *DB) ClearDeltaLink(ctx context.Context, driveID string) error {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("statedb: take: %w", err)
	}
	defer db.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM delta_state WHERE drive_id = ?",
		&sqlitex.ExecOptions{Args: []any{driveID}})
	if err != nil {
		return fmt.Errorf("statedb: clearing delta link: %w", err)
	}
	return nil
}

// CacheEntry is one row of the disk cache index. Checksum is the
// BLAKE3 digest of the cached file content; CTag identifies the remote
// content version the cache holds.
type CacheEntry struct {
	ItemID   graph.ItemID
	CTag     string
	Size     int64
	Checksum []byte
	LastUsed time.Time
}

// PutCacheEntry inserts or replaces the index row for an item.
func (db *DB) PutCacheEntry(ctx context.Context, entry CacheEntry) error {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("statedb: take: %w", err)
	}
	defer db.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO cache_entry (item_id, c_tag, size, checksum, last_used) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (item_id) DO UPDATE SET
			c_tag = excluded.c_tag,
			size = excluded.size,
			checksum = excluded.checksum,
			last_used = excluded.last_used`,
		&sqlitex.ExecOptions{Args: []any{
			string(entry.ItemID), entry.CTag, entry.Size, entry.Checksum, entry.LastUsed.Unix(),
		}})
	if err != nil {
		return fmt.Errorf("statedb: storing cache entry: %w", err)
	}
	return nil
}

// GetCacheEntry returns the index row for an item, or (nil, nil) when
// the item is not cached.
func (db *DB) GetCacheEntry(ctx context.Context, itemID graph.ItemID) (*CacheEntry, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("statedb: take: %w", err)
	}
	defer db.pool.Put(conn)

	var entry *CacheEntry
	err = sqlitex.Execute(conn,
		"SELECT c_tag, size, checksum, last_used FROM cache_entry WHERE item_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{string(itemID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				checksum := make([]byte, stmt.ColumnLen(2))
				stmt.ColumnBytes(2, checksum)
				entry = &CacheEntry{
					ItemID:   itemID,
					CTag:     stmt.ColumnText(0),
					Size:     stmt.ColumnInt64(1),
					Checksum: checksum,
					LastUsed: time.Unix(stmt.ColumnInt64(3), 0),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("statedb: loading cache entry: %w", err)
	}
	return entry, nil
}

// TouchCacheEntry bumps an item's last-used time for LRU accounting.
func (db *DB) TouchCacheEntry(ctx context.Context, itemID graph.ItemID, now time.Time) error {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("statedb: take: %w", err)
	}
	defer db.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE cache_entry SET last_used = ? WHERE item_id = ?",
		&sqlitex.ExecOptions{Args: []any{now.Unix(), string(itemID)}})
	if err != nil {
		return fmt.Errorf("statedb: touching cache entry: %w", err)
	}
	return nil
}

// DeleteCacheEntry removes an item's index row. A missing row is not
// an error.
func (db *DB) DeleteCacheEntry(ctx context.Context, itemID graph.ItemID) error {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("statedb: take: %w", err)
	}
	defer db.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM cache_entry WHERE item_id = ?",
		&sqlitex.ExecOptions{Args: []any{string(itemID)}})
	if err != nil {
		return fmt.Errorf("statedb: deleting cache entry: %w", err)
	}
	return nil
}

// CacheUsage returns the number of cached items and their total size.
func (db *DB) CacheUsage(ctx context.Context) (count int64, totalSize int64, err error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("statedb: take: %w", err)
	}
	defer db.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache_entry",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				totalSize = stmt.ColumnInt64(1)
				return nil
			},
		})
	if err != nil {
		return 0, 0, fmt.Errorf("statedb: cache usage: %w", err)
	}
	return count, totalSize, nil
}

// EvictionCandidates returns up to limit cached items, least recently
// used first, excluding the given in-use items.
func (db *DB) EvictionCandidates(ctx context.Context, limit int, inUse []graph.ItemID) ([]CacheEntry, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("statedb: take: %w", err)
	}
	defer db.pool.Put(conn)

	excluded := make(map[graph.ItemID]bool, len(inUse))
	for _, id := range inUse {
		excluded[id] = true
	}

	var candidates []CacheEntry
	err = sqlitex.Execute(conn,
		"SELECT item_id, c_tag, size, checksum, last_used FROM cache_entry ORDER BY last_used ASC",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if len(candidates) >= limit {
					return nil
				}
				itemID := graph.ItemID(stmt.ColumnText(0))
				if excluded[itemID] {
					return nil
				}
				checksum := make([]byte, stmt.ColumnLen(3))
				stmt.ColumnBytes(3, checksum)
				candidates = append(candidates, CacheEntry{
					ItemID:   itemID,
					CTag:     stmt.ColumnText(1),
					Size:     stmt.ColumnInt64(2),
					Checksum: checksum,
					LastUsed: time.Unix(stmt.ColumnInt64(4), 0),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("statedb: listing eviction candidates: %w", err)
	}
	return candidates, nil
}

// AllCacheEntries returns every index row. Used on startup to
// reconcile the index against the files actually on disk.
func (db *DB) AllCacheEntries(ctx context.Context) ([]CacheEntry, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("statedb: take: %w", err)
	}
	defer db.pool.Put(conn)

	var entries []CacheEntry
	err = sqlitex.Execute(conn,
		"SELECT item_id, c_tag, size, checksum, last_used FROM cache_entry",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				checksum := make([]byte, stmt.ColumnLen(3))
				stmt.ColumnBytes(3, checksum)
				entries = append(entries, CacheEntry{
					ItemID:   graph.ItemID(stmt.ColumnText(0)),
					CTag:     stmt.ColumnText(1),
					Size:     stmt.ColumnInt64(2),
					Checksum: checksum,
					LastUsed: time.Unix(stmt.ColumnInt64(4), 0),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("statedb: listing cache entries: %w", err)
	}
	return entries, nil
}

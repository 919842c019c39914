// Package cache is the content-addressed response cache. Entries are keyed
// by the request cache key and stored in SQLite; the cache is advisory, so a
// failed probe degrades to a miss instead of failing the request.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/conduit-llm/conduit/pkg/config"
	"github.com/conduit-llm/conduit/pkg/dbpool"
	"github.com/conduit-llm/conduit/pkg/logger"
)

const createCacheTableSQL = `
CREATE TABLE IF NOT EXISTS cache (
    cache_key TEXT PRIMARY KEY,
    response_data TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cache_created_at ON cache(created_at);
`

// DefaultPath resolves the cache file location: CONDUIT_CACHE_PATH when set,
// otherwise ~/.conduit/cache.db.
func DefaultPath() string {
	if path := os.Getenv("CONDUIT_CACHE_PATH"); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "conduit-cache.db"
	}
	return filepath.Join(home, ".conduit", "cache.db")
}

type Cache struct {
	db *sql.DB
}

// New wraps an existing connection and ensures the schema exists.
func New(db *sql.DB) (*Cache, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	c := &Cache{db: db}
	if err := c.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	return c, nil
}

// Open resolves a SQLite pool for path through the shared pool manager.
func Open(path string) (*Cache, error) {
	if path == "" {
		path = DefaultPath()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	db, err := dbpool.Get(&config.DatabaseConfig{Driver: "sqlite3", Path: path})
	if err != nil {
		return nil, err
	}
	return New(db)
}

func (c *Cache) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := c.db.ExecContext(ctx, createCacheTableSQL)
	return err
}

// Get looks up a cached response. Lookup failures are logged and reported as
// misses; a probe never fails the surrounding request.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	var data string
	err := c.db.QueryRowContext(ctx,
		"SELECT response_data FROM cache WHERE cache_key = ?", key).Scan(&data)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		logger.GetLogger().Warn("cache lookup failed", "key", key, "error", err)
		return "", false
	}
	return data, true
}

// Set stores a response under key, replacing any previous entry.
func (c *Cache) Set(ctx context.Context, key, data string) error {
	_, err := c.db.ExecContext(ctx, `
INSERT INTO cache (cache_key, response_data, created_at) VALUES (?, ?, ?)
ON CONFLICT(cache_key) DO UPDATE SET
    response_data = excluded.response_data,
    created_at = excluded.created_at`,
		key, data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Delete removes one entry. Deleting a missing key is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx, "DELETE FROM cache WHERE cache_key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Clear removes every entry.
func (c *Cache) Clear(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, "DELETE FROM cache")
	if err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

// Keys lists the stored cache keys, newest first.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT cache_key FROM cache ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list cache keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// CleanupOlderThan drops entries older than the given number of days and
// returns how many were removed.
func (c *Cache) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	result, err := c.db.ExecContext(ctx,
		"DELETE FROM cache WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up cache: %w", err)
	}
	return result.RowsAffected()
}

// Package dbpool shares database/sql pools across the runtime. One pool per
// DSN; SQLite is pinned to a single connection to avoid writer lock errors.
package dbpool

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/conduit-llm/conduit/pkg/config"
)

// acquireTimeout bounds the initial connection handshake.
const acquireTimeout = 10 * time.Second

// Manager hands out shared connection pools. The same DSN always yields the
// same *sql.DB; the pool is opened on first request.
type Manager struct {
	mu    sync.Mutex
	pools map[string]*sql.DB

	// open is sql.Open, replaceable in tests.
	open func(driver, dsn string) (*sql.DB, error)
}

func NewManager() *Manager {
	return &Manager{
		pools: make(map[string]*sql.DB),
		open:  sql.Open,
	}
}

// Get returns the pool for cfg, opening it if this is the first caller.
// Concurrent callers for the same DSN share one open attempt.
func (m *Manager) Get(cfg *config.DatabaseConfig) (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dsn := cfg.DSN()
	if db, ok := m.pools[dsn]; ok {
		return db, nil
	}

	db, err := m.openPool(cfg)
	if err != nil {
		return nil, err
	}
	m.pools[dsn] = db
	return db, nil
}

func (m *Manager) openPool(cfg *config.DatabaseConfig) (*sql.DB, error) {
	driver := cfg.DriverName()
	dsn := cfg.DSN()

	db, err := m.open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection serializes
	// access and prevents "database is locked" errors.
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if cfg.MaxConns > 0 {
			db.SetMaxOpenConns(cfg.MaxConns)
		}
		if cfg.MaxIdle > 0 {
			db.SetMaxIdleConns(cfg.MaxIdle)
		}
	}
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == "sqlite3" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			slog.Warn("failed to enable WAL mode", "error", err)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=10000"); err != nil {
			slog.Warn("failed to set busy timeout", "error", err)
		}
	}

	return db, nil
}

// Shutdown closes every pool and resets the manager. The manager stays
// usable; the next Get reopens.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for dsn, db := range m.pools {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", dsn, err))
		}
	}
	m.pools = make(map[string]*sql.DB)

	if len(errs) > 0 {
		return fmt.Errorf("errors closing pools: %v", errs)
	}
	return nil
}

var (
	defaultMu      sync.Mutex
	defaultManager *Manager
)

// Default returns the process-wide manager, creating it on first use.
func Default() *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultManager == nil {
		defaultManager = NewManager()
	}
	return defaultManager
}

// Get resolves cfg against the default manager.
func Get(cfg *config.DatabaseConfig) (*sql.DB, error) {
	return Default().Get(cfg)
}

// Shutdown closes the default manager's pools. A later Default or Get starts
// over with a fresh manager.
func Shutdown() error {
	defaultMu.Lock()
	m := defaultManager
	defaultManager = nil
	defaultMu.Unlock()

	if m == nil {
		return nil
	}
	return m.Shutdown()
}

// Package database is the storage layer of BotClaw. It wraps an embedded
// SQLite database with a typed condition builder, a generic repository that
// converts between domain values and storage-native rows, and a forward-only
// migrator.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds SQLite connection settings.
type Config struct {
	// Path is the database file. ":memory:" opens a private in-memory database.
	Path string `yaml:"path"`

	// JournalMode is the SQLite journal mode (default WAL).
	JournalMode string `yaml:"journal_mode"`

	// BusyTimeout is the lock wait in milliseconds (default 5000).
	BusyTimeout int `yaml:"busy_timeout"`
}

// DefaultConfig returns the default database configuration.
func DefaultConfig() Config {
	return Config{
		Path:        "./data/botclaw.db",
		JournalMode: "WAL",
		BusyTimeout: 5000,
	}
}

// DB is an open database. It embeds a Store bound to the connection pool, so
// every query method is available directly on it.
type DB struct {
	*Store
	sql    *sql.DB
	cfg    Config
	logger *slog.Logger
}

// Open opens or creates the SQLite database described by cfg. Foreign keys are
// always enabled because session and auth tables rely on cascading deletes.
func Open(cfg Config, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = defaults.Path
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = defaults.JournalMode
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = defaults.BusyTimeout
	}

	memory := cfg.Path == ":memory:" || strings.HasPrefix(cfg.Path, "file::memory:")
	if !memory {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=ON",
		cfg.Path, cfg.JournalMode, cfg.BusyTimeout)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}
	if memory {
		// Each new connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	l := logger.With("component", "database")
	l.Debug("database opened", "path", cfg.Path, "journal_mode", cfg.JournalMode)

	return &DB{
		Store:  &Store{q: db, logger: l},
		sql:    db,
		cfg:    cfg,
		logger: l,
	}, nil
}

// Close closes the connection pool.
func (d *DB) Close() error {
	return d.sql.Close()
}

// SQL exposes the underlying pool for callers that need raw access.
func (d *DB) SQL() *sql.DB {
	return d.sql
}

// Path returns the configured database file path.
func (d *DB) Path() string {
	return d.cfg.Path
}

// Tx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back when it returns an error or panics.
func (d *DB) Tx(ctx context.Context, fn func(s *Store) error) (err error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(&Store{q: tx, logger: d.logger}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			d.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Status returns health details for the database.
func (d *DB) Status(ctx context.Context) map[string]any {
	stats := d.sql.Stats()

	status := map[string]any{
		"healthy":    true,
		"path":       d.cfg.Path,
		"open_conns": stats.OpenConnections,
		"in_use":     stats.InUse,
		"idle":       stats.Idle,
		"wait_count": stats.WaitCount,
	}

	if err := d.sql.PingContext(ctx); err != nil {
		status["healthy"] = false
		status["error"] = err.Error()
		return status
	}

	var version string
	if err := d.sql.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version); err != nil {
		version = "unknown"
	}
	status["sqlite_version"] = version

	if v, err := NewMigrator(d, nil).CurrentVersion(ctx); err == nil {
		status["schema_version"] = v
	}
	return status
}

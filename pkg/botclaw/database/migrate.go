package database

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Migration is one forward-only schema step.
type Migration struct {
	Version    int
	Name       string
	Statements []string
}

// Migrator applies numbered migrations and records them in the migrations
// ledger table.
type Migrator struct {
	db     *DB
	logger *slog.Logger
}

// NewMigrator creates a migrator for db.
func NewMigrator(db *DB, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = db.logger
	}
	return &Migrator{db: db, logger: logger.With("component", "migrator")}
}

const ledgerSchema = `CREATE TABLE IF NOT EXISTS migrations (
	version    INTEGER PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	applied_at TEXT NOT NULL
)`

func (m *Migrator) ensureLedger(ctx context.Context) error {
	if _, err := m.db.Exec(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}
	return nil
}

// CurrentVersion returns the highest applied version, 0 when none.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	if err := m.ensureLedger(ctx); err != nil {
		return 0, err
	}
	rows, err := m.db.Query(ctx, "SELECT COALESCE(MAX(version), 0) AS v FROM migrations")
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return int(rows[0].Int64("v")), nil
}

// Pending returns the migrations that have not been applied yet, in
// ascending version order.
func (m *Migrator) Pending(ctx context.Context, migrations []Migration) ([]Migration, error) {
	sorted, err := sortMigrations(migrations)
	if err != nil {
		return nil, err
	}
	if err := m.ensureLedger(ctx); err != nil {
		return nil, err
	}

	applied := make(map[int]bool)
	rows, err := m.db.Query(ctx, "SELECT version FROM migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	for _, r := range rows {
		applied[int(r.Int64("version"))] = true
	}

	var pending []Migration
	for _, mig := range sorted {
		if !applied[mig.Version] {
			pending = append(pending, mig)
		}
	}
	return pending, nil
}

// Migrate applies every pending migration. Each version runs in its own
// transaction together with its ledger entry. It returns the number of
// migrations applied.
func (m *Migrator) Migrate(ctx context.Context, migrations []Migration) (int, error) {
	pending, err := m.Pending(ctx, migrations)
	if err != nil {
		return 0, err
	}

	for i, mig := range pending {
		err := m.db.Tx(ctx, func(s *Store) error {
			for _, stmt := range mig.Statements {
				if _, err := s.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s): %w", mig.Version, mig.Name, err)
				}
			}
			_, err := s.Insert(ctx, "migrations", Row{
				"version":    mig.Version,
				"name":       mig.Name,
				"applied_at": FormatTime(time.Now()),
			}, ConflictAbort)
			return err
		})
		if err != nil {
			return i, err
		}
		m.logger.Info("migration applied", "version", mig.Version, "name", mig.Name)
	}
	return len(pending), nil
}

func sortMigrations(migrations []Migration) ([]Migration, error) {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	for i, mig := range sorted {
		if mig.Version <= 0 {
			return nil, fmt.Errorf("migration %q: version must be positive", mig.Name)
		}
		if i > 0 && sorted[i-1].Version == mig.Version {
			return nil, fmt.Errorf("duplicate migration version %d (%s, %s)",
				mig.Version, sorted[i-1].Name, mig.Name)
		}
	}
	return sorted, nil
}

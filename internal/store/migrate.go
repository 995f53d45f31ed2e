package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// migrationLockKey serializes concurrent API instances migrating the same
// database.
const migrationLockKey = 7_302_115

var migrationFile = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// Migration is one numbered schema change with its up and down scripts.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// ID is the value recorded in schema_migrations, e.g. "0001_core.up.sql".
func (m Migration) ID() string {
	return filepath.Base(m.Up)
}

// DiscoverMigrations lists the migrations in dir ordered by version. Every
// version needs exactly one up and one down file.
func DiscoverMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := map[int]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationFile.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil {
			return nil, fmt.Errorf("parse migration version %s: %w", entry.Name(), err)
		}
		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version, Name: match[2]}
			byVersion[version] = m
		}
		if m.Name != match[2] {
			return nil, fmt.Errorf("migration %d has conflicting names %q and %q", version, m.Name, match[2])
		}
		path := filepath.Join(dir, entry.Name())
		switch match[3] {
		case "up":
			if m.Up != "" {
				return nil, fmt.Errorf("duplicate up migration for version %d", version)
			}
			m.Up = path
		case "down":
			if m.Down != "" {
				return nil, fmt.Errorf("duplicate down migration for version %d", version)
			}
			m.Down = path
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %d must include both up and down files", m.Version)
		}
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// ApplyMigrations runs every pending up script, each in its own transaction,
// and returns the IDs it applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) ([]string, error) {
	migrations, err := DiscoverMigrations(migrationsDir)
	if err != nil {
		return nil, err
	}
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}

	applied := make([]string, 0)
	for _, m := range migrations {
		ok, err := applyMigration(ctx, db, m)
		if err != nil {
			return applied, err
		}
		if ok {
			applied = append(applied, m.ID())
		}
	}
	return applied, nil
}

func applyMigration(ctx context.Context, db *sql.DB, m Migration) (bool, error) {
	contents, err := os.ReadFile(m.Up)
	if err != nil {
		return false, fmt.Errorf("read migration %s: %w", m.ID(), err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin migration tx %s: %w", m.ID(), err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return false, fmt.Errorf("lock migrations: %w", err)
	}
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, m.ID()).Scan(&exists); err != nil {
		return false, fmt.Errorf("check migration %s: %w", m.ID(), err)
	}
	if exists {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
		return false, fmt.Errorf("execute migration %s: %w", m.ID(), err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, m.ID()); err != nil {
		return false, fmt.Errorf("record migration %s: %w", m.ID(), err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", m.ID(), err)
	}
	return true, nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

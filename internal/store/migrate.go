package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// migration is one numbered schema step. Version is the up file name, which
// is what schema_migrations records.
type migration struct {
	Version string
	Up      string
	Down    string
}

// listMigrations pairs the up and down files found in fsys, ordered by name.
// A step without its down file is rejected so rollbacks stay possible.
func listMigrations(fsys fs.FS) ([]migration, error) {
	ups, err := fs.Glob(fsys, "*"+upSuffix)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(ups)

	steps := make([]migration, 0, len(ups))
	for _, up := range ups {
		down := strings.TrimSuffix(up, upSuffix) + downSuffix
		if _, err := fs.Stat(fsys, down); err != nil {
			return nil, fmt.Errorf("migration %s has no %s: %w", up, down, err)
		}
		steps = append(steps, migration{Version: path.Base(up), Up: up, Down: down})
	}
	return steps, nil
}

// ApplyMigrations runs the steps in migrationsDir that schema_migrations does
// not list yet, one transaction each, and returns the versions it applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string, log *logrus.Entry) ([]string, error) {
	steps, err := listMigrations(os.DirFS(migrationsDir))
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("no migrations in %s", migrationsDir)
	}
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	done, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, err
	}

	fsys := os.DirFS(migrationsDir)
	applied := make([]string, 0, len(steps))
	for _, step := range steps {
		if done[step.Version] {
			continue
		}
		contents, err := fs.ReadFile(fsys, step.Up)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", step.Version, err)
		}
		if err := runMigration(ctx, db, step.Version, string(contents)); err != nil {
			return applied, err
		}
		if log != nil {
			log.WithField("version", step.Version).Info("migration applied")
		}
		applied = append(applied, step.Version)
	}
	return applied, nil
}

func runMigration(ctx context.Context, db *sql.DB, version, statements string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, statements); err != nil {
		return fmt.Errorf("execute migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, version); err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
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

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("load applied migrations: %w", err)
	}
	defer rows.Close()

	done := map[string]bool{}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		done[version] = true
	}
	return done, rows.Err()
}

// Package migration applies the embedded schema migrations in semantic
// version order and records each applied version in migration_history.
package migration

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"log/slog"
	"sort"

	"github.com/pkg/errors"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/version"
)

//go:embed postgres
var migrationFS embed.FS

const (
	postgresDir = "postgres"
	downFile    = "down.sql"
)

// Up applies every migration version that is not yet recorded in
// migration_history, oldest first. Each version runs in its own
// transaction together with its history row, so a failed migration
// leaves the previous version intact.
func Up(ctx context.Context, db *sql.DB) error {
	if err := ensureHistoryTable(ctx, db); err != nil {
		return err
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	available, err := availableVersions()
	if err != nil {
		return err
	}

	for _, v := range available {
		if applied[v] {
			continue
		}
		if err := applyVersion(ctx, db, v); err != nil {
			return errors.Wrapf(err, "failed to apply migration %s", v)
		}
		slog.Info("applied migration", slog.String("version", v))
	}
	return nil
}

// Down rolls back the newest applied version by running its down.sql.
func Down(ctx context.Context, db *sql.DB) error {
	if err := ensureHistoryTable(ctx, db); err != nil {
		return err
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return errors.New("no applied migrations to roll back")
	}

	versions := make([]string, 0, len(applied))
	for v := range applied {
		versions = append(versions, v)
	}
	sort.Sort(version.SortVersion(versions))
	latest := versions[len(versions)-1]

	buf, err := migrationFS.ReadFile(postgresDir + "/" + latest + "/" + downFile)
	if err != nil {
		return errors.Wrapf(err, "migration %s has no %s", latest, downFile)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(buf)); err != nil {
		return errors.Wrapf(err, "failed to roll back migration %s", latest)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM migration_history WHERE version = $1", latest); err != nil {
		return errors.Wrap(err, "failed to delete migration history")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}

	slog.Info("rolled back migration", slog.String("version", latest))
	return nil
}

func ensureHistoryTable(ctx context.Context, db *sql.DB) error {
	stmt := `
		CREATE TABLE IF NOT EXISTS migration_history (
			version TEXT NOT NULL PRIMARY KEY,
			created_ts BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())
		)`
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return errors.Wrap(err, "failed to create migration_history table")
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM migration_history")
	if err != nil {
		return nil, errors.Wrap(err, "failed to query migration history")
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "failed to scan migration history")
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read migration history")
	}
	return applied, nil
}

// availableVersions lists the embedded version directories in ascending
// semantic version order.
func availableVersions() ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, postgresDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read embedded migrations")
	}

	versions := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			versions = append(versions, entry.Name())
		}
	}
	sort.Sort(version.SortVersion(versions))
	return versions, nil
}

// applyVersion runs every non-down SQL file of a version directory in
// lexical order inside one transaction and records the version.
func applyVersion(ctx context.Context, db *sql.DB, v string) error {
	dir := postgresDir + "/" + v
	entries, err := fs.ReadDir(migrationFS, dir)
	if err != nil {
		return errors.Wrapf(err, "failed to read migration dir %s", dir)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == downFile {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	for _, name := range names {
		buf, err := migrationFS.ReadFile(dir + "/" + name)
		if err != nil {
			return errors.Wrapf(err, "failed to read migration file %s", name)
		}
		if _, err := tx.ExecContext(ctx, string(buf)); err != nil {
			return errors.Wrapf(err, "failed to execute migration file %s", name)
		}
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO migration_history (version) VALUES ($1)", v); err != nil {
		return errors.Wrap(err, "failed to record migration history")
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

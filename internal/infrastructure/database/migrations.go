package database

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"path"
	"slices"
	"strings"
	"time"
)

// MigrationsFS holds the schema migrations, one sub-directory per dialect
// under MigrationsDir. The migrations package assigns its embedded files
// here from init.
var MigrationsFS fs.FS

// MigrationsDir is the directory within MigrationsFS holding the "sqlite"
// and "postgres" sub-directories.
var MigrationsDir = "migrations"

// Migration is one versioned schema change read from a
// YYYYMMDD_HHMMSS_name.up.sql file and its optional .down.sql twin.
type Migration struct {
	Version string
	Name    string
	UpSQL   string
	DownSQL string
}

// MigrationRecord is a row of schema_migrations.
type MigrationRecord struct {
	Version   string
	AppliedAt time.Time
}

// Migrate applies every migration of the pool's dialect that is not yet
// recorded, oldest first. Each runs in its own transaction, so a failure
// leaves the earlier ones applied and a later call resumes at the failed
// one.
func (db *DB) Migrate(ctx context.Context) error {
	if err := db.createMigrationsTable(ctx); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	_, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if err := db.runMigration(ctx, m.Version, m.UpSQL, true); err != nil {
			return fmt.Errorf("applying migration %s (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// MigrateDown reverts the most recently applied migration. It fails with
// ErrMigrationMissing when the applied version has no file or no down
// script.
func (db *DB) MigrateDown(ctx context.Context) error {
	applied, err := db.getAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("getting applied migrations: %w", err)
	}
	if len(applied) == 0 {
		return nil
	}
	latest := applied[len(applied)-1].Version

	migrations, err := loadMigrations(db.migrationsDir())
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	i := slices.IndexFunc(migrations, func(m Migration) bool { return m.Version == latest })
	if i < 0 {
		return fmt.Errorf("%w: %s not in %s", ErrMigrationMissing, latest, db.migrationsDir())
	}
	if migrations[i].DownSQL == "" {
		return fmt.Errorf("%w: %s has no down script", ErrMigrationMissing, latest)
	}

	if err := db.runMigration(ctx, latest, migrations[i].DownSQL, false); err != nil {
		return fmt.Errorf("reverting migration %s: %w", latest, err)
	}
	return nil
}

// GetMigrationStatus returns the recorded migrations and the loaded ones not
// yet recorded. The schema_migrations table must exist.
func (db *DB) GetMigrationStatus(ctx context.Context) (applied []MigrationRecord, pending []Migration, err error) {
	applied, err = db.getAppliedMigrations(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("getting applied migrations: %w", err)
	}
	migrations, err := loadMigrations(db.migrationsDir())
	if err != nil {
		return nil, nil, fmt.Errorf("loading migrations: %w", err)
	}

	done := make(map[string]bool, len(applied))
	for _, r := range applied {
		done[r.Version] = true
	}
	for _, m := range migrations {
		if !done[m.Version] {
			pending = append(pending, m)
		}
	}
	return applied, pending, nil
}

func (db *DB) createMigrationsTable(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`)
	return err
}

func (db *DB) getAppliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := db.DB.QueryContext(ctx,
		"SELECT version, applied_at FROM schema_migrations ORDER BY version",
	)
	if err != nil {
		return nil, fmt.Errorf("querying migrations: %w", err)
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var (
			r         MigrationRecord
			appliedAt string
		)
		if err := rows.Scan(&r.Version, &appliedAt); err != nil {
			return nil, fmt.Errorf("scanning migration row: %w", err)
		}
		r.AppliedAt, _ = time.Parse(time.RFC3339, appliedAt) //nolint:errcheck // Written by runMigration
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating migrations: %w", err)
	}
	return records, nil
}

// runMigration executes script and records (up) or erases (down) version in
// one transaction.
func (db *DB) runMigration(ctx context.Context, version, script string, up bool) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("executing SQL: %w", err)
	}

	bookkeeping, args := "DELETE FROM schema_migrations WHERE version = ?", []any{version}
	if up {
		bookkeeping = "INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)"
		args = append(args, time.Now().UTC().Format(time.RFC3339))
	}
	if _, err := tx.ExecContext(ctx, db.dialect.Rebind(bookkeeping), args...); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return tx.Commit()
}

// migrationsDir returns the dialect sub-directory within MigrationsFS.
func (db *DB) migrationsDir() string {
	return path.Join(MigrationsDir, db.dialect.String())
}

// loadMigrations reads the migrations in dir sorted by version. A missing
// filesystem or directory yields none. Two up (or two down) scripts sharing
// a version, or a down script without an up, fail with ErrMigrationConflict.
func loadMigrations(dir string) ([]Migration, error) {
	if MigrationsFS == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(MigrationsFS, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	byVersion := make(map[string]*Migration)
	orphans := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		version, isUp, ok := parseMigrationFilename(name)
		if !ok {
			continue
		}
		body, err := fs.ReadFile(MigrationsFS, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}

		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version}
			byVersion[version] = m
		}
		target := &m.DownSQL
		if isUp {
			target = &m.UpSQL
			m.Name = extractMigrationName(name)
			delete(orphans, version)
		} else if m.UpSQL == "" {
			orphans[version] = name
		}
		if *target != "" {
			return nil, fmt.Errorf("%w: version %s appears twice in %s", ErrMigrationConflict, version, dir)
		}
		*target = string(body)
	}
	if len(orphans) > 0 {
		version := slices.Min(slices.Collect(maps.Keys(orphans)))
		return nil, fmt.Errorf("%w: %s has no up script for version %s", ErrMigrationConflict, orphans[version], version)
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		migrations = append(migrations, *m)
	}
	slices.SortFunc(migrations, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	return migrations, nil
}

// parseMigrationFilename splits "20260118_120000_name.up.sql" into its
// version and direction.
func parseMigrationFilename(name string) (version string, isUp bool, ok bool) {
	base, found := strings.CutSuffix(name, ".sql")
	if !found {
		return "", false, false
	}
	if base, isUp = strings.CutSuffix(base, ".up"); !isUp {
		if base, found = strings.CutSuffix(base, ".down"); !found {
			return "", false, false
		}
	}

	date, rest, found := strings.Cut(base, "_")
	if !found || date == "" {
		return "", false, false
	}
	clock, _, _ := strings.Cut(rest, "_")
	if clock == "" {
		return "", false, false
	}
	return date + "_" + clock, isUp, true
}

// extractMigrationName returns the part after the version:
// "20260118_120000_initial_schema.up.sql" gives "initial_schema".
func extractMigrationName(filename string) string {
	base := strings.TrimSuffix(filename, ".sql")
	base = strings.TrimSuffix(base, ".up")
	base = strings.TrimSuffix(base, ".down")

	if parts := strings.SplitN(base, "_", 3); len(parts) == 3 {
		return parts[2]
	}
	return base
}

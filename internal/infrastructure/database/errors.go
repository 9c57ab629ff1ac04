package database

import "errors"

// Domain errors for the connection pool and its migrations.
var (
	// ErrMisconfigured is returned when the pool configuration cannot be used
	// (unknown driver, missing URL or credentials).
	ErrMisconfigured = errors.New("database: pool misconfigured")

	// ErrConnectionFailed is returned when a connection cannot be opened,
	// verified, or acquired from the pool.
	ErrConnectionFailed = errors.New("database: connection failed")

	// ErrMigrationMissing is returned when an applied migration cannot be
	// reverted because its files are gone or it has no down script.
	ErrMigrationMissing = errors.New("database: migration missing")

	// ErrMigrationConflict is returned when the migration files of a dialect
	// are inconsistent.
	ErrMigrationConflict = errors.New("database: conflicting migration files")
)

// Package database provides the relational connection pool for the persistence core.
//
// This package manages:
//   - A database/sql pool over one of three drivers: go-sqlite3 ("sqlite3"),
//     modernc.org/sqlite ("sqlite") or pgx ("pgx")
//   - Dedicated connection acquisition for transaction sessions (Acquire)
//   - Dialect differences: placeholder rebinding and generated-key retrieval
//   - Embedded, per-dialect schema migrations
//
// Security Considerations:
//   - All queries use parameterised statements (no SQL injection)
//   - SQLite database files are set to 0600 (owner read/write only)
//   - Postgres credentials are merged into the URL from configuration, not logged
//
// Performance Characteristics:
//   - MinIdleConnections are opened at startup so the first sessions are warm
//   - WAL mode allows concurrent SQLite reads during writes
//   - SQLite transactions begin IMMEDIATE; writers queue on the busy timeout
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.DatabaseOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration Strategy:
//
// Migrations are additive-only to support safe rollbacks:
//   - New columns must be NULLABLE or have DEFAULT values
//   - Each migration file has both .up.sql and .down.sql
//   - Every migration exists once per dialect directory with the same version
//
// A version used twice, or a down script without an up, fails with
// ErrMigrationConflict before anything is applied.
package database

package database

import (
	"strconv"
	"strings"
)

// Supported database/sql driver names.
const (
	// DriverSQLite3 is the cgo SQLite driver (github.com/mattn/go-sqlite3).
	DriverSQLite3 = "sqlite3"

	// DriverSQLite is the pure-Go SQLite driver (modernc.org/sqlite).
	DriverSQLite = "sqlite"

	// DriverPostgres is the pgx stdlib adapter (github.com/jackc/pgx/v5/stdlib).
	DriverPostgres = "pgx"
)

// Dialect identifies the SQL flavour spoken by the configured driver.
// Statements throughout the codebase are written with ? placeholders and
// rebound by the dialect before execution.
type Dialect int

const (
	// DialectSQLite covers both SQLite drivers.
	DialectSQLite Dialect = iota + 1

	// DialectPostgres covers the pgx driver.
	DialectPostgres
)

// DialectFor returns the dialect spoken by a driver name.
func DialectFor(driver string) (Dialect, bool) {
	switch driver {
	case DriverSQLite3, DriverSQLite:
		return DialectSQLite, true
	case DriverPostgres:
		return DialectPostgres, true
	default:
		return 0, false
	}
}

// String returns the dialect name, which is also its migrations sub-directory.
func (d Dialect) String() string {
	switch d {
	case DialectSQLite:
		return "sqlite"
	case DialectPostgres:
		return "postgres"
	default:
		return "unknown"
	}
}

// Rebind rewrites ? placeholders into the dialect's native form.
// Question marks inside single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	inLiteral := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inLiteral = !inLiteral
			b.WriteByte(c)
		case c == '?' && !inLiteral:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// SupportsReturning reports whether INSERT ... RETURNING id is used to read
// generated keys instead of sql.Result.LastInsertId.
func (d Dialect) SupportsReturning() bool {
	return d == DialectPostgres
}

package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver ("pgx")
	_ "github.com/mattn/go-sqlite3"    // SQLite driver ("sqlite3")
	_ "modernc.org/sqlite"             // Pure-Go SQLite driver ("sqlite")
)

// Database configuration constants.
const (
	// dirPermissions is the permission mode for the database directory.
	dirPermissions = 0750

	// filePermissions is the permission mode for the database file.
	filePermissions = 0600

	// msPerSecond converts seconds to milliseconds.
	msPerSecond = 1000

	// connectionTimeout is the timeout for verifying database connectivity.
	connectionTimeout = 5 * time.Second

	// connMaxIdleTime is how long idle connections are kept open.
	connMaxIdleTime = 30 * time.Minute
)

// Pool sizing defaults.
const (
	DefaultMinIdleConnections    = 5
	DefaultMaxIdleConnections    = 20
	DefaultMaxPreparedStatements = 20
)

// DB wraps a pooled sql.DB with driver-aware behaviour.
// It provides connection acquisition for sessions, migration support,
// health checks, and lifecycle management.
type DB struct {
	*sql.DB
	cfg     Config
	dialect Dialect
}

// Config contains pool configuration options.
// These map to the database section of config.yaml.
type Config struct {
	// Driver is the database/sql driver name (DriverSQLite3, DriverSQLite, DriverPostgres).
	Driver string

	// URL is the filesystem path for SQLite drivers, or a postgres:// URL for pgx.
	// For SQLite the directory will be created if it doesn't exist.
	URL string

	// User and Password are applied to the pgx URL when it carries no userinfo.
	User     string
	Password string

	// MinIdleConnections are opened eagerly at startup and kept in the idle set.
	MinIdleConnections int

	// MaxIdleConnections caps the idle set. Zero means DefaultMaxIdleConnections.
	MaxIdleConnections int

	// MaxOpenConnections caps the pool. Zero means unlimited.
	MaxOpenConnections int

	// MaxPreparedStatements caps the per-session prepared statement cache.
	// Zero means DefaultMaxPreparedStatements.
	MaxPreparedStatements int

	// BusyTimeout is the maximum time to wait for a SQLite lock (seconds).
	BusyTimeout int

	// WALMode enables Write-Ahead Logging on SQLite.
	WALMode bool
}

// withDefaults fills zero-valued limits.
func (c Config) withDefaults() Config {
	if c.MaxIdleConnections == 0 {
		c.MaxIdleConnections = DefaultMaxIdleConnections
	}
	if c.MaxPreparedStatements == 0 {
		c.MaxPreparedStatements = DefaultMaxPreparedStatements
	}
	return c
}

// validate reports why the configuration cannot produce a pool.
func (c Config) validate() error {
	if _, ok := DialectFor(c.Driver); !ok {
		return fmt.Errorf("%w: unsupported driver %q", ErrMisconfigured, c.Driver)
	}
	if c.URL == "" {
		return fmt.Errorf("%w: url is required", ErrMisconfigured)
	}
	if c.Driver == DriverPostgres && c.User == "" && !strings.Contains(c.URL, "@") {
		return fmt.Errorf("%w: user is required for %s", ErrMisconfigured, c.Driver)
	}
	if c.MinIdleConnections < 0 || c.MaxIdleConnections < 0 || c.MaxOpenConnections < 0 {
		return fmt.Errorf("%w: connection limits must not be negative", ErrMisconfigured)
	}
	return nil
}

// Open creates the connection pool with the specified configuration.
//
// It performs the following setup:
//  1. Validates the configuration and picks the dialect
//  2. Creates the SQLite directory if needed
//  3. Builds the driver DSN (pragmas for SQLite, credentials for postgres)
//  4. Applies pool limits and verifies the connection with a ping
//  5. Pre-warms MinIdleConnections connections into the idle set
//
// Parameters:
//   - ctx: Context for the connectivity check and warm-up
//   - cfg: Pool configuration
//
// Returns:
//   - *DB: Connected pool wrapper
//   - error: ErrMisconfigured or ErrConnectionFailed
func Open(ctx context.Context, cfg Config) (*DB, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	dialect, _ := DialectFor(cfg.Driver) //nolint:errcheck // validated above

	if dialect == DialectSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.URL), dirPermissions); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %w", ErrConnectionFailed, err)
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConnections)
	if cfg.MaxOpenConnections > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConnections)
	}
	sqlDB.SetConnMaxLifetime(time.Hour) // Refresh connections hourly
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	db := &DB{
		DB:      sqlDB,
		cfg:     cfg,
		dialect: dialect,
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		sqlDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("%w: verifying database connection: %w", ErrConnectionFailed, err)
	}

	if err := db.warm(ctx); err != nil {
		sqlDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, err
	}

	if dialect == DialectSQLite {
		_ = os.Chmod(cfg.URL, filePermissions) //nolint:errcheck // File may be created lazily by the driver
	}

	return db, nil
}

// buildDSN renders the driver-specific connection string.
func buildDSN(cfg Config) (string, error) {
	switch cfg.Driver {
	case DriverSQLite3:
		// See: https://github.com/mattn/go-sqlite3#connection-string
		dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on&_txlock=immediate",
			cfg.URL, cfg.BusyTimeout*msPerSecond)
		if cfg.WALMode {
			dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
		}
		return dsn, nil

	case DriverSQLite:
		dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_txlock=immediate",
			cfg.URL, cfg.BusyTimeout*msPerSecond)
		if cfg.WALMode {
			dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
		}
		return dsn, nil

	case DriverPostgres:
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return "", fmt.Errorf("%w: parsing url: %w", ErrMisconfigured, err)
		}
		if u.User == nil && cfg.User != "" {
			if cfg.Password != "" {
				u.User = url.UserPassword(cfg.User, cfg.Password)
			} else {
				u.User = url.User(cfg.User)
			}
		}
		q := u.Query()
		if q.Get("statement_cache_capacity") == "" {
			q.Set("statement_cache_capacity", strconv.Itoa(cfg.MaxPreparedStatements))
		}
		u.RawQuery = q.Encode()
		return u.String(), nil

	default:
		return "", fmt.Errorf("%w: unsupported driver %q", ErrMisconfigured, cfg.Driver)
	}
}

// warm opens MinIdleConnections connections at once and hands them back to
// the idle set, so the first requests don't pay connection setup.
func (db *DB) warm(ctx context.Context) error {
	n := db.cfg.MinIdleConnections
	if n > db.cfg.MaxIdleConnections {
		n = db.cfg.MaxIdleConnections
	}
	if db.cfg.MaxOpenConnections > 0 && n > db.cfg.MaxOpenConnections {
		n = db.cfg.MaxOpenConnections
	}

	conns := make([]*sql.Conn, 0, n)
	defer func() {
		for _, c := range conns {
			c.Close() //nolint:errcheck // Returns the connection to the idle set
		}
	}()

	for range n {
		c, err := db.DB.Conn(ctx)
		if err != nil {
			return fmt.Errorf("%w: warming idle connections: %w", ErrConnectionFailed, err)
		}
		conns = append(conns, c)
	}
	return nil
}

// Acquire takes a dedicated connection from the pool.
// It blocks until the pool has capacity or ctx is done.
// The caller must Close the connection to return it to the pool.
func (db *DB) Acquire(ctx context.Context) (*sql.Conn, error) {
	conn, err := db.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return conn, nil
}

// Dialect returns the SQL dialect of the configured driver.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// MaxPreparedStatements returns the per-session prepared statement limit.
func (db *DB) MaxPreparedStatements() int {
	return db.cfg.MaxPreparedStatements
}

// Driver returns the configured driver name.
func (db *DB) Driver() string {
	return db.cfg.Driver
}

// Close closes the pool gracefully.
// It should be called when the application shuts down.
func (db *DB) Close() error {
	if db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// HealthCheck verifies the database is accessible and functioning.
// It performs a simple query to ensure the connection is alive.
func (db *DB) HealthCheck(ctx context.Context) error {
	var result int
	err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
	if err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Stats returns database connection pool statistics.
// Useful for monitoring and debugging connection issues.
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// ExecContext executes a statement written with ? placeholders.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - query: SQL query with ? placeholders
//   - args: Arguments for placeholders
//
// Returns:
//   - sql.Result: Contains RowsAffected (LastInsertId on SQLite only)
//   - error: If execution fails
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	result, err := db.DB.ExecContext(ctx, db.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	return result, nil
}

// QueryRowContext executes a query written with ? placeholders that returns at most one row.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.DB.QueryRowContext(ctx, db.dialect.Rebind(query), args...)
}

// QueryContext executes a query written with ? placeholders.
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := db.DB.QueryContext(ctx, db.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying: %w", err)
	}
	return rows, nil
}

// BeginTx starts a new transaction with the given options.
// Sessions use Acquire and begin on the dedicated connection instead;
// this is for maintenance work such as migrations.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	tx, err := db.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	return tx, nil
}

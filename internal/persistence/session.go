package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nerrad567/gray-logic-persistence/internal/infrastructure/database"
)

// Querier runs statements on the session bound to a context.
// Statements are written with ? placeholders; they are rebound for the
// session's dialect and prepared once per session.
//
// Rows must be closed before the next statement is issued on the same
// session: a connection serves one result set at a time.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) Row

	// InsertContext runs an INSERT and returns the generated id column.
	InsertContext(ctx context.Context, query string, args ...any) (int64, error)
}

// Row is the result of QueryRowContext; *sql.Row satisfies it.
type Row interface {
	Scan(dest ...any) error
}

// errRow defers an error to Scan.
type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

// execer is satisfied by both *sql.Tx and *sql.Conn.
type execer interface {
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Session is one pooled connection bound to one context for the span of a
// transaction. It is created by TransactionManager.Begin.
type Session struct {
	id      string
	dialect database.Dialect
	started time.Time

	mu    sync.Mutex
	conn  *sql.Conn
	tx    *sql.Tx
	exec  execer // tx while the transaction is open, conn during restore
	stmts *lru.Cache[string, *sql.Stmt]
	undo  []func()
}

func newSession(conn *sql.Conn, tx *sql.Tx, dialect database.Dialect, maxStatements int) *Session {
	s := &Session{
		id:      uuid.NewString(),
		dialect: dialect,
		started: time.Now(),
		conn:    conn,
		tx:      tx,
		exec:    tx,
	}
	if maxStatements > 0 {
		// Only fails for a non-positive size.
		s.stmts, _ = lru.NewWithEvict(maxStatements, func(_ string, stmt *sql.Stmt) { //nolint:errcheck // size checked above
			stmt.Close() //nolint:errcheck // Evicted statements are no longer reachable
		})
	}
	return s
}

// ID returns the session's correlation id.
func (s *Session) ID() string {
	return s.id
}

type sessionKey struct{}

func withSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

func sessionFrom(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}

// SessionID returns the id of the session bound to ctx, or "".
func SessionID(ctx context.Context) string {
	if s := sessionFrom(ctx); s != nil {
		return s.id
	}
	return ""
}

// Conn returns the querier of the session bound to ctx.
// It fails with ErrNoSession when no open session is bound.
func Conn(ctx context.Context) (Querier, error) {
	s := sessionFrom(ctx)
	if s == nil || !s.active() {
		return nil, ErrNoSession
	}
	return s, nil
}

func (s *Session) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec != nil
}

// current returns the executor and statement cache under the lock.
func (s *Session) current() (execer, *lru.Cache[string, *sql.Stmt], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exec == nil {
		return nil, nil, ErrNoSession
	}
	return s.exec, s.stmts, nil
}

// prepare returns a cached prepared statement for query, or nil when the
// statement cache is disabled.
func (s *Session) prepare(ctx context.Context, ex execer, stmts *lru.Cache[string, *sql.Stmt], query string) (*sql.Stmt, error) {
	if stmts == nil {
		return nil, nil
	}
	if stmt, ok := stmts.Get(query); ok {
		return stmt, nil
	}
	stmt, err := ex.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("preparing statement: %w", err)
	}
	stmts.Add(query, stmt)
	return stmt, nil
}

// ExecContext implements Querier.
func (s *Session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ex, stmts, err := s.current()
	if err != nil {
		return nil, err
	}
	query = s.dialect.Rebind(query)
	stmt, err := s.prepare(ctx, ex, stmts, query)
	if err != nil {
		return nil, err
	}
	if stmt != nil {
		return stmt.ExecContext(ctx, args...)
	}
	return ex.ExecContext(ctx, query, args...)
}

// QueryContext implements Querier.
func (s *Session) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	ex, stmts, err := s.current()
	if err != nil {
		return nil, err
	}
	query = s.dialect.Rebind(query)
	stmt, err := s.prepare(ctx, ex, stmts, query)
	if err != nil {
		return nil, err
	}
	if stmt != nil {
		return stmt.QueryContext(ctx, args...)
	}
	return ex.QueryContext(ctx, query, args...)
}

// QueryRowContext implements Querier. Errors, including ErrNoSession,
// are deferred to Scan as with database/sql.
func (s *Session) QueryRowContext(ctx context.Context, query string, args ...any) Row {
	ex, stmts, err := s.current()
	if err != nil {
		return errRow{err: err}
	}
	query = s.dialect.Rebind(query)
	stmt, err := s.prepare(ctx, ex, stmts, query)
	if err != nil {
		return errRow{err: err}
	}
	if stmt != nil {
		return stmt.QueryRowContext(ctx, args...)
	}
	return ex.QueryRowContext(ctx, query, args...)
}

// InsertContext implements Querier.
func (s *Session) InsertContext(ctx context.Context, query string, args ...any) (int64, error) {
	if s.dialect.SupportsReturning() {
		var id int64
		if err := s.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := s.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// onRollback queues a compensation to run if the transaction is rolled back.
func (s *Session) onRollback(fn func()) {
	s.mu.Lock()
	s.undo = append(s.undo, fn)
	s.mu.Unlock()
}

// compensate runs queued compensations newest first and clears them.
func (s *Session) compensate() {
	s.mu.Lock()
	undo := s.undo
	s.undo = nil
	s.mu.Unlock()
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

// forgetCompensations drops queued compensations after a durable commit.
func (s *Session) forgetCompensations() {
	s.mu.Lock()
	s.undo = nil
	s.mu.Unlock()
}

// endTx detaches the finished transaction and switches to autocommit reads
// on the raw connection, which restoration uses.
func (s *Session) endTx() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tx = nil
	s.purgeStatementsLocked()
	if s.conn != nil {
		s.exec = s.conn
	} else {
		s.exec = nil
	}
}

// attach binds a fresh connection to a session whose connection was released.
func (s *Session) attach(conn *sql.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.exec = conn
}

// released reports whether the session no longer holds a connection.
func (s *Session) released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn == nil
}

// release returns the connection to the pool and closes the session.
func (s *Session) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeStatementsLocked()
	s.exec = nil
	s.tx = nil
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *Session) purgeStatementsLocked() {
	if s.stmts != nil {
		s.stmts.Purge()
	}
}

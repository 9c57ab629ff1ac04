package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-persistence/internal/infrastructure/database"
)

// ConnectionPool is the pool a TransactionManager draws sessions from.
// *database.DB implements it.
type ConnectionPool interface {
	Acquire(ctx context.Context) (*sql.Conn, error)
	Dialect() database.Dialect
	MaxPreparedStatements() int
}

// TransactionManager binds one pooled connection to a context between
// Begin and Commit or Rollback.
//
// Transactions are flat: a context carries at most one session, and Begin on
// a context that already has one fails with ErrSessionActive.
//
// Thread Safety:
//   - A TransactionManager is safe for concurrent use; each context owns its session.
type TransactionManager struct {
	pool    ConnectionPool
	logger  Logger
	metrics *Metrics
}

// NewTransactionManager creates a manager over pool.
func NewTransactionManager(pool ConnectionPool) *TransactionManager {
	return &TransactionManager{
		pool:   pool,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the manager.
func (m *TransactionManager) SetLogger(logger Logger) {
	m.logger = orNoop(logger)
}

// SetMetrics sets the metrics sink for the manager.
func (m *TransactionManager) SetMetrics(metrics *Metrics) {
	m.metrics = metrics
}

// Begin acquires a connection, starts a transaction on it and returns a
// context carrying the new session. Every data-access call for the
// transaction must use the returned context.
func (m *TransactionManager) Begin(ctx context.Context) (context.Context, error) {
	if s := sessionFrom(ctx); s != nil && !s.released() {
		return ctx, ErrSessionActive
	}

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return ctx, fmt.Errorf("%w: %w", ErrBeginFailed, err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close() //nolint:errcheck // Returning the connection; begin already failed
		return ctx, fmt.Errorf("%w: %w", ErrBeginFailed, err)
	}

	s := newSession(conn, tx, m.pool.Dialect(), m.pool.MaxPreparedStatements())
	m.metrics.sessionOpened()
	m.logger.Debug("session opened", "session", s.id)

	return withSession(ctx, s), nil
}

// Commit commits the session bound to ctx. The connection is returned to
// the pool and the session closed whether or not the commit succeeds.
func (m *TransactionManager) Commit(ctx context.Context) error {
	s := sessionFrom(ctx)
	if s == nil || !s.active() {
		return ErrNoSession
	}

	s.mu.Lock()
	tx := s.tx
	s.mu.Unlock()
	if tx == nil {
		return ErrNoSession
	}

	err := tx.Commit()
	s.endTx()
	if err == nil {
		s.forgetCompensations()
		if w := UnitOfWorkFrom(ctx); w != nil {
			w.settle()
		}
	}
	m.release(s)
	m.metrics.commit(err)

	if err != nil {
		m.logger.Error("commit failed", "session", s.id, "error", err)
		return StorageError("committing session", err)
	}
	m.logger.Debug("session committed", "session", s.id)
	return nil
}

// Rollback aborts the session bound to ctx.
//
// It rolls back the transaction, undoes cache changes made by inserts and
// deletes, restores every entity registered for update in the context's unit
// of work to its stored state (including updates already written) and
// returns the connection to the pool. Failures along the way are logged;
// Rollback never fails.
func (m *TransactionManager) Rollback(ctx context.Context) {
	s := sessionFrom(ctx)
	if s == nil {
		m.logger.Warn("rollback without session")
		return
	}

	s.mu.Lock()
	tx := s.tx
	s.mu.Unlock()
	if tx != nil {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			m.logger.Error("rollback failed", "session", s.id, "error", err)
		}
		s.endTx()
	}
	m.metrics.rollback()

	s.compensate()
	m.restore(ctx, s)
	m.release(s)

	m.logger.Debug("session rolled back", "session", s.id)
}

// restore runs unit-of-work restoration on s, reconnecting if a failed
// commit already released its connection.
func (m *TransactionManager) restore(ctx context.Context, s *Session) {
	w := UnitOfWorkFrom(ctx)
	if w == nil || !w.hasUpdates() {
		return
	}

	if s.released() {
		conn, err := m.pool.Acquire(ctx)
		if err != nil {
			m.logger.Error("cannot restore registered objects", "session", s.id, "error", err)
			return
		}
		s.attach(conn)
		m.metrics.sessionOpened()
	}

	w.RestoreRegistered(ctx)
}

// Connection returns the querier bound to ctx, or ErrNoSession.
func (m *TransactionManager) Connection(ctx context.Context) (Querier, error) {
	return Conn(ctx)
}

func (m *TransactionManager) release(s *Session) {
	wasHeld := !s.released()
	if err := s.release(); err != nil {
		m.logger.Warn("releasing connection", "session", s.id, "error", err)
	}
	if wasHeld {
		m.metrics.sessionReleased(s.started)
	}
}

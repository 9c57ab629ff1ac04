package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nerrad567/gray-logic-persistence/internal/infrastructure/database"
)

const kindNote Kind = "test.note"

// note is a minimal entity: a titled row with an optional parent.
type note struct {
	mu       sync.Mutex
	id       int64
	parentID int64
	title    string
}

func newNote(title string) *note { return &note{title: title} }

func (n *note) EntityID() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.id
}

func (n *note) SetEntityID(id int64) {
	n.mu.Lock()
	n.id = id
	n.mu.Unlock()
}

func (n *note) EntityKind() Kind { return kindNote }

func (n *note) Title() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.title
}

func (n *note) SetTitle(ctx context.Context, title string) {
	n.mu.Lock()
	n.title = title
	n.mu.Unlock()
	MarkDirty(ctx, n)
}

// other is an entity no handler is registered for.
type other struct{ id int64 }

func (o *other) EntityID() int64      { return o.id }
func (o *other) SetEntityID(id int64) { o.id = id }
func (o *other) EntityKind() Kind     { return "test.other" }

type noteRow struct {
	id       int64
	parentID int64
	title    string
}

// noteDAO stores notes in the notes table and records every handler call.
type noteDAO struct {
	cache *IdentityMap[*note]

	mu    sync.Mutex
	calls []string
	fills int
}

var _ DataAccessObject[*note] = (*noteDAO)(nil)

func newNoteDAO() *noteDAO {
	return &noteDAO{cache: NewIdentityMap[*note]()}
}

func (dao *noteDAO) record(op string, n *note) {
	dao.mu.Lock()
	dao.calls = append(dao.calls, op+" "+n.Title())
	dao.mu.Unlock()
}

func (dao *noteDAO) Calls() []string {
	dao.mu.Lock()
	defer dao.mu.Unlock()
	return append([]string(nil), dao.calls...)
}

func (dao *noteDAO) Fills() int {
	dao.mu.Lock()
	defer dao.mu.Unlock()
	return dao.fills
}

func (dao *noteDAO) Cache() *IdentityMap[*note] { return dao.cache }

func (dao *noteDAO) Persist(ctx context.Context, n *note) (int64, error) {
	q, err := Conn(ctx)
	if err != nil {
		return 0, err
	}
	dao.record("insert", n)
	id, err := q.InsertContext(ctx, "INSERT INTO notes (parent_id, title) VALUES (?, ?)", n.parentID, n.Title())
	if err != nil {
		return 0, StorageError("inserting note", err)
	}
	Adopt(ctx, dao.cache, n, id)
	return id, nil
}

func (dao *noteDAO) Update(ctx context.Context, n *note) error {
	q, err := Conn(ctx)
	if err != nil {
		return err
	}
	dao.record("update", n)
	if _, err := q.ExecContext(ctx, "UPDATE notes SET title = ? WHERE id = ?", n.Title(), n.EntityID()); err != nil {
		return StorageError(fmt.Sprintf("updating note %d", n.EntityID()), err)
	}
	return nil
}

func (dao *noteDAO) Delete(ctx context.Context, n *note) error {
	q, err := Conn(ctx)
	if err != nil {
		return err
	}
	dao.record("delete", n)
	if _, err := q.ExecContext(ctx, "DELETE FROM notes WHERE id = ?", n.EntityID()); err != nil {
		return StorageError("deleting note", err)
	}
	Forget(ctx, dao.cache, n)
	return nil
}

func (dao *noteDAO) DeleteByID(ctx context.Context, id int64) error {
	n, err := dao.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return dao.Delete(ctx, n)
}

func (dao *noteDAO) Get(ctx context.Context, id int64) (*note, error) {
	return Materialize(ctx, dao.cache, id,
		func(ctx context.Context) (noteRow, error) { return dao.read(ctx, id) },
		newNoteFromRow,
		dao.fill,
	)
}

func (dao *noteDAO) GetAll(ctx context.Context) (map[int64]*note, error) {
	q, err := Conn(ctx)
	if err != nil {
		return nil, err
	}
	clause, args := NotIn("id", dao.cache.IDs())
	rows, err := q.QueryContext(ctx, "SELECT id, parent_id, title FROM notes WHERE "+clause+" ORDER BY id", args...)
	if err != nil {
		return nil, StorageError("querying notes", err)
	}
	if _, err := dao.materialize(ctx, rows); err != nil {
		return nil, err
	}
	return dao.cache.All(), nil
}

func (dao *noteDAO) GetAllForParent(ctx context.Context, parentID int64) ([]*note, error) {
	q, err := Conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, "SELECT id, parent_id, title FROM notes WHERE parent_id = ? ORDER BY id", parentID)
	if err != nil {
		return nil, StorageError("querying notes", err)
	}
	return dao.materialize(ctx, rows)
}

func (dao *noteDAO) RestoreState(ctx context.Context, n *note) error {
	row, err := dao.read(ctx, n.EntityID())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			dao.cache.Remove(n.EntityID())
		}
		return err
	}
	return dao.fill(Loading(ctx), n, row)
}

func (dao *noteDAO) read(ctx context.Context, id int64) (noteRow, error) {
	q, err := Conn(ctx)
	if err != nil {
		return noteRow{}, err
	}
	row, err := scanNoteRow(q.QueryRowContext(ctx, "SELECT id, parent_id, title FROM notes WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return row, fmt.Errorf("note %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return row, StorageError("querying note", err)
	}
	return row, nil
}

func (dao *noteDAO) materialize(ctx context.Context, rows *sql.Rows) ([]*note, error) {
	recs, err := CollectRows(rows, scanNoteRow)
	if err != nil {
		return nil, StorageError("scanning notes", err)
	}
	out := make([]*note, 0, len(recs))
	for _, row := range recs {
		n, err := MaterializeRow(ctx, dao.cache, row.id, row, newNoteFromRow, dao.fill)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (dao *noteDAO) fill(ctx context.Context, n *note, row noteRow) error {
	dao.mu.Lock()
	dao.fills++
	dao.mu.Unlock()
	n.mu.Lock()
	n.parentID = row.parentID
	n.mu.Unlock()
	n.SetTitle(ctx, row.title)
	return nil
}

func scanNoteRow(r Row) (noteRow, error) {
	var row noteRow
	err := r.Scan(&row.id, &row.parentID, &row.title)
	return row, err
}

func newNoteFromRow(row noteRow) (*note, error) {
	return &note{id: row.id}, nil
}

// fixture is a migrated SQLite pool with the note handler wired through a
// registry, transaction manager and service.
type fixture struct {
	db       *database.DB
	notes    *noteDAO
	registry *Registry
	tm       *TransactionManager
	svc      *Service
}

// newFixture creates a temporary SQLite database holding the notes table.
// Titles equal to "boom" violate a CHECK constraint, which tests use to
// force a storage failure.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.Open(context.Background(), database.Config{
		Driver:      database.DriverSQLite3,
		URL:         filepath.Join(t.TempDir(), "persistence.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if _, err := db.ExecContext(context.Background(), `
		CREATE TABLE notes (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			parent_id INTEGER NOT NULL DEFAULT 0,
			title     TEXT    NOT NULL CHECK (title <> 'boom')
		) STRICT`); err != nil {
		t.Fatalf("creating notes table: %v", err)
	}

	notes := newNoteDAO()
	registry, err := NewRegistryBuilder().Register(Bind[*note](notes), kindNote).Build()
	if err != nil {
		t.Fatalf("building registry: %v", err)
	}
	tm := NewTransactionManager(db)
	return &fixture{
		db:       db,
		notes:    notes,
		registry: registry,
		tm:       tm,
		svc:      NewService(tm, registry),
	}
}

// seed inserts a note row directly and returns its id.
func (f *fixture) seed(t *testing.T, title string) int64 {
	t.Helper()
	res, err := f.db.ExecContext(context.Background(), "INSERT INTO notes (title) VALUES (?)", title)
	if err != nil {
		t.Fatalf("seeding note: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("seeding note: %v", err)
	}
	return id
}

// storedTitle reads a note's title bypassing every cache.
func (f *fixture) storedTitle(t *testing.T, id int64) (string, bool) {
	t.Helper()
	var title string
	err := f.db.QueryRowContext(context.Background(), "SELECT title FROM notes WHERE id = ?", id).Scan(&title)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false
	}
	if err != nil {
		t.Fatalf("reading note %d: %v", id, err)
	}
	return title, true
}

// recordingLogger captures log messages by level.
type recordingLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *recordingLogger) add(level, msg string) {
	l.mu.Lock()
	l.entries = append(l.entries, level+": "+msg)
	l.mu.Unlock()
}

func (l *recordingLogger) Debug(msg string, _ ...any) { l.add("debug", msg) }
func (l *recordingLogger) Info(msg string, _ ...any)  { l.add("info", msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.add("warn", msg) }
func (l *recordingLogger) Error(msg string, _ ...any) { l.add("error", msg) }

func (l *recordingLogger) has(entry string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e == entry {
			return true
		}
	}
	return false
}

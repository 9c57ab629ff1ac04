// Package audit records committed change sets in the change_log table and
// answers history queries over it.
//
// Recorder implements persistence.Notifier, so it is attached to the
// service next to (or instead of) the MQTT notifier:
//
//	svc.SetNotifier(persistence.Notifiers{audit.NewRecorder(db), mqttNotifier})
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-persistence/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-persistence/internal/persistence"
)

// Actions stored in change_log.action.
const (
	ActionInsert = "insert"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Page size bounds for List.
const (
	defaultLimit = 50
	maxLimit     = 200
)

// Entry is one entity write from a committed unit of work.
type Entry struct {
	ID        int64            `json:"id"`
	ChangeSet string           `json:"change_set"`
	Action    string           `json:"action"`
	Kind      persistence.Kind `json:"kind"`
	EntityID  int64            `json:"entity_id"`
	CreatedAt time.Time        `json:"created_at"`
}

// Filter selects entries for List. Zero fields match everything.
type Filter struct {
	ChangeSet string
	Action    string
	Kind      persistence.Kind
	EntityID  int64
	Limit     int // default 50, max 200
	Offset    int
}

// ListResult is one page of entries, most recent first.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Recorder writes change sets to change_log.
type Recorder struct {
	db  *database.DB
	now func() time.Time
}

// NewRecorder creates a recorder over db. The change_log migration must
// have been applied.
func NewRecorder(db *database.DB) *Recorder {
	return &Recorder{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Notify implements persistence.Notifier. The rows of one change set are
// written in a single transaction, inserts then deletes then updates.
func (r *Recorder) Notify(ctx context.Context, changes persistence.ChangeSet) error {
	if changes.Empty() {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("recording change set %s: %w", changes.ID, err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	stmt, err := tx.PrepareContext(ctx, r.db.Dialect().Rebind(
		`INSERT INTO change_log (change_set, action, kind, entity_id, created_at) VALUES (?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("preparing change log insert: %w", err)
	}
	defer stmt.Close()

	createdAt := r.now().Format(time.RFC3339Nano)
	for _, group := range []struct {
		action string
		refs   []persistence.Ref
	}{
		{ActionInsert, changes.Inserted},
		{ActionDelete, changes.Deleted},
		{ActionUpdate, changes.Updated},
	} {
		for _, ref := range group.refs {
			if _, err := stmt.ExecContext(ctx, changes.ID, group.action, string(ref.Kind), ref.ID, createdAt); err != nil {
				return fmt.Errorf("recording %s %s %d: %w", group.action, ref.Kind, ref.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing change set %s: %w", changes.ID, err)
	}
	return nil
}

// List returns entries matching filter, most recent first.
func (r *Recorder) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.ChangeSet != "" {
		conditions = append(conditions, "change_set = ?")
		args = append(args, filter.ChangeSet)
	}
	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.EntityID != 0 {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, filter.EntityID)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	//nolint:gosec // WHERE built from parameterised conditions, not user input
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM change_log"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting change log: %w", err)
	}

	//nolint:gosec // WHERE built from parameterised conditions, not user input
	query := "SELECT id, change_set, action, kind, entity_id, created_at FROM change_log" + where +
		" ORDER BY id DESC LIMIT ? OFFSET ?"
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying change log: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var kind, createdAt string
		if err := rows.Scan(&e.ID, &e.ChangeSet, &e.Action, &kind, &e.EntityID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning change log entry: %w", err)
		}
		e.Kind = persistence.Kind(kind)
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing change log timestamp %q: %w", createdAt, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating change log: %w", err)
	}

	return &ListResult{Entries: entries, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

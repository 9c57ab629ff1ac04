package automation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/nerrad567/gray-logic-persistence/internal/persistence"
)

const selectLocalActions = `
	SELECT id, rule_id, function_id, properties_map
	FROM rule_local_actions`

type localActionRow struct {
	id         int64
	ruleID     int64
	functionID int64
	properties string
}

func scanLocalActionRow(r persistence.Row) (localActionRow, error) {
	var row localActionRow
	err := r.Scan(&row.id, &row.ruleID, &row.functionID, &row.properties)
	return row, err
}

// LocalActionDAO maps local actions to rule_local_actions. The parent of a
// local action is its rule.
type LocalActionDAO struct {
	cache *persistence.IdentityMap[*LocalAction]
	rules *RuleDAO
}

var _ persistence.DataAccessObject[*LocalAction] = (*LocalActionDAO)(nil)

// Cache implements persistence.DataAccessObject.
func (dao *LocalActionDAO) Cache() *persistence.IdentityMap[*LocalAction] {
	return dao.cache
}

// Persist inserts a. Its rule must already have an id.
func (dao *LocalActionDAO) Persist(ctx context.Context, a *LocalAction) (int64, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return 0, err
	}
	ruleID, err := localActionRuleID(a)
	if err != nil {
		return 0, err
	}

	a.mu.RLock()
	functionID, props := a.functionID, encodeProperties(a.properties)
	a.mu.RUnlock()

	id, err := q.InsertContext(ctx,
		"INSERT INTO rule_local_actions (rule_id, function_id, properties_map) VALUES (?, ?, ?)",
		ruleID, functionID, props,
	)
	if err != nil {
		return 0, persistence.StorageError("inserting local action", err)
	}
	persistence.Adopt(ctx, dao.cache, a, id)
	return id, nil
}

// Update writes every column of a.
func (dao *LocalActionDAO) Update(ctx context.Context, a *LocalAction) error {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return err
	}
	ruleID, err := localActionRuleID(a)
	if err != nil {
		return err
	}

	a.mu.RLock()
	id, functionID, props := a.id, a.functionID, encodeProperties(a.properties)
	a.mu.RUnlock()

	if _, err := q.ExecContext(ctx,
		"UPDATE rule_local_actions SET rule_id = ?, function_id = ?, properties_map = ? WHERE id = ?",
		ruleID, functionID, props, id,
	); err != nil {
		return persistence.StorageError(fmt.Sprintf("updating local action %d", id), err)
	}
	return nil
}

func localActionRuleID(a *LocalAction) (int64, error) {
	r := a.Rule()
	if r == nil || r.EntityID() == 0 {
		return 0, fmt.Errorf("local action on function %d: %w", a.FunctionID(), ErrNotPersisted)
	}
	return r.EntityID(), nil
}

// Delete removes a.
func (dao *LocalActionDAO) Delete(ctx context.Context, a *LocalAction) error {
	id := a.EntityID()
	if id == 0 {
		return nil
	}
	q, err := persistence.Conn(ctx)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, "DELETE FROM rule_local_actions WHERE id = ?", id); err != nil {
		return persistence.StorageError(fmt.Sprintf("deleting local action %d", id), err)
	}
	if r := a.Rule(); r != nil {
		if undo, ok := r.detach(a); ok {
			persistence.OnRollback(ctx, undo)
		}
	}
	persistence.Forget(ctx, dao.cache, a)
	return nil
}

// DeleteByID removes the local action with id. An absent id succeeds.
func (dao *LocalActionDAO) DeleteByID(ctx context.Context, id int64) error {
	a, err := dao.Get(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return dao.Delete(ctx, a)
}

// Get returns the local action with id.
func (dao *LocalActionDAO) Get(ctx context.Context, id int64) (*LocalAction, error) {
	return persistence.Materialize(ctx, dao.cache, id,
		func(ctx context.Context) (localActionRow, error) { return dao.read(ctx, id) },
		newLocalActionFromRow,
		dao.fill,
	)
}

// GetAll returns every local action, loading only those not yet cached.
func (dao *LocalActionDAO) GetAll(ctx context.Context) (map[int64]*LocalAction, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return nil, err
	}

	clause, args := persistence.NotIn("id", dao.cache.IDs())
	rows, err := q.QueryContext(ctx, selectLocalActions+" WHERE "+clause+" ORDER BY id", args...)
	if err != nil {
		return nil, persistence.StorageError("querying local actions", err)
	}
	if _, err := dao.materialize(ctx, rows); err != nil {
		return nil, err
	}
	return dao.cache.All(), nil
}

// GetAllForParent returns the local actions of rule ruleID in id order.
func (dao *LocalActionDAO) GetAllForParent(ctx context.Context, ruleID int64) ([]*LocalAction, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, selectLocalActions+" WHERE rule_id = ? ORDER BY id", ruleID)
	if err != nil {
		return nil, persistence.StorageError(fmt.Sprintf("querying local actions of rule %d", ruleID), err)
	}
	return dao.materialize(ctx, rows)
}

// RestoreState re-reads a's row and overwrites it in place.
func (dao *LocalActionDAO) RestoreState(ctx context.Context, a *LocalAction) error {
	id := a.EntityID()
	if id == 0 {
		return nil
	}
	row, err := dao.read(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			dao.cache.Remove(id)
		}
		return err
	}
	return dao.fill(persistence.Loading(ctx), a, row)
}

func (dao *LocalActionDAO) read(ctx context.Context, id int64) (localActionRow, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return localActionRow{}, err
	}
	row, err := scanLocalActionRow(q.QueryRowContext(ctx, selectLocalActions+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return row, fmt.Errorf("local action %d: %w", id, persistence.ErrNotFound)
	}
	if err != nil {
		return row, persistence.StorageError(fmt.Sprintf("querying local action %d", id), err)
	}
	return row, nil
}

func (dao *LocalActionDAO) materialize(ctx context.Context, rows *sql.Rows) ([]*LocalAction, error) {
	recs, err := persistence.CollectRows(rows, scanLocalActionRow)
	if err != nil {
		return nil, persistence.StorageError("scanning local actions", err)
	}
	out := make([]*LocalAction, 0, len(recs))
	for _, row := range recs {
		a, err := persistence.MaterializeRow(ctx, dao.cache, row.id, row, newLocalActionFromRow, dao.fill)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func newLocalActionFromRow(row localActionRow) (*LocalAction, error) {
	a := NewLocalAction(row.functionID)
	a.id = row.id
	return a, nil
}

// fill copies row into a and links its rule. An action whose rule row is
// gone keeps a nil rule.
func (dao *LocalActionDAO) fill(ctx context.Context, a *LocalAction, row localActionRow) error {
	props, err := decodeProperties(row.properties)
	if err != nil {
		return fmt.Errorf("local action %d: %w", row.id, err)
	}
	a.SetFunctionID(ctx, row.functionID)
	a.SetProperties(ctx, props)

	r, err := dao.rules.Get(ctx, row.ruleID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		r = nil
	case err != nil:
		return fmt.Errorf("loading rule: %w", err)
	}
	a.setRule(r)
	return nil
}

func encodeProperties(props map[int]string) string {
	m := make(map[string]string, len(props))
	for k, v := range props {
		m[strconv.Itoa(k)] = v
	}
	return persistence.EncodeMap(m)
}

func decodeProperties(s string) (map[int]string, error) {
	m := persistence.DecodeMap(s)
	out := make(map[int]string, len(m))
	for k, v := range m {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("%w: index %q", ErrInvalidProperties, k)
		}
		out[idx] = v
	}
	return out, nil
}

package automation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-persistence/internal/persistence"
)

const selectTriggers = `
	SELECT id, rule_id, event_type, event_status, group_ids
	FROM rule_triggers`

type triggerRow struct {
	id          int64
	ruleID      int64
	eventType   int
	eventStatus int
	groupIDs    string
}

func scanTriggerRow(r persistence.Row) (triggerRow, error) {
	var row triggerRow
	err := r.Scan(&row.id, &row.ruleID, &row.eventType, &row.eventStatus, &row.groupIDs)
	return row, err
}

// TriggerDAO maps triggers to rule_triggers. Deleting a trigger deletes
// the action address it watches.
type TriggerDAO struct {
	cache     *persistence.IdentityMap[*Trigger]
	rules     *RuleDAO
	addresses *ActionAddressDAO
}

var _ persistence.DataAccessObject[*Trigger] = (*TriggerDAO)(nil)

// Cache implements persistence.DataAccessObject.
func (dao *TriggerDAO) Cache() *persistence.IdentityMap[*Trigger] {
	return dao.cache
}

// Persist inserts t. Its rule must already have an id; its address is
// written separately once t has one.
func (dao *TriggerDAO) Persist(ctx context.Context, t *Trigger) (int64, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return 0, err
	}
	ruleID, err := triggerRuleID(t)
	if err != nil {
		return 0, err
	}

	t.mu.RLock()
	eventType, eventStatus, groups := t.eventType, t.eventStatus, encodeInts(t.groupIDs)
	t.mu.RUnlock()

	id, err := q.InsertContext(ctx,
		"INSERT INTO rule_triggers (rule_id, event_type, event_status, group_ids) VALUES (?, ?, ?, ?)",
		ruleID, eventType, eventStatus, groups,
	)
	if err != nil {
		return 0, persistence.StorageError("inserting trigger", err)
	}
	persistence.Adopt(ctx, dao.cache, t, id)
	return id, nil
}

// Update writes every column of t.
func (dao *TriggerDAO) Update(ctx context.Context, t *Trigger) error {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return err
	}
	ruleID, err := triggerRuleID(t)
	if err != nil {
		return err
	}

	t.mu.RLock()
	id, eventType, eventStatus, groups := t.id, t.eventType, t.eventStatus, encodeInts(t.groupIDs)
	t.mu.RUnlock()

	if _, err := q.ExecContext(ctx, `
		UPDATE rule_triggers SET
			rule_id = ?, event_type = ?, event_status = ?, group_ids = ?
		WHERE id = ?`,
		ruleID, eventType, eventStatus, groups, id,
	); err != nil {
		return persistence.StorageError(fmt.Sprintf("updating trigger %d", id), err)
	}
	return nil
}

func triggerRuleID(t *Trigger) (int64, error) {
	r := t.Rule()
	if r == nil || r.EntityID() == 0 {
		return 0, fmt.Errorf("trigger: %w", ErrNotPersisted)
	}
	return r.EntityID(), nil
}

// Delete removes t and its address.
func (dao *TriggerDAO) Delete(ctx context.Context, t *Trigger) error {
	id := t.EntityID()
	if id == 0 {
		return nil
	}
	q, err := persistence.Conn(ctx)
	if err != nil {
		return err
	}

	addresses, err := dao.addresses.forOwner(ctx, KindTrigger, id)
	if err != nil {
		return fmt.Errorf("loading address of trigger %d: %w", id, err)
	}
	for _, a := range addresses {
		if err := dao.addresses.Delete(ctx, a); err != nil {
			return fmt.Errorf("deleting address of trigger %d: %w", id, err)
		}
	}

	if _, err := q.ExecContext(ctx, "DELETE FROM rule_triggers WHERE id = ?", id); err != nil {
		return persistence.StorageError(fmt.Sprintf("deleting trigger %d", id), err)
	}
	if r := t.Rule(); r != nil {
		if undo, ok := r.detach(t); ok {
			persistence.OnRollback(ctx, undo)
		}
	}
	persistence.Forget(ctx, dao.cache, t)
	return nil
}

// DeleteByID removes the trigger with id. An absent id succeeds.
func (dao *TriggerDAO) DeleteByID(ctx context.Context, id int64) error {
	t, err := dao.Get(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return dao.Delete(ctx, t)
}

// Get returns the trigger with id.
func (dao *TriggerDAO) Get(ctx context.Context, id int64) (*Trigger, error) {
	return persistence.Materialize(ctx, dao.cache, id,
		func(ctx context.Context) (triggerRow, error) { return dao.read(ctx, id) },
		newTriggerFromRow,
		dao.fill,
	)
}

// GetAll returns every trigger, loading only those not yet cached.
func (dao *TriggerDAO) GetAll(ctx context.Context) (map[int64]*Trigger, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return nil, err
	}

	clause, args := persistence.NotIn("id", dao.cache.IDs())
	rows, err := q.QueryContext(ctx, selectTriggers+" WHERE "+clause+" ORDER BY id", args...)
	if err != nil {
		return nil, persistence.StorageError("querying triggers", err)
	}
	if _, err := dao.materialize(ctx, rows); err != nil {
		return nil, err
	}
	return dao.cache.All(), nil
}

// GetAllForParent returns the triggers of rule ruleID in id order.
func (dao *TriggerDAO) GetAllForParent(ctx context.Context, ruleID int64) ([]*Trigger, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, selectTriggers+" WHERE rule_id = ? ORDER BY id", ruleID)
	if err != nil {
		return nil, persistence.StorageError(fmt.Sprintf("querying triggers of rule %d", ruleID), err)
	}
	return dao.materialize(ctx, rows)
}

// RestoreState re-reads t's row and overwrites it in place.
func (dao *TriggerDAO) RestoreState(ctx context.Context, t *Trigger) error {
	id := t.EntityID()
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
	return dao.fill(persistence.Loading(ctx), t, row)
}

func (dao *TriggerDAO) read(ctx context.Context, id int64) (triggerRow, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return triggerRow{}, err
	}
	row, err := scanTriggerRow(q.QueryRowContext(ctx, selectTriggers+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return row, fmt.Errorf("trigger %d: %w", id, persistence.ErrNotFound)
	}
	if err != nil {
		return row, persistence.StorageError(fmt.Sprintf("querying trigger %d", id), err)
	}
	return row, nil
}

func (dao *TriggerDAO) materialize(ctx context.Context, rows *sql.Rows) ([]*Trigger, error) {
	recs, err := persistence.CollectRows(rows, scanTriggerRow)
	if err != nil {
		return nil, persistence.StorageError("scanning triggers", err)
	}
	out := make([]*Trigger, 0, len(recs))
	for _, row := range recs {
		t, err := persistence.MaterializeRow(ctx, dao.cache, row.id, row, newTriggerFromRow, dao.fill)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func newTriggerFromRow(row triggerRow) (*Trigger, error) {
	t := NewTrigger(row.eventType, row.eventStatus)
	t.id = row.id
	return t, nil
}

// fill copies row into t and links its rule and address. A trigger stores
// at most one address; extra rows are ignored.
func (dao *TriggerDAO) fill(ctx context.Context, t *Trigger, row triggerRow) error {
	groups, err := decodeInts(row.groupIDs)
	if err != nil {
		return fmt.Errorf("trigger %d: %w", row.id, err)
	}
	t.SetEvent(ctx, row.eventType, row.eventStatus)
	t.SetGroupIDs(ctx, groups)

	r, err := dao.rules.Get(ctx, row.ruleID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		r = nil
	case err != nil:
		return fmt.Errorf("loading rule: %w", err)
	}
	t.setRule(r)

	addresses, err := dao.addresses.forOwner(ctx, KindTrigger, row.id)
	if err != nil {
		return fmt.Errorf("loading address: %w", err)
	}
	var a *ActionAddress
	if len(addresses) > 0 {
		a = addresses[0]
		a.setParent(nil, t)
	}
	t.setAddress(a)
	return nil
}

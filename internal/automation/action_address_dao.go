package automation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-persistence/internal/persistence"
)

const selectAddresses = `
	SELECT id, parent_kind, parent_id, device_id, device_function,
		prop_index, value, end_value
	FROM rule_action_addresses`

type addressRow struct {
	id             int64
	parentKind     string
	parentID       int64
	deviceID       int64
	deviceFunction string
	propertyIndex  int
	value          int
	endValue       int
}

func scanAddressRow(r persistence.Row) (addressRow, error) {
	var row addressRow
	err := r.Scan(
		&row.id,
		&row.parentKind,
		&row.parentID,
		&row.deviceID,
		&row.deviceFunction,
		&row.propertyIndex,
		&row.value,
		&row.endValue,
	)
	return row, err
}

// record encodes a's columns. ok is false when a has no persisted owner.
func (a *ActionAddress) record() (row addressRow, ok bool) {
	kind, parentID, ok := a.parent()
	if !ok {
		return addressRow{}, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return addressRow{
		id:             a.id,
		parentKind:     string(kind),
		parentID:       parentID,
		deviceID:       a.deviceID,
		deviceFunction: a.deviceFunction,
		propertyIndex:  a.propertyIndex,
		value:          a.value,
		endValue:       a.endValue,
	}, true
}

// ActionAddressDAO maps action addresses to rule_action_addresses. The
// parent passed to GetAllForParent is a rule; addresses owned by a trigger
// are reached through the trigger.
type ActionAddressDAO struct {
	cache    *persistence.IdentityMap[*ActionAddress]
	rules    *RuleDAO
	triggers *TriggerDAO
}

var _ persistence.DataAccessObject[*ActionAddress] = (*ActionAddressDAO)(nil)

// Cache implements persistence.DataAccessObject.
func (dao *ActionAddressDAO) Cache() *persistence.IdentityMap[*ActionAddress] {
	return dao.cache
}

// Persist inserts a. Its rule or trigger must already have an id.
func (dao *ActionAddressDAO) Persist(ctx context.Context, a *ActionAddress) (int64, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return 0, err
	}
	rec, ok := a.record()
	if !ok {
		return 0, fmt.Errorf("address of device %d: %w", a.DeviceID(), ErrNotPersisted)
	}

	id, err := q.InsertContext(ctx, `
		INSERT INTO rule_action_addresses (
			parent_kind, parent_id, device_id, device_function,
			prop_index, value, end_value
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.parentKind, rec.parentID, rec.deviceID, rec.deviceFunction,
		rec.propertyIndex, rec.value, rec.endValue,
	)
	if err != nil {
		return 0, persistence.StorageError("inserting action address", err)
	}
	persistence.Adopt(ctx, dao.cache, a, id)
	return id, nil
}

// Update writes every column of a.
func (dao *ActionAddressDAO) Update(ctx context.Context, a *ActionAddress) error {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return err
	}
	rec, ok := a.record()
	if !ok {
		return fmt.Errorf("address %d: %w", a.EntityID(), ErrNotPersisted)
	}

	if _, err := q.ExecContext(ctx, `
		UPDATE rule_action_addresses SET
			parent_kind = ?, parent_id = ?, device_id = ?, device_function = ?,
			prop_index = ?, value = ?, end_value = ?
		WHERE id = ?`,
		rec.parentKind, rec.parentID, rec.deviceID, rec.deviceFunction,
		rec.propertyIndex, rec.value, rec.endValue,
		rec.id,
	); err != nil {
		return persistence.StorageError(fmt.Sprintf("updating action address %d", rec.id), err)
	}
	return nil
}

// Delete removes a and unlinks it from its owner.
func (dao *ActionAddressDAO) Delete(ctx context.Context, a *ActionAddress) error {
	id := a.EntityID()
	if id == 0 {
		return nil
	}
	q, err := persistence.Conn(ctx)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, "DELETE FROM rule_action_addresses WHERE id = ?", id); err != nil {
		return persistence.StorageError(fmt.Sprintf("deleting action address %d", id), err)
	}

	if r := a.Rule(); r != nil {
		if undo, ok := r.detach(a); ok {
			persistence.OnRollback(ctx, undo)
		}
	}
	if t := a.Trigger(); t != nil && t.Address() == a {
		t.setAddress(nil)
		persistence.OnRollback(ctx, func() { t.setAddress(a) })
	}
	persistence.Forget(ctx, dao.cache, a)
	return nil
}

// DeleteByID removes the address with id. An absent id succeeds.
func (dao *ActionAddressDAO) DeleteByID(ctx context.Context, id int64) error {
	a, err := dao.Get(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return dao.Delete(ctx, a)
}

// Get returns the address with id.
func (dao *ActionAddressDAO) Get(ctx context.Context, id int64) (*ActionAddress, error) {
	return persistence.Materialize(ctx, dao.cache, id,
		func(ctx context.Context) (addressRow, error) { return dao.read(ctx, id) },
		newAddressFromRow,
		dao.fill,
	)
}

// GetAll returns every address, loading only those not yet cached.
func (dao *ActionAddressDAO) GetAll(ctx context.Context) (map[int64]*ActionAddress, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return nil, err
	}

	clause, args := persistence.NotIn("id", dao.cache.IDs())
	rows, err := q.QueryContext(ctx, selectAddresses+" WHERE "+clause+" ORDER BY id", args...)
	if err != nil {
		return nil, persistence.StorageError("querying action addresses", err)
	}
	if _, err := dao.materialize(ctx, rows); err != nil {
		return nil, err
	}
	return dao.cache.All(), nil
}

// GetAllForParent returns the addresses rule ruleID writes, in id order.
func (dao *ActionAddressDAO) GetAllForParent(ctx context.Context, ruleID int64) ([]*ActionAddress, error) {
	return dao.forOwner(ctx, KindRule, ruleID)
}

func (dao *ActionAddressDAO) forOwner(ctx context.Context, kind persistence.Kind, id int64) ([]*ActionAddress, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx,
		selectAddresses+" WHERE parent_kind = ? AND parent_id = ? ORDER BY id", string(kind), id)
	if err != nil {
		return nil, persistence.StorageError(fmt.Sprintf("querying addresses of %s %d", kind, id), err)
	}
	return dao.materialize(ctx, rows)
}

// RestoreState re-reads a's row and overwrites it in place.
func (dao *ActionAddressDAO) RestoreState(ctx context.Context, a *ActionAddress) error {
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

func (dao *ActionAddressDAO) read(ctx context.Context, id int64) (addressRow, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return addressRow{}, err
	}
	row, err := scanAddressRow(q.QueryRowContext(ctx, selectAddresses+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return row, fmt.Errorf("action address %d: %w", id, persistence.ErrNotFound)
	}
	if err != nil {
		return row, persistence.StorageError(fmt.Sprintf("querying action address %d", id), err)
	}
	return row, nil
}

func (dao *ActionAddressDAO) materialize(ctx context.Context, rows *sql.Rows) ([]*ActionAddress, error) {
	recs, err := persistence.CollectRows(rows, scanAddressRow)
	if err != nil {
		return nil, persistence.StorageError("scanning action addresses", err)
	}
	out := make([]*ActionAddress, 0, len(recs))
	for _, row := range recs {
		a, err := persistence.MaterializeRow(ctx, dao.cache, row.id, row, newAddressFromRow, dao.fill)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func newAddressFromRow(row addressRow) (*ActionAddress, error) {
	a := NewActionAddress(row.deviceID, row.deviceFunction, row.propertyIndex)
	a.id = row.id
	return a, nil
}

// fill copies row into a and links its owner. An address whose owner row
// is gone keeps no owner.
func (dao *ActionAddressDAO) fill(ctx context.Context, a *ActionAddress, row addressRow) error {
	a.SetTarget(ctx, row.deviceID, row.deviceFunction, row.propertyIndex)
	a.SetValues(ctx, row.value, row.endValue)

	switch persistence.Kind(row.parentKind) {
	case KindRule:
		r, err := dao.rules.Get(ctx, row.parentID)
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			return fmt.Errorf("loading rule: %w", err)
		}
		a.setParent(r, nil)
	case KindTrigger:
		t, err := dao.triggers.Get(ctx, row.parentID)
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			return fmt.Errorf("loading trigger: %w", err)
		}
		a.setParent(nil, t)
	default:
		return fmt.Errorf("action address %d: unknown owner kind %q", row.id, row.parentKind)
	}
	return nil
}

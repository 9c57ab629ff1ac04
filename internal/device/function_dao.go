package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-persistence/internal/persistence"
)

const selectFunctions = `
	SELECT id, device_id, name, end_point_id, command_name, processed
	FROM device_functions`

type functionRow struct {
	id          int64
	deviceID    int64
	name        string
	endPointID  int
	commandName string
	processed   bool
}

func scanFunctionRow(r persistence.Row) (functionRow, error) {
	var row functionRow
	err := r.Scan(&row.id, &row.deviceID, &row.name, &row.endPointID, &row.commandName, &row.processed)
	return row, err
}

// FunctionDAO maps functions to the device_functions table. Deleting a
// function deletes its properties.
type FunctionDAO struct {
	cache      *persistence.IdentityMap[*Function]
	devices    *DeviceDAO
	properties *PropertyDAO
}

var _ persistence.DataAccessObject[*Function] = (*FunctionDAO)(nil)

// Cache implements persistence.DataAccessObject.
func (dao *FunctionDAO) Cache() *persistence.IdentityMap[*Function] {
	return dao.cache
}

// Persist inserts fn. Its device must already have an id.
func (dao *FunctionDAO) Persist(ctx context.Context, fn *Function) (int64, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return 0, err
	}

	deviceID, err := functionParentID(fn)
	if err != nil {
		return 0, err
	}

	fn.mu.RLock()
	name, endPointID, commandName, processed := fn.name, fn.endPointID, fn.commandName, fn.processed
	fn.mu.RUnlock()

	id, err := q.InsertContext(ctx, `
		INSERT INTO device_functions (device_id, name, end_point_id, command_name, processed)
		VALUES (?, ?, ?, ?, ?)`,
		deviceID, name, endPointID, commandName, processed,
	)
	if err != nil {
		return 0, persistence.StorageError("inserting function", err)
	}
	persistence.Adopt(ctx, dao.cache, fn, id)
	return id, nil
}

// Update writes every column of fn.
func (dao *FunctionDAO) Update(ctx context.Context, fn *Function) error {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return err
	}

	deviceID, err := functionParentID(fn)
	if err != nil {
		return err
	}

	fn.mu.RLock()
	id, name, endPointID, commandName, processed := fn.id, fn.name, fn.endPointID, fn.commandName, fn.processed
	fn.mu.RUnlock()

	if _, err := q.ExecContext(ctx, `
		UPDATE device_functions SET
			device_id = ?, name = ?, end_point_id = ?, command_name = ?, processed = ?
		WHERE id = ?`,
		deviceID, name, endPointID, commandName, processed, id,
	); err != nil {
		return persistence.StorageError(fmt.Sprintf("updating function %d", id), err)
	}
	return nil
}

func functionParentID(fn *Function) (int64, error) {
	d := fn.Device()
	if d == nil || d.EntityID() == 0 {
		return 0, fmt.Errorf("function %q: %w", fn.Name(), ErrNotPersisted)
	}
	return d.EntityID(), nil
}

// Delete removes fn and its properties.
func (dao *FunctionDAO) Delete(ctx context.Context, fn *Function) error {
	id := fn.EntityID()
	if id == 0 {
		return nil
	}
	q, err := persistence.Conn(ctx)
	if err != nil {
		return err
	}

	props, err := dao.properties.GetAllForParent(ctx, id)
	if err != nil {
		return fmt.Errorf("loading properties of function %d: %w", id, err)
	}
	for _, p := range props {
		if err := dao.properties.Delete(ctx, p); err != nil {
			return fmt.Errorf("deleting properties of function %d: %w", id, err)
		}
	}

	if _, err := q.ExecContext(ctx, "DELETE FROM device_functions WHERE id = ?", id); err != nil {
		return persistence.StorageError(fmt.Sprintf("deleting function %d", id), err)
	}

	if d := fn.Device(); d != nil && d.detachFunction(fn) {
		persistence.OnRollback(ctx, func() { d.attachFunction(fn) })
	}
	persistence.Forget(ctx, dao.cache, fn)
	return nil
}

// DeleteByID removes the function with id. An absent id succeeds.
func (dao *FunctionDAO) DeleteByID(ctx context.Context, id int64) error {
	fn, err := dao.Get(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return dao.Delete(ctx, fn)
}

// Get returns the function with id.
func (dao *FunctionDAO) Get(ctx context.Context, id int64) (*Function, error) {
	return persistence.Materialize(ctx, dao.cache, id,
		func(ctx context.Context) (functionRow, error) { return dao.read(ctx, id) },
		newFunctionFromRow,
		dao.fill,
	)
}

// GetAll returns every function, loading only those not yet cached.
func (dao *FunctionDAO) GetAll(ctx context.Context) (map[int64]*Function, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return nil, err
	}

	clause, args := persistence.NotIn("id", dao.cache.IDs())
	rows, err := q.QueryContext(ctx, selectFunctions+" WHERE "+clause+" ORDER BY id", args...)
	if err != nil {
		return nil, persistence.StorageError("querying functions", err)
	}
	if _, err := dao.materialize(ctx, rows); err != nil {
		return nil, err
	}
	return dao.cache.All(), nil
}

// GetAllForParent returns the functions of device deviceID in id order.
func (dao *FunctionDAO) GetAllForParent(ctx context.Context, deviceID int64) ([]*Function, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, selectFunctions+" WHERE device_id = ? ORDER BY id", deviceID)
	if err != nil {
		return nil, persistence.StorageError(fmt.Sprintf("querying functions of device %d", deviceID), err)
	}
	return dao.materialize(ctx, rows)
}

// RestoreState re-reads fn's row and properties and overwrites them in place.
func (dao *FunctionDAO) RestoreState(ctx context.Context, fn *Function) error {
	id := fn.EntityID()
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
	return dao.fill(persistence.Loading(ctx), fn, row)
}

func (dao *FunctionDAO) read(ctx context.Context, id int64) (functionRow, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return functionRow{}, err
	}
	row, err := scanFunctionRow(q.QueryRowContext(ctx, selectFunctions+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return row, fmt.Errorf("function %d: %w", id, persistence.ErrNotFound)
	}
	if err != nil {
		return row, persistence.StorageError(fmt.Sprintf("querying function %d", id), err)
	}
	return row, nil
}

func (dao *FunctionDAO) materialize(ctx context.Context, rows *sql.Rows) ([]*Function, error) {
	recs, err := persistence.CollectRows(rows, scanFunctionRow)
	if err != nil {
		return nil, persistence.StorageError("scanning functions", err)
	}
	out := make([]*Function, 0, len(recs))
	for _, row := range recs {
		fn, err := persistence.MaterializeRow(ctx, dao.cache, row.id, row, newFunctionFromRow, dao.fill)
		if err != nil {
			return nil, err
		}
		out = append(out, fn)
	}
	return out, nil
}

func newFunctionFromRow(row functionRow) (*Function, error) {
	fn := NewFunction(row.name)
	fn.id = row.id
	return fn, nil
}

// fill copies row into fn and links its device and properties. A function
// whose device row is gone keeps a nil device.
func (dao *FunctionDAO) fill(ctx context.Context, fn *Function, row functionRow) error {
	fn.SetName(ctx, row.name)
	fn.SetEndPointID(ctx, row.endPointID)
	fn.SetCommandName(ctx, row.commandName)
	fn.SetProcessed(ctx, row.processed)

	d, err := dao.devices.Get(ctx, row.deviceID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		d = nil
	case err != nil:
		return fmt.Errorf("loading device: %w", err)
	}
	fn.setDevice(d)

	props, err := dao.properties.GetAllForParent(ctx, row.id)
	if err != nil {
		return fmt.Errorf("loading properties: %w", err)
	}
	fn.setProperties(props)
	return nil
}

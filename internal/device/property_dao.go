package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-persistence/internal/persistence"
)

const selectProperties = `
	SELECT id, function_id, prop_index, properties_map, enums_list, value,
		value_array, end_point_id, persist
	FROM device_properties`

type propertyRow struct {
	id            int64
	functionID    int64
	index         int
	propertiesMap string
	enumsList     string
	value         string
	valueArray    string
	endPointID    int
	persist       bool
}

func scanPropertyRow(r persistence.Row) (propertyRow, error) {
	var row propertyRow
	err := r.Scan(
		&row.id,
		&row.functionID,
		&row.index,
		&row.propertiesMap,
		&row.enumsList,
		&row.value,
		&row.valueArray,
		&row.endPointID,
		&row.persist,
	)
	return row, err
}

type propertyRecord struct {
	id            int64
	index         int
	propertiesMap string
	enumsList     string
	value         string
	valueArray    string
	endPointID    int
	persist       bool
}

// record encodes p's columns. An array value goes to value_array and
// leaves value empty; a scalar goes to value.
func (p *Property) record() propertyRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec := propertyRecord{
		id:            p.id,
		index:         p.index,
		propertiesMap: persistence.EncodeMap(p.attributes),
		enumsList:     persistence.EncodeList(p.enums),
		endPointID:    p.endPointID,
		persist:       p.persist,
	}
	if p.values != nil {
		rec.valueArray = persistence.EncodeList(p.values)
	} else {
		rec.value = p.value
	}
	return rec
}

// PropertyDAO maps properties to the device_properties table.
type PropertyDAO struct {
	cache     *persistence.IdentityMap[*Property]
	functions *FunctionDAO
}

var _ persistence.DataAccessObject[*Property] = (*PropertyDAO)(nil)

// Cache implements persistence.DataAccessObject.
func (dao *PropertyDAO) Cache() *persistence.IdentityMap[*Property] {
	return dao.cache
}

// Persist inserts p. Its function must already have an id.
func (dao *PropertyDAO) Persist(ctx context.Context, p *Property) (int64, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return 0, err
	}
	functionID, err := propertyParentID(p)
	if err != nil {
		return 0, err
	}

	rec := p.record()
	id, err := q.InsertContext(ctx, `
		INSERT INTO device_properties (
			function_id, prop_index, properties_map, enums_list, value,
			value_array, end_point_id, persist
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		functionID, rec.index, rec.propertiesMap, rec.enumsList, rec.value,
		rec.valueArray, rec.endPointID, rec.persist,
	)
	if err != nil {
		return 0, persistence.StorageError("inserting property", err)
	}
	persistence.Adopt(ctx, dao.cache, p, id)
	return id, nil
}

// Update writes every column of p.
func (dao *PropertyDAO) Update(ctx context.Context, p *Property) error {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return err
	}
	functionID, err := propertyParentID(p)
	if err != nil {
		return err
	}

	rec := p.record()
	if _, err := q.ExecContext(ctx, `
		UPDATE device_properties SET
			function_id = ?, prop_index = ?, properties_map = ?, enums_list = ?,
			value = ?, value_array = ?, end_point_id = ?, persist = ?
		WHERE id = ?`,
		functionID, rec.index, rec.propertiesMap, rec.enumsList,
		rec.value, rec.valueArray, rec.endPointID, rec.persist,
		rec.id,
	); err != nil {
		return persistence.StorageError(fmt.Sprintf("updating property %d", rec.id), err)
	}
	return nil
}

func propertyParentID(p *Property) (int64, error) {
	fn := p.Function()
	if fn == nil || fn.EntityID() == 0 {
		return 0, fmt.Errorf("property %d of unsaved function: %w", p.Index(), ErrNotPersisted)
	}
	return fn.EntityID(), nil
}

// Delete removes p.
func (dao *PropertyDAO) Delete(ctx context.Context, p *Property) error {
	id := p.EntityID()
	if id == 0 {
		return nil
	}
	q, err := persistence.Conn(ctx)
	if err != nil {
		return err
	}

	if _, err := q.ExecContext(ctx, "DELETE FROM device_properties WHERE id = ?", id); err != nil {
		return persistence.StorageError(fmt.Sprintf("deleting property %d", id), err)
	}

	if fn := p.Function(); fn != nil && fn.detachProperty(p) {
		persistence.OnRollback(ctx, func() { fn.attachProperty(p) })
	}
	persistence.Forget(ctx, dao.cache, p)
	return nil
}

// DeleteByID removes the property with id. An absent id succeeds.
func (dao *PropertyDAO) DeleteByID(ctx context.Context, id int64) error {
	p, err := dao.Get(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return dao.Delete(ctx, p)
}

// Get returns the property with id.
func (dao *PropertyDAO) Get(ctx context.Context, id int64) (*Property, error) {
	return persistence.Materialize(ctx, dao.cache, id,
		func(ctx context.Context) (propertyRow, error) { return dao.read(ctx, id) },
		newPropertyFromRow,
		dao.fill,
	)
}

// GetAll returns every property, loading only those not yet cached.
func (dao *PropertyDAO) GetAll(ctx context.Context) (map[int64]*Property, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return nil, err
	}

	clause, args := persistence.NotIn("id", dao.cache.IDs())
	rows, err := q.QueryContext(ctx, selectProperties+" WHERE "+clause+" ORDER BY id", args...)
	if err != nil {
		return nil, persistence.StorageError("querying properties", err)
	}
	if _, err := dao.materialize(ctx, rows); err != nil {
		return nil, err
	}
	return dao.cache.All(), nil
}

// GetAllForParent returns the properties of function functionID in id order.
func (dao *PropertyDAO) GetAllForParent(ctx context.Context, functionID int64) ([]*Property, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, selectProperties+" WHERE function_id = ? ORDER BY id", functionID)
	if err != nil {
		return nil, persistence.StorageError(fmt.Sprintf("querying properties of function %d", functionID), err)
	}
	return dao.materialize(ctx, rows)
}

// RestoreState re-reads p's row and overwrites it in place.
func (dao *PropertyDAO) RestoreState(ctx context.Context, p *Property) error {
	id := p.EntityID()
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
	return dao.fill(persistence.Loading(ctx), p, row)
}

func (dao *PropertyDAO) read(ctx context.Context, id int64) (propertyRow, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return propertyRow{}, err
	}
	row, err := scanPropertyRow(q.QueryRowContext(ctx, selectProperties+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return row, fmt.Errorf("property %d: %w", id, persistence.ErrNotFound)
	}
	if err != nil {
		return row, persistence.StorageError(fmt.Sprintf("querying property %d", id), err)
	}
	return row, nil
}

func (dao *PropertyDAO) materialize(ctx context.Context, rows *sql.Rows) ([]*Property, error) {
	recs, err := persistence.CollectRows(rows, scanPropertyRow)
	if err != nil {
		return nil, persistence.StorageError("scanning properties", err)
	}
	out := make([]*Property, 0, len(recs))
	for _, row := range recs {
		p, err := persistence.MaterializeRow(ctx, dao.cache, row.id, row, newPropertyFromRow, dao.fill)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func newPropertyFromRow(row propertyRow) (*Property, error) {
	p := NewProperty(row.index)
	p.id = row.id
	return p, nil
}

// fill decodes row into p and links its function.
func (dao *PropertyDAO) fill(ctx context.Context, p *Property, row propertyRow) error {
	p.SetIndex(ctx, row.index)
	p.SetAttributes(ctx, persistence.DecodeMap(row.propertiesMap))
	p.SetEnums(ctx, persistence.DecodeList(row.enumsList))
	if row.valueArray != "" {
		p.SetValues(ctx, persistence.DecodeArray(row.valueArray))
	} else {
		p.SetValue(ctx, row.value)
	}
	p.SetEndPointID(ctx, row.endPointID)
	p.SetPersist(ctx, row.persist)

	fn, err := dao.functions.Get(ctx, row.functionID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		fn = nil
	case err != nil:
		return fmt.Errorf("loading function: %w", err)
	}
	p.setFunction(fn)
	return nil
}

package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-persistence/internal/persistence"
)

const selectDevices = `
	SELECT id, kind, name, vendor, version, protocol_id, zone_configuration,
		internal, bypass_state, entry_delay, exit_delay, command_classes
	FROM devices`

// deviceRow is one row of the devices table.
type deviceRow struct {
	id                int64
	kind              string
	name              string
	vendor            string
	version           string
	protocolID        int64
	zoneConfiguration int
	internal          bool
	bypassState       int
	entryDelay        int64
	exitDelay         int64
	commandClasses    string
}

func scanDeviceRow(r persistence.Row) (deviceRow, error) {
	var row deviceRow
	err := r.Scan(
		&row.id,
		&row.kind,
		&row.name,
		&row.vendor,
		&row.version,
		&row.protocolID,
		&row.zoneConfiguration,
		&row.internal,
		&row.bypassState,
		&row.entryDelay,
		&row.exitDelay,
		&row.commandClasses,
	)
	return row, err
}

// deviceRecord is the column values of a device taken under its lock.
type deviceRecord struct {
	kind              string
	name              string
	vendor            string
	version           string
	protocolID        int64
	zoneConfiguration int
	internal          bool
	bypassState       int
	entryDelay        int64
	exitDelay         int64
	commandClasses    string
	children          []*Device
}

func (d *Device) record() deviceRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return deviceRecord{
		kind:              string(d.kind),
		name:              d.name,
		vendor:            d.vendor,
		version:           d.version,
		protocolID:        d.protocolID,
		zoneConfiguration: d.zoneConfiguration,
		internal:          d.internal,
		bypassState:       int(d.bypassState),
		entryDelay:        int64(d.entryDelay / time.Second),
		exitDelay:         int64(d.exitDelay / time.Second),
		commandClasses:    encodeArray(d.commandClasses),
		children:          append([]*Device(nil), d.children...),
	}
}

// DeviceDAO maps every device kind to the devices table.
//
// Child links live in device_children and are rewritten on every insert and
// update. Deleting a device deletes its functions (and their properties),
// its child and parent links and its group memberships; child devices
// themselves survive.
//
// Thread Safety:
//   - Safe for concurrent use; each call runs on the session of its context.
type DeviceDAO struct {
	cache     *persistence.IdentityMap[*Device]
	functions *FunctionDAO
	groups    *GroupDAO
}

var _ persistence.DataAccessObject[*Device] = (*DeviceDAO)(nil)

// Cache implements persistence.DataAccessObject.
func (dao *DeviceDAO) Cache() *persistence.IdentityMap[*Device] {
	return dao.cache
}

// Persist inserts d and its child links.
func (dao *DeviceDAO) Persist(ctx context.Context, d *Device) (int64, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return 0, err
	}

	rec := d.record()
	id, err := q.InsertContext(ctx, `
		INSERT INTO devices (
			kind, name, vendor, version, protocol_id, zone_configuration,
			internal, bypass_state, entry_delay, exit_delay, command_classes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.kind, rec.name, rec.vendor, rec.version, rec.protocolID, rec.zoneConfiguration,
		rec.internal, rec.bypassState, rec.entryDelay, rec.exitDelay, rec.commandClasses,
	)
	if err != nil {
		return 0, persistence.StorageError("inserting device", err)
	}
	persistence.Adopt(ctx, dao.cache, d, id)

	if err := dao.writeChildren(ctx, q, id, rec.children); err != nil {
		return 0, err
	}
	return id, nil
}

// Update writes every column of d and replaces its child links.
func (dao *DeviceDAO) Update(ctx context.Context, d *Device) error {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return err
	}

	id := d.EntityID()
	rec := d.record()
	_, err = q.ExecContext(ctx, `
		UPDATE devices SET
			kind = ?, name = ?, vendor = ?, version = ?, protocol_id = ?,
			zone_configuration = ?, internal = ?, bypass_state = ?,
			entry_delay = ?, exit_delay = ?, command_classes = ?
		WHERE id = ?`,
		rec.kind, rec.name, rec.vendor, rec.version, rec.protocolID,
		rec.zoneConfiguration, rec.internal, rec.bypassState,
		rec.entryDelay, rec.exitDelay, rec.commandClasses,
		id,
	)
	if err != nil {
		return persistence.StorageError(fmt.Sprintf("updating device %d", id), err)
	}

	if _, err := q.ExecContext(ctx, "DELETE FROM device_children WHERE parent_id = ?", id); err != nil {
		return persistence.StorageError(fmt.Sprintf("clearing children of device %d", id), err)
	}
	return dao.writeChildren(ctx, q, id, rec.children)
}

func (dao *DeviceDAO) writeChildren(ctx context.Context, q persistence.Querier, id int64, children []*Device) error {
	for _, child := range children {
		childID := child.EntityID()
		if childID == 0 {
			return fmt.Errorf("linking child %q of device %d: %w", child.Name(), id, ErrNotPersisted)
		}
		if _, err := q.ExecContext(ctx,
			"INSERT INTO device_children (parent_id, child_id) VALUES (?, ?)", id, childID,
		); err != nil {
			return persistence.StorageError(fmt.Sprintf("linking child %d of device %d", childID, id), err)
		}
	}
	return nil
}

// Delete removes d together with its functions, links and memberships.
func (dao *DeviceDAO) Delete(ctx context.Context, d *Device) error {
	id := d.EntityID()
	if id == 0 {
		return nil
	}
	q, err := persistence.Conn(ctx)
	if err != nil {
		return err
	}

	functions, err := dao.functions.GetAllForParent(ctx, id)
	if err != nil {
		return fmt.Errorf("loading functions of device %d: %w", id, err)
	}
	for _, fn := range functions {
		if err := dao.functions.Delete(ctx, fn); err != nil {
			return fmt.Errorf("deleting functions of device %d: %w", id, err)
		}
	}

	statements := []struct {
		op    string
		query string
		args  []any
	}{
		{"unlinking", "DELETE FROM device_children WHERE parent_id = ? OR child_id = ?", []any{id, id}},
		{"removing memberships of", "DELETE FROM group_devices WHERE device_id = ?", []any{id}},
		{"deleting", "DELETE FROM devices WHERE id = ?", []any{id}},
	}
	for _, st := range statements {
		if _, err := q.ExecContext(ctx, st.query, st.args...); err != nil {
			return persistence.StorageError(fmt.Sprintf("%s device %d", st.op, id), err)
		}
	}

	dao.detach(ctx, d)
	persistence.Forget(ctx, dao.cache, d)
	return nil
}

// detach drops d from the in-memory relations of cached parents and groups.
func (dao *DeviceDAO) detach(ctx context.Context, d *Device) {
	for _, parent := range dao.cache.All() {
		if parent.detachChild(d) {
			persistence.OnRollback(ctx, func() { parent.attachChild(d) })
		}
	}
	for _, g := range dao.groups.cache.All() {
		if g.detachDevice(d) {
			persistence.OnRollback(ctx, func() { g.attachDevice(d) })
		}
	}
}

// DeleteByID removes the device with id. An absent id succeeds.
func (dao *DeviceDAO) DeleteByID(ctx context.Context, id int64) error {
	d, err := dao.Get(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return dao.Delete(ctx, d)
}

// Get returns the device with id.
func (dao *DeviceDAO) Get(ctx context.Context, id int64) (*Device, error) {
	return persistence.Materialize(ctx, dao.cache, id,
		func(ctx context.Context) (deviceRow, error) { return dao.read(ctx, id) },
		newDeviceFromRow,
		dao.fill,
	)
}

// GetAll returns every device, loading only those not yet cached.
func (dao *DeviceDAO) GetAll(ctx context.Context) (map[int64]*Device, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return nil, err
	}

	clause, args := persistence.NotIn("id", dao.cache.IDs())
	rows, err := q.QueryContext(ctx, selectDevices+" WHERE "+clause+" ORDER BY id", args...)
	if err != nil {
		return nil, persistence.StorageError("querying devices", err)
	}
	if err := dao.materialize(ctx, rows); err != nil {
		return nil, err
	}
	return dao.cache.All(), nil
}

// GetAllForParent returns the child devices linked below parentID, in id order.
func (dao *DeviceDAO) GetAllForParent(ctx context.Context, parentID int64) ([]*Device, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, selectDevices+`
		WHERE id IN (SELECT child_id FROM device_children WHERE parent_id = ?)
		ORDER BY id`, parentID)
	if err != nil {
		return nil, persistence.StorageError(fmt.Sprintf("querying children of device %d", parentID), err)
	}
	recs, err := persistence.CollectRows(rows, scanDeviceRow)
	if err != nil {
		return nil, persistence.StorageError(fmt.Sprintf("scanning children of device %d", parentID), err)
	}

	children := make([]*Device, 0, len(recs))
	for _, row := range recs {
		child, err := persistence.MaterializeRow(ctx, dao.cache, row.id, row, newDeviceFromRow, dao.fill)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

// RestoreState re-reads d's row and relations and overwrites them in place.
// A device whose row is gone is evicted.
func (dao *DeviceDAO) RestoreState(ctx context.Context, d *Device) error {
	id := d.EntityID()
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
	return dao.fill(persistence.Loading(ctx), d, row)
}

func (dao *DeviceDAO) read(ctx context.Context, id int64) (deviceRow, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return deviceRow{}, err
	}
	row, err := scanDeviceRow(q.QueryRowContext(ctx, selectDevices+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return row, fmt.Errorf("device %d: %w", id, persistence.ErrNotFound)
	}
	if err != nil {
		return row, persistence.StorageError(fmt.Sprintf("querying device %d", id), err)
	}
	return row, nil
}

func (dao *DeviceDAO) materialize(ctx context.Context, rows *sql.Rows) error {
	recs, err := persistence.CollectRows(rows, scanDeviceRow)
	if err != nil {
		return persistence.StorageError("scanning devices", err)
	}
	for _, row := range recs {
		if _, err := persistence.MaterializeRow(ctx, dao.cache, row.id, row, newDeviceFromRow, dao.fill); err != nil {
			return err
		}
	}
	return nil
}

func newDeviceFromRow(row deviceRow) (*Device, error) {
	kind := persistence.Kind(row.kind)
	if err := ValidateKind(kind); err != nil {
		return nil, err
	}
	d := newDevice(kind, row.name)
	d.id = row.id
	return d, nil
}

// fill copies row into d through its setters, then loads child devices and
// functions. ctx is a loading context, so nothing is registered for update.
func (dao *DeviceDAO) fill(ctx context.Context, d *Device, row deviceRow) error {
	d.SetName(ctx, row.name)
	d.SetVendor(ctx, row.vendor)
	d.SetVersion(ctx, row.version)
	d.SetProtocolID(ctx, row.protocolID)
	d.SetZoneConfiguration(ctx, row.zoneConfiguration)
	d.SetInternal(ctx, row.internal)
	d.SetBypassState(ctx, BypassState(row.bypassState))
	d.SetEntryDelay(ctx, time.Duration(row.entryDelay)*time.Second)
	d.SetExitDelay(ctx, time.Duration(row.exitDelay)*time.Second)
	d.SetCommandClasses(ctx, persistence.DecodeArray(row.commandClasses))

	children, err := dao.GetAllForParent(ctx, row.id)
	if err != nil {
		return fmt.Errorf("loading children: %w", err)
	}
	functions, err := dao.functions.GetAllForParent(ctx, row.id)
	if err != nil {
		return fmt.Errorf("loading functions: %w", err)
	}
	d.setRelations(children, functions)
	return nil
}

// encodeArray is EncodeList, with a nil slice stored as an empty column.
func encodeArray(values []string) string {
	if values == nil {
		return ""
	}
	return persistence.EncodeList(values)
}

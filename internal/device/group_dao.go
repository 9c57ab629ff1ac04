package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-persistence/internal/persistence"
)

const selectGroups = `SELECT id, name, arm_state, locked_out FROM device_groups`

type groupRow struct {
	id        int64
	name      string
	armState  int
	lockedOut bool
}

func scanGroupRow(r persistence.Row) (groupRow, error) {
	var row groupRow
	err := r.Scan(&row.id, &row.name, &row.armState, &row.lockedOut)
	return row, err
}

// GroupDAO maps alarm groups to device_groups, their members to the
// group_devices pivot and their trouble records to group_trouble_records.
// Deleting a group removes its memberships, never the member devices, and
// deletes its trouble records.
type GroupDAO struct {
	cache   *persistence.IdentityMap[*Group]
	devices *DeviceDAO
	records *TroubleRecordDAO
}

var _ persistence.DataAccessObject[*Group] = (*GroupDAO)(nil)

// Cache implements persistence.DataAccessObject.
func (dao *GroupDAO) Cache() *persistence.IdentityMap[*Group] {
	return dao.cache
}

// Persist inserts g, its memberships and its unsaved trouble records.
func (dao *GroupDAO) Persist(ctx context.Context, g *Group) (int64, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return 0, err
	}

	g.mu.RLock()
	name, armState, lockedOut := g.name, g.armState, g.lockedOut
	members := append([]*Device(nil), g.devices...)
	records := append([]*TroubleRecord(nil), g.records...)
	g.mu.RUnlock()

	id, err := q.InsertContext(ctx,
		"INSERT INTO device_groups (name, arm_state, locked_out) VALUES (?, ?, ?)",
		name, int(armState), lockedOut,
	)
	if err != nil {
		return 0, persistence.StorageError("inserting group", err)
	}
	persistence.Adopt(ctx, dao.cache, g, id)

	if err := dao.writeMembers(ctx, q, id, members); err != nil {
		return 0, err
	}
	if err := dao.writeRecords(ctx, q, g, id, records); err != nil {
		return 0, err
	}
	return id, nil
}

// Update writes g's columns and replaces its memberships and record links.
// Records no longer in g are deleted.
func (dao *GroupDAO) Update(ctx context.Context, g *Group) error {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return err
	}

	g.mu.RLock()
	id, name, armState, lockedOut := g.id, g.name, g.armState, g.lockedOut
	members := append([]*Device(nil), g.devices...)
	records := append([]*TroubleRecord(nil), g.records...)
	g.mu.RUnlock()

	if _, err := q.ExecContext(ctx,
		"UPDATE device_groups SET name = ?, arm_state = ?, locked_out = ? WHERE id = ?",
		name, int(armState), lockedOut, id,
	); err != nil {
		return persistence.StorageError(fmt.Sprintf("updating group %d", id), err)
	}

	if _, err := q.ExecContext(ctx, "DELETE FROM group_devices WHERE group_id = ?", id); err != nil {
		return persistence.StorageError(fmt.Sprintf("clearing members of group %d", id), err)
	}
	if err := dao.writeMembers(ctx, q, id, members); err != nil {
		return err
	}

	linked, err := persistence.QueryIDs(ctx, q,
		"SELECT record_id FROM group_trouble_records WHERE group_id = ?", id)
	if err != nil {
		return fmt.Errorf("querying trouble records of group %d: %w", id, err)
	}
	keep := make(map[int64]bool, len(records))
	for _, r := range records {
		keep[r.EntityID()] = true
	}
	for _, recordID := range linked {
		if keep[recordID] {
			continue
		}
		if err := dao.records.DeleteByID(ctx, recordID); err != nil {
			return fmt.Errorf("deleting dropped trouble record %d: %w", recordID, err)
		}
	}

	if _, err := q.ExecContext(ctx, "DELETE FROM group_trouble_records WHERE group_id = ?", id); err != nil {
		return persistence.StorageError(fmt.Sprintf("clearing trouble records of group %d", id), err)
	}
	return dao.writeRecords(ctx, q, g, id, records)
}

func (dao *GroupDAO) writeMembers(ctx context.Context, q persistence.Querier, id int64, members []*Device) error {
	for _, d := range members {
		deviceID := d.EntityID()
		if deviceID == 0 {
			return fmt.Errorf("adding %q to group %d: %w", d.Name(), id, ErrNotPersisted)
		}
		if _, err := q.ExecContext(ctx,
			"INSERT INTO group_devices (group_id, device_id) VALUES (?, ?)", id, deviceID,
		); err != nil {
			return persistence.StorageError(fmt.Sprintf("adding device %d to group %d", deviceID, id), err)
		}
	}
	return nil
}

// writeRecords inserts records that have no id yet and links every record
// to group id.
func (dao *GroupDAO) writeRecords(ctx context.Context, q persistence.Querier, g *Group, id int64, records []*TroubleRecord) error {
	for _, r := range records {
		r.setGroup(g)
		if r.EntityID() == 0 {
			if _, err := dao.records.Persist(ctx, r); err != nil {
				return fmt.Errorf("trouble record of device %d in group %d: %w", r.DeviceID(), id, err)
			}
		}
		if _, err := q.ExecContext(ctx,
			"INSERT INTO group_trouble_records (group_id, record_id) VALUES (?, ?)", id, r.EntityID(),
		); err != nil {
			return persistence.StorageError(fmt.Sprintf("linking trouble record %d to group %d", r.EntityID(), id), err)
		}
	}
	return nil
}

// Delete removes g, its memberships and its trouble records.
func (dao *GroupDAO) Delete(ctx context.Context, g *Group) error {
	id := g.EntityID()
	if id == 0 {
		return nil
	}
	q, err := persistence.Conn(ctx)
	if err != nil {
		return err
	}

	records, err := dao.records.GetAllForParent(ctx, id)
	if err != nil {
		return fmt.Errorf("loading trouble records of group %d: %w", id, err)
	}
	for _, r := range records {
		if err := dao.records.Delete(ctx, r); err != nil {
			return fmt.Errorf("deleting trouble records of group %d: %w", id, err)
		}
	}

	if _, err := q.ExecContext(ctx, "DELETE FROM group_devices WHERE group_id = ?", id); err != nil {
		return persistence.StorageError(fmt.Sprintf("clearing members of group %d", id), err)
	}
	if _, err := q.ExecContext(ctx, "DELETE FROM device_groups WHERE id = ?", id); err != nil {
		return persistence.StorageError(fmt.Sprintf("deleting group %d", id), err)
	}
	persistence.Forget(ctx, dao.cache, g)
	return nil
}

// DeleteByID removes the group with id. An absent id succeeds.
func (dao *GroupDAO) DeleteByID(ctx context.Context, id int64) error {
	g, err := dao.Get(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return dao.Delete(ctx, g)
}

// Get returns the group with id.
func (dao *GroupDAO) Get(ctx context.Context, id int64) (*Group, error) {
	return persistence.Materialize(ctx, dao.cache, id,
		func(ctx context.Context) (groupRow, error) { return dao.read(ctx, id) },
		newGroupFromRow,
		dao.fill,
	)
}

// GetAll returns every group. Only rows whose id is not cached are read.
func (dao *GroupDAO) GetAll(ctx context.Context) (map[int64]*Group, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return nil, err
	}

	clause, args := persistence.NotIn("id", dao.cache.IDs())
	rows, err := q.QueryContext(ctx, selectGroups+" WHERE "+clause+" ORDER BY id", args...)
	if err != nil {
		return nil, persistence.StorageError("querying groups", err)
	}
	if _, err := dao.materialize(ctx, rows); err != nil {
		return nil, err
	}
	return dao.cache.All(), nil
}

// GetAllForParent returns the groups device deviceID belongs to, in id order.
func (dao *GroupDAO) GetAllForParent(ctx context.Context, deviceID int64) ([]*Group, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, selectGroups+`
		WHERE id IN (SELECT group_id FROM group_devices WHERE device_id = ?)
		ORDER BY id`, deviceID)
	if err != nil {
		return nil, persistence.StorageError(fmt.Sprintf("querying groups of device %d", deviceID), err)
	}
	return dao.materialize(ctx, rows)
}

// RestoreState re-reads g's row, members and trouble records and overwrites
// them in place.
func (dao *GroupDAO) RestoreState(ctx context.Context, g *Group) error {
	id := g.EntityID()
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
	return dao.fill(persistence.Loading(ctx), g, row)
}

func (dao *GroupDAO) read(ctx context.Context, id int64) (groupRow, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return groupRow{}, err
	}
	row, err := scanGroupRow(q.QueryRowContext(ctx, selectGroups+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return row, fmt.Errorf("group %d: %w", id, persistence.ErrNotFound)
	}
	if err != nil {
		return row, persistence.StorageError(fmt.Sprintf("querying group %d", id), err)
	}
	return row, nil
}

func (dao *GroupDAO) materialize(ctx context.Context, rows *sql.Rows) ([]*Group, error) {
	recs, err := persistence.CollectRows(rows, scanGroupRow)
	if err != nil {
		return nil, persistence.StorageError("scanning groups", err)
	}
	out := make([]*Group, 0, len(recs))
	for _, row := range recs {
		g, err := persistence.MaterializeRow(ctx, dao.cache, row.id, row, newGroupFromRow, dao.fill)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func newGroupFromRow(row groupRow) (*Group, error) {
	g := NewGroup(row.name)
	g.id = row.id
	return g, nil
}

// fill copies row into g and loads its member devices and trouble records.
// Memberships whose device row is gone are skipped.
func (dao *GroupDAO) fill(ctx context.Context, g *Group, row groupRow) error {
	g.SetName(ctx, row.name)
	g.SetArmState(ctx, ArmState(row.armState))
	g.SetLockedOut(ctx, row.lockedOut)

	q, err := persistence.Conn(ctx)
	if err != nil {
		return err
	}
	ids, err := persistence.QueryIDs(ctx, q,
		"SELECT device_id FROM group_devices WHERE group_id = ? ORDER BY device_id", row.id)
	if err != nil {
		return fmt.Errorf("querying members: %w", err)
	}

	members := make([]*Device, 0, len(ids))
	for _, id := range ids {
		d, err := dao.devices.Get(ctx, id)
		if errors.Is(err, persistence.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("loading member %d: %w", id, err)
		}
		members = append(members, d)
	}
	g.setDevices(members)

	records, err := dao.records.GetAllForParent(ctx, row.id)
	if err != nil {
		return fmt.Errorf("loading trouble records: %w", err)
	}
	for _, r := range records {
		r.setGroup(g)
	}
	g.setRecords(records)
	return nil
}

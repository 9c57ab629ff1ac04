package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/nerrad567/gray-logic-persistence/internal/persistence"
)

const selectTroubleRecords = `
	SELECT id, device_id, restored_during_delay,
		troubles_reported, troubles_to_confirm, alarms_to_confirm
	FROM device_trouble_records`

type troubleRecordRow struct {
	id                  int64
	deviceID            int64
	restoredDuringDelay bool
	reported            string
	troublesToConfirm   string
	alarmsToConfirm     string
}

func scanTroubleRecordRow(r persistence.Row) (troubleRecordRow, error) {
	var row troubleRecordRow
	err := r.Scan(
		&row.id,
		&row.deviceID,
		&row.restoredDuringDelay,
		&row.reported,
		&row.troublesToConfirm,
		&row.alarmsToConfirm,
	)
	return row, err
}

func (r *TroubleRecord) record() troubleRecordRow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return troubleRecordRow{
		id:                  r.id,
		deviceID:            r.deviceID,
		restoredDuringDelay: r.restoredDuringDelay,
		reported:            encodeFlags(r.reported),
		troublesToConfirm:   encodeFlags(r.troublesToConfirm),
		alarmsToConfirm:     encodeFlags(r.alarmsToConfirm),
	}
}

// TroubleRecordDAO maps trouble records to device_trouble_records. Records
// belong to groups through the group_trouble_records pivot, which the group
// handler writes; the parent passed to GetAllForParent is a group id.
type TroubleRecordDAO struct {
	cache *persistence.IdentityMap[*TroubleRecord]
}

var _ persistence.DataAccessObject[*TroubleRecord] = (*TroubleRecordDAO)(nil)

// Cache implements persistence.DataAccessObject.
func (dao *TroubleRecordDAO) Cache() *persistence.IdentityMap[*TroubleRecord] {
	return dao.cache
}

// Persist inserts r.
func (dao *TroubleRecordDAO) Persist(ctx context.Context, r *TroubleRecord) (int64, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return 0, err
	}

	rec := r.record()
	id, err := q.InsertContext(ctx, `
		INSERT INTO device_trouble_records (
			device_id, restored_during_delay,
			troubles_reported, troubles_to_confirm, alarms_to_confirm
		) VALUES (?, ?, ?, ?, ?)`,
		rec.deviceID, rec.restoredDuringDelay,
		rec.reported, rec.troublesToConfirm, rec.alarmsToConfirm,
	)
	if err != nil {
		return 0, persistence.StorageError("inserting trouble record", err)
	}
	persistence.Adopt(ctx, dao.cache, r, id)
	return id, nil
}

// Update writes every column of r.
func (dao *TroubleRecordDAO) Update(ctx context.Context, r *TroubleRecord) error {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return err
	}

	rec := r.record()
	if _, err := q.ExecContext(ctx, `
		UPDATE device_trouble_records SET
			device_id = ?, restored_during_delay = ?,
			troubles_reported = ?, troubles_to_confirm = ?, alarms_to_confirm = ?
		WHERE id = ?`,
		rec.deviceID, rec.restoredDuringDelay,
		rec.reported, rec.troublesToConfirm, rec.alarmsToConfirm,
		rec.id,
	); err != nil {
		return persistence.StorageError(fmt.Sprintf("updating trouble record %d", rec.id), err)
	}
	return nil
}

// Delete removes r and its group links.
func (dao *TroubleRecordDAO) Delete(ctx context.Context, r *TroubleRecord) error {
	id := r.EntityID()
	if id == 0 {
		return nil
	}
	q, err := persistence.Conn(ctx)
	if err != nil {
		return err
	}

	if _, err := q.ExecContext(ctx, "DELETE FROM group_trouble_records WHERE record_id = ?", id); err != nil {
		return persistence.StorageError(fmt.Sprintf("unlinking trouble record %d", id), err)
	}
	if _, err := q.ExecContext(ctx, "DELETE FROM device_trouble_records WHERE id = ?", id); err != nil {
		return persistence.StorageError(fmt.Sprintf("deleting trouble record %d", id), err)
	}

	if g := r.Group(); g != nil && g.detachRecord(r) {
		persistence.OnRollback(ctx, func() { g.attachRecord(r) })
	}
	persistence.Forget(ctx, dao.cache, r)
	return nil
}

// DeleteByID removes the record with id. An absent id succeeds.
func (dao *TroubleRecordDAO) DeleteByID(ctx context.Context, id int64) error {
	r, err := dao.Get(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return dao.Delete(ctx, r)
}

// Get returns the record with id.
func (dao *TroubleRecordDAO) Get(ctx context.Context, id int64) (*TroubleRecord, error) {
	return persistence.Materialize(ctx, dao.cache, id,
		func(ctx context.Context) (troubleRecordRow, error) { return dao.read(ctx, id) },
		newTroubleRecordFromRow,
		dao.fill,
	)
}

// GetAll returns every record, loading only those not yet cached.
func (dao *TroubleRecordDAO) GetAll(ctx context.Context) (map[int64]*TroubleRecord, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return nil, err
	}

	clause, args := persistence.NotIn("id", dao.cache.IDs())
	rows, err := q.QueryContext(ctx, selectTroubleRecords+" WHERE "+clause+" ORDER BY id", args...)
	if err != nil {
		return nil, persistence.StorageError("querying trouble records", err)
	}
	if _, err := dao.materialize(ctx, rows); err != nil {
		return nil, err
	}
	return dao.cache.All(), nil
}

// GetAllForParent returns the records of group groupID in id order.
func (dao *TroubleRecordDAO) GetAllForParent(ctx context.Context, groupID int64) ([]*TroubleRecord, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, selectTroubleRecords+`
		WHERE id IN (SELECT record_id FROM group_trouble_records WHERE group_id = ?)
		ORDER BY id`, groupID)
	if err != nil {
		return nil, persistence.StorageError(fmt.Sprintf("querying trouble records of group %d", groupID), err)
	}
	return dao.materialize(ctx, rows)
}

// RestoreState re-reads r's row and overwrites it in place.
func (dao *TroubleRecordDAO) RestoreState(ctx context.Context, r *TroubleRecord) error {
	id := r.EntityID()
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
	return dao.fill(persistence.Loading(ctx), r, row)
}

func (dao *TroubleRecordDAO) read(ctx context.Context, id int64) (troubleRecordRow, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return troubleRecordRow{}, err
	}
	row, err := scanTroubleRecordRow(q.QueryRowContext(ctx, selectTroubleRecords+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return row, fmt.Errorf("trouble record %d: %w", id, persistence.ErrNotFound)
	}
	if err != nil {
		return row, persistence.StorageError(fmt.Sprintf("querying trouble record %d", id), err)
	}
	return row, nil
}

func (dao *TroubleRecordDAO) materialize(ctx context.Context, rows *sql.Rows) ([]*TroubleRecord, error) {
	recs, err := persistence.CollectRows(rows, scanTroubleRecordRow)
	if err != nil {
		return nil, persistence.StorageError("scanning trouble records", err)
	}
	out := make([]*TroubleRecord, 0, len(recs))
	for _, row := range recs {
		r, err := persistence.MaterializeRow(ctx, dao.cache, row.id, row, newTroubleRecordFromRow, dao.fill)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func newTroubleRecordFromRow(row troubleRecordRow) (*TroubleRecord, error) {
	r := NewTroubleRecord(row.deviceID)
	r.id = row.id
	return r, nil
}

func (dao *TroubleRecordDAO) fill(ctx context.Context, r *TroubleRecord, row troubleRecordRow) error {
	reported, err := decodeFlags(row.reported)
	if err != nil {
		return fmt.Errorf("trouble record %d reported: %w", row.id, err)
	}
	troubles, err := decodeFlags(row.troublesToConfirm)
	if err != nil {
		return fmt.Errorf("trouble record %d troubles to confirm: %w", row.id, err)
	}
	alarms, err := decodeFlags(row.alarmsToConfirm)
	if err != nil {
		return fmt.Errorf("trouble record %d alarms to confirm: %w", row.id, err)
	}

	r.SetDeviceID(ctx, row.deviceID)
	r.SetRestoredDuringDelay(ctx, row.restoredDuringDelay)
	r.setFlags(reported, troubles, alarms)
	return nil
}

func encodeFlags(flags map[string]bool) string {
	m := make(map[string]string, len(flags))
	for k, v := range flags {
		m[k] = strconv.FormatBool(v)
	}
	return persistence.EncodeMap(m)
}

func decodeFlags(s string) (map[string]bool, error) {
	m := persistence.DecodeMap(s)
	out := make(map[string]bool, len(m))
	for k, v := range m {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("flag %q: %w", k, err)
		}
		out[k] = b
	}
	return out, nil
}

package automation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-persistence/internal/persistence"
)

const selectSchedules = `
	SELECT id, rule_id, schedule_type, start_time, end_time,
		day_of_week, day_of_month, months
	FROM schedules`

type scheduleRow struct {
	id           int64
	ruleID       int64
	scheduleType int
	startTime    string
	endTime      string
	dayOfWeek    string
	dayOfMonth   string
	months       string
}

func scanScheduleRow(r persistence.Row) (scheduleRow, error) {
	var row scheduleRow
	err := r.Scan(
		&row.id,
		&row.ruleID,
		&row.scheduleType,
		&row.startTime,
		&row.endTime,
		&row.dayOfWeek,
		&row.dayOfMonth,
		&row.months,
	)
	return row, err
}

// record encodes s's columns. Absent times and empty calendar lists are
// stored as the empty string.
func (s *Schedule) record() scheduleRow {
	ruleID := s.RuleID()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scheduleRow{
		id:           s.id,
		ruleID:       ruleID,
		scheduleType: int(s.scheduleType),
		startTime:    encodeTime(s.start),
		endTime:      encodeTime(s.end),
		dayOfWeek:    encodeInts(s.daysOfWeek),
		dayOfMonth:   encodeInts(s.daysOfMonth),
		months:       encodeInts(s.months),
	}
}

// ScheduleDAO maps schedules to the schedules table. A schedule's parent is
// its rule, so GetAllForParent takes a rule id.
//
// A ScheduleDAO from NewScheduleDAO stands alone and never loads the owning
// rule; one from NewStore links each schedule to its rule.
type ScheduleDAO struct {
	cache *persistence.IdentityMap[*Schedule]
	rules *RuleDAO
}

var _ persistence.DataAccessObject[*Schedule] = (*ScheduleDAO)(nil)

// NewScheduleDAO creates a schedule handler with an empty cache.
func NewScheduleDAO() *ScheduleDAO {
	return &ScheduleDAO{cache: persistence.NewIdentityMap[*Schedule]()}
}

// Register routes KindSchedule to dao.
func (dao *ScheduleDAO) Register(b *persistence.RegistryBuilder) *persistence.RegistryBuilder {
	return b.Register(persistence.Bind[*Schedule](dao), KindSchedule)
}

// Cache implements persistence.DataAccessObject.
func (dao *ScheduleDAO) Cache() *persistence.IdentityMap[*Schedule] {
	return dao.cache
}

// Persist validates and inserts s.
func (dao *ScheduleDAO) Persist(ctx context.Context, s *Schedule) (int64, error) {
	if err := s.Validate(); err != nil {
		return 0, err
	}
	q, err := persistence.Conn(ctx)
	if err != nil {
		return 0, err
	}

	rec := s.record()
	id, err := q.InsertContext(ctx, `
		INSERT INTO schedules (
			rule_id, schedule_type, start_time, end_time,
			day_of_week, day_of_month, months
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ruleID, rec.scheduleType, rec.startTime, rec.endTime,
		rec.dayOfWeek, rec.dayOfMonth, rec.months,
	)
	if err != nil {
		return 0, persistence.StorageError("inserting schedule", err)
	}
	persistence.Adopt(ctx, dao.cache, s, id)
	return id, nil
}

// Update validates s and writes every column.
func (dao *ScheduleDAO) Update(ctx context.Context, s *Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	q, err := persistence.Conn(ctx)
	if err != nil {
		return err
	}

	rec := s.record()
	if _, err := q.ExecContext(ctx, `
		UPDATE schedules SET
			rule_id = ?, schedule_type = ?, start_time = ?, end_time = ?,
			day_of_week = ?, day_of_month = ?, months = ?
		WHERE id = ?`,
		rec.ruleID, rec.scheduleType, rec.startTime, rec.endTime,
		rec.dayOfWeek, rec.dayOfMonth, rec.months,
		rec.id,
	); err != nil {
		return persistence.StorageError(fmt.Sprintf("updating schedule %d", rec.id), err)
	}
	return nil
}

// Delete removes s.
func (dao *ScheduleDAO) Delete(ctx context.Context, s *Schedule) error {
	id := s.EntityID()
	if id == 0 {
		return nil
	}
	q, err := persistence.Conn(ctx)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, "DELETE FROM schedules WHERE id = ?", id); err != nil {
		return persistence.StorageError(fmt.Sprintf("deleting schedule %d", id), err)
	}
	if r := s.Rule(); r != nil {
		if undo, ok := r.detach(s); ok {
			persistence.OnRollback(ctx, undo)
		}
	}
	persistence.Forget(ctx, dao.cache, s)
	return nil
}

// DeleteByID removes the schedule with id. An absent id succeeds.
func (dao *ScheduleDAO) DeleteByID(ctx context.Context, id int64) error {
	s, err := dao.Get(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return dao.Delete(ctx, s)
}

// Get returns the schedule with id.
func (dao *ScheduleDAO) Get(ctx context.Context, id int64) (*Schedule, error) {
	return persistence.Materialize(ctx, dao.cache, id,
		func(ctx context.Context) (scheduleRow, error) { return dao.read(ctx, id) },
		newScheduleFromRow,
		dao.fill,
	)
}

// GetAll returns every schedule, reading only rows not already cached.
func (dao *ScheduleDAO) GetAll(ctx context.Context) (map[int64]*Schedule, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return nil, err
	}

	clause, args := persistence.NotIn("id", dao.cache.IDs())
	rows, err := q.QueryContext(ctx, selectSchedules+" WHERE "+clause+" ORDER BY id", args...)
	if err != nil {
		return nil, persistence.StorageError("querying schedules", err)
	}
	if _, err := dao.materialize(ctx, rows); err != nil {
		return nil, err
	}
	return dao.cache.All(), nil
}

// GetAllForParent returns the schedules of rule ruleID in id order.
func (dao *ScheduleDAO) GetAllForParent(ctx context.Context, ruleID int64) ([]*Schedule, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, selectSchedules+" WHERE rule_id = ? ORDER BY id", ruleID)
	if err != nil {
		return nil, persistence.StorageError(fmt.Sprintf("querying schedules of rule %d", ruleID), err)
	}
	return dao.materialize(ctx, rows)
}

// RestoreState re-reads s's row and overwrites it in place.
func (dao *ScheduleDAO) RestoreState(ctx context.Context, s *Schedule) error {
	id := s.EntityID()
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
	return dao.fill(persistence.Loading(ctx), s, row)
}

func (dao *ScheduleDAO) read(ctx context.Context, id int64) (scheduleRow, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return scheduleRow{}, err
	}
	row, err := scanScheduleRow(q.QueryRowContext(ctx, selectSchedules+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return row, fmt.Errorf("schedule %d: %w", id, persistence.ErrNotFound)
	}
	if err != nil {
		return row, persistence.StorageError(fmt.Sprintf("querying schedule %d", id), err)
	}
	return row, nil
}

func (dao *ScheduleDAO) materialize(ctx context.Context, rows *sql.Rows) ([]*Schedule, error) {
	recs, err := persistence.CollectRows(rows, scanScheduleRow)
	if err != nil {
		return nil, persistence.StorageError("scanning schedules", err)
	}
	out := make([]*Schedule, 0, len(recs))
	for _, row := range recs {
		s, err := persistence.MaterializeRow(ctx, dao.cache, row.id, row, newScheduleFromRow, dao.fill)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func newScheduleFromRow(row scheduleRow) (*Schedule, error) {
	s := NewSchedule(row.ruleID, ScheduleType(row.scheduleType))
	s.id = row.id
	return s, nil
}

func (dao *ScheduleDAO) fill(ctx context.Context, s *Schedule, row scheduleRow) error {
	start, err := decodeTime(row.startTime)
	if err != nil {
		return fmt.Errorf("schedule %d start: %w", row.id, err)
	}
	end, err := decodeTime(row.endTime)
	if err != nil {
		return fmt.Errorf("schedule %d end: %w", row.id, err)
	}
	dow, err := decodeInts(row.dayOfWeek)
	if err != nil {
		return fmt.Errorf("schedule %d: %w", row.id, err)
	}
	dom, err := decodeInts(row.dayOfMonth)
	if err != nil {
		return fmt.Errorf("schedule %d: %w", row.id, err)
	}
	months, err := decodeInts(row.months)
	if err != nil {
		return fmt.Errorf("schedule %d: %w", row.id, err)
	}

	s.SetRuleID(ctx, row.ruleID)
	s.SetType(ctx, ScheduleType(row.scheduleType))
	s.SetWindow(ctx, start, end)
	s.SetDaysOfWeek(ctx, dow)
	s.SetDaysOfMonth(ctx, dom)
	s.SetMonths(ctx, months)

	if dao.rules == nil {
		return nil
	}
	r, err := dao.rules.Get(ctx, row.ruleID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		r = nil
	case err != nil:
		return fmt.Errorf("loading rule: %w", err)
	}
	s.setRule(r)
	return nil
}

func encodeTime(t *TimeOfDay) string {
	if t == nil {
		return ""
	}
	return t.String()
}

func decodeTime(s string) (*TimeOfDay, error) {
	if s == "" {
		return nil, nil
	}
	t, err := ParseTimeOfDay(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeInts(values []int) string {
	if len(values) == 0 {
		return ""
	}
	return persistence.EncodeIntList(values)
}

func decodeInts(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	values, err := persistence.DecodeIntList(s)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values, nil
}

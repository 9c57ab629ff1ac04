package automation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-persistence/internal/persistence"
)

const selectRules = `
	SELECT id, name, duration_ms, interval_ms, enabled, manual, enabled_on_vacation
	FROM rules`

type ruleRow struct {
	id                int64
	name              string
	durationMS        int64
	intervalMS        int64
	enabled           bool
	manual            bool
	enabledOnVacation bool
}

func scanRuleRow(r persistence.Row) (ruleRow, error) {
	var row ruleRow
	err := r.Scan(
		&row.id,
		&row.name,
		&row.durationMS,
		&row.intervalMS,
		&row.enabled,
		&row.manual,
		&row.enabledOnVacation,
	)
	return row, err
}

func (r *Rule) record() ruleRow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ruleRow{
		id:                r.id,
		name:              r.name,
		durationMS:        r.duration.Milliseconds(),
		intervalMS:        r.executionInterval.Milliseconds(),
		enabled:           r.enabled,
		manual:            r.manual,
		enabledOnVacation: r.enabledOnVacation,
	}
}

// RuleDAO maps rules to the rules table. Persist and Update write the rule
// row only; children are written through their own handlers once the rule
// has an id. Delete removes every child row first.
type RuleDAO struct {
	cache     *persistence.IdentityMap[*Rule]
	actions   *LocalActionDAO
	addresses *ActionAddressDAO
	triggers  *TriggerDAO
	schedules *ScheduleDAO
}

var _ persistence.DataAccessObject[*Rule] = (*RuleDAO)(nil)

// Cache implements persistence.DataAccessObject.
func (dao *RuleDAO) Cache() *persistence.IdentityMap[*Rule] {
	return dao.cache
}

// Persist inserts r.
func (dao *RuleDAO) Persist(ctx context.Context, r *Rule) (int64, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return 0, err
	}

	rec := r.record()
	id, err := q.InsertContext(ctx, `
		INSERT INTO rules (name, duration_ms, interval_ms, enabled, manual, enabled_on_vacation)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.name, rec.durationMS, rec.intervalMS, rec.enabled, rec.manual, rec.enabledOnVacation,
	)
	if err != nil {
		return 0, persistence.StorageError("inserting rule", err)
	}
	persistence.Adopt(ctx, dao.cache, r, id)
	return id, nil
}

// Update writes every column of r.
func (dao *RuleDAO) Update(ctx context.Context, r *Rule) error {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return err
	}

	rec := r.record()
	if _, err := q.ExecContext(ctx, `
		UPDATE rules SET
			name = ?, duration_ms = ?, interval_ms = ?,
			enabled = ?, manual = ?, enabled_on_vacation = ?
		WHERE id = ?`,
		rec.name, rec.durationMS, rec.intervalMS,
		rec.enabled, rec.manual, rec.enabledOnVacation,
		rec.id,
	); err != nil {
		return persistence.StorageError(fmt.Sprintf("updating rule %d", rec.id), err)
	}
	return nil
}

// Delete removes r with its local actions, addresses, triggers and
// schedules.
func (dao *RuleDAO) Delete(ctx context.Context, r *Rule) error {
	id := r.EntityID()
	if id == 0 {
		return nil
	}
	q, err := persistence.Conn(ctx)
	if err != nil {
		return err
	}

	if err := dao.deleteChildren(ctx, id); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, "DELETE FROM rules WHERE id = ?", id); err != nil {
		return persistence.StorageError(fmt.Sprintf("deleting rule %d", id), err)
	}
	persistence.Forget(ctx, dao.cache, r)
	return nil
}

func (dao *RuleDAO) deleteChildren(ctx context.Context, id int64) error {
	actions, err := dao.actions.GetAllForParent(ctx, id)
	if err != nil {
		return fmt.Errorf("loading local actions of rule %d: %w", id, err)
	}
	for _, a := range actions {
		if err := dao.actions.Delete(ctx, a); err != nil {
			return fmt.Errorf("deleting local actions of rule %d: %w", id, err)
		}
	}

	addresses, err := dao.addresses.GetAllForParent(ctx, id)
	if err != nil {
		return fmt.Errorf("loading addresses of rule %d: %w", id, err)
	}
	for _, a := range addresses {
		if err := dao.addresses.Delete(ctx, a); err != nil {
			return fmt.Errorf("deleting addresses of rule %d: %w", id, err)
		}
	}

	triggers, err := dao.triggers.GetAllForParent(ctx, id)
	if err != nil {
		return fmt.Errorf("loading triggers of rule %d: %w", id, err)
	}
	for _, t := range triggers {
		if err := dao.triggers.Delete(ctx, t); err != nil {
			return fmt.Errorf("deleting triggers of rule %d: %w", id, err)
		}
	}

	schedules, err := dao.schedules.GetAllForParent(ctx, id)
	if err != nil {
		return fmt.Errorf("loading schedules of rule %d: %w", id, err)
	}
	for _, s := range schedules {
		if err := dao.schedules.Delete(ctx, s); err != nil {
			return fmt.Errorf("deleting schedules of rule %d: %w", id, err)
		}
	}
	return nil
}

// DeleteByID removes the rule with id. An absent id succeeds.
func (dao *RuleDAO) DeleteByID(ctx context.Context, id int64) error {
	r, err := dao.Get(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return dao.Delete(ctx, r)
}

// Get returns the rule with id and its children.
func (dao *RuleDAO) Get(ctx context.Context, id int64) (*Rule, error) {
	return persistence.Materialize(ctx, dao.cache, id,
		func(ctx context.Context) (ruleRow, error) { return dao.read(ctx, id) },
		newRuleFromRow,
		dao.fill,
	)
}

// GetAll returns every rule, loading only those not yet cached.
func (dao *RuleDAO) GetAll(ctx context.Context) (map[int64]*Rule, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return nil, err
	}

	clause, args := persistence.NotIn("id", dao.cache.IDs())
	rows, err := q.QueryContext(ctx, selectRules+" WHERE "+clause+" ORDER BY id", args...)
	if err != nil {
		return nil, persistence.StorageError("querying rules", err)
	}
	recs, err := persistence.CollectRows(rows, scanRuleRow)
	if err != nil {
		return nil, persistence.StorageError("scanning rules", err)
	}
	for _, row := range recs {
		if _, err := persistence.MaterializeRow(ctx, dao.cache, row.id, row, newRuleFromRow, dao.fill); err != nil {
			return nil, err
		}
	}
	return dao.cache.All(), nil
}

// GetAllForParent returns nil. Rules have no parent.
func (dao *RuleDAO) GetAllForParent(context.Context, int64) ([]*Rule, error) {
	return nil, nil
}

// RestoreState re-reads r's row and children and overwrites them in place.
func (dao *RuleDAO) RestoreState(ctx context.Context, r *Rule) error {
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

func (dao *RuleDAO) read(ctx context.Context, id int64) (ruleRow, error) {
	q, err := persistence.Conn(ctx)
	if err != nil {
		return ruleRow{}, err
	}
	row, err := scanRuleRow(q.QueryRowContext(ctx, selectRules+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return row, fmt.Errorf("rule %d: %w", id, persistence.ErrNotFound)
	}
	if err != nil {
		return row, persistence.StorageError(fmt.Sprintf("querying rule %d", id), err)
	}
	return row, nil
}

func newRuleFromRow(row ruleRow) (*Rule, error) {
	r := NewRule(row.name)
	r.id = row.id
	return r, nil
}

// fill copies row into r and loads its four child lists.
func (dao *RuleDAO) fill(ctx context.Context, r *Rule, row ruleRow) error {
	r.SetName(ctx, row.name)
	r.SetTiming(ctx, time.Duration(row.durationMS)*time.Millisecond, time.Duration(row.intervalMS)*time.Millisecond)
	r.SetEnabled(ctx, row.enabled)
	r.SetManual(ctx, row.manual)
	r.SetEnabledOnVacation(ctx, row.enabledOnVacation)

	actions, err := dao.actions.GetAllForParent(ctx, row.id)
	if err != nil {
		return fmt.Errorf("loading local actions: %w", err)
	}
	addresses, err := dao.addresses.GetAllForParent(ctx, row.id)
	if err != nil {
		return fmt.Errorf("loading addresses: %w", err)
	}
	triggers, err := dao.triggers.GetAllForParent(ctx, row.id)
	if err != nil {
		return fmt.Errorf("loading triggers: %w", err)
	}
	schedules, err := dao.schedules.GetAllForParent(ctx, row.id)
	if err != nil {
		return fmt.Errorf("loading schedules: %w", err)
	}

	// Children cached before r was loaded may still lack their owner.
	for _, a := range actions {
		a.setRule(r)
	}
	for _, a := range addresses {
		a.setParent(r, nil)
	}
	for _, t := range triggers {
		t.setRule(r)
	}
	for _, s := range schedules {
		s.setRule(r)
	}
	r.setChildren(actions, addresses, triggers, schedules)
	return nil
}

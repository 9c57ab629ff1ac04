package automation

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/nerrad567/gray-logic-persistence/internal/persistence"
)

// KindSchedule is the entity kind of Schedule.
const KindSchedule persistence.Kind = "automation.schedule"

// ScheduleType selects which calendar fields a schedule uses.
type ScheduleType int

// Schedule types.
const (
	ScheduleUnset   ScheduleType = -1
	ScheduleSingle  ScheduleType = 0 // start time only, once
	ScheduleDaily   ScheduleType = 1
	ScheduleWeekly  ScheduleType = 2 // days of week
	ScheduleMonthly ScheduleType = 3 // days of month
	ScheduleYearly  ScheduleType = 4 // months
)

// String returns the schedule type name.
func (t ScheduleType) String() string {
	switch t {
	case ScheduleSingle:
		return "single"
	case ScheduleDaily:
		return "daily"
	case ScheduleWeekly:
		return "weekly"
	case ScheduleMonthly:
		return "monthly"
	case ScheduleYearly:
		return "yearly"
	default:
		return "unset"
	}
}

// TimeOfDay is a wall-clock time with minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	hour, herr := strconv.Atoi(h)
	minute, merr := strconv.Atoi(m)
	if herr != nil || merr != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

// String renders the time as "HH:MM".
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Schedule is the time window in which an automation rule is active.
type Schedule struct {
	mu sync.RWMutex

	id           int64
	ruleID       int64
	rule         *Rule
	scheduleType ScheduleType
	start        *TimeOfDay
	end          *TimeOfDay
	daysOfWeek   []int
	daysOfMonth  []int
	months       []int
}

// NewSchedule creates an unpersisted schedule for rule ruleID.
func NewSchedule(ruleID int64, scheduleType ScheduleType) *Schedule {
	return &Schedule{ruleID: ruleID, scheduleType: scheduleType}
}

// EntityID implements persistence.Entity.
func (s *Schedule) EntityID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// SetEntityID implements persistence.Entity.
func (s *Schedule) SetEntityID(id int64) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

// EntityKind implements persistence.Entity.
func (s *Schedule) EntityKind() persistence.Kind { return KindSchedule }

// ID returns the schedule id, zero until persisted.
func (s *Schedule) ID() int64 { return s.EntityID() }

// RuleID returns the owning rule's id.
func (s *Schedule) RuleID() int64 {
	s.mu.RLock()
	r, id := s.rule, s.ruleID
	s.mu.RUnlock()
	if r != nil && r.EntityID() != 0 {
		return r.EntityID()
	}
	return id
}

// Rule returns the owning rule if it is loaded, or nil.
func (s *Schedule) Rule() *Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rule
}

// Type returns the schedule type.
func (s *Schedule) Type() ScheduleType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scheduleType
}

// Start returns the start time, or nil.
func (s *Schedule) Start() *TimeOfDay {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyTime(s.start)
}

// End returns the end time, or nil.
func (s *Schedule) End() *TimeOfDay {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyTime(s.end)
}

// DaysOfWeek returns the weekdays, 0 being Sunday.
func (s *Schedule) DaysOfWeek() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.daysOfWeek)
}

// DaysOfMonth returns the days of the month, 1 to 31.
func (s *Schedule) DaysOfMonth() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.daysOfMonth)
}

// Months returns the months of the year, 1 to 12.
func (s *Schedule) Months() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.months)
}

// SetRuleID moves the schedule to another rule. A loaded owner with a
// different id is dropped.
func (s *Schedule) SetRuleID(ctx context.Context, ruleID int64) {
	s.mu.Lock()
	s.ruleID = ruleID
	if s.rule != nil && s.rule.EntityID() != ruleID {
		s.rule = nil
	}
	s.mu.Unlock()
	persistence.MarkDirty(ctx, s)
}

func (s *Schedule) setRule(r *Rule) {
	s.mu.Lock()
	s.rule = r
	if r != nil && r.EntityID() != 0 {
		s.ruleID = r.EntityID()
	}
	s.mu.Unlock()
}

// SetType sets the schedule type.
func (s *Schedule) SetType(ctx context.Context, t ScheduleType) {
	s.mu.Lock()
	s.scheduleType = t
	s.mu.Unlock()
	persistence.MarkDirty(ctx, s)
}

// SetWindow sets the start and end times. Either may be nil.
func (s *Schedule) SetWindow(ctx context.Context, start, end *TimeOfDay) {
	s.mu.Lock()
	s.start = copyTime(start)
	s.end = copyTime(end)
	s.mu.Unlock()
	persistence.MarkDirty(ctx, s)
}

// SetDaysOfWeek sets the weekdays.
func (s *Schedule) SetDaysOfWeek(ctx context.Context, days []int) {
	s.mu.Lock()
	s.daysOfWeek = slices.Clone(days)
	s.mu.Unlock()
	persistence.MarkDirty(ctx, s)
}

// SetDaysOfMonth sets the days of the month.
func (s *Schedule) SetDaysOfMonth(ctx context.Context, days []int) {
	s.mu.Lock()
	s.daysOfMonth = slices.Clone(days)
	s.mu.Unlock()
	persistence.MarkDirty(ctx, s)
}

// SetMonths sets the months of the year.
func (s *Schedule) SetMonths(ctx context.Context, months []int) {
	s.mu.Lock()
	s.months = slices.Clone(months)
	s.mu.Unlock()
	persistence.MarkDirty(ctx, s)
}

// Validate checks the calendar fields are in range.
func (s *Schedule) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	checks := []struct {
		field  string
		values []int
		lo, hi int
	}{
		{"day of week", s.daysOfWeek, 0, 6},
		{"day of month", s.daysOfMonth, 1, 31},
		{"month", s.months, 1, 12},
	}
	for _, c := range checks {
		for _, v := range c.values {
			if v < c.lo || v > c.hi {
				return fmt.Errorf("%w: %s %d outside %d-%d", ErrInvalidSchedule, c.field, v, c.lo, c.hi)
			}
		}
	}
	return nil
}

func copyTime(t *TimeOfDay) *TimeOfDay {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

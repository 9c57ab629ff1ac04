package automation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/gray-logic-persistence/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-persistence/internal/persistence"
	_ "github.com/nerrad567/gray-logic-persistence/migrations"
)

func testService(t *testing.T) (*database.DB, *ScheduleDAO, *persistence.Service) {
	t.Helper()

	db, err := database.Open(context.Background(), database.Config{
		Driver:      database.DriverSQLite,
		URL:         filepath.Join(t.TempDir(), "automation.db"),
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test db: %v", err)
	}

	dao := NewScheduleDAO()
	registry, err := dao.Register(persistence.NewRegistryBuilder()).Build()
	if err != nil {
		t.Fatalf("building registry: %v", err)
	}
	return db, dao, persistence.NewService(persistence.NewTransactionManager(db), registry)
}

func TestScheduleRoundTrip(t *testing.T) {
	db, _, svc := testService(t)
	ctx := context.Background()

	s := NewSchedule(7, ScheduleWeekly)
	s.SetWindow(ctx, &TimeOfDay{Hour: 22, Minute: 0}, &TimeOfDay{Hour: 6, Minute: 30})
	s.SetDaysOfWeek(ctx, []int{1, 3, 5})
	if !svc.PersistObject(ctx, s) {
		t.Fatal("PersistObject() = false")
	}

	// Reload through a handler with an empty cache.
	dao := NewScheduleDAO()
	registry, err := dao.Register(persistence.NewRegistryBuilder()).Build()
	if err != nil {
		t.Fatalf("building registry: %v", err)
	}
	fresh := persistence.NewService(persistence.NewTransactionManager(db), registry)

	got, ok := persistence.Lookup[*Schedule](ctx, fresh, KindSchedule, s.ID())
	if !ok {
		t.Fatal("Lookup() failed")
	}
	if got == s {
		t.Fatal("fresh handler returned the original instance")
	}
	if got.RuleID() != 7 || got.Type() != ScheduleWeekly {
		t.Errorf("rule=%d type=%v", got.RuleID(), got.Type())
	}
	if diff := cmp.Diff(&TimeOfDay{Hour: 22}, got.Start()); diff != "" {
		t.Errorf("start mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(&TimeOfDay{Hour: 6, Minute: 30}, got.End()); diff != "" {
		t.Errorf("end mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 3, 5}, got.DaysOfWeek()); diff != "" {
		t.Errorf("days of week mismatch (-want +got):\n%s", diff)
	}
	if got.DaysOfMonth() != nil || got.Months() != nil {
		t.Errorf("unused lists = %v/%v, want nil", got.DaysOfMonth(), got.Months())
	}
}

func TestSchedulesForRule(t *testing.T) {
	_, _, svc := testService(t)
	ctx := context.Background()

	tracked := svc.Track(ctx)
	for _, s := range []*Schedule{
		NewSchedule(1, ScheduleDaily),
		NewSchedule(2, ScheduleSingle),
		NewSchedule(1, ScheduleYearly),
	} {
		svc.RegisterForInsert(tracked, s)
	}
	if !svc.CommitRegisteredWork(tracked) {
		t.Fatal("CommitRegisteredWork() = false")
	}

	got, ok := persistence.LookupAllForParent[*Schedule](ctx, svc, KindSchedule, 1)
	if !ok {
		t.Fatal("LookupAllForParent() failed")
	}
	var types []ScheduleType
	for _, s := range got {
		types = append(types, s.Type())
	}
	if diff := cmp.Diff([]ScheduleType{ScheduleDaily, ScheduleYearly}, types); diff != "" {
		t.Errorf("rule 1 schedules mismatch (-want +got):\n%s", diff)
	}

	all, ok := persistence.LookupAll[*Schedule](ctx, svc, KindSchedule)
	if !ok || len(all) != 3 {
		t.Errorf("LookupAll() = %d schedules, %v; want 3", len(all), ok)
	}
}

func TestScheduleValidationBlocksWrites(t *testing.T) {
	_, dao, svc := testService(t)
	ctx := context.Background()

	s := NewSchedule(1, ScheduleMonthly)
	s.SetDaysOfMonth(ctx, []int{15, 32})
	if svc.PersistObject(ctx, s) {
		t.Fatal("PersistObject() = true for day of month 32")
	}
	if s.ID() != 0 || dao.Cache().Len() != 0 {
		t.Error("invalid schedule was stored")
	}

	s.SetDaysOfMonth(ctx, []int{15})
	if !svc.PersistObject(ctx, s) {
		t.Fatal("PersistObject() = false after fixing the schedule")
	}

	s.SetMonths(ctx, []int{0})
	if svc.UpdateObject(ctx, s) {
		t.Error("UpdateObject() = true for month 0")
	}
}

func TestScheduleUpdateRestoredOnFailure(t *testing.T) {
	_, _, svc := testService(t)
	ctx := context.Background()

	s := NewSchedule(3, ScheduleDaily)
	s.SetWindow(ctx, &TimeOfDay{Hour: 8}, nil)
	if !svc.PersistObject(ctx, s) {
		t.Fatal("PersistObject() = false")
	}

	tracked := svc.Track(ctx)
	s.SetWindow(tracked, &TimeOfDay{Hour: 9}, nil)
	s.SetDaysOfWeek(tracked, []int{7})

	if svc.CommitRegisteredWork(tracked) {
		t.Fatal("CommitRegisteredWork() = true for an invalid schedule")
	}
	if s.Start().Hour != 8 || s.DaysOfWeek() != nil {
		t.Errorf("after failure start=%v dow=%v, want 08:00 and none", s.Start(), s.DaysOfWeek())
	}
}

func TestDeleteSchedule(t *testing.T) {
	_, dao, svc := testService(t)
	ctx := context.Background()

	s := NewSchedule(4, ScheduleSingle)
	if !svc.PersistObject(ctx, s) {
		t.Fatal("PersistObject() = false")
	}
	id := s.ID()
	if !svc.DeleteObjectByID(ctx, KindSchedule, id) {
		t.Fatal("DeleteObjectByID() = false")
	}
	if dao.Cache().Contains(id) {
		t.Error("deleted schedule still cached")
	}
	if _, ok := svc.GetObjectByID(ctx, KindSchedule, id); ok {
		t.Error("deleted schedule still found")
	}
}

func TestScheduleValidate(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		mutate  func(s *Schedule)
		wantErr bool
	}{
		{"empty", func(*Schedule) {}, false},
		{"weekdays", func(s *Schedule) { s.SetDaysOfWeek(ctx, []int{0, 6}) }, false},
		{"weekday 7", func(s *Schedule) { s.SetDaysOfWeek(ctx, []int{7}) }, true},
		{"day of month 0", func(s *Schedule) { s.SetDaysOfMonth(ctx, []int{0}) }, true},
		{"month 13", func(s *Schedule) { s.SetMonths(ctx, []int{1, 13}) }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSchedule(1, ScheduleWeekly)
			tt.mutate(s)
			err := s.Validate()
			if tt.wantErr != (err != nil) {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSchedule) {
				t.Errorf("Validate() error = %v, want ErrInvalidSchedule", err)
			}
		})
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{"00:00", TimeOfDay{}, false},
		{"23:59", TimeOfDay{Hour: 23, Minute: 59}, false},
		{" 7:05 ", TimeOfDay{Hour: 7, Minute: 5}, false},
		{"24:00", TimeOfDay{}, true},
		{"12:60", TimeOfDay{}, true},
		{"1200", TimeOfDay{}, true},
		{"12:3x", TimeOfDay{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimeOfDay(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTime) {
					t.Errorf("ParseTimeOfDay(%q) error = %v, want ErrInvalidTime", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTimeOfDay(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseTimeOfDay(%q) = %v, want %v", tt.in, got, tt.want)
			}
			if tt.want.String() != got.String() {
				t.Errorf("String() = %q", got.String())
			}
		})
	}
}

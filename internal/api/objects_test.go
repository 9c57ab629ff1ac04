package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/gray-logic-persistence/internal/automation"
	"github.com/nerrad567/gray-logic-persistence/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-persistence/internal/persistence"
	_ "github.com/nerrad567/gray-logic-persistence/migrations"
)

// objectsServer wires a migrated database and a real service into the
// admin server and stores two schedules.
func objectsServer(t *testing.T) (*Server, []int64) {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{
		Driver: database.DriverSQLite,
		URL:    filepath.Join(t.TempDir(), "objects.db"),
	})
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrating: %v", err)
	}

	d := newDeps(t)
	svc := persistence.NewService(persistence.NewTransactionManager(db), d.Registry)
	d.DB = db
	d.Objects = svc

	var ids []int64
	for _, rule := range []int64{3, 4} {
		s := automation.NewSchedule(rule, automation.ScheduleDaily)
		if !svc.PersistObject(ctx, s) {
			t.Fatal("PersistObject() = false")
		}
		ids = append(ids, s.ID())
	}
	return d.server(t), ids
}

func TestListObjects(t *testing.T) {
	srv, ids := objectsServer(t)

	rec := get(t, srv, "/api/v1/objects/"+string(automation.KindSchedule))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var got ObjectList
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	want := ObjectList{Kind: automation.KindSchedule, IDs: ids, Count: len(ids)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("list mismatch (-want +got):\n%s", diff)
	}

	rec = get(t, srv, "/api/v1/objects/device.group")
	if rec.Code != http.StatusOK {
		t.Fatalf("empty kind status = %d", rec.Code)
	}
	got = ObjectList{}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil || got.Count != 0 || got.IDs == nil {
		t.Errorf("empty kind = %+v, %v", got, err)
	}
}

func TestGetObject(t *testing.T) {
	srv, ids := objectsServer(t)
	base := "/api/v1/objects/" + string(automation.KindSchedule) + "/"

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"found", base + fmt.Sprint(ids[0]), http.StatusOK},
		{"missing", base + "999", http.StatusNotFound},
		{"not a number", base + "abc", http.StatusBadRequest},
		{"zero", base + "0", http.StatusBadRequest},
		{"unknown kind", "/api/v1/objects/device.toaster/1", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, srv, tt.path)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var ref persistence.Ref
			if err := json.NewDecoder(rec.Body).Decode(&ref); err != nil {
				t.Fatalf("decoding body: %v", err)
			}
			if diff := cmp.Diff(persistence.Ref{Kind: automation.KindSchedule, ID: ids[0]}, ref); diff != "" {
				t.Errorf("ref mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestObjectsDisabled(t *testing.T) {
	if rec := get(t, newDeps(t).server(t), "/api/v1/objects/device.group"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

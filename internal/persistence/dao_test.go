package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMaterializeIdentity(t *testing.T) {
	f := newFixture(t)
	id := f.seed(t, "shared")

	first, ok := Lookup[*note](context.Background(), f.svc, kindNote, id)
	if !ok {
		t.Fatal("Lookup() failed")
	}
	second, ok := Lookup[*note](context.Background(), f.svc, kindNote, id)
	if !ok {
		t.Fatal("Lookup() failed")
	}
	if first != second {
		t.Error("two lookups returned different instances")
	}
	if f.notes.Fills() != 1 {
		t.Errorf("fills = %d, want 1", f.notes.Fills())
	}
}

func TestMaterializeConcurrentLookups(t *testing.T) {
	f := newFixture(t)
	id := f.seed(t, "contended")

	const workers = 8
	got := make([]*note, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, ok := Lookup[*note](context.Background(), f.svc, kindNote, id)
			if !ok {
				t.Error("Lookup() failed")
			}
			got[i] = n
		}()
	}
	wg.Wait()

	for i := range got {
		if got[i] != got[0] {
			t.Fatalf("worker %d saw a different instance", i)
		}
	}
	if f.notes.cache.Len() != 1 {
		t.Errorf("cache size = %d, want 1", f.notes.cache.Len())
	}
}

func TestMaterializeDoesNotRegister(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a")
	f.seed(t, "b")

	ctx := f.svc.Track(context.Background())
	if _, ok := f.svc.GetAllObjects(ctx, kindNote); !ok {
		t.Fatal("GetAllObjects() failed")
	}
	if i, u, d := UnitOfWorkFrom(ctx).Pending(); len(i)+len(u)+len(d) != 0 {
		t.Errorf("loading registered work: %d inserts, %d updates, %d deletes", len(i), len(u), len(d))
	}
}

func TestGetAllReadsOnlyUncached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seed(t, "a")

	cached, ok := Lookup[*note](ctx, f.svc, kindNote, a)
	if !ok {
		t.Fatal("Lookup() failed")
	}
	b := f.seed(t, "b")

	all, ok := LookupAll[*note](ctx, f.svc, kindNote)
	if !ok {
		t.Fatal("LookupAll() failed")
	}
	if all[a] != cached {
		t.Error("GetAll replaced a cached instance")
	}
	if all[b] == nil || all[b].Title() != "b" {
		t.Errorf("GetAll missed uncached row %d", b)
	}
	if f.notes.Fills() != 2 {
		t.Errorf("fills = %d, want 2", f.notes.Fills())
	}
}

func TestMaterializeRowFillFailureEvicts(t *testing.T) {
	cache := NewIdentityMap[*note]()
	boom := errors.New("boom")

	_, err := MaterializeRow(context.Background(), cache, 4, noteRow{id: 4}, newNoteFromRow,
		func(context.Context, *note, noteRow) error { return boom })
	if !errors.Is(err, boom) || !errors.Is(err, ErrStorage) {
		t.Errorf("MaterializeRow() error = %v, want boom tagged ErrStorage", err)
	}
	if cache.Contains(4) {
		t.Error("failed fill left an entry")
	}
}

func TestMaterializeRowFillSeesLoading(t *testing.T) {
	cache := NewIdentityMap[*note]()
	var sawLoading, sawCached bool
	_, err := MaterializeRow(context.Background(), cache, 9, noteRow{id: 9}, newNoteFromRow,
		func(ctx context.Context, _ *note, _ noteRow) error {
			sawLoading = IsLoading(ctx)
			sawCached = cache.Contains(9)
			return nil
		})
	if err != nil {
		t.Fatalf("MaterializeRow() error = %v", err)
	}
	if !sawLoading || !sawCached {
		t.Errorf("fill saw loading=%v cached=%v, want both", sawLoading, sawCached)
	}
}

func TestQueryIDs(t *testing.T) {
	f := newFixture(t)
	var want []int64
	for _, title := range []string{"x", "y", "z"} {
		want = append(want, f.seed(t, title))
	}

	txCtx, err := f.tm.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer f.tm.Rollback(txCtx)

	q, err := Conn(txCtx)
	if err != nil {
		t.Fatalf("Conn() error = %v", err)
	}
	got, err := QueryIDs(txCtx, q, "SELECT id FROM notes ORDER BY id")
	if err != nil {
		t.Fatalf("QueryIDs() error = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("QueryIDs() mismatch (-want +got):\n%s", diff)
	}
}

func TestStorageError(t *testing.T) {
	raw := errors.New("disk I/O error")
	tests := []struct {
		name   string
		err    error
		wantIs []error
	}{
		{"tags raw errors", raw, []error{ErrStorage, raw}},
		{"keeps not found", ErrNotFound, []error{ErrNotFound}},
		{"keeps no session", ErrNoSession, []error{ErrNoSession}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := StorageError("op", tt.err)
			for _, target := range tt.wantIs {
				if !errors.Is(err, target) {
					t.Errorf("StorageError() = %v, want Is(%v)", err, target)
				}
			}
		})
	}
	if StorageError("op", nil) != nil {
		t.Error("StorageError(nil) != nil")
	}
	if errors.Is(StorageError("op", ErrNotFound), ErrStorage) {
		t.Error("not found tagged as storage failure")
	}
}

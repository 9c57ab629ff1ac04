package persistence

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestIdentityMapAddIfAbsent(t *testing.T) {
	m := NewIdentityMap[*note]()
	first := newNote("first")
	second := newNote("second")

	stored, loaded := m.AddIfAbsent(1, first)
	if loaded || stored != first {
		t.Fatalf("AddIfAbsent(first) = %p, %v; want first, false", stored, loaded)
	}

	stored, loaded = m.AddIfAbsent(1, second)
	if !loaded || stored != first {
		t.Fatalf("AddIfAbsent(second) = %p, %v; want first, true", stored, loaded)
	}

	if got, ok := m.Get(1); !ok || got != first {
		t.Errorf("Get(1) = %p, %v; want first", got, ok)
	}
}

func TestIdentityMapContents(t *testing.T) {
	m := NewIdentityMap[string]()
	m.AddIfAbsent(30, "c")
	m.AddIfAbsent(10, "a")
	m.AddIfAbsent(20, "b")

	if diff := cmp.Diff([]int64{10, 20, 30}, m.IDs()); diff != "" {
		t.Errorf("IDs() mismatch (-want +got):\n%s", diff)
	}
	if m.Len() != 3 {
		t.Errorf("Len() = %d, want 3", m.Len())
	}

	all := m.All()
	all[40] = "d"
	if m.Contains(40) {
		t.Error("All() returned the live map; want a copy")
	}

	m.Remove(20)
	if m.Contains(20) {
		t.Error("Contains(20) after Remove = true")
	}
	if diff := cmp.Diff(map[int64]string{10: "a", 30: "c"}, m.All()); diff != "" {
		t.Errorf("All() mismatch (-want +got):\n%s", diff)
	}
}

func TestIdentityMapLoad(t *testing.T) {
	t.Run("concurrent misses share one load", func(t *testing.T) {
		m := NewIdentityMap[*note]()
		var loads atomic.Int32

		load := func() (*note, error) {
			loads.Add(1)
			time.Sleep(10 * time.Millisecond)
			n := &note{id: 7}
			stored, _ := m.AddIfAbsent(7, n)
			return stored, nil
		}

		const workers = 20
		results := make([]*note, workers)
		var wg sync.WaitGroup
		for i := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n, err := m.Load(7, load)
				if err != nil {
					t.Errorf("Load() error = %v", err)
				}
				results[i] = n
			}()
		}
		wg.Wait()

		if got := loads.Load(); got != 1 {
			t.Errorf("load ran %d times, want 1", got)
		}
		for i, n := range results {
			if n != results[0] {
				t.Errorf("worker %d got a different instance", i)
			}
		}
	})

	t.Run("hit skips load", func(t *testing.T) {
		m := NewIdentityMap[*note]()
		cached := &note{id: 3}
		m.AddIfAbsent(3, cached)

		got, err := m.Load(3, func() (*note, error) {
			t.Error("load called on a cache hit")
			return nil, nil
		})
		if err != nil || got != cached {
			t.Errorf("Load(3) = %p, %v; want cached", got, err)
		}
	})

	t.Run("errors are not cached", func(t *testing.T) {
		m := NewIdentityMap[*note]()
		boom := errors.New("boom")

		if _, err := m.Load(5, func() (*note, error) { return nil, boom }); !errors.Is(err, boom) {
			t.Fatalf("Load() error = %v, want boom", err)
		}
		if m.Contains(5) {
			t.Fatal("failed load left an entry")
		}

		n := &note{id: 5}
		got, err := m.Load(5, func() (*note, error) {
			m.AddIfAbsent(5, n)
			return n, nil
		})
		if err != nil || got != n {
			t.Errorf("retry Load() = %p, %v; want new instance", got, err)
		}
	})
}

func TestNotIn(t *testing.T) {
	tests := []struct {
		name       string
		ids        []int64
		wantClause string
		wantArgs   []any
	}{
		{"empty", nil, "1 = 1", nil},
		{"single", []int64{4}, "id NOT IN (?)", []any{int64(4)}},
		{"several", []int64{1, 2, 3}, "id NOT IN (?, ?, ?)", []any{int64(1), int64(2), int64(3)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clause, args := NotIn("id", tt.ids)
			if clause != tt.wantClause {
				t.Errorf("clause = %q, want %q", clause, tt.wantClause)
			}
			if diff := cmp.Diff(tt.wantArgs, args); diff != "" {
				t.Errorf("args mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

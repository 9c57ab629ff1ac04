package persistence

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBegin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("binds a session", func(t *testing.T) {
		txCtx, err := f.tm.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		defer f.tm.Rollback(txCtx)

		if SessionID(txCtx) == "" {
			t.Error("SessionID() empty after Begin")
		}
		if SessionID(ctx) != "" {
			t.Error("Begin modified the parent context")
		}
		if _, err := f.tm.Connection(txCtx); err != nil {
			t.Errorf("Connection() error = %v", err)
		}
	})

	t.Run("nested begin fails", func(t *testing.T) {
		txCtx, err := f.tm.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		defer f.tm.Rollback(txCtx)

		if _, err := f.tm.Begin(txCtx); !errors.Is(err, ErrSessionActive) {
			t.Errorf("nested Begin() error = %v, want ErrSessionActive", err)
		}
	})

	t.Run("begin after release succeeds", func(t *testing.T) {
		txCtx, err := f.tm.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		if err := f.tm.Commit(txCtx); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
		again, err := f.tm.Begin(txCtx)
		if err != nil {
			t.Fatalf("Begin() on released context error = %v", err)
		}
		f.tm.Rollback(again)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := f.tm.Begin(cancelled); !errors.Is(err, ErrBeginFailed) {
			t.Errorf("Begin() error = %v, want ErrBeginFailed", err)
		}
	})
}

func TestConnWithoutSession(t *testing.T) {
	if _, err := Conn(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Errorf("Conn() error = %v, want ErrNoSession", err)
	}

	f := newFixture(t)
	if _, err := f.notes.Get(context.Background(), 1); !errors.Is(err, ErrNoSession) {
		t.Errorf("Get() without session error = %v, want ErrNoSession", err)
	}
}

func TestCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("without session", func(t *testing.T) {
		if err := f.tm.Commit(ctx); !errors.Is(err, ErrNoSession) {
			t.Errorf("Commit() error = %v, want ErrNoSession", err)
		}
	})

	t.Run("makes writes durable and releases", func(t *testing.T) {
		txCtx, err := f.tm.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		n := newNote("durable")
		if _, err := f.notes.Persist(txCtx, n); err != nil {
			t.Fatalf("Persist() error = %v", err)
		}
		if err := f.tm.Commit(txCtx); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}

		if title, ok := f.storedTitle(t, n.EntityID()); !ok || title != "durable" {
			t.Errorf("stored = %q, %v; want durable", title, ok)
		}
		if _, err := Conn(txCtx); !errors.Is(err, ErrNoSession) {
			t.Errorf("Conn() after commit error = %v, want ErrNoSession", err)
		}
		if err := f.tm.Commit(txCtx); !errors.Is(err, ErrNoSession) {
			t.Errorf("second Commit() error = %v, want ErrNoSession", err)
		}
		if got := f.db.Stats().InUse; got != 0 {
			t.Errorf("connections in use = %d, want 0", got)
		}
	})
}

func TestRollback(t *testing.T) {
	ctx := context.Background()

	t.Run("without session only logs", func(t *testing.T) {
		f := newFixture(t)
		logger := &recordingLogger{}
		f.tm.SetLogger(logger)

		f.tm.Rollback(ctx)
		if !logger.has("warn: rollback without session") {
			t.Error("missing rollback warning")
		}
	})

	t.Run("undoes an insert", func(t *testing.T) {
		f := newFixture(t)
		txCtx, err := f.tm.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		n := newNote("gone")
		id, err := f.notes.Persist(txCtx, n)
		if err != nil {
			t.Fatalf("Persist() error = %v", err)
		}
		f.tm.Rollback(txCtx)

		if _, ok := f.storedTitle(t, id); ok {
			t.Error("rolled back row is stored")
		}
		if n.EntityID() != 0 {
			t.Errorf("id after rollback = %d, want 0", n.EntityID())
		}
		if f.notes.cache.Contains(id) {
			t.Error("rolled back insert still cached")
		}
		if got := f.db.Stats().InUse; got != 0 {
			t.Errorf("connections in use = %d, want 0", got)
		}
	})

	t.Run("undoes a delete", func(t *testing.T) {
		f := newFixture(t)
		id := f.seed(t, "survivor")

		txCtx, err := f.tm.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		n, err := f.notes.Get(txCtx, id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if err := f.notes.Delete(txCtx, n); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if f.notes.cache.Contains(id) {
			t.Fatal("deleted entity still cached before rollback")
		}
		f.tm.Rollback(txCtx)

		if cached, ok := f.notes.cache.Get(id); !ok || cached != n {
			t.Error("rollback did not re-cache the surviving instance")
		}
	})

	t.Run("compensations run newest first", func(t *testing.T) {
		f := newFixture(t)
		txCtx, err := f.tm.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		var order []int
		for i := range 3 {
			OnRollback(txCtx, func() { order = append(order, i) })
		}
		f.tm.Rollback(txCtx)

		if diff := cmp.Diff([]int{2, 1, 0}, order); diff != "" {
			t.Errorf("compensation order mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("commit drops compensations", func(t *testing.T) {
		f := newFixture(t)
		txCtx, err := f.tm.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		ran := false
		OnRollback(txCtx, func() { ran = true })
		if err := f.tm.Commit(txCtx); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
		f.tm.Rollback(txCtx)
		if ran {
			t.Error("compensation ran after a successful commit")
		}
	})

	t.Run("restores registered updates", func(t *testing.T) {
		f := newFixture(t)
		id := f.seed(t, "old")

		wctx, w := WithUnitOfWork(ctx, f.registry)
		txCtx, err := f.tm.Begin(wctx)
		if err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		n, err := f.notes.Get(txCtx, id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		n.SetTitle(txCtx, "new")
		if err := f.notes.Update(txCtx, n); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		f.tm.Rollback(txCtx)

		if n.Title() != "old" {
			t.Errorf("title after rollback = %q, want old", n.Title())
		}
		if _, updates, _ := w.Pending(); len(updates) != 0 {
			t.Errorf("updates after rollback = %d, want 0", len(updates))
		}
		if got := f.db.Stats().InUse; got != 0 {
			t.Errorf("connections in use = %d, want 0", got)
		}
	})
}

func TestSessionStatementCache(t *testing.T) {
	f := newFixture(t)
	txCtx, err := f.tm.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer f.tm.Rollback(txCtx)

	s := sessionFrom(txCtx)
	for range 3 {
		if _, err := f.notes.GetAllForParent(txCtx, 0); err != nil {
			t.Fatalf("GetAllForParent() error = %v", err)
		}
	}
	if got := s.stmts.Len(); got != 1 {
		t.Errorf("prepared statements = %d, want 1", got)
	}
}

package persistence

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Commit operations, also used as metric labels.
const (
	opInsert = "insert"
	opDelete = "delete"
	opUpdate = "update"
)

// UnitOfWork tracks entities created, mutated or deleted by business code on
// one context and writes them in a single commit.
//
// Queue rules:
//   - an entity sits in at most one of the new, updated and deleted queues
//   - RegisterForInsert removes the entity from updated (and deleted)
//   - RegisterForUpdate is a no-op if the entity is already queued anywhere
//   - RegisterForDelete removes the entity from new and updated first
//   - registration is ignored on a loading context (see Loading)
//
// Entity identity is pointer identity.
//
// Thread Safety:
//   - Registration is safe from multiple goroutines sharing the context, but
//     Commit and RestoreRegistered are meant to be called by its owner.
type UnitOfWork struct {
	registry *Registry
	logger   Logger
	metrics  *Metrics

	mu      sync.Mutex
	inserts []Entity
	updates []Entity
	deletes []Entity

	// flushed holds entities whose update was written in the open
	// transaction. They are restored with the updated queue on rollback and
	// forgotten once the transaction commits.
	flushed []Entity
}

// ChangeSet lists what a commit wrote, in commit order.
type ChangeSet struct {
	ID       string `json:"id"`
	Inserted []Ref  `json:"inserted,omitempty"`
	Deleted  []Ref  `json:"deleted,omitempty"`
	Updated  []Ref  `json:"updated,omitempty"`
}

// Empty reports whether the change set wrote nothing.
func (c ChangeSet) Empty() bool {
	return len(c.Inserted) == 0 && len(c.Deleted) == 0 && len(c.Updated) == 0
}

type unitOfWorkKey struct{}

// NewUnitOfWork creates an empty unit of work resolving handlers from registry.
func NewUnitOfWork(registry *Registry) *UnitOfWork {
	return &UnitOfWork{
		registry: registry,
		logger:   noopLogger{},
	}
}

// WithUnitOfWork returns ctx carrying a unit of work. If ctx already has
// one, it is returned unchanged with that unit of work.
func WithUnitOfWork(ctx context.Context, registry *Registry) (context.Context, *UnitOfWork) {
	if w := UnitOfWorkFrom(ctx); w != nil {
		return ctx, w
	}
	w := NewUnitOfWork(registry)
	return context.WithValue(ctx, unitOfWorkKey{}, w), w
}

// SetLogger sets the logger for the unit of work.
func (w *UnitOfWork) SetLogger(logger Logger) {
	w.logger = orNoop(logger)
}

// SetMetrics sets the metrics sink for the unit of work.
func (w *UnitOfWork) SetMetrics(metrics *Metrics) {
	w.metrics = metrics
}

// UnitOfWorkFrom returns the unit of work carried by ctx, or nil.
func UnitOfWorkFrom(ctx context.Context) *UnitOfWork {
	w, _ := ctx.Value(unitOfWorkKey{}).(*UnitOfWork)
	return w
}

// RegisterForInsert queues e to be persisted.
func (w *UnitOfWork) RegisterForInsert(ctx context.Context, e Entity) {
	if IsLoading(ctx) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if indexOf(w.inserts, e) >= 0 {
		return
	}
	w.updates = without(w.updates, e)
	w.deletes = without(w.deletes, e)
	w.inserts = append(w.inserts, e)
}

// RegisterForUpdate queues e to be written. Entities without an id are
// ignored; they have no row to update yet.
func (w *UnitOfWork) RegisterForUpdate(ctx context.Context, e Entity) {
	if IsLoading(ctx) {
		return
	}
	if e.EntityID() == 0 {
		w.logger.Debug("update registration ignored: entity has no id", "kind", e.EntityKind())
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if indexOf(w.inserts, e) >= 0 || indexOf(w.updates, e) >= 0 || indexOf(w.deletes, e) >= 0 {
		return
	}
	w.updates = append(w.updates, e)
}

// RegisterForDelete queues e to be deleted. A pending insert of e is
// cancelled; an entity that was never persisted is not queued.
func (w *UnitOfWork) RegisterForDelete(ctx context.Context, e Entity) {
	if IsLoading(ctx) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.inserts = without(w.inserts, e)
	w.updates = without(w.updates, e)

	if e.EntityID() == 0 {
		w.logger.Debug("delete registration ignored: entity has no id", "kind", e.EntityKind())
		return
	}
	if indexOf(w.deletes, e) >= 0 {
		return
	}
	w.deletes = append(w.deletes, e)
}

// Unregister drops e from the updated queue.
func (w *UnitOfWork) Unregister(e Entity) {
	w.mu.Lock()
	w.updates = without(w.updates, e)
	w.flushed = without(w.flushed, e)
	w.mu.Unlock()
}

// Pending returns copies of the three queues.
func (w *UnitOfWork) Pending() (inserts, updates, deletes []Entity) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.inserts), slices.Clone(w.updates), slices.Clone(w.deletes)
}

// Discard empties every queue.
func (w *UnitOfWork) Discard() {
	w.mu.Lock()
	w.inserts, w.updates, w.deletes, w.flushed = nil, nil, nil, nil
	w.mu.Unlock()
}

// settle forgets updates written by a transaction that has committed.
func (w *UnitOfWork) settle() {
	w.mu.Lock()
	w.flushed = nil
	w.mu.Unlock()
}

func (w *UnitOfWork) hasUpdates() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.updates) > 0 || len(w.flushed) > 0
}

// Commit writes the queues through their handlers on the session bound to
// ctx: every insert, then every delete, then every update, each queue in
// registration order.
//
// An entity leaves its queue only once its handler succeeded, so after a
// failure the failing entity and everything behind it are still queued.
// Updated entities already written stay tracked until the transaction
// commits, so a rollback restores them too. The caller is expected to roll
// back.
func (w *UnitOfWork) Commit(ctx context.Context) (ChangeSet, error) {
	changes := ChangeSet{ID: newChangeSetID()}

	if _, err := Conn(ctx); err != nil {
		return changes, err
	}

	steps := []struct {
		op    string
		queue *[]Entity
		out   *[]Ref
		apply func(h Handler, e Entity) error
	}{
		{opInsert, &w.inserts, &changes.Inserted, func(h Handler, e Entity) error {
			_, err := h.Persist(ctx, e)
			return err
		}},
		{opDelete, &w.deletes, &changes.Deleted, func(h Handler, e Entity) error {
			return h.Delete(ctx, e)
		}},
		{opUpdate, &w.updates, &changes.Updated, func(h Handler, e Entity) error {
			return h.Update(ctx, e)
		}},
	}

	for _, step := range steps {
		for {
			e, ok := w.head(step.queue)
			if !ok {
				break
			}

			h, err := w.registry.resolve(e.EntityKind())
			if err != nil {
				return changes, err
			}

			// Capture the id before a delete clears caches; after an insert
			// the handler has just assigned it.
			ref := RefOf(e)
			if err := step.apply(h, e); err != nil {
				return changes, fmt.Errorf("%s %s: %w", step.op, ref, err)
			}
			if step.op == opInsert {
				ref = RefOf(e)
			}

			w.drop(step.queue, e)
			if step.op == opUpdate {
				w.mu.Lock()
				w.flushed = append(w.flushed, e)
				w.mu.Unlock()
			}
			*step.out = append(*step.out, ref)
			w.metrics.flushed(step.op)
		}
	}

	return changes, nil
}

// RestoreRegistered re-reads every entity registered for update from the
// store, overwriting its in-memory fields, and drains the queue. This covers
// entities whose update was already written by a transaction that did not
// commit. Entities queued for insert or delete are left alone.
func (w *UnitOfWork) RestoreRegistered(ctx context.Context) {
	ctx = Loading(ctx)

	w.mu.Lock()
	pending := w.flushed
	for _, e := range w.updates {
		if indexOf(pending, e) < 0 {
			pending = append(pending, e)
		}
	}
	w.flushed, w.updates = nil, nil
	w.mu.Unlock()

	for _, e := range pending {
		h, err := w.registry.resolve(e.EntityKind())
		if err == nil {
			err = h.RestoreState(ctx, e)
		}
		w.metrics.restore(err)
		if err != nil {
			w.logger.Error("restoring object state", "kind", e.EntityKind(), "id", e.EntityID(), "error", err)
		}
	}
}

func (w *UnitOfWork) head(queue *[]Entity) (Entity, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(*queue) == 0 {
		return nil, false
	}
	return (*queue)[0], true
}

func (w *UnitOfWork) drop(queue *[]Entity, e Entity) {
	w.mu.Lock()
	*queue = without(*queue, e)
	w.mu.Unlock()
}

func indexOf(queue []Entity, e Entity) int {
	for i, q := range queue {
		if q == e {
			return i
		}
	}
	return -1
}

// without removes the first occurrence of e, preserving order.
func without(queue []Entity, e Entity) []Entity {
	if i := indexOf(queue, e); i >= 0 {
		return slices.Delete(queue, i, i+1)
	}
	return queue
}

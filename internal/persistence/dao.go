package persistence

import (
	"context"
	"fmt"
)

// DataAccessObject is the contract every entity type's handler implements.
//
// Every method runs on the session bound to ctx (see Conn) and fails with
// ErrNoSession when none is bound.
type DataAccessObject[T Entity] interface {
	// Persist inserts e, assigns its id, caches it, and returns the id.
	Persist(ctx context.Context, e T) (int64, error)

	// Update writes every current field of e to its row.
	Update(ctx context.Context, e T) error

	// Delete removes e and its owned children. Deleting an absent row succeeds.
	Delete(ctx context.Context, e T) error

	// DeleteByID removes the entity with id and its owned children.
	// Deleting an absent id succeeds.
	DeleteByID(ctx context.Context, id int64) error

	// Get returns the cached instance for id, loading it on a miss.
	// A missing row yields ErrNotFound.
	Get(ctx context.Context, id int64) (T, error)

	// GetAll loads every row not yet cached and returns the merged cache.
	GetAll(ctx context.Context) (map[int64]T, error)

	// GetAllForParent returns the entities owned by parentID in row order.
	GetAllForParent(ctx context.Context, parentID int64) ([]T, error)

	// RestoreState re-reads e's row and overwrites its fields in place
	// without registering it for update.
	RestoreState(ctx context.Context, e T) error

	// Cache exposes the handler's identity map.
	Cache() *IdentityMap[T]
}

// Handler is the type-erased form of DataAccessObject held by the Registry.
type Handler interface {
	Persist(ctx context.Context, e Entity) (int64, error)
	Update(ctx context.Context, e Entity) error
	Delete(ctx context.Context, e Entity) error
	DeleteByID(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (Entity, error)
	GetAll(ctx context.Context) (map[int64]Entity, error)
	GetAllForParent(ctx context.Context, parentID int64) ([]Entity, error)
	RestoreState(ctx context.Context, e Entity) error
}

// Bind adapts a typed DataAccessObject to a Handler.
func Bind[T Entity](dao DataAccessObject[T]) Handler {
	return bound[T]{dao: dao}
}

type bound[T Entity] struct {
	dao DataAccessObject[T]
}

func (b bound[T]) cast(e Entity) (T, error) {
	t, ok := e.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: got %T", ErrEntityType, e)
	}
	return t, nil
}

func (b bound[T]) Persist(ctx context.Context, e Entity) (int64, error) {
	t, err := b.cast(e)
	if err != nil {
		return 0, err
	}
	return b.dao.Persist(ctx, t)
}

func (b bound[T]) Update(ctx context.Context, e Entity) error {
	t, err := b.cast(e)
	if err != nil {
		return err
	}
	return b.dao.Update(ctx, t)
}

func (b bound[T]) Delete(ctx context.Context, e Entity) error {
	t, err := b.cast(e)
	if err != nil {
		return err
	}
	return b.dao.Delete(ctx, t)
}

func (b bound[T]) DeleteByID(ctx context.Context, id int64) error {
	return b.dao.DeleteByID(ctx, id)
}

func (b bound[T]) Get(ctx context.Context, id int64) (Entity, error) {
	t, err := b.dao.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (b bound[T]) GetAll(ctx context.Context) (map[int64]Entity, error) {
	all, err := b.dao.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]Entity, len(all))
	for id, t := range all {
		out[id] = t
	}
	return out, nil
}

func (b bound[T]) GetAllForParent(ctx context.Context, parentID int64) ([]Entity, error) {
	children, err := b.dao.GetAllForParent(ctx, parentID)
	if err != nil {
		return nil, err
	}
	out := make([]Entity, len(children))
	for i, t := range children {
		out[i] = t
	}
	return out, nil
}

func (b bound[T]) RestoreState(ctx context.Context, e Entity) error {
	t, err := b.cast(e)
	if err != nil {
		return err
	}
	return b.dao.RestoreState(ctx, t)
}

// Adopt finishes a successful insert: it assigns id to e and caches it.
//
// If the surrounding transaction is rolled back, the id is reset to zero and
// the cache entry is evicted, since the row never became durable.
func Adopt[T Entity](ctx context.Context, cache *IdentityMap[T], e T, id int64) {
	e.SetEntityID(id)
	cache.AddIfAbsent(id, e)
	OnRollback(ctx, func() {
		cache.Remove(id)
		if e.EntityID() == id {
			e.SetEntityID(0)
		}
	})
}

// Forget evicts e from cache after its row was deleted.
//
// If the surrounding transaction is rolled back, e is put back so the
// surviving row keeps its single in-memory instance.
func Forget[T Entity](ctx context.Context, cache *IdentityMap[T], e T) {
	id := e.EntityID()
	cache.Remove(id)
	OnRollback(ctx, func() {
		cache.AddIfAbsent(id, e)
	})
}

// OnRollback queues fn to run if the transaction bound to ctx is rolled
// back. Compensations run newest first. Without a session fn is dropped.
func OnRollback(ctx context.Context, fn func()) {
	if s := sessionFrom(ctx); s != nil {
		s.onRollback(fn)
	}
}

// Materialize is the cache-first load used by Get implementations.
//
// On a miss it runs read to fetch the row and hands it to MaterializeRow.
// Concurrent misses for the same id share one read.
func Materialize[T Entity, R any](
	ctx context.Context,
	cache *IdentityMap[T],
	id int64,
	read func(ctx context.Context) (R, error),
	construct func(row R) (T, error),
	fill func(ctx context.Context, e T, row R) error,
) (T, error) {
	return cache.Load(id, func() (T, error) {
		row, err := read(ctx)
		if err != nil {
			var zero T
			return zero, err
		}
		return MaterializeRow(ctx, cache, id, row, construct, fill)
	})
}

// MaterializeRow turns an already-read row into the cached instance for id.
//
// It builds the instance with construct, inserts it with AddIfAbsent, and
// only then runs fill with a loading context, so related entities loaded
// during the fill can find it. A fill failure evicts the entry. If another
// caller cached the id first, its instance is returned and the new one
// discarded.
func MaterializeRow[T Entity, R any](
	ctx context.Context,
	cache *IdentityMap[T],
	id int64,
	row R,
	construct func(row R) (T, error),
	fill func(ctx context.Context, e T, row R) error,
) (T, error) {
	var zero T

	if cached, ok := cache.Get(id); ok {
		return cached, nil
	}

	e, err := construct(row)
	if err != nil {
		return zero, StorageError(fmt.Sprintf("constructing id %d", id), err)
	}

	stored, loaded := cache.AddIfAbsent(id, e)
	if loaded {
		return stored, nil
	}

	if err := fill(Loading(ctx), e, row); err != nil {
		cache.Remove(id)
		return zero, StorageError(fmt.Sprintf("filling id %d", id), err)
	}
	return e, nil
}

// Lookup is a typed GetObjectByID.
func Lookup[T Entity](ctx context.Context, s *Service, kind Kind, id int64) (T, bool) {
	var zero T
	e, ok := s.GetObjectByID(ctx, kind, id)
	if !ok {
		return zero, false
	}
	t, ok := e.(T)
	return t, ok
}

// LookupAll is a typed GetAllObjects. Entities of other types are skipped.
func LookupAll[T Entity](ctx context.Context, s *Service, kind Kind) (map[int64]T, bool) {
	all, ok := s.GetAllObjects(ctx, kind)
	if !ok {
		return nil, false
	}
	out := make(map[int64]T, len(all))
	for id, e := range all {
		if t, ok := e.(T); ok {
			out[id] = t
		}
	}
	return out, true
}

// LookupAllForParent is a typed GetAllObjectsForParent.
func LookupAllForParent[T Entity](ctx context.Context, s *Service, kind Kind, parentID int64) ([]T, bool) {
	children, ok := s.GetAllObjectsForParent(ctx, kind, parentID)
	if !ok {
		return nil, false
	}
	out := make([]T, 0, len(children))
	for _, e := range children {
		if t, ok := e.(T); ok {
			out = append(out, t)
		}
	}
	return out, true
}

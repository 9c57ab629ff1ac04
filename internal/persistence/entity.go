package persistence

import (
	"context"
	"fmt"
)

// Kind names a concrete entity type. It is the registry key that routes an
// entity to its data-access handler. Several kinds may share one handler.
type Kind string

// Entity is any domain object mapped to a row and identified by an integer id.
//
// Implementations are pointer types; the identity of an entity inside the
// unit of work is the pointer itself. An id of zero means the entity has not
// been persisted yet.
type Entity interface {
	EntityID() int64
	SetEntityID(id int64)
	EntityKind() Kind
}

// Ref is a value reference to a persisted entity.
type Ref struct {
	Kind Kind  `json:"kind"`
	ID   int64 `json:"id"`
}

// RefOf returns the reference of e.
func RefOf(e Entity) Ref {
	return Ref{Kind: e.EntityKind(), ID: e.EntityID()}
}

// String renders the reference as kind#id.
func (r Ref) String() string {
	return fmt.Sprintf("%s#%d", r.Kind, r.ID)
}

type loadingKey struct{}

// Loading marks ctx as belonging to a fill or restore path.
//
// Entity setters called with a loading context do not register the entity
// for update, so reconstructing an object from its row is never mistaken for
// a business mutation.
func Loading(ctx context.Context) context.Context {
	if IsLoading(ctx) {
		return ctx
	}
	return context.WithValue(ctx, loadingKey{}, true)
}

// IsLoading reports whether ctx was derived from Loading.
func IsLoading(ctx context.Context) bool {
	v, _ := ctx.Value(loadingKey{}).(bool)
	return v
}

// MarkDirty registers e for update with the unit of work bound to ctx, if any.
// Entity setters call it after every field change.
func MarkDirty(ctx context.Context, e Entity) {
	if w := UnitOfWorkFrom(ctx); w != nil {
		w.RegisterForUpdate(ctx, e)
	}
}

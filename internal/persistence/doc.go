// Package persistence is the object-relational core of the Gray Logic store.
//
// It maps domain entities to rows, tracks what business code created,
// changed or deleted on a context, and writes or discards that work
// atomically.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────────┐
//	│                               Service                                 │
//	│  Track / Register* / CommitRegisteredWork / PersistObject / Get*      │
//	└───────────────┬───────────────────────────────────┬──────────────────┘
//	                │                                   │
//	                ▼                                   ▼
//	┌──────────────────────────┐         ┌──────────────────────────────┐
//	│        UnitOfWork         │         │      TransactionManager      │
//	│  new → deleted → updated  │────────▶│  Begin / Commit / Rollback   │
//	│  (bound to the context)   │         │  Session bound to context    │
//	└─────────────┬────────────┘         └──────────────┬───────────────┘
//	              │ Registry.Resolve(kind)               │ Acquire
//	              ▼                                      ▼
//	┌──────────────────────────┐         ┌──────────────────────────────┐
//	│   DataAccessObject[T]     │────────▶│        database.DB           │
//	│   + IdentityMap[T]        │  Conn   │  sqlite3 / sqlite / pgx      │
//	└──────────────────────────┘         └──────────────────────────────┘
//
// # Sessions
//
// TransactionManager.Begin binds one pooled connection and one transaction
// to the returned context. Data-access handlers fetch it with Conn(ctx); a
// context without a session fails fast with ErrNoSession. Transactions are
// flat.
//
// # Identity
//
// Each handler owns an IdentityMap. Within a process there is at most one
// in-memory instance per persisted row: Get returns the cached pointer, and
// a fresh load inserts the instance before filling it so parent and child
// loads that refer back to it terminate.
//
// # Change tracking
//
// Entity setters call MarkDirty(ctx, e). Fill and restore paths run on a
// context derived from Loading, on which registration is ignored:
//
//	func (d *Device) SetName(ctx context.Context, name string) {
//	    d.mu.Lock()
//	    d.name = name
//	    d.mu.Unlock()
//	    persistence.MarkDirty(ctx, d)
//	}
//
// # Usage
//
//	tm := persistence.NewTransactionManager(db)
//	svc := persistence.NewService(tm, registry)
//
//	ctx = svc.Track(ctx)
//	dev.SetName(ctx, "hall pir")
//	svc.RegisterForInsert(ctx, newDevice)
//	if !svc.CommitRegisteredWork(ctx) {
//	    // dev has been restored to its stored state
//	}
//
// # Thread Safety
//
// Registry is immutable after Build. IdentityMap and the handlers are safe
// for concurrent use. A Session and a UnitOfWork belong to the context that
// carries them.
package persistence

package persistence

import (
	"context"
	"errors"
)

// Service is the surface business code talks to.
//
// Registration calls feed the unit of work bound to the caller's context.
// Every other method runs in a transaction of its own, committed before it
// returns. Failures are logged with the session id and reported as false or
// an absent result.
//
// Thread Safety:
//   - A Service is safe for concurrent use; state lives on each caller's context.
type Service struct {
	tm       *TransactionManager
	registry *Registry
	logger   Logger
	metrics  *Metrics
	notifier Notifier
}

// NewService creates a service over tm resolving handlers from registry.
func NewService(tm *TransactionManager, registry *Registry) *Service {
	return &Service{
		tm:       tm,
		registry: registry,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the service and units of work it creates.
func (s *Service) SetLogger(logger Logger) {
	s.logger = orNoop(logger)
}

// SetMetrics sets the metrics sink for units of work the service creates.
func (s *Service) SetMetrics(metrics *Metrics) {
	s.metrics = metrics
}

// SetNotifier sets the receiver of committed change sets. Nil disables notification.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// Registry returns the registry the service resolves handlers from.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Track returns ctx carrying a unit of work. A context that already has one
// is returned unchanged.
func (s *Service) Track(ctx context.Context) context.Context {
	if UnitOfWorkFrom(ctx) != nil {
		return ctx
	}
	ctx, w := WithUnitOfWork(ctx, s.registry)
	w.SetLogger(s.logger)
	w.SetMetrics(s.metrics)
	return ctx
}

// RegisterForInsert queues e for insert in the unit of work of ctx.
func (s *Service) RegisterForInsert(ctx context.Context, e Entity) {
	if w := s.unitOfWork(ctx, e); w != nil {
		w.RegisterForInsert(ctx, e)
	}
}

// RegisterForUpdate queues e for update in the unit of work of ctx.
func (s *Service) RegisterForUpdate(ctx context.Context, e Entity) {
	if w := s.unitOfWork(ctx, e); w != nil {
		w.RegisterForUpdate(ctx, e)
	}
}

// RegisterForDelete queues e for delete in the unit of work of ctx.
func (s *Service) RegisterForDelete(ctx context.Context, e Entity) {
	if w := s.unitOfWork(ctx, e); w != nil {
		w.RegisterForDelete(ctx, e)
	}
}

func (s *Service) unitOfWork(ctx context.Context, e Entity) *UnitOfWork {
	w := UnitOfWorkFrom(ctx)
	if w == nil {
		s.logger.Warn("registration without unit of work", "kind", e.EntityKind(), "id", e.EntityID())
	}
	return w
}

// CommitRegisteredWork writes the unit of work of ctx in one transaction.
//
// On failure the transaction is rolled back, entities registered for update
// are restored to their stored state, and the queues are discarded. A
// context without a unit of work commits nothing and succeeds.
func (s *Service) CommitRegisteredWork(ctx context.Context) bool {
	w := UnitOfWorkFrom(ctx)
	if w == nil {
		return true
	}

	txCtx, err := s.tm.Begin(ctx)
	if err != nil {
		s.logger.Error("cannot begin unit of work", "error", err)
		w.Discard()
		return false
	}

	changes, err := w.Commit(txCtx)
	if err == nil {
		err = s.tm.Commit(txCtx)
	}
	if err != nil {
		s.logger.Error("unit of work failed", "session", SessionID(txCtx), "error", err)
		s.tm.Rollback(txCtx)
		w.Discard()
		return false
	}

	s.logger.Debug("unit of work committed",
		"session", SessionID(txCtx),
		"change_set", changes.ID,
		"inserted", len(changes.Inserted),
		"deleted", len(changes.Deleted),
		"updated", len(changes.Updated),
	)
	s.notify(ctx, changes)
	return true
}

func (s *Service) notify(ctx context.Context, changes ChangeSet) {
	if s.notifier == nil || changes.Empty() {
		return
	}
	if err := s.notifier.Notify(ctx, changes); err != nil {
		s.logger.Warn("change notification failed", "change_set", changes.ID, "error", err)
	}
}

// PersistObject inserts e in its own transaction.
func (s *Service) PersistObject(ctx context.Context, e Entity) bool {
	h, ok := s.handler(e.EntityKind())
	if !ok {
		return false
	}
	err := s.atomic(ctx, "persist", func(ctx context.Context) error {
		_, err := h.Persist(ctx, e)
		return err
	})
	if err != nil {
		return false
	}
	s.notify(ctx, ChangeSet{ID: newChangeSetID(), Inserted: []Ref{RefOf(e)}})
	return true
}

// UpdateObject writes e in its own transaction.
func (s *Service) UpdateObject(ctx context.Context, e Entity) bool {
	h, ok := s.handler(e.EntityKind())
	if !ok {
		return false
	}
	err := s.atomic(ctx, "update", func(ctx context.Context) error {
		return h.Update(ctx, e)
	})
	if err != nil {
		return false
	}
	s.notify(ctx, ChangeSet{ID: newChangeSetID(), Updated: []Ref{RefOf(e)}})
	return true
}

// DeleteObjectByID deletes the entity of kind with id, and its owned
// children, in its own transaction. Deleting an absent id succeeds.
func (s *Service) DeleteObjectByID(ctx context.Context, kind Kind, id int64) bool {
	h, ok := s.handler(kind)
	if !ok {
		return false
	}
	err := s.atomic(ctx, "delete", func(ctx context.Context) error {
		return h.DeleteByID(ctx, id)
	})
	if err != nil {
		return false
	}
	s.notify(ctx, ChangeSet{ID: newChangeSetID(), Deleted: []Ref{{Kind: kind, ID: id}}})
	return true
}

// GetObjectByID returns the cached or freshly loaded entity of kind with id.
// A missing row is a successful read reported as absent: the session commits
// and the caller's unit of work is left untouched.
func (s *Service) GetObjectByID(ctx context.Context, kind Kind, id int64) (Entity, bool) {
	h, ok := s.handler(kind)
	if !ok {
		return nil, false
	}
	var e Entity
	err := s.atomic(ctx, "get", func(ctx context.Context) error {
		var err error
		e, err = h.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.logger.Debug("get found nothing", "session", SessionID(ctx), "kind", kind, "id", id)
			e = nil
			return nil
		}
		return err
	})
	if err != nil || e == nil {
		return nil, false
	}
	return e, true
}

// GetAllObjects returns every entity handled by the handler of kind.
func (s *Service) GetAllObjects(ctx context.Context, kind Kind) (map[int64]Entity, bool) {
	h, ok := s.handler(kind)
	if !ok {
		return nil, false
	}
	var all map[int64]Entity
	err := s.atomic(ctx, "get all", func(ctx context.Context) error {
		var err error
		all, err = h.GetAll(ctx)
		return err
	})
	if err != nil {
		return nil, false
	}
	return all, true
}

// GetAllObjectsForParent returns the entities of kind owned by parentID.
func (s *Service) GetAllObjectsForParent(ctx context.Context, kind Kind, parentID int64) ([]Entity, bool) {
	h, ok := s.handler(kind)
	if !ok {
		return nil, false
	}
	var children []Entity
	err := s.atomic(ctx, "get all for parent", func(ctx context.Context) error {
		var err error
		children, err = h.GetAllForParent(ctx, parentID)
		return err
	})
	if err != nil {
		return nil, false
	}
	return children, true
}

func (s *Service) handler(kind Kind) (Handler, bool) {
	h, err := s.registry.resolve(kind)
	if err != nil {
		s.logger.Error("cannot resolve handler", "kind", kind, "error", err)
		return nil, false
	}
	return h, true
}

// atomic runs fn in a transaction of its own and commits it. On failure the
// transaction is rolled back, which also restores entities queued for update
// in the caller's unit of work.
func (s *Service) atomic(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	txCtx, err := s.tm.Begin(ctx)
	if err != nil {
		s.logger.Error("cannot begin "+op, "error", err)
		return err
	}

	err = fn(txCtx)
	if err == nil {
		err = s.tm.Commit(txCtx)
	}
	if err != nil {
		s.logger.Error(op+" failed", "session", SessionID(txCtx), "error", err)
		s.tm.Rollback(txCtx)
		return err
	}
	return nil
}

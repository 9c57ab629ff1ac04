package persistence

import (
	"errors"
	"fmt"
)

// Errors returned by the persistence core.
//
// They fall into four groups:
//   - session misuse: ErrNoSession, ErrSessionActive, ErrBeginFailed
//   - storage failures: ErrStorage, ErrNotFound
//   - programming errors: ErrUnknownKind, ErrEntityType, ErrDuplicateKind
//   - connection failures surface as database.ErrConnectionFailed wrapped in ErrBeginFailed
//
// Check them with errors.Is:
//
//	if errors.Is(err, persistence.ErrNotFound) {
//	    // handle not found case
//	}
var (
	// ErrNoSession is returned when a data-access call runs on a context with no open session.
	ErrNoSession = errors.New("persistence: no session bound to context")

	// ErrSessionActive is returned by Begin when the context already carries an open session.
	ErrSessionActive = errors.New("persistence: session already bound to context")

	// ErrBeginFailed is returned when a connection cannot be acquired or a transaction started.
	ErrBeginFailed = errors.New("persistence: cannot begin session")

	// ErrStorage is returned for constraint violations, row-shape mismatches and connectivity loss.
	ErrStorage = errors.New("persistence: storage failure")

	// ErrNotFound is returned when no row exists for the requested id.
	ErrNotFound = errors.New("persistence: entity not found")

	// ErrUnknownKind is returned when no handler is registered for an entity kind.
	ErrUnknownKind = errors.New("persistence: no handler for kind")

	// ErrEntityType is returned when a handler receives an entity of the wrong concrete type.
	ErrEntityType = errors.New("persistence: entity type does not match handler")

	// ErrDuplicateKind is returned by RegistryBuilder.Build when a kind is registered twice.
	ErrDuplicateKind = errors.New("persistence: kind registered twice")
)

// StorageError annotates err with op and tags it as ErrStorage.
// Errors that already belong to the persistence taxonomy keep their tag.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrNoSession) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

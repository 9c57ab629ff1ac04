package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrInvalidKind) {
//	    // handle unknown device kind
//	}
//
// Lookups of absent rows return persistence.ErrNotFound.
var (
	// ErrInvalidKind is returned when a device kind is not one of DeviceKinds.
	ErrInvalidKind = errors.New("device: invalid kind")

	// ErrInvalidName is returned when a name is empty or too long.
	ErrInvalidName = errors.New("device: invalid name")

	// ErrNotPersisted is returned when an entity is written while an entity
	// it refers to (its parent device or function, or a linked child) has no id yet.
	ErrNotPersisted = errors.New("device: related entity not persisted")
)

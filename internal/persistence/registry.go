package persistence

import (
	"fmt"
	"slices"
)

// Registry maps entity kinds to their handlers.
//
// It is assembled once at startup with a RegistryBuilder and never modified
// afterwards, so reads need no locking.
type Registry struct {
	handlers map[Kind]Handler
}

// RegistryBuilder collects kind registrations before the Registry is frozen.
type RegistryBuilder struct {
	handlers map[Kind]Handler
	dupes    []Kind
}

// NewRegistryBuilder returns an empty builder.
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{handlers: make(map[Kind]Handler)}
}

// Register routes every kind in kinds to h.
func (b *RegistryBuilder) Register(h Handler, kinds ...Kind) *RegistryBuilder {
	for _, k := range kinds {
		if _, exists := b.handlers[k]; exists {
			b.dupes = append(b.dupes, k)
			continue
		}
		b.handlers[k] = h
	}
	return b
}

// Build freezes the registrations.
func (b *RegistryBuilder) Build() (*Registry, error) {
	if len(b.dupes) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrDuplicateKind, b.dupes)
	}
	handlers := make(map[Kind]Handler, len(b.handlers))
	for k, h := range b.handlers {
		handlers[k] = h
	}
	return &Registry{handlers: handlers}, nil
}

// Resolve returns the handler for kind.
// An unknown kind is a programming error on the caller's side.
func (r *Registry) Resolve(kind Kind) (Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

// resolve is Resolve returning ErrUnknownKind.
func (r *Registry) resolve(kind Kind) (Handler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return h, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

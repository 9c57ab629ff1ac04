package persistence

import (
	"slices"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// IdentityMap caches the single in-memory instance of each persisted entity
// of one type, keyed by id.
//
// The map is process-wide and outlives transactions. AddIfAbsent is the only
// insertion path; when two callers race to materialise the same id, the
// first insert wins and every other caller receives the winner's instance.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type IdentityMap[T any] struct {
	mu      sync.RWMutex
	entries map[int64]T
	loads   singleflight.Group
}

// NewIdentityMap creates an empty identity map.
func NewIdentityMap[T any]() *IdentityMap[T] {
	return &IdentityMap[T]{
		entries: make(map[int64]T),
	}
}

// Get returns the cached instance for id.
func (m *IdentityMap[T]) Get(id int64) (T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[id]
	return v, ok
}

// AddIfAbsent stores v under id unless an instance is already cached.
// It returns the instance actually stored and whether it was already there.
// A caller that gets loaded == true must discard v and use the returned value.
func (m *IdentityMap[T]) AddIfAbsent(id int64, v T) (stored T, loaded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[id]; ok {
		return existing, true
	}
	m.entries[id] = v
	return v, false
}

// Remove evicts id.
func (m *IdentityMap[T]) Remove(id int64) {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
}

// Contains reports whether id is cached.
func (m *IdentityMap[T]) Contains(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[id]
	return ok
}

// Len returns the number of cached entries.
func (m *IdentityMap[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// All returns a copy of the cache contents.
func (m *IdentityMap[T]) All() map[int64]T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64]T, len(m.entries))
	for id, v := range m.entries {
		out[id] = v
	}
	return out
}

// IDs returns the cached ids in ascending order.
func (m *IdentityMap[T]) IDs() []int64 {
	m.mu.RLock()
	ids := make([]int64, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Load returns the cached instance for id, or runs load to materialise it.
//
// Concurrent Load calls for the same uncached id share a single execution of
// load. The load function is expected to insert through AddIfAbsent before
// filling the instance, so recursive Load calls for the same id made while
// filling (parent/child cycles) find it in the cache instead of waiting.
func (m *IdentityMap[T]) Load(id int64, load func() (T, error)) (T, error) {
	if v, ok := m.Get(id); ok {
		return v, nil
	}

	v, err, _ := m.loads.Do(strconv.FormatInt(id, 10), func() (any, error) {
		if v, ok := m.Get(id); ok {
			return v, nil
		}
		return load()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// NotIn renders "column NOT IN (?, ?, ...)" for ids together with its
// arguments. With no ids it renders an always-true predicate.
func NotIn(column string, ids []int64) (string, []any) {
	if len(ids) == 0 {
		return "1 = 1", nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	return column + " NOT IN (" + placeholders + ")", args
}

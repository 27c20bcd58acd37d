// Package registry assigns endpoint identities and tracks their lifetime.
//
// Ids come from a monotonic counter starting at 1 and are never reused
// within a process, even after the entry is removed.
package registry

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
)

// Registry is a concurrency-safe id → entry map with an optional size limit.
type Registry[K ~uint64, V any] struct {
	resource string
	limit    int

	mu      sync.RWMutex
	entries map[K]V
	next    atomic.Uint64
}

// New creates a registry. A limit of 0 means unbounded. resource names the
// limit in ResourceLimitError.
func New[K ~uint64, V any](resource string, limit int) *Registry[K, V] {
	return &Registry[K, V]{
		resource: resource,
		limit:    limit,
		entries:  make(map[K]V),
	}
}

// Register assigns the next id and stores the entry built by mk. mk runs
// under the registry lock and must not call back into the registry.
func (r *Registry[K, V]) Register(mk func(id K) (V, error)) (K, V, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero V
	if r.limit > 0 && len(r.entries) >= r.limit {
		return 0, zero, &event.ResourceLimitError{Resource: r.resource, Limit: r.limit, Requested: len(r.entries) + 1}
	}
	id := K(r.next.Add(1))
	v, err := mk(id)
	if err != nil {
		return 0, zero, err
	}
	r.entries[id] = v
	return id, v, nil
}

// Get returns the entry for id.
func (r *Registry[K, V]) Get(id K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[id]
	return v, ok
}

// Remove deletes and returns the entry for id.
func (r *Registry[K, V]) Remove(id K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	return v, ok
}

// Len returns the number of live entries.
func (r *Registry[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Limit returns the configured size limit.
func (r *Registry[K, V]) Limit() int { return r.limit }

// All returns the live entries ordered by id.
func (r *Registry[K, V]) All() []V {
	r.mu.RLock()
	keys := make([]K, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b K) int { return cmp.Compare(a, b) })
	out := make([]V, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.entries[k])
	}
	r.mu.RUnlock()
	return out
}

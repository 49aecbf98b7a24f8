// Package outbox queues writes that could not be delivered and drains them
// when the device is back online.
package outbox

import (
	"context"
	"sort"

	"github.com/bissquit/fieldsync/internal/domain"
)

// Adapter delivers work items of one kind to the remote service.
// Deliver never touches the store.
type Adapter interface {
	Kind() domain.Kind
	Deliver(ctx context.Context, item domain.WorkItem) error
}

// Registry maps kinds to their adapters.
type Registry struct {
	adapters map[domain.Kind]Adapter
}

// NewRegistry creates a registry. A later adapter replaces an earlier one
// of the same kind.
func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[domain.Kind]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Kind()] = a
	}
	return &Registry{adapters: m}
}

// Get returns the adapter for kind.
func (r *Registry) Get(kind domain.Kind) (Adapter, bool) {
	a, ok := r.adapters[kind]
	return a, ok
}

// Kinds returns the registered kinds in drain order.
func (r *Registry) Kinds() []domain.Kind {
	order := make(map[domain.Kind]int)
	for i, k := range domain.Kinds() {
		order[k] = i
	}

	kinds := make([]domain.Kind, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return order[kinds[i]] < order[kinds[j]] })
	return kinds
}

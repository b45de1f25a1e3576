package memory

import (
	"sort"

	"github.com/adwski/signal-relay/backend/model"
)

// Registry maps participant id to its live endpoint.
// It is not safe for concurrent use, the owner serializes access.
type Registry struct {
	db map[string]model.Endpoint
}

func NewRegistry() *Registry {
	return &Registry{
		db: make(map[string]model.Endpoint),
	}
}

// Register stores ep under id. Prior entry is replaced and returned, it is not closed.
func (r *Registry) Register(id string, ep model.Endpoint) (model.Endpoint, bool) {
	prev, ok := r.db[id]
	r.db[id] = ep
	return prev, ok && prev != ep
}

func (r *Registry) Lookup(id string) (model.Endpoint, bool) {
	ep, ok := r.db[id]
	return ep, ok
}

// LookupOpen returns endpoint only if it is registered and still open.
func (r *Registry) LookupOpen(id string) (model.Endpoint, bool) {
	ep, ok := r.db[id]
	if !ok || !ep.Open() {
		return nil, false
	}
	return ep, true
}

func (r *Registry) Remove(id string) {
	delete(r.db, id)
}

// RemoveIf removes id only if it is still bound to ep.
// Superseded endpoints use it so they never unregister their replacement.
func (r *Registry) RemoveIf(id string, ep model.Endpoint) bool {
	cur, ok := r.db[id]
	if !ok || cur != ep {
		return false
	}
	delete(r.db, id)
	return true
}

// Snapshot returns registered ids in lexicographic order.
func (r *Registry) Snapshot() []string {
	ids := make([]string, 0, len(r.db))
	for id := range r.db {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Each(fn func(id string, ep model.Endpoint)) {
	for id, ep := range r.db {
		fn(id, ep)
	}
}

func (r *Registry) Len() int {
	return len(r.db)
}

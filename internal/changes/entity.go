// Package changes records local edits as change events and turns them into
// remote patches.
package changes

import (
	"context"
	"sync"

	"gitea.jw6.us/james/calsync/internal/payload"
	"gitea.jw6.us/james/calsync/internal/store"
)

// Entity is the contract a record kind fulfils to take part in change
// tracking.
type Entity interface {
	Kind() string
	// ObservedFields lists the fields whose edits are tracked.
	ObservedFields() []string
	// PrepareRemoteTemplate turns changed fields into a partial remote
	// payload. isChild selects the variant sent to child records' links.
	PrepareRemoteTemplate(ctx context.Context, rec *store.Record, changed store.Fields, isChild bool) (payload.Template, error)
	// LinkScope selects every link of the record.
	LinkScope(rec *store.Record) store.LinkScope
}

// Registry maps record kinds to their entity.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]Entity
}

// NewRegistry returns a registry holding entities.
func NewRegistry(entities ...Entity) *Registry {
	r := &Registry{entities: make(map[string]Entity)}
	for _, e := range entities {
		r.Register(e)
	}
	return r
}

// Register adds or replaces the entity for its kind.
func (r *Registry) Register(e Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[e.Kind()] = e
}

// Lookup returns the entity registered for kind.
func (r *Registry) Lookup(kind string) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[kind]
	return e, ok
}

func observed(e Entity) map[string]bool {
	out := make(map[string]bool)
	for _, f := range e.ObservedFields() {
		out[f] = true
	}
	return out
}

// DefaultScope selects the links of exactly this record.
func DefaultScope(rec *store.Record) store.LinkScope {
	return store.LinkScope{Ref: rec.Ref}
}

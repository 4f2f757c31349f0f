// Package registry implements the Module & Component Registry (C3): it
// tracks every registered component's transformed source, dependencies,
// load state, and last-known-good snapshot, and exposes the atomic reload
// primitives the Reload Coordinator (C9) depends on.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	rarierrors "github.com/rari-build/rari/infrastructure/errors"
)

// LoadState is a component's position in the C3/C9 lifecycle state machine.
type LoadState string

const (
	StateRegistered      LoadState = "Registered"
	StateLoaded          LoadState = "Loaded"
	StateInitiallyLoaded LoadState = "InitiallyLoaded"
	StateFailed          LoadState = "Failed"
)

// Component is spec §3's Component data model entry.
type Component struct {
	ID                string
	SourceHash        string
	TransformedSource string
	Dependencies      []string
	IsClient          bool
	IsServerAction    bool
	LoadState         LoadState
	LastGoodSource    string
	HasLastGood       bool
	LastModified      time.Time
}

// ClientComponentReference is spec §3's ClientComponentReference entry.
type ClientComponentReference struct {
	ID         string
	FilePath   string
	ExportName string
}

// Registry is the exclusive owner of Component records. Many readers /
// one writer per spec §5; the writer is always either an explicit
// register call or the Reload Coordinator.
type Registry struct {
	mu               sync.RWMutex
	components       map[string]*Component
	clientReferences map[string]*ClientComponentReference
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		components:       make(map[string]*Component),
		clientReferences: make(map[string]*ClientComponentReference),
	}
}

func hashSource(source string) string {
	return fmt.Sprintf("%x", xxhash.Sum64String(source))
}

// Register overwrites the record for id, clears Failed, and preserves
// last_good_source if the previous state was Loaded or InitiallyLoaded
// (spec §4.3).
func (r *Registry) Register(id, originalSource, transformedSource string, deps []string) *Component {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, existed := r.components[id]

	c := &Component{
		ID:                id,
		SourceHash:        hashSource(originalSource),
		TransformedSource: transformedSource,
		Dependencies:      deps,
		LoadState:         StateRegistered,
		LastModified:      time.Now(),
	}

	if existed && (prev.LoadState == StateLoaded || prev.LoadState == StateInitiallyLoaded) {
		c.LastGoodSource = prev.TransformedSource
		c.HasLastGood = true
	} else if existed && prev.HasLastGood {
		c.LastGoodSource = prev.LastGoodSource
		c.HasLastGood = true
	}

	r.components[id] = c
	return c
}

// RegisterClient records a client component reference (spec §4.3).
func (r *Registry) RegisterClient(id, filePath, exportName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clientReferences[id] = &ClientComponentReference{ID: id, FilePath: filePath, ExportName: exportName}
}

// MarkLoaded transitions a component to Loaded. Returns State error if the
// component is not registered.
func (r *Registry) MarkLoaded(id string) error {
	return r.transition(id, func(c *Component) error {
		c.LoadState = StateLoaded
		return nil
	})
}

// MarkInitiallyLoaded transitions a component to InitiallyLoaded.
func (r *Registry) MarkInitiallyLoaded(id string) error {
	return r.transition(id, func(c *Component) error {
		c.LoadState = StateInitiallyLoaded
		return nil
	})
}

// MarkFailed transitions a component to Failed without touching
// last_good_source (spec's P4 invariant).
func (r *Registry) MarkFailed(id string) error {
	return r.transition(id, func(c *Component) error {
		c.LoadState = StateFailed
		return nil
	})
}

func (r *Registry) transition(id string, fn func(*Component) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.components[id]
	if !ok {
		return rarierrors.State("component " + id + " is not registered")
	}
	return fn(c)
}

// Get returns a copy of the component record, if present.
func (r *Registry) Get(id string) (Component, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[id]
	if !ok {
		return Component{}, false
	}
	return *c, true
}

// Remove destroys the entry for id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.components, id)
	delete(r.clientReferences, id)
}

// IsRegistered reports whether id has a record.
func (r *Registry) IsRegistered(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.components[id]
	return ok
}

// List returns every registered component id.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.components))
	for id := range r.components {
		ids = append(ids, id)
	}
	return ids
}

// LastGood returns the last-known-good transformed source for id, if any
// (spec's P4 invariant: a failed reload never leaves a component without a
// fallback, if one ever existed).
func (r *Registry) LastGood(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[id]
	if !ok || !c.HasLastGood {
		return "", false
	}
	return c.LastGoodSource, true
}

// Count returns the number of registered components, for status reporting.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.components)
}

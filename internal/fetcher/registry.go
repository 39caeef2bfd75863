// Package fetcher maps fetch strategy identifiers to Fetcher implementations.
package fetcher

import (
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/changewatch/internal/watch"
)

// Constructor builds the Fetcher for one strategy.
type Constructor func() (watch.Fetcher, error)

// Strategy describes a registered fetch strategy.
type Strategy struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

type entry struct {
	description string
	build       Constructor
	instance    watch.Fetcher
}

// Registry resolves fetchers by strategy id. Constructors run lazily, once.
type Registry struct {
	mu        sync.Mutex
	fallback  string
	factories map[string]*entry
}

// NewRegistry returns an empty registry that falls back to fallbackID for
// unknown strategies.
func NewRegistry(fallbackID string) *Registry {
	return &Registry{fallback: fallbackID, factories: make(map[string]*entry)}
}

// Register adds or replaces the constructor for id.
func (r *Registry) Register(id, description string, build Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = &entry{description: description, build: build}
}

// RegisterInstance adds an already built fetcher for id.
func (r *Registry) RegisterInstance(id, description string, f watch.Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = &entry{description: description, instance: f}
}

// Get returns the fetcher for id. An empty or unknown id resolves to the
// fallback strategy; the returned id is the one actually used.
func (r *Registry) Get(id string) (watch.Fetcher, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.factories[id]
	if !ok {
		id = r.fallback
		e, ok = r.factories[id]
		if !ok {
			return nil, id, fmt.Errorf("no fetcher registered for %q", id)
		}
	}
	if e.instance == nil {
		f, err := e.build()
		if err != nil {
			return nil, id, fmt.Errorf("build fetcher %q: %w", id, err)
		}
		e.instance = f
	}
	return e.instance, id, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.factories[id]
	return ok
}

// Available lists registered strategies sorted by id.
func (r *Registry) Available() []Strategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Strategy, 0, len(r.factories))
	for id, e := range r.factories {
		out = append(out, Strategy{ID: id, Description: e.description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

package template

import (
	"sort"
	"sync"
)

// Engine holds the active catalog and renders requests against it. The
// catalog is swappable at runtime for hot reload; a swap is atomic with
// respect to in-flight builds.
type Engine struct {
	mu  sync.RWMutex
	cat *Catalog
}

// NewEngine creates an engine over the given catalog.
func NewEngine(cat *Catalog) *Engine {
	return &Engine{cat: cat}
}

// Swap replaces the active catalog.
func (e *Engine) Swap(cat *Catalog) {
	e.mu.Lock()
	e.cat = cat
	e.mu.Unlock()
}

// Catalog returns the active catalog.
func (e *Engine) Catalog() *Catalog {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cat
}

// Lookup returns the endpoint entry for name.
func (e *Engine) Lookup(name string) (*Endpoint, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ep, ok := e.cat.Endpoints[name]
	return ep, ok
}

// Names returns the catalog's endpoint names, sorted.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.cat.Endpoints))
	for name := range e.cat.Endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

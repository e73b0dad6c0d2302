// Package registry holds named drivers registered at init time.
package registry

import (
	"sort"
	"sync"
)

// Entry is a registered driver.
type Entry[T any] struct {
	Name        string
	Description string
	Driver      T
}

// Registry maps driver names to drivers. The zero value is ready to use.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries map[string]Entry[T]
}

// Register adds a driver, replacing any driver with the same name.
func (r *Registry[T]) Register(name, description string, driver T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[string]Entry[T])
	}
	r.entries[name] = Entry[T]{Name: name, Description: description, Driver: driver}
}

// Lookup returns the driver registered under name.
func (r *Registry[T]) Lookup(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.Driver, ok
}

// List returns all entries sorted by name.
func (r *Registry[T]) List() []Entry[T] {
	r.mu.RLock()
	out := make([]Entry[T], 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Package vars resolves deployment variables across layered scopes and renders
// {{name}} templates.
//
// Resolution order is: run-time override, then the host layer (host overrides
// and values set by tasks on that host), then global defaults. A value may be a
// Func, evaluated lazily against the asking Scope and memoized for the life of
// that Scope, so one task invocation always sees a single consistent snapshot.
package vars

import (
	"fmt"
	"sort"
	"sync"
)

// Func is a lazily evaluated variable.
type Func func(s *Scope) (interface{}, error)

// Store holds the global defaults and run-time overrides. Once frozen it is
// read-only and may be shared by all host workers.
type Store struct {
	mu        sync.RWMutex
	defaults  map[string]interface{}
	overrides map[string]interface{}
	frozen    bool
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		defaults:  make(map[string]interface{}),
		overrides: make(map[string]interface{}),
	}
}

// Set defines a global default.
func (s *Store) Set(name string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return fmt.Errorf("cannot set %q: variable store is frozen for the run", name)
	}
	s.defaults[name] = value
	return nil
}

// Override defines a run-time override that shadows every other layer.
func (s *Store) Override(name string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return fmt.Errorf("cannot override %q: variable store is frozen for the run", name)
	}
	s.overrides[name] = value
	return nil
}

// Freeze makes the store read-only.
func (s *Store) Freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

// Has reports whether name is defined globally or overridden.
func (s *Store) Has(name string) bool {
	_, ok := s.global(name)
	return ok
}

// Names returns every globally known name, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool, len(s.defaults)+len(s.overrides))
	for k := range s.defaults {
		seen[k] = true
	}
	for k := range s.overrides {
		seen[k] = true
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Get resolves name without any host layer.
func (s *Store) Get(name string) (interface{}, error) {
	return s.NewScope(nil).Get(name)
}

// Parse renders tmpl without any host layer.
func (s *Store) Parse(tmpl string) (string, error) {
	return s.NewScope(nil).Parse(tmpl)
}

func (s *Store) override(name string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.overrides[name]
	return v, ok
}

func (s *Store) global(name string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.overrides[name]; ok {
		return v, true
	}
	v, ok := s.defaults[name]
	return v, ok
}

func (s *Store) fallback(name string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.defaults[name]
	return v, ok
}

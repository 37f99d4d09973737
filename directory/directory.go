// Package directory resolves logical names, such as the connection factory
// and request queue names, to broker bindings.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned when a name has no binding
var ErrNotFound = errors.New("directory: name not bound")

// LookupError names the lookup that failed
type LookupError struct {
	Name string
	Err  error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("directory: lookup %s: %v", e.Name, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// Static is an in-memory directory, usually loaded from the config file
type Static struct {
	mu       sync.RWMutex
	bindings map[string]string
}

// NewStatic creates a directory holding a copy of bindings
func NewStatic(bindings map[string]string) *Static {
	s := &Static{bindings: make(map[string]string, len(bindings))}
	for name, binding := range bindings {
		s.bindings[name] = binding
	}
	return s
}

// Lookup returns the binding for name
func (s *Static) Lookup(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	binding, ok := s.bindings[name]
	s.mu.RUnlock()
	if !ok || binding == "" {
		return "", &LookupError{Name: name, Err: ErrNotFound}
	}
	return binding, nil
}

// Bind adds or replaces a binding
func (s *Static) Bind(name, binding string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[name] = binding
}

// Names returns the bound names in sorted order
func (s *Static) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.bindings))
	for name := range s.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

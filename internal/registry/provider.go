package registry

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/basket/taskrelay/internal/persistence"
)

// ErrRegistryConflict is returned when a Provider already owns a registry
// for a different backing location.
var ErrRegistryConflict = errors.New("registry already bound to a different store")

// Provider owns the single Registry for one backing location. Callers that
// need a different location must Dispose first.
type Provider struct {
	mu       sync.Mutex
	current  *Registry
	location string
}

// Open returns the registry for store, constructing it on first use.
// Opening the same location again returns the existing instance; opening
// a different location without Dispose is a configuration error.
func (p *Provider) Open(store *persistence.Store, opts ...Option) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("registry: store is nil")
	}
	loc := location(store.Path())

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		if p.location != loc {
			return nil, fmt.Errorf("%w: bound to %q, requested %q", ErrRegistryConflict, p.location, loc)
		}
		return p.current, nil
	}
	p.current = newRegistry(store, opts...)
	p.location = loc
	return p.current, nil
}

// Current returns the bound registry or nil.
func (p *Provider) Current() *Registry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Location returns the bound backing location, or "" when unbound.
func (p *Provider) Location() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.location
}

// Dispose releases the bound registry. The store itself is not closed.
func (p *Provider) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = nil
	p.location = ""
}

func location(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return filepath.Clean(abs)
	}
	return filepath.Clean(path)
}

package store

import (
	"fmt"
	"path/filepath"
	"sync"
)

// Managers hands out one Manager per store file. It replaces a hidden
// process-global: the composition root constructs exactly one Managers and
// passes it to everything that opens a store.
type Managers struct {
	mu     sync.Mutex
	byPath map[string]*Manager
}

// NewManagers returns an empty registry.
func NewManagers() *Managers {
	return &Managers{byPath: make(map[string]*Manager)}
}

// Get returns the manager for opts.Path, opening it on first use.
// Construction is idempotent per cleaned path: concurrent callers for the
// same store always receive the same instance.
func (r *Managers) Get(opts Options) (*Manager, error) {
	key, err := filepath.Abs(filepath.Clean(opts.Path))
	if err != nil {
		return nil, fmt.Errorf("store: resolve path %q: %w", opts.Path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.byPath[key]; ok {
		return m, nil
	}
	opts.Path = key
	m, err := Open(opts)
	if err != nil {
		return nil, err
	}
	r.byPath[key] = m
	return m, nil
}

// CloseAll closes every open manager, keeping the first error.
func (r *Managers) CloseAll() error {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.byPath))
	for _, m := range r.byPath {
		managers = append(managers, m)
	}
	r.byPath = make(map[string]*Manager)
	r.mu.Unlock()

	var firstErr error
	for _, m := range managers {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

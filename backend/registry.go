package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs a backend for a tier.
type Factory func() (Backend, error)

type entry struct {
	name    string
	factory Factory
}

// Registry maps tier levels to constructors.
type Registry struct {
	mu      sync.RWMutex
	entries map[Level]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Level]entry)}
}

// Register adds or replaces the tier at level.
func (r *Registry) Register(level Level, name string, f Factory) error {
	if level < 0 {
		return fmt.Errorf("%w: %d", ErrUnknownLevel, level)
	}
	if f == nil {
		return fmt.Errorf("backend: nil factory for level %d", level)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[level] = entry{name: name, factory: f}
	return nil
}

// Has reports whether level is registered.
func (r *Registry) Has(level Level) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[level]
	return ok
}

// Name returns the registered name of level.
func (r *Registry) Name(level Level) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[level].name
}

// Levels returns the registered levels in ascending order.
func (r *Registry) Levels() []Level {
	r.mu.RLock()
	defer r.mu.RUnlock()
	levels := make([]Level, 0, len(r.entries))
	for l := range r.entries {
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })
	return levels
}

// New constructs the backend for level.
func (r *Registry) New(level Level) (Backend, error) {
	r.mu.RLock()
	e, ok := r.entries[level]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLevel, level)
	}
	b, err := e.factory()
	if err != nil {
		return nil, fmt.Errorf("backend: construct %s: %w", e.name, err)
	}
	return b, nil
}

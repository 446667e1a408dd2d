package runtime

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// ErrUnknownType is returned when no creator is registered for a type.
var ErrUnknownType = errors.New("no creator registered for component type")

// Creator returns a new, unconfigured component.
type Creator func() Component

// Factory maps type names to creators. It is safe for concurrent use.
type Factory struct {
	creators map[string]Creator
	mu       sync.RWMutex
}

// NewFactory creates a factory that knows the kernel's own types.
func NewFactory() *Factory {
	f := &Factory{creators: make(map[string]Creator)}
	f.Register("Identity", func() Component { return &Identity{} })
	f.Register("Chain", func() Component { return &Chain{} })
	f.Register("Filter", func() Component { return &Filter{} })
	f.Register("Set", func() Component { return &Set{} })
	f.Register("Mappings", func() Component { return &Mappings{} })
	f.Register("ContextProperties", func() Component { return &ContextProperties{} })
	return f
}

// Register registers a creator, replacing any previous one for the type.
func (f *Factory) Register(typeName string, creator Creator) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creators[typeName] = creator
}

// Create returns a new component of the given type.
func (f *Factory) Create(typeName string) (Component, error) {
	f.mu.RLock()
	creator, ok := f.creators[typeName]
	f.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeName)
	}
	return creator(), nil
}

// Has reports whether a creator exists for the type.
func (f *Factory) Has(typeName string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.creators[typeName]
	return ok
}

// Types returns the registered type names, sorted.
func (f *Factory) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Sorted(maps.Keys(f.creators))
}

// Unregister removes a creator. It reports whether one existed.
func (f *Factory) Unregister(typeName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.creators[typeName]; !ok {
		return false
	}
	delete(f.creators, typeName)
	return true
}

package engine

import (
	"fmt"
	"sort"
	"sync"
)

type registryKey struct {
	typ  string
	name string
}

// Registry is the catalogue of constructed resources, keyed by type and name.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	resources map[registryKey]Resource
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		resources: make(map[registryKey]Resource),
	}
}

// Register adds r. It fails with a configuration error when another resource
// of the same type already uses the name.
func (reg *Registry) Register(r Resource) error {
	key := registryKey{typ: r.Type(), name: r.Name()}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.resources[key]; exists {
		return NewConfigurationError(
			fmt.Sprintf("%s resource already declared", r.Type()), nil).
			WithCode(ErrCodeDuplicateIdentity).
			WithResource(r.Name()).
			WithOperation("register")
	}
	reg.resources[key] = r
	return nil
}

// Lookup returns the resource registered under type and name.
func (reg *Registry) Lookup(typ, name string) (Resource, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	r, ok := reg.resources[registryKey{typ: typ, name: name}]
	return r, ok
}

// Remove drops a single resource. Removing an unknown resource is a no-op.
func (reg *Registry) Remove(typ, name string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	delete(reg.resources, registryKey{typ: typ, name: name})
}

// ClearType drops every resource of one type.
func (reg *Registry) ClearType(typ string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	for key := range reg.resources {
		if key.typ == typ {
			delete(reg.resources, key)
		}
	}
}

// Clear drops every registered resource.
func (reg *Registry) Clear() {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.resources = make(map[registryKey]Resource)
}

// Len returns the number of registered resources.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	return len(reg.resources)
}

// List returns a snapshot of the registered resources sorted by type, then name.
func (reg *Registry) List() []Resource {
	reg.mu.RLock()
	keys := make([]registryKey, 0, len(reg.resources))
	for key := range reg.resources {
		keys = append(keys, key)
	}
	reg.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].typ != keys[j].typ {
			return keys[i].typ < keys[j].typ
		}
		return keys[i].name < keys[j].name
	})

	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]Resource, 0, len(keys))
	for _, key := range keys {
		if r, ok := reg.resources[key]; ok {
			out = append(out, r)
		}
	}
	return out
}

package fleet

import (
	"sort"
	"sync"

	"evalgo.org/mockcloud/internal/sandbox"
)

// Registry holds the running sandboxes, keyed by node UUID.
type Registry struct {
	mu        sync.RWMutex
	sandboxes map[string]*sandbox.Sandbox
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sandboxes: make(map[string]*sandbox.Sandbox)}
}

// Get returns the sandbox of uuid.
func (r *Registry) Get(uuid string) (*sandbox.Sandbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sb, ok := r.sandboxes[uuid]
	return sb, ok
}

// List returns all sandboxes ordered by UUID.
func (r *Registry) List() []*sandbox.Sandbox {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*sandbox.Sandbox, 0, len(r.sandboxes))
	for _, sb := range r.sandboxes {
		out = append(out, sb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID() < out[j].UUID() })
	return out
}

// Len returns the number of sandboxes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sandboxes)
}

// add stores sb unless its UUID is already present.
func (r *Registry) add(sb *sandbox.Sandbox) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sandboxes[sb.UUID()]; exists {
		return false
	}
	r.sandboxes[sb.UUID()] = sb
	return true
}

// remove drops and returns the sandbox of uuid.
func (r *Registry) remove(uuid string) (*sandbox.Sandbox, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sb, ok := r.sandboxes[uuid]
	if ok {
		delete(r.sandboxes, uuid)
	}
	return sb, ok
}

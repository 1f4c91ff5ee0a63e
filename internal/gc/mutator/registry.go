package mutator

import "sync"

// Registry tracks every live mutator's State. The thread registry
// (internal/threadreg) embeds one of these to answer "enumerate mutators"
// without owning mutator lifetime itself — spec.md §9's note that the GC
// observes mutators only via the external thread registry, avoiding an
// ownership cycle between mutator state and the GC.
type Registry struct {
	mu       sync.RWMutex
	mutators map[uint64]*State
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{mutators: make(map[uint64]*State)}
}

// Add registers s, spec.md §6's onThreadRegistration().
func (r *Registry) Add(s *State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mutators[s.ID] = s
}

// Remove deregisters the mutator with the given id.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mutators, id)
}

// Get looks up a mutator's State by id.
func (r *Registry) Get(id uint64) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.mutators[id]
	return s, ok
}

// Count reports the number of currently registered mutators.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.mutators)
}

// Each calls fn once per registered mutator, over a stable snapshot so fn
// may itself remove entries (e.g. during a concurrent deregistration)
// without deadlocking.
func (r *Registry) Each(fn func(*State)) {
	r.mu.RLock()
	snapshot := make([]*State, 0, len(r.mutators))
	for _, s := range r.mutators {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		fn(s)
	}
}

// ClearAllMarkFlags resets every registered mutator's per-epoch flags,
// spec.md §3 "reset to false between epochs".
func (r *Registry) ClearAllMarkFlags() {
	r.Each(func(s *State) { s.ClearMarkFlags() })
}

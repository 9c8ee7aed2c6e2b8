// Package registry maintains the pool of registered experts and serves
// consistent snapshots to the selector.
package registry

import (
	"fmt"
	"sync"

	"github.com/polymind/polymind/moe"
)

// Entry pairs a descriptor with the callable that implements it.
type Entry struct {
	Descriptor moe.ExpertDescriptor
	Expert     moe.Expert
}

// Registry is safe for concurrent use. Snapshots are copies taken in
// registration order; registrations after a snapshot are not observed by it.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	order   []string
}

func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds an expert under its descriptor id.
func (r *Registry) Register(d moe.ExpertDescriptor, e moe.Expert) error {
	if d.ID == "" {
		return fmt.Errorf("registry: empty expert id: %w", moe.ErrInvalidDescriptor)
	}
	if d.Timeout < 0 {
		return fmt.Errorf("registry: expert %q: negative timeout: %w", d.ID, moe.ErrInvalidDescriptor)
	}
	if e == nil {
		return fmt.Errorf("registry: expert %q: nil handle: %w", d.ID, moe.ErrInvalidDescriptor)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[d.ID]; exists {
		return fmt.Errorf("registry: expert %q: %w", d.ID, moe.ErrDuplicateID)
	}
	r.entries[d.ID] = Entry{Descriptor: d, Expert: e}
	r.order = append(r.order, d.ID)
	return nil
}

// Snapshot returns a copy of all entries in registration order.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id])
	}
	return out
}

// Lookup returns the entry for id, if registered.
func (r *Registry) Lookup(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Len returns the number of registered experts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

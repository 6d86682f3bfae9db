package layout

import (
	"sync"

	"github.com/influxdata/kernelc"
)

// Registry is the append-only, ordered list of layouts compiled during a
// session. Layouts are never removed or replaced; a lookup by tree id
// returns the most recent layout appended for that tree.
type Registry struct {
	mu      sync.RWMutex
	layouts []*kernelc.CompiledLayout
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Append records l.
func (r *Registry) Append(l *kernelc.CompiledLayout) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.layouts = append(r.layouts, l)
}

// Lookup returns the latest layout compiled for id.
func (r *Registry) Lookup(id kernelc.TreeID) (*kernelc.CompiledLayout, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.layouts) - 1; i >= 0; i-- {
		if r.layouts[i].Tree == id {
			return r.layouts[i], true
		}
	}
	return nil, false
}

// Len returns the number of layouts appended so far.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.layouts)
}

// All returns a snapshot of every layout in append order.
func (r *Registry) All() []*kernelc.CompiledLayout {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*kernelc.CompiledLayout(nil), r.layouts...)
}

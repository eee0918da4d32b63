package device

import (
	"sort"

	"github.com/conduit-network/conduit/pkg/config"
	"github.com/conduit-network/conduit/pkg/util"
)

// Registry is the device handle table, keyed by name. Handles are
// created on first connect and retained after close so diagnostics
// stay observable.
type Registry struct {
	handles map[string]*Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Find returns the handle for an exact name, or nil.
func (r *Registry) Find(name string) *Handle {
	return r.handles[name]
}

// GetOrCreate returns the handle for the inventory entry, creating it
// in CLOSED state if needed.
func (r *Registry) GetOrCreate(conf config.DeviceConfig) *Handle {
	if h, ok := r.handles[conf.Name]; ok {
		return h
	}
	h := NewHandle(conf)
	r.handles[conf.Name] = h
	return h
}

// All returns every handle sorted by device name.
func (r *Registry) All() []*Handle {
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Match resolves a glob pattern to the live set, sorted by name.
// An empty pattern matches every handle.
func (r *Registry) Match(pattern string) []*Handle {
	var out []*Handle
	for name, h := range r.handles {
		if util.GlobMatch(pattern, name) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// MatchState resolves a glob pattern filtered to handles in the given
// state, sorted by name.
func (r *Registry) MatchState(pattern string, state ConnState) []*Handle {
	var out []*Handle
	for _, h := range r.Match(pattern) {
		if h.State() == state {
			out = append(out, h)
		}
	}
	return out
}

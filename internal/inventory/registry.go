package inventory

import (
	"fmt"
	"sort"
)

// Registry is a read-only set of sources keyed by ID.
type Registry struct {
	sources map[string]Source
}

func NewRegistry(sources ...Source) (*Registry, error) {
	r := &Registry{sources: make(map[string]Source, len(sources))}
	for _, src := range sources {
		if src.ID == "" {
			return nil, fmt.Errorf("source id is required")
		}
		if _, exists := r.sources[src.ID]; exists {
			return nil, fmt.Errorf("source %q already registered", src.ID)
		}
		r.sources[src.ID] = src
	}
	return r, nil
}

func (r *Registry) Lookup(id string) (Source, bool) {
	if r == nil {
		return Source{}, false
	}
	src, ok := r.sources[id]
	return src, ok
}

func (r *Registry) List() []Source {
	out := make([]Source, 0, len(r.sources))
	for _, src := range r.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

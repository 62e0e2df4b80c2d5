package adapter

import (
	"sort"
	"strings"
)

// Registry maps network names to adapters. It is built once at startup and
// read-only afterwards.
type Registry struct {
	adapters map[string]*Adapter
	names    []string
}

func NewRegistry(adapters ...*Adapter) *Registry {
	r := &Registry{adapters: make(map[string]*Adapter, len(adapters))}
	for _, a := range adapters {
		key := strings.ToLower(a.Name())
		r.adapters[key] = a
		r.names = append(r.names, key)
	}
	sort.Strings(r.names)
	return r
}

// Get looks a network up case-insensitively.
func (r *Registry) Get(name string) (*Adapter, bool) {
	a, ok := r.adapters[strings.ToLower(name)]
	return a, ok
}

// All returns adapters sorted by network name.
func (r *Registry) All() []*Adapter {
	out := make([]*Adapter, len(r.names))
	for i, n := range r.names {
		out[i] = r.adapters[n]
	}
	return out
}

// Close tears down every adapter's streams.
func (r *Registry) Close() {
	for _, a := range r.adapters {
		a.Close()
	}
}

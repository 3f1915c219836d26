package scanner

import (
	"fmt"
	"sync"
)

// Registry holds the fixed, ordered list of categories. It is populated at
// startup and read-only once a scan begins.
type Registry struct {
	mu         sync.RWMutex
	categories []Category
	index      map[string]int
}

func NewRegistry() *Registry {
	return &Registry{
		index: make(map[string]int),
	}
}

func (r *Registry) Register(c Category) error {
	if c.ID == "" {
		return fmt.Errorf("category id is required")
	}
	for i, p := range c.Plugins {
		if p == nil {
			return fmt.Errorf("category %q plugin %d is nil", c.ID, i)
		}
		if p.Name() == "" {
			return fmt.Errorf("category %q plugin %d name is required", c.ID, i)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.index[c.ID]; exists {
		return fmt.Errorf("category %q already registered", c.ID)
	}
	c.Plugins = append([]Plugin(nil), c.Plugins...)
	r.index[c.ID] = len(r.categories)
	r.categories = append(r.categories, c)
	return nil
}

func (r *Registry) Get(id string) (Category, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[id]
	if !ok {
		return Category{}, fmt.Errorf("category %q not found", id)
	}
	return r.categories[i], nil
}

// Categories returns every category in registration order.
func (r *Registry) Categories() []Category {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Category(nil), r.categories...)
}

// Enabled returns the enabled categories in registration order.
func (r *Registry) Enabled() []Category {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Category, 0, len(r.categories))
	for _, c := range r.categories {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[id]
	if !ok {
		return fmt.Errorf("category %q not found", id)
	}
	r.categories[i].Enabled = enabled
	return nil
}

// Validate reports configurations that cannot produce a scan: no enabled
// categories, or an enabled category without plugins.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	enabled := 0
	for _, c := range r.categories {
		if !c.Enabled {
			continue
		}
		enabled++
		if len(c.Plugins) == 0 {
			return &RegistryConfigError{Reason: fmt.Sprintf("category %q has no plugins", c.ID)}
		}
	}
	if enabled == 0 {
		return &RegistryConfigError{Reason: "no categories defined"}
	}
	return nil
}

// Package registry maintains the configuration-driven catalog mapping model
// aliases to ordered provider candidates.
package registry

import (
	"sync"

	"github.com/peregrinehq/switchboard/pkg/adapter"
	"github.com/peregrinehq/switchboard/pkg/gwerr"
)

// Candidate pairs a provider descriptor with its adapter instance. Holders
// of a Candidate keep working even if the provider is later removed.
type Candidate struct {
	Descriptor *adapter.Descriptor
	Adapter    adapter.Adapter
}

// Registry maps model aliases to fallback-ordered candidate lists. It is
// safe for concurrent use; lookups return snapshots so registration and
// removal never disturb in-flight requests.
type Registry struct {
	mu sync.RWMutex
	// byModel preserves registration order, which defines fallback priority.
	byModel    map[string][]*Candidate
	byProvider map[string]*Candidate
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byModel:    make(map[string][]*Candidate),
		byProvider: make(map[string]*Candidate),
	}
}

// Register adds a provider for every model alias its descriptor lists.
// Registering an existing provider name replaces it, keeping its fallback
// position for aliases it already served.
func (r *Registry) Register(d *adapter.Descriptor, a adapter.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byProvider[d.Name]; ok {
		r.removeLocked(old)
	}

	c := &Candidate{Descriptor: d, Adapter: a}
	r.byProvider[d.Name] = c
	for _, model := range d.Models {
		r.byModel[model] = append(r.byModel[model], c)
	}
}

// Remove deletes a provider from the catalog. Requests already holding its
// candidate are unaffected.
func (r *Registry) Remove(providerName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byProvider[providerName]
	if !ok {
		return
	}
	delete(r.byProvider, providerName)
	r.removeLocked(c)
}

func (r *Registry) removeLocked(c *Candidate) {
	for _, model := range c.Descriptor.Models {
		list := r.byModel[model]
		for i, cand := range list {
			if cand == c {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(r.byModel, model)
		} else {
			r.byModel[model] = list
		}
	}
}

// Lookup returns the fallback-ordered candidates serving a model alias, or
// ModelNotFound if none is configured. The returned slice is a snapshot.
func (r *Registry) Lookup(model string) ([]*Candidate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list, ok := r.byModel[model]
	if !ok || len(list) == 0 {
		return nil, gwerr.NewModelNotFound(model)
	}
	out := make([]*Candidate, len(list))
	copy(out, list)
	return out, nil
}

// Provider returns the candidate registered under a provider name.
func (r *Registry) Provider(name string) (*Candidate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byProvider[name]
	return c, ok
}

// Providers returns all registered provider names.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byProvider))
	for name := range r.byProvider {
		names = append(names, name)
	}
	return names
}

// Models returns all model aliases with at least one candidate.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	models := make([]string, 0, len(r.byModel))
	for model := range r.byModel {
		models = append(models, model)
	}
	return models
}

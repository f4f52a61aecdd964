// Package adapters provides the compiled-in catalog of provider adapter
// factories. The gateway resolves a descriptor's type through this registry
// at startup; there is no runtime plugin loading.
package adapters

import (
	"fmt"
	"sync"

	"github.com/peregrinehq/switchboard/adapters/anthropic"
	"github.com/peregrinehq/switchboard/adapters/ollama"
	"github.com/peregrinehq/switchboard/adapters/openai"
	"github.com/peregrinehq/switchboard/pkg/adapter"
)

var (
	registry     = make(map[string]adapter.Factory)
	registryOnce sync.Once
	registryMu   sync.RWMutex
)

// Register registers a factory under an adapter type name. Registering the
// same name twice replaces the earlier factory.
func Register(name string, factory adapter.Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Get returns the factory for an adapter type.
func Get(name string) (adapter.Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// Create instantiates the adapter for a descriptor type.
func Create(name string) (adapter.Adapter, error) {
	f, ok := Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown adapter type: %s (available: %v)", name, List())
	}
	return f(), nil
}

// List returns all registered adapter type names.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// RegisterBuiltins registers the built-in adapter factories. Called
// automatically on package init.
func RegisterBuiltins() {
	registryOnce.Do(func() {
		Register(openai.AdapterName, func() adapter.Adapter { return openai.New() })
		Register(anthropic.AdapterName, func() adapter.Adapter { return anthropic.New() })
		Register(ollama.AdapterName, func() adapter.Adapter { return ollama.New() })
	})
}

func init() {
	RegisterBuiltins()
}

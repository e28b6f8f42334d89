package definition

import (
	"fmt"
	"sort"
	"sync"
)

var (
	registry   = make(map[string]TableType)
	registryMu sync.RWMutex
)

// Register adds a table type to the registry.
// Panics if a table type with the same key is already registered.
func Register(def TableType) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[def.Key]; exists {
		panic(fmt.Sprintf("table type already registered: %s", def.Key))
	}
	if def.Version <= 0 {
		def.Version = 1
	}

	registry[def.Key] = def
}

// Get returns a table type by key.
// Returns false if not found.
func Get(key string) (TableType, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	def, ok := registry[key]
	return def, ok
}

// All returns all registered table types, sorted by key.
func All() []TableType {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]TableType, 0, len(registry))
	for _, def := range registry {
		result = append(result, def)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Key < result[j].Key
	})

	return result
}

// Authoritative returns the table type that feeds the patient universe.
// Returns false if none is registered.
func Authoritative() (TableType, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	for _, def := range registry {
		if def.Authoritative {
			return def, true
		}
	}
	return TableType{}, false
}

// Count returns the number of registered table types.
func Count() int {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return len(registry)
}

// Clear removes all registered table types.
// Primarily useful for testing.
func Clear() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = make(map[string]TableType)
}

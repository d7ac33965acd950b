// Package engine provides the core functionality for managing and executing modules.
package engine

import (
	"fmt"
	"maps"

	"github.com/rs/zerolog/log"
)

// ModuleFactory is a function that creates an instance of a module.
// This allows the orchestrator to dynamically load and instantiate modules.
type ModuleFactory func() Module

// Global module registry
var moduleRegistry = make(map[string]ModuleFactory)

// RegisterModuleFactory adds a module factory to the registry.
// The `name` should correspond to the `module` field used in DAG definitions.
func RegisterModuleFactory(name string, factory ModuleFactory) {
	if _, exists := moduleRegistry[name]; exists {
		log.Warn().Str("module", name).Msg("Module factory is being overwritten")
	}
	moduleRegistry[name] = factory
}

// GetModuleInstance creates a new instance of a module given its registered name
// and initializes it with the provided configuration.
func GetModuleInstance(instanceID, name string, config map[string]any) (Module, error) {
	factory, ok := moduleRegistry[name]
	if !ok {
		return nil, fmt.Errorf("no module factory registered for name: %s", name)
	}
	moduleInstance := factory()
	if err := moduleInstance.Init(instanceID, config); err != nil {
		return nil, fmt.Errorf("failed to initialize module '%s': %w", name, err)
	}
	return moduleInstance, nil
}

// GetRegisteredModuleFactories returns a shallow copy of the module registry.
// This allows components like the DAGPlanner to discover available modules
// and access their factory functions to get metadata or create instances.
// Returning a copy prevents external modification of the original registry map.
func GetRegisteredModuleFactories() map[string]ModuleFactory {
	registryCopy := make(map[string]ModuleFactory, len(moduleRegistry))
	maps.Copy(registryCopy, moduleRegistry)
	return registryCopy
}

// GetAllModuleMetadata creates temporary instances of all registered modules
// to retrieve their metadata. Factories must be lightweight; the
// configuration-based Init() only runs later via GetModuleInstance.
func GetAllModuleMetadata() ([]ModuleMetadata, error) {
	allMetadata := make([]ModuleMetadata, 0, len(moduleRegistry))
	for name, factory := range moduleRegistry {
		moduleInstance := factory()
		if moduleInstance == nil {
			return nil, fmt.Errorf("module factory for '%s' returned a nil instance", name)
		}
		meta := moduleInstance.Metadata()
		// Keep the registered name canonical when metadata disagrees.
		if meta.Name == "" || meta.Name != name {
			meta.Name = name
		}
		allMetadata = append(allMetadata, meta)
	}
	return allMetadata, nil
}

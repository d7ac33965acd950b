package engine

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// Module type names used throughout the planner
	moduleTypeTopologyResolve   = "topology-resolve"
	moduleTypeICMPLiveness      = "icmp-liveness"
	moduleTypeSSDPDiscover      = "ssdp-discover"
	moduleTypePortSweep         = "port-sweep"
	moduleTypeSignatureClassify = "signature-classify"
)

// ReconIntent represents the caller's high-level goal for a reconnaissance run.
// Zero values mean "module default"; the planner only writes overrides for
// values the caller actually set.
type ReconIntent struct {
	Subnet           string // CIDR or a.b.c.X-Y range; empty means auto-resolve from interfaces
	Ports            string // e.g., "80,443,554,8000-8010"
	TimeoutMs        int    // per-probe timeout in milliseconds
	Concurrency      int    // max concurrent probes
	DeadlineMs       int    // global sweep deadline in milliseconds
	IncludeDiscovery bool   // run the SSDP multicast prober
	IncludeTraffic   bool   // run the traffic pattern analyzer
	EnablePing       bool   // run the ICMP liveness pre-sweep
	PingCount        int    // ICMP echo requests per host
	SSDPWaitMs       int    // SSDP listen window in milliseconds
	SignaturesPath   string // operator signature catalog override
	IncludeTags      []string
	ExcludeTags      []string
}

// summary names the branch combination for DAG naming and logs.
func (intent ReconIntent) summary() string {
	parts := []string{"sweep"}
	if intent.EnablePing {
		parts = append(parts, "ping")
	}
	if intent.IncludeDiscovery {
		parts = append(parts, "ssdp")
	}
	if intent.IncludeTraffic {
		parts = append(parts, "traffic")
	}
	return strings.Join(parts, "+")
}

// DAGPlanner is responsible for automatically constructing a DAGDefinition based on recon intent and module metadata.
type DAGPlanner struct {
	moduleRegistry map[string]ModuleFactory // Access to all registered module factories and their metadata
	configManager  ConfigManager            // Configuration manager for reading module configs
	logger         zerolog.Logger
}

// ConfigManager is an interface for accessing configuration values.
type ConfigManager interface {
	GetValue(key string) any
}

// NewDAGPlanner creates a new DAGPlanner.
func NewDAGPlanner(registry map[string]ModuleFactory, configMgr ConfigManager) (*DAGPlanner, error) {
	return &DAGPlanner{
		moduleRegistry: registry,
		configManager:  configMgr,
		logger:         log.With().Str("component", "DAGPlanner").Logger(),
	}, nil
}

// initializeDataKeys sets up initial data keys for DAG planning based on intent.
// Caller-supplied traffic samples are the only pipeline input that does not
// originate from a module.
func (p *DAGPlanner) initializeDataKeys(intent ReconIntent) map[string]string {
	availableDataKeys := make(map[string]string)
	if intent.IncludeTraffic {
		availableDataKeys["traffic.samples"] = "initial_input"
	}
	if len(availableDataKeys) > 0 {
		p.logger.Debug().Interface("initial_keys", availableDataKeys).Msg("Initial available data keys")
	}
	return availableDataKeys
}

// checkModuleDependencies checks if all required dependencies for a module are met.
func (p *DAGPlanner) checkModuleDependencies(
	meta ModuleMetadata,
	availableDataKeys map[string]string,
) bool {
	if len(meta.Consumes) == 0 {
		return true
	}

	for _, consumedContract := range meta.Consumes {
		consumedKeyString := consumedContract.Key
		if _, keyIsAvailable := availableDataKeys[consumedKeyString]; !keyIsAvailable && !consumedContract.IsOptional {
			p.logger.Trace().Str("module", meta.Name).Str("missing_key", consumedKeyString).
				Msg("Dependency key not yet available for module")
			return false
		}
	}
	return true
}

// addModuleToDAG adds a module to the DAG and updates tracking structures.
func (p *DAGPlanner) addModuleToDAG(
	meta ModuleMetadata,
	intent ReconIntent,
	dagDef *DAGDefinition,
	dagNodeConfigs map[string]DAGNodeConfig,
	availableDataKeys map[string]string,
) {
	instanceID := p.generateInstanceID(meta.Name, dagNodeConfigs)

	nodeCfg := DAGNodeConfig{
		InstanceID: instanceID,
		ModuleType: meta.Name,
		Config:     p.configureModule(meta, intent),
	}

	dagDef.Nodes = append(dagDef.Nodes, nodeCfg)
	dagNodeConfigs[instanceID] = dagDef.Nodes[len(dagDef.Nodes)-1]

	p.logger.Debug().Str("module", meta.Name).Str("instance_id", instanceID).Msg("Added module to DAG")

	// Register produced data keys
	for _, producedContract := range meta.Produces {
		producedKey := producedContract.Key
		if existingProducer, found := availableDataKeys[producedKey]; found && existingProducer != "initial_input" {
			p.logger.Warn().Str("data_key", producedKey).Str("new_producer", instanceID).
				Str("existing_producer", existingProducer).
				Msg("DataKey already produced by another module. Overwriting producer.")
		}
		availableDataKeys[producedKey] = instanceID
		p.logger.Trace().Str("module_producer", meta.Name).Str("instance_id_producer", instanceID).
			Str("produced_key", producedKey).Msg("Marked key as available")
	}
}

// buildDAGIteratively builds the DAG by iteratively adding modules whose dependencies are met.
func (p *DAGPlanner) buildDAGIteratively(
	candidateModules []ModuleFactory,
	intent ReconIntent,
	dagDef *DAGDefinition,
	availableDataKeys map[string]string,
) map[string]bool {
	dagNodeConfigs := make(map[string]DAGNodeConfig)
	moduleTypesAddedToDAG := make(map[string]bool)

	for {
		addedInThisIteration := 0

		for _, modFactory := range candidateModules {
			tempMod := modFactory()
			meta := tempMod.Metadata()

			if moduleTypesAddedToDAG[meta.Name] {
				continue
			}

			if p.checkModuleDependencies(meta, availableDataKeys) {
				p.addModuleToDAG(meta, intent, dagDef, dagNodeConfigs, availableDataKeys)
				moduleTypesAddedToDAG[meta.Name] = true
				addedInThisIteration++
			}
		}

		if addedInThisIteration == 0 {
			p.logger.Debug().Int("total_dag_nodes", len(dagDef.Nodes)).
				Msg("No more modules added in this planning iteration. Loop will terminate.")
			break
		}
		p.logger.Debug().Int("added_this_iteration", addedInThisIteration).
			Int("total_dag_nodes", len(dagDef.Nodes)).
			Msg("Completed an iteration of DAG planning.")
	}

	return moduleTypesAddedToDAG
}

// logUnprocessedModules logs modules that couldn't be added due to unmet dependencies.
func (p *DAGPlanner) logUnprocessedModules(
	candidateModules []ModuleFactory,
	moduleTypesAddedToDAG map[string]bool,
	availableDataKeys map[string]string,
) {
	if len(moduleTypesAddedToDAG) >= len(candidateModules) {
		return
	}

	p.logger.Warn().Msg("Not all candidate modules selected by intent could be added to the DAG. Logging unprocessed modules and their potential unmet dependencies:")
	for _, modFactory := range candidateModules {
		meta := modFactory().Metadata()
		if !moduleTypesAddedToDAG[meta.Name] {
			unmetDependencies := []string{}
			for _, consumedContract := range meta.Consumes {
				consumedKey := consumedContract.Key
				if _, found := availableDataKeys[consumedKey]; !found {
					unmetDependencies = append(unmetDependencies, consumedKey)
				}
			}
			p.logger.Warn().Str("module", meta.Name).Strs("unmet_dependencies", unmetDependencies).
				Msg("Unprocessed candidate module")
		}
	}
}

// PlanDAG attempts to create a DAGDefinition based on the provided recon intent.
func (p *DAGPlanner) PlanDAG(intent ReconIntent) (*DAGDefinition, error) {
	p.logger.Info().Interface("intent", intent).Msg("Planning DAG based on recon intent")

	dagDef := &DAGDefinition{
		Name:        fmt.Sprintf("recon_%s", intent.summary()),
		Description: fmt.Sprintf("Automatically planned reconnaissance DAG (%s)", intent.summary()),
		Nodes:       []DAGNodeConfig{},
	}

	candidateModules := p.selectModulesForIntent(intent)
	if len(candidateModules) == 0 {
		p.logger.Error().Msg("No suitable modules found for the given recon intent")
		return nil, fmt.Errorf("no suitable modules found for the given recon intent")
	}
	p.logger.Debug().Int("count", len(candidateModules)).Msg("Candidate modules selected")

	// Initialize available data keys
	availableDataKeys := p.initializeDataKeys(intent)

	// Build DAG iteratively
	moduleTypesAddedToDAG := p.buildDAGIteratively(candidateModules, intent, dagDef, availableDataKeys)

	// Log unprocessed modules if any
	p.logUnprocessedModules(candidateModules, moduleTypesAddedToDAG, availableDataKeys)

	// Validate DAG is not empty
	if len(dagDef.Nodes) == 0 {
		if len(candidateModules) > 0 {
			p.logger.Error().Msg("Failed to plan any nodes for the DAG, though candidates were selected. Check dependencies or initial inputs.")
			return nil, fmt.Errorf("failed to plan any nodes for the DAG, though candidates were selected. Check dependencies or initial inputs")
		}
		p.logger.Error().Msg("No candidate modules selected and no DAG nodes planned")
		return nil, fmt.Errorf("no candidate modules selected and no DAG nodes planned")
	}

	p.logger.Info().Int("nodes_in_dag", len(dagDef.Nodes)).Msg("DAG planning complete")
	return dagDef, nil
}

// selectModulesForIntent filters moduleRegistry based on the recon intent.
// Selection is toggle-driven: the sweep, classifier, and reporter always run;
// ICMP liveness, SSDP discovery, and traffic analysis join when their toggles
// are on. Tag filters apply on top of the toggles.
func (p *DAGPlanner) selectModulesForIntent(intent ReconIntent) []ModuleFactory {
	var selected []ModuleFactory

	for name, factory := range p.moduleRegistry {
		meta := factory().Metadata()
		if !p.matchesTags(meta.Tags, intent.IncludeTags, intent.ExcludeTags) {
			continue
		}

		include := false
		switch meta.Type {
		case DiscoveryModuleType:
			switch meta.Name {
			case moduleTypeICMPLiveness:
				include = intent.EnablePing
			case moduleTypeSSDPDiscover:
				include = intent.IncludeDiscovery
			default:
				// Topology resolution and any future discovery module run unconditionally.
				include = true
			}
		case ScanModuleType, ParseModuleType:
			include = true
		case EvaluationModuleType:
			include = intent.IncludeTraffic
		case ReportingModuleType:
			// Deferred to ensureReporter so exactly one reporter is planned.
			include = false
		}

		if include {
			selected = append(selected, factory)
			p.logger.Debug().Str("module", name).Msg("Selected module for recon intent")
		}
	}

	return p.ensureReporter(selected, intent)
}

// ensureReporter appends one reporting module so every non-empty plan ends in a report.
func (p *DAGPlanner) ensureReporter(selected []ModuleFactory, intent ReconIntent) []ModuleFactory {
	if len(selected) == 0 {
		return selected
	}
	for _, factory := range selected {
		if factory().Metadata().Type == ReportingModuleType {
			return selected
		}
	}
	for name, factory := range p.moduleRegistry {
		if factory().Metadata().Type != ReportingModuleType {
			continue
		}
		if !p.matchesTags(factory().Metadata().Tags, intent.IncludeTags, intent.ExcludeTags) {
			continue
		}
		selected = append(selected, factory)
		p.logger.Debug().Str("module", name).Msg("Added default reporting module")
		break
	}
	return selected
}

// matchesTags checks if a module's tags satisfy the include/exclude criteria.
func (p *DAGPlanner) matchesTags(moduleTags, includeTags, excludeTags []string) bool {
	if len(excludeTags) > 0 {
		for _, et := range excludeTags {
			if containsTag(moduleTags, et) {
				return false // Excluded by tag
			}
		}
	}
	if len(includeTags) > 0 {
		included := false
		for _, it := range includeTags {
			if containsTag(moduleTags, it) {
				included = true
				break
			}
		}
		if !included {
			return false // Does not have any of the required include tags
		}
	}
	return true
}

// configureModule creates a configuration map for a module instance based on its
// default schema and overrides from the recon intent and config file.
// Configuration precedence (highest to lowest):
// 1. Intent-specific overrides (from CLI flags)
// 2. Config file values (from lanscout.yaml modules.* section)
// 3. Module default values (from module schema)
func (p *DAGPlanner) configureModule(meta ModuleMetadata, intent ReconIntent) map[string]any {
	cfg := make(map[string]any)

	// 1. Apply module defaults from schema (lowest precedence)
	p.applyModuleDefaults(cfg, meta)

	// 2. Apply config file values (medium precedence)
	p.applyConfigFileValues(cfg, meta)

	// 3. Apply intent overrides from CLI flags (highest precedence)
	p.applyIntentOverrides(cfg, meta, intent)

	return cfg
}

// applyModuleDefaults applies default values from module schema.
func (p *DAGPlanner) applyModuleDefaults(cfg map[string]any, meta ModuleMetadata) {
	for paramName, paramDef := range meta.ConfigSchema {
		if paramDef.Default != nil {
			cfg[paramName] = paramDef.Default
		}
	}
}

// applyConfigFileValues applies configuration values from config file if available.
func (p *DAGPlanner) applyConfigFileValues(cfg map[string]any, meta ModuleMetadata) {
	if p.configManager == nil {
		return
	}

	moduleConfigKey := fmt.Sprintf("modules.%s", meta.Name)
	moduleConfigValue := p.configManager.GetValue(moduleConfigKey)
	if moduleConfigValue == nil {
		return
	}

	moduleConfigMap, ok := moduleConfigValue.(map[string]any)
	if !ok {
		return
	}

	maps.Copy(cfg, moduleConfigMap)

	p.logger.Debug().
		Str("module", meta.Name).
		Interface("config_from_file", moduleConfigMap).
		Msg("Applied module config from config file")
}

// applyIntentOverrides applies CLI flag overrides from recon intent.
// Only applies when explicitly set by the caller (non-zero/non-empty values).
func (p *DAGPlanner) applyIntentOverrides(cfg map[string]any, meta ModuleMetadata, intent ReconIntent) {
	switch meta.Name {
	case moduleTypeTopologyResolve:
		if intent.Subnet != "" {
			cfg["subnet"] = intent.Subnet
			p.logger.Debug().Str("module", meta.Name).Str("subnet", intent.Subnet).Msg("Applied subnet override from intent")
		}
	case moduleTypePortSweep:
		if intent.Ports != "" {
			cfg["ports"] = intent.Ports
			p.logger.Debug().Str("module", meta.Name).Str("ports", intent.Ports).Msg("Applied custom port config from intent")
		}
		// Modules parse durations as strings; the intent carries milliseconds.
		if intent.TimeoutMs > 0 {
			cfg["probe_timeout"] = (time.Duration(intent.TimeoutMs) * time.Millisecond).String()
		}
		if intent.Concurrency > 0 {
			cfg["concurrency"] = intent.Concurrency
		}
		if intent.DeadlineMs > 0 {
			cfg["deadline"] = (time.Duration(intent.DeadlineMs) * time.Millisecond).String()
		}
	case moduleTypeICMPLiveness:
		if intent.TimeoutMs > 0 {
			cfg["timeout"] = (time.Duration(intent.TimeoutMs) * time.Millisecond).String()
		}
		if intent.Concurrency > 0 {
			cfg["concurrency"] = intent.Concurrency
		}
		if intent.PingCount > 0 {
			cfg["count"] = intent.PingCount
		}
	case moduleTypeSSDPDiscover:
		if intent.SSDPWaitMs > 0 {
			cfg["wait"] = (time.Duration(intent.SSDPWaitMs) * time.Millisecond).String()
		}
	case moduleTypeSignatureClassify:
		if intent.SignaturesPath != "" {
			cfg["catalog_path"] = intent.SignaturesPath
			p.logger.Debug().Str("module", meta.Name).Str("catalog_path", intent.SignaturesPath).Msg("Applied signature catalog override from intent")
		}
	}
}

// generateInstanceID creates a unique instance ID for a module in the DAG.
// Appends a suffix if a module with the same base name already exists.
func (p *DAGPlanner) generateInstanceID(moduleName string, existingNodes map[string]DAGNodeConfig) string {
	baseID := strings.ReplaceAll(strings.ToLower(moduleName), "-", "_")
	id := baseID
	counter := 1
	for {
		if _, exists := existingNodes[id]; !exists {
			return id
		}
		id = fmt.Sprintf("%s_%d", baseID, counter)
		counter++
	}
}

// Helper to check if a slice contains a string.
func containsTag(tags []string, tagToFind string) bool {
	return slices.Contains(tags, tagToFind)
}

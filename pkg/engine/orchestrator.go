package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DAGNodeConfig defines the configuration for a single node (module instance) in the DAG.
type DAGNodeConfig struct {
	InstanceID string         `yaml:"instance_id"` // Unique ID for this module instance in the DAG
	ModuleType string         `yaml:"module_type"` // Registered name of the module (e.g., "port-sweep")
	Config     map[string]any `yaml:"config"`      // Module-specific configuration
}

// DAGDefinition defines the entire Directed Acyclic Graph of modules for a scan.
type DAGDefinition struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Nodes       []DAGNodeConfig `yaml:"nodes"`
}

// Orchestrator manages the execution of a DAG of modules.
type Orchestrator struct {
	dag         *DAGDefinition
	moduleNodes map[string]*runtimeNode // Map of InstanceID to its runtime representation
	dataCtx     *DataContext            // Central place to store and retrieve module outputs
	logger      zerolog.Logger
	order       []string // Execution order of started nodes
}

type runtimeNode struct {
	instanceID   string
	module       Module
	config       DAGNodeConfig
	status       NodeStatus
	startTime    time.Time
	endTime      time.Time
	err          error
	outputs      map[string]ModuleOutput
	dependencies []*runtimeNode
	dependents   []*runtimeNode
}

type NodeStatus int

const (
	NodeStatusIdle NodeStatus = iota
	NodeStatusPending
	NodeStatusRunning
	NodeStatusCompleted
	NodeStatusFailed
)

// String returns the string representation of the NodeStatus value.
func (s NodeStatus) String() string {
	return [...]string{"Idle", "Pending", "Running", "Completed", "Failed"}[s]
}

// cancelDrainGrace bounds how long the orchestrator waits for an in-flight
// module to come back after the caller's context died. Probing modules absorb
// cancellation into partial outputs well within this window; the grace period
// only matters if a module misbehaves and never returns.
const cancelDrainGrace = 30 * time.Second

// NewOrchestrator creates and initializes a new Orchestrator instance based on the
// provided DAGDefinition. It instantiates module nodes, establishes dependencies
// between nodes from explicit __depends_on entries and Consumes/Produces metadata,
// and prepares the orchestrator for execution. Returns an error if the DAG
// definition is invalid, contains duplicate instance IDs, or if any module
// instance fails to initialize.
//
// nolint:gocyclo // function orchestrates multiple concerns; refactor planned separately
func NewOrchestrator(dagDef *DAGDefinition) (*Orchestrator, error) {
	if dagDef == nil || len(dagDef.Nodes) == 0 {
		return nil, fmt.Errorf("DAG definition is nil or has no nodes")
	}

	orc := &Orchestrator{
		dag:         dagDef,
		moduleNodes: make(map[string]*runtimeNode),
		dataCtx:     NewDataContext(),
		logger:      log.With().Str("component", "Orchestrator").Str("dag_name", dagDef.Name).Logger(),
	}

	// Tracks which DataKey is produced by which module instance.
	producesMap := make(map[string]string) // DataKey -> producer InstanceID

	// First pass: Instantiate modules and identify what they produce.
	for _, nodeCfg := range dagDef.Nodes {
		if nodeCfg.InstanceID == "" {
			return nil, fmt.Errorf("DAG node config missing instance_id for module_type '%s'", nodeCfg.ModuleType)
		}
		if _, exists := orc.moduleNodes[nodeCfg.InstanceID]; exists {
			return nil, fmt.Errorf("duplicate instance_id '%s' in DAG definition", nodeCfg.InstanceID)
		}

		moduleInstance, err := GetModuleInstance(nodeCfg.InstanceID, nodeCfg.ModuleType, nodeCfg.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to create module instance '%s' (type: %s): %w", nodeCfg.InstanceID, nodeCfg.ModuleType, err)
		}

		node := &runtimeNode{
			instanceID: nodeCfg.InstanceID,
			module:     moduleInstance,
			config:     nodeCfg,
			status:     NodeStatusIdle,
			outputs:    make(map[string]ModuleOutput),
		}
		orc.moduleNodes[nodeCfg.InstanceID] = node
		orc.logger.Debug().Str("instance_id", nodeCfg.InstanceID).Str("module_type", nodeCfg.ModuleType).Msg("Module instance created and initialized")

		// Optional lifecycle init
		if lc, ok := moduleInstance.(ModuleLifecycle); ok {
			if err := lc.LifecycleInit(context.Background()); err != nil {
				return nil, fmt.Errorf("lifecycle init failed for '%s': %w", nodeCfg.InstanceID, err)
			}
		}

		// Register what this node produces for dependency resolution.
		for _, contractEntry := range moduleInstance.Metadata().Produces {
			dataKeyString := contractEntry.Key
			if existingProducer, found := producesMap[dataKeyString]; found {
				orc.logger.Warn().Str("data_key", dataKeyString).Str("existing_producer", existingProducer).Str("new_producer", nodeCfg.InstanceID).Msg("DataKey is produced by multiple module instances in this DAG. Dependency resolution might use the last one registered for this DataKey.")
			}
			producesMap[dataKeyString] = nodeCfg.InstanceID
		}
	}

	// Second pass: Resolve dependencies from explicit entries and Consumes/Produces metadata.
	for _, node := range orc.moduleNodes {
		nodeLogger := orc.logger.With().Str("node_instance_id", node.instanceID).Logger()

		addDependency := func(depID string) {
			depNode, exists := orc.moduleNodes[depID]
			if !exists {
				nodeLogger.Warn().Str("explicit_dependency", depID).Msg("Explicit dependency not found in DAG nodes")
				return
			}
			if depNode.instanceID == node.instanceID {
				return
			}
			for _, existingDep := range node.dependencies {
				if existingDep.instanceID == depID {
					return
				}
			}
			node.dependencies = append(node.dependencies, depNode)
			depNode.dependents = append(depNode.dependents, node)
			nodeLogger.Debug().Str("explicit_dependency", depID).Msg("Resolved explicit DAG dependency")
		}

		// Explicit dependencies from DAGSchema (stored in config as __depends_on).
		// YAML round-trips deliver []any, direct construction delivers []string.
		switch explicitDeps := node.config.Config["__depends_on"].(type) {
		case []any:
			for _, depIDInterface := range explicitDeps {
				if depID, ok := depIDInterface.(string); ok {
					addDependency(depID)
				}
			}
		case []string:
			for _, depID := range explicitDeps {
				addDependency(depID)
			}
		}

		// Implicit dependencies from Consumes/Produces metadata.
		for _, consumedContract := range node.module.Metadata().Consumes {
			consumedKeyString := consumedContract.Key
			producerInstanceID, produced := producesMap[consumedKeyString]
			if !produced {
				nodeLogger.Debug().Str("consumed_key", consumedKeyString).Msg("Consumed key not produced by any other DAG node; expected from initial inputs or to be optional.")
				continue
			}
			producerNode, exists := orc.moduleNodes[producerInstanceID]
			if !exists {
				nodeLogger.Error().Str("consumed_key", consumedKeyString).Str("producer_id_from_map", producerInstanceID).Msg("Producer instance ID found in producesMap, but node not in moduleNodes. This is an internal error.")
				continue
			}
			if producerNode.instanceID == node.instanceID {
				continue
			}
			alreadyAdded := false
			for _, existingDep := range node.dependencies {
				if existingDep.instanceID == producerInstanceID {
					alreadyAdded = true
					break
				}
			}
			if !alreadyAdded {
				node.dependencies = append(node.dependencies, producerNode)
				producerNode.dependents = append(producerNode.dependents, node)
			}
			nodeLogger.Debug().Str("consumed_key", consumedKeyString).Str("producer_instance_id", producerInstanceID).Msg("Resolved implicit DAG dependency")
		}
	}

	orc.logger.Info().Int("node_count", len(orc.moduleNodes)).Msg("Orchestrator initialized successfully")
	return orc, nil
}

// Run executes the DAG by running its module nodes according to their
// dependencies. It takes a context for cancellation and an optional map of
// initial inputs to seed the global data context (e.g., "traffic.samples").
//
// Returns the full data context collected after execution plus an error if a
// module failed. Cancellation of ctx is deliberately NOT an error by itself:
// probing modules absorb it into partial outputs and downstream aggregation
// nodes still run, so a cancelled scan yields a partial report rather than
// nothing. Run only errors on cancellation if an in-flight module fails to
// come back within the drain grace period.
//
// nolint:gocyclo // complex coordination; consider splitting in future iterations
func (o *Orchestrator) Run(ctx context.Context, initialInputs map[string]any) (map[string]any, error) {
	logger := log.With().Str("dag", o.dag.Name).Logger()
	logger.Info().Msg("Starting DAG execution")

	// Ensure the pipeline schema exists (idempotent)
	RegisterReconSchema(o.dataCtx)

	// Seed initial inputs: typed publish for registered single-cardinality
	// keys, legacy set for everything else.
	for key, value := range initialInputs {
		if err := o.dataCtx.PublishValue(key, value); err != nil {
			o.dataCtx.SetInitial(key, value)
		}
	}

	// Keep track of nodes that have finished execution
	executionCompleted := make(map[string]bool)
	var completedMutex sync.Mutex // Protects executionCompleted map

	// Channel to signal that a node has finished, to re-evaluate runnable nodes
	nodeDoneSignal := make(chan string, len(o.moduleNodes))

	var overallError error
	var errorOnce sync.Once

	setOverallError := func(err error) {
		errorOnce.Do(func() {
			overallError = err
		})
	}

	var activeGoroutines sync.WaitGroup

	// Loop until all nodes are completed or an error occurs that halts the DAG
	for len(executionCompleted) < len(o.moduleNodes) {
		madeProgressInIteration := false

		for _, node := range o.moduleNodes {
			completedMutex.Lock()
			_, alreadyCompleted := executionCompleted[node.instanceID]
			isRunningOrPending := node.status == NodeStatusRunning || node.status == NodeStatusPending
			completedMutex.Unlock()

			if alreadyCompleted || isRunningOrPending {
				continue
			}

			// Check if all dependencies are met
			dependenciesMet := true
			nodeInputs := make(map[string]any)

			// 1. Gather inputs from dependencies
			for _, dep := range node.dependencies {
				completedMutex.Lock()
				depCompleted := executionCompleted[dep.instanceID]
				depFailed := dep.status == NodeStatusFailed
				completedMutex.Unlock()

				if !depCompleted {
					dependenciesMet = false
					break
				}
				if depFailed {
					// A failed dependency poisons this node as well.
					node.status = NodeStatusFailed
					node.err = fmt.Errorf("dependency '%s' failed", dep.instanceID)
					o.logger.Error().Str("module", node.instanceID).Str("dependency", dep.instanceID).Msg("Module cannot run because a dependency failed")

					completedMutex.Lock()
					executionCompleted[node.instanceID] = true // Mark as "handled" to avoid re-processing
					completedMutex.Unlock()

					setOverallError(node.err)
					dependenciesMet = false
					break
				}
				// Collect outputs from completed dependencies, unwrapped.
				for dataKey, output := range dep.outputs {
					nodeInputs[dataKey] = output.Data
				}
			}

			if !dependenciesMet {
				continue
			}

			// 2. Gather inputs from initial/global context for keys not provided by dependencies
			for _, consumedContract := range node.module.Metadata().Consumes {
				consumedKeyString := consumedContract.Key
				if _, providedByDependency := nodeInputs[consumedKeyString]; providedByDependency {
					continue
				}
				if val, found := o.dataCtx.Get(consumedKeyString); found {
					// Registered keys carry typed values; unregistered
					// ones arrive as legacy []any lists. Modules coerce.
					nodeInputs[consumedKeyString] = val
				} else {
					// Optional input not found, module should handle this.
					// Required-but-missing is the module's Execute error to raise.
					logger.Debug().Str("input_key", consumedKeyString).Str("module", node.instanceID).Msg("Input key not found in dependencies or initial context")
				}
			}

			// Launch the node
			node.status = NodeStatusPending
			activeGoroutines.Add(1)
			madeProgressInIteration = true

			go func(currentNode *runtimeNode, inputsForNode map[string]any) {
				defer activeGoroutines.Done()

				execContext, execCancel := context.WithCancel(ctx)
				defer execCancel()

				mlogger := o.logger.With().
					Str("module", currentNode.instanceID).Logger()

				// Optional lifecycle start (before Execute)
				if lc, ok := currentNode.module.(ModuleLifecycle); ok {
					if err := lc.LifecycleStart(execContext); err != nil {
						completedMutex.Lock()
						currentNode.status = NodeStatusFailed
						currentNode.err = err
						setOverallError(err)
						executionCompleted[currentNode.instanceID] = true
						completedMutex.Unlock()
						nodeDoneSignal <- currentNode.instanceID
						return
					}
				}

				currentNode.startTime = time.Now()
				mlogger.Info().Msg("Executing module")

				completedMutex.Lock()
				currentNode.status = NodeStatusRunning
				completedMutex.Unlock()

				outputChan := make(chan ModuleOutput, 10)
				var moduleErr error
				var moduleWg sync.WaitGroup

				moduleWg.Add(1)
				go func() {
					defer moduleWg.Done()
					defer func() {
						// Catch panic in module execution
						if r := recover(); r != nil {
							moduleErr = fmt.Errorf("module %s panicked: %v", currentNode.instanceID, r)
							mlogger.Error().Interface("panic", r).Msg("Panic in module execution")
						}
						close(outputChan)
					}()
					moduleErr = currentNode.module.Execute(execContext, inputsForNode, outputChan)
				}()

				for output := range outputChan {
					if output.FromModuleName == "" {
						output.FromModuleName = currentNode.instanceID
					}

					currentNode.outputs[output.DataKey] = output // Store in node's local outputs

					dataCtxKey := output.DataKey
					// Try typed append/publish if schema is registered; fallback to legacy append.
					if sch, ok := o.dataCtx.schema[dataCtxKey]; ok {
						if sch.cardinality == CardinalityList {
							_ = o.dataCtx.AppendValue(dataCtxKey, output.Data)
						} else {
							_ = o.dataCtx.PublishValue(dataCtxKey, output.Data)
						}
					} else {
						// Fallback for unregistered keys
						o.dataCtx.AddOrAppendToList(dataCtxKey, output.Data)
					}

					if output.Error != nil {
						mlogger.Error().Err(output.Error).Str("data_key", output.DataKey).Msg("Output carries error")
					} else {
						mlogger.Debug().
							Str("data_key", output.DataKey).Msg("Output received")
					}
				}

				moduleWg.Wait() // Wait for the module's Execute goroutine (and panic recovery) to finish

				currentNode.endTime = time.Now()
				duration := currentNode.endTime.Sub(currentNode.startTime)

				completedMutex.Lock()
				if moduleErr != nil {
					currentNode.status = NodeStatusFailed
					currentNode.err = moduleErr
					mlogger.Err(moduleErr).Dur("duration", duration).Msg("Module failed")
					setOverallError(moduleErr)
				} else {
					currentNode.status = NodeStatusCompleted
					mlogger.Info().Dur("duration", duration).Msg("Module completed")
				}
				executionCompleted[currentNode.instanceID] = true
				completedMutex.Unlock()
				nodeDoneSignal <- currentNode.instanceID // Signal completion
			}(node, nodeInputs)
			// track execution order
			o.order = append(o.order, node.instanceID)
		} // end for each node

		completedMutex.Lock()
		doneCount := len(executionCompleted)
		completedMutex.Unlock()

		if !madeProgressInIteration && doneCount < len(o.moduleNodes) {
			// No new nodes could be started; wait for a node to complete.
			// A dead caller context does not halt the DAG here: modules
			// absorb cancellation and return, and downstream nodes still
			// aggregate the partial data they produced.
			if ctx.Err() != nil {
				select {
				case <-nodeDoneSignal:
				case <-time.After(cancelDrainGrace):
					setOverallError(fmt.Errorf("module did not return within drain grace after cancellation: %w", ctx.Err()))
				}
			} else {
				select {
				case <-nodeDoneSignal:
				case <-ctx.Done():
					logger.Info().Msg("Context cancelled; draining in-flight modules")
				}
			}
		}
		if overallError != nil {
			logger.Warn().Err(overallError).Msg("Halting DAG due to module error")
			break
		}
	} // end while not all completed

	activeGoroutines.Wait() // Wait for any launched goroutines to finish

	// Teardown lifecycle in reverse order (best-effort)
	for i := len(o.order) - 1; i >= 0; i-- {
		id := o.order[i]
		rn := o.moduleNodes[id]
		if rn == nil {
			continue
		}
		if lc, ok := rn.module.(ModuleLifecycle); ok {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := lc.LifecycleStop(stopCtx); err != nil {
				log.Warn().Err(err).Str("module", id).Msg("Lifecycle stop failed (best-effort)")
			}
			cancel()
		}
	}

	oStatus := "success"
	if overallError != nil {
		oStatus = "failure"
	}

	o.logger.Info().
		Str("status", oStatus).Msg("DAG execution finished")

	return o.dataCtx.GetAll(), overallError
}

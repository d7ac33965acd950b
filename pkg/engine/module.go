package engine

import (
	"context"
	"reflect"
	"time"
)

// ModuleType represents the category of the module.
type ModuleType string

const (
	DiscoveryModuleType     ModuleType = "discovery"     // For host, interface, or device discovery
	ScanModuleType          ModuleType = "scan"          // For active probing, port sweeps, banner grabbing
	ParseModuleType         ModuleType = "parse"         // For classifying raw data into structured information
	EvaluationModuleType    ModuleType = "evaluation"    // For risk evaluation, traffic heuristics, etc.
	ReportingModuleType     ModuleType = "reporting"     // For building reports
	OutputModuleType        ModuleType = "output"        // For sending results to different sinks
	OrchestrationModuleType ModuleType = "orchestration" // Meta-modules that can manage other modules
)

// DataType represents the expected Go type of a DataKey as a string.
// Examples: "[]string", "int", "[]engine.Host", "engine.SweepStats"
type DataType string

// DataCardinality indicates if a DataKey represents a single item or a list of items.
type DataCardinality string

const (
	CardinalitySingle DataCardinality = "single" // Represents a single data item (struct, int, string, etc.)
	CardinalityList   DataCardinality = "list"   // Represents a list/slice of data items (e.g., []string, []MyStruct)
)

// DataContractEntry declares the type and cardinality of a DataKey a module
// consumes or produces. The planner matches Produces against Consumes entries
// to wire module dependencies, and the DataContext uses DataType for runtime
// type checks.
type DataContractEntry struct {
	Key          string          `json:"key" yaml:"key"`                       // DataKey name (e.g., "topology.targets")
	DataType     reflect.Type    `json:"-" yaml:"-"`                           // Expected Go type, used at runtime only
	DataTypeName string          `json:"data_type_name" yaml:"data_type_name"` // String form of the type (e.g., "[]string", "engine.ScanReport")
	Cardinality  DataCardinality `json:"cardinality" yaml:"cardinality"`       // Whether the key holds a single item or a list
	IsList       bool            `json:"is_list" yaml:"is_list"`               // True when the key accumulates multiple entries
	IsOptional   bool            `json:"is_optional,omitempty" yaml:"is_optional,omitempty"`
	Description  string          `json:"description,omitempty" yaml:"description,omitempty"`
}

// ModuleMetadata holds common information for all modules.
type ModuleMetadata struct {
	ID          string     // Unique identifier for the module instance in a DAG
	Name        string     // Human-readable name of the module type (e.g., "TCP Port Sweep")
	Version     string     // Version of the module implementation
	Description string     // Brief description of what the module does
	Type        ModuleType // Category of the module (discovery, scan, etc.)
	Author      string     // Author of the module
	Tags        []string   // Tags for categorization or filtering

	// Defines what data keys this module consumes from the data context or previous modules.
	// Example: ["topology.targets", "discovery.live_hosts"]
	Consumes []DataContractEntry `json:"consumes,omitempty" yaml:"consumes,omitempty"`
	// Defines what data keys this module can produce.
	// Example: ["scan.hosts", "scan.stats"]
	Produces []DataContractEntry `json:"produces,omitempty" yaml:"produces,omitempty"`

	// Defines module-specific configuration parameters and their types/defaults.
	ConfigSchema map[string]ParameterDefinition
}

// ParameterDefinition describes a configuration parameter for a module.
type ParameterDefinition struct {
	Description string
	Type        string // e.g., "string", "int", "bool", "duration", "[]string"
	Required    bool
	Default     any
}

// ModuleOutput represents the data produced by a module's execution.
type ModuleOutput struct {
	// FromModuleName is the ID of the module instance that produced this output.
	FromModuleName string
	// DataKey is a string key identifying the type or nature of the data.
	// Allows consumers to understand what this data represents.
	// e.g., "topology.local_ip", "scan.hosts", "report.scan"
	DataKey string
	// Data is the actual payload.
	Data any
	// Error if the module execution failed for this specific output.
	Error error
	// Timestamp when the data was produced.
	Timestamp time.Time
	// Target associated with this output, if applicable (e.g., IP address).
	Target string
}

// Module is the core interface that all functional units in LANScout implement.
type Module interface {
	// Metadata returns descriptive information about the module.
	Metadata() ModuleMetadata

	// Init initializes the module with its specific configuration.
	// The config map is typically derived from the DAG definition.
	Init(instanceID string, moduleConfig map[string]any) error

	// Execute runs the module's main logic.
	// It takes the current execution context, a map of input data (keyed by DataKey),
	// and a channel to send its outputs.
	Execute(ctx context.Context, inputs map[string]any, outputChan chan<- ModuleOutput) error
}

// ModuleLifecycle is an optional lifecycle interface that a Module can implement
// to participate in orchestrator-managed setup/start/teardown phases. This is
// opt-in and does not change the existing Module API.
//
// Note: Method names are prefixed with Lifecycle to avoid clashing with the
// existing Module.Init signature.
type ModuleLifecycle interface {
	// LifecycleInit performs runtime initialization with a context (e.g., open sockets).
	LifecycleInit(ctx context.Context) error
	// LifecycleStart activates long-running resources before Execute.
	LifecycleStart(ctx context.Context) error
	// LifecycleStop releases resources; orchestrator calls this best-effort with a timeout.
	LifecycleStop(ctx context.Context) error
}

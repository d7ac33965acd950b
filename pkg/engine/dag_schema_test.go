package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDAGSchema_Validate_EmptyDAG(t *testing.T) {
	dag := &DAGSchema{
		Name:  "Empty DAG",
		Nodes: []DAGNode{},
	}

	result := dag.Validate()
	require.False(t, result.IsValid())
	require.Len(t, result.Errors, 1)
	require.Equal(t, "empty_dag", result.Errors[0].Type)
}

func TestDAGSchema_Validate_MissingNodeID(t *testing.T) {
	dag := &DAGSchema{
		Name: "Missing ID",
		Nodes: []DAGNode{
			{
				Module:   "test.module",
				Produces: []string{"data.output"},
			},
		},
	}

	result := dag.Validate()
	require.False(t, result.IsValid())
	require.Len(t, result.Errors, 1)
	require.Equal(t, "missing_id", result.Errors[0].Type)
}

func TestDAGSchema_Validate_DuplicateNodeID(t *testing.T) {
	dag := &DAGSchema{
		Name: "Duplicate IDs",
		Nodes: []DAGNode{
			{
				ID:       "scanner",
				Module:   "scan.tcp",
				Produces: []string{"scan.tcp_ports"},
			},
			{
				ID:       "scanner", // Duplicate!
				Module:   "scan.udp",
				Produces: []string{"scan.udp_ports"},
			},
		},
	}

	result := dag.Validate()
	require.False(t, result.IsValid())
	require.Len(t, result.Errors, 1)
	require.Equal(t, "duplicate_id", result.Errors[0].Type)
	require.Contains(t, result.Errors[0].Message, "scanner")
}

func TestDAGSchema_Validate_MissingModule(t *testing.T) {
	dag := &DAGSchema{
		Name: "Missing Module",
		Nodes: []DAGNode{
			{
				ID:       "node-1",
				Produces: []string{"data.output"},
			},
		},
	}

	result := dag.Validate()
	require.False(t, result.IsValid())
	require.Len(t, result.Errors, 1)
	require.Equal(t, "missing_module", result.Errors[0].Type)
}

func TestDAGSchema_Validate_MissingDependency(t *testing.T) {
	dag := &DAGSchema{
		Name: "Missing Dependency",
		Nodes: []DAGNode{
			{
				ID:        "scanner",
				Module:    "scan.tcp",
				DependsOn: []string{"discoverer"}, // This node doesn't exist!
				Produces:  []string{"scan.ports"},
			},
		},
	}

	result := dag.Validate()
	require.False(t, result.IsValid())
	require.Len(t, result.Errors, 1)
	require.Equal(t, "missing_dependency", result.Errors[0].Type)
	require.Contains(t, result.Errors[0].Message, "discoverer")
}

func TestDAGSchema_Validate_SimpleCycle(t *testing.T) {
	dag := &DAGSchema{
		Name: "Simple Cycle",
		Nodes: []DAGNode{
			{
				ID:        "node-a",
				Module:    "test.module",
				DependsOn: []string{"node-b"},
				Produces:  []string{"data.a"},
			},
			{
				ID:        "node-b",
				Module:    "test.module",
				DependsOn: []string{"node-a"}, // Cycle!
				Produces:  []string{"data.b"},
			},
		},
	}

	result := dag.Validate()
	require.False(t, result.IsValid())
	require.Len(t, result.Errors, 1)
	require.Equal(t, "cycle", result.Errors[0].Type)
	require.Contains(t, result.Errors[0].Message, "node-a")
	require.Contains(t, result.Errors[0].Message, "node-b")
}

func TestDAGSchema_Validate_ComplexCycle(t *testing.T) {
	dag := &DAGSchema{
		Name: "Complex Cycle",
		Nodes: []DAGNode{
			{
				ID:        "node-a",
				Module:    "test.module",
				DependsOn: []string{"node-b"},
				Produces:  []string{"data.a"},
			},
			{
				ID:        "node-b",
				Module:    "test.module",
				DependsOn: []string{"node-c"},
				Produces:  []string{"data.b"},
			},
			{
				ID:        "node-c",
				Module:    "test.module",
				DependsOn: []string{"node-a"}, // Cycle: a->b->c->a
				Produces:  []string{"data.c"},
			},
		},
	}

	result := dag.Validate()
	require.False(t, result.IsValid())
	require.Len(t, result.Errors, 1)
	require.Equal(t, "cycle", result.Errors[0].Type)
}

func TestDAGSchema_Validate_SelfDependency(t *testing.T) {
	dag := &DAGSchema{
		Name: "Self Dependency",
		Nodes: []DAGNode{
			{
				ID:        "node-a",
				Module:    "test.module",
				DependsOn: []string{"node-a"}, // Self-dependency
				Produces:  []string{"data.a"},
			},
		},
	}

	result := dag.Validate()
	require.True(t, result.IsValid()) // Self-dependency is a warning, not error
	require.Len(t, result.Warnings, 1)
	require.Equal(t, "self_dependency", result.Warnings[0].Type)
}

func TestDAGSchema_Validate_DataFlowError(t *testing.T) {
	dag := &DAGSchema{
		Name: "Data Flow Error",
		Nodes: []DAGNode{
			{
				ID:       "scanner",
				Module:   "scan.tcp",
				Consumes: []string{"discovery.live_hosts"}, // Never produced!
				Produces: []string{"scan.ports"},
			},
		},
	}

	result := dag.Validate()
	require.False(t, result.IsValid())
	require.Len(t, result.Errors, 1)
	require.Equal(t, "data_flow", result.Errors[0].Type)
	require.Contains(t, result.Errors[0].Message, "discovery.live_hosts")
}

func TestDAGSchema_Validate_DataFlowValid(t *testing.T) {
	dag := &DAGSchema{
		Name: "Valid Data Flow",
		Nodes: []DAGNode{
			{
				ID:       "discover",
				Module:   "discovery.icmp",
				Produces: []string{"discovery.live_hosts"},
			},
			{
				ID:        "scanner",
				Module:    "scan.tcp",
				DependsOn: []string{"discover"},
				Consumes:  []string{"discovery.live_hosts"},
				Produces:  []string{"scan.ports"},
			},
		},
	}

	result := dag.Validate()
	require.True(t, result.IsValid())
	require.Empty(t, result.Errors)
}

func TestDAGSchema_Validate_ConfigKeys(t *testing.T) {
	// Keys starting with "config." are external inputs and don't need producers
	dag := &DAGSchema{
		Name: "Config Keys",
		Nodes: []DAGNode{
			{
				ID:       "scanner",
				Module:   "scan.tcp",
				Consumes: []string{"config.targets", "config.ports"}, // External inputs
				Produces: []string{"scan.ports"},
			},
		},
	}

	result := dag.Validate()
	require.True(t, result.IsValid())
	require.Empty(t, result.Errors)
}

func TestDAGSchema_Validate_TrafficSamplesExternalInput(t *testing.T) {
	// traffic.samples is seeded by the caller, never produced by a node
	dag := &DAGSchema{
		Name: "Traffic Samples Input",
		Nodes: []DAGNode{
			{
				ID:       "analyzer",
				Module:   "traffic-analyze",
				Consumes: []string{"traffic.samples"},
				Produces: []string{"traffic.anomalies"},
			},
		},
	}

	result := dag.Validate()
	require.True(t, result.IsValid())
	require.Empty(t, result.Errors)
}

func TestDAGSchema_Validate_NoOutputWarning(t *testing.T) {
	dag := &DAGSchema{
		Name: "No Output Warning",
		Nodes: []DAGNode{
			{
				ID:       "discover",
				Module:   "discovery.icmp",
				Produces: []string{"discovery.live_hosts"},
			},
			{
				ID:        "sink",
				Module:    "reporting.console",
				DependsOn: []string{"discover"},
				Consumes:  []string{"discovery.live_hosts"},
				// No produces - sink node
			},
		},
	}

	result := dag.Validate()
	require.True(t, result.IsValid())
	require.Len(t, result.Warnings, 1)
	require.Equal(t, "no_output", result.Warnings[0].Type)
	require.Equal(t, "sink", result.Warnings[0].NodeID)
}

func TestDAGSchema_Validate_DataFlowWarning(t *testing.T) {
	// Node consumes data produced by a non-dependency
	dag := &DAGSchema{
		Name: "Data Flow Warning",
		Nodes: []DAGNode{
			{
				ID:       "producer",
				Module:   "test.module",
				Produces: []string{"data.x"},
			},
			{
				ID:       "consumer",
				Module:   "test.module",
				Consumes: []string{"data.x"}, // Produced by 'producer' but not a dependency
				Produces: []string{"data.y"},
			},
		},
	}

	result := dag.Validate()
	require.True(t, result.IsValid()) // Warning, not error
	require.Len(t, result.Warnings, 1)
	require.Equal(t, "data_flow", result.Warnings[0].Type)
	require.Contains(t, result.Warnings[0].Message, "producer")
}

func TestDAGSchema_GetExecutionOrder_Simple(t *testing.T) {
	dag := &DAGSchema{
		Name: "Simple Sequential",
		Nodes: []DAGNode{
			{
				ID:       "node-1",
				Module:   "test.module",
				Produces: []string{"data.1"},
			},
			{
				ID:        "node-2",
				Module:    "test.module",
				DependsOn: []string{"node-1"},
				Consumes:  []string{"data.1"},
				Produces:  []string{"data.2"},
			},
			{
				ID:        "node-3",
				Module:    "test.module",
				DependsOn: []string{"node-2"},
				Consumes:  []string{"data.2"},
				Produces:  []string{"data.3"},
			},
		},
	}

	order, err := dag.GetExecutionOrder()
	require.NoError(t, err)
	require.Len(t, order, 3)

	// node-1 must come before node-2
	idx1 := indexOf(order, "node-1")
	idx2 := indexOf(order, "node-2")
	idx3 := indexOf(order, "node-3")
	require.True(t, idx1 < idx2)
	require.True(t, idx2 < idx3)
}

func TestDAGSchema_GetExecutionOrder_Diamond(t *testing.T) {
	dag := &DAGSchema{
		Name: "Diamond Pattern",
		Nodes: []DAGNode{
			{
				ID:       "root",
				Module:   "test.module",
				Produces: []string{"data.root"},
			},
			{
				ID:        "left",
				Module:    "test.module",
				DependsOn: []string{"root"},
				Consumes:  []string{"data.root"},
				Produces:  []string{"data.left"},
			},
			{
				ID:        "right",
				Module:    "test.module",
				DependsOn: []string{"root"},
				Consumes:  []string{"data.root"},
				Produces:  []string{"data.right"},
			},
			{
				ID:        "merge",
				Module:    "test.module",
				DependsOn: []string{"left", "right"},
				Consumes:  []string{"data.left", "data.right"},
				Produces:  []string{"data.merged"},
			},
		},
	}

	order, err := dag.GetExecutionOrder()
	require.NoError(t, err)
	require.Len(t, order, 4)

	// root must come first
	require.Equal(t, "root", order[0])

	// left and right can be in any order (parallel)
	idxLeft := indexOf(order, "left")
	idxRight := indexOf(order, "right")
	idxMerge := indexOf(order, "merge")

	// But merge must come after both
	require.True(t, idxLeft < idxMerge)
	require.True(t, idxRight < idxMerge)
}

func TestDAGSchema_GetExecutionOrder_Cycle(t *testing.T) {
	dag := &DAGSchema{
		Name: "Cycle",
		Nodes: []DAGNode{
			{
				ID:        "node-a",
				Module:    "test.module",
				DependsOn: []string{"node-b"},
			},
			{
				ID:        "node-b",
				Module:    "test.module",
				DependsOn: []string{"node-a"},
			},
		},
	}

	_, err := dag.GetExecutionOrder()
	require.Error(t, err)
	require.Contains(t, err.Error(), "cycle")
}

func TestValidationResult_String_Valid(t *testing.T) {
	result := &ValidationResult{
		Errors:   []ValidationError{},
		Warnings: []ValidationWarning{},
	}

	str := result.String()
	require.Contains(t, str, "âœ… DAG is valid")
}

func TestValidationResult_String_WithErrors(t *testing.T) {
	result := &ValidationResult{
		Errors: []ValidationError{
			{
				Type:    "cycle",
				Message: "Circular dependency detected: a -> b -> a",
				NodeID:  "a",
				Fix:     "Remove one of the dependencies",
			},
		},
		Warnings: []ValidationWarning{},
	}

	str := result.String()
	require.Contains(t, str, "Found 1 validation error(s)")
	require.Contains(t, str, "[cycle]")
	require.Contains(t, str, "Circular dependency")
	require.Contains(t, str, "Node: a")
	require.Contains(t, str, "Fix:")
}

func TestValidationResult_String_WithWarnings(t *testing.T) {
	result := &ValidationResult{
		Errors: []ValidationError{},
		Warnings: []ValidationWarning{
			{
				Type:    "no_output",
				Message: "Node produces no output",
				NodeID:  "sink",
			},
		},
	}

	str := result.String()
	require.Contains(t, str, "Found 1 warning(s)")
	require.Contains(t, str, "[no_output]")
	require.Contains(t, str, "Node: sink")
}

func TestDAGSchema_GetTransitiveDependencies(t *testing.T) {
	dag := &DAGSchema{
		Name: "Transitive Dependencies",
		Nodes: []DAGNode{
			{
				ID:       "node-a",
				Module:   "test.module",
				Produces: []string{"data.a"},
			},
			{
				ID:        "node-b",
				Module:    "test.module",
				DependsOn: []string{"node-a"},
				Produces:  []string{"data.b"},
			},
			{
				ID:        "node-c",
				Module:    "test.module",
				DependsOn: []string{"node-b"},
				Produces:  []string{"data.c"},
			},
		},
	}

	nodeIndex := make(map[string]*DAGNode)
	for i := range dag.Nodes {
		nodeIndex[dag.Nodes[i].ID] = &dag.Nodes[i]
	}

	// node-c transitively depends on both node-b and node-a
	deps := dag.getTransitiveDependencies("node-c", nodeIndex)
	require.Contains(t, deps, "node-b")
	require.Contains(t, deps, "node-a")
}

// Helper function to find index of element in slice
func indexOf(slice []string, item string) int {
	for i, v := range slice {
		if v == item {
			return i
		}
	}
	return -1
}

// TestDAGSchema_ToDAGDefinition tests the conversion from DAGSchema to DAGDefinition
func TestDAGSchema_ToDAGDefinition(t *testing.T) {
	tests := []struct {
		name        string
		schema      *DAGSchema
		expectError bool
		validate    func(t *testing.T, def *DAGDefinition)
	}{
		{
			name: "valid schema converts successfully",
			schema: &DAGSchema{
				Name:        "Test DAG",
				Description: "Test description",
				Version:     "1.0",
				Nodes: []DAGNode{
					{
						ID:       "node1",
						Module:   "test.module1",
						Produces: []string{"data.key1"},
						Config:   map[string]any{"param": "value1"},
					},
					{
						ID:        "node2",
						Module:    "test.module2",
						DependsOn: []string{"node1"},
						Consumes:  []string{"data.key1"},
						Produces:  []string{"data.key2"},
						Config:    map[string]any{"param": "value2"},
					},
				},
			},
			expectError: false,
			validate: func(t *testing.T, def *DAGDefinition) {
				require.Equal(t, "Test DAG", def.Name)
				require.Equal(t, "Test description", def.Description)
				require.Len(t, def.Nodes, 2)

				// Check node1
				require.Equal(t, "node1", def.Nodes[0].InstanceID)
				require.Equal(t, "test.module1", def.Nodes[0].ModuleType)
				require.Equal(t, "value1", def.Nodes[0].Config["param"])

				// Check __produces was added
				produces, ok := def.Nodes[0].Config["__produces"].([]any)
				require.True(t, ok)
				require.Contains(t, produces, "data.key1")

				// Check node2
				require.Equal(t, "node2", def.Nodes[1].InstanceID)
				require.Equal(t, "test.module2", def.Nodes[1].ModuleType)
				require.Equal(t, "value2", def.Nodes[1].Config["param"])

				// Check __depends_on was added
				depends, ok := def.Nodes[1].Config["__depends_on"].([]any)
				require.True(t, ok)
				require.Contains(t, depends, "node1")

				// Check __consumes was added
				consumes, ok := def.Nodes[1].Config["__consumes"].([]any)
				require.True(t, ok)
				require.Contains(t, consumes, "data.key1")

				// Check __produces was added
				produces2, ok := def.Nodes[1].Config["__produces"].([]any)
				require.True(t, ok)
				require.Contains(t, produces2, "data.key2")
			},
		},
		{
			name: "schema with validation errors fails",
			schema: &DAGSchema{
				Name: "Invalid DAG",
				Nodes: []DAGNode{
					{
						ID:        "node1",
						Module:    "test.module1",
						DependsOn: []string{"nonexistent"}, // Invalid dependency
					},
				},
			},
			expectError: true,
		},
		{
			name: "empty schema fails",
			schema: &DAGSchema{
				Name:  "Empty DAG",
				Nodes: []DAGNode{},
			},
			expectError: true,
		},
		{
			name: "schema with cycle fails",
			schema: &DAGSchema{
				Name: "Cyclic DAG",
				Nodes: []DAGNode{
					{
						ID:        "node1",
						Module:    "test.module1",
						DependsOn: []string{"node2"},
					},
					{
						ID:        "node2",
						Module:    "test.module2",
						DependsOn: []string{"node1"}, // Creates cycle
					},
				},
			},
			expectError: true,
		},
		{
			name: "nil config creates new config for metadata",
			schema: &DAGSchema{
				Name: "No Config DAG",
				Nodes: []DAGNode{
					{
						ID:       "node1",
						Module:   "test.module1",
						Produces: []string{"data.key1"},
						// Config intentionally nil
					},
				},
			},
			expectError: false,
			validate: func(t *testing.T, def *DAGDefinition) {
				require.NotNil(t, def.Nodes[0].Config) // Should be created for __produces
				produces, ok := def.Nodes[0].Config["__produces"].([]any)
				require.True(t, ok)
				require.Contains(t, produces, "data.key1")
			},
		},
		{
			name: "multiple dependencies and data keys",
			schema: &DAGSchema{
				Name: "Multi-dependency DAG",
				Nodes: []DAGNode{
					{
						ID:       "node1",
						Module:   "test.module1",
						Produces: []string{"data.key1", "data.key2"},
					},
					{
						ID:       "node2",
						Module:   "test.module2",
						Produces: []string{"data.key3"},
					},
					{
						ID:        "node3",
						Module:    "test.module3",
						DependsOn: []string{"node1", "node2"},
						Consumes:  []string{"data.key1", "data.key2", "data.key3"},
						Produces:  []string{"data.key4"},
					},
				},
			},
			expectError: false,
			validate: func(t *testing.T, def *DAGDefinition) {
				require.Len(t, def.Nodes, 3)

				// Check node3 has multiple dependencies
				depends, ok := def.Nodes[2].Config["__depends_on"].([]any)
				require.True(t, ok)
				require.Len(t, depends, 2)
				require.Contains(t, depends, "node1")
				require.Contains(t, depends, "node2")

				// Check node3 has multiple consumes
				consumes, ok := def.Nodes[2].Config["__consumes"].([]any)
				require.True(t, ok)
				require.Len(t, consumes, 3)
				require.Contains(t, consumes, "data.key1")
				require.Contains(t, consumes, "data.key2")
				require.Contains(t, consumes, "data.key3")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := tt.schema.ToDAGDefinition()
			if tt.expectError {
				require.Error(t, err)
				require.Nil(t, def)
			} else {
				require.NoError(t, err)
				require.NotNil(t, def)
				if tt.validate != nil {
					tt.validate(t, def)
				}
			}
		})
	}
}

func TestSchemaFromDefinition_DerivesContractsAndEdges(t *testing.T) {
	RegisterModuleFactory("plan-export-src", func() Module {
		return &dagMockModule{
			meta: ModuleMetadata{
				Name:     "plan-export-src",
				Produces: []DataContractEntry{{Key: "flow.data"}},
			},
		}
	})
	RegisterModuleFactory("plan-export-dst", func() Module {
		return &dagMockModule{
			meta: ModuleMetadata{
				Name:     "plan-export-dst",
				Consumes: []DataContractEntry{{Key: "flow.data"}},
				Produces: []DataContractEntry{{Key: "flow.report"}},
			},
		}
	})
	defer func() {
		delete(moduleRegistry, "plan-export-src")
		delete(moduleRegistry, "plan-export-dst")
	}()

	def := &DAGDefinition{
		Name:        "export-test",
		Description: "two stage flow",
		Nodes: []DAGNodeConfig{
			{InstanceID: "src-1", ModuleType: "plan-export-src", Config: map[string]any{}},
			{InstanceID: "dst-1", ModuleType: "plan-export-dst", Config: map[string]any{"threshold": 5}},
		},
	}

	schema, err := SchemaFromDefinition(def)
	require.NoError(t, err)
	require.Equal(t, "export-test", schema.Name)
	require.Equal(t, "two stage flow", schema.Description)
	require.Len(t, schema.Nodes, 2)

	src := schema.Nodes[0]
	require.Equal(t, "src-1", src.ID)
	require.Equal(t, "plan-export-src", src.Module)
	require.Equal(t, []string{"flow.data"}, src.Produces)
	require.Empty(t, src.DependsOn)

	dst := schema.Nodes[1]
	require.Equal(t, "dst-1", dst.ID)
	require.Equal(t, []string{"flow.data"}, dst.Consumes)
	require.Equal(t, []string{"flow.report"}, dst.Produces)
	require.Equal(t, []string{"src-1"}, dst.DependsOn)
	require.Equal(t, 5, dst.Config["threshold"])

	result := schema.Validate()
	require.True(t, result.IsValid(), "exported schema should validate: %s", result.String())
	require.Empty(t, result.Warnings)
}

func TestSchemaFromDefinition_HonorsExplicitEntries(t *testing.T) {
	def := &DAGDefinition{
		Name: "explicit-export",
		Nodes: []DAGNodeConfig{
			{
				InstanceID: "custom-1",
				ModuleType: "never-registered-module",
				Config: map[string]any{
					"__depends_on": []any{"other-1"},
					"__consumes":   []any{"custom.in"},
					"__produces":   []any{"custom.out"},
					"mode":         "fast",
				},
			},
		},
	}

	schema, err := SchemaFromDefinition(def)
	require.NoError(t, err)
	require.Len(t, schema.Nodes, 1)

	node := schema.Nodes[0]
	require.Equal(t, []string{"other-1"}, node.DependsOn)
	require.Equal(t, []string{"custom.in"}, node.Consumes)
	require.Equal(t, []string{"custom.out"}, node.Produces)
	require.Equal(t, "fast", node.Config["mode"])
	require.NotContains(t, node.Config, "__depends_on")
	require.NotContains(t, node.Config, "__consumes")
	require.NotContains(t, node.Config, "__produces")
}

func TestSchemaFromDefinition_UnknownModule(t *testing.T) {
	def := &DAGDefinition{
		Name: "unknown-module",
		Nodes: []DAGNodeConfig{
			{InstanceID: "x-1", ModuleType: "no-such-module", Config: map[string]any{}},
		},
	}

	_, err := SchemaFromDefinition(def)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not registered")
}

func TestSchemaFromDefinition_NilDefinition(t *testing.T) {
	_, err := SchemaFromDefinition(nil)
	require.Error(t, err)
}

// Schemas converted to runtime form and back keep their declared edges and
// contracts.
func TestSchemaFromDefinition_RoundTrip(t *testing.T) {
	original := &DAGSchema{
		Name: "round-trip",
		Nodes: []DAGNode{
			{
				ID:       "first",
				Module:   "any-module",
				Produces: []string{"stage.one"},
				Config:   map[string]any{"window": "5s"},
			},
			{
				ID:        "second",
				Module:    "any-other-module",
				DependsOn: []string{"first"},
				Consumes:  []string{"stage.one"},
				Produces:  []string{"stage.two"},
			},
		},
	}

	def, err := original.ToDAGDefinition()
	require.NoError(t, err)

	back, err := SchemaFromDefinition(def)
	require.NoError(t, err)
	require.Len(t, back.Nodes, 2)

	require.Equal(t, original.Nodes[0].Produces, back.Nodes[0].Produces)
	require.Equal(t, "5s", back.Nodes[0].Config["window"])
	require.Equal(t, original.Nodes[1].DependsOn, back.Nodes[1].DependsOn)
	require.Equal(t, original.Nodes[1].Consumes, back.Nodes[1].Consumes)
	require.Equal(t, original.Nodes[1].Produces, back.Nodes[1].Produces)
}

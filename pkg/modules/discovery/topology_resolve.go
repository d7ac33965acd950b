// pkg/modules/discovery/topology_resolve.go
package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"

	"github.com/lanscout/lanscout/pkg/engine"
	"github.com/lanscout/lanscout/pkg/netutil"
	"github.com/lanscout/lanscout/pkg/output"
)

// Topology keys every other pipeline stage anchors on.
const (
	keyTopologyLocalIP = "topology.local_ip"
	keyTopologySubnet  = "topology.subnet"
	keyTopologyTargets = "topology.targets"
)

// TopologyResolveConfig holds configuration for topology resolution.
type TopologyResolveConfig struct {
	// Subnet overrides auto-resolution: a CIDR ("192.168.1.0/24"), a
	// last-octet range ("192.168.1.10-50"), or a single address. Empty
	// resolves the attached subnet from the primary interface.
	Subnet string `json:"subnet"`
}

type topologyResolverFunc func(ctx context.Context) (*netutil.Topology, error)

// TopologyResolveModule determines where the scan runs: the machine's own
// address, the subnet in scope, and the expanded target list. It is the root
// of every planned DAG; when it fails there is nothing to enumerate, so the
// failure takes the whole run down rather than producing an empty report.
type TopologyResolveModule struct {
	meta            engine.ModuleMetadata
	config          TopologyResolveConfig
	resolveTopology topologyResolverFunc
}

func newTopologyResolveModule() *TopologyResolveModule {
	return &TopologyResolveModule{
		meta: engine.ModuleMetadata{
			ID:          "topology-resolve-instance",
			Name:        "topology-resolve",
			Version:     "0.1.0",
			Description: "Resolves the local IP and subnet and enumerates the sweep target list.",
			Type:        engine.DiscoveryModuleType,
			Author:      "LANScout Team",
			Tags:        []string{"discovery", "topology", "subnet"},
			Produces: []engine.DataContractEntry{
				{
					Key:          keyTopologyLocalIP,
					DataTypeName: "string",
					Cardinality:  engine.CardinalitySingle,
					Description:  "IPv4 address of the interface the scan runs from; empty if a subnet override made resolution optional and it failed.",
				},
				{
					Key:          keyTopologySubnet,
					DataTypeName: "string",
					Cardinality:  engine.CardinalitySingle,
					Description:  "Scan scope in CIDR form, or the operator's override verbatim when it is not CIDR shaped.",
				},
				{
					Key:          keyTopologyTargets,
					DataTypeName: "[]string",
					Cardinality:  engine.CardinalitySingle,
					Description:  "Candidate addresses in ascending order, network and broadcast excluded.",
				},
			},
			ConfigSchema: map[string]engine.ParameterDefinition{
				"subnet": {Description: "CIDR or last-octet range overriding the auto-resolved subnet (e.g., '192.168.1.0/24').", Type: "string", Required: false},
			},
		},
		resolveTopology: netutil.ResolveLocalTopology,
	}
}

// Metadata returns the module's metadata.
func (m *TopologyResolveModule) Metadata() engine.ModuleMetadata {
	return m.meta
}

// Init initializes the module with the given configuration map.
func (m *TopologyResolveModule) Init(instanceID string, configMap map[string]any) error {
	m.meta.ID = instanceID

	if subnetVal, ok := configMap["subnet"]; ok {
		m.config.Subnet = cast.ToString(subnetVal)
	}

	log.Debug().Str("module", m.meta.Name).Str("instance_id", instanceID).
		Interface("final_config", m.config).Msg("Module initialized.")
	return nil
}

// Execute resolves the scan scope and emits topology.local_ip,
// topology.subnet, and topology.targets. With a subnet override, target
// enumeration comes from the override and interface resolution is only
// best-effort for the local IP; without one, a resolution failure is fatal.
func (m *TopologyResolveModule) Execute(ctx context.Context, inputs map[string]any, outputChan chan<- engine.ModuleOutput) error {
	logger := log.With().Str("module", m.meta.Name).Str("instance_id", m.meta.ID).Logger()

	emit := func(key string, data any) {
		outputChan <- engine.ModuleOutput{
			FromModuleName: m.meta.ID,
			DataKey:        key,
			Data:           data,
			Timestamp:      time.Now(),
		}
	}
	fail := func(err error) error {
		logger.Error().Err(err).Msg("Topology resolution failed")
		outputChan <- engine.ModuleOutput{
			FromModuleName: m.meta.ID,
			DataKey:        "error.topology",
			Error:          err,
			Timestamp:      time.Now(),
		}
		return err
	}

	var localIP, subnet string
	var targets []string

	if m.config.Subnet != "" {
		subnet, targets = m.expandOverride(logger)
		if len(targets) == 0 {
			return fail(&netutil.ResolutionError{
				Reason: fmt.Sprintf("subnet override %q produced no targets", m.config.Subnet),
			})
		}
		// The override fixes the scope; the local IP is still worth knowing
		// for multicast binding, but resolution is no longer fatal.
		if top, err := m.resolveTopology(ctx); err == nil {
			localIP = top.LocalIP
		} else {
			logger.Warn().Err(err).Msg("Local IP unresolved; multicast discovery will bind the default interface")
		}
	} else {
		top, err := m.resolveTopology(ctx)
		if err != nil {
			return fail(err)
		}
		localIP = top.LocalIP
		subnet = top.Subnet
		targets = netutil.ParseAndExpandTargets([]string{top.Subnet})
		logger.Debug().Str("interface", top.Interface).Str("subnet", subnet).Msg("Resolved local attachment")
	}

	if targets == nil {
		targets = []string{}
	}

	emit(keyTopologyLocalIP, localIP)
	emit(keyTopologySubnet, subnet)
	emit(keyTopologyTargets, targets)

	if out, ok := ctx.Value(output.OutputKey).(output.Output); ok {
		out.Info(fmt.Sprintf("Scan scope: %s (%d hosts)", subnet, len(targets)))
	}

	logger.Info().Str("local_ip", localIP).Str("subnet", subnet).Int("targets", len(targets)).Msg("Topology resolved")
	return nil
}

// expandOverride enumerates the operator-supplied scope. CIDR input is
// canonicalized first so "192.168.1.42/24" scans the whole /24; anything
// else (ranges, single addresses, hostnames) expands as a target spec.
func (m *TopologyResolveModule) expandOverride(logger zerolog.Logger) (string, []string) {
	if normalized, err := netutil.NormalizeSubnet(m.config.Subnet); err == nil {
		return normalized, netutil.ParseAndExpandTargets([]string{normalized})
	}
	logger.Debug().Str("subnet", m.config.Subnet).Msg("Override is not CIDR shaped; expanding as a target spec")
	return m.config.Subnet, netutil.ParseAndExpandTargets([]string{m.config.Subnet})
}

// TopologyResolveModuleFactory creates a new TopologyResolveModule instance.
func TopologyResolveModuleFactory() engine.Module {
	return newTopologyResolveModule()
}

func init() {
	engine.RegisterModuleFactory("topology-resolve", TopologyResolveModuleFactory)
}

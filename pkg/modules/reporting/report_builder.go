// pkg/modules/reporting/report_builder.go
// Package reporting assembles the final artifact of a reconnaissance run.
package reporting

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"

	"github.com/lanscout/lanscout/pkg/engine"
	"github.com/lanscout/lanscout/pkg/fingerprint"
	"github.com/lanscout/lanscout/pkg/output"
)

const reportBuildModuleTypeName = "report-build"

const (
	keyClassifyHosts    = "classify.hosts"
	keyScanStats        = "scan.stats"
	keyScanStatus       = "scan.status"
	keyDiscoveryDevices = "discovery.devices"
	keyDiscoveryStats   = "discovery.stats"
	keyTrafficAnomalies = "traffic.anomalies"
	keyTrafficStats     = "traffic.stats"
	keyTopologyLocalIP  = "topology.local_ip"
	keyTopologySubnet   = "topology.subnet"
	keyReportScan       = "report.scan"
)

// cameraTypicalPorts tracks the web, RTSP, and vendor service ports that
// cameras and recorders answer on. A host serving one of these without a
// discovery advertisement deserves a physical look.
var cameraTypicalPorts = map[int]bool{
	80: true, 81: true, 443: true, 554: true, 8080: true, 8554: true, 37777: true,
}

// ReportBuildConfig holds configuration for report assembly.
type ReportBuildConfig struct {
	RunID     string    `json:"run_id"`     // Run identifier stamped into the report
	StartedAt time.Time `json:"started_at"` // Wall-clock scan start; RFC3339 in the config map
}

// ReportBuildModule merges whatever the scan, classification, discovery, and
// traffic branches produced into one immutable ScanReport. Every consumed key
// is optional: a branch that was toggled off or stopped early simply leaves
// its slice empty, and the report is built from what actually arrived.
type ReportBuildModule struct {
	meta   engine.ModuleMetadata
	config ReportBuildConfig
}

func newReportBuildModule() *ReportBuildModule {
	return &ReportBuildModule{
		meta: engine.ModuleMetadata{
			ID:          "report-build-instance",
			Name:        reportBuildModuleTypeName,
			Version:     "0.1.0",
			Description: "Merges sweep, classification, discovery, and traffic results into the final scan report.",
			Type:        engine.ReportingModuleType,
			Author:      "LANScout Team",
			Tags:        []string{"reporting", "aggregation"},
			Consumes: []engine.DataContractEntry{
				{Key: keyClassifyHosts, DataTypeName: "[]engine.Host", Cardinality: engine.CardinalitySingle, IsOptional: true, Description: "Classified hosts from the signature pass."},
				{Key: keyScanStats, DataTypeName: "engine.SweepStats", Cardinality: engine.CardinalitySingle, IsOptional: true, Description: "Probe outcome counters from the port sweep."},
				{Key: keyScanStatus, DataTypeName: "engine.ScanStatus", Cardinality: engine.CardinalitySingle, IsOptional: true, Description: "How the sweep ended: completed or partial."},
				{Key: keyDiscoveryDevices, DataTypeName: "[]engine.DiscoveryDevice", Cardinality: engine.CardinalitySingle, IsOptional: true, Description: "Devices that answered the multicast search."},
				{Key: keyDiscoveryStats, DataTypeName: "engine.DiscoveryStats", Cardinality: engine.CardinalitySingle, IsOptional: true, Description: "Discovery reply bookkeeping."},
				{Key: keyTrafficAnomalies, DataTypeName: "[]engine.TrafficAnomaly", Cardinality: engine.CardinalitySingle, IsOptional: true, Description: "Flagged traffic patterns."},
				{Key: keyTrafficStats, DataTypeName: "engine.TrafficStats", Cardinality: engine.CardinalitySingle, IsOptional: true, Description: "Traffic sample bookkeeping."},
				{Key: keyTopologyLocalIP, DataTypeName: "string", Cardinality: engine.CardinalitySingle, IsOptional: true, Description: "Local address the scan ran from."},
				{Key: keyTopologySubnet, DataTypeName: "string", Cardinality: engine.CardinalitySingle, IsOptional: true, Description: "Range the scan covered."},
			},
			Produces: []engine.DataContractEntry{
				{
					Key:          keyReportScan,
					DataTypeName: "engine.ScanReport",
					Cardinality:  engine.CardinalitySingle,
					Description:  "The complete reconnaissance report, immutable once emitted.",
				},
			},
			ConfigSchema: map[string]engine.ParameterDefinition{
				"run_id":     {Description: "Run identifier stamped into the report.", Type: "string", Required: false},
				"started_at": {Description: "Scan start time in RFC3339 form.", Type: "string", Required: false},
			},
		},
	}
}

// Metadata returns the module's metadata.
func (m *ReportBuildModule) Metadata() engine.ModuleMetadata {
	return m.meta
}

// Init records the run identity the service injected.
func (m *ReportBuildModule) Init(instanceID string, configMap map[string]any) error {
	logger := log.With().Str("module", m.meta.Name).Str("instance_id", instanceID).Logger()
	logger.Debug().Interface("received_config_map", configMap).Msg("Initializing module")

	m.meta.ID = instanceID

	if runVal, ok := configMap["run_id"]; ok {
		m.config.RunID = cast.ToString(runVal)
	}
	if startVal, ok := configMap["started_at"].(string); ok && startVal != "" {
		if parsed, err := time.Parse(time.RFC3339, startVal); err == nil {
			m.config.StartedAt = parsed
		} else {
			logger.Warn().Msgf("Module '%s': Invalid 'started_at' format '%v', report will use build time", m.meta.Name, startVal)
		}
	}
	return nil
}

// Execute assembles the report from whichever branch outputs arrived and
// emits it under report.scan.
func (m *ReportBuildModule) Execute(ctx context.Context, inputs map[string]any, outputChan chan<- engine.ModuleOutput) error {
	logger := log.With().Str("module", m.meta.Name).Str("instance_id", m.meta.ID).Logger()

	report := engine.ScanReport{
		RunID:      m.config.RunID,
		StartedAt:  m.config.StartedAt,
		FinishedAt: time.Now(),
		Status:     engine.StatusCompleted,
		Subnet:     cast.ToString(inputs[keyTopologySubnet]),
		LocalIP:    cast.ToString(inputs[keyTopologyLocalIP]),
	}
	if report.StartedAt.IsZero() {
		report.StartedAt = report.FinishedAt
	}

	if hosts, ok := inputs[keyClassifyHosts].([]engine.Host); ok {
		report.Hosts = sortedHosts(hosts)
	} else if raw := inputs[keyClassifyHosts]; raw != nil {
		logger.Warn().Msgf("Unexpected type %T for '%s'; report will list no hosts", raw, keyClassifyHosts)
	}
	if stats, ok := inputs[keyScanStats].(engine.SweepStats); ok {
		report.Sweep = stats
	}
	if status, ok := inputs[keyScanStatus].(engine.ScanStatus); ok && status != "" {
		report.Status = status
	}

	devices, discoveryRan := inputs[keyDiscoveryDevices].([]engine.DiscoveryDevice)
	if discoveryRan {
		report.Discovered = devices
	}
	if stats, ok := inputs[keyDiscoveryStats].(engine.DiscoveryStats); ok {
		report.Discovery = stats
	}

	if anomalies, ok := inputs[keyTrafficAnomalies].([]engine.TrafficAnomaly); ok {
		report.Anomalies = anomalies
	}
	if stats, ok := inputs[keyTrafficStats].(engine.TrafficStats); ok {
		report.Traffic = stats
	}

	report.Recommendations = buildRecommendations(report, discoveryRan)

	outputChan <- engine.ModuleOutput{
		FromModuleName: m.meta.ID,
		DataKey:        keyReportScan,
		Data:           report,
		Timestamp:      time.Now(),
	}

	if out, ok := ctx.Value(output.OutputKey).(output.Output); ok {
		out.Info(fmt.Sprintf("Report: %d host(s), %d discovered device(s), %d anomaly(ies)",
			len(report.Hosts), len(report.Discovered), len(report.Anomalies)))
	}
	logger.Info().Int("hosts", len(report.Hosts)).Int("discovered", len(report.Discovered)).
		Int("anomalies", len(report.Anomalies)).Int("recommendations", len(report.Recommendations)).
		Str("status", string(report.Status)).Msg("Scan report assembled")
	return nil
}

// sortedHosts returns a copy ordered ascending by address so reports read the
// same regardless of probe completion order.
func sortedHosts(hosts []engine.Host) []engine.Host {
	out := append([]engine.Host(nil), hosts...)
	sort.SliceStable(out, func(i, j int) bool {
		return lessAddress(out[i].Address, out[j].Address)
	})
	return out
}

// lessAddress orders IP literals numerically; anything unparsable sorts
// lexically after them.
func lessAddress(a, b string) bool {
	ipA, ipB := net.ParseIP(a), net.ParseIP(b)
	if ipA != nil && ipB != nil {
		return bytes.Compare(ipA.To16(), ipB.To16()) < 0
	}
	if (ipA != nil) != (ipB != nil) {
		return ipA != nil
	}
	return a < b
}

// buildRecommendations turns the merged results into the short advice list
// appended to every report. The discovery comparison only runs when the
// discovery branch actually executed; without it, "sent no advertisement"
// would accuse every host.
func buildRecommendations(report engine.ScanReport, discoveryRan bool) []string {
	var recs []string

	if discoveryRan {
		advertised := make(map[string]bool, len(report.Discovered))
		for _, d := range report.Discovered {
			advertised[d.Address] = true
		}
		silent := 0
		for _, h := range report.Hosts {
			if advertised[h.Address] {
				continue
			}
			for _, p := range h.OpenPorts() {
				if cameraTypicalPorts[p] {
					silent++
					break
				}
			}
		}
		if silent > 0 {
			recs = append(recs, fmt.Sprintf("%d device(s) answered on camera-typical ports without a discovery advertisement; verify physically what they are.", silent))
		}
	}

	flagged := 0
	for _, h := range report.Hosts {
		if h.RiskLevel == engine.RiskHigh || h.RiskLevel == engine.RiskCritical {
			flagged++
		}
	}
	if flagged > 0 {
		recs = append(recs, fmt.Sprintf("%d host(s) scored high or critical risk; change default credentials and isolate them from trusted devices.", flagged))
	}

	unknown := 0
	for _, h := range report.Hosts {
		if h.DeviceType == fingerprint.DeviceTypeUnknown && len(h.OpenPorts()) > 0 {
			unknown++
		}
	}
	if unknown > 0 {
		recs = append(recs, fmt.Sprintf("%d responsive host(s) could not be classified; extend the signature catalog to identify them.", unknown))
	}

	if n := len(report.Anomalies); n > 0 {
		recs = append(recs, fmt.Sprintf("%d traffic anomaly(ies) flagged; review outbound flows before trusting this segment.", n))
	}

	if report.Status != engine.StatusCompleted {
		recs = append(recs, fmt.Sprintf("The scan ended early (%s); rerun with a longer deadline for full coverage.", report.Status))
	}

	return recs
}

// ReportBuildModuleFactory creates a new ReportBuildModule instance.
func ReportBuildModuleFactory() engine.Module {
	return newReportBuildModule()
}

func init() {
	engine.RegisterModuleFactory(reportBuildModuleTypeName, ReportBuildModuleFactory)
}

// pkg/modules/evaluation/traffic_analysis.go
// Package evaluation provides modules that judge collected data against
// heuristics instead of gathering more of it.
package evaluation

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"

	"github.com/lanscout/lanscout/pkg/engine"
	"github.com/lanscout/lanscout/pkg/output"
)

const (
	keyTrafficSamples   = "traffic.samples"
	keyTopologySubnet   = "topology.subnet"
	keyTrafficAnomalies = "traffic.anomalies"
	keyTrafficStats     = "traffic.stats"
)

// Pattern descriptors stamped into TrafficAnomaly.Pattern.
const (
	patternSustainedOutbound = "sustained-outbound"
	patternPacketBurst       = "packet-burst"
	patternOffSubnet         = "off-subnet-destination"
)

const (
	defaultTrafficWindow        = 10 * time.Second
	defaultSustainedBytesPerSec = 512 << 10 // 512 KiB/s toward a single flow
	defaultBurstPacketsPerSec   = 1000
)

// TrafficAnalyzeConfig holds configuration for traffic pattern analysis.
type TrafficAnalyzeConfig struct {
	Window               time.Duration `json:"window"`                  // Sliding window the rate thresholds apply over
	SustainedBytesPerSec int64         `json:"sustained_bytes_per_sec"` // Outbound byte rate that counts as sustained
	BurstPacketsPerSec   int64         `json:"burst_packets_per_sec"`   // Packet rate that counts as a burst
}

// TrafficAnalyzeModule flags suspicious patterns in caller-supplied traffic
// samples. The engine never captures packets itself; the CLI's counter
// sampler or an operator-recorded file produces the samples and this module
// only does arithmetic over them. Samples naming a destination are judged
// per destination; counter-sampler samples carry none and are judged per
// interface instead. Analysis is pure: identical samples and subnet always
// yield identical anomalies, and nothing here suspends or watches the
// context for cancellation.
type TrafficAnalyzeModule struct {
	meta   engine.ModuleMetadata
	config TrafficAnalyzeConfig
}

func newTrafficAnalyzeModule() *TrafficAnalyzeModule {
	return &TrafficAnalyzeModule{
		config: TrafficAnalyzeConfig{
			Window:               defaultTrafficWindow,
			SustainedBytesPerSec: defaultSustainedBytesPerSec,
			BurstPacketsPerSec:   defaultBurstPacketsPerSec,
		},
		meta: engine.ModuleMetadata{
			ID:          "traffic-analyze-instance",
			Name:        "traffic-analyze",
			Version:     "0.1.0",
			Description: "Flags sustained outbound flows, packet bursts, and off-subnet destinations in caller-supplied traffic samples.",
			Type:        engine.EvaluationModuleType,
			Author:      "LANScout Team",
			Tags:        []string{"evaluation", "traffic", "anomaly"},
			Consumes: []engine.DataContractEntry{
				{
					Key:          keyTrafficSamples,
					DataTypeName: "[]engine.TrafficSample",
					Cardinality:  engine.CardinalitySingle,
					IsOptional:   true,
					Description:  "Caller-supplied traffic observations; absent when the operator recorded none.",
				},
				{
					Key:          keyTopologySubnet,
					DataTypeName: "string",
					Cardinality:  engine.CardinalitySingle,
					IsOptional:   true,
					Description:  "Scanned subnet in CIDR form; enables the off-subnet destination heuristic.",
				},
			},
			Produces: []engine.DataContractEntry{
				{
					Key:          keyTrafficAnomalies,
					DataTypeName: "[]engine.TrafficAnomaly",
					Cardinality:  engine.CardinalitySingle,
					Description:  "Sample windows that crossed a rate threshold plus destinations outside the scanned subnet.",
				},
				{
					Key:          keyTrafficStats,
					DataTypeName: "engine.TrafficStats",
					Cardinality:  engine.CardinalitySingle,
					Description:  "Counts of samples analyzed and samples skipped as malformed.",
				},
			},
			ConfigSchema: map[string]engine.ParameterDefinition{
				"window":                  {Description: "Sliding window the rate thresholds apply over (e.g., '10s').", Type: "duration", Required: false, Default: defaultTrafficWindow.String()},
				"sustained_bytes_per_sec": {Description: "Outbound byte rate to one destination that counts as sustained.", Type: "int", Required: false, Default: defaultSustainedBytesPerSec},
				"burst_packets_per_sec":   {Description: "Packet rate to one destination that counts as a burst.", Type: "int", Required: false, Default: defaultBurstPacketsPerSec},
			},
		},
	}
}

// Metadata returns the module's metadata.
func (m *TrafficAnalyzeModule) Metadata() engine.ModuleMetadata {
	return m.meta
}

// Init applies analysis thresholds from the merged configuration.
func (m *TrafficAnalyzeModule) Init(instanceID string, configMap map[string]any) error {
	logger := log.With().Str("module", m.meta.Name).Str("instance_id", instanceID).Logger()
	logger.Debug().Interface("received_config_map", configMap).Msg("Initializing module")

	m.meta.ID = instanceID
	cfg := m.config

	if winVal, ok := configMap["window"].(string); ok {
		if dur, err := time.ParseDuration(winVal); err == nil {
			cfg.Window = dur
		} else {
			logger.Warn().Msgf("Module '%s': Invalid 'window' format '%v', using default %s", m.meta.Name, winVal, cfg.Window)
		}
	}
	if v, ok := configMap["sustained_bytes_per_sec"]; ok {
		if n := cast.ToInt64(v); n > 0 {
			cfg.SustainedBytesPerSec = n
		}
	}
	if v, ok := configMap["burst_packets_per_sec"]; ok {
		if n := cast.ToInt64(v); n > 0 {
			cfg.BurstPacketsPerSec = n
		}
	}

	if cfg.Window <= 0 {
		cfg.Window = defaultTrafficWindow
	}

	m.config = cfg
	logger.Debug().Dur("window", cfg.Window).Int64("sustained_bytes_per_sec", cfg.SustainedBytesPerSec).
		Int64("burst_packets_per_sec", cfg.BurstPacketsPerSec).Msg("Traffic analysis configured")
	return nil
}

// Execute runs the threshold heuristics over the supplied samples and emits
// traffic.anomalies and traffic.stats. No samples means no anomalies and no
// error; an absent or foreign-typed input degrades the same way so the
// analysis branch never fails the scan.
func (m *TrafficAnalyzeModule) Execute(ctx context.Context, inputs map[string]any, outputChan chan<- engine.ModuleOutput) error {
	logger := log.With().Str("module", m.meta.Name).Str("instance_id", m.meta.ID).Logger()

	emit := func(key string, data any) {
		outputChan <- engine.ModuleOutput{
			FromModuleName: m.meta.ID,
			DataKey:        key,
			Data:           data,
			Timestamp:      time.Now(),
		}
	}

	samples, ok := inputs[keyTrafficSamples].([]engine.TrafficSample)
	if !ok {
		if raw := inputs[keyTrafficSamples]; raw != nil {
			logger.Warn().Msgf("Unexpected type %T for '%s'; skipping traffic analysis", raw, keyTrafficSamples)
		}
		emit(keyTrafficAnomalies, []engine.TrafficAnomaly{})
		emit(keyTrafficStats, engine.TrafficStats{})
		return nil
	}

	var subnet *net.IPNet
	if cidr := cast.ToString(inputs[keyTopologySubnet]); cidr != "" {
		if _, parsed, err := net.ParseCIDR(cidr); err == nil {
			subnet = parsed
		} else {
			// Operator ranges like "192.0.2.10-20" reach here; without a
			// prefix there is no containment test to run.
			logger.Debug().Str("subnet", cidr).Msg("Subnet is not CIDR-shaped; off-subnet heuristic disabled")
		}
	}

	anomalies, stats := m.analyze(samples, subnet)

	for _, a := range anomalies {
		logger.Debug().Str("pattern", a.Pattern).Str("destination", a.Destination).
			Str("severity", string(a.Severity)).Msg("Traffic anomaly detected")
		if out, ok := ctx.Value(output.OutputKey).(output.Output); ok {
			out.Diag(output.LevelNormal, fmt.Sprintf("Traffic anomaly (%s): %s", a.Severity, a.Detail), nil)
		}
	}

	emit(keyTrafficAnomalies, anomalies)
	emit(keyTrafficStats, stats)

	if out, ok := ctx.Value(output.OutputKey).(output.Output); ok {
		out.Info(fmt.Sprintf("Traffic analysis: %d sample(s) analyzed, %d anomaly(ies) flagged", stats.SamplesAnalyzed, len(anomalies)))
	}
	logger.Info().Int("samples_analyzed", stats.SamplesAnalyzed).Int("samples_skipped", stats.SamplesSkipped).
		Int("anomalies", len(anomalies)).Msg("Traffic analysis completed")
	return nil
}

// flowKey identifies one traffic flow. Destination-bearing samples group per
// destination regardless of interface; destination-less samples group per
// interface.
type flowKey struct {
	destination string
	iface       string
}

// flowGroup collects the samples that describe one flow.
type flowGroup struct {
	destination string
	iface       string
	samples     []engine.TrafficSample
}

// label names the flow in human-readable detail strings.
func (g *flowGroup) label() string {
	if g.destination != "" {
		return "to " + g.destination
	}
	return "on " + g.iface
}

// analyze buckets samples into flows and applies the three heuristics to
// each. A sample is malformed when its timestamp is zero or it names neither
// a destination nor an interface; malformed samples are skipped and counted,
// never fatal. Flows are visited in sorted key order so repeated runs over
// the same input emit anomalies in the same order.
func (m *TrafficAnalyzeModule) analyze(samples []engine.TrafficSample, subnet *net.IPNet) ([]engine.TrafficAnomaly, engine.TrafficStats) {
	var stats engine.TrafficStats
	groups := make(map[flowKey]*flowGroup)

	for _, s := range samples {
		if s.Timestamp.IsZero() || (s.Destination == "" && s.Interface == "") {
			stats.SamplesSkipped++
			continue
		}
		stats.SamplesAnalyzed++

		key := flowKey{destination: s.Destination}
		if s.Destination == "" {
			key = flowKey{iface: s.Interface}
		}
		g, ok := groups[key]
		if !ok {
			g = &flowGroup{destination: key.destination, iface: key.iface}
			groups[key] = g
		}
		g.samples = append(g.samples, s)
	}

	keys := make([]flowKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].destination != keys[j].destination {
			return keys[i].destination < keys[j].destination
		}
		return keys[i].iface < keys[j].iface
	})

	anomalies := make([]engine.TrafficAnomaly, 0)
	for _, key := range keys {
		g := groups[key]
		sort.SliceStable(g.samples, func(i, j int) bool {
			return g.samples[i].Timestamp.Before(g.samples[j].Timestamp)
		})
		anomalies = append(anomalies, m.rateAnomalies(g)...)
		if a, flagged := offSubnetAnomaly(g, subnet); flagged {
			anomalies = append(anomalies, a)
		}
	}
	return anomalies, stats
}

// rateAnomalies slides the configured window over one flow's samples and
// reports the first window that crosses each rate threshold. A window four
// times over its threshold escalates from elevated to high severity.
func (m *TrafficAnalyzeModule) rateAnomalies(g *flowGroup) []engine.TrafficAnomaly {
	window := m.config.Window
	byteLimit := float64(m.config.SustainedBytesPerSec) * window.Seconds()
	packetLimit := float64(m.config.BurstPacketsPerSec) * window.Seconds()

	var anomalies []engine.TrafficAnomaly
	var bytes, packets uint64
	var sustainedSeen, burstSeen bool
	start := 0

	for end := range g.samples {
		bytes += g.samples[end].Bytes
		packets += g.samples[end].Packets
		for g.samples[end].Timestamp.Sub(g.samples[start].Timestamp) > window {
			bytes -= g.samples[start].Bytes
			packets -= g.samples[start].Packets
			start++
		}

		if !sustainedSeen && byteLimit > 0 && float64(bytes) > byteLimit {
			sustainedSeen = true
			anomalies = append(anomalies, engine.TrafficAnomaly{
				Timestamp:   g.samples[end].Timestamp,
				Pattern:     patternSustainedOutbound,
				Severity:    rateSeverity(float64(bytes), byteLimit),
				Destination: g.destination,
				Detail:      fmt.Sprintf("%d bytes %s within %s", bytes, g.label(), window),
			})
		}
		if !burstSeen && packetLimit > 0 && float64(packets) > packetLimit {
			burstSeen = true
			anomalies = append(anomalies, engine.TrafficAnomaly{
				Timestamp:   g.samples[end].Timestamp,
				Pattern:     patternPacketBurst,
				Severity:    rateSeverity(float64(packets), packetLimit),
				Destination: g.destination,
				Detail:      fmt.Sprintf("%d packets %s within %s", packets, g.label(), window),
			})
		}
		if sustainedSeen && burstSeen {
			break
		}
	}
	return anomalies
}

// offSubnetAnomaly flags a flow whose destination lies outside the scanned
// subnet. Interface-level flows carry no destination to judge, and
// multicast, broadcast, and loopback targets are routine local chatter, so
// none of those are flagged.
func offSubnetAnomaly(g *flowGroup, subnet *net.IPNet) (engine.TrafficAnomaly, bool) {
	if subnet == nil || g.destination == "" {
		return engine.TrafficAnomaly{}, false
	}
	ip := net.ParseIP(g.destination)
	if ip == nil || ip.IsMulticast() || ip.IsLoopback() || ip.IsUnspecified() || ip.Equal(net.IPv4bcast) {
		return engine.TrafficAnomaly{}, false
	}
	if subnet.Contains(ip) {
		return engine.TrafficAnomaly{}, false
	}
	return engine.TrafficAnomaly{
		Timestamp:   g.samples[0].Timestamp,
		Pattern:     patternOffSubnet,
		Severity:    engine.RiskElevated,
		Destination: g.destination,
		Detail:      fmt.Sprintf("destination %s is outside %s", g.destination, subnet.String()),
	}, true
}

// rateSeverity grades how far a window overshot its threshold.
func rateSeverity(total, limit float64) engine.RiskLevel {
	if total >= 4*limit {
		return engine.RiskHigh
	}
	return engine.RiskElevated
}

// TrafficAnalyzeModuleFactory creates a new TrafficAnalyzeModule instance.
func TrafficAnalyzeModuleFactory() engine.Module {
	return newTrafficAnalyzeModule()
}

func init() {
	engine.RegisterModuleFactory("traffic-analyze", TrafficAnalyzeModuleFactory)
}

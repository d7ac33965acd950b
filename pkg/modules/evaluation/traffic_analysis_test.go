// pkg/modules/evaluation/traffic_analysis_test.go
package evaluation

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/lanscout/lanscout/pkg/engine"
)

var trafficBase = time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)

// sampleAt builds one observation offset from the shared base time.
func sampleAt(offset time.Duration, dest, iface string, bytes, packets uint64) engine.TrafficSample {
	return engine.TrafficSample{
		Timestamp:   trafficBase.Add(offset),
		Interface:   iface,
		Destination: dest,
		Bytes:       bytes,
		Packets:     packets,
	}
}

func analyzeModule(t *testing.T, cfg map[string]any) *TrafficAnalyzeModule {
	t.Helper()
	mod := newTrafficAnalyzeModule()
	if err := mod.Init("traffic_analyze", cfg); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return mod
}

// runAnalysis executes the module and returns the two emissions.
func runAnalysis(t *testing.T, mod *TrafficAnalyzeModule, inputs map[string]any) ([]engine.TrafficAnomaly, engine.TrafficStats) {
	t.Helper()

	out := make(chan engine.ModuleOutput, 4)
	if err := mod.Execute(context.Background(), inputs, out); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	close(out)

	var (
		anomalies    []engine.TrafficAnomaly
		stats        engine.TrafficStats
		gotAnomalies bool
		gotStats     bool
	)
	for o := range out {
		switch o.DataKey {
		case keyTrafficAnomalies:
			anomalies = o.Data.([]engine.TrafficAnomaly)
			gotAnomalies = true
		case keyTrafficStats:
			stats = o.Data.(engine.TrafficStats)
			gotStats = true
		default:
			t.Fatalf("unexpected emission key %q", o.DataKey)
		}
	}
	if !gotAnomalies || !gotStats {
		t.Fatalf("expected both traffic.anomalies and traffic.stats emissions (anomalies=%v stats=%v)", gotAnomalies, gotStats)
	}
	return anomalies, stats
}

func TestNewTrafficAnalyzeModule(t *testing.T) {
	mod := newTrafficAnalyzeModule()
	meta := mod.Metadata()

	if meta.Name != "traffic-analyze" {
		t.Errorf("expected name traffic-analyze, got %q", meta.Name)
	}
	if meta.Type != engine.EvaluationModuleType {
		t.Errorf("expected evaluation module type, got %q", meta.Type)
	}
	if len(meta.Consumes) != 2 {
		t.Fatalf("expected 2 consumed keys, got %d", len(meta.Consumes))
	}
	for _, entry := range meta.Consumes {
		if !entry.IsOptional {
			t.Errorf("consumed key %q should be optional; the analysis branch must never gate the scan", entry.Key)
		}
	}
	if meta.Consumes[0].Key != keyTrafficSamples || meta.Consumes[1].Key != keyTopologySubnet {
		t.Errorf("unexpected consumed keys: %q, %q", meta.Consumes[0].Key, meta.Consumes[1].Key)
	}
	if len(meta.Produces) != 2 || meta.Produces[0].Key != keyTrafficAnomalies || meta.Produces[1].Key != keyTrafficStats {
		t.Errorf("unexpected produces contract: %+v", meta.Produces)
	}
	for _, key := range []string{"window", "sustained_bytes_per_sec", "burst_packets_per_sec"} {
		if _, ok := meta.ConfigSchema[key]; !ok {
			t.Errorf("config schema missing %q", key)
		}
	}

	if mod.config.Window != defaultTrafficWindow {
		t.Errorf("expected default window %s, got %s", defaultTrafficWindow, mod.config.Window)
	}
	if mod.config.SustainedBytesPerSec != defaultSustainedBytesPerSec {
		t.Errorf("expected default sustained rate %d, got %d", int64(defaultSustainedBytesPerSec), mod.config.SustainedBytesPerSec)
	}
	if mod.config.BurstPacketsPerSec != defaultBurstPacketsPerSec {
		t.Errorf("expected default burst rate %d, got %d", int64(defaultBurstPacketsPerSec), mod.config.BurstPacketsPerSec)
	}
}

func TestTrafficAnalyzeModule_Init(t *testing.T) {
	mod := analyzeModule(t, map[string]any{
		"window":                  "2s",
		"sustained_bytes_per_sec": 1000,
		"burst_packets_per_sec":   50,
	})

	if mod.meta.ID != "traffic_analyze" {
		t.Errorf("expected instance ID to be adopted, got %q", mod.meta.ID)
	}
	if mod.config.Window != 2*time.Second {
		t.Errorf("expected window 2s, got %s", mod.config.Window)
	}
	if mod.config.SustainedBytesPerSec != 1000 {
		t.Errorf("expected sustained threshold 1000, got %d", mod.config.SustainedBytesPerSec)
	}
	if mod.config.BurstPacketsPerSec != 50 {
		t.Errorf("expected burst threshold 50, got %d", mod.config.BurstPacketsPerSec)
	}
}

func TestTrafficAnalyzeModule_Init_InvalidValuesFallBack(t *testing.T) {
	mod := analyzeModule(t, map[string]any{
		"window":                  "soon",
		"sustained_bytes_per_sec": 0,
		"burst_packets_per_sec":   -5,
	})

	if mod.config.Window != defaultTrafficWindow {
		t.Errorf("invalid window should keep default %s, got %s", defaultTrafficWindow, mod.config.Window)
	}
	if mod.config.SustainedBytesPerSec != defaultSustainedBytesPerSec {
		t.Errorf("zero sustained threshold should keep default, got %d", mod.config.SustainedBytesPerSec)
	}
	if mod.config.BurstPacketsPerSec != defaultBurstPacketsPerSec {
		t.Errorf("negative burst threshold should keep default, got %d", mod.config.BurstPacketsPerSec)
	}
}

func TestTrafficAnalyzeModule_Execute_NoSamples(t *testing.T) {
	mod := analyzeModule(t, map[string]any{})

	for name, inputs := range map[string]map[string]any{
		"absent": {},
		"empty":  {keyTrafficSamples: []engine.TrafficSample{}},
	} {
		anomalies, stats := runAnalysis(t, mod, inputs)
		if len(anomalies) != 0 {
			t.Errorf("%s input: expected no anomalies, got %d", name, len(anomalies))
		}
		if stats.SamplesAnalyzed != 0 || stats.SamplesSkipped != 0 {
			t.Errorf("%s input: expected zero stats, got %+v", name, stats)
		}
	}
}

func TestTrafficAnalyzeModule_Execute_WrongInputType(t *testing.T) {
	mod := analyzeModule(t, map[string]any{})

	anomalies, stats := runAnalysis(t, mod, map[string]any{keyTrafficSamples: "not samples"})
	if len(anomalies) != 0 {
		t.Errorf("expected no anomalies for mistyped input, got %d", len(anomalies))
	}
	if stats != (engine.TrafficStats{}) {
		t.Errorf("expected zero stats for mistyped input, got %+v", stats)
	}
}

func TestTrafficAnalyzeModule_Execute_SustainedOutbound(t *testing.T) {
	// 1000 B/s over 10s means any window holding more than 10000 bytes trips.
	mod := analyzeModule(t, map[string]any{"window": "10s", "sustained_bytes_per_sec": 1000})

	samples := []engine.TrafficSample{
		sampleAt(0, "192.168.1.9", "eth0", 3000, 1),
		sampleAt(1*time.Second, "192.168.1.9", "eth0", 3000, 1),
		sampleAt(2*time.Second, "192.168.1.9", "eth0", 3000, 1),
		sampleAt(3*time.Second, "192.168.1.9", "eth0", 3000, 1),
		sampleAt(4*time.Second, "192.168.1.9", "eth0", 3000, 1),
	}
	anomalies, stats := runAnalysis(t, mod, map[string]any{keyTrafficSamples: samples})

	if stats.SamplesAnalyzed != 5 || stats.SamplesSkipped != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if len(anomalies) != 1 {
		t.Fatalf("expected exactly one anomaly (first tripping window only), got %d: %+v", len(anomalies), anomalies)
	}
	a := anomalies[0]
	if a.Pattern != patternSustainedOutbound {
		t.Errorf("expected pattern %q, got %q", patternSustainedOutbound, a.Pattern)
	}
	if a.Destination != "192.168.1.9" {
		t.Errorf("expected destination 192.168.1.9, got %q", a.Destination)
	}
	// The fourth sample pushes the window to 12000 bytes.
	if !a.Timestamp.Equal(trafficBase.Add(3 * time.Second)) {
		t.Errorf("expected anomaly stamped at the tripping sample, got %s", a.Timestamp)
	}
	if a.Severity != engine.RiskElevated {
		t.Errorf("expected elevated severity, got %q", a.Severity)
	}
	if !strings.Contains(a.Detail, "192.168.1.9") {
		t.Errorf("detail should name the destination, got %q", a.Detail)
	}
}

func TestTrafficAnalyzeModule_Execute_SevereOverrunEscalates(t *testing.T) {
	// Limit is 10000 bytes per window; 50000 is five times over.
	mod := analyzeModule(t, map[string]any{"window": "10s", "sustained_bytes_per_sec": 1000})

	samples := []engine.TrafficSample{sampleAt(0, "192.168.1.9", "eth0", 50000, 1)}
	anomalies, _ := runAnalysis(t, mod, map[string]any{keyTrafficSamples: samples})

	if len(anomalies) != 1 {
		t.Fatalf("expected one anomaly, got %d", len(anomalies))
	}
	if anomalies[0].Severity != engine.RiskHigh {
		t.Errorf("fourfold overrun should escalate to high, got %q", anomalies[0].Severity)
	}
}

func TestTrafficAnalyzeModule_Execute_WindowExcludesOldSamples(t *testing.T) {
	// Two bursts of 1500 bytes sit 10s apart; each 2s window holds at most
	// 1500 bytes, under the 2000-byte limit, so nothing trips.
	mod := analyzeModule(t, map[string]any{"window": "2s", "sustained_bytes_per_sec": 1000})

	samples := []engine.TrafficSample{
		sampleAt(0, "192.168.1.9", "eth0", 1500, 1),
		sampleAt(10*time.Second, "192.168.1.9", "eth0", 1500, 1),
	}
	anomalies, stats := runAnalysis(t, mod, map[string]any{keyTrafficSamples: samples})

	if len(anomalies) != 0 {
		t.Errorf("expected no anomalies once stale samples leave the window, got %+v", anomalies)
	}
	if stats.SamplesAnalyzed != 2 {
		t.Errorf("expected 2 samples analyzed, got %d", stats.SamplesAnalyzed)
	}
}

func TestTrafficAnalyzeModule_Execute_PacketBurstPerInterface(t *testing.T) {
	// Counter-sampler samples carry no destination; bursts group per interface.
	mod := analyzeModule(t, map[string]any{"window": "1s", "burst_packets_per_sec": 100})

	samples := []engine.TrafficSample{
		sampleAt(0, "", "eth0", 10, 60),
		sampleAt(500*time.Millisecond, "", "eth0", 10, 60),
	}
	anomalies, _ := runAnalysis(t, mod, map[string]any{keyTrafficSamples: samples})

	if len(anomalies) != 1 {
		t.Fatalf("expected one burst anomaly, got %d: %+v", len(anomalies), anomalies)
	}
	a := anomalies[0]
	if a.Pattern != patternPacketBurst {
		t.Errorf("expected pattern %q, got %q", patternPacketBurst, a.Pattern)
	}
	if a.Destination != "" {
		t.Errorf("interface-level anomaly should carry no destination, got %q", a.Destination)
	}
	if !strings.Contains(a.Detail, "on eth0") {
		t.Errorf("detail should name the interface, got %q", a.Detail)
	}
	if !a.Timestamp.Equal(trafficBase.Add(500 * time.Millisecond)) {
		t.Errorf("expected anomaly stamped at the tripping sample, got %s", a.Timestamp)
	}
}

func TestTrafficAnalyzeModule_Execute_OffSubnetDestination(t *testing.T) {
	mod := analyzeModule(t, map[string]any{})

	samples := []engine.TrafficSample{
		sampleAt(0, "203.0.113.7", "eth0", 10, 1),
		sampleAt(1*time.Second, "192.168.1.5", "eth0", 10, 1),
		sampleAt(2*time.Second, "239.255.255.250", "eth0", 10, 1),
		sampleAt(3*time.Second, "255.255.255.255", "eth0", 10, 1),
	}
	anomalies, stats := runAnalysis(t, mod, map[string]any{
		keyTrafficSamples: samples,
		keyTopologySubnet: "192.168.1.0/24",
	})

	if stats.SamplesAnalyzed != 4 {
		t.Errorf("expected 4 samples analyzed, got %d", stats.SamplesAnalyzed)
	}
	if len(anomalies) != 1 {
		t.Fatalf("expected only the routable outside destination flagged, got %d: %+v", len(anomalies), anomalies)
	}
	a := anomalies[0]
	if a.Pattern != patternOffSubnet {
		t.Errorf("expected pattern %q, got %q", patternOffSubnet, a.Pattern)
	}
	if a.Destination != "203.0.113.7" {
		t.Errorf("expected destination 203.0.113.7, got %q", a.Destination)
	}
	if a.Severity != engine.RiskElevated {
		t.Errorf("expected elevated severity, got %q", a.Severity)
	}
	if !strings.Contains(a.Detail, "192.168.1.0/24") {
		t.Errorf("detail should name the subnet, got %q", a.Detail)
	}
}

func TestTrafficAnalyzeModule_Execute_OffSubnetNeedsCIDR(t *testing.T) {
	mod := analyzeModule(t, map[string]any{})

	samples := []engine.TrafficSample{sampleAt(0, "203.0.113.7", "eth0", 10, 1)}
	anomalies, _ := runAnalysis(t, mod, map[string]any{
		keyTrafficSamples: samples,
		keyTopologySubnet: "192.0.2.10-20",
	})

	if len(anomalies) != 0 {
		t.Errorf("range-form subnet gives no containment test; expected no anomalies, got %+v", anomalies)
	}
}

func TestTrafficAnalyzeModule_Execute_MalformedSamplesSkipped(t *testing.T) {
	mod := analyzeModule(t, map[string]any{})

	samples := []engine.TrafficSample{
		{Destination: "192.168.1.9", Bytes: 10, Packets: 1}, // zero timestamp
		sampleAt(0, "", "", 10, 1),                          // neither destination nor interface
		sampleAt(1*time.Second, "192.168.1.9", "eth0", 10, 1),
	}
	anomalies, stats := runAnalysis(t, mod, map[string]any{keyTrafficSamples: samples})

	if stats.SamplesAnalyzed != 1 {
		t.Errorf("expected 1 sample analyzed, got %d", stats.SamplesAnalyzed)
	}
	if stats.SamplesSkipped != 2 {
		t.Errorf("expected 2 samples skipped, got %d", stats.SamplesSkipped)
	}
	if len(anomalies) != 0 {
		t.Errorf("expected no anomalies, got %+v", anomalies)
	}
}

func TestTrafficAnalyzeModule_Execute_BothRatesOneFlow(t *testing.T) {
	mod := analyzeModule(t, map[string]any{
		"window":                  "1s",
		"sustained_bytes_per_sec": 100,
		"burst_packets_per_sec":   10,
	})

	samples := []engine.TrafficSample{sampleAt(0, "10.0.0.9", "eth0", 500, 50)}
	anomalies, _ := runAnalysis(t, mod, map[string]any{keyTrafficSamples: samples})

	if len(anomalies) != 2 {
		t.Fatalf("expected sustained and burst anomalies for the same flow, got %d: %+v", len(anomalies), anomalies)
	}
	if anomalies[0].Pattern != patternSustainedOutbound || anomalies[1].Pattern != patternPacketBurst {
		t.Errorf("unexpected pattern order: %q, %q", anomalies[0].Pattern, anomalies[1].Pattern)
	}
	for _, a := range anomalies {
		if a.Severity != engine.RiskHigh {
			t.Errorf("fivefold overrun should be high severity, got %q for %q", a.Severity, a.Pattern)
		}
	}
}

func TestTrafficAnalyzeModule_Execute_DeterministicAcrossInputOrder(t *testing.T) {
	mod := analyzeModule(t, map[string]any{
		"window":                  "1s",
		"sustained_bytes_per_sec": 1000,
		"burst_packets_per_sec":   100,
	})

	burst := sampleAt(0, "", "eth0", 10, 150)
	slowFlow := sampleAt(0, "10.0.0.1", "eth0", 1500, 5)
	fastFlow := sampleAt(0, "10.0.0.2", "eth0", 5000, 5)

	ordered := []engine.TrafficSample{burst, slowFlow, fastFlow}
	shuffled := []engine.TrafficSample{fastFlow, burst, slowFlow}
	orderedCopy := append([]engine.TrafficSample(nil), ordered...)

	first, firstStats := runAnalysis(t, mod, map[string]any{keyTrafficSamples: ordered})
	second, secondStats := runAnalysis(t, mod, map[string]any{keyTrafficSamples: shuffled})

	if !reflect.DeepEqual(first, second) {
		t.Errorf("anomalies should not depend on sample order:\nfirst:  %+v\nsecond: %+v", first, second)
	}
	if firstStats != secondStats {
		t.Errorf("stats should not depend on sample order: %+v vs %+v", firstStats, secondStats)
	}
	if !reflect.DeepEqual(ordered, orderedCopy) {
		t.Errorf("analysis must not mutate the caller's samples")
	}

	// Flows are visited in sorted key order: the destination-less interface
	// flow sorts first, then the two destinations ascending.
	if len(first) != 3 {
		t.Fatalf("expected 3 anomalies, got %d: %+v", len(first), first)
	}
	if first[0].Pattern != patternPacketBurst || first[0].Destination != "" {
		t.Errorf("expected the interface burst first, got %+v", first[0])
	}
	if first[1].Destination != "10.0.0.1" || first[1].Severity != engine.RiskElevated {
		t.Errorf("expected elevated sustained flow for 10.0.0.1, got %+v", first[1])
	}
	if first[2].Destination != "10.0.0.2" || first[2].Severity != engine.RiskHigh {
		t.Errorf("expected high sustained flow for 10.0.0.2, got %+v", first[2])
	}
}

func TestTrafficAnalyzeModuleFactory_ReturnsModule(t *testing.T) {
	mod := TrafficAnalyzeModuleFactory()
	if mod == nil {
		t.Fatal("factory returned nil")
	}
	if mod.Metadata().Name != "traffic-analyze" {
		t.Errorf("unexpected module name %q", mod.Metadata().Name)
	}
}

// pkg/scanexec/params.go
// Package scanexec plans and executes reconnaissance runs on behalf of the
// CLI, turning caller parameters into a DAG and a finished report.
package scanexec

import (
	"strconv"
	"strings"
	"time"

	"github.com/lanscout/lanscout/pkg/config"
	"github.com/lanscout/lanscout/pkg/engine"
)

// Params defines one reconnaissance run as requested by the caller.
// Zero values defer to module defaults.
type Params struct {
	Subnet            string // CIDR or a.b.c.X-Y range; empty resolves the local subnet
	Ports             string // e.g., "80,443,554,8000-8010"
	TimeoutMs         int    // per-probe timeout
	DeadlineMs        int    // global sweep budget
	Concurrency       int    // max simultaneous probes
	IncludeDiscovery  bool   // run the SSDP multicast search
	IncludeTraffic    bool   // run the traffic pattern analyzer
	EnablePing        bool   // run the ICMP liveness pre-sweep
	PingCount         int    // echo requests per host
	SSDPWaitMs        int    // SSDP listen window
	SignaturesPath    string // operator signature catalog override
	TelemetryPath     string // JSONL classification event sink
	TrafficSampleFile string // recorded JSONL samples; empty samples live counters
	SampleWindow      time.Duration
	IncludeTags       []string
	ExcludeTags       []string
	RawInputs         map[string]any // extra initial inputs merged into the data context
}

// ParamsFromConfig seeds run parameters from the resolved configuration.
// Flag-level overrides are applied by the caller on top.
func ParamsFromConfig(cfg config.Config) Params {
	return Params{
		Subnet:            cfg.Scan.Subnet,
		Ports:             portsString(cfg.Scan.Ports),
		TimeoutMs:         cfg.Scan.TimeoutMs,
		DeadlineMs:        cfg.Scan.DeadlineMs,
		Concurrency:       cfg.Scan.Concurrency,
		IncludeDiscovery:  cfg.Discovery.SSDP.Enabled,
		IncludeTraffic:    cfg.Traffic.Enabled,
		EnablePing:        cfg.Discovery.Ping.Enabled,
		SSDPWaitMs:        cfg.Discovery.SSDP.WaitMs,
		SignaturesPath:    cfg.Signatures.Path,
		TelemetryPath:     cfg.Signatures.Telemetry,
		TrafficSampleFile: cfg.Traffic.SampleFile,
		SampleWindow:      cfg.Traffic.SampleWindow(),
	}
}

// portsString renders a port list in the form the sweep module parses.
func portsString(ports []int) string {
	if len(ports) == 0 {
		return ""
	}
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		parts = append(parts, strconv.Itoa(p))
	}
	return strings.Join(parts, ",")
}

// Result carries the outcome of one reconnaissance run.
type Result struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string             // completed or failed
	Report     *engine.ScanReport // nil when the run failed before the report was built
	RawContext map[string]any     // every data key the pipeline produced
}

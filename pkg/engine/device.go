package engine

import (
	"sort"
	"time"
)

// RiskLevel is a coarse band derived from a host's numeric risk score.
type RiskLevel string

const (
	RiskBaseline RiskLevel = "baseline"
	RiskElevated RiskLevel = "elevated"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Score thresholds for the risk bands. A score of zero is the baseline an
// unclassified host with no camera-typical ports starts from.
const (
	riskElevatedMin = 1
	riskHighMin     = 40
	riskCriticalMin = 70
)

// RiskLevelForScore maps a numeric risk score onto its band.
func RiskLevelForScore(score int) RiskLevel {
	switch {
	case score >= riskCriticalMin:
		return RiskCritical
	case score >= riskHighMin:
		return RiskHigh
	case score >= riskElevatedMin:
		return RiskElevated
	default:
		return RiskBaseline
	}
}

// PortFinding details a single open port observed on a host.
type PortFinding struct {
	Port        int    `json:"port" yaml:"port"`
	Protocol    string `json:"protocol" yaml:"protocol"` // "tcp"
	State       string `json:"state" yaml:"state"`       // always "open"; closed ports are counters, not findings
	Banner      string `json:"banner,omitempty" yaml:"banner,omitempty"`
	ServiceHint string `json:"service_hint,omitempty" yaml:"service_hint,omitempty"` // e.g., "http", "rtsp"
}

// Host represents a single responsive address on the scanned network.
// A Host record exists only when at least one probe proved a port open;
// hosts that merely refused or timed out appear in SweepStats counters.
type Host struct {
	Address    string        `json:"address" yaml:"address"`
	Ports      []PortFinding `json:"ports" yaml:"ports"` // ascending by port number
	DeviceType string        `json:"device_type" yaml:"device_type"`
	RiskScore  int           `json:"risk_score" yaml:"risk_score"`
	RiskLevel  RiskLevel     `json:"risk_level" yaml:"risk_level"`
	FirstSeen  time.Time     `json:"first_seen" yaml:"first_seen"`
}

// OpenPorts returns the host's port numbers in ascending order.
func (h *Host) OpenPorts() []int {
	ports := make([]int, 0, len(h.Ports))
	for _, p := range h.Ports {
		ports = append(ports, p.Port)
	}
	sort.Ints(ports)
	return ports
}

// Banners returns the port-to-banner map for classification. Ports whose
// probe captured no banner map to the empty string.
func (h *Host) Banners() map[int]string {
	banners := make(map[int]string, len(h.Ports))
	for _, p := range h.Ports {
		banners[p.Port] = p.Banner
	}
	return banners
}

// DiscoveryDevice is a device that answered the multicast discovery probe.
type DiscoveryDevice struct {
	Address      string `json:"address" yaml:"address"` // responder IP
	Location     string `json:"location,omitempty" yaml:"location,omitempty"`
	Server       string `json:"server,omitempty" yaml:"server,omitempty"`
	SearchTarget string `json:"search_target,omitempty" yaml:"search_target,omitempty"`
	USN          string `json:"usn,omitempty" yaml:"usn,omitempty"`
	FriendlyName string `json:"friendly_name,omitempty" yaml:"friendly_name,omitempty"`
}

// TrafficSample is one caller-supplied traffic observation. The engine never
// captures packets itself; samples arrive from the CLI's counter sampler or
// from a file the operator recorded.
type TrafficSample struct {
	Timestamp   time.Time `json:"timestamp" yaml:"timestamp"`
	Interface   string    `json:"interface,omitempty" yaml:"interface,omitempty"`
	Destination string    `json:"destination" yaml:"destination"`
	Bytes       uint64    `json:"bytes" yaml:"bytes"`
	Packets     uint64    `json:"packets" yaml:"packets"`
}

// TrafficAnomaly flags a sample window that matched a suspicious pattern.
type TrafficAnomaly struct {
	Timestamp   time.Time `json:"timestamp" yaml:"timestamp"`
	Pattern     string    `json:"pattern" yaml:"pattern"` // e.g., "sustained-outbound", "off-subnet-destination"
	Severity    RiskLevel `json:"severity" yaml:"severity"`
	Destination string    `json:"destination,omitempty" yaml:"destination,omitempty"`
	Detail      string    `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// SweepStats aggregates probe outcomes across the whole port sweep.
// Non-open outcomes never create Host records; they only count here.
type SweepStats struct {
	HostsAttempted    int `json:"hosts_attempted" yaml:"hosts_attempted"`
	HostsResponsive   int `json:"hosts_responsive" yaml:"hosts_responsive"` // answered TCP at all (open or refused)
	ProbesOpen        int `json:"probes_open" yaml:"probes_open"`
	ProbesRefused     int `json:"probes_refused" yaml:"probes_refused"`
	ProbesTimeout     int `json:"probes_timeout" yaml:"probes_timeout"`
	ProbesUnreachable int `json:"probes_unreachable" yaml:"probes_unreachable"`
}

// DiscoveryStats aggregates multicast discovery outcomes.
type DiscoveryStats struct {
	RepliesParsed    int `json:"replies_parsed" yaml:"replies_parsed"`
	RepliesDiscarded int `json:"replies_discarded" yaml:"replies_discarded"`
	LocationsFetched int `json:"locations_fetched" yaml:"locations_fetched"`
}

// TrafficStats aggregates traffic analysis bookkeeping.
type TrafficStats struct {
	SamplesAnalyzed int `json:"samples_analyzed" yaml:"samples_analyzed"`
	SamplesSkipped  int `json:"samples_skipped" yaml:"samples_skipped"`
}

// ScanStatus describes how a scan run ended.
type ScanStatus string

const (
	// StatusCompleted means every scheduled probe ran to completion.
	StatusCompleted ScanStatus = "completed"
	// StatusPartialDeadline means the global deadline stopped scheduling;
	// results collected before the deadline are retained.
	StatusPartialDeadline ScanStatus = "partial-deadline"
	// StatusPartialCancelled means the caller cancelled mid-scan; results
	// collected before the cancellation are retained.
	StatusPartialCancelled ScanStatus = "partial-cancelled"
)

// ScanReport is the immutable result of one reconnaissance run. Aggregation
// happens once in the report builder; callers must not mutate a returned
// report.
type ScanReport struct {
	RunID           string            `json:"run_id" yaml:"run_id"`
	Subnet          string            `json:"subnet" yaml:"subnet"`
	LocalIP         string            `json:"local_ip,omitempty" yaml:"local_ip,omitempty"`
	StartedAt       time.Time         `json:"started_at" yaml:"started_at"`
	FinishedAt      time.Time         `json:"finished_at" yaml:"finished_at"`
	Status          ScanStatus        `json:"status" yaml:"status"`
	Hosts           []Host            `json:"hosts" yaml:"hosts"` // ascending by address
	Discovered      []DiscoveryDevice `json:"discovered,omitempty" yaml:"discovered,omitempty"`
	Anomalies       []TrafficAnomaly  `json:"anomalies,omitempty" yaml:"anomalies,omitempty"`
	Sweep           SweepStats        `json:"sweep" yaml:"sweep"`
	Discovery       DiscoveryStats    `json:"discovery" yaml:"discovery"`
	Traffic         TrafficStats      `json:"traffic" yaml:"traffic"`
	Recommendations []string          `json:"recommendations,omitempty" yaml:"recommendations,omitempty"`
}

// DeviceTypeCounts tallies hosts by classified device type. Hosts that never
// passed through classification carry no type and are not counted.
func (r ScanReport) DeviceTypeCounts() map[string]int {
	counts := make(map[string]int)
	for _, h := range r.Hosts {
		if h.DeviceType == "" {
			continue
		}
		counts[h.DeviceType]++
	}
	return counts
}

// pkg/config/types.go
package config

import "time"

// Config is the root configuration for lanscout. Each section maps to a
// koanf key prefix (log.*, scan.*, ...) through the koanf struct tags.
type Config struct {
	Log        LogConfig       `koanf:"log"`
	Scan       ScanConfig      `koanf:"scan"`
	Discovery  DiscoveryConfig `koanf:"discovery"`
	Traffic    TrafficConfig   `koanf:"traffic"`
	Signatures SignatureConfig `koanf:"signatures"`
	Output     OutputConfig    `koanf:"output"`
	Verbose    bool            `koanf:"verbose"`
}

// LogConfig controls the zerolog backend.
type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // text or json
	File   string `koanf:"file"`   // empty writes to stderr
}

// ScanConfig drives target enumeration and the port sweep.
type ScanConfig struct {
	// Subnet is the CIDR to scan. Empty means resolve the local subnet
	// from the machine's primary interface.
	Subnet      string `koanf:"subnet"`
	Ports       []int  `koanf:"ports"`
	TimeoutMs   int    `koanf:"timeout_ms"`
	DeadlineMs  int    `koanf:"deadline_ms"`
	Concurrency int    `koanf:"concurrency"`
}

// Timeout returns the per-probe timeout as a duration.
func (c ScanConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Deadline returns the global scan budget as a duration.
func (c ScanConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineMs) * time.Millisecond
}

// DefaultScanConfig returns the scan defaults: the camera-oriented port list
// and a concurrency cap sized for a /24 sweep.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		Subnet:      "",
		Ports:       []int{80, 81, 443, 554, 8080, 8000, 8443, 37777},
		TimeoutMs:   750,
		DeadlineMs:  120000,
		Concurrency: 128,
	}
}

// DiscoveryConfig toggles the discovery branches of the pipeline.
type DiscoveryConfig struct {
	SSDP SSDPConfig `koanf:"ssdp"`
	Ping PingConfig `koanf:"ping"`
}

// SSDPConfig controls the UPnP/SSDP multicast search.
type SSDPConfig struct {
	Enabled bool `koanf:"enabled"`
	// WaitMs is how long to collect responses after sending M-SEARCH.
	WaitMs int `koanf:"wait_ms"`
}

// Wait returns the SSDP response collection window as a duration.
func (c SSDPConfig) Wait() time.Duration {
	return time.Duration(c.WaitMs) * time.Millisecond
}

// PingConfig controls the ICMP liveness sweep that runs before port probing.
type PingConfig struct {
	Enabled   bool `koanf:"enabled"`
	TimeoutMs int  `koanf:"timeout_ms"`
}

// Timeout returns the per-host ping timeout as a duration.
func (c PingConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// DefaultDiscoveryConfig enables SSDP and leaves the ICMP sweep opt-in,
// since unprivileged ICMP is not available on every platform.
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		SSDP: SSDPConfig{Enabled: true, WaitMs: 3000},
		Ping: PingConfig{Enabled: false, TimeoutMs: 1000},
	}
}

// TrafficConfig controls the traffic pattern analysis branch.
type TrafficConfig struct {
	Enabled bool `koanf:"enabled"`
	// SampleFile is an optional JSONL file of traffic samples to analyze
	// instead of live counter sampling.
	SampleFile     string `koanf:"sample_file"`
	SampleWindowMs int    `koanf:"sample_window_ms"`
}

// SampleWindow returns the live sampling window as a duration.
func (c TrafficConfig) SampleWindow() time.Duration {
	return time.Duration(c.SampleWindowMs) * time.Millisecond
}

// DefaultTrafficConfig leaves traffic analysis disabled.
func DefaultTrafficConfig() TrafficConfig {
	return TrafficConfig{
		Enabled:        false,
		SampleFile:     "",
		SampleWindowMs: 10000,
	}
}

// SignatureConfig points at operator-supplied signature data.
type SignatureConfig struct {
	// Path is an optional YAML catalog that replaces the embedded default.
	Path string `koanf:"path"`
	// Telemetry is an optional JSONL file classification events are
	// appended to.
	Telemetry string `koanf:"telemetry"`
}

// OutputConfig selects how scan results are rendered.
type OutputConfig struct {
	Format string `koanf:"format"` // human or json
}

// pkg/config/config.go
package config

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Global Koanf instance, initialized once at startup.
var (
	k    *koanf.Koanf
	once sync.Once
)

// InitGlobalConfig initializes the global Koanf instance.
// This should be called early in the application lifecycle, before Load.
func InitGlobalConfig() {
	once.Do(func() {
		k = koanf.New(".")
	})
}

// Manager handles loading and accessing application configuration.
type Manager struct {
	koanfInstance *koanf.Koanf
	currentConfig Config
	mu            sync.RWMutex // To protect currentConfig during runtime updates
}

// NewManager creates a new configuration Manager.
// It initializes the global Koanf instance if not already done.
func NewManager() *Manager {
	InitGlobalConfig()
	return &Manager{
		koanfInstance: k,
	}
}

// DefaultConfig returns a new Config struct populated with hardcoded default values.
// These serve as the baseline configuration if no other sources override them.
func DefaultConfig() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			File:   "",
		},
		Scan:       DefaultScanConfig(),
		Discovery:  DefaultDiscoveryConfig(),
		Traffic:    DefaultTrafficConfig(),
		Signatures: SignatureConfig{},
		Output:     OutputConfig{Format: "human"},
	}
}

// Load loads configuration from various sources based on precedence.
// It populates the manager's currentConfig.
//
// Configuration precedence (highest to lowest):
//  1. Command-line flags (--log.level=debug)
//  2. Environment variables (LANSCOUT_LOG_LEVEL=debug)
//  3. Config file (YAML)
//  4. Default values
//
// Environment variables use LANSCOUT_ prefix and underscore-to-dot mapping:
//
//	LANSCOUT_LOG_LEVEL        -> log.level
//	LANSCOUT_SCAN_CONCURRENCY -> scan.concurrency
//
// For custom source ordering, use LoadWithSources() instead.
func (m *Manager) Load(flags *pflag.FlagSet, customConfigFilePath string) error {
	// Check debug flag before creating sources
	debug := false
	if flags != nil {
		debugFlag := flags.Lookup("debug")
		if debugFlag != nil && debugFlag.Value.String() == "true" {
			debug = true
		}
	}

	sources := DefaultSources(customConfigFilePath, flags, debug)
	return m.LoadWithSources(sources)
}

// LoadWithSources loads configuration from the provided sources in priority order.
// Sources with lower priority values are loaded first, higher priority sources
// override lower priority values.
//
// This method allows custom source ordering and additional sources (e.g., a
// pinned override for one key) to be inserted into the loading chain.
func (m *Manager) LoadWithSources(sources []ConfigSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Sort sources by priority (lowest first)
	sort.Slice(sources, func(i, j int) bool {
		return sources[i].Priority() < sources[j].Priority()
	})

	// Load each source in order
	for _, src := range sources {
		if err := src.Load(m.koanfInstance); err != nil {
			return fmt.Errorf("error loading config from %s: %w", src.Name(), err)
		}
	}

	// Unmarshal the final merged configuration into m.currentConfig
	var newCfg Config
	if err := m.koanfInstance.UnmarshalWithConf("", &newCfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return fmt.Errorf("error unmarshaling final config: %w", err)
	}
	m.currentConfig = newCfg

	// Apply any post-load processing or validation.
	m.postProcessConfig()

	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// Return a copy to prevent modification of the internal state.
	cfgCopy := m.currentConfig
	return cfgCopy
}

// GetValue retrieves a configuration value by key path.
// Example: GetValue("scan.concurrency")
// Returns nil if key doesn't exist.
func (m *Manager) GetValue(key string) any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.koanfInstance.Get(key)
}

// UpdateRuntimeValue updates a specific configuration value at runtime.
// Scan configuration is immutable once a scan starts; modules receive copies
// through their Init config maps, so runtime updates are currently a no-op.
func (m *Manager) UpdateRuntimeValue(key string, value any) error {
	return nil
}

// postProcessConfig handles any adjustments needed after loading and unmarshaling.
func (m *Manager) postProcessConfig() {
	m.currentConfig.Log.Level = strings.ToLower(m.currentConfig.Log.Level)
	m.currentConfig.Output.Format = strings.ToLower(m.currentConfig.Output.Format)
}

// DefaultConfigAsMap converts the DefaultConfig struct to a map[string]interface{}
// for Koanf's confmap.Provider. This is a bit manual but ensures Koanf knows all keys.
func DefaultConfigAsMap() map[string]any {
	def := DefaultConfig()
	return map[string]any{
		// Log configuration
		"log.level":  def.Log.Level,
		"log.format": def.Log.Format,
		"log.file":   def.Log.File,

		// Scan configuration
		"scan.subnet":      def.Scan.Subnet,
		"scan.ports":       def.Scan.Ports,
		"scan.timeout_ms":  def.Scan.TimeoutMs,
		"scan.deadline_ms": def.Scan.DeadlineMs,
		"scan.concurrency": def.Scan.Concurrency,

		// Discovery configuration
		"discovery.ssdp.enabled":    def.Discovery.SSDP.Enabled,
		"discovery.ssdp.wait_ms":    def.Discovery.SSDP.WaitMs,
		"discovery.ping.enabled":    def.Discovery.Ping.Enabled,
		"discovery.ping.timeout_ms": def.Discovery.Ping.TimeoutMs,

		// Traffic analysis configuration
		"traffic.enabled":          def.Traffic.Enabled,
		"traffic.sample_file":      def.Traffic.SampleFile,
		"traffic.sample_window_ms": def.Traffic.SampleWindowMs,

		// Signature catalog configuration
		"signatures.path":      def.Signatures.Path,
		"signatures.telemetry": def.Signatures.Telemetry,

		// Output configuration
		"output.format": def.Output.Format,

		"verbose": def.Verbose,
	}
}

// BindFlags defines command-line flags corresponding to configuration settings.
// These flags allow overriding config file / environment variable settings.
// This function should be called when setting up Cobra commands.
func BindFlags(flags *pflag.FlagSet) {
	var flagvar bool
	flags.BoolVar(&flagvar, "debug", false, "Enable debug logging")

	// Note: The main --config / -c flag for specifying the config file path
	// is typically defined directly on the root Cobra command's PersistentFlags.
}

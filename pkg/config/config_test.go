package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
)

// Helper to reset global variables for testing
func resetGlobalConfig() {
	k = nil
	once = sync.Once{}
}

func TestInitGlobalConfig_InitializesKoanfOnce(t *testing.T) {
	resetGlobalConfig()
	InitGlobalConfig()
	assert.NotNil(t, k, "Global koanf instance should be initialized")
}

func TestInitGlobalConfig_IsIdempotent(t *testing.T) {
	resetGlobalConfig()
	InitGlobalConfig()
	firstInstance := k
	InitGlobalConfig()
	secondInstance := k
	assert.Equal(t, firstInstance, secondInstance, "Koanf instance should not change on repeated InitGlobalConfig calls")
}

func TestInitGlobalConfig_KoanfUsesDotDelimiter(t *testing.T) {
	resetGlobalConfig()
	InitGlobalConfig()
	assert.Equal(t, ".", k.Delim(), "Koanf delimiter should be '.'")
}

func TestNewManager_InitializesManagerWithGlobalKoanf(t *testing.T) {
	resetGlobalConfig()
	manager := NewManager()
	assert.NotNil(t, manager, "Manager should not be nil")
	assert.NotNil(t, manager.koanfInstance, "Manager's koanfInstance should not be nil")
	assert.Equal(t, k, manager.koanfInstance, "Manager's koanfInstance should use the global Koanf instance")
}

func TestNewManager_MultipleManagersShareGlobalKoanf(t *testing.T) {
	resetGlobalConfig()
	manager1 := NewManager()
	manager2 := NewManager()
	assert.Equal(t, manager1.koanfInstance, manager2.koanfInstance, "All managers should share the same global Koanf instance")
}

func TestDefaultConfig_ReturnsExpectedDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Log.Level, "Default log level should be 'info'")
	assert.Equal(t, "text", cfg.Log.Format, "Default log format should be 'text'")
	assert.Equal(t, "", cfg.Log.File, "Default log file should be empty")
	assert.Equal(t, []int{80, 81, 443, 554, 8080, 8000, 8443, 37777}, cfg.Scan.Ports, "Default port list should cover the camera/DVR ports")
	assert.Equal(t, 750, cfg.Scan.TimeoutMs, "Default per-probe timeout should be 750ms")
	assert.Equal(t, 120000, cfg.Scan.DeadlineMs, "Default scan deadline should be 120s")
	assert.Equal(t, 128, cfg.Scan.Concurrency, "Default concurrency cap should be 128")
	assert.True(t, cfg.Discovery.SSDP.Enabled, "SSDP discovery should be on by default")
	assert.False(t, cfg.Discovery.Ping.Enabled, "ICMP sweep should be opt-in")
	assert.False(t, cfg.Traffic.Enabled, "Traffic analysis should be opt-in")
	assert.Equal(t, "human", cfg.Output.Format, "Default output format should be 'human'")
}

func TestScanConfig_DurationAccessors(t *testing.T) {
	cfg := ScanConfig{TimeoutMs: 750, DeadlineMs: 120000}
	assert.Equal(t, "750ms", cfg.Timeout().String())
	assert.Equal(t, "2m0s", cfg.Deadline().String())
}

func TestManager_Load_LoadsDefaultsWhenNoFlags(t *testing.T) {
	resetGlobalConfig()
	manager := NewManager()
	err := manager.Load(nil, "")
	assert.NoError(t, err, "Load should not return error when loading defaults")
	cfg := manager.Get()
	assert.Equal(t, "info", cfg.Log.Level, "Default log level should be 'info'")
	assert.Equal(t, "text", cfg.Log.Format, "Default log format should be 'text'")
	assert.Equal(t, []int{80, 81, 443, 554, 8080, 8000, 8443, 37777}, cfg.Scan.Ports, "Default port list should survive the load")
	assert.Equal(t, 128, cfg.Scan.Concurrency, "Default concurrency should survive the load")
}

func TestManager_Load_OverridesWithFlags(t *testing.T) {
	resetGlobalConfig()
	manager := NewManager()
	flags := newTestFlagSet()
	_ = flags.Set("log.level", "error")
	_ = flags.Set("log.format", "json")
	_ = flags.Set("log.file", "/tmp/test.log")
	err := manager.Load(flags, "")
	assert.NoError(t, err, "Load should not return error when loading with flags")
	cfg := manager.Get()
	assert.Equal(t, "error", cfg.Log.Level, "Flag should override log level")
	assert.Equal(t, "json", cfg.Log.Format, "Flag should override log format")
	assert.Equal(t, "/tmp/test.log", cfg.Log.File, "Flag should override log file")
}

func TestManager_Load_DebugFlagSetsLogLevelToDebug(t *testing.T) {
	resetGlobalConfig()
	manager := NewManager()
	flags := newTestFlagSet()
	_ = flags.Set("debug", "true")
	err := manager.Load(flags, "")
	assert.NoError(t, err, "Load should not return error when loading with debug flag")
	cfg := manager.Get()
	assert.Equal(t, "debug", cfg.Log.Level, "Debug flag should set log level to debug")
}

func TestManager_Load_ConfigFileOverridesDefaults(t *testing.T) {
	resetGlobalConfig()

	configPath := filepath.Join(t.TempDir(), "lanscout.yaml")
	doc := []byte(`log:
  level: warn
scan:
  concurrency: 16
  ports: [80, 443]
discovery:
  ssdp:
    enabled: false
`)
	if err := os.WriteFile(configPath, doc, 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	manager := NewManager()
	err := manager.Load(nil, configPath)
	assert.NoError(t, err, "Load should not return error with a valid config file")

	cfg := manager.Get()
	assert.Equal(t, "warn", cfg.Log.Level, "Config file should override log level")
	assert.Equal(t, 16, cfg.Scan.Concurrency, "Config file should override concurrency")
	assert.Equal(t, []int{80, 443}, cfg.Scan.Ports, "Config file should override port list")
	assert.False(t, cfg.Discovery.SSDP.Enabled, "Config file should override nested discovery toggle")
	assert.Equal(t, "text", cfg.Log.Format, "Keys absent from the file should keep defaults")
}

func TestManager_Load_MissingConfigFileFails(t *testing.T) {
	resetGlobalConfig()
	manager := NewManager()
	err := manager.Load(nil, "/nonexistent/dir/lanscout.yaml")
	assert.Error(t, err, "Load should fail for an explicitly given but missing config file")
	assert.Contains(t, err.Error(), "error loading config from", "Error should name the failing source")
}

func TestBindFlags_AddsDebugFlag(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	debugFlag := flags.Lookup("debug")
	assert.NotNil(t, debugFlag, "BindFlags should add a 'debug' flag")
	assert.Equal(t, "Enable debug logging", debugFlag.Usage, "Debug flag should have correct usage")
	assert.Equal(t, "false", debugFlag.DefValue, "Debug flag should default to false")
}

func TestBindFlags_DebugFlagCanBeSet(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	err := flags.Set("debug", "true")
	assert.NoError(t, err, "Should be able to set 'debug' flag")
	val, err := flags.GetBool("debug")
	assert.NoError(t, err, "Should be able to get 'debug' flag value after setting")
	assert.True(t, val, "Value of 'debug' flag should be true after setting")
}

func TestManager_UpdateRuntimeValue_NoOpReturnsNil(t *testing.T) {
	resetGlobalConfig()
	manager := NewManager()
	err := manager.UpdateRuntimeValue("log.level", "warn")
	assert.NoError(t, err, "UpdateRuntimeValue should return nil (no error) for any input")
}

func TestManager_UpdateRuntimeValue_DoesNotChangeConfig(t *testing.T) {
	resetGlobalConfig()
	manager := NewManager()
	_ = manager.Load(nil, "")
	originalCfg := manager.Get()

	_ = manager.UpdateRuntimeValue("log.level", "warn")
	afterCfg := manager.Get()

	assert.Equal(t, originalCfg, afterCfg, "UpdateRuntimeValue should not modify config (no-op)")
}

// TestManager_Load_UnmarshalLeniency documents how forgiving koanf's
// mapstructure-backed unmarshal is: a garbage string where an int is
// expected may either error or weakly convert, and both outcomes leave the
// rest of the config intact.
func TestManager_Load_UnmarshalLeniency(t *testing.T) {
	resetGlobalConfig()

	testKoanf := koanf.New(".")
	testData := map[string]any{
		"scan": map[string]any{
			"concurrency": "not-a-number-at-all",
		},
	}
	_ = testKoanf.Load(confmap.Provider(testData, "."), nil)

	var newCfg Config
	err := testKoanf.UnmarshalWithConf("", &newCfg, koanf.UnmarshalConf{
		Tag: "koanf",
	})
	if err == nil {
		t.Logf("koanf converted garbage concurrency to %d without error", newCfg.Scan.Concurrency)
	}
}

func TestManager_Load_EnvVarsOverrideDefaults(t *testing.T) {
	resetGlobalConfig()

	t.Setenv("LANSCOUT_LOG_LEVEL", "warn")
	t.Setenv("LANSCOUT_LOG_FORMAT", "json")
	t.Setenv("LANSCOUT_SCAN_CONCURRENCY", "32")

	manager := NewManager()
	err := manager.Load(nil, "")
	assert.NoError(t, err, "Load should not return error when loading with env vars")

	cfg := manager.Get()
	assert.Equal(t, "warn", cfg.Log.Level, "ENV var should override log level")
	assert.Equal(t, "json", cfg.Log.Format, "ENV var should override log format")
	assert.Equal(t, 32, cfg.Scan.Concurrency, "ENV var should override scan concurrency")
}

func TestManager_Load_EnvVarsOverrideConfigFile(t *testing.T) {
	resetGlobalConfig()

	configPath := filepath.Join(t.TempDir(), "lanscout.yaml")
	if err := os.WriteFile(configPath, []byte("log:\n  level: warn\n"), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	t.Setenv("LANSCOUT_LOG_LEVEL", "error")

	manager := NewManager()
	err := manager.Load(nil, configPath)
	assert.NoError(t, err, "Load should not return error")

	cfg := manager.Get()
	assert.Equal(t, "error", cfg.Log.Level, "ENV var should override config file")
}

func TestManager_Load_FlagsOverrideEnvVars(t *testing.T) {
	resetGlobalConfig()

	t.Setenv("LANSCOUT_LOG_LEVEL", "warn")

	manager := NewManager()
	flags := newTestFlagSet()
	_ = flags.Set("log.level", "error") // Flag should win over env var

	err := manager.Load(flags, "")
	assert.NoError(t, err, "Load should not return error")

	cfg := manager.Get()
	assert.Equal(t, "error", cfg.Log.Level, "CLI flag should override ENV var")
}

func TestManager_Load_EnvVarNamingConvention(t *testing.T) {
	resetGlobalConfig()

	// Nested key mapping: LANSCOUT_DISCOVERY_SSDP_ENABLED -> discovery.ssdp.enabled
	t.Setenv("LANSCOUT_DISCOVERY_SSDP_ENABLED", "false")
	t.Setenv("LANSCOUT_SCAN_SUBNET", "192.168.50.0/24")

	manager := NewManager()
	err := manager.Load(nil, "")
	assert.NoError(t, err, "Load should not return error")

	cfg := manager.Get()
	assert.False(t, cfg.Discovery.SSDP.Enabled, "ENV var should map to nested config key")
	assert.Equal(t, "192.168.50.0/24", cfg.Scan.Subnet, "ENV var should map to nested config key")
}

func TestDefaultSources_ChainComposition(t *testing.T) {
	flags := newTestFlagSet()

	sources := DefaultSources("/tmp/lanscout.yaml", flags, true)
	assert.Len(t, sources, 5, "defaults, env, file, flags, and debug override expected")

	byName := map[string]int{}
	for _, src := range sources {
		byName[src.Name()] = src.Priority()
	}
	assert.Equal(t, PriorityDefaults, byName["defaults"])
	assert.Equal(t, PriorityFile, byName["file:/tmp/lanscout.yaml"])
	assert.Equal(t, PriorityEnv, byName["env"])
	assert.Equal(t, PriorityFlags, byName["flags"])
	assert.Equal(t, PriorityOverride, byName["debug-flag"])
}

func TestDefaultSources_OmitsOptionalSources(t *testing.T) {
	sources := DefaultSources("", nil, false)
	assert.Len(t, sources, 2, "only defaults and env without file, flags, or debug")
}

func newTestFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log.level", "info", "")
	flags.String("log.format", "text", "")
	flags.String("log.file", "", "")
	flags.Bool("debug", false, "")
	return flags
}

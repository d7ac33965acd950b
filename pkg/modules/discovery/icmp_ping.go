// pkg/modules/discovery/icmp_ping.go
// Package discovery provides host and device discovery modules.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/go-ping/ping"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"

	"github.com/lanscout/lanscout/pkg/engine"
	"github.com/lanscout/lanscout/pkg/netutil"
	"github.com/lanscout/lanscout/pkg/output"
)

// keyDiscoveryLiveHosts carries addresses that answered at least one echo.
const keyDiscoveryLiveHosts = "discovery.live_hosts"

// ICMPLivenessConfig holds configuration for the ICMP liveness sweep.
type ICMPLivenessConfig struct {
	Targets       []string      `json:"targets"`        // Operator override; normally targets come from topology resolution
	Timeout       time.Duration `json:"timeout"`        // Per-host ping budget
	Count         int           `json:"count"`          // Echo requests per host
	Interval      time.Duration `json:"interval"`       // Delay between echo requests to the same host
	Privileged    bool          `json:"privileged"`     // Raw sockets; requires root on most platforms
	Concurrency   int           `json:"concurrency"`    // Hosts pinged in parallel
	AllowLoopback bool          `json:"allow_loopback"` // Keep loopback addresses in the sweep
}

// Pinger is the slice of the ping library the module drives. Tests substitute
// their own implementation through the module's pingerFactory.
type Pinger interface {
	Run() error
	Stop()
	Statistics() *ping.Statistics

	SetPrivileged(bool)
	SetCount(int)
	SetInterval(time.Duration)
	SetTimeout(time.Duration)
	GetTimeout() time.Duration
}

type pingerFactoryFunc func(ip string) (Pinger, error)

// ICMPLivenessModule narrows the sweep target list to hosts that answer ICMP
// echo requests. The port sweep treats its output as optional: when this
// module is not planned, every enumerated target gets probed.
type ICMPLivenessModule struct {
	meta          engine.ModuleMetadata
	config        ICMPLivenessConfig
	pingerFactory pingerFactoryFunc
}

func newICMPLivenessModule() *ICMPLivenessModule {
	defaultConfig := ICMPLivenessConfig{
		Timeout:       1 * time.Second,
		Count:         1,
		Interval:      1 * time.Second,
		Privileged:    false,
		Concurrency:   50,
		AllowLoopback: true,
	}

	return &ICMPLivenessModule{
		meta: engine.ModuleMetadata{
			ID:          "icmp-liveness-instance",
			Name:        "icmp-liveness",
			Version:     "0.1.0",
			Description: "Narrows the target list to hosts answering ICMP echo requests before the TCP sweep.",
			Type:        engine.DiscoveryModuleType,
			Author:      "LANScout Team",
			Tags:        []string{"discovery", "host", "icmp", "ping"},
			Consumes: []engine.DataContractEntry{
				{
					Key:          keyTopologyTargets,
					DataTypeName: "[]string",
					Cardinality:  engine.CardinalitySingle,
					IsOptional:   false,
					Description:  "Expanded candidate addresses from topology resolution.",
				},
			},
			Produces: []engine.DataContractEntry{
				{
					Key:          keyDiscoveryLiveHosts,
					DataTypeName: "[]string",
					Cardinality:  engine.CardinalitySingle,
					Description:  "Addresses that answered at least one echo request, in enumeration order.",
				},
			},
			ConfigSchema: map[string]engine.ParameterDefinition{
				"targets":        {Description: "IPs, CIDRs, or ranges to ping instead of the resolved topology targets.", Type: "[]string", Required: false},
				"timeout":        {Description: "Ping budget per host (e.g., '1s').", Type: "duration", Required: false, Default: defaultConfig.Timeout.String()},
				"count":          {Description: "Number of echo requests to send to each host.", Type: "int", Required: false, Default: defaultConfig.Count},
				"interval":       {Description: "Interval between echo requests to the same host (e.g., '1s').", Type: "duration", Required: false, Default: defaultConfig.Interval.String()},
				"privileged":     {Description: "Use raw ICMP sockets (requires root/admin privileges).", Type: "bool", Required: false, Default: defaultConfig.Privileged},
				"concurrency":    {Description: "Number of hosts pinged in parallel.", Type: "int", Required: false, Default: defaultConfig.Concurrency},
				"allow_loopback": {Description: "Keep loopback addresses in the sweep.", Type: "bool", Required: false, Default: defaultConfig.AllowLoopback},
			},
		},
		config: defaultConfig,
		pingerFactory: func(ip string) (Pinger, error) {
			p, err := ping.NewPinger(ip)
			if err != nil {
				return nil, err
			}
			return &realPingerAdapter{p: p}, nil
		},
	}
}

// Metadata returns the module's metadata.
func (m *ICMPLivenessModule) Metadata() engine.ModuleMetadata {
	return m.meta
}

// Init initializes the module with the given configuration map.
func (m *ICMPLivenessModule) Init(instanceID string, configMap map[string]any) error {
	cfg := m.config

	logger := log.With().Str("module", m.meta.Name).Str("instance_id", instanceID).Logger()
	logger.Debug().Interface("received_config_map", configMap).Msg("Initializing module")

	m.meta.ID = instanceID

	if targetsVal, ok := configMap["targets"]; ok {
		cfg.Targets = cast.ToStringSlice(targetsVal)
	}
	if timeoutStr, ok := configMap["timeout"].(string); ok {
		if dur, err := time.ParseDuration(timeoutStr); err == nil {
			cfg.Timeout = dur
		} else {
			log.Warn().Msgf("Module '%s': Invalid 'timeout' format in config: '%s'. Using default: %s", m.meta.Name, timeoutStr, cfg.Timeout)
		}
	}
	if countVal, ok := configMap["count"]; ok {
		cfg.Count = cast.ToInt(countVal)
	}
	if intervalStr, ok := configMap["interval"].(string); ok {
		if dur, err := time.ParseDuration(intervalStr); err == nil {
			cfg.Interval = dur
		} else {
			log.Warn().Msgf("Module '%s': Invalid 'interval' format in config: '%s'. Using default: %s", m.meta.Name, intervalStr, cfg.Interval)
		}
	}
	if privilegedVal, ok := configMap["privileged"]; ok {
		cfg.Privileged = cast.ToBool(privilegedVal)
	}
	if concurrencyVal, ok := configMap["concurrency"]; ok {
		cfg.Concurrency = cast.ToInt(concurrencyVal)
	}
	if allowLoopbackVal, ok := configMap["allow_loopback"]; ok {
		cfg.AllowLoopback = cast.ToBool(allowLoopbackVal)
	}

	if cfg.Count < 1 {
		log.Warn().Msgf("Module '%s': Ping count in config is < 1 (%d). Setting to 1.", m.meta.Name, cfg.Count)
		cfg.Count = 1
	}
	if cfg.Concurrency < 1 {
		log.Warn().Msgf("Module '%s': Concurrency in config is < 1 (%d). Setting to 1.", m.meta.Name, cfg.Concurrency)
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 1 * time.Second
		log.Warn().Msgf("Module '%s': Invalid 'timeout'. Setting to default: %s", m.meta.Name, cfg.Timeout)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 1 * time.Second
		log.Warn().Msgf("Module '%s': Invalid 'interval'. Setting to default: %s", m.meta.Name, cfg.Interval)
	}

	// Privileged pings need root on unix-likes; downgrade instead of failing
	// the whole run later with an opaque socket error.
	if cfg.Privileged && runtime.GOOS != "windows" {
		if os.Geteuid() != 0 {
			log.Warn().Msgf("Module '%s': Privileged ping requested, but process is not running as root. Falling back to unprivileged ping.", m.meta.Name)
			cfg.Privileged = false
		}
	} else if cfg.Privileged && runtime.GOOS == "windows" {
		log.Info().Msgf("Module '%s': Privileged mode on Windows may rely on ICMP.DLL rather than raw sockets.", m.meta.Name)
	}

	m.config = cfg
	logger.Debug().Interface("final_config", m.config).Msg("Module initialized.")
	return nil
}

// Execute pings every candidate and emits the subset that answered. An empty
// target list and caller cancellation both produce a normal (possibly empty)
// live-host emission, never a module failure: the sweep downstream decides
// what an empty list means.
func (m *ICMPLivenessModule) Execute(ctx context.Context, inputs map[string]any, outputChan chan<- engine.ModuleOutput) error {
	logger := log.With().Str("module", m.meta.Name).Str("instance_id", m.meta.ID).Logger()
	logger.Debug().Interface("received_inputs", inputs).Msg("Executing module")

	emit := func(liveHosts []string) {
		outputChan <- engine.ModuleOutput{
			FromModuleName: m.meta.ID,
			DataKey:        keyDiscoveryLiveHosts,
			Data:           liveHosts,
			Timestamp:      time.Now(),
		}
	}

	// Topology resolution delivers an already-expanded, ordered list. The
	// config fallback exists for hand-written DAGs and gets the same
	// expansion treatment.
	targets := cast.ToStringSlice(inputs[keyTopologyTargets])
	if len(targets) == 0 && len(m.config.Targets) > 0 {
		targets = netutil.ParseAndExpandTargets(m.config.Targets)
		logger.Debug().Interface("config_targets", m.config.Targets).Msg("Using targets from module config")
	}

	if !m.config.AllowLoopback {
		kept := make([]string, 0, len(targets))
		for _, ipStr := range targets {
			if ip := net.ParseIP(ipStr); ip != nil && ip.IsLoopback() {
				logger.Debug().Str("ip", ipStr).Msg("Skipping loopback address")
				continue
			}
			kept = append(kept, ipStr)
		}
		targets = kept
	}

	if len(targets) == 0 {
		logger.Info().Msg("No targets to ping. Emitting empty live-host list.")
		emit([]string{})
		return nil
	}

	liveSet := make(map[string]struct{})
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, m.config.Concurrency)

	logger.Info().Int("num_targets", len(targets)).Int("concurrency", m.config.Concurrency).Msg("Starting ICMP liveness sweep")

	for _, targetIP := range targets {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Context canceled. No further hosts will be pinged.")
			goto collect
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			<-sem
			goto collect
		}

		wg.Add(1)
		go func(ip string) {
			defer wg.Done()
			defer func() { <-sem }()

			pinger, err := m.pingerFactory(ip)
			if err != nil {
				logger.Warn().Str("target", ip).Err(err).Msg("Failed to create pinger")
				return
			}

			pinger.SetPrivileged(m.config.Privileged)
			pinger.SetCount(m.config.Count)
			pinger.SetInterval(m.config.Interval)
			pinger.SetTimeout(m.config.Timeout)

			opCtx, opCancel := context.WithTimeout(ctx, pinger.GetTimeout()+(500*time.Millisecond))
			defer opCancel()

			// ping.Run blocks; the watcher turns context death into Stop.
			go func() {
				<-opCtx.Done()
				pinger.Stop()
			}()

			if err := pinger.Run(); err != nil {
				logger.Debug().Err(err).Str("target", ip).Msg("Pinger run error")
			}
			stats := pinger.Statistics()

			if stats != nil && stats.PacketsRecv > 0 {
				mu.Lock()
				liveSet[ip] = struct{}{}
				mu.Unlock()
				logger.Debug().Str("target", ip).Msg("Host is live")

				if out, ok := ctx.Value(output.OutputKey).(output.Output); ok {
					out.Diag(output.LevelNormal, fmt.Sprintf("Host discovered: %s", ip), nil)
				}
			}
		}(targetIP)
	}

collect:
	wg.Wait()

	// Report in enumeration order so downstream filtering and rendering are
	// deterministic regardless of which ping finished first.
	liveHosts := make([]string, 0, len(liveSet))
	for _, ip := range targets {
		if _, ok := liveSet[ip]; ok {
			liveHosts = append(liveHosts, ip)
		}
	}
	emit(liveHosts)

	logger.Info().Int("live_hosts_found", len(liveHosts)).Int("targets_processed", len(targets)).Msg("ICMP liveness sweep completed")
	return nil
}

// ICMPLivenessModuleFactory creates a new ICMPLivenessModule instance.
func ICMPLivenessModuleFactory() engine.Module {
	return newICMPLivenessModule()
}

func init() {
	engine.RegisterModuleFactory("icmp-liveness", ICMPLivenessModuleFactory)
}

// internal adapter: wraps github.com/go-ping/ping.Pinger to implement our Pinger interface
type realPingerAdapter struct {
	p *ping.Pinger
}

func (r *realPingerAdapter) Run() error                   { return r.p.Run() }
func (r *realPingerAdapter) Stop()                        { r.p.Stop() }
func (r *realPingerAdapter) Statistics() *ping.Statistics { return r.p.Statistics() }

func (r *realPingerAdapter) SetPrivileged(v bool)        { r.p.SetPrivileged(v) }
func (r *realPingerAdapter) SetCount(c int)              { r.p.Count = c }
func (r *realPingerAdapter) SetInterval(i time.Duration) { r.p.Interval = i }
func (r *realPingerAdapter) SetTimeout(t time.Duration)  { r.p.Timeout = t }
func (r *realPingerAdapter) GetTimeout() time.Duration   { return r.p.Timeout }

// pkg/modules/scan/port_sweep.go
// Package scan provides modules related to active network probing.
package scan

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"

	"github.com/lanscout/lanscout/pkg/engine"
	"github.com/lanscout/lanscout/pkg/fingerprint"
	"github.com/lanscout/lanscout/pkg/netutil"
	"github.com/lanscout/lanscout/pkg/output"
)

// Data keys exchanged with the rest of the pipeline.
const (
	keyTopologyTargets    = "topology.targets"
	keyDiscoveryLiveHosts = "discovery.live_hosts"
	keyScanHosts          = "scan.hosts"
	keyScanStats          = "scan.stats"
	keyScanStatus         = "scan.status"
)

// defaultSweepPorts are the camera-typical TCP ports probed when no port list
// is configured. 37777 is the Dahua DVR control port.
var defaultSweepPorts = []int{80, 81, 443, 554, 8080, 8000, 8443, 37777}

// PortSweepConfig holds configuration for the port sweep module.
type PortSweepConfig struct {
	Ports        []int         `mapstructure:"ports"`         // TCP ports probed on every target
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"` // Budget for one connect plus banner exchange
	Deadline     time.Duration `mapstructure:"deadline"`      // Global budget for the whole sweep; 0 disables
	Concurrency  int           `mapstructure:"concurrency"`   // Maximum number of in-flight probes
	SendProbes   bool          `mapstructure:"send_probes"`   // Send protocol payloads when the passive read captures nothing
	BufferSize   int           `mapstructure:"buffer_size"`   // Read buffer size for banner capture
}

// sweepTask is one (target, port) pair queued for probing.
type sweepTask struct {
	Target string
	Port   int
}

// probeResult is the collector-bound outcome of a single probe.
type probeResult struct {
	Target      string
	Port        int
	Outcome     string
	Banner      string
	ServiceHint string
}

// sweepSummary is what the collector hands back once the results channel closes.
type sweepSummary struct {
	hosts []engine.Host
	stats engine.SweepStats
}

// PortSweepModule probes every (target, port) pair over TCP with a bounded
// worker pool. Hosts exist only for targets that proved at least one port
// open; refused, timed out, and unreachable probes land in SweepStats.
type PortSweepModule struct {
	meta   engine.ModuleMetadata
	config PortSweepConfig
	logger zerolog.Logger
	probes *fingerprint.ProbeCatalog

	// inFlight and peakInFlight track concurrently active probe workers.
	// The semaphore caps inFlight at Concurrency; peakInFlight records the
	// high-water mark actually reached.
	inFlight     atomic.Int32
	peakInFlight atomic.Int32
}

// newPortSweepModule is the internal constructor for the PortSweepModule.
func newPortSweepModule() *PortSweepModule {
	defaultConfig := PortSweepConfig{
		Ports:        append([]int(nil), defaultSweepPorts...),
		ProbeTimeout: 750 * time.Millisecond,
		Deadline:     2 * time.Minute,
		Concurrency:  128,
		SendProbes:   true,
		BufferSize:   2048,
	}

	return &PortSweepModule{
		meta: engine.ModuleMetadata{
			ID:          "port-sweep-instance",
			Name:        "port-sweep",
			Version:     "0.1.0",
			Description: "Probes every (target, port) pair over TCP with a bounded worker pool, capturing service banners from open ports.",
			Type:        engine.ScanModuleType,
			Author:      "LANScout Team",
			Tags:        []string{"scan", "tcp", "sweep", "banner"},
			Consumes: []engine.DataContractEntry{
				{
					Key:          keyTopologyTargets,
					DataTypeName: "[]string",
					Cardinality:  engine.CardinalitySingle,
					IsOptional:   false,
					Description:  "Candidate addresses in enumeration order.",
				},
				{
					Key:          keyDiscoveryLiveHosts,
					DataTypeName: "[]string",
					Cardinality:  engine.CardinalitySingle,
					IsOptional:   true,
					Description:  "Addresses that answered the liveness sweep; narrows the target list when present.",
				},
			},
			Produces: []engine.DataContractEntry{
				{
					Key:          keyScanHosts,
					DataTypeName: "[]engine.Host",
					Cardinality:  engine.CardinalitySingle,
					Description:  "Hosts with at least one open port, addresses ascending, ports ascending per host.",
				},
				{
					Key:          keyScanStats,
					DataTypeName: "engine.SweepStats",
					Cardinality:  engine.CardinalitySingle,
					Description:  "Probe outcome counters aggregated across the sweep.",
				},
				{
					Key:          keyScanStatus,
					DataTypeName: "engine.ScanStatus",
					Cardinality:  engine.CardinalitySingle,
					Description:  "How the sweep ended: completed, partial-deadline, or partial-cancelled.",
				},
			},
			ConfigSchema: map[string]engine.ParameterDefinition{
				"ports":         {Description: "Ports probed on every target, as a list or a string like '80,443,8000-8010'.", Type: "[]int", Required: false, Default: defaultSweepPorts},
				"probe_timeout": {Description: "Budget for one connect plus banner exchange (e.g. '750ms').", Type: "duration", Required: false, Default: defaultConfig.ProbeTimeout.String()},
				"deadline":      {Description: "Global budget for the whole sweep; 0 disables (e.g. '2m').", Type: "duration", Required: false, Default: defaultConfig.Deadline.String()},
				"concurrency":   {Description: "Maximum number of in-flight probes.", Type: "int", Required: false, Default: defaultConfig.Concurrency},
				"send_probes":   {Description: "Whether to send protocol payloads when the passive read captures nothing.", Type: "bool", Required: false, Default: defaultConfig.SendProbes},
				"buffer_size":   {Description: "Read buffer size (in bytes) for banner capture.", Type: "int", Required: false, Default: defaultConfig.BufferSize},
			},
		},
		config: defaultConfig,
	}
}

// Metadata returns the module's descriptive metadata.
func (m *PortSweepModule) Metadata() engine.ModuleMetadata {
	return m.meta
}

// Init initializes the module with the given configuration map.
func (m *PortSweepModule) Init(instanceID string, configMap map[string]any) error {
	m.logger = log.With().Str("module", m.meta.Name).Str("instance_id", m.meta.ID).Logger()

	cfg := m.config

	if portsVal, ok := configMap["ports"]; ok {
		switch v := portsVal.(type) {
		case string:
			if parsed, err := netutil.ParsePortString(v); err == nil && len(parsed) > 0 {
				cfg.Ports = parsed
			} else if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] Module '%s': Invalid 'ports': '%s'. Using default list.\n", m.meta.Name, v)
			}
		default:
			if ints := cast.ToIntSlice(portsVal); len(ints) > 0 {
				cfg.Ports = ints
			}
		}
	}
	if probeTimeoutStr, ok := configMap["probe_timeout"].(string); ok {
		if dur, err := time.ParseDuration(probeTimeoutStr); err == nil {
			cfg.ProbeTimeout = dur
		} else {
			fmt.Fprintf(os.Stderr, "[WARN] Module '%s': Invalid 'probe_timeout': '%s'. Using default: %s\n", m.meta.Name, probeTimeoutStr, cfg.ProbeTimeout)
		}
	}
	if deadlineStr, ok := configMap["deadline"].(string); ok {
		if dur, err := time.ParseDuration(deadlineStr); err == nil {
			cfg.Deadline = dur
		} else {
			fmt.Fprintf(os.Stderr, "[WARN] Module '%s': Invalid 'deadline': '%s'. Using default: %s\n", m.meta.Name, deadlineStr, cfg.Deadline)
		}
	}
	if concurrencyVal, ok := configMap["concurrency"]; ok {
		cfg.Concurrency = cast.ToInt(concurrencyVal)
	}
	if sendProbesVal, ok := configMap["send_probes"]; ok {
		cfg.SendProbes = cast.ToBool(sendProbesVal)
	}
	if bufferSizeVal, ok := configMap["buffer_size"]; ok {
		cfg.BufferSize = cast.ToInt(bufferSizeVal)
	}

	cfg.Ports = normalizePorts(cfg.Ports)
	if len(cfg.Ports) == 0 {
		cfg.Ports = append([]int(nil), defaultSweepPorts...)
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 750 * time.Millisecond
	}
	if cfg.Deadline < 0 {
		cfg.Deadline = 0
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.BufferSize <= 0 || cfg.BufferSize > 16384 {
		cfg.BufferSize = 2048
	}

	m.config = cfg
	m.logger.Debug().Interface("final_config", m.config).Msg("Module initialized.")
	return nil
}

// Execute probes all (target, port) pairs and emits the collected hosts,
// sweep counters, and final status. The global deadline and caller
// cancellation stop scheduling immediately; in-flight probes finish within
// their own timeout and everything collected so far is still emitted.
func (m *PortSweepModule) Execute(ctx context.Context, inputs map[string]any, outputChan chan<- engine.ModuleOutput) error {
	m.logger.Debug().Interface("received_inputs", inputs).Msg("Executing module")

	var targets []string
	if raw, ok := inputs[keyTopologyTargets]; ok {
		targets = stringSliceFromInput(raw)
		if targets == nil {
			m.logger.Warn().Type("type", raw).Msg("'topology.targets' input is not a string list as expected")
		}
	} else {
		m.logger.Warn().Msg("'topology.targets' not found in inputs. Nothing to sweep.")
	}

	if raw, ok := inputs[keyDiscoveryLiveHosts]; ok {
		if live := stringSliceFromInput(raw); live != nil {
			targets = filterByLiveHosts(targets, live)
			m.logger.Info().Int("live_hosts", len(live)).Int("targets", len(targets)).Msg("Narrowed sweep to liveness responders")
		}
	}

	tasks := make([]sweepTask, 0, len(targets)*len(m.config.Ports))
	for _, target := range targets {
		for _, port := range m.config.Ports {
			tasks = append(tasks, sweepTask{Target: target, Port: port})
		}
	}

	emit := func(key string, data any) {
		outputChan <- engine.ModuleOutput{
			FromModuleName: m.meta.ID,
			DataKey:        key,
			Data:           data,
			Timestamp:      time.Now(),
		}
	}

	if len(tasks) == 0 {
		m.logger.Info().Msg("No (target, port) pairs to probe. Module execution complete.")
		emit(keyScanHosts, []engine.Host{})
		emit(keyScanStats, engine.SweepStats{})
		emit(keyScanStatus, engine.StatusCompleted)
		return nil
	}

	catalog, catalogErr := fingerprint.DefaultProbeCatalog()
	if catalogErr != nil {
		m.logger.Warn().Err(catalogErr).Msg("failed to load probe catalog; continuing with passive banners only")
	}
	m.probes = catalog

	sweepCtx := ctx
	cancel := context.CancelFunc(func() {})
	if m.config.Deadline > 0 {
		sweepCtx, cancel = context.WithTimeout(ctx, m.config.Deadline)
	}
	defer cancel()

	m.logger.Info().
		Int("tasks", len(tasks)).
		Int("concurrency", m.config.Concurrency).
		Dur("deadline", m.config.Deadline).
		Msg("Starting port sweep")

	results := make(chan probeResult, m.config.Concurrency)
	summaryCh := make(chan sweepSummary, 1)
	go func() {
		summaryCh <- m.collectResults(ctx, results, len(tasks))
	}()

	var wg sync.WaitGroup
	sem := make(chan struct{}, m.config.Concurrency)
	scheduled := 0

	for _, task := range tasks {
		select {
		case <-sweepCtx.Done():
			goto endLoop
		case sem <- struct{}{}:
		}
		// The semaphore may have freed up after shutdown already began;
		// nothing new is scheduled once the deadline or cancellation fires.
		if sweepCtx.Err() != nil {
			<-sem
			goto endLoop
		}

		scheduled++
		wg.Add(1)
		go func(target string, port int) {
			defer wg.Done()
			defer func() { <-sem }()

			cur := m.inFlight.Add(1)
			defer m.inFlight.Add(-1)
			for {
				peak := m.peakInFlight.Load()
				if cur <= peak || m.peakInFlight.CompareAndSwap(peak, cur) {
					break
				}
			}

			results <- m.probeOne(sweepCtx, target, port)
		}(task.Target, task.Port)
	}

endLoop:
	if scheduled < len(tasks) {
		m.logger.Info().Int("scheduled", scheduled).Int("tasks", len(tasks)).Msg("Stopped probe scheduling early.")
	}
	wg.Wait()
	close(results)
	summary := <-summaryCh

	status := engine.StatusCompleted
	switch {
	case ctx.Err() != nil:
		status = engine.StatusPartialCancelled
	case errors.Is(sweepCtx.Err(), context.DeadlineExceeded):
		status = engine.StatusPartialDeadline
	}

	m.logger.Info().
		Int("hosts", len(summary.hosts)).
		Int("probes_open", summary.stats.ProbesOpen).
		Str("status", string(status)).
		Msg("Port sweep completed.")

	// Partial results are still results: these sends must not be gated on
	// ctx, the orchestrator drains the channel until close.
	emit(keyScanHosts, summary.hosts)
	emit(keyScanStats, summary.stats)
	emit(keyScanStatus, status)

	return nil
}

// collectResults is the single goroutine that owns all Host mutation. It
// drains the results channel until close and folds probe outcomes into
// per-host findings and sweep counters.
func (m *PortSweepModule) collectResults(ctx context.Context, results <-chan probeResult, total int) sweepSummary {
	out, _ := ctx.Value(output.OutputKey).(output.Output)

	byAddress := make(map[string]*engine.Host)
	attempted := make(map[string]struct{})
	responsive := make(map[string]struct{})
	var stats engine.SweepStats
	completed := 0

	for res := range results {
		completed++
		attempted[res.Target] = struct{}{}

		switch res.Outcome {
		case outcomeOpen:
			stats.ProbesOpen++
			responsive[res.Target] = struct{}{}
			host, ok := byAddress[res.Target]
			if !ok {
				host = &engine.Host{Address: res.Target, FirstSeen: time.Now()}
				byAddress[res.Target] = host
			}
			host.Ports = append(host.Ports, engine.PortFinding{
				Port:        res.Port,
				Protocol:    "tcp",
				State:       "open",
				Banner:      res.Banner,
				ServiceHint: res.ServiceHint,
			})
			if out != nil && res.Banner != "" {
				message := fmt.Sprintf("Banner captured: %s:%d -> %s",
					res.Target, res.Port, strings.TrimSpace(res.Banner[:min(60, len(res.Banner))]))
				if len(res.Banner) > 60 {
					message += "..."
				}
				out.Diag(output.LevelVerbose, message, nil)
			}
		case outcomeRefused:
			stats.ProbesRefused++
			responsive[res.Target] = struct{}{}
		case outcomeTimeout:
			stats.ProbesTimeout++
		case outcomeUnreachable:
			stats.ProbesUnreachable++
		}

		if out != nil {
			out.Progress(completed, total, fmt.Sprintf("Probing %s", res.Target))
		}
	}

	stats.HostsAttempted = len(attempted)
	stats.HostsResponsive = len(responsive)

	hosts := make([]engine.Host, 0, len(byAddress))
	for _, host := range byAddress {
		sort.Slice(host.Ports, func(i, j int) bool { return host.Ports[i].Port < host.Ports[j].Port })
		hosts = append(hosts, *host)
	}
	sortHostsByAddress(hosts)

	return sweepSummary{hosts: hosts, stats: stats}
}

// probeOne runs a single bounded connect-plus-banner attempt. Every outcome
// comes back as data; errors never cross the probe boundary.
func (m *PortSweepModule) probeOne(ctx context.Context, target string, port int) probeResult {
	res := probeResult{Target: target, Port: port}

	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	address := net.JoinHostPort(target, strconv.Itoa(port))
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(probeCtx, "tcp", address)
	if err != nil {
		res.Outcome = classifyProbeError(err)
		return res
	}

	res.Outcome = outcomeOpen

	// Only probes that claim this port may veto the passive wait; fallback
	// probes are a last resort for silent ports and say nothing about
	// whether the service greets first.
	primary := m.probes.ProbesFor(port)
	var banner string
	if !allSkipInitialRead(primary) {
		var readErr error
		banner, readErr = m.readInitialBanner(probeCtx, conn)
		if readErr != nil {
			m.logger.Debug().Err(readErr).Str("target", target).Int("port", port).Msg("Passive banner read failed")
		}
	}
	_ = conn.Close()

	var hint string
	if banner == "" && m.config.SendProbes && probeCtx.Err() == nil {
		specs := primary
		if len(specs) == 0 {
			specs = m.probes.FallbackProbes()
		}
		banner, hint = m.activeBanner(probeCtx, target, port, specs)
	}
	if hint == "" {
		hint = serviceHintFromBanner(banner)
	}

	res.Banner = strings.TrimSpace(banner)
	res.ServiceHint = hint
	return res
}

// readInitialBanner waits for a server-first greeting. Client-first services
// say nothing, so the wait takes only a slice of the probe budget before the
// active probes get their turn. Timeouts and EOF are not errors here.
func (m *PortSweepModule) readInitialBanner(ctx context.Context, conn net.Conn) (string, error) {
	deadline := time.Now().Add(m.config.ProbeTimeout / 3)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}

	reader := bufio.NewReader(conn)
	buffer := make([]byte, m.config.BufferSize)
	n, err := reader.Read(buffer)

	if ctx.Err() != nil {
		return string(buffer[:n]), ctx.Err()
	}
	if err != nil && !errors.Is(err, io.EOF) {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return string(buffer[:n]), nil
		}
		return "", err
	}
	return string(buffer[:n]), nil
}

// activeBanner walks the candidate probe specs, sending each payload on a
// fresh connection until one elicits a response. The spec's protocol doubles
// as the service hint.
func (m *PortSweepModule) activeBanner(ctx context.Context, target string, port int, specs []fingerprint.ProbeSpec) (string, string) {
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		if ctx.Err() != nil {
			break
		}
		if _, done := seen[spec.ID]; done {
			continue
		}
		seen[spec.ID] = struct{}{}

		response, err := m.sendProbePayload(ctx, target, port, spec)
		if err != nil {
			m.logger.Debug().Err(err).Str("probe_id", spec.ID).Str("target", target).Int("port", port).Msg("Active probe failed")
			continue
		}
		if response != "" {
			return response, spec.Protocol
		}
	}
	return "", ""
}

// sendProbePayload dials, writes one rendered payload, and reads whatever
// comes back before the probe budget runs out.
func (m *PortSweepModule) sendProbePayload(ctx context.Context, target string, port int, spec fingerprint.ProbeSpec) (string, error) {
	payload := renderProbePayload(spec, target, port)
	if payload == "" {
		return "", nil
	}

	address := net.JoinHostPort(target, strconv.Itoa(port))
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(m.config.ProbeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", err
	}

	if _, err := conn.Write([]byte(payload)); err != nil {
		return "", err
	}

	buffer := make([]byte, m.config.BufferSize)
	n, err := conn.Read(buffer)
	if n > 0 {
		return strings.TrimSpace(string(buffer[:n])), nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return "", nil
		}
		return "", err
	}
	return "", nil
}

// PortSweepModuleFactory creates a new PortSweepModule instance.
func PortSweepModuleFactory() engine.Module {
	return newPortSweepModule()
}

func init() {
	engine.RegisterModuleFactory("port-sweep", PortSweepModuleFactory)
}

// pkg/modules/discovery/ssdp_search.go
package discovery

import (
	"bufio"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"

	"github.com/lanscout/lanscout/pkg/engine"
	"github.com/lanscout/lanscout/pkg/output"
)

// Discovery keys produced by the SSDP search.
const (
	keyDiscoveryDevices = "discovery.devices"
	keyDiscoveryStats   = "discovery.stats"
)

// ssdpGroup is the well-known SSDP multicast group.
const ssdpGroup = "239.255.255.250:1900"

// maxDeviceDescriptionBytes bounds how much of a LOCATION document is read.
const maxDeviceDescriptionBytes = 64 << 10

// SSDPDiscoverConfig holds configuration for the SSDP search.
type SSDPDiscoverConfig struct {
	Wait         time.Duration `json:"wait"`          // Listen window after the M-SEARCH goes out
	Group        string        `json:"group"`         // Search destination; the SSDP multicast group unless overridden
	SearchTarget string        `json:"search_target"` // ST header of the M-SEARCH
	BindIP       string        `json:"bind_ip"`       // Local address to bind; normally supplied by topology resolution
	FetchNames   bool          `json:"fetch_names"`   // GET each LOCATION for the UPnP friendlyName
	FetchTimeout time.Duration `json:"fetch_timeout"` // Budget per LOCATION fetch
}

// SSDPDiscoverModule sends one SSDP M-SEARCH and collects the unicast replies
// that arrive within the listen window. Devices that advertise a LOCATION URL
// can additionally be asked for their UPnP friendly name. Malformed replies
// are discarded and counted; nothing this module encounters fails the scan.
type SSDPDiscoverModule struct {
	meta       engine.ModuleMetadata
	config     SSDPDiscoverConfig
	httpClient *http.Client
}

func newSSDPDiscoverModule() *SSDPDiscoverModule {
	defaultConfig := SSDPDiscoverConfig{
		Wait:         3 * time.Second,
		Group:        ssdpGroup,
		SearchTarget: "ssdp:all",
		FetchNames:   true,
		FetchTimeout: 2 * time.Second,
	}

	return &SSDPDiscoverModule{
		meta: engine.ModuleMetadata{
			ID:          "ssdp-discover-instance",
			Name:        "ssdp-discover",
			Version:     "0.1.0",
			Description: "Discovers UPnP/SSDP devices by multicast M-SEARCH and parses their advertisement headers.",
			Type:        engine.DiscoveryModuleType,
			Author:      "LANScout Team",
			Tags:        []string{"discovery", "ssdp", "upnp", "multicast"},
			Consumes: []engine.DataContractEntry{
				{
					Key:          keyTopologyLocalIP,
					DataTypeName: "string",
					Cardinality:  engine.CardinalitySingle,
					IsOptional:   true,
					Description:  "Local IPv4 address to send the search from; empty binds the default interface.",
				},
			},
			Produces: []engine.DataContractEntry{
				{
					Key:          keyDiscoveryDevices,
					DataTypeName: "[]engine.DiscoveryDevice",
					Cardinality:  engine.CardinalitySingle,
					Description:  "Devices that answered the search, deduplicated by USN, in arrival order.",
				},
				{
					Key:          keyDiscoveryStats,
					DataTypeName: "engine.DiscoveryStats",
					Cardinality:  engine.CardinalitySingle,
					Description:  "Reply parse and description fetch counters for the search window.",
				},
			},
			ConfigSchema: map[string]engine.ParameterDefinition{
				"wait":          {Description: "Listen window for replies after the search is sent (e.g., '3s').", Type: "duration", Required: false, Default: defaultConfig.Wait.String()},
				"group":         {Description: "Destination address of the M-SEARCH datagram.", Type: "string", Required: false, Default: defaultConfig.Group},
				"search_target": {Description: "ST header of the M-SEARCH ('ssdp:all' searches everything).", Type: "string", Required: false, Default: defaultConfig.SearchTarget},
				"bind_ip":       {Description: "Local IPv4 address to bind the search socket to.", Type: "string", Required: false},
				"fetch_names":   {Description: "Fetch each advertised LOCATION and extract the UPnP friendlyName.", Type: "bool", Required: false, Default: defaultConfig.FetchNames},
				"fetch_timeout": {Description: "Budget per device description fetch (e.g., '2s').", Type: "duration", Required: false, Default: defaultConfig.FetchTimeout.String()},
			},
		},
		config:     defaultConfig,
		httpClient: &http.Client{},
	}
}

// Metadata returns the module's metadata.
func (m *SSDPDiscoverModule) Metadata() engine.ModuleMetadata {
	return m.meta
}

// Init initializes the module with the given configuration map.
func (m *SSDPDiscoverModule) Init(instanceID string, configMap map[string]any) error {
	cfg := m.config

	logger := log.With().Str("module", m.meta.Name).Str("instance_id", instanceID).Logger()
	logger.Debug().Interface("received_config_map", configMap).Msg("Initializing module")

	m.meta.ID = instanceID

	if waitStr, ok := configMap["wait"].(string); ok {
		if dur, err := time.ParseDuration(waitStr); err == nil {
			cfg.Wait = dur
		} else {
			log.Warn().Msgf("Module '%s': Invalid 'wait' format in config: '%s'. Using default: %s", m.meta.Name, waitStr, cfg.Wait)
		}
	}
	if groupVal, ok := configMap["group"]; ok {
		cfg.Group = cast.ToString(groupVal)
	}
	if stVal, ok := configMap["search_target"]; ok {
		cfg.SearchTarget = cast.ToString(stVal)
	}
	if bindVal, ok := configMap["bind_ip"]; ok {
		cfg.BindIP = cast.ToString(bindVal)
	}
	if fetchVal, ok := configMap["fetch_names"]; ok {
		cfg.FetchNames = cast.ToBool(fetchVal)
	}
	if ftStr, ok := configMap["fetch_timeout"].(string); ok {
		if dur, err := time.ParseDuration(ftStr); err == nil {
			cfg.FetchTimeout = dur
		} else {
			log.Warn().Msgf("Module '%s': Invalid 'fetch_timeout' format in config: '%s'. Using default: %s", m.meta.Name, ftStr, cfg.FetchTimeout)
		}
	}

	if cfg.Wait <= 0 {
		cfg.Wait = 3 * time.Second
		log.Warn().Msgf("Module '%s': Invalid 'wait'. Setting to default: %s", m.meta.Name, cfg.Wait)
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 2 * time.Second
		log.Warn().Msgf("Module '%s': Invalid 'fetch_timeout'. Setting to default: %s", m.meta.Name, cfg.FetchTimeout)
	}
	if cfg.Group == "" {
		cfg.Group = ssdpGroup
	}
	if cfg.SearchTarget == "" {
		cfg.SearchTarget = "ssdp:all"
	}

	m.config = cfg
	logger.Debug().Interface("final_config", m.config).Msg("Module initialized.")
	return nil
}

// Execute sends the M-SEARCH and reads replies until the window closes. Any
// failure to open the socket or send the search degrades to an empty device
// list rather than a module error: multicast discovery is supplemental, and a
// network that swallows it must not take the port sweep down with it.
func (m *SSDPDiscoverModule) Execute(ctx context.Context, inputs map[string]any, outputChan chan<- engine.ModuleOutput) error {
	logger := log.With().Str("module", m.meta.Name).Str("instance_id", m.meta.ID).Logger()
	logger.Debug().Interface("received_inputs", inputs).Msg("Executing module")

	emit := func(key string, data any) {
		outputChan <- engine.ModuleOutput{
			FromModuleName: m.meta.ID,
			DataKey:        key,
			Data:           data,
			Timestamp:      time.Now(),
		}
	}

	var stats engine.DiscoveryStats
	devices := []engine.DiscoveryDevice{}

	finish := func() error {
		if m.config.FetchNames {
			m.fetchFriendlyNames(ctx, devices, &stats, logger)
		}
		emit(keyDiscoveryDevices, devices)
		emit(keyDiscoveryStats, stats)

		if out, ok := ctx.Value(output.OutputKey).(output.Output); ok {
			out.Info(fmt.Sprintf("Discovery: %d devices answered SSDP", len(devices)))
		}
		logger.Info().Int("devices", len(devices)).Int("replies_parsed", stats.RepliesParsed).
			Int("replies_discarded", stats.RepliesDiscarded).Msg("SSDP search finished")
		return nil
	}

	bindIP := cast.ToString(inputs[keyTopologyLocalIP])
	if bindIP == "" {
		bindIP = m.config.BindIP
	}

	conn, err := net.ListenPacket("udp4", net.JoinHostPort(bindIP, "0"))
	if err != nil {
		logger.Warn().Err(err).Str("bind_ip", bindIP).Msg("SSDP socket unavailable; skipping multicast discovery")
		return finish()
	}
	defer conn.Close()

	group, err := net.ResolveUDPAddr("udp4", m.config.Group)
	if err != nil {
		logger.Warn().Err(err).Str("group", m.config.Group).Msg("Invalid SSDP group address; skipping multicast discovery")
		return finish()
	}

	if _, err := conn.WriteTo(m.buildSearchRequest(), group); err != nil {
		logger.Warn().Err(err).Msg("M-SEARCH send failed; skipping multicast discovery")
		return finish()
	}
	logger.Debug().Str("group", group.String()).Str("st", m.config.SearchTarget).Dur("wait", m.config.Wait).Msg("M-SEARCH sent")

	// ReadFrom has no context; the watcher turns window expiry and caller
	// cancellation into a read deadline.
	windowCtx, windowCancel := context.WithTimeout(ctx, m.config.Wait)
	defer windowCancel()
	go func() {
		<-windowCtx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	seen := make(map[string]struct{})
	buf := make([]byte, 4096)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			// Window closed, context cancelled, or socket torn down. Everything
			// collected so far is still a valid result.
			break
		}

		device, perr := parseSSDPResponse(buf[:n], from)
		if perr != nil {
			stats.RepliesDiscarded++
			logger.Warn().Str("from", from.String()).Err(perr).Msg("Discarding malformed SSDP reply")
			continue
		}
		stats.RepliesParsed++

		key := device.USN
		if key == "" {
			key = device.Address + "|" + device.Location
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		devices = append(devices, device)

		logger.Debug().Str("address", device.Address).Str("usn", device.USN).Str("server", device.Server).Msg("SSDP device answered")
		if out, ok := ctx.Value(output.OutputKey).(output.Output); ok {
			out.Diag(output.LevelNormal, fmt.Sprintf("SSDP reply from %s (%s)", device.Address, device.Server), nil)
		}
	}

	return finish()
}

// buildSearchRequest renders the M-SEARCH datagram. MX follows the listen
// window, clamped to the 1..5 second range the protocol allows.
func (m *SSDPDiscoverModule) buildSearchRequest() []byte {
	mx := int(m.config.Wait / time.Second)
	if mx < 1 {
		mx = 1
	}
	if mx > 5 {
		mx = 5
	}

	var b strings.Builder
	b.WriteString("M-SEARCH * HTTP/1.1\r\n")
	fmt.Fprintf(&b, "HOST: %s\r\n", m.config.Group)
	b.WriteString("MAN: \"ssdp:discover\"\r\n")
	fmt.Fprintf(&b, "MX: %d\r\n", mx)
	fmt.Fprintf(&b, "ST: %s\r\n", m.config.SearchTarget)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// parseSSDPResponse decodes one reply datagram. SSDP replies are HTTP/1.1
// responses over UDP; anything that is not a 200 with at least one SSDP
// header is malformed.
func parseSSDPResponse(data []byte, from net.Addr) (engine.DiscoveryDevice, error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(data)))

	status, err := tp.ReadLine()
	if err != nil {
		return engine.DiscoveryDevice{}, fmt.Errorf("reading status line: %w", err)
	}
	if !strings.HasPrefix(status, "HTTP/1.1 200") {
		return engine.DiscoveryDevice{}, fmt.Errorf("unexpected status line %q", status)
	}

	// Devices frequently omit the trailing blank line; accept whatever headers
	// parsed before the datagram ran out.
	header, err := tp.ReadMIMEHeader()
	if err != nil && len(header) == 0 {
		return engine.DiscoveryDevice{}, fmt.Errorf("reading headers: %w", err)
	}

	device := engine.DiscoveryDevice{
		Address:      addrHost(from),
		Location:     header.Get("LOCATION"),
		Server:       header.Get("SERVER"),
		SearchTarget: header.Get("ST"),
		USN:          header.Get("USN"),
	}
	if device.Location == "" && device.Server == "" && device.SearchTarget == "" && device.USN == "" {
		return engine.DiscoveryDevice{}, fmt.Errorf("no SSDP headers in reply")
	}
	return device, nil
}

func addrHost(addr net.Addr) string {
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	return addr.String()
}

// upnpDeviceDescription is the slice of the UPnP device description document
// the module reads. The root element carries a namespace; unmarshalling by
// local name keeps vendor variations working.
type upnpDeviceDescription struct {
	Device struct {
		FriendlyName string `xml:"friendlyName"`
	} `xml:"device"`
}

// fetchFriendlyNames resolves friendly names for devices that advertised a
// LOCATION. Each distinct URL is fetched once; failures leave the name empty.
func (m *SSDPDiscoverModule) fetchFriendlyNames(ctx context.Context, devices []engine.DiscoveryDevice, stats *engine.DiscoveryStats, logger zerolog.Logger) {
	names := make(map[string]string)
	for i := range devices {
		loc := devices[i].Location
		if loc == "" || ctx.Err() != nil {
			continue
		}

		name, cached := names[loc]
		if !cached {
			fetched, err := m.fetchFriendlyName(ctx, loc)
			if err != nil {
				logger.Debug().Str("location", loc).Err(err).Msg("Device description fetch failed")
				names[loc] = ""
				continue
			}
			stats.LocationsFetched++
			names[loc] = fetched
			name = fetched
		}
		devices[i].FriendlyName = name
	}
}

func (m *SSDPDiscoverModule) fetchFriendlyName(ctx context.Context, location string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, m.config.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, location, nil)
	if err != nil {
		return "", err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("device description returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDeviceDescriptionBytes))
	if err != nil {
		return "", err
	}
	var desc upnpDeviceDescription
	if err := xml.Unmarshal(body, &desc); err != nil {
		return "", fmt.Errorf("parsing device description: %w", err)
	}
	return strings.TrimSpace(desc.Device.FriendlyName), nil
}

// SSDPDiscoverModuleFactory creates a new SSDPDiscoverModule instance.
func SSDPDiscoverModuleFactory() engine.Module {
	return newSSDPDiscoverModule()
}

func init() {
	engine.RegisterModuleFactory("ssdp-discover", SSDPDiscoverModuleFactory)
}

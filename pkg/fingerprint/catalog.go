package fingerprint

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// DeviceTypeUnknown labels hosts no rule recognized.
const DeviceTypeUnknown = "Unknown"

// Defaults applied when a catalog does not set its own values. The port list
// covers the ports surveillance gear typically answers on.
var defaultCameraPorts = []int{80, 81, 443, 554, 8080}

const defaultPortRisk = 10

// Classification is the catalog's verdict for one host. The same open ports
// and banners always produce the same verdict.
type Classification struct {
	DeviceType string `json:"device_type"`
	RiskScore  int    `json:"risk_score"`
	RuleID     string `json:"rule_id,omitempty"` // empty when no rule matched
	Vendor     string `json:"vendor,omitempty"`
}

// ParseCatalog unmarshals, validates, and compiles a catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse signature catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadCatalogFromFile reads and compiles an operator-supplied catalog.
func LoadCatalogFromFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signature catalog: %w", err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	if c.Source == "" {
		c.Source = path
	}
	return c, nil
}

// Validate checks catalog shape and compiles regex matchers. ParseCatalog
// calls it; standalone use backs `lanscout signatures validate`.
func (c *Catalog) Validate() error {
	if c == nil {
		return fmt.Errorf("catalog is nil")
	}
	if len(c.Rules) == 0 {
		return fmt.Errorf("catalog has no rules")
	}
	if c.PortRisk < 0 {
		return fmt.Errorf("port_risk must not be negative")
	}
	for _, p := range c.CameraPorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("camera port %d out of range", p)
		}
	}

	seen := make(map[string]struct{}, len(c.Rules))
	for i := range c.Rules {
		rule := &c.Rules[i]
		if rule.ID == "" {
			return fmt.Errorf("rule at index %d is missing id", i)
		}
		if _, dup := seen[rule.ID]; dup {
			return fmt.Errorf("duplicate rule id %q", rule.ID)
		}
		seen[rule.ID] = struct{}{}

		if rule.Label == "" {
			return fmt.Errorf("rule %q is missing label", rule.ID)
		}
		if len(rule.Match) == 0 && len(rule.RequireOpenPorts) == 0 {
			return fmt.Errorf("rule %q has neither matchers nor require_open_ports", rule.ID)
		}
		for _, p := range rule.Ports {
			if p < 1 || p > 65535 {
				return fmt.Errorf("rule %q port %d out of range", rule.ID, p)
			}
		}
		for _, p := range rule.RequireOpenPorts {
			if p < 1 || p > 65535 {
				return fmt.Errorf("rule %q required port %d out of range", rule.ID, p)
			}
		}

		for j := range rule.Match {
			m := &rule.Match[j]
			if m.Pattern == "" {
				return fmt.Errorf("rule %q matcher at index %d has empty pattern", rule.ID, j)
			}
			switch m.Type {
			case MatcherContains, MatcherPrefix, MatcherEquals:
			case MatcherRegex:
				re, err := regexp.Compile("(?i)" + m.Pattern)
				if err != nil {
					return fmt.Errorf("rule %q matcher at index %d: invalid regex: %w", rule.ID, j, err)
				}
				m.re = re
			default:
				return fmt.Errorf("rule %q matcher at index %d: unknown matcher type %q", rule.ID, j, m.Type)
			}
		}
	}
	return nil
}

// Classify evaluates the rules in catalog order against one host's open
// ports and banners. The first rule whose criteria hold decides the device
// type. Camera-typical open ports add risk either way, so an unrecognized
// device exposing RTSP still scores above baseline.
func (c *Catalog) Classify(openPorts []int, banners map[int]string) Classification {
	portRisk := 0
	cameraPorts := c.cameraPorts()
	for _, p := range openPorts {
		if containsPort(cameraPorts, p) {
			portRisk += c.portRiskValue()
		}
	}

	for i := range c.Rules {
		rule := &c.Rules[i]
		if !rule.matches(openPorts, banners) {
			continue
		}
		return Classification{
			DeviceType: rule.Label,
			RiskScore:  clampRisk(rule.RiskDelta + portRisk),
			RuleID:     rule.ID,
			Vendor:     rule.Vendor,
		}
	}

	return Classification{
		DeviceType: DeviceTypeUnknown,
		RiskScore:  clampRisk(portRisk),
	}
}

func (c *Catalog) cameraPorts() []int {
	if len(c.CameraPorts) > 0 {
		return c.CameraPorts
	}
	return defaultCameraPorts
}

func (c *Catalog) portRiskValue() int {
	if c.PortRisk > 0 {
		return c.PortRisk
	}
	return defaultPortRisk
}

// matches reports whether the rule's criteria hold for the host.
func (r *Rule) matches(openPorts []int, banners map[int]string) bool {
	for _, p := range r.RequireOpenPorts {
		if !containsPort(openPorts, p) {
			return false
		}
	}
	if len(r.Match) == 0 {
		return true // port-presence rule
	}
	for port, banner := range banners {
		if banner == "" {
			continue
		}
		if len(r.Ports) > 0 && !containsPort(r.Ports, port) {
			continue
		}
		for j := range r.Match {
			if r.Match[j].matchesBanner(banner) {
				return true
			}
		}
	}
	return false
}

func (m *Matcher) matchesBanner(banner string) bool {
	switch m.Type {
	case MatcherContains:
		return strings.Contains(strings.ToLower(banner), strings.ToLower(m.Pattern))
	case MatcherPrefix:
		return strings.HasPrefix(strings.ToLower(banner), strings.ToLower(m.Pattern))
	case MatcherEquals:
		return strings.EqualFold(banner, m.Pattern)
	case MatcherRegex:
		return m.re != nil && m.re.MatchString(banner)
	default:
		return false
	}
}

// clampRisk keeps scores inside the 0-100 band the risk levels map from.
func clampRisk(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// containsPort checks if a target port is present in a slice.
func containsPort(ports []int, p int) bool {
	return slices.Contains(ports, p)
}

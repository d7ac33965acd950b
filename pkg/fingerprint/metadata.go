package fingerprint

import "regexp"

// Catalog is an ordered set of device signature rules that can be shipped
// with the binary or supplied by the operator. Rule order is the priority:
// the first rule whose criteria hold wins, so catalogs put specific model
// signatures first, brand rules after them, and generic protocol rules last.
type Catalog struct {
	Source      string         `yaml:"source" json:"source"` // e.g. builtin, operator, remote
	Version     string         `yaml:"version" json:"version"`
	CameraPorts []int          `yaml:"camera_ports,omitempty" json:"camera_ports,omitempty"`
	PortRisk    int            `yaml:"port_risk,omitempty" json:"port_risk,omitempty"`
	Rules       []Rule         `yaml:"rules" json:"rules"`
	Metadata    map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Rule describes how to recognize one device type from a host's open ports
// and banners, and how much risk the identification adds.
type Rule struct {
	ID          string `yaml:"id" json:"id"`
	Label       string `yaml:"label" json:"label"` // device type, e.g. "IP Camera"
	Vendor      string `yaml:"vendor,omitempty" json:"vendor,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Ports restricts which banners the matchers see; empty means any port.
	Ports []int `yaml:"ports,omitempty" json:"ports,omitempty"`
	// RequireOpenPorts must all be open on the host for the rule to apply.
	// A rule with required ports and no matchers is a port-presence rule.
	RequireOpenPorts []int `yaml:"require_open_ports,omitempty" json:"require_open_ports,omitempty"`
	// Match lists alternative recognizers for the same device; any hit counts.
	Match []Matcher `yaml:"match,omitempty" json:"match,omitempty"`

	RiskDelta int      `yaml:"risk_delta,omitempty" json:"risk_delta,omitempty"`
	Tags      []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// Matcher defines how to evaluate a banner. Every style compares
// case-insensitively.
type Matcher struct {
	Type    MatcherType `yaml:"type" json:"type"`
	Pattern string      `yaml:"pattern" json:"pattern"`

	re *regexp.Regexp // compiled for MatcherRegex during Validate
}

// MatcherType enumerates supported matcher styles.
type MatcherType string

const (
	MatcherContains MatcherType = "contains" // Case-insensitive substring match
	MatcherPrefix   MatcherType = "prefix"   // Case-insensitive prefix match
	MatcherRegex    MatcherType = "regex"    // Case-insensitive regex match
	MatcherEquals   MatcherType = "equals"   // Case-insensitive exact match
)

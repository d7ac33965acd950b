package fingerprint

import "fmt"

// ProbeCatalog is the set of banner probes the port sweep can send when a
// passive read yields nothing. Groups map to protocol families and claim
// ports through hints; FallbackProbeIDs lists probes to try on ports no
// group claims.
type ProbeCatalog struct {
	Groups           []ProbeGroup `yaml:"groups" json:"groups"`
	FallbackProbeIDs []string     `yaml:"fallback_probes,omitempty" json:"fallback_probes,omitempty"`
}

// ProbeGroup describes a family of probes sharing trigger ports.
type ProbeGroup struct {
	ID          string      `yaml:"id" json:"id"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	PortHints   []int       `yaml:"port_hints,omitempty" json:"port_hints,omitempty"`
	Probes      []ProbeSpec `yaml:"probes" json:"probes"`
}

// ProbeSpec describes a single probe payload written as-is to the remote
// endpoint. Protocol doubles as the service hint recorded on a port finding
// when the probe elicits a banner.
type ProbeSpec struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Protocol    string `yaml:"protocol" json:"protocol"`
	Payload     string `yaml:"payload" json:"payload"`
	Timeout     string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	PortInclude []int  `yaml:"port_include,omitempty" json:"port_include,omitempty"`
	PortExclude []int  `yaml:"port_exclude,omitempty" json:"port_exclude,omitempty"`
	// SkipInitialRead marks client-first protocols where waiting for a
	// server banner only burns the passive-read deadline.
	SkipInitialRead bool `yaml:"skip_initial_read,omitempty" json:"skip_initial_read,omitempty"`
}

// ProbesFor returns every probe whose group claims the port and whose own
// include/exclude clauses allow it. A group without port hints claims every
// port.
func (c *ProbeCatalog) ProbesFor(port int) []ProbeSpec {
	if c == nil {
		return nil
	}

	var out []ProbeSpec
	for _, group := range c.Groups {
		if len(group.PortHints) > 0 && !containsPort(group.PortHints, port) {
			continue
		}
		for _, probe := range group.Probes {
			if !probe.allowsPort(port) {
				continue
			}
			out = append(out, probe)
		}
	}
	return out
}

// FallbackProbes returns the probes to try on ports no group claims.
func (c *ProbeCatalog) FallbackProbes() []ProbeSpec {
	if c == nil || len(c.FallbackProbeIDs) == 0 {
		return nil
	}

	out := make([]ProbeSpec, 0, len(c.FallbackProbeIDs))
	for _, id := range c.FallbackProbeIDs {
		if probe := c.findProbeByID(id); probe != nil {
			out = append(out, *probe)
		}
	}
	return out
}

func (c *ProbeCatalog) findProbeByID(id string) *ProbeSpec {
	for _, group := range c.Groups {
		for i := range group.Probes {
			if group.Probes[i].ID == id {
				return &group.Probes[i]
			}
		}
	}
	return nil
}

func (p ProbeSpec) allowsPort(port int) bool {
	if len(p.PortInclude) > 0 && !containsPort(p.PortInclude, port) {
		return false
	}
	if len(p.PortExclude) > 0 && containsPort(p.PortExclude, port) {
		return false
	}
	return true
}

// Validate ensures probe content is well-formed.
func (c *ProbeCatalog) Validate() error {
	if c == nil {
		return fmt.Errorf("probe catalog is nil")
	}
	for i, group := range c.Groups {
		if group.ID == "" {
			return fmt.Errorf("probe group at index %d is missing id", i)
		}
		if len(group.Probes) == 0 {
			return fmt.Errorf("probe group %q has no probes", group.ID)
		}
		for j, probe := range group.Probes {
			if probe.ID == "" {
				return fmt.Errorf("group %q probe at index %d is missing id", group.ID, j)
			}
			if probe.Protocol == "" {
				return fmt.Errorf("probe %q missing protocol", probe.ID)
			}
			if probe.Payload == "" {
				return fmt.Errorf("probe %q missing payload", probe.ID)
			}
		}
	}
	for _, id := range c.FallbackProbeIDs {
		if c.findProbeByID(id) == nil {
			return fmt.Errorf("fallback probe %q not defined in any group", id)
		}
	}
	return nil
}

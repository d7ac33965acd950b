package fingerprint

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed data/signatures.yaml
var defaultCatalogYAML []byte

//go:embed data/probes.yaml
var defaultProbesYAML []byte

// DefaultCatalog returns the signature catalog compiled into the binary.
// Each call returns a fresh copy so callers can mutate theirs freely.
func DefaultCatalog() (*Catalog, error) {
	c, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		return nil, fmt.Errorf("built-in signature catalog is broken: %w", err)
	}
	return c, nil
}

// DefaultProbeCatalog returns the banner probe set compiled into the binary.
func DefaultProbeCatalog() (*ProbeCatalog, error) {
	var c ProbeCatalog
	if err := yaml.Unmarshal(defaultProbesYAML, &c); err != nil {
		return nil, fmt.Errorf("built-in probe catalog is broken: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("built-in probe catalog is broken: %w", err)
	}
	return &c, nil
}

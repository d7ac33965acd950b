package fingerprint

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// ClassificationEvent is one telemetry record, emitted per classified host.
// Events land in a JSONL file that `lanscout signatures stats` aggregates,
// which is how catalog authors find out what their rules actually match.
type ClassificationEvent struct {
	Timestamp      time.Time `json:"timestamp"`
	RunID          string    `json:"run_id,omitempty"`
	Address        string    `json:"address"`
	OpenPorts      []int     `json:"open_ports,omitempty"`
	DeviceType     string    `json:"device_type"`
	Vendor         string    `json:"vendor,omitempty"`
	RuleID         string    `json:"rule_id,omitempty"`
	RiskScore      int       `json:"risk_score"`
	RiskLevel      string    `json:"risk_level"`
	MatchType      string    `json:"match_type"` // "match" or "unknown"
	CatalogSource  string    `json:"catalog_source,omitempty"`
	CatalogVersion string    `json:"catalog_version,omitempty"`
}

// MatchType values for ClassificationEvent.
const (
	MatchTypeMatch   = "match"
	MatchTypeUnknown = "unknown"
)

// TelemetryWriter appends classification events to a JSONL file. A writer
// built from an empty path is disabled and swallows writes, so callers never
// branch on whether telemetry is configured.
type TelemetryWriter struct {
	mu      sync.Mutex
	file    *os.File
	enabled bool
}

// NewTelemetryWriter opens (or creates) the telemetry file in append mode.
// An empty path yields a disabled writer and no error.
func NewTelemetryWriter(path string) (*TelemetryWriter, error) {
	if strings.TrimSpace(path) == "" {
		return &TelemetryWriter{}, nil
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry file: %w", err)
	}
	return &TelemetryWriter{file: file, enabled: true}, nil
}

// IsEnabled reports whether events will actually be persisted.
func (w *TelemetryWriter) IsEnabled() bool {
	return w.enabled
}

// Write appends one event as a single JSON line.
func (w *TelemetryWriter) Write(event ClassificationEvent) error {
	if !w.enabled {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode telemetry event: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("failed to write telemetry event: %w", err)
	}
	return nil
}

// WriteClassification assembles and appends the event for one classified
// host. Match type is derived from whether a rule fired; catalog may be nil
// when provenance is unknown.
func (w *TelemetryWriter) WriteClassification(runID, address string, openPorts []int, verdict Classification, riskLevel string, catalog *Catalog) error {
	if !w.enabled {
		return nil
	}

	event := ClassificationEvent{
		Timestamp:  time.Now().UTC(),
		RunID:      runID,
		Address:    address,
		OpenPorts:  openPorts,
		DeviceType: verdict.DeviceType,
		Vendor:     verdict.Vendor,
		RuleID:     verdict.RuleID,
		RiskScore:  verdict.RiskScore,
		RiskLevel:  riskLevel,
		MatchType:  MatchTypeUnknown,
	}
	if verdict.RuleID != "" {
		event.MatchType = MatchTypeMatch
	}
	if catalog != nil {
		event.CatalogSource = catalog.Source
		event.CatalogVersion = catalog.Version
	}
	return w.Write(event)
}

// Close flushes and closes the underlying file.
func (w *TelemetryWriter) Close() error {
	if !w.enabled || w.file == nil {
		return nil
	}
	return w.file.Close()
}

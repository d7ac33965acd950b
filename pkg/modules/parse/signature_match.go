// pkg/modules/parse/signature_match.go
// Package parse provides modules that classify raw scan output into
// structured device information.
package parse

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"

	"github.com/lanscout/lanscout/pkg/engine"
	"github.com/lanscout/lanscout/pkg/fingerprint"
	"github.com/lanscout/lanscout/pkg/output"
)

const (
	keyScanHosts     = "scan.hosts"
	keyClassifyHosts = "classify.hosts"
)

// SignatureClassifyConfig holds configuration for signature classification.
type SignatureClassifyConfig struct {
	CatalogPath   string `json:"catalog_path"`   // Operator catalog; empty uses the embedded default
	TelemetryPath string `json:"telemetry_path"` // JSONL event sink; empty disables telemetry
	RunID         string `json:"run_id"`         // Stamped into telemetry events
}

// SignatureClassifyModule applies the signature catalog to every host the
// sweep produced. Classification is pure: the verdict for a host depends only
// on its open ports and banners, never on scan timing or other hosts, so the
// module ignores the context and always classifies the full input.
type SignatureClassifyModule struct {
	meta      engine.ModuleMetadata
	config    SignatureClassifyConfig
	catalog   *fingerprint.Catalog
	telemetry *fingerprint.TelemetryWriter
}

func newSignatureClassifyModule() *SignatureClassifyModule {
	return &SignatureClassifyModule{
		meta: engine.ModuleMetadata{
			ID:          "signature-classify-instance",
			Name:        "signature-classify",
			Version:     "0.1.0",
			Description: "Classifies scanned hosts against the device signature catalog and assigns risk scores.",
			Type:        engine.ParseModuleType,
			Author:      "LANScout Team",
			Tags:        []string{"parse", "classify", "signature", "risk"},
			Consumes: []engine.DataContractEntry{
				{
					Key:          keyScanHosts,
					DataTypeName: "[]engine.Host",
					Cardinality:  engine.CardinalitySingle,
					IsOptional:   false,
					Description:  "Hosts with open-port findings from the port sweep.",
				},
			},
			Produces: []engine.DataContractEntry{
				{
					Key:          keyClassifyHosts,
					DataTypeName: "[]engine.Host",
					Cardinality:  engine.CardinalitySingle,
					Description:  "The same hosts with device type, risk score, and risk level filled in, in sweep order.",
				},
			},
			ConfigSchema: map[string]engine.ParameterDefinition{
				"catalog_path":   {Description: "Path to a signature catalog YAML overriding the embedded default.", Type: "string", Required: false},
				"telemetry_path": {Description: "JSONL file classification events are appended to; empty disables telemetry.", Type: "string", Required: false},
				"run_id":         {Description: "Run identifier stamped into telemetry events.", Type: "string", Required: false},
			},
		},
	}
}

// Metadata returns the module's metadata.
func (m *SignatureClassifyModule) Metadata() engine.ModuleMetadata {
	return m.meta
}

// Init loads and validates the signature catalog. A broken operator catalog
// fails here, before any probe is sent, rather than after the sweep ran.
func (m *SignatureClassifyModule) Init(instanceID string, configMap map[string]any) error {
	logger := log.With().Str("module", m.meta.Name).Str("instance_id", instanceID).Logger()
	logger.Debug().Interface("received_config_map", configMap).Msg("Initializing module")

	m.meta.ID = instanceID

	if pathVal, ok := configMap["catalog_path"]; ok {
		m.config.CatalogPath = cast.ToString(pathVal)
	}
	if telVal, ok := configMap["telemetry_path"]; ok {
		m.config.TelemetryPath = cast.ToString(telVal)
	}
	if runVal, ok := configMap["run_id"]; ok {
		m.config.RunID = cast.ToString(runVal)
	}

	var err error
	if m.config.CatalogPath != "" {
		m.catalog, err = fingerprint.LoadCatalogFromFile(m.config.CatalogPath)
	} else {
		m.catalog, err = fingerprint.DefaultCatalog()
	}
	if err != nil {
		return err
	}

	logger.Debug().Int("rules", len(m.catalog.Rules)).Str("source", m.catalog.Source).Msg("Signature catalog loaded")
	return nil
}

// LifecycleInit opens the telemetry sink. An unwritable telemetry file
// degrades to disabled telemetry: classification results outrank their
// bookkeeping.
func (m *SignatureClassifyModule) LifecycleInit(ctx context.Context) error {
	writer, err := fingerprint.NewTelemetryWriter(m.config.TelemetryPath)
	if err != nil {
		log.Warn().Err(err).Str("module", m.meta.Name).Str("path", m.config.TelemetryPath).
			Msg("Telemetry sink unavailable; classification events will not be recorded")
		writer = &fingerprint.TelemetryWriter{}
	}
	m.telemetry = writer
	_ = ctx
	return nil
}

// LifecycleStart implements ModuleLifecycle; the classifier holds no
// long-running resources beyond the telemetry file.
func (m *SignatureClassifyModule) LifecycleStart(ctx context.Context) error {
	_ = ctx
	return nil
}

// LifecycleStop closes the telemetry sink.
func (m *SignatureClassifyModule) LifecycleStop(ctx context.Context) error {
	_ = ctx
	if m.telemetry == nil {
		return nil
	}
	return m.telemetry.Close()
}

// Execute classifies every swept host and emits the annotated list under
// classify.hosts. Input hosts are copied, not mutated; sweep output stays
// untouched for anything else consuming scan.hosts.
func (m *SignatureClassifyModule) Execute(ctx context.Context, inputs map[string]any, outputChan chan<- engine.ModuleOutput) error {
	logger := log.With().Str("module", m.meta.Name).Str("instance_id", m.meta.ID).Logger()

	emit := func(hosts []engine.Host) {
		outputChan <- engine.ModuleOutput{
			FromModuleName: m.meta.ID,
			DataKey:        keyClassifyHosts,
			Data:           hosts,
			Timestamp:      time.Now(),
		}
	}

	hosts, ok := inputs[keyScanHosts].([]engine.Host)
	if !ok {
		if raw := inputs[keyScanHosts]; raw != nil {
			logger.Warn().Msgf("Unexpected type %T for '%s'; emitting no classifications", raw, keyScanHosts)
		}
		emit([]engine.Host{})
		return nil
	}

	classified := make([]engine.Host, 0, len(hosts))
	aboveBaseline := 0

	for i := range hosts {
		host := hosts[i]
		openPorts := host.OpenPorts()
		verdict := m.catalog.Classify(openPorts, host.Banners())

		host.DeviceType = verdict.DeviceType
		host.RiskScore = verdict.RiskScore
		host.RiskLevel = engine.RiskLevelForScore(verdict.RiskScore)
		classified = append(classified, host)

		if host.RiskLevel != engine.RiskBaseline {
			aboveBaseline++
		}

		if m.telemetry != nil && m.telemetry.IsEnabled() {
			if err := m.telemetry.WriteClassification(m.config.RunID, host.Address, openPorts, verdict, string(host.RiskLevel), m.catalog); err != nil {
				logger.Warn().Err(err).Str("address", host.Address).Msg("Failed to record classification event")
			}
		}

		logger.Debug().Str("address", host.Address).Str("device_type", host.DeviceType).
			Str("rule_id", verdict.RuleID).Int("risk_score", host.RiskScore).Msg("Host classified")
		if verdict.RuleID != "" {
			if out, ok := ctx.Value(output.OutputKey).(output.Output); ok {
				out.Diag(output.LevelNormal, fmt.Sprintf("%s classified as %s (risk %s)", host.Address, host.DeviceType, host.RiskLevel), nil)
			}
		}
	}

	emit(classified)

	if out, ok := ctx.Value(output.OutputKey).(output.Output); ok {
		out.Info(fmt.Sprintf("Classification: %d host(s), %d above baseline risk", len(classified), aboveBaseline))
	}
	logger.Info().Int("hosts", len(classified)).Int("above_baseline", aboveBaseline).Msg("Signature classification completed")
	return nil
}

// SignatureClassifyModuleFactory creates a new SignatureClassifyModule instance.
func SignatureClassifyModuleFactory() engine.Module {
	return newSignatureClassifyModule()
}

func init() {
	engine.RegisterModuleFactory("signature-classify", SignatureClassifyModuleFactory)
}

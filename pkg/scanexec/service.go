// pkg/scanexec/service.go
package scanexec

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lanscout/lanscout/pkg/engine"
	"github.com/lanscout/lanscout/pkg/netutil"
)

const keyReportScan = "report.scan"

type dagPlanner interface {
	PlanDAG(intent engine.ReconIntent) (*engine.DAGDefinition, error)
}

// orchestrator runs a planned DAG to completion.
type orchestrator interface {
	Run(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

// ProgressSink receives phase notifications while a run executes.
type ProgressSink interface {
	OnEvent(ProgressEvent)
}

// ProgressEvent marks a planning or execution phase transition.
type ProgressEvent struct {
	Phase     string // "plan" or "run"
	Module    string
	Status    string
	Message   string
	Timestamp time.Time
}

// Service plans and executes reconnaissance runs using the engine
// planner and orchestrator.
type Service struct {
	plannerFactory      func() (dagPlanner, error)
	orchestratorFactory func(*engine.DAGDefinition) (orchestrator, error)
	sampleTraffic       func(ctx context.Context, window time.Duration) ([]engine.TrafficSample, error)
	progressSink        ProgressSink
}

// NewService builds a Service with the real planner, orchestrator, and
// interface counter sampler. configMgr feeds per-module config-file sections
// to the planner; nil is fine when no config file is loaded.
func NewService(configMgr engine.ConfigManager) *Service {
	return &Service{
		plannerFactory: func() (dagPlanner, error) {
			return engine.NewDAGPlanner(engine.GetRegisteredModuleFactories(), configMgr)
		},
		orchestratorFactory: func(def *engine.DAGDefinition) (orchestrator, error) {
			return engine.NewOrchestrator(def)
		},
		sampleTraffic: collectCounterSamples,
	}
}

// WithProgressSink attaches a sink to receive progress notifications.
func (s *Service) WithProgressSink(sink ProgressSink) *Service {
	s.progressSink = sink
	return s
}

// WithPlannerFactory overrides planner construction for testing.
func (s *Service) WithPlannerFactory(factory func() (dagPlanner, error)) *Service {
	s.plannerFactory = factory
	return s
}

// WithOrchestratorFactory allows replacing the orchestrator constructor (useful for tests).
func (s *Service) WithOrchestratorFactory(factory func(*engine.DAGDefinition) (orchestrator, error)) *Service {
	s.orchestratorFactory = factory
	return s
}

// WithTrafficSampler replaces the live counter sampler (useful for tests).
func (s *Service) WithTrafficSampler(sampler func(ctx context.Context, window time.Duration) ([]engine.TrafficSample, error)) *Service {
	s.sampleTraffic = sampler
	return s
}

// Plan builds the DAG the given parameters would execute, without running
// it. `lanscout plan` renders the result; Run goes through the same path
// before stamping run identity.
func (s *Service) Plan(params Params) (*engine.DAGDefinition, error) {
	planner, err := s.plannerFactory()
	if err != nil {
		return nil, fmt.Errorf("init planner: %w", err)
	}

	def, err := planner.PlanDAG(reconIntent(params))
	if err != nil {
		return nil, fmt.Errorf("plan dag: %w", err)
	}
	if def == nil || len(def.Nodes) == 0 {
		return nil, fmt.Errorf("planner produced empty dag")
	}
	return def, nil
}

func reconIntent(params Params) engine.ReconIntent {
	return engine.ReconIntent{
		Subnet:           params.Subnet,
		Ports:            params.Ports,
		TimeoutMs:        params.TimeoutMs,
		Concurrency:      params.Concurrency,
		DeadlineMs:       params.DeadlineMs,
		IncludeDiscovery: params.IncludeDiscovery,
		IncludeTraffic:   params.IncludeTraffic,
		EnablePing:       params.EnablePing,
		PingCount:        params.PingCount,
		SSDPWaitMs:       params.SSDPWaitMs,
		SignaturesPath:   params.SignaturesPath,
		IncludeTags:      params.IncludeTags,
		ExcludeTags:      params.ExcludeTags,
	}
}

// Run plans a DAG for the given parameters and executes it. The context is
// handed through to every module, so values like output.OutputKey reach
// them; cancelling it stops probe scheduling and the run still returns
// whatever partial results were collected. A topology resolution failure
// surfaces as a *netutil.ResolutionError in the returned error chain.
func (s *Service) Run(ctx context.Context, params Params) (*Result, error) {
	runID := uuid.New().String()
	startedAt := time.Now()
	logger := log.With().Str("component", "scanexec").Str("run_id", runID).Logger()

	s.emit("plan", "planner", "start", "")
	dagDefinition, err := s.Plan(params)
	if err != nil {
		s.emit("plan", "planner", "failed", err.Error())
		return nil, err
	}
	stampRunIdentity(dagDefinition, runID, startedAt, params.TelemetryPath)
	s.emit("plan", "planner", "completed", fmt.Sprintf("nodes=%d", len(dagDefinition.Nodes)))

	inputs := make(map[string]any)
	if params.IncludeTraffic {
		inputs["traffic.samples"] = s.gatherTrafficSamples(ctx, params, logger)
	}
	maps.Copy(inputs, params.RawInputs)

	orch, err := s.orchestratorFactory(dagDefinition)
	if err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}

	s.emit("run", dagDefinition.Name, "start", "")
	results, runErr := orch.Run(ctx, inputs)
	status := statusFromError(runErr)
	s.emit("run", dagDefinition.Name, status, "")

	result := &Result{
		RunID:      runID,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
		Status:     status,
		RawContext: results,
	}
	if report, ok := results[keyReportScan].(engine.ScanReport); ok {
		result.Report = &report
	}

	if runErr != nil {
		logger.Warn().Err(runErr).Msg("Run finished with error")
		return result, runErr
	}
	logger.Info().Int("data_keys", len(results)).Msg("Run completed")
	return result, nil
}

// stampRunIdentity injects the run ID and start time into the nodes that
// record them. Telemetry sits beside the signature catalog and the report
// carries the run identity; both come from the service, not the planner,
// because only the service knows the run exists.
func stampRunIdentity(def *engine.DAGDefinition, runID string, startedAt time.Time, telemetryPath string) {
	for i := range def.Nodes {
		node := &def.Nodes[i]
		switch node.ModuleType {
		case "signature-classify":
			if node.Config == nil {
				node.Config = make(map[string]any)
			}
			node.Config["run_id"] = runID
			if telemetryPath != "" {
				node.Config["telemetry_path"] = telemetryPath
			}
		case "report-build":
			if node.Config == nil {
				node.Config = make(map[string]any)
			}
			node.Config["run_id"] = runID
			node.Config["started_at"] = startedAt.Format(time.RFC3339)
		}
	}
}

// gatherTrafficSamples produces the analyzer's input: a recorded JSONL file
// when one is configured, a live counter-sampling window otherwise. Trouble
// gathering degrades to whatever was collected; the analysis branch never
// blocks a scan.
func (s *Service) gatherTrafficSamples(ctx context.Context, params Params, logger zerolog.Logger) []engine.TrafficSample {
	if params.TrafficSampleFile != "" {
		samples, err := loadSampleFile(params.TrafficSampleFile)
		if err != nil {
			logger.Warn().Err(err).Str("path", params.TrafficSampleFile).Msg("Could not read traffic sample file")
			return []engine.TrafficSample{}
		}
		logger.Debug().Int("samples", len(samples)).Str("path", params.TrafficSampleFile).Msg("Loaded recorded traffic samples")
		return samples
	}

	samples, err := s.sampleTraffic(ctx, params.SampleWindow)
	if err != nil {
		logger.Warn().Err(err).Int("samples", len(samples)).Msg("Live traffic sampling ended early")
	}
	if samples == nil {
		samples = []engine.TrafficSample{}
	}
	return samples
}

// collectCounterSamples runs the interface counter sampler for one window.
func collectCounterSamples(ctx context.Context, window time.Duration) ([]engine.TrafficSample, error) {
	sampler := netutil.CounterSampler{}
	if window > 0 {
		sampler.Interval = time.Second
		rounds := int(window / time.Second)
		if rounds < 1 {
			rounds = 1
		}
		sampler.Rounds = rounds
	}
	return sampler.Collect(ctx)
}

// loadSampleFile reads one JSON traffic sample per line. Lines that do not
// decode are skipped here; samples that decode but carry nothing usable are
// the analyzer's to count.
func loadSampleFile(path string) ([]engine.TrafficSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var samples []engine.TrafficSample
	skipped := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var sample engine.TrafficSample
		if err := json.Unmarshal(line, &sample); err != nil {
			skipped++
			continue
		}
		samples = append(samples, sample)
	}
	if err := scanner.Err(); err != nil {
		return samples, err
	}
	if skipped > 0 {
		log.Warn().Int("lines", skipped).Str("path", path).Msg("Skipped undecodable traffic sample lines")
	}
	return samples, nil
}

func statusFromError(err error) string {
	if err != nil {
		return "failed"
	}
	return "completed"
}

func (s *Service) emit(phase, module, status, msg string) {
	if s.progressSink == nil {
		return
	}
	s.progressSink.OnEvent(ProgressEvent{
		Phase:     phase,
		Module:    module,
		Status:    status,
		Message:   msg,
		Timestamp: time.Now(),
	})
}

package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lanscout/lanscout/cmd/lanscout/internal/bind"
	"github.com/lanscout/lanscout/pkg/engine"
	"github.com/lanscout/lanscout/pkg/fingerprint"
	"github.com/lanscout/lanscout/pkg/netutil"
	"github.com/lanscout/lanscout/pkg/output"
	"github.com/lanscout/lanscout/pkg/output/subscribers"
	"github.com/lanscout/lanscout/pkg/scanexec"
)

const (
	formatHuman = "human"
	formatJSON  = "json"
)

// ScanCmd defines the 'scan' command for a full reconnaissance run.
var ScanCmd = &cobra.Command{
	Use:   "scan [subnet]",
	Short: "Sweep the local network and report what answered",
	Long: `Resolves the local subnet (or scans the one given), probes every candidate
host on the configured ports, classifies what answered, and prints a report.
The execution DAG is planned automatically from the enabled branches.`,
	GroupID: "scan",
	Args:    cobra.MaximumNArgs(1),
	RunE:    runScanCommand,
}

func runScanCommand(cmd *cobra.Command, args []string) error {
	mgr, err := managerFromCommand(cmd)
	if err != nil {
		return err
	}
	cfg := mgr.Get()

	format := resolveOutputFormat(cmd, cfg.Output.Format)
	out := setupOutputPipeline(cmd, format)

	logger := log.With().Str("command", "scan").Logger()

	params, err := bind.BindScanOptions(cmd, args, scanexec.ParamsFromConfig(cfg))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to bind scan options")
		out.Error(err)
		return err
	}

	svc := scanexec.NewService(mgr)

	if progress, _ := cmd.Flags().GetBool("progress"); progress {
		svc = svc.WithProgressSink(&progressLogger{logger: logger, out: out})
	}

	// Modules report through the Output interface pulled from the context.
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, output.OutputKey, out)

	verbosityCount, _ := cmd.Flags().GetCount("verbosity")
	if format == formatHuman && verbosityCount == 0 {
		out.Info(fmt.Sprintf("Scanning %s ...", scopeLabel(params.Subnet)))
	}

	res, runErr := svc.Run(ctx, params)
	if runErr != nil {
		logger.Error().Err(runErr).Msg("Reconnaissance run failed")
		out.Error(runErr)
		var resErr *netutil.ResolutionError
		if errors.As(runErr, &resErr) {
			out.Info("Could not determine the local network; pass a subnet explicitly, e.g. 'lanscout scan 192.168.1.0/24'.")
		}
		return runErr
	}

	return renderScanResult(out, format, res)
}

func scopeLabel(subnet string) string {
	if subnet == "" {
		return "the local subnet"
	}
	return subnet
}

// resolveOutputFormat gives -o/--output priority over the configured format
// and folds unknown values back to human.
func resolveOutputFormat(cmd *cobra.Command, configured string) string {
	format := configured
	if cmd.Flags().Changed("output") {
		format, _ = cmd.Flags().GetString("output")
	}
	if strings.EqualFold(format, formatJSON) {
		return formatJSON
	}
	return formatHuman
}

// setupOutputPipeline builds the event stream with the formatter for the
// chosen output format plus a diagnostic sink when -v is given.
func setupOutputPipeline(cmd *cobra.Command, format string) output.Output {
	stream := output.NewOutputEventStream()

	if format == formatJSON {
		stream.Subscribe(subscribers.NewJSONFormatter(os.Stdout))
	} else {
		colorEnabled := false
		if stat, err := os.Stdout.Stat(); err == nil {
			colorEnabled = (stat.Mode() & os.ModeCharDevice) != 0
		}
		stream.Subscribe(subscribers.NewHumanFormatter(os.Stdout, os.Stderr, colorEnabled))
	}

	verbosityCount, _ := cmd.Flags().GetCount("verbosity")
	if verbosityCount > 0 {
		maxLevel := output.LevelVerbose
		switch {
		case verbosityCount >= 3:
			maxLevel = output.LevelTrace
		case verbosityCount == 2:
			maxLevel = output.LevelDebug
		}
		stream.Subscribe(subscribers.NewDiagnosticSubscriber(maxLevel, os.Stderr))
	}

	return output.NewDefaultOutput(stream)
}

func renderScanResult(out output.Output, format string, res *scanexec.Result) error {
	if res == nil || res.Report == nil {
		out.Warning("Run finished without producing a report.")
		return nil
	}
	report := *res.Report

	if format == formatJSON {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	printReportSummary(out, report)
	printHosts(out, report)
	printDiscovered(out, report)
	printAnomalies(out, report)
	printRecommendations(out, report)
	return nil
}

// printReportSummary displays a human-readable summary table of the run.
func printReportSummary(out output.Output, report engine.ScanReport) {
	duration := report.FinishedAt.Sub(report.StartedAt)

	headers := []string{"Metric", "Value"}
	rows := [][]string{
		{"Subnet", valueOrDash(report.Subnet)},
		{"Local IP", valueOrDash(report.LocalIP)},
		{"Duration", fmt.Sprintf("%.1fs", duration.Seconds())},
		{"Status", string(report.Status)},
		{"Hosts responsive", fmt.Sprintf("%d", len(report.Hosts))},
		{"Open ports", fmt.Sprintf("%d", report.Sweep.ProbesOpen)},
	}
	if report.Discovery.RepliesParsed > 0 || len(report.Discovered) > 0 {
		rows = append(rows, []string{"Discovered via SSDP", fmt.Sprintf("%d", len(report.Discovered))})
	}
	if report.Traffic.SamplesAnalyzed > 0 || len(report.Anomalies) > 0 {
		rows = append(rows, []string{"Traffic anomalies", fmt.Sprintf("%d", len(report.Anomalies))})
	}

	if counts := report.DeviceTypeCounts(); len(counts) > 0 {
		types := make([]string, 0, len(counts))
		for deviceType := range counts {
			types = append(types, deviceType)
		}
		sort.Strings(types)
		parts := make([]string, 0, len(types))
		for _, deviceType := range types {
			parts = append(parts, fmt.Sprintf("%s (%d)", deviceType, counts[deviceType]))
		}
		rows = append(rows, []string{"Device types", strings.Join(parts, ", ")})
	}

	out.Table(headers, rows)
}

func printHosts(out output.Output, report engine.ScanReport) {
	if len(report.Hosts) == 0 {
		out.Info("No hosts answered on the probed ports.")
		return
	}

	out.Info("--- Responsive Hosts ---")
	for _, host := range report.Hosts {
		header := fmt.Sprintf("\n%s", host.Address)
		if host.DeviceType != "" && host.DeviceType != fingerprint.DeviceTypeUnknown {
			header += fmt.Sprintf("  [%s]", host.DeviceType)
		}
		out.Info(header)
		out.Info(fmt.Sprintf("   Risk: %s (%d)", host.RiskLevel, host.RiskScore))
		for _, port := range host.Ports {
			line := fmt.Sprintf("   - %d/%s %s", port.Port, port.Protocol, port.State)
			if port.ServiceHint != "" {
				line += fmt.Sprintf(" (%s)", port.ServiceHint)
			}
			out.Info(line)
			if port.Banner != "" {
				out.Info(fmt.Sprintf("     Banner: %s", ellipsis(port.Banner, 80)))
			}
		}
	}
}

func printDiscovered(out output.Output, report engine.ScanReport) {
	if len(report.Discovered) == 0 {
		return
	}
	out.Info("\n--- Discovery Advertisements ---")
	for _, device := range report.Discovered {
		line := fmt.Sprintf("   %s", device.Address)
		if device.FriendlyName != "" {
			line += fmt.Sprintf("  %q", device.FriendlyName)
		}
		if device.Server != "" {
			line += fmt.Sprintf("  (%s)", device.Server)
		}
		out.Info(line)
		if device.Location != "" {
			out.Info(fmt.Sprintf("     Location: %s", device.Location))
		}
	}
}

func printAnomalies(out output.Output, report engine.ScanReport) {
	if len(report.Anomalies) == 0 {
		return
	}
	out.Info("\n--- Traffic Anomalies ---")
	for _, anomaly := range report.Anomalies {
		out.Warning(fmt.Sprintf("   [%s] %s: %s", anomaly.Severity, anomaly.Pattern, anomaly.Detail))
	}
}

func printRecommendations(out output.Output, report engine.ScanReport) {
	if len(report.Recommendations) == 0 {
		return
	}
	out.Info("\n--- Recommendations ---")
	for _, recommendation := range report.Recommendations {
		out.Info(fmt.Sprintf("   * %s", recommendation))
	}
}

func valueOrDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// ellipsis trims s for single-line display.
func ellipsis(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}

type progressLogger struct {
	logger zerolog.Logger
	out    output.Output
}

func (p *progressLogger) OnEvent(ev scanexec.ProgressEvent) {
	entry := p.logger.Info().
		Str("phase", ev.Phase).
		Str("module", ev.Module).
		Str("status", ev.Status)
	if ev.Message != "" {
		entry = entry.Str("message", ev.Message)
	}
	entry.Msg("scan progress")

	if p.out != nil {
		message := fmt.Sprintf("%s %s: %s", statusIcon(ev.Status), ev.Phase, ev.Module)
		if ev.Message != "" {
			message += fmt.Sprintf(" - %s", ev.Message)
		}
		p.out.Info(message)
	}
}

// statusIcon returns an icon based on status
func statusIcon(status string) string {
	switch status {
	case "start", "running":
		return "⏳"
	case "completed", "success":
		return "✓"
	case "failed", "error":
		return "✗"
	default:
		return "•"
	}
}

// registerScanTuningFlags defines the flags shared by every command that
// resolves scan parameters through bind.BindScanOptions.
func registerScanTuningFlags(flags *pflag.FlagSet) {
	flags.StringP("ports", "p", "", "Ports/port ranges to probe (e.g., '80,443,554' or '8000-8010')")
	flags.String("timeout", "", "Per-probe timeout (e.g., '750ms')")
	flags.String("deadline", "", "Whole-sweep budget (e.g., '2m')")
	flags.Int("concurrency", 0, "Max simultaneous probes (0 uses the configured default)")
	flags.Bool("discovery", true, "Run the SSDP discovery probe")
	flags.Bool("traffic", false, "Analyze traffic samples for suspicious patterns")
	flags.String("traffic-file", "", "Recorded JSONL traffic samples to analyze (implies --traffic)")
	flags.String("sample-window", "", "Live traffic sampling window (e.g., '10s')")
	flags.Bool("ping", false, "Run an ICMP liveness pre-sweep")
	flags.Int("ping-count", 1, "ICMP echo requests per host")
	flags.String("ssdp-wait", "", "SSDP response collection window (e.g., '3s')")
	flags.String("signatures", "", "Signature catalog YAML overriding the embedded default")
	flags.String("telemetry", "", "JSONL file classification events are appended to")
	flags.StringSlice("tags", []string{}, "Only include modules with these tags (comma-separated)")
	flags.StringSlice("exclude-tags", []string{}, "Exclude modules with these tags (comma-separated)")
}

func init() {
	registerScanTuningFlags(ScanCmd.Flags())
	ScanCmd.Flags().Bool("progress", false, "Print live progress updates during the scan")
	ScanCmd.Flags().StringP("output", "o", "", "Output format: human or json (default from config)")
}

// Package bind translates cobra flag sets into service-layer parameter
// structs so commands stay thin and the flag surface stays testable.
package bind

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lanscout/lanscout/pkg/scanexec"
)

// BindScanOptions layers the scan command's flags over the config-derived
// base parameters. Only flags the user actually set override the base, so
// the config file keeps authority over everything left untouched.
//
// Flags read:
//   - --ports: Port list or ranges (e.g., "80,443,554", "8000-8010")
//   - --timeout: Per-probe timeout as a duration string
//   - --deadline: Whole-sweep budget as a duration string
//   - --concurrency: Max simultaneous probes
//   - --discovery: Run the SSDP discovery probe
//   - --traffic: Run the traffic pattern analyzer
//   - --traffic-file: Recorded JSONL samples (implies --traffic)
//   - --sample-window: Live traffic sampling window
//   - --ping / --ping-count: ICMP liveness pre-sweep
//   - --ssdp-wait: SSDP response collection window
//   - --signatures / --telemetry: Classifier catalog and event sink paths
//   - --tags / --exclude-tags: Module tag filters
//
// The optional positional argument is the subnet to scan.
func BindScanOptions(cmd *cobra.Command, args []string, base scanexec.Params) (scanexec.Params, error) {
	params := base
	flags := cmd.Flags()

	if len(args) > 0 {
		params.Subnet = args[0]
	}
	if flags.Changed("ports") {
		params.Ports, _ = flags.GetString("ports")
	}
	if flags.Changed("timeout") {
		ms, err := durationFlagMs(flags, "timeout")
		if err != nil {
			return scanexec.Params{}, err
		}
		params.TimeoutMs = ms
	}
	if flags.Changed("deadline") {
		ms, err := durationFlagMs(flags, "deadline")
		if err != nil {
			return scanexec.Params{}, err
		}
		params.DeadlineMs = ms
	}
	if flags.Changed("concurrency") {
		params.Concurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("discovery") {
		params.IncludeDiscovery, _ = flags.GetBool("discovery")
	}
	if flags.Changed("traffic") {
		params.IncludeTraffic, _ = flags.GetBool("traffic")
	}
	if flags.Changed("traffic-file") {
		params.TrafficSampleFile, _ = flags.GetString("traffic-file")
		// A recorded sample file is an explicit request for analysis, unless
		// --traffic=false said otherwise.
		if params.TrafficSampleFile != "" && !flags.Changed("traffic") {
			params.IncludeTraffic = true
		}
	}
	if flags.Changed("sample-window") {
		window, err := durationFlag(flags, "sample-window")
		if err != nil {
			return scanexec.Params{}, err
		}
		params.SampleWindow = window
	}
	if flags.Changed("ping") {
		params.EnablePing, _ = flags.GetBool("ping")
	}
	if flags.Changed("ping-count") {
		params.PingCount, _ = flags.GetInt("ping-count")
	}
	if flags.Changed("ssdp-wait") {
		ms, err := durationFlagMs(flags, "ssdp-wait")
		if err != nil {
			return scanexec.Params{}, err
		}
		params.SSDPWaitMs = ms
	}
	if flags.Changed("signatures") {
		params.SignaturesPath, _ = flags.GetString("signatures")
	}
	if flags.Changed("telemetry") {
		params.TelemetryPath, _ = flags.GetString("telemetry")
	}
	if flags.Changed("tags") {
		params.IncludeTags, _ = flags.GetStringSlice("tags")
	}
	if flags.Changed("exclude-tags") {
		params.ExcludeTags, _ = flags.GetStringSlice("exclude-tags")
	}

	return params, nil
}

func durationFlag(flags *pflag.FlagSet, name string) (time.Duration, error) {
	raw, _ := flags.GetString(name)
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid --%s value %q: %w", name, raw, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid --%s value %q: must not be negative", name, raw)
	}
	return dur, nil
}

func durationFlagMs(flags *pflag.FlagSet, name string) (int, error) {
	dur, err := durationFlag(flags, name)
	if err != nil {
		return 0, err
	}
	return int(dur / time.Millisecond), nil
}

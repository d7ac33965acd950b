package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lanscout/lanscout/pkg/fingerprint"
	"github.com/lanscout/lanscout/pkg/fingerprint/catalogsync"
)

// NewSignaturesCommand wires CLI helpers for signature catalog management.
func NewSignaturesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "signatures",
		Aliases: []string{"sigs"},
		Short:   "Manage device signature catalogs",
		GroupID: "core",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newSignaturesShowCommand())
	cmd.AddCommand(newSignaturesValidateCommand())
	cmd.AddCommand(newSignaturesUpdateCommand())
	cmd.AddCommand(newSignaturesStatsCommand())

	return cmd
}

func newSignaturesShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [file]",
		Short: "Print the signature catalog a scan would use",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := resolveCatalog(cmd, args)
			if err != nil {
				return err
			}

			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				data, err := json.MarshalIndent(catalog, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			printCatalog(catalog)
			return nil
		},
	}

	cmd.Flags().Bool("json", false, "Output the catalog as JSON")

	return cmd
}

// resolveCatalog picks the same catalog a scan would: an explicit file
// argument wins, then signatures.path from the config, then the embedded
// default.
func resolveCatalog(cmd *cobra.Command, args []string) (*fingerprint.Catalog, error) {
	if len(args) > 0 {
		return fingerprint.LoadCatalogFromFile(args[0])
	}
	if mgr, err := managerFromCommand(cmd); err == nil {
		if path := mgr.Get().Signatures.Path; path != "" {
			return fingerprint.LoadCatalogFromFile(path)
		}
	}
	return fingerprint.DefaultCatalog()
}

func printCatalog(catalog *fingerprint.Catalog) {
	fmt.Printf("Catalog %s (source %s): %d rule(s)\n",
		valueOrDash(catalog.Version), valueOrDash(catalog.Source), len(catalog.Rules))
	if len(catalog.CameraPorts) > 0 {
		fmt.Printf("Camera-typical ports: %s (each open adds %d risk)\n",
			joinPorts(catalog.CameraPorts), catalog.PortRisk)
	}

	fmt.Println("\nRules (priority order):")
	for _, rule := range catalog.Rules {
		line := fmt.Sprintf("  %-28s %-20s", rule.ID, rule.Label)
		if rule.Vendor != "" {
			line += fmt.Sprintf(" [%s]", rule.Vendor)
		}
		if rule.RiskDelta != 0 {
			line += fmt.Sprintf("  risk %+d", rule.RiskDelta)
		}
		if len(rule.Ports) > 0 {
			line += "  ports " + joinPorts(rule.Ports)
		}
		if len(rule.RequireOpenPorts) > 0 {
			line += "  requires " + joinPorts(rule.RequireOpenPorts)
		}
		if len(rule.Tags) > 0 {
			line += "  tags " + strings.Join(rule.Tags, ",")
		}
		fmt.Println(line)
	}
}

func joinPorts(ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

func newSignaturesValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a signature catalog YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			catalog, err := fingerprint.LoadCatalogFromFile(path)
			if err != nil {
				return err
			}
			fmt.Printf("OK: %d rule(s), catalog version %s\n", len(catalog.Rules), valueOrDash(catalog.Version))

			if watch, _ := cmd.Flags().GetBool("watch"); !watch {
				return nil
			}

			watcher, err := fingerprint.NewCatalogWatcher(path, func(c *fingerprint.Catalog) {
				fmt.Printf("Reloaded OK: %d rule(s), catalog version %s\n", len(c.Rules), valueOrDash(c.Version))
			}, log.Logger)
			if err != nil {
				return err
			}
			defer func() { _ = watcher.Close() }()

			fmt.Println("Watching for changes; press Ctrl-C to stop.")
			if err := watcher.Start(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().Bool("watch", false, "Keep watching the file and revalidate on change")

	return cmd
}

func newSignaturesUpdateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Download and install a signature catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := managerFromCommand(cmd)
			if err != nil {
				return err
			}
			cfg := mgr.Get()

			url, _ := cmd.Flags().GetString("url")
			if url == "" {
				return fmt.Errorf("--url is required")
			}
			mirrors, _ := cmd.Flags().GetStringSlice("mirror")
			checksum, _ := cmd.Flags().GetString("checksum")
			dest, _ := cmd.Flags().GetString("dest")
			if dest == "" {
				dest = cfg.Signatures.Path
			}
			if dest == "" {
				return fmt.Errorf("no install destination: pass --dest or set signatures.path in the config")
			}

			syncer := catalogsync.NewSyncer(log.Logger)
			catalog, err := syncer.Sync(cmd.Context(), catalogsync.Source{
				Name:     "operator",
				URL:      url,
				Mirrors:  mirrors,
				Checksum: checksum,
			}, dest)
			if err != nil {
				return fmt.Errorf("update signatures: %w", err)
			}

			fmt.Printf("Installed %d rule(s) (catalog version %s) at %s\n",
				len(catalog.Rules), valueOrDash(catalog.Version), dest)
			return nil
		},
	}

	cmd.Flags().String("url", "", "Catalog URL to download")
	cmd.Flags().StringSlice("mirror", []string{}, "Fallback URL if the primary fails (repeatable)")
	cmd.Flags().String("checksum", "", "Expected catalog checksum (sha256:<hex>)")
	cmd.Flags().String("dest", "", "Install path (default: signatures.path from config)")

	return cmd
}

func newSignaturesStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats [telemetry-file]",
		Short: "Summarize classification telemetry",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) > 0 {
				path = args[0]
			} else if mgr, err := managerFromCommand(cmd); err == nil {
				path = mgr.Get().Signatures.Telemetry
			}
			if path == "" {
				return fmt.Errorf("no telemetry file: pass one or set signatures.telemetry in the config")
			}

			filter := &fingerprint.StatsFilter{}
			filter.DeviceType, _ = cmd.Flags().GetString("device-type")
			filter.TopN, _ = cmd.Flags().GetInt("top")
			if since, _ := cmd.Flags().GetString("since"); since != "" {
				ts, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("invalid --since value %q: %w", since, err)
				}
				filter.Since = &ts
			}
			if until, _ := cmd.Flags().GetString("until"); until != "" {
				ts, err := time.Parse(time.RFC3339, until)
				if err != nil {
					return fmt.Errorf("invalid --until value %q: %w", until, err)
				}
				filter.Until = &ts
			}

			stats, err := fingerprint.AnalyzeTelemetry(path, filter)
			if err != nil {
				return fmt.Errorf("analyze telemetry: %w", err)
			}

			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				data, err := json.MarshalIndent(stats, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			printClassificationStats(stats)
			return nil
		},
	}

	cmd.Flags().String("device-type", "", "Only count events for this device type")
	cmd.Flags().String("since", "", "Only count events at or after this RFC3339 time")
	cmd.Flags().String("until", "", "Only count events before this RFC3339 time")
	cmd.Flags().Int("top", 10, "Number of most-firing rules to show")
	cmd.Flags().Bool("json", false, "Output statistics as JSON")

	return cmd
}

func printClassificationStats(stats *fingerprint.ClassificationStats) {
	fmt.Printf("Events: %d (matched %d, unknown %d, match rate %.1f%%)\n",
		stats.TotalEvents, stats.Matched, stats.Unknown, stats.MatchRate*100)
	if !stats.StartTime.IsZero() {
		fmt.Printf("Window: %s to %s\n",
			stats.StartTime.Format(time.RFC3339), stats.EndTime.Format(time.RFC3339))
	}

	if len(stats.DeviceTypes) > 0 {
		fmt.Println("\nDevice types:")
		types := make([]string, 0, len(stats.DeviceTypes))
		for deviceType := range stats.DeviceTypes {
			types = append(types, deviceType)
		}
		sort.Strings(types)
		for _, deviceType := range types {
			ts := stats.DeviceTypes[deviceType]
			fmt.Printf("  %-24s %4d event(s), avg risk %.1f\n", deviceType, ts.TotalEvents, ts.AvgRisk)
		}
	}

	if len(stats.TopRules) > 0 {
		fmt.Println("\nTop rules:")
		for _, rule := range stats.TopRules {
			line := fmt.Sprintf("  %-24s %4d hit(s)", rule.RuleID, rule.Count)
			if rule.Vendor != "" {
				line += fmt.Sprintf("  [%s]", rule.Vendor)
			}
			fmt.Println(line)
		}
	}

	if len(stats.RiskLevels) > 0 {
		fmt.Println("\nRisk levels:")
		levels := make([]string, 0, len(stats.RiskLevels))
		for level := range stats.RiskLevels {
			levels = append(levels, level)
		}
		sort.Strings(levels)
		for _, level := range levels {
			fmt.Printf("  %-12s %d\n", level, stats.RiskLevels[level])
		}
		fmt.Printf("Risk scores: min %d, max %d, average %.1f, median %.1f\n",
			stats.RiskStats.Min, stats.RiskStats.Max, stats.RiskStats.Average, stats.RiskStats.Median)
	}
}

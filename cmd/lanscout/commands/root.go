package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lanscout/lanscout/pkg/config"
	// Register all pipeline modules for DAG planning
	_ "github.com/lanscout/lanscout/pkg/modules/discovery"  // Topology, ICMP, and SSDP modules
	_ "github.com/lanscout/lanscout/pkg/modules/evaluation" // Traffic pattern analyzer
	_ "github.com/lanscout/lanscout/pkg/modules/parse"      // Signature classifier
	_ "github.com/lanscout/lanscout/pkg/modules/reporting"  // Report builder
	_ "github.com/lanscout/lanscout/pkg/modules/scan"       // Port sweep
)

const cliExecutable = "lanscout"

type contextKey string

// configManagerKey carries the loaded *config.Manager from the root
// command's PersistentPreRunE to subcommands.
const configManagerKey contextKey = "configManager"

// NewCommand constructs the top-level lanscout CLI command, wiring global
// flags, configuration loading, and logging.
func NewCommand() *cobra.Command {
	var (
		configFile     string
		verbosityCount int
		verbose        bool
	)

	cmd := &cobra.Command{
		Use:   cliExecutable,
		Short: "LANScout maps the devices answering on your local network",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			mgr := config.NewManager()
			if err := mgr.Load(cmd.Flags(), configFile); err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}

			configureLogging(mgr.Get(), verbosityCount, verbose)

			ctx := context.WithValue(cmd.Context(), configManagerKey, mgr)
			cmd.SetContext(ctx)
			if root := cmd.Root(); root != nil && root != cmd {
				root.SetContext(ctx)
			}
			return nil
		},
	}

	cmd.SilenceUsage = true

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	cmd.PersistentFlags().CountVarP(&verbosityCount, "verbosity", "v", "Increase logging verbosity (repeatable)")
	cmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging (shows service layer logs)")

	config.BindFlags(cmd.PersistentFlags())

	cmd.AddGroup(&cobra.Group{ID: "scan", Title: "Scan Commands"})
	cmd.AddGroup(&cobra.Group{ID: "core", Title: "Core Commands"})

	cmd.AddCommand(ScanCmd)
	cmd.AddCommand(NewPlanCommand())
	cmd.AddCommand(NewSignaturesCommand())
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// managerFromCommand retrieves the configuration manager stashed by the root
// command's PersistentPreRunE.
func managerFromCommand(cmd *cobra.Command) (*config.Manager, error) {
	ctx := cmd.Context()
	if ctx == nil && cmd.Root() != nil {
		ctx = cmd.Root().Context()
	}
	if ctx != nil {
		if mgr, ok := ctx.Value(configManagerKey).(*config.Manager); ok && mgr != nil {
			return mgr, nil
		}
	}
	return nil, fmt.Errorf("configuration manager missing from context")
}

// configureLogging applies the verbosity flags and the log section of the
// resolved configuration. At the default verbosity only errors reach the
// console so the output pipeline owns the terminal; -v shows info, -vv and
// --verbose show debug, and --debug raises log.level through the config.
func configureLogging(cfg config.Config, verbosityCount int, verbose bool) {
	switch {
	case verbose || cfg.Verbose || cfg.Log.Level == "debug" || verbosityCount >= 2:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case verbosityCount == 1:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	}

	var sink io.Writer = os.Stderr
	toFile := false
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.Log.File).Msg("Could not open log file; logging to stderr")
		} else {
			sink = f
			toFile = true
		}
	}

	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(sink).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: sink, NoColor: toFile}).With().Timestamp().Logger()
	}
}

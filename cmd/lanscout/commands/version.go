package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Build metadata, overridden at release time via -ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// NewVersionCommand reports the build's version metadata.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Print version information",
		GroupID: "core",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("%s %s (commit %s, built %s, %s)\n",
				cliExecutable, version, commit, buildDate, runtime.Version())
		},
	}
}

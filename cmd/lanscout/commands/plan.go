package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lanscout/lanscout/cmd/lanscout/internal/bind"
	"github.com/lanscout/lanscout/pkg/engine"
	"github.com/lanscout/lanscout/pkg/scanexec"
)

// NewPlanCommand builds the 'plan' command, which renders the execution DAG
// a scan with the given parameters would run.
func NewPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "plan [subnet]",
		Short:   "Show the execution DAG a scan would run, without running it",
		GroupID: "scan",
		Long: `Plans the module DAG for the given scan parameters and prints it as YAML
or JSON. The same planner drives a real scan, so the output shows exactly
which modules would run, what data they exchange, and their configuration.`,
		Example: `  # Plan a default scan of the local subnet
  lanscout plan

  # Plan a scan with the traffic branch enabled, as JSON
  lanscout plan 192.168.1.0/24 --traffic --format json

  # Write the plan to a file
  lanscout plan --out lan-sweep.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: runPlanCommand,
	}

	registerScanTuningFlags(cmd.Flags())
	cmd.Flags().String("format", "yaml", "Plan output format (yaml|json)")
	cmd.Flags().String("out", "", "Write the plan to this file instead of stdout")

	return cmd
}

func runPlanCommand(cmd *cobra.Command, args []string) error {
	mgr, err := managerFromCommand(cmd)
	if err != nil {
		return err
	}

	params, err := bind.BindScanOptions(cmd, args, scanexec.ParamsFromConfig(mgr.Get()))
	if err != nil {
		return err
	}

	def, err := scanexec.NewService(mgr).Plan(params)
	if err != nil {
		return err
	}

	schema, err := engine.SchemaFromDefinition(def)
	if err != nil {
		return err
	}
	if result := schema.Validate(); !result.IsValid() {
		return fmt.Errorf("planned DAG failed validation:\n%s", result.String())
	}

	planFormat, _ := cmd.Flags().GetString("format")
	var data []byte
	switch planFormat {
	case "", "yaml":
		data, err = yaml.Marshal(schema)
	case "json":
		data, err = json.MarshalIndent(schema, "", "  ")
	default:
		return fmt.Errorf("unsupported plan format %q (yaml|json)", planFormat)
	}
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	outPath, _ := cmd.Flags().GetString("out")
	if outPath == "" {
		fmt.Print(string(data))
		return nil
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("write plan: %w", err)
	}
	fmt.Printf("Plan written to %s\n", outPath)
	return nil
}

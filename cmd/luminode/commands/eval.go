package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/luminode/luminode/pkg/agent"
	"github.com/luminode/luminode/pkg/config"
)

func newEvalCommand() *cobra.Command {
	var deadline time.Duration

	cmd := &cobra.Command{
		Use:   "eval <file>",
		Short: "Evaluate a program snippet locally",
		Long: `Run a snippet against a local sandbox with simulated hardware and print
its exported globals. Use "-" to read the snippet from stdin. Nothing is
published to a real bus.`,
		Example: `  # Evaluate a file
  luminode eval snippet.star

  # Evaluate from stdin
  echo 'x = read_sensor("temperature")' | luminode eval -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				source []byte
				err    error
			)
			if args[0] == "-" {
				source, err = io.ReadAll(os.Stdin)
			} else {
				source, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}

			cfg := config.Default()
			cfg.Device.ID = "local-sandbox"
			cfg.Transport.Mode = "loopback"
			cfg.Telemetry.Metrics.Enabled = false
			cfg.Telemetry.Logging.Level = "warn"
			if verbose {
				cfg.Telemetry.Logging.Level = "debug"
			}

			a, err := agent.New(cfg, agent.Options{})
			if err != nil {
				return err
			}
			defer a.Bus.Close()

			globals, err := a.Manager.Eval(cmd.Context(), string(source), deadline)
			if err != nil {
				return err
			}

			if jsonOutput {
				encoder := json.NewEncoder(os.Stdout)
				encoder.SetIndent("", "  ")
				return encoder.Encode(globals)
			}

			names := make([]string, 0, len(globals))
			for name := range globals {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("%s = %s\n", name, globals[name])
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&deadline, "deadline", 30*time.Second, "evaluation deadline")
	return cmd
}

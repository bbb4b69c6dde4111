package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/luminode/luminode/pkg/agent"
	"github.com/luminode/luminode/pkg/config"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the device agent",
		Long: `Start the device agent: connect to the message bus, restore archived
programs, and serve program delivery and shadow synchronization until
interrupted.`,
		Example: `  # Run with the default config file
  luminode run

  # Run with an explicit config
  luminode run --config /etc/luminode/device.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if verbose {
				cfg.Telemetry.Logging.Level = "debug"
			}

			log.Info().
				Str("device_id", cfg.Device.ID).
				Str("transport", cfg.Transport.Mode).
				Msg("Starting device agent")

			a, err := agent.New(cfg, agent.Options{})
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}
	return cmd
}

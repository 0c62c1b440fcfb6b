package commands

import (
	"jp2web/internal/config"
	"jp2web/internal/errors"
	"jp2web/internal/logger"

	"github.com/spf13/cobra"
)

// cfg is loaded once by the root command before any subcommand runs.
var cfg config.Config

func Root() *cobra.Command {
	root := &cobra.Command{
		Use:   "jp2web",
		Short: "JPEG2000 conversion service",
		Long: `jp2web - upload images, convert them to JPEG2000 in the background and
check the results against archival compliance rules.

Configuration is read from the environment and an optional .env file.

Examples:
  jp2web migrate                      # Create tables and indexes
  jp2web serve                        # HTTP API plus background workers
  jp2web worker                       # Background workers only
  jp2web recover-stuck --dry-run      # List pending jobs that never started
  jp2web cleanup --temp               # Drop per-job temp directories`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load()
			if err != nil {
				return errors.Wrap(err, "load config")
			}
			cfg = c
			if err := logger.Initialize(cfg.LogJSON, cfg.LogLevel); err != nil {
				return errors.Wrap(err, "initialize logger")
			}
			return nil
		},
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
		recoverStuckCmd(),
		cleanupCmd(),
	)
	return root
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/wlanrx/internal/daemon"
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the wlanrx daemon in foreground",
	Long: `Run the wlanrx daemon process in foreground.

The daemon will:
  1. Load global configuration from config file
  2. Initialize logging and metrics
  3. Start the receive path (ring, refill worker, replay guard, dispatch pool)
  4. Start the Kafka replay publisher and capture replay (if configured)
  5. Start UDS server for CLI control and the Kafka command consumer (if configured)
  6. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func runDaemon() error {
	d, err := daemon.New(configFile, socketPath, pidFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		d.Stop()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// blocks until shutdown
	return d.Run()
}

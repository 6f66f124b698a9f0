package cmd

import (
	"fmt"
	"io"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/wlanrx/internal/daemon"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload configuration",
	Long:  `Send SIGHUP to the daemon. Logging settings apply immediately; other changes need a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReload(cmd.OutOrStdout(), func() (int, error) {
			return daemon.SignalDaemon(pidFile, syscall.SIGHUP)
		})
	},
}

func runReload(out io.Writer, signal func() (int, error)) error {
	pid, err := signal()
	if err != nil {
		return fmt.Errorf("failed to reload: %w", err)
	}
	fmt.Fprintf(out, "✓ Reload signal sent to pid %d\n", pid)
	return nil
}

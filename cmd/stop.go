package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/wlanrx/internal/daemon"
)

var stopWait time.Duration

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the wlanrx daemon",
	Long: `Stop the wlanrx daemon gracefully.

The daemon_shutdown command is sent over the control socket. If the socket
does not answer, SIGTERM is sent to the process named in the PID file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd.Context(), GetClient(), cmd.OutOrStdout(), func() error {
			return daemon.StopDaemon(pidFile, stopWait)
		})
	},
}

func init() {
	stopCmd.Flags().DurationVar(&stopWait, "wait", 10*time.Second, "how long to wait for the process to exit")
}

func runStop(ctx context.Context, client Client, out io.Writer, fallback func() error) error {
	err := client.Shutdown(ctx)
	if err == nil {
		fmt.Fprintln(out, "✓ Shutdown requested")
		return nil
	}
	if fallback == nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}

	fmt.Fprintf(out, "control socket unavailable (%v), signalling process\n", err)
	if ferr := fallback(); ferr != nil {
		if errors.Is(ferr, daemon.ErrNotRunning) {
			return ferr
		}
		return fmt.Errorf("failed to stop daemon: %w", ferr)
	}
	fmt.Fprintln(out, "✓ Daemon stopped")
	return nil
}

// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/wlanrx/internal/command"
	"firestige.xyz/wlanrx/internal/diag"
	"firestige.xyz/wlanrx/internal/rx"
)

var (
	// Global flags
	configFile  string
	socketPath  string
	pidFile     string
	callTimeout time.Duration
)

// Client is the daemon control API used by the commands.
type Client interface {
	Stats(ctx context.Context) (*rx.Stats, error)
	Status(ctx context.Context) (map[string]interface{}, error)
	Suspend(ctx context.Context, timeout time.Duration) error
	Resume(ctx context.Context) error
	Flush(ctx context.Context, ring *int, reason string) error
	FlushOwner(ctx context.Context, owner uint32) (int, error)
	SetAffinity(ctx context.Context, cpus []int) error
	Rekey(ctx context.Context, peer string, tid *int) error
	RemovePeer(ctx context.Context, peer string) error
	Trace(ctx context.Context, drain bool) ([]diag.Record, error)
	Shutdown(ctx context.Context) error
}

// cli overrides the socket client when set.
var cli Client

// GetClient returns the client commands talk to.
func GetClient() Client {
	if cli != nil {
		return cli
	}
	return command.NewUDSClient(socketPath, callTimeout)
}

// SetClient replaces the client, nil restores the socket client.
func SetClient(c Client) { cli = c }

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "wlanrx",
	Short: "wlanrx - WLAN receive data path daemon",
	Long: `wlanrx runs the receive data path of a WLAN host driver: a shared receive
buffer ring with a refill worker, per-TID packet number replay protection,
and per-ring dispatch workers that coalesce frames before delivery.

The daemon is controlled locally over a Unix domain socket and, optionally,
remotely through a Kafka command topic.`,
	Version:       command.Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/wlanrx/config.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/wlanrx.sock",
		"daemon socket path")
	rootCmd.PersistentFlags().StringVarP(&pidFile, "pidfile", "p", "/var/run/wlanrx.pid",
		"PID file path")
	rootCmd.PersistentFlags().DurationVar(&callTimeout, "timeout", 10*time.Second,
		"control call timeout")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(suspendCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(affinityCmd)
	rootCmd.AddCommand(peerCmd)
	rootCmd.AddCommand(traceCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(configCmd)
}

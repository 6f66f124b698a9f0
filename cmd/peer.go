package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

var (
	rekeyTID   int
	traceDrain bool
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Manage peer replay state",
}

var peerRekeyCmd = &cobra.Command{
	Use:   "rekey MAC",
	Short: "Tolerate one late frame after a key change",
	Long: `Mark a peer's TIDs as rekey-pending: the next accepted frame on each
leaves the stored packet number unchanged, so a frame still in flight with
the old key does not raise the reference.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var tid *int
		if cmd.Flags().Changed("tid") {
			tid = &rekeyTID
		}
		return runPeerRekey(cmd.Context(), GetClient(), cmd.OutOrStdout(), args[0], tid)
	},
}

var peerRemoveCmd = &cobra.Command{
	Use:   "remove MAC",
	Short: "Forget a peer and its per-TID state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPeerRemove(cmd.Context(), GetClient(), cmd.OutOrStdout(), args[0])
	},
}

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Dump the replay guard trace",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTrace(cmd.Context(), GetClient(), cmd.OutOrStdout(), traceDrain)
	},
}

func init() {
	peerRekeyCmd.Flags().IntVar(&rekeyTID, "tid", 0, "TID to rekey (default every TID)")
	peerCmd.AddCommand(peerRekeyCmd, peerRemoveCmd)
	traceCmd.Flags().BoolVar(&traceDrain, "drain", false, "clear the trace after reading")
}

func runPeerRekey(ctx context.Context, client Client, out io.Writer, peer string, tid *int) error {
	if err := client.Rekey(ctx, peer, tid); err != nil {
		return fmt.Errorf("failed to rekey %s: %w", peer, err)
	}
	if tid == nil {
		fmt.Fprintf(out, "✓ Rekey pending on every TID of %s\n", peer)
	} else {
		fmt.Fprintf(out, "✓ Rekey pending on %s tid %d\n", peer, *tid)
	}
	return nil
}

func runPeerRemove(ctx context.Context, client Client, out io.Writer, peer string) error {
	if err := client.RemovePeer(ctx, peer); err != nil {
		return fmt.Errorf("failed to remove %s: %w", peer, err)
	}
	fmt.Fprintf(out, "✓ Peer %s removed\n", peer)
	return nil
}

func runTrace(ctx context.Context, client Client, out io.Writer, drain bool) error {
	records, err := client.Trace(ctx, drain)
	if err != nil {
		return fmt.Errorf("failed to read trace: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "trace is empty")
		return nil
	}
	for _, r := range records {
		fmt.Fprintf(out, "%s %s tid=%d %s/%s pn=%s last=%s %s\n",
			r.Time.Format(time.RFC3339Nano), r.Peer, r.TID, r.Cipher, r.Dir, r.PN, r.LastPN, r.Verdict)
	}
	return nil
}

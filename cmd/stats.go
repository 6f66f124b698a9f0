package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"firestige.xyz/wlanrx/internal/rx"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show receive path statistics",
	Long: `Query the wlanrx daemon for receive path statistics.

Shows: ring occupancy and refill counters, replay guard verdicts per cipher,
and per-ring dispatch queue, delivery, drop and flush counters.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStats(cmd.Context(), GetClient(), cmd.OutOrStdout(), statsJSON)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context(), GetClient(), cmd.OutOrStdout())
	},
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print raw JSON")
}

func runStats(ctx context.Context, client Client, out io.Writer, asJSON bool) error {
	st, err := client.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to query stats: %w", err)
	}
	if asJSON {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format stats: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}
	renderStats(out, st)
	return nil
}

func count(v uint64) string { return humanize.Comma(int64(v)) }

// renderStats prints a human readable summary.
func renderStats(out io.Writer, st *rx.Stats) {
	fmt.Fprintf(out, "State:     %s\n", st.State)
	fmt.Fprintf(out, "Peers:     %d\n", st.Peers)
	fmt.Fprintf(out, "Indicated: %s (replay drops %s, suspended drops %s)\n",
		count(st.Indicated), count(st.ReplayDrops), count(st.SuspendedDrops))

	r := st.Ring
	fmt.Fprintf(out, "\nRing:      %d/%d posted (fill level %d), %d held, %d free, debt %d\n",
		r.Fill, r.Capacity, r.FillLevel, r.Held, r.Free, r.Debt)
	fmt.Fprintf(out, "           %s posted, %s reaped, %s released, %s collapsed, %s alloc failures\n",
		count(r.Posted), count(r.Reaped), count(r.Released), count(r.Collapsed), count(r.AllocFailures))
	fmt.Fprintf(out, "Refill:    %s, %s kicks, %s passes\n",
		st.Refill.State, count(st.Refill.Kicks), count(st.Refill.Passes))

	fmt.Fprintf(out, "\nReplay guard: %s passthrough, %s bad tid\n",
		count(st.Guard.Passthrough), count(st.Guard.BadTID))
	for _, k := range sortedKeys(st.Guard.Checked) {
		fmt.Fprintf(out, "  checked %-16s %s\n", k, count(st.Guard.Checked[k]))
	}
	for _, k := range sortedKeys(st.Guard.Replays) {
		fmt.Fprintf(out, "  replays %-16s %s\n", k, count(st.Guard.Replays[k]))
	}
	fmt.Fprintf(out, "Trace: %d records, %s overwritten\n", st.TraceLen, count(st.TraceLost))

	fmt.Fprintf(out, "\nDispatch: %s\n", st.Dispatch.State)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RING\tSTATE\tQUEUE\tENQUEUED\tDELIVERED\tSEGMENTS\tDROPS\tFLUSHES")
	for _, w := range st.Dispatch.Workers {
		fmt.Fprintf(tw, "%d\t%s\t%d/%d\t%s\t%s\t%s\t%s\t%s\n",
			w.Ring, w.State, w.QueueLen, w.MaxQueueLen,
			count(w.Enqueued), count(w.Delivered), count(w.Segments),
			joinCounts(w.Drops), joinCounts(w.Flushes))
	}
	tw.Flush()
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinCounts(m map[string]uint64) string {
	if len(m) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(m))
	for _, k := range sortedKeys(m) {
		parts = append(parts, k+"="+count(m[k]))
	}
	return strings.Join(parts, ",")
}

func runStatus(ctx context.Context, client Client, out io.Writer) error {
	status, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("daemon is not running or socket is inaccessible: %w", err)
	}
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	fmt.Fprintln(out, string(data))
	return nil
}

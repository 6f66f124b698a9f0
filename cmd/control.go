package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	suspendTimeout time.Duration
	flushRing      int
	flushReason    string
	flushOwner     int64
)

var suspendCmd = &cobra.Command{
	Use:   "suspend",
	Short: "Park the receive path",
	Long: `Suspend the dispatch workers and the refill worker. Pending coalesced
frames are delivered first; frames indicated while suspended are dropped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSuspend(cmd.Context(), GetClient(), cmd.OutOrStdout(), suspendTimeout)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a suspended receive path",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runResume(cmd.Context(), GetClient(), cmd.OutOrStdout())
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Flush coalesced frames, or drop everything queued for an owner",
	Example: `  wlanrx flush                 # flush every ring
  wlanrx flush --ring 2        # flush one ring
  wlanrx flush --owner 7       # drop all queued batches of owner 7`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := GetClient()
		if cmd.Flags().Changed("owner") {
			return runFlushOwner(cmd.Context(), client, cmd.OutOrStdout(), flushOwner)
		}
		var ring *int
		if cmd.Flags().Changed("ring") {
			ring = &flushRing
		}
		return runFlush(cmd.Context(), client, cmd.OutOrStdout(), ring, flushReason)
	},
}

var affinityCmd = &cobra.Command{
	Use:     "affinity CPUS",
	Short:   "Pin the dispatch workers to a CPU list",
	Example: "  wlanrx affinity 2,3\n  wlanrx affinity all",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cpus, err := parseCPUList(args[0])
		if err != nil {
			return err
		}
		return runAffinity(cmd.Context(), GetClient(), cmd.OutOrStdout(), cpus)
	},
}

func init() {
	suspendCmd.Flags().DurationVar(&suspendTimeout, "wait", 5*time.Second, "how long to wait for workers to park")
	flushCmd.Flags().IntVar(&flushRing, "ring", 0, "ring to flush (default every ring)")
	flushCmd.Flags().StringVar(&flushReason, "reason", "", "flush reason label (default low_throughput)")
	flushCmd.Flags().Int64Var(&flushOwner, "owner", 0, "drop queued batches of this owner instead of flushing")
}

func runSuspend(ctx context.Context, client Client, out io.Writer, wait time.Duration) error {
	if err := client.Suspend(ctx, wait); err != nil {
		return fmt.Errorf("failed to suspend: %w", err)
	}
	fmt.Fprintln(out, "✓ Receive path suspended")
	return nil
}

func runResume(ctx context.Context, client Client, out io.Writer) error {
	if err := client.Resume(ctx); err != nil {
		return fmt.Errorf("failed to resume: %w", err)
	}
	fmt.Fprintln(out, "✓ Receive path resumed")
	return nil
}

func runFlush(ctx context.Context, client Client, out io.Writer, ring *int, reason string) error {
	if err := client.Flush(ctx, ring, reason); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	if ring == nil {
		fmt.Fprintln(out, "✓ Flush requested on every ring")
	} else {
		fmt.Fprintf(out, "✓ Flush requested on ring %d\n", *ring)
	}
	return nil
}

func runFlushOwner(ctx context.Context, client Client, out io.Writer, owner int64) error {
	if owner < 0 || owner > 0xffffffff {
		return fmt.Errorf("owner %d out of range", owner)
	}
	n, err := client.FlushOwner(ctx, uint32(owner))
	if err != nil {
		return fmt.Errorf("failed to flush owner %d: %w", owner, err)
	}
	fmt.Fprintf(out, "✓ Dropped %d batch(es) of owner %d\n", n, owner)
	return nil
}

func runAffinity(ctx context.Context, client Client, out io.Writer, cpus []int) error {
	if err := client.SetAffinity(ctx, cpus); err != nil {
		return fmt.Errorf("failed to set affinity: %w", err)
	}
	if len(cpus) == 0 {
		fmt.Fprintln(out, "✓ Dispatch workers may run on every CPU")
	} else {
		fmt.Fprintf(out, "✓ Dispatch workers pinned to %v\n", cpus)
	}
	return nil
}

// parseCPUList accepts "all" or a comma separated list with ranges, e.g. "0,2-3".
func parseCPUList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "all" {
		return nil, nil
	}
	var cpus []int
	for _, part := range strings.Split(s, ",") {
		lo, hi, isRange := strings.Cut(strings.TrimSpace(part), "-")
		first, err := strconv.Atoi(lo)
		if err != nil || first < 0 {
			return nil, fmt.Errorf("invalid cpu %q", part)
		}
		last := first
		if isRange {
			if last, err = strconv.Atoi(hi); err != nil || last < first {
				return nil, fmt.Errorf("invalid cpu range %q", part)
			}
		}
		for c := first; c <= last; c++ {
			cpus = append(cpus, c)
		}
	}
	return cpus, nil
}

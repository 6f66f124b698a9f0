//go:build linux

package dispatch

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// setAffinity restricts the calling thread to cpus. An empty list allows
// every online CPU. The caller must have locked its OS thread.
func setAffinity(cpus []int) error {
	var set unix.CPUSet
	set.Zero()
	if len(cpus) == 0 {
		for i := 0; i < runtime.NumCPU(); i++ {
			set.Set(i)
		}
	}
	for _, c := range cpus {
		set.Set(c)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("sched_setaffinity %v: %w", cpus, err)
	}
	return nil
}

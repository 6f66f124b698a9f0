//go:build !linux

package dispatch

// setAffinity is a no-op where thread affinity is not supported.
func setAffinity([]int) error { return nil }

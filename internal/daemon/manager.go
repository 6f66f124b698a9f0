package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrNotRunning is returned when the PID file names no live process.
var ErrNotRunning = errors.New("daemon not running")

// ReadPID returns the process id recorded in pidFile.
func ReadPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotRunning
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s: %q", pidFile, data)
	}
	return pid, nil
}

// processAlive reports whether pid exists.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// SignalDaemon sends sig to the daemon recorded in pidFile.
func SignalDaemon(pidFile string, sig syscall.Signal) (int, error) {
	pid, err := ReadPID(pidFile)
	if err != nil {
		return 0, err
	}
	if !processAlive(pid) {
		return pid, ErrNotRunning
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return pid, fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}
	return pid, nil
}

// StopDaemon sends SIGTERM and waits up to timeout for the process to exit.
func StopDaemon(pidFile string, timeout time.Duration) error {
	pid, err := SignalDaemon(pidFile, syscall.SIGTERM)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for processAlive(pid) {
		if time.Now().After(deadline) {
			return fmt.Errorf("daemon pid %d still running after %s", pid, timeout)
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

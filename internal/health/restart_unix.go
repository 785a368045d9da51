//go:build unix

package health

import (
	"os"
	"syscall"

	"github.com/banshee-data/uwb.report/internal/monitoring"
)

// Restart replaces the running process with a fresh copy of itself. If the
// exec fails the process exits with StallExitCode so a supervisor such as
// systemd can restart it.
func Restart() {
	exe, err := os.Executable()
	if err == nil {
		monitoring.Logf("[Watchdog] restarting %s", exe)
		err = syscall.Exec(exe, os.Args, os.Environ())
	}
	monitoring.Logf("[Watchdog] re-exec failed: %v; exiting", err)
	os.Exit(StallExitCode)
}

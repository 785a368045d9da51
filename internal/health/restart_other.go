//go:build !unix

package health

import (
	"os"

	"github.com/banshee-data/uwb.report/internal/monitoring"
)

// Restart exits with StallExitCode; the service manager restarts the process.
func Restart() {
	monitoring.Logf("[Watchdog] exiting for restart")
	os.Exit(StallExitCode)
}

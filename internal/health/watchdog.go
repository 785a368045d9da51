package health

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/banshee-data/uwb.report/internal/monitoring"
	"github.com/banshee-data/uwb.report/internal/timeutil"
)

// ErrWatchdogStall means the control loop stopped completing cycles. It is
// fatal to the process.
var ErrWatchdogStall = errors.New("watchdog: control loop stalled")

// StallExitCode is the process exit status after a stall when the process
// cannot re-exec itself.
const StallExitCode = 3

// Watchdog fires once when Kick has not been called within the timeout.
type Watchdog struct {
	clock   timeutil.Clock
	timeout time.Duration
	last    atomic.Int64
	onStall func(error)
}

// NewWatchdog returns a watchdog armed from now. onStall runs on the
// watchdog goroutine.
func NewWatchdog(clock timeutil.Clock, timeout time.Duration, onStall func(error)) *Watchdog {
	w := &Watchdog{clock: clock, timeout: timeout, onStall: onStall}
	w.Kick()
	return w
}

// Kick records forward progress. Safe to call from any goroutine.
func (w *Watchdog) Kick() {
	w.last.Store(w.clock.Now().UnixNano())
}

// Idle returns the time since the last kick.
func (w *Watchdog) Idle() time.Duration {
	return w.clock.Since(time.Unix(0, w.last.Load()))
}

// Run checks for a stall every quarter timeout until ctx is cancelled or a
// stall is detected. It returns ErrWatchdogStall after calling onStall.
func (w *Watchdog) Run(ctx context.Context) error {
	interval := w.timeout / 4
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := w.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if idle := w.Idle(); idle > w.timeout {
				err := fmt.Errorf("%w: no cycle for %s (limit %s)", ErrWatchdogStall, idle.Round(time.Millisecond), w.timeout)
				monitoring.Logf("[Watchdog] %v", err)
				if w.onStall != nil {
					w.onStall(err)
				}
				return err
			}
		}
	}
}

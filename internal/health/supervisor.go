// Package health tracks anchor liveness and guards the control loop.
//
// The Supervisor and the Watchdog are independent. The Supervisor works per
// anchor from inside the control loop: it excludes anchors that stopped
// answering and revives them when they return. The Watchdog runs beside the
// loop and restarts the whole process when no cycle completes in time.
package health

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/uwb.report/internal/anchor"
	"github.com/banshee-data/uwb.report/internal/config"
	"github.com/banshee-data/uwb.report/internal/monitoring"
)

// ErrAnchorStale is reported for an anchor that has not completed an
// exchange within the stale timeout.
var ErrAnchorStale = errors.New("anchor stale")

// Beacon sends a best-effort reset notification to an anchor.
type Beacon interface {
	SendReset(anchorID int) error
}

// Resetter returns an anchor's distance estimate to its prior.
type Resetter interface {
	Reset(a *anchor.Anchor)
}

// Transition records an anchor being excluded or revived.
type Transition struct {
	AnchorID int       `json:"anchor_id"`
	At       time.Time `json:"at"`
	Usable   bool      `json:"usable"`
	Err      string    `json:"error,omitempty"`
}

// Supervisor decides which anchors the solver may use.
type Supervisor struct {
	reg     *anchor.Registry
	reset   Resetter
	beacon  Beacon
	timeout time.Duration
	enabled bool
	limiter *monitoring.RateLimiter

	staleCount   uint64
	reviveCount  uint64
	beaconErrors uint64
}

// NewSupervisor returns a supervisor over reg. beacon may be nil, in which
// case no reset notification is sent even when enabled in sys.
func NewSupervisor(sys *config.System, reg *anchor.Registry, reset Resetter, beacon Beacon) *Supervisor {
	return &Supervisor{
		reg:     reg,
		reset:   reset,
		beacon:  beacon,
		timeout: sys.AnchorStaleTimeout,
		enabled: sys.ResetBeacon,
		limiter: monitoring.NewRateLimiter(sys.LogRateLimit),
	}
}

// Success records a completed exchange for a. An anchor that was unusable
// is revived with its distance estimate restarted from the prior; the
// returned transition is non-nil in that case.
func (s *Supervisor) Success(a *anchor.Anchor, at time.Time) *Transition {
	a.LastSuccess = at
	a.RecordExchange()
	if a.Usable {
		return nil
	}
	a.Usable = true
	s.reset.Reset(a)
	s.reviveCount++
	monitoring.Logf("[Health] anchor %d revived", a.ID)
	return &Transition{AnchorID: a.ID, At: at, Usable: true}
}

// Failure records a timed out exchange for a.
func (s *Supervisor) Failure(a *anchor.Anchor, at time.Time) {
	a.RecordFailure()
	s.limiter.Logf(fmt.Sprintf("timeout-%d", a.ID),
		"[Health] anchor %d: no response (%d failures, last success %s ago)",
		a.ID, a.Counters.Failures, at.Sub(a.LastSuccess).Round(time.Millisecond))
}

// Sweep excludes every usable anchor whose last success is older than the
// stale timeout. Each one gets a reset beacon when enabled, and then its
// distance estimate is returned to the prior.
func (s *Supervisor) Sweep(now time.Time) []Transition {
	var out []Transition
	s.reg.Each(func(a *anchor.Anchor) {
		if !a.Usable || now.Sub(a.LastSuccess) <= s.timeout {
			return
		}
		a.Usable = false
		s.staleCount++
		tr := Transition{AnchorID: a.ID, At: now, Usable: false}

		err := fmt.Errorf("%w: anchor %d silent for %s", ErrAnchorStale, a.ID, now.Sub(a.LastSuccess).Round(time.Millisecond))
		monitoring.Logf("[Health] %v", err)

		if s.enabled && s.beacon != nil {
			if berr := s.beacon.SendReset(a.ID); berr != nil {
				s.beaconErrors++
				tr.Err = berr.Error()
				monitoring.Logf("[Health] reset beacon to anchor %d failed: %v", a.ID, berr)
			}
		}
		s.reset.Reset(a)
		out = append(out, tr)
	})
	return out
}

// Stats is a snapshot of supervisor counters.
type Stats struct {
	Stale        uint64 `json:"stale"`
	Revived      uint64 `json:"revived"`
	BeaconErrors uint64 `json:"beacon_errors"`
}

// Stats returns the supervisor counters.
func (s *Supervisor) Stats() Stats {
	return Stats{Stale: s.staleCount, Revived: s.reviveCount, BeaconErrors: s.beaconErrors}
}

// Package zone maps smoothed positions onto named circular zones and commits
// zone changes only after a minimum continuous dwell.
package zone

import (
	"time"

	"github.com/banshee-data/uwb.report/internal/config"
	"github.com/banshee-data/uwb.report/internal/geom"
)

// Outside is the index used when no zone contains the position.
const Outside = -1

// OutsideName is how Outside is reported in events and telemetry.
const OutsideName = "outside"

// Event is a committed zone transition.
type Event struct {
	From  string        `json:"from"`
	To    string        `json:"to"`
	At    time.Time     `json:"at"`
	Dwell time.Duration `json:"dwell"`
}

// State is the detector's hysteresis state.
type State struct {
	Committed      int
	Candidate      int
	HasCandidate   bool
	CandidateSince time.Time
}

// Detector applies first-match zone lookup with minimum-dwell hysteresis.
// It is not safe for concurrent use.
type Detector struct {
	zones []config.Zone
	state State
}

// NewDetector returns a detector over zones, in priority order. The subject
// starts outside all zones.
func NewDetector(zones []config.Zone) *Detector {
	return &Detector{
		zones: zones,
		state: State{Committed: Outside, Candidate: Outside},
	}
}

// Locate returns the index of the first zone containing p, or Outside.
func (d *Detector) Locate(p geom.Point) int {
	for i, z := range d.zones {
		if p.Dist(z.Center) <= z.Radius {
			return i
		}
	}
	return Outside
}

// Name returns the name of zone index i.
func (d *Detector) Name(i int) string {
	if i < 0 || i >= len(d.zones) {
		return OutsideName
	}
	return d.zones[i].Name
}

// dwellFor returns the dwell required to commit to target. Leaving a zone
// for the outside uses the dwell of the zone being left.
func (d *Detector) dwellFor(target int) time.Duration {
	if target == Outside {
		if d.state.Committed == Outside {
			return 0
		}
		return d.zones[d.state.Committed].MinDwell
	}
	return d.zones[target].MinDwell
}

// Observe feeds one smoothed position. It returns a committed transition and
// true when the best-matching zone has differed from the committed zone
// continuously for at least that zone's minimum dwell.
func (d *Detector) Observe(p geom.Point, at time.Time) (Event, bool) {
	best := d.Locate(p)
	s := &d.state

	if best == s.Committed {
		s.HasCandidate = false
		s.Candidate = Outside
		return Event{}, false
	}

	if !s.HasCandidate || s.Candidate != best {
		s.Candidate = best
		s.CandidateSince = at
		s.HasCandidate = true
	}

	elapsed := at.Sub(s.CandidateSince)
	if elapsed < d.dwellFor(best) {
		return Event{}, false
	}

	ev := Event{
		From:  d.Name(s.Committed),
		To:    d.Name(best),
		At:    at,
		Dwell: elapsed,
	}
	s.Committed = best
	s.HasCandidate = false
	s.Candidate = Outside
	return ev, true
}

// Current returns the committed zone name.
func (d *Detector) Current() string { return d.Name(d.state.Committed) }

// State returns a copy of the hysteresis state.
func (d *Detector) State() State { return d.state }

// Zones returns the zone table.
func (d *Detector) Zones() []config.Zone { return d.zones }

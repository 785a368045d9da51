// Package anchor owns the fixed set of ranging anchors and their mutable
// per-anchor state. Entries live in a fixed-size array indexed by slot; other
// components hold pointers into it and never copy an entry.
package anchor

import (
	"time"

	"github.com/banshee-data/uwb.report/internal/config"
	"github.com/banshee-data/uwb.report/internal/geom"
	"github.com/banshee-data/uwb.report/internal/kalman"
)

// Count is the number of anchors in the registry.
const Count = config.AnchorCount

// Counters are cumulative per-anchor exchange statistics. They survive
// restarts through the persistence layer.
type Counters struct {
	Exchanges  uint64 `json:"exchanges"`
	Failures   uint64 `json:"failures"`
	Rejections uint64 `json:"rejections"`
}

// Anchor is one registry entry.
type Anchor struct {
	ID       int
	Slot     int
	Position geom.Point

	// LastSuccess is the time of the last successful ranging exchange.
	LastSuccess time.Time
	// Usable gates whether the solver may use this anchor.
	Usable bool
	// Fresh is set when the distance estimate was updated in the current
	// cycle and cleared at the start of the next one.
	Fresh bool

	// Distance is the scalar distance estimate (value, variance).
	Distance *kalman.Filter

	LastRaw     float64
	LastQuality float64
	Resets      uint64

	Counters Counters
	// session counters, not persisted
	sessionExchanges uint64
	sessionFailures  uint64
}

// DistanceValue returns the smoothed distance in metres.
func (a *Anchor) DistanceValue() float64 { return a.Distance.X(0) }

// DistanceVariance returns the variance of the smoothed distance.
func (a *Anchor) DistanceVariance() float64 { return a.Distance.P(0, 0) }

// RecordExchange counts a successful exchange.
func (a *Anchor) RecordExchange() {
	a.Counters.Exchanges++
	a.sessionExchanges++
}

// RecordFailure counts a timed out exchange.
func (a *Anchor) RecordFailure() {
	a.Counters.Failures++
	a.sessionFailures++
}

// SuccessRate returns the fraction of exchanges in this process lifetime that
// produced a response, or 0 before any attempt.
func (a *Anchor) SuccessRate() float64 {
	total := a.sessionExchanges + a.sessionFailures
	if total == 0 {
		return 0
	}
	return float64(a.sessionExchanges) / float64(total)
}

// Registry is the fixed anchor table.
type Registry struct {
	sys     *config.System
	anchors [Count]Anchor
}

// NewRegistry builds the registry from the resolved system configuration.
// Every anchor starts usable with its distance estimate at the prior and its
// last success time set to startedAt, so the stale timeout counts from boot.
func NewRegistry(sys *config.System, startedAt time.Time) *Registry {
	r := &Registry{sys: sys}
	for i, a := range sys.Anchors {
		r.anchors[i] = Anchor{
			ID:          a.ID,
			Slot:        i,
			Position:    a.Position,
			LastSuccess: startedAt,
			Usable:      true,
			Distance:    kalman.New([]float64{0}, []float64{sys.DistancePrior}),
		}
	}
	return r
}

// System returns the configuration the registry was built from.
func (r *Registry) System() *config.System { return r.sys }

// At returns the anchor in slot i.
func (r *Registry) At(slot int) *Anchor { return &r.anchors[slot] }

// ByID looks an anchor up by identifier.
func (r *Registry) ByID(id int) (*Anchor, bool) {
	for i := range r.anchors {
		if r.anchors[i].ID == id {
			return &r.anchors[i], true
		}
	}
	return nil, false
}

// Each calls fn for every anchor in slot order.
func (r *Registry) Each(fn func(a *Anchor)) {
	for i := range r.anchors {
		fn(&r.anchors[i])
	}
}

// BeginCycle clears the per-cycle freshness flags.
func (r *Registry) BeginCycle() {
	for i := range r.anchors {
		r.anchors[i].Fresh = false
	}
}

// UsableCount returns how many anchors are currently usable.
func (r *Registry) UsableCount() int {
	n := 0
	for i := range r.anchors {
		if r.anchors[i].Usable {
			n++
		}
	}
	return n
}

// Counters returns the cumulative counters keyed by anchor ID.
func (r *Registry) Counters() map[int]Counters {
	out := make(map[int]Counters, Count)
	for i := range r.anchors {
		out[r.anchors[i].ID] = r.anchors[i].Counters
	}
	return out
}

// LoadCounters seeds cumulative counters from persisted values. IDs not in
// the registry are ignored and anchors missing from m stay at zero.
func (r *Registry) LoadCounters(m map[int]Counters) {
	for i := range r.anchors {
		if c, ok := m[r.anchors[i].ID]; ok {
			r.anchors[i].Counters = c
		}
	}
}

// Status is a read-only snapshot of one anchor for diagnostics.
type Status struct {
	ID          int        `json:"id"`
	Position    geom.Point `json:"position"`
	Usable      bool       `json:"usable"`
	Fresh       bool       `json:"fresh"`
	Distance    float64    `json:"distance"`
	Variance    float64    `json:"variance"`
	LastRaw     float64    `json:"last_raw"`
	LastQuality float64    `json:"last_quality"`
	LastSuccess time.Time  `json:"last_success"`
	Resets      uint64     `json:"resets"`
	SuccessRate float64    `json:"success_rate"`
	Counters
}

// Snapshot returns the status of every anchor in slot order.
func (r *Registry) Snapshot() []Status {
	out := make([]Status, 0, Count)
	for i := range r.anchors {
		a := &r.anchors[i]
		out = append(out, Status{
			ID:          a.ID,
			Position:    a.Position,
			Usable:      a.Usable,
			Fresh:       a.Fresh,
			Distance:    a.DistanceValue(),
			Variance:    a.DistanceVariance(),
			LastRaw:     a.LastRaw,
			LastQuality: a.LastQuality,
			LastSuccess: a.LastSuccess,
			Resets:      a.Resets,
			SuccessRate: a.SuccessRate(),
			Counters:    a.Counters,
		})
	}
	return out
}

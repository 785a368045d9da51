// Package replay re-runs recorded ranging logs through the localisation
// pipeline on a simulated clock, so a session can be re-tuned offline.
package replay

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/banshee-data/uwb.report/internal/config"
	"github.com/banshee-data/uwb.report/internal/geom"
	"github.com/banshee-data/uwb.report/internal/monitoring"
	"github.com/banshee-data/uwb.report/internal/pipeline"
	"github.com/banshee-data/uwb.report/internal/radio"
	"github.com/banshee-data/uwb.report/internal/telemetry"
	"github.com/banshee-data/uwb.report/internal/timeutil"
	"github.com/banshee-data/uwb.report/internal/zone"
)

// ErrNoCycles is returned when a log holds no rows for the tag.
var ErrNoCycles = errors.New("no ranging rows to replay")

// Cycle is the set of responses recorded during one TDMA cycle, keyed by
// anchor ID. An anchor missing from Rows did not answer.
type Cycle struct {
	Start time.Time
	Rows  map[int]telemetry.RangingRow
}

// Group splits rows into cycles of length cycle. A new cycle starts when a
// row falls outside the current one or repeats an anchor. Cycles with no
// responses at all are kept as empty entries so timing is preserved, up to
// maxGap: a longer silence becomes a single empty cycle and the grid
// restarts at the next row, as the scheduler does after an overrun. Rows
// for other tags are skipped and counted.
func Group(rows []telemetry.RangingRow, tagID int, cycle, maxGap time.Duration) ([]Cycle, int) {
	sorted := append([]telemetry.RangingRow(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].At.Before(sorted[j].At) })

	var (
		cycles  []Cycle
		skipped int
	)
	empty := func(start time.Time) {
		cycles = append(cycles, Cycle{Start: start, Rows: map[int]telemetry.RangingRow{}})
	}
	for _, row := range sorted {
		if row.TagID != tagID {
			skipped++
			continue
		}
		if len(cycles) == 0 {
			empty(row.At)
		}
		cur := cycles[len(cycles)-1]
		gap := row.At.Sub(cur.Start)
		n := int(gap / cycle)
		_, repeat := cur.Rows[row.AnchorID]
		switch {
		case maxGap > 0 && gap > maxGap:
			empty(cur.Start.Add(cycle))
			empty(row.At)
		case n >= 1:
			for k := 1; k <= n; k++ {
				empty(cur.Start.Add(time.Duration(k) * cycle))
			}
		case repeat:
			empty(row.At)
		}
		cycles[len(cycles)-1].Rows[row.AnchorID] = row
	}
	return cycles, skipped
}

// Replayer answers polls from recorded cycles. The scheduler polls every
// anchor once per cycle, so the poll count selects the cycle.
type Replayer struct {
	cycles   []Cycle
	perCycle int
	polls    int
}

// NewReplayer returns a Responder over cycles for a cycle of perCycle polls.
func NewReplayer(cycles []Cycle, perCycle int) *Replayer {
	return &Replayer{cycles: cycles, perCycle: perCycle}
}

// Respond implements radio.Responder. The recorded raw distance is replayed
// so the range filter and smoothers run again with the current tuning.
func (r *Replayer) Respond(p radio.Poll) (radio.Response, bool) {
	idx := r.polls / r.perCycle
	r.polls++
	if idx >= len(r.cycles) {
		return radio.Response{}, false
	}
	row, ok := r.cycles[idx].Rows[p.AnchorID]
	if !ok {
		return radio.Response{}, false
	}
	return radio.Response{Seq: p.Seq, AnchorID: p.AnchorID, Distance: row.Raw, Quality: row.Quality, RxAt: p.TxAt}, true
}

// Options configures a replay run.
type Options struct {
	SessionID string
	// Store, if set, receives positions, zone events and counters.
	Store pipeline.Store
	// Positions, if set, receives every valid record.
	Positions *telemetry.PositionWriter
}

// Result summarises a replay.
type Result struct {
	Cycles  int
	Skipped int
	Records int
	Valid   int
	Points  []geom.Point
	Events  []zone.Event
	Status  pipeline.Status
}

// Run replays rows through a fresh pipeline configured by sys.
func Run(ctx context.Context, sys *config.System, rows []telemetry.RangingRow, o Options) (*Result, error) {
	cycles, skipped := Group(rows, sys.TagID, sys.CycleLength, sys.AnchorStaleTimeout)
	if len(cycles) == 0 {
		return nil, ErrNoCycles
	}
	monitoring.Logf("[Replay] %d rows in %d cycles (%d skipped) from %s",
		len(rows)-skipped, len(cycles), skipped, cycles[0].Start.UTC().Format(time.RFC3339))

	pub := telemetry.NewPublisher(0)
	_, records := pub.Subscribe(len(cycles) + 1)

	clock := timeutil.NewAutoClock(cycles[0].Start)
	tr := radio.NewLoopback(NewReplayer(cycles, len(sys.SlotOrder)))
	eng := pipeline.New(sys, clock, tr, pipeline.Options{SessionID: o.SessionID, Store: o.Store, Publisher: pub})

	err := eng.RunCycles(ctx, len(cycles))
	eng.Flush()
	pub.Close()

	res := &Result{Cycles: len(cycles), Skipped: skipped}
	for rec := range records {
		res.Records++
		if !rec.Valid {
			continue
		}
		res.Valid++
		res.Points = append(res.Points, rec.Position)
		if o.Positions != nil {
			if werr := o.Positions.Write(rec); werr != nil {
				return nil, werr
			}
		}
	}
	if o.Positions != nil {
		if ferr := o.Positions.Flush(); ferr != nil {
			return nil, ferr
		}
	}
	res.Events = eng.Events(0)
	res.Status = eng.Status()
	return res, err
}

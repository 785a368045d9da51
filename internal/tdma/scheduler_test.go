package tdma

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/uwb.report/internal/config"
	"github.com/banshee-data/uwb.report/internal/geom"
	"github.com/banshee-data/uwb.report/internal/monitoring"
	"github.com/banshee-data/uwb.report/internal/radio"
	"github.com/banshee-data/uwb.report/internal/timeutil"
)

type recorder struct {
	slots  []Outcome
	cycles []time.Time
	onSlot func(o Outcome)
	onEnd  func(cycle uint64)
}

func (r *recorder) SlotComplete(o Outcome) {
	r.slots = append(r.slots, o)
	if r.onSlot != nil {
		r.onSlot(o)
	}
}

func (r *recorder) CycleComplete(cycle uint64, at time.Time) {
	r.cycles = append(r.cycles, at)
	if r.onEnd != nil {
		r.onEnd(cycle)
	}
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func quiet(t *testing.T) {
	t.Helper()
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })
}

func simulator(sys *config.System, outages ...radio.Outage) *radio.Simulator {
	cfg := radio.SimConfig{Waypoints: []geom.Point{{X: 20, Y: 10}}, Outages: outages}
	return radio.NewSimulator(sys, cfg, t0)
}

func TestCycleVisitsSlotsOnFixedBoundaries(t *testing.T) {
	sys := config.DefaultSystem()
	clock := timeutil.NewAutoClock(t0)
	lb := radio.NewLoopback(simulator(sys))
	rec := &recorder{}
	s := New(sys, clock, lb, rec)

	require.NoError(t, s.RunCycle(context.Background()))

	require.Len(t, rec.slots, 5)
	for i, o := range rec.slots {
		assert.Equal(t, sys.Anchors[i].ID, o.AnchorID)
		assert.Equal(t, t0.Add(time.Duration(i)*sys.SlotWidth), o.Start)
		require.NotNil(t, o.Response)
		assert.Equal(t, o.Seq, o.Response.Seq)
		assert.NoError(t, o.Err)
	}
	polls := lb.Polls()
	require.Len(t, polls, 5)
	for i, p := range polls {
		assert.Equal(t, rec.slots[i].Start, p.TxAt)
	}

	require.Len(t, rec.cycles, 1)
	assert.Equal(t, t0.Add(4*sys.SlotWidth), rec.cycles[0])
	assert.Equal(t, t0.Add(sys.CycleLength), clock.Now())
	assert.Equal(t, Stats{Cycles: 1, Exchanges: 5}, s.Stats())
}

func TestSlotOrderFollowsConfiguration(t *testing.T) {
	cfg := config.EmptyTuningConfig()
	cfg.SlotOrder = []int{50, 40, 30, 20, 10}
	sys, err := cfg.Resolve()
	require.NoError(t, err)

	rec := &recorder{}
	s := New(sys, timeutil.NewAutoClock(t0), radio.NewLoopback(simulator(sys)), rec)
	require.NoError(t, s.RunCycle(context.Background()))

	var got []int
	for _, o := range rec.slots {
		got = append(got, o.AnchorID)
	}
	assert.Equal(t, []int{50, 40, 30, 20, 10}, got)
}

func TestSilentAnchorTimesOutWithoutShiftingLaterSlots(t *testing.T) {
	sys := config.DefaultSystem()
	clock := timeutil.NewAutoClock(t0)
	lb := radio.NewLoopback(simulator(sys, radio.Outage{AnchorID: 20, From: 0, To: time.Hour}))
	rec := &recorder{}
	s := New(sys, clock, lb, rec)

	require.NoError(t, s.RunCycle(context.Background()))

	require.Len(t, rec.slots, 5)
	silent := rec.slots[1]
	assert.Equal(t, 20, silent.AnchorID)
	assert.Nil(t, silent.Response)
	assert.ErrorIs(t, silent.Err, ErrExchangeTimeout)

	assert.Equal(t, t0.Add(2*sys.SlotWidth), rec.slots[2].Start)
	assert.Equal(t, t0.Add(2*sys.SlotWidth), lb.Polls()[2].TxAt)
	assert.Equal(t, uint64(1), s.Stats().Timeouts)
	assert.Equal(t, uint64(4), s.Stats().Exchanges)
}

// staleResponder answers every poll with the previous sequence number.
type staleResponder struct{ sim *radio.Simulator }

func (r staleResponder) Respond(p radio.Poll) (radio.Response, bool) {
	resp, ok := r.sim.Respond(p)
	resp.Seq--
	return resp, ok
}

func TestStaleResponsesAreDiscarded(t *testing.T) {
	sys := config.DefaultSystem()
	lb := radio.NewLoopback(staleResponder{simulator(sys)})
	rec := &recorder{}
	s := New(sys, timeutil.NewAutoClock(t0), lb, rec)

	require.NoError(t, s.RunCycle(context.Background()))

	for _, o := range rec.slots {
		assert.Nil(t, o.Response)
		assert.ErrorIs(t, o.Err, ErrExchangeTimeout)
	}
	assert.Equal(t, uint64(5), s.Stats().Stale)
	assert.Equal(t, uint64(5), s.Stats().Timeouts)
}

type failingRadio struct {
	*radio.Loopback
	err error
}

func (f failingRadio) Poll(radio.Poll) error { return f.err }

func TestPollErrorIsReportedPerSlot(t *testing.T) {
	sys := config.DefaultSystem()
	boom := errors.New("port gone")
	tr := failingRadio{Loopback: radio.NewLoopback(simulator(sys)), err: boom}
	rec := &recorder{}
	s := New(sys, timeutil.NewAutoClock(t0), tr, rec)

	require.NoError(t, s.RunCycle(context.Background()))

	require.Len(t, rec.slots, 5)
	for _, o := range rec.slots {
		assert.ErrorIs(t, o.Err, boom)
		assert.NotErrorIs(t, o.Err, ErrExchangeTimeout)
	}
	assert.Equal(t, uint64(5), s.Stats().PollErrors)
}

func TestRunStopsOnCancel(t *testing.T) {
	sys := config.DefaultSystem()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{onEnd: func(cycle uint64) {
		if cycle == 3 {
			cancel()
		}
	}}
	s := New(sys, timeutil.NewAutoClock(t0), radio.NewLoopback(simulator(sys)), rec)

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, rec.cycles, 3)
	assert.Equal(t, uint64(3), s.Stats().Cycles)
}

func TestOverrunResyncsCycleGrid(t *testing.T) {
	quiet(t)
	sys := config.DefaultSystem()
	clock := timeutil.NewAutoClock(t0)
	rec := &recorder{}
	rec.onEnd = func(cycle uint64) {
		if cycle == 1 {
			clock.Set(clock.Now().Add(2 * time.Second))
		}
	}
	s := New(sys, clock, radio.NewLoopback(simulator(sys)), rec)

	require.NoError(t, s.RunCycle(context.Background()))
	resumed := clock.Now()
	require.NoError(t, s.RunCycle(context.Background()))

	assert.Equal(t, uint64(1), s.Stats().Overruns)
	require.Len(t, rec.slots, 10)
	assert.Equal(t, resumed, rec.slots[5].Start)
	assert.Equal(t, resumed.Add(sys.SlotWidth), rec.slots[6].Start)
}

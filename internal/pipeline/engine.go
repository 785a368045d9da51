// Package pipeline wires the localisation stages behind the TDMA scheduler:
// range filter, distance smoother, solver, position smoother and zone
// detector, with the health supervisor gating solver input. All stage state
// is touched only from the scheduler's callbacks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/uwb.report/internal/anchor"
	"github.com/banshee-data/uwb.report/internal/config"
	"github.com/banshee-data/uwb.report/internal/health"
	"github.com/banshee-data/uwb.report/internal/monitoring"
	"github.com/banshee-data/uwb.report/internal/multilat"
	"github.com/banshee-data/uwb.report/internal/radio"
	"github.com/banshee-data/uwb.report/internal/ranging"
	"github.com/banshee-data/uwb.report/internal/tdma"
	"github.com/banshee-data/uwb.report/internal/telemetry"
	"github.com/banshee-data/uwb.report/internal/timeutil"
	"github.com/banshee-data/uwb.report/internal/track"
	"github.com/banshee-data/uwb.report/internal/zone"
)

const (
	trailLength  = 600
	eventHistory = 100
)

// Store persists pipeline output. Errors are logged and counted; they never
// stop the control loop.
type Store interface {
	SaveCounters(ctx context.Context, counters map[int]anchor.Counters) error
	InsertZoneEvent(ctx context.Context, sessionID string, ev zone.Event) error
	InsertPosition(ctx context.Context, sessionID string, r telemetry.Record) error
}

// Options carries the optional collaborators of an Engine.
type Options struct {
	SessionID string
	Store     Store
	Publisher *telemetry.Publisher
	Ranging   *telemetry.RangingWriter
	Watchdog  *health.Watchdog
}

// SolverStats counts solver outcomes.
type SolverStats struct {
	Fixes        uint64 `json:"fixes"`
	Insufficient uint64 `json:"insufficient"`
	Degenerate   uint64 `json:"degenerate"`
}

// BoundsStats counts valid positions inside and outside the site bounds.
type BoundsStats struct {
	Inside  uint64 `json:"inside"`
	Outside uint64 `json:"outside"`
}

// Status is a consistent copy of the engine state for readers outside the
// control loop.
type Status struct {
	Record        telemetry.Record    `json:"record"`
	Cycle         uint64              `json:"cycle"`
	Scheduler     tdma.Stats          `json:"scheduler"`
	Filter        ranging.FilterStats `json:"filter"`
	Track         track.Stats         `json:"track"`
	Health        health.Stats        `json:"health"`
	Solver        SolverStats         `json:"solver"`
	Bounds        BoundsStats         `json:"bounds"`
	Anchors       []anchor.Status     `json:"anchors"`
	ZoneCandidate string              `json:"zone_candidate,omitempty"`
	PersistErrors uint64              `json:"persist_errors"`
}

// TrailPoint is one entry of the recent position history.
type TrailPoint struct {
	At    time.Time `json:"at"`
	X     float64   `json:"x"`
	Y     float64   `json:"y"`
	Speed float64   `json:"speed"`
}

// Engine runs the localisation pipeline.
type Engine struct {
	sys   *config.System
	clock timeutil.Clock
	opts  Options

	reg    *anchor.Registry
	filter *ranging.Filter
	dist   *ranging.Smoother
	solver *multilat.Solver
	track  *track.Smoother
	zones  *zone.Detector
	sup    *health.Supervisor
	sched  *tdma.Scheduler

	limiter *monitoring.RateLimiter
	ctx     context.Context
	obs     []multilat.Observation

	seq           uint64
	solverStats   SolverStats
	bounds        BoundsStats
	persistErrors uint64
	lastReport    time.Time
	lastFlush     time.Time
	qualitySum    [anchor.Count]float64
	qualityN      [anchor.Count]int

	mu     sync.RWMutex
	status Status
	trail  []TrailPoint
	events []zone.Event
}

// New builds an engine driven by tr. The anchor registry starts at the
// clock's current time.
func New(sys *config.System, clock timeutil.Clock, tr radio.Transceiver, opts Options) *Engine {
	now := clock.Now()
	e := &Engine{
		sys:        sys,
		clock:      clock,
		opts:       opts,
		reg:        anchor.NewRegistry(sys, now),
		filter:     ranging.NewFilter(sys),
		dist:       ranging.NewSmoother(sys),
		solver:     multilat.NewSolver(sys.SolverMaxCond),
		track:      track.NewSmoother(sys),
		zones:      zone.NewDetector(sys.Zones),
		limiter:    monitoring.NewRateLimiter(sys.LogRateLimit),
		ctx:        context.Background(),
		obs:        make([]multilat.Observation, 0, anchor.Count),
		lastReport: now,
		lastFlush:  now,
	}
	e.limiter.SetNow(clock.Now)
	e.sup = health.NewSupervisor(sys, e.reg, e.dist, tr)
	e.sched = tdma.New(sys, clock, tr, e)
	e.status = Status{Record: telemetry.Record{
		SessionID: opts.SessionID, TagID: sys.TagID, Zone: zone.OutsideName, SolverStatus: telemetry.SolverIdle,
	}}
	return e
}

// Registry returns the anchor registry. Only touch it before Run or from
// the control loop.
func (e *Engine) Registry() *anchor.Registry { return e.reg }

// System returns the configuration the engine runs with.
func (e *Engine) System() *config.System { return e.sys }

// SessionID returns the session identifier stamped on records.
func (e *Engine) SessionID() string { return e.opts.SessionID }

// Run drives the scheduler until ctx is done, then flushes counters and the
// ranging log.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx
	monitoring.Logf("[Pipeline] session %s started: profile=%s tag=%d anchors=%d zones=%d",
		e.opts.SessionID, e.sys.Profile, e.sys.TagID, anchor.Count, len(e.sys.Zones))
	err := e.sched.Run(ctx)

	e.ctx = context.Background()
	e.Flush()
	if e.opts.Ranging != nil {
		if ferr := e.opts.Ranging.Flush(); ferr != nil {
			monitoring.Logf("[Pipeline] ranging log flush failed: %v", ferr)
		}
	}
	return err
}

// RunCycles runs n cycles and returns. It is used for offline runs.
func (e *Engine) RunCycles(ctx context.Context, n int) error {
	e.ctx = ctx
	for i := 0; i < n; i++ {
		if err := e.sched.RunCycle(ctx); err != nil {
			return err
		}
	}
	return nil
}

// SlotComplete implements tdma.Handler.
func (e *Engine) SlotComplete(o tdma.Outcome) {
	a := e.reg.At(o.Slot)
	now := e.clock.Now()

	if o.Err != nil {
		if !errors.Is(o.Err, tdma.ErrExchangeTimeout) {
			e.limiter.Logf(fmt.Sprintf("poll-%d", a.ID), "[Radio] %v", o.Err)
		}
		e.sup.Failure(a, now)
		return
	}

	resp := o.Response
	if tr := e.sup.Success(a, now); tr != nil {
		monitoring.Logf("[Pipeline] anchor %d back in service", tr.AnchorID)
	}
	e.qualitySum[o.Slot] += resp.Quality
	e.qualityN[o.Slot]++

	s := ranging.Sample{AnchorID: a.ID, Distance: resp.Distance, Quality: resp.Quality, At: now}
	status := 1
	if err := e.filter.Accept(a, s); err != nil {
		status = 0
		e.limiter.Logf(fmt.Sprintf("reject-%d", a.ID), "[Ranging] anchor %d: %v", a.ID, err)
	} else if err := e.dist.Observe(a, s.Distance); err != nil {
		status = 0
		e.limiter.Logf(fmt.Sprintf("smooth-%d", a.ID), "[Ranging] anchor %d: estimator: %v", a.ID, err)
	}

	if e.opts.Ranging != nil {
		err := e.opts.Ranging.Write(telemetry.RangingRow{
			TagID:    e.sys.TagID,
			At:       now,
			AnchorID: a.ID,
			Raw:      resp.Distance,
			Filtered: a.DistanceValue(),
			Quality:  resp.Quality,
			Status:   status,
		})
		if err != nil {
			e.limiter.Logf("ranging-log", "[Pipeline] ranging log write failed: %v", err)
		}
	}
}

// CycleComplete implements tdma.Handler.
func (e *Engine) CycleComplete(cycle uint64, at time.Time) {
	e.reg.Each(func(a *anchor.Anchor) {
		if a.Fresh {
			return
		}
		if err := e.dist.Coast(a); err != nil {
			e.limiter.Logf(fmt.Sprintf("coast-%d", a.ID), "[Ranging] anchor %d: predict: %v", a.ID, err)
		}
	})
	for _, tr := range e.sup.Sweep(at) {
		monitoring.Logf("[Pipeline] anchor %d excluded from solving", tr.AnchorID)
	}

	e.obs = multilat.Observations(e.reg, e.obs[:0])
	var fix *multilat.Fix
	solverStatus := telemetry.SolverOK
	f, err := e.solver.Solve(e.obs)
	switch {
	case err == nil:
		fix = &f
		e.solverStats.Fixes++
	case errors.Is(err, multilat.ErrInsufficientAnchors):
		solverStatus = telemetry.SolverInsufficient
		e.solverStats.Insufficient++
		e.limiter.Logf("insufficient", "[Solver] %v", err)
	default:
		solverStatus = telemetry.SolverDegenerate
		e.solverStats.Degenerate++
		e.limiter.Logf("degenerate", "[Solver] %v", err)
	}

	est, err := e.track.Step(at, fix)
	if err != nil {
		e.limiter.Logf("velocity", "[Track] %v", err)
	}

	inBounds := false
	if est.Valid {
		if ev, ok := e.zones.Observe(est.Position, at); ok {
			e.zoneChanged(ev)
		}
		if inBounds = e.sys.Bounds.Contains(est.Position); inBounds {
			e.bounds.Inside++
		} else {
			e.bounds.Outside++
		}
	}

	e.seq++
	rec := e.record(at, est, fix, solverStatus, inBounds)
	if e.opts.Publisher != nil {
		e.opts.Publisher.Publish(rec)
	}
	if e.opts.Store != nil && est.Valid {
		e.persist(e.opts.Store.InsertPosition(e.ctx, e.opts.SessionID, rec))
	}
	if e.opts.Watchdog != nil {
		e.opts.Watchdog.Kick()
	}

	if at.Sub(e.lastReport) >= e.sys.StatsEvery {
		e.lastReport = at
		e.report(cycle)
	}
	if at.Sub(e.lastFlush) >= e.sys.FlushEvery {
		e.lastFlush = at
		e.Flush()
	}

	e.publishStatus(cycle, rec)
	e.reg.BeginCycle()
}

func (e *Engine) zoneChanged(ev zone.Event) {
	monitoring.Logf("[Zone] %s -> %s after %s", ev.From, ev.To, ev.Dwell.Round(time.Millisecond))
	e.mu.Lock()
	e.events = append(e.events, ev)
	if len(e.events) > eventHistory {
		e.events = e.events[len(e.events)-eventHistory:]
	}
	e.mu.Unlock()
	if e.opts.Store != nil {
		e.persist(e.opts.Store.InsertZoneEvent(e.ctx, e.opts.SessionID, ev))
	}
}

func (e *Engine) persist(err error) {
	if err == nil {
		return
	}
	e.persistErrors++
	e.limiter.Logf("persist", "[DB] %v", err)
}

// Flush writes the cumulative anchor counters to the store.
func (e *Engine) Flush() {
	if e.opts.Store == nil {
		return
	}
	e.persist(e.opts.Store.SaveCounters(e.ctx, e.reg.Counters()))
}

func (e *Engine) record(at time.Time, est track.Estimate, fix *multilat.Fix, solverStatus string, inBounds bool) telemetry.Record {
	rec := telemetry.Record{
		SessionID:    e.opts.SessionID,
		TagID:        e.sys.TagID,
		Sequence:     e.seq,
		Timestamp:    at,
		Valid:        est.Valid,
		Position:     est.Position,
		Velocity:     est.Velocity,
		Speed:        est.Speed,
		PositionStd:  est.PositionStd,
		Zone:         e.zones.Current(),
		SolverStatus: solverStatus,
		InBounds:     inBounds,
		Anchors:      make([]telemetry.AnchorRecord, 0, anchor.Count),
	}
	if fix != nil {
		rec.AnchorsUsed = fix.AnchorsUsed
		rec.Residual = fix.Residual
	}
	e.reg.Each(func(a *anchor.Anchor) {
		rec.Anchors = append(rec.Anchors, telemetry.AnchorRecord{
			ID:          a.ID,
			Usable:      a.Usable,
			Fresh:       a.Fresh,
			Distance:    a.DistanceValue(),
			Variance:    a.DistanceVariance(),
			LastRaw:     a.LastRaw,
			LastQuality: a.LastQuality,
			LastSeen:    a.LastSuccess,
			Exchanges:   a.Counters.Exchanges,
			Failures:    a.Counters.Failures,
			Rejections:  a.Counters.Rejections,
		})
	})
	return rec
}

func (e *Engine) report(cycle uint64) {
	st := e.sched.Stats()
	monitoring.Logf("[Stats] cycle=%d fixes=%d insufficient=%d degenerate=%d timeouts=%d stale=%d zone=%s in_bounds=%d out_of_bounds=%d",
		cycle, e.solverStats.Fixes, e.solverStats.Insufficient, e.solverStats.Degenerate,
		st.Timeouts, st.Stale, e.zones.Current(), e.bounds.Inside, e.bounds.Outside)
	e.reg.Each(func(a *anchor.Anchor) {
		mean := 0.0
		if n := e.qualityN[a.Slot]; n > 0 {
			mean = e.qualitySum[a.Slot] / float64(n)
		}
		monitoring.Logf("[Stats] anchor %d: usable=%t success=%.1f%% quality=%.1fdBm distance=%.2fm rejections=%d resets=%d",
			a.ID, a.Usable, 100*a.SuccessRate(), mean, a.DistanceValue(), a.Counters.Rejections, a.Resets)
		e.qualitySum[a.Slot], e.qualityN[a.Slot] = 0, 0
	})
}

func (e *Engine) publishStatus(cycle uint64, rec telemetry.Record) {
	st := Status{
		Record:        rec,
		Cycle:         cycle,
		Scheduler:     e.sched.Stats(),
		Filter:        e.filter.Stats(),
		Track:         e.track.Stats(),
		Health:        e.sup.Stats(),
		Solver:        e.solverStats,
		Bounds:        e.bounds,
		Anchors:       e.reg.Snapshot(),
		PersistErrors: e.persistErrors,
	}
	if zs := e.zones.State(); zs.HasCandidate {
		st.ZoneCandidate = e.zones.Name(zs.Candidate)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = st
	if rec.Valid {
		e.trail = append(e.trail, TrailPoint{At: rec.Timestamp, X: rec.Position.X, Y: rec.Position.Y, Speed: rec.Speed})
		if len(e.trail) > trailLength {
			e.trail = e.trail[len(e.trail)-trailLength:]
		}
	}
}

// Status returns the state after the last completed cycle.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Trail returns up to the last limit valid positions, oldest first. A
// non-positive limit returns all of them.
func (e *Engine) Trail(limit int) []TrailPoint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t := e.trail
	if limit > 0 && len(t) > limit {
		t = t[len(t)-limit:]
	}
	return append([]TrailPoint(nil), t...)
}

// Events returns up to the last limit zone events, oldest first.
func (e *Engine) Events(limit int) []zone.Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ev := e.events
	if limit > 0 && len(ev) > limit {
		ev = ev[len(ev)-limit:]
	}
	return append([]zone.Event(nil), ev...)
}

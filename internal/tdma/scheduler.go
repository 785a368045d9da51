// Package tdma drives the ranging cycle. Each cycle is split into fixed-width
// slots, one per anchor in configuration order; the owning anchor is polled
// at the start of its slot and given a bounded wait to answer.
//
// The scheduler is the only clock in the pipeline. Downstream stages run
// synchronously from its SlotComplete and CycleComplete callbacks.
package tdma

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/uwb.report/internal/config"
	"github.com/banshee-data/uwb.report/internal/monitoring"
	"github.com/banshee-data/uwb.report/internal/radio"
	"github.com/banshee-data/uwb.report/internal/timeutil"
)

// ErrExchangeTimeout marks a slot whose anchor did not answer in time.
var ErrExchangeTimeout = errors.New("exchange timeout")

// Outcome is the result of one slot.
type Outcome struct {
	Cycle    uint64
	Slot     int
	AnchorID int
	Seq      uint32
	// Start is the planned slot start.
	Start time.Time
	// Response is nil when Err is set.
	Response *radio.Response
	// Err wraps ErrExchangeTimeout, or carries the error from sending the
	// poll.
	Err error
}

// Handler receives scheduler events on the control loop goroutine.
type Handler interface {
	SlotComplete(o Outcome)
	CycleComplete(cycle uint64, at time.Time)
}

// Stats counts scheduler activity.
type Stats struct {
	Cycles     uint64 `json:"cycles"`
	Exchanges  uint64 `json:"exchanges"`
	Timeouts   uint64 `json:"timeouts"`
	PollErrors uint64 `json:"poll_errors"`
	Stale      uint64 `json:"stale_responses"`
	Overruns   uint64 `json:"overruns"`
}

// Scheduler runs the TDMA cycle.
type Scheduler struct {
	sys     *config.System
	clock   timeutil.Clock
	radio   radio.Transceiver
	handler Handler
	limiter *monitoring.RateLimiter

	seq   uint32
	cycle uint64
	next  time.Time
	stats Stats
}

// New returns a scheduler. It does not start until Run or RunCycle.
func New(sys *config.System, clock timeutil.Clock, tr radio.Transceiver, h Handler) *Scheduler {
	return &Scheduler{
		sys:     sys,
		clock:   clock,
		radio:   tr,
		handler: h,
		limiter: monitoring.NewRateLimiter(sys.LogRateLimit),
	}
}

// Run repeats RunCycle until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := s.RunCycle(ctx); err != nil {
			return err
		}
	}
}

// RunCycle runs one full cycle. Slot boundaries are fixed relative to the
// cycle start; a slow or failed exchange never moves a later slot. It
// returns only ctx errors.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	now := s.clock.Now()
	if s.next.IsZero() {
		s.next = now
	}
	if now.Sub(s.next) > s.sys.SlotWidth {
		// Lost more than a slot: restart the cycle grid from now.
		s.stats.Overruns++
		s.limiter.Logf("overrun", "[TDMA] cycle %d started %s late; resyncing", s.cycle, now.Sub(s.next))
		s.next = now
	}
	cycleStart := s.next
	s.next = cycleStart.Add(s.sys.CycleLength)
	s.cycle++

	for i, slot := range s.sys.SlotOrder {
		start := cycleStart.Add(time.Duration(i) * s.sys.SlotWidth)
		if err := s.waitUntil(ctx, start); err != nil {
			return err
		}
		o, err := s.exchange(ctx, slot, start)
		if err != nil {
			return err
		}
		s.handler.SlotComplete(o)
	}

	s.stats.Cycles++
	s.handler.CycleComplete(s.cycle, s.clock.Now())
	return s.waitUntil(ctx, s.next)
}

func (s *Scheduler) waitUntil(ctx context.Context, t time.Time) error {
	d := t.Sub(s.clock.Now())
	if d <= 0 {
		return ctx.Err()
	}
	timer := s.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}

func (s *Scheduler) exchange(ctx context.Context, slot int, start time.Time) (Outcome, error) {
	anchorID := s.sys.Anchors[slot].ID
	box := s.radio.Mailbox()

	// Anything still queued answers an earlier poll.
	if n := box.Drain(); n > 0 {
		s.stats.Stale += uint64(n)
	}

	s.seq++
	o := Outcome{Cycle: s.cycle, Slot: slot, AnchorID: anchorID, Seq: s.seq, Start: start}
	poll := radio.Poll{Seq: s.seq, AnchorID: anchorID, TxAt: s.clock.Now()}
	if err := s.radio.Poll(poll); err != nil {
		s.stats.PollErrors++
		o.Err = err
		return o, nil
	}

	match := func(r radio.Response) bool {
		if r.AnchorID == anchorID && r.Seq == poll.Seq {
			return true
		}
		s.stats.Stale++
		return false
	}

	// A response may already be queued; take it before arming the timer.
	for {
		r, ok := box.TryReceive()
		if !ok {
			break
		}
		if match(r) {
			s.stats.Exchanges++
			o.Response = &r
			return o, nil
		}
	}

	timer := s.clock.NewTimer(s.sys.ExchangeDeadline())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return o, ctx.Err()
		case r := <-box.C():
			if match(r) {
				s.stats.Exchanges++
				o.Response = &r
				return o, nil
			}
		case <-timer.C():
			s.stats.Timeouts++
			o.Err = fmt.Errorf("%w: anchor %d seq %d after %s", ErrExchangeTimeout, anchorID, poll.Seq, s.sys.ExchangeDeadline())
			return o, nil
		}
	}
}

// Stats returns the scheduler counters.
func (s *Scheduler) Stats() Stats { return s.stats }

// Cycle returns the number of the current or last cycle.
func (s *Scheduler) Cycle() uint64 { return s.cycle }

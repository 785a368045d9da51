// Package ranging turns raw per-anchor distance samples into smoothed
// distance estimates. Filter gates implausible samples; Smoother runs one
// scalar estimator per anchor.
package ranging

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/uwb.report/internal/anchor"
	"github.com/banshee-data/uwb.report/internal/config"
)

// Sample is one raw ranging measurement handed over by the radio.
type Sample struct {
	AnchorID int
	Distance float64 // metres
	Quality  float64 // signal power, dBm
	At       time.Time
}

// Reason says why a sample was rejected.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonOutOfRange
	ReasonWeakSignal
)

func (r Reason) String() string {
	switch r {
	case ReasonOutOfRange:
		return "out_of_range"
	case ReasonWeakSignal:
		return "weak_signal"
	}
	return "none"
}

// ErrInvalidSample is wrapped by every rejection.
var ErrInvalidSample = errors.New("invalid range sample")

// RejectError carries the rejection reason.
type RejectError struct {
	Reason Reason
	Sample Sample
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("anchor %d: %s (distance=%.3fm quality=%.1fdBm)",
		e.Sample.AnchorID, e.Reason, e.Sample.Distance, e.Sample.Quality)
}

func (e *RejectError) Unwrap() error { return ErrInvalidSample }

// FilterStats counts filter outcomes since startup.
type FilterStats struct {
	Accepted   uint64 `json:"accepted"`
	OutOfRange uint64 `json:"out_of_range"`
	WeakSignal uint64 `json:"weak_signal"`
}

// Filter rejects samples outside [MinRange, MaxRange] or below the minimum
// signal quality.
type Filter struct {
	enabled    bool
	minRange   float64
	maxRange   float64
	minQuality float64
	stats      FilterStats
}

// NewFilter builds a filter from the system configuration.
func NewFilter(sys *config.System) *Filter {
	return &Filter{
		enabled:    sys.RangeFilter,
		minRange:   sys.MinRange,
		maxRange:   sys.MaxRange,
		minQuality: sys.MinSignalQuality,
	}
}

// Check classifies s without touching any state.
func (f *Filter) Check(s Sample) Reason {
	if math.IsNaN(s.Distance) || math.IsInf(s.Distance, 0) {
		return ReasonOutOfRange
	}
	if !f.enabled {
		return ReasonNone
	}
	if s.Distance < f.minRange || s.Distance > f.maxRange {
		return ReasonOutOfRange
	}
	if s.Quality < f.minQuality {
		return ReasonWeakSignal
	}
	return ReasonNone
}

// Accept checks s for anchor a. A rejected sample is counted on the anchor
// and in the filter stats and returned as a *RejectError; an accepted sample
// is left unchanged for the smoother.
func (f *Filter) Accept(a *anchor.Anchor, s Sample) error {
	a.LastRaw = s.Distance
	a.LastQuality = s.Quality

	reason := f.Check(s)
	switch reason {
	case ReasonNone:
		f.stats.Accepted++
		return nil
	case ReasonOutOfRange:
		f.stats.OutOfRange++
	case ReasonWeakSignal:
		f.stats.WeakSignal++
	}
	a.Counters.Rejections++
	return &RejectError{Reason: reason, Sample: s}
}

// Stats returns the filter counters.
func (f *Filter) Stats() FilterStats { return f.stats }

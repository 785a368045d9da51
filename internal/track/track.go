// Package track smooths solver fixes into a continuous position and velocity
// estimate with a 2D constant-velocity Kalman filter.
package track

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/uwb.report/internal/config"
	"github.com/banshee-data/uwb.report/internal/geom"
	"github.com/banshee-data/uwb.report/internal/kalman"
	"github.com/banshee-data/uwb.report/internal/multilat"
)

// ErrImplausibleVelocity reports that the velocity state exceeded the
// maximum plausible speed and was clamped. The estimate returned alongside
// it is valid.
var ErrImplausibleVelocity = errors.New("implausible velocity")

// Estimate is the smoothed state at one instant.
type Estimate struct {
	At       time.Time  `json:"at"`
	Valid    bool       `json:"valid"`
	Position geom.Point `json:"position"`
	Velocity geom.Point `json:"velocity"`
	Speed    float64    `json:"speed"`
	// PositionStd is the RMS of the x and y standard deviations.
	PositionStd float64 `json:"position_std"`
	Updated     bool    `json:"updated"`
	Clamped     bool    `json:"clamped"`
}

// Stats counts smoother steps since startup.
type Stats struct {
	Updates     uint64 `json:"updates"`
	PredictOnly uint64 `json:"predict_only"`
	Clamps      uint64 `json:"clamps"`
	Rejected    uint64 `json:"rejected"`
}

// Smoother is the position/velocity estimator. The zero state is "position
// unknown"; the first fix initialises it.
type Smoother struct {
	sys         *config.System
	f           *kalman.Filter
	last        time.Time
	initialised bool
	// InflateByResidual adds the solver residual² to the observation noise.
	InflateByResidual bool
	stats             Stats
}

// NewSmoother returns a smoother configured from sys.
func NewSmoother(sys *config.System) *Smoother {
	s := &Smoother{sys: sys, InflateByResidual: true}
	s.f = kalman.New(make([]float64, 4), s.prior())
	return s
}

func (s *Smoother) prior() []float64 {
	return []float64{s.sys.PositionPrior, s.sys.PositionPrior, s.sys.VelocityPrior, s.sys.VelocityPrior}
}

// Step advances the filter to now. With a fix it predicts then updates;
// with fix == nil it predicts only. Elapsed time is clamped to
// MaxPredictDt so a long outage cannot blow up the covariance.
//
// A non-nil error wrapping ErrImplausibleVelocity means the velocity was
// clamped; the returned estimate is still valid.
func (s *Smoother) Step(now time.Time, fix *multilat.Fix) (Estimate, error) {
	if !s.initialised {
		if fix == nil {
			s.stats.PredictOnly++
			return Estimate{At: now}, nil
		}
		r := s.sys.PositionR
		if s.InflateByResidual {
			r += fix.Residual * fix.Residual
		}
		s.f.Reset([]float64{fix.Position.X, fix.Position.Y, 0, 0},
			[]float64{r, r, s.sys.VelocityPrior, s.sys.VelocityPrior})
		s.last = now
		s.initialised = true
		s.stats.Updates++
		return s.estimate(now, true, false), nil
	}

	clamped := false
	dt := now.Sub(s.last)
	if dt > s.sys.MaxPredictDt {
		dt = s.sys.MaxPredictDt
	}
	if dt > 0 {
		F, Q := kalman.ConstantVelocityTransition(dt.Seconds(), s.sys.PositionQ, s.sys.VelocityQ)
		if err := s.f.Predict(F, Q); err != nil {
			return s.estimate(now, false, false), fmt.Errorf("predict: %w", err)
		}
		clamped = s.clamp()
	}
	if now.After(s.last) {
		s.last = now
	}

	updated := false
	if fix != nil {
		r := s.sys.PositionR
		if s.InflateByResidual {
			r += fix.Residual * fix.Residual
		}
		H, R := kalman.PositionObservation(r)
		if _, err := s.f.Update([]float64{fix.Position.X, fix.Position.Y}, H, R); err != nil {
			s.stats.Rejected++
		} else {
			updated = true
			if s.clamp() {
				clamped = true
			}
		}
	}
	if updated {
		s.stats.Updates++
	} else {
		s.stats.PredictOnly++
	}

	est := s.estimate(now, updated, clamped)
	if clamped {
		s.stats.Clamps++
		return est, fmt.Errorf("%w: clamped to %.2f m/s", ErrImplausibleVelocity, s.sys.MaxSpeed)
	}
	return est, nil
}

// clamp scales the velocity state down to MaxSpeed and reports whether it
// had to.
func (s *Smoother) clamp() bool {
	vx, vy := s.f.X(kalman.IdxVX), s.f.X(kalman.IdxVY)
	speed := math.Hypot(vx, vy)
	if speed <= s.sys.MaxSpeed {
		return false
	}
	k := s.sys.MaxSpeed / speed
	s.f.SetX(kalman.IdxVX, vx*k)
	s.f.SetX(kalman.IdxVY, vy*k)
	return true
}

func (s *Smoother) estimate(now time.Time, updated, clamped bool) Estimate {
	if !s.initialised {
		return Estimate{At: now}
	}
	vx, vy := s.f.X(kalman.IdxVX), s.f.X(kalman.IdxVY)
	return Estimate{
		At:          now,
		Valid:       true,
		Position:    geom.Point{X: s.f.X(kalman.IdxX), Y: s.f.X(kalman.IdxY)},
		Velocity:    geom.Point{X: vx, Y: vy},
		Speed:       math.Hypot(vx, vy),
		PositionStd: math.Sqrt(0.5 * (s.f.P(kalman.IdxX, kalman.IdxX) + s.f.P(kalman.IdxY, kalman.IdxY))),
		Updated:     updated,
		Clamped:     clamped,
	}
}

// Current returns the estimate as of the last step.
func (s *Smoother) Current() Estimate {
	return s.estimate(s.last, false, false)
}

// Stats returns the step counters.
func (s *Smoother) Stats() Stats { return s.stats }

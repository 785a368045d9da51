package ranging

import (
	"github.com/banshee-data/uwb.report/internal/anchor"
	"github.com/banshee-data/uwb.report/internal/config"
	"github.com/banshee-data/uwb.report/internal/kalman"
)

// Smoother drives the per-anchor scalar distance estimators. The model is
// constant-value: predict holds the distance and grows its variance by the
// process noise, update blends in an accepted sample.
type Smoother struct {
	q, r  float64
	prior float64
}

// NewSmoother builds a smoother from the system configuration.
func NewSmoother(sys *config.System) *Smoother {
	return &Smoother{q: sys.DistanceQ, r: sys.DistanceR, prior: sys.DistancePrior}
}

// Observe runs predict then update with an accepted distance and marks the
// anchor fresh for this cycle.
func (s *Smoother) Observe(a *anchor.Anchor, distance float64) error {
	F, Q := kalman.ConstantTransition(s.q)
	if err := a.Distance.Predict(F, Q); err != nil {
		return err
	}
	H, R := kalman.DirectObservation(s.r)
	if _, err := a.Distance.Update([]float64{distance}, H, R); err != nil {
		return err
	}
	a.Fresh = true
	return nil
}

// Coast runs a predict-only step for an anchor that produced no accepted
// sample this cycle.
func (s *Smoother) Coast(a *anchor.Anchor) error {
	F, Q := kalman.ConstantTransition(s.q)
	return a.Distance.Predict(F, Q)
}

// Reset returns the anchor's estimate to the prior.
func (s *Smoother) Reset(a *anchor.Anchor) {
	a.Distance.Reset([]float64{0}, []float64{s.prior})
	a.Fresh = false
	a.Resets++
}

// Package multilat computes a 2D position from anchor coordinates and
// smoothed distances with a linearised, variance-weighted least squares fit.
package multilat

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/uwb.report/internal/anchor"
	"github.com/banshee-data/uwb.report/internal/geom"
)

// MinAnchors is the smallest anchor set that fixes a 2D position.
const MinAnchors = 3

var (
	// ErrInsufficientAnchors is returned when fewer than MinAnchors
	// observations are available.
	ErrInsufficientAnchors = errors.New("insufficient anchors")
	// ErrSolverDegenerate is returned when the anchor geometry leaves the
	// normal equations near-singular.
	ErrSolverDegenerate = errors.New("solver degenerate")
)

// minVariance keeps weights finite for an estimator that reports zero
// variance.
const minVariance = 1e-6

// Observation is one anchor's contribution to a solve.
type Observation struct {
	AnchorID int
	Anchor   geom.Point
	Distance float64
	Variance float64
}

// Fix is a solved position.
type Fix struct {
	Position geom.Point `json:"position"`
	// Residual is the weighted RMS of |‖p - aᵢ‖ - dᵢ| in metres.
	Residual    float64 `json:"residual"`
	AnchorsUsed int     `json:"anchors_used"`
	Condition   float64 `json:"condition"`
}

// Solver holds the degeneracy threshold.
type Solver struct {
	maxCond float64
}

// NewSolver returns a solver that reports ErrSolverDegenerate when the
// condition number of the normal matrix exceeds maxCond.
func NewSolver(maxCond float64) *Solver {
	return &Solver{maxCond: maxCond}
}

// Observations appends to buf the anchors that are usable and were updated
// this cycle.
func Observations(reg *anchor.Registry, buf []Observation) []Observation {
	buf = buf[:0]
	reg.Each(func(a *anchor.Anchor) {
		if !a.Usable || !a.Fresh {
			return
		}
		buf = append(buf, Observation{
			AnchorID: a.ID,
			Anchor:   a.Position,
			Distance: a.DistanceValue(),
			Variance: a.DistanceVariance(),
		})
	})
	return buf
}

// Solve estimates the position. The circle equation of the most confident
// anchor is subtracted from the others, leaving a linear system in (x, y):
//
//	2(aᵢ - a₀)·p = ‖aᵢ‖² - ‖a₀‖² - dᵢ² + d₀²
//
// Row i is weighted by 1/(σᵢ² + σ₀²) and the system is solved through its
// normal equations.
func (s *Solver) Solve(obs []Observation) (Fix, error) {
	if len(obs) < MinAnchors {
		return Fix{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientAnchors, len(obs), MinAnchors)
	}

	ref := 0
	for i, o := range obs {
		if o.Variance < obs[ref].Variance {
			ref = i
		}
	}
	r := obs[ref]
	refVar := math.Max(r.Variance, minVariance)
	refNorm := r.Anchor.NormSq()

	rows := len(obs) - 1
	A := mat.NewDense(rows, 2, nil)
	b := mat.NewVecDense(rows, nil)
	w := make([]float64, rows)
	row := 0
	for i, o := range obs {
		if i == ref {
			continue
		}
		A.Set(row, 0, 2*(o.Anchor.X-r.Anchor.X))
		A.Set(row, 1, 2*(o.Anchor.Y-r.Anchor.Y))
		b.SetVec(row, o.Anchor.NormSq()-refNorm-o.Distance*o.Distance+r.Distance*r.Distance)
		w[row] = 1 / (math.Max(o.Variance, minVariance) + refVar)
		row++
	}
	W := mat.NewDiagDense(rows, w)

	// N = Aᵀ W A, rhs = Aᵀ W b
	var atw mat.Dense
	atw.Mul(A.T(), W)
	var n mat.Dense
	n.Mul(&atw, A)
	var rhs mat.VecDense
	rhs.MulVec(&atw, b)

	cond := mat.Cond(&n, 2)
	if math.IsNaN(cond) || cond > s.maxCond {
		return Fix{}, fmt.Errorf("%w: condition number %.3g", ErrSolverDegenerate, cond)
	}

	N := mat.NewSymDense(2, []float64{
		n.At(0, 0), 0.5 * (n.At(0, 1) + n.At(1, 0)),
		0.5 * (n.At(0, 1) + n.At(1, 0)), n.At(1, 1),
	})
	var chol mat.Cholesky
	if !chol.Factorize(N) {
		return Fix{}, fmt.Errorf("%w: normal matrix not positive definite", ErrSolverDegenerate)
	}
	var p mat.VecDense
	if err := chol.SolveVecTo(&p, &rhs); err != nil {
		return Fix{}, fmt.Errorf("%w: %v", ErrSolverDegenerate, err)
	}

	pos := geom.Point{X: p.AtVec(0), Y: p.AtVec(1)}
	if !pos.IsFinite() {
		return Fix{}, fmt.Errorf("%w: non-finite solution", ErrSolverDegenerate)
	}

	return Fix{
		Position:    pos,
		Residual:    residual(pos, obs),
		AnchorsUsed: len(obs),
		Condition:   cond,
	}, nil
}

func residual(p geom.Point, obs []Observation) float64 {
	var num, den float64
	for _, o := range obs {
		w := 1 / math.Max(o.Variance, minVariance)
		e := p.Dist(o.Anchor) - o.Distance
		num += w * e * e
		den += w
	}
	return math.Sqrt(num / den)
}

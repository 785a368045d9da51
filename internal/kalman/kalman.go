// Package kalman implements a discrete linear state estimator with separable
// predict and update steps. The same Filter serves the scalar per-anchor
// distance model and the 2D constant-velocity position model; only the
// matrices handed to Predict and Update differ.
package kalman

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrSingularInnovation is returned by Update when the innovation covariance
// cannot be inverted.
var ErrSingularInnovation = errors.New("kalman: singular innovation covariance")

// ErrNonFinite is returned when a step would leave the state or covariance
// holding NaN or Inf. The filter keeps its previous state in that case.
var ErrNonFinite = errors.New("kalman: non-finite state")

// Filter holds state x and covariance P.
type Filter struct {
	n int
	x *mat.VecDense
	p *mat.SymDense
}

// New returns a filter with initial state x0 and a diagonal prior covariance.
func New(x0, priorVar []float64) *Filter {
	if len(x0) != len(priorVar) {
		panic(fmt.Sprintf("kalman: state has %d components, prior has %d", len(x0), len(priorVar)))
	}
	f := &Filter{n: len(x0)}
	f.Reset(x0, priorVar)
	return f
}

// Reset reinitialises the state and covariance to a prior.
func (f *Filter) Reset(x0, priorVar []float64) {
	f.x = mat.NewVecDense(f.n, append([]float64(nil), x0...))
	f.p = mat.NewSymDense(f.n, nil)
	for i, v := range priorVar {
		f.p.SetSym(i, i, v)
	}
}

// Dim returns the state dimension.
func (f *Filter) Dim() int { return f.n }

// X returns state component i.
func (f *Filter) X(i int) float64 { return f.x.AtVec(i) }

// SetX overwrites state component i. Used for velocity clamping.
func (f *Filter) SetX(i int, v float64) { f.x.SetVec(i, v) }

// P returns covariance entry (i, j).
func (f *Filter) P(i, j int) float64 { return f.p.At(i, j) }

// State returns a copy of the state vector.
func (f *Filter) State() []float64 {
	out := make([]float64, f.n)
	for i := range out {
		out[i] = f.x.AtVec(i)
	}
	return out
}

// Predict propagates the state through transition F with process noise Q:
//
//	x = F x
//	P = F P Fᵀ + Q
func (f *Filter) Predict(F, Q mat.Matrix) error {
	var x mat.VecDense
	x.MulVec(F, f.x)

	var fp, fpf mat.Dense
	fp.Mul(F, f.p)
	fpf.Mul(&fp, F.T())
	fpf.Add(&fpf, Q)

	p := symmetrise(&fpf)
	if !finiteVec(&x) || !finiteSym(p) {
		return ErrNonFinite
	}
	f.x = &x
	f.p = p
	return nil
}

// Update corrects the state with observation z through model H with
// observation noise R, using the Joseph form so P stays positive definite.
// It returns the innovation z - Hx.
func (f *Filter) Update(z []float64, H, R mat.Matrix) ([]float64, error) {
	m, _ := H.Dims()
	if len(z) != m {
		return nil, fmt.Errorf("kalman: observation has %d components, model expects %d", len(z), m)
	}

	var hx mat.VecDense
	hx.MulVec(H, f.x)
	y := mat.NewVecDense(m, nil)
	y.SubVec(mat.NewVecDense(m, append([]float64(nil), z...)), &hx)

	// S = H P Hᵀ + R
	var hp, s mat.Dense
	hp.Mul(H, f.p)
	s.Mul(&hp, H.T())
	s.Add(&s, R)

	var chol mat.Cholesky
	if ok := chol.Factorize(symmetrise(&s)); !ok {
		return nil, ErrSingularInnovation
	}

	// K = P Hᵀ S⁻¹, solved as S Kᵀ = H P.
	var kt mat.Dense
	if err := chol.SolveTo(&kt, &hp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingularInnovation, err)
	}
	k := kt.T()

	var ky, x mat.VecDense
	ky.MulVec(k, y)
	x.AddVec(f.x, &ky)

	// P = (I - K H) P (I - K H)ᵀ + K R Kᵀ
	ikh := mat.NewDense(f.n, f.n, nil)
	ikh.Mul(k, H)
	ikh.Scale(-1, ikh)
	for i := 0; i < f.n; i++ {
		ikh.Set(i, i, ikh.At(i, i)+1)
	}
	var a, b, kr, krk mat.Dense
	a.Mul(ikh, f.p)
	b.Mul(&a, ikh.T())
	kr.Mul(k, R)
	krk.Mul(&kr, k.T())
	b.Add(&b, &krk)

	p := symmetrise(&b)
	if !finiteVec(&x) || !finiteSym(p) {
		return nil, ErrNonFinite
	}
	f.x = &x
	f.p = p

	innov := make([]float64, m)
	for i := range innov {
		innov[i] = y.AtVec(i)
	}
	return innov, nil
}

func symmetrise(m *mat.Dense) *mat.SymDense {
	n, _ := m.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	return s
}

func finiteVec(v *mat.VecDense) bool {
	for i := 0; i < v.Len(); i++ {
		if x := v.AtVec(i); math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func finiteSym(s *mat.SymDense) bool {
	n := s.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			if x := s.At(i, j); math.IsNaN(x) || math.IsInf(x, 0) {
				return false
			}
		}
	}
	return true
}

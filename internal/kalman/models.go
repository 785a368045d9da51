package kalman

import "gonum.org/v1/gonum/mat"

// Scalar constant-value model: the state is a single value that does not
// drift, so predict only grows the variance by q.

// ConstantTransition returns F and Q for the 1-state constant model.
func ConstantTransition(q float64) (F, Q mat.Matrix) {
	return mat.NewDense(1, 1, []float64{1}), mat.NewDense(1, 1, []float64{q})
}

// DirectObservation returns H and R for observing the scalar state directly.
func DirectObservation(r float64) (H, R mat.Matrix) {
	return mat.NewDense(1, 1, []float64{1}), mat.NewDense(1, 1, []float64{r})
}

// 2D constant-velocity model over (x, y, vx, vy).
const (
	IdxX = iota
	IdxY
	IdxVX
	IdxVY
)

// ConstantVelocityTransition returns F and Q for a step of dt seconds.
// Process noise is diagonal and scales with dt.
func ConstantVelocityTransition(dt, qPos, qVel float64) (F, Q mat.Matrix) {
	F = mat.NewDense(4, 4, []float64{
		1, 0, dt, 0,
		0, 1, 0, dt,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
	Q = mat.NewDiagDense(4, []float64{qPos * dt, qPos * dt, qVel * dt, qVel * dt})
	return F, Q
}

// PositionObservation returns H and R for observing (x, y) with variance r
// on each axis.
func PositionObservation(r float64) (H, R mat.Matrix) {
	H = mat.NewDense(2, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
	})
	R = mat.NewDiagDense(2, []float64{r, r})
	return H, R
}

package multilat

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/uwb.report/internal/anchor"
	"github.com/banshee-data/uwb.report/internal/config"
	"github.com/banshee-data/uwb.report/internal/geom"
)

func exact(anchors []geom.Point, truth geom.Point, variance float64) []Observation {
	obs := make([]Observation, len(anchors))
	for i, a := range anchors {
		obs[i] = Observation{AnchorID: (i + 1) * 10, Anchor: a, Distance: a.Dist(truth), Variance: variance}
	}
	return obs
}

func TestSolveSquarePlusApex(t *testing.T) {
	anchors := []geom.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 0, Y: 10}, {X: 10, Y: 10}, {X: 5, Y: 15}}
	fix, err := NewSolver(1e8).Solve(exact(anchors, geom.Point{X: 5, Y: 5}, 0.1))
	require.NoError(t, err)

	assert.InDelta(t, 5.0, fix.Position.X, 1e-9)
	assert.InDelta(t, 5.0, fix.Position.Y, 1e-9)
	assert.InDelta(t, 0.0, fix.Residual, 1e-9)
	assert.Equal(t, 5, fix.AnchorsUsed)
}

func TestSolveExactRecoveryRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	sys := config.DefaultSystem()
	anchors := make([]geom.Point, 0, len(sys.Anchors))
	for _, a := range sys.Anchors {
		anchors = append(anchors, a.Position)
	}
	s := NewSolver(sys.SolverMaxCond)

	for i := 0; i < 200; i++ {
		truth := geom.Point{X: rng.Float64() * 40, Y: rng.Float64() * 20}
		// Any subset of three or more anchors must recover the position.
		n := 3 + rng.Intn(3)
		perm := rng.Perm(len(anchors))[:n]
		subset := make([]geom.Point, n)
		for j, k := range perm {
			subset[j] = anchors[k]
		}
		obs := exact(subset, truth, 0.01+rng.Float64())

		fix, err := s.Solve(obs)
		require.NoError(t, err)
		assert.InDelta(t, truth.X, fix.Position.X, 1e-6)
		assert.InDelta(t, truth.Y, fix.Position.Y, 1e-6)
	}
}

func TestSolveInsufficientAnchors(t *testing.T) {
	anchors := []geom.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 0, Y: 10}}
	s := NewSolver(1e8)
	for n := 0; n < MinAnchors; n++ {
		_, err := s.Solve(exact(anchors[:n], geom.Point{X: 3, Y: 3}, 0.1))
		assert.ErrorIs(t, err, ErrInsufficientAnchors, "n=%d", n)
	}
}

func TestSolveCollinearIsDegenerate(t *testing.T) {
	anchors := []geom.Point{{X: 0, Y: 0}, {X: 5, Y: 0}, {X: 10, Y: 0}, {X: 20, Y: 0}}
	_, err := NewSolver(1e8).Solve(exact(anchors, geom.Point{X: 4, Y: 3}, 0.1))
	assert.ErrorIs(t, err, ErrSolverDegenerate)
}

func TestSolveNearlyCollinearIsDegenerate(t *testing.T) {
	anchors := []geom.Point{{X: 0, Y: 0}, {X: 10, Y: 1e-7}, {X: 20, Y: 0}}
	_, err := NewSolver(1e8).Solve(exact(anchors, geom.Point{X: 4, Y: 3}, 0.1))
	assert.ErrorIs(t, err, ErrSolverDegenerate)
}

func TestSolveDownweightsUncertainAnchor(t *testing.T) {
	anchors := []geom.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 0, Y: 10}, {X: 10, Y: 10}, {X: 5, Y: 15}}
	truth := geom.Point{X: 4, Y: 6}
	s := NewSolver(1e8)

	equal := exact(anchors, truth, 0.05)
	equal[3].Distance += 2
	fixEqual, err := s.Solve(equal)
	require.NoError(t, err)

	weighted := exact(anchors, truth, 0.05)
	weighted[3].Distance += 2
	weighted[3].Variance = 50
	fixWeighted, err := s.Solve(weighted)
	require.NoError(t, err)

	assert.Less(t, fixWeighted.Position.Dist(truth), fixEqual.Position.Dist(truth))
	assert.Greater(t, fixEqual.Residual, 0.0)
}

func TestObservationsUsesUsableFreshAnchors(t *testing.T) {
	reg := anchor.NewRegistry(config.DefaultSystem(), time.Time{})
	reg.Each(func(a *anchor.Anchor) { a.Fresh = true })
	reg.At(1).Usable = false
	reg.At(3).Fresh = false

	obs := Observations(reg, nil)
	ids := make([]int, 0, len(obs))
	for _, o := range obs {
		ids = append(ids, o.AnchorID)
	}
	assert.Equal(t, []int{10, 30, 50}, ids)
}

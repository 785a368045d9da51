package ranging

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/uwb.report/internal/anchor"
	"github.com/banshee-data/uwb.report/internal/config"
)

func newRegistry(t *testing.T) (*config.System, *anchor.Registry) {
	t.Helper()
	sys := config.DefaultSystem()
	return sys, anchor.NewRegistry(sys, time.Unix(0, 0))
}

func TestFilterCheck(t *testing.T) {
	sys, _ := newRegistry(t)
	f := NewFilter(sys)

	tests := []struct {
		name string
		s    Sample
		want Reason
	}{
		{"nominal", Sample{Distance: 12.3, Quality: -70}, ReasonNone},
		{"at min", Sample{Distance: 0.5, Quality: -70}, ReasonNone},
		{"at max", Sample{Distance: 50, Quality: -70}, ReasonNone},
		{"too close", Sample{Distance: 0.1, Quality: -70}, ReasonOutOfRange},
		{"ghost", Sample{Distance: 120, Quality: -70}, ReasonOutOfRange},
		{"negative", Sample{Distance: -3, Quality: -70}, ReasonOutOfRange},
		{"nan", Sample{Distance: math.NaN(), Quality: -70}, ReasonOutOfRange},
		{"weak", Sample{Distance: 10, Quality: -95}, ReasonWeakSignal},
		{"at quality floor", Sample{Distance: 10, Quality: -90}, ReasonNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Check(tt.s))
		})
	}
}

func TestFilterDisabledStillRejectsNonFinite(t *testing.T) {
	cfg := config.EmptyTuningConfig()
	off := false
	cfg.EnableRangeFilter = &off
	sys, err := cfg.Resolve()
	require.NoError(t, err)

	f := NewFilter(sys)
	assert.Equal(t, ReasonNone, f.Check(Sample{Distance: 500, Quality: -120}))
	assert.Equal(t, ReasonOutOfRange, f.Check(Sample{Distance: math.Inf(1)}))
}

func TestFilterAcceptCountsRejections(t *testing.T) {
	sys, reg := newRegistry(t)
	f := NewFilter(sys)
	a := reg.At(0)

	require.NoError(t, f.Accept(a, Sample{AnchorID: a.ID, Distance: 5, Quality: -60}))

	err := f.Accept(a, Sample{AnchorID: a.ID, Distance: 5, Quality: -99})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSample)
	var rej *RejectError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonWeakSignal, rej.Reason)

	assert.Error(t, f.Accept(a, Sample{AnchorID: a.ID, Distance: 99, Quality: -60}))

	assert.Equal(t, FilterStats{Accepted: 1, OutOfRange: 1, WeakSignal: 1}, f.Stats())
	assert.Equal(t, uint64(2), a.Counters.Rejections)
	assert.Equal(t, -60.0, a.LastQuality)
	assert.Equal(t, 99.0, a.LastRaw)
}

func TestSmootherConverges(t *testing.T) {
	sys, reg := newRegistry(t)
	s := NewSmoother(sys)
	a := reg.At(0)

	for i := 0; i < 30; i++ {
		require.NoError(t, s.Observe(a, 8.0))
	}
	assert.True(t, a.Fresh)
	assert.InDelta(t, 8.0, a.DistanceValue(), 1e-3)
	assert.Less(t, a.DistanceVariance(), sys.DistanceR)
}

func TestSmootherCoastVarianceMonotone(t *testing.T) {
	sys, reg := newRegistry(t)
	s := NewSmoother(sys)
	a := reg.At(2)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Observe(a, 4.0))
	}

	value := a.DistanceValue()
	prev := a.DistanceVariance()
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Coast(a))
		v := a.DistanceVariance()
		assert.GreaterOrEqual(t, v, prev)
		assert.Equal(t, value, a.DistanceValue())
		prev = v
	}
}

func TestSmootherReset(t *testing.T) {
	sys, reg := newRegistry(t)
	s := NewSmoother(sys)
	a := reg.At(1)
	require.NoError(t, s.Observe(a, 10))

	s.Reset(a)
	assert.Equal(t, 0.0, a.DistanceValue())
	assert.Equal(t, sys.DistancePrior, a.DistanceVariance())
	assert.False(t, a.Fresh)
	assert.Equal(t, uint64(1), a.Resets)

	// A fresh prior is dominated by the first observation.
	require.NoError(t, s.Observe(a, 6))
	assert.InDelta(t, 6.0, a.DistanceValue(), 0.05)
}

package anchor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/uwb.report/internal/config"
)

func TestNewRegistry(t *testing.T) {
	sys := config.DefaultSystem()
	start := time.Unix(1000, 0)
	r := NewRegistry(sys, start)

	assert.Same(t, sys, r.System())
	assert.Equal(t, Count, r.UsableCount())

	for i := 0; i < Count; i++ {
		a := r.At(i)
		assert.Equal(t, i, a.Slot)
		assert.Equal(t, sys.Anchors[i].ID, a.ID)
		assert.Equal(t, sys.Anchors[i].Position, a.Position)
		assert.Equal(t, start, a.LastSuccess)
		assert.Equal(t, sys.DistancePrior, a.DistanceVariance())
	}
}

func TestByIDReturnsSharedEntry(t *testing.T) {
	r := NewRegistry(config.DefaultSystem(), time.Time{})

	a, ok := r.ByID(30)
	require.True(t, ok)
	a.Usable = false
	assert.False(t, r.At(2).Usable, "ByID must return a pointer into the registry")
	assert.Equal(t, Count-1, r.UsableCount())

	_, ok = r.ByID(99)
	assert.False(t, ok)
}

func TestBeginCycleClearsFresh(t *testing.T) {
	r := NewRegistry(config.DefaultSystem(), time.Time{})
	r.Each(func(a *Anchor) { a.Fresh = true })
	r.BeginCycle()
	r.Each(func(a *Anchor) { assert.False(t, a.Fresh) })
}

func TestCountersRoundTrip(t *testing.T) {
	r := NewRegistry(config.DefaultSystem(), time.Time{})
	r.LoadCounters(map[int]Counters{
		10: {Exchanges: 5, Failures: 1},
		77: {Exchanges: 9},
	})

	a, _ := r.ByID(10)
	a.RecordExchange()
	a.RecordFailure()

	got := r.Counters()
	assert.Equal(t, Counters{Exchanges: 6, Failures: 2}, got[10])
	assert.Equal(t, Counters{}, got[20])
	assert.NotContains(t, got, 77)

	// Persisted history does not count towards this session's success rate.
	assert.Equal(t, 0.5, a.SuccessRate())
}

func TestSnapshot(t *testing.T) {
	r := NewRegistry(config.DefaultSystem(), time.Time{})
	r.At(1).LastQuality = -70
	snap := r.Snapshot()
	require.Len(t, snap, Count)
	assert.Equal(t, 20, snap[1].ID)
	assert.Equal(t, -70.0, snap[1].LastQuality)
	assert.True(t, snap[1].Usable)
}

package zone

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/uwb.report/internal/config"
	"github.com/banshee-data/uwb.report/internal/geom"
)

var testZones = []config.Zone{
	{Name: "Center", Center: geom.Point{X: 0, Y: 0}, Radius: 2, MinDwell: time.Second},
	{Name: "Wide", Center: geom.Point{X: 1, Y: 0}, Radius: 5, MinDwell: 500 * time.Millisecond},
	{Name: "Far", Center: geom.Point{X: 20, Y: 0}, Radius: 1, MinDwell: 0},
}

var (
	inCenter = geom.Point{X: 0.5, Y: 0}
	inWide   = geom.Point{X: 4, Y: 0}
	outside  = geom.Point{X: 10, Y: 10}
)

func TestLocateFirstMatchWins(t *testing.T) {
	d := NewDetector(testZones)
	assert.Equal(t, 0, d.Locate(inCenter), "overlap resolves to list order")
	assert.Equal(t, 1, d.Locate(inWide))
	assert.Equal(t, Outside, d.Locate(outside))
	assert.Equal(t, 0, d.Locate(geom.Point{X: 2, Y: 0}), "boundary is inside")
}

func TestNoCommitBeforeDwell(t *testing.T) {
	d := NewDetector(testZones)
	start := time.Unix(0, 0)
	last := start.Add(time.Second - time.Millisecond)

	for at := start; !at.After(last); at = at.Add(50 * time.Millisecond) {
		_, ok := d.Observe(inCenter, at)
		require.False(t, ok)
	}
	_, ok := d.Observe(inCenter, last)
	require.False(t, ok)

	for at := last.Add(time.Millisecond); at.Before(start.Add(10 * time.Second)); at = at.Add(50 * time.Millisecond) {
		_, ok := d.Observe(outside, at)
		assert.False(t, ok, "Center must never be committed")
	}
	assert.Equal(t, OutsideName, d.Current())
}

func TestCommitAtDwell(t *testing.T) {
	d := NewDetector(testZones)
	start := time.Unix(0, 0)

	_, ok := d.Observe(inCenter, start)
	require.False(t, ok)
	ev, ok := d.Observe(inCenter, start.Add(time.Second))
	require.True(t, ok)

	want := Event{From: OutsideName, To: "Center", At: start.Add(time.Second), Dwell: time.Second}
	if diff := cmp.Diff(want, ev); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "Center", d.Current())
}

func TestOscillationNeverCommits(t *testing.T) {
	d := NewDetector(testZones)
	at := time.Unix(0, 0)
	for i := 0; i < 200; i++ {
		p := outside
		if i%4 < 2 {
			p = inCenter
		}
		_, ok := d.Observe(p, at)
		assert.False(t, ok)
		at = at.Add(200 * time.Millisecond)
	}
}

func TestDifferentCandidateResetsTimer(t *testing.T) {
	d := NewDetector(testZones)
	start := time.Unix(0, 0)

	d.Observe(inCenter, start)
	d.Observe(inWide, start.Add(900*time.Millisecond))
	// Back in Center: the timer restarts here.
	_, ok := d.Observe(inCenter, start.Add(1000*time.Millisecond))
	assert.False(t, ok)
	_, ok = d.Observe(inCenter, start.Add(1500*time.Millisecond))
	assert.False(t, ok)

	ev, ok := d.Observe(inCenter, start.Add(2000*time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, time.Second, ev.Dwell)
}

func TestLeavingUsesDwellOfZoneLeft(t *testing.T) {
	d := NewDetector(testZones)
	start := time.Unix(0, 0)
	d.Observe(inCenter, start)
	_, ok := d.Observe(inCenter, start.Add(time.Second))
	require.True(t, ok)

	_, ok = d.Observe(outside, start.Add(2*time.Second))
	assert.False(t, ok)
	_, ok = d.Observe(outside, start.Add(2*time.Second+999*time.Millisecond))
	assert.False(t, ok)
	ev, ok := d.Observe(outside, start.Add(3*time.Second))
	require.True(t, ok)
	assert.Equal(t, "Center", ev.From)
	assert.Equal(t, OutsideName, ev.To)
}

func TestZeroDwellCommitsImmediately(t *testing.T) {
	d := NewDetector(testZones)
	ev, ok := d.Observe(geom.Point{X: 20, Y: 0}, time.Unix(5, 0))
	require.True(t, ok)
	assert.Equal(t, "Far", ev.To)
	assert.Equal(t, time.Duration(0), ev.Dwell)
}

func TestReturningToCommittedClearsCandidate(t *testing.T) {
	d := NewDetector(testZones)
	start := time.Unix(0, 0)
	d.Observe(inCenter, start)
	assert.True(t, d.State().HasCandidate)

	d.Observe(outside, start.Add(100*time.Millisecond))
	assert.False(t, d.State().HasCandidate)
	assert.Equal(t, Outside, d.State().Committed)
}

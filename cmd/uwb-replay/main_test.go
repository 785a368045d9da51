package main

import (
	"bytes"
	"context"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/uwb.report/internal/config"
	"github.com/banshee-data/uwb.report/internal/db"
	"github.com/banshee-data/uwb.report/internal/geom"
	"github.com/banshee-data/uwb.report/internal/monitoring"
	"github.com/banshee-data/uwb.report/internal/pipeline"
	"github.com/banshee-data/uwb.report/internal/radio"
	"github.com/banshee-data/uwb.report/internal/telemetry"
	"github.com/banshee-data/uwb.report/internal/timeutil"
)

// writeLog records cycles of a tag parked at the centre circle to path.
func writeLog(t *testing.T, path string, cycles int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	w, err := telemetry.NewRangingWriter(f)
	require.NoError(t, err)

	sys := config.DefaultSystem()
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sim := radio.NewSimulator(sys, radio.SimConfig{Waypoints: []geom.Point{{X: 20, Y: 10}}, Seed: 3}, start)
	eng := pipeline.New(sys, timeutil.NewAutoClock(start), radio.NewLoopback(sim), pipeline.Options{Ranging: w})
	require.NoError(t, eng.RunCycles(context.Background(), cycles))
	require.NoError(t, w.Flush())
}

func TestRun(t *testing.T) {
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })

	dir := t.TempDir()
	in := filepath.Join(dir, "ranging.csv")
	writeLog(t, in, 20)

	o := options{
		in:        in,
		profile:   "outdoor",
		positions: filepath.Join(dir, "positions.csv"),
		heatmap:   filepath.Join(dir, "heatmap.png"),
		dbPath:    filepath.Join(dir, "replay.db"),
		session:   "replay-1",
	}
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), o, &out))

	assert.Contains(t, out.String(), "session replay-1: 20 cycles")
	assert.Contains(t, out.String(), "outside -> Centro_Campo")
	assert.Contains(t, out.String(), "heatmap: ")

	positions, err := os.ReadFile(o.positions)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(positions), strings.Join(telemetry.PositionHeader, ",")))

	f, err := os.Open(o.heatmap)
	require.NoError(t, err)
	defer f.Close()
	_, err = png.Decode(f)
	require.NoError(t, err)

	database, err := db.NewDB(o.dbPath)
	require.NoError(t, err)
	defer database.Close()
	sessions, err := database.Sessions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "replay-1", sessions[0].ID)
	events, err := database.ZoneEvents(context.Background(), "replay-1", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestRunErrors(t *testing.T) {
	dir := t.TempDir()

	err := run(context.Background(), options{in: filepath.Join(dir, "missing.csv"), profile: "outdoor"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "failed to open ranging log")

	bad := filepath.Join(dir, "bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte("Tag_ID,Timestamp_ms\n1,2\n"), 0o644))
	err = run(context.Background(), options{in: bad, profile: "outdoor"}, &bytes.Buffer{})
	assert.ErrorIs(t, err, telemetry.ErrBadCSV)

	err = run(context.Background(), options{in: bad, profile: "lunar"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "configuration")
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/uwb.report/internal/geom"
)

func TestGetterDefaults(t *testing.T) {
	cfg := EmptyTuningConfig()

	assert.Equal(t, "outdoor", cfg.GetProfile())
	assert.Equal(t, 1, cfg.GetTagID())
	assert.Equal(t, 500*time.Millisecond, cfg.GetCycleLength())
	assert.Equal(t, 100*time.Millisecond, cfg.GetSlotWidth())
	assert.Equal(t, 100*time.Millisecond, cfg.GetResponseTimeout())
	assert.Equal(t, 50*time.Millisecond, cfg.GetRoundDelay())
	assert.Equal(t, 15*time.Second, cfg.GetAnchorStaleTimeout())
	assert.Equal(t, 30*time.Second, cfg.GetWatchdogTimeout())
	assert.True(t, cfg.GetEnableResetBeacon())
	assert.True(t, cfg.GetEnableRangeFilter())
	assert.Equal(t, 0.5, cfg.GetMinRange())
	assert.Equal(t, 50.0, cfg.GetMaxRange())
	assert.Equal(t, -90.0, cfg.GetMinSignalQuality())
	assert.Equal(t, 0.02, cfg.GetDistanceProcessNoise())
	assert.Equal(t, 0.15, cfg.GetDistanceObservationNoise())
	assert.Equal(t, 0.05, cfg.GetPositionProcessNoise())
	assert.Equal(t, 2.0, cfg.GetVelocityProcessNoise())
	assert.Equal(t, 0.08, cfg.GetPositionObservationNoise())
	assert.Equal(t, 8.0, cfg.GetMaxSpeed())
	assert.Equal(t, 5*time.Minute, cfg.GetCounterFlushInterval())
	assert.False(t, cfg.GetEnableUDPMetrics())
	assert.Equal(t, "127.0.0.1:8888", cfg.GetUDPMetricsAddr())
	assert.Len(t, cfg.GetAnchors(), AnchorCount)
	assert.Len(t, cfg.GetZones(), 6)
	assert.Equal(t, geom.Rect{MaxX: 40, MaxY: 20}, cfg.GetBounds())
}

func TestLoadTuningConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.json")

	testJSON := `{
  "profile": "lab",
  "cycle_length": "250ms",
  "slot_width": "50ms",
  "min_range": 0.2,
  "max_speed": 3.5,
  "enable_reset_beacon": false
}`
	require.NoError(t, os.WriteFile(configPath, []byte(testJSON), 0644))

	cfg, err := LoadTuningConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "lab", cfg.GetProfile())
	assert.Equal(t, 250*time.Millisecond, cfg.GetCycleLength())
	assert.Equal(t, 50*time.Millisecond, cfg.GetSlotWidth())
	assert.Equal(t, 0.2, cfg.GetMinRange())
	assert.Equal(t, 3.5, cfg.GetMaxSpeed())
	assert.False(t, cfg.GetEnableResetBeacon())

	// Untouched fields keep their defaults.
	assert.Equal(t, 50.0, cfg.GetMaxRange())
	assert.Equal(t, 15*time.Second, cfg.GetAnchorStaleTimeout())
}

func TestLoadTuningConfigMissing(t *testing.T) {
	_, err := LoadTuningConfig("/nonexistent/path/to/config.json")
	assert.Error(t, err)
}

func TestLoadTuningConfigInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid_config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"min_range": "invalid"`), 0644))

	_, err := LoadTuningConfig(configPath)
	assert.Error(t, err)
}

func TestLoadTuningConfigRejectsNonJSON(t *testing.T) {
	_, err := LoadTuningConfig("/some/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadTuningConfigRejectsLargeFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "large.json")
	require.NoError(t, os.WriteFile(configPath, make([]byte, 2*1024*1024), 0644))

	_, err := LoadTuningConfig(configPath)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *TuningConfig
		wantErr bool
	}{
		{"empty", EmptyTuningConfig(), false},
		{"bad duration", &TuningConfig{SlotWidth: ptrString("soon")}, true},
		{"negative duration", &TuningConfig{RoundDelay: ptrString("-5ms")}, true},
		{"zero noise", &TuningConfig{DistanceObservationNoise: ptrFloat64(0)}, true},
		{"negative min range", &TuningConfig{MinRange: ptrFloat64(-1)}, true},
		{"inverted range", &TuningConfig{MinRange: ptrFloat64(5), MaxRange: ptrFloat64(4)}, true},
		{"zone without name", &TuningConfig{Zones: []ZoneConfig{{Radius: 1, MinDwell: "1s"}}}, true},
		{"zone zero radius", &TuningConfig{Zones: []ZoneConfig{{Name: "a", MinDwell: "1s"}}}, true},
		{"zone bad dwell", &TuningConfig{Zones: []ZoneConfig{{Name: "a", Radius: 1, MinDwell: "x"}}}, true},
		{"indoor", IndoorTuningConfig(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestResolveDefaults(t *testing.T) {
	sys := DefaultSystem()

	assert.Equal(t, [AnchorCount]int{0, 1, 2, 3, 4}, sys.SlotOrder)
	assert.Equal(t, 10, sys.Anchors[0].ID)
	assert.Equal(t, geom.Point{X: 20, Y: 25}, sys.Anchors[4].Position)
	assert.Equal(t, 50*time.Millisecond, sys.ExchangeDeadline())

	require.Len(t, sys.Zones, 6)
	assert.Equal(t, Zone{
		Name:     "Centro_Campo",
		Center:   geom.Point{X: 20, Y: 10},
		Radius:   3,
		MinDwell: 2 * time.Second,
	}, sys.Zones[2])

	slot, ok := sys.SlotOf(40)
	assert.True(t, ok)
	assert.Equal(t, 3, slot)
	_, ok = sys.SlotOf(99)
	assert.False(t, ok)
}

func TestResolveSlotOrder(t *testing.T) {
	cfg := EmptyTuningConfig()
	cfg.SlotOrder = []int{50, 40, 30, 20, 10}
	sys, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, [AnchorCount]int{4, 3, 2, 1, 0}, sys.SlotOrder)
}

func TestResolveRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *TuningConfig)
	}{
		{"four anchors", func(c *TuningConfig) { c.Anchors = c.GetAnchors()[:4] }},
		{"duplicate anchor", func(c *TuningConfig) {
			c.Anchors = append([]AnchorConfig(nil), c.GetAnchors()...)
			c.Anchors[1].ID = 10
		}},
		{"slot order unknown anchor", func(c *TuningConfig) { c.SlotOrder = []int{10, 20, 30, 40, 60} }},
		{"slot order repeat", func(c *TuningConfig) { c.SlotOrder = []int{10, 20, 30, 40, 40} }},
		{"slot order short", func(c *TuningConfig) { c.SlotOrder = []int{10, 20} }},
		{"cycle shorter than slots", func(c *TuningConfig) { c.CycleLength = ptrString("300ms") }},
		{"round delay fills slot", func(c *TuningConfig) { c.RoundDelay = ptrString("100ms") }},
		{"watchdog inside cycle", func(c *TuningConfig) { c.WatchdogTimeout = ptrString("400ms") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := EmptyTuningConfig()
			tt.mutate(cfg)
			_, err := cfg.Resolve()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSystem))
		})
	}
}

func TestIndoorProfile(t *testing.T) {
	sys, err := IndoorTuningConfig().Resolve()
	require.NoError(t, err)

	assert.Equal(t, "indoor", sys.Profile)
	assert.Equal(t, 20*time.Millisecond, sys.ExchangeDeadline())
	assert.Equal(t, 2.5, sys.MaxSpeed)
	assert.Equal(t, 500*time.Millisecond, sys.LogRateLimit)
	assert.Len(t, sys.Zones, 4)
}

func TestShippedProfilesMatchBuiltins(t *testing.T) {
	fromFile := func(name string) *System {
		cfg, err := LoadTuningConfig(filepath.Join("..", "..", "config", name))
		require.NoError(t, err)
		sys, err := cfg.Resolve()
		require.NoError(t, err)
		return sys
	}

	if diff := cmp.Diff(DefaultSystem(), fromFile("uwb.defaults.json")); diff != "" {
		t.Errorf("outdoor defaults mismatch (-builtin +file):\n%s", diff)
	}

	indoor, err := IndoorTuningConfig().Resolve()
	require.NoError(t, err)
	if diff := cmp.Diff(indoor, fromFile("uwb.indoor.json")); diff != "" {
		t.Errorf("indoor profile mismatch (-builtin +file):\n%s", diff)
	}
}

func TestBuiltinProfile(t *testing.T) {
	cfg, err := BuiltinProfile("indoor")
	require.NoError(t, err)
	assert.Equal(t, "indoor", cfg.GetProfile())

	cfg, err = BuiltinProfile("")
	require.NoError(t, err)
	assert.Equal(t, "outdoor", cfg.GetProfile())

	_, err = BuiltinProfile("moon")
	assert.Error(t, err)
}

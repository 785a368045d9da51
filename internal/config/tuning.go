package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/uwb.report/internal/geom"
)

// AnchorCount is the fixed number of anchors in a deployment.
const AnchorCount = 5

// TuningConfig represents the root configuration for the localisation
// pipeline. Every field is optional; the Get* accessors supply the outdoor
// defaults for anything omitted, so partial files are safe.
type TuningConfig struct {
	Profile *string `json:"profile,omitempty"`
	TagID   *int    `json:"tag_id,omitempty"`

	// Geometry
	Anchors   []AnchorConfig `json:"anchors,omitempty"`
	SlotOrder []int          `json:"slot_order,omitempty"`
	Zones     []ZoneConfig   `json:"zones,omitempty"`
	Bounds    *geom.Rect     `json:"bounds,omitempty"`

	// TDMA timing, duration strings like "500ms"
	CycleLength     *string `json:"cycle_length,omitempty"`
	SlotWidth       *string `json:"slot_width,omitempty"`
	ResponseTimeout *string `json:"response_timeout,omitempty"`
	RoundDelay      *string `json:"round_delay,omitempty"`

	// Health
	AnchorStaleTimeout *string `json:"anchor_stale_timeout,omitempty"`
	WatchdogTimeout    *string `json:"watchdog_timeout,omitempty"`
	EnableResetBeacon  *bool   `json:"enable_reset_beacon,omitempty"`

	// Range filter
	EnableRangeFilter *bool    `json:"enable_range_filter,omitempty"`
	MinRange          *float64 `json:"min_range,omitempty"`
	MaxRange          *float64 `json:"max_range,omitempty"`
	MinSignalQuality  *float64 `json:"min_signal_quality,omitempty"`

	// Distance smoother
	DistanceProcessNoise     *float64 `json:"distance_process_noise,omitempty"`
	DistanceObservationNoise *float64 `json:"distance_observation_noise,omitempty"`
	DistancePriorVariance    *float64 `json:"distance_prior_variance,omitempty"`

	// Position/velocity smoother
	PositionProcessNoise     *float64 `json:"position_process_noise,omitempty"`
	VelocityProcessNoise     *float64 `json:"velocity_process_noise,omitempty"`
	PositionObservationNoise *float64 `json:"position_observation_noise,omitempty"`
	PositionPriorVariance    *float64 `json:"position_prior_variance,omitempty"`
	VelocityPriorVariance    *float64 `json:"velocity_prior_variance,omitempty"`
	MaxSpeed                 *float64 `json:"max_speed,omitempty"`
	MaxPredictDt             *string  `json:"max_predict_dt,omitempty"`

	// Solver
	SolverMaxCondition *float64 `json:"solver_max_condition,omitempty"`

	// Reporting
	TelemetryInterval    *string `json:"telemetry_interval,omitempty"`
	StatsReportInterval  *string `json:"stats_report_interval,omitempty"`
	CounterFlushInterval *string `json:"counter_flush_interval,omitempty"`
	LogRateLimit         *string `json:"log_rate_limit,omitempty"`
	EnableUDPMetrics     *bool   `json:"enable_udp_metrics,omitempty"`
	UDPMetricsAddr       *string `json:"udp_metrics_addr,omitempty"`
}

// AnchorConfig is one row of the anchor coordinate table.
type AnchorConfig struct {
	ID int     `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// ZoneConfig is one row of the zone table.
type ZoneConfig struct {
	Name     string  `json:"name"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Radius   float64 `json:"radius"`
	MinDwell string  `json:"min_dwell"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the fields that can be checked in isolation. Cross-field
// checks (slot timing, anchor table shape) happen in Resolve.
func (c *TuningConfig) Validate() error {
	durations := map[string]*string{
		"cycle_length":           c.CycleLength,
		"slot_width":             c.SlotWidth,
		"response_timeout":       c.ResponseTimeout,
		"round_delay":            c.RoundDelay,
		"anchor_stale_timeout":   c.AnchorStaleTimeout,
		"watchdog_timeout":       c.WatchdogTimeout,
		"max_predict_dt":         c.MaxPredictDt,
		"telemetry_interval":     c.TelemetryInterval,
		"stats_report_interval":  c.StatsReportInterval,
		"counter_flush_interval": c.CounterFlushInterval,
		"log_rate_limit":         c.LogRateLimit,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	positives := map[string]*float64{
		"distance_process_noise":     c.DistanceProcessNoise,
		"distance_observation_noise": c.DistanceObservationNoise,
		"distance_prior_variance":    c.DistancePriorVariance,
		"position_process_noise":     c.PositionProcessNoise,
		"velocity_process_noise":     c.VelocityProcessNoise,
		"position_observation_noise": c.PositionObservationNoise,
		"position_prior_variance":    c.PositionPriorVariance,
		"velocity_prior_variance":    c.VelocityPriorVariance,
		"max_speed":                  c.MaxSpeed,
		"solver_max_condition":       c.SolverMaxCondition,
	}
	for name, v := range positives {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", name, *v)
		}
	}

	if c.MinRange != nil && *c.MinRange < 0 {
		return fmt.Errorf("min_range must be non-negative, got %f", *c.MinRange)
	}
	if c.MinRange != nil && c.MaxRange != nil && *c.MaxRange <= *c.MinRange {
		return fmt.Errorf("max_range (%f) must exceed min_range (%f)", *c.MaxRange, *c.MinRange)
	}

	for _, z := range c.Zones {
		if z.Name == "" {
			return fmt.Errorf("zone at (%g, %g) has no name", z.X, z.Y)
		}
		if z.Radius <= 0 {
			return fmt.Errorf("zone %q radius must be positive, got %f", z.Name, z.Radius)
		}
		if _, err := time.ParseDuration(z.MinDwell); err != nil {
			return fmt.Errorf("zone %q: invalid min_dwell '%s': %w", z.Name, z.MinDwell, err)
		}
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// GetProfile returns the profile name or "outdoor".
func (c *TuningConfig) GetProfile() string {
	if c.Profile == nil || *c.Profile == "" {
		return "outdoor"
	}
	return *c.Profile
}

// GetTagID returns the tag identifier or the default 1.
func (c *TuningConfig) GetTagID() int {
	if c.TagID == nil {
		return 1
	}
	return *c.TagID
}

// GetAnchors returns the anchor table or the outdoor court layout.
func (c *TuningConfig) GetAnchors() []AnchorConfig {
	if len(c.Anchors) == 0 {
		return []AnchorConfig{
			{ID: 10, X: -1, Y: -1},
			{ID: 20, X: -1, Y: 21},
			{ID: 30, X: 41, Y: -1},
			{ID: 40, X: 41, Y: 21},
			{ID: 50, X: 20, Y: 25},
		}
	}
	return c.Anchors
}

// GetZones returns the zone table or the outdoor court zones.
func (c *TuningConfig) GetZones() []ZoneConfig {
	if c.Zones == nil {
		return []ZoneConfig{
			{Name: "Area_Porteria_1", X: 2, Y: 4, Radius: 3, MinDwell: "1s"},
			{Name: "Area_Porteria_2", X: 38, Y: 4, Radius: 3, MinDwell: "1s"},
			{Name: "Centro_Campo", X: 20, Y: 10, Radius: 3, MinDwell: "2s"},
			{Name: "Medio_Campo_1", X: 10, Y: 10, Radius: 5, MinDwell: "1500ms"},
			{Name: "Medio_Campo_2", X: 30, Y: 10, Radius: 5, MinDwell: "1500ms"},
			{Name: "Banda_Lateral", X: 20, Y: 2, Radius: 8, MinDwell: "500ms"},
		}
	}
	return c.Zones
}

// GetBounds returns the site area or the 40x20 m court.
func (c *TuningConfig) GetBounds() geom.Rect {
	if c.Bounds == nil {
		return geom.Rect{MinX: 0, MinY: 0, MaxX: 40, MaxY: 20}
	}
	return *c.Bounds
}

func (c *TuningConfig) GetCycleLength() time.Duration {
	return durationOr(c.CycleLength, 500*time.Millisecond)
}

func (c *TuningConfig) GetSlotWidth() time.Duration {
	return durationOr(c.SlotWidth, 100*time.Millisecond)
}

func (c *TuningConfig) GetResponseTimeout() time.Duration {
	return durationOr(c.ResponseTimeout, 100*time.Millisecond)
}

func (c *TuningConfig) GetRoundDelay() time.Duration {
	return durationOr(c.RoundDelay, 50*time.Millisecond)
}

func (c *TuningConfig) GetAnchorStaleTimeout() time.Duration {
	return durationOr(c.AnchorStaleTimeout, 15*time.Second)
}

func (c *TuningConfig) GetWatchdogTimeout() time.Duration {
	return durationOr(c.WatchdogTimeout, 30*time.Second)
}

// GetEnableResetBeacon returns the enable_reset_beacon value or the default.
func (c *TuningConfig) GetEnableResetBeacon() bool {
	if c.EnableResetBeacon == nil {
		return true
	}
	return *c.EnableResetBeacon
}

// GetEnableRangeFilter returns the enable_range_filter value or the default.
func (c *TuningConfig) GetEnableRangeFilter() bool {
	if c.EnableRangeFilter == nil {
		return true
	}
	return *c.EnableRangeFilter
}

func (c *TuningConfig) GetMinRange() float64 { return floatOr(c.MinRange, 0.5) }
func (c *TuningConfig) GetMaxRange() float64 { return floatOr(c.MaxRange, 50.0) }

// GetMinSignalQuality returns the minimum accepted signal power in dBm.
func (c *TuningConfig) GetMinSignalQuality() float64 { return floatOr(c.MinSignalQuality, -90) }

func (c *TuningConfig) GetDistanceProcessNoise() float64 {
	return floatOr(c.DistanceProcessNoise, 0.02)
}

func (c *TuningConfig) GetDistanceObservationNoise() float64 {
	return floatOr(c.DistanceObservationNoise, 0.15)
}

func (c *TuningConfig) GetDistancePriorVariance() float64 {
	return floatOr(c.DistancePriorVariance, 100)
}

func (c *TuningConfig) GetPositionProcessNoise() float64 {
	return floatOr(c.PositionProcessNoise, 0.05)
}

func (c *TuningConfig) GetVelocityProcessNoise() float64 {
	return floatOr(c.VelocityProcessNoise, 2.0)
}

func (c *TuningConfig) GetPositionObservationNoise() float64 {
	return floatOr(c.PositionObservationNoise, 0.08)
}

func (c *TuningConfig) GetPositionPriorVariance() float64 {
	return floatOr(c.PositionPriorVariance, 100)
}

func (c *TuningConfig) GetVelocityPriorVariance() float64 {
	return floatOr(c.VelocityPriorVariance, 10)
}

// GetMaxSpeed returns the maximum plausible subject speed in m/s.
func (c *TuningConfig) GetMaxSpeed() float64 { return floatOr(c.MaxSpeed, 8.0) }

func (c *TuningConfig) GetMaxPredictDt() time.Duration {
	return durationOr(c.MaxPredictDt, 2*time.Second)
}

func (c *TuningConfig) GetSolverMaxCondition() float64 {
	return floatOr(c.SolverMaxCondition, 1e8)
}

func (c *TuningConfig) GetTelemetryInterval() time.Duration {
	return durationOr(c.TelemetryInterval, 25*time.Millisecond)
}

func (c *TuningConfig) GetStatsReportInterval() time.Duration {
	return durationOr(c.StatsReportInterval, 60*time.Second)
}

func (c *TuningConfig) GetCounterFlushInterval() time.Duration {
	return durationOr(c.CounterFlushInterval, 5*time.Minute)
}

func (c *TuningConfig) GetLogRateLimit() time.Duration {
	return durationOr(c.LogRateLimit, time.Second)
}

// GetEnableUDPMetrics returns the enable_udp_metrics value or the default.
func (c *TuningConfig) GetEnableUDPMetrics() bool {
	if c.EnableUDPMetrics == nil {
		return false
	}
	return *c.EnableUDPMetrics
}

func (c *TuningConfig) GetUDPMetricsAddr() string {
	if c.UDPMetricsAddr == nil || *c.UDPMetricsAddr == "" {
		return "127.0.0.1:8888"
	}
	return *c.UDPMetricsAddr
}

package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/uwb.report/internal/geom"
)

// ErrInvalidSystem is returned by Resolve when the tuning values cannot form
// a consistent deployment.
var ErrInvalidSystem = errors.New("invalid system configuration")

// Anchor is an immutable anchor record.
type Anchor struct {
	ID       int
	Position geom.Point
}

// Zone is an immutable circular zone.
type Zone struct {
	Name     string
	Center   geom.Point
	Radius   float64
	MinDwell time.Duration
}

// System is the resolved, immutable configuration shared by every pipeline
// component. It is built once at startup by Resolve and passed by pointer;
// nothing mutates it afterwards.
type System struct {
	Profile string
	TagID   int

	// Anchors is indexed by slot; SlotOrder lists slot indices in the order
	// the scheduler polls them.
	Anchors   [AnchorCount]Anchor
	SlotOrder [AnchorCount]int
	Zones     []Zone
	Bounds    geom.Rect

	CycleLength     time.Duration
	SlotWidth       time.Duration
	ResponseTimeout time.Duration
	RoundDelay      time.Duration

	AnchorStaleTimeout time.Duration
	WatchdogTimeout    time.Duration
	ResetBeacon        bool

	RangeFilter      bool
	MinRange         float64
	MaxRange         float64
	MinSignalQuality float64

	DistanceQ     float64
	DistanceR     float64
	DistancePrior float64

	PositionQ      float64
	VelocityQ      float64
	PositionR      float64
	PositionPrior  float64
	VelocityPrior  float64
	MaxSpeed       float64
	MaxPredictDt   time.Duration
	SolverMaxCond  float64
	TelemetryEvery time.Duration
	StatsEvery     time.Duration
	FlushEvery     time.Duration
	LogRateLimit   time.Duration
	UDPMetrics     bool
	UDPMetricsAddr string
}

// ExchangeDeadline is the bounded wait for one ranging response: the response
// timeout, capped so the exchange still finishes a round delay before the
// slot ends.
func (s *System) ExchangeDeadline() time.Duration {
	d := s.ResponseTimeout
	if limit := s.SlotWidth - s.RoundDelay; limit < d {
		d = limit
	}
	return d
}

// SlotOf returns the slot index for an anchor ID.
func (s *System) SlotOf(anchorID int) (int, bool) {
	for i, a := range s.Anchors {
		if a.ID == anchorID {
			return i, true
		}
	}
	return -1, false
}

// Resolve validates the tuning config and builds the immutable System.
func (c *TuningConfig) Resolve() (*System, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSystem, err)
	}

	s := &System{
		Profile:            c.GetProfile(),
		TagID:              c.GetTagID(),
		Bounds:             c.GetBounds(),
		CycleLength:        c.GetCycleLength(),
		SlotWidth:          c.GetSlotWidth(),
		ResponseTimeout:    c.GetResponseTimeout(),
		RoundDelay:         c.GetRoundDelay(),
		AnchorStaleTimeout: c.GetAnchorStaleTimeout(),
		WatchdogTimeout:    c.GetWatchdogTimeout(),
		ResetBeacon:        c.GetEnableResetBeacon(),
		RangeFilter:        c.GetEnableRangeFilter(),
		MinRange:           c.GetMinRange(),
		MaxRange:           c.GetMaxRange(),
		MinSignalQuality:   c.GetMinSignalQuality(),
		DistanceQ:          c.GetDistanceProcessNoise(),
		DistanceR:          c.GetDistanceObservationNoise(),
		DistancePrior:      c.GetDistancePriorVariance(),
		PositionQ:          c.GetPositionProcessNoise(),
		VelocityQ:          c.GetVelocityProcessNoise(),
		PositionR:          c.GetPositionObservationNoise(),
		PositionPrior:      c.GetPositionPriorVariance(),
		VelocityPrior:      c.GetVelocityPriorVariance(),
		MaxSpeed:           c.GetMaxSpeed(),
		MaxPredictDt:       c.GetMaxPredictDt(),
		SolverMaxCond:      c.GetSolverMaxCondition(),
		TelemetryEvery:     c.GetTelemetryInterval(),
		StatsEvery:         c.GetStatsReportInterval(),
		FlushEvery:         c.GetCounterFlushInterval(),
		LogRateLimit:       c.GetLogRateLimit(),
		UDPMetrics:         c.GetEnableUDPMetrics(),
		UDPMetricsAddr:     c.GetUDPMetricsAddr(),
	}

	anchors := c.GetAnchors()
	if len(anchors) != AnchorCount {
		return nil, fmt.Errorf("%w: need exactly %d anchors, got %d", ErrInvalidSystem, AnchorCount, len(anchors))
	}
	seen := make(map[int]bool, AnchorCount)
	for i, a := range anchors {
		if seen[a.ID] {
			return nil, fmt.Errorf("%w: duplicate anchor id %d", ErrInvalidSystem, a.ID)
		}
		seen[a.ID] = true
		s.Anchors[i] = Anchor{ID: a.ID, Position: geom.Point{X: a.X, Y: a.Y}}
	}

	if len(c.SlotOrder) == 0 {
		for i := range s.SlotOrder {
			s.SlotOrder[i] = i
		}
	} else {
		if len(c.SlotOrder) != AnchorCount {
			return nil, fmt.Errorf("%w: slot_order must list all %d anchors", ErrInvalidSystem, AnchorCount)
		}
		used := make(map[int]bool, AnchorCount)
		for i, id := range c.SlotOrder {
			slot, ok := s.SlotOf(id)
			if !ok {
				return nil, fmt.Errorf("%w: slot_order names unknown anchor %d", ErrInvalidSystem, id)
			}
			if used[slot] {
				return nil, fmt.Errorf("%w: slot_order repeats anchor %d", ErrInvalidSystem, id)
			}
			used[slot] = true
			s.SlotOrder[i] = slot
		}
	}

	if s.SlotWidth <= 0 {
		return nil, fmt.Errorf("%w: slot_width must be positive", ErrInvalidSystem)
	}
	if s.CycleLength < time.Duration(AnchorCount)*s.SlotWidth {
		return nil, fmt.Errorf("%w: cycle_length %v shorter than %d slots of %v",
			ErrInvalidSystem, s.CycleLength, AnchorCount, s.SlotWidth)
	}
	if s.RoundDelay >= s.SlotWidth {
		return nil, fmt.Errorf("%w: round_delay %v leaves no time in a %v slot",
			ErrInvalidSystem, s.RoundDelay, s.SlotWidth)
	}
	if s.ResponseTimeout <= 0 {
		return nil, fmt.Errorf("%w: response_timeout must be positive", ErrInvalidSystem)
	}
	if s.WatchdogTimeout <= s.CycleLength {
		return nil, fmt.Errorf("%w: watchdog_timeout %v must exceed cycle_length %v",
			ErrInvalidSystem, s.WatchdogTimeout, s.CycleLength)
	}
	if s.MaxRange <= s.MinRange {
		return nil, fmt.Errorf("%w: max_range must exceed min_range", ErrInvalidSystem)
	}

	for _, z := range c.GetZones() {
		dwell, _ := time.ParseDuration(z.MinDwell)
		s.Zones = append(s.Zones, Zone{
			Name:     z.Name,
			Center:   geom.Point{X: z.X, Y: z.Y},
			Radius:   z.Radius,
			MinDwell: dwell,
		})
	}
	return s, nil
}

// DefaultSystem resolves the built-in outdoor defaults.
func DefaultSystem() *System {
	s, err := EmptyTuningConfig().Resolve()
	if err != nil {
		panic(fmt.Sprintf("built-in defaults do not resolve: %v", err))
	}
	return s
}

// IndoorTuningConfig returns the confined-room profile: a 3.45 x 5.40 m room
// with a faster TDMA cycle and tighter noise values.
func IndoorTuningConfig() *TuningConfig {
	return &TuningConfig{
		Profile: ptrString("indoor"),
		Anchors: []AnchorConfig{
			{ID: 10, X: 0, Y: 1.10},
			{ID: 20, X: 0, Y: 2.25},
			{ID: 30, X: 0, Y: 4.55},
			{ID: 40, X: 3.45, Y: 0},
			{ID: 50, X: 3.45, Y: 0.66},
		},
		Zones: []ZoneConfig{
			{Name: "Zona_Sofa", X: 0.8, Y: 3.8, Radius: 0.7, MinDwell: "750ms"},
			{Name: "Zona_TV", X: 2.8, Y: 1.5, Radius: 0.8, MinDwell: "500ms"},
			{Name: "Zona_Centro", X: 1.7, Y: 2.5, Radius: 1.0, MinDwell: "1s"},
			{Name: "Zona_Entrada", X: 1.2, Y: 0.8, Radius: 0.6, MinDwell: "500ms"},
		},
		Bounds:                   &geom.Rect{MinX: 0, MinY: 0, MaxX: 3.45, MaxY: 5.40},
		CycleLength:              ptrString("200ms"),
		SlotWidth:                ptrString("40ms"),
		ResponseTimeout:          ptrString("60ms"),
		RoundDelay:               ptrString("20ms"),
		AnchorStaleTimeout:       ptrString("10s"),
		WatchdogTimeout:          ptrString("15s"),
		MinRange:                 ptrFloat64(0.15),
		MaxRange:                 ptrFloat64(8.0),
		DistanceProcessNoise:     ptrFloat64(0.01),
		DistanceObservationNoise: ptrFloat64(0.08),
		PositionProcessNoise:     ptrFloat64(0.02),
		VelocityProcessNoise:     ptrFloat64(0.5),
		PositionObservationNoise: ptrFloat64(0.05),
		MaxSpeed:                 ptrFloat64(2.5),
		TelemetryInterval:        ptrString("20ms"),
		StatsReportInterval:      ptrString("30s"),
		LogRateLimit:             ptrString("500ms"),
		EnableResetBeacon:        ptrBool(true),
	}
}

// BuiltinProfile returns the named built-in profile.
func BuiltinProfile(name string) (*TuningConfig, error) {
	switch name {
	case "", "outdoor":
		return EmptyTuningConfig(), nil
	case "indoor":
		return IndoorTuningConfig(), nil
	}
	return nil, fmt.Errorf("unknown profile %q (want outdoor or indoor)", name)
}

// Package units converts the pipeline's SI values for display.
package units

import (
	"fmt"
	"strings"
)

// Speed units. The pipeline works in metres per second.
const (
	MPS  = "mps"
	MPH  = "mph"
	KMPH = "kmph"
	KPH  = "kph"
)

// Distance units. The pipeline works in metres.
const (
	Metres      = "m"
	Centimetres = "cm"
	Feet        = "ft"
)

// ValidUnits contains all valid speed unit values
var ValidUnits = []string{MPS, MPH, KMPH, KPH}

// ValidDistanceUnits contains all valid distance unit values
var ValidDistanceUnits = []string{Metres, Centimetres, Feet}

// IsValid checks if the given speed unit is known
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// IsValidDistance checks if the given distance unit is known
func IsValidDistance(unit string) bool {
	for _, validUnit := range ValidDistanceUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// ConvertSpeed converts a speed from metres per second to the target units.
// Unknown units leave the value in m/s.
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	switch targetUnits {
	case MPH:
		return speedMPS * 2.2369362920544
	case KMPH, KPH:
		return speedMPS * 3.6
	default:
		return speedMPS
	}
}

// ConvertDistance converts metres to the target units.
func ConvertDistance(metres float64, targetUnits string) float64 {
	switch targetUnits {
	case Centimetres:
		return metres * 100
	case Feet:
		return metres / 0.3048
	default:
		return metres
	}
}

// ParseSpeed returns the speed unit named by s, or def when s is empty.
func ParseSpeed(s, def string) (string, error) {
	if s == "" {
		return def, nil
	}
	if !IsValid(s) {
		return "", fmt.Errorf("invalid units %q, must be one of: %s", s, GetValidUnitsString())
	}
	return s, nil
}

// ParseDistance returns the distance unit named by s, or def when s is empty.
func ParseDistance(s, def string) (string, error) {
	if s == "" {
		return def, nil
	}
	if !IsValidDistance(s) {
		return "", fmt.Errorf("invalid distance units %q, must be one of: %s", s, strings.Join(ValidDistanceUnits, ", "))
	}
	return s, nil
}

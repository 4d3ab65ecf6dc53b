// Package units provides shared constants and conversions for the display
// units used by session summaries and reports
package units

import (
	"fmt"
	"math"
)

// Unit constants
const (
	MPS = "mps"
	KPH = "kph"
	MPH = "mph"
)

// Distance constants
const (
	MetresPerMile = 1609.344
	MetresPerKm   = 1000.0
	FeetPerMetre  = 3.28084
)

// ValidUnits contains all valid speed unit values
var ValidUnits = []string{MPS, KPH, MPH}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "mps, kph, mph"
}

// ConvertSpeed converts a speed from metres per second to the target units.
// The pipeline computes speeds in m/s throughout.
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	switch targetUnits {
	case MPH:
		return speedMPS * 2.2369362920544
	case KPH:
		return speedMPS * 3.6
	case MPS:
		return speedMPS
	default:
		return speedMPS
	}
}

// PaceSecPerKm converts a speed in m/s to seconds per kilometre.
// Returns 0 for non-positive speeds (pace unknown).
func PaceSecPerKm(speedMPS float64) float64 {
	if speedMPS <= 0 {
		return 0
	}
	return MetresPerKm / speedMPS
}

// PaceSecPerMile converts a speed in m/s to seconds per mile.
// Returns 0 for non-positive speeds.
func PaceSecPerMile(speedMPS float64) float64 {
	if speedMPS <= 0 {
		return 0
	}
	return MetresPerMile / speedMPS
}

// FormatPace renders a pace in seconds-per-unit as "mm:ss". Zero or negative
// paces render as "--:--" so displays never show a bogus sprint pace.
func FormatPace(secPerUnit float64) string {
	if secPerUnit <= 0 || math.IsInf(secPerUnit, 0) || math.IsNaN(secPerUnit) {
		return "--:--"
	}
	total := int(math.Round(secPerUnit))
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

// MetresToKm converts metres to kilometres.
func MetresToKm(m float64) float64 { return m / MetresPerKm }

// MetresToMiles converts metres to miles.
func MetresToMiles(m float64) float64 { return m / MetresPerMile }

// MetresToFeet converts metres to feet.
func MetresToFeet(m float64) float64 { return m * FeetPerMetre }

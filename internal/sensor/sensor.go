// Package sensor defines the raw sample types flowing into the estimation
// pipeline and their validation rules. Platform location/motion adapters
// produce these; everything downstream consumes them.
package sensor

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Sentinel error categories for sample-level failures. These are recovered
// inside the pipeline (drop, count, log) and never surface to callers.
var (
	// ErrInvalidSample marks a sample with malformed fields (NaN/Inf,
	// out-of-range coordinates, zero timestamp).
	ErrInvalidSample = errors.New("invalid sample")

	// ErrStaleSample marks a sample older than the processing watermark.
	ErrStaleSample = errors.New("stale sample")

	// ErrSensorUnavailable marks a stream that has gone missing (no
	// barometer, no motion snapshots) so consumers can degrade.
	ErrSensorUnavailable = errors.New("sensor unavailable")
)

// RawSample is one GPS fix as delivered by the platform location service,
// plus the battery level observed at the same instant. Fields that the
// platform could not determine use negative values (Speed, Course,
// BatteryLevel) or nil (BarometricAltitude).
type RawSample struct {
	Timestamp          time.Time
	Latitude           float64  // degrees, WGS84
	Longitude          float64  // degrees, WGS84
	Altitude           float64  // GPS altitude, metres
	HorizontalAccuracy float64  // metres, 1-sigma radius; <= 0 means invalid fix
	VerticalAccuracy   float64  // metres; <= 0 means unknown
	Speed              float64  // m/s over ground; < 0 means unknown
	Course             float64  // degrees true; < 0 means unknown
	BarometricAltitude *float64 // relative barometric altitude, metres; nil when absent
	BatteryLevel       float64  // 0..1; < 0 means unknown
}

// Validate reports whether the sample is structurally usable. A sample with
// non-positive HorizontalAccuracy is still valid here: the location filter
// rejects it as a measurement, but the battery level and timestamp remain
// usable.
func (s RawSample) Validate() error {
	if s.Timestamp.IsZero() {
		return fmt.Errorf("%w: zero timestamp", ErrInvalidSample)
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"latitude", s.Latitude},
		{"longitude", s.Longitude},
		{"altitude", s.Altitude},
		{"horizontal_accuracy", s.HorizontalAccuracy},
		{"vertical_accuracy", s.VerticalAccuracy},
		{"speed", s.Speed},
		{"course", s.Course},
		{"battery_level", s.BatteryLevel},
	} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidSample, f.name)
		}
	}
	if s.BarometricAltitude != nil {
		if v := *s.BarometricAltitude; math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: barometric_altitude is not finite", ErrInvalidSample)
		}
	}
	if s.Latitude < -90 || s.Latitude > 90 {
		return fmt.Errorf("%w: latitude %.6f out of range", ErrInvalidSample, s.Latitude)
	}
	if s.Longitude < -180 || s.Longitude > 180 {
		return fmt.Errorf("%w: longitude %.6f out of range", ErrInvalidSample, s.Longitude)
	}
	if s.BatteryLevel > 1 {
		return fmt.Errorf("%w: battery_level %.2f out of range", ErrInvalidSample, s.BatteryLevel)
	}
	return nil
}

// HasBarometer reports whether the sample carries a barometric altitude.
func (s RawSample) HasBarometer() bool { return s.BarometricAltitude != nil }

// MotionSnapshot is one inertial measurement window from the platform
// motion service: user acceleration with gravity removed, rotation rate,
// and the pedometer cadence when available.
type MotionSnapshot struct {
	Timestamp    time.Time
	Accel        [3]float64 // m/s^2, gravity removed
	RotationRate [3]float64 // rad/s
	StepCadence  float64    // steps/min; < 0 means unknown
}

// Validate reports whether the snapshot is structurally usable.
func (m MotionSnapshot) Validate() error {
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: zero timestamp", ErrInvalidSample)
	}
	for i, v := range m.Accel {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: accel[%d] is not finite", ErrInvalidSample, i)
		}
	}
	for i, v := range m.RotationRate {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: rotation_rate[%d] is not finite", ErrInvalidSample, i)
		}
	}
	if math.IsNaN(m.StepCadence) || math.IsInf(m.StepCadence, 0) {
		return fmt.Errorf("%w: step_cadence is not finite", ErrInvalidSample)
	}
	return nil
}

// AccelMagnitude returns the Euclidean norm of the user acceleration.
func (m MotionSnapshot) AccelMagnitude() float64 {
	return math.Sqrt(m.Accel[0]*m.Accel[0] + m.Accel[1]*m.Accel[1] + m.Accel[2]*m.Accel[2])
}

// RotationMagnitude returns the Euclidean norm of the rotation rate.
func (m MotionSnapshot) RotationMagnitude() float64 {
	return math.Sqrt(m.RotationRate[0]*m.RotationRate[0] +
		m.RotationRate[1]*m.RotationRate[1] +
		m.RotationRate[2]*m.RotationRate[2])
}

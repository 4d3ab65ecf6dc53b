package sensor

import (
	"errors"
	"math"
	"testing"
	"time"
)

func validSample() RawSample {
	return RawSample{
		Timestamp:          time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		Latitude:           37.0,
		Longitude:          -122.0,
		Altitude:           120.5,
		HorizontalAccuracy: 5.0,
		VerticalAccuracy:   8.0,
		Speed:              1.4,
		Course:             271.0,
		BatteryLevel:       0.83,
	}
}

func TestRawSample_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RawSample)
		wantErr bool
	}{
		{"valid", func(s *RawSample) {}, false},
		{"zero timestamp", func(s *RawSample) { s.Timestamp = time.Time{} }, true},
		{"nan latitude", func(s *RawSample) { s.Latitude = math.NaN() }, true},
		{"inf longitude", func(s *RawSample) { s.Longitude = math.Inf(1) }, true},
		{"latitude too large", func(s *RawSample) { s.Latitude = 90.5 }, true},
		{"latitude too small", func(s *RawSample) { s.Latitude = -91 }, true},
		{"longitude out of range", func(s *RawSample) { s.Longitude = 180.1 }, true},
		{"battery above one", func(s *RawSample) { s.BatteryLevel = 1.1 }, true},
		{"nan baro", func(s *RawSample) {
			v := math.NaN()
			s.BarometricAltitude = &v
		}, true},
		// Non-positive accuracy is a measurement-level reject, not malformed input
		{"zero accuracy still valid", func(s *RawSample) { s.HorizontalAccuracy = 0 }, false},
		{"unknown speed still valid", func(s *RawSample) { s.Speed = -1 }, false},
		{"unknown battery still valid", func(s *RawSample) { s.BatteryLevel = -1 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSample()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err != nil && !errors.Is(err, ErrInvalidSample) {
				t.Errorf("error %v should wrap ErrInvalidSample", err)
			}
		})
	}
}

func TestMotionSnapshot_Validate(t *testing.T) {
	base := MotionSnapshot{
		Timestamp:    time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		Accel:        [3]float64{0.1, -0.2, 0.9},
		RotationRate: [3]float64{0.01, 0.02, -0.01},
		StepCadence:  112,
	}

	if err := base.Validate(); err != nil {
		t.Fatalf("valid snapshot rejected: %v", err)
	}

	bad := base
	bad.Timestamp = time.Time{}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidSample) {
		t.Errorf("zero timestamp: got %v, want ErrInvalidSample", err)
	}

	bad = base
	bad.Accel[1] = math.Inf(-1)
	if err := bad.Validate(); !errors.Is(err, ErrInvalidSample) {
		t.Errorf("inf accel: got %v, want ErrInvalidSample", err)
	}

	bad = base
	bad.RotationRate[2] = math.NaN()
	if err := bad.Validate(); !errors.Is(err, ErrInvalidSample) {
		t.Errorf("nan rotation: got %v, want ErrInvalidSample", err)
	}
}

func TestAccelMagnitude(t *testing.T) {
	m := MotionSnapshot{Accel: [3]float64{3, 4, 0}}
	if got := m.AccelMagnitude(); math.Abs(got-5) > 1e-12 {
		t.Errorf("AccelMagnitude = %v, want 5", got)
	}
}

func TestRotationMagnitude(t *testing.T) {
	m := MotionSnapshot{RotationRate: [3]float64{0, 0, 2}}
	if got := m.RotationMagnitude(); math.Abs(got-2) > 1e-12 {
		t.Errorf("RotationMagnitude = %v, want 2", got)
	}
}

func TestHasBarometer(t *testing.T) {
	s := validSample()
	if s.HasBarometer() {
		t.Error("sample without baro reports HasBarometer")
	}
	v := 12.5
	s.BarometricAltitude = &v
	if !s.HasBarometer() {
		t.Error("sample with baro reports no barometer")
	}
}

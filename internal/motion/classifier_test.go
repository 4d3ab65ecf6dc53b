package motion

import (
	"testing"
	"time"

	"github.com/lelanhus/ruck-map-sub009/internal/sensor"
)

var testStart = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// feedMotion pushes n snapshots at 100ms spacing whose accel magnitudes
// alternate base±spread, giving an accel variance close to spread².
func feedMotion(c *Classifier, start time.Time, n int, spread, cadence float64) time.Time {
	at := start
	for i := 0; i < n; i++ {
		mag := 1.0 + spread
		if i%2 == 1 {
			mag = 1.0 - spread
		}
		c.Observe(sensor.MotionSnapshot{
			Timestamp:   at,
			Accel:       [3]float64{mag, 0, 0},
			StepCadence: cadence,
		})
		at = at.Add(100 * time.Millisecond)
	}
	return at
}

func TestClassify_Walking(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	at := feedMotion(c, testStart, 16, 0.5, 110) // moderate footfalls, walking cadence

	got := c.Classify(1.4, true, at)
	if got.Regime != RegimeWalking {
		t.Errorf("regime = %q, want %q", got.Regime, RegimeWalking)
	}
	if got.Confidence < MediumConfidence {
		t.Errorf("confidence = %.2f, want >= %.2f", got.Confidence, MediumConfidence)
	}
}

func TestClassify_Stationary(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	at := feedMotion(c, testStart, 16, 0.05, -1) // near-still accel, no cadence

	got := c.Classify(0.1, true, at)
	if got.Regime != RegimeStationary {
		t.Errorf("regime = %q, want %q", got.Regime, RegimeStationary)
	}
}

func TestClassify_SplitsCyclingFromJogging(t *testing.T) {
	// Same 3 m/s speed: footfall variance means jogging, smooth means cycling.
	tests := []struct {
		name    string
		spread  float64
		cadence float64
		want    ActivityRegime
	}{
		{"bouncing gait is jogging", 1.3, 150, RegimeJogging},
		{"smooth ride is cycling", 0.2, -1, RegimeCycling},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier(DefaultConfig())
			at := feedMotion(c, testStart, 16, tt.spread, tt.cadence)
			got := c.Classify(3.0, true, at)
			if got.Regime != tt.want {
				t.Errorf("regime = %q, want %q", got.Regime, tt.want)
			}
		})
	}
}

func TestClassify_Running(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	at := feedMotion(c, testStart, 16, 1.5, 170)

	got := c.Classify(4.2, true, at)
	if got.Regime != RegimeRunning {
		t.Errorf("regime = %q, want %q", got.Regime, RegimeRunning)
	}
}

func TestClassify_AutomotiveAtHighSpeed(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	// No motion snapshots at all: speed alone above the cycling band
	got := c.Classify(25.0, true, testStart)
	if got.Regime != RegimeAutomotive {
		t.Errorf("regime = %q, want %q", got.Regime, RegimeAutomotive)
	}
}

func TestClassify_SpeedOnlyCapsConfidence(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	got := c.Classify(1.4, true, testStart)
	if got.Regime != RegimeWalking {
		t.Errorf("regime = %q, want %q", got.Regime, RegimeWalking)
	}
	if got.Confidence > LowConfidence {
		t.Errorf("speed-only confidence = %.2f, want <= %.2f", got.Confidence, LowConfidence)
	}
}

func TestClassify_NoEvidenceIsUnknown(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	got := c.Classify(0, false, testStart)
	if got.Regime != RegimeUnknown {
		t.Errorf("regime = %q, want %q", got.Regime, RegimeUnknown)
	}
	if got.Confidence != 0 {
		t.Errorf("confidence = %.2f, want 0", got.Confidence)
	}
}

func TestClassify_DebounceLimitsChanges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RegimeDwell = 5 * time.Second
	c := NewClassifier(cfg)

	// Establish walking
	at := feedMotion(c, testStart, 16, 0.5, 110)
	first := c.Classify(1.4, true, at)
	if first.Regime != RegimeWalking {
		t.Fatalf("setup: regime = %q, want walking", first.Regime)
	}

	// Alternate across the walking/jogging boundary every second for 20s.
	// Faster than the dwell, so the committed regime must never leave walking.
	changes := 0
	last := first.Regime
	for i := 0; i < 20; i++ {
		at = at.Add(time.Second)
		speed := 1.8
		if i%2 == 0 {
			speed = 2.6
		}
		feedMotion(c, at, 4, 1.3, 130)
		got := c.Classify(speed, true, at)
		if got.Regime != last {
			changes++
			last = got.Regime
		}
	}
	if changes > 1 {
		t.Errorf("committed %d regime changes under boundary alternation, want at most 1", changes)
	}
}

func TestClassify_SustainedChangeCommitsAfterDwell(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RegimeDwell = 5 * time.Second
	c := NewClassifier(cfg)

	at := feedMotion(c, testStart, 16, 0.5, 110)
	if got := c.Classify(1.4, true, at); got.Regime != RegimeWalking {
		t.Fatalf("setup: regime = %q, want walking", got.Regime)
	}

	// Sustained jogging for longer than the dwell must commit.
	var got Classification
	for i := 0; i < 8; i++ {
		at = at.Add(time.Second)
		feedMotion(c, at, 4, 1.3, 150)
		got = c.Classify(2.8, true, at)
	}
	if got.Regime != RegimeJogging {
		t.Errorf("regime after sustained change = %q, want %q", got.Regime, RegimeJogging)
	}
}

func TestMaxBandSpeed(t *testing.T) {
	tests := []struct {
		regime ActivityRegime
		want   float64
	}{
		{RegimeStationary, StationarySpeedMax},
		{RegimeWalking, WalkingSpeedMax},
		{RegimeJogging, JoggingSpeedMax},
		{RegimeRunning, RunningSpeedMax},
		{RegimeCycling, CyclingSpeedMax},
		{RegimeAutomotive, 0},
		{RegimeUnknown, 0},
	}
	for _, tt := range tests {
		if got := MaxBandSpeed(tt.regime); got != tt.want {
			t.Errorf("MaxBandSpeed(%q) = %v, want %v", tt.regime, got, tt.want)
		}
	}
}

func TestSuppressionEligible(t *testing.T) {
	if !SuppressionEligible(RegimeStationary) {
		t.Error("stationary should be suppression eligible")
	}
	for _, r := range []ActivityRegime{RegimeWalking, RegimeJogging, RegimeRunning, RegimeCycling, RegimeAutomotive, RegimeUnknown} {
		if SuppressionEligible(r) {
			t.Errorf("%q should not be suppression eligible", r)
		}
	}
}

func TestObserve_WindowBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window = 8
	c := NewClassifier(cfg)
	feedMotion(c, testStart, 50, 0.5, 100)
	if len(c.window) != 8 {
		t.Errorf("window length = %d, want 8", len(c.window))
	}
}

package fusion

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/lelanhus/ruck-map-sub009/internal/motion"
	"github.com/lelanhus/ruck-map-sub009/internal/sensor"
)

var fixBase = time.Date(2025, 6, 14, 8, 0, 0, 0, time.UTC)

func gpsAt(ts time.Time, lat, lon, acc float64) sensor.RawSample {
	return sensor.RawSample{
		Timestamp:          ts,
		Latitude:           lat,
		Longitude:          lon,
		HorizontalAccuracy: acc,
		VerticalAccuracy:   -1,
		Speed:              -1,
		Course:             -1,
		BatteryLevel:       -1,
	}
}

func classified(r motion.ActivityRegime, conf float64) motion.Classification {
	return motion.Classification{Regime: r, Confidence: conf, At: fixBase}
}

// feedEastbound feeds n fixes walking due east at speed m/s, one second
// apart, starting at (lat, lon). Returns the last sample time.
func feedEastbound(t *testing.T, f *Filter, n int, lat, lon, speed, acc float64, c motion.Classification) time.Time {
	t.Helper()
	lonStep := speed / (metresPerDegLat * math.Cos(lat*math.Pi/180))
	var ts time.Time
	for i := 0; i < n; i++ {
		ts = fixBase.Add(time.Duration(i) * time.Second)
		if _, err := f.Process(gpsAt(ts, lat, lon+float64(i)*lonStep, acc), c); err != nil {
			t.Fatalf("fix %d rejected: %v", i, err)
		}
	}
	return ts
}

func TestFilterFirstFix(t *testing.T) {
	f := NewFilter(DefaultConfig())

	if f.Ready() {
		t.Fatal("filter ready before any fix")
	}

	fix, err := f.Process(gpsAt(fixBase, 37.0, -122.0, 7.0), classified(motion.RegimeUnknown, 0.2))
	if err != nil {
		t.Fatalf("first fix rejected: %v", err)
	}
	if fix.Latitude != 37.0 || fix.Longitude != -122.0 {
		t.Errorf("first fix at (%f, %f), want raw coordinates", fix.Latitude, fix.Longitude)
	}
	if fix.Uncertainty != 7.0 {
		t.Errorf("first fix uncertainty = %f, want reported accuracy 7.0", fix.Uncertainty)
	}
	if fix.Speed != 0 {
		t.Errorf("first fix speed = %f, want 0", fix.Speed)
	}
	if fix.Course != -1 {
		t.Errorf("first fix course = %f, want -1 until established", fix.Course)
	}
	if !f.Ready() {
		t.Error("filter not ready after first fix")
	}
}

func TestFilterRejectsNonPositiveAccuracy(t *testing.T) {
	f := NewFilter(DefaultConfig())
	last := feedEastbound(t, f, 5, 37.0, -122.0, 1.4, 5.0, classified(motion.RegimeWalking, 0.85))
	held := f.LastFix()

	for _, acc := range []float64{0, -1} {
		fix, err := f.Process(gpsAt(last.Add(time.Second), 37.0, -122.0, acc), classified(motion.RegimeWalking, 0.85))
		if !errors.Is(err, ErrNonPositiveAccuracy) {
			t.Fatalf("accuracy %f: err = %v, want ErrNonPositiveAccuracy", acc, err)
		}
		if fix != held {
			t.Errorf("accuracy %f: published fix changed on rejection", acc)
		}
	}
}

// A single sample with accuracy far above the rolling average must never
// move the published fix.
func TestFilterRejectsAccuracyOutlier(t *testing.T) {
	f := NewFilter(DefaultConfig())
	c := classified(motion.RegimeStationary, 0.85)

	var ts time.Time
	for i := 0; i < 5; i++ {
		ts = fixBase.Add(time.Duration(i) * time.Second)
		if _, err := f.Process(gpsAt(ts, 37.0, -122.0, 5.0), c); err != nil {
			t.Fatalf("warmup fix %d rejected: %v", i, err)
		}
	}
	held := f.LastFix()

	// Rolling mean is 5 m, so 60 m breaches the 10x factor.
	fix, err := f.Process(gpsAt(ts.Add(time.Second), 37.001, -122.001, 60.0), c)
	if !errors.Is(err, ErrAccuracyOutlier) {
		t.Fatalf("err = %v, want ErrAccuracyOutlier", err)
	}
	if fix != held {
		t.Error("published fix moved on an accuracy outlier")
	}

	// The outlier must not pollute the window: a good fix still passes.
	if _, err := f.Process(gpsAt(ts.Add(2*time.Second), 37.0, -122.0, 5.0), c); err != nil {
		t.Fatalf("good fix after outlier rejected: %v", err)
	}
}

func TestFilterTracksWalkingPace(t *testing.T) {
	f := NewFilter(DefaultConfig())
	feedEastbound(t, f, 40, 37.0, -122.0, 1.4, 5.0, classified(motion.RegimeWalking, 0.85))

	fix := f.LastFix()
	if fix.Predicted {
		t.Error("measurement-updated fix flagged Predicted")
	}
	if fix.Speed < 1.1 || fix.Speed > 1.7 {
		t.Errorf("speed = %f m/s, want near 1.4", fix.Speed)
	}
	if fix.Course < 80 || fix.Course > 100 {
		t.Errorf("course = %f, want near 90 (due east)", fix.Course)
	}
	if fix.Uncertainty <= 0 || fix.Uncertainty > 10 {
		t.Errorf("uncertainty = %f m, want converged below reported accuracy", fix.Uncertainty)
	}
}

func TestFilterInnovationGate(t *testing.T) {
	f := NewFilter(DefaultConfig())
	c := classified(motion.RegimeUnknown, 0.3) // below aid threshold, band check off

	var ts time.Time
	for i := 0; i < 8; i++ {
		ts = fixBase.Add(time.Duration(i) * time.Second)
		if _, err := f.Process(gpsAt(ts, 37.0, -122.0, 5.0), c); err != nil {
			t.Fatalf("warmup fix %d rejected: %v", i, err)
		}
	}
	held := f.LastFix()

	// 40 m east in one second: statistically impossible against a tight
	// covariance, yet under the hard teleport ceiling.
	jump := 40.0 / (metresPerDegLat * math.Cos(37.0*math.Pi/180))
	fix, err := f.Process(gpsAt(ts.Add(time.Second), 37.0, -122.0+jump, 5.0), c)
	if !errors.Is(err, ErrInnovationGate) {
		t.Fatalf("err = %v, want ErrInnovationGate", err)
	}
	if fix != held {
		t.Error("published fix moved on a gated innovation")
	}
}

func TestFilterImpliedSpeedReject(t *testing.T) {
	f := NewFilter(DefaultConfig())
	c := classified(motion.RegimeWalking, 0.85)
	last := feedEastbound(t, f, 6, 37.0, -122.0, 1.4, 5.0, c)
	held := f.LastFix()

	// 10 m/s implied while confidently walking (band tops at 2.1 m/s).
	jump := 10.0 / (metresPerDegLat * math.Cos(37.0*math.Pi/180))
	fix, err := f.Process(gpsAt(last.Add(time.Second), 37.0, held.Longitude+jump, 5.0), c)
	if !errors.Is(err, ErrImpliedSpeed) {
		t.Fatalf("err = %v, want ErrImpliedSpeed", err)
	}
	if fix != held {
		t.Error("published fix moved on an implied-speed outlier")
	}
}

func TestFilterPredict(t *testing.T) {
	f := NewFilter(DefaultConfig())

	if _, err := f.Predict(fixBase); !errors.Is(err, ErrNotReady) {
		t.Fatalf("predict before init: err = %v, want ErrNotReady", err)
	}

	last := feedEastbound(t, f, 40, 37.0, -122.0, 1.4, 5.0, classified(motion.RegimeWalking, 0.85))
	anchor := f.LastFix()

	short, err := f.Predict(last.Add(5 * time.Second))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if !short.Predicted {
		t.Error("predicted fix not flagged Predicted")
	}
	if short.Speed >= anchor.Speed {
		t.Errorf("predicted speed = %f, want decayed below %f", short.Speed, anchor.Speed)
	}

	long, err := f.Predict(last.Add(65 * time.Second))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}

	// Decaying velocity bounds total coast drift near v*tau.
	drift := geo.Distance(orb.Point{anchor.Longitude, anchor.Latitude}, orb.Point{long.Longitude, long.Latitude})
	if drift > 10 {
		t.Errorf("coast drift = %f m, want bounded below 10 m", drift)
	}
	if long.Uncertainty < short.Uncertainty {
		t.Errorf("uncertainty shrank while coasting: %f then %f", short.Uncertainty, long.Uncertainty)
	}
	if long.Uncertainty > DefaultConfig().SuppressionMaxUncert {
		t.Errorf("uncertainty = %f m, want clamped at %f m", long.Uncertainty, DefaultConfig().SuppressionMaxUncert)
	}
}

func TestFilterResetsAfterLongGap(t *testing.T) {
	f := NewFilter(DefaultConfig())
	last := feedEastbound(t, f, 10, 37.0, -122.0, 1.4, 5.0, classified(motion.RegimeWalking, 0.85))

	fix, err := f.Process(gpsAt(last.Add(6*time.Minute), 37.01, -122.01, 8.0), classified(motion.RegimeWalking, 0.85))
	if err != nil {
		t.Fatalf("fix after outage rejected: %v", err)
	}
	if fix.Speed != 0 {
		t.Errorf("speed after reset = %f, want 0", fix.Speed)
	}
	if fix.Uncertainty != 8.0 {
		t.Errorf("uncertainty after reset = %f, want reported accuracy 8.0", fix.Uncertainty)
	}
	if fix.Latitude != 37.01 || fix.Longitude != -122.01 {
		t.Errorf("fix after reset at (%f, %f), want raw coordinates", fix.Latitude, fix.Longitude)
	}
}

func TestFilterStationaryDamping(t *testing.T) {
	f := NewFilter(DefaultConfig())
	c := classified(motion.RegimeStationary, 0.9)

	// Jitter around a point: alternating 3 m east/west offsets.
	offset := 3.0 / (metresPerDegLat * math.Cos(37.0*math.Pi/180))
	for i := 0; i < 20; i++ {
		lon := -122.0
		if i%2 == 0 {
			lon += offset
		} else {
			lon -= offset
		}
		ts := fixBase.Add(time.Duration(i) * time.Second)
		if _, err := f.Process(gpsAt(ts, 37.0, lon, 5.0), c); err != nil {
			t.Fatalf("jitter fix %d rejected: %v", i, err)
		}
	}

	fix := f.LastFix()
	if fix.Speed > 0.3 {
		t.Errorf("stationary speed = %f m/s, want damped below 0.3", fix.Speed)
	}
	drift := geo.Distance(orb.Point{-122.0, 37.0}, orb.Point{fix.Longitude, fix.Latitude})
	if drift > 10 {
		t.Errorf("stationary drift = %f m, want pinned near the true point", drift)
	}
}

func TestFilterCourseWrap(t *testing.T) {
	f := NewFilter(DefaultConfig())

	// Heading 355 degrees: mostly north, slightly west. Smoothing must not
	// swing through south when successive estimates straddle 0/360.
	speed := 1.4
	heading := 355.0 * math.Pi / 180
	latStep := speed * math.Cos(heading) / metresPerDegLat
	lonStep := speed * math.Sin(heading) / (metresPerDegLat * math.Cos(37.0*math.Pi/180))
	c := classified(motion.RegimeWalking, 0.85)
	for i := 0; i < 30; i++ {
		ts := fixBase.Add(time.Duration(i) * time.Second)
		s := gpsAt(ts, 37.0+float64(i)*latStep, -122.0+float64(i)*lonStep, 5.0)
		if _, err := f.Process(s, c); err != nil {
			t.Fatalf("fix %d rejected: %v", i, err)
		}
		if course := f.LastFix().Course; course >= 0 {
			if course > 15 && course < 340 {
				t.Fatalf("fix %d: course = %f, swung away from the 355 heading", i, course)
			}
		}
	}
}

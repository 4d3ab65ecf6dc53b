// Package elevation fuses barometric and GPS altitude into a drift-bounded
// elevation estimate, accumulates gain and loss above a noise floor, and
// derives grade and an effort multiplier from the fused profile.
package elevation

import (
	"math"
	"time"

	"github.com/paulmach/orb/geo"

	"github.com/lelanhus/ruck-map-sub009/internal/config"
	"github.com/lelanhus/ruck-map-sub009/internal/fusion"
	"github.com/lelanhus/ruck-map-sub009/internal/sensor"
)

// GradeSample is one emitted elevation/grade observation.
type GradeSample struct {
	Timestamp     time.Time
	Altitude      float64 // fused, metres
	AltitudeDelta float64 // metres committed past the noise floor this sample
	Instantaneous float64 // percent
	Smoothed      float64 // percent, EWMA
	Multiplier    float64 // effort multiplier in [1, MaxMultiplier]
	Confidence    float64 // 0..1
}

// Totals are the cumulative elevation aggregates for a session.
type Totals struct {
	Gain        float64
	Loss        float64
	MinAltitude float64
	MaxAltitude float64
	Altitude    float64 // current fused altitude
}

// Confidence shaping. Vertical accuracy at or under goodVerticalAccuracy is
// treated as full quality; fused altitude carried on baro alone degrades
// once the last absolute anchor ages past the anchor interval.
const (
	goodVerticalAccuracy = 8.0 // metres
	anchorDecaySpan      = 5   // multiples of AnchorInterval to reach the floor
	confidenceFloor      = 0.05
	gapGraceSeconds      = 5.0
	gapFactorFloor       = 0.25
)

// Config holds the elevation engine tuning.
type Config struct {
	BaroDeltaWeight     float64       // baro share of each fused delta (default: 0.85)
	AnchorInterval      time.Duration // absolute re-anchor cadence (default: 60s)
	AnchorGain          float64       // pull fraction toward GPS at anchor (default: 0.1)
	NoiseFloor          float64       // metres; smaller moves never accumulate (default: 0.2)
	MinHorizontalDelta  float64       // metres of run required to emit a grade (default: 0.5)
	GradeSmoothingAlpha float64       // EWMA weight for new grade (default: 0.3)
	GradeDeadBand       float64       // percent; flat band around zero (default: 1.0)
	UphillSlopePerPct   float64       // multiplier slope above dead band (default: 0.045)
	DownhillThreshold   float64       // percent descent before penalty (default: 3.0)
	DownhillSlopePerPct float64       // multiplier slope past threshold (default: 0.02)
	MaxMultiplier       float64       // multiplier ceiling (default: 2.0)
	GPSAltitudeAlpha    float64       // base EWMA weight for GPS-only altitude (default: 0.2)
	HistorySize         int           // grade ring size (default: 120)
}

// DefaultConfig returns the compiled elevation defaults.
func DefaultConfig() Config {
	return Config{
		BaroDeltaWeight:     0.85,
		AnchorInterval:      60 * time.Second,
		AnchorGain:          0.1,
		NoiseFloor:          0.2,
		MinHorizontalDelta:  0.5,
		GradeSmoothingAlpha: 0.3,
		GradeDeadBand:       1.0,
		UphillSlopePerPct:   0.045,
		DownhillThreshold:   3.0,
		DownhillSlopePerPct: 0.02,
		MaxMultiplier:       2.0,
		GPSAltitudeAlpha:    0.2,
		HistorySize:         120,
	}
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	c := DefaultConfig()
	c.BaroDeltaWeight = cfg.GetBaroDeltaWeight()
	c.AnchorInterval = cfg.GetAnchorInterval()
	c.AnchorGain = cfg.GetAnchorGain()
	c.NoiseFloor = cfg.GetNoiseFloorMetres()
	c.MinHorizontalDelta = cfg.GetMinHorizontalDelta()
	c.GradeSmoothingAlpha = cfg.GetGradeSmoothingAlpha()
	c.GradeDeadBand = cfg.GetGradeDeadBandPct()
	c.UphillSlopePerPct = cfg.GetUphillSlopePerPct()
	c.DownhillThreshold = cfg.GetDownhillThresholdPct()
	c.DownhillSlopePerPct = cfg.GetDownhillSlopePerPct()
	c.MaxMultiplier = cfg.GetMaxGradeMultiplier()
	return c
}

// MultiplierFor maps a grade percentage onto the effort multiplier curve.
// Piecewise linear, 1.0 inside the dead band, monotonic in steepness on
// both sides, capped at MaxMultiplier.
func (c Config) MultiplierFor(gradePct float64) float64 {
	m := 1.0
	switch {
	case gradePct > c.GradeDeadBand:
		m = 1.0 + (gradePct-c.GradeDeadBand)*c.UphillSlopePerPct
	case gradePct < 0:
		descent := -gradePct
		if descent > c.DownhillThreshold {
			m = 1.0 + (descent-c.DownhillThreshold)*c.DownhillSlopePerPct
		}
	}
	if m > c.MaxMultiplier {
		m = c.MaxMultiplier
	}
	if m < 1.0 {
		m = 1.0
	}
	return m
}

// Engine is the elevation/grade pipeline stage. Not safe for concurrent
// use; the session worker owns it.
type Engine struct {
	cfg Config

	initialised bool
	fused       float64
	gpsSmoothed *float64 // EWMA of valid GPS altitudes
	lastBaro    *float64

	lastAnchor   time.Time
	lastValidAlt time.Time
	prevTime     time.Time
	prevFix      fusion.FilteredFix

	commitBase float64 // fused altitude at last gain/loss commit
	gradeBase  float64 // fused altitude at last grade emit
	pendingRun float64 // horizontal metres since last grade emit

	gain, loss   float64
	minAlt       float64
	maxAlt       float64
	inst         float64
	smoothed     float64
	gradeSeeded  bool
	last         GradeSample
	history      []GradeSample
}

// NewEngine creates an elevation engine with the given config.
func NewEngine(cfg Config) *Engine {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	return &Engine{cfg: cfg}
}

// Ready reports whether an absolute altitude base has been established.
func (e *Engine) Ready() bool { return e.initialised }

// Totals returns the cumulative elevation aggregates.
func (e *Engine) Totals() Totals {
	return Totals{
		Gain:        e.gain,
		Loss:        e.loss,
		MinAltitude: e.minAlt,
		MaxAltitude: e.maxAlt,
		Altitude:    e.fused,
	}
}

// Last returns the most recently emitted sample.
func (e *Engine) Last() GradeSample { return e.last }

// History returns a copy of the recent grade ring, oldest first.
func (e *Engine) History() []GradeSample {
	out := make([]GradeSample, len(e.history))
	copy(out, e.history)
	return out
}

// Process folds one sensor sample and its filtered fix into the elevation
// estimate. Returns false until a GPS altitude has established the absolute
// base; barometric readings before that still seed the delta chain.
func (e *Engine) Process(s sensor.RawSample, fix fusion.FilteredFix) (GradeSample, bool) {
	ts := s.Timestamp
	altValid := s.VerticalAccuracy > 0

	if altValid {
		e.updateGPSSmoothed(s.Altitude, s.VerticalAccuracy)
		e.lastValidAlt = ts
	}

	if !e.initialised {
		if s.HasBarometer() {
			v := *s.BarometricAltitude
			e.lastBaro = &v
		}
		if !altValid {
			return GradeSample{}, false
		}
		e.initialise(ts, s.Altitude, fix)
		return e.last, true
	}

	e.advanceFused(s, altValid)

	if altValid && ts.Sub(e.lastAnchor) >= e.cfg.AnchorInterval {
		e.fused += e.cfg.AnchorGain * (*e.gpsSmoothed - e.fused)
		e.lastAnchor = ts
	}

	if e.fused < e.minAlt {
		e.minAlt = e.fused
	}
	if e.fused > e.maxAlt {
		e.maxAlt = e.fused
	}

	// Gain/loss accrue only once the move from the last committed altitude
	// clears the noise floor; jitter below it never counts.
	committed := 0.0
	if diff := e.fused - e.commitBase; math.Abs(diff) >= e.cfg.NoiseFloor {
		if diff > 0 {
			e.gain += diff
		} else {
			e.loss += -diff
		}
		committed = diff
		e.commitBase = e.fused
	}

	// Grade over accumulated run so slow movement still resolves a slope.
	e.pendingRun += geo.Distance(e.prevFix.Point(), fix.Point())
	if e.pendingRun >= e.cfg.MinHorizontalDelta {
		rise := e.fused - e.gradeBase
		e.inst = rise / e.pendingRun * 100
		e.gradeBase = e.fused
		e.pendingRun = 0
		if !e.gradeSeeded {
			e.smoothed = e.inst
			e.gradeSeeded = true
		}
	}
	if e.gradeSeeded {
		e.smoothed += e.cfg.GradeSmoothingAlpha * (e.inst - e.smoothed)
	}

	sample := GradeSample{
		Timestamp:     ts,
		Altitude:      e.fused,
		AltitudeDelta: committed,
		Instantaneous: e.inst,
		Smoothed:      e.smoothed,
		Multiplier:    e.cfg.MultiplierFor(e.smoothed),
		Confidence:    e.confidence(ts, s, altValid),
	}
	e.push(sample)

	e.prevTime = ts
	e.prevFix = fix
	return sample, true
}

func (e *Engine) initialise(ts time.Time, alt float64, fix fusion.FilteredFix) {
	e.initialised = true
	e.fused = alt
	e.commitBase = alt
	e.gradeBase = alt
	e.pendingRun = 0
	e.minAlt = alt
	e.maxAlt = alt
	e.lastAnchor = ts
	e.prevTime = ts
	e.prevFix = fix
	e.inst = 0
	e.smoothed = 0
	e.gradeSeeded = false
	e.last = GradeSample{
		Timestamp:  ts,
		Altitude:   alt,
		Multiplier: 1.0,
		Confidence: 1.0,
	}
	e.history = append(e.history[:0], e.last)
}

// advanceFused applies one fused altitude step. With a barometer the step
// blends the baro delta against the GPS-implied delta; without one the
// estimate tracks the accuracy-weighted GPS smoothing directly.
func (e *Engine) advanceFused(s sensor.RawSample, altValid bool) {
	if s.HasBarometer() {
		baro := *s.BarometricAltitude
		if e.lastBaro != nil {
			baroDelta := baro - *e.lastBaro
			if altValid && e.gpsSmoothed != nil {
				gpsDelta := *e.gpsSmoothed - e.fused
				e.fused += e.cfg.BaroDeltaWeight*baroDelta + (1-e.cfg.BaroDeltaWeight)*gpsDelta
			} else {
				e.fused += baroDelta
			}
		}
		e.lastBaro = &baro
		return
	}
	if altValid && e.gpsSmoothed != nil {
		e.fused = *e.gpsSmoothed
	}
}

// updateGPSSmoothed folds a valid GPS altitude into the EWMA, weighting by
// vertical accuracy so poor fixes move the estimate less.
func (e *Engine) updateGPSSmoothed(alt, vacc float64) {
	if e.gpsSmoothed == nil {
		v := alt
		e.gpsSmoothed = &v
		return
	}
	alpha := e.cfg.GPSAltitudeAlpha * goodVerticalAccuracy / math.Max(vacc, goodVerticalAccuracy)
	*e.gpsSmoothed += alpha * (alt - *e.gpsSmoothed)
}

func (e *Engine) confidence(ts time.Time, s sensor.RawSample, altValid bool) float64 {
	conf := 1.0

	if altValid {
		conf *= goodVerticalAccuracy / math.Max(s.VerticalAccuracy, goodVerticalAccuracy)
	}

	if age := ts.Sub(e.lastValidAlt); age > e.cfg.AnchorInterval {
		span := time.Duration(anchorDecaySpan) * e.cfg.AnchorInterval
		f := 1.0 - float64(age-e.cfg.AnchorInterval)/float64(span)
		conf *= clamp(f, 0.2, 1.0)
	}

	if !e.prevTime.IsZero() {
		if gap := ts.Sub(e.prevTime).Seconds(); gap > gapGraceSeconds {
			conf *= clamp(gapGraceSeconds/gap, gapFactorFloor, 1.0)
		}
	}

	return clamp(conf, confidenceFloor, 1.0)
}

func (e *Engine) push(g GradeSample) {
	e.last = g
	e.history = append(e.history, g)
	if len(e.history) > e.cfg.HistorySize {
		e.history = e.history[1:]
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

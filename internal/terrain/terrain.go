// Package terrain infers the walking surface from movement texture: speed
// variance, fix accuracy, grade, and pace relative to the active regime.
// Labels change only with hysteresis and dwell so momentary texture shifts
// do not flap the surface, and a manual override always wins until it
// expires or is cleared.
package terrain

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/lelanhus/ruck-map-sub009/internal/config"
	"github.com/lelanhus/ruck-map-sub009/internal/motion"
)

// Label identifies a walking surface.
type Label string

const (
	LabelPaved  Label = "paved"
	LabelTrail  Label = "trail"
	LabelGravel Label = "gravel"
	LabelSand   Label = "sand"
	LabelMud    Label = "mud"
	LabelSnow   Label = "snow"
	LabelStairs Label = "stairs"
	LabelGrass  Label = "grass"
)

// Labels lists every recognised surface label.
func Labels() []Label {
	return []Label{
		LabelPaved, LabelTrail, LabelGravel, LabelSand,
		LabelMud, LabelSnow, LabelStairs, LabelGrass,
	}
}

// ValidLabel reports whether l is a recognised surface label.
func ValidLabel(l Label) bool {
	for _, known := range Labels() {
		if l == known {
			return true
		}
	}
	return false
}

// Profile band edges. Speed variance is (m/s)^2 over the feature window,
// accuracy is metres, grade is percent, pace is observed speed over the
// regime's expected speed.
const (
	// paved: steady speed, clean sky view, normal pace
	PavedVarLo   = 0.05
	PavedVarHi   = 0.40
	PavedAccLo   = 8.0
	PavedAccHi   = 20.0
	PavedGradeLo = 12.0
	PavedGradeHi = 25.0
	PavedPaceLo  = 0.55
	PavedPaceHi  = 0.85

	// trail: degraded accuracy under canopy, uneven speed
	TrailVarLo     = 0.08
	TrailVarHi     = 0.60
	TrailVarFadeLo = 0.04
	TrailVarFadeHi = 0.30
	TrailAccLo     = 8.0
	TrailAccHi     = 14.0
	TrailPaceLo    = 0.50
	TrailPaceHi    = 0.80

	// gravel: rougher speed texture than paved but open sky
	GravelVarLo     = 0.22
	GravelVarHi     = 0.50
	GravelVarFadeLo = 0.08
	GravelVarFadeHi = 0.25
	GravelAccLo     = 5.0
	GravelAccHi     = 12.0
	GravelAccFade   = 4.0
	GravelPaceLo    = 0.60
	GravelPaceHi    = 0.85

	// grass: mild texture, good accuracy, slightly reduced pace
	GrassVarLo     = 0.06
	GrassVarHi     = 0.22
	GrassVarFadeLo = 0.03
	GrassVarFadeHi = 0.08
	GrassAccLo     = 10.0
	GrassAccHi     = 18.0
	GrassPaceLo    = 0.70
	GrassPaceHi    = 0.90
	GrassPaceFade  = 0.05
	GrassGradeLo   = 10.0
	GrassGradeHi   = 20.0

	// sand: heavy pace penalty on flat open ground
	SandPaceLo  = 0.60
	SandPaceHi  = 0.75
	SandVarLo   = 0.05
	SandVarHi   = 0.15
	SandAccLo   = 10.0
	SandAccHi   = 20.0
	SandGradeLo = 5.0
	SandGradeHi = 12.0

	// mud: slow and rough with poor accuracy, moderate grade
	MudPaceLo  = 0.62
	MudPaceHi  = 0.80
	MudVarLo   = 0.08
	MudVarHi   = 0.20
	MudAccLo   = 9.0
	MudAccHi   = 15.0
	MudGradeLo = 6.0
	MudGradeHi = 12.0

	// snow: like mud but gentler grade, mid accuracy
	SnowPaceLo    = 0.68
	SnowPaceHi    = 0.85
	SnowVarLo     = 0.06
	SnowVarHi     = 0.15
	SnowAccLo     = 10.0
	SnowAccHi     = 18.0
	SnowAccFadeLo = 2.0
	SnowAccFadeHi = 6.0
	SnowGradeLo   = 2.0
	SnowGradeHi   = 5.0

	// stairs: steep sustained grade at very low horizontal speed
	StairsGradeLo = 10.0
	StairsGradeHi = 14.0
	StairsSpeedLo = 0.9
	StairsSpeedHi = 1.3

	// MinObservations is the evidence floor before any label commits.
	MinObservations = 8
)

// Observation is one per-sample terrain input.
type Observation struct {
	Timestamp time.Time
	Speed     float64 // m/s, filtered
	Accuracy  float64 // horizontal accuracy, metres
	Grade     float64 // smoothed percent
	Regime    motion.ActivityRegime
}

// Features summarises the current observation window.
type Features struct {
	SpeedMean     float64
	SpeedVariance float64
	MeanAccuracy  float64
	MeanGrade     float64
	PaceRatio     float64
	Count         int
}

// Segment is one labelled stretch of a session. End stays zero while the
// segment is open.
type Segment struct {
	Start      time.Time
	End        time.Time
	Label      Label
	Confidence float64
	Manual     bool
}

// State is the currently emitted terrain decision.
type State struct {
	Label         Label
	Confidence    float64
	Manual        bool
	OverrideUntil time.Time // zero unless a manual override is active
}

// Config controls the classifier window, hysteresis, and override expiry.
type Config struct {
	Window           time.Duration // feature window span (default: 60s)
	HysteresisMargin float64       // challenger must beat incumbent by this (default: 0.15)
	LabelDwell       time.Duration // challenger must hold this long (default: 20s)
	DefaultOverride  time.Duration // override length when none given (default: 10m)
}

// DefaultConfig returns the compiled terrain defaults.
func DefaultConfig() Config {
	return Config{
		Window:           60 * time.Second,
		HysteresisMargin: 0.15,
		LabelDwell:       20 * time.Second,
		DefaultOverride:  10 * time.Minute,
	}
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		Window:           cfg.GetTerrainWindow(),
		HysteresisMargin: cfg.GetHysteresisMargin(),
		LabelDwell:       cfg.GetLabelDwell(),
		DefaultOverride:  cfg.GetDefaultOverride(),
	}
}

type override struct {
	label Label
	until time.Time
}

// Classifier is the terrain inference stage. Not safe for concurrent use;
// the session worker owns it.
type Classifier struct {
	cfg Config

	window []Observation

	incumbent  Label
	confidence float64

	challenger      Label
	challengerSince time.Time

	manual   *override
	segments []Segment
}

// NewClassifier creates a terrain classifier with the given config.
func NewClassifier(cfg Config) *Classifier {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.DefaultOverride <= 0 {
		cfg.DefaultOverride = DefaultConfig().DefaultOverride
	}
	return &Classifier{cfg: cfg}
}

// Current returns the emitted terrain state. The label is empty until
// enough evidence has accumulated for a first commit.
func (c *Classifier) Current() State {
	if c.manual != nil {
		return State{Label: c.manual.label, Confidence: 1.0, Manual: true, OverrideUntil: c.manual.until}
	}
	return State{Label: c.incumbent, Confidence: c.confidence}
}

// Segments returns a copy of the labelled segments, the open one last.
func (c *Classifier) Segments() []Segment {
	out := make([]Segment, len(c.segments))
	copy(out, c.segments)
	return out
}

// SetOverride pins the emitted label until the expiry computed from the
// given sample timestamp. A non-positive duration selects the default.
func (c *Classifier) SetOverride(l Label, d time.Duration, at time.Time) error {
	if !ValidLabel(l) {
		return fmt.Errorf("unknown terrain label %q", l)
	}
	if d <= 0 {
		d = c.cfg.DefaultOverride
	}
	c.manual = &override{label: l, until: at.Add(d)}
	c.transition(l, 1.0, true, at)
	return nil
}

// ClearOverride drops an active override at the given sample timestamp and
// resumes the automatic incumbent.
func (c *Classifier) ClearOverride(at time.Time) {
	if c.manual == nil {
		return
	}
	c.manual = nil
	c.resumeAutomatic(at)
}

// Process folds one observation into the window and re-evaluates the label.
// Override expiry is driven entirely by sample timestamps.
func (c *Classifier) Process(obs Observation) State {
	c.window = append(c.window, obs)
	cutoff := obs.Timestamp.Add(-c.cfg.Window)
	for len(c.window) > 0 && c.window[0].Timestamp.Before(cutoff) {
		c.window = c.window[1:]
	}

	if c.manual != nil && obs.Timestamp.After(c.manual.until) {
		expiredAt := c.manual.until
		c.manual = nil
		c.resumeAutomatic(expiredAt)
	}

	if onFoot(obs.Regime) && len(c.window) >= MinObservations {
		c.evaluate(obs.Timestamp)
	}

	return c.Current()
}

// Finalize closes the open segment at the given sample timestamp.
func (c *Classifier) Finalize(at time.Time) {
	if n := len(c.segments); n > 0 && c.segments[n-1].End.IsZero() {
		c.segments[n-1].End = at
	}
}

func (c *Classifier) evaluate(now time.Time) {
	f := extractFeatures(c.window)
	best, bestScore := bestLabel(f)

	if c.incumbent == "" {
		c.incumbent = best
		c.confidence = bestScore
		c.challenger = ""
		if c.manual == nil {
			c.transition(best, bestScore, false, now)
		}
		return
	}

	incumbentScore := scoreFor(c.incumbent, f)
	c.confidence = incumbentScore

	if best == c.incumbent || bestScore-incumbentScore < c.cfg.HysteresisMargin {
		c.challenger = ""
		return
	}

	if c.challenger != best {
		c.challenger = best
		c.challengerSince = now
		return
	}
	if now.Sub(c.challengerSince) >= c.cfg.LabelDwell {
		c.incumbent = best
		c.confidence = bestScore
		c.challenger = ""
		if c.manual == nil {
			c.transition(best, bestScore, false, now)
		}
	}
}

// resumeAutomatic reopens an automatic segment after an override ends.
func (c *Classifier) resumeAutomatic(at time.Time) {
	if c.incumbent == "" {
		c.Finalize(at)
		return
	}
	c.transition(c.incumbent, c.confidence, false, at)
}

// transition closes the open segment and opens a new one unless the label
// and manual flag are unchanged.
func (c *Classifier) transition(l Label, conf float64, manual bool, at time.Time) {
	if n := len(c.segments); n > 0 {
		open := &c.segments[n-1]
		if open.End.IsZero() {
			if open.Label == l && open.Manual == manual {
				return
			}
			open.End = at
		}
	}
	c.segments = append(c.segments, Segment{Start: at, Label: l, Confidence: conf, Manual: manual})
}

func onFoot(r motion.ActivityRegime) bool {
	switch r {
	case motion.RegimeWalking, motion.RegimeJogging, motion.RegimeRunning:
		return true
	}
	return false
}

// expectedSpeed is the nominal mid-band speed for a regime, used for the
// pace-vs-regime feature.
func expectedSpeed(r motion.ActivityRegime) float64 {
	switch r {
	case motion.RegimeWalking:
		return 1.4
	case motion.RegimeJogging:
		return 2.7
	case motion.RegimeRunning:
		return 4.0
	case motion.RegimeCycling:
		return 5.5
	case motion.RegimeAutomotive:
		return 15.0
	}
	return 0
}

func extractFeatures(window []Observation) Features {
	speeds := make([]float64, len(window))
	accs := make([]float64, len(window))
	grades := make([]float64, len(window))
	paces := make([]float64, 0, len(window))
	for i, o := range window {
		speeds[i] = o.Speed
		accs[i] = o.Accuracy
		grades[i] = o.Grade
		if exp := expectedSpeed(o.Regime); exp > 0 {
			paces = append(paces, o.Speed/exp)
		}
	}

	f := Features{
		SpeedMean:     stat.Mean(speeds, nil),
		SpeedVariance: stat.Variance(speeds, nil),
		MeanAccuracy:  stat.Mean(accs, nil),
		MeanGrade:     stat.Mean(grades, nil),
		PaceRatio:     1.0,
		Count:         len(window),
	}
	if len(paces) > 0 {
		f.PaceRatio = stat.Mean(paces, nil)
	}
	return f
}

type labelScore struct {
	label Label
	score func(Features) float64
}

var scorers = []labelScore{
	{LabelPaved, pavedScore},
	{LabelTrail, trailScore},
	{LabelGravel, gravelScore},
	{LabelSand, sandScore},
	{LabelMud, mudScore},
	{LabelSnow, snowScore},
	{LabelStairs, stairsScore},
	{LabelGrass, grassScore},
}

func bestLabel(f Features) (Label, float64) {
	best := scorers[0].label
	bestScore := scorers[0].score(f)
	for _, s := range scorers[1:] {
		if score := s.score(f); score > bestScore {
			best, bestScore = s.label, score
		}
	}
	return best, bestScore
}

func scoreFor(l Label, f Features) float64 {
	for _, s := range scorers {
		if s.label == l {
			return s.score(f)
		}
	}
	return 0
}

func pavedScore(f Features) float64 {
	s := rampDown(f.SpeedVariance, PavedVarLo, PavedVarHi)
	s *= rampDown(f.MeanAccuracy, PavedAccLo, PavedAccHi)
	s *= rampUp(f.PaceRatio, PavedPaceLo, PavedPaceHi)
	s *= rampDown(math.Abs(f.MeanGrade), PavedGradeLo, PavedGradeHi)
	return s
}

func trailScore(f Features) float64 {
	s := insideBand(f.SpeedVariance, TrailVarLo, TrailVarHi, TrailVarFadeLo, TrailVarFadeHi)
	s *= rampUp(f.MeanAccuracy, TrailAccLo, TrailAccHi)
	s *= rampUp(f.PaceRatio, TrailPaceLo, TrailPaceHi)
	return s
}

func gravelScore(f Features) float64 {
	s := insideBand(f.SpeedVariance, GravelVarLo, GravelVarHi, GravelVarFadeLo, GravelVarFadeHi)
	s *= insideBand(f.MeanAccuracy, GravelAccLo, GravelAccHi, GravelAccFade, GravelAccFade)
	s *= rampUp(f.PaceRatio, GravelPaceLo, GravelPaceHi)
	return s
}

func sandScore(f Features) float64 {
	s := rampDown(f.PaceRatio, SandPaceLo, SandPaceHi)
	s *= rampUp(f.SpeedVariance, SandVarLo, SandVarHi)
	s *= rampDown(f.MeanAccuracy, SandAccLo, SandAccHi)
	s *= rampDown(math.Abs(f.MeanGrade), SandGradeLo, SandGradeHi)
	return s
}

func mudScore(f Features) float64 {
	s := rampDown(f.PaceRatio, MudPaceLo, MudPaceHi)
	s *= rampUp(f.SpeedVariance, MudVarLo, MudVarHi)
	s *= rampUp(f.MeanAccuracy, MudAccLo, MudAccHi)
	s *= rampDown(math.Abs(f.MeanGrade), MudGradeLo, MudGradeHi)
	return s
}

func snowScore(f Features) float64 {
	s := rampDown(f.PaceRatio, SnowPaceLo, SnowPaceHi)
	s *= rampUp(f.SpeedVariance, SnowVarLo, SnowVarHi)
	s *= insideBand(f.MeanAccuracy, SnowAccLo, SnowAccHi, SnowAccFadeLo, SnowAccFadeHi)
	s *= rampDown(math.Abs(f.MeanGrade), SnowGradeLo, SnowGradeHi)
	return s
}

func stairsScore(f Features) float64 {
	s := rampUp(math.Abs(f.MeanGrade), StairsGradeLo, StairsGradeHi)
	s *= rampDown(f.SpeedMean, StairsSpeedLo, StairsSpeedHi)
	return s
}

func grassScore(f Features) float64 {
	s := insideBand(f.SpeedVariance, GrassVarLo, GrassVarHi, GrassVarFadeLo, GrassVarFadeHi)
	s *= rampDown(f.MeanAccuracy, GrassAccLo, GrassAccHi)
	s *= insideBand(f.PaceRatio, GrassPaceLo, GrassPaceHi, GrassPaceFade, GrassPaceFade)
	s *= rampDown(math.Abs(f.MeanGrade), GrassGradeLo, GrassGradeHi)
	return s
}

// rampDown is 1 at or below lo, 0 at or above hi, linear between.
func rampDown(v, lo, hi float64) float64 {
	if v <= lo {
		return 1
	}
	if v >= hi {
		return 0
	}
	return (hi - v) / (hi - lo)
}

// rampUp is 0 at or below lo, 1 at or above hi, linear between.
func rampUp(v, lo, hi float64) float64 {
	if v <= lo {
		return 0
	}
	if v >= hi {
		return 1
	}
	return (v - lo) / (hi - lo)
}

// insideBand is 1 within [lo, hi], fading linearly to 0 over fadeLo below
// and fadeHi above.
func insideBand(v, lo, hi, fadeLo, fadeHi float64) float64 {
	if v >= lo && v <= hi {
		return 1
	}
	if v < lo {
		return rampUp(v, lo-fadeLo, lo)
	}
	return rampDown(v, hi, hi+fadeHi)
}

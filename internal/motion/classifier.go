// Package motion classifies the wearer's activity regime from GPS speed and
// inertial evidence. Classification is rule-based: speed bands pick the
// candidate regimes and accelerometer variance plus cadence split the bands
// that overlap (a smooth 3 m/s is a bicycle, a bouncing 3 m/s is a jogger).
package motion

import (
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/lelanhus/ruck-map-sub009/internal/config"
	"github.com/lelanhus/ruck-map-sub009/internal/sensor"
)

// ActivityRegime represents the classified movement regime.
type ActivityRegime string

const (
	// RegimeStationary indicates no meaningful movement
	RegimeStationary ActivityRegime = "stationary"
	// RegimeWalking indicates walking or rucking pace
	RegimeWalking ActivityRegime = "walking"
	// RegimeJogging indicates a slow running pace
	RegimeJogging ActivityRegime = "jogging"
	// RegimeRunning indicates a running pace
	RegimeRunning ActivityRegime = "running"
	// RegimeCycling indicates bicycle movement
	RegimeCycling ActivityRegime = "cycling"
	// RegimeAutomotive indicates vehicle movement
	RegimeAutomotive ActivityRegime = "automotive"
	// RegimeUnknown indicates insufficient or contradictory evidence
	RegimeUnknown ActivityRegime = "unknown"
)

// Classification thresholds (configurable for tuning)
const (
	// Speed bands (m/s)
	StationarySpeedMax  = 0.3  // Below this the wearer is not covering ground
	WalkingSpeedMax     = 2.1  // Brisk walk tops out around 2.1 m/s
	JoggingSpeedMax     = 3.4  // Jogging band upper bound
	RunningSpeedMax     = 7.0  // Above this no runner sustains the pace
	CyclingSpeedMin     = 2.5  // Bicycles rarely balance below this
	CyclingSpeedMax     = 11.0 // Cycling band upper bound
	AutomotiveSpeedMin  = 8.0  // Vehicles overlap cycling from here
	AutomotiveSpeedSure = 11.0 // Above cycling range, vehicle regardless of variance

	// Accel-magnitude variance bands ((m/s^2)^2)
	StationaryVarMax = 0.05 // Resting phone on a moving torso stays under this
	FootstepVarMin   = 0.6  // Footfall impacts at jogging pace exceed this
	RunningVarMin    = 1.2  // Running impacts exceed this
	CyclingVarMax    = 0.35 // Smooth pedalling stays under this
	AutomotiveVarMax = 0.5  // Road vibration in a vehicle stays under this

	// Cadence bands (steps/min)
	CadenceWalkMin = 40  // Below this the pedometer sees no gait
	CadenceJogMin  = 140 // Jogging cadence
	CadenceRunMin  = 160 // Running cadence

	// Confidence levels
	HighConfidence   = 0.85
	MediumConfidence = 0.70
	LowConfidence    = 0.50

	// Minimum snapshots before variance is trusted
	MinSnapshotsForVariance = 8
)

// Classification is the committed regime with its confidence.
type Classification struct {
	Regime     ActivityRegime
	Confidence float64
	At         time.Time
}

// Features holds the evidence used for one classification decision.
type Features struct {
	Speed         float64 // m/s, filtered or chipset speed
	SpeedKnown    bool
	AccelVariance float64 // variance of accel magnitude over the window
	MeanCadence   float64 // steps/min over streams that reported one
	MeanRotation  float64 // rad/s
	SnapshotCount int
	HasMotion     bool // snapshot stream fresh enough to trust
}

// Config controls the classifier window and debounce behaviour.
type Config struct {
	Window              int           // snapshot ring size (default: 64)
	RegimeDwell         time.Duration // candidate must win this long before commit (default: 5s)
	MotionStaleAfter    time.Duration // snapshots older than this are distrusted (default: 10s)
	MinSwitchConfidence float64       // candidates below this never commit (default: 0.35)
}

// DefaultConfig returns the compiled classifier defaults.
func DefaultConfig() Config {
	return Config{
		Window:              64,
		RegimeDwell:         5 * time.Second,
		MotionStaleAfter:    10 * time.Second,
		MinSwitchConfidence: 0.35,
	}
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		Window:              cfg.GetMotionWindow(),
		RegimeDwell:         cfg.GetRegimeDwell(),
		MotionStaleAfter:    cfg.GetMotionStaleAfter(),
		MinSwitchConfidence: cfg.GetMinSwitchConfidence(),
	}
}

type snapshotEntry struct {
	at       time.Time
	mag      float64
	cadence  float64
	rotation float64
}

// Classifier holds the snapshot window and the debounced committed regime.
// Not safe for concurrent use; the session worker owns it.
type Classifier struct {
	cfg Config

	window       []snapshotEntry
	lastSnapshot time.Time

	committed    Classification
	pending      ActivityRegime
	pendingSince time.Time
}

// NewClassifier creates a classifier with the given config.
func NewClassifier(cfg Config) *Classifier {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	return &Classifier{cfg: cfg}
}

// Observe appends a motion snapshot to the evidence window.
func (c *Classifier) Observe(m sensor.MotionSnapshot) {
	c.window = append(c.window, snapshotEntry{
		at:       m.Timestamp,
		mag:      m.AccelMagnitude(),
		cadence:  m.StepCadence,
		rotation: m.RotationMagnitude(),
	})
	if len(c.window) > c.cfg.Window {
		c.window = c.window[1:]
	}
	if m.Timestamp.After(c.lastSnapshot) {
		c.lastSnapshot = m.Timestamp
	}
}

// Current returns the committed classification without recomputing.
func (c *Classifier) Current() Classification {
	return c.committed
}

// Classify scores the regimes against current evidence and returns the
// committed classification. A regime change commits only after the
// candidate has won continuously for the dwell window, so alternation at a
// band boundary yields at most one committed change per dwell.
func (c *Classifier) Classify(speed float64, speedKnown bool, at time.Time) Classification {
	f := c.extractFeatures(speed, speedKnown, at)
	candidate, confidence := c.evaluate(f)

	// Without motion evidence the decision rests on speed alone.
	if !f.HasMotion && confidence > LowConfidence {
		confidence = LowConfidence
	}

	c.debounce(candidate, confidence, at)
	return c.committed
}

func (c *Classifier) extractFeatures(speed float64, speedKnown bool, at time.Time) Features {
	f := Features{
		Speed:         speed,
		SpeedKnown:    speedKnown,
		SnapshotCount: len(c.window),
	}

	if len(c.window) > 0 && !c.lastSnapshot.IsZero() &&
		at.Sub(c.lastSnapshot) <= c.cfg.MotionStaleAfter {
		f.HasMotion = true
	}

	if f.HasMotion && len(c.window) >= MinSnapshotsForVariance {
		mags := make([]float64, len(c.window))
		var cadences []float64
		var rotSum float64
		for i, e := range c.window {
			mags[i] = e.mag
			rotSum += e.rotation
			if e.cadence > 0 {
				cadences = append(cadences, e.cadence)
			}
		}
		f.AccelVariance = stat.Variance(mags, nil)
		f.MeanRotation = rotSum / float64(len(c.window))
		if len(cadences) > 0 {
			f.MeanCadence = stat.Mean(cadences, nil)
		}
	}

	return f
}

// evaluate applies the classification rules in priority order.
func (c *Classifier) evaluate(f Features) (ActivityRegime, float64) {
	if !f.SpeedKnown && !f.HasMotion {
		return RegimeUnknown, 0
	}

	if c.isStationary(f) {
		return RegimeStationary, c.stationaryConfidence(f)
	}
	if c.isWalking(f) {
		return RegimeWalking, c.walkingConfidence(f)
	}
	if c.isJogging(f) {
		return RegimeJogging, c.joggingConfidence(f)
	}
	if c.isRunning(f) {
		return RegimeRunning, c.runningConfidence(f)
	}
	if c.isCycling(f) {
		return RegimeCycling, c.cyclingConfidence(f)
	}
	if c.isAutomotive(f) {
		return RegimeAutomotive, c.automotiveConfidence(f)
	}
	return RegimeUnknown, LowConfidence * 0.5
}

func (c *Classifier) isStationary(f Features) bool {
	if f.SpeedKnown && f.Speed >= StationarySpeedMax {
		return false
	}
	if f.HasMotion && f.AccelVariance >= StationaryVarMax {
		return false
	}
	// Need at least one of the two sources to positively agree
	return f.SpeedKnown || f.HasMotion
}

func (c *Classifier) stationaryConfidence(f Features) float64 {
	confidence := MediumConfidence
	if f.SpeedKnown && f.HasMotion {
		confidence += 0.15
	}
	if f.HasMotion && f.AccelVariance < StationaryVarMax/2 {
		confidence += 0.1
	}
	if f.MeanCadence >= CadenceWalkMin {
		confidence -= 0.3 // pedometer disagrees
	}
	return clampConfidence(confidence, 0, 1)
}

func (c *Classifier) isWalking(f Features) bool {
	if !f.SpeedKnown {
		// Motion-only fallback: gait cadence in walking range
		return f.HasMotion && f.MeanCadence >= CadenceWalkMin && f.MeanCadence < CadenceJogMin
	}
	return f.Speed >= StationarySpeedMax && f.Speed < WalkingSpeedMax
}

func (c *Classifier) walkingConfidence(f Features) float64 {
	confidence := MediumConfidence
	if f.SpeedKnown && f.Speed >= 0.8 && f.Speed <= 1.8 {
		confidence += 0.1 // typical ruck pace
	}
	if f.MeanCadence >= CadenceWalkMin && f.MeanCadence < CadenceJogMin {
		confidence += 0.1
	}
	if f.HasMotion && f.AccelVariance < StationaryVarMax {
		confidence -= 0.2 // too smooth for footsteps
	}
	return clampConfidence(confidence, 0, 1)
}

func (c *Classifier) isJogging(f Features) bool {
	if !f.SpeedKnown || f.Speed < WalkingSpeedMax || f.Speed >= JoggingSpeedMax {
		return false
	}
	// Smooth motion at this speed is a bicycle, not a jogger
	if f.HasMotion && f.AccelVariance < FootstepVarMin && f.MeanCadence < CadenceJogMin {
		return false
	}
	return true
}

func (c *Classifier) joggingConfidence(f Features) float64 {
	confidence := MediumConfidence
	if f.AccelVariance >= FootstepVarMin {
		confidence += 0.1
	}
	if f.MeanCadence >= CadenceJogMin {
		confidence += 0.1
	}
	if !f.HasMotion {
		confidence -= 0.15
	}
	return clampConfidence(confidence, 0, 1)
}

func (c *Classifier) isRunning(f Features) bool {
	if !f.SpeedKnown || f.Speed < JoggingSpeedMax || f.Speed >= RunningSpeedMax {
		return false
	}
	if f.HasMotion && f.AccelVariance < FootstepVarMin && f.MeanCadence < CadenceRunMin {
		return false
	}
	return true
}

func (c *Classifier) runningConfidence(f Features) float64 {
	confidence := MediumConfidence
	if f.AccelVariance >= RunningVarMin {
		confidence += 0.15
	}
	if f.MeanCadence >= CadenceRunMin {
		confidence += 0.1
	}
	if !f.HasMotion {
		confidence -= 0.15
	}
	return clampConfidence(confidence, 0, 1)
}

func (c *Classifier) isCycling(f Features) bool {
	if !f.SpeedKnown || f.Speed < CyclingSpeedMin || f.Speed >= CyclingSpeedMax {
		return false
	}
	// Gait evidence rules out cycling
	if f.MeanCadence >= CadenceJogMin {
		return false
	}
	return !f.HasMotion || f.AccelVariance < CyclingVarMax
}

func (c *Classifier) cyclingConfidence(f Features) float64 {
	confidence := MediumConfidence
	if f.HasMotion && f.AccelVariance < CyclingVarMax {
		confidence += 0.1
	}
	if f.Speed >= 4.0 {
		confidence += 0.05 // above sustained running pace for most
	}
	if !f.HasMotion {
		confidence -= 0.2 // band overlaps jogging, need variance to be sure
	}
	return clampConfidence(confidence, 0, 1)
}

func (c *Classifier) isAutomotive(f Features) bool {
	if !f.SpeedKnown {
		return false
	}
	if f.Speed >= AutomotiveSpeedSure {
		return true
	}
	if f.Speed < AutomotiveSpeedMin {
		return false
	}
	if f.MeanCadence >= CadenceWalkMin {
		return false
	}
	return !f.HasMotion || f.AccelVariance < AutomotiveVarMax
}

func (c *Classifier) automotiveConfidence(f Features) float64 {
	confidence := MediumConfidence
	if f.Speed >= 15.0 {
		confidence += 0.15
	}
	if f.HasMotion && f.AccelVariance < StationaryVarMax {
		confidence += 0.05
	}
	return clampConfidence(confidence, LowConfidence, HighConfidence+0.1)
}

// debounce commits a candidate regime once it has held for the dwell window.
func (c *Classifier) debounce(candidate ActivityRegime, confidence float64, at time.Time) {
	// First decision commits immediately so sessions have a regime from the
	// opening samples.
	if c.committed.Regime == "" {
		c.committed = Classification{Regime: candidate, Confidence: confidence, At: at}
		c.pending = candidate
		c.pendingSince = at
		return
	}

	if candidate == c.committed.Regime {
		c.committed.Confidence = confidence
		c.committed.At = at
		c.pending = candidate
		c.pendingSince = at
		return
	}

	if candidate != c.pending {
		c.pending = candidate
		c.pendingSince = at
		return
	}

	if at.Sub(c.pendingSince) >= c.cfg.RegimeDwell && confidence >= c.cfg.MinSwitchConfidence {
		c.committed = Classification{Regime: candidate, Confidence: confidence, At: at}
	}
}

// clampConfidence clamps a confidence value to the range [min, max].
func clampConfidence(value, min, max float64) float64 {
	if value > max {
		return max
	}
	if value < min {
		return min
	}
	return value
}

// MaxBandSpeed returns the upper speed bound for a regime, used by the
// location filter to cross-check implied speeds. Automotive and Unknown
// return 0 meaning unbounded.
func MaxBandSpeed(r ActivityRegime) float64 {
	switch r {
	case RegimeStationary:
		return StationarySpeedMax
	case RegimeWalking:
		return WalkingSpeedMax
	case RegimeJogging:
		return JoggingSpeedMax
	case RegimeRunning:
		return RunningSpeedMax
	case RegimeCycling:
		return CyclingSpeedMax
	default:
		return 0
	}
}

// SuppressionEligible reports whether the regime may enter GPS suppression.
func SuppressionEligible(r ActivityRegime) bool {
	return r == RegimeStationary
}

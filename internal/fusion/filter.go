// Package fusion implements the location filter: a constant-velocity Kalman
// filter over geodetic position, weighted by reported fix accuracy and aided
// by the motion classifier. It absorbs GPS jitter while staying responsive
// at walking pace, holds position through outages, and serves dead-reckoned
// fixes while GPS is suppressed.
package fusion

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/lelanhus/ruck-map-sub009/internal/config"
	"github.com/lelanhus/ruck-map-sub009/internal/motion"
	"github.com/lelanhus/ruck-map-sub009/internal/sensor"
)

// Rejection sentinels. A rejected sample leaves the filter state untouched;
// the caller holds the previous fix and counts the drop.
var (
	ErrNonPositiveAccuracy = errors.New("non-positive horizontal accuracy")
	ErrAccuracyOutlier     = errors.New("accuracy outlier")
	ErrInnovationGate      = errors.New("innovation gate exceeded")
	ErrImpliedSpeed        = errors.New("implied speed outside regime band")
	ErrNotReady            = errors.New("filter not initialised")
)

const (
	// metresPerDegLat approximates one degree of latitude.
	metresPerDegLat = 111320.0

	// WarmupFixes is how many accepted fixes the filter needs before the
	// innovation gate is trusted.
	WarmupFixes = 5

	// HardMaxSpeedMps rejects teleport fixes regardless of regime.
	HardMaxSpeedMps = 75.0

	// suppressionVelocityTau decays velocity during dead reckoning so a
	// suppressed stationary wearer does not drift along the last heading.
	suppressionVelocityTau = 5.0 // seconds

	// maxGapReset re-initialises the filter after a GPS outage too long
	// for the velocity estimate to mean anything.
	maxGapReset = 5 * time.Minute

	// stationaryDamping scales velocity state after a correction while the
	// wearer is confidently stationary.
	stationaryDamping = 0.2

	// regimeAidMinConfidence is the classifier confidence required before
	// regime hints modify filter behaviour.
	regimeAidMinConfidence = 0.6

	// impliedSpeedHeadroom widens the regime band before an implied-speed
	// rejection, leaving room for honest pace transitions.
	impliedSpeedHeadroom = 1.5
)

// FilteredFix is the smoothed position estimate published to consumers.
type FilteredFix struct {
	Timestamp   time.Time
	Latitude    float64
	Longitude   float64
	Speed       float64 // m/s from the filtered velocity
	Course      float64 // degrees true; -1 until established
	Uncertainty float64 // metres, 1-sigma radius
	Predicted   bool    // produced without a fresh measurement
}

// Point returns the fix as an orb.Point (lon, lat order).
func (f FilteredFix) Point() orb.Point {
	return orb.Point{f.Longitude, f.Latitude}
}

// Config holds the filter tuning.
type Config struct {
	ProcessNoisePos      float64       // position random walk, m^2/s (default: 0.5)
	ProcessNoiseVel      float64       // acceleration density, (m/s^2)^2 (default: 0.3)
	MinAccuracy          float64       // floor for reported accuracy, metres (default: 1.0)
	AccuracyRejectFactor float64       // reject accuracy above factor*rolling mean (default: 10)
	AccuracyWindow       int           // rolling accuracy window length (default: 20)
	GateThreshold        float64       // normalized innovation^2 gate (default: 13.8)
	SuppressionMaxUncert float64       // uncertainty clamp during prediction, metres (default: 50)
	CourseMinSpeed       float64       // m/s below which course is held (default: 0.5)
	CourseSmoothingAlpha float64       // EWMA weight for new course (default: 0.3)
	MaxGapReset          time.Duration // outage length that resets the filter
}

// DefaultConfig returns the compiled filter defaults.
func DefaultConfig() Config {
	return Config{
		ProcessNoisePos:      0.5,
		ProcessNoiseVel:      0.3,
		MinAccuracy:          1.0,
		AccuracyRejectFactor: 10.0,
		AccuracyWindow:       20,
		GateThreshold:        13.8,
		SuppressionMaxUncert: 50.0,
		CourseMinSpeed:       0.5,
		CourseSmoothingAlpha: 0.3,
		MaxGapReset:          maxGapReset,
	}
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	c := DefaultConfig()
	c.ProcessNoisePos = cfg.GetProcessNoisePos()
	c.ProcessNoiseVel = cfg.GetProcessNoiseVel()
	c.MinAccuracy = cfg.GetMinAccuracyMetres()
	c.AccuracyRejectFactor = cfg.GetAccuracyRejectFactor()
	c.AccuracyWindow = cfg.GetAccuracyWindow()
	c.GateThreshold = cfg.GetGateThreshold()
	c.SuppressionMaxUncert = cfg.GetSuppressionMaxUncert()
	c.CourseMinSpeed = cfg.GetCourseMinSpeed()
	c.CourseSmoothingAlpha = cfg.GetCourseSmoothingAlpha()
	return c
}

// Filter is the location filter. State vector is [lat, lon, vLat, vLon] in
// degrees and degrees/second. Not safe for concurrent use; the session
// worker owns it.
type Filter struct {
	cfg Config

	state *mat.VecDense // [lat, lon, vLat, vLon]
	cov   *mat.Dense    // 4x4 covariance, degrees^2

	initialised   bool
	acceptedFixes int
	lastUpdate    time.Time
	lastFix       FilteredFix
	lastAccuracy  float64
	lastCourse    float64 // -1 until established

	accWindow []float64 // recent accepted accuracies, metres
}

// NewFilter creates a filter with the given config.
func NewFilter(cfg Config) *Filter {
	if cfg.AccuracyWindow <= 0 {
		cfg.AccuracyWindow = DefaultConfig().AccuracyWindow
	}
	if cfg.MaxGapReset <= 0 {
		cfg.MaxGapReset = maxGapReset
	}
	return &Filter{
		cfg:        cfg,
		state:      mat.NewVecDense(4, nil),
		cov:        mat.NewDense(4, 4, nil),
		lastCourse: -1,
	}
}

// Ready reports whether the filter has accepted at least one fix.
func (f *Filter) Ready() bool { return f.initialised }

// LastFix returns the most recently published fix.
func (f *Filter) LastFix() FilteredFix { return f.lastFix }

// Process runs one measurement through the filter. On rejection the
// previous fix is returned together with the reason; filter state is
// unchanged.
func (f *Filter) Process(s sensor.RawSample, c motion.Classification) (FilteredFix, error) {
	if s.HorizontalAccuracy <= 0 {
		return f.lastFix, fmt.Errorf("%w: %.1f m", ErrNonPositiveAccuracy, s.HorizontalAccuracy)
	}

	if !f.initialised {
		f.initialise(s)
		return f.lastFix, nil
	}

	dt := s.Timestamp.Sub(f.lastUpdate).Seconds()
	if dt <= 0 {
		dt = 1e-3
	}
	if s.Timestamp.Sub(f.lastUpdate) > f.cfg.MaxGapReset {
		// Outage long enough that carried velocity is meaningless
		f.initialise(s)
		return f.lastFix, nil
	}

	// Reject wildly degraded accuracy against the recent rolling mean.
	if len(f.accWindow) > 0 {
		mean := stat.Mean(f.accWindow, nil)
		if s.HorizontalAccuracy > f.cfg.AccuracyRejectFactor*mean {
			return f.lastFix, fmt.Errorf("%w: %.1f m vs rolling mean %.1f m",
				ErrAccuracyOutlier, s.HorizontalAccuracy, mean)
		}
	}

	// Implied-speed cross-check against the regime band. Stationary is
	// exempt here: it is handled by velocity damping plus the innovation
	// gate, so a wearer starting to move is not starved of fixes while the
	// classifier dwell runs out.
	implied := geo.Distance(f.lastFix.Point(), orb.Point{s.Longitude, s.Latitude}) / dt
	if implied > HardMaxSpeedMps {
		return f.lastFix, fmt.Errorf("%w: implied %.1f m/s", ErrImpliedSpeed, implied)
	}
	if limit := motion.MaxBandSpeed(c.Regime); limit > 0 &&
		c.Regime != motion.RegimeStationary &&
		c.Confidence >= regimeAidMinConfidence &&
		implied > impliedSpeedHeadroom*limit {
		return f.lastFix, fmt.Errorf("%w: implied %.1f m/s, %s band tops at %.1f m/s",
			ErrImpliedSpeed, implied, c.Regime, limit)
	}

	xPred, pPred := f.predictMatrices(dt, c)

	// Measurement update in degrees with accuracy-derived noise.
	acc := math.Max(s.HorizontalAccuracy, f.cfg.MinAccuracy)
	latScale := 1.0 / metresPerDegLat
	lonScale := 1.0 / (metresPerDegLat * math.Cos(s.Latitude*math.Pi/180))
	rLat := acc * latScale
	rLon := acc * lonScale

	z := mat.NewVecDense(2, []float64{s.Latitude, s.Longitude})
	h := mat.NewDense(2, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
	})
	r := mat.NewDense(2, 2, []float64{
		rLat * rLat, 0,
		0, rLon * rLon,
	})

	// Innovation y = z - H*xPred
	var hx mat.VecDense
	hx.MulVec(h, xPred)
	y := mat.NewVecDense(2, nil)
	y.SubVec(z, &hx)

	// Innovation covariance S = H*pPred*H^T + R
	var hph mat.Dense
	hph.Product(h, pPred, h.T())
	sMat := mat.NewDense(2, 2, nil)
	sMat.Add(&hph, r)

	var sInv mat.Dense
	if err := sInv.Inverse(sMat); err != nil {
		// Singular S: fall back to the prediction rather than corrupt state
		f.commitPredicted(xPred, pPred, s.Timestamp)
		return f.lastFix, nil
	}

	// Gate on normalized innovation squared once the filter is warm.
	if f.acceptedFixes >= WarmupFixes {
		var sy mat.VecDense
		sy.MulVec(&sInv, y)
		nis := mat.Dot(y, &sy)
		if nis > f.cfg.GateThreshold {
			return f.lastFix, fmt.Errorf("%w: nis %.1f", ErrInnovationGate, nis)
		}
	}

	// Kalman gain K = pPred*H^T*S^-1
	var pht mat.Dense
	pht.Mul(pPred, h.T())
	k := mat.NewDense(4, 2, nil)
	k.Mul(&pht, &sInv)

	// State update x = xPred + K*y
	var ky mat.VecDense
	ky.MulVec(k, y)
	f.state.AddVec(xPred, &ky)

	// Covariance update P = (I - K*H)*pPred
	var kh mat.Dense
	kh.Mul(k, h)
	ident := identity4()
	var ikh mat.Dense
	ikh.Sub(ident, &kh)
	f.cov.Mul(&ikh, pPred)

	// Confident stationary damps velocity so jitter cannot build drift.
	if c.Regime == motion.RegimeStationary && c.Confidence >= regimeAidMinConfidence {
		f.state.SetVec(2, f.state.AtVec(2)*stationaryDamping)
		f.state.SetVec(3, f.state.AtVec(3)*stationaryDamping)
	}

	f.acceptedFixes++
	f.lastUpdate = s.Timestamp
	f.lastAccuracy = s.HorizontalAccuracy
	f.recordAccuracy(s.HorizontalAccuracy)
	f.lastFix = f.composeFix(s.Timestamp, false)
	return f.lastFix, nil
}

// Predict advances the filter without a measurement and publishes a
// dead-reckoned fix. Used while GPS polling is suppressed.
func (f *Filter) Predict(at time.Time) (FilteredFix, error) {
	if !f.initialised {
		return FilteredFix{}, ErrNotReady
	}
	dt := at.Sub(f.lastUpdate).Seconds()
	if dt <= 0 {
		return f.lastFix, nil
	}

	_, pPred := f.predictMatrices(dt, motion.Classification{})

	// Integrate an exponentially decaying velocity. Suppression only
	// happens while stationary, so carrying the last heading at full speed
	// would invent drift; total extra travel is bounded by v*tau no matter
	// how long the filter coasts.
	decay := math.Exp(-dt / suppressionVelocityTau)
	travel := suppressionVelocityTau * (1 - decay)
	xPred := mat.NewVecDense(4, nil)
	xPred.SetVec(0, f.state.AtVec(0)+f.state.AtVec(2)*travel)
	xPred.SetVec(1, f.state.AtVec(1)+f.state.AtVec(3)*travel)
	xPred.SetVec(2, f.state.AtVec(2)*decay)
	xPred.SetVec(3, f.state.AtVec(3)*decay)

	f.commitPredicted(xPred, pPred, at)
	return f.lastFix, nil
}

func (f *Filter) initialise(s sensor.RawSample) {
	acc := math.Max(s.HorizontalAccuracy, f.cfg.MinAccuracy)
	latScale := 1.0 / metresPerDegLat
	lonScale := 1.0 / (metresPerDegLat * math.Cos(s.Latitude*math.Pi/180))

	f.state.SetVec(0, s.Latitude)
	f.state.SetVec(1, s.Longitude)
	f.state.SetVec(2, 0)
	f.state.SetVec(3, 0)

	f.cov = mat.NewDense(4, 4, nil)
	f.cov.Set(0, 0, (acc*latScale)*(acc*latScale))
	f.cov.Set(1, 1, (acc*lonScale)*(acc*lonScale))
	f.cov.Set(2, 2, 1e-6)
	f.cov.Set(3, 3, 1e-6)

	f.initialised = true
	f.acceptedFixes = 1
	f.lastUpdate = s.Timestamp
	f.lastAccuracy = s.HorizontalAccuracy
	f.lastCourse = -1
	f.accWindow = f.accWindow[:0]
	f.recordAccuracy(s.HorizontalAccuracy)
	f.lastFix = FilteredFix{
		Timestamp:   s.Timestamp,
		Latitude:    s.Latitude,
		Longitude:   s.Longitude,
		Speed:       0,
		Course:      -1,
		Uncertainty: s.HorizontalAccuracy,
	}
}

// predictMatrices builds the predicted state and covariance over dt.
func (f *Filter) predictMatrices(dt float64, c motion.Classification) (*mat.VecDense, *mat.Dense) {
	fMat := mat.NewDense(4, 4, []float64{
		1, 0, dt, 0,
		0, 1, 0, dt,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})

	// Process noise from a piecewise-constant acceleration model plus a
	// position random walk, converted to degrees and scaled by regime.
	scale := regimeNoiseScale(c)
	latScale := 1.0 / metresPerDegLat
	lat := f.state.AtVec(0)
	lonScale := 1.0 / (metresPerDegLat * math.Cos(lat*math.Pi/180))

	qa := f.cfg.ProcessNoiseVel * scale
	qp := f.cfg.ProcessNoisePos * scale
	q4 := 0.25 * dt * dt * dt * dt * qa
	q3 := 0.5 * dt * dt * dt * qa
	q2 := dt * dt * qa
	pw := qp * dt

	qMat := mat.NewDense(4, 4, []float64{
		(q4 + pw) * latScale * latScale, 0, q3 * latScale * latScale, 0,
		0, (q4 + pw) * lonScale * lonScale, 0, q3 * lonScale * lonScale,
		q3 * latScale * latScale, 0, q2 * latScale * latScale, 0,
		0, q3 * lonScale * lonScale, 0, q2 * lonScale * lonScale,
	})

	xPred := mat.NewVecDense(4, nil)
	xPred.MulVec(fMat, f.state)

	pPred := mat.NewDense(4, 4, nil)
	pPred.Product(fMat, f.cov, fMat.T())
	pPred.Add(pPred, qMat)

	return xPred, pPred
}

func regimeNoiseScale(c motion.Classification) float64 {
	if c.Confidence < regimeAidMinConfidence {
		return 1.0
	}
	switch c.Regime {
	case motion.RegimeStationary:
		return 0.1
	case motion.RegimeAutomotive:
		return 4.0
	case motion.RegimeCycling:
		return 2.0
	default:
		return 1.0
	}
}

func (f *Filter) commitPredicted(xPred *mat.VecDense, pPred *mat.Dense, at time.Time) {
	f.state.CopyVec(xPred)
	f.cov.Copy(pPred)
	f.lastUpdate = at
	f.lastFix = f.composeFix(at, true)
}

// composeFix converts filter state into a published fix.
func (f *Filter) composeFix(at time.Time, predicted bool) FilteredFix {
	lat := f.state.AtVec(0)
	lon := f.state.AtVec(1)
	vLat := f.state.AtVec(2) // deg/s
	vLon := f.state.AtVec(3)

	// Velocity to m/s
	dy := vLat * metresPerDegLat
	dx := vLon * metresPerDegLat * math.Cos(lat*math.Pi/180)
	speed := math.Sqrt(dx*dx + dy*dy)

	course := f.lastCourse
	if speed >= f.cfg.CourseMinSpeed {
		newCourse := math.Atan2(dx, dy) * 180 / math.Pi
		if newCourse < 0 {
			newCourse += 360
		}
		if f.lastCourse < 0 {
			course = newCourse
		} else {
			// Smooth with wrap handling so 350° to 10° does not swing
			// through 180°.
			diff := newCourse - f.lastCourse
			if diff > 180 {
				diff -= 360
			} else if diff < -180 {
				diff += 360
			}
			course = f.lastCourse + f.cfg.CourseSmoothingAlpha*diff
			if course < 0 {
				course += 360
			} else if course >= 360 {
				course -= 360
			}
		}
		f.lastCourse = course
	}

	// 1-sigma radius in metres from the position covariance.
	mLat := math.Sqrt(math.Max(f.cov.At(0, 0), 0)) * metresPerDegLat
	mLon := math.Sqrt(math.Max(f.cov.At(1, 1), 0)) * metresPerDegLat * math.Cos(lat*math.Pi/180)
	radius := math.Hypot(mLat, mLon)

	// Published uncertainty never exceeds the larger of the last accepted
	// accuracy and the prediction growth bound.
	bound := math.Max(f.lastAccuracy, f.cfg.SuppressionMaxUncert)
	if radius > bound {
		radius = bound
	}

	return FilteredFix{
		Timestamp:   at,
		Latitude:    lat,
		Longitude:   lon,
		Speed:       speed,
		Course:      course,
		Uncertainty: radius,
		Predicted:   predicted,
	}
}

func (f *Filter) recordAccuracy(acc float64) {
	f.accWindow = append(f.accWindow, acc)
	if len(f.accWindow) > f.cfg.AccuracyWindow {
		f.accWindow = f.accWindow[1:]
	}
}

func identity4() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return m
}
